package knowledge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLibrary = `agents:
  - id: a1
    display_name: Q1 Planning
    enabled: true
    summary: Budget planning for the first quarter.
    metadata:
      topics: [budget, hiring]
  - id: a2
    enabled: false
    summary: Review of authentication risks.
groups:
  - id: g1
    name: Finance
    kind: thematic
`

func writeLibrary(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFile(t *testing.T) {
	s, err := LoadFile(writeLibrary(t, sampleLibrary))
	require.NoError(t, err)

	total, enabled := s.Count()
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, enabled)

	// display_name falls back to the id when absent.
	a2, ok := s.Get("a2")
	require.True(t, ok)
	assert.Equal(t, "a2", a2.DisplayName)

	groups := s.Groups()
	require.Len(t, groups, 1)
	assert.Equal(t, "Finance", groups[0].Name)
}

func TestLoadFile_MissingID(t *testing.T) {
	_, err := LoadFile(writeLibrary(t, "agents:\n  - summary: no id here\n"))
	assert.Error(t, err)
}

func TestSaveFile_RoundTrip(t *testing.T) {
	path := writeLibrary(t, sampleLibrary)
	s, err := LoadFile(path)
	require.NoError(t, err)

	require.NoError(t, s.SetEnabled("a2", true))
	require.NoError(t, s.Rename("a1", "Q1 Budget Planning"))

	out := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, s.SaveFile(out))

	reloaded, err := LoadFile(out)
	require.NoError(t, err)

	want := []string{"a1", "a2"}
	assert.Equal(t, want, reloaded.EnabledIDs())

	for _, id := range want {
		orig, _ := s.Get(id)
		got, ok := reloaded.Get(id)
		require.True(t, ok)
		if diff := cmp.Diff(orig, got); diff != "" {
			t.Errorf("agent %s changed across save/load (-want +got):\n%s", id, diff)
		}
	}
}
