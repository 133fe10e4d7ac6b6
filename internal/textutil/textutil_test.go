package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	got := Tokenize("The Q3 budget, as-planned!")
	assert.Equal(t, []string{"the", "q3", "budget", "as", "planned"}, got)
}

func TestTerms_DropsStopwordsAndDuplicates(t *testing.T) {
	got := Terms("the budget and the budget review")
	assert.Equal(t, []string{"budget", "review"}, got)
}

func TestJaccard(t *testing.T) {
	assert.InDelta(t, 1.0, Jaccard("vendor contract renewal", "renewal of the vendor contract"), 1e-9)
	assert.Equal(t, 0.0, Jaccard("alpha beta", "gamma delta"))
	assert.Equal(t, 0.0, Jaccard("", "something"))

	// One shared term of three total.
	sim := Jaccard("budget review", "budget freeze")
	assert.InDelta(t, 1.0/3.0, sim, 1e-9)
}

func TestSharedTerms(t *testing.T) {
	shared := SharedTerms("hiring freeze decision", "the freeze on hiring")
	assert.ElementsMatch(t, []string{"hiring", "freeze"}, shared)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "what was decided", Normalize("  What   WAS\tdecided  "))
}

func TestOverlapCount(t *testing.T) {
	assert.Equal(t, 2, OverlapCount("vendor contract status", "the vendor signed the contract"))
	assert.Equal(t, 0, OverlapCount("vendor", ""))
}
