// Package prompt assembles token-budgeted prompts from fixed sections:
// system instructions, a durable state block, a small working window of
// recent turns, retrieved memory slices, and optional local context.
// Token counts are estimated (character heuristic), so a response reserve
// absorbs estimation error.
package prompt

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"quorum/internal/logging"
)

// charsPerToken is the estimation heuristic, calibrated for current
// tokenizers at roughly 4 characters per token.
const charsPerToken = 4.0

// EstimateTokens approximates the token count of a string.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return int(float64(utf8.RuneCountInString(s)) / charsPerToken)
}

// Slice is one retrieved memory slice offered for inclusion.
type Slice struct {
	Text  string
	Score float64
}

// Turn is one prior exchange for the working window.
type Turn struct {
	Query    string
	Response string
}

// Input carries everything a build may draw from.
type Input struct {
	System       string
	StateBlock   string // durable decisions/risks/entities/open questions
	WorkingTurns []Turn // most recent last
	Slices       []Slice
	LocalContext string
}

// Options bounds the build.
type Options struct {
	MaxTokens       int
	ResponseReserve float64 // fraction of MaxTokens held back for output
	StateFloor      int     // state block is never trimmed below this
	MaxWorkingTurns int
	MaxSlices       int
}

// Result is the assembled prompt plus observability detail.
type Result struct {
	Text            string
	EstimatedTokens int
	DroppedSlices   int
	DroppedTurns    int
	StateTruncated  bool
	Degraded        bool // state-block-only fallback was taken
}

// Builder assembles prompts.
type Builder struct {
	opts Options
}

// NewBuilder creates a builder. Zero-value options get safe defaults.
func NewBuilder(opts Options) *Builder {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 8000
	}
	if opts.ResponseReserve <= 0 || opts.ResponseReserve >= 1 {
		opts.ResponseReserve = 0.15
	}
	if opts.StateFloor <= 0 {
		opts.StateFloor = 300
	}
	if opts.MaxWorkingTurns <= 0 {
		opts.MaxWorkingTurns = 2
	}
	if opts.MaxSlices <= 0 {
		opts.MaxSlices = 8
	}
	return &Builder{opts: opts}
}

// Budget returns the usable token budget after the response reserve.
func (b *Builder) Budget() int {
	return int(float64(b.opts.MaxTokens) * (1 - b.opts.ResponseReserve))
}

// Build assembles the prompt. Sections appear in fixed order; when the
// projected total exceeds the budget, retrieved slices are trimmed first
// (lowest score first), then working turns (oldest first). The state block
// is only ever truncated down to the floor, never removed. If nothing fits,
// the build falls back to task-plus-state with the task cut to the
// remaining budget, and flags the degradation. The emitted prompt never
// exceeds the budget.
func (b *Builder) Build(in Input) Result {
	budget := b.Budget()
	res := Result{}

	// Cap inputs to configured maxima before any budget math.
	turns := in.WorkingTurns
	if len(turns) > b.opts.MaxWorkingTurns {
		res.DroppedTurns += len(turns) - b.opts.MaxWorkingTurns
		turns = turns[len(turns)-b.opts.MaxWorkingTurns:]
	}
	slices := make([]Slice, len(in.Slices))
	copy(slices, in.Slices)
	sort.SliceStable(slices, func(i, j int) bool { return slices[i].Score > slices[j].Score })
	if len(slices) > b.opts.MaxSlices {
		res.DroppedSlices += len(slices) - b.opts.MaxSlices
		slices = slices[:b.opts.MaxSlices]
	}

	state := in.StateBlock

	for {
		text := render(in.System, state, turns, slices, in.LocalContext)
		est := EstimateTokens(text)
		if est <= budget {
			res.Text = text
			res.EstimatedTokens = est
			return res
		}

		// Trim retrieved slices first, lowest score last in the sorted
		// order, so drop from the tail.
		if len(slices) > 0 {
			slices = slices[:len(slices)-1]
			res.DroppedSlices++
			continue
		}
		// Then the working window, oldest first.
		if len(turns) > 0 {
			turns = turns[1:]
			res.DroppedTurns++
			continue
		}
		// Then shrink the state block toward the floor.
		if EstimateTokens(state) > b.opts.StateFloor {
			state = truncateToTokens(state, b.opts.StateFloor)
			res.StateTruncated = true
			continue
		}
		break
	}

	// Last resort: the task section plus the floor-sized state block, with
	// the task itself cut to whatever budget remains. The task is trimmed
	// only here, after every other section is gone.
	res.Degraded = true
	res.StateTruncated = res.StateTruncated || EstimateTokens(in.StateBlock) > b.opts.StateFloor

	const sectionOverhead = 8 // headers and separators
	system := in.System
	sysBudget := budget - EstimateTokens(state) - sectionOverhead
	if sysBudget <= 0 {
		state = ""
		sysBudget = budget - sectionOverhead
	}
	if EstimateTokens(system) > sysBudget {
		system = truncateToTokens(system, sysBudget)
	}
	text := render(system, state, nil, nil, "")
	res.Text = text
	res.EstimatedTokens = EstimateTokens(text)
	logging.Prompt("degraded build: est=%d budget=%d", res.EstimatedTokens, budget)
	return res
}

// render concatenates the sections in fixed order, skipping empty ones.
func render(system, state string, turns []Turn, slices []Slice, local string) string {
	var sb strings.Builder

	if system != "" {
		sb.WriteString(system)
		sb.WriteString("\n\n")
	}
	if state != "" {
		sb.WriteString("## Session state\n")
		sb.WriteString(state)
		sb.WriteString("\n\n")
	}
	if len(turns) > 0 {
		sb.WriteString("## Recent exchanges\n")
		for _, t := range turns {
			fmt.Fprintf(&sb, "Q: %s\nA: %s\n", t.Query, t.Response)
		}
		sb.WriteString("\n")
	}
	if len(slices) > 0 {
		sb.WriteString("## Retrieved memory\n")
		for _, s := range slices {
			sb.WriteString("- ")
			sb.WriteString(s.Text)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	if local != "" {
		sb.WriteString("## Context\n")
		sb.WriteString(local)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// truncateToTokens cuts text so the result, marker included, fits within
// the given token budget. Breaks at a line boundary where possible.
func truncateToTokens(text string, tokens int) string {
	const marker = "\n[truncated]"
	budgetChars := int(float64(tokens) * charsPerToken)
	if len(text) <= budgetChars {
		return text
	}
	maxChars := budgetChars - len(marker)
	if maxChars < 0 {
		maxChars = 0
	}
	cut := text[:maxChars]
	if idx := strings.LastIndexByte(cut, '\n'); idx > maxChars/2 {
		cut = cut[:idx]
	}
	return cut + marker
}
