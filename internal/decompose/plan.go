package decompose

import (
	"fmt"

	"github.com/google/uuid"

	"quorum/internal/knowledge"
	"quorum/internal/logging"
	"quorum/internal/types"
)

// Strategy is a closed set of plan shapes. Every plan carries exactly one.
type Strategy int

const (
	StrategyDirect Strategy = iota
	StrategyParallel
	StrategyMapReduce
	StrategyIterative
	StrategyGroup
	StrategyMapDebateReduce
)

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case StrategyDirect:
		return "direct"
	case StrategyParallel:
		return "parallel"
	case StrategyMapReduce:
		return "map-reduce"
	case StrategyIterative:
		return "iterative"
	case StrategyGroup:
		return "group"
	case StrategyMapDebateReduce:
		return "map-debate-reduce"
	default:
		return "unknown"
	}
}

// Plan is the decomposer's output: a strategy plus the sub-queries it
// implies, in execution order. Phase markers on the sub-queries carry the
// ordering constraints (all map before debate, all debate before reduce).
type Plan struct {
	Query          string
	Classification types.Classification
	Strategy       Strategy
	SubQueries     []types.SubQuery
	GroupLevel     bool
	Truncated      bool // ceiling dropped low-relevance targets
}

// MapCount returns the number of map-phase sub-queries in the plan.
func (p *Plan) MapCount() int {
	n := 0
	for _, sq := range p.SubQueries {
		if sq.Phase == types.PhaseMap {
			n++
		}
	}
	return n
}

// Options bound planning.
type Options struct {
	MaxSubQueries            int
	EnableGroupDecomposition bool
	MinGroups                int
	MinGroupedAgents         int
	EnableDebatePhase        bool
}

// Decomposer plans sub-queries over the knowledge store. Planning reads the
// store but never writes it.
type Decomposer struct {
	store *knowledge.Store
	opts  Options
}

// NewDecomposer returns a decomposer over the given store.
func NewDecomposer(store *knowledge.Store, opts Options) *Decomposer {
	if opts.MaxSubQueries <= 0 {
		opts.MaxSubQueries = 25
	}
	return &Decomposer{store: store, opts: opts}
}

// Perspective roles handed out round-robin in parallel and debate plans.
var perspectives = []string{
	"skeptical reviewer",
	"supporting analyst",
	"neutral summarizer",
	"detail auditor",
}

// Decompose classifies the query and emits a plan. Ambiguous classification
// degrades to the direct strategy instead of failing the turn.
func (d *Decomposer) Decompose(query string, depth int) *Plan {
	relevant := d.store.RelevantAgents(query, d.opts.MaxSubQueries)

	cls, err := Classify(query, len(relevant))
	if err != nil {
		logging.Decompose("classification ambiguous, falling back to direct: %q", query)
		cls.Type = types.QueryFactual
		return d.planDirect(query, cls, relevant, depth)
	}

	plan := d.planFor(query, cls, relevant, depth)

	if d.groupEligible(plan, relevant) {
		plan = d.compactToGroups(query, cls, relevant, depth)
	}

	d.enforceCeiling(plan, relevant)
	logging.Decompose("planned %s: %d sub-queries (type=%s complexity=%s agents=%d depth=%d)",
		plan.Strategy, len(plan.SubQueries), cls.Type, cls.Complexity, len(relevant), depth)
	return plan
}

func (d *Decomposer) planFor(query string, cls types.Classification, relevant []knowledge.ScoredAgent, depth int) *Plan {
	switch {
	case len(relevant) <= 2 && cls.Complexity == types.ComplexitySimple:
		return d.planDirect(query, cls, relevant, depth)
	case cls.Type == types.QueryAggregative && len(relevant) >= 3:
		return d.planMapReduce(query, cls, relevant, depth)
	case (cls.Type == types.QueryAnalytical || cls.Type == types.QueryComparative) &&
		cls.Complexity == types.ComplexityHigh && d.opts.EnableDebatePhase && len(relevant) >= 2:
		return d.planMapDebateReduce(query, cls, relevant, depth)
	case cls.Type == types.QueryComparative && len(relevant) >= 2:
		return d.planParallel(query, cls, relevant, depth)
	case cls.Type == types.QuerySearch || cls.Type == types.QueryTemporal:
		return d.planIterative(query, cls, relevant, depth)
	case len(relevant) >= 3:
		return d.planMapReduce(query, cls, relevant, depth)
	default:
		return d.planDirect(query, cls, relevant, depth)
	}
}

func agentIDs(scored []knowledge.ScoredAgent) []string {
	ids := make([]string, len(scored))
	for i, s := range scored {
		ids[i] = s.Agent.ID
	}
	return ids
}

func (d *Decomposer) planDirect(query string, cls types.Classification, relevant []knowledge.ScoredAgent, depth int) *Plan {
	sq := types.SubQuery{
		ID:          uuid.NewString(),
		ParentQuery: query,
		AgentIDs:    agentIDs(relevant),
		Phase:       types.PhaseMap,
		Depth:       depth,
		Prompt:      directPrompt(query, cls),
		System:      systemPrompt(cls),
	}
	return &Plan{
		Query:          query,
		Classification: cls,
		Strategy:       StrategyDirect,
		SubQueries:     []types.SubQuery{sq},
	}
}

func (d *Decomposer) planParallel(query string, cls types.Classification, relevant []knowledge.ScoredAgent, depth int) *Plan {
	subs := make([]types.SubQuery, 0, len(relevant))
	for i, s := range relevant {
		subs = append(subs, types.SubQuery{
			ID:          uuid.NewString(),
			ParentQuery: query,
			AgentIDs:    []string{s.Agent.ID},
			Perspective: perspectives[i%len(perspectives)],
			Phase:       types.PhaseMap,
			Depth:       depth,
			Prompt:      mapPrompt(query, s.Agent.DisplayName),
			System:      systemPrompt(cls),
		})
	}
	return &Plan{
		Query:          query,
		Classification: cls,
		Strategy:       StrategyParallel,
		SubQueries:     subs,
	}
}

func (d *Decomposer) planMapReduce(query string, cls types.Classification, relevant []knowledge.ScoredAgent, depth int) *Plan {
	subs := make([]types.SubQuery, 0, len(relevant)+1)
	for _, s := range relevant {
		subs = append(subs, types.SubQuery{
			ID:          uuid.NewString(),
			ParentQuery: query,
			AgentIDs:    []string{s.Agent.ID},
			Phase:       types.PhaseMap,
			Depth:       depth,
			Prompt:      mapPrompt(query, s.Agent.DisplayName),
			System:      systemPrompt(cls),
		})
	}
	subs = append(subs, reduceSubQuery(query, cls, agentIDs(relevant), depth))
	return &Plan{
		Query:          query,
		Classification: cls,
		Strategy:       StrategyMapReduce,
		SubQueries:     subs,
	}
}

func (d *Decomposer) planMapDebateReduce(query string, cls types.Classification, relevant []knowledge.ScoredAgent, depth int) *Plan {
	plan := d.planMapReduce(query, cls, relevant, depth)
	plan.Strategy = StrategyMapDebateReduce

	for i := range plan.SubQueries {
		if plan.SubQueries[i].Phase == types.PhaseMap {
			plan.SubQueries[i].Perspective = perspectives[i%len(perspectives)]
		}
	}

	debate := types.SubQuery{
		ID:          uuid.NewString(),
		ParentQuery: query,
		AgentIDs:    agentIDs(relevant),
		Phase:       types.PhaseDebate,
		Depth:       depth,
		Prompt: fmt.Sprintf("The answers below respond to: %q\n\n"+
			"Identify the tensions: points where the answers contradict, "+
			"disagree on facts, or pull in different directions. List each "+
			"tension with the sources on each side. If there are none, say so.", query),
		System: systemPrompt(cls),
	}
	// Insert debate before the trailing reduce.
	reduce := plan.SubQueries[len(plan.SubQueries)-1]
	reduce.Prompt += "\n\nA tension report precedes the answers. Your synthesis must address each identified tension explicitly."
	plan.SubQueries = append(plan.SubQueries[:len(plan.SubQueries)-1], debate, reduce)
	return plan
}

func (d *Decomposer) planIterative(query string, cls types.Classification, relevant []knowledge.ScoredAgent, depth int) *Plan {
	initial := types.SubQuery{
		ID:          uuid.NewString(),
		ParentQuery: query,
		AgentIDs:    agentIDs(relevant),
		Phase:       types.PhaseMap,
		Depth:       depth,
		Prompt:      directPrompt(query, cls),
		System:      systemPrompt(cls),
	}
	followup := types.SubQuery{
		ID:          uuid.NewString(),
		ParentQuery: query,
		AgentIDs:    agentIDs(relevant),
		Phase:       types.PhaseFollowup,
		Depth:       depth,
		Prompt: fmt.Sprintf("An earlier answer to %q was uncertain or incomplete. "+
			"Dig deeper: name what was missing and answer it directly from the sources.", query),
		System: systemPrompt(cls),
	}
	return &Plan{
		Query:          query,
		Classification: cls,
		Strategy:       StrategyIterative,
		SubQueries:     []types.SubQuery{initial, followup},
	}
}

// groupEligible reports whether a per-agent plan should compact to groups.
func (d *Decomposer) groupEligible(plan *Plan, relevant []knowledge.ScoredAgent) bool {
	if !d.opts.EnableGroupDecomposition {
		return false
	}
	if plan.Strategy != StrategyMapReduce && plan.Strategy != StrategyParallel {
		return false
	}
	if len(relevant) < d.opts.MinGroupedAgents {
		return false
	}
	groups := map[string]bool{}
	for _, s := range relevant {
		if s.Agent.GroupID != "" {
			groups[s.Agent.GroupID] = true
		}
	}
	return len(groups) >= d.opts.MinGroups
}

// compactToGroups replaces per-agent map sub-queries with one per group.
// Ungrouped agents keep individual sub-queries.
func (d *Decomposer) compactToGroups(query string, cls types.Classification, relevant []knowledge.ScoredAgent, depth int) *Plan {
	byGroup := map[string][]string{}
	var groupOrder []string
	var ungrouped []knowledge.ScoredAgent
	for _, s := range relevant {
		if s.Agent.GroupID == "" {
			ungrouped = append(ungrouped, s)
			continue
		}
		if _, seen := byGroup[s.Agent.GroupID]; !seen {
			groupOrder = append(groupOrder, s.Agent.GroupID)
		}
		byGroup[s.Agent.GroupID] = append(byGroup[s.Agent.GroupID], s.Agent.ID)
	}

	var subs []types.SubQuery
	for _, gid := range groupOrder {
		name := gid
		for _, g := range d.store.Groups() {
			if g.ID == gid {
				name = g.Name
				break
			}
		}
		subs = append(subs, types.SubQuery{
			ID:          uuid.NewString(),
			ParentQuery: query,
			AgentIDs:    byGroup[gid],
			GroupID:     gid,
			Phase:       types.PhaseMap,
			Depth:       depth,
			Prompt:      mapPrompt(query, name),
			System:      systemPrompt(cls),
		})
	}
	for _, s := range ungrouped {
		subs = append(subs, types.SubQuery{
			ID:          uuid.NewString(),
			ParentQuery: query,
			AgentIDs:    []string{s.Agent.ID},
			Phase:       types.PhaseMap,
			Depth:       depth,
			Prompt:      mapPrompt(query, s.Agent.DisplayName),
			System:      systemPrompt(cls),
		})
	}
	subs = append(subs, reduceSubQuery(query, cls, agentIDs(relevant), depth))

	return &Plan{
		Query:          query,
		Classification: cls,
		Strategy:       StrategyGroup,
		SubQueries:     subs,
		GroupLevel:     true,
	}
}

// enforceCeiling caps the plan at MaxSubQueries. Map sub-queries are
// relevance-ordered already, so truncation drops from the tail of the map
// phase; debate and reduce sub-queries always survive.
func (d *Decomposer) enforceCeiling(plan *Plan, relevant []knowledge.ScoredAgent) {
	max := d.opts.MaxSubQueries
	if len(plan.SubQueries) <= max {
		return
	}

	var maps, rest []types.SubQuery
	for _, sq := range plan.SubQueries {
		if sq.Phase == types.PhaseMap {
			maps = append(maps, sq)
		} else {
			rest = append(rest, sq)
		}
	}
	keep := max - len(rest)
	if keep < 1 {
		keep = 1
	}
	if keep > len(maps) {
		keep = len(maps)
	}
	plan.SubQueries = append(maps[:keep], rest...)
	plan.Truncated = true
	logging.Decompose("plan truncated to ceiling: kept %d of %d map sub-queries", keep, len(maps))
}

func reduceSubQuery(query string, cls types.Classification, ids []string, depth int) types.SubQuery {
	return types.SubQuery{
		ID:          uuid.NewString(),
		ParentQuery: query,
		AgentIDs:    ids,
		Phase:       types.PhaseReduce,
		Depth:       depth,
		Prompt: fmt.Sprintf("Synthesize the per-source answers below into one answer to: %q\n\n"+
			"Attribute claims to their sources by name. Note where sources disagree.", query),
		System: systemPrompt(cls),
	}
}

func directPrompt(query string, cls types.Classification) string {
	p := query
	if cls.FormatHint == "list" {
		p += "\n\nAnswer as a bulleted list."
	}
	if cls.FormatHint == "table" {
		p += "\n\nAnswer as a table."
	}
	return p
}

func mapPrompt(query, sourceName string) string {
	return fmt.Sprintf("Answer the following using only the context from %s. "+
		"If the context does not cover it, say so briefly.\n\nQuestion: %s", sourceName, query)
}

func systemPrompt(cls types.Classification) string {
	base := "You answer questions from provided source context. Cite the source by name. Do not invent facts."
	if cls.DataPreference == "transcript" {
		base += " Quote the transcript verbatim where the question asks for exact wording."
	}
	return base
}
