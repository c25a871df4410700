package gatekeeper

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// RouterKeywords holds the keyword lists and per-class weights the
// complexity scorer and intent classifier use. Overridable without a code
// change via internal/config.RouterConfig.
type RouterKeywords struct {
	High   []string
	Medium []string
	Low    []string

	Security    []string
	Development []string
	Planning    []string
	Database    []string
}

// RouterConfig configures the Router's scoring thresholds and cache TTL.
type RouterConfig struct {
	Keywords RouterKeywords

	CacheTTL time.Duration // default 300s

	MinConfidenceHigh   float64 // default 0.5
	MinConfidenceMedium float64 // default 0.3
	MinConfidenceLow    float64 // default 0.0
}

func defaultRouterConfig() RouterConfig {
	return RouterConfig{
		CacheTTL:            300 * time.Second,
		MinConfidenceHigh:   0.5,
		MinConfidenceMedium: 0.3,
		MinConfidenceLow:    0.0,
	}
}

// codeExtensions are known file-extension markers contributing +3 each to
// the complexity score.
var codeExtensions = []string{".go", ".py", ".js", ".ts", ".rs", ".java", ".rb", ".c", ".cpp", ".sql", ".yaml", ".yml", ".json"}

// AgentRegistry is the one-way read-only snapshot the Router consumes. The
// registry itself never knows about the Router, breaking the cyclic
// reference the design notes flag.
type AgentRegistry interface {
	Agents() []Agent
}

// StaticRegistry is the simplest AgentRegistry: an immutable slice loaded
// once at startup from configuration.
type StaticRegistry struct {
	agents []Agent
}

// NewStaticRegistry constructs a StaticRegistry over the given agents.
func NewStaticRegistry(agents []Agent) *StaticRegistry {
	cp := append([]Agent(nil), agents...)
	return &StaticRegistry{agents: cp}
}

func (r *StaticRegistry) Agents() []Agent { return r.agents }

// routingCacheEntry is one cached RoutingDecision keyed by (session_key, query).
type routingCacheEntry struct {
	decision RoutingDecision
	expires  time.Time
}

// Router classifies a query's complexity and intent, scores candidate
// agents, and picks the best match plus a ranked fallback.
type Router struct {
	cfg      RouterConfig
	registry AgentRegistry

	mu    sync.Mutex
	cache map[string]routingCacheEntry
	// recent tracks the last agent a session was routed to and when, for
	// the 0.7 recency-penalty multiplier.
	recent map[string]recentRoute
}

type recentRoute struct {
	agentID string
	at      time.Time
}

// NewRouter constructs a Router over the given registry. Zero-value fields
// in cfg fall back to the documented defaults.
func NewRouter(registry AgentRegistry, cfg RouterConfig) *Router {
	d := defaultRouterConfig()
	if cfg.CacheTTL > 0 {
		d.CacheTTL = cfg.CacheTTL
	}
	if cfg.MinConfidenceHigh > 0 {
		d.MinConfidenceHigh = cfg.MinConfidenceHigh
	}
	if cfg.MinConfidenceMedium > 0 {
		d.MinConfidenceMedium = cfg.MinConfidenceMedium
	}
	d.MinConfidenceLow = cfg.MinConfidenceLow
	d.Keywords = cfg.Keywords
	return &Router{
		cfg:      d,
		registry: registry,
		cache:    make(map[string]routingCacheEntry),
		recent:   make(map[string]recentRoute),
	}
}

// Route classifies query (with optional conversationHistory) and returns a
// deterministic RoutingDecision, serving a cached decision within TTL for
// the same (sessionKey, query) pair.
func (r *Router) Route(sessionKey, query string, conversationHistory []string) (RoutingDecision, error) {
	if strings.TrimSpace(query) == "" {
		return RoutingDecision{}, newDispatchError(KindInvalidInput, "empty query", nil)
	}

	cacheKey := sessionKey + "\x00" + query
	r.mu.Lock()
	if e, ok := r.cache[cacheKey]; ok && time.Now().Before(e.expires) {
		r.mu.Unlock()
		return e.decision, nil
	}
	r.mu.Unlock()

	score := r.complexityScore(query, len(conversationHistory))
	complexity := bucketFor(score)
	intent, requiredSkills := r.classifyIntent(query)

	candidates := r.registry.Agents()
	if len(candidates) == 0 {
		return RoutingDecision{}, newDispatchError(KindNoAgentAvailable, "no agents registered", nil)
	}

	minConfidence := r.minConfidenceFor(complexity)
	best, second := r.scoreAgents(candidates, intent, requiredSkills, sessionKey)

	if best == nil || best.score < minConfidence {
		return RoutingDecision{}, newDispatchError(KindNoAgentAvailable, "no candidate met the minimum confidence floor", nil)
	}

	decision := RoutingDecision{
		ChosenAgentID:   best.agent.AgentID,
		Complexity:      complexity,
		ComplexityScore: score,
		Confidence:      best.score,
		RequiredSkills:  requiredSkills,
		Reason:          fmt.Sprintf("intent=%s complexity=%s score=%d", intent, complexity, score),
	}
	if second != nil {
		decision.FallbackAgentID = second.agent.AgentID
	}

	r.mu.Lock()
	r.cache[cacheKey] = routingCacheEntry{decision: decision, expires: time.Now().Add(r.cfg.CacheTTL)}
	r.recent[sessionKey] = recentRoute{agentID: best.agent.AgentID, at: time.Now()}
	r.mu.Unlock()

	return decision, nil
}

func (r *Router) minConfidenceFor(c Complexity) float64 {
	switch c {
	case ComplexityHigh:
		return r.cfg.MinConfidenceHigh
	case ComplexityMedium:
		return r.cfg.MinConfidenceMedium
	default:
		return r.cfg.MinConfidenceLow
	}
}

func bucketFor(score int) Complexity {
	switch {
	case score < 30:
		return ComplexityLow
	case score >= 70:
		return ComplexityHigh
	default:
		return ComplexityMedium
	}
}

// complexityScore computes the [0,100]-clamped weighted sum of the
// query/history signals below. Deterministic: the same query and history
// length always yield the same score.
func (r *Router) complexityScore(query string, historyTurns int) int {
	score := 0
	lower := strings.ToLower(query)
	n := len(query)

	switch {
	case n < 30:
		score -= 5
	case n > 3000:
		score += 25
	case n > 1000:
		score += 15
	case n > 300:
		score += 8
	}

	if hits := countKeywords(lower, r.cfg.Keywords.High); hits > 0 {
		score += 30 + 18*hits
	} else if hits := countKeywords(lower, r.cfg.Keywords.Medium); hits > 0 {
		score += 22 + 10*hits
	}
	if hits := countKeywords(lower, r.cfg.Keywords.Low); hits > 0 {
		score -= hits * 6
	}

	fences := strings.Count(query, "```")
	score += (fences / 2) * 25
	inline := strings.Count(query, "`") - fences*3
	if inline > 0 {
		score += inline * 3
	}

	for _, ext := range codeExtensions {
		if strings.Contains(lower, ext) {
			score += 3
		}
	}

	for _, marker := range []string{"also,", "additionally,", "based on", "given the", "compared to", "whereas"} {
		if strings.Contains(lower, marker) {
			score += 6
		}
	}

	qMarks := strings.Count(query, "?")
	score += minInt(qMarks*3, 15)

	score += 5 * strings.Count(lower, "why")
	score += 4 * strings.Count(lower, "how")
	score += 8 * strings.Count(lower, "what if")

	if historyTurns >= 5 {
		score += minInt(2*historyTurns, 15)
	}

	return clamp(score, 0, 100)
}

// classifyIntent counts keyword-class hits and tie-breaks in
// security > development > planning > database > general priority order,
// returning the inferred intent's associated required skill set.
func (r *Router) classifyIntent(query string) (string, []string) {
	lower := strings.ToLower(query)
	type class struct {
		name     string
		keywords []string
	}
	classes := []class{
		{"security", r.cfg.Keywords.Security},
		{"development", r.cfg.Keywords.Development},
		{"planning", r.cfg.Keywords.Planning},
		{"database", r.cfg.Keywords.Database},
	}
	best := ""
	bestCount := 0
	for _, c := range classes {
		count := countKeywords(lower, c.keywords)
		if count > bestCount {
			bestCount = count
			best = c.name
		}
	}
	if best == "" {
		return "general", nil
	}
	return best, []string{best}
}

func countKeywords(lower string, keywords []string) int {
	n := 0
	for _, k := range keywords {
		if k == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(k)) {
			n++
		}
	}
	return n
}

type scoredAgent struct {
	agent Agent
	score float64
}

// scoreAgents computes intent_match(0.6) + skill_match_ratio(0.3) +
// availability(0.1) for each candidate, applies the 0.7 recency-penalty
// multiplier, and returns the top two by score (best, fallback). Ties
// break on declaration order, which callers populate cheapest-first.
// Pricing itself isn't threaded into the Router, keeping the scoring pure.
func (r *Router) scoreAgents(candidates []Agent, intent string, requiredSkills []string, sessionKey string) (*scoredAgent, *scoredAgent) {
	r.mu.Lock()
	last, hasRecent := r.recent[sessionKey]
	r.mu.Unlock()

	var scored []scoredAgent
	for _, a := range candidates {
		intentMatch := 0.0
		if kindMatchesIntent(a.Kind, intent) {
			intentMatch = 1.0
		}
		skillRatio := skillMatchRatio(a, requiredSkills)
		availability := 1.0 // the Router holds no liveness signal of its own; assume available

		s := intentMatch*0.6 + skillRatio*0.3 + availability*0.1
		if hasRecent && last.agentID == a.AgentID && time.Since(last.at) < time.Minute {
			s *= 0.7
		}
		scored = append(scored, scoredAgent{agent: a, score: s})
	}

	var best, second *scoredAgent
	for i := range scored {
		s := &scored[i]
		if best == nil || s.score > best.score {
			second = best
			best = s
		} else if second == nil || s.score > second.score {
			second = s
		}
	}
	return best, second
}

func kindMatchesIntent(kind AgentKind, intent string) bool {
	switch intent {
	case "security":
		return kind == KindSecurity
	case "development":
		return kind == KindDeveloper
	case "database":
		return kind == KindData
	case "planning":
		return kind == KindCoordinator
	default:
		return kind == KindGeneric || kind == KindCoordinator
	}
}

func skillMatchRatio(a Agent, required []string) float64 {
	if len(required) == 0 {
		return 1.0
	}
	matched := 0
	for _, s := range required {
		if a.HasSkill(s) {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
