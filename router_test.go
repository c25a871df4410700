package gatekeeper

import (
	"reflect"
	"testing"
)

func testKeywords() RouterKeywords {
	return RouterKeywords{
		High:        []string{"architecture", "security", "distributed"},
		Medium:      []string{"review", "fix", "bug"},
		Low:         []string{"hello", "thanks"},
		Security:    []string{"security", "auth", "vulnerability"},
		Development: []string{"implement", "refactor", "bug"},
		Planning:    []string{"plan", "roadmap"},
		Database:    []string{"database", "query", "schema"},
	}
}

func TestComplexityScoreDeterministic(t *testing.T) {
	r := NewRouter(NewStaticRegistry(nil), RouterConfig{Keywords: testKeywords()})
	query := "please review this distributed architecture for security flaws"
	s1 := r.complexityScore(query, 0)
	s2 := r.complexityScore(query, 0)
	if s1 != s2 {
		t.Fatalf("expected deterministic score, got %d then %d", s1, s2)
	}
	if s1 < 70 {
		t.Fatalf("expected high complexity bucket score, got %d", s1)
	}
}

func TestComplexityScoreLowForGreeting(t *testing.T) {
	r := NewRouter(NewStaticRegistry(nil), RouterConfig{Keywords: testKeywords()})
	score := r.complexityScore("hello thanks", 0)
	if score >= 30 {
		t.Fatalf("expected low-bucket score for a greeting, got %d", score)
	}
}

func TestBucketFor(t *testing.T) {
	cases := []struct {
		score int
		want  Complexity
	}{
		{0, ComplexityLow}, {29, ComplexityLow}, {30, ComplexityMedium}, {69, ComplexityMedium}, {70, ComplexityHigh}, {100, ComplexityHigh},
	}
	for _, c := range cases {
		if got := bucketFor(c.score); got != c.want {
			t.Errorf("bucketFor(%d) = %v, want %v", c.score, got, c.want)
		}
	}
}

func TestRouteRejectsEmptyQuery(t *testing.T) {
	r := NewRouter(NewStaticRegistry([]Agent{{AgentID: "a1", Kind: KindGeneric}}), RouterConfig{Keywords: testKeywords()})
	_, err := r.Route("session-1", "   ", nil)
	if err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestRouteNoAgentsRegistered(t *testing.T) {
	r := NewRouter(NewStaticRegistry(nil), RouterConfig{Keywords: testKeywords()})
	_, err := r.Route("session-1", "fix this bug", nil)
	if err == nil {
		t.Fatal("expected no-agent-available error")
	}
	var de *DispatchError
	if !asDispatchError(err, &de) || de.Kind != KindNoAgentAvailable {
		t.Fatalf("expected KindNoAgentAvailable, got %v", err)
	}
}

func TestRouteChoosesIntentMatchedAgent(t *testing.T) {
	agents := []Agent{
		{AgentID: "security-agent", Kind: KindSecurity, Skills: []string{"security"}},
		{AgentID: "generic-agent", Kind: KindGeneric},
	}
	r := NewRouter(NewStaticRegistry(agents), RouterConfig{Keywords: testKeywords(), MinConfidenceHigh: 0.1, MinConfidenceMedium: 0.1, MinConfidenceLow: 0.0})
	decision, err := r.Route("session-1", "please audit this for security vulnerabilities", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.ChosenAgentID != "security-agent" {
		t.Fatalf("expected security-agent, got %s", decision.ChosenAgentID)
	}
	if decision.FallbackAgentID != "generic-agent" {
		t.Fatalf("expected generic-agent as fallback, got %s", decision.FallbackAgentID)
	}
}

func TestRouteCachesWithinTTL(t *testing.T) {
	agents := []Agent{{AgentID: "a1", Kind: KindGeneric}}
	r := NewRouter(NewStaticRegistry(agents), RouterConfig{Keywords: testKeywords(), MinConfidenceLow: 0.0})
	d1, err := r.Route("session-1", "hello there", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d2, err := r.Route("session-1", "hello there", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(d1, d2) {
		t.Fatalf("expected cached decision to be identical, got %+v vs %+v", d1, d2)
	}
}

func TestKindMatchesIntent(t *testing.T) {
	cases := []struct {
		kind   AgentKind
		intent string
		want   bool
	}{
		{KindSecurity, "security", true},
		{KindDeveloper, "development", true},
		{KindData, "database", true},
		{KindCoordinator, "planning", true},
		{KindGeneric, "general", true},
		{KindSecurity, "development", false},
	}
	for _, c := range cases {
		if got := kindMatchesIntent(c.kind, c.intent); got != c.want {
			t.Errorf("kindMatchesIntent(%v, %q) = %v, want %v", c.kind, c.intent, got, c.want)
		}
	}
}

func TestSkillMatchRatio(t *testing.T) {
	a := Agent{Skills: []string{"security", "audit"}}
	if got := skillMatchRatio(a, nil); got != 1.0 {
		t.Errorf("expected 1.0 with no required skills, got %v", got)
	}
	if got := skillMatchRatio(a, []string{"security", "missing"}); got != 0.5 {
		t.Errorf("expected 0.5, got %v", got)
	}
}
