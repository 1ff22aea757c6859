package runner

import "testing"

func TestParseLine_ClassifiesKnownBackendTypes(t *testing.T) {
	cases := []struct {
		line string
		want Category
	}{
		{`{"type":"text","text":"hi"}`, CategoryText},
		{`{"type":"thinking","text":"..."}`, CategoryThinking},
		{`{"type":"tool_call","text":"grep"}`, CategoryToolCall},
		{`{"type":"tool_result","text":"ok"}`, CategoryToolResult},
		{`{"type":"final_result","text":"done"}`, CategoryFinalResult},
		{`{"type":"error","text":"boom"}`, CategoryError},
		{`{"type":"something_unknown"}`, CategoryInfo},
		{`not json at all`, CategoryInfo},
		{``, CategoryInfo},
	}
	for _, c := range cases {
		got := parseLine(c.line)
		if got.Category != c.want {
			t.Errorf("parseLine(%q) category = %q, want %q", c.line, got.Category, c.want)
		}
	}
}

func TestParseLine_FallsBackToRawTextWhenFieldMissing(t *testing.T) {
	got := parseLine(`{"type":"text"}`)
	if got.Text == "" {
		t.Errorf("expected non-empty fallback text, got %+v", got)
	}
}

func TestIsTransient_MatchesSpecPatternSet(t *testing.T) {
	transient := []string{
		"fetch failed", "ECONNREFUSED", "ECONNRESET", "ECONNTIMEDOUT",
		"ENOTFOUND: host unreachable", "socket hang up", "network error",
		"request timeout", "upstream returned 502", "503 Service Unavailable", "504 Gateway Timeout",
	}
	for _, e := range transient {
		if !isTransient(e) {
			t.Errorf("expected %q to be classified transient", e)
		}
	}

	nonTransient := []string{"invalid prompt", "permission denied", "syntax error"}
	for _, e := range nonTransient {
		if isTransient(e) {
			t.Errorf("expected %q to be classified non-transient", e)
		}
	}
}
