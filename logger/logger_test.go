package logger

import "testing"

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"trace":   TRACE,
		"DEBUG":   DEBUG,
		"Info":    INFO,
		"warn":    WARN,
		"error":   ERROR,
		"":        INFO,
		"verbose": INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLevelRoundTrip(t *testing.T) {
	prev := GetLevel()
	defer SetLevel(prev)

	SetLevel(ERROR)
	if GetLevel() != ERROR {
		t.Fatalf("GetLevel() = %v, want ERROR", GetLevel())
	}
}

func TestToJSON(t *testing.T) {
	out := ToJSON(map[string]int{"depth": 3})
	if out != "{\n  \"depth\": 3\n}" {
		t.Fatalf("ToJSON = %q", out)
	}
}
