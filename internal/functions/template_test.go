package functions

import "testing"

func TestRenderEcho(t *testing.T) {
	match := &RegexMatch{
		Full: "get 42",
		Groups: []Group{
			{Number: 1, Value: "42"},
			{Number: 2, Name: "unit", Value: ""},
		},
	}
	data := EchoData{
		Nick:    "alice",
		Channel: "#t9-test",
		Input:   "some words",
		Stack:   []string{"{stack.1}", "outer"},
		Match:   match,
	}

	tests := []struct {
		tmpl string
		want string
	}{
		{"hi {nick}", "hi alice"},
		{"{nick} in {channel}: {input}", "alice in #t9-test: some words"},
		{"{{nick}}", "{nick}"},
		{"}} and {{", "} and {"},
		{"{bogus}", UnknownField},
		{"{stack.1}", "outer"},
		{"{stack.9=none}", "none"},
		{"{stack}", "{stack.1} outer"},
		{"{match}", "get 42"},
		{"{match.1}", "42"},
		{"{match.0}", "get 42"},
		{"{match.unit=kg}", "kg"},
		{"{match.7}", ""},
		{"a { b", "a { b"},
		{"{}", "{}"},
		{"x } y", "x } y"},
		{"no fields", "no fields"},
	}
	for _, tt := range tests {
		if got := RenderEcho(tt.tmpl, data); got != tt.want {
			t.Errorf("RenderEcho(%q) = %q, want %q", tt.tmpl, got, tt.want)
		}
	}
}

func TestRenderEcho_Defaults(t *testing.T) {
	got := RenderEcho("{input=nothing} {match.1=?}", EchoData{Nick: "bob"})
	if got != "nothing ?" {
		t.Errorf("got %q", got)
	}
}
