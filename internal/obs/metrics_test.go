package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                         "/",
		"/metrics":                 "/metrics",
		"/v1/authz/can":            "/v1/authz/can",
		"/v1/authz/can/":           "/v1/authz/can",
		"/v1/stepup/prompt?id=1":   "/v1/stepup/prompt",
		"/v1/stepup/prompt/01HXYZ": "other",
		"/admin/users/42":          "other",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestBoolLabel(t *testing.T) {
	if BoolLabel(true) != "allow" || BoolLabel(false) != "deny" {
		t.Fatalf("unexpected labels")
	}
}
