package allowlist

import "testing"

func TestIsAllowed(t *testing.T) {
	a := New([]string{"Example.com", " api.anthropic.com ", ""})

	cases := []struct {
		url  string
		want bool
	}{
		{"https://example.com/foo", true},
		{"https://sub.example.com/foo", true},
		{"https://evil-example.com/foo", false},
		{"https://api.anthropic.com/v1/messages", true},
		{"https://bedrock-runtime.us-west-2.amazonaws.com/", false},
		{"not a url \x7f", false},
		{"", false},
	}

	for _, c := range cases {
		if got := a.IsAllowed(c.url); got != c.want {
			t.Errorf("IsAllowed(%q) = %v, want %v", c.url, got, c.want)
		}
	}
}

func TestHostOfConnectTarget(t *testing.T) {
	if got := HostOf("api.anthropic.com:443"); got != "api.anthropic.com" {
		t.Errorf("HostOf connect target = %q", got)
	}
}

func TestDomainsReturnsConfigured(t *testing.T) {
	a := New([]string{"example.com"})
	domains := a.Domains()
	if len(domains) != 1 || domains[0] != "example.com" {
		t.Errorf("Domains() = %v", domains)
	}
}
