package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestProxyRequestBlockedSchema(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)

	l.ProxyRequestBlocked(ProxyRequestBlockedEvent{
		ContainerID: "ws-abc123",
		Method:      "GET",
		URL:         "http://evil.example/",
	})

	line := strings.TrimSpace(buf.String())
	var got map[string]any
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, line)
	}

	for _, key := range []string{"timestamp", "level", "event", "service", "container_id", "method", "url", "reason"} {
		if _, ok := got[key]; !ok {
			t.Errorf("missing key %q in audit line: %s", key, line)
		}
	}
	if _, hasMsg := got["msg"]; hasMsg {
		t.Errorf("audit line should not carry a redundant msg key: %s", line)
	}

	if got["event"] != "proxy_request_blocked" {
		t.Errorf("event = %v, want proxy_request_blocked", got["event"])
	}
	if got["service"] != ServiceProxy {
		t.Errorf("service = %v, want %s", got["service"], ServiceProxy)
	}
	if got["reason"] != "domain_not_in_whitelist" {
		t.Errorf("reason = %v, want default domain_not_in_whitelist", got["reason"])
	}
	if got["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", got["level"])
	}
}

func TestContainerCreatedSchema(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)

	l.ContainerCreated(ContainerCreatedEvent{
		ContainerID:    "ws-abc123",
		ConversationID: "conv-1",
		Source:         "warm_pool",
		DurationMS:     42,
	})

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if got["network_mode"] != "none" {
		t.Errorf("network_mode = %v, want none", got["network_mode"])
	}
	if got["duration_ms"].(float64) != 42 {
		t.Errorf("duration_ms = %v, want 42", got["duration_ms"])
	}
}
