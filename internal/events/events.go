// Package events defines the line-delimited event protocol spoken between
// the sandbox agent, the orchestrator, and the caller: each line is a type
// tag followed by a JSON object, and every event carries a monotonically
// increasing sequence number within one stream.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Type tags the kind of event on a stream.
type Type string

const (
	SessionStart       Type = "session_start"
	TextDelta          Type = "text_delta"
	Thinking           Type = "thinking"
	ToolProgress       Type = "tool_progress"
	ToolResult         Type = "tool_result"
	SubagentStart      Type = "subagent_start"
	SubagentStop       Type = "subagent_stop"
	Progress           Type = "progress"
	Title              Type = "title"
	Ping               Type = "ping"
	Error              Type = "error"
	ContainerRecovered Type = "container_recovered"
	Result             Type = "result"
	Done               Type = "done"
)

// Event is one parsed protocol line.
type Event struct {
	Type Type
	Seq  int64
	Data map[string]any
}

// Parse splits a protocol line into its type tag and JSON payload. The
// payload's "seq" field, if present, becomes the event's sequence number.
func Parse(line string) (*Event, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, fmt.Errorf("empty event line")
	}

	tag, payload, found := strings.Cut(line, " ")
	if !found {
		payload = "{}"
	}

	data := map[string]any{}
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return nil, fmt.Errorf("event %q payload: %w", tag, err)
	}

	e := &Event{Type: Type(tag), Data: data}
	if seq, ok := data["seq"].(float64); ok {
		e.Seq = int64(seq)
	}
	return e, nil
}

// Encode renders the event back into protocol-line form, with the sequence
// number folded into the payload. The trailing newline is the caller's.
func (e *Event) Encode() string {
	data := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data["seq"] = e.Seq

	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"seq":%d}`, e.Seq))
	}
	return string(e.Type) + " " + string(payload)
}

// New builds an event from a type, sequence number, and payload fields.
func New(t Type, seq int64, fields map[string]any) *Event {
	if fields == nil {
		fields = map[string]any{}
	}
	return &Event{Type: t, Seq: seq, Data: fields}
}

// Usage is the token accounting carried by a result event.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      string
}

// UsageFrom extracts token usage from a result event's payload. Missing
// fields read as zero.
func UsageFrom(e *Event) Usage {
	var u Usage
	raw, ok := e.Data["usage"].(map[string]any)
	if !ok {
		return u
	}
	if v, ok := raw["input_tokens"].(float64); ok {
		u.InputTokens = int64(v)
	}
	if v, ok := raw["output_tokens"].(float64); ok {
		u.OutputTokens = int64(v)
	}
	if v, ok := raw["cost_usd"].(string); ok {
		u.CostUSD = v
	}
	return u
}
