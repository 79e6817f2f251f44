// Package protocol decodes the line-oriented stream-json output of the
// agent CLI into typed events. Decoding is stateless: each line stands
// alone, and anything unparseable is preserved as an Unknown event rather
// than dropped.
package protocol

import (
	"encoding/json"
	"strings"
)

// EventKind discriminates the decoded event union.
type EventKind int

const (
	KindTextDelta EventKind = iota
	KindToolStart
	KindToolInputDelta
	KindToolComplete
	KindUsage
	KindStreamStart
	KindStreamStop
	KindStreamError
	KindPermissionRequest
	KindUnknown
)

func (k EventKind) String() string {
	switch k {
	case KindTextDelta:
		return "text_delta"
	case KindToolStart:
		return "tool_start"
	case KindToolInputDelta:
		return "tool_input_delta"
	case KindToolComplete:
		return "tool_complete"
	case KindUsage:
		return "usage"
	case KindStreamStart:
		return "stream_start"
	case KindStreamStop:
		return "stream_stop"
	case KindStreamError:
		return "stream_error"
	case KindPermissionRequest:
		return "permission_request"
	default:
		return "unknown"
	}
}

// Event is one decoded stream event. Fields are populated per Kind:
//
//	TextDelta       Text
//	ToolStart       ToolID, ToolName
//	ToolInputDelta  ToolID (may be empty when the line omits it), Partial
//	ToolComplete    ToolID, Result
//	Usage           InputTokens and/or OutputTokens (additive deltas)
//	StreamError     Message
//	Unknown         Raw (the original line, verbatim)
type Event struct {
	Kind         EventKind
	Text         string
	ToolID       string
	ToolName     string
	Partial      string
	Result       string
	InputTokens  int64
	OutputTokens int64
	Message      string
	Raw          string
}

// Wire shapes. Unknown fields are ignored by json.Unmarshal. The message
// field is an object on message_start lines but a plain string on error
// lines, so it stays raw until the type is known.
type wireLine struct {
	Type         string          `json:"type"`
	Message      json.RawMessage `json:"message"`
	ContentBlock *wireBlock      `json:"content_block"`
	Delta        *wireDelta      `json:"delta"`
	Usage        *wireUsage      `json:"usage"`
	ToolUseID    string          `json:"tool_use_id"`
	ToolName     string          `json:"tool_name"`
	Content      json.RawMessage `json:"content"`
	Error        json.RawMessage `json:"error"`
}

type wireMessage struct {
	Usage *wireUsage `json:"usage"`
}

type wireBlock struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

type wireDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
}

type wireUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Decode parses one line of CLI output. It returns nil for blank lines.
func Decode(line string) *Event {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	var w wireLine
	if err := json.Unmarshal([]byte(trimmed), &w); err != nil {
		return &Event{Kind: KindUnknown, Raw: trimmed}
	}

	switch w.Type {
	case "message_start":
		var msg wireMessage
		if len(w.Message) > 0 {
			if err := json.Unmarshal(w.Message, &msg); err == nil &&
				msg.Usage != nil && msg.Usage.InputTokens > 0 {
				return &Event{Kind: KindUsage, InputTokens: msg.Usage.InputTokens}
			}
		}
		return &Event{Kind: KindStreamStart}

	case "content_block_start":
		if b := w.ContentBlock; b != nil && b.Type == "tool_use" && b.ID != "" && b.Name != "" {
			return &Event{Kind: KindToolStart, ToolID: b.ID, ToolName: b.Name}
		}
		return &Event{Kind: KindStreamStart}

	case "content_block_delta":
		if d := w.Delta; d != nil {
			if d.Type == "text_delta" && d.Text != "" {
				return &Event{Kind: KindTextDelta, Text: d.Text}
			}
			if d.Type == "input_json_delta" && d.PartialJSON != "" {
				// No tool id on the wire here; the store attributes the
				// fragment to the most recently started tool call.
				return &Event{Kind: KindToolInputDelta, Partial: d.PartialJSON}
			}
		}
		return &Event{Kind: KindUnknown, Raw: trimmed}

	case "message_delta":
		if w.Usage != nil && w.Usage.OutputTokens > 0 {
			return &Event{Kind: KindUsage, OutputTokens: w.Usage.OutputTokens}
		}
		return &Event{Kind: KindUnknown, Raw: trimmed}

	case "message_stop":
		return &Event{Kind: KindStreamStop}

	case "tool_result":
		return &Event{Kind: KindToolComplete, ToolID: w.ToolUseID, Result: decodeResultContent(w.Content)}

	case "permission_request":
		// Emitted when the CLI runs with interactive permissions instead
		// of --dangerously-skip-permissions.
		return &Event{Kind: KindPermissionRequest, ToolID: w.ToolUseID, ToolName: w.ToolName}

	case "error":
		return &Event{Kind: KindStreamError, Message: decodeErrorMessage(w.Error, w.Message)}

	default:
		return &Event{Kind: KindUnknown, Raw: trimmed}
	}
}

// decodeResultContent handles both content shapes: a plain string, or a
// list of {text} fragments that are concatenated in order.
func decodeResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var frags []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &frags); err == nil {
		var b strings.Builder
		for _, f := range frags {
			b.WriteString(f.Text)
		}
		return b.String()
	}

	return string(raw)
}

// decodeErrorMessage prefers the "error" field, falling back to
// "message"; some CLI builds use one, some the other.
func decodeErrorMessage(errField, msgField json.RawMessage) string {
	if msg := rawToString(errField); msg != "" {
		return msg
	}
	if msg := rawToString(msgField); msg != "" {
		return msg
	}
	return "unknown error"
}

func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	// Error payloads are sometimes nested objects; keep them verbatim.
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "null" {
		return ""
	}
	return trimmed
}
