package store

import "github.com/prism-desktop/prismd/internal/protocol"

// Event constructors shared by the store tests.

func textEvent(text string) *protocol.Event {
	return &protocol.Event{Kind: protocol.KindTextDelta, Text: text}
}

func usageEvent(input, output int64) *protocol.Event {
	return &protocol.Event{Kind: protocol.KindUsage, InputTokens: input, OutputTokens: output}
}

func toolStartEvent(id, name string) *protocol.Event {
	return &protocol.Event{Kind: protocol.KindToolStart, ToolID: id, ToolName: name}
}

func inputDeltaEvent(id, partial string) *protocol.Event {
	return &protocol.Event{Kind: protocol.KindToolInputDelta, ToolID: id, Partial: partial}
}

func toolCompleteEvent(id, result string) *protocol.Event {
	return &protocol.Event{Kind: protocol.KindToolComplete, ToolID: id, Result: result}
}

func streamStopEvent() *protocol.Event {
	return &protocol.Event{Kind: protocol.KindStreamStop}
}

var streamErrorEv = protocol.Event{Kind: protocol.KindStreamError, Message: "overloaded"}
