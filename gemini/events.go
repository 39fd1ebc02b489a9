package gemini

import "google.golang.org/genai"

// EventKind tags an upstream Event
type EventKind int

const (
	EventText EventKind = iota + 1
	EventAudio
	EventToolCall
	EventTurnComplete
)

func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventAudio:
		return "audio"
	case EventToolCall:
		return "tool_call"
	case EventTurnComplete:
		return "turn_complete"
	default:
		return "unknown"
	}
}

// Event is one decoded unit of upstream output. Only the field matching Kind is set.
type Event struct {
	Kind  EventKind
	Text  string
	Audio []byte
	Calls []ToolCall
}

// ToolCall is a function call requested by the model
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResponse answers a ToolCall with the same ID and Name
type ToolResponse struct {
	ID       string
	Name     string
	Response map[string]any
}

func toolCallsFrom(calls []*genai.FunctionCall) []ToolCall {
	out := make([]ToolCall, 0, len(calls))
	for _, fc := range calls {
		if fc == nil {
			continue
		}
		out = append(out, ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
	}
	return out
}

func functionResponses(responses []ToolResponse) []*genai.FunctionResponse {
	out := make([]*genai.FunctionResponse, 0, len(responses))
	for _, r := range responses {
		out = append(out, &genai.FunctionResponse{
			ID:       r.ID,
			Name:     r.Name,
			Response: r.Response,
		})
	}
	return out
}

// partEvents converts content parts; text wins over inline data on the same part
func partEvents(content *genai.Content) []Event {
	if content == nil {
		return nil
	}
	var events []Event
	for _, part := range content.Parts {
		if part == nil {
			continue
		}
		switch {
		case part.Text != "":
			events = append(events, Event{Kind: EventText, Text: part.Text})
		case part.InlineData != nil && len(part.InlineData.Data) > 0:
			events = append(events, Event{Kind: EventAudio, Audio: part.InlineData.Data})
		}
	}
	return events
}

// decodeLiveMessage flattens one Live API message into events, in the order
// tool call, model turn parts, turn complete.
func decodeLiveMessage(resp *genai.LiveServerMessage) []Event {
	if resp == nil {
		return nil
	}
	var events []Event

	if resp.ToolCall != nil && len(resp.ToolCall.FunctionCalls) > 0 {
		events = append(events, Event{Kind: EventToolCall, Calls: toolCallsFrom(resp.ToolCall.FunctionCalls)})
	}

	if resp.ServerContent != nil {
		events = append(events, partEvents(resp.ServerContent.ModelTurn)...)
		if resp.ServerContent.TurnComplete {
			events = append(events, Event{Kind: EventTurnComplete})
		}
	}
	return events
}

// decodeChatResponse turns a Chats reply into events. Function calls are
// reported alone: the turn continues once their responses are sent.
func decodeChatResponse(resp *genai.GenerateContentResponse) []Event {
	if resp == nil {
		return []Event{{Kind: EventTurnComplete}}
	}
	if calls := resp.FunctionCalls(); len(calls) > 0 {
		return []Event{{Kind: EventToolCall, Calls: toolCallsFrom(calls)}}
	}

	var events []Event
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		events = partEvents(resp.Candidates[0].Content)
	}
	return append(events, Event{Kind: EventTurnComplete})
}
