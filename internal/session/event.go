package session

import "encoding/json"

// EventType is the closed set of message types sent to subscribers.
type EventType string

const (
	EventConnected         EventType = "connected"
	EventStageStart        EventType = "stage_start"
	EventStageComplete     EventType = "stage_complete"
	EventFoundationInfo    EventType = "foundation_info"
	EventSynthesisComplete EventType = "synthesis_complete"
	EventError             EventType = "error"
)

// Event is one message on a session's channel. Values are treated as
// immutable once built; use the constructors below.
type Event struct {
	Type       EventType `json:"type"`
	SessionID  string    `json:"sessionId,omitempty"`
	Path       string    `json:"path,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	Tokens     int       `json:"tokens,omitempty"`
	Latency    int       `json:"latency,omitempty"`
	Foundation *int      `json:"foundation,omitempty"`
	Synthesis  string    `json:"synthesis,omitempty"`
	Metadata   *Metadata `json:"metadata,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// Metadata is the summary attached to synthesis_complete. Every field is
// optional; HM6 may omit any of them.
type Metadata struct {
	SessionID      string   `json:"sessionId,omitempty"`
	TotalTokens    *int     `json:"totalTokens,omitempty"`
	ProcessingTime *float64 `json:"processingTime,omitempty"` // milliseconds
	Foundation     string   `json:"foundation,omitempty"`
}

func (m Metadata) clone() Metadata {
	if m.TotalTokens != nil {
		v := *m.TotalTokens
		m.TotalTokens = &v
	}
	if m.ProcessingTime != nil {
		v := *m.ProcessingTime
		m.ProcessingTime = &v
	}
	return m
}

func Connected(sessionID string) Event {
	return Event{Type: EventConnected, SessionID: sessionID}
}

func StageStart(path, stage string) Event {
	return Event{Type: EventStageStart, Path: path, Stage: stage}
}

func StageComplete(path, stage string, tokens, latencyMS int) Event {
	return Event{Type: EventStageComplete, Path: path, Stage: stage, Tokens: tokens, Latency: latencyMS}
}

func FoundationInfo(foundation int) Event {
	return Event{Type: EventFoundationInfo, Foundation: &foundation}
}

func SynthesisComplete(synthesis string, md Metadata) Event {
	md = md.clone()
	return Event{Type: EventSynthesisComplete, Synthesis: synthesis, Metadata: &md}
}

func Failure(message string) Event {
	return Event{Type: EventError, Message: message}
}

// MarshalJSON keeps tokens and latency on stage_complete even when zero so
// clients can rely on the fields being present.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	if e.Type != EventStageComplete {
		return json.Marshal(alias(e))
	}
	return json.Marshal(struct {
		alias
		Tokens  int `json:"tokens"`
		Latency int `json:"latency"`
	}{alias(e), e.Tokens, e.Latency})
}

// IsTerminal reports whether no further events follow this one.
func (e Event) IsTerminal() bool {
	return e.Type == EventSynthesisComplete || e.Type == EventError
}
