// Package agent runs the per-turn pipeline: classify intent, optionally
// synthesize a query and retrieve from both memory backends, respond, then
// decide whether the turn is worth remembering.
package agent

import "context"

type EventType string

const (
	EventDecision    EventType = "decision"
	EventQuery       EventType = "query"
	EventContext     EventType = "context"
	EventReply       EventType = "reply"
	EventPersistence EventType = "persistence"
	EventDone        EventType = "done"
	EventError       EventType = "error"
)

// Event reports pipeline progress to a caller. Data depends on Type:
// RetrievalDecision for decision, string for query, reply, done and error,
// RetrievalResult for context and PersistenceOutcome for persistence.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

type Runner interface {
	Run(ctx context.Context, userID string, message string, emit func(Event)) error
}
