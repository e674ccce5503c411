package agent

import "strings"

type RetrievalDecision string

const (
	NeedsFacts     RetrievalDecision = "NEEDS_FACTS"
	DirectResponse RetrievalDecision = "DIRECT_RESPONSE"
)

type PersistenceDecision string

const (
	Store PersistenceDecision = "STORE"
	Skip  PersistenceDecision = "SKIP"
)

// DecodeRetrieval maps model output to a decision. Anything other than an
// exact case-insensitive "needs_facts" or "direct_response" yields
// DirectResponse with ok=false.
func DecodeRetrieval(raw string) (RetrievalDecision, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "needs_facts":
		return NeedsFacts, true
	case "direct_response":
		return DirectResponse, true
	default:
		return DirectResponse, false
	}
}

// DecodePersistence maps model output to a decision. Anything other than an
// exact case-insensitive "store" or "skip" yields Skip with ok=false.
func DecodePersistence(raw string) (PersistenceDecision, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "store":
		return Store, true
	case "skip":
		return Skip, true
	default:
		return Skip, false
	}
}
