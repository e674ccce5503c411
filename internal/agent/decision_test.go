package agent_test

import (
	"testing"

	"github.com/m-mizutani/gt"

	"mnemo/internal/agent"
	"mnemo/internal/config"
	"mnemo/internal/memory"
	"mnemo/internal/session"
)

func TestDecodeRetrieval(t *testing.T) {
	for raw, want := range map[string]struct {
		decision agent.RetrievalDecision
		ok       bool
	}{
		"needs_facts":        {agent.NeedsFacts, true},
		"  NEEDS_FACTS\n":    {agent.NeedsFacts, true},
		"direct_response":    {agent.DirectResponse, true},
		"Direct_Response":    {agent.DirectResponse, true},
		"needs facts":        {agent.DirectResponse, false},
		"needs_facts please": {agent.DirectResponse, false},
		"":                   {agent.DirectResponse, false},
	} {
		got, ok := agent.DecodeRetrieval(raw)
		gt.Equal(t, got, want.decision)
		gt.Equal(t, ok, want.ok)
	}
}

func TestDecodePersistence(t *testing.T) {
	for raw, want := range map[string]struct {
		decision agent.PersistenceDecision
		ok       bool
	}{
		"store":    {agent.Store, true},
		" STORE ":  {agent.Store, true},
		"skip":     {agent.Skip, true},
		"Skip\n":   {agent.Skip, true},
		"store it": {agent.Skip, false},
		"maybe":    {agent.Skip, false},
		"":         {agent.Skip, false},
	} {
		got, ok := agent.DecodePersistence(raw)
		gt.Equal(t, got, want.decision)
		gt.Equal(t, ok, want.ok)
	}
}

func TestDefaultPolicyPrompts(t *testing.T) {
	p := agent.DefaultPolicy()

	intent, err := p.IntentPrompt("What did I do last summer?")
	gt.NoError(t, err)
	gt.S(t, intent).Contains(`"What did I do last summer?"`)
	gt.S(t, intent).Contains("needs_facts or direct_response")

	persist, err := p.PersistencePrompt("I love sushi", "Noted!")
	gt.NoError(t, err)
	gt.S(t, persist).Contains("User: I love sushi")
	gt.S(t, persist).Contains("Assistant: Noted!")

	resp, err := p.ResponsePrompt(nil, "hello", nil)
	gt.NoError(t, err)
	gt.S(t, resp).Contains("User query: hello")
	gt.S(t, resp).NotContains("Additional context")

	resp, err = p.ResponsePrompt(
		[]session.Turn{{Role: memory.RoleUser, Content: "earlier"}},
		"now",
		[]memory.Record{{Text: "a"}, {Text: "b"}},
	)
	gt.NoError(t, err)
	gt.S(t, resp).Contains("user: earlier")
	gt.S(t, resp).Contains("1. a")
	gt.S(t, resp).Contains("2. b")
}

func TestPolicyOverrides(t *testing.T) {
	p, err := agent.NewPolicy(config.PromptConfig{
		Intent: "classify {{ .Utterance }}: needs_facts or direct_response",
	})
	gt.NoError(t, err)

	intent, err := p.IntentPrompt("hi")
	gt.NoError(t, err)
	gt.Equal(t, intent, "classify hi: needs_facts or direct_response")

	query, err := p.QueryPrompt("hi")
	gt.NoError(t, err)
	gt.S(t, query).Contains("search query")

	_, err = agent.NewPolicy(config.PromptConfig{Persistence: "{{ .Utterance "})
	gt.Error(t, err)

	p, err = agent.NewPolicy(config.PromptConfig{Query: "{{ .Missing }}"})
	gt.NoError(t, err)
	_, err = p.QueryPrompt("hi")
	gt.Error(t, err)
}
