package agent_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"mnemo/internal/agent"
	"mnemo/internal/config"
	"mnemo/internal/db"
	"mnemo/internal/history"
	"mnemo/internal/memory"
	"mnemo/internal/session"
)

// script answers each stage's prompt. A nil func answers with a default.
type script struct {
	intent      func(prompt string) (string, error)
	query       func(prompt string) (string, error)
	respond     func(prompt string) (string, error)
	persistence func(prompt string) (string, error)

	mu      sync.Mutex
	prompts map[string][]string
}

func (s *script) Complete(ctx context.Context, prompt string) (string, error) {
	stage, fn, def := s.route(prompt)
	s.mu.Lock()
	if s.prompts == nil {
		s.prompts = map[string][]string{}
	}
	s.prompts[stage] = append(s.prompts[stage], prompt)
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if fn == nil {
		return def, nil
	}
	return fn(prompt)
}

func (s *script) route(prompt string) (string, func(string) (string, error), string) {
	switch {
	case strings.Contains(prompt, "needs_facts or direct_response"):
		return "intent", s.intent, "direct_response"
	case strings.Contains(prompt, "search query"):
		return "query", s.query, "query"
	case strings.Contains(prompt, "store or skip"):
		return "persistence", s.persistence, "skip"
	default:
		return "respond", s.respond, "ok"
	}
}

func (s *script) calls(stage string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts[stage]...)
}

func answer(v string) func(string) (string, error) {
	return func(string) (string, error) { return v, nil }
}

func fail(msg string) func(string) (string, error) {
	return func(string) (string, error) { return "", errors.New(msg) }
}

type fakeSemantic struct {
	mu         sync.Mutex
	records    []memory.Record
	delay      time.Duration
	err        error
	writeErr   error
	provisions int
	searches   int
	remembered []string
}

func (f *fakeSemantic) Provision(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisions++
	return nil
}

func (f *fakeSemantic) Similar(ctx context.Context, _, _ string, k int) ([]memory.Record, error) {
	f.mu.Lock()
	f.searches++
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if len(f.records) > k {
		return f.records[:k], nil
	}
	return f.records, nil
}

func (f *fakeSemantic) Remember(_ context.Context, _, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return "", f.writeErr
	}
	f.remembered = append(f.remembered, text)
	return "1", nil
}

type fakeFacts struct {
	mu       sync.Mutex
	facts    []memory.Fact
	delay    time.Duration
	err      error
	writeErr error
	searches int
	added    [][]memory.Message
}

func (f *fakeFacts) Search(ctx context.Context, _, _ string, _ int) ([]memory.Fact, error) {
	f.mu.Lock()
	f.searches++
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.facts, nil
}

func (f *fakeFacts) Add(_ context.Context, _ string, msgs []memory.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.added = append(f.added, msgs)
	return nil
}

type fixture struct {
	script   *script
	semantic *fakeSemantic
	facts    *fakeFacts
	registry *session.Registry
	handler  *agent.Handler
}

func newFixture(t *testing.T, sc *script, settings agent.Settings) *fixture {
	t.Helper()
	f := &fixture{script: sc, semantic: &fakeSemantic{}, facts: &fakeFacts{}}
	f.registry = session.NewRegistry(agent.NewMemoryBackend(f.semantic, f.facts))
	f.handler = agent.NewHandler(f.registry, sc, f.semantic, f.facts, agent.DefaultPolicy(), settings,
		agent.WithRoster(config.Default().Users),
	)
	return f
}

func collect(t *testing.T, h *agent.Handler, userID, msg string) []agent.Event {
	t.Helper()
	var events []agent.Event
	gt.NoError(t, h.Run(context.Background(), userID, msg, func(ev agent.Event) {
		events = append(events, ev)
	}))
	return events
}

func find(events []agent.Event, typ agent.EventType) (agent.Event, bool) {
	for _, ev := range events {
		if ev.Type == typ {
			return ev, true
		}
	}
	return agent.Event{}, false
}

func TestDirectResponseSkipsRetrieval(t *testing.T) {
	f := newFixture(t, &script{intent: answer("direct_response"), respond: answer("Hello!")}, agent.Settings{})

	events := collect(t, f.handler, "1", "hi")

	_, ok := find(events, agent.EventQuery)
	gt.False(t, ok)
	_, ok = find(events, agent.EventContext)
	gt.False(t, ok)
	gt.A(t, f.script.calls("query")).Length(0)
	gt.Equal(t, f.semantic.searches, 0)
	gt.Equal(t, f.facts.searches, 0)

	done, _ := find(events, agent.EventDone)
	gt.Equal(t, done.Data, any("Hello!"))
	gt.Equal(t, events[len(events)-1].Type, agent.EventDone)
}

func TestNeedsFactsRetrievesBothBackends(t *testing.T) {
	sc := &script{
		intent:  answer("NEEDS_FACTS"),
		query:   answer(`"startup funding"`),
		respond: answer("You raised $5M."),
	}
	f := newFixture(t, sc, agent.Settings{})
	f.semantic.records = []memory.Record{{Source: memory.SourceSemantic, Text: "I just raised $5M in funding."}}
	f.facts.facts = []memory.Fact{{Memory: "Founder of a startup"}}

	events := collect(t, f.handler, "1", "How much did I raise?")

	q, ok := find(events, agent.EventQuery)
	gt.True(t, ok)
	gt.Equal(t, q.Data, any("startup funding"))

	c, ok := find(events, agent.EventContext)
	gt.True(t, ok)
	result := c.Data.(agent.RetrievalResult)
	gt.A(t, result.Records).Length(2)

	prompt := f.script.calls("respond")[0]
	gt.S(t, prompt).Contains("1. I just raised $5M in funding.")
	gt.S(t, prompt).Contains("2. Founder of a startup")
	gt.S(t, prompt).Contains("User query: How much did I raise?")
}

func TestRetrievalToleratesOneBackendFailing(t *testing.T) {
	f := newFixture(t, &script{}, agent.Settings{})
	f.semantic.err = errors.New("vector store down")
	f.facts.facts = []memory.Fact{{Memory: "F1"}}

	r := agent.NewRetriever(f.semantic, f.facts, 5, 10, time.Second, nil)
	result := r.Retrieve(context.Background(), "1", "anything")
	gt.Equal(t, f.semantic.searches, 1)
	gt.Equal(t, f.facts.searches, 1)
	gt.A(t, result.Records).Length(1)
	gt.Equal(t, result.Records[0].Text, "F1")

	f.semantic.err = nil
	f.semantic.records = []memory.Record{{Source: memory.SourceSemantic, Text: "S1"}}
	f.facts.err = errors.New("mem0 unavailable")
	result = r.Retrieve(context.Background(), "1", "anything")
	gt.A(t, result.Records).Length(1)
	gt.Equal(t, result.Records[0].Text, "S1")

	f.semantic.err = errors.New("down")
	result = r.Retrieve(context.Background(), "1", "anything")
	gt.NotNil(t, result.Records)
	gt.A(t, result.Records).Length(0)
}

func TestRetrievalMergeOrderIsStable(t *testing.T) {
	semantic := &fakeSemantic{records: []memory.Record{
		{Source: memory.SourceSemantic, Text: "S1"},
		{Source: memory.SourceSemantic, Text: "S2"},
	}}
	facts := &fakeFacts{facts: []memory.Fact{{Memory: "F1"}}}
	r := agent.NewRetriever(semantic, facts, 5, 10, time.Second, nil)

	for _, tc := range []struct {
		name          string
		semanticDelay time.Duration
		factDelay     time.Duration
	}{
		{name: "semantic slower", semanticDelay: 30 * time.Millisecond},
		{name: "facts slower", factDelay: 30 * time.Millisecond},
	} {
		t.Run(tc.name, func(t *testing.T) {
			semantic.delay = tc.semanticDelay
			facts.delay = tc.factDelay
			result := r.Retrieve(context.Background(), "1", "q")

			texts := make([]string, 0, len(result.Records))
			for _, rec := range result.Records {
				texts = append(texts, rec.Text)
			}
			gt.Equal(t, texts, []string{"S1", "S2", "F1"})
			gt.Equal(t, result.Records[2].Source, memory.SourceFact)
		})
	}
}

func TestRetrievalTimeoutDropsSlowBackend(t *testing.T) {
	semantic := &fakeSemantic{records: []memory.Record{{Text: "S1"}}, delay: time.Second}
	facts := &fakeFacts{facts: []memory.Fact{{Memory: "F1"}}}
	r := agent.NewRetriever(semantic, facts, 5, 10, 20*time.Millisecond, nil)

	start := time.Now()
	result := r.Retrieve(context.Background(), "1", "q")
	gt.True(t, time.Since(start) < 500*time.Millisecond)
	gt.A(t, result.Records).Length(1)
	gt.Equal(t, result.Records[0].Text, "F1")
}

func TestRetrievalIsIdempotent(t *testing.T) {
	semantic := &fakeSemantic{records: []memory.Record{{Text: "S1"}}}
	facts := &fakeFacts{facts: []memory.Fact{{Memory: "F1"}, {Memory: "F2"}}}
	r := agent.NewRetriever(semantic, facts, 5, 10, time.Second, nil)

	first := r.Retrieve(context.Background(), "1", "q")
	second := r.Retrieve(context.Background(), "1", "q")
	gt.Equal(t, first, second)
	gt.A(t, semantic.remembered).Length(0)
	gt.A(t, facts.added).Length(0)
}

func TestRetrievalEmptyQuery(t *testing.T) {
	semantic := &fakeSemantic{}
	facts := &fakeFacts{}
	r := agent.NewRetriever(semantic, facts, 5, 10, time.Second, nil)

	result := r.Retrieve(context.Background(), "1", "   ")
	gt.NotNil(t, result.Records)
	gt.A(t, result.Records).Length(0)
	gt.Equal(t, semantic.searches, 0)
	gt.Equal(t, facts.searches, 0)
}

func TestRetrievalCapsSemanticAtTopK(t *testing.T) {
	semantic := &fakeSemantic{}
	for i := 0; i < 8; i++ {
		semantic.records = append(semantic.records, memory.Record{Text: "s"})
	}
	r := agent.NewRetriever(semantic, &fakeFacts{}, 3, 10, time.Second, nil)
	gt.A(t, r.Retrieve(context.Background(), "1", "q").Records).Length(3)
}

func TestReplyFailureYieldsApologyWithoutPersistence(t *testing.T) {
	for _, tc := range []struct {
		name    string
		respond func(string) (string, error)
	}{
		{name: "error", respond: fail("connection reset")},
		{name: "empty", respond: answer("   ")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sc := &script{respond: tc.respond, persistence: answer("store")}
			f := newFixture(t, sc, agent.Settings{})

			events := collect(t, f.handler, "1", "I just raised $5M in funding.")
			done, _ := find(events, agent.EventDone)
			gt.Equal(t, done.Data, any(agent.ApologyReply))

			_, ok := find(events, agent.EventPersistence)
			gt.False(t, ok)
			gt.A(t, sc.calls("persistence")).Length(0)
			gt.A(t, f.semantic.remembered).Length(0)
			gt.A(t, f.facts.added).Length(0)
			gt.A(t, f.handler.History("1", 10)).Length(0)
		})
	}
}

func TestStoreWritesBothStores(t *testing.T) {
	sc := &script{
		intent:      answer("direct_response"),
		respond:     answer("Congratulations on the raise!"),
		persistence: answer("STORE"),
	}
	f := newFixture(t, sc, agent.Settings{})

	events := collect(t, f.handler, "1", "I just raised $5M in funding.")
	p, ok := find(events, agent.EventPersistence)
	gt.True(t, ok)
	outcome := p.Data.(agent.PersistenceOutcome)
	gt.Equal(t, outcome.Decision, agent.Store)
	gt.Equal(t, outcome.SemanticID, "1")

	gt.Equal(t, f.semantic.remembered, []string{"I just raised $5M in funding."})
	gt.A(t, f.facts.added).Length(1)
	gt.Equal(t, f.facts.added[0], []memory.Message{
		{Role: memory.RoleUser, Content: "I just raised $5M in funding."},
		{Role: memory.RoleAssistant, Content: "Congratulations on the raise!"},
	})

	history := f.handler.History("1", 10)
	gt.A(t, history).Length(2)
	gt.Equal(t, history[0].Role, memory.RoleUser)
	gt.Equal(t, history[1].Content, "Congratulations on the raise!")
}

func TestSkipWritesNothing(t *testing.T) {
	sc := &script{respond: answer("Hi there!"), persistence: answer("skip")}
	f := newFixture(t, sc, agent.Settings{})

	events := collect(t, f.handler, "1", "hi")
	p, _ := find(events, agent.EventPersistence)
	gt.Equal(t, p.Data.(agent.PersistenceOutcome).Decision, agent.Skip)
	gt.A(t, f.semantic.remembered).Length(0)
	gt.A(t, f.facts.added).Length(0)
	gt.A(t, f.handler.History("1", 10)).Length(2)
}

func TestStoreFailuresAreTolerated(t *testing.T) {
	sc := &script{respond: answer("Noted."), persistence: answer("store")}
	f := newFixture(t, sc, agent.Settings{})
	f.semantic.writeErr = errors.New("vector store down")

	events := collect(t, f.handler, "1", "I moved to Paris.")
	p, _ := find(events, agent.EventPersistence)
	outcome := p.Data.(agent.PersistenceOutcome)
	gt.S(t, outcome.SemanticError).Contains("vector store down")
	gt.Equal(t, outcome.FactError, "")
	gt.A(t, f.facts.added).Length(1)

	done, _ := find(events, agent.EventDone)
	gt.Equal(t, done.Data, any("Noted."))
}

func TestClassifierFailureStillReplies(t *testing.T) {
	sc := &script{
		intent:      fail("dial tcp: connection refused"),
		respond:     answer("Sure."),
		persistence: fail("dial tcp: connection refused"),
	}
	f := newFixture(t, sc, agent.Settings{})

	reply, err := f.handler.Reply(context.Background(), "1", "What did I say yesterday?")
	gt.NoError(t, err)
	gt.Equal(t, reply, "Sure.")
	gt.Equal(t, f.semantic.searches, 0)
	gt.A(t, f.semantic.remembered).Length(0)
}

func TestUnrecognizedOutputUsesConservativeDefaults(t *testing.T) {
	sc := &script{
		intent:      answer("I think we need facts"),
		respond:     answer("Okay."),
		persistence: answer("probably store"),
	}
	f := newFixture(t, sc, agent.Settings{})

	events := collect(t, f.handler, "1", "Tell me something.")
	d, _ := find(events, agent.EventDecision)
	gt.Equal(t, d.Data, any(agent.DirectResponse))
	p, _ := find(events, agent.EventPersistence)
	gt.Equal(t, p.Data.(agent.PersistenceOutcome).Decision, agent.Skip)
}

func TestQueryFailureSkipsBackends(t *testing.T) {
	sc := &script{intent: answer("needs_facts"), query: fail("timeout"), respond: answer("Hmm.")}
	f := newFixture(t, sc, agent.Settings{})

	events := collect(t, f.handler, "1", "Where do I live?")
	c, ok := find(events, agent.EventContext)
	gt.True(t, ok)
	gt.A(t, c.Data.(agent.RetrievalResult).Records).Length(0)
	gt.Equal(t, f.semantic.searches, 0)
	gt.Equal(t, f.facts.searches, 0)
}

func TestResponsePromptUsesRecentLimit(t *testing.T) {
	sc := &script{}
	f := newFixture(t, sc, agent.Settings{RecentLimit: 2})

	for _, msg := range []string{"first", "second", "third"} {
		_, err := f.handler.Reply(context.Background(), "1", msg)
		gt.NoError(t, err)
	}

	prompts := sc.calls("respond")
	gt.A(t, prompts).Length(3)
	last := prompts[2]
	gt.S(t, last).NotContains("user: first")
	gt.S(t, last).Contains("user: second")
	gt.S(t, last).Contains("assistant: ok")
	gt.S(t, last).Contains("User query: third")
}

func TestRunValidation(t *testing.T) {
	f := newFixture(t, &script{}, agent.Settings{})

	var events []agent.Event
	err := f.handler.Run(context.Background(), "1", "   ", func(ev agent.Event) { events = append(events, ev) })
	gt.True(t, errors.Is(err, agent.ErrEmptyUtterance))
	gt.A(t, events).Length(1)
	gt.Equal(t, events[0].Type, agent.EventError)

	_, err = f.handler.Reply(context.Background(), "../etc", "hi")
	gt.True(t, errors.Is(err, agent.ErrInvalidUserID))
	_, err = f.handler.Reply(context.Background(), "", "hi")
	gt.True(t, errors.Is(err, agent.ErrInvalidUserID))
	gt.Equal(t, f.registry.Count(), 0)
}

func TestInitializeFromRoster(t *testing.T) {
	f := newFixture(t, &script{}, agent.Settings{})

	s, err := f.handler.Initialize(context.Background(), "1", "")
	gt.NoError(t, err)
	gt.Equal(t, s.UserID, "1")
	gt.Equal(t, f.semantic.provisions, 1)
	gt.Equal(t, f.semantic.remembered, []string{"I am Jane"})

	_, err = f.handler.Initialize(context.Background(), "42", "")
	gt.True(t, errors.Is(err, agent.ErrUnknownUser))

	_, err = f.handler.Initialize(context.Background(), "42", "Ada")
	gt.NoError(t, err)
	gt.Equal(t, f.semantic.remembered[1], "I am Ada")
}

func TestMemoryBackendSeedsFacts(t *testing.T) {
	semantic := &fakeSemantic{}
	facts := &fakeFacts{}
	b := agent.NewMemoryBackend(semantic, facts)

	gt.NoError(t, b.Introduce(context.Background(), "1", "Jane", []string{"Lives in Paris", "Runs a startup"}))
	gt.Equal(t, semantic.remembered, []string{"I am Jane"})
	gt.A(t, facts.added).Length(1)
	gt.Equal(t, facts.added[0][0], memory.Message{Role: memory.RoleSystem, Content: "Lives in Paris"})

	facts.writeErr = errors.New("down")
	gt.Error(t, b.Introduce(context.Background(), "1", "Jane", []string{"x"}))
}

func TestTurnsForOneUserAreSerialized(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	sc := &script{respond: func(string) (string, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return "ok", nil
	}}
	f := newFixture(t, sc, agent.Settings{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.handler.Reply(context.Background(), "1", "hello")
			gt.NoError(t, err)
		}()
	}
	wg.Wait()

	gt.Equal(t, maxInFlight.Load(), int32(1))
	gt.A(t, f.handler.History("1", 50)).Length(10)
}

func TestCancelledWhileWaitingForPreviousTurn(t *testing.T) {
	release := make(chan struct{})
	sc := &script{respond: func(string) (string, error) {
		<-release
		return "ok", nil
	}}
	f := newFixture(t, sc, agent.Settings{})

	go func() { _, _ = f.handler.Reply(context.Background(), "1", "first") }()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.handler.Reply(ctx, "1", "second")
	gt.True(t, errors.Is(err, context.DeadlineExceeded))
	close(release)
}

func TestReset(t *testing.T) {
	f := newFixture(t, &script{}, agent.Settings{})
	_, err := f.handler.Reply(context.Background(), "1", "hi")
	gt.NoError(t, err)
	gt.Equal(t, f.registry.Count(), 1)

	f.handler.Reset()
	gt.Equal(t, f.registry.Count(), 0)
	gt.A(t, f.handler.History("1", 5)).Length(0)
}

func TestResetDuringTurnKeepsTurnsSerialized(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	sc := &script{respond: func(string) (string, error) {
		n := inFlight.Add(1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		started <- struct{}{}
		<-release
		inFlight.Add(-1)
		return "ok", nil
	}}
	f := newFixture(t, sc, agent.Settings{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := f.handler.Reply(context.Background(), "1", "first")
		gt.NoError(t, err)
	}()
	<-started

	f.handler.Reset()
	go func() {
		defer wg.Done()
		_, err := f.handler.Reply(context.Background(), "1", "second")
		gt.NoError(t, err)
	}()

	select {
	case <-started:
		t.Error("second turn started while the first was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	wg.Wait()

	gt.Equal(t, maxInFlight.Load(), int32(1))
}

func TestTranscriptRecordsCompletedTurns(t *testing.T) {
	d, err := db.Open(":memory:")
	gt.NoError(t, err).Required()
	gt.NoError(t, d.Migrate()).Required()
	t.Cleanup(func() { d.Close() })

	sc := &script{respond: answer("Noted."), persistence: answer("store")}
	semantic, facts := &fakeSemantic{}, &fakeFacts{}
	registry := session.NewRegistry(agent.NewMemoryBackend(semantic, facts))
	h := agent.NewHandler(registry, sc, semantic, facts, agent.DefaultPolicy(), agent.Settings{},
		agent.WithTranscript(history.NewStore(d)),
	)

	_, err = h.Reply(context.Background(), "1", "I moved to Paris.")
	gt.NoError(t, err)

	entries, err := h.Transcript(context.Background(), "1", 10)
	gt.NoError(t, err)
	gt.A(t, entries).Length(1)
	gt.Equal(t, entries[0].Utterance, "I moved to Paris.")
	gt.Equal(t, entries[0].Intent, string(agent.DirectResponse))
	gt.Equal(t, entries[0].Persistence, string(agent.Store))

	sc.respond = fail("down")
	_, err = h.Reply(context.Background(), "1", "again")
	gt.NoError(t, err)
	entries, err = h.Transcript(context.Background(), "1", 10)
	gt.NoError(t, err)
	gt.A(t, entries).Length(1)
}
