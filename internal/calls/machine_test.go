// ABOUTME: Tests for the inbound call state machine
// ABOUTME: Drives webhook sequences against fake call control, a scripted generator, and the mock store

package calls

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mission-control/internal/llm"
	"github.com/2389/mission-control/internal/notify"
	"github.com/2389/mission-control/internal/store"
	"github.com/2389/mission-control/internal/telnyx"
)

const greeting = "Hello, you have reached Agent Zero. How can I help you?"

type action struct {
	Name   string
	CallID string
	Prompt string
}

type fakeControl struct {
	mu        sync.Mutex
	actions   []action
	answerErr error
	gatherErr error
	answered  chan struct{}
}

// record fails like an HTTP client once ctx is done.
func (f *fakeControl) record(ctx context.Context, a action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, a)
	return nil
}

func (f *fakeControl) Answer(ctx context.Context, callID string) error {
	if err := f.record(ctx, action{Name: "answer", CallID: callID}); err != nil {
		return err
	}
	if f.answered != nil {
		f.answered <- struct{}{}
	}
	return f.answerErr
}

func (f *fakeControl) GatherUsingSpeak(ctx context.Context, callID, prompt string) error {
	if err := f.record(ctx, action{Name: "gather", CallID: callID, Prompt: prompt}); err != nil {
		return err
	}
	return f.gatherErr
}

func (f *fakeControl) Speak(ctx context.Context, callID, text string) error {
	return f.record(ctx, action{Name: "speak", CallID: callID, Prompt: text})
}

func (f *fakeControl) Hangup(ctx context.Context, callID string) error {
	return f.record(ctx, action{Name: "hangup", CallID: callID})
}

func (f *fakeControl) all() []action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]action(nil), f.actions...)
}

type fakeGenerator struct {
	mu      sync.Mutex
	calls   [][]llm.Turn
	reply   func(turns []llm.Turn) (string, error)
	entered chan struct{}
	release chan struct{}
	// untilDeadline makes Generate block until its context expires.
	untilDeadline bool
}

func (g *fakeGenerator) Generate(ctx context.Context, turns []llm.Turn) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, turns)
	g.mu.Unlock()
	if g.entered != nil {
		g.entered <- struct{}{}
	}
	if g.release != nil {
		<-g.release
	}
	if g.untilDeadline {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if g.reply == nil {
		return "It's sunny.", nil
	}
	return g.reply(turns)
}

func (g *fakeGenerator) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type fakeSettings struct {
	voice    bool
	greeting string
}

func (s fakeSettings) VoiceEnabled() bool { return s.voice }
func (s fakeSettings) Greeting() string   { return s.greeting }

type recorder struct {
	mu     sync.Mutex
	topics []string
}

func (r *recorder) Publish(topic string, _ any) {
	r.mu.Lock()
	r.topics = append(r.topics, topic)
	r.mu.Unlock()
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	machine  *Machine
	control  *fakeControl
	gen      *fakeGenerator
	store    *store.MockStore
	notes    *recorder
	clock    *clock
	registry *Registry
}

func newHarness(t *testing.T, voice bool) *harness {
	t.Helper()
	h := &harness{
		control:  &fakeControl{},
		gen:      &fakeGenerator{},
		store:    store.NewMockStore(),
		notes:    &recorder{},
		clock:    &clock{t: time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)},
		registry: NewRegistry(),
	}
	h.machine = NewMachine(h.registry, h.control, h.gen, h.store,
		fakeSettings{voice: voice, greeting: greeting},
		WithNotifier(h.notes), WithClock(h.clock.now))
	return h
}

func initiated(callID, from string) telnyx.CallInitiated {
	return telnyx.CallInitiated{CallID: callID, Direction: "incoming", From: from, To: "+15550001111"}
}

func (h *harness) start(t *testing.T, callID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.machine.HandleInitiated(ctx, initiated(callID, "+15551234567")))
	require.NoError(t, h.machine.HandleAnswered(ctx, telnyx.CallAnswered{CallID: callID}))
}

func (h *harness) onlyLog(t *testing.T) *store.CallLog {
	t.Helper()
	logs := h.store.CallLogs()
	require.Len(t, logs, 1)
	return logs[0]
}

func TestCall_FullConversation(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	require.NoError(t, h.machine.HandleInitiated(ctx, initiated("v3:abc", "+15551234567")))
	log := h.onlyLog(t)
	assert.Equal(t, store.CallInitiated, log.Status)
	assert.Equal(t, "v3:abc", log.CallControlID)
	require.NotNil(t, h.registry.Get("v3:abc"))

	require.NoError(t, h.machine.HandleAnswered(ctx, telnyx.CallAnswered{CallID: "v3:abc"}))
	assert.Equal(t, store.CallAnswered, h.onlyLog(t).Status)

	h.clock.advance(5 * time.Second)
	require.NoError(t, h.machine.HandleGatherEnded(ctx, telnyx.GatherEnded{CallID: "v3:abc", Speech: "What's the weather?"}))
	assert.Equal(t, store.CallActive, h.onlyLog(t).Status)

	h.clock.advance(37 * time.Second)
	require.NoError(t, h.machine.HandleHangup(ctx, telnyx.CallHangup{CallID: "v3:abc", Cause: "normal_clearing"}))

	log = h.onlyLog(t)
	assert.Equal(t, store.CallCompleted, log.Status)
	assert.Equal(t, 42, log.DurationSeconds)
	require.NotNil(t, log.EndedAt)
	assert.Equal(t, "Agent: "+greeting+"\nCaller: What's the weather?\nAgent: It's sunny.", log.Transcript)
	assert.Nil(t, h.registry.Get("v3:abc"))

	turns, err := h.store.GetCallTurns(ctx, log.ID)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, []string{SpeakerAgent, SpeakerCaller, SpeakerAgent}, []string{turns[0].Speaker, turns[1].Speaker, turns[2].Speaker})

	assert.Equal(t, []action{
		{Name: "answer", CallID: "v3:abc"},
		{Name: "gather", CallID: "v3:abc", Prompt: greeting},
		{Name: "gather", CallID: "v3:abc", Prompt: "It's sunny."},
	}, h.control.all())

	require.Equal(t, 1, h.gen.count())
	assert.Equal(t, []llm.Turn{
		{Speaker: llm.SpeakerAgent, Text: greeting},
		{Speaker: llm.SpeakerCaller, Text: "What's the weather?"},
	}, h.gen.calls[0])

	assert.Equal(t, []string{
		notify.TopicCallNew,
		notify.TopicCallTurn, notify.TopicCallTurn, notify.TopicCallTurn,
		notify.TopicCallEnded,
	}, h.notes.topics)
}

func TestCall_TurnCountGrowsByTwoPerCycle(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.start(t, "c1")

	for i := 0; i < 4; i++ {
		require.NoError(t, h.machine.HandleGatherEnded(ctx, telnyx.GatherEnded{CallID: "c1", Speech: "tell me more"}))
	}
	assert.Len(t, h.registry.Get("c1").Turns(), 2*4+1)
	assert.Equal(t, StateGathering, h.registry.Get("c1").State())
}

func TestCall_NoSpeechRepromptsForever(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.start(t, "c1")

	for i := 0; i < 5; i++ {
		require.NoError(t, h.machine.HandleGatherEnded(ctx, telnyx.GatherEnded{CallID: "c1", Status: telnyx.GatherNoSpeech}))
	}

	s := h.registry.Get("c1")
	require.NotNil(t, s)
	assert.Equal(t, StateGathering, s.State())
	assert.Len(t, s.Turns(), 1)
	assert.Equal(t, 0, h.gen.count())

	acts := h.control.all()
	require.Len(t, acts, 2+5)
	for _, a := range acts[2:] {
		assert.Equal(t, RepromptText, a.Prompt)
	}
}

func TestCall_DigitsCountAsInput(t *testing.T) {
	h := newHarness(t, true)
	h.start(t, "c1")

	require.NoError(t, h.machine.HandleGatherEnded(context.Background(), telnyx.GatherEnded{CallID: "c1", Digits: "1"}))
	require.Equal(t, 1, h.gen.count())
	assert.Equal(t, "Pressed 1", h.gen.calls[0][1].Text)
}

func TestCall_UnknownCallEventsAreNoOps(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	assert.NoError(t, h.machine.HandleHangup(ctx, telnyx.CallHangup{CallID: "ghost"}))
	assert.NoError(t, h.machine.HandleAnswered(ctx, telnyx.CallAnswered{CallID: "ghost"}))
	assert.NoError(t, h.machine.HandleGatherEnded(ctx, telnyx.GatherEnded{CallID: "ghost", Speech: "hi"}))

	assert.Empty(t, h.store.CallLogs())
	assert.Empty(t, h.control.all())
	assert.Empty(t, h.notes.topics)
	assert.Equal(t, 0, h.gen.count())
}

func TestCall_DuplicateHangupIsIdempotent(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.start(t, "c1")

	require.NoError(t, h.machine.HandleHangup(ctx, telnyx.CallHangup{CallID: "c1"}))
	first := h.onlyLog(t)
	require.NoError(t, h.machine.HandleHangup(ctx, telnyx.CallHangup{CallID: "c1"}))
	assert.Equal(t, first, h.onlyLog(t))
}

func TestCall_AnswerFailure(t *testing.T) {
	h := newHarness(t, true)
	h.control.answerErr = errors.New("422 call already ended")
	ctx := context.Background()

	err := h.machine.HandleInitiated(ctx, initiated("c1", "+15551234567"))
	require.Error(t, err)

	assert.Equal(t, store.CallFailed, h.onlyLog(t).Status)
	assert.Nil(t, h.registry.Get("c1"))

	require.NoError(t, h.machine.HandleAnswered(ctx, telnyx.CallAnswered{CallID: "c1"}))
	require.Len(t, h.control.all(), 1)
}

func TestCall_CallLogFailureLeavesNoSession(t *testing.T) {
	h := newHarness(t, true)
	h.store.FailOn("CreateCallLog", errors.New("disk full"))

	require.Error(t, h.machine.HandleInitiated(context.Background(), initiated("c1", "+1")))
	assert.Nil(t, h.registry.Get("c1"))
	assert.Empty(t, h.control.all())
}

func TestCall_VoiceDisabledAndOutbound(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	require.NoError(t, h.machine.HandleInitiated(ctx, initiated("c1", "+1")))
	assert.Empty(t, h.store.CallLogs())

	h = newHarness(t, true)
	out := initiated("c2", "+1")
	out.Direction = "outgoing"
	require.NoError(t, h.machine.HandleInitiated(ctx, out))
	assert.Empty(t, h.store.CallLogs())
	assert.Equal(t, 0, h.registry.Len())
}

func TestCall_DuplicateInitiated(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	require.NoError(t, h.machine.HandleInitiated(ctx, initiated("c1", "+1")))
	require.NoError(t, h.machine.HandleInitiated(ctx, initiated("c1", "+1")))
	h.onlyLog(t)
	assert.Len(t, h.control.all(), 1)
}

func TestCall_GeneratorErrorSpeaksFallback(t *testing.T) {
	h := newHarness(t, true)
	h.gen.reply = func([]llm.Turn) (string, error) { return "", &llm.APIError{Status: 500} }
	h.start(t, "c1")

	require.NoError(t, h.machine.HandleGatherEnded(context.Background(), telnyx.GatherEnded{CallID: "c1", Speech: "hello"}))
	acts := h.control.all()
	assert.Equal(t, "I'm having a bit of trouble processing that. Could you repeat your question?", acts[len(acts)-1].Prompt)
}

func TestCall_SlowGenerationStillSpeaksFallback(t *testing.T) {
	h := newHarness(t, true)
	h.gen.untilDeadline = true
	h.start(t, "c1")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, h.machine.HandleGatherEnded(ctx, telnyx.GatherEnded{CallID: "c1", Speech: "hello"}))
	require.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)

	fallback := llm.Fallback(context.DeadlineExceeded)
	acts := h.control.all()
	assert.Equal(t, action{Name: "gather", CallID: "c1", Prompt: fallback}, acts[len(acts)-1])

	log := h.onlyLog(t)
	assert.Equal(t, store.CallActive, log.Status)
	turns, err := h.store.GetCallTurns(context.Background(), log.ID)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, fallback, turns[2].Text)
	assert.Equal(t, StateGathering, h.registry.Get("c1").State())
}

func TestCall_GreetingFailureHangsUp(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	require.NoError(t, h.machine.HandleInitiated(ctx, initiated("c1", "+1")))

	h.control.gatherErr = errors.New("422 invalid payload")
	require.Error(t, h.machine.HandleAnswered(ctx, telnyx.CallAnswered{CallID: "c1"}))

	assert.Equal(t, []action{
		{Name: "answer", CallID: "c1"},
		{Name: "gather", CallID: "c1", Prompt: greeting},
		{Name: "hangup", CallID: "c1"},
	}, h.control.all())
	assert.Nil(t, h.registry.Get("c1"))

	log := h.onlyLog(t)
	assert.Equal(t, store.CallFailed, log.Status)
	require.NotNil(t, log.EndedAt)

	// the provider's hangup webhook then changes nothing
	require.NoError(t, h.machine.HandleHangup(ctx, telnyx.CallHangup{CallID: "c1"}))
	assert.Equal(t, store.CallFailed, h.onlyLog(t).Status)
}

func TestCall_ConcurrentInitiatedWritesOneLog(t *testing.T) {
	h := newHarness(t, true)
	h.control.answered = make(chan struct{})
	ctx := context.Background()

	first := make(chan error, 1)
	go func() { first <- h.machine.HandleInitiated(ctx, initiated("c1", "+1")) }()

	// The first delivery is mid-answer; a redelivery must not insert again.
	<-h.control.answered
	require.NoError(t, h.machine.HandleInitiated(ctx, initiated("c1", "+1")))
	require.NoError(t, <-first)

	log := h.onlyLog(t)
	assert.Equal(t, store.CallInitiated, log.Status)
	assert.Equal(t, log.ID, h.registry.Get("c1").LogID)
	assert.Len(t, h.control.all(), 1)
}

func TestCall_OperatorSayAndEnd(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.start(t, "c1")

	require.NoError(t, h.machine.Say(ctx, "c1", "  One moment please.  "))
	require.ErrorIs(t, h.machine.Say(ctx, "c1", " "), ErrEmptyText)
	require.ErrorIs(t, h.machine.Say(ctx, "nope", "hi"), ErrCallNotFound)

	require.NoError(t, h.machine.End(ctx, "c1"))
	require.ErrorIs(t, h.machine.End(ctx, "nope"), ErrCallNotFound)

	acts := h.control.all()
	assert.Equal(t, []action{
		{Name: "speak", CallID: "c1", Prompt: "One moment please."},
		{Name: "hangup", CallID: "c1"},
	}, acts[len(acts)-2:])

	turns := h.registry.Get("c1").Turns()
	assert.Equal(t, Turn{Speaker: SpeakerAgent, Text: "One moment please.", At: h.clock.now()}, turns[len(turns)-1])

	require.NoError(t, h.machine.HandleHangup(ctx, telnyx.CallHangup{CallID: "c1"}))
	assert.Equal(t, store.CallCompleted, h.onlyLog(t).Status)
}

func TestCall_MarkdownReplyIsFlattened(t *testing.T) {
	h := newHarness(t, true)
	h.gen.reply = func([]llm.Turn) (string, error) { return "**Sure.**\n\n- eggs\n- milk", nil }
	h.start(t, "c1")

	require.NoError(t, h.machine.HandleGatherEnded(context.Background(), telnyx.GatherEnded{CallID: "c1", Speech: "list"}))
	acts := h.control.all()
	assert.Equal(t, "Sure. eggs milk", acts[len(acts)-1].Prompt)
}

func TestCall_HangupDuringGeneration(t *testing.T) {
	h := newHarness(t, true)
	h.gen.entered = make(chan struct{})
	h.gen.release = make(chan struct{})
	h.start(t, "c1")
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- h.machine.HandleGatherEnded(ctx, telnyx.GatherEnded{CallID: "c1", Speech: "long question"})
	}()

	<-h.gen.entered
	require.NoError(t, h.machine.HandleHangup(ctx, telnyx.CallHangup{CallID: "c1"}))
	close(h.gen.release)
	require.NoError(t, <-done)

	log := h.onlyLog(t)
	assert.Equal(t, store.CallCompleted, log.Status)
	assert.Equal(t, "Agent: "+greeting+"\nCaller: long question", log.Transcript)

	// the late reply is kept in the turn log but never spoken
	turns, err := h.store.GetCallTurns(ctx, log.ID)
	require.NoError(t, err)
	assert.Len(t, turns, 3)
	assert.Len(t, h.control.all(), 2)
}

func TestCall_HangupBeforeAnswer(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	require.NoError(t, h.machine.HandleInitiated(ctx, initiated("c1", "+1")))

	h.clock.advance(10 * time.Second)
	require.NoError(t, h.machine.HandleHangup(ctx, telnyx.CallHangup{CallID: "c1"}))

	log := h.onlyLog(t)
	assert.Equal(t, store.CallCompleted, log.Status)
	assert.Equal(t, 0, log.DurationSeconds)
	assert.Empty(t, log.Transcript)
}

func TestCall_SlowCallDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, true)
	slow := make(chan struct{})
	h.gen.reply = func(turns []llm.Turn) (string, error) {
		if turns[len(turns)-1].Text == "slow" {
			<-slow
		}
		return "ok", nil
	}
	h.start(t, "a")
	h.start(t, "b")
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		_ = h.machine.HandleGatherEnded(ctx, telnyx.GatherEnded{CallID: "a", Speech: "slow"})
		close(done)
	}()

	require.NoError(t, h.machine.HandleGatherEnded(ctx, telnyx.GatherEnded{CallID: "b", Speech: "fast"}))
	require.NoError(t, h.machine.HandleHangup(ctx, telnyx.CallHangup{CallID: "b"}))
	assert.Nil(t, h.registry.Get("b"))

	close(slow)
	<-done
	assert.Len(t, h.registry.Get("a").Turns(), 3)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.True(t, r.Add(&Session{CallID: "b", StartedAt: t0.Add(time.Minute), state: StateGathering}))
	require.True(t, r.Add(&Session{CallID: "a", StartedAt: t0, state: StateInitiated}))
	assert.False(t, r.Add(&Session{CallID: "a"}))
	assert.Equal(t, 2, r.Len())

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].CallID)
	assert.Equal(t, StateGathering, snap[1].State)

	assert.NotNil(t, r.Remove("a"))
	assert.Nil(t, r.Remove("a"))
	assert.Equal(t, 1, r.Len())
}

func TestFormatTranscript(t *testing.T) {
	assert.Equal(t, "", FormatTranscript(nil))
	assert.Equal(t, "Agent: hi\nCaller: yo", FormatTranscript([]Turn{
		{Speaker: SpeakerAgent, Text: "hi"},
		{Speaker: SpeakerCaller, Text: "yo"},
	}))
}
