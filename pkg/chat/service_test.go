package chat

import (
	"context"
	"io"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/pomochat/pkg/chatstore"
	"github.com/go-go-golems/pomochat/pkg/completion"
	"github.com/go-go-golems/pomochat/pkg/redisstate"
)

type recordedEvent struct {
	ConvID  int64
	Event   string
	Payload any
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
	notify chan recordedEvent
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{notify: make(chan recordedEvent, 64)}
}

func (b *recordingBroadcaster) BroadcastToConversation(_ context.Context, convID int64, event string, payload any) error {
	ev := recordedEvent{ConvID: convID, Event: event, Payload: payload}
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
	select {
	case b.notify <- ev:
	default:
	}
	return nil
}

func (b *recordingBroadcaster) byName(event string) []recordedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []recordedEvent{}
	for _, ev := range b.events {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

func waitForEvent(t *testing.T, b *recordingBroadcaster, event string) recordedEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-b.notify:
			if ev.Event == event {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", event)
		}
	}
}

// scriptedGenerator yields a fixed fragment sequence. When gate is non-nil,
// each Next waits for one gate token (or context cancellation) first.
type scriptedGenerator struct {
	mu          sync.Mutex
	fragments   []string
	finalErr    error
	streamErr   error
	gate        chan struct{}
	lastHistory []completion.Message
}

func (g *scriptedGenerator) Stream(ctx context.Context, history []completion.Message) (completion.Stream, error) {
	g.mu.Lock()
	g.lastHistory = append([]completion.Message(nil), history...)
	g.mu.Unlock()
	if g.streamErr != nil {
		return nil, g.streamErr
	}
	return &scriptedStream{gen: g}, nil
}

func (g *scriptedGenerator) history() []completion.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastHistory
}

type scriptedStream struct {
	gen *scriptedGenerator
	idx int
}

func (s *scriptedStream) Next(ctx context.Context) (string, error) {
	if s.gen.gate != nil {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-s.gen.gate:
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.idx >= len(s.gen.fragments) {
		if s.gen.finalErr != nil {
			return "", s.gen.finalErr
		}
		return "", io.EOF
	}
	frag := s.gen.fragments[s.idx]
	s.idx++
	return frag, nil
}

func (s *scriptedStream) Close() error { return nil }

type wordCounter struct{}

func (wordCounter) Count(text string) (int, error) { return len(text), nil }

type testEnv struct {
	svc         *Service
	store       *chatstore.SQLiteStore
	locks       *redisstate.Lock
	contexts    *redisstate.ContextStore
	broadcaster *recordingBroadcaster
	mr          *miniredis.Miniredis
}

func newTestEnv(t *testing.T, gen completion.Generator) *testEnv {
	t.Helper()
	dsn, err := chatstore.DSNForFile(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	store, err := chatstore.NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	broadcaster := newRecordingBroadcaster()
	contexts := redisstate.NewContextStore(rdb, 20)
	locks := redisstate.NewLock(rdb)

	svc, err := NewService(ServiceConfig{
		Store:        store,
		Contexts:     contexts,
		Locks:        locks,
		Recovery:     redisstate.NewRecoveryBuffer(rdb, time.Minute),
		StopFlags:    redisstate.NewStopFlag(rdb),
		Generator:    gen,
		Broadcaster:  broadcaster,
		Cancels:      NewCancelRegistry(),
		TokenCounter: wordCounter{},
	})
	require.NoError(t, err)
	return &testEnv{svc: svc, store: store, locks: locks, contexts: contexts, broadcaster: broadcaster, mr: mr}
}

func (e *testEnv) newConversation(t *testing.T, userID int64) *chatstore.Conversation {
	t.Helper()
	conv, err := e.svc.CreateConversation(context.Background(), userID)
	require.NoError(t, err)
	return conv
}

func TestSaveUserMessage_PersistsAndCaches(t *testing.T) {
	env := newTestEnv(t, &scriptedGenerator{})
	ctx := context.Background()
	conv := env.newConversation(t, 1)

	msg, err := env.svc.SaveUserMessage(ctx, 1, conv.ID, "what is a pomodoro?")
	require.NoError(t, err)
	require.True(t, msg.IsComplete)
	require.Equal(t, chatstore.RoleUser, msg.Role)

	entries, err := env.contexts.Load(ctx, conv.ID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	require.Equal(t, redisstate.Entry{Role: "user", Content: "what is a pomodoro?"}, entries[len(entries)-1])
}

func TestSaveUserMessage_AccessDenied(t *testing.T) {
	env := newTestEnv(t, &scriptedGenerator{})
	ctx := context.Background()
	conv := env.newConversation(t, 1)

	_, err := env.svc.SaveUserMessage(ctx, 2, conv.ID, "not mine")
	require.ErrorIs(t, err, ErrAccessDenied)

	require.NoError(t, env.svc.DeleteConversation(ctx, 1, conv.ID))
	_, err = env.svc.SaveUserMessage(ctx, 1, conv.ID, "deleted")
	require.ErrorIs(t, err, ErrAccessDenied)

	_, err = env.svc.SaveUserMessage(ctx, 1, conv.ID, "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)
}

func TestStreamAssistantResponse_HappyPath(t *testing.T) {
	gen := &scriptedGenerator{fragments: []string{"Hel", "lo"}}
	env := newTestEnv(t, gen)
	ctx := context.Background()
	conv := env.newConversation(t, 1)

	_, err := env.svc.SaveUserMessage(ctx, 1, conv.ID, "say hello")
	require.NoError(t, err)
	require.NoError(t, env.svc.StreamAssistantResponse(ctx, conv.ID))

	tokens := env.broadcaster.byName(EventTokenStream)
	require.Len(t, tokens, 2)
	require.Equal(t, "Hel", tokens[0].Payload.(TokenStreamPayload).Token)
	require.Equal(t, "lo", tokens[1].Payload.(TokenStreamPayload).Token)

	completes := env.broadcaster.byName(EventMessageComplete)
	require.Len(t, completes, 1)
	done := completes[0].Payload.(MessageCompletePayload)
	require.Equal(t, "Hello", done.Content)

	stored, err := env.store.GetMessage(ctx, done.MessageID)
	require.NoError(t, err)
	require.True(t, stored.IsComplete)
	require.Equal(t, "Hello", stored.Content)
	require.NotNil(t, stored.TokenCount)
	require.Equal(t, len("Hello"), *stored.TokenCount)

	// generator saw the cached user turn
	history := gen.history()
	require.NotEmpty(t, history)
	require.Equal(t, completion.Message{Role: "user", Content: "say hello"}, history[len(history)-1])

	// assistant turn entered the context window
	entries, err := env.contexts.Load(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, redisstate.Entry{Role: "assistant", Content: "Hello"}, entries[len(entries)-1])

	// lock released, recovery buffer gone
	ok, err := env.locks.TryAcquire(ctx, conv.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, env.mr.Exists("stream:"+strconv.FormatInt(done.MessageID, 10)+":content"))
}

func TestStreamAssistantResponse_SingleFlight(t *testing.T) {
	gate := make(chan struct{})
	gen := &scriptedGenerator{fragments: []string{"only one"}, gate: gate}
	env := newTestEnv(t, gen)
	ctx := context.Background()
	conv := env.newConversation(t, 1)

	const n = 8
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() { results <- env.svc.StreamAssistantResponse(ctx, conv.ID) }()
	}

	// the losers return immediately; the winner is blocked on the gate
	for i := 0; i < n-1; i++ {
		select {
		case err := <-results:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for contending calls to no-op")
		}
	}

	close(gate)
	select {
	case err := <-results:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the winning generation")
	}

	// exactly one call made it past admission control
	page, err := env.store.ListMessages(ctx, conv.ID, 50, nil)
	require.NoError(t, err)
	assistants := 0
	for _, m := range page.Items {
		if m.Role == chatstore.RoleAssistant {
			assistants++
		}
	}
	require.Equal(t, 1, assistants)
}

func TestStreamAssistantResponse_FailureFinalizesPartial(t *testing.T) {
	gen := &scriptedGenerator{fragments: []string{"Hel", "lo"}, finalErr: errors.New("upstream connection dropped")}
	env := newTestEnv(t, gen)
	ctx := context.Background()
	conv := env.newConversation(t, 1)

	require.NoError(t, env.svc.StreamAssistantResponse(ctx, conv.ID))

	errs := env.broadcaster.byName(EventError)
	require.Len(t, errs, 1)

	completes := env.broadcaster.byName(EventMessageComplete)
	require.Len(t, completes, 1)
	done := completes[0].Payload.(MessageCompletePayload)
	require.Equal(t, "Hello", done.Content)

	stored, err := env.store.GetMessage(ctx, done.MessageID)
	require.NoError(t, err)
	require.True(t, stored.IsComplete)
	require.Equal(t, "Hello", stored.Content)

	// failed turns stay out of the context window
	entries, err := env.contexts.Load(ctx, conv.ID)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotEqual(t, "assistant", e.Role)
	}

	// lock released despite the failure
	ok, err := env.locks.TryAcquire(ctx, conv.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStreamAssistantResponse_CancelMidStream(t *testing.T) {
	gate := make(chan struct{})
	gen := &scriptedGenerator{fragments: []string{"He", "llo", " world"}, gate: gate}
	env := newTestEnv(t, gen)
	ctx := context.Background()
	conv := env.newConversation(t, 1)

	done := make(chan error, 1)
	go func() { done <- env.svc.StreamAssistantResponse(ctx, conv.ID) }()

	gate <- struct{}{}
	first := waitForEvent(t, env.broadcaster, EventTokenStream)
	turnID := first.Payload.(TokenStreamPayload).MessageID
	gate <- struct{}{}
	waitForEvent(t, env.broadcaster, EventTokenStream)

	require.NoError(t, env.svc.StopStreaming(ctx, turnID))
	waitForEvent(t, env.broadcaster, EventGenerationStopped)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("generation did not terminate after stop")
	}

	// content is exactly the fragments broadcast before the stop was honored
	stored, err := env.store.GetMessage(ctx, turnID)
	require.NoError(t, err)
	require.True(t, stored.IsComplete)
	require.Equal(t, "Hello", stored.Content)

	completes := env.broadcaster.byName(EventMessageComplete)
	require.Len(t, completes, 1)
	require.Equal(t, "Hello", completes[0].Payload.(MessageCompletePayload).Content)

	// cancelled-partial turns keep their place in the context window
	entries, err := env.contexts.Load(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, redisstate.Entry{Role: "assistant", Content: "Hello"}, entries[len(entries)-1])

	ok, err := env.locks.TryAcquire(ctx, conv.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStreamAssistantResponse_RebuildsHistoryFromDurable(t *testing.T) {
	gen := &scriptedGenerator{fragments: []string{"ok"}}
	env := newTestEnv(t, gen)
	ctx := context.Background()
	conv := env.newConversation(t, 1)

	_, err := env.svc.SaveUserMessage(ctx, 1, conv.ID, "first")
	require.NoError(t, err)
	_, err = env.svc.SaveUserMessage(ctx, 1, conv.ID, "second")
	require.NoError(t, err)

	// simulate an expired window
	env.mr.FlushAll()

	require.NoError(t, env.svc.StreamAssistantResponse(ctx, conv.ID))

	history := gen.history()
	require.Len(t, history, 2)
	require.Equal(t, "first", history[0].Content)
	require.Equal(t, "second", history[1].Content)
}

func TestStopStreaming_UnknownTurnIsNoop(t *testing.T) {
	env := newTestEnv(t, &scriptedGenerator{})
	require.NoError(t, env.svc.StopStreaming(context.Background(), 424242))
}

func TestRenameConversation_Validation(t *testing.T) {
	env := newTestEnv(t, &scriptedGenerator{})
	ctx := context.Background()
	conv := env.newConversation(t, 1)

	require.ErrorIs(t, env.svc.RenameConversation(ctx, 1, conv.ID, "   "), ErrInvalidTitle)
	long := make([]byte, 101)
	for i := range long {
		long[i] = 'x'
	}
	require.ErrorIs(t, env.svc.RenameConversation(ctx, 1, conv.ID, string(long)), ErrInvalidTitle)
	require.ErrorIs(t, env.svc.RenameConversation(ctx, 2, conv.ID, "stolen"), ErrAccessDenied)
	require.NoError(t, env.svc.RenameConversation(ctx, 1, conv.ID, "  planning  "))

	found, err := env.store.FindConversation(ctx, conv.ID, 1)
	require.NoError(t, err)
	require.Equal(t, "planning", found.Title)
}
