package core

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"opencampus.dev/assistant/internal/store"
)

type fakeConvStore struct {
	mu         sync.Mutex
	nextConvID int64
	nextMsgID  int64
	convs      map[int64]*store.Conversation
	msgs       map[int64][]store.Message
	titles     map[int64]string

	failAssistantAppend bool
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{
		convs:  map[int64]*store.Conversation{},
		msgs:   map[int64][]store.Message{},
		titles: map[int64]string{},
	}
}

func (f *fakeConvStore) CreateConversation(userID int64, campusID *int64) (*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextConvID++
	conv := &store.Conversation{ID: f.nextConvID, UserID: userID, CampusID: campusID, CreatedAt: time.Now(), LastMessageAt: time.Now()}
	f.convs[conv.ID] = conv
	return conv, nil
}

func (f *fakeConvStore) GetConversation(conversationID, userID int64) (*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[conversationID]
	if !ok || conv.UserID != userID {
		return nil, nil
	}
	copied := *conv
	return &copied, nil
}

func (f *fakeConvStore) GetConversationsByUserID(userID int64) ([]store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Conversation
	for _, conv := range f.convs {
		if conv.UserID == userID {
			out = append(out, *conv)
		}
	}
	return out, nil
}

func (f *fakeConvStore) UpdateConversationTitle(conversationID, userID int64, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles[conversationID] = title
	return nil
}

func (f *fakeConvStore) DeleteConversation(conversationID, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[conversationID]
	if !ok || conv.UserID != userID {
		return false, nil
	}
	delete(f.convs, conversationID)
	delete(f.msgs, conversationID)
	return true, nil
}

func (f *fakeConvStore) AppendMessage(conversationID int64, role, content string, sources []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if role == "assistant" && f.failAssistantAppend {
		return 0, errors.New("disk full")
	}
	f.nextMsgID++
	f.msgs[conversationID] = append(f.msgs[conversationID], store.Message{
		ID:             f.nextMsgID,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Sources:        sources,
		Timestamp:      time.Now(),
	})
	return f.nextMsgID, nil
}

func (f *fakeConvStore) GetMessages(conversationID int64, limit, offset int) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Message(nil), f.msgs[conversationID]...), nil
}

func (f *fakeConvStore) GetLastNMessages(conversationID int64, n int) ([]store.Message, error) {
	msgs, _ := f.GetMessages(conversationID, n, 0)
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs, nil
}

func (f *fakeConvStore) savedTitle(conversationID int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.titles[conversationID]
}

func (f *fakeConvStore) lastMessage(conversationID int64) *store.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.msgs[conversationID]
	if len(msgs) == 0 {
		return nil
	}
	m := msgs[len(msgs)-1]
	return &m
}

type fakeRetriever struct {
	context string
	sources []string
	err     error
}

func (f *fakeRetriever) Retrieve(ctx context.Context, query string) (string, []string, error) {
	return f.context, f.sources, f.err
}

type fakeResponder struct {
	chunks []string
	err    error
	title  string

	// chunksBeforeHang > 0 makes the responder emit that many chunks and
	// then wait for cancellation, simulating a slow generation.
	chunksBeforeHang int
}

func (f *fakeResponder) StreamCompletion(ctx context.Context, prompt Prompt, onDelta func(string) error) error {
	if f.chunksBeforeHang > 0 {
		for i := 0; i < f.chunksBeforeHang; i++ {
			if err := onDelta(f.chunks[i]); err != nil {
				return err
			}
		}
		<-ctx.Done()
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	for _, chunk := range f.chunks {
		if err := onDelta(chunk); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeResponder) GenerateTitle(ctx context.Context, basis string) (string, error) {
	if f.title == "" {
		return "", errors.New("no title")
	}
	return f.title, nil
}

func collect(t *testing.T, ch *EventChannel) []ChatEvent {
	t.Helper()
	var events []ChatEvent
	deadline, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		ev, ok := ch.Recv(deadline)
		if !ok {
			require.NoError(t, deadline.Err(), "timed out waiting for stream to close")
			return events
		}
		events = append(events, ev)
	}
}

func eventTypes(events []ChatEvent) []EventType {
	types := make([]EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func testUserCtx() *UserContext {
	return &UserContext{UserID: 1, FullName: "Pat Doe", Role: RoleStudent}
}

func TestStreamChat_NewConversationSequence(t *testing.T) {
	convStore := newFakeConvStore()
	svc := NewChatService(convStore,
		&fakeRetriever{context: "Tuition is due in September.", sources: []string{"fees.md"}},
		&fakeResponder{chunks: []string{"Tuition ", "is due ", "in September."}, title: "Tuition Deadline"},
		8)

	events := collect(t, svc.StreamChat(context.Background(), testUserCtx(), 0, "When is tuition due?"))

	require.Equal(t, []EventType{
		EventConversationCreated,
		EventThinkingStep,
		EventThinkingStep,
		EventStreamStarted,
		EventContentChunk,
		EventContentChunk,
		EventContentChunk,
		EventSourceCitation,
		EventStreamComplete,
	}, eventTypes(events))

	require.Equal(t, "1", events[0].Payload)
	require.Equal(t, "fees.md", events[7].Payload)

	// StreamComplete carries the persisted assistant message id.
	assistant := convStore.lastMessage(1)
	require.NotNil(t, assistant)
	require.Equal(t, "assistant", assistant.Role)
	require.Equal(t, "Tuition is due in September.", assistant.Content)
	require.Equal(t, []string{"fees.md"}, assistant.Sources)
	require.Equal(t, strconv.FormatInt(assistant.ID, 10), events[8].Payload)

	// Title generation runs detached from the stream.
	require.Eventually(t, func() bool {
		return convStore.savedTitle(1) == "Tuition Deadline"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStreamChat_ExistingConversationSkipsCreated(t *testing.T) {
	convStore := newFakeConvStore()
	conv, err := convStore.CreateConversation(1, nil)
	require.NoError(t, err)
	title := "existing"
	convStore.convs[conv.ID].Title = &title

	svc := NewChatService(convStore, &fakeRetriever{}, &fakeResponder{chunks: []string{"hi"}}, 8)
	events := collect(t, svc.StreamChat(context.Background(), testUserCtx(), conv.ID, "hello"))

	require.NotEmpty(t, events)
	require.NotEqual(t, EventConversationCreated, events[0].Type)
	require.Equal(t, EventStreamComplete, events[len(events)-1].Type)
}

func TestStreamChat_UnknownConversationFails(t *testing.T) {
	svc := NewChatService(newFakeConvStore(), &fakeRetriever{}, &fakeResponder{chunks: []string{"hi"}}, 8)

	events := collect(t, svc.StreamChat(context.Background(), testUserCtx(), 999, "hello"))
	require.Equal(t, []EventType{EventError}, eventTypes(events))
}

func TestStreamChat_GenerationErrorEndsInSingleError(t *testing.T) {
	svc := NewChatService(newFakeConvStore(), &fakeRetriever{}, &fakeResponder{err: errors.New("model unavailable")}, 8)

	events := collect(t, svc.StreamChat(context.Background(), testUserCtx(), 0, "hello"))
	types := eventTypes(events)
	require.Equal(t, EventError, types[len(types)-1])
	require.NotContains(t, types, EventStreamComplete)
	require.Equal(t, 1, countType(types, EventError))
	// The error payload must not leak internal detail.
	require.NotContains(t, events[len(events)-1].Payload, "model unavailable")
}

func TestStreamChat_PersistenceFailureEndsInSingleError(t *testing.T) {
	convStore := newFakeConvStore()
	convStore.failAssistantAppend = true
	svc := NewChatService(convStore, &fakeRetriever{}, &fakeResponder{chunks: []string{"hi"}}, 8)

	events := collect(t, svc.StreamChat(context.Background(), testUserCtx(), 0, "hello"))
	types := eventTypes(events)
	require.Equal(t, EventError, types[len(types)-1])
	require.NotContains(t, types, EventStreamComplete)
}

func TestStreamChat_CancellationClosesSilently(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	responder := &fakeResponder{
		chunks:           []string{"one", "two", "three", "four", "five"},
		chunksBeforeHang: 2,
	}
	svc := NewChatService(newFakeConvStore(), &fakeRetriever{}, responder, 8)

	ch := svc.StreamChat(ctx, testUserCtx(), 0, "hello")

	// Read until the second chunk, then simulate the disconnect.
	chunks := 0
	var seen []EventType
	for chunks < 2 {
		ev, ok := ch.Recv(context.Background())
		require.True(t, ok)
		seen = append(seen, ev.Type)
		if ev.Type == EventContentChunk {
			chunks++
		}
	}
	cancel()

	// The producer must stop and close the channel without emitting a
	// terminal event.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	for {
		ev, ok := ch.Recv(drainCtx)
		if !ok {
			require.NoError(t, drainCtx.Err(), "producer did not terminate after cancellation")
			break
		}
		seen = append(seen, ev.Type)
	}
	require.NotContains(t, seen, EventError)
	require.NotContains(t, seen, EventStreamComplete)
}

func TestStreamChat_EmptyReplyGetsFallbackChunk(t *testing.T) {
	svc := NewChatService(newFakeConvStore(), &fakeRetriever{}, &fakeResponder{}, 8)

	events := collect(t, svc.StreamChat(context.Background(), testUserCtx(), 0, "hello"))
	types := eventTypes(events)
	require.Contains(t, types, EventContentChunk)
	require.Equal(t, EventStreamComplete, types[len(types)-1])
}

func TestGetMessages_OwnershipEnforced(t *testing.T) {
	convStore := newFakeConvStore()
	conv, err := convStore.CreateConversation(1, nil)
	require.NoError(t, err)
	_, err = convStore.AppendMessage(conv.ID, "user", "hello", nil)
	require.NoError(t, err)

	svc := NewChatService(convStore, &fakeRetriever{}, &fakeResponder{}, 8)

	msgs, err := svc.GetMessages(conv.ID, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	_, err = svc.GetMessages(conv.ID, 2)
	require.ErrorIs(t, err, ErrNotAuthorized)
}

func TestDeleteConversation_MissingOrForeignIsFalse(t *testing.T) {
	convStore := newFakeConvStore()
	conv, err := convStore.CreateConversation(1, nil)
	require.NoError(t, err)

	svc := NewChatService(convStore, &fakeRetriever{}, &fakeResponder{}, 8)

	ok, err := svc.DeleteConversation(999, 1)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = svc.DeleteConversation(conv.ID, 2)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = svc.DeleteConversation(conv.ID, 1)
	require.NoError(t, err)
	require.True(t, ok)
}

func countType(types []EventType, want EventType) int {
	n := 0
	for _, tp := range types {
		if tp == want {
			n++
		}
	}
	return n
}
