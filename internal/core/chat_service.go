package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"opencampus.dev/assistant/internal/store"
)

// ErrNotAuthorized is returned when a user requests a conversation they do
// not own.
var ErrNotAuthorized = errors.New("not authorized")

const (
	historyWindow    = 10 // prior turns fed back into the prompt
	maxLoadMessages  = 200
	genericErrorText = "I'm sorry, I ran into a problem while processing your request. Please try again."
)

// ConversationStore is the persistence collaborator for conversations and
// their turns.
type ConversationStore interface {
	CreateConversation(userID int64, campusID *int64) (*store.Conversation, error)
	GetConversation(conversationID, userID int64) (*store.Conversation, error)
	GetConversationsByUserID(userID int64) ([]store.Conversation, error)
	UpdateConversationTitle(conversationID, userID int64, title string) error
	DeleteConversation(conversationID, userID int64) (bool, error)
	AppendMessage(conversationID int64, role, content string, sources []string) (int64, error)
	GetMessages(conversationID int64, limit, offset int) ([]store.Message, error)
	GetLastNMessages(conversationID int64, n int) ([]store.Message, error)
}

// Prompt is the assembled input for one assistant turn.
type Prompt struct {
	History []store.Message
	Context string // retrieved reference material, may be empty
	Query   string
}

// Responder produces the assistant reply for a prompt, calling onDelta for
// each generated text fragment. The concrete implementation wraps the
// Gemini client; tests substitute scripted responders.
type Responder interface {
	StreamCompletion(ctx context.Context, prompt Prompt, onDelta func(text string) error) error
	GenerateTitle(ctx context.Context, basis string) (string, error)
}

// Retriever finds reference material for a query. Sources name the documents
// the context was drawn from.
type Retriever interface {
	Retrieve(ctx context.Context, query string) (contextText string, sources []string, err error)
}

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	ID            int64     `json:"id"`
	Title         string    `json:"title"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

// ChatService orchestrates chat streams: it owns conversation creation, turn
// persistence, and the event sequencing contract of StreamChat.
type ChatService struct {
	convStore  ConversationStore
	retriever  Retriever
	responder  Responder
	bufferSize int
}

func NewChatService(convStore ConversationStore, retriever Retriever, responder Responder, bufferSize int) *ChatService {
	return &ChatService{
		convStore:  convStore,
		retriever:  retriever,
		responder:  responder,
		bufferSize: bufferSize,
	}
}

// StreamChat starts producing the event stream for one user message and
// returns the channel to drain. conversationID 0 means "start a new
// conversation". The caller must already have validated that message is
// non-empty; the producer goroutine honors ctx at every suspension point and
// always closes the channel. On cancellation it stops silently; Error events
// are emitted only for non-cancellation failures.
func (s *ChatService) StreamChat(ctx context.Context, userCtx *UserContext, conversationID int64, message string) *EventChannel {
	ch := NewEventChannel(s.bufferSize)
	go s.produce(ctx, ch, userCtx, conversationID, message)
	return ch
}

func (s *ChatService) produce(ctx context.Context, ch *EventChannel, userCtx *UserContext, conversationID int64, message string) {
	defer ch.Close()

	streamLog := log.With().
		Str("component", "chat").
		Str("stream_id", uuid.NewString()).
		Int64("user_id", userCtx.UserID).
		Logger()

	// fail emits exactly one Error event unless the stream context is
	// already done, in which case nobody is listening and we just close.
	fail := func(err error, what string) {
		if ctx.Err() != nil {
			streamLog.Debug().Err(err).Str("stage", what).Msg("stream cancelled")
			return
		}
		streamLog.Error().Err(err).Str("stage", what).Msg("stream failed")
		ch.Send(ctx, ChatEvent{Type: EventError, Payload: genericErrorText})
	}

	conv, created, err := s.resolveConversation(userCtx, conversationID)
	if err != nil {
		fail(err, "resolve_conversation")
		return
	}
	if created {
		if !ch.Send(ctx, ChatEvent{Type: EventConversationCreated, Payload: strconv.FormatInt(conv.ID, 10)}) {
			return
		}
	}

	// History is loaded before the user turn is persisted so the prompt's
	// Query is not also its last history entry.
	history, err := s.convStore.GetLastNMessages(conv.ID, historyWindow)
	if err != nil {
		streamLog.Warn().Err(err).Msg("failed to load history, proceeding without it")
		history = nil
	}

	if _, err := s.convStore.AppendMessage(conv.ID, "user", message, nil); err != nil {
		fail(err, "persist_user_turn")
		return
	}

	if !ch.Send(ctx, ChatEvent{Type: EventThinkingStep, Payload: "Searching the campus knowledge base"}) {
		return
	}

	contextText, sources, err := s.retriever.Retrieve(ctx, message)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// Retrieval failure degrades the answer, it does not abort it.
		streamLog.Warn().Err(err).Msg("retrieval failed, answering without reference material")
		contextText, sources = "", nil
	}
	if contextText != "" {
		if !ch.Send(ctx, ChatEvent{Type: EventThinkingStep, Payload: fmt.Sprintf("Reviewing %d reference document(s)", len(sources))}) {
			return
		}
	}

	if !ch.Send(ctx, ChatEvent{Type: EventStreamStarted, Payload: ""}) {
		return
	}

	var reply strings.Builder
	sendErr := errors.New("stream consumer gone")
	err = s.responder.StreamCompletion(ctx, Prompt{History: history, Context: contextText, Query: message}, func(text string) error {
		if text == "" {
			return nil
		}
		reply.WriteString(text)
		if !ch.Send(ctx, ChatEvent{Type: EventContentChunk, Payload: text}) {
			return sendErr
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, sendErr) {
			return
		}
		fail(err, "generation")
		return
	}

	if reply.Len() == 0 {
		// The protocol promises at least one chunk before completion.
		fallback := "I couldn't come up with an answer to that. Please try rephrasing your question."
		reply.WriteString(fallback)
		if !ch.Send(ctx, ChatEvent{Type: EventContentChunk, Payload: fallback}) {
			return
		}
	}

	for _, src := range sources {
		if !ch.Send(ctx, ChatEvent{Type: EventSourceCitation, Payload: src}) {
			return
		}
	}

	if ctx.Err() != nil {
		return
	}

	messageID, err := s.convStore.AppendMessage(conv.ID, "assistant", reply.String(), sources)
	if err != nil {
		fail(err, "persist_assistant_turn")
		return
	}

	if !ch.Send(ctx, ChatEvent{Type: EventStreamComplete, Payload: strconv.FormatInt(messageID, 10)}) {
		return
	}

	if conv.Title == nil || *conv.Title == "" {
		// Detached from the stream context on purpose: the title should
		// still land if the client disconnects right after completion.
		go s.generateAndSaveTitle(conv.ID, userCtx.UserID, message)
	}
}

func (s *ChatService) resolveConversation(userCtx *UserContext, conversationID int64) (conv *store.Conversation, created bool, err error) {
	if conversationID == 0 {
		conv, err = s.convStore.CreateConversation(userCtx.UserID, userCtx.CampusID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to create conversation: %w", err)
		}
		return conv, true, nil
	}

	conv, err = s.convStore.GetConversation(conversationID, userCtx.UserID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load conversation %d: %w", conversationID, err)
	}
	if conv == nil {
		return nil, false, fmt.Errorf("conversation %d: %w", conversationID, ErrNotAuthorized)
	}
	return conv, false, nil
}

func (s *ChatService) generateAndSaveTitle(conversationID, userID int64, basis string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	title, err := s.responder.GenerateTitle(ctx, basis)
	if err != nil {
		log.Warn().Err(err).Int64("conversation_id", conversationID).Msg("title generation failed")
		return
	}
	title = strings.Trim(title, "\"'\n\r\t .")
	if title == "" {
		return
	}

	if err := s.convStore.UpdateConversationTitle(conversationID, userID, title); err != nil {
		log.Warn().Err(err).Int64("conversation_id", conversationID).Msg("failed to save generated title")
	}
}

// ListConversations returns the user's conversations, most recent first.
func (s *ChatService) ListConversations(userID int64) ([]ConversationSummary, error) {
	convs, err := s.convStore.GetConversationsByUserID(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	summaries := make([]ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		title := "New conversation"
		if conv.Title != nil && *conv.Title != "" {
			title = *conv.Title
		}
		summaries = append(summaries, ConversationSummary{
			ID:            conv.ID,
			Title:         title,
			LastMessageAt: conv.LastMessageAt,
		})
	}
	return summaries, nil
}

// GetMessages returns the conversation's messages in chronological order.
// It returns ErrNotAuthorized when the conversation does not exist or is not
// owned by the requesting user.
func (s *ChatService) GetMessages(conversationID, requestingUserID int64) ([]store.Message, error) {
	conv, err := s.convStore.GetConversation(conversationID, requestingUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to verify conversation ownership: %w", err)
	}
	if conv == nil {
		return nil, fmt.Errorf("conversation %d: %w", conversationID, ErrNotAuthorized)
	}
	msgs, err := s.convStore.GetMessages(conversationID, maxLoadMessages, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	return msgs, nil
}

// DeleteConversation removes the conversation when the requester owns it.
// Missing or foreign conversations yield false, not an error.
func (s *ChatService) DeleteConversation(conversationID, requestingUserID int64) (bool, error) {
	return s.convStore.DeleteConversation(conversationID, requestingUserID)
}
