package hub

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"opencampus.dev/assistant/internal/core"
	"opencampus.dev/assistant/internal/ingest"
)

const (
	msgEmptyMessage  = "Message cannot be empty."
	msgAuthFailed    = "Could not verify your identity. Please sign in again."
	msgStreamBusy    = "A response is already being generated for this connection. Please wait for it to finish."
	msgNotAdmin      = "Document ingestion requires an administrator role."
	msgGenericError  = "Something went wrong while handling your request."
	msgConvNotFound  = "Conversation not found."
	progressBufferSz = 16
)

// Client is the relay for one connection. Operations re-resolve the user's
// identity on every call; nothing identity-related is cached on the struct.
type Client struct {
	hub       *Hub
	ctx       context.Context
	principal string
	sender    Sender

	mu        sync.Mutex
	streaming bool
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// Handle dispatches one inbound frame. Unknown operations get one Error
// event so clients notice protocol drift. Every frame runs on its own
// goroutine, outside the router's recoverer, so a panic in any operation is
// recovered here into one generic Error event.
func (c *Client) Handle(msg Inbound) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("principal", c.principal).Str("op", msg.Op).Msg("operation relay panicked")
			c.sendError(msgGenericError)
		}
	}()

	switch msg.Op {
	case OpSendMessage:
		c.HandleSendMessage(msg.ConversationID, msg.Message)
	case OpGetConversations:
		c.HandleGetConversations()
	case OpLoadConversation:
		c.HandleLoadConversation(msg.ConversationID)
	case OpDeleteConversation:
		c.HandleDeleteConversation(msg.ConversationID)
	case OpIngestDocuments:
		c.HandleIngestDocuments()
	default:
		c.sendError("Unknown operation: " + msg.Op)
	}
}

// HandleSendMessage validates, resolves identity, starts the stream and
// relays every event until the channel closes or the connection dies.
func (c *Client) HandleSendMessage(conversationID int64, message string) {
	if isBlank(message) {
		c.sendError(msgEmptyMessage)
		return
	}

	if !c.acquireStream() {
		c.sendError(msgStreamBusy)
		return
	}
	defer c.releaseStream()

	userCtx, err := c.hub.identity.Resolve(c.principal)
	if err != nil {
		log.Warn().Err(err).Str("principal", c.principal).Msg("identity resolution failed for send message")
		c.sendError(msgAuthFailed)
		return
	}

	ch := c.hub.orchestrator.StreamChat(c.ctx, userCtx, conversationID, message)
	for {
		// Suspend until the next event or end-of-stream, then drain
		// whatever has accumulated before suspending again.
		ev, ok := ch.Recv(c.ctx)
		if !ok {
			return
		}
		if err := c.dispatch(ev); err != nil {
			log.Warn().Err(err).Str("principal", c.principal).Msg("event dispatch failed, abandoning stream")
			return
		}
		for {
			ev, ok := ch.TryRecv()
			if !ok {
				break
			}
			if err := c.dispatch(ev); err != nil {
				log.Warn().Err(err).Str("principal", c.principal).Msg("event dispatch failed, abandoning stream")
				return
			}
		}
	}
}

// dispatch maps one chat event to its outbound message. The switch is
// exhaustive over the closed event type set.
func (c *Client) dispatch(ev core.ChatEvent) error {
	switch ev.Type {
	case core.EventConversationCreated:
		id, err := strconv.ParseInt(ev.Payload, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "malformed conversation id %q", ev.Payload)
		}
		return c.sender.Send(OutConversationCreated, id)
	case core.EventThinkingStep:
		return c.sender.Send(OutThinkingStep, ev.Payload)
	case core.EventStreamStarted:
		return c.sender.Send(OutStreamStarted, nil)
	case core.EventContentChunk:
		return c.sender.Send(OutContentChunk, ev.Payload)
	case core.EventSourceCitation:
		return c.sender.Send(OutSourceCitation, ev.Payload)
	case core.EventStreamComplete:
		id, err := strconv.ParseInt(ev.Payload, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "malformed message id %q", ev.Payload)
		}
		return c.sender.Send(OutStreamComplete, id)
	case core.EventError:
		return c.sender.Send(OutError, ev.Payload)
	default:
		return errors.Errorf("unknown chat event type %q", ev.Type)
	}
}

// HandleGetConversations sends the caller's conversation list. Identity
// failures yield no outbound message, matching the non-stream operations'
// quiet contract; the failure is still logged server-side.
func (c *Client) HandleGetConversations() {
	userCtx, ok := c.resolveQuiet("get conversations")
	if !ok {
		return
	}

	summaries, err := c.hub.orchestrator.ListConversations(userCtx.UserID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", userCtx.UserID).Msg("failed to list conversations")
		c.sendError(msgGenericError)
		return
	}
	if err := c.sender.Send(OutConversationsList, summaries); err != nil {
		log.Debug().Err(err).Msg("failed to send conversation list")
	}
}

// HandleLoadConversation sends the messages of one owned conversation.
func (c *Client) HandleLoadConversation(conversationID int64) {
	userCtx, ok := c.resolveQuiet("load conversation")
	if !ok {
		return
	}

	messages, err := c.hub.orchestrator.GetMessages(conversationID, userCtx.UserID)
	if err != nil {
		if errors.Is(err, core.ErrNotAuthorized) {
			c.sendError(msgConvNotFound)
			return
		}
		log.Error().Err(err).Int64("conversation_id", conversationID).Msg("failed to load conversation")
		c.sendError(msgGenericError)
		return
	}

	payload := map[string]any{
		"conversationId": conversationID,
		"messages":       messages,
	}
	if err := c.sender.Send(OutConversationMessages, payload); err != nil {
		log.Debug().Err(err).Msg("failed to send conversation messages")
	}
}

// HandleDeleteConversation reports success=false for missing or foreign
// conversations instead of an error.
func (c *Client) HandleDeleteConversation(conversationID int64) {
	userCtx, ok := c.resolveQuiet("delete conversation")
	if !ok {
		return
	}

	success, err := c.hub.orchestrator.DeleteConversation(conversationID, userCtx.UserID)
	if err != nil {
		log.Error().Err(err).Int64("conversation_id", conversationID).Msg("failed to delete conversation")
		c.sendError(msgGenericError)
		return
	}

	payload := map[string]any{
		"conversationId": conversationID,
		"success":        success,
	}
	if err := c.sender.Send(OutConversationDeleted, payload); err != nil {
		log.Debug().Err(err).Msg("failed to send conversation deleted")
	}
}

// HandleIngestDocuments runs the batch for administrators, streaming
// progress without ever letting a slow connection stall the batch.
func (c *Client) HandleIngestDocuments() {
	userCtx, ok := c.resolveQuiet("ingest documents")
	if !ok {
		return
	}
	if !userCtx.IsAdmin() {
		log.Warn().Int64("user_id", userCtx.UserID).Str("role", string(userCtx.Role)).Msg("ingestion denied for non-admin")
		c.sendError(msgNotAdmin)
		return
	}

	// Progress pump: the producer does a non-blocking send and drops ticks
	// when the client cannot keep up. Progress is coarse and monotone, so a
	// dropped intermediate update loses nothing.
	progressCh := make(chan ingest.Progress, progressBufferSz)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range progressCh {
			if err := c.sender.Send(OutIngestionProgress, p); err != nil {
				log.Debug().Err(err).Msg("failed to send ingestion progress")
			}
		}
	}()

	result, err := c.hub.ingester.RunIngestion(c.ctx, func(p ingest.Progress) {
		select {
		case progressCh <- p:
		default:
		}
	})
	close(progressCh)
	<-done

	if err != nil {
		log.Error().Err(err).Int64("user_id", userCtx.UserID).Msg("ingestion batch failed")
		c.sendError("Document ingestion failed: " + result.Summary())
		return
	}
	if err := c.sender.Send(OutIngestionComplete, result.Summary()); err != nil {
		log.Debug().Err(err).Msg("failed to send ingestion summary")
	}
}

func (c *Client) resolveQuiet(op string) (*core.UserContext, bool) {
	userCtx, err := c.hub.identity.Resolve(c.principal)
	if err != nil {
		log.Debug().Err(err).Str("principal", c.principal).Str("op", op).Msg("identity resolution failed, dropping request")
		return nil, false
	}
	return userCtx, true
}

func (c *Client) acquireStream() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streaming {
		return false
	}
	c.streaming = true
	return true
}

func (c *Client) releaseStream() {
	c.mu.Lock()
	c.streaming = false
	c.mu.Unlock()
}

func (c *Client) sendError(message string) {
	if err := c.sender.Send(OutError, message); err != nil {
		log.Debug().Err(err).Msg("failed to send error event")
	}
}
