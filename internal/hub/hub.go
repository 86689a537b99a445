// Package hub bridges per-connection websocket clients to the chat
// orchestrator: it validates inbound operations, resolves the caller's
// identity per operation, drains event channels, and maps each event type to
// a named outbound message.
package hub

import (
	"context"

	"opencampus.dev/assistant/internal/core"
	"opencampus.dev/assistant/internal/ingest"
	"opencampus.dev/assistant/internal/store"
)

// Outbound event names. These are the stable wire contract with clients.
const (
	OutConversationCreated  = "ConversationCreated"
	OutThinkingStep         = "ThinkingStep"
	OutStreamStarted        = "StreamStarted"
	OutContentChunk         = "ContentChunk"
	OutSourceCitation       = "SourceCitation"
	OutStreamComplete       = "StreamComplete"
	OutError                = "Error"
	OutConversationsList    = "ConversationsList"
	OutConversationMessages = "ConversationMessages"
	OutConversationDeleted  = "ConversationDeleted"
	OutIngestionProgress    = "IngestionProgress"
	OutIngestionComplete    = "IngestionComplete"
)

// Inbound operation names.
const (
	OpSendMessage        = "SendMessage"
	OpGetConversations   = "GetConversations"
	OpLoadConversation   = "LoadConversation"
	OpDeleteConversation = "DeleteConversation"
	OpIngestDocuments    = "IngestDocuments"
)

// Inbound is one client request frame.
type Inbound struct {
	Op             string `json:"op"`
	ConversationID int64  `json:"conversationId,omitempty"`
	Message        string `json:"message,omitempty"`
}

// Sender delivers one named outbound event to the connected client. The
// websocket implementation serializes writes; tests record them.
type Sender interface {
	Send(event string, payload any) error
}

// Orchestrator is the hub's view of the chat service.
type Orchestrator interface {
	StreamChat(ctx context.Context, userCtx *core.UserContext, conversationID int64, message string) *core.EventChannel
	ListConversations(userID int64) ([]core.ConversationSummary, error)
	GetMessages(conversationID, requestingUserID int64) ([]store.Message, error)
	DeleteConversation(conversationID, requestingUserID int64) (bool, error)
}

// IdentityResolver maps a connection principal to a fresh UserContext.
type IdentityResolver interface {
	Resolve(principal string) (*core.UserContext, error)
}

// IngestionRunner runs the document ingestion batch.
type IngestionRunner interface {
	RunIngestion(ctx context.Context, onProgress func(ingest.Progress)) (ingest.Result, error)
}

// Hub holds the collaborators shared by all connections.
type Hub struct {
	orchestrator Orchestrator
	identity     IdentityResolver
	ingester     IngestionRunner
}

func NewHub(orchestrator Orchestrator, identity IdentityResolver, ingester IngestionRunner) *Hub {
	return &Hub{
		orchestrator: orchestrator,
		identity:     identity,
		ingester:     ingester,
	}
}

// NewClient binds one connection to the hub. ctx must be cancelled when the
// transport disconnects; every in-flight stream for the connection observes
// that cancellation.
func (h *Hub) NewClient(ctx context.Context, principal string, sender Sender) *Client {
	return &Client{
		hub:       h,
		ctx:       ctx,
		principal: principal,
		sender:    sender,
	}
}
