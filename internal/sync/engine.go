package sync

import (
	"context"
	"fmt"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/ledger"
	"github.com/matheus3301/msgsync/internal/protocol"
	"github.com/matheus3301/msgsync/internal/store"
	"go.uber.org/zap"
)

const streamBuffer = 256

// ConversationSource exposes the in-memory conversation projection.
type ConversationSource interface {
	Conversation(id int64) (protocol.Conversation, bool)
}

// Engine persists confirmed messages and receipts into the store.
// It consumes "message." events from the bus on its own goroutine.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	convs  ConversationSource
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates a new sync engine. convs may be nil.
func NewEngine(db *store.DB, b *bus.Bus, convs ConversationSource, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		bus:    b,
		convs:  convs,
		logger: logger.Named("sync"),
	}
}

// Start subscribes to message events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Stream("message.", streamBuffer)

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the consumer to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	var err error
	switch p := evt.Payload.(type) {
	case protocol.NewMessagePayload:
		err = e.IngestMessage(p.ConversationID, p.Message)
	case ledger.Resolved:
		err = e.IngestMessage(p.ConversationID, p.Message)
	case protocol.ReceiptPayload:
		next := protocol.StatusDelivered
		if evt.Kind == protocol.KindRead {
			next = protocol.StatusRead
		}
		err = e.IngestReceipt(p, next)
	default:
		return
	}
	if err != nil {
		e.logger.Error("failed to persist event", zap.String("kind", evt.Kind), zap.Error(err))
	}
}

// IngestMessage stores a confirmed message (idempotent) and refreshes its
// conversation row.
func (e *Engine) IngestMessage(conversationID int64, msg protocol.Message) error {
	if msg.ConversationID == 0 {
		msg.ConversationID = conversationID
	}
	if err := e.db.UpsertMessage(&msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	if err := e.db.TouchConversation(msg.ConversationID, msg.CreatedAt); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return e.syncConversation(msg.ConversationID)
}

// IngestReceipt moves a stored message's status forward.
func (e *Engine) IngestReceipt(p protocol.ReceiptPayload, next protocol.DeliveryStatus) error {
	if _, err := e.db.AdvanceStatus(p.MessageID, next); err != nil {
		return fmt.Errorf("advance status: %w", err)
	}
	if next == protocol.StatusRead {
		return e.syncConversation(p.ConversationID)
	}
	return nil
}

// syncConversation copies unread count and activity from the in-memory
// projection. Placeholder conversations without participants are skipped.
func (e *Engine) syncConversation(id int64) error {
	if e.convs == nil {
		return nil
	}
	conv, ok := e.convs.Conversation(id)
	if !ok {
		return nil
	}
	if conv.ParticipantIDs == [2]int64{} {
		return e.db.SetUnread(id, conv.UnreadCount)
	}
	if err := e.db.UpsertConversation(&conv); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}
