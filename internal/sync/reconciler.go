package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/protocol"
	"github.com/matheus3301/msgsync/internal/status"
	"github.com/matheus3301/msgsync/internal/store"
	"go.uber.org/zap"
)

// Checkpoint keys.
const (
	KeyLastBackfill = "backfill.completed_at"
	keyLatestPrefix = "conversation.latest."
)

// DefaultPageSize is how many recent messages a backfill fetches per conversation.
const DefaultPageSize = 50

// HistorySource is the server's request/response history surface.
type HistorySource interface {
	ListConversations(ctx context.Context) ([]protocol.Conversation, error)
	ListMessages(ctx context.Context, conversationID int64, offset, limit int) ([]protocol.Message, error)
}

// Seeder receives history into the in-memory projections.
type Seeder interface {
	SetConversations(convs []protocol.Conversation)
	Load(conversationID int64, msgs []protocol.Message) int
}

// BackfillResult summarizes one backfill run.
type BackfillResult struct {
	Conversations int
	Messages      int
}

// Reconciler seeds the ledger from the server or the local cache and manages
// history sync checkpoints.
type Reconciler struct {
	db       *store.DB
	history  HistorySource
	seeder   Seeder
	bus      *bus.Bus
	pageSize int
	logger   *zap.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewReconciler creates a new reconciler. A zero pageSize uses DefaultPageSize.
func NewReconciler(db *store.DB, history HistorySource, seeder Seeder, b *bus.Bus, pageSize int, logger *zap.Logger) *Reconciler {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		db:       db,
		history:  history,
		seeder:   seeder,
		bus:      b,
		pageSize: pageSize,
		logger:   logger.Named("reconciler"),
	}
}

// Start runs a backfill every time the connection becomes connected.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	ch, unsub := r.bus.Stream(protocol.KindStateChanged, 16)

	go func() {
		defer close(r.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				change, ok := evt.Payload.(status.Change)
				if !ok || change.To != status.Connected {
					continue
				}
				if _, err := r.Backfill(ctx); err != nil && ctx.Err() == nil {
					r.logger.Warn("backfill failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the reconciler and waits for a running backfill to return.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

// Restore seeds the in-memory projections from the local cache.
func (r *Reconciler) Restore() (*BackfillResult, error) {
	convs, err := r.db.ListConversations(1000, 0)
	if err != nil {
		return nil, fmt.Errorf("list cached conversations: %w", err)
	}
	r.seeder.SetConversations(convs)

	res := &BackfillResult{Conversations: len(convs)}
	for _, c := range convs {
		msgs, err := r.db.ListMessages(c.ID, 0, r.pageSize)
		if err != nil {
			return nil, fmt.Errorf("list cached messages %d: %w", c.ID, err)
		}
		res.Messages += r.seeder.Load(c.ID, msgs)
	}
	r.logger.Info("restored from cache", zap.Int("conversations", res.Conversations), zap.Int("messages", res.Messages))
	return res, nil
}

// Backfill fetches the conversation list and recent history from the server,
// persists it and merges it into the in-memory projections. Concurrent calls
// return immediately.
func (r *Reconciler) Backfill(ctx context.Context) (*BackfillResult, error) {
	if !r.running.CompareAndSwap(false, true) {
		return &BackfillResult{}, nil
	}
	defer r.running.Store(false)

	convs, err := r.history.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if err := r.db.UpsertConversations(convs); err != nil {
		return nil, fmt.Errorf("persist conversations: %w", err)
	}
	r.seeder.SetConversations(convs)

	res := &BackfillResult{Conversations: len(convs)}
	for _, c := range convs {
		msgs, err := r.history.ListMessages(ctx, c.ID, 0, r.pageSize)
		if err != nil {
			return res, fmt.Errorf("list messages %d: %w", c.ID, err)
		}
		if err := r.db.UpsertMessages(msgs); err != nil {
			return res, fmt.Errorf("persist messages %d: %w", c.ID, err)
		}
		res.Messages += r.seeder.Load(c.ID, msgs)
		if latest := latestID(msgs); latest != 0 {
			if err := r.UpdateCheckpoint(keyLatestPrefix+strconv.FormatInt(c.ID, 10), strconv.FormatInt(latest, 10)); err != nil {
				return res, fmt.Errorf("checkpoint %d: %w", c.ID, err)
			}
		}
	}

	if err := r.UpdateCheckpoint(KeyLastBackfill, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return res, fmt.Errorf("checkpoint: %w", err)
	}
	r.logger.Info("backfill complete", zap.Int("conversations", res.Conversations), zap.Int("messages", res.Messages))
	return res, nil
}

// LatestMessageID returns the newest server message id seen for a conversation.
func (r *Reconciler) LatestMessageID(conversationID int64) (int64, error) {
	v, err := r.GetCheckpoint(keyLatestPrefix + strconv.FormatInt(conversationID, 10))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// UpdateCheckpoint updates a sync checkpoint value.
func (r *Reconciler) UpdateCheckpoint(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := r.db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetCheckpoint retrieves a sync checkpoint value.
func (r *Reconciler) GetCheckpoint(key string) (string, error) {
	var value string
	err := r.db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", err
	}
	return value, nil
}

func latestID(msgs []protocol.Message) int64 {
	var latest int64
	for _, m := range msgs {
		if id, ok := m.ID.ServerID(); ok && id > latest {
			latest = id
		}
	}
	return latest
}
