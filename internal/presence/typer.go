package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/matheus3301/msgsync/internal/protocol"
	"github.com/matheus3301/msgsync/internal/transport"
	"go.uber.org/zap"
)

// CommandSender transmits commands on the live connection.
type CommandSender interface {
	Send(ctx context.Context, cmd protocol.Command) error
}

// Typer emits the local user's typing indicators.
type Typer struct {
	sender CommandSender
	clock  clock.Clock
	window time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	timers map[int64]*idleTimer
}

type idleTimer struct {
	timer *clock.Timer
}

// NewTyper creates a typer. A zero window uses DefaultTypingWindow.
func NewTyper(sender CommandSender, clk clock.Clock, window time.Duration, logger *zap.Logger) *Typer {
	if clk == nil {
		clk = clock.New()
	}
	if window <= 0 {
		window = DefaultTypingWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Typer{
		sender: sender,
		clock:  clk,
		window: window,
		logger: logger.Named("typer"),
		timers: make(map[int64]*idleTimer),
	}
}

// Keystroke emits start_typing and re-arms the idle timer that emits stop_typing.
func (t *Typer) Keystroke(ctx context.Context, conversationID int64) error {
	t.mu.Lock()
	if old, ok := t.timers[conversationID]; ok {
		old.timer.Stop()
	}
	it := &idleTimer{}
	it.timer = t.clock.AfterFunc(t.window, func() { t.idle(conversationID, it) })
	t.timers[conversationID] = it
	t.mu.Unlock()

	return t.send(ctx, protocol.StartTyping(conversationID))
}

// Sent stops typing because the message went out.
func (t *Typer) Sent(ctx context.Context, conversationID int64) error {
	return t.Stop(ctx, conversationID)
}

// Leave stops typing because the user left the conversation.
func (t *Typer) Leave(ctx context.Context, conversationID int64) error {
	return t.Stop(ctx, conversationID)
}

// Active reports whether the local user is typing in conversationID.
func (t *Typer) Active(conversationID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[conversationID]
	return ok
}

// Close cancels all idle timers without emitting anything.
func (t *Typer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, it := range t.timers {
		it.timer.Stop()
		delete(t.timers, id)
	}
}

// Stop emits stop_typing if the local user is typing and cancels the idle timer.
func (t *Typer) Stop(ctx context.Context, conversationID int64) error {
	t.mu.Lock()
	it, ok := t.timers[conversationID]
	if ok {
		it.timer.Stop()
		delete(t.timers, conversationID)
	}
	t.mu.Unlock()

	if !ok {
		return nil
	}
	return t.send(ctx, protocol.StopTyping(conversationID))
}

func (t *Typer) idle(conversationID int64, it *idleTimer) {
	t.mu.Lock()
	if t.timers[conversationID] != it {
		t.mu.Unlock()
		return
	}
	delete(t.timers, conversationID)
	t.mu.Unlock()

	if err := t.send(context.Background(), protocol.StopTyping(conversationID)); err != nil {
		t.logger.Warn("stop typing failed", zap.Int64("conversation_id", conversationID), zap.Error(err))
	}
}

func (t *Typer) send(ctx context.Context, cmd protocol.Command) error {
	err := t.sender.Send(ctx, cmd)
	if errors.Is(err, transport.ErrNotConnected) {
		return nil
	}
	return err
}
