package transport

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/protocol"
	"github.com/matheus3301/msgsync/internal/status"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by Send outside the connected state.
	// Commands are never queued.
	ErrNotConnected = errors.New("not connected")
	// ErrAuthFailed marks a rejected handshake. It is terminal: no retry follows.
	ErrAuthFailed = errors.New("authentication failed")
)

// TokenSource supplies the credential presented during the handshake.
type TokenSource interface {
	Token() (string, error)
}

// Options configures the live connection.
type Options struct {
	URL               string
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Jitter            float64
	MaxAttempts       int
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration // 0 disables heartbeats
	HeartbeatTimeout  time.Duration
	Clock             clock.Clock
	Rand              func() float64
}

func (o *Options) defaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 10 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// Client owns the single live connection of the process and drives the
// connection state machine.
type Client struct {
	opts    Options
	dialer  Dialer
	tokens  TokenSource
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	// lifecycle serializes Connect and Disconnect. Neither may be called
	// from a bus handler.
	lifecycle sync.Mutex

	mu     sync.Mutex
	conn   Conn
	cancel context.CancelFunc
	done   chan struct{}
	rooms  map[int64]struct{}
	userID int64

	writeMu sync.Mutex
	pingSeq atomic.Uint64
}

// New creates a client in the disconnected state.
func New(opts Options, dialer Dialer, tokens TokenSource, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Client {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		opts:    opts,
		dialer:  dialer,
		tokens:  tokens,
		machine: machine,
		bus:     b,
		logger:  logger.Named("transport"),
		rooms:   make(map[int64]struct{}),
	}
}

// State returns the current connection state.
func (c *Client) State() status.State {
	return c.machine.Current()
}

// UserID returns the user id acknowledged by the last successful handshake.
func (c *Client) UserID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Connect starts connecting in the background. It is a no-op while a
// connection is established or being attempted.
func (c *Client) Connect(ctx context.Context) error {
	if _, err := c.tokens.Token(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.machine.Transition(status.Connecting); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel, c.done = cancel, done
	c.mu.Unlock()

	go c.run(runCtx, done)
	return nil
}

// Disconnect closes the connection and cancels pending retries. The client
// stays disconnected until the next Connect.
func (c *Client) Disconnect() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.cancel, c.done, c.conn = nil, nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if conn != nil {
		_ = conn.Close("client disconnect")
	}
	<-done

	if c.machine.Is(status.Disconnected) {
		return nil
	}
	if err := c.machine.Transition(status.Disconnected); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	c.logger.Info("disconnected")
	return nil
}

// Send transmits a command. It fails with ErrNotConnected unless the
// connection is established.
func (c *Client) Send(ctx context.Context, cmd protocol.Command) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || !c.machine.Is(status.Connected) {
		return ErrNotConnected
	}
	if err := c.write(ctx, conn, cmd); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Type, err)
	}
	return nil
}

// Join subscribes to a conversation room. The room is remembered and joined
// again after every reconnect.
func (c *Client) Join(ctx context.Context, conversationID int64) error {
	c.mu.Lock()
	c.rooms[conversationID] = struct{}{}
	c.mu.Unlock()

	err := c.Send(ctx, protocol.JoinConversation(conversationID))
	if err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// Leave unsubscribes from a conversation room.
func (c *Client) Leave(ctx context.Context, conversationID int64) error {
	c.mu.Lock()
	delete(c.rooms, conversationID)
	c.mu.Unlock()

	err := c.Send(ctx, protocol.LeaveConversation(conversationID))
	if err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// Rooms returns the joined conversation ids in ascending order.
func (c *Client) Rooms() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.rooms))
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	bo := NewBackoff(c.opts.BaseDelay, c.opts.MaxDelay, c.opts.Jitter, c.opts.MaxAttempts, c.opts.Rand)
	for {
		err := c.session(ctx, bo)
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, ErrAuthFailed) {
			c.logger.Error("authentication rejected", zap.Error(err))
			c.terminate(done, protocol.ErrorPayload{Code: "auth_failed", Message: err.Error(), Fatal: true})
			return
		}
		if bo.Exhausted() {
			c.logger.Error("reconnect attempts exhausted", zap.Int("attempts", bo.Attempt()), zap.Error(err))
			c.terminate(done, protocol.ErrorPayload{Code: "reconnect_exhausted", Message: err.Error(), Fatal: true})
			return
		}

		delay := bo.Next()
		if !c.machine.Is(status.Reconnecting) {
			if terr := c.machine.Transition(status.Reconnecting); terr != nil {
				c.logger.Warn("state transition failed", zap.Error(terr))
			}
		}
		c.logger.Warn("connection lost, retrying",
			zap.Error(err),
			zap.Int("attempt", bo.Attempt()),
			zap.Duration("delay", delay),
		)

		timer := c.opts.Clock.Timer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// terminate ends the run loop on its own initiative, unless Disconnect
// already took ownership of it.
func (c *Client) terminate(done chan struct{}, cause protocol.ErrorPayload) {
	c.mu.Lock()
	owned := c.done == done
	if owned {
		c.cancel()
		c.cancel, c.done, c.conn = nil, nil, nil
	}
	c.mu.Unlock()

	if !owned {
		return
	}
	if err := c.machine.Transition(status.Disconnected); err != nil {
		c.logger.Warn("state transition failed", zap.Error(err))
	}
	c.bus.Publish(bus.NewEvent(protocol.KindProtocolError, cause))
}

func (c *Client) session(ctx context.Context, bo *Backoff) error {
	conn, userID, err := c.handshake(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close("") }()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.conn = conn
	c.userID = userID
	rooms := slices.Sorted(maps.Keys(c.rooms))
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	bo.Reset()
	if err := c.machine.Transition(status.Connected); err != nil {
		c.logger.Warn("state transition failed", zap.Error(err))
	}
	c.logger.Info("connected", zap.Int64("user_id", userID), zap.Int("rooms", len(rooms)))

	for _, id := range rooms {
		if err := c.write(connCtx, conn, protocol.JoinConversation(id)); err != nil {
			return fmt.Errorf("rejoin conversation %d: %w", id, err)
		}
	}

	hb := &heartbeat{}
	if c.opts.HeartbeatInterval > 0 {
		go c.heartbeatLoop(connCtx, conn, hb)
	}
	return c.readLoop(connCtx, conn, hb)
}

func (c *Client) handshake(ctx context.Context) (Conn, int64, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	hctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	conn, err := c.dialer.Dial(hctx, c.opts.URL)
	if err != nil {
		return nil, 0, fmt.Errorf("dial: %w", err)
	}
	fail := func(err error) (Conn, int64, error) {
		_ = conn.Close("handshake failed")
		return nil, 0, err
	}

	if err := c.write(hctx, conn, protocol.Authenticate(token)); err != nil {
		return fail(fmt.Errorf("send authenticate: %w", err))
	}
	data, err := conn.Read(hctx)
	if err != nil {
		return fail(fmt.Errorf("read handshake: %w", err))
	}
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		return fail(err)
	}

	switch env.Type {
	case protocol.FrameAuthenticated:
		p, err := protocol.DecodePayload[protocol.AuthenticatedPayload](env)
		if err != nil {
			return fail(err)
		}
		return conn, p.UserID, nil
	case protocol.FrameAuthError:
		p, _ := protocol.DecodePayload[protocol.AuthErrorPayload](env)
		return fail(fmt.Errorf("%w: %s", ErrAuthFailed, p.Message))
	default:
		return fail(fmt.Errorf("expected %q, got %q", protocol.FrameAuthenticated, env.Type))
	}
}

func (c *Client) readLoop(ctx context.Context, conn Conn, hb *heartbeat) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			c.bus.Publish(bus.NewEvent(protocol.KindProtocolError, protocol.ErrorPayload{Code: "malformed_frame", Message: err.Error()}))
			continue
		}
		if env.Type == protocol.FramePong {
			p, _ := protocol.DecodePayload[protocol.PingPayload](env)
			hb.ack(p.RequestID)
			continue
		}

		kind, payload, err := protocol.Inbound(env)
		if errors.Is(err, protocol.ErrUnknownFrame) {
			c.logger.Debug("ignoring frame", zap.String("type", env.Type))
			continue
		}
		if err != nil {
			c.logger.Warn("dropping undecodable frame", zap.String("type", env.Type), zap.Error(err))
			c.bus.Publish(bus.NewEvent(protocol.KindProtocolError, protocol.ErrorPayload{Code: "malformed_frame", Message: err.Error()}))
			continue
		}
		c.bus.Publish(bus.NewEvent(kind, payload))
	}
}

func (c *Client) write(ctx context.Context, conn Conn, cmd protocol.Command) error {
	data, err := cmd.Marshal()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, data)
}

type heartbeat struct {
	mu      sync.Mutex
	pending string
	sentAt  time.Time
}

func (h *heartbeat) sent(id string, at time.Time) {
	h.mu.Lock()
	h.pending, h.sentAt = id, at
	h.mu.Unlock()
}

func (h *heartbeat) ack(id string) {
	h.mu.Lock()
	if id == "" || id == h.pending {
		h.pending = ""
	}
	h.mu.Unlock()
}

// overdue reports whether an unanswered ping is older than timeout, and
// whether any ping is outstanding at all.
func (h *heartbeat) overdue(now time.Time, timeout time.Duration) (late, outstanding bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending == "" {
		return false, false
	}
	return now.Sub(h.sentAt) >= timeout, true
}

func (c *Client) heartbeatLoop(ctx context.Context, conn Conn, hb *heartbeat) {
	ticker := c.opts.Clock.Ticker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			late, outstanding := hb.overdue(c.opts.Clock.Now(), c.opts.HeartbeatTimeout)
			if late {
				c.logger.Warn("heartbeat timeout, closing connection")
				_ = conn.Close("heartbeat timeout")
				return
			}
			if outstanding {
				continue
			}
			id := fmt.Sprintf("hb-%d", c.pingSeq.Add(1))
			hb.sent(id, c.opts.Clock.Now())
			if err := c.write(ctx, conn, protocol.Ping(id)); err != nil {
				return
			}
		}
	}
}
