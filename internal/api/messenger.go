// Package api exposes the sync core to local clients over gRPC.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/ledger"
	"github.com/matheus3301/msgsync/internal/presence"
	"github.com/matheus3301/msgsync/internal/rest"
	"github.com/matheus3301/msgsync/internal/status"
	"github.com/matheus3301/msgsync/internal/store"
	"github.com/matheus3301/msgsync/internal/transport"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const (
	defaultPageSize = 50
	watchBuffer     = 256
)

// Connection is the live connection as seen by the API.
type Connection interface {
	State() status.State
	UserID() int64
	Connect(ctx context.Context) error
	Disconnect() error
	Join(ctx context.Context, conversationID int64) error
	Leave(ctx context.Context, conversationID int64) error
	Rooms() []int64
}

// Deps are the components a Service serves from. DB may be nil.
type Deps struct {
	SessionName string
	Conn        Connection
	Ledger      *ledger.Ledger
	Tracker     *presence.Tracker
	Typer       *presence.Typer
	DB          *store.DB
	Bus         *bus.Bus
	Logger      *zap.Logger
}

// Service implements MessengerServer.
type Service struct {
	Deps
	startedAt time.Time
	done      chan struct{}
	closeOnce sync.Once
}

// NewService creates the daemon API service.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	d.Logger = d.Logger.Named("api")
	return &Service{Deps: d, startedAt: time.Now(), done: make(chan struct{})}
}

// Close ends every open Watch stream.
func (s *Service) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Service) Status(_ context.Context, _ *StatusRequest) (*StatusResponse, error) {
	resp := &StatusResponse{
		Session:      s.SessionName,
		State:        string(s.Conn.State()),
		UserID:       s.Conn.UserID(),
		UptimeMs:     time.Since(s.startedAt).Milliseconds(),
		Rooms:        s.Conn.Rooms(),
		PendingSends: len(s.Ledger.Pending()),
	}
	if s.DB != nil {
		if n, err := s.DB.ConversationCount(); err == nil {
			resp.ConversationCount = n
		}
		if n, err := s.DB.MessageCount(); err == nil {
			resp.MessageCount = n
		}
	}
	return resp, nil
}

func (s *Service) ListConversations(_ context.Context, _ *ListConversationsRequest) (*ListConversationsResponse, error) {
	return &ListConversationsResponse{Conversations: s.Ledger.Conversations()}, nil
}

func (s *Service) ListMessages(_ context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}

	if req.BeforeMs > 0 {
		if s.DB == nil {
			return nil, grpcstatus.Error(codes.FailedPrecondition, "no local history")
		}
		msgs, err := s.DB.ListMessages(req.ConversationID, req.BeforeMs, limit)
		if err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "list messages: %v", err)
		}
		slices.Reverse(msgs)
		return &ListMessagesResponse{Messages: msgs, HasMore: len(msgs) == limit}, nil
	}

	msgs := s.Ledger.Messages(req.ConversationID)
	if len(msgs) == 0 && s.DB != nil {
		cached, err := s.DB.ListMessages(req.ConversationID, 0, limit)
		if err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "list messages: %v", err)
		}
		s.Ledger.Load(req.ConversationID, cached)
		msgs = s.Ledger.Messages(req.ConversationID)
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[len(msgs)-limit:]
	}
	return &ListMessagesResponse{Messages: msgs, HasMore: hasMore}, nil
}

func (s *Service) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	if req.Content == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "content is required")
	}
	msg, err := s.Ledger.Send(ctx, ledger.SendParams{
		ConversationID: req.ConversationID,
		Content:        req.Content,
		Type:           req.Type,
		ReplyToID:      req.ReplyToID,
	})
	if err := s.Typer.Sent(ctx, req.ConversationID); err != nil {
		s.Logger.Warn("stop typing failed", zap.Error(err))
	}
	if err != nil {
		return nil, toStatus("send", err)
	}
	return &SendResponse{Message: msg}, nil
}

func (s *Service) Retry(ctx context.Context, req *RetryRequest) (*SendResponse, error) {
	msg, err := s.Ledger.Retry(ctx, req.ConversationID, req.ID)
	if err != nil {
		return nil, toStatus("retry", err)
	}
	return &SendResponse{Message: msg}, nil
}

func (s *Service) MarkRead(ctx context.Context, req *MarkReadRequest) (*Empty, error) {
	if err := s.Ledger.MarkRead(ctx, req.ConversationID, req.MessageID); err != nil {
		return nil, toStatus("mark read", err)
	}
	return &Empty{}, nil
}

func (s *Service) Typing(ctx context.Context, req *TypingRequest) (*Empty, error) {
	var err error
	if req.Stop {
		err = s.Typer.Stop(ctx, req.ConversationID)
	} else {
		err = s.Typer.Keystroke(ctx, req.ConversationID)
	}
	if err != nil {
		return nil, toStatus("typing", err)
	}
	return &Empty{}, nil
}

func (s *Service) Join(ctx context.Context, req *RoomRequest) (*Empty, error) {
	if err := s.Conn.Join(ctx, req.ConversationID); err != nil {
		return nil, toStatus("join", err)
	}
	return &Empty{}, nil
}

func (s *Service) Leave(ctx context.Context, req *RoomRequest) (*Empty, error) {
	if err := s.Typer.Leave(ctx, req.ConversationID); err != nil {
		s.Logger.Warn("stop typing failed", zap.Error(err))
	}
	if err := s.Conn.Leave(ctx, req.ConversationID); err != nil {
		return nil, toStatus("leave", err)
	}
	return &Empty{}, nil
}

func (s *Service) Presence(_ context.Context, req *PresenceRequest) (*PresenceResponse, error) {
	resp := &PresenceResponse{Online: s.Tracker.Online()}
	for _, id := range req.UserIDs {
		resp.Users = append(resp.Users, UserPresence{UserID: id, State: s.Tracker.Presence(id).String()})
	}
	if req.ConversationID != 0 {
		resp.Typing = s.Tracker.Typing(req.ConversationID)
	}
	return resp, nil
}

func (s *Service) Search(_ context.Context, req *SearchRequest) (*SearchResponse, error) {
	if s.DB == nil {
		return nil, grpcstatus.Error(codes.FailedPrecondition, "no local history")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	results, err := s.DB.SearchMessages(req.Query, req.ConversationID, limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "search messages: %v", err)
	}
	resp := &SearchResponse{HasMore: len(results) == limit}
	for _, r := range results {
		resp.Results = append(resp.Results, SearchHit{Message: r.Message, Snippet: r.Snippet})
	}
	return resp, nil
}

func (s *Service) Connect(ctx context.Context, _ *ConnectionRequest) (*ConnectionResponse, error) {
	if err := s.Conn.Connect(ctx); err != nil {
		return nil, toStatus("connect", err)
	}
	return &ConnectionResponse{State: string(s.Conn.State())}, nil
}

func (s *Service) Disconnect(_ context.Context, _ *ConnectionRequest) (*ConnectionResponse, error) {
	if err := s.Conn.Disconnect(); err != nil {
		return nil, toStatus("disconnect", err)
	}
	return &ConnectionResponse{State: string(s.Conn.State())}, nil
}

func (s *Service) Watch(req *WatchRequest, stream grpc.ServerStreamingServer[Event]) error {
	ch, unsub := s.Bus.Stream(req.Namespace, watchBuffer)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				s.Logger.Warn("unencodable event payload", zap.String("kind", evt.Kind), zap.Error(err))
				payload = nil
			}
			if err := stream.Send(&Event{
				EventID:          uuid.New().String(),
				Session:          s.SessionName,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
				Kind:             evt.Kind,
				Payload:          payload,
			}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		case <-s.done:
			return nil
		}
	}
}

// toStatus maps core errors onto gRPC codes.
func toStatus(op string, err error) error {
	var apiErr *rest.APIError
	switch {
	case errors.Is(err, transport.ErrNotConnected):
		return grpcstatus.Errorf(codes.Unavailable, "%s: %v", op, err)
	case errors.Is(err, transport.ErrAuthFailed):
		return grpcstatus.Errorf(codes.Unauthenticated, "%s: %v", op, err)
	case errors.Is(err, ledger.ErrUnknownMessage):
		return grpcstatus.Errorf(codes.NotFound, "%s: %v", op, err)
	case errors.Is(err, ledger.ErrNotFailed):
		return grpcstatus.Errorf(codes.FailedPrecondition, "%s: %v", op, err)
	case errors.As(err, &apiErr):
		if apiErr.Status >= 400 && apiErr.Status < 500 {
			return grpcstatus.Errorf(codes.InvalidArgument, "%s: %v", op, err)
		}
		return grpcstatus.Errorf(codes.Unavailable, "%s: %v", op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.FromContextError(err).Err()
	default:
		return grpcstatus.Errorf(codes.Internal, "%s: %v", op, err)
	}
}
