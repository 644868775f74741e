package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls a daemon over its Unix socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon socket at path. The connection is lazy: errors
// surface on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, fullMethod(method), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c, "Status", &StatusRequest{})
}

func (c *Client) ListConversations(ctx context.Context) (*ListConversationsResponse, error) {
	return invoke[ListConversationsResponse](ctx, c, "ListConversations", &ListConversationsRequest{})
}

func (c *Client) ListMessages(ctx context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	return invoke[ListMessagesResponse](ctx, c, "ListMessages", req)
}

func (c *Client) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	return invoke[SendResponse](ctx, c, "Send", req)
}

func (c *Client) Retry(ctx context.Context, req *RetryRequest) (*SendResponse, error) {
	return invoke[SendResponse](ctx, c, "Retry", req)
}

func (c *Client) MarkRead(ctx context.Context, req *MarkReadRequest) error {
	_, err := invoke[Empty](ctx, c, "MarkRead", req)
	return err
}

func (c *Client) Typing(ctx context.Context, req *TypingRequest) error {
	_, err := invoke[Empty](ctx, c, "Typing", req)
	return err
}

func (c *Client) Join(ctx context.Context, conversationID int64) error {
	_, err := invoke[Empty](ctx, c, "Join", &RoomRequest{ConversationID: conversationID})
	return err
}

func (c *Client) Leave(ctx context.Context, conversationID int64) error {
	_, err := invoke[Empty](ctx, c, "Leave", &RoomRequest{ConversationID: conversationID})
	return err
}

func (c *Client) Presence(ctx context.Context, req *PresenceRequest) (*PresenceResponse, error) {
	return invoke[PresenceResponse](ctx, c, "Presence", req)
}

func (c *Client) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	return invoke[SearchResponse](ctx, c, "Search", req)
}

func (c *Client) Connect(ctx context.Context) (*ConnectionResponse, error) {
	return invoke[ConnectionResponse](ctx, c, "Connect", &ConnectionRequest{})
}

func (c *Client) Disconnect(ctx context.Context) (*ConnectionResponse, error) {
	return invoke[ConnectionResponse](ctx, c, "Disconnect", &ConnectionRequest{})
}

// Watch streams bus events whose kind starts with namespace.
func (c *Client) Watch(ctx context.Context, namespace string) (grpc.ServerStreamingClient[Event], error) {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("Watch"))
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[WatchRequest, Event]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(&WatchRequest{Namespace: namespace}); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
