package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified daemon service name.
const ServiceName = "msgsync.v1.Messenger"

// MessengerServer is the daemon API.
type MessengerServer interface {
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	ListConversations(context.Context, *ListConversationsRequest) (*ListConversationsResponse, error)
	ListMessages(context.Context, *ListMessagesRequest) (*ListMessagesResponse, error)
	Send(context.Context, *SendRequest) (*SendResponse, error)
	Retry(context.Context, *RetryRequest) (*SendResponse, error)
	MarkRead(context.Context, *MarkReadRequest) (*Empty, error)
	Typing(context.Context, *TypingRequest) (*Empty, error)
	Join(context.Context, *RoomRequest) (*Empty, error)
	Leave(context.Context, *RoomRequest) (*Empty, error)
	Presence(context.Context, *PresenceRequest) (*PresenceResponse, error)
	Search(context.Context, *SearchRequest) (*SearchResponse, error)
	Connect(context.Context, *ConnectionRequest) (*ConnectionResponse, error)
	Disconnect(context.Context, *ConnectionRequest) (*ConnectionResponse, error)
	Watch(*WatchRequest, grpc.ServerStreamingServer[Event]) error
}

// ServiceDesc describes MessengerServer to grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MessengerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", MessengerServer.Status),
		unary("ListConversations", MessengerServer.ListConversations),
		unary("ListMessages", MessengerServer.ListMessages),
		unary("Send", MessengerServer.Send),
		unary("Retry", MessengerServer.Retry),
		unary("MarkRead", MessengerServer.MarkRead),
		unary("Typing", MessengerServer.Typing),
		unary("Join", MessengerServer.Join),
		unary("Leave", MessengerServer.Leave),
		unary("Presence", MessengerServer.Presence),
		unary("Search", MessengerServer.Search),
		unary("Connect", MessengerServer.Connect),
		unary("Disconnect", MessengerServer.Disconnect),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "msgsync/v1/messenger",
}

// RegisterMessengerServer registers srv on s.
func RegisterMessengerServer(s grpc.ServiceRegistrar, srv MessengerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(MessengerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(MessengerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(MessengerServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MessengerServer).Watch(in, &grpc.GenericServerStream[WatchRequest, Event]{ServerStream: stream})
}
