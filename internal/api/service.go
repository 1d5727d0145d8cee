package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "towtrack.v1.Tracking"

// TrackingServer is the daemon's local screen API.
type TrackingServer interface {
	GetView(context.Context, *Empty) (*GetViewResponse, error)
	WatchView(*Empty, ViewStream) error
	SetActiveJob(context.Context, *SetActiveJobRequest) (*Empty, error)
	ClearActiveJob(context.Context, *Empty) (*Empty, error)
	Refresh(context.Context, *Empty) (*Empty, error)
	UpdatePosition(context.Context, *UpdatePositionRequest) (*Empty, error)
	OpenChat(context.Context, *Empty) (*Empty, error)
	CloseChat(context.Context, *Empty) (*Empty, error)
	SendMessage(context.Context, *SendMessageRequest) (*Empty, error)
	ListMessages(context.Context, *Empty) (*ListMessagesResponse, error)
	GetConnection(context.Context, *Empty) (*GetConnectionResponse, error)
	WatchEvents(*WatchEventsRequest, EventStream) error
	WatchMessages(*Empty, MessageStream) error
}

// ViewStream is the server side of WatchView.
type ViewStream interface {
	Send(*GetViewResponse) error
	grpc.ServerStream
}

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Send(*EventEnvelope) error
	grpc.ServerStream
}

// MessageStream is the server side of WatchMessages.
type MessageStream interface {
	Send(*ListMessagesResponse) error
	grpc.ServerStream
}

type viewStream struct{ grpc.ServerStream }

func (s viewStream) Send(m *GetViewResponse) error { return s.SendMsg(m) }

type eventStream struct{ grpc.ServerStream }

func (s eventStream) Send(m *EventEnvelope) error { return s.SendMsg(m) }

type messageStream struct{ grpc.ServerStream }

func (s messageStream) Send(m *ListMessagesResponse) error { return s.SendMsg(m) }

// RegisterTrackingServer registers srv on s.
func RegisterTrackingServer(s grpc.ServiceRegistrar, srv TrackingServer) {
	s.RegisterService(&TrackingServiceDesc, srv)
}

// unary builds a method handler that decodes Req and calls fn.
func unary[Req any, Resp any](name string, fn func(TrackingServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(TrackingServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(TrackingServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// TrackingServiceDesc describes the Tracking service.
var TrackingServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TrackingServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetView", TrackingServer.GetView),
		unary("SetActiveJob", TrackingServer.SetActiveJob),
		unary("ClearActiveJob", TrackingServer.ClearActiveJob),
		unary("Refresh", TrackingServer.Refresh),
		unary("UpdatePosition", TrackingServer.UpdatePosition),
		unary("OpenChat", TrackingServer.OpenChat),
		unary("CloseChat", TrackingServer.CloseChat),
		unary("SendMessage", TrackingServer.SendMessage),
		unary("ListMessages", TrackingServer.ListMessages),
		unary("GetConnection", TrackingServer.GetConnection),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "WatchView",
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(Empty)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(TrackingServer).WatchView(in, viewStream{stream})
			},
			ServerStreams: true,
		},
		{
			StreamName: "WatchEvents",
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(WatchEventsRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(TrackingServer).WatchEvents(in, eventStream{stream})
			},
			ServerStreams: true,
		},
		{
			StreamName: "WatchMessages",
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(Empty)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(TrackingServer).WatchMessages(in, messageStream{stream})
			},
			ServerStreams: true,
		},
	},
	Metadata: "towtrack/v1/tracking",
}
