package main

import (
	"context"
	"log/slog"

	"github.com/PaulBabatuyi/dmengine/internal/auth"
	"github.com/PaulBabatuyi/dmengine/internal/chat"
	"github.com/PaulBabatuyi/dmengine/internal/normalize"
	"github.com/samber/lo"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "chat.v1.ChatService"

func fullMethod(name string) string { return "/" + serviceName + "/" + name }

// Engine is the part of the session façade the transport drives.
type Engine interface {
	RegisterUser(username, secret string) (chat.User, error)
	LoginUser(ctx context.Context, username, secret string, l chat.Listener) (chat.User, []chat.Message, error)
	LogoutUser(username string, l chat.Listener)
	SendMessage(ctx context.Context, sender, receiver, body string) (chat.Message, error)
	MarkRead(ctx context.Context, username string, ids []string) int
	ListUsers() []chat.User
	GetHistory(ctx context.Context, username string) []chat.Message
	GetConversation(ctx context.Context, username, peer string) []chat.Message
	RecentChats(ctx context.Context, username string, limit int) []chat.ChatPartner
	ReconfigureStore(ctx context.Context, uri, database string) (bool, error)
	StoreConnected() bool
}

// ChatServiceServer is the server API of chat.v1.ChatService. Every payload is a
// google.protobuf.Struct.
type ChatServiceServer interface {
	Health(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Register(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	History(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecentChats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListUsers(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ConfigureStore(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Connect(*structpb.Struct, grpc.ServerStream) error
}

// Server implements the chat service on top of the engine and the token manager.
type Server struct {
	log    *slog.Logger
	engine Engine
	auth   *auth.JWTManager
	admins map[string]bool
}

// newServer returns a ready-to-use Server wired with the engine and auth manager.
// Only admins may reconfigure the store.
func newServer(log *slog.Logger, engine Engine, authMgr *auth.JWTManager, admins []string) *Server {
	return &Server{
		log:    log,
		engine: engine,
		auth:   authMgr,
		admins: lo.SliceToMap(admins, func(name string) (string, bool) { return normalize.Username(name), true }),
	}
}

// registerService registers the ChatService on the given gRPC server.
func registerService(s grpc.ServiceRegistrar, srv ChatServiceServer) {
	s.RegisterService(&chatServiceDesc, srv)
}

type unaryMethod func(ChatServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ChatServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ChatServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatServiceServer).Connect(in, stream)
}

var chatServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ChatServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Health", ChatServiceServer.Health),
		unaryHandler("Register", ChatServiceServer.Register),
		unaryHandler("Send", ChatServiceServer.Send),
		unaryHandler("MarkRead", ChatServiceServer.MarkRead),
		unaryHandler("History", ChatServiceServer.History),
		unaryHandler("RecentChats", ChatServiceServer.RecentChats),
		unaryHandler("ListUsers", ChatServiceServer.ListUsers),
		unaryHandler("ConfigureStore", ChatServiceServer.ConfigureStore),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
		},
	},
	Metadata: "chat/v1/chat.proto",
}
