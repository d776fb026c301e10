package main

import (
	"context"
	"errors"
	"time"

	"github.com/PaulBabatuyi/dmengine/internal/chat"
	"github.com/samber/lo"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const defaultRecentChats = 50

// Health reports liveness and whether a store is attached.
func (s *Server) Health(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return reply(map[string]any{
		"ok":              true,
		"store_connected": s.engine.StoreConnected(),
	})
}

// Register creates an account. Sessions are opened with Connect.
func (s *Server) Register(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	u, err := s.engine.RegisterUser(stringField(req, "username"), stringField(req, "password"))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{
		"username": u.Username,
		"status":   string(u.Presence),
	})
}

// Send routes a message from the authenticated user.
func (s *Server) Send(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	claims, ok := getClaimsFromContext(ctx)
	if !ok {
		return nil, status.Errorf(codes.Unauthenticated, "missing auth claims")
	}

	m, err := s.engine.SendMessage(ctx, claims.Username, stringField(req, "to"), stringField(req, "body"))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"message": messageValue(m)})
}

// MarkRead acknowledges messages addressed to the authenticated user.
func (s *Server) MarkRead(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	claims, ok := getClaimsFromContext(ctx)
	if !ok {
		return nil, status.Errorf(codes.Unauthenticated, "missing auth claims")
	}

	ids := lo.FilterMap(req.GetFields()["ids"].GetListValue().GetValues(), func(v *structpb.Value, _ int) (string, bool) {
		id := v.GetStringValue()
		return id, id != ""
	})
	marked := s.engine.MarkRead(ctx, claims.Username, ids)
	return reply(map[string]any{"marked": marked})
}

// History returns the authenticated user's messages, or only those exchanged with
// the peer named by "with".
func (s *Server) History(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	claims, ok := getClaimsFromContext(ctx)
	if !ok {
		return nil, status.Errorf(codes.Unauthenticated, "missing auth claims")
	}

	var msgs []chat.Message
	if peer := stringField(req, "with"); peer != "" {
		msgs = s.engine.GetConversation(ctx, claims.Username, peer)
	} else {
		msgs = s.engine.GetHistory(ctx, claims.Username)
	}
	return reply(map[string]any{
		"messages": lo.Map(msgs, func(m chat.Message, _ int) any { return messageValue(m) }),
	})
}

// RecentChats lists conversation partners, most recent first.
func (s *Server) RecentChats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	claims, ok := getClaimsFromContext(ctx)
	if !ok {
		return nil, status.Errorf(codes.Unauthenticated, "missing auth claims")
	}

	// use request limit or default value
	limit := int(req.GetFields()["limit"].GetNumberValue())
	if limit <= 0 {
		limit = defaultRecentChats
	}
	partners := s.engine.RecentChats(ctx, claims.Username, limit)
	return reply(map[string]any{
		"chats": lo.Map(partners, func(p chat.ChatPartner, _ int) any {
			return map[string]any{
				"username":          p.Username,
				"last_message":      p.LastMessage,
				"last_message_time": p.LastMessageTime.UTC().Format(time.RFC3339Nano),
			}
		}),
	})
}

// ListUsers returns every registered user with its presence.
func (s *Server) ListUsers(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if _, ok := getClaimsFromContext(ctx); !ok {
		return nil, status.Errorf(codes.Unauthenticated, "missing auth claims")
	}
	return reply(map[string]any{
		"users": lo.Map(s.engine.ListUsers(), func(u chat.User, _ int) any {
			return map[string]any{
				"username":   u.Username,
				"presence":   string(u.Presence),
				"created_at": u.CreatedAt.UTC().Format(time.RFC3339Nano),
			}
		}),
	})
}

// ConfigureStore points the engine at another store.
func (s *Server) ConfigureStore(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	claims, ok := getClaimsFromContext(ctx)
	if !ok {
		return nil, status.Errorf(codes.Unauthenticated, "missing auth claims")
	}
	if !s.admins[claims.Username] {
		s.log.Warn("Store reconfiguration refused", "user", claims.Username)
		return nil, status.Errorf(codes.PermissionDenied, "store configuration requires an admin")
	}

	connected, err := s.engine.ReconfigureStore(ctx, stringField(req, "uri"), stringField(req, "database"))
	if err != nil && !connected {
		return nil, toStatus(err)
	}
	if err != nil {
		s.log.Warn("Store reconfigured with errors", "user", claims.Username, "err", err)
	}
	s.log.Info("Store reconfigured", "user", claims.Username, "connected", connected)
	return reply(map[string]any{"ok": connected})
}

// toStatus maps engine errors to gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, chat.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, chat.ErrDuplicateUser):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, chat.ErrUnknownUser):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, chat.ErrBadCredential):
		return status.Error(codes.PermissionDenied, "invalid credentials")
	}
	return status.Errorf(codes.Internal, "internal error: %v", err)
}

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

func messageValue(m chat.Message) map[string]any {
	return map[string]any{
		"id":        m.ID,
		"sender":    m.Sender,
		"receiver":  m.Receiver,
		"body":      m.Body,
		"timestamp": m.Timestamp.UTC().Format(time.RFC3339Nano),
		"status":    string(m.Status),
	}
}

func reply(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}
