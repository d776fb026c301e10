package main

import (
	"errors"
	"sync"
	"time"

	"github.com/PaulBabatuyi/dmengine/internal/chat"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const frameSession = "SESSION"

var errStreamClosed = errors.New("stream closed")

// streamListener forwards notifications to one Connect stream. Frames published before
// the session frame went out are held back so the client always sees the token first.
type streamListener struct {
	mu     sync.Mutex
	stream grpc.ServerStream
	open   bool
	closed bool
	held   []*structpb.Struct
}

func newStreamListener(stream grpc.ServerStream) *streamListener {
	return &streamListener{stream: stream}
}

func (l *streamListener) Notify(n chat.Notification) error {
	frame, err := notificationFrame(n)
	if err != nil {
		return err
	}

	// grpc streams do not allow concurrent SendMsg calls
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.closed:
		return errStreamClosed
	case !l.open:
		l.held = append(l.held, frame)
		return nil
	}
	return l.stream.SendMsg(frame)
}

// start sends first, then everything held back, and switches to direct delivery.
func (l *streamListener) start(first *structpb.Struct) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.stream.SendMsg(first); err != nil {
		return err
	}
	for _, frame := range l.held {
		if err := l.stream.SendMsg(frame); err != nil {
			return err
		}
	}
	l.held = nil
	l.open = true
	return nil
}

// close stops all further sends; the stream must not be used after its handler returns.
func (l *streamListener) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.held = nil
}

// Connect logs the user in and keeps the stream open as the session's notification
// channel. The first frame carries the session token. Closing the stream logs out.
func (s *Server) Connect(req *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	l := newStreamListener(stream)
	defer l.close()

	u, delivered, err := s.engine.LoginUser(ctx, stringField(req, "username"), stringField(req, "password"), l)
	if err != nil {
		return toStatus(err)
	}
	defer s.engine.LogoutUser(u.Username, l)

	token, expiresAt, err := s.auth.GenerateToken(u.Username)
	if err != nil {
		return status.Errorf(codes.Internal, "failed to generate token: %v", err)
	}
	first, err := structpb.NewStruct(map[string]any{
		"kind":       frameSession,
		"username":   u.Username,
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339Nano),
		"delivered":  len(delivered),
	})
	if err != nil {
		return status.Errorf(codes.Internal, "failed to encode session: %v", err)
	}
	if err := l.start(first); err != nil {
		return status.Errorf(codes.Unavailable, "failed to open session: %v", err)
	}
	s.log.Info("Session opened", "user", u.Username, "delivered", len(delivered))

	<-ctx.Done()
	s.log.Info("Session closed", "user", u.Username)
	return nil
}

func notificationFrame(n chat.Notification) (*structpb.Struct, error) {
	fields := map[string]any{
		"kind": string(n.Kind),
		"from": n.Username,
		"note": n.Note,
	}
	if n.Message != nil {
		fields["message"] = messageValue(*n.Message)
	}
	return structpb.NewStruct(fields)
}
