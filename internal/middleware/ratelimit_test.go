package middleware

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestLimiterStore_AllowAndBlock(t *testing.T) {
	// allow 5 events immediately then the 6th should be rejected
	s := NewLimiterStore(5, 5, time.Minute)
	defer s.Stop()

	key := "user:alice"
	for i := 0; i < 5; i++ {
		if !s.Allow(key) {
			t.Fatalf("expected allow at iteration %d", i)
		}
	}
	if s.Allow(key) {
		t.Fatalf("expected limiter to block after burst consumed")
	}

	// other keys are independent
	if !s.Allow("user:bob") {
		t.Fatalf("expected a fresh key to be allowed")
	}
}

func TestLimiterStore_EvictIdle(t *testing.T) {
	req := require.New(t)
	s := NewLimiterStore(5, 5, time.Minute)
	defer s.Stop()

	s.Allow("old")
	s.mu.Lock()
	s.clients["old"].lastSeen = time.Now().Add(-2 * idleTTL)
	s.mu.Unlock()
	s.Allow("fresh")

	s.evictIdle(time.Now().Add(-idleTTL))

	s.mu.Lock()
	defer s.mu.Unlock()
	req.NotContains(s.clients, "old")
	req.Contains(s.clients, "fresh")
}

func TestLimiterStore_StopTwice(t *testing.T) {
	s := NewLimiterStore(1, 1, time.Minute)
	s.Stop()
	s.Stop()
}

func TestKey(t *testing.T) {
	req := require.New(t)
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 4242}
	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: addr})

	req.Equal("10.0.0.1:4242", Key(ctx, nil))
	req.Equal("unknown", Key(context.Background(), nil))

	payload, err := structpb.NewStruct(map[string]any{"username": "  Alice "})
	req.NoError(err)
	req.Equal("user:alice", Key(ctx, payload))

	empty, err := structpb.NewStruct(map[string]any{"password": "x"})
	req.NoError(err)
	req.Equal("10.0.0.1:4242", Key(ctx, empty))
}

func TestRateLimitUnaryInterceptor(t *testing.T) {
	req := require.New(t)
	s := NewLimiterStore(1, 1, time.Minute)
	defer s.Stop()

	interceptor := RateLimitUnaryInterceptor(s, map[string]bool{"/chat.v1.ChatService/Register": true})
	handler := func(ctx context.Context, r interface{}) (interface{}, error) { return "ok", nil }
	payload, err := structpb.NewStruct(map[string]any{"username": "alice"})
	req.NoError(err)

	limited := &grpc.UnaryServerInfo{FullMethod: "/chat.v1.ChatService/Register"}
	open := &grpc.UnaryServerInfo{FullMethod: "/chat.v1.ChatService/Health"}

	// Given the single token is consumed
	_, err = interceptor(context.Background(), payload, limited, handler)
	req.NoError(err)

	// When the same user calls again
	_, err = interceptor(context.Background(), payload, limited, handler)

	// Then it is rejected
	req.Equal(codes.ResourceExhausted, status.Code(err))

	// And unlimited methods still pass
	for i := 0; i < 3; i++ {
		_, err = interceptor(context.Background(), payload, open, handler)
		req.NoError(err)
	}
}
