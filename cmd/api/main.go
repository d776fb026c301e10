package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/PaulBabatuyi/dmengine/internal/auth"
	"github.com/PaulBabatuyi/dmengine/internal/middleware"
	"github.com/PaulBabatuyi/dmengine/internal/session"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the engine and serves gRPC until SIGINT/SIGTERM. Returning instead of
// exiting lets every deferred cleanup run.
func run() error {
	// a missing .env file is fine; the environment may already be set
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	jwtMgr, err := config.jwtManager()
	if err != nil {
		return err
	}

	engine := session.New(log, session.Config{
		Database:      config.StoreDatabase,
		MirrorQueue:   config.MirrorQueueSize,
		MirrorTimeout: config.MirrorTimeout,
	})
	defer func() {
		log.Info("Flushing store mirror...")
		if err := engine.Close(); err != nil {
			log.Warn("Closing store failed", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if config.StoreURI != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		connected, err := engine.ReconfigureStore(connectCtx, config.StoreURI, config.StoreDatabase)
		cancel()
		if err != nil && !connected {
			return fmt.Errorf("store configuration: %w", err)
		}
		if !connected {
			log.Warn("Store unreachable at startup, running memory-only")
		}
	} else {
		log.Info("No STORE_URI set, running memory-only")
	}

	var serverOpts []grpc.ServerOption
	// If TLS certs are configured, create server credentials and require TLS
	if config.TLSCert != "" && config.TLSKey != "" {
		creds, err := credentials.NewServerTLSFromFile(config.TLSCert, config.TLSKey)
		if err != nil {
			return fmt.Errorf("failed to load TLS certs: %w", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(creds))
	} else if config.RequireTLS {
		return errors.New("REQUIRE_TLS is true but TLS_CERT/TLS_KEY are not configured")
	}

	// small burst to allow a couple of quick retries
	limiterStore := middleware.NewLimiterStore(config.RateLimitRPM, 3, time.Minute)
	defer limiterStore.Stop()

	serverOpts = append(serverOpts, serverInterceptors(limiterStore, jwtMgr)...)
	grpcServer := grpc.NewServer(serverOpts...)
	registerService(grpcServer, newServer(log, engine, jwtMgr, config.admins()))

	address := config.address()
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("gRPC server listening", "address", address, "store_connected", engine.StoreConnected())
		if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errChan <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errChan:
		return err
	}

	// Connect streams only end when their context does; Stop cancels them
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		grpcServer.Stop()
	}
	log.Info("Server stopped cleanly")
	return nil
}

// serverInterceptors chains rate limiting in front of authentication.
func serverInterceptors(limiter *middleware.LimiterStore, j *auth.JWTManager) []grpc.ServerOption {
	limited := map[string]bool{
		fullMethod("Register"): true,
		fullMethod("Connect"):  true,
	}
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			middleware.RateLimitUnaryInterceptor(limiter, limited),
			authUnaryInterceptor(j),
		),
		grpc.ChainStreamInterceptor(
			middleware.RateLimitStreamInterceptor(limiter, limited),
			authStreamInterceptor(j),
		),
	}
}
