package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/omochice/chat-gateway/internal/auth"
	"github.com/omochice/chat-gateway/internal/chat"
	"github.com/omochice/chat-gateway/internal/config"
	"github.com/omochice/chat-gateway/internal/identity"
	"github.com/omochice/chat-gateway/internal/identity/boltstore"
	"github.com/omochice/chat-gateway/internal/identity/redisstore"
	"github.com/omochice/chat-gateway/internal/logging"
	"github.com/omochice/chat-gateway/internal/token"
	"github.com/omochice/chat-gateway/internal/transport/tcp"
	"github.com/omochice/chat-gateway/internal/transport/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "Path to YAML config file")
	addr := flag.String("addr", "", "Listen address, overrides the config (e.g., :8080)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatalf("Failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		logging.Fatalf("%v", err)
	}

	logging.Init("chat-gateway", cfg.LogVerbose, os.Stderr)
	logging.SetDebug(cfg.LogLevel == "debug")
	flags := log.Ldate | log.Ltime
	if logging.DebugEnabled() {
		flags |= log.Lmicroseconds | log.Lshortfile
	}
	logging.SetFlags(flags)

	store, err := openStore(cfg)
	if err != nil {
		logging.Fatalf("Failed to open identity store: %v", err)
	}
	defer store.Close()

	tokens, err := token.New(token.Config{
		Secret: []byte(cfg.Token.Secret),
		Issuer: cfg.Token.Issuer,
		TTL:    cfg.Token.TTL,
	})
	if err != nil {
		logging.Fatalf("Failed to create token service: %v", err)
	}

	hub := chat.NewHub()
	authenticator := auth.New(store, tokens, cfg.CallTimeout)
	connOpts := chat.Options{
		QueueSize:    cfg.OutgoingQueue,
		CallTimeout:  cfg.CallTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	srv := ws.New(ws.Config{
		Address:        cfg.ListenAddr,
		Path:           cfg.WSPath,
		BroadcastPath:  cfg.BroadcastPath,
		MaxMessageSize: cfg.MaxMessageSize,
		Conn:           connOpts,
	}, hub, authenticator)

	if err := srv.Listen(); err != nil {
		logging.Fatalf("Failed to listen on %s: %v", cfg.ListenAddr, err)
	}

	var tcpSrv *tcp.Server
	if cfg.TCPAddr != "" {
		tcpSrv = tcp.New(cfg.TCPAddr, cfg.MaxMessageSize, connOpts, hub, authenticator)
		if err := tcpSrv.Listen(); err != nil {
			logging.Fatalf("Failed to listen on %s: %v", cfg.TCPAddr, err)
		}
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 2)
	go func() {
		logging.Infof("Starting gateway on %s (store: %s)", srv.Addr(), cfg.Store.Backend)
		errChan <- srv.Serve()
	}()
	if tcpSrv != nil {
		go func() {
			errChan <- tcpSrv.Serve()
		}()
	}

	// Wait for either error or shutdown signal
	select {
	case err := <-errChan:
		if err != nil {
			logging.Errorf("Server error: %v", err)
		}
	case sig := <-sigChan:
		logging.Infof("Received signal %v, shutting down...", sig)
	}

	hub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logging.Warningf("Shutdown incomplete: %v", err)
	}
	if tcpSrv != nil {
		tcpSrv.Stop()
	}
	delivered, dropped := hub.Stats()
	logging.Infof("Gateway stopped (deliveries: %d sent, %d dropped)", delivered, dropped)
}

func openStore(cfg config.Config) (identity.Store, error) {
	hasher := identity.NewHasher(cfg.Store.BcryptCost)
	switch cfg.Store.Backend {
	case config.BackendBolt:
		s, err := boltstore.Open(cfg.Store.BoltPath, hasher, cfg.Store.SessionTTL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), cfg.CallTimeout)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.Store.RedisAddr, err)
		}
		return redisstore.New(rdb, cfg.Store.RedisPrefix, hasher, cfg.Store.SessionTTL), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
