package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/gaspardpetit/framjet-bridge/internal/config"
	"github.com/gaspardpetit/framjet-bridge/internal/hub"
	"github.com/gaspardpetit/framjet-bridge/internal/logx"
	"github.com/gaspardpetit/framjet-bridge/internal/peer"
	"github.com/gaspardpetit/framjet-bridge/rpc"
	"github.com/gaspardpetit/framjet-bridge/transport"
	"github.com/gaspardpetit/framjet-bridge/transport/redisbus"
	"github.com/gaspardpetit/framjet-bridge/transport/wsconn"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logx.Log.Warn().Err(err).Msg("load .env")
	}
	showVersion := flag.Bool("version", false, "print version and exit")
	call := flag.String("call", "", "command to call on the peer once ready; exits afterwards")
	input := flag.String("input", "", "JSON input for -call")
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "fjbridge version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if *showVersion {
		fmt.Printf("fjbridge version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("load config")
	}
	logx.Configure(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cfg.Mode {
	case config.ModeListen:
		err = listen(ctx, cfg)
	case config.ModeDial, config.ModeRedis:
		err = connect(ctx, cfg, *call, *input)
	}
	if err != nil {
		logx.Log.Fatal().Err(err).Str("mode", cfg.Mode).Msg("fjbridge failed")
	}
}

func listen(ctx context.Context, cfg *config.PeerConfig) error {
	h := hub.New(hub.Config{
		BridgeID:       cfg.BridgeID,
		Bridge:         cfg.BridgeOptions(),
		AllowedOrigins: cfg.AllowedOrigins,
		CallTimeout:    cfg.CallTimeout,
		OnPeer: func(p *peer.Peer) {
			go func() {
				if err := p.Bridge.WaitReady(ctx); err != nil {
					logx.Log.Warn().Err(err).Str("bridge_id", p.Bridge.ID()).Msg("peer never became ready")
				}
			}()
		},
	})
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: h.Handler()}
	go func() {
		<-ctx.Done()
		h.Drain()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		h.Close()
	}()
	logx.Log.Info().Str("addr", cfg.ListenAddr).Str("bridge_id", cfg.BridgeID).Msg("hub starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type closer interface {
	transport.Transport
	Close() error
}

func openTransport(ctx context.Context, cfg *config.PeerConfig) (closer, <-chan struct{}, error) {
	if cfg.Mode == config.ModeRedis {
		bus, err := redisbus.Open(ctx, cfg.RedisAddr, redisbus.Options{
			Channel: cfg.BridgeID,
			Prefix:  cfg.RedisPrefix,
			Origin:  cfg.LocalOrigin,
		})
		if err != nil {
			return nil, nil, err
		}
		return bus, nil, nil
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	if q.Get("id") == "" {
		q.Set("id", cfg.BridgeID)
		u.RawQuery = q.Encode()
	}
	conn, err := wsconn.Dial(ctx, u.String(), wsconn.Options{})
	if err != nil {
		return nil, nil, err
	}
	return conn, conn.Done(), nil
}

func connect(ctx context.Context, cfg *config.PeerConfig, call, input string) error {
	t, gone, err := openTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = t.Close() }()

	p := peer.New(cfg.BridgeID, t, cfg.BridgeOptions(), rpc.WithDefaultTimeout(cfg.CallTimeout))
	defer p.Close()
	if err := p.Bridge.WaitReady(ctx); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	logx.Log.Info().Str("bridge_id", cfg.BridgeID).Str("mode", cfg.Mode).Msg("bridge ready")

	if call != "" {
		return runCall(ctx, p, call, input)
	}
	select {
	case <-ctx.Done():
	case <-gone:
		logx.Log.Warn().Msg("connection closed by peer")
	}
	return nil
}

func runCall(ctx context.Context, p *peer.Peer, name, input string) error {
	var in any
	if input != "" {
		if !json.Valid([]byte(input)) {
			return fmt.Errorf("input is not valid JSON")
		}
		in = json.RawMessage(input)
	}
	out, err := p.RPC.Call(ctx, name, in)
	if err != nil {
		return fmt.Errorf("call %s: %w", name, err)
	}
	if len(out) == 0 {
		out = json.RawMessage("null")
	}
	fmt.Println(string(out))
	return nil
}
