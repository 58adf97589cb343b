// Command voiceserver runs the voice-chat signaling and routing plane as a
// standalone process: one CoreContext wired per spec.md §9.A, served over a
// single /voice WebSocket endpoint. Flag parsing and graceful shutdown are
// grounded on rustyguts-bken/server/main.go and server/server.go's
// Server.Run, simplified since this module carries none of that repo's
// SQLite/TLS-cert/REST-API/test-bot surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/zokiio/ovc/internal/config"
	"github.com/zokiio/ovc/internal/corectx"
	"github.com/zokiio/ovc/internal/logging"
	"github.com/zokiio/ovc/internal/signaling"
)

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", ":8443", "signaling listen address")
	origins := flag.String("origins", "", "comma-separated allowed WebSocket origins (empty = reject every origin)")
	udpIngressAddr := flag.String("udp-ingress-addr", "", "optional legacy UDP audio ingress address (empty = disabled)")
	authCodeFile := flag.String("auth-code-file", "voice-chat-auth.properties", "path to the persisted auth-code store")
	dev := flag.Bool("dev", false, "use console logging instead of JSON")
	shutdownTimeout := flag.Duration("shutdown-timeout", 5*time.Second, "grace period for in-flight sessions to drain on shutdown")
	flag.Parse()

	log, err := logging.New(*dev)
	if err != nil {
		fmt.Fprintln(os.Stderr, "voiceserver: build logger:", err)
		return 1
	}
	defer log.Sync() //nolint:errcheck

	cfg := config.Default()
	cfg.ListenAddr = *addr
	cfg.UDPIngressAddr = *udpIngressAddr
	cfg.AuthCodeFilePath = *authCodeFile
	if *origins != "" {
		cfg.OriginAllowlist = strings.Split(*origins, ",")
	}

	cc, err := corectx.New(cfg, log)
	if err != nil {
		log.Errorw("construct core context", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("voiceserver: shutdown signal received")
		cancel()
	}()

	if err := cc.Start(ctx); err != nil {
		log.Errorw("start core context", "error", err)
		return 1
	}

	if err := serve(ctx, cfg, cc, log, *shutdownTimeout); err != nil {
		log.Errorw("serve", "error", err)
		return 1
	}
	return 0
}

// serve registers the signaling endpoint and runs the HTTP server until ctx
// is cancelled, then drains the core context and shuts down within
// shutdownTimeout.
func serve(ctx context.Context, cfg config.Config, cc *corectx.CoreContext, log *zap.SugaredLogger, shutdownTimeout time.Duration) error {
	mux := http.NewServeMux()
	upgrader := signaling.NewUpgrader(cfg)

	mux.HandleFunc("/voice", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debugw("websocket upgrade failed", "error", err)
			return
		}
		signaling.Serve(conn, cc.SignalingDeps())
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := cc.Shutdown(shutdownCtx); err != nil {
			log.Errorw("core context shutdown", "error", err)
		}
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("http server shutdown", "error", err)
		}
	}()

	log.Infow("voiceserver: listening", "addr", cfg.ListenAddr, "udpIngress", cfg.UDPIngressAddr != "")
	err := httpSrv.ListenAndServe()
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
