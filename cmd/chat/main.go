package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"ops_chat/server/chat/app"
	cmnenv "ops_chat/server/common/env"
	commonlog "ops_chat/server/common/log"
)

func main() {
	if err := cmnenv.LoadDotEnv(); err != nil {
		log.Fatalf("load .env: %v", err)
	}
	commonlog.SetLevel(cmnenv.String("LOG_LEVEL", "info"))

	cfg := app.LoadConfig()
	server, err := app.NewServer(cfg)
	if err != nil {
		log.Fatalf("initialize chat server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		commonlog.Infof("start chat http server on :%s", cfg.Port)
		if err := server.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		commonlog.Errorf("chat server stopped: %v", err)
		_ = os.Stdout.Sync()
		os.Exit(1)
	}
	_ = os.Stdout.Sync()
}
