package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/framerelay/internal/archive"
	"github.com/dgnsrekt/framerelay/internal/assemble"
	"github.com/dgnsrekt/framerelay/internal/broadcast"
	"github.com/dgnsrekt/framerelay/internal/framequeue"
	"github.com/dgnsrekt/framerelay/internal/notify"
	"github.com/dgnsrekt/framerelay/internal/receiver"
	"github.com/dgnsrekt/framerelay/internal/server"
	"github.com/dgnsrekt/framerelay/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay: UDP ingest, frame assembly, and WebSocket fan-out",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Core pipeline: assembler -> bounded queue -> broadcaster.
	asm := assemble.New(cfg.Ingest.MaxChunkPayload, logger)
	queue := framequeue.New(cfg.Queue.Capacity)
	registry := broadcast.NewRegistry(logger)

	var derivers []broadcast.Deriver
	if cfg.Feeds.Original {
		derivers = append(derivers, broadcast.Passthrough{})
	}
	var zstdFeed *broadcast.ZstdFeed
	if cfg.Feeds.Zstd {
		var err error
		zstdFeed, err = broadcast.NewZstdFeed()
		if err != nil {
			return err
		}
		defer zstdFeed.Close()
		derivers = append(derivers, zstdFeed)
	}

	b := broadcast.New(queue, registry, derivers, cfg.Feeds.SendTimeout, logger)

	latest := &server.LatestStore{}
	b.Observe(latest.Observe)

	if cfg.Archive.Dir != "" {
		archiver, err := archive.New(cfg.Archive.Dir, cfg.Archive.Keep, logger)
		if err != nil {
			return err
		}
		b.Observe(archiver.Store)
		logger.Info("frame archive enabled",
			zap.String("dir", cfg.Archive.Dir),
			zap.Int("keep", cfg.Archive.Keep),
		)
	}

	source, err := receiver.ListenUDP(cfg.Ingest.ListenAddr)
	if err != nil {
		return err
	}
	rcv := receiver.New(source, asm, queue, cfg.Ingest.ExpectedFrameSize, logger)

	wsHandler := ws.NewHandler(registry, logger)
	srv := server.NewServer(rcv, queue, registry, b, latest, logger)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTP.Port,
		Handler: server.NewRouter(srv, wsHandler, logger),
	}

	notifier := notify.NewClient(&cfg.Notify, logger)

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rcv.Run(ctx); err != nil {
			// Fatal socket fault. Alert the owner, then bring the
			// process down so a supervisor can restart it.
			logger.Error("receiver failed", zap.Error(err))
			notifyCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if nerr := notifier.SendSocketFault(notifyCtx, cfg.Ingest.ListenAddr, err); nerr != nil {
				logger.Warn("fault notification failed", zap.Error(nerr))
			}
			cancel()
			errCh <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("http server listening", zap.String("port", cfg.HTTP.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
			errCh <- err
		}
	}()

	logger.Info("relay started",
		zap.String("listenAddr", cfg.Ingest.ListenAddr),
		zap.Int("queueCapacity", cfg.Queue.Capacity),
		zap.Int("feeds", len(derivers)),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
	}

	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	queue.Close()

	wg.Wait()
	logger.Info("relay stopped")
	return runErr
}
