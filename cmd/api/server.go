package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/clm-bridge/backend/internal/config"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/session"
)

const defaultShutdownTimeout = 10 * time.Second

func runServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, registry *session.Registry, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	timeout := serverCfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("clm bridge listening", zap.String("addr", serverCfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		// 被劫持的 websocket 连接不受 Shutdown 管理，先关闭会话让它们退出
		registry.CloseAll()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
