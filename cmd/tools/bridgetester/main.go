package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	serverURL string
	token     string
	timeout   time.Duration
)

func main() {
	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	if err := newRootCmd(logger).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(logger *zap.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "bridgetester",
		Short:         "Manual and load testing client for the CLM bridge",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "url", "ws://localhost:8000/ws/clm", "bridge websocket URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("BRIDGE_SHARED_SECRET"), "shared secret")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 45*time.Second, "overall timeout")

	rootCmd.AddCommand(newTurnCmd(logger), newLoadCmd(logger))
	return rootCmd
}

func newTurnCmd(logger *zap.Logger) *cobra.Command {
	var (
		text     string
		session  string
		emotions []string
	)
	cmd := &cobra.Command{
		Use:   "turn",
		Short: "Send one transcript and print the reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(text) == "" {
				return fmt.Errorf("--text is required")
			}
			scores, err := parseEmotions(emotions)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			logger.Info("sending transcript", zap.String("url", serverURL), zap.String("session", session))
			res, err := runTurn(ctx, serverURL, session, token, text, scores)
			if err != nil {
				return err
			}
			logger.Info("turn finished",
				zap.String("session", res.SessionID),
				zap.Strings("phases", res.Phases),
				zap.Int("chunks", res.Chunks),
				zap.String("error_code", res.ErrorCode),
				zap.Duration("latency", res.Latency),
			)
			fmt.Fprintln(cmd.OutOrStdout(), res.Reply)
			return nil
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "transcript to send")
	cmd.Flags().StringVar(&session, "session", "", "custom session id, generated by the bridge when empty")
	cmd.Flags().StringArrayVar(&emotions, "emotion", nil, "prosody score as name=score, repeatable")
	return cmd
}

func newLoadCmd(logger *zap.Logger) *cobra.Command {
	var (
		sessions int
		text     string
	)
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Run concurrent sessions, one turn each, and report latency",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := checkHealth(ctx, serverURL); err != nil {
				return fmt.Errorf("bridge not healthy: %w", err)
			}

			var (
				mu        sync.Mutex
				latencies []time.Duration
				failures  int
			)
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(32)
			for i := range sessions {
				g.Go(func() error {
					id := fmt.Sprintf("load-%d-%d", time.Now().UnixNano(), i)
					res, err := runTurn(gctx, serverURL, id, token, text, nil)
					mu.Lock()
					defer mu.Unlock()
					if err != nil || res.ErrorCode != "" {
						failures++
						logger.Warn("session failed", zap.String("session", id), zap.String("code", res.ErrorCode), zap.Error(err))
						return nil
					}
					latencies = append(latencies, res.Latency)
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			summary := summarize(latencies)
			logger.Info("load finished",
				zap.Int("sessions", sessions),
				zap.Int("failures", failures),
				zap.Duration("p50", summary.p50),
				zap.Duration("p95", summary.p95),
				zap.Duration("max", summary.max),
			)
			if failures > 0 {
				return fmt.Errorf("%d of %d sessions failed", failures, sessions)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&sessions, "sessions", 10, "number of concurrent sessions")
	cmd.Flags().StringVar(&text, "text", "Hello, how are you today?", "transcript to send")
	return cmd
}

type latencySummary struct {
	p50, p95, max time.Duration
}

func summarize(latencies []time.Duration) latencySummary {
	if len(latencies) == 0 {
		return latencySummary{}
	}
	sorted := slices.Clone(latencies)
	slices.Sort(sorted)
	at := func(q float64) time.Duration {
		return sorted[int(q*float64(len(sorted)-1))]
	}
	return latencySummary{p50: at(0.5), p95: at(0.95), max: sorted[len(sorted)-1]}
}
