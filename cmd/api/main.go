package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/clm-bridge/backend/internal/config"
	"github.com/zhouzirui/clm-bridge/backend/internal/handler"
	"github.com/zhouzirui/clm-bridge/backend/internal/metrics"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/ai"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/emotion"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/notify"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/orchestrator"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/session"
)

var (
	version = "dev"

	cfgFile      string
	addrFlag     string
	logLevelFlag string
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "clm-bridge",
		Short:         "Bridge between a Hume EVI voice front end and LLM backends",
		RunE:          runServe,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults to $CONFIG_FILE)")
	rootCmd.Flags().StringVar(&addrFlag, "addr", "", "listen address, overrides PORT")
	rootCmd.Flags().StringVar(&logLevelFlag, "log-level", "", "log level: debug|info|warn|error")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clm-bridge version %s\n", version)
		},
	})
	rootCmd.AddCommand(newCheckCmd())
	return rootCmd
}

// newCheckCmd 校验配置并列出可用的后端，不启动服务。
func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and list configured providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			providers, err := ai.Build(cmd.Context(), cfg.LLM, zap.NewNop())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "default provider: %s\n", cfg.LLM.DefaultProvider)
			for _, d := range providers.Describe() {
				fmt.Fprintf(out, "  %-8s model=%s streaming=%t\n", d.Provider, d.Model, d.Streaming)
			}
			return nil
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if addrFlag != "" {
		cfg.Server.Addr = addrFlag
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		logger.Warn("failed to load .env file", zap.Error(envErr))
	}

	providers, err := ai.Build(ctx, cfg.LLM, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize providers: %w", err)
	}
	orchCfg, err := orchestrator.ConfigFrom(cfg)
	if err != nil {
		return err
	}
	if !providers.Has(orchCfg.DefaultProvider) {
		logger.Warn("default provider has no credentials, turns will fail until switched",
			zap.String("provider", string(orchCfg.DefaultProvider)),
			zap.Any("configured", providers.Kinds()),
		)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, logger)
	}

	deps := orchestrator.Deps{
		Providers: providers,
		Emotions: emotion.NewService(emotion.Config{
			Options:      cfg.Emotion.Options(),
			TextFallback: cfg.Emotion.TextFallback,
		}, logger),
		Metrics: collector,
		Logger:  logger,
	}
	if cfg.Redis.Enabled() {
		publisher, err := notify.NewRedisPublisher(ctx, cfg.Redis, logger)
		if err != nil {
			return fmt.Errorf("failed to connect redis: %w", err)
		}
		defer publisher.Close()
		deps.Observer = publisher
		logger.Info("phase events published to redis", zap.String("channel", cfg.Redis.Channel))
	}

	registry := session.NewRegistry(orchestrator.NewFactory(orchCfg, deps), logger)

	handler.Version = version
	router := handler.NewRouter(ctx, handler.Deps{
		Registry:        registry,
		Providers:       providers,
		DefaultProvider: orchCfg.DefaultProvider,
		Metrics:         collector,
		Server:          cfg.Server,
		Logger:          logger,
	})

	return runServer(ctx, cfg.Server, router, registry, logger)
}
