package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/redis/go-redis/v9"
	"github.com/rubberduck/rubberduck/pkg/config"
	"github.com/rubberduck/rubberduck/pkg/db"
	"github.com/rubberduck/rubberduck/pkg/event"
	"github.com/rubberduck/rubberduck/pkg/handler"
	"github.com/rubberduck/rubberduck/pkg/service"
	"github.com/rubberduck/rubberduck/pkg/utils"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var initConfig bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the analyze stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if initConfig {
				path, err := config.EnsureDefaultConfig()
				if err != nil {
					return err
				}
				utils.GetLogger().Info("default config ready", "path", path)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd, cfg)
		},
	}
	cmd.Flags().BoolVar(&initConfig, "init-config", false, "write a default config file if none exists")
	return cmd
}

func runServe(cmd *cobra.Command, cfg *config.AppConfig) error {
	logger := utils.GetLogger()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Open(cfg.Driver(), cfg.DSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if sqlDB, err := gdb.DB(); err == nil {
		defer sqlDB.Close()
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = service.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	modelService := service.NewModelService()
	var chatModel einoModel.BaseChatModel
	created, err := modelService.CreateChatModel(ctx, cfg.Model)
	switch {
	case err == nil:
		chatModel = created
	case errors.Is(err, service.ErrModelNotConfigured):
		logger.Warn("No model configured; only the fixture phrase is answered", "fixture_phrase", cfg.FixturePhrase())
	default:
		return err
	}

	emitter := event.NewEmitter()
	store := service.NewChatStore(gdb, emitter)
	svcs := handler.Services{
		Store:     store,
		Analyze:   service.NewAnalyzeService(chatModel, store, cfg.FixturePhrase()),
		Auth:      service.NewAuthService(gdb, emitter),
		Quota:     service.NewQuotaService(rdb, cfg.MonthlySessionLimit()),
		Emitter:   emitter,
		ModelInfo: modelService.Describe(cfg.Model),
	}

	server := NewServer(cfg, svcs)
	if err := server.Start(ctx); err != nil {
		logger.Error("Failed to start server", "error", err)
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return server.Shutdown()
}
