package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/betbot/gohedge/internal/gateway"
	"github.com/betbot/gohedge/internal/hedge"
	"github.com/betbot/gohedge/internal/metrics"
	"github.com/betbot/gohedge/internal/ops"
	"github.com/betbot/gohedge/internal/reconcile"
	"github.com/betbot/gohedge/internal/risk"
	"github.com/betbot/gohedge/internal/services"
	"github.com/betbot/gohedge/internal/settle"
	"github.com/betbot/gohedge/internal/store"
	"github.com/betbot/gohedge/pkg/config"
	"github.com/betbot/gohedge/pkg/logger"
	"github.com/betbot/gohedge/pkg/secretstore"
	"github.com/betbot/gohedge/pkg/shutdown"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（yaml），为空则用环境变量+默认值")
	flag.Parse()

	// .env 可选，本地开发用
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	logger.Info("hedged 启动中...")

	if err := run(cfg); err != nil {
		logger.Errorf("hedged 退出: %v", err)
		os.Exit(1)
	}
	logger.Info("hedged 已退出")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sd := shutdown.NewManager()

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("打开数据库失败: %w", err)
	}
	sd.OnShutdown(func(context.Context) { _ = st.Close() })

	// 凭据：环境变量优先，badger 库兜底（dry-run 部署可以两者皆无）
	creds := loadCredentials(cfg, sd)

	gw := gateway.NewClobGateway(gateway.ClobConfig{
		BaseURL: cfg.Venue.BaseURL,
		Enabled: cfg.Venue.Enabled,
		DryRun:  cfg.Venue.DryRun,
		Timeout: time.Duration(cfg.Venue.TimeoutSeconds) * time.Second,
	}, creds)
	if cfg.Venue.DryRun {
		logger.Warnf("dry-run 模式：订单不会发往场所")
	}

	breakers := risk.NewRegistry(risk.Config{
		FailureThreshold:         cfg.Breaker.FailureThreshold,
		FailureWindow:            time.Duration(cfg.Breaker.FailureWindowSeconds) * time.Second,
		ResetTimeout:             time.Duration(cfg.Breaker.ResetTimeoutSeconds) * time.Second,
		HalfOpenSuccessThreshold: cfg.Breaker.HalfOpenSuccessThreshold,
	})
	venueBreaker := breakers.Get("polymarket")

	queue := hedge.NewQueue(hedge.QueueConfig{
		BatchWindow:  cfg.BatchWindow(),
		FlushTimeout: cfg.FlushTimeout(),
	}, gw, venueBreaker)
	sd.OnShutdown(func(context.Context) { queue.Clear() })
	hedgeSvc := hedge.NewService(queue, st)

	reconciler := reconcile.New(reconcile.Config{
		PageSize:        cfg.Reconcile.PageSize,
		StatusPerSecond: cfg.Reconcile.StatusPerSecond,
	}, st, gw, venueBreaker)
	settler := settle.NewWorkflow(settle.Config{PageSize: cfg.Settlement.PageSize}, st)

	sweeper := services.NewSweeper(st, reconciler, settler, cfg.ReconcileInterval())
	sweeper.Start(ctx)

	opsServer := ops.New(st, hedgeSvc, reconciler, settler, breakers, gw)
	opsServer.StartAsync(ctx, cfg.OpsListen)

	if cfg.MetricsListen != "" {
		if _, err := metrics.StartAsync(ctx, cfg.MetricsListen); err != nil {
			logger.Warnf("metrics 服务启动失败: %v", err)
		} else {
			logger.Infof("metrics 服务已启动: %s", cfg.MetricsListen)
		}
	}

	logger.Infof("hedged 就绪: ops=%s venue_enabled=%v dry_run=%v", cfg.OpsListen, cfg.Venue.Enabled, cfg.Venue.DryRun)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sd.Shutdown(shutdownCtx)
	return nil
}

// loadCredentials 解析场所凭据；badger 库打不开时降级为 env-only。
func loadCredentials(cfg *config.Config, sd *shutdown.Manager) gateway.Credentials {
	var secrets *secretstore.Store
	if cfg.SecretDir != "" {
		encKey, err := secretstore.ParseKey(os.Getenv("SECRETSTORE_KEY"))
		if err != nil {
			logger.Warnf("SECRETSTORE_KEY 无效，忽略: %v", err)
		}
		secrets, err = secretstore.Open(secretstore.OpenOptions{Path: cfg.SecretDir, EncryptionKey: encKey})
		if err != nil {
			logger.Warnf("打开凭据库失败（仅用环境变量）: %v", err)
			secrets = nil
		} else {
			sd.OnShutdown(func(context.Context) { _ = secrets.Close() })
		}
	}

	vc, err := secretstore.LoadVenueCredentials(secrets)
	if err != nil {
		logger.Warnf("读取场所凭据失败: %v", err)
	}
	if vc.Empty() && cfg.Venue.Enabled && !cfg.Venue.DryRun {
		logger.Warnf("场所凭据为空，真实下单会被拒绝")
	}
	return gateway.Credentials{APIKey: vc.APIKey, Secret: vc.Secret, Passphrase: vc.Passphrase}
}
