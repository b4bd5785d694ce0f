package bootstrap

import (
	"context"
	"fmt"
	"log"

	"github.com/aihub/rag-go/app/controllers"
	"github.com/aihub/rag-go/app/router"
	"github.com/aihub/rag-go/internal/config"
	"github.com/aihub/rag-go/internal/di"
	"github.com/aihub/rag-go/internal/logger"
	"github.com/aihub/rag-go/internal/services"
	"github.com/aihub/rag-go/internal/watcher"
	"github.com/beego/beego/v2/server/web"
	"github.com/joho/godotenv"
	"go.uber.org/dig"
	"go.uber.org/zap"
)

// App encapsulates lifecycle resources that need to be cleaned up on shutdown.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Ingestion *services.IngestionService
	Chat      *services.ChatService
	Feedback  *services.FeedbackService
	Health    *services.HealthService
	Inbox     *watcher.Inbox

	closers *di.Closers
}

type appServices struct {
	dig.In

	Ingestion *services.IngestionService
	Chat      *services.ChatService
	Feedback  *services.FeedbackService
	Health    *services.HealthService
	Inbox     *watcher.Inbox
}

// Init bootstraps configuration, logger and the dependency graph.
func Init() (*App, error) {
	// Load environment variables from .env if present (non-fatal if missing).
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	if err := logger.InitLogger(); err != nil {
		return nil, err
	}

	if err := config.LoadConfig(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg := config.AppConfig

	container, closers, err := di.NewContainer(cfg, logger.GetLogger())
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:  cfg,
		Logger:  logger.GetLogger(),
		closers: closers,
	}
	err = container.Invoke(func(s appServices) {
		app.Ingestion = s.Ingestion
		app.Chat = s.Chat
		app.Feedback = s.Feedback
		app.Health = s.Health
		app.Inbox = s.Inbox
	})
	if err != nil {
		// 部分依赖可能已经建立连接
		_ = closers.Close()
		return nil, fmt.Errorf("build services: %w", err)
	}

	if cfg.Server.AdminToken == "" {
		app.Logger.Warn("ADMIN_TOKEN 未设置，管理接口接受任意非空 Bearer 令牌")
	}

	app.Logger.Info("应用初始化完成",
		zap.String("env", cfg.Server.Env),
		zap.String("vector_store", cfg.Knowledge.VectorStore.Provider),
		zap.String("session_provider", cfg.Session.Provider),
		zap.Bool("inbox", cfg.Inbox.Enabled),
	)
	return app, nil
}

// RegisterRoutes 在 reg 上注册全部 HTTP 路由
func (a *App) RegisterRoutes(reg *web.ControllerRegister) error {
	return router.Register(reg, router.Controllers{
		Documents: controllers.NewDocumentController(a.Ingestion),
		Chat:      controllers.NewChatController(a.Chat, a.Config.Session.HistoryLimit),
		Feedback:  controllers.NewFeedbackController(a.Feedback),
		Health:    controllers.NewHealthController(a.Health),
		Metrics:   &controllers.MetricsController{},
	}, router.Options{AdminToken: a.Config.Server.AdminToken})
}

// StartInbox 启用时在后台监听入库目录，ctx 取消后退出
func (a *App) StartInbox(ctx context.Context) {
	if !a.Config.Inbox.Enabled || a.Inbox == nil {
		return
	}
	go func() {
		if err := a.Inbox.Run(ctx); err != nil {
			a.Logger.Error("入库目录监听退出", zap.String("path", a.Config.Inbox.Path), zap.Error(err))
		}
	}()
}

// Shutdown flushes logs and closes resources in reverse order.
func (a *App) Shutdown() {
	if err := a.closers.Close(); err != nil {
		a.Logger.Error("资源释放失败", zap.Error(err))
	}
	logger.Sync()
}
