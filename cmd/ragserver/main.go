package main

import (
	"context"
	"log"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/aihub/rag-go/app/bootstrap"
	"github.com/aihub/rag-go/internal/logger"
	"github.com/beego/beego/v2/server/web"
	"go.uber.org/zap"
)

func main() {
	app, err := bootstrap.Init()
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer app.Shutdown()

	port, err := strconv.Atoi(app.Config.Server.Port)
	if err != nil {
		log.Fatalf("invalid server port %q: %v", app.Config.Server.Port, err)
	}

	web.BConfig.AppName = "RAG Service"
	web.BConfig.CopyRequestBody = true
	web.BConfig.Listen.HTTPPort = port
	if app.Config.IsProduction() {
		web.BConfig.RunMode = web.PROD
	}

	if err := app.RegisterRoutes(web.BeeApp.Handlers); err != nil {
		log.Fatalf("failed to register routes: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	app.StartInbox(ctx)

	logger.Info("🚀 Starting RAG Service", zap.Int("port", port))
	web.Run()
}
