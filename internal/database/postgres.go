package database

import (
	"fmt"

	"github.com/aihub/rag-go/internal/config"
	"github.com/aihub/rag-go/internal/models"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenPostgres 连接PostgreSQL并迁移文档、会话、反馈表
func OpenPostgres(cfg config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	logLevel := logger.Warn
	if log.Core().Enabled(zap.DebugLevel) {
		logLevel = logger.Info
	}

	db, err := gorm.Open(postgres.Open(cfg.URL), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 获取底层的sql.DB设置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := AutoMigrate(db); err != nil {
		log.Warn("数据库自动迁移失败", zap.Error(err))
	}

	log.Info("数据库连接成功")
	return db, nil
}

// AutoMigrate 创建或更新服务需要的表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.Document{}, &models.ChatMessage{}, &models.Feedback{})
}

// ClosePostgres 关闭连接池
func ClosePostgres(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
