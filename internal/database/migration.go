package database

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/sirupsen/logrus"
)

// MigrationStatus 迁移状态
type MigrationStatus struct {
	Version uint
	Dirty   bool
	Applied bool // 是否执行过任何迁移
}

// MigrationManager 数据库迁移管理器，迁移文件位于 migrations/
type MigrationManager struct {
	migrate *migrate.Migrate
	logger  *logrus.Logger
	path    string
}

// MigrationSourceURL 迁移目录转换为 file:// 源地址
func MigrationSourceURL(migrationPath string) string {
	if migrationPath == "" {
		migrationPath = "./migrations"
	}
	if abs, err := filepath.Abs(migrationPath); err == nil {
		migrationPath = abs
	}
	return "file://" + filepath.ToSlash(migrationPath)
}

// NewMigrationManager 创建迁移管理器
func NewMigrationManager(db *sql.DB, migrationPath string, logger *logrus.Logger) (*MigrationManager, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	source := MigrationSourceURL(migrationPath)
	m, err := migrate.NewWithDatabaseInstance(source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return &MigrationManager{
		migrate: m,
		logger:  logger,
		path:    source,
	}, nil
}

// Up 执行所有待执行的迁移
func (mm *MigrationManager) Up() error {
	mm.logger.WithField("source", mm.path).Info("Applying migrations")

	err := mm.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		mm.logger.Info("No migrations to apply")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	mm.logger.Info("Database migrations completed successfully")
	return nil
}

// Goto 迁移到指定版本（向上或向下）
func (mm *MigrationManager) Goto(version uint) error {
	mm.logger.Infof("Migrating to version %d", version)

	err := mm.migrate.Migrate(version)
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate to version %d: %w", version, err)
	}
	return nil
}

// Down 回滚最后一次迁移
func (mm *MigrationManager) Down() error {
	mm.logger.Info("Rolling back last migration")

	if err := mm.migrate.Steps(-1); err != nil {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}
	return nil
}

// Status 获取当前版本；尚未执行任何迁移时 Applied 为 false
func (mm *MigrationManager) Status() (MigrationStatus, error) {
	version, dirty, err := mm.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return MigrationStatus{}, nil
	}
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("failed to get migration version: %w", err)
	}
	return MigrationStatus{Version: version, Dirty: dirty, Applied: true}, nil
}

// Force 强制设置数据库版本（用于修复脏状态）
func (mm *MigrationManager) Force(version int) error {
	mm.logger.Warnf("Force setting migration version to %d", version)

	if err := mm.migrate.Force(version); err != nil {
		return fmt.Errorf("failed to force version %d: %w", version, err)
	}
	return nil
}

// Close 关闭迁移管理器
func (mm *MigrationManager) Close() error {
	sourceErr, dbErr := mm.migrate.Close()
	if sourceErr != nil || dbErr != nil {
		return fmt.Errorf("errors occurred while closing migrator: source=%v, db=%v", sourceErr, dbErr)
	}
	return nil
}
