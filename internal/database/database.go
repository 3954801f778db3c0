package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"fieldcrm/internal/config"
	"fieldcrm/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// Open 按配置连接数据库（postgres 或 sqlite），并按需启用 gorm 链路追踪
func Open(cfg *config.Config) (*gorm.DB, error) {
	dbc := cfg.Database
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(gormLogLevel(cfg.Log.Level))}

	var (
		db  *gorm.DB
		err error
	)
	switch strings.ToLower(dbc.Driver) {
	case "sqlite":
		if dir := filepath.Dir(dbc.SQLitePath); dir != "" && dbc.SQLitePath != ":memory:" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		db, err = gorm.Open(sqlite.Open(dbc.SQLitePath), gormCfg)
	case "", "postgres":
		db, err = gorm.Open(postgres.Open(dbc.DSN()), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", dbc.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(dbc.Driver, "sqlite") {
		// sqlite 只允许单写连接
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(dbc.MaxOpenConns)
		sqlDB.SetMaxIdleConns(dbc.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(dbc.ConnMaxLifetime)
	}

	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			logrus.Warnf("gorm tracing plugin: %v", err)
		}
	}
	return db, nil
}

// Migrate 迁移自动化引擎的全部表
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.AutomationModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func gormLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return logger.Info
	case "error", "fatal", "panic":
		return logger.Error
	default:
		return logger.Warn
	}
}
