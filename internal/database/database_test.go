package database

import (
	"path/filepath"
	"testing"

	"fieldcrm/internal/config"
	"fieldcrm/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

func TestOpenAndMigrate_SQLite(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.SQLitePath = filepath.Join(t.TempDir(), "data", "test.db")

	db, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	for _, m := range models.AutomationModels() {
		assert.True(t, db.Migrator().HasTable(m), "table for %T", m)
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Database.Driver = "mysql"
	_, err := Open(cfg)
	assert.Error(t, err)
}

func TestGormLogLevel(t *testing.T) {
	assert.Equal(t, logger.Info, gormLogLevel("debug"))
	assert.Equal(t, logger.Error, gormLogLevel("error"))
	assert.Equal(t, logger.Warn, gormLogLevel("info"))
}
