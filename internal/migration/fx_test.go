package migration

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/creatorledger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func openSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:migration_test?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return conn
}

func TestApplySQLiteIsRepeatable(t *testing.T) {
	conn := openSQLite(t)
	params := Params{DB: conn, Config: config.Config{DBAutoMigrate: true}, Log: zap.NewNop()}

	require.NoError(t, Apply(params))
	require.NoError(t, Apply(params))

	for _, table := range []string{"ledger_entries", "payout_requests", "payout_attempts"} {
		assert.True(t, conn.Migrator().HasTable(table), table)
	}
	assert.False(t, conn.Migrator().HasTable(schemaVersionTable))
}

func TestApplyRespectsAutoMigrateOff(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file:migration_off?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, Apply(Params{DB: conn, Config: config.Config{}, Log: zap.NewNop()}))
	assert.False(t, conn.Migrator().HasTable("ledger_entries"))
}
