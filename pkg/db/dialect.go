package db

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/creatorledger/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch cfg.DBType {
	case "postgres":
		return postgres.Open(fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.DBHost,
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBName,
			cfg.DBPort,
			cfg.DBSSLMode,
		)), nil
	case "sqlite":
		name := cfg.DBName
		if name == "" {
			name = "creatorledger.db"
		}
		return sqlite.Open(name), nil
	default:
		return nil, fmt.Errorf("unsupported %s type", cfg.DBType)
	}
}

// IsSQLite reports whether row locks must be skipped for the current connection.
func IsSQLite(db *gorm.DB) bool {
	return db != nil && db.Dialector != nil && db.Dialector.Name() == "sqlite"
}

// ForUpdate returns the row-lock suffix for raw SELECTs; sqlite serializes writers instead.
func ForUpdate(db *gorm.DB) string {
	if IsSQLite(db) {
		return ""
	}
	return " FOR UPDATE"
}

// ForUpdateSkipLocked is ForUpdate for work-claiming queries shared by several workers.
func ForUpdateSkipLocked(db *gorm.DB) string {
	if IsSQLite(db) {
		return ""
	}
	return " FOR UPDATE SKIP LOCKED"
}
