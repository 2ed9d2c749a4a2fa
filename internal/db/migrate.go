package db

import (
	"fmt"

	"github.com/cif-go/cifstore/internal/models"
	"gorm.io/gorm"
)

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	switch DialectName(conn) {
	case DialectSQLite:
		return migrateSQLite(conn)
	case DialectPostgres, "":
		return migratePostgres(conn)
	default:
		return fmt.Errorf("db: unsupported dialect: %s", DialectName(conn))
	}
}

func autoMigrate(conn *gorm.DB) error {
	if errAutoMigrate := conn.AutoMigrate(
		&models.Indicator{},
		&models.Token{},
	); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}
	return nil
}

// migratePostgres applies PostgreSQL-specific schema updates and indexes.
func migratePostgres(conn *gorm.DB) error {
	if err := autoMigrate(conn); err != nil {
		return err
	}
	if errTagsIdx := conn.Exec(`
		CREATE INDEX IF NOT EXISTS idx_indicators_tags_gin ON indicators USING gin (tags jsonb_path_ops)
	`).Error; errTagsIdx != nil {
		return fmt.Errorf("db: create tags index: %w", errTagsIdx)
	}
	if errSearchIdx := conn.Exec(`
		CREATE INDEX IF NOT EXISTS idx_indicators_group_lasttime ON indicators (group_name, last_time DESC)
	`).Error; errSearchIdx != nil {
		return fmt.Errorf("db: create search index: %w", errSearchIdx)
	}
	if errAdminIdx := conn.Exec(`
		CREATE INDEX IF NOT EXISTS idx_tokens_admin_active ON tokens (admin) WHERE revoked_at IS NULL
	`).Error; errAdminIdx != nil {
		return fmt.Errorf("db: create admin token index: %w", errAdminIdx)
	}
	return nil
}

// migrateSQLite applies SQLite-specific schema updates and indexes.
func migrateSQLite(conn *gorm.DB) error {
	if err := autoMigrate(conn); err != nil {
		return err
	}
	if errSearchIdx := conn.Exec(`
		CREATE INDEX IF NOT EXISTS idx_indicators_group_lasttime ON indicators (group_name, last_time DESC)
	`).Error; errSearchIdx != nil {
		return fmt.Errorf("db: create search index: %w", errSearchIdx)
	}
	return nil
}
