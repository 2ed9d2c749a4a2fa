package app

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/cif-go/cifstore/internal/config"
	"github.com/cif-go/cifstore/internal/db"
	"github.com/cif-go/cifstore/internal/models"
	"github.com/cif-go/cifstore/internal/tokens"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// InitRequest contains parameters for first-time setup.
type InitRequest struct {
	DatabaseType     string
	DatabaseHost     string
	DatabasePort     int
	DatabaseUser     string
	DatabasePassword string
	DatabaseName     string
	DatabasePath     string
	DatabaseSSLMode  string
}

// ConfigExists reports whether the config file exists at the path.
func ConfigExists(configPath string) bool {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return false
	}
	return true
}

// defaultSQLitePath is the default SQLite database file name.
const defaultSQLitePath = "cif.db"

// BuildDSN builds a database DSN from the init request.
func BuildDSN(req InitRequest) (string, error) {
	switch strings.ToLower(strings.TrimSpace(req.DatabaseType)) {
	case "", "sqlite":
		return buildSQLiteDSN(req.DatabasePath), nil
	case "postgres":
		sslMode := strings.TrimSpace(req.DatabaseSSLMode)
		if sslMode == "" {
			sslMode = "disable"
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(req.DatabaseUser, req.DatabasePassword),
			Host:     net.JoinHostPort(req.DatabaseHost, strconv.Itoa(req.DatabasePort)),
			Path:     "/" + req.DatabaseName,
			RawQuery: url.Values{"sslmode": {sslMode}}.Encode(),
		}
		return u.String(), nil
	default:
		return "", fmt.Errorf("unsupported database type %q", req.DatabaseType)
	}
}

// buildSQLiteDSN constructs a SQLite DSN with WAL and foreign keys on.
func buildSQLiteDSN(path string) string {
	dsn := strings.TrimSpace(path)
	if dsn == "" {
		dsn = defaultSQLitePath
	}
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
		dsn = "file:" + dsn
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return dsn + separator + strings.Join([]string{
		"_pragma=journal_mode(WAL)",
		"_pragma=foreign_keys(1)",
		"_pragma=synchronous(NORMAL)",
	}, "&")
}

// validateInitRequest normalizes and validates init input data.
func validateInitRequest(req *InitRequest) error {
	dbType := strings.ToLower(strings.TrimSpace(req.DatabaseType))
	if dbType == "" {
		dbType = "sqlite"
	}
	req.DatabaseType = dbType

	switch dbType {
	case "postgres":
		if strings.TrimSpace(req.DatabaseHost) == "" {
			return fmt.Errorf("database host is required")
		}
		if req.DatabasePort <= 0 {
			req.DatabasePort = 5432
		}
		if strings.TrimSpace(req.DatabaseUser) == "" {
			return fmt.Errorf("database user is required")
		}
		if strings.TrimSpace(req.DatabaseName) == "" {
			return fmt.Errorf("database name is required")
		}
	case "sqlite":
		if strings.TrimSpace(req.DatabasePath) == "" {
			req.DatabasePath = defaultSQLitePath
		}
	default:
		return fmt.Errorf("unsupported database type %q", dbType)
	}
	return nil
}

// TestDatabaseConnection validates that the DSN can connect and ping.
func TestDatabaseConnection(dsn string) error {
	conn, err := db.Open(dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		if errClose := db.Close(conn); errClose != nil {
			log.Errorf("sql db close error: %v", errClose)
		}
	}()
	sqlDB, err := conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql db: %w", err)
	}
	return sqlDB.Ping()
}

// HasAdminToken reports whether a usable admin token exists.
func HasAdminToken(conn *gorm.DB) (bool, error) {
	if conn == nil {
		return false, fmt.Errorf("nil db")
	}
	if !conn.Migrator().HasTable(&models.Token{}) {
		return false, nil
	}
	var count int64
	if errCount := conn.Model(&models.Token{}).
		Where("admin = ? AND revoked_at IS NULL", true).
		Count(&count).Error; errCount != nil {
		return false, errCount
	}
	return count > 0, nil
}

// RunInit writes a fresh config file, prepares the database and returns the
// admin token. It refuses to overwrite an existing config file.
func RunInit(ctx context.Context, appCfg config.AppConfig, req InitRequest, port int) (tokens.Token, error) {
	configPath := config.ResolveConfigPath(appCfg.ConfigPath)
	if ConfigExists(configPath) {
		return tokens.Token{}, fmt.Errorf("config file %s already exists", configPath)
	}
	if errValidate := validateInitRequest(&req); errValidate != nil {
		return tokens.Token{}, errValidate
	}
	dsn, errDSN := BuildDSN(req)
	if errDSN != nil {
		return tokens.Token{}, errDSN
	}
	if errTest := TestDatabaseConnection(dsn); errTest != nil {
		return tokens.Token{}, errTest
	}

	conn, errOpen := db.Open(dsn)
	if errOpen != nil {
		return tokens.Token{}, errOpen
	}
	defer func() { _ = db.Close(conn) }()
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return tokens.Token{}, fmt.Errorf("migrate database: %w", errMigrate)
	}
	existing, errHas := HasAdminToken(conn)
	if errHas != nil {
		return tokens.Token{}, errHas
	}
	admin, errAdmin := tokens.NewHandler(conn).CreateAdmin(ctx)
	if errAdmin != nil {
		return tokens.Token{}, errAdmin
	}
	if existing {
		log.Info("database already holds an admin token, reusing it")
	}

	if errWrite := config.WriteDefault(configPath, dsn, port); errWrite != nil {
		return tokens.Token{}, errWrite
	}
	log.WithField("config", configPath).Info("initialization completed")
	return admin, nil
}
