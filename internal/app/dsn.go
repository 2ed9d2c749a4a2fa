package app

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// dsnInfo is a DSN with the secrets removed, safe to log.
type dsnInfo struct {
	DatabaseType        string `json:"database_type"`
	DatabaseHost        string `json:"database_host"`
	DatabasePort        int    `json:"database_port"`
	DatabaseUser        string `json:"database_user"`
	DatabaseName        string `json:"database_name"`
	DatabaseSSLMode     string `json:"database_ssl_mode"`
	DatabasePath        string `json:"database_path"`
	DatabasePasswordSet bool   `json:"database_password_set"`
}

// Fields renders the non-empty parts for logging.
func (d dsnInfo) Fields() log.Fields {
	fields := log.Fields{"db_type": d.DatabaseType}
	if d.DatabaseType == "sqlite" {
		fields["db_path"] = d.DatabasePath
		return fields
	}
	fields["db_host"] = d.DatabaseHost
	fields["db_port"] = d.DatabasePort
	fields["db_user"] = d.DatabaseUser
	fields["db_name"] = d.DatabaseName
	fields["db_sslmode"] = d.DatabaseSSLMode
	fields["db_password_set"] = d.DatabasePasswordSet
	return fields
}

func describeDSN(dsn string) (dsnInfo, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return dsnInfo{}, fmt.Errorf("empty dsn")
	}

	lowered := strings.ToLower(trimmed)
	if strings.HasPrefix(lowered, "file:") {
		pathPart := trimmed[len("file:"):]
		pathPart, _, _ = strings.Cut(pathPart, "?")
		return dsnInfo{
			DatabaseType: "sqlite",
			DatabasePath: strings.TrimSpace(pathPart),
		}, nil
	}

	u, errParse := url.Parse(trimmed)
	if errParse != nil {
		return dsnInfo{}, fmt.Errorf("parse dsn: %w", errParse)
	}

	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "postgres", "postgresql":
		port := 5432
		if rawPort := strings.TrimSpace(u.Port()); rawPort != "" {
			parsedPort, errPort := strconv.Atoi(rawPort)
			if errPort != nil {
				return dsnInfo{}, fmt.Errorf("parse port: %w", errPort)
			}
			port = parsedPort
		}

		username := ""
		passwordSet := false
		if u.User != nil {
			username = strings.TrimSpace(u.User.Username())
			_, passwordSet = u.User.Password()
		}

		sslMode := strings.TrimSpace(u.Query().Get("sslmode"))
		if sslMode == "" {
			sslMode = "disable"
		}

		return dsnInfo{
			DatabaseType:        "postgres",
			DatabaseHost:        strings.TrimSpace(u.Hostname()),
			DatabasePort:        port,
			DatabaseUser:        username,
			DatabaseName:        strings.TrimSpace(strings.TrimPrefix(u.Path, "/")),
			DatabaseSSLMode:     sslMode,
			DatabasePasswordSet: passwordSet,
		}, nil
	default:
		return dsnInfo{DatabaseType: "unknown"}, fmt.Errorf("unsupported dsn scheme")
	}
}
