package db

import (
	"encoding/json"
	"fmt"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// DialectName returns the active database dialect name.
func DialectName(conn *gorm.DB) string {
	if conn == nil || conn.Dialector == nil {
		return ""
	}
	return conn.Dialector.Name()
}

// IsSQLite reports whether the connection uses SQLite.
func IsSQLite(conn *gorm.DB) bool {
	return DialectName(conn) == DialectSQLite
}

// EscapeLike escapes LIKE wildcards in a user supplied fragment.
func EscapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// ContainsFold builds a case-insensitive substring condition on column.
// The fragment is matched literally.
func ContainsFold(conn *gorm.DB, column, fragment string) (string, any) {
	pattern := "%" + EscapeLike(fragment) + "%"
	if IsSQLite(conn) {
		return fmt.Sprintf(`LOWER(%s) LIKE ? ESCAPE '\'`, column), strings.ToLower(pattern)
	}
	return fmt.Sprintf(`%s ILIKE ? ESCAPE '\'`, column), pattern
}

// AnyTag builds a condition matching rows whose JSON array column holds at
// least one of values. It returns an empty condition for no values.
func AnyTag(conn *gorm.DB, column string, values []string) (string, []any) {
	if len(values) == 0 {
		return "", nil
	}
	clauses := make([]string, 0, len(values))
	args := make([]any, 0, len(values))
	for _, v := range values {
		if IsSQLite(conn) {
			clauses = append(clauses, fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s) WHERE value = ?)", column))
			args = append(args, v)
			continue
		}
		payload, _ := json.Marshal([]string{v})
		clauses = append(clauses, fmt.Sprintf("%s @> ?", column))
		args = append(args, datatypes.JSON(payload))
	}
	return "(" + strings.Join(clauses, " OR ") + ")", args
}
