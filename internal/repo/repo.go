package repo

import (
	"database/sql"
	"errors"
)

// Repo wraps the SQLite handle. Methods that take a *sql.Tx participate in the
// caller's transaction; the rest read through the pooled connection.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
