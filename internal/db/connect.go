// Package db opens the GORM connection and manages schema migration.
package db

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Settings selects and parameterizes the database backend.
type Settings struct {
	Driver   string // "mysql" or "sqlite"
	Host     string
	Port     int
	User     string
	Password string
	Database string // mysql schema name
	Path     string // sqlite file path; ":memory:" for tests
}

// DSN builds the MySQL DSN. parseTime is required for time.Time scanning.
func DSN(s Settings) string {
	cred := s.User
	if s.Password != "" {
		cred += ":" + s.Password
	}
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?parseTime=true", cred, s.Host, s.Port, s.Database)
}

// Connect opens a GORM connection per the settings. GORM's own logger
// stays silent; query errors surface through the store layer.
func Connect(s Settings) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	switch s.Driver {
	case "mysql":
		db, err := gorm.Open(mysql.Open(DSN(s)), cfg)
		if err != nil {
			return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", s.Host, s.Port, s.Database, err)
		}
		return db, nil
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(s.Path), cfg)
		if err != nil {
			return nil, fmt.Errorf("db: open sqlite %s: %w", s.Path, err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("db: unknown driver %q", s.Driver)
	}
}
