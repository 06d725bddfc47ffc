package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the configured backend and migrates the schema.
// driver is one of sqlite, mysql, postgres.
func Open(driver, dsn string) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}

	var (
		gdb *gorm.DB
		err error
	)
	switch driver {
	case "", "sqlite":
		gdb, err = openSQLite(dsn, gcfg)
	case "mysql":
		gdb, err = openSQL("mysql", mysqlDSN(dsn), func(conn *sql.DB) gorm.Dialector {
			return mysql.New(mysql.Config{Conn: conn})
		}, gcfg)
	case "postgres":
		gdb, err = openSQL("postgres", dsn, func(conn *sql.DB) gorm.Dialector {
			return postgres.New(postgres.Config{Conn: conn})
		}, gcfg)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}

	if err := Migrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}

// Migrate creates or updates all tables.
func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(&User{}, &AuthSession{}, &Conversation{}, &Message{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func openSQLite(dsn string, gcfg *gorm.Config) (*gorm.DB, error) {
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o700); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	gdb, err := gorm.Open(sqlite.Open(dsn), gcfg)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway; a single connection avoids SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	return gdb, nil
}

func openSQL(driverName, dsn string, dialect func(*sql.DB) gorm.Dialector, gcfg *gorm.Config) (*gorm.DB, error) {
	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping %s: %w", driverName, err)
	}
	gdb, err := gorm.Open(dialect(conn), gcfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open gorm %s: %w", driverName, err)
	}
	return gdb, nil
}

// mysqlDSN makes sure DATETIME columns scan into time.Time.
func mysqlDSN(dsn string) string {
	if strings.Contains(dsn, "parseTime=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&parseTime=true"
	}
	return dsn + "?parseTime=true"
}
