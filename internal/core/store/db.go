package store

import (
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open returns a GORM handle over a pure-Go SQLite file at path, with the
// WAL/busy-timeout pragmas the scheduler's concurrent chunk writes need.
// path may be ":memory:" for tests.
func Open(path string) (*gorm.DB, error) {
	dsn := path
	if dsn != ":memory:" {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	return gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
}
