// SPDX-License-Identifier: ice License 1.0

package store

import (
	"context"
	"crypto/sha256"
	_ "embed"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/reflectx"
	_ "github.com/mattn/go-sqlite3"
)

type (
	Config struct {
		Path string `yaml:"path" mapstructure:"path"`
	}
	// DB is the persistent store shared by every request; all mutual exclusion is delegated to its constraints.
	DB struct {
		*sqlx.DB

		stmtCacheMx *sync.RWMutex
		stmtCache   map[string]*sqlx.NamedStmt
	}
)

const (
	InMemory = ":memory:"

	ddlStatementSeparator = "--------"
)

var (
	//go:embed DDL.sql
	ddl string

	ErrNotFound               = errors.New("not found")
	ErrDuplicate              = errors.New("duplicate")
	ErrUnexpectedRowsAffected = errors.New("unexpected rows affected")
)

// Open connects to the sqlite database at target (a file path or InMemory) and applies the schema.
func Open(target string) (*DB, error) {
	conn, err := sqlx.Connect("sqlite3", dsn(target))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database `%v`", target)
	}
	if isMemory(target) {
		// Every new connection to :memory: would see an empty database.
		conn.SetMaxOpenConns(1)
	}
	db := &DB{
		DB:          conn,
		stmtCacheMx: new(sync.RWMutex),
		stmtCache:   make(map[string]*sqlx.NamedStmt),
	}
	db.Mapper = reflectx.NewMapperFunc("db", strings.ToLower)
	for _, statement := range strings.Split(ddl, ddlStatementSeparator) {
		if strings.TrimSpace(statement) == "" {
			continue
		}
		if _, err = db.Exec(statement); err != nil {
			return nil, errors.Wrapf(err, "failed to apply ddl statement `%v`", statement)
		}
	}

	return db, nil
}

func MustOpen(target string) *DB {
	db, err := Open(target)
	if err != nil {
		panic(err)
	}

	return db
}

func isMemory(target string) bool {
	return target == "" || strings.HasPrefix(target, InMemory) || strings.Contains(target, "mode=memory")
}

func dsn(target string) string {
	if target == "" {
		target = InMemory
	}
	separator := "?"
	if strings.Contains(target, "?") {
		separator = "&"
	}

	return target + separator + "_foreign_keys=on&_busy_timeout=5000"
}

func (db *DB) Close() error {
	db.stmtCacheMx.Lock()
	for hash, stmt := range db.stmtCache {
		_ = stmt.Close()
		delete(db.stmtCache, hash)
	}
	db.stmtCacheMx.Unlock()

	return errors.Wrap(db.DB.Close(), "failed to close database")
}

func (db *DB) exec(ctx context.Context, sql string, arg any) (rowsAffected int64, err error) {
	stmt, err := db.prepare(ctx, sql, hashSQL(sql))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to prepare exec sql: `%v`", sql)
	}

	result, err := stmt.ExecContext(ctx, arg)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to exec prepared sql: `%v`", sql)
	}
	if rowsAffected, err = result.RowsAffected(); err != nil {
		return 0, errors.Wrapf(err, "failed to process rows affected for exec prepared sql: `%v`", sql)
	}

	return rowsAffected, nil
}

func (db *DB) get(ctx context.Context, dest any, sql string, arg any) error {
	stmt, err := db.prepare(ctx, sql, hashSQL(sql))
	if err != nil {
		return errors.Wrapf(err, "failed to prepare query sql: `%v`", sql)
	}
	if err = stmt.GetContext(ctx, dest, arg); err != nil {
		if isNoRows(err) {
			return ErrNotFound
		}

		return errors.Wrapf(err, "failed to query sql: `%v`", sql)
	}

	return nil
}

func (db *DB) selectAll(ctx context.Context, dest any, sql string, arg any) error {
	stmt, err := db.prepare(ctx, sql, hashSQL(sql))
	if err != nil {
		return errors.Wrapf(err, "failed to prepare select sql: `%v`", sql)
	}

	return errors.Wrapf(stmt.SelectContext(ctx, dest, arg), "failed to select sql: `%v`", sql)
}

func (db *DB) prepare(ctx context.Context, sql, hash string) (stmt *sqlx.NamedStmt, err error) {
	db.stmtCacheMx.RLock()
	stmt, found := db.stmtCache[hash]
	db.stmtCacheMx.RUnlock()
	if found {
		return stmt, nil
	}

	db.stmtCacheMx.Lock()
	stmt, found = db.stmtCache[hash]
	if found {
		db.stmtCacheMx.Unlock()

		return stmt, nil
	}

	stmt, err = db.PrepareNamedContext(ctx, sql)
	if err == nil {
		db.stmtCache[hash] = stmt
	}
	db.stmtCacheMx.Unlock()

	return stmt, err
}

func hashSQL(sql string) (hash string) {
	sum := sha256.Sum256([]byte(sql))

	return string(sum[:])
}
