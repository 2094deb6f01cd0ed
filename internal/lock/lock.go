// Package lock provides the per-source ingestion lock.
//
// Each source name maps to a small SQLite file in the lock directory. Holding the lock
// means holding an open BEGIN IMMEDIATE transaction on that file, i.e. SQLite's
// RESERVED file lock. The operating system drops the file lock when the holding
// process exits, so a crashed worker never leaves the source locked.
package lock

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hyperjump/csvrag/internal/fault"
	"github.com/hyperjump/csvrag/pkg/utils"
)

// Locker acquires named ingestion locks.
type Locker interface {
	Acquire(ctx context.Context, name string) (Lease, error)
}

// Lease is a held lock. Release is idempotent.
type Lease interface {
	Name() string
	Owner() string
	Release() error
}

const (
	defaultPollBase = 50 * time.Millisecond
	defaultPollMax  = 2 * time.Second
)

// SQLiteLocker implements Locker with SQLite file locks.
type SQLiteLocker struct {
	dir     string
	wait    bool
	timeout time.Duration
	logger  *zap.Logger
}

// Option configures a SQLiteLocker.
type Option func(*SQLiteLocker)

// WithWait makes Acquire poll until the lock is free instead of failing fast.
// A positive timeout bounds the wait; zero waits until ctx is done.
func WithWait(timeout time.Duration) Option {
	return func(l *SQLiteLocker) {
		l.wait = true
		l.timeout = timeout
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *SQLiteLocker) { l.logger = logger }
}

// NewSQLiteLocker creates a locker keeping its lock files in dir.
func NewSQLiteLocker(dir string, opts ...Option) (*SQLiteLocker, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	l := &SQLiteLocker{dir: dir}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = utils.OrNop(l.logger)
	return l, nil
}

// Path returns the lock file used for name.
func (l *SQLiteLocker) Path(name string) string {
	sum := sha256.Sum256([]byte(name))
	return filepath.Join(l.dir, hex.EncodeToString(sum[:8])+".lock")
}

// Acquire takes the lock for name. In fail-fast mode a held lock yields
// fault.LockContention immediately; in wait mode it is returned once the wait expires.
func (l *SQLiteLocker) Acquire(ctx context.Context, name string) (Lease, error) {
	if !l.wait {
		return l.try(ctx, name)
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	for attempt := 0; ; attempt++ {
		lease, err := l.try(ctx, name)
		if err == nil || !fault.Is(err, fault.LockContention) {
			return lease, err
		}
		delay := utils.Backoff(defaultPollBase, defaultPollMax, attempt)
		l.logger.Debug("waiting for ingestion lock", zap.String("source", name), zap.Duration("retry_in", delay))
		if serr := utils.Sleep(ctx, delay); serr != nil {
			if errors.Is(serr, context.DeadlineExceeded) && l.timeout > 0 {
				return nil, fault.Errorf(fault.LockContention, "acquire lock", "%s: still held after %s", name, l.timeout)
			}
			return nil, serr
		}
	}
}

func (l *SQLiteLocker) try(ctx context.Context, name string) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := l.Path(name)
	// Busy timeout 0 makes a held lock fail immediately with SQLITE_BUSY.
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=0")
	if err != nil {
		return nil, fault.New(fault.StoreUnavailable, "acquire lock", err)
	}
	db.SetMaxOpenConns(1)
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fault.New(fault.StoreUnavailable, "acquire lock", err)
	}
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		_ = conn.Close()
		_ = db.Close()
		if isBusy(err) {
			return nil, fault.Errorf(fault.LockContention, "acquire lock", "%s: ingestion already in progress", name)
		}
		return nil, fault.New(fault.StoreUnavailable, "acquire lock", err)
	}
	lease := &sqliteLease{name: name, owner: uuid.NewString(), db: db, conn: conn}
	l.logger.Debug("ingestion lock acquired", zap.String("source", name), zap.String("owner", lease.owner), zap.String("file", path))
	return lease, nil
}

func isBusy(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code == sqlite3.ErrBusy || sqlErr.Code == sqlite3.ErrLocked
	}
	return false
}

type sqliteLease struct {
	name  string
	owner string

	once sync.Once
	db   *sql.DB
	conn *sql.Conn
	err  error
}

func (s *sqliteLease) Name() string  { return s.name }
func (s *sqliteLease) Owner() string { return s.owner }

func (s *sqliteLease) Release() error {
	s.once.Do(func() {
		_, err := s.conn.ExecContext(context.Background(), "ROLLBACK")
		s.err = multierr.Combine(err, s.conn.Close(), s.db.Close())
	})
	return s.err
}
