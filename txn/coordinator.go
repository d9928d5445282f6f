package txn

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Config bounds lock acquisition.
type Config struct {
	LockWait     time.Duration // give up on a key after this long
	LockTTL      time.Duration // lease length, reclaims locks of crashed holders
	PollInterval time.Duration // retry interval while a key is held elsewhere
}

func (c Config) withDefaults() Config {
	if c.LockWait <= 0 {
		c.LockWait = 3 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Millisecond
	}
	return c
}

// Stats are cumulative coordinator counters.
type Stats struct {
	Begun      int64 `json:"begun"`
	Committed  int64 `json:"committed"`
	RolledBack int64 `json:"rolled_back"`
	Contended  int64 `json:"contended"`
}

// Coordinator opens transactions that pair a database transaction with
// exclusive per-edge locks taken in canonical order.
type Coordinator struct {
	db     *gorm.DB
	locker Locker
	cfg    Config
	logger *zap.Logger

	begun, committed, rolledBack, contended atomic.Int64
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(db *gorm.DB, locker Locker, cfg Config, logger *zap.Logger) *Coordinator {
	return &Coordinator{db: db, locker: locker, cfg: cfg.withDefaults(), logger: logger}
}

// Stats returns a snapshot of the counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Begun:      c.begun.Load(),
		Committed:  c.committed.Load(),
		RolledBack: c.rolledBack.Load(),
		Contended:  c.contended.Load(),
	}
}

// Begin opens a transaction. The database transaction is opened before any
// lock is requested, so a pooled connection is never awaited while holding
// edge locks.
func (c *Coordinator) Begin(ctx context.Context) (*Txn, error) {
	tx := c.db.WithContext(ctx).Begin(TxOptions(c.db.Dialector.Name())...)
	if tx.Error != nil {
		return nil, Classify(tx.Error)
	}
	c.begun.Add(1)
	return &Txn{c: c, tx: tx, token: uuid.NewString()}, nil
}

// TxOptions returns the options Begin uses for a dialect. MySQL runs edge
// transactions at READ COMMITTED: the edge keys are already exclusive, and
// REPEATABLE READ would take gap locks on absent rows that two unrelated
// pairs can deadlock on.
func TxOptions(dialect string) []*sql.TxOptions {
	if dialect == "mysql" {
		return []*sql.TxOptions{{Isolation: sql.LevelReadCommitted}}
	}
	return nil
}

// Run executes fn inside a transaction, committing if fn returns nil and
// rolling back otherwise.
func (c *Coordinator) Run(ctx context.Context, fn func(t *Txn) error) error {
	t, err := c.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := t.Rollback(); err != nil {
			c.logger.Warn("rollback failed", zap.String("txn", t.ID()), zap.Error(err))
		}
	}()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

// Txn is one atomic unit of edge reads and writes. It is not safe for
// concurrent use.
type Txn struct {
	c     *Coordinator
	tx    *gorm.DB
	token string
	held  []Key // ascending in canonical order
	done  bool
}

// ID is the transaction's lock token.
func (t *Txn) ID() string { return t.token }

// DB is the transaction-scoped handle. Writes through it become visible
// to others only after Commit.
func (t *Txn) DB() *gorm.DB { return t.tx }

// Holds reports whether the transaction holds the lock for k.
func (t *Txn) Holds(k Key) bool {
	for _, h := range t.held {
		if h == k {
			return true
		}
	}
	return false
}

// Lock acquires exclusive locks on keys in canonical order, waiting up to
// the configured bound for each. Keys already held are skipped. A key that
// sorts before the highest held key fails with ErrLockOrder; a wait that
// runs out fails with ErrContention. Locks are kept until Commit or Rollback.
func (t *Txn) Lock(ctx context.Context, keys ...Key) error {
	if t.done {
		return ErrDone
	}
	for _, k := range Canonical(keys) {
		if t.Holds(k) {
			continue
		}
		if n := len(t.held); n > 0 && Less(k, t.held[n-1]) {
			return fmt.Errorf("%w: %s after %s", ErrLockOrder, k, t.held[n-1])
		}
		if err := t.acquire(ctx, k); err != nil {
			return err
		}
		t.held = append(t.held, k)
	}
	return nil
}

func (t *Txn) acquire(ctx context.Context, k Key) error {
	cfg := t.c.cfg
	name := k.String()
	deadline := time.NewTimer(cfg.LockWait)
	defer deadline.Stop()

	for {
		ok, err := t.c.locker.TryLock(ctx, name, t.token, cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("%w: lock %s: %w", ErrStorage, k, err)
		}
		if ok {
			return nil
		}

		poll := time.NewTimer(cfg.PollInterval)
		select {
		case <-poll.C:
		case <-deadline.C:
			poll.Stop()
			t.c.contended.Add(1)
			t.c.logger.Debug("edge lock wait exceeded",
				zap.String("key", name), zap.Duration("wait", cfg.LockWait))
			return fmt.Errorf("%w: %s", ErrContention, k)
		case <-ctx.Done():
			poll.Stop()
			t.c.contended.Add(1)
			return fmt.Errorf("%w: %s: %w", ErrContention, k, ctx.Err())
		}
	}
}

// Commit makes the transaction's writes visible and releases its locks.
// If any lock lease ran out before Commit, the writes are rolled back and
// the error wraps ErrContention.
func (t *Txn) Commit() error {
	if t.done {
		return ErrDone
	}
	t.done = true
	defer t.release()
	if err := t.checkLeases(); err != nil {
		t.c.rolledBack.Add(1)
		if rbErr := t.tx.Rollback().Error; rbErr != nil {
			t.c.logger.Warn("rollback after lost lease failed", zap.String("txn", t.token), zap.Error(rbErr))
		}
		return err
	}
	if err := t.tx.Commit().Error; err != nil {
		t.c.rolledBack.Add(1)
		return Classify(err)
	}
	t.c.committed.Add(1)
	return nil
}

// Rollback discards the transaction's writes and releases its locks.
// Calling it after Commit or a previous Rollback is a no-op, so it can be
// deferred right after Begin.
func (t *Txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.release()
	t.c.rolledBack.Add(1)
	if err := t.tx.Rollback().Error; err != nil {
		return Classify(err)
	}
	return nil
}

func (t *Txn) checkLeases() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, k := range t.held {
		ok, err := t.c.locker.Held(ctx, k.String(), t.token)
		if err != nil {
			return fmt.Errorf("%w: check lock %s: %w", ErrStorage, k, err)
		}
		if !ok {
			t.c.contended.Add(1)
			t.c.logger.Warn("edge lock lease expired before commit",
				zap.String("key", k.String()), zap.Duration("ttl", t.c.cfg.LockTTL))
			return fmt.Errorf("%w: lease on %s expired", ErrContention, k)
		}
	}
	return nil
}

// release drops held locks in reverse order. It uses a fresh context so a
// cancelled request still frees its keys; a failed release expires with
// the lock TTL.
func (t *Txn) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := len(t.held) - 1; i >= 0; i-- {
		if err := t.c.locker.Unlock(ctx, t.held[i].String(), t.token); err != nil {
			t.c.logger.Warn("edge lock release failed",
				zap.String("key", t.held[i].String()), zap.Error(err))
		}
	}
	t.held = nil
}
