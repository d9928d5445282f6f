package txn

import (
	"context"
	"errors"
	"fmt"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrContention means a lock could not be taken within the wait bound.
	// The transaction has been rolled back and the request may be retried.
	ErrContention = errors.New("txn: lock contention")
	// ErrStorage means the underlying store failed. Nothing was applied.
	ErrStorage = errors.New("txn: storage failure")
	// ErrLockOrder is returned when a key sorting before an already held
	// key is requested.
	ErrLockOrder = errors.New("txn: lock requested out of canonical order")
	// ErrNotLocked is returned when a row is read for update without its key
	// being held by the transaction.
	ErrNotLocked = errors.New("txn: key not locked by transaction")
	// ErrDone is returned when a finished transaction is used.
	ErrDone = errors.New("txn: transaction already finished")
)

// MySQL server error numbers that indicate lock contention.
const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// Classify maps a driver or cache error onto ErrContention or ErrStorage.
// Errors already carrying one of the package sentinels pass through.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrContention, ErrStorage, ErrLockOrder, ErrNotLocked, ErrDone} {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrContention, err)
	}

	var myErr *gomysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlLockWaitTimeout, mysqlDeadlock:
			return fmt.Errorf("%w: %w", ErrContention, err)
		}
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %w", ErrContention, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
