package store

import (
	"errors"
	"time"

	"github.com/bit2swaz/sosmesh/internal/protocol"
)

// Retention is how long a seen message id stays in the ledger before the
// expiry sweep removes it, regardless of delivery or relay status.
const Retention = 15 * time.Minute

// ErrUnavailable reports that no persistent backing store could be opened.
// Callers tolerate it by falling back to the in-memory ledger.
var ErrUnavailable = errors.New("store unavailable")

// Record is one seen message. ReceivedAt is the local receive time, distinct
// from the originator timestamp inside Raw. Type and Priority are
// denormalized so the console can inspect records without decoding Raw.
type Record struct {
	MsgID          string `gorm:"primaryKey"`
	Raw            string
	Type           string
	Priority       int
	ReceivedAt     time.Time
	ForwardedCount int
	Delivered      bool
}

// Ledger is the dedup/expiry contract the relay engine runs against. Exactly
// one engine owns a ledger; it is never shared across engines.
type Ledger interface {
	// Insert records a newly seen message. It reports whether the record was
	// created: a false result means the id already existed and nothing was
	// modified. The check and write are a single conditional operation, so
	// two racing callers agree on who inserted.
	Insert(msg protocol.Message, receivedAt time.Time) (bool, error)
	// Exists is a read-only membership test.
	Exists(msgID string) (bool, error)
	// MarkDelivered flags a record once an ACK referencing it is seen.
	// No-op when the id is absent; an ACK never creates a record.
	MarkDelivered(msgID string) error
	// IncrementForwardCount bumps the relay counter. No-op when absent.
	IncrementForwardCount(msgID string) error
	// DeleteExpired removes records received strictly before cutoff and
	// returns the exact count removed.
	DeleteExpired(cutoff time.Time) (int64, error)
	// Recent lists up to limit records, newest first.
	Recent(limit int) ([]Record, error)
	// Close releases the backing handle. Safe to call more than once.
	Close() error
}
