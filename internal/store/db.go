package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/bit2swaz/sosmesh/internal/protocol"
)

// DB is the sqlite-backed ledger. Every Open failure wraps ErrUnavailable so
// the caller can drop to the in-memory ledger and keep running.
type DB struct {
	db        *gorm.DB
	closeOnce sync.Once
	closeErr  error
}

func Open(path string) (*DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &DB{db: db}, nil
}

// Insert relies on the primary-key constraint at commit time: OnConflict
// DoNothing plus RowsAffected is the single conditional write, not a
// check-then-insert sequence.
func (s *DB) Insert(msg protocol.Message, receivedAt time.Time) (bool, error) {
	raw, err := msg.Encode()
	if err != nil {
		return false, err
	}
	rec := Record{
		MsgID:      msg.MsgID,
		Raw:        string(raw),
		Type:       msg.Type,
		Priority:   msg.Priority,
		ReceivedAt: receivedAt,
	}
	res := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *DB) Exists(msgID string) (bool, error) {
	var n int64
	err := s.db.Model(&Record{}).Where("msg_id = ?", msgID).Count(&n).Error
	return n > 0, err
}

func (s *DB) MarkDelivered(msgID string) error {
	return s.db.Model(&Record{}).Where("msg_id = ?", msgID).
		Update("delivered", true).Error
}

func (s *DB) IncrementForwardCount(msgID string) error {
	return s.db.Model(&Record{}).Where("msg_id = ?", msgID).
		UpdateColumn("forwarded_count", gorm.Expr("forwarded_count + 1")).Error
}

func (s *DB) DeleteExpired(cutoff time.Time) (int64, error) {
	res := s.db.Where("received_at < ?", cutoff).Delete(&Record{})
	return res.RowsAffected, res.Error
}

func (s *DB) Recent(limit int) ([]Record, error) {
	var recs []Record
	err := s.db.Order("received_at desc").Limit(limit).Find(&recs).Error
	return recs, err
}

func (s *DB) Close() error {
	s.closeOnce.Do(func() {
		sqlDB, err := s.db.DB()
		if err != nil {
			s.closeErr = err
			return
		}
		s.closeErr = sqlDB.Close()
	})
	return s.closeErr
}
