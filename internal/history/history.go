// Package history records finished and failed transfers in a sqlite
// database.
package history

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sheerbytes/chunkline/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Transfer states.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Record is one transfer row.
type Record struct {
	ID         uint   `gorm:"primaryKey"`
	File       string `gorm:"index"`
	Size       int64
	Chunks     int
	Binding    string
	Peer       string
	Direction  string
	Status     string `gorm:"index"`
	Error      string
	DurationMS int64 `gorm:"column:duration_ms"`
	StartedAt  int64 `gorm:"column:started_at"`
	FinishedAt int64 `gorm:"column:finished_at"`
}

// Store writes transfer records. It implements events.Sink and
// events.Lifecycle so it can sit in a Multi sink next to the console.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	running map[string][]uint
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history: %w", err)
	}
	return &Store{
		db:      db,
		logger:  log,
		now:     time.Now,
		running: make(map[string][]uint),
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func key(t events.Transfer) string {
	return t.Direction + "\x00" + t.Peer + "\x00" + t.File
}

func (s *Store) Log(string) {}

func (s *Store) Progress(events.Progress) {}

// Started inserts a running record.
func (s *Store) Started(t events.Transfer) {
	rec := Record{
		File:      t.File,
		Size:      t.Size,
		Chunks:    t.Chunks,
		Binding:   t.Binding,
		Peer:      t.Peer,
		Direction: t.Direction,
		Status:    StatusRunning,
		StartedAt: s.now().UnixMilli(),
	}
	if err := s.db.Create(&rec).Error; err != nil {
		s.logger.Warn("failed to record transfer start", zap.String("file", t.File), zap.Error(err))
		return
	}
	s.mu.Lock()
	k := key(t)
	s.running[k] = append(s.running[k], rec.ID)
	s.mu.Unlock()
}

// Finished closes the matching running record, or inserts a complete one
// when Started was never seen.
func (s *Store) Finished(t events.Transfer, elapsed time.Duration, err error) {
	status, msg := StatusDone, ""
	if err != nil {
		status, msg = StatusFailed, err.Error()
	}
	now := s.now()

	s.mu.Lock()
	k := key(t)
	var id uint
	if ids := s.running[k]; len(ids) > 0 {
		id = ids[0]
		if len(ids) == 1 {
			delete(s.running, k)
		} else {
			s.running[k] = ids[1:]
		}
	}
	s.mu.Unlock()

	if id == 0 {
		rec := Record{
			File:       t.File,
			Size:       t.Size,
			Chunks:     t.Chunks,
			Binding:    t.Binding,
			Peer:       t.Peer,
			Direction:  t.Direction,
			Status:     status,
			Error:      msg,
			DurationMS: elapsed.Milliseconds(),
			StartedAt:  now.Add(-elapsed).UnixMilli(),
			FinishedAt: now.UnixMilli(),
		}
		if err := s.db.Create(&rec).Error; err != nil {
			s.logger.Warn("failed to record transfer", zap.String("file", t.File), zap.Error(err))
		}
		return
	}

	res := s.db.Model(&Record{}).Where("id = ?", id).Updates(map[string]any{
		"status":      status,
		"error":       msg,
		"duration_ms": elapsed.Milliseconds(),
		"finished_at": now.UnixMilli(),
	})
	if res.Error != nil {
		s.logger.Warn("failed to record transfer end", zap.String("file", t.File), zap.Error(res.Error))
	}
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []Record
	if err := s.db.Order("id desc").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ByFile returns every record for name, oldest first.
func (s *Store) ByFile(name string) ([]Record, error) {
	var out []Record
	if err := s.db.Where("file = ?", name).Order("id asc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ErrNoHistory is returned by Last when nothing has been recorded.
var ErrNoHistory = errors.New("no transfers recorded")

// Last returns the most recent record.
func (s *Store) Last() (Record, error) {
	var rec Record
	err := s.db.Order("id desc").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNoHistory
	}
	return rec, err
}

// String renders a record as one line.
func (r Record) String() string {
	line := fmt.Sprintf("%s %s %s %dB chunks=%d via %s peer=%s in %dms",
		time.UnixMilli(r.StartedAt).Format(time.DateTime), r.Direction, r.File, r.Size, r.Chunks, r.Binding, r.Peer, r.DurationMS)
	switch r.Status {
	case StatusFailed:
		return line + " FAILED: " + r.Error
	case StatusRunning:
		return line + " (running)"
	}
	return line
}
