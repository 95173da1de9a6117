// Package store persists sessions and their message history in SQLite.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/pontis-dev/pontis/internal/bridge"
)

// ErrNotFound is returned when a session id has no durable record.
var ErrNotFound = errors.New("session record not found")

// sessionRecord is the GORM model backing one session.
type sessionRecord struct {
	ID               string `gorm:"primaryKey;size:64"`
	Backend          string `gorm:"size:16;not null"`
	Title            string `gorm:"size:256"`
	FirstUserMessage string `gorm:"type:text"`
	TitleRequested   bool   `gorm:"default:false"`
	State            string `gorm:"type:text"`
	NextSeq          int64  `gorm:"not null;default:1"`
	LastAckSeq       int64  `gorm:"not null;default:0"`
	DedupIDs         string `gorm:"type:text"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (sessionRecord) TableName() string { return "sessions" }

// historyRecord is one chat-visible event in a session's durable history.
type historyRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:64;index;not null"`
	Seq       int64  `gorm:"not null"`
	Type      string `gorm:"size:32;not null"`
	Data      string `gorm:"type:text"`
	Timestamp time.Time
}

func (historyRecord) TableName() string { return "events" }

// Store is a SQLite-backed implementation of the bridge's durable store.
type Store struct {
	db *gorm.DB
}

// Open creates or opens the database at path, creating parent directories and
// migrating the schema as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create directory for %s: %w", path, err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&sessionRecord{}, &historyRecord{}); err != nil {
		return nil, fmt.Errorf("store: auto-migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return sqlDB.Close()
}

// SaveSession upserts the session's serializable fields. Idempotent.
func (s *Store) SaveSession(snap bridge.SessionSnapshot) error {
	state, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("store: marshal state for %s: %w", snap.ID, err)
	}
	dedup, err := json.Marshal(snap.DedupIDs)
	if err != nil {
		return fmt.Errorf("store: marshal dedup ids for %s: %w", snap.ID, err)
	}

	rec := sessionRecord{
		ID:               snap.ID,
		Backend:          snap.Backend,
		Title:            snap.Title,
		FirstUserMessage: snap.FirstUserMessage,
		TitleRequested:   snap.TitleRequested,
		State:            string(state),
		NextSeq:          snap.NextSeq,
		LastAckSeq:       snap.LastAckSeq,
		DedupIDs:         string(dedup),
		CreatedAt:        snap.CreatedAt,
		UpdatedAt:        snap.UpdatedAt,
	}
	if err := s.db.Save(&rec).Error; err != nil {
		return fmt.Errorf("store: save session %s: %w", snap.ID, err)
	}
	return nil
}

// LoadSession reads one session's durable record.
func (s *Store) LoadSession(id string) (bridge.SessionSnapshot, error) {
	var rec sessionRecord
	err := s.db.First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return bridge.SessionSnapshot{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return bridge.SessionSnapshot{}, fmt.Errorf("store: load session %s: %w", id, err)
	}
	return recordToSnapshot(rec)
}

// ListSessions returns every persisted session, most recently updated first.
func (s *Store) ListSessions() ([]bridge.SessionSnapshot, error) {
	var recs []sessionRecord
	if err := s.db.Order("updated_at DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	out := make([]bridge.SessionSnapshot, 0, len(recs))
	for _, rec := range recs {
		snap, err := recordToSnapshot(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// DeleteSession removes a session and its history.
func (s *Store) DeleteSession(id string) error {
	if err := s.db.Delete(&sessionRecord{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("store: delete session %s: %w", id, err)
	}
	if err := s.db.Delete(&historyRecord{}, "session_id = ?", id).Error; err != nil {
		return fmt.Errorf("store: delete history for %s: %w", id, err)
	}
	return nil
}

// AppendHistory appends one chat-visible event to a session's history.
func (s *Store) AppendHistory(sessionID string, entry bridge.HistoryEntry) error {
	rec := historyRecord{
		SessionID: sessionID,
		Seq:       entry.Seq,
		Type:      string(entry.Type),
		Data:      string(entry.Data),
		Timestamp: entry.Timestamp,
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("store: append history for %s: %w", sessionID, err)
	}
	return nil
}

// History returns a session's full message history in sequence order.
func (s *Store) History(sessionID string) ([]bridge.HistoryEntry, error) {
	return s.historyWhere(sessionID, s.db.Where("session_id = ?", sessionID))
}

// HistoryAfter returns the history entries with seq > afterSeq.
func (s *Store) HistoryAfter(sessionID string, afterSeq int64) ([]bridge.HistoryEntry, error) {
	return s.historyWhere(sessionID, s.db.Where("session_id = ? AND seq > ?", sessionID, afterSeq))
}

func (s *Store) historyWhere(sessionID string, tx *gorm.DB) ([]bridge.HistoryEntry, error) {
	var recs []historyRecord
	if err := tx.Order("seq ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("store: read history for %s: %w", sessionID, err)
	}
	out := make([]bridge.HistoryEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, bridge.HistoryEntry{
			Seq:       rec.Seq,
			Type:      bridge.EventType(rec.Type),
			Data:      json.RawMessage(rec.Data),
			Timestamp: rec.Timestamp,
		})
	}
	return out, nil
}

func recordToSnapshot(rec sessionRecord) (bridge.SessionSnapshot, error) {
	snap := bridge.SessionSnapshot{
		ID:               rec.ID,
		Backend:          rec.Backend,
		Title:            rec.Title,
		FirstUserMessage: rec.FirstUserMessage,
		TitleRequested:   rec.TitleRequested,
		NextSeq:          rec.NextSeq,
		LastAckSeq:       rec.LastAckSeq,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}
	if rec.State != "" {
		if err := json.Unmarshal([]byte(rec.State), &snap.State); err != nil {
			return bridge.SessionSnapshot{}, fmt.Errorf("store: decode state for %s: %w", rec.ID, err)
		}
	}
	if rec.DedupIDs != "" {
		if err := json.Unmarshal([]byte(rec.DedupIDs), &snap.DedupIDs); err != nil {
			return bridge.SessionSnapshot{}, fmt.Errorf("store: decode dedup ids for %s: %w", rec.ID, err)
		}
	}
	return snap, nil
}
