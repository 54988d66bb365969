package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"curvance/core/events"
	"curvance/core/types"
)

// Record is one persisted protocol event.
type Record struct {
	Seq        uint64    `gorm:"primaryKey;autoIncrement"`
	ID         uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Type       string    `gorm:"index;not null"`
	Attributes string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"index"`
}

// TableName pins the table name regardless of the naming strategy.
func (Record) TableName() string { return "protocol_events" }

// Event decodes the stored attributes.
func (r Record) Event() (*types.Event, error) {
	evt := &types.Event{Type: r.Type, Attributes: map[string]string{}}
	if r.Attributes == "" {
		return evt, nil
	}
	if err := json.Unmarshal([]byte(r.Attributes), &evt.Attributes); err != nil {
		return nil, fmt.Errorf("eventlog: decode record %d: %w", r.Seq, err)
	}
	return evt, nil
}

// Store persists broadcastable events through GORM. It satisfies
// events.Emitter so it can sit behind the node's event fanout.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time
}

// Open connects to dsn. DSNs starting with postgres:// or postgresql:// use
// Postgres; anything else is treated as a SQLite path or URI.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("eventlog: dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("eventlog: open: %w", err)
	}
	return New(db)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("eventlog: database required")
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("eventlog: migrate: %w", err)
	}
	return &Store{db: db, logger: slog.Default(), nowFn: time.Now}, nil
}

// SetLogger overrides the logger used for write failures.
func (s *Store) SetLogger(logger *slog.Logger) {
	if s != nil && logger != nil {
		s.logger = logger
	}
}

// Emit persists evt when it can render itself. Write failures are logged;
// the committed state transition is not affected.
func (s *Store) Emit(evt events.Event) {
	if s == nil || evt == nil {
		return
	}
	if err := s.Append(context.Background(), evt); err != nil {
		s.logger.Error("persist event", "type", evt.EventType(), "error", err)
	}
}

// Append writes one event.
func (s *Store) Append(ctx context.Context, evt events.Event) error {
	broadcastable, ok := evt.(events.Broadcastable)
	if !ok {
		return nil
	}
	rendered := broadcastable.Event()
	if rendered == nil {
		return nil
	}
	attrs, err := json.Marshal(rendered.Attributes)
	if err != nil {
		return fmt.Errorf("eventlog: encode %s: %w", rendered.Type, err)
	}
	record := Record{
		ID:         uuid.New(),
		Type:       rendered.Type,
		Attributes: string(attrs),
		CreatedAt:  s.nowFn().UTC(),
	}
	return s.db.WithContext(ctx).Create(&record).Error
}

// Query filters stored events.
type Query struct {
	// Type matches exactly, or by prefix when it ends with a dot.
	Type  string
	After uint64
	Limit int
}

const maxQueryLimit = 500

// List returns events in insertion order.
func (s *Store) List(ctx context.Context, q Query) ([]Record, error) {
	limit := q.Limit
	if limit <= 0 || limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	tx := s.db.WithContext(ctx).Model(&Record{}).Where("seq > ?", q.After)
	if typ := strings.TrimSpace(q.Type); typ != "" {
		if strings.HasSuffix(typ, ".") {
			tx = tx.Where("type LIKE ?", typ+"%")
		} else {
			tx = tx.Where("type = ?", typ)
		}
	}
	var records []Record
	if err := tx.Order("seq ASC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("eventlog: list: %w", err)
	}
	return records, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
