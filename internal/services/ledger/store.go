package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/amerfu/spendgate/pkg/events"
)

const (
	writeQueueSize = 1024
	writeTimeout   = 5 * time.Second
)

// Record is the durable row for one ledger entry.
type Record struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	Timestamp    time.Time      `gorm:"index" json:"timestamp"`
	Model        string         `gorm:"index" json:"model"`
	UserID       string         `gorm:"index" json:"user_id"`
	Feature      string         `json:"feature"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	ActualCost   float64        `json:"actual_cost"`
	SavedCost    float64        `json:"saved_cost"`
	Savings      datatypes.JSON `json:"savings,omitempty"`
}

func (Record) TableName() string { return "ledger_entries" }

// Store persists entries through GORM behind a buffered queue so the
// request path never blocks on the database. Overflow drops the entry
// and reports storage:error.
type Store struct {
	db     *gorm.DB
	bus    *events.Bus
	logger *zap.Logger

	queue chan Entry
	wg    sync.WaitGroup
	once  sync.Once
}

func NewStore(db *gorm.DB, bus *events.Bus, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger store: nil db")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("ledger store: migrate: %w", err)
	}

	s := &Store{
		db:     db,
		bus:    bus,
		logger: logger,
		queue:  make(chan Entry, writeQueueSize),
	}
	s.wg.Add(1)
	go s.writer()
	return s, nil
}

// Enqueue hands an entry to the background writer without blocking.
func (s *Store) Enqueue(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case s.queue <- e:
	default:
		s.logger.Warn("ledger write queue full, dropping entry",
			zap.String("model", e.Model))
		s.storageError("enqueue", "ledger write queue full")
	}
}

func (s *Store) writer() {
	defer s.wg.Done()
	for e := range s.queue {
		if err := s.insert(e); err != nil {
			s.logger.Warn("ledger insert failed",
				zap.String("model", e.Model), zap.Error(err))
			s.storageError("insert", err.Error())
		}
	}
}

func (s *Store) insert(e Entry) error {
	rec := Record{
		Timestamp:    e.Timestamp,
		Model:        e.Model,
		UserID:       e.User,
		Feature:      e.Feature,
		InputTokens:  e.InputTokens,
		OutputTokens: e.OutputTokens,
		ActualCost:   e.ActualCost,
		SavedCost:    e.SavedCost,
	}
	if len(e.Savings) > 0 {
		raw, err := json.Marshal(e.Savings)
		if err == nil {
			rec.Savings = datatypes.JSON(raw)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return s.db.WithContext(ctx).Create(&rec).Error
}

func (s *Store) storageError(op, msg string) {
	if s.bus != nil {
		s.bus.Emit(events.StorageError, events.StoragePayload{Op: op, Error: msg})
	}
}

type modelRow struct {
	Model        string
	Entries      int64
	InputTokens  int64
	OutputTokens int64
	ActualCost   float64
	SavedCost    float64
}

// Summary aggregates the persisted history in SQL.
func (s *Store) Summary(ctx context.Context) (Summary, error) {
	var rows []modelRow
	err := s.db.WithContext(ctx).Model(&Record{}).
		Select(`model,
			COUNT(*) AS entries,
			COALESCE(SUM(input_tokens), 0) AS input_tokens,
			COALESCE(SUM(output_tokens), 0) AS output_tokens,
			COALESCE(SUM(actual_cost), 0) AS actual_cost,
			COALESCE(SUM(saved_cost), 0) AS saved_cost`).
		Group("model").
		Scan(&rows).Error
	if err != nil {
		return Summary{}, fmt.Errorf("ledger summary: %w", err)
	}

	sum := Summary{
		ByModel:   make(map[string]ModelTotals, len(rows)),
		ByFeature: make(map[string]float64),
	}
	for _, r := range rows {
		sum.TotalEntries += r.Entries
		sum.TotalInputTokens += r.InputTokens
		sum.TotalOutputTokens += r.OutputTokens
		sum.TotalActualCost += r.ActualCost
		sum.TotalSavedCost += r.SavedCost
		sum.ByModel[r.Model] = ModelTotals{
			Entries:      r.Entries,
			InputTokens:  r.InputTokens,
			OutputTokens: r.OutputTokens,
			ActualCost:   r.ActualCost,
			SavedCost:    r.SavedCost,
		}
	}

	type featureRow struct {
		Feature   string
		SavedCost float64
	}
	var frows []featureRow
	err = s.db.WithContext(ctx).Model(&Record{}).
		Select(`feature, COALESCE(SUM(saved_cost), 0) AS saved_cost`).
		Where("feature <> ''").
		Group("feature").
		Scan(&frows).Error
	if err != nil {
		return Summary{}, fmt.Errorf("ledger summary by feature: %w", err)
	}
	for _, r := range frows {
		sum.ByFeature[r.Feature] = r.SavedCost
	}

	var oldest time.Time
	row := s.db.WithContext(ctx).Model(&Record{}).
		Select("MIN(timestamp)").Row()
	if row != nil {
		_ = row.Scan(&oldest)
	}
	sum.Since = oldest
	return sum, nil
}

// Recent loads up to n persisted records, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		n = 50
	}
	var recs []Record
	err := s.db.WithContext(ctx).
		Order("timestamp DESC").
		Limit(n).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("ledger recent: %w", err)
	}
	return recs, nil
}

// Close stops the writer after draining the queue. Entries enqueued
// before Close are persisted; Enqueue must not be called after.
func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.queue)
	})
	s.wg.Wait()
	return nil
}
