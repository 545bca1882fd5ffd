// Package historystore archives device appearances: an append-only
// record of which mac was seen where and when, across sessions. Writes
// are batched on a background goroutine so the detection path never
// blocks on the database.
package historystore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/swamppop/chasingyourtail/internal/core/domain"
)

var (
	batchesFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cyt_history_batches_flushed_total",
		Help: "The total number of appearance batches written to the archive",
	})
	batchesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cyt_history_batches_dropped_total",
		Help: "The total number of appearance batches dropped after a failed retry",
	})
)

// DeviceRecord is the per-mac summary row.
type DeviceRecord struct {
	MAC              string `gorm:"primaryKey;column:mac"`
	FirstSeenUnix    int64
	LastSeenUnix     int64
	TotalAppearances int64
}

// TableName keeps the archive tables named plainly.
func (DeviceRecord) TableName() string { return "devices" }

// AppearanceRecord is one archived appearance.
type AppearanceRecord struct {
	ID         uint   `gorm:"primaryKey"`
	MAC        string `gorm:"index;column:mac"`
	SeenUnix   int64  `gorm:"index"`
	LocationID string
	SessionID  string
}

func (AppearanceRecord) TableName() string { return "appearances" }

// Store batches appearance writes and serves history reads.
type Store struct {
	db        *gorm.DB
	sessionID string

	queue     chan domain.Appearance
	batchSize int
	interval  time.Duration

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

// Option tunes a Store.
type Option func(*Store)

// WithBatchSize overrides the flush-by-count trigger.
func WithBatchSize(n int) Option { return func(s *Store) { s.batchSize = n } }

// WithFlushInterval overrides the flush-by-age trigger.
func WithFlushInterval(d time.Duration) Option { return func(s *Store) { s.interval = d } }

// NewStore migrates the archive tables and returns a store bound to a
// fresh session id.
func NewStore(ctx context.Context, db *gorm.DB, opts ...Option) (*Store, error) {
	if err := db.WithContext(ctx).AutoMigrate(&DeviceRecord{}, &AppearanceRecord{}); err != nil {
		return nil, err
	}
	s := &Store{
		db:        db,
		sessionID: uuid.NewString(),
		queue:     make(chan domain.Appearance, 4096),
		batchSize: 500,
		interval:  30 * time.Second,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SessionID returns the id stamped on this run's appearances.
func (s *Store) SessionID() string { return s.sessionID }

// Record enqueues an appearance. The queue is bounded: when full the
// newest appearance is dropped rather than blocking the caller.
func (s *Store) Record(mac domain.Identifier, seenUnix int64, locationID string) {
	a := domain.Appearance{
		MAC:        mac,
		LocationID: locationID,
		SeenUnix:   seenUnix,
		SessionID:  s.sessionID,
	}
	select {
	case s.queue <- a:
	default:
		slog.Warn("appearance queue full, dropping", slog.String("mac", string(mac)))
	}
}

// Start begins the background flush loop. It flushes when the batch
// reaches batchSize or interval elapses, whichever comes first, and
// drains on ctx cancellation.
func (s *Store) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		var batch []domain.Appearance
		for {
			select {
			case <-ctx.Done():
				batch = append(batch, s.drain()...)
				s.flush(batch)
				return
			case a := <-s.queue:
				batch = append(batch, a)
				if len(batch) >= s.batchSize {
					s.flush(batch)
					batch = nil
				}
			case <-ticker.C:
				if len(batch) > 0 {
					s.flush(batch)
					batch = nil
				}
			}
		}
	}()
}

// Flush synchronously writes everything currently queued. Used at
// shutdown and by tests; the background loop handles steady state.
func (s *Store) Flush(ctx context.Context) error {
	s.flush(s.drain())
	return ctx.Err()
}

// Wait blocks until the background loop has exited after Start's ctx
// was cancelled.
func (s *Store) Wait() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.done
	}
}

func (s *Store) drain() []domain.Appearance {
	var out []domain.Appearance
	for {
		select {
		case a := <-s.queue:
			out = append(out, a)
		default:
			return out
		}
	}
}

// flush writes one batch: an upsert per distinct mac into devices plus
// an insert per appearance. One retry, then the batch is dropped —
// appearance loss is preferred over blocking the live path.
func (s *Store) flush(batch []domain.Appearance) {
	if len(batch) == 0 {
		return
	}
	err := s.writeBatch(batch)
	if err != nil {
		slog.Warn("history flush failed, retrying once", slog.Any("error", err))
		err = s.writeBatch(batch)
	}
	if err != nil {
		batchesDropped.Inc()
		werr := &domain.HistoryWriteError{BatchSize: len(batch), Err: err}
		slog.Warn("history flush failed", slog.Any("error", werr))
		return
	}
	batchesFlushed.Inc()
}

func (s *Store) writeBatch(batch []domain.Appearance) error {
	// Per-mac summary deltas for the devices upsert.
	type summary struct {
		first, last int64
		count       int64
	}
	summaries := make(map[string]*summary)
	rows := make([]AppearanceRecord, 0, len(batch))
	for _, a := range batch {
		rows = append(rows, AppearanceRecord{
			MAC:        string(a.MAC),
			SeenUnix:   a.SeenUnix,
			LocationID: a.LocationID,
			SessionID:  a.SessionID,
		})
		sm, ok := summaries[string(a.MAC)]
		if !ok {
			summaries[string(a.MAC)] = &summary{first: a.SeenUnix, last: a.SeenUnix, count: 1}
			continue
		}
		if a.SeenUnix < sm.first {
			sm.first = a.SeenUnix
		}
		if a.SeenUnix > sm.last {
			sm.last = a.SeenUnix
		}
		sm.count++
	}

	devices := make([]DeviceRecord, 0, len(summaries))
	for mac, sm := range summaries {
		devices = append(devices, DeviceRecord{
			MAC:              mac,
			FirstSeenUnix:    sm.first,
			LastSeenUnix:     sm.last,
			TotalAppearances: sm.count,
		})
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "mac"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"first_seen_unix":   gorm.Expr("MIN(devices.first_seen_unix, excluded.first_seen_unix)"),
				"last_seen_unix":    gorm.Expr("MAX(devices.last_seen_unix, excluded.last_seen_unix)"),
				"total_appearances": gorm.Expr("devices.total_appearances + excluded.total_appearances"),
			}),
		}).Create(&devices).Error
		if err != nil {
			return err
		}
		return tx.CreateInBatches(rows, 200).Error
	})
}

// History returns the archived history for mac since sinceUnix. The
// returned observations carry timestamps and clustered locations only;
// signal-level detail lives in the session's in-memory history.
func (s *Store) History(ctx context.Context, mac domain.Identifier, sinceUnix int64) (domain.DeviceHistory, error) {
	var rows []AppearanceRecord
	err := s.db.WithContext(ctx).
		Where("mac = ? AND seen_unix >= ?", string(mac), sinceUnix).
		Order("seen_unix ASC").
		Find(&rows).Error
	if err != nil {
		return domain.DeviceHistory{}, err
	}

	h := domain.NewDeviceHistory(mac, domain.DeviceUnknown)
	for _, row := range rows {
		h.Append(domain.Observation{TimestampUnix: row.SeenUnix})
		if row.LocationID != "" {
			h.LocationIDs[row.LocationID] = struct{}{}
		}
	}
	return h, nil
}

// AllAppearancesBetween returns every archived appearance in
// [startUnix, endUnix], ordered by time then mac.
func (s *Store) AllAppearancesBetween(ctx context.Context, startUnix, endUnix int64) ([]domain.Appearance, error) {
	var rows []AppearanceRecord
	err := s.db.WithContext(ctx).
		Where("seen_unix >= ? AND seen_unix <= ?", startUnix, endUnix).
		Order("seen_unix ASC, mac ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.Appearance, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.Appearance{
			MAC:        domain.Identifier(row.MAC),
			LocationID: row.LocationID,
			SeenUnix:   row.SeenUnix,
			SessionID:  row.SessionID,
		})
	}
	return out, nil
}
