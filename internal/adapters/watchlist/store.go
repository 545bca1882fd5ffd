package watchlist

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/swamppop/chasingyourtail/internal/core/domain"
)

// Conventional file names inside the ignore-list directory.
const (
	MACListFile  = "mac_list.txt"
	SSIDListFile = "ssid_list.txt"
)

// WatchEntry is the persisted watchlist row.
type WatchEntry struct {
	ID    string `gorm:"primaryKey"`
	Alias string
	Kind  string
	Notes string
}

// TableName keeps the table named after what it holds.
func (WatchEntry) TableName() string { return "watchlist" }

// Store holds the in-memory ignore sets and the persisted watchlist.
// Lookups are read-mostly; writes happen only on Reload and upserts.
type Store struct {
	db      *gorm.DB
	listDir string

	mu          sync.RWMutex
	ignoredMACs map[string]struct{}
	ignoredSSID map[string]struct{}
	watched     map[string]domain.ListEntry
}

// NewStore migrates the watchlist table on db and loads the list files
// from listDir. Missing list files are not an error: the corresponding
// set is simply empty.
func NewStore(ctx context.Context, db *gorm.DB, listDir string) (*Store, error) {
	if err := db.WithContext(ctx).AutoMigrate(&WatchEntry{}); err != nil {
		return nil, err
	}
	s := &Store{
		db:          db,
		listDir:     listDir,
		ignoredMACs: make(map[string]struct{}),
		ignoredSSID: make(map[string]struct{}),
		watched:     make(map[string]domain.ListEntry),
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-parses the list files and re-reads the watchlist table,
// swapping the in-memory sets atomically.
func (s *Store) Reload(ctx context.Context) error {
	macs := s.loadSet(filepath.Join(s.listDir, MACListFile), domain.KindMac)
	ssids := s.loadSet(filepath.Join(s.listDir, SSIDListFile), domain.KindSsid)

	var rows []WatchEntry
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return err
	}
	watched := make(map[string]domain.ListEntry, len(rows))
	for _, row := range rows {
		watched[row.ID] = domain.ListEntry{
			Value: row.ID,
			Alias: row.Alias,
			Kind:  domain.ListKind(row.Kind),
			Notes: row.Notes,
		}
	}

	s.mu.Lock()
	s.ignoredMACs = macs
	s.ignoredSSID = ssids
	s.watched = watched
	s.mu.Unlock()

	slog.Info("lists reloaded",
		slog.Int("ignored_macs", len(macs)),
		slog.Int("ignored_ssids", len(ssids)),
		slog.Int("watchlist", len(watched)))
	return nil
}

func (s *Store) loadSet(path string, kind domain.ListKind) map[string]struct{} {
	lf, parseErrs, err := LoadListFile(path, kind)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("list file unreadable", slog.String("path", path), slog.Any("error", err))
		}
		return make(map[string]struct{})
	}
	for _, pe := range parseErrs {
		slog.Warn("skipping malformed list line", slog.Any("error", pe))
	}
	return lf.Set()
}

// IsIgnoredMAC reports whether mac is on the ignore list.
func (s *Store) IsIgnoredMAC(mac domain.Identifier) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ignoredMACs[string(mac)]
	return ok
}

// IsIgnoredSSID reports whether ssid is on the ignore list,
// case-insensitively.
func (s *Store) IsIgnoredSSID(ssid string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ignoredSSID[strings.ToLower(ssid)]
	return ok
}

// WatchlistEntryFor returns the watchlist entry for mac, if any.
func (s *Store) WatchlistEntryFor(mac domain.Identifier) (domain.ListEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.watched[string(mac)]
	return e, ok
}

// WatchlistEntryForSSID returns the watchlist entry for ssid, if any.
func (s *Store) WatchlistEntryForSSID(ssid string) (domain.ListEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.watched[strings.ToLower(ssid)]
	if ok && e.Kind != domain.KindSsid {
		return domain.ListEntry{}, false
	}
	return e, ok
}

// UpsertWatchlistEntry persists entry and refreshes the in-memory map.
func (s *Store) UpsertWatchlistEntry(ctx context.Context, entry domain.ListEntry) error {
	if entry.Kind == domain.KindMac {
		mac, err := domain.NormalizeMAC(entry.Value)
		if err != nil {
			return err
		}
		entry.Value = string(mac)
	} else {
		entry.Value = strings.ToLower(entry.Value)
	}

	row := WatchEntry{ID: entry.Value, Alias: entry.Alias, Kind: string(entry.Kind), Notes: entry.Notes}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.watched[entry.Value] = entry
	s.mu.Unlock()
	return nil
}
