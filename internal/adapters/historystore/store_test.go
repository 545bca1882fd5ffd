package historystore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/swamppop/chasingyourtail/internal/core/domain"
)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "cyt.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	s, err := NewStore(context.Background(), db)
	require.NoError(t, err)
	return s, db
}

func TestRecordAndFlush(t *testing.T) {
	s, db := newTestStore(t)
	now := time.Now().Unix()

	s.Record("AA:BB:CC:DD:EE:01", now-120, "loc-1")
	s.Record("AA:BB:CC:DD:EE:01", now-60, "loc-2")
	s.Record("AA:BB:CC:DD:EE:02", now-30, "")
	require.NoError(t, s.Flush(context.Background()))

	var dev DeviceRecord
	require.NoError(t, db.Where("mac = ?", "AA:BB:CC:DD:EE:01").First(&dev).Error)
	assert.Equal(t, now-120, dev.FirstSeenUnix)
	assert.Equal(t, now-60, dev.LastSeenUnix)
	assert.EqualValues(t, 2, dev.TotalAppearances)

	var count int64
	require.NoError(t, db.Model(&AppearanceRecord{}).Count(&count).Error)
	assert.EqualValues(t, 3, count)
}

func TestFlushAccumulatesAcrossBatches(t *testing.T) {
	s, db := newTestStore(t)
	now := time.Now().Unix()

	s.Record("AA:BB:CC:DD:EE:01", now-300, "loc-1")
	require.NoError(t, s.Flush(context.Background()))
	s.Record("AA:BB:CC:DD:EE:01", now-10, "loc-1")
	require.NoError(t, s.Flush(context.Background()))

	var dev DeviceRecord
	require.NoError(t, db.Where("mac = ?", "AA:BB:CC:DD:EE:01").First(&dev).Error)
	assert.Equal(t, now-300, dev.FirstSeenUnix)
	assert.Equal(t, now-10, dev.LastSeenUnix)
	assert.EqualValues(t, 2, dev.TotalAppearances)
}

func TestHistory(t *testing.T) {
	s, _ := newTestStore(t)
	now := time.Now().Unix()

	s.Record("AA:BB:CC:DD:EE:01", now-3600, "loc-1")
	s.Record("AA:BB:CC:DD:EE:01", now-1800, "loc-2")
	s.Record("AA:BB:CC:DD:EE:01", now-60, "loc-2")
	require.NoError(t, s.Flush(context.Background()))

	h, err := s.History(context.Background(), "AA:BB:CC:DD:EE:01", now-7200)
	require.NoError(t, err)
	assert.Equal(t, 3, h.AppearanceCount())
	assert.Len(t, h.LocationIDs, 2)
	assert.Equal(t, now-3600, h.FirstSeenUnix)
	assert.Equal(t, now-60, h.LastSeenUnix)

	// The since bound trims older appearances.
	h, err = s.History(context.Background(), "AA:BB:CC:DD:EE:01", now-600)
	require.NoError(t, err)
	assert.Equal(t, 1, h.AppearanceCount())
}

func TestHistoryUnknownMACIsEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	h, err := s.History(context.Background(), "00:00:00:00:00:01", 0)
	require.NoError(t, err)
	assert.Zero(t, h.AppearanceCount())
}

func TestAllAppearancesBetween(t *testing.T) {
	s, _ := newTestStore(t)
	now := time.Now().Unix()

	s.Record("AA:BB:CC:DD:EE:02", now-200, "")
	s.Record("AA:BB:CC:DD:EE:01", now-200, "")
	s.Record("AA:BB:CC:DD:EE:01", now-50, "")
	require.NoError(t, s.Flush(context.Background()))

	apps, err := s.AllAppearancesBetween(context.Background(), now-300, now-100)
	require.NoError(t, err)
	require.Len(t, apps, 2)
	// Time then mac ordering.
	assert.Equal(t, domain.Identifier("AA:BB:CC:DD:EE:01"), apps[0].MAC)
	assert.Equal(t, domain.Identifier("AA:BB:CC:DD:EE:02"), apps[1].MAC)
	assert.Equal(t, s.SessionID(), apps[0].SessionID)
}

func TestBackgroundLoopFlushesOnShutdown(t *testing.T) {
	s, db := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	now := time.Now().Unix()
	s.Record("AA:BB:CC:DD:EE:01", now, "loc-1")
	cancel()
	s.Wait()

	var count int64
	require.NoError(t, db.Model(&AppearanceRecord{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "cyt.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	s, err := NewStore(context.Background(), db, WithBatchSize(2), WithFlushInterval(time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	now := time.Now().Unix()
	s.Record("AA:BB:CC:DD:EE:01", now-2, "")
	s.Record("AA:BB:CC:DD:EE:01", now-1, "")

	require.Eventually(t, func() bool {
		var count int64
		db.Model(&AppearanceRecord{}).Count(&count)
		return count == 2
	}, 2*time.Second, 20*time.Millisecond)
}
