package monitor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swamppop/chasingyourtail/internal/core/domain"
	"github.com/swamppop/chasingyourtail/internal/core/ports"
	"github.com/swamppop/chasingyourtail/internal/core/services/behavioral"
	"github.com/swamppop/chasingyourtail/internal/core/services/scoring"
	"github.com/swamppop/chasingyourtail/internal/core/services/window"
)

type fakeReader struct {
	sightings []domain.DeviceSighting
	dbErr     error
}

func (f *fakeReader) LatestDBPath(context.Context, string) (string, error) {
	if f.dbErr != nil {
		return "", f.dbErr
	}
	return "fixture", nil
}
func (f *fakeReader) FetchSightingsSince(context.Context, string, int64) ([]domain.DeviceSighting, error) {
	return f.sightings, nil
}
func (f *fakeReader) FetchUAVSightingsSince(context.Context, string, int64) ([]domain.DeviceSighting, error) {
	return nil, nil
}
func (f *fakeReader) FetchProbes(context.Context, string, domain.Identifier) ([]ports.ProbeCount, error) {
	return nil, nil
}
func (f *fakeReader) LastUpdateAge(context.Context, string, time.Time) (time.Duration, error) {
	return 0, nil
}

type fakeLists struct {
	ignoredMACs map[domain.Identifier]bool
	watched     map[domain.Identifier]domain.ListEntry
}

func newFakeLists() *fakeLists {
	return &fakeLists{ignoredMACs: map[domain.Identifier]bool{}, watched: map[domain.Identifier]domain.ListEntry{}}
}
func (f *fakeLists) IsIgnoredMAC(mac domain.Identifier) bool { return f.ignoredMACs[mac] }
func (f *fakeLists) IsIgnoredSSID(string) bool               { return false }
func (f *fakeLists) WatchlistEntryFor(mac domain.Identifier) (domain.ListEntry, bool) {
	e, ok := f.watched[mac]
	return e, ok
}
func (f *fakeLists) WatchlistEntryForSSID(string) (domain.ListEntry, bool) {
	return domain.ListEntry{}, false
}
func (f *fakeLists) UpsertWatchlistEntry(context.Context, domain.ListEntry) error { return nil }
func (f *fakeLists) Reload(context.Context) error                                 { return nil }

type fakeHistoryStore struct {
	recorded []domain.Appearance
}

func (f *fakeHistoryStore) Record(mac domain.Identifier, seenUnix int64, locationID string) {
	f.recorded = append(f.recorded, domain.Appearance{MAC: mac, SeenUnix: seenUnix, LocationID: locationID})
}
func (f *fakeHistoryStore) History(context.Context, domain.Identifier, int64) (domain.DeviceHistory, error) {
	return domain.DeviceHistory{}, nil
}
func (f *fakeHistoryStore) Flush(context.Context) error { return nil }

type fakeSupervisor struct {
	healthy      bool
	checks       int
	restarts     int
	fatalAfter   int
}

func (f *fakeSupervisor) Check(context.Context) (ports.Health, error) {
	f.checks++
	if f.healthy {
		return ports.Health{ProcessOK: true, DatabaseOK: true, FreshnessOK: true}, nil
	}
	return ports.Health{}, &domain.SupervisorFailure{ConsecutiveFailures: f.checks}
}
func (f *fakeSupervisor) MaybeRestart(_ context.Context, h ports.Health) error {
	if h.Healthy() {
		return nil
	}
	if f.Fatal() {
		return nil
	}
	f.restarts++
	return &domain.RestartFailure{Attempt: f.restarts, Err: context.DeadlineExceeded}
}
func (f *fakeSupervisor) Fatal() bool { return f.fatalAfter > 0 && f.restarts >= f.fatalAfter }

type fakeBus struct {
	alerts []domain.Alert
}

func (f *fakeBus) Publish(a domain.Alert) { f.alerts = append(f.alerts, a) }

func (f *fakeBus) ofType(t domain.AlertType) []domain.Alert {
	var out []domain.Alert
	for _, a := range f.alerts {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

type harness struct {
	loop   *Loop
	reader *fakeReader
	lists  *fakeLists
	store  *fakeHistoryStore
	sup    *fakeSupervisor
	bus    *fakeBus
	now    time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		reader: &fakeReader{},
		lists:  newFakeLists(),
		store:  &fakeHistoryStore{},
		sup:    &fakeSupervisor{healthy: true},
		bus:    &fakeBus{},
		now:    time.Unix(1_700_000_000, 0),
	}
	scorerCfg := scoring.DefaultConfig()
	scorerCfg.MinAppearances = cfg.MinAppearances
	h.loop = NewLoop(cfg, Deps{
		Reader:     h.reader,
		Lists:      h.lists,
		History:    h.store,
		Tracker:    window.NewTracker(window.DefaultSpans()),
		Scorer:     scoring.NewScorer(scoring.DefaultWeights(), scorerCfg),
		Classifier: behavioral.NewClassifier(cfg.MinAppearances),
		Supervisor: h.sup,
		Bus:        h.bus,
	})
	h.loop.clock = func() time.Time { return h.now }
	return h
}

func (h *harness) tickAt(offset time.Duration) {
	h.now = time.Unix(1_700_000_000, 0).Add(offset)
	h.loop.Tick(context.Background())
}

func sightingAt(mac string, last int64) domain.DeviceSighting {
	return domain.DeviceSighting{
		MAC:                domain.Identifier(mac),
		FirstTimeUnix:      last - 10,
		LastTimeUnix:       last,
		StrongestSignalDBM: -60,
		Type:               domain.DeviceWifiClient,
	}
}

func TestKnownDroneOUIAlert(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.reader.sightings = []domain.DeviceSighting{{
		MAC:           "60:60:1F:AA:BB:CC",
		FirstTimeUnix: h.now.Unix() - 5,
		LastTimeUnix:  h.now.Unix(),
		Type:          domain.DeviceWifiClient,
		Manufacturer:  "DJI",
	}}

	h.tickAt(0)

	drones := h.bus.ofType(domain.AlertKnownDroneOui)
	require.Len(t, drones, 1)
	assert.Equal(t, domain.Identifier("60:60:1F:AA:BB:CC"), drones[0].MAC)
	assert.Equal(t, domain.LevelCritical, drones[0].Level)
}

func TestIgnoredMACNeverAppears(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.lists.ignoredMACs["AA:BB:CC:DD:EE:FF"] = true
	h.reader.sightings = []domain.DeviceSighting{sightingAt("AA:BB:CC:DD:EE:FF", h.now.Unix())}

	for i := 0; i < 5; i++ {
		h.tickAt(time.Duration(i) * time.Minute)
	}

	assert.Empty(t, h.bus.alerts)
	assert.Empty(t, h.store.recorded)
	assert.Zero(t, h.loop.tracker.CoverageCount("AA:BB:CC:DD:EE:FF"))
	assert.NotContains(t, h.loop.histories, domain.Identifier("AA:BB:CC:DD:EE:FF"))
}

func TestWatchlistWinsOverIgnoreList(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	mac := domain.Identifier("AA:BB:CC:DD:EE:FF")
	h.lists.ignoredMACs[mac] = true
	h.lists.watched[mac] = domain.ListEntry{Value: string(mac), Alias: "tail", Kind: domain.KindMac}
	h.reader.sightings = []domain.DeviceSighting{sightingAt(string(mac), h.now.Unix())}

	h.tickAt(0)

	watch := h.bus.ofType(domain.AlertWatchlist)
	require.Len(t, watch, 1)
	assert.Contains(t, watch[0].Reason, "tail")
	// Watched devices are still tracked.
	assert.NotZero(t, h.loop.tracker.CoverageCount(mac))
	assert.Len(t, h.store.recorded, 1)
}

func TestAlertCooldownSuppressesStorm(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg)
	mac := "60:60:1F:AA:BB:CC"

	// A drone sighting every tick for five minutes: one alert, then
	// silence inside the cooldown, then one more after it expires.
	for i := 0; i <= 5; i++ {
		h.reader.sightings = []domain.DeviceSighting{sightingAt(mac, h.now.Unix())}
		h.tickAt(time.Duration(i) * time.Minute)
	}
	assert.Len(t, h.bus.ofType(domain.AlertKnownDroneOui), 2)
}

func TestPersistenceAcrossLocations(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg)
	mac := "11:22:33:44:55:66"

	// The device is sighted at three places >100 m apart, five times at
	// each, over 40 min. Its own fixes from the sniffer carry the
	// positions; the loop clusters them into location ids.
	stops := []float64{40.7000, 40.7100, 40.7200}
	tick := 0
	for _, lat := range stops {
		for i := 0; i < 5; i++ {
			offset := time.Duration(tick) * 160 * time.Second
			s := sightingAt(mac, h.now.Unix())
			s.Location = &domain.Location{Lat: lat, Lon: -74.0000}
			h.reader.sightings = []domain.DeviceSighting{s}
			h.tickAt(offset)
			tick++
		}
	}

	alerts := h.bus.ofType(domain.AlertSurveillancePersistence)
	require.NotEmpty(t, alerts)
	last := alerts[len(alerts)-1]
	assert.GreaterOrEqual(t, last.Level, domain.LevelHigh)

	hist := h.loop.histories[domain.Identifier(mac)]
	require.NotNil(t, hist)
	assert.Len(t, hist.LocationIDs, 3)

	// Appearances recorded at the first and third stop carry distinct
	// location ids; revisits would reuse them.
	require.NotEmpty(t, h.store.recorded)
	assert.NotEqual(t, h.store.recorded[0].LocationID, h.store.recorded[len(h.store.recorded)-1].LocationID)
	assert.NotEmpty(t, h.store.recorded[0].LocationID)
}

func TestAPClientCountFeedsClassifier(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ap := domain.Identifier("AA:BB:CC:DD:EE:0A")
	client := domain.Identifier("AA:BB:CC:DD:EE:0C")

	apSighting := sightingAt(string(ap), h.now.Unix())
	apSighting.Type = domain.DeviceWifiAp
	clientSighting := sightingAt(string(client), h.now.Unix())
	clientSighting.AssociatedBSSID = ap

	for i := 0; i < 3; i++ {
		h.reader.sightings = []domain.DeviceSighting{apSighting, clientSighting}
		h.tickAt(time.Duration(i) * time.Minute)
	}

	apHist := h.loop.histories[ap]
	require.NotNil(t, apHist)
	inputs := h.loop.classifierInputs(ap, *apHist)
	assert.True(t, inputs.IsAP)
	assert.Equal(t, 1, inputs.AssociatedClientCount, "the associated client suppresses the no-clients signal")

	// A lone AP nothing ever associated with counts zero clients.
	lonely := domain.Identifier("AA:BB:CC:DD:EE:0B")
	lonelySighting := sightingAt(string(lonely), h.now.Unix())
	lonelySighting.Type = domain.DeviceWifiAp
	h.reader.sightings = []domain.DeviceSighting{lonelySighting}
	h.tickAt(4 * time.Minute)

	lonelyHist := h.loop.histories[lonely]
	require.NotNil(t, lonelyHist)
	assert.Zero(t, h.loop.classifierInputs(lonely, *lonelyHist).AssociatedClientCount)
}

func TestHealthCheckCadenceAndFatalEscalation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HealthCheckIntervalCycles = 1
	cfg.AlertCooldown = time.Nanosecond
	h := newHarness(t, cfg)
	h.sup.healthy = false
	h.sup.fatalAfter = 3

	for i := 0; i < 6; i++ {
		h.tickAt(time.Duration(i) * time.Minute)
	}

	assert.Equal(t, 6, h.sup.checks)
	assert.Equal(t, 3, h.sup.restarts)

	var fatal []domain.Alert
	for _, a := range h.bus.ofType(domain.AlertStatusMonitoring) {
		if a.Level == domain.LevelCritical && strings.Contains(a.Reason, "exhausted") {
			fatal = append(fatal, a)
		}
	}
	assert.Len(t, fatal, 1, "fatal escalation fires exactly once")
}

func TestHealthCheckEveryNthTick(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HealthCheckIntervalCycles = 5
	h := newHarness(t, cfg)

	for i := 0; i < 10; i++ {
		h.tickAt(time.Duration(i) * time.Minute)
	}
	assert.Equal(t, 2, h.sup.checks)
}

func TestReaderErrorSkipsTickButKeepsRunning(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.reader.dbErr = &domain.ReaderError{Op: "glob", Err: context.DeadlineExceeded}
	h.tickAt(0)
	assert.Empty(t, h.store.recorded)

	h.reader.dbErr = nil
	h.reader.sightings = []domain.DeviceSighting{sightingAt("AA:BB:CC:DD:EE:01", h.now.Unix())}
	h.tickAt(time.Minute)
	assert.Len(t, h.store.recorded, 1)
}
