// Package snifferdb reads the external sniffer's SQLite capture
// database. All access is strictly read-only: connections are opened
// with mode=ro and query_only, and every statement is parameterized —
// caller-supplied values only ever travel as bind arguments.
package snifferdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/swamppop/chasingyourtail/internal/core/domain"
	"github.com/swamppop/chasingyourtail/internal/core/ports"
)

// Reader implements ports.SnifferReader against a Kismet-style capture
// database.
type Reader struct{}

// NewReader creates a Reader. Readers are stateless; the database path
// is supplied per call because the sniffer rotates files.
func NewReader() *Reader { return &Reader{} }

// LatestDBPath returns the file matching pattern with the greatest
// mtime.
func (r *Reader) LatestDBPath(ctx context.Context, pattern string) (string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", &domain.ReaderError{Op: "glob", Err: err}
	}
	if len(matches) == 0 {
		return "", &domain.ReaderError{Op: "glob", Err: fmt.Errorf("no files match %q", pattern)}
	}

	var newest string
	var newestMod time.Time
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = m
			newestMod = info.ModTime()
		}
	}
	if newest == "" {
		return "", &domain.ReaderError{Op: "stat", Err: fmt.Errorf("no readable files match %q", pattern)}
	}
	return newest, nil
}

// open establishes a read-only connection. query_only makes the driver
// itself refuse writes, independent of the SQL we issue.
func (r *Reader) open(ctx context.Context, path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &domain.ReaderError{Op: "open", Err: err}
	}
	dsn := fmt.Sprintf("file:%s?mode=ro&_query_only=1&_busy_timeout=2000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &domain.ReaderError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &domain.ReaderError{Op: "ping", Err: err}
	}
	return db, nil
}

// tableColumns returns the column names of table. The table name is an
// engine-internal constant, never caller text.
func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[strings.ToLower(name)] = true
	}
	return cols, rows.Err()
}

const (
	sightingsQuery = `
		SELECT devmac, type, manuf, first_time, last_time, strongest_signal, bytes_data
		FROM devices
		WHERE last_time >= ?
		ORDER BY last_time ASC, devmac ASC
	`
	sightingsQueryExt = `
		SELECT devmac, type, manuf, first_time, last_time, strongest_signal, bytes_data, channel, assoc_bssid
		FROM devices
		WHERE last_time >= ?
		ORDER BY last_time ASC, devmac ASC
	`
	latestFixesQuery = `
		SELECT s.sourcemac, s.lat, s.lon, s.alt, s.speed
		FROM snapshots s
		JOIN (SELECT sourcemac, MAX(ts_sec) AS ts_sec FROM snapshots GROUP BY sourcemac) m
		  ON s.sourcemac = m.sourcemac AND s.ts_sec = m.ts_sec
	`
	probesSinceQuery = `
		SELECT sourcemac, probedssid
		FROM probes
		WHERE ts_sec >= ?
		ORDER BY ts_sec ASC, probedssid ASC
	`
	probesForMACQuery = `
		SELECT probedssid, COUNT(*) AS n
		FROM probes
		WHERE UPPER(sourcemac) = UPPER(?)
		GROUP BY probedssid
		ORDER BY MIN(ts_sec) ASC, probedssid ASC
	`
	lastUpdateQuery = `SELECT COALESCE(MAX(last_time), 0) FROM devices`
)

// FetchSightingsSince returns all device rows whose last_time is at or
// after cutoffUnix, deduplicated to one row per mac (greatest
// last_time), ordered by last_time ascending.
func (r *Reader) FetchSightingsSince(ctx context.Context, dbPath string, cutoffUnix int64) ([]domain.DeviceSighting, error) {
	db, err := r.open(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	cols, err := tableColumns(ctx, db, "devices")
	if err != nil {
		return nil, &domain.ReaderError{Op: "schema", Err: err}
	}
	extended := cols["channel"] && cols["assoc_bssid"]

	query := sightingsQuery
	if extended {
		query = sightingsQueryExt
	}

	rows, err := db.QueryContext(ctx, query, cutoffUnix)
	if err != nil {
		return nil, &domain.ReaderError{Op: "fetch sightings", Err: err}
	}
	defer rows.Close()

	byMAC := make(map[domain.Identifier]domain.DeviceSighting)
	for rows.Next() {
		var (
			rawMAC, rawType       string
			manuf                 sql.NullString
			firstTime, lastTime   int64
			signal                sql.NullInt64
			bytesData             sql.NullInt64
			channel               sql.NullInt64
			assocBSSID            sql.NullString
		)
		dest := []any{&rawMAC, &rawType, &manuf, &firstTime, &lastTime, &signal, &bytesData}
		if extended {
			dest = append(dest, &channel, &assocBSSID)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, &domain.ReaderError{Op: "scan sighting", Err: err}
		}

		mac, err := domain.NormalizeMAC(rawMAC)
		if err != nil {
			continue
		}
		s := domain.DeviceSighting{
			MAC:                mac,
			FirstTimeUnix:      firstTime,
			LastTimeUnix:       lastTime,
			StrongestSignalDBM: int(signal.Int64),
			Type:               parseDeviceType(rawType),
			Manufacturer:       manuf.String,
			BytesTransferred:   bytesData.Int64,
		}
		if channel.Valid && channel.Int64 != 0 {
			s.Channel = int(channel.Int64)
			s.HasChannel = true
		}
		if assocBSSID.Valid {
			if b, err := domain.NormalizeMAC(assocBSSID.String); err == nil {
				s.AssociatedBSSID = b
			}
		}
		if prev, ok := byMAC[mac]; !ok || s.LastTimeUnix > prev.LastTimeUnix {
			byMAC[mac] = s
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.ReaderError{Op: "fetch sightings", Err: err}
	}

	if err := r.attachLocations(ctx, db, cols, byMAC); err != nil {
		return nil, err
	}
	if err := r.attachProbes(ctx, db, cutoffUnix, byMAC); err != nil {
		return nil, err
	}

	out := make([]domain.DeviceSighting, 0, len(byMAC))
	for _, s := range byMAC {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastTimeUnix != out[j].LastTimeUnix {
			return out[i].LastTimeUnix < out[j].LastTimeUnix
		}
		return out[i].MAC < out[j].MAC
	})
	return out, nil
}

func (r *Reader) attachLocations(ctx context.Context, db *sql.DB, devCols map[string]bool, byMAC map[domain.Identifier]domain.DeviceSighting) error {
	snapCols, err := tableColumns(ctx, db, "snapshots")
	if err != nil || len(snapCols) == 0 {
		// The snapshots table is optional in the sniffer schema.
		return nil
	}

	rows, err := db.QueryContext(ctx, latestFixesQuery)
	if err != nil {
		return &domain.ReaderError{Op: "fetch locations", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var rawMAC string
		var lat, lon, alt, speed sql.NullFloat64
		if err := rows.Scan(&rawMAC, &lat, &lon, &alt, &speed); err != nil {
			return &domain.ReaderError{Op: "scan location", Err: err}
		}
		mac, err := domain.NormalizeMAC(rawMAC)
		if err != nil {
			continue
		}
		if s, ok := byMAC[mac]; ok && lat.Valid && lon.Valid {
			s.Location = &domain.Location{Lat: lat.Float64, Lon: lon.Float64, Alt: alt.Float64, Speed: speed.Float64}
			byMAC[mac] = s
		}
	}
	return rows.Err()
}

func (r *Reader) attachProbes(ctx context.Context, db *sql.DB, cutoffUnix int64, byMAC map[domain.Identifier]domain.DeviceSighting) error {
	probeCols, err := tableColumns(ctx, db, "probes")
	if err != nil || len(probeCols) == 0 {
		return nil
	}

	rows, err := db.QueryContext(ctx, probesSinceQuery, cutoffUnix)
	if err != nil {
		return &domain.ReaderError{Op: "fetch probes", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var rawMAC, ssid string
		if err := rows.Scan(&rawMAC, &ssid); err != nil {
			return &domain.ReaderError{Op: "scan probe", Err: err}
		}
		mac, err := domain.NormalizeMAC(rawMAC)
		if err != nil || ssid == "" {
			continue
		}
		if s, ok := byMAC[mac]; ok {
			s.ProbedSSIDs = append(s.ProbedSSIDs, ssid)
			byMAC[mac] = s
		}
	}
	return rows.Err()
}

// FetchUAVSightingsSince returns the subset of sightings the sniffer
// itself typed as a UAV or drone.
func (r *Reader) FetchUAVSightingsSince(ctx context.Context, dbPath string, cutoffUnix int64) ([]domain.DeviceSighting, error) {
	all, err := r.FetchSightingsSince(ctx, dbPath, cutoffUnix)
	if err != nil {
		return nil, err
	}
	var out []domain.DeviceSighting
	for _, s := range all {
		if s.IsDroneType() {
			out = append(out, s)
		}
	}
	return out, nil
}

// FetchProbes returns (ssid, count) pairs for mac from the probe table,
// ordered by first probe time.
func (r *Reader) FetchProbes(ctx context.Context, dbPath string, mac domain.Identifier) ([]ports.ProbeCount, error) {
	db, err := r.open(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, probesForMACQuery, string(mac))
	if err != nil {
		return nil, &domain.ReaderError{Op: "fetch probes", Err: err}
	}
	defer rows.Close()

	var out []ports.ProbeCount
	for rows.Next() {
		var pc ports.ProbeCount
		if err := rows.Scan(&pc.SSID, &pc.Count); err != nil {
			return nil, &domain.ReaderError{Op: "scan probe", Err: err}
		}
		out = append(out, pc)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.ReaderError{Op: "fetch probes", Err: err}
	}
	return out, nil
}

// LastUpdateAge returns how stale the database is: now minus the
// greatest last_time across all device rows.
func (r *Reader) LastUpdateAge(ctx context.Context, dbPath string, now time.Time) (time.Duration, error) {
	db, err := r.open(ctx, dbPath)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var maxLast int64
	if err := db.QueryRowContext(ctx, lastUpdateQuery).Scan(&maxLast); err != nil {
		return 0, &domain.ReaderError{Op: "last update", Err: err}
	}
	if maxLast == 0 {
		return 0, &domain.ReaderError{Op: "last update", Err: fmt.Errorf("devices table is empty")}
	}
	return now.Sub(time.Unix(maxLast, 0)), nil
}

// parseDeviceType maps the sniffer's free-form type strings onto the
// engine's closed enum.
func parseDeviceType(raw string) domain.DeviceType {
	t := strings.ToLower(raw)
	switch {
	case strings.Contains(t, "uav"):
		return domain.DeviceUav
	case strings.Contains(t, "drone"):
		return domain.DeviceDrone
	case strings.Contains(t, "ap") && strings.Contains(t, "wi-fi"), t == "wifiap":
		return domain.DeviceWifiAp
	case strings.Contains(t, "client") || strings.Contains(t, "station"):
		return domain.DeviceWifiClient
	case strings.Contains(t, "btle") || strings.Contains(t, "ble"):
		return domain.DeviceBluetoothLE
	case strings.Contains(t, "bluetooth") || strings.Contains(t, "bt"):
		return domain.DeviceBluetooth
	default:
		return domain.DeviceUnknown
	}
}
