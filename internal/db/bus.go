package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrBusNotFound = errors.New("bus not found")
	ErrBusExists   = errors.New("bus already exists")
)

// Bus is the persisted occupancy record of one container. DeviceIDs and
// Devices are parallel: Devices[i] is the payload reported when DeviceIDs[i]
// was added.
type Bus struct {
	ID        string
	DeviceIDs []string
	Devices   []json.RawMessage
	Count     int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IndexOf returns the position of deviceID in the member list or -1.
func (b *Bus) IndexOf(deviceID string) int {
	for i, id := range b.DeviceIDs {
		if id == deviceID {
			return i
		}
	}
	return -1
}

// Add appends a member and its payload and increments the count.
func (b *Bus) Add(deviceID string, data json.RawMessage) {
	if data == nil {
		data = json.RawMessage("null")
	}
	b.DeviceIDs = append(b.DeviceIDs, deviceID)
	b.Devices = append(b.Devices, data)
	b.Count++
}

// RemoveAt drops the member at i together with its payload and decrements
// the count, never below zero.
func (b *Bus) RemoveAt(i int) {
	b.DeviceIDs = append(b.DeviceIDs[:i:i], b.DeviceIDs[i+1:]...)
	if i < len(b.Devices) {
		b.Devices = append(b.Devices[:i:i], b.Devices[i+1:]...)
	}
	if b.Count > 0 {
		b.Count--
	}
}

func scanBus(row interface{ Scan(...any) error }) (*Bus, error) {
	var (
		b                 Bus
		idsJSON, devsJSON string
		created, updated  int64
	)
	if err := row.Scan(&b.ID, &idsJSON, &devsJSON, &b.Count, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(idsJSON), &b.DeviceIDs); err != nil {
		return nil, fmt.Errorf("decode id_devices for %s: %w", b.ID, err)
	}
	if err := json.Unmarshal([]byte(devsJSON), &b.Devices); err != nil {
		return nil, fmt.Errorf("decode devices for %s: %w", b.ID, err)
	}
	b.CreatedAt = time.Unix(created, 0)
	b.UpdatedAt = time.Unix(updated, 0)
	return &b, nil
}

const busColumns = `id_bus, id_devices, devices, count, created_at, updated_at`

// GetBus loads a bus by ID.
func (db *DB) GetBus(ctx context.Context, id string) (*Bus, error) {
	row := db.QueryRowContext(ctx, `SELECT `+busColumns+` FROM bus WHERE id_bus = ?`, id)
	b, err := scanBus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBusNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bus %s: %w", id, err)
	}
	return b, nil
}

func encodeMembers(b *Bus) (ids, devs []byte, err error) {
	if b.DeviceIDs == nil {
		b.DeviceIDs = []string{}
	}
	if b.Devices == nil {
		b.Devices = []json.RawMessage{}
	}
	if ids, err = json.Marshal(b.DeviceIDs); err != nil {
		return nil, nil, err
	}
	if devs, err = json.Marshal(b.Devices); err != nil {
		return nil, nil, err
	}
	return ids, devs, nil
}

// CreateBus inserts b. It returns ErrBusExists if the ID is taken.
func (db *DB) CreateBus(ctx context.Context, b *Bus) error {
	if b.Count < 0 {
		return fmt.Errorf("create bus %s: negative count %d", b.ID, b.Count)
	}
	ids, devs, err := encodeMembers(b)
	if err != nil {
		return fmt.Errorf("encode bus %s: %w", b.ID, err)
	}
	now := time.Now().Unix()
	res, err := db.ExecContext(ctx,
		`INSERT INTO bus (`+busColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id_bus) DO NOTHING`,
		b.ID, string(ids), string(devs), b.Count, now, now)
	if err != nil {
		return fmt.Errorf("create bus %s: %w", b.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBusExists
	}
	b.CreatedAt = time.Unix(now, 0)
	b.UpdatedAt = b.CreatedAt
	return nil
}

// EnsureBus returns the bus with the given ID, creating an empty one if it
// does not exist. created reports whether this call inserted it.
func (db *DB) EnsureBus(ctx context.Context, id string) (b *Bus, created bool, err error) {
	err = db.CreateBus(ctx, &Bus{ID: id})
	switch {
	case err == nil:
		created = true
	case !errors.Is(err, ErrBusExists):
		return nil, false, err
	}
	b, err = db.GetBus(ctx, id)
	return b, created, err
}

// SaveBus writes the member lists and count of an existing bus.
func (db *DB) SaveBus(ctx context.Context, b *Bus) error {
	ids, devs, err := encodeMembers(b)
	if err != nil {
		return fmt.Errorf("encode bus %s: %w", b.ID, err)
	}
	now := time.Now().Unix()
	res, err := db.ExecContext(ctx,
		`UPDATE bus SET id_devices = ?, devices = ?, count = ?, updated_at = ? WHERE id_bus = ?`,
		string(ids), string(devs), b.Count, now, b.ID)
	if err != nil {
		return fmt.Errorf("save bus %s: %w", b.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBusNotFound
	}
	b.UpdatedAt = time.Unix(now, 0)
	return nil
}

// DeleteBus removes a bus. It returns ErrBusNotFound if there was none.
func (db *DB) DeleteBus(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM bus WHERE id_bus = ?`, id)
	if err != nil {
		return fmt.Errorf("delete bus %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBusNotFound
	}
	return nil
}

// ListBusCounts returns the persisted count of every bus.
func (db *DB) ListBusCounts(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT id_bus, count FROM bus ORDER BY id_bus`)
	if err != nil {
		return nil, fmt.Errorf("list buses: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// BusEvent is one row of the membership history.
type BusEvent struct {
	ID        int64
	BusID     string
	DeviceID  string
	Action    string
	Count     int
	CreatedAt time.Time
}

// RecordBusEvent appends a membership change to the history.
func (db *DB) RecordBusEvent(ctx context.Context, busID, deviceID, action string, count int) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO bus_events (id_bus, id_device, action, count, created_at) VALUES (?, ?, ?, ?, ?)`,
		busID, deviceID, action, count, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("record bus event: %w", err)
	}
	return nil
}

// RecentBusEvents returns up to limit history rows for busID, newest first.
func (db *DB) RecentBusEvents(ctx context.Context, busID string, limit int) ([]BusEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT event_id, id_bus, id_device, action, count, created_at
		   FROM bus_events WHERE id_bus = ? ORDER BY event_id DESC LIMIT ?`, busID, limit)
	if err != nil {
		return nil, fmt.Errorf("query bus events: %w", err)
	}
	defer rows.Close()

	var out []BusEvent
	for rows.Next() {
		var e BusEvent
		var created int64
		if err := rows.Scan(&e.ID, &e.BusID, &e.DeviceID, &e.Action, &e.Count, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(created, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}
