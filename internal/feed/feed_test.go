package feed

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/occupancy.report/internal/monitoring"
	"github.com/banshee-data/occupancy.report/internal/presence"
	"github.com/banshee-data/occupancy.report/internal/serialmux"
	"github.com/banshee-data/occupancy.report/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

func TestParseLine(t *testing.T) {
	now := time.Unix(1700000000, 0)

	obs, err := ParseLine([]byte(`{"identifier":"AA:BB","name":"iPhone","rssi":-61,"tx_power":-200}`), now)
	require.NoError(t, err)
	assert.Equal(t, "AA:BB", obs.Identifier)
	require.NotNil(t, obs.RSSI)
	assert.Equal(t, -61, *obs.RSSI)
	require.NotNil(t, obs.ReferencePower)
	assert.Equal(t, -200, *obs.ReferencePower)
	assert.True(t, obs.Timestamp.Equal(now))

	_, err = ParseLine([]byte(`not json`), now)
	assert.Error(t, err)

	_, err = ParseLine([]byte(`{"rssi":-60}`), now)
	assert.True(t, errors.Is(err, presence.ErrNoIdentifier))
}

type collector struct {
	mu  sync.Mutex
	got []presence.Observation
}

func (c *collector) handle(o presence.Observation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, o)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestSerialSource(t *testing.T) {
	port := serialmux.NewFakePort()
	mux := serialmux.NewSerialMux(port)
	src := &SerialSource{Mux: mux, Clock: timeutil.NewMockClock(time.Unix(1700000000, 0))}

	c := &collector{}
	done := make(chan error, 1)
	go func() { done <- src.Run(context.Background(), c.handle) }()

	require.Eventually(t, func() bool { return mux.Subscribers() == 1 }, 2*time.Second, time.Millisecond)
	port.Feed("OK",
		`{"identifier":"a","name":"iPhone","rssi":-60}`,
		`{"identifier":"b",`,
		`{"identifier":"c","name":"iPhone"}`)

	require.Eventually(t, func() bool { return c.len() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "a", c.got[0].Identifier)
	assert.Equal(t, "c", c.got[1].Identifier)
	assert.Nil(t, c.got[1].RSSI)

	port.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after port EOF")
	}
}

func TestSerialSource_Cancel(t *testing.T) {
	src := &SerialSource{Mux: serialmux.NewDisabledSerialMux()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := src.Run(ctx, func(presence.Observation) {})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReadReplayFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"identifier\":\"a\"}\n\n  \n{\"identifier\":\"b\"}\n"), 0o644))

	lines, err := ReadReplayFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"identifier":"a"}`, `{"identifier":"b"}`}, lines)

	_, err = ReadReplayFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestMQTTSource_MessageHandler(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	src := NewMQTTSource(MQTTConfig{Topic: "ble/observations"}, clock)

	c := &collector{}
	h := src.messageHandler(c.handle)
	h(nil, fakeMessage{topic: "ble/observations", payload: []byte(`{"identifier":"x","name":"iPhone","rssi":-70,"ts":1700000005}`)})
	h(nil, fakeMessage{topic: "ble/observations", payload: []byte(`{}`)})

	require.Equal(t, 1, c.len())
	assert.Equal(t, "x", c.got[0].Identifier)
	assert.True(t, c.got[0].Timestamp.Equal(time.Unix(1700000005, 0)))
}

func TestMQTTSource_ClientOptions(t *testing.T) {
	src := NewMQTTSource(MQTTConfig{Broker: "tcp://broker:1883", Topic: "t", ClientID: "scanner-1"}, nil)
	opts := src.clientOptions(func(presence.Observation) {})

	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "broker:1883", opts.Servers[0].Host)
	assert.Equal(t, "scanner-1", opts.ClientID)
	assert.True(t, opts.AutoReconnect)
	assert.NotNil(t, opts.OnConnect)
}
