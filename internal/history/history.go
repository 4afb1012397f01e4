// Package history records numeric sensor states to InfluxDB.
//
// Writes are non-blocking and batched by the client library; write errors
// arrive asynchronously and are logged.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/trymwestin/sonicare/internal/core/state"
)

// Measurement is the InfluxDB measurement name of sensor points.
const Measurement = "sonicare_sensor"

const (
	defaultConnectTimeout = 10 * time.Second
	defaultBatchSize      = 100
	defaultFlushInterval  = 10
)

var (
	// ErrDisabled is returned by Connect when history is switched off.
	ErrDisabled = errors.New("history: disabled in configuration")
	// ErrConnectionFailed wraps ping failures.
	ErrConnectionFailed = errors.New("history: connection failed")
)

// Config maps to the history section of the configuration file.
type Config struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

// PointWriter accepts points for asynchronous delivery.
type PointWriter interface {
	WritePoint(p *write.Point)
}

// Client owns the InfluxDB connection.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	log      *slog.Logger
}

// Connect pings the server and opens a batching write API.
func Connect(cfg Config, log *slog.Logger) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = defaultFlushInterval
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batch)).
			SetFlushInterval(uint(flush)*1000))

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		log:      log,
	}
	go func(errs <-chan error) {
		for err := range errs {
			c.log.Warn("influxdb write failed", "error", err)
		}
	}(c.writeAPI.Errors())
	return c, nil
}

// WritePoint queues p.
func (c *Client) WritePoint(p *write.Point) {
	c.writeAPI.WritePoint(p)
}

// Close flushes pending points and closes the client.
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// NewPoint builds the point for a state change. ok is false for states
// that are unavailable or not numeric.
func NewPoint(info state.EntityInfo, st state.EntityState) (*write.Point, bool) {
	if !st.Available || st.State == "" {
		return nil, false
	}
	v, err := strconv.ParseFloat(st.State, 64)
	if err != nil {
		return nil, false
	}
	tags := map[string]string{
		"entity_id": st.UniqueID,
		"key":       info.Key,
	}
	if addr := bluetoothAddress(info.Device); addr != "" {
		tags["address"] = addr
	}
	at := st.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(Measurement, tags, map[string]interface{}{"value": v}, at), true
}

func bluetoothAddress(d state.DeviceInfo) string {
	for _, c := range d.Connections {
		if c[0] == "bluetooth" {
			return c[1]
		}
	}
	return ""
}

// Recorder forwards numeric state changes from the event bus to a writer.
type Recorder struct {
	writer PointWriter
	store  state.StateReader
	bus    *state.EventBus
	log    *slog.Logger

	unsub func()
	wg    sync.WaitGroup
}

// NewRecorder creates a recorder. store resolves entity registrations.
func NewRecorder(writer PointWriter, store state.StateReader, bus *state.EventBus, log *slog.Logger) *Recorder {
	return &Recorder{writer: writer, store: store, bus: bus, log: log}
}

// Start subscribes to the bus.
func (r *Recorder) Start() {
	ch, unsub := r.bus.Subscribe(256)
	r.unsub = unsub
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for evt := range ch {
			if evt.Type != state.EventStateChanged {
				continue
			}
			st, ok := evt.Data.(state.EntityState)
			if !ok {
				continue
			}
			ent, ok := r.store.Get(st.UniqueID)
			if !ok {
				continue
			}
			if p, ok := NewPoint(ent.Info, st); ok {
				r.writer.WritePoint(p)
			}
		}
	}()
}

// Stop unsubscribes and waits for the loop to drain.
func (r *Recorder) Stop() {
	if r.unsub != nil {
		r.unsub()
	}
	r.wg.Wait()
}
