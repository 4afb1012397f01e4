// Package integration wires Sonicare toothbrushes into entries: it resolves
// the device, starts its session, registers sensor entities and tears
// everything down again on unload.
package integration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/trymwestin/sonicare/internal/core/bluetooth"
	"github.com/trymwestin/sonicare/internal/core/coordinator"
	"github.com/trymwestin/sonicare/internal/core/entity"
	"github.com/trymwestin/sonicare/internal/core/entry"
	"github.com/trymwestin/sonicare/internal/core/sensor"
	"github.com/trymwestin/sonicare/internal/core/toothbrush"
	"github.com/trymwestin/sonicare/internal/core/transport"
)

// BluetoothHost is the advertisement registry used by setup.
type BluetoothHost interface {
	DeviceFromAddress(addr string, connectable bool) (bluetooth.ServiceInfo, bool)
	WaitForDevice(ctx context.Context, addr string, timeout time.Duration) (bluetooth.ServiceInfo, error)
	RegisterCallback(cb bluetooth.Callback, m bluetooth.Matcher, mode bluetooth.ScanningMode) func()
}

// Options tunes device handling.
type Options struct {
	DeviceTimeout    time.Duration
	UnavailableAfter time.Duration
	Client           toothbrush.Options
}

// Data is the per-entry state kept while an entry is loaded.
type Data struct {
	Title    string
	Platform *entity.Platform

	// Connected mode.
	Device      *toothbrush.Client
	Coordinator *coordinator.Coordinator

	// Passive mode.
	DeviceData *toothbrush.DeviceData
	Processor  *coordinator.Processor
	Passive    *coordinator.ProcessorCoordinator
}

// Integration implements entry.Integration for Sonicare handles.
type Integration struct {
	bt      BluetoothHost
	dialer  transport.Dialer
	writer  entity.StateWriter
	restore entity.RestoreStore
	data    *entry.Registry[*Data]
	opts    Options
	log     *slog.Logger
}

// New creates the integration. restore may be nil.
func New(bt BluetoothHost, dialer transport.Dialer, writer entity.StateWriter, restore entity.RestoreStore, data *entry.Registry[*Data], opts Options, log *slog.Logger) *Integration {
	if opts.DeviceTimeout <= 0 {
		opts.DeviceTimeout = 30 * time.Second
	}
	return &Integration{
		bt:      bt,
		dialer:  dialer,
		writer:  writer,
		restore: restore,
		data:    data,
		opts:    opts,
		log:     log,
	}
}

// Setup brings an entry up in its configured mode.
func (i *Integration) Setup(ctx context.Context, rt *entry.Runtime) error {
	e := rt.Entry()
	switch e.Mode {
	case entry.ModePassive:
		return i.setupPassive(ctx, rt)
	case entry.ModeActive, "":
		return i.setupActive(ctx, rt)
	}
	return fmt.Errorf("integration: unknown mode %q", e.Mode)
}

func (i *Integration) setupActive(ctx context.Context, rt *entry.Runtime) error {
	e := rt.Entry()
	address := bluetooth.NormalizeAddress(e.Address)
	log := rt.Logger()

	rt.SetStatus(entry.StatusAcquiringDevice)
	info, ok := i.bt.DeviceFromAddress(address, true)
	if !ok {
		log.Debug("device not in scan cache, waiting for advertisement")
		var err error
		info, err = i.bt.WaitForDevice(ctx, address, i.opts.DeviceTimeout)
		if err != nil {
			return entry.NotReady(fmt.Sprintf("could not find Sonicare device with address %s", address), err)
		}
	}

	rt.SetStatus(entry.StatusInitialising)
	client := toothbrush.NewClient(address, i.dialer, i.opts.Client, log.With("component", "toothbrush"))
	client.SetAdvertisement(info)
	coord := coordinator.New(client, log.With("component", "coordinator"))
	rt.OnUnload(coord.Close)

	rt.OnUnload(i.bt.RegisterCallback(func(info bluetooth.ServiceInfo, _ bluetooth.Change) {
		client.SetAdvertisement(info)
	}, bluetooth.Matcher{Address: address}, bluetooth.ScanActive))

	if err := client.Initialise(ctx); err != nil {
		return entry.NotReady("initialise failed", err)
	}

	data := &Data{
		Title:       e.Title,
		Device:      client,
		Coordinator: coord,
		Platform:    entity.NewPlatform(e.ID, i.writer, i.restore, log.With("component", "platform")),
	}
	i.data.Put(e.ID, data)

	entities := make([]entity.Entity, 0, len(sensor.Descriptions()))
	for _, desc := range sensor.Descriptions() {
		entities = append(entities, entity.NewSensorEntity(e.ID, e.Title, desc, client, coord, log))
	}
	data.Platform.AddEntities(ctx, entities...)

	rt.OnUnload(rt.AddUpdateListener(i.updateListener(rt, e.Title)))
	rt.OnUnload(rt.Host().ListenOnce(entry.EventStop, func(ctx context.Context) {
		if err := client.Stop(ctx); err != nil {
			log.Warn("toothbrush stop failed", "error", err)
		}
	}))
	return nil
}

func (i *Integration) setupPassive(ctx context.Context, rt *entry.Runtime) error {
	e := rt.Entry()
	address := bluetooth.NormalizeAddress(e.Address)
	log := rt.Logger()

	rt.SetStatus(entry.StatusInitialising)
	dd := toothbrush.NewDeviceData(e.PollInterval, log.With("component", "toothbrush"))
	host := rt.Host()

	needsPoll := func(info bluetooth.ServiceInfo, lastPoll time.Time) bool {
		if !host.Running() || !dd.PollNeeded(info, lastPoll) {
			return false
		}
		_, ok := i.bt.DeviceFromAddress(address, true)
		return ok
	}
	poll := func(ctx context.Context, _ bluetooth.ServiceInfo) (toothbrush.SensorUpdate, error) {
		if _, ok := i.bt.DeviceFromAddress(address, true); !ok {
			return toothbrush.SensorUpdate{}, fmt.Errorf("integration: no connectable device found for %s", address)
		}
		return dd.Poll(ctx, i.dialer, address)
	}

	pc := coordinator.NewProcessorCoordinator(i.bt, coordinator.ProcessorOptions{
		Address:          address,
		Mode:             bluetooth.ScanPassive,
		UnavailableAfter: i.opts.UnavailableAfter,
		Update:           dd.Update,
		NeedsPoll:        needsPoll,
		Poll:             poll,
	}, log.With("component", "coordinator"))

	proc := coordinator.NewProcessor(sensor.ToDataUpdate)
	platform := entity.NewPlatform(e.ID, i.writer, i.restore, log.With("component", "platform"))
	proc.SetAddEntities(func(keys []sensor.EntityKey) {
		entities := make([]entity.Entity, 0, len(keys))
		for _, key := range keys {
			entities = append(entities, entity.NewProcessorEntity(e.ID, e.Title, address, key, proc, log))
		}
		platform.AddEntities(context.Background(), entities...)
	})
	rt.OnUnload(pc.RegisterProcessor(proc))

	i.data.Put(e.ID, &Data{
		Title:      e.Title,
		Platform:   platform,
		DeviceData: dd,
		Processor:  proc,
		Passive:    pc,
	})

	// Only start once the processor is attached so no advertisement is lost.
	rt.OnUnload(pc.Start(context.Background()))
	rt.OnUnload(rt.AddUpdateListener(func(_ context.Context, next entry.Entry) error {
		prev := dd.PollInterval()
		dd.SetPollInterval(next.PollInterval)
		if cur := dd.PollInterval(); cur != prev {
			log.Info("poll interval changed", "poll_interval", cur)
		}
		return nil
	}))
	rt.OnUnload(rt.AddUpdateListener(i.updateListener(rt, e.Title)))
	return nil
}

// updateListener reloads the entry when its title changed.
func (i *Integration) updateListener(rt *entry.Runtime, title string) entry.UpdateListener {
	return func(ctx context.Context, e entry.Entry) error {
		if e.Title == title {
			return nil
		}
		rt.Logger().Info("title changed, reloading entry", "old", title, "new", e.Title)
		return rt.Host().Reload(ctx, e.ID)
	}
}

// Unload detaches entities, stops the device and forgets the entry.
func (i *Integration) Unload(ctx context.Context, rt *entry.Runtime) error {
	id := rt.Entry().ID
	data, ok := i.data.Get(id)
	if !ok {
		return nil
	}
	data.Platform.Unload()

	var err error
	if data.Device != nil {
		err = data.Device.Stop(ctx)
	}
	if data.Passive != nil {
		data.Passive.Stop()
	}
	i.data.Erase(id)
	if err != nil {
		return fmt.Errorf("integration: stop device: %w", err)
	}
	return nil
}

var _ entry.Integration = (*Integration)(nil)
