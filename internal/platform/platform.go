// Package platform owns the set of accessories. It runs discovery sweeps,
// binds each discovered device to its accessory, tracks reachability and
// falls back to remembered devices that have not been found yet.
package platform

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/wemo-bridge/internal/device"
	"github.com/sweeney/wemo-bridge/internal/logic"
)

// Found is one device located by a discovery sweep.
type Found struct {
	Info device.Info
	Link device.Link
}

// Source locates devices.
type Source interface {
	Discover(ctx context.Context) ([]Found, error)
}

// Cache remembers devices across restarts.
type Cache interface {
	Save(ctx context.Context, r device.Record) error
	Load(ctx context.Context) ([]device.Record, error)
}

// Observer is told about accessories once they are published and about
// later reachability changes. Calls may come from any goroutine.
type Observer interface {
	AccessoryAdded(a *Accessory)
	ReachabilityChanged(a *Accessory, reachable bool)
}

// Options configures a Platform.
type Options struct {
	Logic logic.Config

	// Interval between discovery sweeps after startup.
	Interval time.Duration

	// StartupTimeout bounds the first sweep. The accessory set is fixed
	// when it ends.
	StartupTimeout time.Duration

	// UnreachableAfter is the number of consecutive sweeps a device may be
	// missing before its accessory is marked unreachable.
	UnreachableAfter int

	// ExpectedAccessories logs a warning when fewer are published.
	ExpectedAccessories int

	// CommandTimeout bounds one device command.
	CommandTimeout time.Duration

	// RequestTimeout bounds a host set request, including debounce.
	RequestTimeout time.Duration

	// LocalSensors lists Maker ids with a locally wired contact sensor.
	LocalSensors []string
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = 60 * time.Second
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = 10 * time.Second
	}
	if o.UnreachableAfter <= 0 {
		o.UnreachableAfter = 3
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 10 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 15 * time.Second
	}
}

type entry struct {
	acc      *Accessory
	location string
	misses   int
}

// Platform is the accessory registry.
type Platform struct {
	opts      Options
	src       Source
	cache     Cache
	sink      logic.Sink
	observers []Observer
	log       zerolog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	entries   map[string]*entry
	published bool
	ready     chan struct{}
}

// New creates a Platform. cache may be nil.
func New(opts Options, src Source, cache Cache, sink logic.Sink, log zerolog.Logger, observers ...Observer) *Platform {
	opts.setDefaults()
	return &Platform{
		opts:      opts,
		src:       src,
		cache:     cache,
		sink:      sink,
		observers: observers,
		log:       log.With().Str("component", "platform").Logger(),
		now:       time.Now,
		entries:   make(map[string]*entry),
		ready:     make(chan struct{}),
	}
}

// Ready is closed once the startup window has ended and the accessory set
// is published.
func (p *Platform) Ready() <-chan struct{} {
	return p.ready
}

// Run performs the startup sweep, restores remembered devices, publishes
// the accessory set and then sweeps every Interval until ctx is done.
// Every accessory is closed before Run returns.
func (p *Platform) Run(ctx context.Context) error {
	defer p.closeAll()

	if err := p.Start(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Start runs the startup window and publishes the accessory set.
func (p *Platform) Start(ctx context.Context) error {
	startCtx, cancel := context.WithTimeout(ctx, p.opts.StartupTimeout)
	p.Sweep(startCtx)
	cancel()
	if err := ctx.Err(); err != nil {
		return err
	}
	p.restoreCached(ctx)
	p.publish()
	return nil
}

// Sweep runs one discovery pass. Found devices are bound or refreshed;
// known devices that were missed count toward unreachability. A failed
// pass counts as nothing.
func (p *Platform) Sweep(ctx context.Context) {
	found, err := p.src.Discover(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("discovery failed")
		return
	}

	seen := make(map[string]bool, len(found))
	for _, f := range found {
		seen[f.Info.ID] = true
		p.found(ctx, f)
	}

	p.mu.Lock()
	var missing []*Accessory
	for id, e := range p.entries {
		if seen[id] {
			continue
		}
		e.misses++
		if e.misses == p.opts.UnreachableAfter && e.acc.Reachable() {
			missing = append(missing, e.acc)
		}
	}
	p.mu.Unlock()

	for _, a := range missing {
		a.MarkUnreachable()
	}
	p.log.Debug().Int("found", len(found)).Int("accessories", p.Len()).Msg("sweep complete")
}

func (p *Platform) found(ctx context.Context, f Found) {
	p.mu.Lock()
	e, ok := p.entries[f.Info.ID]
	published := p.published
	if ok {
		e.misses = 0
	}
	p.mu.Unlock()

	if ok {
		if e.acc.Reachable() && e.location == f.Info.SetupURL {
			return
		}
		if err := e.acc.Rebind(ctx, f.Info, f.Link); err != nil {
			p.log.Warn().Err(err).Str("id", f.Info.ID).Msg("rebind failed")
			return
		}
		p.mu.Lock()
		e.location = f.Info.SetupURL
		p.mu.Unlock()
		p.remember(ctx, f.Info, e.acc.Attributes())
		return
	}

	if published {
		p.log.Info().Str("id", f.Info.ID).Str("name", f.Info.Name).
			Msg("device discovered after startup, restart to add it")
		return
	}

	attrs, err := p.attributes(ctx, f)
	if err != nil {
		p.log.Warn().Err(err).Str("id", f.Info.ID).Msg("cannot read device attributes, will retry")
		return
	}

	acc := newAccessory(f.Info, attrs, p.accessoryConfig())
	if err := acc.Rebind(ctx, f.Info, f.Link); err != nil {
		p.log.Warn().Err(err).Str("id", f.Info.ID).Msg("subscribe failed, will retry")
		acc.Close()
		return
	}

	p.mu.Lock()
	p.entries[f.Info.ID] = &entry{acc: acc, location: f.Info.SetupURL}
	p.mu.Unlock()
	p.log.Info().Str("id", f.Info.ID).Str("name", f.Info.Name).Str("profile", acc.Profile().String()).Msg("accessory added")
	p.remember(ctx, f.Info, attrs)
}

// attributes reads the Maker attributes that decide its profile. A
// remembered value is used if the device cannot answer.
func (p *Platform) attributes(ctx context.Context, f Found) (device.Attributes, error) {
	if f.Info.Kind != device.KindMaker {
		return device.Attributes{}, nil
	}
	qctx, cancel := context.WithTimeout(ctx, p.opts.CommandTimeout)
	attrs, err := f.Link.QueryAttributes(qctx)
	cancel()
	if err != nil {
		rec, ok := p.cached(ctx, f.Info.ID)
		if !ok {
			return device.Attributes{}, err
		}
		attrs = rec.Attrs
	}
	if p.localSensor(f.Info.ID) {
		attrs.SensorPresent = true
	}
	return attrs, nil
}

func (p *Platform) localSensor(id string) bool {
	for _, s := range p.opts.LocalSensors {
		if s == id {
			return true
		}
	}
	return false
}

func (p *Platform) cached(ctx context.Context, id string) (device.Record, bool) {
	if p.cache == nil {
		return device.Record{}, false
	}
	records, err := p.cache.Load(ctx)
	if err != nil {
		return device.Record{}, false
	}
	for _, r := range records {
		if r.Info.ID == id {
			return r, true
		}
	}
	return device.Record{}, false
}

func (p *Platform) remember(ctx context.Context, info device.Info, attrs device.Attributes) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Save(ctx, device.Record{Info: info, Attrs: attrs, LastSeen: p.now()}); err != nil {
		p.log.Warn().Err(err).Str("id", info.ID).Msg("cannot save device to cache")
	}
}

// restoreCached adds an unreachable accessory for every remembered device
// the startup sweep did not find.
func (p *Platform) restoreCached(ctx context.Context) {
	if p.cache == nil {
		return
	}
	records, err := p.cache.Load(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("cannot load device cache")
		return
	}
	for _, r := range records {
		p.mu.RLock()
		_, ok := p.entries[r.Info.ID]
		p.mu.RUnlock()
		if ok {
			continue
		}
		acc := newAccessory(r.Info, r.Attrs, p.accessoryConfig())
		acc.MarkUnreachable()
		p.mu.Lock()
		p.entries[r.Info.ID] = &entry{acc: acc, misses: p.opts.UnreachableAfter}
		p.mu.Unlock()
		p.log.Warn().Str("id", r.Info.ID).Str("name", r.Info.Name).
			Time("last_seen", r.LastSeen).Msg("remembered device not found, adding as unreachable")
	}
}

func (p *Platform) publish() {
	p.mu.Lock()
	p.published = true
	p.mu.Unlock()

	accs := p.Accessories()
	if p.opts.ExpectedAccessories > 0 && len(accs) < p.opts.ExpectedAccessories {
		p.log.Warn().Int("expected", p.opts.ExpectedAccessories).Int("found", len(accs)).
			Msg("fewer accessories than expected")
	}
	for _, a := range accs {
		for _, o := range p.observers {
			o.AccessoryAdded(a)
		}
	}
	close(p.ready)
	p.log.Info().Int("accessories", len(accs)).Msg("accessories published")
}

func (p *Platform) accessoryConfig() accessoryConfig {
	return accessoryConfig{
		logic:          p.opts.Logic,
		commandTimeout: p.opts.CommandTimeout,
		requestTimeout: p.opts.RequestTimeout,
		sink:           p.sink,
		onReach:        p.reachabilityChanged,
		log:            p.log,
	}
}

func (p *Platform) reachabilityChanged(a *Accessory, reachable bool) {
	p.mu.RLock()
	published := p.published
	p.mu.RUnlock()
	if !published {
		return
	}
	for _, o := range p.observers {
		o.ReachabilityChanged(a, reachable)
	}
}

// Accessory returns the accessory with id.
func (p *Platform) Accessory(id string) (*Accessory, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[id]
	if !ok {
		return nil, ErrUnknownAccessory
	}
	return e.acc, nil
}

// Accessories returns every accessory sorted by id.
func (p *Platform) Accessories() []*Accessory {
	p.mu.RLock()
	out := make([]*Accessory, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.acc)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of accessories.
func (p *Platform) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Inject delivers a locally sourced event to the accessory with id.
func (p *Platform) Inject(id string, ev device.Event) error {
	a, err := p.Accessory(id)
	if err != nil {
		return err
	}
	if !a.Inject(ev) {
		return device.ErrNotAvailable
	}
	return nil
}

func (p *Platform) closeAll() {
	for _, a := range p.Accessories() {
		a.Close()
	}
}
