package wemo

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	ssdp "github.com/koron/go-ssdp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/wemo-bridge/internal/device"
)

// SearchFunc performs an SSDP M-SEARCH. It matches ssdp.Search.
type SearchFunc func(searchType string, waitSec int, localAddr string) ([]ssdp.Service, error)

// DiscoveryConfig configures a Discoverer.
type DiscoveryConfig struct {
	// SSDP enables multicast search. Manual URLs are always loaded.
	SSDP bool
	// Wait is how long to collect M-SEARCH responses.
	Wait time.Duration
	// LocalAddr binds the search socket; empty means any.
	LocalAddr string
	// Manual lists setup.xml URLs of devices that do not answer SSDP.
	Manual []string
	// Ignore lists serial numbers or MAC addresses to skip.
	Ignore []string
}

// Discoverer finds WeMo devices by SSDP search plus manual URLs.
type Discoverer struct {
	cfg    DiscoveryConfig
	hc     *http.Client
	search SearchFunc
	ignore map[string]bool
	log    zerolog.Logger
}

// NewDiscoverer creates a Discoverer using ssdp.Search.
func NewDiscoverer(cfg DiscoveryConfig, log zerolog.Logger) *Discoverer {
	if cfg.Wait <= 0 {
		cfg.Wait = 5 * time.Second
	}
	ignore := make(map[string]bool, len(cfg.Ignore))
	for _, s := range cfg.Ignore {
		ignore[strings.ToUpper(strings.TrimSpace(s))] = true
	}
	return &Discoverer{
		cfg:    cfg,
		hc:     &http.Client{Timeout: DefaultRequestTimeout},
		search: ssdp.Search,
		ignore: ignore,
		log:    log.With().Str("component", "discovery").Logger(),
	}
}

// SetSearch replaces the SSDP search function.
func (d *Discoverer) SetSearch(f SearchFunc) {
	d.search = f
}

// Locations returns the de-duplicated setup.xml URLs found by search and
// configuration.
func (d *Discoverer) Locations(ctx context.Context) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(loc string) {
		loc = strings.TrimSpace(loc)
		if loc == "" || seen[loc] {
			return
		}
		seen[loc] = true
		out = append(out, loc)
	}

	for _, m := range d.cfg.Manual {
		add(m)
	}

	if d.cfg.SSDP && ctx.Err() == nil {
		waitSec := int(d.cfg.Wait / time.Second)
		if waitSec < 1 {
			waitSec = 1
		}
		services, err := d.search(ServiceBasicEvent, waitSec, d.cfg.LocalAddr)
		if err != nil {
			d.log.Warn().Err(err).Msg("ssdp search failed")
		}
		for _, s := range services {
			add(s.Location)
		}
	}
	return out
}

// Discover loads the description of every located device. Devices that
// fail to load, are ignored, or are not a supported type are skipped.
func (d *Discoverer) Discover(ctx context.Context) ([]*Description, error) {
	locations := d.Locations(ctx)

	var (
		mu    sync.Mutex
		found []*Description
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, loc := range locations {
		loc := loc
		g.Go(func() error {
			desc, err := LoadDescription(gctx, d.hc, loc)
			if err != nil {
				d.log.Warn().Err(err).Str("location", loc).Msg("skipping device")
				return nil
			}
			if !d.accept(desc) {
				return nil
			}
			mu.Lock()
			found = append(found, desc)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(found, func(i, j int) bool { return found[i].ID() < found[j].ID() })
	return found, nil
}

// Ignored reports whether a serial number or id is on the ignore list.
func (d *Discoverer) Ignored(ids ...string) bool {
	for _, id := range ids {
		if id != "" && d.ignore[strings.ToUpper(id)] {
			return true
		}
	}
	return false
}

func (d *Discoverer) accept(desc *Description) bool {
	if d.Ignored(desc.SerialNumber, desc.ID()) {
		d.log.Info().Str("serial", desc.SerialNumber).Str("name", desc.FriendlyName).Msg("ignoring device")
		return false
	}
	if !desc.IsBridge() && KindForDeviceType(desc.DeviceType) == device.KindUnknown {
		d.log.Info().Str("type", desc.DeviceType).Str("name", desc.FriendlyName).Msg("unsupported device type")
		return false
	}
	return true
}
