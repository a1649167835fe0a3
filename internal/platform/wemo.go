package platform

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sweeney/wemo-bridge/internal/wemo"
)

// WemoSource discovers WeMo units on the network and expands each bridge
// into its paired bulbs. Links are reused while a device keeps its address,
// so the bulbs of one bridge share its event subscription.
type WemoSource struct {
	disc   *wemo.Discoverer
	events *wemo.EventServer
	log    zerolog.Logger

	mu      sync.Mutex
	clients map[string]*wemo.Client
	bridges map[string]*wemo.Bridge
}

// NewWemoSource creates a Source backed by disc. Subscriptions are served
// by events.
func NewWemoSource(disc *wemo.Discoverer, events *wemo.EventServer, log zerolog.Logger) *WemoSource {
	return &WemoSource{
		disc:    disc,
		events:  events,
		log:     log,
		clients: make(map[string]*wemo.Client),
		bridges: make(map[string]*wemo.Bridge),
	}
}

// Discover implements Source.
func (s *WemoSource) Discover(ctx context.Context) ([]Found, error) {
	descs, err := s.disc.Discover(ctx)
	if err != nil {
		return nil, err
	}

	var out []Found
	for _, desc := range descs {
		if desc.IsBridge() {
			out = append(out, s.bulbs(ctx, desc)...)
			continue
		}
		c, err := s.client(desc)
		if err != nil {
			s.log.Warn().Err(err).Str("id", desc.ID()).Msg("cannot create device client")
			continue
		}
		out = append(out, Found{Info: desc.Info(), Link: c})
	}
	return out, nil
}

func (s *WemoSource) client(desc *wemo.Description) (*wemo.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[desc.ID()]; ok && c.Description().SetupURL == desc.SetupURL {
		return c, nil
	}
	c, err := wemo.NewClient(desc, s.events, s.log)
	if err != nil {
		return nil, err
	}
	s.clients[desc.ID()] = c
	return c, nil
}

func (s *WemoSource) bridge(desc *wemo.Description) (*wemo.Bridge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bridges[desc.ID()]; ok && b.Description().SetupURL == desc.SetupURL {
		return b, nil
	}
	b, err := wemo.NewBridge(desc, s.events, s.log)
	if err != nil {
		return nil, err
	}
	s.bridges[desc.ID()] = b
	return b, nil
}

func (s *WemoSource) bulbs(ctx context.Context, desc *wemo.Description) []Found {
	b, err := s.bridge(desc)
	if err != nil {
		s.log.Warn().Err(err).Str("id", desc.ID()).Msg("cannot create bridge client")
		return nil
	}
	bulbs, err := b.Bulbs(ctx)
	if err != nil {
		s.log.Warn().Err(err).Str("bridge", desc.ID()).Msg("cannot list bridge bulbs")
		return nil
	}
	out := make([]Found, 0, len(bulbs))
	for _, info := range bulbs {
		if s.disc.Ignored(info.ID) {
			continue
		}
		out = append(out, Found{Info: info, Link: b.Bulb(info.ID)})
	}
	return out
}
