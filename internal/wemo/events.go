package wemo

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Property is one changed state variable from a NOTIFY message.
type Property struct {
	Name  string
	Value string
}

// ParseNotify decodes a GENA propertyset.
func ParseNotify(r io.Reader) ([]Property, error) {
	var set struct {
		Properties []struct {
			Vars []struct {
				XMLName xml.Name
				Value   string `xml:",chardata"`
			} `xml:",any"`
		} `xml:"property"`
	}
	if err := xml.NewDecoder(r).Decode(&set); err != nil {
		return nil, fmt.Errorf("decode propertyset: %w", err)
	}
	var props []Property
	for _, p := range set.Properties {
		for _, v := range p.Vars {
			props = append(props, Property{Name: v.XMLName.Local, Value: strings.TrimSpace(v.Value)})
		}
	}
	return props, nil
}

// EventServer receives GENA NOTIFY callbacks for every subscription made
// through it and keeps those subscriptions renewed.
//
// Each subscription gets its own callback path so a NOTIFY that arrives
// before the SUBSCRIBE response is still routed correctly.
type EventServer struct {
	callbackBase string
	timeout      time.Duration
	hc           *http.Client
	log          zerolog.Logger

	httpServer *http.Server
	router     chi.Router

	mu   sync.Mutex
	subs map[string]*Subscription
	now  func() time.Time
}

// NewEventServer creates an EventServer listening on addr. callbackBase is
// the scheme, host and port devices use to reach it, such as
// "http://192.168.1.10:1225".
func NewEventServer(addr, callbackBase string, timeout time.Duration, log zerolog.Logger) *EventServer {
	if timeout <= 0 {
		timeout = DefaultSubscriptionTimeout
	}
	chi.RegisterMethod("NOTIFY")

	s := &EventServer{
		callbackBase: strings.TrimRight(callbackBase, "/"),
		timeout:      timeout,
		hc:           &http.Client{Timeout: DefaultRequestTimeout},
		log:          log.With().Str("component", "gena").Logger(),
		subs:         make(map[string]*Subscription),
		now:          time.Now,
	}

	r := chi.NewRouter()
	r.MethodFunc("NOTIFY", "/events/{token}", s.handleNotify)
	s.router = r
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the NOTIFY handler.
func (s *EventServer) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *EventServer) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener.
func (s *EventServer) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown unsubscribes everything and stops the server.
func (s *EventServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

// Subscribe registers for events from eventURL. handler is called on the
// HTTP server goroutine for every NOTIFY.
func (s *EventServer) Subscribe(ctx context.Context, eventURL string, handler func([]Property)) (*Subscription, error) {
	sub := &Subscription{
		srv:      s,
		token:    uuid.NewString(),
		eventURL: eventURL,
		handler:  handler,
	}

	s.mu.Lock()
	s.subs[sub.token] = sub
	s.mu.Unlock()

	if err := sub.subscribe(ctx); err != nil {
		s.remove(sub.token)
		return nil, err
	}
	s.log.Debug().Str("url", eventURL).Str("sid", sub.SID()).Msg("subscribed")
	return sub, nil
}

// Len returns the number of live subscriptions.
func (s *EventServer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// RenewDue renews every subscription that expires within a third of the
// subscription timeout. A subscription whose renewal is refused is replaced
// by a fresh one.
func (s *EventServer) RenewDue(ctx context.Context) {
	s.mu.Lock()
	var due []*Subscription
	limit := s.now().Add(s.timeout / 3)
	for _, sub := range s.subs {
		if sub.expiresBefore(limit) {
			due = append(due, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range due {
		if err := sub.renew(ctx); err != nil {
			s.log.Warn().Err(err).Str("url", sub.eventURL).Msg("renewal failed, resubscribing")
			if err := sub.subscribe(ctx); err != nil {
				s.log.Warn().Err(err).Str("url", sub.eventURL).Msg("resubscribe failed")
			}
		}
	}
}

// Run renews subscriptions until ctx is cancelled.
func (s *EventServer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RenewDue(ctx)
		}
	}
}

func (s *EventServer) remove(token string) {
	s.mu.Lock()
	delete(s.subs, token)
	s.mu.Unlock()
}

func (s *EventServer) handleNotify(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	s.mu.Lock()
	sub := s.subs[token]
	s.mu.Unlock()

	if sub == nil {
		http.Error(w, "unknown subscription", http.StatusPreconditionFailed)
		return
	}

	props, err := ParseNotify(r.Body)
	if err != nil {
		s.log.Warn().Err(err).Str("url", sub.eventURL).Msg("bad NOTIFY body")
		http.Error(w, "bad propertyset", http.StatusBadRequest)
		return
	}
	if len(props) > 0 {
		sub.handler(props)
	}
	w.WriteHeader(http.StatusOK)
}

// Subscription is one GENA subscription. It implements device.Subscription.
type Subscription struct {
	srv      *EventServer
	token    string
	eventURL string
	handler  func([]Property)

	mu      sync.Mutex
	sid     string
	expires time.Time
}

// SID returns the subscription id assigned by the device.
func (s *Subscription) SID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid
}

// Close unsubscribes and stops delivery.
func (s *Subscription) Close() error {
	s.srv.remove(s.token)

	s.mu.Lock()
	sid := s.sid
	s.sid = ""
	s.mu.Unlock()
	if sid == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultRequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "UNSUBSCRIBE", s.eventURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("SID", sid)
	resp, err := s.srv.hc.Do(req)
	if err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (s *Subscription) expiresBefore(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expires.Before(t)
}

func (s *Subscription) subscribe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", s.eventURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("CALLBACK", fmt.Sprintf("<%s/events/%s>", s.srv.callbackBase, s.token))
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("TIMEOUT", formatTimeout(s.srv.timeout))
	return s.send(req)
}

func (s *Subscription) renew(ctx context.Context) error {
	sid := s.SID()
	if sid == "" {
		return ErrNotSubscribed
	}
	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", s.eventURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("SID", sid)
	req.Header.Set("TIMEOUT", formatTimeout(s.srv.timeout))
	return s.send(req)
}

func (s *Subscription) send(req *http.Request) error {
	resp, err := s.srv.hc.Do(req)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.eventURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("subscribe %s: unexpected status %d", s.eventURL, resp.StatusCode)
	}
	sid := resp.Header.Get("SID")
	if sid == "" {
		return fmt.Errorf("subscribe %s: no SID in response", s.eventURL)
	}

	timeout := parseTimeout(resp.Header.Get("TIMEOUT"), s.srv.timeout)
	s.mu.Lock()
	s.sid = sid
	s.expires = s.srv.now().Add(timeout)
	s.mu.Unlock()
	return nil
}

func formatTimeout(d time.Duration) string {
	return fmt.Sprintf("Second-%d", int64(d/time.Second))
}

func parseTimeout(v string, fallback time.Duration) time.Duration {
	secs, ok := strings.CutPrefix(strings.TrimSpace(v), "Second-")
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(secs)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}
