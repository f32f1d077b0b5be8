package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/rickgao/clob-sync/internal/auth"
	"github.com/rickgao/clob-sync/internal/connection"
	"github.com/rickgao/clob-sync/internal/errs"
)

// ErrUnknownHandle is returned by Unsubscribe for handles not in the registry.
var ErrUnknownHandle = errors.New("unknown subscription handle")

// Conn is the part of the Connection Manager the registry drives.
type Conn interface {
	Request(ctx context.Context, f connection.Frame) (connection.Response, error)
	OnConnect(l connection.ConnectListener)
}

// subscription is one consumer: a callback set with its options. Consumers
// with the same kind and targets share one venue subscription.
type subscription struct {
	handle    Handle
	key       string // consumer identity: venue key plus options
	venueKey  string
	kind      connection.Channel
	targets   []string // sorted, deduplicated
	targetSet map[string]struct{}
	wildcard  bool
	cb        Callbacks
	pair      *pairState
	refs      int

	queue *Queue[func()]
}

func (s *subscription) matches(id string) bool {
	if s.wildcard {
		return true
	}
	_, ok := s.targetSet[id]
	return ok
}

// deliver enqueues fn for the subscription's delivery goroutine.
func (s *subscription) deliver(fn func()) {
	s.queue.Push(fn)
}

// venueSub is one subscription as the venue sees it.
type venueSub struct {
	kind      connection.Channel
	targets   []string
	first     Handle // orders resubscription
	consumers int
}

// Registry owns all subscriptions.
type Registry struct {
	cfg    Config
	conn   Conn
	creds  *auth.Credentials
	logger *slog.Logger

	mu         sync.RWMutex
	byKey      map[string]*subscription
	byHandle   map[Handle]*subscription
	venue      map[string]*venueSub
	nextHandle Handle

	workers conc.WaitGroup
}

// NewRegistry creates a registry and registers it for reconnect notifications.
// creds may be nil; user subscriptions then fail validation.
func NewRegistry(cfg Config, conn Conn, creds *auth.Credentials, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	r := &Registry{
		cfg:      cfg,
		conn:     conn,
		creds:    creds,
		logger:   logger.With("component", "registry"),
		byKey:    make(map[string]*subscription),
		byHandle: make(map[Handle]*subscription),
		venue:    make(map[string]*venueSub),
	}
	conn.OnConnect(r.resubscribe)
	return r
}

// Subscribe registers callbacks for kind over targets. A second Subscribe with
// the same kind, targets and options returns the existing handle and does not
// register its callbacks; each call must be balanced by one Unsubscribe.
// Subscriptions that differ only in options (a pair view next to a plain one)
// get their own handle and callbacks but share a single venue subscription.
func (r *Registry) Subscribe(ctx context.Context, kind connection.Channel, targets []string, cb Callbacks, opts ...SubscribeOption) (Handle, error) {
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	normalized, err := r.validate(kind, targets, o)
	if err != nil {
		return 0, err
	}
	venueKey := subscriptionKey(kind, normalized)
	key := consumerKey(venueKey, o)

	r.mu.Lock()
	if existing, ok := r.byKey[key]; ok {
		existing.refs++
		r.mu.Unlock()
		r.logger.Debug("subscription reused", "handle", existing.handle, "refs", existing.refs)
		return existing.handle, nil
	}

	r.nextHandle++
	sub := &subscription{
		handle:    r.nextHandle,
		key:       key,
		venueKey:  venueKey,
		kind:      kind,
		targets:   normalized,
		targetSet: make(map[string]struct{}, len(normalized)),
		wildcard:  len(normalized) == 1 && normalized[0] == connection.WildcardTarget,
		cb:        cb,
		refs:      1,
		queue:     NewQueue[func()](r.cfg.QueueSize),
	}
	for _, t := range normalized {
		sub.targetSet[t] = struct{}{}
	}
	if o.pair {
		// Pair sides follow the caller's order, not the sorted key.
		sub.pair = newPairState(strings.TrimSpace(targets[0]), strings.TrimSpace(targets[1]))
	}
	r.byKey[key] = sub
	r.byHandle[sub.handle] = sub

	vs, shared := r.venue[venueKey]
	if !shared {
		vs = &venueSub{kind: kind, targets: normalized, first: sub.handle}
		r.venue[venueKey] = vs
	}
	vs.consumers++
	r.mu.Unlock()

	if !shared {
		if err := r.send(ctx, connection.OpSubscribe, kind, normalized); err != nil && !errors.Is(err, connection.ErrNotConnected) {
			r.remove(sub)
			return 0, err
		}
	}

	r.workers.Go(func() { r.deliveryLoop(sub) })

	r.logger.Info("subscribed",
		"handle", sub.handle,
		"kind", kind,
		"targets", len(normalized),
		"pair", o.pair,
		"shared", shared,
	)
	return sub.handle, nil
}

// Unsubscribe releases one reference to h. The unsubscribe frame is sent when
// the last consumer of the venue subscription is released. Callbacks may
// still fire once for an event already in flight.
func (r *Registry) Unsubscribe(ctx context.Context, h Handle) error {
	r.mu.Lock()
	sub, ok := r.byHandle[h]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownHandle
	}
	sub.refs--
	if sub.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	last := r.detach(sub)
	r.mu.Unlock()

	sub.queue.Close()

	if !last {
		r.logger.Info("unsubscribed", "handle", h, "kind", sub.kind, "venue_shared", true)
		return nil
	}
	err := r.send(ctx, connection.OpUnsubscribe, sub.kind, sub.targets)
	if errors.Is(err, connection.ErrNotConnected) || errors.Is(err, connection.ErrClosed) {
		err = nil
	}
	r.logger.Info("unsubscribed", "handle", h, "kind", sub.kind)
	return err
}

// detach drops s from the indexes and reports whether it was the last
// consumer of its venue subscription. Caller holds r.mu.
func (r *Registry) detach(s *subscription) bool {
	if r.byKey[s.key] != s {
		return false
	}
	delete(r.byKey, s.key)
	delete(r.byHandle, s.handle)

	vs, ok := r.venue[s.venueKey]
	if !ok {
		return false
	}
	vs.consumers--
	if vs.consumers > 0 {
		return false
	}
	delete(r.venue, s.venueKey)
	return true
}

// Len returns the number of effective venue subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.venue)
}

// Consumers returns the number of distinct callback registrations.
func (r *Registry) Consumers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// Close stops all delivery goroutines after pending deliveries run.
func (r *Registry) Close() {
	r.mu.Lock()
	subs := make([]*subscription, 0, len(r.byKey))
	for _, s := range r.byKey {
		subs = append(subs, s)
	}
	r.byKey = make(map[string]*subscription)
	r.byHandle = make(map[Handle]*subscription)
	r.venue = make(map[string]*venueSub)
	r.mu.Unlock()

	for _, s := range subs {
		s.queue.Close()
	}
	r.workers.Wait()
}

// queueStats sums delivery queue statistics across subscriptions.
func (r *Registry) queueStats() QueueStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total QueueStats
	for _, s := range r.byKey {
		qs := s.queue.Stats()
		total.Pending += qs.Pending
		total.Capacity += qs.Capacity
		total.Pushed += qs.Pushed
		total.Popped += qs.Popped
		total.Resizes += qs.Resizes
	}
	return total
}

// matching returns the subscriptions of kind whose targets contain id.
func (r *Registry) matching(kind connection.Channel, id string) []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*subscription
	for _, s := range r.byKey {
		if s.kind == kind && s.matches(id) {
			out = append(out, s)
		}
	}
	return out
}

// resubscribe resends every venue subscription once. Runs on each connect.
func (r *Registry) resubscribe(ctx context.Context) {
	r.mu.RLock()
	subs := make([]*venueSub, 0, len(r.venue))
	for _, vs := range r.venue {
		subs = append(subs, vs)
	}
	r.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].first < subs[j].first })

	if len(subs) > 0 {
		r.logger.Info("resubscribing", "count", len(subs))
	}
	for _, vs := range subs {
		if err := r.send(ctx, connection.OpSubscribe, vs.kind, vs.targets); err != nil {
			level := slog.LevelWarn
			if errs.IsKind(err, errs.KindAuth) {
				level = slog.LevelError
			}
			r.logger.Log(ctx, level, "resubscribe failed", "kind", vs.kind, "targets", len(vs.targets), "error", err)
		}
	}
}

func (r *Registry) send(ctx context.Context, op string, kind connection.Channel, targets []string) error {
	f := connection.Frame{
		Op:      op,
		Channel: kind,
		Targets: targets,
	}
	if kind == connection.ChannelUser && op == connection.OpSubscribe {
		f.Auth = r.creds.ChannelAuth()
	}
	_, err := r.conn.Request(ctx, f)
	return err
}

func (r *Registry) remove(s *subscription) {
	r.mu.Lock()
	r.detach(s)
	r.mu.Unlock()
	s.queue.Close()
}

// deliveryLoop runs a subscription's callbacks in arrival order.
func (r *Registry) deliveryLoop(s *subscription) {
	for {
		fn, ok := s.queue.Pop()
		if !ok {
			return
		}
		var pc panics.Catcher
		pc.Try(fn)
		if rec := pc.Recovered(); rec != nil {
			r.logger.Error("subscription callback panicked",
				"handle", s.handle,
				"panic", rec.Value,
			)
		}
	}
}

// validate checks a subscribe request and returns the normalized target set.
func (r *Registry) validate(kind connection.Channel, targets []string, o subscribeOptions) ([]string, error) {
	const op = "router.subscribe"

	switch kind {
	case connection.ChannelMarket:
	case connection.ChannelUser:
		if r.creds == nil {
			return nil, errs.New(errs.KindAuth, op, errs.WithField("kind"), errs.WithMessage("user channel requires credentials"))
		}
	default:
		return nil, errs.Validation(op, "kind", fmt.Sprintf("unknown kind %q", kind))
	}

	if len(targets) == 0 {
		return nil, errs.Validation(op, "targets", "at least one target is required")
	}

	seen := make(map[string]struct{}, len(targets))
	normalized := make([]string, 0, len(targets))
	for _, t := range targets {
		t = strings.TrimSpace(t)
		if t == "" {
			return nil, errs.Validation(op, "targets", "blank target")
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		normalized = append(normalized, t)
	}
	if _, ok := seen[connection.WildcardTarget]; ok && len(normalized) > 1 {
		return nil, errs.Validation(op, "targets", `"*" cannot be combined with other targets`)
	}

	if o.pair {
		if kind != connection.ChannelMarket {
			return nil, errs.Validation(op, "pair", "pair updates require the market channel")
		}
		if len(normalized) != 2 || normalized[0] == connection.WildcardTarget {
			return nil, errs.Validation(op, "pair", "pair updates require exactly two assets")
		}
	}

	sort.Strings(normalized)
	return normalized, nil
}

// subscriptionKey is the dedup identity of a venue subscription.
func subscriptionKey(kind connection.Channel, sorted []string) string {
	return string(kind) + "|" + strings.Join(sorted, ",")
}

// consumerKey extends a venue key with the options that change delivery.
func consumerKey(venueKey string, o subscribeOptions) string {
	if o.pair {
		return venueKey + "|pair"
	}
	return venueKey
}
