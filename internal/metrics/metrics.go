package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rickgao/clob-sync/internal/connection"
	"github.com/rickgao/clob-sync/internal/errs"
	"github.com/rickgao/clob-sync/internal/onchain"
	"github.com/rickgao/clob-sync/internal/order"
	"github.com/rickgao/clob-sync/internal/poller"
	"github.com/rickgao/clob-sync/internal/router"
	"github.com/rickgao/clob-sync/internal/writer"
)

const namespace = "clob"

// Metrics holds the hook-driven collectors.
type Metrics struct {
	factory promauto.Factory

	orderTransitions *prometheus.CounterVec
	operations       *prometheus.CounterVec
	asyncErrors      *prometheus.CounterVec
	phaseChanges     *prometheus.CounterVec
	phase            prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		factory: f,
		orderTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "transitions_total",
			Help:      "Order status transitions",
		}, []string{"from", "to"}),
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "operations_total",
			Help:      "Observed on-chain operations",
		}, []string{"kind", "source"}),
		asyncErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Asynchronous errors by component and kind",
		}, []string{"component", "kind"}),
		phaseChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "phase_changes_total",
			Help:      "Connection phase transitions by target phase",
		}, []string{"phase"}),
		phase: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "phase",
			Help:      "Current connection phase (0=disconnected 1=connecting 2=market 3=user 4=recovering 5=closed)",
		}),
	}
}

// OrderTransition counts a status change. Usable as an order transition hook.
func (m *Metrics) OrderTransition(from, to order.Status) {
	if from == "" {
		from = "NEW"
	}
	m.orderTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveOperation counts an on-chain operation.
func (m *Metrics) ObserveOperation(op onchain.Operation) {
	m.operations.WithLabelValues(string(op.Kind), string(op.Source)).Inc()
}

// ObserveError counts an asynchronous error from component.
func (m *Metrics) ObserveError(component string, err error) {
	m.asyncErrors.WithLabelValues(component, string(errs.KindOf(err))).Inc()
}

// ObservePhase records a connection phase change.
func (m *Metrics) ObservePhase(p connection.Phase) {
	m.phase.Set(float64(p))
	m.phaseChanges.WithLabelValues(p.String()).Inc()
}

// OrderStats is the reconciler surface read on scrape.
type OrderStats interface {
	Len() int
	Parked() int
}

// Sources are read on every scrape. Nil fields are skipped.
type Sources struct {
	Connection func() connection.ManagerStats
	Router     func() router.Stats
	Orders     OrderStats
	Correlator func() onchain.Stats
	Dedup      func() (size int, evicted int64)
	Poller     func() (cycles int64, totals poller.CycleStats)
	Writers    map[string]func() writer.WriterMetrics
}

// Register adds function-backed collectors for src.
func (m *Metrics) Register(src Sources) {
	f := m.factory

	if get := src.Connection; get != nil {
		counter(f, "connection", "connects_total", "Successful socket connects", func() float64 { return float64(get().Connects) })
		counter(f, "connection", "frames_in_total", "Frames read from the socket", func() float64 { return float64(get().FramesIn) })
		counter(f, "connection", "frames_out_total", "Frames written to the socket", func() float64 { return float64(get().FramesOut) })
		gauge(f, "connection", "reconnect_attempts", "Consecutive reconnect attempts", func() float64 { return float64(get().ReconnectAttempts) })
		gauge(f, "connection", "pending_requests", "Control frames awaiting an ack", func() float64 { return float64(get().PendingRequests) })
	}

	if get := src.Router; get != nil {
		counter(f, "router", "messages_received_total", "Event frames received", func() float64 { return float64(get().MessagesReceived) })
		counter(f, "router", "messages_routed_total", "Event deliveries queued", func() float64 { return float64(get().MessagesRouted) })
		counter(f, "router", "parse_errors_total", "Event frames that failed to parse", func() float64 { return float64(get().ParseErrors) })
		counter(f, "router", "unknown_messages_total", "Event frames of unknown type", func() float64 { return float64(get().UnknownMessages) })
		gauge(f, "router", "subscriptions", "Active subscriptions", func() float64 { return float64(get().Subscriptions) })
		gauge(f, "router", "books", "Local order books", func() float64 { return float64(get().Books) })
		gauge(f, "router", "consumers", "Callback registrations across subscriptions", func() float64 { return float64(get().Consumers) })
		gauge(f, "router", "queue_depth", "Pending callback deliveries", func() float64 { return float64(get().QueueDepth) })
		counter(f, "router", "deliveries_total", "Callbacks run by live subscriptions", func() float64 { return float64(get().Delivered) })
	}

	if o := src.Orders; o != nil {
		gauge(f, "orders", "watched", "Orders held in memory", func() float64 { return float64(o.Len()) })
		gauge(f, "orders", "parked_events", "Order events waiting for an unbound venue id", func() float64 { return float64(o.Parked()) })
	}

	if get := src.Correlator; get != nil {
		counter(f, "chain", "duplicates_total", "Replayed logs suppressed", func() float64 { return float64(get().Duplicates) })
		counter(f, "chain", "ambiguous_total", "Transfer groups dropped as ambiguous", func() float64 { return float64(get().Ambiguous) })
		gauge(f, "chain", "pending_transactions", "Transactions awaiting classification", func() float64 { return float64(get().Pending) })
	}

	if get := src.Dedup; get != nil {
		gauge(f, "chain", "dedup_keys", "Keys held by the operation dedup set", func() float64 {
			size, _ := get()
			return float64(size)
		})
		counter(f, "chain", "dedup_evictions_total", "Keys evicted from the operation dedup set", func() float64 {
			_, evicted := get()
			return float64(evicted)
		})
	}

	if get := src.Poller; get != nil {
		counter(f, "poller", "cycles_total", "Poll cycles with at least one order", func() float64 {
			cycles, _ := get()
			return float64(cycles)
		})
		counter(f, "poller", "polled_total", "Orders refreshed", func() float64 { _, t := get(); return float64(t.Polled) })
		counter(f, "poller", "changed_total", "Refreshes that changed a record", func() float64 { _, t := get(); return float64(t.Changed) })
		counter(f, "poller", "errors_total", "Failed refreshes", func() float64 { _, t := get(); return float64(t.Errors) })
	}

	for name, get := range src.Writers {
		labels := prometheus.Labels{"writer": name}
		writerCounter(f, "inserts_total", "Rows written", labels, func() float64 { return float64(get().Inserts) })
		writerCounter(f, "conflicts_total", "Rows skipped by the conflict clause", labels, func() float64 { return float64(get().Conflicts) })
		writerCounter(f, "flush_errors_total", "Failed batch flushes", labels, func() float64 { return float64(get().Errors) })
		writerCounter(f, "dropped_total", "Values dropped on a full buffer", labels, func() float64 { return float64(get().Dropped) })
	}
}

func counter(f promauto.Factory, subsystem, name, help string, fn func() float64) {
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
}

func gauge(f promauto.Factory, subsystem, name, help string, fn func() float64) {
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
}

func writerCounter(f promauto.Factory, name, help string, labels prometheus.Labels, fn func() float64) {
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "writer",
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}, fn)
}
