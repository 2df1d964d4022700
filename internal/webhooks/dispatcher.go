package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/escrowledger/internal/escrow"
	"github.com/mbd888/escrowledger/internal/idgen"
	"github.com/mbd888/escrowledger/internal/retry"
	"github.com/mbd888/escrowledger/internal/traces"
)

const (
	DefaultQueueSize   = 1024
	DefaultWorkers     = 4
	DefaultMaxFailures = 10
	deliveryTimeout    = 10 * time.Second
)

// DeliveryPolicy retries a single delivery on network errors and 5xx.
var DeliveryPolicy = retry.Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}

// partyKeys are the event data fields that name an order party.
var partyKeys = []string{"buyer", "seller", "releasedBy", "refundedBy"}

// OrderLookup resolves the parties of settled orders, whose events only
// name the caller.
type OrderLookup interface {
	GetOrder(ctx context.Context, id *big.Int) (*escrow.Order, error)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithOrders lets the dispatcher resolve buyer and seller for release and
// refund events.
func WithOrders(o OrderLookup) Option { return func(d *Dispatcher) { d.orders = o } }

// WithWorkers sets the number of delivery goroutines started by Run.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithRetryPolicy overrides DeliveryPolicy.
func WithRetryPolicy(p retry.Policy) Option { return func(d *Dispatcher) { d.policy = p } }

// WithMaxFailures sets how many failed deliveries in a row disable a subscription.
func WithMaxFailures(n int) Option { return func(d *Dispatcher) { d.maxFailures = n } }

// AllowPrivateTargets turns off the private-address checks. Development only.
func AllowPrivateTargets() Option { return func(d *Dispatcher) { d.allowPrivate = true } }

// Dispatcher implements escrow.Notifier by queueing events and delivering
// them to matching subscriptions from a pool of workers.
type Dispatcher struct {
	store        Store
	orders       OrderLookup
	client       *http.Client
	logger       *slog.Logger
	queue        chan *escrow.Event
	workers      int
	policy       retry.Policy
	maxFailures  int
	allowPrivate bool
	now          func() time.Time
}

// NewDispatcher creates a dispatcher. Call Run to start delivering.
func NewDispatcher(store Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:       store,
		logger:      slog.Default(),
		queue:       make(chan *escrow.Event, DefaultQueueSize),
		workers:     DefaultWorkers,
		policy:      DeliveryPolicy,
		maxFailures: DefaultMaxFailures,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.client = newClient(d.allowPrivate)
	return d
}

// ValidateURL checks a target URL before it is stored.
func (d *Dispatcher) ValidateURL(raw string) error {
	return validateURL(raw, d.allowPrivate)
}

// Publish queues an event. It never blocks; when the queue is full the
// event is dropped and can be recovered from the event log.
func (d *Dispatcher) Publish(e *escrow.Event) {
	select {
	case d.queue <- e:
	default:
		webhookDroppedTotal.Inc()
		d.logger.Warn("webhook queue full, dropping event", "seq", e.Seq, "type", e.Type)
	}
}

// Run delivers queued events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("webhook dispatcher started", "workers", d.workers)
	var wg sync.WaitGroup
	for range d.workers {
		wg.Go(func() {
			for {
				select {
				case <-ctx.Done():
					return
				case e := <-d.queue:
					d.Dispatch(ctx, e)
				}
			}
		})
	}
	wg.Wait()
	d.logger.Info("webhook dispatcher stopped")
}

// Dispatch delivers e to every matching active subscription and returns
// the number of successful deliveries.
func (d *Dispatcher) Dispatch(ctx context.Context, e *escrow.Event) int {
	subs, err := d.store.ListActive(ctx)
	if err != nil {
		d.logger.Error("list webhook subscriptions", "error", err)
		return 0
	}
	if len(subs) == 0 {
		return 0
	}

	parties := d.parties(ctx, e)
	delivered := 0
	for _, sub := range subs {
		if !matches(sub, e, parties) {
			continue
		}
		if d.deliver(ctx, sub, e) {
			delivered++
		}
	}
	return delivered
}

func matches(sub *Subscription, e *escrow.Event, parties []string) bool {
	if !sub.Wants(e.Type) {
		return false
	}
	if !isOrderEvent(e.Type) {
		return true
	}
	return slices.ContainsFunc(parties, func(p string) bool { return strings.EqualFold(p, sub.Owner) })
}

func (d *Dispatcher) parties(ctx context.Context, e *escrow.Event) []string {
	var out []string
	for _, k := range partyKeys {
		if v, ok := e.Data[k]; ok {
			out = append(out, v)
		}
	}
	if d.orders == nil || e.OrderID == "" || e.Type == escrow.EventOrderPlaced {
		return out
	}
	id, ok := new(big.Int).SetString(e.OrderID, 10)
	if !ok {
		return out
	}
	order, err := d.orders.GetOrder(ctx, id)
	if err != nil {
		d.logger.Warn("resolve order parties", "order_id", e.OrderID, "error", err)
		return out
	}
	return append(out, order.Buyer.Hex(), order.Seller.Hex())
}

// deliver posts e to sub with retries and records the outcome.
func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, e *escrow.Event) bool {
	payload, err := json.Marshal(e)
	if err != nil {
		d.logger.Error("serialize webhook payload", "seq", e.Seq, "error", err)
		return false
	}

	deliveryID := idgen.WithPrefix("dlv_")
	ctx, span := traces.StartSpan(ctx, "webhooks.deliver",
		traces.OrderID(e.OrderID), traces.EventSeq(e.Seq),
		attribute.String("webhook.id", sub.ID), attribute.String("webhook.delivery", deliveryID))
	defer func() { traces.End(span, err) }()

	err = validateURL(sub.URL, d.allowPrivate)
	if err == nil {
		err = retry.Do(ctx, d.policy, func(ctx context.Context) error {
			return d.post(ctx, sub, e, deliveryID, payload)
		})
	}

	if err != nil {
		webhookDeliveriesTotal.WithLabelValues(string(e.Type), "failure").Inc()
		d.logger.Warn("webhook delivery failed",
			"subscription", sub.ID, "delivery", deliveryID, "seq", e.Seq, "error", err)
		d.recordFailure(ctx, sub, err)
		return false
	}
	webhookDeliveriesTotal.WithLabelValues(string(e.Type), "success").Inc()
	d.recordSuccess(ctx, sub)
	return true
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, e *escrow.Event, deliveryID string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	ts := strconv.FormatInt(d.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "escrowledger-webhooks")
	req.Header.Set(HeaderEvent, string(e.Type))
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(sub.Secret, ts, payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	now := d.now().UTC()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	d.update(ctx, sub)
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, err error) {
	sub.LastError = err.Error()
	sub.ConsecutiveFailures++
	if d.maxFailures > 0 && sub.ConsecutiveFailures >= d.maxFailures {
		sub.Active = false
		webhookDisabledTotal.Inc()
		d.logger.Warn("webhook disabled after repeated failures",
			"subscription", sub.ID, "owner", sub.Owner, "failures", sub.ConsecutiveFailures)
	}
	d.update(ctx, sub)
}

func (d *Dispatcher) update(ctx context.Context, sub *Subscription) {
	if err := d.store.Update(context.WithoutCancel(ctx), sub); err != nil {
		d.logger.Error("update webhook subscription", "subscription", sub.ID, "error", err)
	}
}
