// Package webhooks delivers escrow events to URLs registered by order
// parties.
//
// A subscription belongs to the address that created it. Order events are
// delivered to a subscription when its owner is the buyer or seller of the
// order; fee policy events go to every subscription that lists them
// explicitly. Payloads are the stored escrow.Event, signed with
// HMAC-SHA256 under a per-subscription secret.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/escrowledger/internal/escrow"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Escrow-Event"
	HeaderDelivery  = "X-Escrow-Delivery"
	HeaderTimestamp = "X-Escrow-Timestamp"
	HeaderSignature = "X-Escrow-Signature"
)

// ErrNotFound is returned when a subscription does not exist.
var ErrNotFound = errors.New("webhooks: subscription not found")

// Subscription is a registered delivery target.
type Subscription struct {
	ID                  string             `json:"id"`
	Owner               string             `json:"owner"`
	URL                 string             `json:"url"`
	Secret              string             `json:"-"`
	Events              []escrow.EventType `json:"events"`
	Active              bool               `json:"active"`
	CreatedAt           time.Time          `json:"createdAt"`
	LastSuccess         *time.Time         `json:"lastSuccess,omitempty"`
	LastError           string             `json:"lastError,omitempty"`
	ConsecutiveFailures int                `json:"consecutiveFailures"`
}

// Wants reports whether the subscription accepts events of type t.
// An empty event list accepts every order event but no fee policy events.
func (s *Subscription) Wants(t escrow.EventType) bool {
	if len(s.Events) == 0 {
		return isOrderEvent(t)
	}
	return slices.Contains(s.Events, t)
}

func isOrderEvent(t escrow.EventType) bool {
	switch t {
	case escrow.EventOrderPlaced, escrow.EventOrderReleased, escrow.EventOrderRefunded:
		return true
	}
	return false
}

// KnownEvent reports whether t is an event type the service emits.
func KnownEvent(t escrow.EventType) bool {
	switch t {
	case escrow.EventFeeUpdated, escrow.EventFeeCollectorUpdated:
		return true
	}
	return isOrderEvent(t)
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByOwner(ctx context.Context, owner string) ([]*Subscription, error)
	ListActive(ctx context.Context) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Sign computes the hex HMAC-SHA256 of "<timestamp>.<payload>".
func Sign(secret string, timestamp string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte{'.'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a delivery the way a receiver should.
func VerifySignature(secret, timestamp string, payload []byte, signature string) bool {
	want := Sign(secret, timestamp, payload)
	return hmac.Equal([]byte(want), []byte(strings.ToLower(signature)))
}

// MemoryStore keeps subscriptions in memory for development and tests.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(sub), nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, owner string) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool { return strings.EqualFold(s.Owner, owner) }), nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool { return s.Active }), nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

// filter returns matching copies, newest first.
func (m *MemoryStore) filter(keep func(*Subscription) bool) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if keep(sub) {
			out = append(out, clone(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func clone(s *Subscription) *Subscription {
	c := *s
	c.Events = slices.Clone(s.Events)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		c.LastSuccess = &t
	}
	return &c
}
