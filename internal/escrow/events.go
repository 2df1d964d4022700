package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/escrowledger/internal/idgen"
)

// EventType names a notification emitted by the service.
type EventType string

const (
	EventOrderPlaced         EventType = "order.placed"
	EventOrderReleased       EventType = "order.released"
	EventOrderRefunded       EventType = "order.refunded"
	EventFeeUpdated          EventType = "fee.updated"
	EventFeeCollectorUpdated EventType = "fee_collector.updated"
)

// Event is an entry in the append-only notification log. Seq is assigned
// by the log and is strictly increasing.
type Event struct {
	Seq       int64             `json:"seq"`
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	OrderID   string            `json:"orderId,omitempty"`
	Data      map[string]string `json:"data"`
	CreatedAt time.Time         `json:"createdAt"`
}

// EventLog persists notifications in emission order.
type EventLog interface {
	Append(ctx context.Context, e *Event) (*Event, error)
	// List returns up to limit events with Seq > after, oldest first.
	List(ctx context.Context, after int64, limit int) ([]*Event, error)
}

// Notifier receives every event after it is appended.
type Notifier interface {
	Publish(e *Event)
}

func newEvent(typ EventType, orderID string, data map[string]string) *Event {
	return &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      typ,
		OrderID:   orderID,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
}

// MemoryEventLog is an in-memory event log for demo/development mode.
type MemoryEventLog struct {
	events []*Event
	mu     sync.RWMutex
}

func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{}
}

func (m *MemoryEventLog) Append(_ context.Context, e *Event) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	cp.Seq = int64(len(m.events)) + 1
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.events = append(m.events, &cp)
	out := cp
	return &out, nil
}

func (m *MemoryEventLog) List(_ context.Context, after int64, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if after < 0 {
		after = 0
	}
	var result []*Event
	// Seq n lives at index n-1.
	for i := int(after); i < len(m.events); i++ {
		cp := *m.events[i]
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// eventLogLock is the advisory lock key that serializes appends.
const eventLogLock int64 = 0x657363726f77

// PostgresEventLog persists events in escrow_events. Appends take a
// transaction-scoped advisory lock before drawing seq, so sequence numbers
// commit in order and a reader paging with after=N never skips an event
// that commits later.
type PostgresEventLog struct {
	db *sql.DB
}

func NewPostgresEventLog(db *sql.DB) *PostgresEventLog {
	return &PostgresEventLog{db: db}
}

func (p *PostgresEventLog) Append(ctx context.Context, e *Event) (*Event, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	cp := *e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, eventLogLock); err != nil {
		return nil, fmt.Errorf("lock event log: %w", err)
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO escrow_events (event_id, event_type, order_id, data, created_at)
		VALUES ($1, $2, NULLIF($3, '')::NUMERIC(78,0), $4, $5)
		RETURNING seq`,
		cp.ID, string(cp.Type), cp.OrderID, data, cp.CreatedAt,
	).Scan(&cp.Seq)
	if err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit event: %w", err)
	}
	return &cp, nil
}

func (p *PostgresEventLog) List(ctx context.Context, after int64, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT seq, event_id, event_type, COALESCE(order_id::TEXT, ''), data, created_at
		FROM escrow_events
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2`,
		after, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		var (
			e    Event
			typ  string
			data []byte
		)
		if err := rows.Scan(&e.Seq, &e.ID, &typ, &e.OrderID, &data, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("decode event %d: %w", e.Seq, err)
			}
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

var (
	_ EventLog = (*MemoryEventLog)(nil)
	_ EventLog = (*PostgresEventLog)(nil)
)
