// Package reconciliation checks that the custody account covers the amount
// of every order still in escrow.
//
// The custody balance can exceed the escrowed total (tokens sent to custody
// directly, memory balances surviving a ledger reset in reverse), but a
// deficit means an order cannot be paid out and is reported as insolvent.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/mbd888/escrowledger/internal/escrow"
	"github.com/mbd888/escrowledger/internal/units"
)

// Liabilities reports what is held in escrow.
type Liabilities interface {
	ActiveTotals(ctx context.Context) (escrow.ActiveTotals, error)
}

// Custody reports what the custody account actually holds.
type Custody interface {
	CustodyBalance(ctx context.Context) (*big.Int, error)
}

// Report is the outcome of one check. Amounts are base-unit integers with
// a display copy formatted to the token's decimals.
type Report struct {
	CheckedAt      time.Time  `json:"checkedAt"`
	Solvent        bool       `json:"solvent"`
	CustodyBalance string     `json:"custodyBalance"`
	Escrowed       string     `json:"escrowed"`
	Surplus        string     `json:"surplus"` // negative on a deficit
	ActiveOrders   int        `json:"activeOrders"`
	OldestActive   *time.Time `json:"oldestActive,omitempty"`
	Display        Display    `json:"display"`
}

// Display holds human-readable copies of the report amounts.
type Display struct {
	CustodyBalance string `json:"custodyBalance"`
	Escrowed       string `json:"escrowed"`
	Surplus        string `json:"surplus"`
}

// Service compares custody holdings with escrow liabilities.
type Service struct {
	liabilities Liabilities
	custody     Custody
	decimals    int
	logger      *slog.Logger
	now         func() time.Time
	last        atomic.Pointer[Report]
}

// NewService creates a reconciliation service.
func NewService(liabilities Liabilities, custody Custody, decimals int, logger *slog.Logger) *Service {
	return &Service{
		liabilities: liabilities,
		custody:     custody,
		decimals:    decimals,
		logger:      logger,
		now:         time.Now,
	}
}

// Check runs one reconciliation and records it as the latest report.
func (s *Service) Check(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	totals, err := s.liabilities.ActiveTotals(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("sum active orders: %w", err)
	}
	held, err := s.custody.CustodyBalance(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("read custody balance: %w", err)
	}

	surplus := new(big.Int).Sub(held, totals.Amount)
	now := s.now().UTC()
	r := &Report{
		CheckedAt:      now,
		Solvent:        surplus.Sign() >= 0,
		CustodyBalance: held.String(),
		Escrowed:       totals.Amount.String(),
		Surplus:        surplus.String(),
		ActiveOrders:   totals.Count,
		Display: Display{
			CustodyBalance: units.Format(held, s.decimals),
			Escrowed:       units.Format(totals.Amount, s.decimals),
			Surplus:        units.Format(surplus, s.decimals),
		},
	}
	if !totals.Oldest.IsZero() {
		oldest := totals.Oldest
		r.OldestActive = &oldest
		oldestActiveAge.Set(now.Sub(oldest).Seconds())
	} else {
		oldestActiveAge.Set(0)
	}

	activeOrders.Set(float64(totals.Count))
	if r.Solvent {
		custodySolvent.Set(1)
	} else {
		custodySolvent.Set(0)
		s.logger.Error("custody deficit",
			"custody_balance", r.CustodyBalance, "escrowed", r.Escrowed,
			"deficit", new(big.Int).Neg(surplus).String(), "active_orders", r.ActiveOrders)
	}

	s.last.Store(r)
	return r, nil
}

// Last returns the most recent report, or nil before the first check.
func (s *Service) Last() *Report {
	return s.last.Load()
}

// Run checks immediately and then every interval until ctx is done. A
// panic inside a check is logged and does not stop the loop.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.safeCheck(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) safeCheck(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			reconcileErrors.Inc()
			s.logger.Error("panic in reconciliation", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := s.Check(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("reconciliation failed", "error", err)
	}
}
