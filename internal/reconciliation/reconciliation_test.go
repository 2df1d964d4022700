package reconciliation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowledger/internal/escrow"
	"github.com/mbd888/escrowledger/internal/transfer"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixedLiabilities struct {
	totals escrow.ActiveTotals
	err    error
}

func (f fixedLiabilities) ActiveTotals(context.Context) (escrow.ActiveTotals, error) {
	return f.totals, f.err
}

type fixedCustody struct {
	balance *big.Int
	err     error
}

func (f fixedCustody) CustodyBalance(context.Context) (*big.Int, error) {
	return f.balance, f.err
}

func TestCheck_Solvent(t *testing.T) {
	oldest := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc := NewService(
		fixedLiabilities{totals: escrow.ActiveTotals{Count: 2, Amount: big.NewInt(1_500_000), Oldest: oldest}},
		fixedCustody{balance: big.NewInt(2_000_000)},
		6, quiet,
	)
	svc.now = func() time.Time { return oldest.Add(time.Hour) }

	r, err := svc.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, r.Solvent)
	assert.Equal(t, "500000", r.Surplus)
	assert.Equal(t, "0.500000", r.Display.Surplus)
	assert.Equal(t, 2, r.ActiveOrders)
	require.NotNil(t, r.OldestActive)
	assert.Equal(t, oldest, *r.OldestActive)
	assert.Equal(t, float64(1), testutil.ToFloat64(custodySolvent))
	assert.Equal(t, float64(3600), testutil.ToFloat64(oldestActiveAge))
	assert.Same(t, r, svc.Last())
}

func TestCheck_Deficit(t *testing.T) {
	svc := NewService(
		fixedLiabilities{totals: escrow.ActiveTotals{Count: 1, Amount: big.NewInt(1_000_000), Oldest: time.Now()}},
		fixedCustody{balance: big.NewInt(250_000)},
		6, quiet,
	)

	r, err := svc.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, r.Solvent)
	assert.Equal(t, "-750000", r.Surplus)
	assert.Equal(t, "-0.750000", r.Display.Surplus)
	assert.Equal(t, float64(0), testutil.ToFloat64(custodySolvent))
}

func TestCheck_NoActiveOrders(t *testing.T) {
	svc := NewService(
		fixedLiabilities{totals: escrow.ActiveTotals{Amount: new(big.Int)}},
		fixedCustody{balance: new(big.Int)},
		6, quiet,
	)

	r, err := svc.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, r.Solvent)
	assert.Nil(t, r.OldestActive)
}

func TestCheck_Errors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name string
		svc  *Service
		want string
	}{
		{"ledger", NewService(fixedLiabilities{err: boom}, fixedCustody{balance: new(big.Int)}, 6, quiet), "sum active orders"},
		{"custody", NewService(fixedLiabilities{totals: escrow.ActiveTotals{Amount: new(big.Int)}}, fixedCustody{err: boom}, 6, quiet), "read custody balance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(reconcileErrors)
			_, err := tt.svc.Check(context.Background())
			require.ErrorIs(t, err, boom)
			assert.Contains(t, err.Error(), tt.want)
			assert.Nil(t, tt.svc.Last())
			assert.Equal(t, before+1, testutil.ToFloat64(reconcileErrors))
		})
	}
}

// TestCheck_AgainstLiveService runs the check over a real ledger and
// balance book after an order has been placed.
func TestCheck_AgainstLiveService(t *testing.T) {
	custody := common.HexToAddress("0x000000000000000000000000000000000000c057")
	book := transfer.NewBook(custody)
	ledger := escrow.NewMemoryStore()

	order := &escrow.Order{
		ID: big.NewInt(1), Amount: big.NewInt(700), FeeAmount: new(big.Int),
		Seller: common.HexToAddress("0xb2"), Buyer: common.HexToAddress("0xb1"),
		State: escrow.StateActive, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, ledger.Create(context.Background(), order))

	svc := NewService(ledger, book, 6, quiet)
	r, err := svc.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, r.Solvent, "nothing was pulled into custody")

	require.NoError(t, book.Credit(custody, big.NewInt(700)))
	r, err = svc.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, r.Solvent)
	assert.Equal(t, "0", r.Surplus)
}

func TestRun_StopsOnCancel(t *testing.T) {
	svc := NewService(
		fixedLiabilities{totals: escrow.ActiveTotals{Amount: new(big.Int)}},
		fixedCustody{balance: new(big.Int)},
		6, quiet,
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx, time.Hour)
		close(done)
	}()

	require.Eventually(t, func() bool { return svc.Last() != nil }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
