package escrow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mbd888/escrowledger/internal/nonce"
	"github.com/mbd888/escrowledger/internal/signature"
	"github.com/mbd888/escrowledger/internal/transfer"
)

var (
	custodyAddr   = common.HexToAddress("0x000000000000000000000000000000000000c057")
	buyerAddr     = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	sellerAddr    = common.HexToAddress("0x00000000000000000000000000000000000000a5")
	collectorAddr = common.HexToAddress("0x00000000000000000000000000000000000000fc")
	strangerAddr  = common.HexToAddress("0x0000000000000000000000000000000000000bad")
)

// flakyTransferer wraps a Book and fails selected transfers.
type flakyTransferer struct {
	*transfer.Book

	mu       sync.Mutex
	failPull func(from common.Address) error
	failPush func(to common.Address) error
	pushes   int
	pulls    int
}

func (f *flakyTransferer) Pull(ctx context.Context, from, to common.Address, amount *big.Int) error {
	f.mu.Lock()
	f.pulls++
	hook := f.failPull
	f.mu.Unlock()
	if hook != nil {
		if err := hook(from); err != nil {
			return &transfer.Error{Op: "pull", Err: err}
		}
	}
	return f.Book.Pull(ctx, from, to, amount)
}

func (f *flakyTransferer) Push(ctx context.Context, to common.Address, amount *big.Int) error {
	f.mu.Lock()
	f.pushes++
	hook := f.failPush
	f.mu.Unlock()
	if hook != nil {
		if err := hook(to); err != nil {
			return &transfer.Error{Op: "push", Err: err}
		}
	}
	return f.Book.Push(ctx, to, amount)
}

func (f *flakyTransferer) counts() (pulls, pushes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls, f.pushes
}

type testEnv struct {
	svc       *Service
	ledger    *MemoryStore
	nonces    *nonce.MemoryRegistry
	events    *MemoryEventLog
	transfers *flakyTransferer
	issuer    *ecdsa.PrivateKey
	admin     common.Address
}

func newTestEnv(t *testing.T, feeBps uint16) *testEnv {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	admin := crypto.PubkeyToAddress(key.PublicKey)

	env := &testEnv{
		ledger:    NewMemoryStore(),
		nonces:    nonce.NewMemoryRegistry(),
		events:    NewMemoryEventLog(),
		transfers: &flakyTransferer{Book: transfer.NewBook(custodyAddr)},
		issuer:    key,
		admin:     admin,
	}
	env.svc = NewService(env.ledger, env.nonces, signature.NewIssuerVerifier(admin), env.transfers, Policy{
		FeeBps:       feeBps,
		FeeCollector: collectorAddr,
		Admin:        admin,
	}).WithEventLog(env.events).WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := env.transfers.Credit(buyerAddr, big.NewInt(1_000_000_000_000)); err != nil {
		t.Fatalf("credit buyer: %v", err)
	}
	return env
}

func (e *testEnv) request(t *testing.T, id, amount, n int64) PlaceOrderRequest {
	t.Helper()
	req := PlaceOrderRequest{
		OrderID: big.NewInt(id),
		Amount:  big.NewInt(amount),
		Seller:  sellerAddr,
		Nonce:   big.NewInt(n),
	}
	sig, err := signature.Sign(e.issuer, req.OrderID, req.Amount, req.Seller, req.Nonce)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req.Signature = sig
	return req
}

func (e *testEnv) place(t *testing.T, id, amount, n int64) *Order {
	t.Helper()
	o, err := e.svc.PlaceOrder(context.Background(), e.request(t, id, amount, n), buyerAddr)
	if err != nil {
		t.Fatalf("PlaceOrder(%d): %v", id, err)
	}
	return o
}

func (e *testEnv) balance(addr common.Address) int64 {
	return e.transfers.Balance(addr).Int64()
}

func TestPlaceOrder_CreatesActiveOrder(t *testing.T) {
	env := newTestEnv(t, 250)
	ctx := context.Background()

	o := env.place(t, 1, 1_000_003, 77)

	got, err := env.svc.GetOrder(ctx, big.NewInt(1))
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.State != StateActive {
		t.Errorf("state = %s, want ACTIVE", got.State)
	}
	if got.Buyer != buyerAddr || got.Seller != sellerAddr {
		t.Errorf("parties = %s/%s", got.Buyer.Hex(), got.Seller.Hex())
	}
	// floor(1_000_003 * 250 / 10000) = 25_000
	if got.FeeAmount.Int64() != 25_000 || got.FeeBps != 250 {
		t.Errorf("fee = %s (%d bps), want 25000 (250 bps)", got.FeeAmount, got.FeeBps)
	}
	if o.Amount.Int64() != 1_000_003 {
		t.Errorf("amount = %s", o.Amount)
	}
	if env.balance(custodyAddr) != 1_000_003 {
		t.Errorf("custody = %d, want 1000003", env.balance(custodyAddr))
	}

	used, _ := env.svc.IsNonceUsed(ctx, big.NewInt(77))
	if !used {
		t.Error("nonce should be consumed")
	}

	evs, _ := env.svc.Events(ctx, 0, 10)
	if len(evs) != 1 || evs[0].Type != EventOrderPlaced {
		t.Fatalf("events = %+v", evs)
	}
	if evs[0].Data["orderId"] != "1" || evs[0].Data["amount"] != "1000003" || evs[0].Data["seller"] != sellerAddr.Hex() {
		t.Errorf("placed event data = %v", evs[0].Data)
	}
}

func TestPlaceOrder_PreconditionOrder(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()
	env.place(t, 1, 500, 1)

	// Every field is wrong: the amount check wins.
	bad := env.request(t, 1, 0, 1)
	bad.Seller = common.Address{}
	bad.Signature = []byte{1, 2, 3}
	if _, err := env.svc.PlaceOrder(ctx, bad, buyerAddr); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount first, got %v", err)
	}

	// Then the seller.
	bad.Amount = big.NewInt(10)
	if _, err := env.svc.PlaceOrder(ctx, bad, buyerAddr); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress second, got %v", err)
	}

	// Then existence.
	bad.Seller = sellerAddr
	if _, err := env.svc.PlaceOrder(ctx, bad, buyerAddr); !errors.Is(err, ErrOrderAlreadyExists) {
		t.Fatalf("expected ErrOrderAlreadyExists third, got %v", err)
	}

	// Then the nonce.
	bad.OrderID = big.NewInt(2)
	if _, err := env.svc.PlaceOrder(ctx, bad, buyerAddr); !errors.Is(err, ErrNonceAlreadyUsed) {
		t.Fatalf("expected ErrNonceAlreadyUsed fourth, got %v", err)
	}

	// Then the signature.
	bad.Nonce = big.NewInt(2)
	if _, err := env.svc.PlaceOrder(ctx, bad, buyerAddr); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature last, got %v", err)
	}

	if used, _ := env.nonces.IsUsed(ctx, big.NewInt(2)); used {
		t.Error("failed placement must not consume its nonce")
	}
	if _, err := env.ledger.Get(ctx, big.NewInt(2)); !errors.Is(err, ErrOrderNotFound) {
		t.Error("failed placement must not create a record")
	}
}

func TestPlaceOrder_RejectsTamperedTerms(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	req := env.request(t, 9, 1000, 9)
	req.Amount = big.NewInt(1)
	if _, err := env.svc.PlaceOrder(ctx, req, buyerAddr); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	other, _ := crypto.GenerateKey()
	req = env.request(t, 9, 1000, 9)
	req.Signature, _ = signature.Sign(other, req.OrderID, req.Amount, req.Seller, req.Nonce)
	if _, err := env.svc.PlaceOrder(ctx, req, buyerAddr); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("non-issuer signature: expected ErrInvalidSignature, got %v", err)
	}
	if env.balance(buyerAddr) != 1_000_000_000_000 {
		t.Error("rejected placement moved funds")
	}
}

func TestPlaceOrder_ZeroCaller(t *testing.T) {
	env := newTestEnv(t, 0)
	_, err := env.svc.PlaceOrder(context.Background(), env.request(t, 1, 10, 1), common.Address{})
	if !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestPlaceOrder_OutOfRangeValues(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	tooBig := new(big.Int).Lsh(big.NewInt(1), 256)

	req := env.request(t, 1, 10, 1)
	req.Amount = tooBig
	if _, err := env.svc.PlaceOrder(ctx, req, buyerAddr); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("amount 2^256: expected ErrInvalidAmount, got %v", err)
	}

	req = env.request(t, 1, 10, 1)
	req.OrderID = big.NewInt(-1)
	if _, err := env.svc.PlaceOrder(ctx, req, buyerAddr); !errors.Is(err, ErrInvalidOrderID) {
		t.Errorf("negative id: expected ErrInvalidOrderID, got %v", err)
	}

	req = env.request(t, 1, 10, 1)
	req.Nonce = tooBig
	if _, err := env.svc.PlaceOrder(ctx, req, buyerAddr); !errors.Is(err, nonce.ErrInvalidNonce) {
		t.Errorf("nonce 2^256: expected ErrInvalidNonce, got %v", err)
	}

	// A zero seller is reported before a malformed id or nonce.
	req = env.request(t, 1, 10, 1)
	req.Seller = common.Address{}
	req.OrderID = tooBig
	req.Nonce = big.NewInt(-1)
	if _, err := env.svc.PlaceOrder(ctx, req, buyerAddr); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("zero seller with bad id: expected ErrInvalidAddress, got %v", err)
	}
}

func TestPlaceOrder_NonceReplayAcrossOrders(t *testing.T) {
	env := newTestEnv(t, 500)
	ctx := context.Background()

	env.place(t, 1, 1000, 42)

	_, err := env.svc.PlaceOrder(ctx, env.request(t, 2, 1000, 42), buyerAddr)
	if !errors.Is(err, ErrNonceAlreadyUsed) {
		t.Fatalf("expected ErrNonceAlreadyUsed, got %v", err)
	}

	o1, err := env.svc.GetOrder(ctx, big.NewInt(1))
	if err != nil || o1.State != StateActive {
		t.Fatalf("order 1 should remain ACTIVE, got %v / %v", o1, err)
	}
	if _, err := env.svc.GetOrder(ctx, big.NewInt(2)); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("order 2 must not exist, got %v", err)
	}
}

func TestPlaceOrder_PullFailureRollsBack(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()
	env.transfers.failPull = func(common.Address) error { return errors.New("allowance exceeded") }

	before := testutil.ToFloat64(RollbacksTotal.WithLabelValues("place"))
	_, err := env.svc.PlaceOrder(ctx, env.request(t, 5, 100, 5), buyerAddr)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	var te *transfer.Error
	if !errors.As(err, &te) || te.Op != "pull" {
		t.Errorf("cause should stay inspectable, got %v", err)
	}

	if used, _ := env.nonces.IsUsed(ctx, big.NewInt(5)); used {
		t.Error("nonce must be unmarked after rollback")
	}
	if _, err := env.ledger.Get(ctx, big.NewInt(5)); !errors.Is(err, ErrOrderNotFound) {
		t.Error("order must not exist after rollback")
	}
	if env.balance(buyerAddr) != 1_000_000_000_000 || env.balance(custodyAddr) != 0 {
		t.Error("balances changed after rollback")
	}
	if got := testutil.ToFloat64(RollbacksTotal.WithLabelValues("place")) - before; got != 1 {
		t.Errorf("rollback counter delta = %v, want 1", got)
	}

	// The caller may resubmit the same authorization.
	env.transfers.failPull = nil
	if _, err := env.svc.PlaceOrder(ctx, env.request(t, 5, 100, 5), buyerAddr); err != nil {
		t.Fatalf("resubmission after rollback: %v", err)
	}
}

func TestPlaceOrder_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	_, err := env.svc.PlaceOrder(ctx, env.request(t, 1, 10, 1), strangerAddr)
	if !errors.Is(err, ErrTransferFailed) || !errors.Is(err, transfer.ErrInsufficientBalance) {
		t.Fatalf("expected ErrTransferFailed wrapping ErrInsufficientBalance, got %v", err)
	}
	if used, _ := env.nonces.IsUsed(ctx, big.NewInt(1)); used {
		t.Error("nonce must be unmarked")
	}
}

type failingEventLog struct{ MemoryEventLog }

func (f *failingEventLog) Append(context.Context, *Event) (*Event, error) {
	return nil, errors.New("event store down")
}

func TestPlaceOrder_EventFailureRollsBack(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	env.svc.WithEventLog(&failingEventLog{})

	if _, err := env.svc.PlaceOrder(ctx, env.request(t, 3, 50, 3), buyerAddr); err == nil {
		t.Fatal("expected error when the placed event cannot be recorded")
	}
	if _, err := env.ledger.Get(ctx, big.NewInt(3)); !errors.Is(err, ErrOrderNotFound) {
		t.Error("record must be deleted")
	}
	if used, _ := env.nonces.IsUsed(ctx, big.NewInt(3)); used {
		t.Error("nonce must be unmarked")
	}
	if env.balance(buyerAddr) != 1_000_000_000_000 {
		t.Error("funds must be returned")
	}
}

func TestReleaseFunds_ExampleScenario(t *testing.T) {
	env := newTestEnv(t, 500)
	ctx := context.Background()

	o := env.place(t, 1, 100_000000, 1)
	if o.FeeAmount.Int64() != 5_000000 {
		t.Fatalf("fee = %s, want 5000000", o.FeeAmount)
	}

	released, err := env.svc.ReleaseFunds(ctx, big.NewInt(1), buyerAddr)
	if err != nil {
		t.Fatalf("ReleaseFunds: %v", err)
	}
	if released.State != StateReleased || released.ResolvedBy != buyerAddr || released.ResolvedAt == nil {
		t.Errorf("released order = %+v", released)
	}
	if env.balance(sellerAddr) != 95_000000 {
		t.Errorf("seller = %d, want 95000000", env.balance(sellerAddr))
	}
	if env.balance(collectorAddr) != 5_000000 {
		t.Errorf("collector = %d, want 5000000", env.balance(collectorAddr))
	}
	if env.balance(custodyAddr) != 0 {
		t.Errorf("custody = %d, want 0", env.balance(custodyAddr))
	}

	evs, _ := env.svc.Events(ctx, 1, 10)
	if len(evs) != 1 || evs[0].Type != EventOrderReleased || evs[0].Data["releasedBy"] != buyerAddr.Hex() {
		t.Errorf("release event = %+v", evs)
	}
}

func TestReleaseFunds_PayoutSumsToAmount(t *testing.T) {
	amounts := []int64{1, 9, 10, 99, 12_345, 1_000_001, 999_999_999}
	for _, bps := range []uint16{0, 1, 333, 999, 1000} {
		env := newTestEnv(t, bps)
		for i, amt := range amounts {
			id := int64(i + 1)
			o := env.place(t, id, amt, id)

			sellerBefore, feeBefore := env.balance(sellerAddr), env.balance(collectorAddr)
			if _, err := env.svc.ReleaseFunds(context.Background(), big.NewInt(id), buyerAddr); err != nil {
				t.Fatalf("bps=%d amount=%d: %v", bps, amt, err)
			}
			payout := env.balance(sellerAddr) - sellerBefore
			fee := env.balance(collectorAddr) - feeBefore

			if payout+fee != amt {
				t.Errorf("bps=%d amount=%d: payout %d + fee %d != amount", bps, amt, payout, fee)
			}
			if fee != o.FeeAmount.Int64() || fee != amt*int64(bps)/BpsDenominator {
				t.Errorf("bps=%d amount=%d: fee %d, stored %s", bps, amt, fee, o.FeeAmount)
			}
		}
	}
}

func TestReleaseFunds_UsesFrozenFee(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()

	env.place(t, 1, 10_000, 1)
	if _, err := env.svc.UpdateFee(ctx, 0, env.admin); err != nil {
		t.Fatalf("UpdateFee: %v", err)
	}

	if _, err := env.svc.ReleaseFunds(ctx, big.NewInt(1), buyerAddr); err != nil {
		t.Fatalf("ReleaseFunds: %v", err)
	}
	if env.balance(collectorAddr) != 1_000 || env.balance(sellerAddr) != 9_000 {
		t.Errorf("collector=%d seller=%d, want 1000/9000", env.balance(collectorAddr), env.balance(sellerAddr))
	}
}

func TestReleaseFunds_PaysCurrentCollector(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()
	newCollector := common.HexToAddress("0x00000000000000000000000000000000000000fd")

	env.place(t, 1, 10_000, 1)
	if _, err := env.svc.UpdateFeeCollector(ctx, newCollector, env.admin); err != nil {
		t.Fatalf("UpdateFeeCollector: %v", err)
	}
	if _, err := env.svc.ReleaseFunds(ctx, big.NewInt(1), env.admin); err != nil {
		t.Fatalf("ReleaseFunds by admin: %v", err)
	}
	if env.balance(newCollector) != 1_000 || env.balance(collectorAddr) != 0 {
		t.Errorf("fee went to the wrong collector")
	}
}

func TestReleaseFunds_ZeroFeeSkipsCollector(t *testing.T) {
	env := newTestEnv(t, 0)
	env.place(t, 1, 10_000, 1)

	_, pushesBefore := env.transfers.counts()
	if _, err := env.svc.ReleaseFunds(context.Background(), big.NewInt(1), buyerAddr); err != nil {
		t.Fatalf("ReleaseFunds: %v", err)
	}
	_, pushes := env.transfers.counts()
	if pushes-pushesBefore != 1 {
		t.Errorf("expected a single push, got %d", pushes-pushesBefore)
	}
}

func TestRefund_ReturnsFullAmount(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()

	env.place(t, 1, 10_000, 1)
	o, err := env.svc.Refund(ctx, big.NewInt(1), sellerAddr)
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if o.State != StateRefunded || o.ResolvedBy != sellerAddr {
		t.Errorf("refunded order = %+v", o)
	}
	if env.balance(buyerAddr) != 1_000_000_000_000 {
		t.Errorf("buyer not made whole: %d", env.balance(buyerAddr))
	}
	if env.balance(collectorAddr) != 0 {
		t.Error("refund must not pay a fee")
	}

	evs, _ := env.svc.Events(ctx, 1, 10)
	if len(evs) != 1 || evs[0].Type != EventOrderRefunded || evs[0].Data["refundedBy"] != sellerAddr.Hex() {
		t.Errorf("refund event = %+v", evs)
	}
}

func TestTerminality(t *testing.T) {
	type op func(s *Service, id *big.Int) (*Order, error)
	release := func(s *Service, id *big.Int) (*Order, error) {
		return s.ReleaseFunds(context.Background(), id, buyerAddr)
	}
	refund := func(s *Service, id *big.Int) (*Order, error) {
		return s.Refund(context.Background(), id, sellerAddr)
	}

	tests := []struct {
		name          string
		first, second op
		want          State
	}{
		{"release then release", release, release, StateReleased},
		{"release then refund", release, refund, StateReleased},
		{"refund then refund", refund, refund, StateRefunded},
		{"refund then release", refund, release, StateRefunded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 500)
			env.place(t, 1, 1000, 1)

			if _, err := tt.first(env.svc, big.NewInt(1)); err != nil {
				t.Fatalf("first: %v", err)
			}
			snapshot := []int64{env.balance(buyerAddr), env.balance(sellerAddr), env.balance(collectorAddr)}

			if _, err := tt.second(env.svc, big.NewInt(1)); !errors.Is(err, ErrOrderAlreadyProcessed) {
				t.Fatalf("second: expected ErrOrderAlreadyProcessed, got %v", err)
			}
			o, _ := env.svc.GetOrder(context.Background(), big.NewInt(1))
			if o.State != tt.want {
				t.Errorf("state = %s, want %s", o.State, tt.want)
			}
			after := []int64{env.balance(buyerAddr), env.balance(sellerAddr), env.balance(collectorAddr)}
			for i := range snapshot {
				if snapshot[i] != after[i] {
					t.Errorf("balances moved on rejected call: %v -> %v", snapshot, after)
					break
				}
			}
		})
	}
}

func TestAuthorization(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	for i := int64(1); i <= 8; i++ {
		env.place(t, i, 100, i)
	}

	// Release: buyer or admin only.
	for id, caller := range map[int64]common.Address{1: sellerAddr, 2: strangerAddr, 3: collectorAddr} {
		if _, err := env.svc.ReleaseFunds(ctx, big.NewInt(id), caller); !errors.Is(err, ErrNotAuthorized) {
			t.Errorf("release by %s: expected ErrNotAuthorized, got %v", caller.Hex(), err)
		}
	}
	// Refund: seller or admin only.
	for id, caller := range map[int64]common.Address{4: buyerAddr, 5: strangerAddr, 6: collectorAddr} {
		if _, err := env.svc.Refund(ctx, big.NewInt(id), caller); !errors.Is(err, ErrNotAuthorized) {
			t.Errorf("refund by %s: expected ErrNotAuthorized, got %v", caller.Hex(), err)
		}
	}

	if _, err := env.svc.ReleaseFunds(ctx, big.NewInt(1), env.admin); err != nil {
		t.Errorf("release by admin: %v", err)
	}
	if _, err := env.svc.Refund(ctx, big.NewInt(4), env.admin); err != nil {
		t.Errorf("refund by admin: %v", err)
	}
	if _, err := env.svc.ReleaseFunds(ctx, big.NewInt(7), buyerAddr); err != nil {
		t.Errorf("release by buyer: %v", err)
	}
	if _, err := env.svc.Refund(ctx, big.NewInt(8), sellerAddr); err != nil {
		t.Errorf("refund by seller: %v", err)
	}
}

func TestReleaseRefund_PreconditionOrder(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	// Unknown order beats authorization.
	if _, err := env.svc.ReleaseFunds(ctx, big.NewInt(404), strangerAddr); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("release unknown: expected ErrOrderNotFound, got %v", err)
	}
	if _, err := env.svc.Refund(ctx, big.NewInt(404), strangerAddr); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("refund unknown: expected ErrOrderNotFound, got %v", err)
	}

	// A processed order beats authorization.
	env.place(t, 1, 100, 1)
	_, _ = env.svc.ReleaseFunds(ctx, big.NewInt(1), buyerAddr)
	if _, err := env.svc.Refund(ctx, big.NewInt(1), strangerAddr); !errors.Is(err, ErrOrderAlreadyProcessed) {
		t.Errorf("expected ErrOrderAlreadyProcessed, got %v", err)
	}
}

func TestReleaseFunds_FeePushFailureReverts(t *testing.T) {
	env := newTestEnv(t, 500)
	ctx := context.Background()
	env.place(t, 1, 1000, 1)

	env.transfers.failPush = func(to common.Address) error {
		if to == collectorAddr {
			return errors.New("collector blocked")
		}
		return nil
	}
	if _, err := env.svc.ReleaseFunds(ctx, big.NewInt(1), buyerAddr); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}

	o, _ := env.svc.GetOrder(ctx, big.NewInt(1))
	if o.State != StateActive || o.ResolvedAt != nil {
		t.Fatalf("order should be ACTIVE again, got %+v", o)
	}
	if env.balance(custodyAddr) != 1000 || env.balance(sellerAddr) != 0 {
		t.Error("funds moved despite rollback")
	}

	env.transfers.failPush = nil
	if _, err := env.svc.ReleaseFunds(ctx, big.NewInt(1), buyerAddr); err != nil {
		t.Fatalf("retry after rollback: %v", err)
	}
}

func TestReleaseFunds_SellerPushFailureClawsBackFee(t *testing.T) {
	env := newTestEnv(t, 500)
	ctx := context.Background()
	env.place(t, 1, 1000, 1)

	env.transfers.failPush = func(to common.Address) error {
		if to == sellerAddr {
			return errors.New("seller blacklisted")
		}
		return nil
	}
	if _, err := env.svc.ReleaseFunds(ctx, big.NewInt(1), buyerAddr); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}

	o, _ := env.svc.GetOrder(ctx, big.NewInt(1))
	if o.State != StateActive {
		t.Fatalf("state = %s, want ACTIVE", o.State)
	}
	if env.balance(collectorAddr) != 0 || env.balance(custodyAddr) != 1000 {
		t.Errorf("fee not clawed back: collector=%d custody=%d", env.balance(collectorAddr), env.balance(custodyAddr))
	}
	evs, _ := env.svc.Events(ctx, 1, 10)
	if len(evs) != 0 {
		t.Errorf("failed release emitted events: %+v", evs)
	}
}

func TestReleaseFunds_CompensationFailureNeedsManualResolution(t *testing.T) {
	env := newTestEnv(t, 500)
	ctx := context.Background()
	env.place(t, 1, 1000, 1)

	env.transfers.failPush = func(to common.Address) error {
		if to == sellerAddr {
			return errors.New("seller blacklisted")
		}
		return nil
	}
	env.transfers.failPull = func(from common.Address) error {
		if from == collectorAddr {
			return errors.New("collector revoked allowance")
		}
		return nil
	}

	before := testutil.ToFloat64(ManualResolutionTotal.WithLabelValues("release"))
	_, err := env.svc.ReleaseFunds(ctx, big.NewInt(1), buyerAddr)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}

	// The fee left custody for good, so the order must not become payable again.
	o, _ := env.svc.GetOrder(ctx, big.NewInt(1))
	if o.State != StateReleased {
		t.Fatalf("state = %s, want RELEASED", o.State)
	}
	if got := testutil.ToFloat64(ManualResolutionTotal.WithLabelValues("release")) - before; got != 1 {
		t.Errorf("manual resolution counter delta = %v, want 1", got)
	}
}

func TestRefund_PushFailureReverts(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	env.place(t, 1, 1000, 1)

	env.transfers.failPush = func(common.Address) error { return errors.New("rpc down") }
	if _, err := env.svc.Refund(ctx, big.NewInt(1), sellerAddr); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	o, _ := env.svc.GetOrder(ctx, big.NewInt(1))
	if o.State != StateActive {
		t.Fatalf("state = %s, want ACTIVE", o.State)
	}
}

func TestConcurrentReleaseAndRefund_SinglePayout(t *testing.T) {
	env := newTestEnv(t, 500)
	env.place(t, 1, 1_000_000, 1)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := env.svc.ReleaseFunds(context.Background(), big.NewInt(1), buyerAddr); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, ErrOrderAlreadyProcessed) {
				t.Errorf("release: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := env.svc.Refund(context.Background(), big.NewInt(1), sellerAddr); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, ErrOrderAlreadyProcessed) {
				t.Errorf("refund: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one terminal transition, got %d", wins.Load())
	}
	if env.balance(custodyAddr) != 0 {
		t.Errorf("custody = %d, want 0", env.balance(custodyAddr))
	}
	if env.transfers.Total().Int64() != 1_000_000_000_000 {
		t.Errorf("money created or destroyed: total %s", env.transfers.Total())
	}
}

func TestConcurrentPlacement_SameNonce(t *testing.T) {
	env := newTestEnv(t, 0)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := int64(1); i <= 16; i++ {
		req := env.request(t, i, 100, 7)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.svc.PlaceOrder(context.Background(), req, buyerAddr); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, ErrNonceAlreadyUsed) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected one order for the shared nonce, got %d", wins.Load())
	}
	if env.balance(custodyAddr) != 100 {
		t.Errorf("custody = %d, want 100", env.balance(custodyAddr))
	}
}

func TestConcurrentPlacement_SameOrderID(t *testing.T) {
	env := newTestEnv(t, 0)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for n := int64(1); n <= 16; n++ {
		req := env.request(t, 1, 100, n)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.svc.PlaceOrder(context.Background(), req, buyerAddr); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, ErrOrderAlreadyExists) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected one order, got %d", wins.Load())
	}
	if env.nonces.Len() != 1 {
		t.Errorf("losing placements consumed nonces: %d used", env.nonces.Len())
	}
}

func TestUpdateFee(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()

	if _, err := env.svc.UpdateFee(ctx, 200, buyerAddr); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("non-admin: expected ErrNotAuthorized, got %v", err)
	}
	if _, err := env.svc.UpdateFee(ctx, 1001, env.admin); !errors.Is(err, ErrFeePercentageTooHigh) {
		t.Errorf("1001: expected ErrFeePercentageTooHigh, got %v", err)
	}
	if env.svc.FeePolicy().FeeBps != 100 {
		t.Error("rejected update changed the fee")
	}

	p, err := env.svc.UpdateFee(ctx, 1000, env.admin)
	if err != nil {
		t.Fatalf("1000: %v", err)
	}
	if p.FeeBps != 1000 || env.svc.FeePolicy().FeeBps != 1000 {
		t.Errorf("fee = %d, want 1000", env.svc.FeePolicy().FeeBps)
	}

	evs, _ := env.svc.Events(ctx, 0, 10)
	if len(evs) != 1 || evs[0].Type != EventFeeUpdated || evs[0].Data["newPercentageBps"] != "1000" {
		t.Errorf("events = %+v", evs)
	}

	o := env.place(t, 1, 10_000, 1)
	if o.FeeAmount.Int64() != 1_000 {
		t.Errorf("new placement fee = %s, want 1000", o.FeeAmount)
	}
}

func TestUpdateFeeCollector(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()
	next := common.HexToAddress("0x00000000000000000000000000000000000000fd")

	if _, err := env.svc.UpdateFeeCollector(ctx, next, sellerAddr); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("non-admin: expected ErrNotAuthorized, got %v", err)
	}
	if _, err := env.svc.UpdateFeeCollector(ctx, common.Address{}, env.admin); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("zero: expected ErrInvalidAddress, got %v", err)
	}
	if _, err := env.svc.UpdateFeeCollector(ctx, next, env.admin); err != nil {
		t.Fatalf("UpdateFeeCollector: %v", err)
	}
	if env.svc.FeePolicy().FeeCollector != next {
		t.Error("collector not updated")
	}

	evs, _ := env.svc.Events(ctx, 0, 10)
	if len(evs) != 1 || evs[0].Type != EventFeeCollectorUpdated || evs[0].Data["newCollector"] != next.Hex() {
		t.Errorf("events = %+v", evs)
	}
}

func TestLoadPolicy(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()
	store := NewMemoryPolicyStore()
	env.svc.WithPolicyStore(store)

	// Nothing persisted yet: the initial policy is saved.
	if err := env.svc.LoadPolicy(ctx); err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	saved, err := store.Load(ctx)
	if err != nil || saved.FeeBps != 100 {
		t.Fatalf("initial policy not persisted: %+v %v", saved, err)
	}

	// A persisted policy wins over the configured one, but the admin stays configured.
	_ = store.Save(ctx, &Policy{FeeBps: 750, FeeCollector: collectorAddr, Admin: strangerAddr})
	if err := env.svc.LoadPolicy(ctx); err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	p := env.svc.FeePolicy()
	if p.FeeBps != 750 || p.Admin != env.admin {
		t.Errorf("policy = %+v", p)
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recordingNotifier) Publish(e *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func TestNotifierReceivesSequencedEvents(t *testing.T) {
	env := newTestEnv(t, 100)
	n := &recordingNotifier{}
	env.svc.WithNotifier(n)

	env.place(t, 1, 100, 1)
	_, _ = env.svc.Refund(context.Background(), big.NewInt(1), sellerAddr)

	if len(n.events) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(n.events))
	}
	if n.events[0].Seq != 1 || n.events[1].Seq != 2 {
		t.Errorf("seqs = %d, %d", n.events[0].Seq, n.events[1].Seq)
	}
	if n.events[1].Type != EventOrderRefunded {
		t.Errorf("second event = %s", n.events[1].Type)
	}
}

func TestListOrders(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		env.place(t, i, 10, i)
	}

	orders, next, err := env.svc.ListOrders(ctx, sellerAddr, 2, "")
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(orders) != 2 || next == "" {
		t.Fatalf("expected 2 orders and a cursor, got %d %q", len(orders), next)
	}
	rest, next, err := env.svc.ListOrders(ctx, sellerAddr, 2, next)
	if err != nil {
		t.Fatalf("ListOrders page 2: %v", err)
	}
	if len(rest) != 1 || next != "" {
		t.Fatalf("expected last page with 1 order, got %d %q", len(rest), next)
	}
	for _, o := range orders {
		if o.ID.Cmp(rest[0].ID) == 0 {
			t.Errorf("order %s repeated across pages", o.ID)
		}
	}

	none, _, _ := env.svc.ListOrders(ctx, strangerAddr, 10, "")
	if len(none) != 0 {
		t.Errorf("stranger has %d orders", len(none))
	}
	if _, _, err := env.svc.ListOrders(ctx, sellerAddr, 2, "%%%"); !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("expected ErrInvalidCursor, got %v", err)
	}
}

func TestEveryNotifierReceivesEvents(t *testing.T) {
	env := newTestEnv(t, 0)
	a, b := &recordingNotifier{}, &recordingNotifier{}
	env.svc.WithNotifier(a).WithNotifier(b)

	env.place(t, 1, 100, 1)

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("notifications: a=%d b=%d", len(a.events), len(b.events))
	}
	if a.events[0] != b.events[0] {
		t.Error("notifiers should see the same stored event")
	}
}

func TestNotifierSeesEventsInSeqOrderUnderConcurrency(t *testing.T) {
	env := newTestEnv(t, 0)
	n := &recordingNotifier{}
	env.svc.WithNotifier(n)

	const orders = 64
	reqs := make([]PlaceOrderRequest, orders)
	for i := range orders {
		reqs[i] = env.request(t, int64(i+1), 10, int64(i+1))
	}
	var wg sync.WaitGroup
	for _, req := range reqs {
		wg.Go(func() {
			if _, err := env.svc.PlaceOrder(context.Background(), req, buyerAddr); err != nil {
				t.Errorf("PlaceOrder(%s): %v", req.OrderID, err)
			}
		})
	}
	wg.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) != orders {
		t.Fatalf("expected %d notifications, got %d", orders, len(n.events))
	}
	for i, e := range n.events {
		if e.Seq != int64(i+1) {
			t.Fatalf("notification %d has seq %d", i, e.Seq)
		}
	}
}
