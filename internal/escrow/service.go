package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowledger/internal/logging"
	"github.com/mbd888/escrowledger/internal/nonce"
	"github.com/mbd888/escrowledger/internal/pagination"
	"github.com/mbd888/escrowledger/internal/signature"
	"github.com/mbd888/escrowledger/internal/syncutil"
	"github.com/mbd888/escrowledger/internal/traces"
	"github.com/mbd888/escrowledger/internal/transfer"
	"github.com/mbd888/escrowledger/internal/units"
)

// Transferer moves the escrowed asset. Pull takes funds from an owner into
// `to`; Push sends funds out of custody. Neither retries.
type Transferer interface {
	Custody() common.Address
	Pull(ctx context.Context, from, to common.Address, amount *big.Int) error
	Push(ctx context.Context, to common.Address, amount *big.Int) error
}

// Service implements the escrow order lifecycle.
type Service struct {
	ledger    Ledger
	nonces    nonce.Registry
	verifier  signature.Verifier
	transfers Transferer
	events    EventLog
	policies  PolicyStore
	notifiers []Notifier
	logger    *slog.Logger

	policy   atomic.Pointer[Policy]
	policyMu sync.Mutex // serializes admin updates
	emitMu   sync.Mutex // notifiers see events in Seq order

	locks *syncutil.ContextShardedMutex // per-order, keyed by decimal id
}

// NewService creates a new escrow service. The initial policy is used until
// LoadPolicy finds a persisted one.
func NewService(ledger Ledger, nonces nonce.Registry, verifier signature.Verifier, transfers Transferer, initial Policy) *Service {
	s := &Service{
		ledger:    ledger,
		nonces:    nonces,
		verifier:  verifier,
		transfers: transfers,
		events:    NewMemoryEventLog(),
		policies:  NewMemoryPolicyStore(),
		logger:    slog.Default(),
		locks:     syncutil.NewContextShardedMutex(),
	}
	p := initial
	s.policy.Store(&p)
	return s
}

// WithEventLog replaces the default in-memory event log.
func (s *Service) WithEventLog(l EventLog) *Service {
	s.events = l
	return s
}

// WithPolicyStore replaces the default in-memory policy store.
func (s *Service) WithPolicyStore(ps PolicyStore) *Service {
	s.policies = ps
	return s
}

// WithNotifier adds a subscriber that receives every appended event.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifiers = append(s.notifiers, n)
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// LoadPolicy replaces the in-memory policy with the persisted one, or
// persists the initial policy if none exists yet.
func (s *Service) LoadPolicy(ctx context.Context) error {
	s.policyMu.Lock()
	defer s.policyMu.Unlock()

	stored, err := s.policies.Load(ctx)
	if errors.Is(err, ErrPolicyNotFound) {
		p := *s.policy.Load()
		if err := p.Validate(); err != nil {
			return fmt.Errorf("initial fee policy: %w", err)
		}
		p.UpdatedAt = time.Now().UTC()
		if err := s.policies.Save(ctx, &p); err != nil {
			return err
		}
		s.policy.Store(&p)
		return nil
	}
	if err != nil {
		return err
	}
	// The trusted issuer is configuration, not state.
	stored.Admin = s.policy.Load().Admin
	if err := stored.Validate(); err != nil {
		return fmt.Errorf("stored fee policy: %w", err)
	}
	s.policy.Store(stored)
	return nil
}

// FeePolicy returns a snapshot of the current fee policy.
func (s *Service) FeePolicy() Policy {
	return *s.policy.Load()
}

// PlaceOrder creates an ACTIVE order and pulls its amount from caller into
// custody. Either every effect happens or none does.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest, caller common.Address) (order *Order, err error) {
	defer observeOp("place")(&err)
	ctx, span := traces.StartSpan(ctx, "escrow.PlaceOrder",
		traces.OrderID(idString(req.OrderID)), traces.Amount(idString(req.Amount)), traces.Addr("caller", caller))
	defer func() { traces.End(span, err) }()

	if req.Amount == nil || req.Amount.Sign() <= 0 || !units.InUint256Range(req.Amount) {
		return nil, ErrInvalidAmount
	}
	if req.Seller == (common.Address{}) || caller == (common.Address{}) {
		return nil, ErrInvalidAddress
	}
	if req.OrderID == nil || !units.InUint256Range(req.OrderID) {
		return nil, ErrInvalidOrderID
	}
	if req.Nonce == nil || !units.InUint256Range(req.Nonce) {
		return nil, nonce.ErrInvalidNonce
	}

	unlock, err := s.locks.LockContext(ctx, orderKey(req.OrderID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.ledger.Get(ctx, req.OrderID); err == nil {
		return nil, ErrOrderAlreadyExists
	} else if !errors.Is(err, ErrOrderNotFound) {
		return nil, err
	}

	used, err := s.nonces.IsUsed(ctx, req.Nonce)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, ErrNonceAlreadyUsed
	}

	if !s.verifier.Verify(req.OrderID, req.Amount, req.Seller, req.Nonce, req.Signature) {
		return nil, ErrInvalidSignature
	}

	// Another order may consume the same nonce between IsUsed and here.
	if err := s.nonces.MarkUsed(ctx, req.Nonce); err != nil {
		return nil, err
	}

	policy := s.policy.Load()
	custody := s.transfers.Custody()
	if err := s.transfers.Pull(context.WithoutCancel(ctx), caller, custody, req.Amount); err != nil {
		if transfer.IsUnconfirmed(err) {
			// The pull may still land in custody, so the authorization stays
			// consumed and no order is recorded until an operator settles it.
			return nil, s.unconfirmed(ctx, "place", req.OrderID, err)
		}
		s.unmarkNonce(ctx, req.Nonce)
		RollbacksTotal.WithLabelValues("place").Inc()
		return nil, fmt.Errorf("%w: pull %s from %s: %w", ErrTransferFailed, req.Amount, caller.Hex(), err)
	}

	order = &Order{
		ID:        new(big.Int).Set(req.OrderID),
		Amount:    new(big.Int).Set(req.Amount),
		FeeAmount: ComputeFee(req.Amount, policy.FeeBps),
		FeeBps:    policy.FeeBps,
		Seller:    req.Seller,
		Buyer:     caller,
		State:     StateActive,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.ledger.Create(ctx, order); err != nil {
		s.rollbackPlacement(ctx, order, req.Nonce, false)
		return nil, fmt.Errorf("create order: %w", err)
	}

	if _, err := s.emit(ctx, newEvent(EventOrderPlaced, orderKey(order.ID), map[string]string{
		"orderId": order.ID.String(),
		"amount":  order.Amount.String(),
		"seller":  order.Seller.Hex(),
		"buyer":   order.Buyer.Hex(),
	})); err != nil {
		s.rollbackPlacement(ctx, order, req.Nonce, true)
		return nil, fmt.Errorf("record order.placed: %w", err)
	}

	s.log(ctx).Info("order placed",
		"order_id", order.ID.String(), "amount", order.Amount.String(),
		"fee", order.FeeAmount.String(), "buyer", order.Buyer.Hex(), "seller", order.Seller.Hex())
	return order.Clone(), nil
}

// ReleaseFunds pays out an ACTIVE order: FeeAmount to the current fee
// collector and the remainder to the seller. Only the buyer or the admin
// may release.
func (s *Service) ReleaseFunds(ctx context.Context, id *big.Int, caller common.Address) (order *Order, err error) {
	defer observeOp("release")(&err)
	ctx, span := traces.StartSpan(ctx, "escrow.ReleaseFunds",
		traces.OrderID(idString(id)), traces.Addr("caller", caller))
	defer func() { traces.End(span, err) }()

	if id == nil || !units.InUint256Range(id) {
		return nil, ErrOrderNotFound
	}

	unlock, err := s.locks.LockContext(ctx, orderKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.State != StateActive {
		return nil, ErrOrderAlreadyProcessed
	}
	policy := s.policy.Load()
	if caller != current.Buyer && caller != policy.Admin {
		return nil, ErrNotAuthorized
	}

	order, err = s.ledger.Transition(ctx, id, StateReleased, caller)
	if err != nil {
		return nil, err
	}

	// Payouts outlive the request: a disconnect must not cut a receipt wait short.
	pctx := context.WithoutCancel(ctx)
	fee := order.FeeAmount
	collector := policy.FeeCollector
	if fee.Sign() > 0 {
		if err := s.transfers.Push(pctx, collector, fee); err != nil {
			if transfer.IsUnconfirmed(err) {
				return nil, s.unconfirmed(ctx, "release", order.ID, err)
			}
			if rbErr := s.revert(ctx, order, "release"); rbErr != nil {
				return nil, s.manualResolution(ctx, "release", order.ID, err, rbErr)
			}
			return nil, fmt.Errorf("%w: fee to %s: %w", ErrTransferFailed, collector.Hex(), err)
		}
	}

	net := order.SellerAmount()
	if net.Sign() > 0 {
		if err := s.transfers.Push(pctx, order.Seller, net); err != nil {
			if transfer.IsUnconfirmed(err) {
				return nil, s.unconfirmed(ctx, "release", order.ID, err)
			}
			if fee.Sign() > 0 {
				if cbErr := s.transfers.Pull(pctx, collector, s.transfers.Custody(), fee); cbErr != nil {
					return nil, s.manualResolution(ctx, "release", order.ID, err, fmt.Errorf("claw back fee from %s: %w", collector.Hex(), cbErr))
				}
			}
			if rbErr := s.revert(ctx, order, "release"); rbErr != nil {
				return nil, s.manualResolution(ctx, "release", order.ID, err, rbErr)
			}
			return nil, fmt.Errorf("%w: payout to %s: %w", ErrTransferFailed, order.Seller.Hex(), err)
		}
	}

	s.emitTerminal(ctx, newEvent(EventOrderReleased, orderKey(order.ID), map[string]string{
		"orderId":    order.ID.String(),
		"releasedBy": caller.Hex(),
	}))

	s.log(ctx).Info("order released",
		"order_id", order.ID.String(), "by", caller.Hex(),
		"fee", fee.String(), "collector", collector.Hex(), "seller_amount", net.String())
	return order, nil
}

// Refund returns the full amount of an ACTIVE order to its buyer. Only the
// seller or the admin may refund.
func (s *Service) Refund(ctx context.Context, id *big.Int, caller common.Address) (order *Order, err error) {
	defer observeOp("refund")(&err)
	ctx, span := traces.StartSpan(ctx, "escrow.Refund",
		traces.OrderID(idString(id)), traces.Addr("caller", caller))
	defer func() { traces.End(span, err) }()

	if id == nil || !units.InUint256Range(id) {
		return nil, ErrOrderNotFound
	}

	unlock, err := s.locks.LockContext(ctx, orderKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.State != StateActive {
		return nil, ErrOrderAlreadyProcessed
	}
	if caller != current.Seller && caller != s.policy.Load().Admin {
		return nil, ErrNotAuthorized
	}

	order, err = s.ledger.Transition(ctx, id, StateRefunded, caller)
	if err != nil {
		return nil, err
	}

	if err := s.transfers.Push(context.WithoutCancel(ctx), order.Buyer, order.Amount); err != nil {
		if transfer.IsUnconfirmed(err) {
			return nil, s.unconfirmed(ctx, "refund", order.ID, err)
		}
		if rbErr := s.revert(ctx, order, "refund"); rbErr != nil {
			return nil, s.manualResolution(ctx, "refund", order.ID, err, rbErr)
		}
		return nil, fmt.Errorf("%w: refund to %s: %w", ErrTransferFailed, order.Buyer.Hex(), err)
	}

	s.emitTerminal(ctx, newEvent(EventOrderRefunded, orderKey(order.ID), map[string]string{
		"orderId":    order.ID.String(),
		"refundedBy": caller.Hex(),
	}))

	s.log(ctx).Info("order refunded",
		"order_id", order.ID.String(), "by", caller.Hex(), "amount", order.Amount.String())
	return order, nil
}

// UpdateFee sets the fee rate applied to future placements.
func (s *Service) UpdateFee(ctx context.Context, bps uint16, caller common.Address) (p Policy, err error) {
	defer observeOp("update_fee")(&err)

	s.policyMu.Lock()
	defer s.policyMu.Unlock()

	current := s.policy.Load()
	if caller != current.Admin {
		return Policy{}, ErrNotAuthorized
	}
	if bps > MaxFeeBps {
		return Policy{}, ErrFeePercentageTooHigh
	}

	next := *current
	next.FeeBps = bps
	next.UpdatedAt = time.Now().UTC()
	if err := s.policies.Save(ctx, &next); err != nil {
		return Policy{}, err
	}
	s.policy.Store(&next)

	s.emitTerminal(ctx, newEvent(EventFeeUpdated, "", map[string]string{
		"newPercentageBps": strconv.Itoa(int(bps)),
	}))
	s.log(ctx).Info("fee updated", "fee_bps", bps, "previous_bps", current.FeeBps)
	return next, nil
}

// UpdateFeeCollector sets the recipient of fees on future releases,
// including releases of orders placed earlier.
func (s *Service) UpdateFeeCollector(ctx context.Context, collector common.Address, caller common.Address) (p Policy, err error) {
	defer observeOp("update_fee_collector")(&err)

	s.policyMu.Lock()
	defer s.policyMu.Unlock()

	current := s.policy.Load()
	if caller != current.Admin {
		return Policy{}, ErrNotAuthorized
	}
	if collector == (common.Address{}) {
		return Policy{}, ErrInvalidAddress
	}

	next := *current
	next.FeeCollector = collector
	next.UpdatedAt = time.Now().UTC()
	if err := s.policies.Save(ctx, &next); err != nil {
		return Policy{}, err
	}
	s.policy.Store(&next)

	s.emitTerminal(ctx, newEvent(EventFeeCollectorUpdated, "", map[string]string{
		"newCollector": collector.Hex(),
	}))
	s.log(ctx).Info("fee collector updated", "collector", collector.Hex(), "previous", current.FeeCollector.Hex())
	return next, nil
}

// GetOrder returns an order by id.
func (s *Service) GetOrder(ctx context.Context, id *big.Int) (*Order, error) {
	if id == nil || !units.InUint256Range(id) {
		return nil, ErrOrderNotFound
	}
	return s.ledger.Get(ctx, id)
}

// IsNonceUsed reports whether a nonce has been consumed by a placement.
func (s *Service) IsNonceUsed(ctx context.Context, n *big.Int) (bool, error) {
	if n == nil || !units.InUint256Range(n) {
		return false, nonce.ErrInvalidNonce
	}
	return s.nonces.IsUsed(ctx, n)
}

// ListOrders returns a page of orders where party is buyer or seller, newest
// first, and the cursor for the next page ("" on the last page).
func (s *Service) ListOrders(ctx context.Context, party common.Address, limit int, cursor string) ([]*Order, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", ErrInvalidCursor
	}
	orders, err := s.ledger.ListByParty(ctx, party, limit+1, before)
	if err != nil {
		return nil, "", err
	}
	page, next := pagination.ComputePage(orders, limit, func(o *Order) (time.Time, string) {
		return o.CreatedAt, o.ID.String()
	})
	return page, next, nil
}

// ActiveTotals reports what the custody account currently owes.
func (s *Service) ActiveTotals(ctx context.Context) (ActiveTotals, error) {
	return s.ledger.ActiveTotals(ctx)
}

// Events returns notifications with Seq > after, oldest first.
func (s *Service) Events(ctx context.Context, after int64, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.events.List(ctx, after, limit)
}

// emit appends an event and forwards it to the notifiers. Append and
// publish happen under one lock so every notifier receives events in Seq
// order.
func (s *Service) emit(ctx context.Context, e *Event) (*Event, error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	stored, err := s.events.Append(ctx, e)
	if err != nil {
		return nil, err
	}
	for _, n := range s.notifiers {
		n.Publish(stored)
	}
	return stored, nil
}

// emitTerminal emits an event for an operation whose effects are already
// final. A failure here loses the notification, not the operation.
func (s *Service) emitTerminal(ctx context.Context, e *Event) {
	if _, err := s.emit(context.WithoutCancel(ctx), e); err != nil {
		s.log(ctx).Error("failed to record event", "type", e.Type, "order_id", e.OrderID, "error", err)
	}
}

// rollbackPlacement undoes a placement whose funds are already in custody.
func (s *Service) rollbackPlacement(ctx context.Context, order *Order, n *big.Int, created bool) {
	ctx = context.WithoutCancel(ctx)
	RollbacksTotal.WithLabelValues("place").Inc()

	if created {
		if err := s.ledger.Delete(ctx, order.ID); err != nil {
			s.log(ctx).Error("rollback: failed to delete order", "order_id", order.ID.String(), "error", err)
		}
	}
	if err := s.transfers.Push(ctx, order.Buyer, order.Amount); err != nil {
		ManualResolutionTotal.WithLabelValues("place").Inc()
		s.log(ctx).Error("CRITICAL: placement rollback could not return funds",
			"order_id", order.ID.String(), "buyer", order.Buyer.Hex(), "amount", order.Amount.String(), "error", err)
	}
	s.unmarkNonce(ctx, n)
}

func (s *Service) unmarkNonce(ctx context.Context, n *big.Int) {
	if n == nil {
		return
	}
	if err := s.nonces.Unmark(context.WithoutCancel(ctx), n); err != nil {
		s.log(ctx).Error("rollback: failed to unmark nonce", "nonce", n.String(), "error", err)
	}
}

// revert restores ACTIVE after a failed payout.
func (s *Service) revert(ctx context.Context, order *Order, op string) error {
	if err := s.ledger.Revert(context.WithoutCancel(ctx), order.ID, order.State); err != nil {
		return fmt.Errorf("revert to ACTIVE: %w", err)
	}
	RollbacksTotal.WithLabelValues(op).Inc()
	s.log(ctx).Warn("payout failed, order reverted to ACTIVE", "op", op, "order_id", order.ID.String())
	return nil
}

// manualResolution reports a failure whose compensation also failed. The
// order stays terminal; an operator has to reconcile custody by hand.
func (s *Service) manualResolution(ctx context.Context, op string, id *big.Int, cause, compErr error) error {
	ManualResolutionTotal.WithLabelValues(op).Inc()
	s.log(ctx).Error("CRITICAL: compensation failed",
		"op", op, "order_id", id.String(), "cause", cause, "compensation_error", compErr)
	return fmt.Errorf("%w: %s order %s (requires manual resolution): %w", ErrTransferFailed, op, id, errors.Join(cause, compErr))
}

// unconfirmed reports a transfer that was broadcast but never confirmed.
// Nothing is compensated: the order keeps its committed state, since the
// transaction may still be mined.
func (s *Service) unconfirmed(ctx context.Context, op string, id *big.Int, cause error) error {
	ManualResolutionTotal.WithLabelValues(op).Inc()
	s.log(ctx).Error("CRITICAL: transfer unconfirmed",
		"op", op, "order_id", id.String(), "error", cause)
	return fmt.Errorf("%w: %w: %s order %s (requires manual resolution): %w",
		ErrTransferFailed, ErrTransferUnconfirmed, op, id, cause)
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	if id := logging.RequestID(ctx); id != "" {
		return s.logger.With("request_id", id)
	}
	return s.logger
}

func idString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
