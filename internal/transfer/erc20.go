package transfer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/escrowledger/internal/circuitbreaker"
	"github.com/mbd888/escrowledger/internal/traces"
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	// DefaultGasLimit is used when estimation fails.
	DefaultGasLimit = uint64(120000)

	DefaultConfirmationTimeout = 60 * time.Second
	DefaultPollInterval        = 2 * time.Second
)

// ERC20Config configures the on-chain transferer.
type ERC20Config struct {
	RPCURL     string
	PrivateKey string // custody key, hex with or without 0x
	ChainID    int64
	Token      string

	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
}

// ERC20Option configures an ERC20 transferer.
type ERC20Option func(*ERC20)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) ERC20Option {
	return func(e *ERC20) {
		e.client = client
	}
}

// WithBreaker replaces the default RPC circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) ERC20Option {
	return func(e *ERC20) {
		e.breaker = b
	}
}

// ERC20 moves a single ERC-20 token. The custody account is the address of
// the configured key: Push is transfer(to, amount) from custody and Pull is
// transferFrom(from, to, amount), which needs the owner's prior approval of
// the custody account. Both wait for the receipt; a status 0 receipt is a
// failure.
type ERC20 struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	custody    common.Address
	chainID    *big.Int
	token      common.Address
	tokenABI   abi.ABI

	timeout time.Duration
	poll    time.Duration

	sendMu  sync.Mutex // one pending-nonce read per send
	breaker *circuitbreaker.Breaker
}

// NewERC20 creates an on-chain transferer.
func NewERC20(cfg ERC20Config, opts ...ERC20Option) (*ERC20, error) {
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	if cfg.ChainID == 0 {
		return nil, errors.New("transfer: chain ID required")
	}
	if !common.IsHexAddress(cfg.Token) {
		return nil, errors.New("transfer: token contract address required")
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse ERC20 ABI: %w", err)
	}

	e := &ERC20{
		privateKey: privateKey,
		custody:    crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    big.NewInt(cfg.ChainID),
		token:      common.HexToAddress(cfg.Token),
		tokenABI:   parsedABI,
		timeout:    cfg.ConfirmationTimeout,
		poll:       cfg.PollInterval,
		breaker:    circuitbreaker.New("rpc", 5, 30*time.Second),
	}
	if e.timeout <= 0 {
		e.timeout = DefaultConfirmationTimeout
	}
	if e.poll <= 0 {
		e.poll = DefaultPollInterval
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		e.client = client
	}

	return e, nil
}

func (e *ERC20) Custody() common.Address { return e.custody }

// Token returns the token contract address.
func (e *ERC20) Token() common.Address { return e.token }

func (e *ERC20) Push(ctx context.Context, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return &Error{Op: "push", Err: ErrInvalidAmount}
	}
	data, err := e.tokenABI.Pack("transfer", to, amount)
	if err != nil {
		return &Error{Op: "pack", Err: err}
	}
	return e.execute(ctx, "transfer.Push", data, traces.Addr("to", to), traces.Amount(amount.String()))
}

func (e *ERC20) Pull(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return &Error{Op: "pull", Err: ErrInvalidAmount}
	}
	data, err := e.tokenABI.Pack("transferFrom", from, to, amount)
	if err != nil {
		return &Error{Op: "pack", Err: err}
	}
	return e.execute(ctx, "transfer.Pull", data,
		traces.Addr("from", from), traces.Addr("to", to), traces.Amount(amount.String()))
}

// BalanceOf returns the token balance of addr.
func (e *ERC20) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := e.tokenABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	result, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &e.token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}
	return new(big.Int).SetBytes(result), nil
}

// CustodyBalance returns the custody account's token balance.
func (e *ERC20) CustodyBalance(ctx context.Context) (*big.Int, error) {
	return e.BalanceOf(ctx, e.custody)
}

// Allowance returns how much custody may pull from owner.
func (e *ERC20) Allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	data, err := e.tokenABI.Pack("allowance", owner, e.custody)
	if err != nil {
		return nil, fmt.Errorf("pack allowance: %w", err)
	}
	result, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &e.token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call allowance: %w", err)
	}
	return new(big.Int).SetBytes(result), nil
}

// Close releases the RPC connection.
func (e *ERC20) Close() {
	e.client.Close()
}

func (e *ERC20) execute(ctx context.Context, name string, data []byte, attrs ...attribute.KeyValue) (err error) {
	ctx, span := traces.StartSpan(ctx, name, attrs...)
	defer func() { traces.End(span, err) }()

	hash, err := e.send(ctx, data)
	if err != nil {
		return err
	}
	span.SetAttributes(traces.TxHash(hash))
	return e.waitForReceipt(ctx, hash)
}

// send fails fast while the RPC breaker is open so an unreachable node does
// not hold the order lock for the full request timeout. Only node errors
// count against the breaker; reverts are reported by the receipt.
func (e *ERC20) send(ctx context.Context, data []byte) (common.Hash, error) {
	if berr := e.breaker.Allow(); berr != nil {
		return common.Hash{}, &Error{Op: "send", Err: fmt.Errorf("%w: %w", ErrRPCConnection, berr)}
	}
	rpcFailed := false
	defer func() {
		if rpcFailed {
			e.breaker.Failure()
		} else {
			e.breaker.Success()
		}
	}()

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	nonce, err := e.client.PendingNonceAt(ctx, e.custody)
	if err != nil {
		rpcFailed = true
		return common.Hash{}, &Error{Op: "nonce", Err: err}
	}

	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		rpcFailed = true
		return common.Hash{}, &Error{Op: "gas_price", Err: err}
	}

	gasLimit, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  e.custody,
		To:    &e.token,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// A revert during estimation (e.g. missing allowance) still gets sent
		// so the failure is recorded on-chain with a hash.
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, e.token, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(e.chainID), e.privateKey)
	if err != nil {
		return common.Hash{}, &Error{Op: "sign", Err: err}
	}

	if err := e.client.SendTransaction(ctx, signedTx); err != nil {
		rpcFailed = true
		return common.Hash{}, &Error{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}
	return signedTx.Hash(), nil
}

func (e *ERC20) waitForReceipt(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &Error{Op: "confirm", TxHash: hash.Hex(), Err: ErrTimeout}
			}
			return &Error{Op: "confirm", TxHash: hash.Hex(), Err: ctx.Err()}

		case <-ticker.C:
			receipt, err := e.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not mined yet.
				continue
			}
			if receipt.Status == types.ReceiptStatusFailed {
				return &Error{Op: "confirm", TxHash: hash.Hex(), Err: ErrReverted}
			}
			return nil
		}
	}
}
