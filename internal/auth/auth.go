// Package auth authenticates API callers by signature.
//
// A caller signs every mutating request with its own key. The signed text
// binds the method, path, timestamp and body hash:
//
//	escrowledger|POST|/v1/orders/7/release|1767225600|<sha256(body) hex>
//
// and is wrapped in the EIP-191 personal-message prefix, so wallets can
// produce it with personal_sign. The recovered address becomes the caller
// of the escrow operation.
package auth

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/escrowledger/internal/signature"
)

const (
	HeaderAddress   = "X-Caller-Address"
	HeaderTimestamp = "X-Caller-Timestamp"
	HeaderSignature = "X-Caller-Signature"

	// DefaultMaxSkew bounds how far a request timestamp may drift from the server clock.
	DefaultMaxSkew = 5 * time.Minute

	messagePrefix = "escrowledger"
)

var (
	ErrMissingCredentials = errors.New("auth: missing caller headers")
	ErrBadTimestamp       = errors.New("auth: timestamp outside allowed window")
	ErrBadSignature       = errors.New("auth: signature does not match caller")
)

// Message returns the text a caller signs for a request.
func Message(method, path string, timestamp int64, body []byte) string {
	sum := sha256.Sum256(body)
	return strings.Join([]string{
		messagePrefix,
		strings.ToUpper(method),
		path,
		strconv.FormatInt(timestamp, 10),
		hex.EncodeToString(sum[:]),
	}, "|")
}

// Verify checks the caller headers against the request and returns the
// authenticated address.
func Verify(address, timestamp, sig, method, path string, body []byte, now time.Time, maxSkew time.Duration) (common.Address, error) {
	if address == "" || timestamp == "" || sig == "" {
		return common.Address{}, ErrMissingCredentials
	}
	if !common.IsHexAddress(address) {
		return common.Address{}, fmt.Errorf("%w: malformed address", ErrBadSignature)
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return common.Address{}, ErrBadTimestamp
	}
	if d := now.Sub(time.Unix(ts, 0)); d > maxSkew || d < -maxSkew {
		return common.Address{}, ErrBadTimestamp
	}

	raw, err := signature.DecodeHex(sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	recovered, err := signature.RecoverText([]byte(Message(method, path, ts, body)), raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	claimed := common.HexToAddress(address)
	if recovered != claimed {
		return common.Address{}, ErrBadSignature
	}
	return recovered, nil
}

// SignRequest sets the caller headers on req for the given body. Clients
// (the MCP server, tests) use it to authenticate.
func SignRequest(req *http.Request, key *ecdsa.PrivateKey, body []byte, now time.Time) error {
	ts := now.Unix()
	sig, err := signature.SignText(key, []byte(Message(req.Method, req.URL.Path, ts, body)))
	if err != nil {
		return err
	}
	req.Header.Set(HeaderAddress, crypto.PubkeyToAddress(key.PublicKey).Hex())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, signature.EncodeHex(sig))
	return nil
}
