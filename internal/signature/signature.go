// Package signature verifies that order parameters were attested by the
// trusted issuer.
//
// An order authorization is an EIP-191 personal-message signature over
//
//	keccak256(uint256 orderId ‖ uint256 amount ‖ address seller ‖ uint256 nonce)
//
// Every field is fixed width (32, 32, 20 and 32 bytes), so no two distinct
// tuples share an encoding and no field can bleed into its neighbour. The
// "\x19Ethereum Signed Message:\n32" prefix keeps these signatures from
// being valid for transactions or any other message format.
package signature

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/escrowledger/internal/units"
)

var (
	ErrMalformedSignature = errors.New("signature: malformed signature")
	ErrValueOutOfRange    = errors.New("signature: value outside uint256 range")
)

// SignatureLength is r[32] + s[32] + v[1].
const SignatureLength = 65

// Verifier decides whether an order's parameters were signed by the trusted issuer.
// Implementations must be pure: no side effects and no replay bookkeeping.
type Verifier interface {
	Verify(orderID, amount *big.Int, seller common.Address, nonce *big.Int, sig []byte) bool
}

// OrderDigest returns the binding hash over the order parameters.
func OrderDigest(orderID, amount *big.Int, seller common.Address, nonce *big.Int) ([]byte, error) {
	for _, v := range []*big.Int{orderID, amount, nonce} {
		if !units.InUint256Range(v) {
			return nil, ErrValueOutOfRange
		}
	}

	packed := make([]byte, 0, 32+32+common.AddressLength+32)
	packed = append(packed, common.LeftPadBytes(orderID.Bytes(), 32)...)
	packed = append(packed, common.LeftPadBytes(amount.Bytes(), 32)...)
	packed = append(packed, seller.Bytes()...)
	packed = append(packed, common.LeftPadBytes(nonce.Bytes(), 32)...)
	return crypto.Keccak256(packed), nil
}

// SigningHash returns the domain-separated hash that the issuer actually signs.
func SigningHash(orderID, amount *big.Int, seller common.Address, nonce *big.Int) ([]byte, error) {
	digest, err := OrderDigest(orderID, amount, seller, nonce)
	if err != nil {
		return nil, err
	}
	return accounts.TextHash(digest), nil
}

// Recover returns the address that produced sig over hash.
// Accepts v in {0, 1, 27, 28} and rejects high-s signatures.
func Recover(hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: must be %d bytes, got %d", ErrMalformedSignature, SignatureLength, len(sig))
	}

	// Work on a copy so the caller's slice keeps its original v.
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(normalized[64], r, s, true) {
		return common.Address{}, fmt.Errorf("%w: invalid r, s or v", ErrMalformedSignature)
	}

	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// RecoverText recovers the signer of an EIP-191 personal message.
func RecoverText(message, sig []byte) (common.Address, error) {
	return Recover(accounts.TextHash(message), sig)
}

// IssuerVerifier accepts signatures recovered to a single trusted issuer.
type IssuerVerifier struct {
	issuer common.Address
}

// NewIssuerVerifier creates a verifier bound to the given issuer address.
func NewIssuerVerifier(issuer common.Address) *IssuerVerifier {
	return &IssuerVerifier{issuer: issuer}
}

// Issuer returns the trusted issuer address.
func (v *IssuerVerifier) Issuer() common.Address {
	return v.issuer
}

// Verify reports whether sig over the order parameters recovers to the issuer.
func (v *IssuerVerifier) Verify(orderID, amount *big.Int, seller common.Address, nonce *big.Int, sig []byte) bool {
	if v.issuer == (common.Address{}) {
		return false
	}
	hash, err := SigningHash(orderID, amount, seller, nonce)
	if err != nil {
		return false
	}
	signer, err := Recover(hash, sig)
	if err != nil {
		return false
	}
	return signer == v.issuer
}

var _ Verifier = (*IssuerVerifier)(nil)

// Sign produces an order authorization with the issuer key (v = 27 or 28).
func Sign(key *ecdsa.PrivateKey, orderID, amount *big.Int, seller common.Address, nonce *big.Int) ([]byte, error) {
	hash, err := SigningHash(orderID, amount, seller, nonce)
	if err != nil {
		return nil, err
	}
	return signHash(key, hash)
}

// SignText signs an EIP-191 personal message (v = 27 or 28).
func SignText(key *ecdsa.PrivateKey, message []byte) ([]byte, error) {
	return signHash(key, accounts.TextHash(message))
}

func signHash(key *ecdsa.PrivateKey, hash []byte) ([]byte, error) {
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// DecodeHex decodes a hex signature with or without the 0x prefix.
func DecodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hex: %v", ErrMalformedSignature, err)
	}
	return b, nil
}

// EncodeHex encodes a signature as 0x-prefixed hex.
func EncodeHex(sig []byte) string {
	return "0x" + hex.EncodeToString(sig)
}
