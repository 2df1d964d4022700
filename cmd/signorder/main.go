// Command signorder signs order terms with the issuer key so a buyer can
// place the order.
//
// Usage:
//
//	ISSUER_PRIVATE_KEY=... go run ./cmd/signorder -order 42 -amount 1000000 -seller 0x... -nonce 7
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"

	"github.com/mbd888/escrowledger/internal/signature"
	"github.com/mbd888/escrowledger/internal/units"
	"github.com/mbd888/escrowledger/internal/validation"
)

func main() {
	orderID := flag.String("order", "", "order id (decimal or 0x hex)")
	amount := flag.String("amount", "", "amount in base units (decimal or 0x hex)")
	seller := flag.String("seller", "", "seller address")
	nonce := flag.String("nonce", "", "issuer nonce (decimal or 0x hex)")
	asJSON := flag.Bool("json", false, "print a POST /v1/orders body instead of the bare signature")
	flag.Parse()

	_ = godotenv.Load()
	hexKey := os.Getenv("ISSUER_PRIVATE_KEY")
	if hexKey == "" {
		fail("ISSUER_PRIVATE_KEY environment variable is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		fail("invalid ISSUER_PRIVATE_KEY: %v", err)
	}

	if errs := validation.Validate(
		validation.Required("order", *orderID),
		validation.ValidUint256("order", *orderID),
		validation.Required("amount", *amount),
		validation.ValidUint256("amount", *amount),
		validation.Required("seller", *seller),
		validation.ValidAddress("seller", *seller),
		validation.Required("nonce", *nonce),
		validation.ValidUint256("nonce", *nonce),
	); len(errs) > 0 {
		fail("%s", errs.Error())
	}

	id, _ := units.ParseUint256(*orderID)
	amt, _ := units.ParseUint256(*amount)
	n, _ := units.ParseUint256(*nonce)
	sellerAddr := common.HexToAddress(*seller)

	sig, err := signature.Sign(key, id, amt, sellerAddr, n)
	if err != nil {
		fail("sign: %v", err)
	}

	if !*asJSON {
		fmt.Println(signature.EncodeHex(sig))
		return
	}
	fmt.Printf(`{"orderId":%q,"amount":%q,"seller":%q,"nonce":%q,"signature":%q}`+"\n",
		id.String(), amt.String(), sellerAddr.Hex(), n.String(), signature.EncodeHex(sig))
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
