// Package venue implements the client for the prediction venue's
// signed-order API.
//
// The REST client (Client) covers the full call surface the engine uses:
//
//   - EnableTrading:  POST /trading/enable   — one-shot at process start
//   - Markets:        GET  /markets          — paginated summaries
//   - Market:         GET  /markets/{id}     — full detail incl. token IDs
//   - Orderbook:      GET  /orderbook        — ASK/BID/MID/spread per token
//   - PlaceOrder:     POST /orders           — signed limit order
//   - CancelOrder:    POST /orders/cancel    — cancel by order ID
//   - Redeem:         POST /positions/redeem — on-chain, needs gas
//   - MyTrades/MyPositions/MyBalances        — reconciliation reads
//
// Every response carries a numeric errno; zero is the only success. The
// venue never signals failure by HTTP status alone, so the client decodes
// the envelope on every call and maps non-zero errnos through the error
// taxonomy in errno.go.
package venue

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Auth signs venue requests on behalf of the shared custody wallet.
//
// Each request carries the API key, a timestamp, the wallet address, and
// an HMAC-SHA256 signature over "timestamp + method + path [+ body]"
// keyed by a secret derived from the wallet's private key. The venue
// verifies the signature against the registered wallet.
type Auth struct {
	privateKey *ecdsa.PrivateKey // custody wallet key
	address    common.Address    // derived wallet address
	apiKey     string
	hmacKey    []byte // keccak(privkey bytes) — request-signing secret
}

// NewAuth parses the custody wallet private key and prepares the signing
// secret.
func NewAuth(privateKeyHex, apiKey string) (*Auth, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}

	return &Auth{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		apiKey:     apiKey,
		hmacKey:    crypto.Keccak256(raw),
	}, nil
}

// Address returns the custody wallet address.
func (a *Auth) Address() common.Address {
	return a.address
}

// Headers generates the signed header set for one request.
func (a *Auth) Headers(method, path, body string) map[string]string {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	mac := hmac.New(sha256.New, a.hmacKey)
	mac.Write([]byte(timestamp + method + path + body))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"X-Api-Key":   a.apiKey,
		"X-Address":   a.address.Hex(),
		"X-Timestamp": timestamp,
		"X-Signature": sig,
	}
}
