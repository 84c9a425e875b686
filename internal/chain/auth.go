package chain

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Credentials holds the L2 API key triplet used for HMAC-signed trading
// requests, mirroring the exchange's own derive-api-key response shape.
type Credentials struct {
	ApiKey     string
	Secret     string
	Passphrase string
}

// Wallet handles EIP-712 (L1, used to derive API keys) and HMAC-SHA256
// (L2, used for all trading requests) signing for one wallet.
type Wallet struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	creds      Credentials
}

// NewWallet parses a hex-encoded private key (with or without 0x prefix)
// and binds it to chainID.
func NewWallet(privateKeyHex string, chainID int, creds Credentials) (*Wallet, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Wallet{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    big.NewInt(int64(chainID)),
		creds:      creds,
	}, nil
}

// Address returns the wallet's Ethereum address.
func (w *Wallet) Address() common.Address { return w.address }

// L2Headers produces the HMAC-signed headers for a trading request.
// message = timestamp + method + path [+ body]
func (w *Wallet) L2Headers(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := w.buildHMAC(timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("build hmac: %w", err)
	}
	return map[string]string{
		"API_ADDRESS":    w.address.Hex(),
		"API_SIGNATURE":  sig,
		"API_TIMESTAMP":  timestamp,
		"API_KEY":        w.creds.ApiKey,
		"API_PASSPHRASE": w.creds.Passphrase,
	}, nil
}

func (w *Wallet) buildHMAC(timestamp, method, path, body string) (string, error) {
	decoders := []*base64.Encoding{base64.URLEncoding, base64.RawURLEncoding, base64.StdEncoding, base64.RawStdEncoding}

	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(w.creds.Secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	message := timestamp + method + path + body
	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// SignOrderTypedData signs an EIP-712 order struct and returns the raw
// 65-byte signature with V normalized to 27/28.
func (w *Wallet) SignOrderTypedData(order Order) ([]byte, error) {
	domain := apitypes.TypedDataDomain{
		Name:    "ArbitrageurExchange",
		Version: "1",
		ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(w.chainID)),
	}
	types := apitypes.Types{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
		},
		"Order": {
			{Name: "tokenId", Type: "string"},
			{Name: "side", Type: "string"},
			{Name: "price", Type: "string"},
			{Name: "size", Type: "string"},
			{Name: "nonce", Type: "uint256"},
		},
	}
	message := apitypes.TypedDataMessage{
		"tokenId": order.TokenID,
		"side":    order.Side,
		"price":   order.Price.String(),
		"size":    order.Size.String(),
		"nonce":   fmt.Sprintf("%d", order.Nonce),
	}

	typedData := apitypes.TypedData{Types: types, PrimaryType: "Order", Domain: domain, Message: message}
	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}

	sig, err := crypto.Sign(hash, w.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}
