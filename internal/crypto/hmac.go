package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// HMACAuth holds the credentials required for HMAC-authenticated requests
// against the supported exchange REST APIs.
type HMACAuth struct {
	Key        string // API key
	Secret     string // API secret
	Passphrase string // OKX and Bitget only
}

// BybitRecvWindow is the request validity window Bybit expects, in
// milliseconds, sent as the X-BAPI-RECV-WINDOW header.
const BybitRecvWindow = "5000"

// BinanceSign computes the signature for a Binance request. The message
// is the full query string (for GET/DELETE) or the urlencoded body (for
// POST), already containing the timestamp parameter. The caller appends
// the returned value as the signature parameter.
func (h *HMACAuth) BinanceSign(message string) string {
	return hmacSHA256Hex([]byte(h.Secret), message)
}

// BinanceHeaders returns the HTTP headers for a Binance request.
//
// Returned header keys:
//   - X-MBX-APIKEY
func (h *HMACAuth) BinanceHeaders() map[string]string {
	return map[string]string{
		"X-MBX-APIKEY": h.Key,
	}
}

// OKXHeaders returns the HTTP headers for an OKX request. The signature
// is HMAC-SHA256(secret, timestamp+method+path+body) encoded as base64,
// with the timestamp in ISO 8601 UTC with millisecond precision.
//
// Returned header keys:
//   - OK-ACCESS-KEY
//   - OK-ACCESS-SIGN
//   - OK-ACCESS-TIMESTAMP
//   - OK-ACCESS-PASSPHRASE
func (h *HMACAuth) OKXHeaders(method, path, body string) map[string]string {
	return h.OKXHeadersAt(method, path, body, time.Now().UTC())
}

// OKXHeadersAt is like OKXHeaders but lets the caller supply the
// timestamp (useful for deterministic testing).
func (h *HMACAuth) OKXHeadersAt(method, path, body string, at time.Time) map[string]string {
	ts := at.UTC().Format("2006-01-02T15:04:05.000Z")

	message := ts + strings.ToUpper(method) + path + body
	sig := hmacSHA256Base64([]byte(h.Secret), message)

	return map[string]string{
		"OK-ACCESS-KEY":        h.Key,
		"OK-ACCESS-SIGN":       sig,
		"OK-ACCESS-TIMESTAMP":  ts,
		"OK-ACCESS-PASSPHRASE": h.Passphrase,
	}
}

// BybitHeaders returns the HTTP headers for a Bybit v5 request. The
// payload is the query string for GET requests or the JSON body for
// POST requests. The signature is
// HMAC-SHA256(secret, timestamp+key+recvWindow+payload) encoded as hex.
//
// Returned header keys:
//   - X-BAPI-API-KEY
//   - X-BAPI-TIMESTAMP
//   - X-BAPI-SIGN
//   - X-BAPI-RECV-WINDOW
func (h *HMACAuth) BybitHeaders(payload string) map[string]string {
	return h.BybitHeadersAt(payload, time.Now().UnixMilli())
}

// BybitHeadersAt is like BybitHeaders but lets the caller supply the
// Unix millisecond timestamp (useful for deterministic testing).
func (h *HMACAuth) BybitHeadersAt(payload string, unixMS int64) map[string]string {
	ts := strconv.FormatInt(unixMS, 10)

	message := ts + h.Key + BybitRecvWindow + payload
	sig := hmacSHA256Hex([]byte(h.Secret), message)

	return map[string]string{
		"X-BAPI-API-KEY":     h.Key,
		"X-BAPI-TIMESTAMP":   ts,
		"X-BAPI-SIGN":        sig,
		"X-BAPI-RECV-WINDOW": BybitRecvWindow,
	}
}

// BitgetHeaders returns the HTTP headers for a Bitget request. The
// signature is HMAC-SHA256(secret, timestamp+method+path+body) encoded
// as base64, with the timestamp in Unix milliseconds.
//
// Returned header keys:
//   - ACCESS-KEY
//   - ACCESS-SIGN
//   - ACCESS-TIMESTAMP
//   - ACCESS-PASSPHRASE
func (h *HMACAuth) BitgetHeaders(method, path, body string) map[string]string {
	return h.BitgetHeadersAt(method, path, body, time.Now().UnixMilli())
}

// BitgetHeadersAt is like BitgetHeaders but lets the caller supply the
// Unix millisecond timestamp (useful for deterministic testing).
func (h *HMACAuth) BitgetHeadersAt(method, path, body string, unixMS int64) map[string]string {
	ts := strconv.FormatInt(unixMS, 10)

	message := ts + strings.ToUpper(method) + path + body
	sig := hmacSHA256Base64([]byte(h.Secret), message)

	return map[string]string{
		"ACCESS-KEY":        h.Key,
		"ACCESS-SIGN":       sig,
		"ACCESS-TIMESTAMP":  ts,
		"ACCESS-PASSPHRASE": h.Passphrase,
	}
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns the
// result as a base64 standard-encoded string.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// hmacSHA256Hex computes HMAC-SHA256 of message using key and returns the
// result as a lowercase hex string.
func hmacSHA256Hex(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
