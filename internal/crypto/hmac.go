package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// HMACAuth holds the L2 credentials for authenticated CLOB requests.
type HMACAuth struct {
	Key        string // API key
	Secret     string // API secret, base64 (URL-safe or standard)
	Passphrase string // API passphrase
}

// Valid reports whether all three credential parts are present.
func (h *HMACAuth) Valid() bool {
	return h != nil && h.Key != "" && h.Secret != "" && h.Passphrase != ""
}

// L2Headers returns the HTTP headers for an L2 (CLOB) API request signed
// at the current time.
//
// Returned header keys:
//   - POLY_ADDRESS
//   - POLY_API_KEY
//   - POLY_TIMESTAMP
//   - POLY_PASSPHRASE
//   - POLY_SIGNATURE
func (h *HMACAuth) L2Headers(address, method, path, body string) map[string]string {
	return h.L2HeadersAt(address, method, path, body, time.Now().Unix())
}

// L2HeadersAt is like L2Headers but lets the caller supply the Unix
// timestamp.
func (h *HMACAuth) L2HeadersAt(address, method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	sig := hmacSHA256Base64(decodeSecret(h.Secret), ts+method+path+body)

	return map[string]string{
		"POLY_ADDRESS":    address,
		"POLY_API_KEY":    h.Key,
		"POLY_TIMESTAMP":  ts,
		"POLY_PASSPHRASE": h.Passphrase,
		"POLY_SIGNATURE":  sig,
	}
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

// decodeSecret accepts URL-safe or standard base64. Undecodable secrets are
// used raw so a bad credential surfaces as a 401 rather than a panic.
func decodeSecret(secret string) []byte {
	if b, err := base64.URLEncoding.DecodeString(secret); err == nil {
		return b
	}
	if b, err := base64.StdEncoding.DecodeString(secret); err == nil {
		return b
	}
	return []byte(secret)
}

// hmacSHA256Base64 computes HMAC-SHA256 of message and returns it URL-safe
// base64 encoded, the form the CLOB verifies.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}
