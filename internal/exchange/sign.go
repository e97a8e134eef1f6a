// sign.go implements MEXC request signing.
//
// Signed (SIGNED security type) endpoints require a hex HMAC-SHA256 over the
// canonical query string: parameters sorted by key, joined as k=v&k=v, with
// timestamp (milliseconds) and recvWindow added before signing. The signature
// itself is appended after signing and must not be part of the signed payload.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"
)

// recvWindow is the validity window MEXC allows between the request timestamp
// and server receipt. 60s is the maximum the API accepts.
const recvWindow = "60000"

// Signer produces signed query strings for authenticated endpoints.
type Signer struct {
	apiKey    string
	secretKey string
	now       func() time.Time // injectable clock for tests
}

// NewSigner creates a Signer for the given API credentials.
func NewSigner(apiKey, secretKey string) *Signer {
	return &Signer{apiKey: apiKey, secretKey: secretKey, now: time.Now}
}

// APIKey returns the key sent in the X-MEXC-APIKEY header.
func (s *Signer) APIKey() string {
	return s.apiKey
}

// Sign canonicalizes params, injects timestamp and recvWindow, and returns
// the full query string with the signature appended. The input map is not
// modified.
func (s *Signer) Sign(params map[string]string) string {
	full := make(map[string]string, len(params)+2)
	for k, v := range params {
		full[k] = v
	}
	full["timestamp"] = strconv.FormatInt(s.now().UnixMilli(), 10)
	full["recvWindow"] = recvWindow

	query := canonicalQuery(full)
	return query + "&signature=" + s.signature(query)
}

// signature computes the hex HMAC-SHA256 of payload with the secret key.
func (s *Signer) signature(payload string) string {
	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalQuery joins params as k=v pairs in ascending key order.
// Values are sent verbatim; MEXC signs the raw (unescaped) query.
func canonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}
