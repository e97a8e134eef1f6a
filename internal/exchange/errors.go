// errors.go defines the typed API error and the kind predicates callers use
// to branch on server failures without string-matching at call sites.
package exchange

import (
	"errors"
	"fmt"
	"strings"
)

// APIError is a non-2xx response from the MEXC API. Code and Msg come from
// the JSON error body when present; Body preserves the raw response for
// logging unrecognized failures.
type APIError struct {
	Status int    // HTTP status code
	Code   int    // MEXC error code, 0 when the body had none
	Msg    string // server-provided message
	Body   string // raw response body
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("mexc api: status %d code %d: %s", e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("mexc api: status %d: %s", e.Status, e.Body)
}

// apiErr extracts an *APIError from an error chain.
func apiErr(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// IsOversold reports whether the error is the exchange's risk-control block
// on selling (code 30005). Affected quantities require the staged liquidation
// path rather than a plain market sell.
func IsOversold(err error) bool {
	ae, ok := apiErr(err)
	if !ok {
		return false
	}
	return ae.Code == 30005 || strings.Contains(strings.ToLower(ae.Msg), "oversold")
}

// IsRateLimited reports whether the request was throttled (HTTP 429).
func IsRateLimited(err error) bool {
	ae, ok := apiErr(err)
	return ok && ae.Status == 429
}

// IsSymbolNotSupported reports whether the symbol does not support API
// trading (code 10007).
func IsSymbolNotSupported(err error) bool {
	ae, ok := apiErr(err)
	if !ok {
		return false
	}
	return ae.Code == 10007 || strings.Contains(strings.ToLower(ae.Msg), "symbol not support")
}

// IsInsufficientBalance reports whether the account lacked funds for the
// order (code 30004, or the message says so).
func IsInsufficientBalance(err error) bool {
	ae, ok := apiErr(err)
	if !ok {
		return false
	}
	return ae.Code == 30004 || strings.Contains(strings.ToLower(ae.Msg), "insufficient")
}

// IsInvalidOrderType reports whether the exchange rejected the order type
// itself. The protective-order cascade uses this to fall through to simpler
// types.
func IsInvalidOrderType(err error) bool {
	ae, ok := apiErr(err)
	if !ok {
		return false
	}
	msg := strings.ToLower(ae.Msg)
	return strings.Contains(msg, "invalid type") ||
		strings.Contains(msg, "order type") ||
		strings.Contains(msg, "not supported order")
}
