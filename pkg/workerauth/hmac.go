// Package workerauth implements the timestamped HMAC envelope that
// authenticates dispatcher calls to the executor bridge. The signature is
// HMAC-SHA256 over the concatenation of the millisecond timestamp and the
// literal request body bytes, keyed by a secret only those two services hold.
package workerauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	// HeaderSignature carries the hex-encoded HMAC.
	HeaderSignature = "X-Worker-Auth"
	// HeaderTimestamp carries the signing time in milliseconds since epoch.
	HeaderTimestamp = "X-Worker-Timestamp"
)

var (
	// ErrStaleTimestamp indicates the request timestamp is outside the accepted skew window.
	ErrStaleTimestamp = errors.New("stale timestamp")
	// ErrBadSignature indicates the HMAC does not match the signed bytes.
	ErrBadSignature = errors.New("bad signature")
)

// Sign computes the hex HMAC for a request body at the given timestamp.
func Sign(secret []byte, timestampMs int64, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(timestampMs, 10)))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature against the body and timestamp. The timestamp
// must be within skew of now; the comparison is constant time.
func Verify(secret []byte, timestampMs int64, body []byte, signature string, skew time.Duration, now time.Time) error {
	age := now.UnixMilli() - timestampMs
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Millisecond > skew {
		return fmt.Errorf("request aged %dms: %w", age, ErrStaleTimestamp)
	}

	expected := Sign(secret, timestampMs, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
