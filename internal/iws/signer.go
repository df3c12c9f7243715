package iws

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"time"
)

const timestampLayout = "2006-01-02T15:04:05Z"

// Sign computes the per-call request signature:
// base64(HMAC-SHA1(secret, action+timestamp)), no separator between the two.
func Sign(action, timestamp string, secret []byte) string {
	mac := hmac.New(sha1.New, secret)
	mac.Write([]byte(action))
	mac.Write([]byte(timestamp))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Timestamp formats t as the upstream expects: UTC, second precision,
// trailing Z, no fractional seconds.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}
