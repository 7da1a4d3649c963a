/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

// Package webhook is the hosted front-end: it verifies GitHub webhook
// deliveries, gates them on quota, and dispatches the managed workflow that
// actually runs the engine.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Verify checks a X-Hub-Signature-256 header against the delivery body.
// Comparison is constant time.
func Verify(secret []byte, signature string, body []byte) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
