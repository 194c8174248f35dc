// Package admission implements the six-step challenge/response protocol
// that promotes an unvalidated controller to a signed permanent identity.
package admission

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Rejection reason codes surfaced in VALIDATION_RESULT payloads.
const (
	ReasonStaleTimestamp        = "STALE_TIMESTAMP"
	ReasonFutureTimestamp       = "FUTURE_TIMESTAMP"
	ReasonBlocklisted           = "BLOCKLISTED"
	ReasonInvalidBootstrapToken = "INVALID_BOOTSTRAP_TOKEN"
	ReasonUnknownChallenge      = "UNKNOWN_CHALLENGE"
	ReasonChallengeExpired      = "CHALLENGE_EXPIRED"
	ReasonTempIDMismatch        = "TEMP_ID_MISMATCH"
	ReasonInvalidSignature      = "INVALID_SIGNATURE"
	ReasonTypeNotPermitted      = "TYPE_NOT_PERMITTED"
	ReasonInvalidRegion         = "INVALID_REGION"
	ReasonQuotaExceeded         = "QUOTA_EXCEEDED"
	ReasonRegistrationFailed    = "REGISTRATION_FAILED"
	ReasonNIBWriteFailed        = "NIB_WRITE_FAILED"
)

// Result statuses.
const (
	StatusApproved = "APPROVED"
	StatusRejected = "REJECTED"
	StatusError    = "ERROR"
)

// ComputeBootstrapToken derives the single-use admission token a candidate
// presents: HMAC-SHA256(secret, "temp_id|region|type") in hex.
func ComputeBootstrapToken(secret []byte, tempID, region, controllerType string) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s|%s|%s", tempID, region, controllerType)
	return hex.EncodeToString(mac.Sum(nil))
}

// tokenEqual compares tokens in constant time.
func tokenEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
