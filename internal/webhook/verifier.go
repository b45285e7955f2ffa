package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Request headers carrying the signature of a status callback
const (
	HeaderTimestamp = "X-Bitsacco-Timestamp"
	HeaderSignature = "X-Bitsacco-Signature"
)

var (
	// ErrMissingSignature is returned when the timestamp or signature header is absent
	ErrMissingSignature = errors.New("missing webhook signature")

	// ErrInvalidSignature is returned when the signature does not match the body
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrExpiredSignature is returned when the timestamp is outside the tolerance window
	ErrExpiredSignature = errors.New("webhook timestamp outside tolerance")
)

// Verifier checks HMAC-SHA256 signatures on backend status callbacks
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// NewVerifier creates a verifier. An empty secret disables verification.
func NewVerifier(secret string, tolerance time.Duration, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
		logger:    logger,
	}
}

// Enabled reports whether a secret is configured
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// Sign returns the hex signature for timestamp and body
func (v *Verifier) Sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against timestamp (unix seconds) and body
func (v *Verifier) Verify(timestamp, signature string, body []byte) error {
	if !v.Enabled() {
		return nil
	}
	if timestamp == "" || signature == "" {
		return ErrMissingSignature
	}

	sec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrInvalidSignature, timestamp)
	}
	age := v.now().Sub(time.Unix(sec, 0))
	if age < 0 {
		age = -age
	}
	if age > v.tolerance {
		v.logger.Warn("Rejected stale webhook", zap.Duration("age", age))
		return ErrExpiredSignature
	}

	expected, err := hex.DecodeString(v.Sign(timestamp, body))
	if err != nil {
		return err
	}
	got, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(expected, got) {
		return ErrInvalidSignature
	}
	return nil
}
