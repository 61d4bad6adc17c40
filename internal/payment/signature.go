package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Webhook signatures follow the timestamped-HMAC scheme the provider
// documents: the signature header is "t=<unix>,v1=<hex>", where v1 is
// HMAC-SHA256 over "<unix>.<raw body>" with the shared endpoint secret.
// The timestamp is part of the signed message, so replaying an old body
// with a fresh timestamp fails the check.

var (
	ErrBadSignature   = errors.New("webhook signature verification failed")
	ErrStaleTimestamp = errors.New("webhook timestamp outside tolerance")
)

// signatureTolerance bounds the clock skew between provider and us.
const signatureTolerance = 5 * time.Minute

// VerifySignature checks the header against the raw body. It fails closed:
// any parse problem is a verification failure, never a pass-through.
func VerifySignature(body []byte, header, secret string, now time.Time) error {
	ts, got, err := parseSignatureHeader(header)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrBadSignature)
	}

	age := now.Sub(time.Unix(ts, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return ErrStaleTimestamp
	}

	want := computeSignature(body, secret, ts)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return ErrBadSignature
	}

	return nil
}

// Sign produces a valid signature header for the given body. Used by tests
// and by the local provider stub.
func Sign(body []byte, secret string, at time.Time) string {
	ts := at.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, computeSignature(body, secret, ts))
}

func computeSignature(body []byte, secret string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (ts int64, sig string, err error) {
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}

		switch key {
		case "t":
			ts, err = strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("bad timestamp %q", value)
			}
		case "v1":
			sig = value
		}
	}

	if ts == 0 || sig == "" {
		return 0, "", errors.New("missing t or v1 element")
	}

	return ts, sig, nil
}
