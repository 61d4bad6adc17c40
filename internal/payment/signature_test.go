package payment_test

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quickcart/orderflow/internal/payment"
)

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		body    []byte
		header  string
		secret  string
		at      time.Time
		wantErr error
	}{
		{
			name:   "valid signature",
			body:   body,
			header: payment.Sign(body, secret, now),
			secret: secret,
			at:     now,
		},
		{
			name:   "timestamp inside tolerance",
			body:   body,
			header: payment.Sign(body, secret, now.Add(-4*time.Minute)),
			secret: secret,
			at:     now,
		},
		{
			name:    "timestamp too old",
			body:    body,
			header:  payment.Sign(body, secret, now.Add(-6*time.Minute)),
			secret:  secret,
			at:      now,
			wantErr: payment.ErrStaleTimestamp,
		},
		{
			name:    "timestamp in the future beyond tolerance",
			body:    body,
			header:  payment.Sign(body, secret, now.Add(6*time.Minute)),
			secret:  secret,
			at:      now,
			wantErr: payment.ErrStaleTimestamp,
		},
		{
			name:    "wrong secret",
			body:    body,
			header:  payment.Sign(body, "whsec_other", now),
			secret:  secret,
			at:      now,
			wantErr: payment.ErrBadSignature,
		},
		{
			name:    "tampered body",
			body:    []byte(`{"id":"evt_1","type":"payment_intent.payment_failed"}`),
			header:  payment.Sign(body, secret, now),
			secret:  secret,
			at:      now,
			wantErr: payment.ErrBadSignature,
		},
		{
			name:    "replayed body under a rewritten timestamp",
			body:    body,
			header:  rewriteTimestamp(payment.Sign(body, secret, now.Add(-10*time.Minute)), now),
			secret:  secret,
			at:      now,
			wantErr: payment.ErrBadSignature,
		},
		{
			name:    "empty header",
			body:    body,
			header:  "",
			secret:  secret,
			at:      now,
			wantErr: payment.ErrBadSignature,
		},
		{
			name:    "garbage header",
			body:    body,
			header:  "t=abc,v1=zzz",
			secret:  secret,
			at:      now,
			wantErr: payment.ErrBadSignature,
		},
		{
			name:    "missing v1 element",
			body:    body,
			header:  "t=1757851200",
			secret:  secret,
			at:      now,
			wantErr: payment.ErrBadSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := payment.VerifySignature(tt.body, tt.header, tt.secret, tt.at)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

// rewriteTimestamp swaps the t= element for a fresh one without re-signing,
// simulating a replay attack.
func rewriteTimestamp(header string, now time.Time) string {
	parts := strings.Split(header, ",")
	parts[0] = "t=" + strconv.FormatInt(now.Unix(), 10)
	return strings.Join(parts, ",")
}
