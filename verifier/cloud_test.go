package verifier

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/ruteri/worldcoins-backend/interfaces"
)

var testProof = interfaces.Proof{
	Proof:             "0xproof",
	MerkleRoot:        "0xroot",
	NullifierHash:     "0xnullifier",
	VerificationLevel: "orb",
}

func newTestVerifier(t *testing.T, handler http.HandlerFunc) *CloudVerifier {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewCloudVerifier(srv.URL, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHashToField(t *testing.T) {
	assert.Equal(t, "0x00c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a4", HashToField(""))

	h := HashToField("0xdeadbeef")
	assert.Len(t, h, 66)
	assert.Equal(t, "0x00", h[:4], "the top byte is always cleared")
	assert.NotEqual(t, HashToField("0xdeadbeef"), HashToField("deadbeef"))
}

func TestCloudVerifier_Success(t *testing.T) {
	requests := make(chan verifyRequest, 1)
	v := newTestVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v2/verify/app_staging_123", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var received verifyRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		requests <- received

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"action":"create-token","nullifier_hash":"0xnullifier","created_at":"2026-01-01T00:00:00Z"}`))
	})

	record, err := v.Verify(context.Background(), testProof, "app_staging_123", "create-token", "")
	require.NoError(t, err)
	assert.True(t, record.Success)
	assert.Equal(t, "0xnullifier", record.Nullifier)
	assert.NotEmpty(t, record.Raw)

	received := <-requests
	assert.Equal(t, "0xproof", received.Proof)
	assert.Equal(t, "0xroot", received.MerkleRoot)
	assert.Equal(t, "0xnullifier", received.NullifierHash)
	assert.Equal(t, "orb", received.VerificationLevel)
	assert.Equal(t, "create-token", received.Action)
	assert.Equal(t, HashToField(""), received.SignalHash)
}

func TestCloudVerifier_Rejection(t *testing.T) {
	v := newTestVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"max_verifications_reached","detail":"This person has already verified for this action.","attribute":null}`))
	})

	record, err := v.Verify(context.Background(), testProof, "app_staging_123", "claim-token", "0xabc")
	require.NoError(t, err)
	assert.False(t, record.Success)
	assert.Equal(t, "max_verifications_reached", record.Code)
	assert.Contains(t, record.Detail, "already verified")
}

func TestCloudVerifier_Unreachable(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
		},
		{
			name: "rate limited",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
		},
		{
			name: "malformed success body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`<html>`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			v := newTestVerifier(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Inc()
				tt.handler(w, r)
			})

			_, err := v.Verify(context.Background(), testProof, "app_staging_123", "claim-token", "")
			assert.ErrorIs(t, err, interfaces.ErrVerifierUnreachable)
			assert.Equal(t, int32(1), calls.Load(), "verification must not be retried")
		})
	}
}

func TestCloudVerifier_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	v := NewCloudVerifier(url, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := v.Verify(context.Background(), testProof, "app_staging_123", "claim-token", "")
	assert.ErrorIs(t, err, interfaces.ErrVerifierUnreachable)
}

func TestCloudVerifier_RequiresAppID(t *testing.T) {
	v := NewCloudVerifier("", 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := v.Verify(context.Background(), testProof, "", "claim-token", "")
	var cfgErr *interfaces.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}
