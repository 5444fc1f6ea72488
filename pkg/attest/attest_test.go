package attest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-streams/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-streams/pkg/util/resiliency"
)

func unconfigured() *resiliency.EnhancedClient {
	return resiliency.NewEnhancedClient("zkbtc", "")
}

func TestLocalProofRoundTrip(t *testing.T) {
	a := New(unconfigured(), true)
	ctx := context.Background()

	proof, via, err := a.Generate(ctx, "stream_1", 20000, 1200)
	require.NoError(t, err)
	assert.Equal(t, resiliency.ViaMock, via)
	assert.Equal(t,
		canonicalize.HashBytes([]byte(`{"claimedAmountSats":20000,"streamId":"stream_1","timestamp":1200}`)),
		proof.Digest)
	assert.JSONEq(t, `{"mock":true,"streamId":"stream_1","claimedAmountSats":20000,"timestamp":1200}`, string(proof.Proof))
	assert.JSONEq(t, `{"streamId":"stream_1","claimedAmountSats":20000,"timestamp":1200}`, string(proof.PublicSignals))

	v, err := a.Verify(ctx, proof, "stream_1", 20000, 1200)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, resiliency.ViaMock, v.Via)
	assert.Equal(t, proof.Digest, v.Digest)
}

func TestLocalVerifyRejectsMismatchedTriple(t *testing.T) {
	a := New(unconfigured(), true)
	ctx := context.Background()

	proof, _, err := a.Generate(ctx, "stream_1", 20000, 1200)
	require.NoError(t, err)

	v, err := a.Verify(ctx, proof, "stream_1", 20001, 1200)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.NotEqual(t, proof.Digest, v.Digest)

	proof.Digest = "00"
	v, err = a.Verify(ctx, proof, "stream_1", 20000, 1200)
	require.NoError(t, err)
	assert.False(t, v.Valid)
}

func TestRemoteProver(t *testing.T) {
	var verifyBody map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer zk-key", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/vest/generate":
			var req generateRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, generateRequest{StreamID: "stream_1", AmountSats: 500, Timestamp: 99}, req)
			_, _ = w.Write([]byte(`{"proof":{"pi_a":["1","2"]},"publicSignals":["500","99"]}`))
		case "/vest/verify":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&verifyBody))
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := New(resiliency.NewEnhancedClient("zkbtc", srv.URL, resiliency.WithAPIKey("zk-key")), false)
	ctx := context.Background()

	proof, via, err := a.Generate(ctx, "stream_1", 500, 99)
	require.NoError(t, err)
	assert.Equal(t, resiliency.ViaRemote, via)
	want, err := canonicalize.CanonicalHash(map[string]any{
		"proof":         map[string]any{"pi_a": []string{"1", "2"}},
		"publicSignals": []string{"500", "99"},
	})
	require.NoError(t, err)
	assert.Equal(t, want, proof.Digest)

	v, err := a.Verify(ctx, proof, "stream_1", 500, 99)
	require.NoError(t, err)
	assert.Equal(t, Verification{Valid: true, Via: resiliency.ViaRemote, Digest: proof.Digest}, v)
	assert.JSONEq(t, `{"pi_a":["1","2"]}`, string(verifyBody["proof"]))
	assert.JSONEq(t, `"stream_1"`, string(verifyBody["stream_id"]))
}

func TestRemoteFailureFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := resiliency.NewEnhancedClient("zkbtc", srv.URL, resiliency.WithRetries(0))
	ctx := context.Background()

	proof, via, err := New(client, true).Generate(ctx, "stream_1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, resiliency.ViaMock, via)

	// Remote verify rejects, the mock verifier accepts the mock proof.
	v, err := New(client, true).Verify(ctx, proof, "stream_1", 1, 2)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, resiliency.ViaMock, v.Via)

	_, _, err = New(client, false).Generate(ctx, "stream_1", 1, 2)
	var ext *resiliency.ExternalServiceError
	require.ErrorAs(t, err, &ext)
	assert.Equal(t, http.StatusBadRequest, ext.Status)
}

func TestRemoteTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := resiliency.NewEnhancedClient("zkbtc", srv.URL, resiliency.WithRetries(0))
	a := New(client, true, WithTimeout(30*time.Millisecond))

	_, via, err := a.Generate(context.Background(), "stream_1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, resiliency.ViaMock, via)
}
