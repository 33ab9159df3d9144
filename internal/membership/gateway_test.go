package membership

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/hylozoic/entitlements/internal/errors"
)

func TestHTTPGatewayRequests(t *testing.T) {
	var gotPath string
	var gotAuth string
	var gotBody membershipRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, "token-123", time.Second)
	ctx := context.Background()

	require.NoError(t, g.EnsureMembership(ctx, 42, 7, 11, 0))
	assert.Equal(t, "/internal/memberships/ensure", gotPath)
	assert.Equal(t, "Bearer token-123", gotAuth)
	assert.Equal(t, int64(42), gotBody.UserID)
	assert.Equal(t, int64(11), gotBody.TrackID)

	require.NoError(t, g.AcceptAgreements(ctx, 42, 7))
	assert.Equal(t, "/internal/memberships/accept-agreements", gotPath)

	require.NoError(t, g.PinToNav(ctx, 42, 7))
	assert.Equal(t, "/internal/memberships/pin", gotPath)

	require.NoError(t, g.RemoveMembership(ctx, 42, 7, 0, 5))
	assert.Equal(t, "/internal/memberships/remove", gotPath)
	assert.Equal(t, int64(5), gotBody.RoleID)
}

func TestHTTPGatewayUpstreamErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, "", time.Second)
	err := g.EnsureMembership(context.Background(), 42, 7, 0, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrUpstreamTransient))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestHTTPGatewayConnectionFailure(t *testing.T) {
	g := NewHTTPGateway("http://127.0.0.1:1", "", 200*time.Millisecond)
	err := g.PinToNav(context.Background(), 42, 7)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrUpstreamTransient))
}
