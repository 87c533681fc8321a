package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/internal/testutil"
	"github.com/giantswarm/oauth-core/storage"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, nil), mr
}

func TestPing(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Ping(context.Background()))
}

func TestClientLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	client := testutil.GenerateTestClient()
	client.RegisteredBy = "registrar-1"
	require.NoError(t, store.SaveClient(ctx, client))

	got, err := store.GetClient(ctx, client.ClientID)
	require.NoError(t, err)
	assert.Equal(t, client.ClientID, got.ClientID)
	assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
	assert.Equal(t, client.GrantTypes, got.GrantTypes)
	assert.Equal(t, "registrar-1", got.RegisteredBy)

	require.NoError(t, store.DeleteClient(ctx, client.ClientID))

	_, err = store.GetClient(ctx, client.ClientID)
	assert.ErrorIs(t, err, storage.ErrClientNotFound)

	// Deleting again is a no-op
	require.NoError(t, store.DeleteClient(ctx, client.ClientID))
}

func TestValidateClientSecret(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	client := testutil.GenerateTestClient()
	require.NoError(t, store.SaveClient(ctx, client))
	public := testutil.GenerateTestPublicClient()
	require.NoError(t, store.SaveClient(ctx, public))

	assert.NoError(t, store.ValidateClientSecret(ctx, client.ClientID, testutil.TestClientSecret))
	assert.ErrorIs(t, store.ValidateClientSecret(ctx, client.ClientID, "wrong"), storage.ErrInvalidClientSecret)
	assert.ErrorIs(t, store.ValidateClientSecret(ctx, "unknown", "whatever"), storage.ErrInvalidClientSecret)
	assert.NoError(t, store.ValidateClientSecret(ctx, public.ClientID, ""))
	assert.ErrorIs(t, store.ValidateClientSecret(ctx, public.ClientID, "surprise"), storage.ErrInvalidClientSecret)
}

func TestListClients(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		client := testutil.GenerateTestClient()
		client.ClientID = testutil.GenerateRandomString(16)
		require.NoError(t, store.SaveClient(ctx, client))
	}

	clients, err := store.ListClients(ctx)
	require.NoError(t, err)
	assert.Len(t, clients, 3)
}

func TestCheckRegistrarQuota(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		client := testutil.GenerateTestClient()
		client.ClientID = testutil.GenerateRandomString(16)
		client.RegisteredBy = "registrar-1"
		require.NoError(t, store.SaveClient(ctx, client))
	}

	assert.NoError(t, store.CheckRegistrarQuota(ctx, "registrar-1", 3))
	assert.ErrorIs(t, store.CheckRegistrarQuota(ctx, "registrar-1", 2), storage.ErrRegistrationQuotaExceeded)
	assert.NoError(t, store.CheckRegistrarQuota(ctx, "registrar-2", 2))
	assert.NoError(t, store.CheckRegistrarQuota(ctx, "registrar-1", 0), "zero limit means unlimited")
}

func TestAuthorizationCodeConsume(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	code := testutil.GenerateTestAuthorizationCode()
	require.NoError(t, store.SaveAuthorizationCode(ctx, code))

	got, err := store.GetAuthorizationCode(ctx, code.Code)
	require.NoError(t, err)
	assert.False(t, got.Used)
	assert.Equal(t, code.CodeChallenge, got.CodeChallenge)

	consumed, err := store.AtomicConsumeAuthorizationCode(ctx, code.Code)
	require.NoError(t, err)
	assert.True(t, consumed.Used)
	assert.Equal(t, code.UserID, consumed.UserID)

	// Second consume is reuse and returns the record for the cascade
	reused, err := store.AtomicConsumeAuthorizationCode(ctx, code.Code)
	assert.ErrorIs(t, err, storage.ErrCodeUsed)
	require.NotNil(t, reused)
	assert.Equal(t, code.ClientID, reused.ClientID)
}

func TestAuthorizationCodeExpiry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	code := testutil.GenerateTestAuthorizationCode()
	code.ExpiresAt = time.Now().Add(time.Minute)
	require.NoError(t, store.SaveAuthorizationCode(ctx, code))

	mr.FastForward(2 * time.Minute)

	_, err := store.GetAuthorizationCode(ctx, code.Code)
	assert.ErrorIs(t, err, storage.ErrCodeNotFound)

	_, err = store.AtomicConsumeAuthorizationCode(ctx, code.Code)
	assert.ErrorIs(t, err, storage.ErrCodeNotFound)
}

func TestSaveExpiredCodeRejected(t *testing.T) {
	store, _ := newTestStore(t)

	code := testutil.GenerateTestAuthorizationCode()
	code.ExpiresAt = time.Now().Add(-time.Minute)
	assert.Error(t, store.SaveAuthorizationCode(context.Background(), code))
}

func TestDeleteAuthorizationCode(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	code := testutil.GenerateTestAuthorizationCode()
	require.NoError(t, store.SaveAuthorizationCode(ctx, code))
	require.NoError(t, store.DeleteAuthorizationCode(ctx, code.Code))

	_, err := store.GetAuthorizationCode(ctx, code.Code)
	assert.ErrorIs(t, err, storage.ErrCodeNotFound)
}

func newAccessToken(familyID string) *storage.AccessToken {
	return &storage.AccessToken{
		ID:        testutil.GenerateRandomString(16),
		Token:     testutil.GenerateRandomString(43),
		ClientID:  "client-1",
		UserID:    "user-1",
		Scope:     "read",
		FamilyID:  familyID,
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func newRefreshToken(familyID string, generation int) *storage.RefreshToken {
	return &storage.RefreshToken{
		ID:         testutil.GenerateRandomString(16),
		Token:      testutil.GenerateRandomString(43),
		ClientID:   "client-1",
		UserID:     "user-1",
		Scope:      "read",
		FamilyID:   familyID,
		Generation: generation,
		IssuedAt:   time.Now(),
		ExpiresAt:  time.Now().Add(24 * time.Hour),
	}
}

func TestAccessTokenLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	token := newAccessToken("")
	require.NoError(t, store.SaveAccessToken(ctx, token))

	got, err := store.GetAccessToken(ctx, token.Token)
	require.NoError(t, err)
	assert.Equal(t, token.ID, got.ID)
	assert.False(t, got.Revoked)

	require.NoError(t, store.RevokeAccessToken(ctx, token.Token))

	got, err = store.GetAccessToken(ctx, token.Token)
	require.NoError(t, err)
	assert.True(t, got.Revoked)

	// Unknown token revocation is not an error
	assert.NoError(t, store.RevokeAccessToken(ctx, "no-such-token"))
}

func TestAccessTokenExpiry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	token := newAccessToken("")
	token.ExpiresAt = time.Now().Add(time.Minute)
	require.NoError(t, store.SaveAccessToken(ctx, token))

	mr.FastForward(2 * time.Minute)

	_, err := store.GetAccessToken(ctx, token.Token)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func TestRefreshTokenRotation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	token := newRefreshToken("fam-1", 0)
	require.NoError(t, store.SaveRefreshToken(ctx, token))

	rotated, err := store.AtomicRotateRefreshToken(ctx, token.Token)
	require.NoError(t, err)
	assert.True(t, rotated.Rotated)
	assert.Equal(t, "fam-1", rotated.FamilyID)

	reused, err := store.AtomicRotateRefreshToken(ctx, token.Token)
	assert.ErrorIs(t, err, storage.ErrRefreshTokenRotated)
	require.NotNil(t, reused)
	assert.Equal(t, "fam-1", reused.FamilyID)
}

func TestRefreshTokenRequiresFamily(t *testing.T) {
	store, _ := newTestStore(t)

	token := newRefreshToken("", 0)
	assert.Error(t, store.SaveRefreshToken(context.Background(), token))
}

func TestRevokeTokenFamily(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rt1 := newRefreshToken("fam-1", 0)
	rt2 := newRefreshToken("fam-1", 1)
	at := newAccessToken("fam-1")
	other := newRefreshToken("fam-2", 0)

	require.NoError(t, store.SaveRefreshToken(ctx, rt1))
	require.NoError(t, store.SaveRefreshToken(ctx, rt2))
	require.NoError(t, store.SaveAccessToken(ctx, at))
	require.NoError(t, store.SaveRefreshToken(ctx, other))

	revoked, err := store.RevokeTokenFamily(ctx, "fam-1")
	require.NoError(t, err)
	assert.Equal(t, 3, revoked)

	// Rotating a revoked member classifies as revoked, not unknown
	got, err := store.AtomicRotateRefreshToken(ctx, rt1.Token)
	assert.ErrorIs(t, err, storage.ErrRefreshTokenRevoked)
	require.NotNil(t, got)

	// Other family untouched
	_, err = store.AtomicRotateRefreshToken(ctx, other.Token)
	assert.NoError(t, err)

	// Second revocation finds nothing live
	revoked, err = store.RevokeTokenFamily(ctx, "fam-1")
	require.NoError(t, err)
	assert.Equal(t, 0, revoked)
}

func TestRevokeAllForUserClient(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	mine := newAccessToken("")
	rt := newRefreshToken("fam-1", 0)
	foreign := newAccessToken("")
	foreign.UserID = "user-2"

	require.NoError(t, store.SaveAccessToken(ctx, mine))
	require.NoError(t, store.SaveRefreshToken(ctx, rt))
	require.NoError(t, store.SaveAccessToken(ctx, foreign))

	revoked, err := store.RevokeAllForUserClient(ctx, "user-1", "client-1")
	require.NoError(t, err)
	assert.Equal(t, 2, revoked)

	got, err := store.GetAccessToken(ctx, foreign.Token)
	require.NoError(t, err)
	assert.False(t, got.Revoked)
}

func TestRevokedRefreshTokenSurvivesNominalExpiry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	token := newRefreshToken("fam-1", 0)
	token.ExpiresAt = time.Now().Add(time.Hour)
	require.NoError(t, store.SaveRefreshToken(ctx, token))

	_, err := store.RevokeTokenFamily(ctx, "fam-1")
	require.NoError(t, err)

	// Past nominal expiry but inside the retention window the record still
	// classifies as revoked rather than unknown
	mr.FastForward(2 * time.Hour)

	_, err = store.AtomicRotateRefreshToken(ctx, token.Token)
	assert.ErrorIs(t, err, storage.ErrRefreshTokenRevoked)
}

func TestRotateExpiredInsideRetention(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// The key outlives nominal expiry by the retention window; rotation of a
	// token past its nominal expiry must classify as unknown, not succeed.
	token := newRefreshToken("fam-1", 0)
	token.ExpiresAt = time.Now().Add(50 * time.Millisecond)
	require.NoError(t, store.SaveRefreshToken(ctx, token))

	time.Sleep(100 * time.Millisecond)

	_, err := store.AtomicRotateRefreshToken(ctx, token.Token)
	assert.ErrorIs(t, err, storage.ErrRefreshTokenNotFound)
}

func TestStorageOperationsEmitSpans(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	recorder := tracetest.NewSpanRecorder()
	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:   "test",
		Enabled:       true,
		SpanProcessor: recorder,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })
	store.SetInstrumentation(inst)

	client := testutil.GenerateTestClient()
	require.NoError(t, store.SaveClient(ctx, client))
	_, err = store.GetClient(ctx, client.ClientID)
	require.NoError(t, err)
	require.NoError(t, store.DeleteClient(ctx, client.ClientID))
	// Deleting a missing client still ends its span.
	require.NoError(t, store.DeleteClient(ctx, client.ClientID))

	names := make([]string, 0)
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	// DeleteClient loads the client first, so each delete nests a get_client
	// span that ends before its own.
	assert.Equal(t, []string{
		"storage.save_client",
		"storage.get_client",
		"storage.get_client",
		"storage.delete_client",
		"storage.get_client",
		"storage.delete_client",
	}, names)
}
