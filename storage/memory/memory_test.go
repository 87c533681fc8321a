package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/internal/testutil"
	"github.com/giantswarm/oauth-core/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store := New(nil)
	t.Cleanup(store.Stop)
	return store
}

func TestClientLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	client := testutil.GenerateTestClient()
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := store.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientID != client.ClientID {
		t.Errorf("ClientID = %q, want %q", got.ClientID, client.ClientID)
	}

	// Returned record is a copy; mutating it must not affect the store
	got.ClientName = "mutated"
	again, _ := store.GetClient(ctx, client.ClientID)
	if again.ClientName == "mutated" {
		t.Error("GetClient() should return a copy")
	}

	if err := store.DeleteClient(ctx, client.ClientID); err != nil {
		t.Fatalf("DeleteClient() error = %v", err)
	}
	if _, err := store.GetClient(ctx, client.ClientID); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient() after delete error = %v, want ErrClientNotFound", err)
	}
}

func TestSaveClientRequiresID(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveClient(context.Background(), &storage.Client{}); err == nil {
		t.Error("SaveClient() with empty ID should fail")
	}
	if err := store.SaveClient(context.Background(), nil); err == nil {
		t.Error("SaveClient(nil) should fail")
	}
}

func TestValidateClientSecret(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	client := testutil.GenerateTestClient()
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	public := testutil.GenerateTestPublicClient()
	if err := store.SaveClient(ctx, public); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  error
	}{
		{"correct secret", client.ClientID, testutil.TestClientSecret, nil},
		{"wrong secret", client.ClientID, "wrong", storage.ErrInvalidClientSecret},
		{"unknown client", "no-such-client", testutil.TestClientSecret, storage.ErrInvalidClientSecret},
		{"public client without secret", public.ClientID, "", nil},
		{"public client with secret", public.ClientID, "anything", storage.ErrInvalidClientSecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.ValidateClientSecret(ctx, tt.clientID, tt.secret)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateClientSecret() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateClientSecret() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheckRegistrarQuota(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		client := testutil.GenerateTestClient()
		client.ClientID = testutil.GenerateRandomString(16)
		client.RegisteredBy = "registrar-1"
		if err := store.SaveClient(ctx, client); err != nil {
			t.Fatalf("SaveClient() error = %v", err)
		}
	}

	if err := store.CheckRegistrarQuota(ctx, "registrar-1", 5); err != nil {
		t.Errorf("quota not reached, error = %v", err)
	}
	if err := store.CheckRegistrarQuota(ctx, "registrar-1", 3); !errors.Is(err, storage.ErrRegistrationQuotaExceeded) {
		t.Errorf("quota reached, error = %v, want ErrRegistrationQuotaExceeded", err)
	}
	if err := store.CheckRegistrarQuota(ctx, "registrar-2", 3); err != nil {
		t.Errorf("different registrar, error = %v", err)
	}
	if err := store.CheckRegistrarQuota(ctx, "registrar-1", 0); err != nil {
		t.Errorf("zero limit means unlimited, error = %v", err)
	}
}

func TestAuthorizationCodeConsume(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	code := testutil.GenerateTestAuthorizationCode()
	if err := store.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	got, err := store.AtomicConsumeAuthorizationCode(ctx, code.Code)
	if err != nil {
		t.Fatalf("first consume error = %v", err)
	}
	if !got.Used {
		t.Error("consumed code should be marked used")
	}

	// Second consume is reuse: record comes back with ErrCodeUsed
	reused, err := store.AtomicConsumeAuthorizationCode(ctx, code.Code)
	if !errors.Is(err, storage.ErrCodeUsed) {
		t.Fatalf("second consume error = %v, want ErrCodeUsed", err)
	}
	if reused == nil || reused.UserID != code.UserID {
		t.Error("reuse must return the record for revocation cascade")
	}
}

func TestAuthorizationCodeExpiry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	code := testutil.GenerateTestAuthorizationCode()
	code.ExpiresAt = time.Now().Add(-time.Minute)
	if err := store.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	if _, err := store.GetAuthorizationCode(ctx, code.Code); !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("GetAuthorizationCode() error = %v, want ErrCodeNotFound", err)
	}
	if _, err := store.AtomicConsumeAuthorizationCode(ctx, code.Code); !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("consume expired error = %v, want ErrCodeNotFound", err)
	}
}

func TestAuthorizationCodeUnknown(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.AtomicConsumeAuthorizationCode(context.Background(), "no-such-code"); !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("consume unknown error = %v, want ErrCodeNotFound", err)
	}
}

func TestConcurrentCodeConsumeSingleWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	code := testutil.GenerateTestAuthorizationCode()
	if err := store.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.AtomicConsumeAuthorizationCode(ctx, code.Code); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestAccessTokenLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	token := &storage.AccessToken{
		ID:        "at-1",
		Token:     testutil.GenerateRandomString(43),
		ClientID:  "client-1",
		UserID:    "user-1",
		Scope:     "read",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := store.SaveAccessToken(ctx, token); err != nil {
		t.Fatalf("SaveAccessToken() error = %v", err)
	}

	got, err := store.GetAccessToken(ctx, token.Token)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if got.ID != token.ID || got.Revoked {
		t.Errorf("unexpected record: %+v", got)
	}

	if err := store.RevokeAccessToken(ctx, token.Token); err != nil {
		t.Fatalf("RevokeAccessToken() error = %v", err)
	}
	got, err = store.GetAccessToken(ctx, token.Token)
	if err != nil {
		t.Fatalf("GetAccessToken() after revoke error = %v", err)
	}
	if !got.Revoked {
		t.Error("token should be revoked")
	}

	// Revoking an unknown token is not an error
	if err := store.RevokeAccessToken(ctx, "no-such-token"); err != nil {
		t.Errorf("RevokeAccessToken(unknown) error = %v", err)
	}
}

func TestAccessTokenExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	token := &storage.AccessToken{
		Token:     testutil.GenerateRandomString(43),
		ClientID:  "client-1",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := store.SaveAccessToken(ctx, token); err != nil {
		t.Fatalf("SaveAccessToken() error = %v", err)
	}

	if _, err := store.GetAccessToken(ctx, token.Token); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetAccessToken(expired) error = %v, want ErrTokenNotFound", err)
	}
}

func saveRefreshToken(t *testing.T, store *Store, familyID string, generation int) *storage.RefreshToken {
	t.Helper()
	token := &storage.RefreshToken{
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
	if err := store.SaveRefreshToken(context.Background(), token); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}
	return token
}

func TestRefreshTokenRotation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	token := saveRefreshToken(t, store, "fam-1", 0)

	got, err := store.AtomicRotateRefreshToken(ctx, token.Token)
	if err != nil {
		t.Fatalf("first rotation error = %v", err)
	}
	if !got.Rotated {
		t.Error("rotated token should be marked rotated")
	}

	// Presenting the same token again is reuse
	reused, err := store.AtomicRotateRefreshToken(ctx, token.Token)
	if !errors.Is(err, storage.ErrRefreshTokenRotated) {
		t.Fatalf("second rotation error = %v, want ErrRefreshTokenRotated", err)
	}
	if reused == nil || reused.FamilyID != "fam-1" {
		t.Error("reuse must return the record so the family can be revoked")
	}
}

func TestRefreshTokenRevokedFamily(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	token := saveRefreshToken(t, store, "fam-1", 0)

	if _, err := store.RevokeTokenFamily(ctx, "fam-1"); err != nil {
		t.Fatalf("RevokeTokenFamily() error = %v", err)
	}

	got, err := store.AtomicRotateRefreshToken(ctx, token.Token)
	if !errors.Is(err, storage.ErrRefreshTokenRevoked) {
		t.Fatalf("rotation of revoked token error = %v, want ErrRefreshTokenRevoked", err)
	}
	if got == nil || got.FamilyID != "fam-1" {
		t.Error("revoked rotation must return the record for auditing")
	}
}

func TestRevokeTokenFamilyCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	saveRefreshToken(t, store, "fam-1", 0)
	saveRefreshToken(t, store, "fam-1", 1)
	saveRefreshToken(t, store, "fam-2", 0)

	access := &storage.AccessToken{
		Token:     testutil.GenerateRandomString(43),
		ClientID:  "client-1",
		UserID:    "user-1",
		FamilyID:  "fam-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := store.SaveAccessToken(ctx, access); err != nil {
		t.Fatalf("SaveAccessToken() error = %v", err)
	}

	revoked, err := store.RevokeTokenFamily(ctx, "fam-1")
	if err != nil {
		t.Fatalf("RevokeTokenFamily() error = %v", err)
	}
	if revoked != 3 {
		t.Errorf("revoked = %d, want 3", revoked)
	}

	// Idempotent: nothing left to revoke
	revoked, err = store.RevokeTokenFamily(ctx, "fam-1")
	if err != nil {
		t.Fatalf("second RevokeTokenFamily() error = %v", err)
	}
	if revoked != 0 {
		t.Errorf("second revoked = %d, want 0", revoked)
	}
}

func TestRevokeAllForUserClient(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	saveRefreshToken(t, store, "fam-1", 0)

	otherUser := &storage.AccessToken{
		Token:     testutil.GenerateRandomString(43),
		ClientID:  "client-1",
		UserID:    "user-2",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := store.SaveAccessToken(ctx, otherUser); err != nil {
		t.Fatalf("SaveAccessToken() error = %v", err)
	}
	mine := &storage.AccessToken{
		Token:     testutil.GenerateRandomString(43),
		ClientID:  "client-1",
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := store.SaveAccessToken(ctx, mine); err != nil {
		t.Fatalf("SaveAccessToken() error = %v", err)
	}

	revoked, err := store.RevokeAllForUserClient(ctx, "user-1", "client-1")
	if err != nil {
		t.Fatalf("RevokeAllForUserClient() error = %v", err)
	}
	if revoked != 2 {
		t.Errorf("revoked = %d, want 2", revoked)
	}

	got, err := store.GetAccessToken(ctx, otherUser.Token)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if got.Revoked {
		t.Error("other user's token must not be revoked")
	}
}

func TestConcurrentRotationSingleWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	token := saveRefreshToken(t, store, "fam-1", 0)

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.AtomicRotateRefreshToken(ctx, token.Token); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestCleanup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	expiredCode := testutil.GenerateTestAuthorizationCode()
	expiredCode.ExpiresAt = time.Now().Add(-time.Minute)
	if err := store.SaveAuthorizationCode(ctx, expiredCode); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	liveCode := testutil.GenerateTestAuthorizationCode()
	if err := store.SaveAuthorizationCode(ctx, liveCode); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	expiredToken := &storage.AccessToken{
		Token:     testutil.GenerateRandomString(43),
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	if err := store.SaveAccessToken(ctx, expiredToken); err != nil {
		t.Fatalf("SaveAccessToken() error = %v", err)
	}

	// A recently revoked refresh token survives the sweep for the retention window
	revoked := saveRefreshToken(t, store, "fam-1", 0)
	if _, err := store.RevokeTokenFamily(ctx, "fam-1"); err != nil {
		t.Fatalf("RevokeTokenFamily() error = %v", err)
	}

	store.Cleanup()

	if _, err := store.GetAuthorizationCode(ctx, liveCode.Code); err != nil {
		t.Errorf("live code should survive cleanup: %v", err)
	}
	store.mu.RLock()
	codes, tokens := len(store.codes), len(store.accessTokens)
	store.mu.RUnlock()
	if codes != 1 {
		t.Errorf("codes after cleanup = %d, want 1", codes)
	}
	if tokens != 0 {
		t.Errorf("access tokens after cleanup = %d, want 0", tokens)
	}

	if _, err := store.AtomicRotateRefreshToken(ctx, revoked.Token); !errors.Is(err, storage.ErrRefreshTokenRevoked) {
		t.Errorf("revoked token should still be classified as revoked after cleanup, got %v", err)
	}
}

func TestStopIdempotent(t *testing.T) {
	store := New(nil)
	store.Stop()
	store.Stop() // must not panic
}

func TestStorageOperationsEmitSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:   "test",
		Enabled:       true,
		SpanProcessor: recorder,
	})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })

	store := newTestStore(t)
	store.SetInstrumentation(inst)
	ctx := context.Background()

	client := testutil.GenerateTestClient()
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	if _, err := store.GetClient(ctx, client.ClientID); err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if _, err := store.GetClient(ctx, "no-such-client"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Fatalf("GetClient() error = %v, want ErrClientNotFound", err)
	}

	names := make([]string, 0)
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	want := []string{"storage.save_client", "storage.get_client", "storage.get_client"}
	if len(names) != len(want) {
		t.Fatalf("ended spans = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("span[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}
