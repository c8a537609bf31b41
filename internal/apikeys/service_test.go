package apikeys

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	keys []*Key
}

func (f *fakeRepo) Create(_ context.Context, key *Key) error {
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeRepo) GetByPrefixAndHash(_ context.Context, prefix, hash string) (*Key, error) {
	for _, k := range f.keys {
		if k.KeyPrefix == prefix && k.KeyHash == hash {
			return k, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) ListByUser(_ context.Context, userID uuid.UUID) ([]*Key, error) {
	var out []*Key
	for _, k := range f.keys {
		if k.UserID == userID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeRepo) UpdateStatus(_ context.Context, id, userID uuid.UUID, status Status) error {
	for _, k := range f.keys {
		if k.ID == id && k.UserID == userID {
			k.Status = status
			return nil
		}
	}
	return pgx.ErrNoRows
}

func TestGenerateAndAuthenticate(t *testing.T) {
	repo := &fakeRepo{}
	svc := NewService(repo)
	ctx := context.Background()
	userID := uuid.New()

	created, err := svc.Generate(ctx, userID, "ci-key", nil)
	require.NoError(t, err)
	assert.Equal(t, created.Secret[:8], created.Key.KeyPrefix)
	assert.Equal(t, HashKey(created.Secret), created.Key.KeyHash)
	assert.Equal(t, StatusActive, created.Key.Status)

	key, err := svc.Authenticate(ctx, created.Secret)
	require.NoError(t, err)
	assert.Equal(t, created.Key.ID, key.ID)
	assert.Equal(t, userID, key.UserID)
}

func TestAuthenticate_UnknownKey(t *testing.T) {
	svc := NewService(&fakeRepo{})

	_, err := svc.Authenticate(context.Background(), "pf_deadbeefdeadbeefdeadbeefdeadbeef")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestAuthenticate_TooShort(t *testing.T) {
	svc := NewService(&fakeRepo{})

	_, err := svc.Authenticate(context.Background(), "pf_1")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestAuthenticate_WrongSecretSamePrefix(t *testing.T) {
	repo := &fakeRepo{}
	svc := NewService(repo)
	ctx := context.Background()

	created, err := svc.Generate(ctx, uuid.New(), "k", nil)
	require.NoError(t, err)

	// Same visible prefix, different remainder: must fail identically to
	// an unknown key.
	forged := created.Secret[:8] + "0000000000000000000000000000"
	_, err = svc.Authenticate(ctx, forged)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestAuthenticate_InactiveStatuses(t *testing.T) {
	for _, status := range []Status{StatusSuspended, StatusRevoked, StatusExpired, StatusRateLimited} {
		t.Run(string(status), func(t *testing.T) {
			repo := &fakeRepo{}
			svc := NewService(repo)
			ctx := context.Background()

			created, err := svc.Generate(ctx, uuid.New(), "k", nil)
			require.NoError(t, err)
			created.Key.Status = status

			_, err = svc.Authenticate(ctx, created.Secret)
			var inactive *KeyInactiveError
			require.ErrorAs(t, err, &inactive)
			assert.Equal(t, status, inactive.Status)
		})
	}
}

func TestAuthenticate_Expired(t *testing.T) {
	repo := &fakeRepo{}
	svc := NewService(repo)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	created, err := svc.Generate(ctx, uuid.New(), "k", &past)
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, created.Secret)
	assert.ErrorIs(t, err, ErrKeyExpired)
}

func TestRevoke(t *testing.T) {
	repo := &fakeRepo{}
	svc := NewService(repo)
	ctx := context.Background()
	userID := uuid.New()

	created, err := svc.Generate(ctx, userID, "k", nil)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, created.Key.ID, userID))

	_, err = svc.Authenticate(ctx, created.Secret)
	var inactive *KeyInactiveError
	require.ErrorAs(t, err, &inactive)
	assert.Equal(t, StatusRevoked, inactive.Status)
}
