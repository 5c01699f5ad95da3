package credentials

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/store"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/transport"
)

func newCipher(t *testing.T) *Cipher {
	t.Helper()
	encoded, err := GenerateKey()
	require.NoError(t, err)
	key, err := ParseKey(encoded)
	require.NoError(t, err)
	c, err := NewCipher(key)
	require.NoError(t, err)
	return c
}

func TestCipher_SealOpen(t *testing.T) {
	t.Parallel()
	c := newCipher(t)

	sealed, err := c.Seal("u1", "hr@example.com", []byte("app-pass"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "app-pass")

	plain, err := c.Open("u1", "HR@example.com", sealed)
	require.NoError(t, err)
	assert.Equal(t, "app-pass", string(plain))

	again, err := c.Seal("u1", "hr@example.com", []byte("app-pass"))
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again)
}

func TestCipher_RejectsMovedOrTamperedSecret(t *testing.T) {
	t.Parallel()
	c := newCipher(t)
	sealed, err := c.Seal("u1", "hr@example.com", []byte("app-pass"))
	require.NoError(t, err)

	_, err = c.Open("u2", "hr@example.com", sealed)
	require.Error(t, err)

	sealed[len(sealed)-1] ^= 0xff
	_, err = c.Open("u1", "hr@example.com", sealed)
	require.Error(t, err)

	_, err = c.Open("u1", "hr@example.com", []byte("short"))
	require.ErrorIs(t, err, ErrSealedTooShort)
}

func TestParseKey(t *testing.T) {
	t.Parallel()
	_, err := ParseKey(base64.StdEncoding.EncodeToString([]byte("too short")))
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = ParseKey("%%%")
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = NewCipher(make([]byte, 8))
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestStatic(t *testing.T) {
	t.Parallel()
	s := Static{Credential: transport.Credential{Email: "hr@example.com", Secret: "x"}}
	ctx := context.Background()

	cred, err := s.Resolve(ctx, "anyone", "")
	require.NoError(t, err)
	assert.Equal(t, "hr@example.com", cred.Email)

	_, err = s.Resolve(ctx, "anyone", "HR@Example.com")
	require.NoError(t, err)

	_, err = s.Resolve(ctx, "anyone", "other@example.com")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = Static{}.Resolve(ctx, "anyone", "")
	require.ErrorIs(t, err, ErrNotFound)
}

func openResolver(t *testing.T) *StoreResolver {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenSQLite(ctx, "")
	require.NoError(t, err)
	require.NoError(t, db.EnsureSchema(ctx))
	t.Cleanup(func() { _ = db.Close() })
	return NewStoreResolver(db, newCipher(t))
}

func TestStoreResolver_AddAndResolve(t *testing.T) {
	t.Parallel()
	r := openResolver(t)
	ctx := context.Background()

	_, err := r.AddSender(ctx, "u1", " HR@Example.com ", "app-pass", true)
	require.NoError(t, err)
	_, err = r.AddSender(ctx, "u1", "ops@example.com", "ops-pass", false)
	require.NoError(t, err)

	cred, err := r.Resolve(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, transport.Credential{Email: "hr@example.com", Secret: "app-pass"}, cred)

	cred, err = r.Resolve(ctx, "u1", "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, "ops-pass", cred.Secret)

	_, err = r.Resolve(ctx, "u2", "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreResolver_AddSenderValidates(t *testing.T) {
	t.Parallel()
	r := openResolver(t)
	ctx := context.Background()

	_, err := r.AddSender(ctx, "u1", "not-an-email", "x", false)
	require.Error(t, err)
	_, err = r.AddSender(ctx, "", "hr@example.com", "x", false)
	require.Error(t, err)
	_, err = r.AddSender(ctx, "u1", "hr@example.com", "", false)
	require.Error(t, err)
}

func TestChain(t *testing.T) {
	t.Parallel()
	r := openResolver(t)
	ctx := context.Background()
	_, err := r.AddSender(ctx, "u1", "hr@example.com", "stored", true)
	require.NoError(t, err)

	chain := Chain{r, Static{Credential: transport.Credential{Email: "env@example.com", Secret: "env"}}}

	cred, err := chain.Resolve(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, "stored", cred.Secret)

	cred, err = chain.Resolve(ctx, "u2", "")
	require.NoError(t, err)
	assert.Equal(t, "env@example.com", cred.Email)

	_, err = chain.Resolve(ctx, "u2", "nobody@example.com")
	require.ErrorIs(t, err, ErrNotFound)
}
