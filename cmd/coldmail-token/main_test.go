package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/auth"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/config"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/credentials"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/store"
)

func TestIssue(t *testing.T) {
	cfg := config.Config{AuthSecret: "s3cret", AuthMaxAge: time.Hour}
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, []string{"issue", "-user", "u1"}, &out))

	manager, err := auth.New("s3cret", time.Hour)
	require.NoError(t, err)
	userID, err := manager.Parse(strings.TrimSpace(out.String()), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
}

func TestIssueRequiresSecret(t *testing.T) {
	err := run(context.Background(), config.Config{AuthMaxAge: time.Hour}, []string{"issue", "-user", "u1"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "AUTH_SECRET")
}

func TestAddSender(t *testing.T) {
	ctx := context.Background()
	var keyOut bytes.Buffer
	require.NoError(t, run(ctx, config.Config{}, []string{"generate-key"}, &keyOut))

	cfg := config.Config{
		DBPath:         filepath.Join(t.TempDir(), "coldmail.db"),
		CredentialsKey: strings.TrimSpace(keyOut.String()),
	}
	var out bytes.Buffer
	require.NoError(t, run(ctx, cfg, []string{"add-sender", "-user", "u1", "-email", "HR@Example.com", "-secret", "app-pass", "-default"}, &out))
	assert.Contains(t, out.String(), "stored for u1")

	db, err := store.OpenSQLite(ctx, cfg.DBPath)
	require.NoError(t, err)
	defer db.Close()
	key, err := credentials.ParseKey(cfg.CredentialsKey)
	require.NoError(t, err)
	cipher, err := credentials.NewCipher(key)
	require.NoError(t, err)

	cred, err := credentials.NewStoreResolver(db, cipher).Resolve(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, "hr@example.com", cred.Email)
	assert.Equal(t, "app-pass", cred.Secret)
}

func TestUnknownCommand(t *testing.T) {
	assert.ErrorContains(t, run(context.Background(), config.Config{}, []string{"nope"}, &bytes.Buffer{}), "unknown command")
	assert.ErrorContains(t, run(context.Background(), config.Config{}, nil, &bytes.Buffer{}), "missing command")
}
