// Package credentials resolves the sender mailbox and app password used for
// a campaign run.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/auth"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/store"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/transport"
)

var ErrNotFound = errors.New("credentials: sender not found")

// Resolver returns the decrypted credential for userID. An empty email selects
// the user's default sender.
type Resolver interface {
	Resolve(ctx context.Context, userID, email string) (transport.Credential, error)
}

// Static serves a single sender configured through the environment, for any
// user.
type Static struct {
	Credential transport.Credential
}

func (s Static) Resolve(_ context.Context, _ string, email string) (transport.Credential, error) {
	if s.Credential.Email == "" || s.Credential.Secret == "" {
		return transport.Credential{}, ErrNotFound
	}
	if email != "" && !strings.EqualFold(strings.TrimSpace(email), s.Credential.Email) {
		return transport.Credential{}, ErrNotFound
	}
	return s.Credential, nil
}

// SenderStore is the persistence used by StoreResolver. *store.SQLite
// implements it.
type SenderStore interface {
	FindSender(ctx context.Context, userID, email string) (store.SenderAccount, error)
	UpsertSender(ctx context.Context, account store.SenderAccount) (int64, error)
}

// StoreResolver reads sealed sender accounts and opens them with a Cipher.
type StoreResolver struct {
	store  SenderStore
	cipher *Cipher
	now    func() time.Time
}

func NewStoreResolver(st SenderStore, cipher *Cipher) *StoreResolver {
	return &StoreResolver{store: st, cipher: cipher, now: time.Now}
}

func (r *StoreResolver) Resolve(ctx context.Context, userID, email string) (transport.Credential, error) {
	account, err := r.store.FindSender(ctx, userID, email)
	if errors.Is(err, store.ErrNotFound) {
		return transport.Credential{}, ErrNotFound
	}
	if err != nil {
		return transport.Credential{}, fmt.Errorf("find sender: %w", err)
	}
	secret, err := r.cipher.Open(account.UserID, account.Email, account.SealedSecret)
	if err != nil {
		return transport.Credential{}, err
	}
	return transport.Credential{Email: account.Email, Secret: string(secret)}, nil
}

// AddSender seals secret and stores it as a sender account of userID.
func (r *StoreResolver) AddSender(ctx context.Context, userID, email, secret string, isDefault bool) (int64, error) {
	normalized, err := auth.NormalizeEmail(email)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(userID) == "" {
		return 0, errors.New("user id is required")
	}
	if secret == "" {
		return 0, errors.New("secret is required")
	}
	sealed, err := r.cipher.Seal(userID, normalized, []byte(secret))
	if err != nil {
		return 0, err
	}
	return r.store.UpsertSender(ctx, store.SenderAccount{
		UserID:       userID,
		Email:        normalized,
		SealedSecret: sealed,
		IsDefault:    isDefault,
		CreatedAt:    r.now().UTC(),
	})
}

// Chain tries each resolver in order and returns the first match.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, userID, email string) (transport.Credential, error) {
	for _, r := range c {
		cred, err := r.Resolve(ctx, userID, email)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return cred, err
	}
	return transport.Credential{}, ErrNotFound
}
