// Package pairing issues short-lived codes that link a new device to an
// account.
package pairing

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"time"

	"temerio/api/internal/clock"
	"temerio/api/internal/store"
)

const (
	// Alphabet omits I, O, 0 and 1.
	Alphabet   = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	CodeLength = 6
	DefaultTTL = 10 * time.Minute
)

type codeStore interface {
	InsertPairingCode(context.Context, store.PairingCode) error
}

type Code struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Issuer struct {
	store  codeStore
	clock  clock.Clock
	ttl    time.Duration
	random io.Reader
}

func NewIssuer(s codeStore, c clock.Clock, ttl time.Duration) *Issuer {
	if c == nil {
		c = clock.Real{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{store: s, clock: c, ttl: ttl, random: rand.Reader}
}

// Issue persists a fresh code for userID. A collision with a live code
// surfaces as store.ErrConflict; the caller may simply ask again.
func (i *Issuer) Issue(ctx context.Context, userID string) (Code, error) {
	value, err := Generate(i.random)
	if err != nil {
		return Code{}, err
	}
	now := i.clock.Now().UTC()
	code := store.PairingCode{
		Code:      value,
		UserID:    userID,
		ExpiresAt: now.Add(i.ttl),
		CreatedAt: now,
	}
	if err := i.store.InsertPairingCode(ctx, code); err != nil {
		return Code{}, err
	}
	return Code{Code: code.Code, ExpiresAt: code.ExpiresAt}, nil
}

// Generate draws CodeLength characters uniformly from Alphabet.
func Generate(random io.Reader) (string, error) {
	limit := big.NewInt(int64(len(Alphabet)))
	out := make([]byte, CodeLength)
	for i := range out {
		n, err := rand.Int(random, limit)
		if err != nil {
			return "", fmt.Errorf("generate pairing code: %w", err)
		}
		out[i] = Alphabet[n.Int64()]
	}
	return string(out), nil
}
