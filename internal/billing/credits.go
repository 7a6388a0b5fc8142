// Package billing holds the credit ledger and the Stripe checkout and
// webhook plumbing behind the query API.
package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	// ErrInsufficientCredits is returned by Deduct when the balance is below one.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrUnknownUser is returned when the ledger has no such user.
	ErrUnknownUser = errors.New("unknown user")
)

// Credits is the per-user query ledger.
type Credits interface {
	Balance(ctx context.Context, userID string) (int, error)
	// Deduct takes one credit and returns the new balance.
	Deduct(ctx context.Context, userID string) (int, error)
	// Add credits a purchase. amountCents is the amount paid.
	Add(ctx context.Context, userID string, credits int, amountCents int64) error
}

// Account mirrors the public metadata kept for each user.
type Account struct {
	Credits      int        `json:"credits"`
	TotalQueries int        `json:"totalQueries"`
	TotalSpent   float64    `json:"totalSpent"`
	LastQuery    *time.Time `json:"lastQuery,omitempty"`
	LastPurchase *time.Time `json:"lastPurchase,omitempty"`
}

// MemoryCredits is an in-process ledger for development and tests. Unknown
// users start with the configured balance.
type MemoryCredits struct {
	mu       sync.Mutex
	accounts map[string]*Account
	starting int
	clock    clock.Clock
}

func NewMemoryCredits(starting int, clk clock.Clock) *MemoryCredits {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryCredits{accounts: make(map[string]*Account), starting: starting, clock: clk}
}

func (m *MemoryCredits) account(userID string) *Account {
	a, ok := m.accounts[userID]
	if !ok {
		a = &Account{Credits: m.starting}
		m.accounts[userID] = a
	}
	return a
}

func (m *MemoryCredits) Balance(_ context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrUnknownUser
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.account(userID).Credits, nil
}

func (m *MemoryCredits) Deduct(_ context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrUnknownUser
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.account(userID)
	if a.Credits < 1 {
		return a.Credits, ErrInsufficientCredits
	}
	now := m.clock.Now()
	a.Credits--
	a.TotalQueries++
	a.LastQuery = &now
	return a.Credits, nil
}

func (m *MemoryCredits) Add(_ context.Context, userID string, credits int, amountCents int64) error {
	if userID == "" {
		return ErrUnknownUser
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.account(userID)
	now := m.clock.Now()
	a.Credits += credits
	a.TotalSpent += float64(amountCents) / 100
	a.LastPurchase = &now
	return nil
}

// Account returns a copy of the user's account.
func (m *MemoryCredits) Account(userID string) Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.account(userID)
}
