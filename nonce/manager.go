// Package nonce implements the nonce manager (C6): reservation, release,
// and reconciliation of NEAR access-key nonces around broadcasts, plus
// block-context prefetch so the orchestrator can build transactions without
// a round trip on the hot path.
package nonce

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/web3-authn/tatchi/internal/metrics"
	"github.com/web3-authn/tatchi/walletclock"
)

// ChainClient is the minimal surface the nonce manager needs from C9 to
// fetch the current access key and a recent final block. It is injected,
// not owned.
type ChainClient interface {
	AccessKeyNonce(ctx context.Context, accountID, publicKey string) (uint64, error)
	FinalBlock(ctx context.Context) (blockHash string, blockHeight uint64, err error)
}

// BlockContext is a recent final block, cached for transaction construction.
type BlockContext struct {
	Hash      string
	Height    uint64
	ExpiresAt time.Time
}

// Reservation is an outstanding nonce that has been handed out but not yet
// confirmed or released.
type Reservation struct {
	Nonce       uint64
	ReservedAt  time.Time
}

// staleReservationAge is how long a reservation can sit unconfirmed before
// update_nonce_from_blockchain's reconciliation prunes it.
const staleReservationAge = 2 * time.Minute

// blockContextTTL bounds how long a prefetched block context is reused
// before a fresh final block is required.
const blockContextTTL = 10 * time.Second

// Manager tracks reserved nonces and the current block context for a single
// active signer. One Manager per unlocked account.
type Manager struct {
	mu sync.Mutex

	clock walletclock.Clock

	accountID       string
	currentPublicKey string
	reserved        map[uint64]Reservation
	blockContext    *BlockContext
}

// New constructs an empty nonce manager bound to clock, so reservation
// staleness and block-context TTLs can be tested without real sleeps. Call
// InitializeUser before use.
func New(clock walletclock.Clock) *Manager {
	if clock == nil {
		clock = walletclock.System{}
	}
	return &Manager{clock: clock, reserved: make(map[uint64]Reservation)}
}

// InitializeUser sets the active signer; subsequent reservations are scoped
// to this (accountID, publicKey) pair.
func (m *Manager) InitializeUser(accountID, publicKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accountID = accountID
	m.currentPublicKey = publicKey
	m.reserved = make(map[uint64]Reservation)
	m.blockContext = nil
}

// NonceAndBlockOptions configures GetNonceBlockHashAndHeight.
type NonceAndBlockOptions struct {
	// Force bypasses the cached block context and fetches a fresh one.
	Force bool
}

// NonceAndBlock bundles the reserved nonce with the block context it is
// valid against.
type NonceAndBlock struct {
	NextNonce     uint64
	TxBlockHash   string
	TxBlockHeight uint64
}

// GetNonceBlockHashAndHeight fetches the on-chain access key nonce and a
// final block in parallel (the block fetch is skipped while a cached block
// context is still fresh), reserves nextNonce = chainNonce + 1 + len(reserved),
// and returns the reservation alongside the block context to sign against.
func (m *Manager) GetNonceBlockHashAndHeight(ctx context.Context, client ChainClient, opts NonceAndBlockOptions) (NonceAndBlock, error) {
	m.mu.Lock()
	accountID, publicKey := m.accountID, m.currentPublicKey
	cached := m.blockContext
	m.mu.Unlock()

	if accountID == "" {
		return NonceAndBlock{}, fmt.Errorf("nonce manager: InitializeUser was not called")
	}

	type nonceResult struct {
		nonce uint64
		err   error
	}
	type blockResult struct {
		hash   string
		height uint64
		err    error
	}

	nonceCh := make(chan nonceResult, 1)
	blockCh := make(chan blockResult, 1)

	go func() {
		n, err := client.AccessKeyNonce(ctx, accountID, publicKey)
		nonceCh <- nonceResult{n, err}
	}()
	cacheHit := false
	go func() {
		if !opts.Force && cached != nil && m.clock.Now().Before(cached.ExpiresAt) {
			cacheHit = true
			blockCh <- blockResult{cached.Hash, cached.Height, nil}
			return
		}
		hash, height, err := client.FinalBlock(ctx)
		blockCh <- blockResult{hash, height, err}
	}()

	start := m.clock.Now()
	nr := <-nonceCh
	br := <-blockCh
	metrics.GetGlobalCollector().RecordNonceBlockContextFetch(cacheHit, m.clock.Now().Sub(start))
	if nr.err != nil {
		metrics.NonceReservationsCreated.WithLabelValues("failure").Inc()
		return NonceAndBlock{}, fmt.Errorf("nonce manager: fetch access key nonce: %w", nr.err)
	}
	if br.err != nil {
		metrics.NonceReservationsCreated.WithLabelValues("failure").Inc()
		return NonceAndBlock{}, fmt.Errorf("nonce manager: fetch final block: %w", br.err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.blockContext = &BlockContext{Hash: br.hash, Height: br.height, ExpiresAt: m.clock.Now().Add(blockContextTTL)}

	nextNonce := nr.nonce + 1 + uint64(len(m.reserved))
	m.reserved[nextNonce] = Reservation{Nonce: nextNonce, ReservedAt: m.clock.Now()}
	metrics.NonceReservationsCreated.WithLabelValues("success").Inc()

	return NonceAndBlock{NextNonce: nextNonce, TxBlockHash: br.hash, TxBlockHeight: br.height}, nil
}

// ReleaseNonce releases a single reservation, used on the catch path after
// a broadcast fails before reaching finality.
func (m *Manager) ReleaseNonce(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reserved, n)
}

// ReleaseAllNonces clears every outstanding reservation, used on logout or
// when abandoning a flow entirely.
func (m *Manager) ReleaseAllNonces() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserved = make(map[uint64]Reservation)
}

// Clear resets the manager to its zero state, including the active signer.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accountID = ""
	m.currentPublicKey = ""
	m.reserved = make(map[uint64]Reservation)
	m.blockContext = nil
}

// UpdateNonceFromBlockchain reconciles after a successful broadcast: it
// removes the confirmed reservation and prunes any reservation older than
// staleReservationAge, on the assumption those were abandoned without a
// matching ReleaseNonce call.
func (m *Manager) UpdateNonceFromBlockchain(ctx context.Context, client ChainClient, confirmed uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.reserved, confirmed)

	now := m.clock.Now()
	var pruned int
	for n, r := range m.reserved {
		if now.Sub(r.ReservedAt) > staleReservationAge {
			delete(m.reserved, n)
			pruned++
		}
	}
	if pruned > 0 {
		metrics.NonceReservationsPruned.Add(float64(pruned))
	}
	return nil
}

// PrefetchBlockheight refreshes the cached block context in the background,
// so the next GetNonceBlockHashAndHeight call can skip the network hop.
func (m *Manager) PrefetchBlockheight(ctx context.Context, client ChainClient) error {
	start := m.clock.Now()
	hash, height, err := client.FinalBlock(ctx)
	metrics.GetGlobalCollector().RecordNonceBlockContextFetch(false, m.clock.Now().Sub(start))
	if err != nil {
		return fmt.Errorf("nonce manager: prefetch block height: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockContext = &BlockContext{Hash: hash, Height: height, ExpiresAt: m.clock.Now().Add(blockContextTTL)}
	return nil
}

// ReservedCount reports the number of outstanding reservations, useful for
// diagnostics and for tests asserting reservation/release balance.
func (m *Manager) ReservedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reserved)
}
