package channel

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/klistr-network/ilp-relay/internal/errs"
	"github.com/klistr-network/ilp-relay/internal/evmsig"
)

// DefaultQueryTimeout bounds every PgManager query, matching
// pkg/store.DefaultQueryTimeout so a slow Postgres instance cannot hang a
// settlement call indefinitely.
const DefaultQueryTimeout = 30 * time.Second

// PgSchema is the DDL a deployment must apply before using PgManager,
// following the same explicit-migration idiom as pkg/store.Schema: a
// constant to review and apply, not DDL run automatically from Go code.
const PgSchema = `
CREATE TABLE IF NOT EXISTS channels (
	channel_id         TEXT PRIMARY KEY,
	chain_id           BIGINT NOT NULL,
	token_network_addr TEXT NOT NULL,
	nonce              BIGINT NOT NULL,
	cumulative_amount  NUMERIC NOT NULL,
	locked_amount      NUMERIC NOT NULL
);
`

// PgManager is a Postgres-backed variant of Manager: the same
// nonce/cumulative-amount bookkeeping and EIP-712 signing (spec §4.7), but
// durable across restarts rather than held only in process memory (spec
// §9 "Channel Manager persistence variant"). Every mutating operation runs
// inside a transaction with a `SELECT ... FOR UPDATE` row lock, giving the
// same per-channel serialization Manager gets from its per-channel mutex.
type PgManager struct {
	pool       *pgxpool.Pool
	privateKey *ecdsa.PrivateKey
}

// NewPgManager wraps an already-open pool. Callers own the pool's
// lifecycle; PgManager never closes it (unlike pkg/store's PgStore, which
// opens its own pool from a PgConfig and closes it in Close).
func NewPgManager(pool *pgxpool.Pool, privateKey *ecdsa.PrivateKey) *PgManager {
	return &PgManager{pool: pool, privateKey: privateKey}
}

// Track begins tracking channelID at the given initial nonce/amount,
// upserting its row so a repeated Track call (e.g. re-announcing bootstrap
// state after a restart) is idempotent rather than erroring.
func (m *PgManager) Track(channelID string, chainID int64, tokenNetworkAddress common.Address, initialNonce uint64, initialAmount *big.Int) error {
	if chainID == 0 {
		return errs.New(errs.CategoryConfiguration, "chainId must be non-zero")
	}
	if tokenNetworkAddress == (common.Address{}) {
		return errs.New(errs.CategoryConfiguration, "tokenNetworkAddress must be non-zero")
	}
	amount := initialAmount
	if amount == nil {
		amount = big.NewInt(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultQueryTimeout)
	defer cancel()

	_, err := m.pool.Exec(ctx,
		`INSERT INTO channels (channel_id, chain_id, token_network_addr, nonce, cumulative_amount, locked_amount)
		 VALUES ($1, $2, $3, $4, $5, 0)
		 ON CONFLICT (channel_id) DO UPDATE SET
			chain_id = EXCLUDED.chain_id,
			token_network_addr = EXCLUDED.token_network_addr,
			nonce = EXCLUDED.nonce,
			cumulative_amount = EXCLUDED.cumulative_amount`,
		channelID, chainID, tokenNetworkAddress.Hex(), initialNonce, amount.String(),
	)
	if err != nil {
		return fmt.Errorf("track channel: %w", err)
	}
	return nil
}

// IsTracking reports whether channelID has a row.
func (m *PgManager) IsTracking(channelID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultQueryTimeout)
	defer cancel()

	var exists bool
	if err := m.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM channels WHERE channel_id = $1)`, channelID).Scan(&exists); err != nil {
		return false
	}
	return exists
}

// GetNonce returns channelID's current nonce, or (0, false) if untracked.
func (m *PgManager) GetNonce(channelID string) (uint64, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultQueryTimeout)
	defer cancel()

	var nonce uint64
	err := m.pool.QueryRow(ctx, `SELECT nonce FROM channels WHERE channel_id = $1`, channelID).Scan(&nonce)
	if err == pgx.ErrNoRows {
		return 0, false
	}
	if err != nil {
		return 0, false
	}
	return nonce, true
}

// GetCumulativeAmount returns channelID's current cumulative amount, or
// (nil, false) if untracked.
func (m *PgManager) GetCumulativeAmount(channelID string) (*big.Int, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultQueryTimeout)
	defer cancel()

	var amountStr string
	err := m.pool.QueryRow(ctx, `SELECT cumulative_amount::TEXT FROM channels WHERE channel_id = $1`, channelID).Scan(&amountStr)
	if err == pgx.ErrNoRows {
		return nil, false
	}
	if err != nil {
		return nil, false
	}
	amount, ok := new(big.Int).SetString(amountStr, 10)
	if !ok {
		return nil, false
	}
	return amount, true
}

// SignBalanceProof atomically increments channelID's nonce by 1, adds
// additionalAmount to its cumulative amount, and signs the resulting state
// as an EIP-712 balance proof, exactly as Manager.SignBalanceProof does,
// except the increment happens inside a row-locked transaction instead of
// under an in-process mutex.
func (m *PgManager) SignBalanceProof(channelID string, additionalAmount *big.Int) (*SignedBalanceProof, error) {
	if additionalAmount == nil || additionalAmount.Sign() < 0 {
		return nil, errs.New(errs.CategoryBadRequest, "additionalAmount must be non-negative")
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultQueryTimeout)
	defer cancel()

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("sign balance proof: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		nonce                            uint64
		chainID                          int64
		cumulativeStr, lockedStr, tnAddr string
	)
	err = tx.QueryRow(ctx,
		`SELECT nonce, chain_id, token_network_addr, cumulative_amount::TEXT, locked_amount::TEXT
		 FROM channels WHERE channel_id = $1 FOR UPDATE`,
		channelID,
	).Scan(&nonce, &chainID, &tnAddr, &cumulativeStr, &lockedStr)
	if err == pgx.ErrNoRows {
		return nil, errs.Wrap(errs.CategoryProtocol, fmt.Sprintf("channel %s is not tracked", channelID), errs.ErrUnknownChannel)
	}
	if err != nil {
		return nil, fmt.Errorf("sign balance proof: load channel: %w", err)
	}

	cumulative, ok := new(big.Int).SetString(cumulativeStr, 10)
	if !ok {
		return nil, fmt.Errorf("sign balance proof: malformed cumulative amount %q", cumulativeStr)
	}
	locked, ok := new(big.Int).SetString(lockedStr, 10)
	if !ok {
		return nil, fmt.Errorf("sign balance proof: malformed locked amount %q", lockedStr)
	}

	nonce++
	cumulative = new(big.Int).Add(cumulative, additionalAmount)

	if _, err := tx.Exec(ctx,
		`UPDATE channels SET nonce = $1, cumulative_amount = $2 WHERE channel_id = $3`,
		nonce, cumulative.String(), channelID,
	); err != nil {
		return nil, fmt.Errorf("sign balance proof: update channel: %w", err)
	}

	proof := evmsig.BalanceProof{
		ChannelID:           channelIDBytes(channelID),
		Nonce:               nonce,
		TransferredAmount:   cumulative,
		LockedAmount:        locked,
		ChainID:             chainID,
		TokenNetworkAddress: common.HexToAddress(tnAddr),
	}
	sig, err := evmsig.Sign(proof, m.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign balance proof: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("sign balance proof: commit: %w", err)
	}
	return &SignedBalanceProof{Proof: proof, Signature: sig}, nil
}
