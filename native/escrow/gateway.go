package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"gigvault/core/types"
)

// Transfer is a single value movement between two accounts.
type Transfer struct {
	From   [20]byte
	To     [20]byte
	Amount *big.Int
}

// PaymentGateway abstracts moving value into and out of escrow custody.
// Apply executes the supplied transfers as one all-or-nothing batch: either
// every leg settles or none does, so a completion payout can pull the final
// tranche and pay the platform and the developer atomically.
type PaymentGateway interface {
	CustodyAddress(token string) [20]byte
	Apply(jobID uint64, token string, transfers []Transfer) error
}

// CustodyAddress derives the deterministic vault address holding escrowed
// funds for a token. Deriving per token keeps custody balances auditable
// without an extra registry.
func CustodyAddress(token string) [20]byte {
	normalized, err := NormalizeToken(token)
	if err != nil {
		normalized = token
	}
	digest := ethcrypto.Keccak256([]byte("gigvault/escrow/vault/" + normalized))
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr
}

// AccountState is the slice of ledger behaviour the gateway needs: load and
// store token balance tables by address.
type AccountState interface {
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, acc *types.Account) error
}

// LedgerGateway settles transfers against accounts held in the job ledger.
// Every balance check runs against a scratch copy before anything persists,
// so an underfunded leg rejects the whole batch with no partial movement.
// Batches are serialized gateway-wide: the engine's per-job locks do not
// cover accounts shared across jobs (a client wallet, the custody vault),
// so the balance read-modify-write must not interleave between batches.
type LedgerGateway struct {
	mu    sync.Mutex
	state AccountState
}

// NewLedgerGateway wires a gateway to the supplied account state.
func NewLedgerGateway(state AccountState) *LedgerGateway {
	return &LedgerGateway{state: state}
}

// CustodyAddress implements PaymentGateway.
func (g *LedgerGateway) CustodyAddress(token string) [20]byte {
	return CustodyAddress(token)
}

// Apply implements PaymentGateway.
func (g *LedgerGateway) Apply(jobID uint64, token string, transfers []Transfer) error {
	if g == nil || g.state == nil {
		return fmt.Errorf("escrow: payment gateway state not configured")
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	scratch := make(map[[20]byte]*types.Account)
	originals := make(map[[20]byte]*types.Account)
	load := func(addr [20]byte) (*types.Account, error) {
		if acc, ok := scratch[addr]; ok {
			return acc, nil
		}
		acc, err := g.state.GetAccount(addr)
		if err != nil {
			return nil, err
		}
		if acc == nil {
			acc = types.NewAccount()
		}
		originals[addr] = acc.Clone()
		clone := acc.Clone()
		scratch[addr] = clone
		return clone, nil
	}
	for _, tr := range transfers {
		if tr.Amount == nil || tr.Amount.Sign() < 0 {
			return fmt.Errorf("escrow: job %d: negative transfer amount", jobID)
		}
		if tr.Amount.Sign() == 0 {
			continue
		}
		from, err := load(tr.From)
		if err != nil {
			return err
		}
		to, err := load(tr.To)
		if err != nil {
			return err
		}
		balance := from.Balance(normalized)
		if balance.Cmp(tr.Amount) < 0 {
			return fmt.Errorf("escrow: job %d: insufficient %s balance", jobID, normalized)
		}
		from.SetBalance(normalized, balance.Sub(balance, tr.Amount))
		to.SetBalance(normalized, new(big.Int).Add(to.Balance(normalized), tr.Amount))
	}
	written := make([][20]byte, 0, len(scratch))
	for addr, acc := range scratch {
		if err := g.state.PutAccount(addr, acc); err != nil {
			// Undo the accounts persisted so far; a half-committed batch
			// breaks conservation.
			errs := []error{err}
			for _, prev := range written {
				if restoreErr := g.state.PutAccount(prev, originals[prev]); restoreErr != nil {
					errs = append(errs, restoreErr)
				}
			}
			return errors.Join(errs...)
		}
		written = append(written, addr)
	}
	return nil
}
