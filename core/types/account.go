package types

import (
	"math/big"
	"sort"
	"strings"
)

// Account tracks the balances held by a single address, keyed by token
// symbol. Party wallets and the escrow custody vaults share this shape so a
// settlement is nothing more than balance movements between accounts.
type Account struct {
	Balances map[string]*big.Int `json:"balances"`
}

// NewAccount returns an account with an empty balance table.
func NewAccount() *Account {
	return &Account{Balances: make(map[string]*big.Int)}
}

// Balance returns the balance held for token. Missing entries read as zero.
// The returned value is a copy and safe to mutate.
func (a *Account) Balance(token string) *big.Int {
	if a == nil || a.Balances == nil {
		return big.NewInt(0)
	}
	bal, ok := a.Balances[normalize(token)]
	if !ok || bal == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(bal)
}

// SetBalance overwrites the balance for token. Nil is stored as zero.
func (a *Account) SetBalance(token string, amount *big.Int) {
	if a.Balances == nil {
		a.Balances = make(map[string]*big.Int)
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	a.Balances[normalize(token)] = new(big.Int).Set(amount)
}

// Clone returns a deep copy so callers can mutate the copy freely.
func (a *Account) Clone() *Account {
	clone := NewAccount()
	if a == nil {
		return clone
	}
	for token, bal := range a.Balances {
		if bal == nil {
			bal = big.NewInt(0)
		}
		clone.Balances[token] = new(big.Int).Set(bal)
	}
	return clone
}

// Tokens lists the token symbols with an entry on this account in a stable
// order.
func (a *Account) Tokens() []string {
	if a == nil || len(a.Balances) == 0 {
		return nil
	}
	out := make([]string, 0, len(a.Balances))
	for token := range a.Balances {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}

func normalize(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}
