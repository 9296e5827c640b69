// Package assets provides in-memory currency and collateral token
// collaborators with standard transfer semantics. The vault core only issues
// transferFrom-shaped calls against the interfaces it defines; these
// implementations back tests and the simulation harness.
package assets

import (
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance = errors.New("insufficient token balance")
	ErrUnknownToken        = errors.New("unknown token")
	ErrNotOwner            = errors.New("transfer from non-owner")
)

// FungibleToken is an 18-decimal balance ledger.
type FungibleToken struct {
	mu       sync.Mutex
	symbol   string
	balances map[string]*uint256.Int
}

func NewFungibleToken(symbol string) *FungibleToken {
	return &FungibleToken{
		symbol:   symbol,
		balances: make(map[string]*uint256.Int),
	}
}

// Symbol returns the token identity used in loan terms.
func (t *FungibleToken) Symbol() string {
	return t.symbol
}

// Mint credits freshly issued balance to an account.
func (t *FungibleToken) Mint(account string, amount *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.credit(account, amount)
}

// TransferFrom moves amount between accounts, failing without side effects if
// the source balance is insufficient.
func (t *FungibleToken) TransferFrom(from, to string, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	balance, ok := t.balances[from]
	if !ok || balance.Lt(amount) {
		return fmt.Errorf("%w: %s has %s %s", ErrInsufficientBalance, from, t.symbol, balanceString(balance))
	}
	balance.Sub(balance, amount)
	t.credit(to, amount)
	return nil
}

// BalanceOf returns the account's balance.
func (t *FungibleToken) BalanceOf(account string) *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()

	balance, ok := t.balances[account]
	if !ok {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Set(balance)
}

func (t *FungibleToken) credit(account string, amount *uint256.Int) {
	balance, ok := t.balances[account]
	if !ok {
		balance = uint256.NewInt(0)
		t.balances[account] = balance
	}
	balance.Add(balance, amount)
}

func balanceString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// NFTRegistry tracks ownership of non-fungible tokens (promissory notes and
// collateral assets) keyed by "collection/tokenID".
type NFTRegistry struct {
	mu     sync.Mutex
	owners map[string]string
}

func NewNFTRegistry() *NFTRegistry {
	return &NFTRegistry{owners: make(map[string]string)}
}

func key(collection, tokenID string) string {
	return collection + "/" + tokenID
}

// Mint assigns a fresh token to an owner.
func (r *NFTRegistry) Mint(collection, tokenID, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[key(collection, tokenID)] = owner
}

// OwnerOf returns the current owner of a token.
func (r *NFTRegistry) OwnerOf(collection, tokenID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.owners[key(collection, tokenID)]
	if !ok {
		return "", ErrUnknownToken
	}
	return owner, nil
}

// TransferFrom moves ownership, failing if from is not the current owner.
func (r *NFTRegistry) TransferFrom(from, to, collection, tokenID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.owners[key(collection, tokenID)]
	if !ok {
		return ErrUnknownToken
	}
	if owner != from {
		return fmt.Errorf("%w: %s/%s owned by %s", ErrNotOwner, collection, tokenID, owner)
	}
	r.owners[key(collection, tokenID)] = to
	return nil
}
