package token

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Hook runs after a successful transfer, outside the token's lock. Tests use
// it to model a token that calls back into its recipient.
type Hook func(ctx context.Context, from, to common.Address, amount *uint256.Int) error

// MemoryToken is an in-process ERC20 ledger.
type MemoryToken struct {
	symbol     string
	balances   map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]*uint256.Int
	supply     *uint256.Int
	hook       Hook
	mu         sync.Mutex
}

// NewMemoryToken creates an empty token.
func NewMemoryToken(symbol string) *MemoryToken {
	return &MemoryToken{
		symbol:     symbol,
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[common.Address]*uint256.Int),
		supply:     new(uint256.Int),
	}
}

// Symbol returns the token symbol.
func (t *MemoryToken) Symbol() string { return t.symbol }

// SetHook installs a post-transfer hook. A nil hook removes it.
func (t *MemoryToken) SetHook(h Hook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hook = h
}

// Mint credits amount to holder.
func (t *MemoryToken) Mint(holder common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	supply, overflow := new(uint256.Int).AddOverflow(t.supply, amount)
	if overflow {
		return fmt.Errorf("%w: supply overflow", ErrTransferFailed)
	}
	t.supply = supply
	t.balanceLocked(holder).Add(t.balanceLocked(holder), amount)
	return nil
}

// Approve sets spender's allowance over owner's balance.
func (t *MemoryToken) Approve(owner, spender common.Address, amount *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[common.Address]*uint256.Int)
	}
	t.allowances[owner][spender] = new(uint256.Int).Set(amount)
}

// Allowance returns spender's remaining allowance over owner's balance.
func (t *MemoryToken) Allowance(owner, spender common.Address) *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if a, ok := t.allowances[owner][spender]; ok {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int)
}

// BalanceOf returns holder's balance.
func (t *MemoryToken) BalanceOf(_ context.Context, holder common.Address) (*uint256.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(uint256.Int).Set(t.balanceLocked(holder)), nil
}

// TotalSupply returns the minted supply.
func (t *MemoryToken) TotalSupply() *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(uint256.Int).Set(t.supply)
}

// As binds msg.sender to holder and returns a handle implementing Transferer
// and Puller.
func (t *MemoryToken) As(holder common.Address) *Signer {
	return &Signer{token: t, sender: holder}
}

func (t *MemoryToken) balanceLocked(holder common.Address) *uint256.Int {
	b, ok := t.balances[holder]
	if !ok {
		b = new(uint256.Int)
		t.balances[holder] = b
	}
	return b
}

func (t *MemoryToken) move(ctx context.Context, spender, from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return &TransferError{Op: "transfer", Err: ErrInvalidAddress}
	}

	t.mu.Lock()
	if spender != from {
		allowance := t.allowances[from][spender]
		if allowance == nil || allowance.Lt(amount) {
			t.mu.Unlock()
			return &TransferError{Op: "transferFrom", Err: ErrInsufficientAllowance}
		}
		allowance.Sub(allowance, amount)
	}

	fromBal := t.balanceLocked(from)
	if fromBal.Lt(amount) {
		if spender != from {
			t.allowances[from][spender].Add(t.allowances[from][spender], amount)
		}
		t.mu.Unlock()
		return &TransferError{Op: "transfer", Err: ErrInsufficientBalance}
	}
	fromBal.Sub(fromBal, amount)
	t.balanceLocked(to).Add(t.balanceLocked(to), amount)
	hook := t.hook
	t.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, from, to, amount); err != nil {
			t.mu.Lock()
			t.balanceLocked(to).Sub(t.balanceLocked(to), amount)
			t.balanceLocked(from).Add(t.balanceLocked(from), amount)
			if spender != from {
				t.allowances[from][spender].Add(t.allowances[from][spender], amount)
			}
			t.mu.Unlock()
			return &TransferError{Op: "hook", Err: err}
		}
	}
	return nil
}

// Signer is a MemoryToken handle acting as one holder.
type Signer struct {
	token  *MemoryToken
	sender common.Address
}

var (
	_ Transferer    = (*Signer)(nil)
	_ Puller        = (*Signer)(nil)
	_ BalanceReader = (*MemoryToken)(nil)
)

// Address returns the bound holder.
func (s *Signer) Address() common.Address { return s.sender }

// Transfer moves amount from the bound holder to to.
func (s *Signer) Transfer(ctx context.Context, to common.Address, amount *uint256.Int) error {
	return s.token.move(ctx, s.sender, s.sender, to, amount)
}

// TransferFrom moves amount from from to to using the bound holder's allowance.
func (s *Signer) TransferFrom(ctx context.Context, from, to common.Address, amount *uint256.Int) error {
	return s.token.move(ctx, s.sender, from, to, amount)
}

// Approve grants spender an allowance over the bound holder's balance.
func (s *Signer) Approve(spender common.Address, amount *uint256.Int) {
	s.token.Approve(s.sender, spender, amount)
}
