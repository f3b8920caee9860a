// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package token implements an ERC20-style fungible token ledger kept in the
// storage of the token's own address.
package token

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
	ethtypes "github.com/luxfi/geth/core/types"

	"github.com/parsdao/broker/contract"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrZeroAddress           = errors.New("zero address")
)

var (
	// MaxUint256 is the infinite allowance; it is never decremented.
	MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	TransferEventTopic = common.BytesToHash(crypto.Keccak256([]byte("Transfer(address,address,uint256)")))
	ApprovalEventTopic = common.BytesToHash(crypto.Keccak256([]byte("Approval(address,address,uint256)")))
)

var (
	balancePrefix   = []byte("erc20/bal")
	allowancePrefix = []byte("erc20/allow")
	supplyKey       = contract.StorageKey([]byte("erc20/supply"))
	decimalsKey     = contract.StorageKey([]byte("erc20/decimals"))
	deployedKey     = contract.StorageKey([]byte("erc20/deployed"))
)

// Ledger is a handle on the token stored at Address. It carries no state of
// its own, so copies are interchangeable.
type Ledger struct {
	Address common.Address
}

// At returns the ledger of the token at addr.
func At(addr common.Address) Ledger {
	return Ledger{Address: addr}
}

// Deploy marks addr as a token with the given decimals.
func Deploy(state contract.StateDB, addr common.Address, decimals uint8) Ledger {
	if !state.Exist(addr) {
		state.CreateAccount(addr)
	}
	contract.SetUint64(state, addr, decimalsKey, uint64(decimals))
	contract.SetUint64(state, addr, deployedKey, 1)
	return Ledger{Address: addr}
}

// Deployed reports whether Deploy ran for this token.
func (l Ledger) Deployed(state contract.StateDB) bool {
	return contract.GetUint64(state, l.Address, deployedKey) == 1
}

func (l Ledger) Decimals(state contract.StateDB) uint8 {
	return uint8(contract.GetUint64(state, l.Address, decimalsKey))
}

func (l Ledger) TotalSupply(state contract.StateDB) *big.Int {
	return contract.GetBig(state, l.Address, supplyKey)
}

func (l Ledger) BalanceOf(state contract.StateDB, owner common.Address) *big.Int {
	return contract.GetBig(state, l.Address, contract.StorageKey(balancePrefix, owner.Bytes()))
}

func (l Ledger) Allowance(state contract.StateDB, owner, spender common.Address) *big.Int {
	return contract.GetBig(state, l.Address, contract.StorageKey(allowancePrefix, owner.Bytes(), spender.Bytes()))
}

// Approve sets spender's allowance over owner's balance.
func (l Ledger) Approve(state contract.StateDB, owner, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if spender == (common.Address{}) {
		return ErrZeroAddress
	}
	contract.SetBig(state, l.Address, contract.StorageKey(allowancePrefix, owner.Bytes(), spender.Bytes()), amount)
	l.emit(state, ApprovalEventTopic, owner, spender, amount)
	return nil
}

// Transfer moves amount from -> to.
func (l Ledger) Transfer(state contract.StateDB, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	fromKey := contract.StorageKey(balancePrefix, from.Bytes())
	bal := contract.GetBig(state, l.Address, fromKey)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), bal, amount)
	}
	contract.SetBig(state, l.Address, fromKey, bal.Sub(bal, amount))

	toKey := contract.StorageKey(balancePrefix, to.Bytes())
	contract.SetBig(state, l.Address, toKey, new(big.Int).Add(contract.GetBig(state, l.Address, toKey), amount))
	l.emit(state, TransferEventTopic, from, to, amount)
	return nil
}

// TransferFrom moves amount from -> to on behalf of spender.
func (l Ledger) TransferFrom(state contract.StateDB, spender, from, to common.Address, amount *big.Int) error {
	if spender != from {
		if err := l.SpendAllowance(state, from, spender, amount); err != nil {
			return err
		}
	}
	return l.Transfer(state, from, to, amount)
}

// SpendAllowance consumes amount of spender's allowance over owner without
// moving tokens. Receipt tokens whose balances are scaled use it to charge
// allowances in unscaled units.
func (l Ledger) SpendAllowance(state contract.StateDB, owner, spender common.Address, amount *big.Int) error {
	key := contract.StorageKey(allowancePrefix, owner.Bytes(), spender.Bytes())
	allowed := contract.GetBig(state, l.Address, key)
	if allowed.Cmp(MaxUint256) == 0 {
		return nil
	}
	if allowed.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s allows %s %s, needs %s", ErrInsufficientAllowance, owner.Hex(), spender.Hex(), allowed, amount)
	}
	contract.SetBig(state, l.Address, key, allowed.Sub(allowed, amount))
	return nil
}

// Mint creates amount new tokens for to.
func (l Ledger) Mint(state contract.StateDB, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	toKey := contract.StorageKey(balancePrefix, to.Bytes())
	contract.SetBig(state, l.Address, toKey, new(big.Int).Add(contract.GetBig(state, l.Address, toKey), amount))
	contract.SetBig(state, l.Address, supplyKey, new(big.Int).Add(l.TotalSupply(state), amount))
	l.emit(state, TransferEventTopic, common.Address{}, to, amount)
	return nil
}

// Burn destroys amount of from's tokens.
func (l Ledger) Burn(state contract.StateDB, from common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	fromKey := contract.StorageKey(balancePrefix, from.Bytes())
	bal := contract.GetBig(state, l.Address, fromKey)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, burning %s", ErrInsufficientBalance, from.Hex(), bal, amount)
	}
	contract.SetBig(state, l.Address, fromKey, bal.Sub(bal, amount))
	contract.SetBig(state, l.Address, supplyKey, new(big.Int).Sub(l.TotalSupply(state), amount))
	l.emit(state, TransferEventTopic, from, common.Address{}, amount)
	return nil
}

func (l Ledger) emit(state contract.StateDB, topic common.Hash, a, b common.Address, amount *big.Int) {
	state.AddLog(&ethtypes.Log{
		Address: l.Address,
		Topics: []common.Hash{
			topic,
			common.BytesToHash(a.Bytes()),
			common.BytesToHash(b.Bytes()),
		},
		Data:        common.LeftPadBytes(amount.Bytes(), 32),
		BlockNumber: state.GetBlockNumber(),
	})
}
