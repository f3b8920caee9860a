// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dex

import (
	"bytes"
	"fmt"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
	ethtypes "github.com/luxfi/geth/core/types"

	"github.com/parsdao/broker/contract"
)

// Storage key prefixes for factory state
var (
	poolByKeyPrefix  = []byte("fpool")
	poolMetaPrefix   = []byte("fmeta")
	poolCountKey     = contract.StorageKey([]byte("fcount"))
	totalSwapsKey    = contract.StorageKey([]byte("fswaps"))
	poolCreatedTopic = common.BytesToHash(crypto.Keccak256([]byte("PoolCreated(address,address,uint24,address)")))
)

// Factory deploys pools at deterministic CREATE2 addresses. Every pool's
// address can be recomputed by anyone from the factory address, the init
// code hash and the pool key, which is what callback authorization relies on.
type Factory struct {
	Address      common.Address
	InitCodeHash common.Hash
}

// NewFactory returns a factory handle. The factory keeps all of its state in
// the StateDB under addr.
func NewFactory(addr common.Address, initCodeHash common.Hash) *Factory {
	return &Factory{Address: addr, InitCodeHash: initCodeHash}
}

// SortTokens orders a pair the way pools store it.
func SortTokens(a, b common.Address) (common.Address, common.Address) {
	if bytes.Compare(a.Bytes(), b.Bytes()) < 0 {
		return a, b
	}
	return b, a
}

// NewPoolKey builds the sorted key for a pair and fee.
func NewPoolKey(a, b common.Address, fee uint24) PoolKey {
	t0, t1 := SortTokens(a, b)
	return PoolKey{Token0: t0, Token1: t1, Fee: fee}
}

// ComputePoolAddress derives
//
//	keccak256(0xff ++ factory ++ keccak256(abi.encode(token0, token1, fee)) ++ initCodeHash)[12:]
//
// Token order does not matter.
func ComputePoolAddress(factory common.Address, initCodeHash common.Hash, tokenA, tokenB common.Address, fee uint24) common.Address {
	key := NewPoolKey(tokenA, tokenB, fee)
	salt := crypto.Keccak256(key.Salt())

	pre := make([]byte, 0, 1+common.AddressLength+32+32)
	pre = append(pre, 0xff)
	pre = append(pre, factory.Bytes()...)
	pre = append(pre, salt...)
	pre = append(pre, initCodeHash.Bytes()...)
	return common.BytesToAddress(crypto.Keccak256(pre)[12:])
}

// PoolAddress is ComputePoolAddress bound to this factory.
func (f *Factory) PoolAddress(tokenA, tokenB common.Address, fee uint24) common.Address {
	return ComputePoolAddress(f.Address, f.InitCodeHash, tokenA, tokenB, fee)
}

// CreatePool deploys the pool for (tokenA, tokenB, fee).
func (f *Factory) CreatePool(state contract.StateDB, tokenA, tokenB common.Address, fee uint24) (*Pool, error) {
	if tokenA == tokenB {
		return nil, ErrIdenticalTokens
	}
	if tokenA == (common.Address{}) || tokenB == (common.Address{}) {
		return nil, ErrZeroToken
	}
	if !ValidFee(fee) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFee, fee)
	}

	key := NewPoolKey(tokenA, tokenB, fee)
	id := key.ID()
	slot := contract.StorageKey(poolByKeyPrefix, id[:])
	if contract.GetAddress(state, f.Address, slot) != (common.Address{}) {
		return nil, fmt.Errorf("%w: %s/%s fee %d", ErrPoolExists, key.Token0.Hex(), key.Token1.Hex(), fee)
	}

	addr := f.PoolAddress(key.Token0, key.Token1, fee)
	if !state.Exist(addr) {
		state.CreateAccount(addr)
	}
	contract.SetAddress(state, f.Address, slot, addr)
	f.setMeta(state, addr, key)
	contract.SetUint64(state, f.Address, poolCountKey, f.PoolCount(state)+1)

	state.AddLog(&ethtypes.Log{
		Address: f.Address,
		Topics: []common.Hash{
			poolCreatedTopic,
			common.BytesToHash(key.Token0.Bytes()),
			common.BytesToHash(key.Token1.Bytes()),
			common.BigToHash(bigFee(fee)),
		},
		Data:        common.LeftPadBytes(addr.Bytes(), 32),
		BlockNumber: state.GetBlockNumber(),
	})
	return f.handle(addr, key), nil
}

// PoolFor looks a pool up by its pair and fee.
func (f *Factory) PoolFor(state contract.StateDB, tokenA, tokenB common.Address, fee uint24) (*Pool, error) {
	key := NewPoolKey(tokenA, tokenB, fee)
	id := key.ID()
	addr := contract.GetAddress(state, f.Address, contract.StorageKey(poolByKeyPrefix, id[:]))
	if addr == (common.Address{}) {
		return nil, fmt.Errorf("%w: %s/%s fee %d", ErrPoolNotFound, key.Token0.Hex(), key.Token1.Hex(), fee)
	}
	return f.handle(addr, key), nil
}

// Pool looks a pool up by address.
func (f *Factory) Pool(state contract.StateDB, addr common.Address) (*Pool, error) {
	key, ok := f.meta(state, addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, addr.Hex())
	}
	return f.handle(addr, key), nil
}

// PoolCount returns the number of pools created.
func (f *Factory) PoolCount(state contract.StateDB) uint64 {
	return contract.GetUint64(state, f.Address, poolCountKey)
}

// TotalSwaps counts swaps executed across every pool of the factory.
func (f *Factory) TotalSwaps(state contract.StateDB) uint64 {
	return contract.GetUint64(state, f.Address, totalSwapsKey)
}

func (f *Factory) handle(addr common.Address, key PoolKey) *Pool {
	return &Pool{Address: addr, Key: key, factory: f}
}

func (f *Factory) setMeta(state contract.StateDB, pool common.Address, key PoolKey) {
	contract.SetAddress(state, f.Address, contract.StorageKey(poolMetaPrefix, pool.Bytes(), []byte("t0")), key.Token0)
	contract.SetAddress(state, f.Address, contract.StorageKey(poolMetaPrefix, pool.Bytes(), []byte("t1")), key.Token1)
	contract.SetUint64(state, f.Address, contract.StorageKey(poolMetaPrefix, pool.Bytes(), []byte("fee")), uint64(key.Fee))
}

func (f *Factory) meta(state contract.StateDB, pool common.Address) (PoolKey, bool) {
	t0 := contract.GetAddress(state, f.Address, contract.StorageKey(poolMetaPrefix, pool.Bytes(), []byte("t0")))
	if t0 == (common.Address{}) {
		return PoolKey{}, false
	}
	return PoolKey{
		Token0: t0,
		Token1: contract.GetAddress(state, f.Address, contract.StorageKey(poolMetaPrefix, pool.Bytes(), []byte("t1"))),
		Fee:    uint24(contract.GetUint64(state, f.Address, contract.StorageKey(poolMetaPrefix, pool.Bytes(), []byte("fee")))),
	}, true
}
