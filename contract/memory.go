// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package contract

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/tracing"
	ethtypes "github.com/luxfi/geth/core/types"
)

var _ StateDB = (*MemoryStateDB)(nil)

type memoryState struct {
	storage  map[common.Address]map[common.Hash]common.Hash
	balances map[common.Address]*uint256.Int
	nonces   map[common.Address]uint64
	accounts map[common.Address]struct{}
	logs     []*ethtypes.Log
}

func newMemoryState() memoryState {
	return memoryState{
		storage:  make(map[common.Address]map[common.Hash]common.Hash),
		balances: make(map[common.Address]*uint256.Int),
		nonces:   make(map[common.Address]uint64),
		accounts: make(map[common.Address]struct{}),
		logs:     make([]*ethtypes.Log, 0),
	}
}

func (s memoryState) copy() memoryState {
	cp := newMemoryState()
	for addr, slots := range s.storage {
		m := make(map[common.Hash]common.Hash, len(slots))
		for k, v := range slots {
			m[k] = v
		}
		cp.storage[addr] = m
	}
	for addr, bal := range s.balances {
		cp.balances[addr] = bal.Clone()
	}
	for addr, n := range s.nonces {
		cp.nonces[addr] = n
	}
	for addr := range s.accounts {
		cp.accounts[addr] = struct{}{}
	}
	cp.logs = append(cp.logs, s.logs...)
	return cp
}

// MemoryStateDB is an in-process StateDB. Snapshots are full copies, which
// keeps RevertToSnapshot exact at the cost of memory.
type MemoryStateDB struct {
	current     memoryState
	snapshots   []memoryState
	blockNumber uint64
}

// NewMemoryStateDB returns an empty state at block 1.
func NewMemoryStateDB() *MemoryStateDB {
	return &MemoryStateDB{
		current:     newMemoryState(),
		blockNumber: 1,
	}
}

func (m *MemoryStateDB) GetState(addr common.Address, key common.Hash) common.Hash {
	slots := m.current.storage[addr]
	if slots == nil {
		return common.Hash{}
	}
	return slots[key]
}

func (m *MemoryStateDB) SetState(addr common.Address, key, value common.Hash) common.Hash {
	slots := m.current.storage[addr]
	if slots == nil {
		slots = make(map[common.Hash]common.Hash)
		m.current.storage[addr] = slots
	}
	prev := slots[key]
	if value == (common.Hash{}) {
		delete(slots, key)
	} else {
		slots[key] = value
	}
	return prev
}

func (m *MemoryStateDB) GetBalance(addr common.Address) *uint256.Int {
	if bal, ok := m.current.balances[addr]; ok {
		return bal.Clone()
	}
	return uint256.NewInt(0)
}

func (m *MemoryStateDB) AddBalance(addr common.Address, amount *uint256.Int, _ tracing.BalanceChangeReason) uint256.Int {
	prev := m.GetBalance(addr)
	m.current.balances[addr] = new(uint256.Int).Add(prev, amount)
	return *prev
}

func (m *MemoryStateDB) SubBalance(addr common.Address, amount *uint256.Int, _ tracing.BalanceChangeReason) uint256.Int {
	prev := m.GetBalance(addr)
	m.current.balances[addr] = new(uint256.Int).Sub(prev, amount)
	return *prev
}

func (m *MemoryStateDB) GetNonce(addr common.Address) uint64 {
	return m.current.nonces[addr]
}

func (m *MemoryStateDB) SetNonce(addr common.Address, nonce uint64, _ tracing.NonceChangeReason) {
	m.current.nonces[addr] = nonce
}

func (m *MemoryStateDB) Exist(addr common.Address) bool {
	_, ok := m.current.accounts[addr]
	return ok
}

func (m *MemoryStateDB) CreateAccount(addr common.Address) {
	m.current.accounts[addr] = struct{}{}
}

func (m *MemoryStateDB) AddLog(log *ethtypes.Log) {
	log.BlockNumber = m.blockNumber
	log.Index = uint(len(m.current.logs))
	m.current.logs = append(m.current.logs, log)
}

// Logs returns every log emitted and not reverted.
func (m *MemoryStateDB) Logs() []*ethtypes.Log {
	return m.current.logs
}

func (m *MemoryStateDB) GetBlockNumber() uint64 {
	return m.blockNumber
}

// SetBlockNumber moves the chain head. Interest accrues across blocks.
func (m *MemoryStateDB) SetBlockNumber(number uint64) {
	m.blockNumber = number
}

// Snapshot records the current state and returns its id.
func (m *MemoryStateDB) Snapshot() int {
	m.snapshots = append(m.snapshots, m.current.copy())
	return len(m.snapshots) - 1
}

// RevertToSnapshot restores the state recorded by Snapshot(id) and discards
// every later snapshot.
func (m *MemoryStateDB) RevertToSnapshot(id int) {
	if id < 0 || id >= len(m.snapshots) {
		return
	}
	m.current = m.snapshots[id]
	m.snapshots = m.snapshots[:id]
}

// blockContext is a fixed block for tests and simulations.
type blockContext struct {
	number    *big.Int
	timestamp uint64
}

func (b blockContext) Number() *big.Int  { return new(big.Int).Set(b.number) }
func (b blockContext) Timestamp() uint64 { return b.timestamp }

type accessibleState struct {
	stateDB StateDB
	block   blockContext
}

func (a *accessibleState) GetStateDB() StateDB           { return a.stateDB }
func (a *accessibleState) GetBlockContext() BlockContext { return a.block }

// NewAccessibleState wraps a StateDB for direct Run calls.
func NewAccessibleState(stateDB StateDB, timestamp uint64) AccessibleState {
	return &accessibleState{
		stateDB: stateDB,
		block: blockContext{
			number:    new(big.Int).SetUint64(stateDB.GetBlockNumber()),
			timestamp: timestamp,
		},
	}
}

// NewBlockContext builds a ConfigurationBlockContext for Configure calls.
func NewBlockContext(number uint64, timestamp uint64) ConfigurationBlockContext {
	return blockContext{number: new(big.Int).SetUint64(number), timestamp: timestamp}
}
