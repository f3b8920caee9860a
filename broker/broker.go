// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package broker implements the margin-swap broker: an upgradeable proxy that
// opens, trims and rebalances leveraged lending positions by settling
// exchange swaps from inside the exchange's own swap callback.
//
// A trade never leaves tokens on the broker. The pool pays out first, the
// broker consumes the output against the user's lending position, then pays
// the pool by borrowing or withdrawing on the user's behalf through credit
// and collateral allowances the user granted in advance.
package broker

import (
	"fmt"

	log "github.com/luxfi/log"
	"github.com/luxfi/geth/common"

	"github.com/parsdao/broker/audit"
	"github.com/parsdao/broker/contract"
	"github.com/parsdao/broker/dex"
	"github.com/parsdao/broker/lending"
	"github.com/parsdao/broker/modules"
	"github.com/parsdao/broker/registry"
)

// Storage slot keys under the broker address
var (
	ownerKey         = contract.StorageKey([]byte("broker/owner"))
	lendingPoolKey   = contract.StorageKey([]byte("broker/lendingPool"))
	factoryKey       = contract.StorageKey([]byte("broker/factory"))
	initCodeHashKey  = contract.StorageKey([]byte("broker/initCodeHash"))
	wrappedNativeKey = contract.StorageKey([]byte("broker/wrappedNative"))
	routerKey        = contract.StorageKey([]byte("broker/router"))
	toleranceKey     = contract.StorageKey([]byte("broker/toleranceBps"))

	marginTraderInitKey = contract.StorageKey([]byte("broker/init/marginTrader"))
	swapProviderInitKey = contract.StorageKey([]byte("broker/init/swapProvider"))

	// Cleared at the end of every trade.
	tradeLockKey  = contract.StorageKey([]byte("broker/t/lock"))
	tradeInKey    = contract.StorageKey([]byte("broker/t/amountIn"))
	tradeOutKey   = contract.StorageKey([]byte("broker/t/amountOut"))
	tradeSwapsKey = contract.StorageKey([]byte("broker/t/swaps"))
)

// DefaultSettlementToleranceBps is used until the config sets one.
const DefaultSettlementToleranceBps uint64 = 50

// Options carries the broker's immutable collaborators.
type Options struct {
	// Oracle prices assets for the lending pool. Defaults to a static oracle
	// at the LX_ORACLE precompile address.
	Oracle lending.Oracle
	// Journal receives registry and module mutations after commit. Optional.
	Journal *audit.Journal
	Logger  log.Logger
}

// Broker is the margin broker proxy at Address. All mutable state lives in
// the StateDB; a Broker value only carries configuration.
type Broker struct {
	Address common.Address

	oracle   lending.Oracle
	journal  *audit.Journal
	log      log.Logger
	table    *modules.SelectorTable
	handlers map[common.Address]map[[4]byte]handler
}

// New returns the broker proxy at addr with the built-in modules' handlers
// installed. Selectors still have to be attached with ConfigureModules (or
// DefaultModuleCuts) before Run can dispatch to them.
func New(addr common.Address, opts Options) *Broker {
	if opts.Oracle == nil {
		opts.Oracle = lending.NewStaticOracle(common.HexToAddress(registry.LXOracle))
	}
	if opts.Logger == nil {
		opts.Logger = log.NewTestLogger(log.InfoLevel)
	}
	b := &Broker{
		Address: addr,
		oracle:  opts.Oracle,
		journal: opts.Journal,
		log:     opts.Logger,
		table:   modules.NewSelectorTable(addr, proxySelectors()...),
	}
	b.handlers = b.buildHandlers()
	return b
}

// Table is the broker's selector dispatch table.
func (b *Broker) Table() *modules.SelectorTable {
	return b.table
}

// call is the scope of one top-level transaction against the broker.
type call struct {
	b       *Broker
	state   contract.StateDB
	pending []audit.Entry
}

// transact runs fn atomically: any error reverts every state change fn made,
// and audit entries are only written once fn succeeds.
func transact[T any](b *Broker, state contract.StateDB, fn func(c *call) (T, error)) (T, error) {
	c := &call{b: b, state: state}
	snap := state.Snapshot()
	out, err := fn(c)
	if err != nil {
		state.RevertToSnapshot(snap)
		var zero T
		return zero, err
	}
	b.flush(c)
	return out, nil
}

func (b *Broker) flush(c *call) {
	if b.journal == nil || len(c.pending) == 0 {
		return
	}
	if _, err := b.journal.RecordAll(c.pending); err != nil {
		b.log.Error("failed to write audit entries", "count", len(c.pending), "err", err)
	}
}

func (c *call) record(e audit.Entry) {
	e.Block = c.state.GetBlockNumber()
	c.pending = append(c.pending, e)
}

// =========================================================================
// Stored configuration
// =========================================================================

func (c *call) owner() common.Address {
	return contract.GetAddress(c.state, c.b.Address, ownerKey)
}

func (c *call) onlyOwner(caller common.Address) error {
	if owner := c.owner(); caller != owner || owner == (common.Address{}) {
		return fmt.Errorf("%w: %s", ErrNotOwner, caller.Hex())
	}
	return nil
}

func (c *call) lendingPool() (*lending.Pool, error) {
	addr := contract.GetAddress(c.state, c.b.Address, lendingPoolKey)
	if addr == (common.Address{}) {
		return nil, fmt.Errorf("%w: margin trader has no lending pool", ErrNotInitialized)
	}
	return lending.NewPool(addr, c.b.oracle), nil
}

func (c *call) factory() (*dex.Factory, error) {
	addr := contract.GetAddress(c.state, c.b.Address, factoryKey)
	if addr == (common.Address{}) {
		return nil, fmt.Errorf("%w: swap provider has no factory", ErrNotInitialized)
	}
	return dex.NewFactory(addr, c.state.GetState(c.b.Address, initCodeHashKey)), nil
}

func (c *call) toleranceBps() uint64 {
	return contract.GetUint64(c.state, c.b.Address, toleranceKey)
}
