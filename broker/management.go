// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package broker

import (
	"fmt"

	"github.com/luxfi/geth/common"

	"github.com/parsdao/broker/audit"
	"github.com/parsdao/broker/contract"
	"github.com/parsdao/broker/lending"
	"github.com/parsdao/broker/token"
)

// =========================================================================
// Ownership
// =========================================================================

func (c *call) setOwner(actor, owner common.Address) {
	prev := c.owner()
	contract.SetAddress(c.state, c.b.Address, ownerKey, owner)
	c.b.emitEvent(c.state, "OwnershipTransferred", prev, owner)
	c.record(audit.Entry{
		Actor:    actor,
		Kind:     "owner",
		Subject:  c.b.Address,
		Field:    "owner",
		Previous: prev.Hex(),
		Current:  owner.Hex(),
	})
}

func (c *call) transferOwnership(caller, newOwner common.Address) error {
	if err := c.onlyOwner(caller); err != nil {
		return err
	}
	if newOwner == (common.Address{}) {
		return fmt.Errorf("%w: new owner", ErrZeroAddress)
	}
	c.setOwner(caller, newOwner)
	c.b.log.Info("ownership transferred", "from", caller, "to", newOwner)
	return nil
}

// =========================================================================
// Initializers
// =========================================================================

func (c *call) initMarginTrader(caller, lendingPool common.Address) error {
	if err := c.onlyOwner(caller); err != nil {
		return err
	}
	if contract.GetUint64(c.state, c.b.Address, marginTraderInitKey) != 0 {
		return fmt.Errorf("%w: margin trader", ErrAlreadyInitialized)
	}
	if lendingPool == (common.Address{}) {
		return fmt.Errorf("%w: lending pool", ErrZeroAddress)
	}
	contract.SetAddress(c.state, c.b.Address, lendingPoolKey, lendingPool)
	contract.SetUint64(c.state, c.b.Address, marginTraderInitKey, 1)
	c.record(audit.Entry{Actor: caller, Kind: "init", Subject: c.b.Address, Field: "lendingPool", Current: lendingPool.Hex()})
	c.b.log.Info("margin trader initialized", "lendingPool", lendingPool)
	return nil
}

func (c *call) initSwapProvider(caller, factory common.Address, initCodeHash common.Hash, wrappedNative common.Address) error {
	if err := c.onlyOwner(caller); err != nil {
		return err
	}
	if contract.GetUint64(c.state, c.b.Address, swapProviderInitKey) != 0 {
		return fmt.Errorf("%w: swap provider", ErrAlreadyInitialized)
	}
	if factory == (common.Address{}) {
		return fmt.Errorf("%w: factory", ErrZeroAddress)
	}
	contract.SetAddress(c.state, c.b.Address, factoryKey, factory)
	c.state.SetState(c.b.Address, initCodeHashKey, initCodeHash)
	contract.SetAddress(c.state, c.b.Address, wrappedNativeKey, wrappedNative)
	contract.SetUint64(c.state, c.b.Address, swapProviderInitKey, 1)
	c.record(audit.Entry{Actor: caller, Kind: "init", Subject: c.b.Address, Field: "factory", Current: factory.Hex()})
	c.b.log.Info("swap provider initialized", "factory", factory, "initCodeHash", initCodeHash, "wrappedNative", wrappedNative)
	return nil
}

// =========================================================================
// Configuration effects
// =========================================================================

func (c *call) setRouter(caller, router common.Address) error {
	if err := c.onlyOwner(caller); err != nil {
		return err
	}
	prev := contract.GetAddress(c.state, c.b.Address, routerKey)
	contract.SetAddress(c.state, c.b.Address, routerKey, router)
	c.record(audit.Entry{Actor: caller, Kind: "config", Subject: c.b.Address, Field: "router", Previous: prev.Hex(), Current: router.Hex()})
	return nil
}

// approveMax grants spender an unlimited allowance of every asset.
func (c *call) approveMax(caller, spender common.Address, assets []common.Address) error {
	if err := c.onlyOwner(caller); err != nil {
		return err
	}
	if spender == (common.Address{}) {
		return fmt.Errorf("%w: no spender configured", ErrNotInitialized)
	}
	for _, asset := range assets {
		if err := token.At(asset).Approve(c.state, c.b.Address, spender, token.MaxUint256); err != nil {
			return fmt.Errorf("approve %s: %w", asset.Hex(), err)
		}
	}
	return nil
}

func (c *call) approveRouter(caller common.Address, assets []common.Address) error {
	return c.approveMax(caller, contract.GetAddress(c.state, c.b.Address, routerKey), assets)
}

func (c *call) approveLendingPool(caller common.Address, assets []common.Address) error {
	return c.approveMax(caller, contract.GetAddress(c.state, c.b.Address, lendingPoolKey), assets)
}

func (c *call) setSettlementTolerance(caller common.Address, bps uint64) error {
	if err := c.onlyOwner(caller); err != nil {
		return err
	}
	if bps > lending.BPS {
		return fmt.Errorf("%w: %d", ErrInvalidTolerance, bps)
	}
	prev := c.toleranceBps()
	contract.SetUint64(c.state, c.b.Address, toleranceKey, bps)
	c.record(audit.Entry{
		Actor:    caller,
		Kind:     "config",
		Subject:  c.b.Address,
		Field:    "settlementToleranceBps",
		Previous: fmt.Sprint(prev),
		Current:  fmt.Sprint(bps),
	})
	return nil
}

// =========================================================================
// Facade
// =========================================================================

func (b *Broker) exec(state contract.StateDB, fn func(c *call) error) error {
	_, err := transact(b, state, func(c *call) (struct{}, error) {
		return struct{}{}, fn(c)
	})
	return err
}

func (b *Broker) TransferOwnership(state contract.StateDB, caller, newOwner common.Address) error {
	return b.exec(state, func(c *call) error { return c.transferOwnership(caller, newOwner) })
}

func (b *Broker) InitMarginTrader(state contract.StateDB, caller, lendingPool common.Address) error {
	return b.exec(state, func(c *call) error { return c.initMarginTrader(caller, lendingPool) })
}

func (b *Broker) InitSwapProvider(state contract.StateDB, caller, factory common.Address, initCodeHash common.Hash, wrappedNative common.Address) error {
	return b.exec(state, func(c *call) error { return c.initSwapProvider(caller, factory, initCodeHash, wrappedNative) })
}

func (b *Broker) SetRouter(state contract.StateDB, caller, router common.Address) error {
	return b.exec(state, func(c *call) error { return c.setRouter(caller, router) })
}

func (b *Broker) ApproveRouter(state contract.StateDB, caller common.Address, assets []common.Address) error {
	return b.exec(state, func(c *call) error { return c.approveRouter(caller, assets) })
}

func (b *Broker) ApproveLendingPool(state contract.StateDB, caller common.Address, assets []common.Address) error {
	return b.exec(state, func(c *call) error { return c.approveLendingPool(caller, assets) })
}

func (b *Broker) SetSettlementTolerance(state contract.StateDB, caller common.Address, bps uint64) error {
	return b.exec(state, func(c *call) error { return c.setSettlementTolerance(caller, bps) })
}

// RegisterAsset maps asset to its three lending receipts, replacing any
// previous mapping.
func (b *Broker) RegisterAsset(state contract.StateDB, caller, asset, collateral, stableDebt, variableDebt common.Address) error {
	return b.exec(state, func(c *call) error {
		return c.registerAsset(caller, asset, collateral, stableDebt, variableDebt)
	})
}

func (b *Broker) AddCollateralReceipt(state contract.StateDB, caller, asset, receipt common.Address) error {
	return b.exec(state, func(c *call) error { return c.addReceipt(caller, asset, CollateralReceipt, receipt) })
}

func (b *Broker) AddStableDebtReceipt(state contract.StateDB, caller, asset, receipt common.Address) error {
	return b.exec(state, func(c *call) error { return c.addReceipt(caller, asset, StableDebtReceipt, receipt) })
}

func (b *Broker) AddVariableDebtReceipt(state contract.StateDB, caller, asset, receipt common.Address) error {
	return b.exec(state, func(c *call) error { return c.addReceipt(caller, asset, VariableDebtReceipt, receipt) })
}

// =========================================================================
// Data viewer
// =========================================================================

func (b *Broker) view(state contract.StateDB) *call {
	return &call{b: b, state: state}
}

func (b *Broker) Owner(state contract.StateDB) common.Address {
	return b.view(state).owner()
}

// Lookup returns asset's registry entry, or ErrUnregisteredAsset.
func (b *Broker) Lookup(state contract.StateDB, asset common.Address) (AssetRegistryEntry, error) {
	return b.view(state).lookup(asset)
}

func (b *Broker) GetCollateralReceipt(state contract.StateDB, asset common.Address) common.Address {
	return b.view(state).receipt(asset, CollateralReceipt)
}

func (b *Broker) GetStableDebtReceipt(state contract.StateDB, asset common.Address) common.Address {
	return b.view(state).receipt(asset, StableDebtReceipt)
}

func (b *Broker) GetVariableDebtReceipt(state contract.StateDB, asset common.Address) common.Address {
	return b.view(state).receipt(asset, VariableDebtReceipt)
}

func (b *Broker) Router(state contract.StateDB) common.Address {
	return contract.GetAddress(state, b.Address, routerKey)
}

func (b *Broker) SettlementToleranceBps(state contract.StateDB) uint64 {
	return b.view(state).toleranceBps()
}

// GetUserAccountData is the lending pool's view of user.
func (b *Broker) GetUserAccountData(state contract.StateDB, user common.Address) (lending.AccountData, error) {
	mm, err := b.view(state).moneyMarket()
	if err != nil {
		return lending.AccountData{}, err
	}
	return mm.GetUserAccountData(user)
}
