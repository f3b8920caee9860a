// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package broker

import (
	"fmt"

	"github.com/luxfi/geth/common"

	"github.com/parsdao/broker/audit"
	"github.com/parsdao/broker/contract"
	"github.com/parsdao/broker/token"
)

// ReceiptField names one of the three receipts an asset maps to.
type ReceiptField uint8

const (
	CollateralReceipt ReceiptField = iota
	StableDebtReceipt
	VariableDebtReceipt
)

func (f ReceiptField) String() string {
	switch f {
	case CollateralReceipt:
		return "collateral"
	case StableDebtReceipt:
		return "stableDebt"
	case VariableDebtReceipt:
		return "variableDebt"
	default:
		return fmt.Sprintf("field(%d)", uint8(f))
	}
}

var assetPrefix = []byte("broker/asset")

// Asset describes an underlying token.
type Asset struct {
	Address         common.Address
	Decimals        uint8
	IsWrappedNative bool
}

// AssetRegistryEntry maps an underlying asset to its lending receipts.
type AssetRegistryEntry struct {
	Asset
	CollateralReceipt   common.Address
	StableDebtReceipt   common.Address
	VariableDebtReceipt common.Address
}

// DebtReceipt returns the receipt tracking debt of the given rate mode.
func (e AssetRegistryEntry) DebtReceipt(mode RateMode) common.Address {
	if mode == RateModeStable {
		return e.StableDebtReceipt
	}
	return e.VariableDebtReceipt
}

// registerAsset writes all three receipts of asset.
func (c *call) registerAsset(caller, asset, collateral, stableDebt, variableDebt common.Address) error {
	if err := c.onlyOwner(caller); err != nil {
		return err
	}
	if asset == (common.Address{}) {
		return fmt.Errorf("%w: asset", ErrZeroAddress)
	}
	receipts := [...]common.Address{collateral, stableDebt, variableDebt}
	for field, receipt := range receipts {
		if receipt == (common.Address{}) {
			return fmt.Errorf("%w: %s receipt of %s", ErrZeroAddress, ReceiptField(field), asset.Hex())
		}
	}
	c.setReceipt(caller, asset, CollateralReceipt, collateral)
	c.setReceipt(caller, asset, StableDebtReceipt, stableDebt)
	c.setReceipt(caller, asset, VariableDebtReceipt, variableDebt)
	return nil
}

// addReceipt writes a single receipt of asset.
func (c *call) addReceipt(caller, asset common.Address, field ReceiptField, receipt common.Address) error {
	if err := c.onlyOwner(caller); err != nil {
		return err
	}
	if asset == (common.Address{}) || receipt == (common.Address{}) {
		return fmt.Errorf("%w: %s receipt %s of %s", ErrZeroAddress, field, receipt.Hex(), asset.Hex())
	}
	c.setReceipt(caller, asset, field, receipt)
	return nil
}

func (c *call) setReceipt(actor, asset common.Address, field ReceiptField, receipt common.Address) {
	prev := c.receipt(asset, field)
	contract.SetAddress(c.state, c.b.Address, receiptKey(asset, field), receipt)

	c.b.emitEvent(c.state, "AssetReceiptSet", asset, field.String(), prev, receipt)
	c.record(audit.Entry{
		Actor:    actor,
		Kind:     "asset",
		Subject:  asset,
		Field:    field.String(),
		Previous: prev.Hex(),
		Current:  receipt.Hex(),
	})
	Metrics().observeRegistry(field.String())
	if prev != (common.Address{}) && prev != receipt {
		c.b.log.Info("asset receipt replaced", "asset", asset, "field", field, "previous", prev, "current", receipt)
	} else {
		c.b.log.Info("asset receipt set", "asset", asset, "field", field, "receipt", receipt)
	}
}

func (c *call) receipt(asset common.Address, field ReceiptField) common.Address {
	return contract.GetAddress(c.state, c.b.Address, receiptKey(asset, field))
}

// lookup returns asset's entry, failing unless every receipt is set.
func (c *call) lookup(asset common.Address) (AssetRegistryEntry, error) {
	entry := AssetRegistryEntry{
		Asset: Asset{
			Address:         asset,
			Decimals:        token.At(asset).Decimals(c.state),
			IsWrappedNative: asset != (common.Address{}) && asset == contract.GetAddress(c.state, c.b.Address, wrappedNativeKey),
		},
		CollateralReceipt:   c.receipt(asset, CollateralReceipt),
		StableDebtReceipt:   c.receipt(asset, StableDebtReceipt),
		VariableDebtReceipt: c.receipt(asset, VariableDebtReceipt),
	}
	if entry.CollateralReceipt == (common.Address{}) ||
		entry.StableDebtReceipt == (common.Address{}) ||
		entry.VariableDebtReceipt == (common.Address{}) {
		return AssetRegistryEntry{}, fmt.Errorf("%w: %s", ErrUnregisteredAsset, asset.Hex())
	}
	return entry, nil
}

func receiptKey(asset common.Address, field ReceiptField) common.Hash {
	return contract.StorageKey(assetPrefix, asset.Bytes(), []byte{byte(field)})
}
