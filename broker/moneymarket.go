// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package broker

import (
	"fmt"
	"math/big"

	"github.com/luxfi/geth/common"

	"github.com/parsdao/broker/contract"
	"github.com/parsdao/broker/lending"
)

// MoneyMarket issues lending calls with the broker as sender.
type MoneyMarket struct {
	pool   *lending.Pool
	broker common.Address
	state  contract.StateDB
}

func newMoneyMarket(state contract.StateDB, pool *lending.Pool, broker common.Address) *MoneyMarket {
	return &MoneyMarket{pool: pool, broker: broker, state: state}
}

// Address is the lending pool's address.
func (m *MoneyMarket) Address() common.Address {
	return m.pool.Address
}

// Supply deposits amount of asset held by the broker for onBehalfOf.
func (m *MoneyMarket) Supply(asset common.Address, amount *big.Int, onBehalfOf common.Address) error {
	return m.pool.Supply(m.state, m.broker, asset, amount, onBehalfOf)
}

// Withdraw redeems the broker's collateral receipt and sends the underlying to to.
func (m *MoneyMarket) Withdraw(asset common.Address, amount *big.Int, to common.Address) (*big.Int, error) {
	return m.pool.Withdraw(m.state, m.broker, asset, amount, to)
}

// Borrow draws on onBehalfOf's delegated credit; the funds land on the broker.
func (m *MoneyMarket) Borrow(asset common.Address, amount *big.Int, mode RateMode, onBehalfOf common.Address) error {
	return m.pool.Borrow(m.state, m.broker, asset, amount, mode, onBehalfOf)
}

// Repay pays down onBehalfOf's debt from the broker's balance.
func (m *MoneyMarket) Repay(asset common.Address, amount *big.Int, mode RateMode, onBehalfOf common.Address) (*big.Int, error) {
	return m.pool.Repay(m.state, m.broker, asset, amount, mode, onBehalfOf)
}

// PullCollateral moves amount of user's collateral receipt to the broker,
// spending the receipt allowance user granted the broker.
func (m *MoneyMarket) PullCollateral(user common.Address, entry AssetRegistryEntry, amount *big.Int) error {
	cfg, err := m.pool.ReserveConfig(m.state, entry.Address)
	if err != nil {
		return err
	}
	if cfg.AToken != entry.CollateralReceipt {
		return fmt.Errorf("%w: registered collateral receipt %s, lending pool uses %s",
			ErrUnregisteredAsset, entry.CollateralReceipt.Hex(), cfg.AToken.Hex())
	}
	return m.pool.TransferCollateral(m.state, m.broker, user, m.broker, entry.Address, amount)
}

// RequireDebtReceipt checks that the registered debt receipt of mode is the
// one the lending pool mints for entry's asset.
func (m *MoneyMarket) RequireDebtReceipt(entry AssetRegistryEntry, mode RateMode) error {
	cfg, err := m.pool.ReserveConfig(m.state, entry.Address)
	if err != nil {
		return err
	}
	if want := cfg.DebtToken(mode); entry.DebtReceipt(mode) != want {
		return fmt.Errorf("%w: registered %s debt receipt %s, lending pool uses %s",
			ErrUnregisteredAsset, mode, entry.DebtReceipt(mode).Hex(), want.Hex())
	}
	return nil
}

// GetUserAccountData passes through to the lending pool.
func (m *MoneyMarket) GetUserAccountData(user common.Address) (lending.AccountData, error) {
	return m.pool.GetUserAccountData(m.state, user)
}

func (c *call) moneyMarket() (*MoneyMarket, error) {
	pool, err := c.lendingPool()
	if err != nil {
		return nil, err
	}
	return newMoneyMarket(c.state, pool, c.b.Address), nil
}
