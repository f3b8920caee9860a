// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package broker

import (
	"fmt"

	"github.com/luxfi/geth/common"

	"github.com/parsdao/broker/contract"
	"github.com/parsdao/broker/lending"
	"github.com/parsdao/broker/modules"
	"github.com/parsdao/broker/precompileconfig"
	"github.com/parsdao/broker/registry"
)

var _ contract.Configurator = (*configurator)(nil)

// ConfigKey is the key used in json config files to specify this precompile config.
const ConfigKey = "marginBrokerConfig"

// ContractAddress is the address of the margin broker proxy.
var ContractAddress = common.HexToAddress(registry.MarginBroker)

// BrokerPrecompile is the singleton registered at ContractAddress.
var BrokerPrecompile = New(ContractAddress, Options{})

// Module is the precompile module.
var Module = modules.Module{
	ConfigKey:    ConfigKey,
	Address:      ContractAddress,
	Contract:     BrokerPrecompile,
	Configurator: &configurator{broker: BrokerPrecompile},
}

type configurator struct {
	broker *Broker
}

func init() {
	if err := modules.RegisterModule(Module); err != nil {
		panic(err)
	}
}

func (*configurator) MakeConfig() precompileconfig.Config {
	return new(Config)
}

// Configure sets the owner, attaches the built-in modules on first
// activation, and runs whichever initializers the config provides.
func (c *configurator) Configure(
	chainConfig precompileconfig.ChainConfig,
	cfg precompileconfig.Config,
	state contract.StateDB,
	blockContext contract.ConfigurationBlockContext,
) error {
	config, ok := cfg.(*Config)
	if !ok {
		return fmt.Errorf("expected config type %T, got %T: %v", &Config{}, cfg, cfg)
	}
	return c.broker.Apply(state, config)
}

// Apply installs config on the broker's state in one transaction.
func (b *Broker) Apply(state contract.StateDB, config *Config) error {
	return b.exec(state, func(c *call) error {
		owner := config.Owner
		if c.owner() != owner {
			c.setOwner(owner, owner)
		}
		if len(b.table.Modules(state)) == 0 {
			if err := c.applyCuts(owner, b.DefaultModuleCuts()); err != nil {
				return err
			}
		}
		tolerance := DefaultSettlementToleranceBps
		if config.SettlementToleranceBps != nil {
			tolerance = *config.SettlementToleranceBps
		}
		if err := c.setSettlementTolerance(owner, tolerance); err != nil {
			return err
		}
		if config.LendingPool != (common.Address{}) && contract.GetUint64(state, b.Address, marginTraderInitKey) == 0 {
			if err := c.initMarginTrader(owner, config.LendingPool); err != nil {
				return err
			}
		}
		if config.Factory != (common.Address{}) && contract.GetUint64(state, b.Address, swapProviderInitKey) == 0 {
			if err := c.initSwapProvider(owner, config.Factory, config.InitCodeHash, config.WrappedNative); err != nil {
				return err
			}
		}
		return nil
	})
}

// Config implements the precompileconfig.Config interface
type Config struct {
	Upgrade precompileconfig.Upgrade `json:"upgrade,omitempty"`

	Owner                  common.Address `json:"owner"`
	LendingPool            common.Address `json:"lendingPool,omitempty"`
	Factory                common.Address `json:"factory,omitempty"`
	InitCodeHash           common.Hash    `json:"initCodeHash,omitempty"`
	WrappedNative          common.Address `json:"wrappedNative,omitempty"`
	SettlementToleranceBps *uint64        `json:"settlementToleranceBps,omitempty"`
}

func (c *Config) Key() string {
	return ConfigKey
}

func (c *Config) Timestamp() *uint64 {
	return c.Upgrade.Timestamp()
}

func (c *Config) IsDisabled() bool {
	return c.Upgrade.Disable
}

func (c *Config) Equal(cfg precompileconfig.Config) bool {
	other, ok := cfg.(*Config)
	if !ok {
		return false
	}
	sameTolerance := (c.SettlementToleranceBps == nil) == (other.SettlementToleranceBps == nil) &&
		(c.SettlementToleranceBps == nil || *c.SettlementToleranceBps == *other.SettlementToleranceBps)
	return c.Upgrade.Equal(&other.Upgrade) &&
		c.Owner == other.Owner &&
		c.LendingPool == other.LendingPool &&
		c.Factory == other.Factory &&
		c.InitCodeHash == other.InitCodeHash &&
		c.WrappedNative == other.WrappedNative &&
		sameTolerance
}

func (c *Config) Verify(chainConfig precompileconfig.ChainConfig) error {
	if c.Owner == (common.Address{}) {
		return fmt.Errorf("%w: owner", ErrZeroAddress)
	}
	if c.SettlementToleranceBps != nil && *c.SettlementToleranceBps > lending.BPS {
		return fmt.Errorf("%w: %d", ErrInvalidTolerance, *c.SettlementToleranceBps)
	}
	if c.Factory != (common.Address{}) && c.InitCodeHash == (common.Hash{}) {
		return fmt.Errorf("%w: factory set without init code hash", ErrInvalidInput)
	}
	return nil
}
