// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/luxfi/geth/common"
	"github.com/shopspring/decimal"
)

// defaultScenario opens a 950 B leveraged position on 500 S of collateral
// through a deep 1:1 pool.
const defaultScenario = `
Trader = "0x6666666666666666666666666666666666666666"

[[Assets]]
Symbol    = "S"
Address   = "0x5000000000000000000000000000000000000001"
Decimals  = 18
Price     = "1"
Liquidity = "100000"

[[Assets]]
Symbol    = "B"
Address   = "0xb000000000000000000000000000000000000002"
Decimals  = 18
Price     = "1"
Liquidity = "100000"

[[Pools]]
Tokens   = ["S", "B"]
Fee      = 3000
Reserves = ["1000000", "1000000"]

[[Collateral]]
Asset  = "S"
Amount = "500"

[[Trades]]
Method   = "openMarginPositionExactIn"
Path     = ["B", "S"]
Fees     = [3000]
Amount   = "950"
RateMode = "variable"
`

// Scenario is a marginsim TOML file.
type Scenario struct {
	Trader     string           `toml:"Trader"`
	Assets     []AssetConfig    `toml:"Assets"`
	Pools      []PoolConfig     `toml:"Pools"`
	Collateral []PositionConfig `toml:"Collateral"`
	Wallet     []PositionConfig `toml:"Wallet"`
	Trades     []TradeConfig    `toml:"Trades"`
}

// AssetConfig lists a token, its oracle price and the liquidity supplied to
// its lending market.
type AssetConfig struct {
	Symbol    string `toml:"Symbol"`
	Address   string `toml:"Address"`
	Decimals  uint8  `toml:"Decimals"`
	Price     string `toml:"Price"`
	Liquidity string `toml:"Liquidity"`
}

// PoolConfig seeds one exchange pool.
type PoolConfig struct {
	Tokens   [2]string `toml:"Tokens"`
	Fee      uint32    `toml:"Fee"`
	Reserves [2]string `toml:"Reserves"`
}

// PositionConfig is an amount of one asset.
type PositionConfig struct {
	Asset  string `toml:"Asset"`
	Amount string `toml:"Amount"`
}

// TradeConfig is one broker call. Path is always listed input first, also
// for exact-output trades.
type TradeConfig struct {
	Method   string   `toml:"Method"`
	Path     []string `toml:"Path"`
	Fees     []uint32 `toml:"Fees"`
	Amount   string   `toml:"Amount"`
	Limit    string   `toml:"Limit"`
	Provided string   `toml:"Provided"`
	RateMode string   `toml:"RateMode"`
}

var errScenario = errors.New("invalid scenario")

// LoadScenario reads path, or the built-in scenario when path is empty.
func LoadScenario(path string) (*Scenario, error) {
	sc := &Scenario{}
	var (
		meta toml.MetaData
		err  error
	)
	if path == "" {
		meta, err = toml.Decode(defaultScenario, sc)
	} else {
		if _, statErr := os.Stat(path); statErr != nil {
			return nil, statErr
		}
		meta, err = toml.DecodeFile(path, sc)
	}
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown key %s", errScenario, undecoded[0])
	}
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return sc, nil
}

func (sc *Scenario) validate() error {
	if !common.IsHexAddress(sc.Trader) {
		return fmt.Errorf("%w: trader %q", errScenario, sc.Trader)
	}
	symbols := make(map[string]bool, len(sc.Assets))
	for _, a := range sc.Assets {
		if !common.IsHexAddress(a.Address) {
			return fmt.Errorf("%w: asset %s address %q", errScenario, a.Symbol, a.Address)
		}
		if symbols[a.Symbol] {
			return fmt.Errorf("%w: asset %s listed twice", errScenario, a.Symbol)
		}
		symbols[a.Symbol] = true
		if _, err := parseAmount(a.Price); err != nil {
			return fmt.Errorf("%w: asset %s price: %v", errScenario, a.Symbol, err)
		}
	}
	known := func(sym string) error {
		if !symbols[sym] {
			return fmt.Errorf("%w: unknown asset %q", errScenario, sym)
		}
		return nil
	}
	for _, p := range sc.Pools {
		for _, sym := range p.Tokens {
			if err := known(sym); err != nil {
				return err
			}
		}
	}
	for _, pos := range append(append([]PositionConfig{}, sc.Collateral...), sc.Wallet...) {
		if err := known(pos.Asset); err != nil {
			return err
		}
	}
	for i, tr := range sc.Trades {
		if len(tr.Path) < 2 || len(tr.Fees) != len(tr.Path)-1 {
			return fmt.Errorf("%w: trade %d has %d tokens and %d fees", errScenario, i, len(tr.Path), len(tr.Fees))
		}
		if !strings.HasSuffix(tr.Method, "Multi") && len(tr.Path) != 2 {
			return fmt.Errorf("%w: trade %d: %s takes a single pool", errScenario, i, tr.Method)
		}
		for _, sym := range tr.Path {
			if err := known(sym); err != nil {
				return err
			}
		}
	}
	return nil
}

// parseAmount reads a human-readable decimal. Empty means zero.
func parseAmount(s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative amount %s", s)
	}
	return d, nil
}
