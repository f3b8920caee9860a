// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/luxfi/crypto"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/parsdao/broker/audit"
	"github.com/parsdao/broker/broker"
	"github.com/parsdao/broker/contract"
	"github.com/parsdao/broker/dex"
	"github.com/parsdao/broker/lending"
	"github.com/parsdao/broker/path"
	"github.com/parsdao/broker/registry"
	"github.com/parsdao/broker/token"
)

const runGas uint64 = 10_000_000

var (
	operator     = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	liquiditySrc = common.HexToAddress("0x0000000000000000000000000000000000001b0b")
	poolInitHash = crypto.Keccak256Hash([]byte("marginsim.pool"))
)

type simAsset struct {
	AssetConfig
	address common.Address
}

// Simulator is a broker deployment on an in-memory state.
type Simulator struct {
	state   *contract.MemoryStateDB
	broker  *broker.Broker
	lending *lending.Pool
	factory *dex.Factory
	journal *audit.Journal
	trader  common.Address
	assets  map[string]simAsset
	log     log.Logger
}

// AccountReport is the lending pool's view of the trader, in base currency.
type AccountReport struct {
	TotalCollateral decimal.Decimal `json:"totalCollateral"`
	TotalDebt       decimal.Decimal `json:"totalDebt"`
	AvailableBorrow decimal.Decimal `json:"availableBorrow"`
	HealthFactor    string          `json:"healthFactor"`
}

// TradeReport is the outcome of one configured trade.
type TradeReport struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Result decimal.Decimal `json:"result"`
	Err    string          `json:"error,omitempty"`
}

// Report is everything a scenario run prints.
type Report struct {
	Before AccountReport `json:"before"`
	Trades []TradeReport `json:"trades"`
	After  AccountReport `json:"after"`
	Audit  uint64        `json:"auditEntries"`
}

// NewSimulator deploys the scenario's assets, markets and pools, configures
// the broker and funds the trader.
func NewSimulator(sc *Scenario, logger log.Logger) (*Simulator, error) {
	oracle := lending.NewStaticOracle(common.HexToAddress(registry.LXOracle))
	journal := audit.New(memdb.New())
	s := &Simulator{
		state:   contract.NewMemoryStateDB(),
		lending: lending.NewPool(common.HexToAddress(registry.LXLend), oracle),
		factory: dex.NewFactory(common.HexToAddress(registry.LXPool), poolInitHash),
		journal: journal,
		trader:  common.HexToAddress(sc.Trader),
		assets:  make(map[string]simAsset, len(sc.Assets)),
		log:     logger,
		broker: broker.New(broker.ContractAddress, broker.Options{
			Oracle:  oracle,
			Journal: journal,
			Logger:  logger,
		}),
	}

	for _, a := range sc.Assets {
		if err := s.deployAsset(oracle, a); err != nil {
			return nil, err
		}
	}
	for _, p := range sc.Pools {
		if err := s.deployPool(p); err != nil {
			return nil, err
		}
	}
	if err := s.configureBroker(sc); err != nil {
		return nil, err
	}
	if err := s.fundTrader(sc); err != nil {
		return nil, err
	}
	return s, nil
}

func receiptAddress(asset common.Address, kind string) common.Address {
	return common.BytesToAddress(crypto.Keccak256(asset.Bytes(), []byte(kind))[12:])
}

func (s *Simulator) deployAsset(oracle *lending.StaticOracle, a AssetConfig) error {
	addr := common.HexToAddress(a.Address)
	s.assets[a.Symbol] = simAsset{AssetConfig: a, address: addr}
	ledger := token.Deploy(s.state, addr, a.Decimals)

	price, err := parseAmount(a.Price)
	if err != nil {
		return err
	}
	if err := oracle.SetPrice(s.state, addr, price.Shift(18).BigInt()); err != nil {
		return fmt.Errorf("price %s: %w", a.Symbol, err)
	}
	if err := s.lending.InitReserve(s.state, lending.ReserveConfig{
		Underlying:           addr,
		AToken:               receiptAddress(addr, "aToken"),
		StableDebt:           receiptAddress(addr, "stableDebt"),
		VariableDebt:         receiptAddress(addr, "variableDebt"),
		LTV:                  8000,
		LiquidationThreshold: 8500,
	}); err != nil {
		return fmt.Errorf("list %s: %w", a.Symbol, err)
	}

	liquidity, err := s.units(a.Symbol, a.Liquidity)
	if err != nil {
		return err
	}
	if liquidity.Sign() == 0 {
		return nil
	}
	if err := ledger.Mint(s.state, liquiditySrc, liquidity); err != nil {
		return err
	}
	if err := ledger.Approve(s.state, liquiditySrc, s.lending.Address, token.MaxUint256); err != nil {
		return err
	}
	return s.lending.Supply(s.state, liquiditySrc, addr, liquidity, liquiditySrc)
}

func (s *Simulator) deployPool(p PoolConfig) error {
	a, b := s.assets[p.Tokens[0]], s.assets[p.Tokens[1]]
	pool, err := s.factory.CreatePool(s.state, a.address, b.address, p.Fee)
	if err != nil {
		return fmt.Errorf("pool %s/%s: %w", a.Symbol, b.Symbol, err)
	}
	amountA, err := s.units(a.Symbol, p.Reserves[0])
	if err != nil {
		return err
	}
	amountB, err := s.units(b.Symbol, p.Reserves[1])
	if err != nil {
		return err
	}
	if err := token.At(a.address).Mint(s.state, liquiditySrc, amountA); err != nil {
		return err
	}
	if err := token.At(b.address).Mint(s.state, liquiditySrc, amountB); err != nil {
		return err
	}
	if pool.Key.Token0 != a.address {
		amountA, amountB = amountB, amountA
	}
	return pool.AddLiquidity(s.state, liquiditySrc, amountA, amountB)
}

func (s *Simulator) configureBroker(sc *Scenario) error {
	if err := s.broker.Apply(s.state, &broker.Config{
		Owner:        operator,
		LendingPool:  s.lending.Address,
		Factory:      s.factory.Address,
		InitCodeHash: poolInitHash,
	}); err != nil {
		return err
	}
	addrs := make([]common.Address, 0, len(sc.Assets))
	for _, a := range sc.Assets {
		addr := s.assets[a.Symbol].address
		addrs = append(addrs, addr)
		if _, err := s.call(operator, broker.MethodRegisterAsset, addr,
			receiptAddress(addr, "aToken"), receiptAddress(addr, "stableDebt"), receiptAddress(addr, "variableDebt"),
		); err != nil {
			return fmt.Errorf("register %s: %w", a.Symbol, err)
		}
	}
	if _, err := s.call(operator, broker.MethodApproveLendingPool, addrs); err != nil {
		return err
	}
	s.log.Info("broker configured",
		"address", s.broker.Address,
		"lp", registry.LPNumber(s.broker.Address),
		"assets", len(addrs),
		"pools", s.factory.PoolCount(s.state),
	)
	return nil
}

func (s *Simulator) fundTrader(sc *Scenario) error {
	for _, a := range s.assets {
		if err := token.At(a.address).Approve(s.state, s.trader, s.lending.Address, token.MaxUint256); err != nil {
			return err
		}
		if err := token.At(a.address).Approve(s.state, s.trader, s.broker.Address, token.MaxUint256); err != nil {
			return err
		}
		for _, debt := range []string{"stableDebt", "variableDebt"} {
			if err := s.lending.ApproveDelegation(s.state, s.trader, receiptAddress(a.address, debt), s.broker.Address, token.MaxUint256); err != nil {
				return err
			}
		}
		if err := s.lending.ApproveCollateral(s.state, s.trader, receiptAddress(a.address, "aToken"), s.broker.Address, token.MaxUint256); err != nil {
			return err
		}
	}
	for _, pos := range sc.Wallet {
		amount, err := s.units(pos.Asset, pos.Amount)
		if err != nil {
			return err
		}
		if err := token.At(s.assets[pos.Asset].address).Mint(s.state, s.trader, amount); err != nil {
			return err
		}
	}
	for _, pos := range sc.Collateral {
		amount, err := s.units(pos.Asset, pos.Amount)
		if err != nil {
			return err
		}
		addr := s.assets[pos.Asset].address
		if err := token.At(addr).Mint(s.state, s.trader, amount); err != nil {
			return err
		}
		if err := s.lending.Supply(s.state, s.trader, addr, amount, s.trader); err != nil {
			return fmt.Errorf("supply %s collateral: %w", pos.Asset, err)
		}
	}
	return nil
}

// units converts a human amount of the asset to its smallest unit.
func (s *Simulator) units(symbol, amount string) (*big.Int, error) {
	d, err := parseAmount(amount)
	if err != nil {
		return nil, fmt.Errorf("%s amount %q: %w", symbol, amount, err)
	}
	return d.Shift(int32(s.assets[symbol].Decimals)).BigInt(), nil
}

// call sends ABI calldata through the broker precompile as caller.
func (s *Simulator) call(caller common.Address, method string, args ...interface{}) ([]interface{}, error) {
	input, err := broker.ABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	ret, _, err := s.broker.Run(contract.NewAccessibleState(s.state, 0), caller, s.broker.Address, input, runGas, false)
	if err != nil {
		return nil, err
	}
	return broker.ABI.Unpack(method, ret)
}

func rateMode(s string) (uint8, error) {
	switch strings.ToLower(s) {
	case "", "variable":
		return uint8(broker.RateModeVariable), nil
	case "stable":
		return uint8(broker.RateModeStable), nil
	default:
		return 0, fmt.Errorf("%w: rate mode %q", errScenario, s)
	}
}

// Trade executes tr and returns the amount the broker reports: output for
// exact-input methods, input for exact-output ones.
func (s *Simulator) Trade(tr TradeConfig) (*big.Int, error) {
	mode, err := rateMode(tr.RateMode)
	if err != nil {
		return nil, err
	}
	tokens := make([]common.Address, len(tr.Path))
	for i, sym := range tr.Path {
		tokens[i] = s.assets[sym].address
	}
	in, out := tr.Path[0], tr.Path[len(tr.Path)-1]
	exactOut := strings.Contains(tr.Method, "ExactOut")

	amountSym := in
	if exactOut {
		amountSym = out
	}
	amount, err := s.units(amountSym, tr.Amount)
	if err != nil {
		return nil, err
	}
	limitSym := out
	if exactOut {
		limitSym = in
	}
	limit, err := s.units(limitSym, tr.Limit)
	if err != nil {
		return nil, err
	}
	if exactOut && strings.TrimSpace(tr.Limit) == "" {
		limit = token.MaxUint256
	}
	provided, err := s.units(out, tr.Provided)
	if err != nil {
		return nil, err
	}

	var results []interface{}
	if strings.HasSuffix(tr.Method, "Multi") {
		fees := tr.Fees
		if exactOut {
			tokens, fees = reverse(tokens), reverse(fees)
		}
		route, err := path.Encode(tokens, fees)
		if err != nil {
			return nil, err
		}
		results, err = s.call(s.trader, tr.Method, route, provided, mode, amount, limit)
		if err != nil {
			return nil, err
		}
	} else {
		results, err = s.call(s.trader, tr.Method,
			tokens[0], tokens[1], new(big.Int).SetUint64(uint64(tr.Fees[0])),
			provided, mode, amount, new(big.Int), limit,
		)
		if err != nil {
			return nil, err
		}
	}
	return results[0].(*big.Int), nil
}

func reverse[T any](in []T) []T {
	out := make([]T, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}

// Account reads the trader's position through the broker's data viewer.
func (s *Simulator) Account() (AccountReport, error) {
	values, err := s.call(s.trader, broker.MethodGetUserAccountData, s.trader)
	if err != nil {
		return AccountReport{}, err
	}
	base := func(i int) decimal.Decimal {
		return decimal.NewFromBigInt(values[i].(*big.Int), -18)
	}
	hf := "inf"
	if raw := values[5].(*big.Int); raw.Cmp(token.MaxUint256) != 0 {
		hf = decimal.NewFromBigInt(raw, -18).StringFixed(4)
	}
	return AccountReport{
		TotalCollateral: base(0),
		TotalDebt:       base(1),
		AvailableBorrow: base(2),
		HealthFactor:    hf,
	}, nil
}

// Run executes every trade of sc in order. A failed trade is reported and
// the run continues with the next one.
func (s *Simulator) Run(sc *Scenario) (*Report, error) {
	before, err := s.Account()
	if err != nil {
		return nil, err
	}
	report := &Report{Before: before}
	for _, tr := range sc.Trades {
		tradeReport := TradeReport{Method: tr.Method, Path: strings.Join(tr.Path, ">")}
		result, err := s.Trade(tr)
		if err != nil {
			s.log.Warn("trade failed", "method", tr.Method, "path", tradeReport.Path, "err", err)
			tradeReport.Err = err.Error()
		} else {
			resultSym := tr.Path[len(tr.Path)-1]
			if strings.Contains(tr.Method, "ExactOut") {
				resultSym = tr.Path[0]
			}
			tradeReport.Result = decimal.NewFromBigInt(result, -int32(s.assets[resultSym].Decimals))
		}
		report.Trades = append(report.Trades, tradeReport)
	}
	if report.After, err = s.Account(); err != nil {
		return nil, err
	}
	if report.Audit, err = s.journal.Len(); err != nil {
		return nil, err
	}
	return report, nil
}
