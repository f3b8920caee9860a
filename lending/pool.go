// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package lending implements an Aave-style lending pool: suppliers receive
// interest-bearing collateral receipts, borrowers carry stable or variable
// debt receipts, and credit can be delegated to a third party that borrows on
// the debtor's behalf.
package lending

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
	ethtypes "github.com/luxfi/geth/core/types"

	"github.com/parsdao/broker/contract"
	"github.com/parsdao/broker/token"
)

// RateMode selects which debt receipt a borrow or repay touches.
type RateMode uint8

const (
	RateModeNone     RateMode = 0
	RateModeStable   RateMode = 1
	RateModeVariable RateMode = 2
)

func (m RateMode) Valid() bool {
	return m == RateModeStable || m == RateModeVariable
}

func (m RateMode) String() string {
	switch m {
	case RateModeStable:
		return "stable"
	case RateModeVariable:
		return "variable"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// BPS is the basis-point denominator for LTV and liquidation thresholds.
const BPS = 10_000

// Errors - Lending
var (
	ErrReserveNotFound         = errors.New("reserve not found")
	ErrReserveAlreadyExists    = errors.New("reserve already exists")
	ErrInvalidCollateralFactor = errors.New("invalid collateral factor")
	ErrInvalidReserveConfig    = errors.New("invalid reserve config")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidRateMode         = errors.New("invalid interest rate mode")
	ErrInsufficientCollateral  = errors.New("insufficient collateral")
	ErrHealthFactorTooLow      = errors.New("health factor below minimum")
	ErrInsufficientLiquidity   = errors.New("insufficient liquidity")
	ErrNoDebtToRepay           = errors.New("no debt to repay")
	ErrPriceUnavailable        = errors.New("price unavailable")

	ErrInsufficientAllowance = token.ErrInsufficientAllowance
	ErrInsufficientBalance   = token.ErrInsufficientBalance
)

// Storage key prefixes for lending state
var (
	reservePrefix   = []byte("lend/resv")
	modelPrefix     = []byte("lend/model")
	reserveAtPrefix = []byte("lend/at")
	reserveCountKey = contract.StorageKey([]byte("lend/count"))
)

var (
	supplyEventTopic   = common.BytesToHash(crypto.Keccak256([]byte("Supply(address,address,uint256)")))
	withdrawEventTopic = common.BytesToHash(crypto.Keccak256([]byte("Withdraw(address,address,uint256)")))
	borrowEventTopic   = common.BytesToHash(crypto.Keccak256([]byte("Borrow(address,address,uint256,uint8)")))
	repayEventTopic    = common.BytesToHash(crypto.Keccak256([]byte("Repay(address,address,uint256,uint8)")))
)

// ReserveConfig describes one market.
type ReserveConfig struct {
	Underlying   common.Address
	AToken       common.Address // collateral receipt
	StableDebt   common.Address // stable-rate debt receipt
	VariableDebt common.Address // variable-rate debt receipt

	LTV                  uint64   // Max borrow against this collateral (bps)
	LiquidationThreshold uint64   // Health factor weight (bps)
	StableRate           *big.Int // Annual stable borrow rate, scaled by RAY
	Model                *InterestRateModel
}

// DebtToken returns the receipt tracking debt of the given mode.
func (c ReserveConfig) DebtToken(mode RateMode) common.Address {
	if mode == RateModeStable {
		return c.StableDebt
	}
	return c.VariableDebt
}

// ReserveState holds the accrual indices of a reserve. Receipt balances are
// stored scaled; the real amount is scaled * index / RAY.
type ReserveState struct {
	LiquidityIndex      *big.Int
	VariableBorrowIndex *big.Int
	StableBorrowIndex   *big.Int
	LastUpdateBlock     uint64
}

// Pool is the lending pool at Address. All of its state is in the StateDB.
type Pool struct {
	Address common.Address
	Oracle  Oracle
}

// NewPool creates a lending pool handle.
func NewPool(addr common.Address, oracle Oracle) *Pool {
	return &Pool{Address: addr, Oracle: oracle}
}

// =========================================================================
// Admin Functions
// =========================================================================

// InitReserve lists a new market. Receipt tokens that are not yet deployed
// are deployed with the underlying's decimals.
func (p *Pool) InitReserve(state contract.StateDB, cfg ReserveConfig) error {
	if cfg.Underlying == (common.Address{}) || cfg.AToken == (common.Address{}) ||
		cfg.StableDebt == (common.Address{}) || cfg.VariableDebt == (common.Address{}) {
		return fmt.Errorf("%w: zero address", ErrInvalidReserveConfig)
	}
	if cfg.LTV > cfg.LiquidationThreshold || cfg.LiquidationThreshold > BPS {
		return fmt.Errorf("%w: ltv %d, threshold %d", ErrInvalidCollateralFactor, cfg.LTV, cfg.LiquidationThreshold)
	}
	if p.listed(state, cfg.Underlying) {
		return fmt.Errorf("%w: %s", ErrReserveAlreadyExists, cfg.Underlying.Hex())
	}
	if cfg.Model == nil {
		cfg.Model = DefaultInterestRateModel()
	}
	if cfg.StableRate == nil {
		cfg.StableRate = pct(5)
	}

	decimals := token.At(cfg.Underlying).Decimals(state)
	for _, receipt := range []common.Address{cfg.AToken, cfg.StableDebt, cfg.VariableDebt} {
		if !token.At(receipt).Deployed(state) {
			token.Deploy(state, receipt, decimals)
		}
	}

	a := cfg.Underlying
	p.setAddr(state, a, "atoken", cfg.AToken)
	p.setAddr(state, a, "sdebt", cfg.StableDebt)
	p.setAddr(state, a, "vdebt", cfg.VariableDebt)
	contract.SetUint64(state, p.Address, p.key(a, "ltv"), cfg.LTV)
	contract.SetUint64(state, p.Address, p.key(a, "lt"), cfg.LiquidationThreshold)
	contract.SetBig(state, p.Address, p.key(a, "srate"), cfg.StableRate)
	contract.SetUint64(state, p.Address, p.key(a, "listed"), 1)
	saveModel(state, p.Address, a, cfg.Model)

	p.saveReserveState(state, a, ReserveState{
		LiquidityIndex:      new(big.Int).Set(RAY),
		VariableBorrowIndex: new(big.Int).Set(RAY),
		StableBorrowIndex:   new(big.Int).Set(RAY),
		LastUpdateBlock:     state.GetBlockNumber(),
	})

	n := contract.GetUint64(state, p.Address, reserveCountKey)
	contract.SetAddress(state, p.Address, contract.StorageKey(reserveAtPrefix, contract.Uint64Bytes(n)), a)
	contract.SetUint64(state, p.Address, reserveCountKey, n+1)
	return nil
}

// Reserves lists every market in listing order.
func (p *Pool) Reserves(state contract.StateDB) []common.Address {
	n := contract.GetUint64(state, p.Address, reserveCountKey)
	out := make([]common.Address, 0, n)
	for i := uint64(0); i < n; i++ {
		out = append(out, contract.GetAddress(state, p.Address, contract.StorageKey(reserveAtPrefix, contract.Uint64Bytes(i))))
	}
	return out
}

// ReserveConfig returns the configuration of asset's market.
func (p *Pool) ReserveConfig(state contract.StateDB, asset common.Address) (ReserveConfig, error) {
	if !p.listed(state, asset) {
		return ReserveConfig{}, fmt.Errorf("%w: %s", ErrReserveNotFound, asset.Hex())
	}
	return ReserveConfig{
		Underlying:           asset,
		AToken:               p.getAddr(state, asset, "atoken"),
		StableDebt:           p.getAddr(state, asset, "sdebt"),
		VariableDebt:         p.getAddr(state, asset, "vdebt"),
		LTV:                  contract.GetUint64(state, p.Address, p.key(asset, "ltv")),
		LiquidationThreshold: contract.GetUint64(state, p.Address, p.key(asset, "lt")),
		StableRate:           contract.GetBig(state, p.Address, p.key(asset, "srate")),
		Model:                loadModel(state, p.Address, asset),
	}, nil
}

// ReserveData returns asset's indices as of the current block.
func (p *Pool) ReserveData(state contract.StateDB, asset common.Address) (ReserveState, error) {
	cfg, err := p.ReserveConfig(state, asset)
	if err != nil {
		return ReserveState{}, err
	}
	return p.projected(state, cfg), nil
}

// =========================================================================
// Core Lending Operations
// =========================================================================

// Supply pulls amount of asset from sender and credits the collateral
// receipt to onBehalfOf. The pool must hold an allowance from sender.
func (p *Pool) Supply(state contract.StateDB, sender, asset common.Address, amount *big.Int, onBehalfOf common.Address) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	cfg, rs, err := p.accrue(state, asset)
	if err != nil {
		return err
	}
	if err := token.At(asset).TransferFrom(state, p.Address, sender, p.Address, amount); err != nil {
		return fmt.Errorf("supply %s: %w", asset.Hex(), err)
	}
	scaled := rayDiv(amount, rs.LiquidityIndex)
	if scaled.Sign() == 0 {
		return ErrInvalidAmount
	}
	if err := token.At(cfg.AToken).Mint(state, onBehalfOf, scaled); err != nil {
		return err
	}
	p.emit(state, supplyEventTopic, asset, onBehalfOf, amount, nil)
	return nil
}

// Withdraw burns sender's collateral receipt and sends the underlying to to.
// An amount of MaxUint256 withdraws everything. The withdrawal must leave
// sender's health factor at or above one.
func (p *Pool) Withdraw(state contract.StateDB, sender, asset common.Address, amount *big.Int, to common.Address) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	cfg, rs, err := p.accrue(state, asset)
	if err != nil {
		return nil, err
	}
	aToken := token.At(cfg.AToken)
	scaledBal := aToken.BalanceOf(state, sender)
	balance := rayMul(scaledBal, rs.LiquidityIndex)
	if amount.Cmp(token.MaxUint256) == 0 {
		amount = balance
	}
	if amount.Sign() == 0 || amount.Cmp(balance) > 0 {
		return nil, fmt.Errorf("%w: %s holds %s collateral of %s, withdrawing %s", ErrInsufficientBalance, sender.Hex(), balance, asset.Hex(), amount)
	}
	if cash := token.At(asset).BalanceOf(state, p.Address); cash.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: %s available", ErrInsufficientLiquidity, cash)
	}

	burn := scaledBal
	if amount.Cmp(balance) < 0 {
		burn = minBig(rayDivUp(amount, rs.LiquidityIndex), scaledBal)
	}
	if err := aToken.Burn(state, sender, burn); err != nil {
		return nil, err
	}
	if err := token.At(asset).Transfer(state, p.Address, to, amount); err != nil {
		return nil, err
	}
	if err := p.requireHealthy(state, sender); err != nil {
		return nil, err
	}
	p.emit(state, withdrawEventTopic, asset, sender, amount, nil)
	return amount, nil
}

// Borrow mints debt of the given mode to onBehalfOf and sends the underlying
// to sender. When sender borrows for someone else it spends the credit
// delegated to it on the debt receipt.
func (p *Pool) Borrow(state contract.StateDB, sender, asset common.Address, amount *big.Int, mode RateMode, onBehalfOf common.Address) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidRateMode, mode)
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	cfg, rs, err := p.accrue(state, asset)
	if err != nil {
		return err
	}
	debtToken := token.At(cfg.DebtToken(mode))
	if sender != onBehalfOf {
		if err := debtToken.SpendAllowance(state, onBehalfOf, sender, amount); err != nil {
			return fmt.Errorf("borrow delegation on %s: %w", debtToken.Address.Hex(), err)
		}
	}
	if cash := token.At(asset).BalanceOf(state, p.Address); cash.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s available, %s requested", ErrInsufficientLiquidity, cash, amount)
	}

	if err := debtToken.Mint(state, onBehalfOf, rayDivUp(amount, debtIndex(rs, mode))); err != nil {
		return err
	}
	data, err := p.GetUserAccountData(state, onBehalfOf)
	if err != nil {
		return err
	}
	if data.TotalDebtBase.Cmp(data.borrowCapacity) > 0 {
		return fmt.Errorf("%w: debt %s exceeds borrowing power %s", ErrInsufficientCollateral, data.TotalDebtBase, data.borrowCapacity)
	}
	if err := token.At(asset).Transfer(state, p.Address, sender, amount); err != nil {
		return err
	}
	p.emit(state, borrowEventTopic, asset, onBehalfOf, amount, []byte{byte(mode)})
	return nil
}

// Repay pulls up to amount from sender against onBehalfOf's debt of the given
// mode. Repayment is capped at the outstanding debt; the repaid amount is
// returned.
func (p *Pool) Repay(state contract.StateDB, sender, asset common.Address, amount *big.Int, mode RateMode, onBehalfOf common.Address) (*big.Int, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRateMode, mode)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	cfg, rs, err := p.accrue(state, asset)
	if err != nil {
		return nil, err
	}
	debtToken := token.At(cfg.DebtToken(mode))
	index := debtIndex(rs, mode)
	scaledDebt := debtToken.BalanceOf(state, onBehalfOf)
	debt := rayMulUp(scaledDebt, index)
	if debt.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s owes no %s %s", ErrNoDebtToRepay, onBehalfOf.Hex(), mode, asset.Hex())
	}

	repay := minBig(amount, debt)
	if err := token.At(asset).TransferFrom(state, p.Address, sender, p.Address, repay); err != nil {
		return nil, fmt.Errorf("repay %s: %w", asset.Hex(), err)
	}
	burn := scaledDebt
	if repay.Cmp(debt) < 0 {
		burn = minBig(rayDiv(repay, index), scaledDebt)
	}
	if err := debtToken.Burn(state, onBehalfOf, burn); err != nil {
		return nil, err
	}
	p.emit(state, repayEventTopic, asset, onBehalfOf, repay, []byte{byte(mode)})
	return repay, nil
}

// =========================================================================
// Receipt Allowances
// =========================================================================

// ApproveDelegation lets delegatee borrow up to amount against delegator's
// collateral, in the mode of debtToken.
func (p *Pool) ApproveDelegation(state contract.StateDB, delegator, debtToken, delegatee common.Address, amount *big.Int) error {
	return token.At(debtToken).Approve(state, delegator, delegatee, amount)
}

// BorrowAllowance is the credit delegator has left for delegatee.
func (p *Pool) BorrowAllowance(state contract.StateDB, debtToken, delegator, delegatee common.Address) *big.Int {
	return token.At(debtToken).Allowance(state, delegator, delegatee)
}

// ApproveCollateral lets spender move up to amount of owner's collateral
// receipt, in underlying units.
func (p *Pool) ApproveCollateral(state contract.StateDB, owner, aToken, spender common.Address, amount *big.Int) error {
	return token.At(aToken).Approve(state, owner, spender, amount)
}

// TransferCollateral moves amount of from's collateral in asset to to,
// spending spender's allowance. The sender side must stay healthy.
func (p *Pool) TransferCollateral(state contract.StateDB, spender, from, to, asset common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	cfg, rs, err := p.accrue(state, asset)
	if err != nil {
		return err
	}
	aToken := token.At(cfg.AToken)
	if spender != from {
		if err := aToken.SpendAllowance(state, from, spender, amount); err != nil {
			return fmt.Errorf("collateral allowance on %s: %w", cfg.AToken.Hex(), err)
		}
	}
	scaledBal := aToken.BalanceOf(state, from)
	balance := rayMul(scaledBal, rs.LiquidityIndex)
	if amount.Cmp(balance) > 0 {
		return fmt.Errorf("%w: %s holds %s collateral of %s, moving %s", ErrInsufficientBalance, from.Hex(), balance, asset.Hex(), amount)
	}
	moved := scaledBal
	if amount.Cmp(balance) < 0 {
		moved = minBig(rayDivUp(amount, rs.LiquidityIndex), scaledBal)
	}
	if err := aToken.Transfer(state, from, to, moved); err != nil {
		return err
	}
	return p.requireHealthy(state, from)
}

// =========================================================================
// Balances
// =========================================================================

// ATokenBalance is user's collateral in asset, in underlying units.
func (p *Pool) ATokenBalance(state contract.StateDB, asset, user common.Address) *big.Int {
	cfg, err := p.ReserveConfig(state, asset)
	if err != nil {
		return big.NewInt(0)
	}
	rs := p.projected(state, cfg)
	return rayMul(token.At(cfg.AToken).BalanceOf(state, user), rs.LiquidityIndex)
}

func (p *Pool) StableDebtBalance(state contract.StateDB, asset, user common.Address) *big.Int {
	return p.DebtBalance(state, asset, user, RateModeStable)
}

func (p *Pool) VariableDebtBalance(state contract.StateDB, asset, user common.Address) *big.Int {
	return p.DebtBalance(state, asset, user, RateModeVariable)
}

// DebtBalance is user's debt of the given mode in asset.
func (p *Pool) DebtBalance(state contract.StateDB, asset, user common.Address, mode RateMode) *big.Int {
	cfg, err := p.ReserveConfig(state, asset)
	if err != nil || !mode.Valid() {
		return big.NewInt(0)
	}
	rs := p.projected(state, cfg)
	return rayMulUp(token.At(cfg.DebtToken(mode)).BalanceOf(state, user), debtIndex(rs, mode))
}

// =========================================================================
// Internal Functions
// =========================================================================

// projected computes the reserve indices as of the current block without
// writing them.
func (p *Pool) projected(state contract.StateDB, cfg ReserveConfig) ReserveState {
	rs := p.reserveState(state, cfg.Underlying)
	now := state.GetBlockNumber()
	if now <= rs.LastUpdateBlock {
		return rs
	}
	blocks := now - rs.LastUpdateBlock
	rs.LastUpdateBlock = now

	sSupply := token.At(cfg.StableDebt).TotalSupply(state)
	vSupply := token.At(cfg.VariableDebt).TotalSupply(state)
	oldDebt := new(big.Int).Add(rayMul(sSupply, rs.StableBorrowIndex), rayMul(vSupply, rs.VariableBorrowIndex))
	if oldDebt.Sign() == 0 {
		return rs
	}

	cash := token.At(cfg.Underlying).BalanceOf(state, p.Address)
	rs.VariableBorrowIndex = GrowIndex(rs.VariableBorrowIndex, cfg.Model.GetBorrowRate(cash, oldDebt), blocks)
	rs.StableBorrowIndex = GrowIndex(rs.StableBorrowIndex, toBlockRate(cfg.StableRate), blocks)

	newDebt := new(big.Int).Add(rayMul(sSupply, rs.StableBorrowIndex), rayMul(vSupply, rs.VariableBorrowIndex))
	interest := newDebt.Sub(newDebt, oldDebt)
	supplierShare := new(big.Int).Mul(interest, new(big.Int).Sub(RAY, cfg.Model.ReserveFactor))
	supplierShare.Div(supplierShare, RAY)

	supplied := rayMul(token.At(cfg.AToken).TotalSupply(state), rs.LiquidityIndex)
	if supplied.Sign() > 0 {
		growth := new(big.Int).Mul(rs.LiquidityIndex, supplierShare)
		growth.Div(growth, supplied)
		rs.LiquidityIndex = new(big.Int).Add(rs.LiquidityIndex, growth)
	}
	return rs
}

// accrue brings asset's indices up to the current block and stores them.
func (p *Pool) accrue(state contract.StateDB, asset common.Address) (ReserveConfig, ReserveState, error) {
	cfg, err := p.ReserveConfig(state, asset)
	if err != nil {
		return ReserveConfig{}, ReserveState{}, err
	}
	rs := p.projected(state, cfg)
	p.saveReserveState(state, asset, rs)
	return cfg, rs, nil
}

func (p *Pool) requireHealthy(state contract.StateDB, user common.Address) error {
	data, err := p.GetUserAccountData(state, user)
	if err != nil {
		return err
	}
	if data.HealthFactor.Cmp(RAY) < 0 {
		return fmt.Errorf("%w: %s", ErrHealthFactorTooLow, data.HealthFactor)
	}
	return nil
}

func (p *Pool) listed(state contract.StateDB, asset common.Address) bool {
	return contract.GetUint64(state, p.Address, p.key(asset, "listed")) == 1
}

func (p *Pool) key(asset common.Address, field string) common.Hash {
	return contract.StorageKey(reservePrefix, asset.Bytes(), []byte(field))
}

func (p *Pool) getAddr(state contract.StateDB, asset common.Address, field string) common.Address {
	return contract.GetAddress(state, p.Address, p.key(asset, field))
}

func (p *Pool) setAddr(state contract.StateDB, asset common.Address, field string, v common.Address) {
	contract.SetAddress(state, p.Address, p.key(asset, field), v)
}

func (p *Pool) reserveState(state contract.StateDB, asset common.Address) ReserveState {
	return ReserveState{
		LiquidityIndex:      contract.GetBig(state, p.Address, p.key(asset, "liq")),
		VariableBorrowIndex: contract.GetBig(state, p.Address, p.key(asset, "vidx")),
		StableBorrowIndex:   contract.GetBig(state, p.Address, p.key(asset, "sidx")),
		LastUpdateBlock:     contract.GetUint64(state, p.Address, p.key(asset, "block")),
	}
}

func (p *Pool) saveReserveState(state contract.StateDB, asset common.Address, rs ReserveState) {
	contract.SetBig(state, p.Address, p.key(asset, "liq"), rs.LiquidityIndex)
	contract.SetBig(state, p.Address, p.key(asset, "vidx"), rs.VariableBorrowIndex)
	contract.SetBig(state, p.Address, p.key(asset, "sidx"), rs.StableBorrowIndex)
	contract.SetUint64(state, p.Address, p.key(asset, "block"), rs.LastUpdateBlock)
}

func (p *Pool) emit(state contract.StateDB, topic common.Hash, asset, user common.Address, amount *big.Int, extra []byte) {
	data := common.LeftPadBytes(amount.Bytes(), 32)
	if len(extra) > 0 {
		data = append(data, common.LeftPadBytes(extra, 32)...)
	}
	state.AddLog(&ethtypes.Log{
		Address: p.Address,
		Topics: []common.Hash{
			topic,
			common.BytesToHash(asset.Bytes()),
			common.BytesToHash(user.Bytes()),
		},
		Data:        data,
		BlockNumber: state.GetBlockNumber(),
	})
}

func debtIndex(rs ReserveState, mode RateMode) *big.Int {
	if mode == RateModeStable {
		return rs.StableBorrowIndex
	}
	return rs.VariableBorrowIndex
}

func rayMul(a, index *big.Int) *big.Int {
	r := new(big.Int).Mul(a, index)
	return r.Div(r, RAY)
}

func rayMulUp(a, index *big.Int) *big.Int {
	return ceilDiv(new(big.Int).Mul(a, index), RAY)
}

func rayDiv(a, index *big.Int) *big.Int {
	r := new(big.Int).Mul(a, RAY)
	return r.Div(r, index)
}

func rayDivUp(a, index *big.Int) *big.Int {
	return ceilDiv(new(big.Int).Mul(a, RAY), index)
}

func ceilDiv(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
