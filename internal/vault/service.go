package vault

import (
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tranchelabs/vault-api/internal/fixedpoint"
	"github.com/tranchelabs/vault-api/internal/notes"
	"github.com/tranchelabs/vault-api/internal/pricing"
)

// VaultAccount is the pool's account identity on the token collaborators.
const VaultAccount = "vault"

// CurrencyToken is the fungible settlement asset the pool is denominated in.
type CurrencyToken interface {
	Symbol() string
	TransferFrom(from, to string, amount *uint256.Int) error
}

// CollateralRegistry transfers ownership of non-fungible tokens (notes and
// the collateral assets backing them).
type CollateralRegistry interface {
	TransferFrom(from, to, collection, tokenID string) error
}

// Service is the tranche waterfall accounting engine. All state transitions
// are serialized under a single mutex: every public operation validates
// against the current snapshot and either fully commits or leaves state
// unchanged. There is no retry anywhere in the core.
type Service struct {
	mu sync.Mutex

	db         *Database
	clock      clockwork.Clock
	pricing    *pricing.Engine
	adapter    notes.Adapter
	currency   CurrencyToken
	collateral CollateralRegistry

	liquidator        string
	seniorTrancheRate *uint256.Int
	reserveRatio      *uint256.Int

	totalCash       *uint256.Int
	totalWithdrawal *uint256.Int
	totalLoan       *uint256.Int

	tranches [trancheCount]*trancheState
	loans    map[string]*ActiveLoan
}

// NewService wires the waterfall engine to its collaborators. The note
// adapter may be replaced later via SetNoteAdapter.
func NewService(gormDB *gorm.DB, clock clockwork.Clock, pricingEngine *pricing.Engine, adapter notes.Adapter, currency CurrencyToken, collateral CollateralRegistry) *Service {
	s := &Service{
		db:                NewDatabase(gormDB),
		clock:             clock,
		pricing:           pricingEngine,
		adapter:           adapter,
		currency:          currency,
		collateral:        collateral,
		seniorTrancheRate: uint256.NewInt(0),
		reserveRatio:      uint256.NewInt(0),
		totalCash:         uint256.NewInt(0),
		totalWithdrawal:   uint256.NewInt(0),
		totalLoan:         uint256.NewInt(0),
		loans:             make(map[string]*ActiveLoan),
	}
	for i := range s.tranches {
		s.tranches[i] = &trancheState{
			depositValue:         uint256.NewInt(0),
			shareSupply:          uint256.NewInt(0),
			redemptionSharePrice: new(uint256.Int).Set(fixedpoint.One),
			accounts:             make(map[string]*uint256.Int),
			withdrawable:         make(map[string]*uint256.Int),
		}
	}
	return s
}

// SetSeniorTrancheRate replaces the annualized rate accrued to the senior
// tranche on its committed exposure in each note.
func (s *Service) SetSeniorTrancheRate(rate *uint256.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seniorTrancheRate = new(uint256.Int).Set(rate)
	log.Info().
		Str("service", "vault").
		Str("senior_tranche_rate", fixedpoint.Format(rate)).
		Msg("senior tranche rate updated")
}

// SetReserveRatio replaces the fraction of pool cash held back from note
// purchases to serve redemptions.
func (s *Service) SetReserveRatio(ratio *uint256.Int) error {
	if ratio.Gt(fixedpoint.One) {
		return ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.reserveRatio = new(uint256.Int).Set(ratio)
	log.Info().
		Str("service", "vault").
		Str("reserve_ratio", fixedpoint.Format(ratio)).
		Msg("reserve ratio updated")
	return nil
}

// SetCollateralLiquidator designates the actor collateral is released to for
// off-platform disposal.
func (s *Service) SetCollateralLiquidator(account string) error {
	if account == "" {
		return ErrInvalidAddress
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.liquidator = account
	log.Info().
		Str("service", "vault").
		Str("liquidator", account).
		Msg("collateral liquidator updated")
	return nil
}

// SetNoteAdapter replaces the lending platform adapter.
func (s *Service) SetNoteAdapter(adapter notes.Adapter) error {
	if adapter == nil {
		return ErrInvalidAddress
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.adapter = adapter
	log.Info().Str("service", "vault").Msg("note adapter updated")
	return nil
}

// SharePrice returns the tranche's current share price: realized deposit
// value plus the tranche's accrued-but-unrealized gains on active loans,
// per share. 1.0 when no shares are outstanding. Pure view.
func (s *Service) SharePrice(tranche Tranche) (*uint256.Int, error) {
	if tranche < 0 || tranche >= trancheCount {
		return nil, ErrInvalidTranche
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sharePriceLocked(tranche, s.clock.Now())
}

// RedemptionSharePrice returns the price in force for the tranche's open
// redemption batch.
func (s *Service) RedemptionSharePrice(tranche Tranche) (*uint256.Int, error) {
	if tranche < 0 || tranche >= trancheCount {
		return nil, ErrInvalidTranche
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return new(uint256.Int).Set(s.tranches[tranche].redemptionSharePrice), nil
}

// Utilization returns the fraction of pool value currently deployed into
// active notes.
func (s *Service) Utilization() *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.utilizationLocked()
}

// ReservesAvailable returns reserveRatio * totalCashBalance.
func (s *Service) ReservesAvailable() *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reservesLocked()
}

// BalanceState returns the pool-wide balance snapshot.
func (s *Service) BalanceState() *BalanceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &BalanceSnapshot{
		TotalCashBalance:       fixedpoint.Format(s.totalCash),
		TotalLoanBalance:       fixedpoint.Format(s.totalLoan),
		TotalWithdrawalBalance: fixedpoint.Format(s.totalWithdrawal),
		ReservesAvailable:      fixedpoint.Format(s.reservesLocked()),
		Utilization:            fixedpoint.Format(s.utilizationLocked()),
	}
}

// TrancheState returns the tranche's externally visible state.
func (s *Service) TrancheState(tranche Tranche) (*TrancheSnapshot, error) {
	if tranche < 0 || tranche >= trancheCount {
		return nil, ErrInvalidTranche
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tranches[tranche]
	price, err := s.sharePriceLocked(tranche, s.clock.Now())
	if err != nil {
		return nil, err
	}
	pending := uint256.NewInt(0)
	for _, r := range t.pending {
		pending.Add(pending, r.amount)
	}
	return &TrancheSnapshot{
		Tranche:              tranche.String(),
		DepositValue:         fixedpoint.Format(t.depositValue),
		ShareSupply:          fixedpoint.Format(t.shareSupply),
		SharePrice:           fixedpoint.Format(price),
		RedemptionSharePrice: fixedpoint.Format(t.redemptionSharePrice),
		PendingRedemptions:   fixedpoint.Format(pending),
	}, nil
}

// Loan returns the vault's record of a purchased note.
func (s *Service) Loan(noteID string) (*ActiveLoan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	loan, ok := s.loans[noteID]
	if !ok {
		return nil, ErrUnknownLoan
	}
	snapshot := *loan
	return &snapshot, nil
}

// TotalCashBalance returns the pool's undeployed cash.
func (s *Service) TotalCashBalance() *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(uint256.Int).Set(s.totalCash)
}

// sharePriceLocked values the tranche at time now. Caller holds s.mu.
func (s *Service) sharePriceLocked(tranche Tranche, now time.Time) (*uint256.Int, error) {
	t := s.tranches[tranche]
	if t.shareSupply.IsZero() {
		return new(uint256.Int).Set(fixedpoint.One), nil
	}

	value := new(uint256.Int).Set(t.depositValue)
	for _, loan := range s.loans {
		if loan.resolved() {
			continue
		}
		accrued, err := s.accruedGain(loan, tranche, now)
		if err != nil {
			return nil, err
		}
		value.Add(value, accrued)
	}
	return fixedpoint.Div(value, t.shareSupply)
}

// accruedGain returns the tranche's unrealized gain on a live loan, accrued
// linearly from purchase to maturity. Losses are not marked; they are
// realized by the waterfall at resolution.
func (s *Service) accruedGain(loan *ActiveLoan, tranche Tranche, now time.Time) (*uint256.Int, error) {
	elapsed := now.Sub(loan.PurchaseTime)
	if elapsed <= 0 {
		return uint256.NewInt(0), nil
	}

	var expected *uint256.Int
	if tranche == Senior {
		expected = loan.SeniorReturn
	} else {
		totalGain := fixedpoint.SubSat(loan.Repayment, loan.PurchasePrice)
		expected = fixedpoint.SubSat(totalGain, loan.SeniorReturn)
	}

	// A note bought at the maturity boundary has no term to accrue over;
	// past maturity the expected gain is due in full either way.
	termSec := uint64(loan.Maturity.Sub(loan.PurchaseTime) / time.Second)
	elapsedSec := uint64(elapsed / time.Second)
	if termSec == 0 || elapsedSec >= termSec {
		return new(uint256.Int).Set(expected), nil
	}
	return fixedpoint.MulDiv(expected, uint256.NewInt(elapsedSec), uint256.NewInt(termSec))
}

// utilizationLocked computes deployed/(cash+deployed). Caller holds s.mu.
func (s *Service) utilizationLocked() *uint256.Int {
	denominator := new(uint256.Int).Add(s.totalCash, s.totalLoan)
	if denominator.IsZero() {
		return uint256.NewInt(0)
	}
	u, err := fixedpoint.Div(s.totalLoan, denominator)
	if err != nil {
		return uint256.NewInt(0)
	}
	return u
}

// reservesLocked computes reserveRatio * totalCash. Caller holds s.mu.
func (s *Service) reservesLocked() *uint256.Int {
	r, err := fixedpoint.Mul(s.reserveRatio, s.totalCash)
	if err != nil {
		return uint256.NewInt(0)
	}
	return r
}
