package vault

import (
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog/log"

	"github.com/tranchelabs/vault-api/internal/fixedpoint"
)

// SellNote purchases a promissory note from its holder at the pricing
// engine's quote. The quote is computed against pre-purchase utilization.
// Rejected sales leave all state untouched.
func (s *Service) SellNote(seller, noteToken, noteID string, minimumPrice *uint256.Int) (*uint256.Int, error) {
	if seller == "" || noteToken == "" || noteID == "" {
		return nil, ErrInvalidAddress
	}
	if minimumPrice == nil {
		minimumPrice = uint256.NewInt(0)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.loans[noteID]; exists {
		return nil, ErrUnsupportedNote
	}
	if !s.adapter.IsSupported(noteID, s.currency.Symbol()) {
		return nil, ErrUnsupportedNote
	}
	if !s.adapter.IsActive(noteID) {
		return nil, ErrUnsupportedNote
	}
	info, err := s.adapter.GetLoanInfo(noteID)
	if err != nil {
		return nil, ErrUnsupportedNote
	}

	now := s.clock.Now()
	price, err := s.pricing.PriceLoan(info.CollateralToken, info.Principal, info.Repayment, info.Duration, info.Maturity, s.utilizationLocked())
	if err != nil {
		return nil, err
	}
	if price.Lt(minimumPrice) {
		return nil, ErrPriceTooLow
	}

	// Reserves are held back from purchases to keep redemptions liquid.
	capacity := fixedpoint.SubSat(s.totalCash, s.reservesLocked())
	if capacity.Lt(price) {
		return nil, ErrInsufficientLiquidity
	}

	senior := s.tranches[Senior]
	junior := s.tranches[Junior]
	totalDeposits := new(uint256.Int).Add(senior.depositValue, junior.depositValue)
	if totalDeposits.IsZero() {
		return nil, ErrInsufficientLiquidity
	}
	seniorAllocation, err := fixedpoint.MulDiv(price, senior.depositValue, totalDeposits)
	if err != nil {
		return nil, err
	}
	juniorAllocation := new(uint256.Int).Sub(price, seniorAllocation)

	remaining := info.Maturity.Sub(now)
	seniorExposureRate, err := fixedpoint.Mul(seniorAllocation, s.seniorTrancheRate)
	if err != nil {
		return nil, err
	}
	seniorReturn, err := fixedpoint.Mul(seniorExposureRate, fixedpoint.YearsFromSeconds(uint64(remaining/time.Second)))
	if err != nil {
		return nil, err
	}

	// Validation complete; commit. Note in, cash out, then book the loan.
	if err := s.collateral.TransferFrom(seller, VaultAccount, noteToken, noteID); err != nil {
		return nil, err
	}
	if err := s.currency.TransferFrom(VaultAccount, seller, price); err != nil {
		// Return the note; the sale did not happen.
		_ = s.collateral.TransferFrom(VaultAccount, seller, noteToken, noteID)
		return nil, err
	}

	s.totalCash.Sub(s.totalCash, price)
	s.totalLoan.Add(s.totalLoan, price)

	loan := &ActiveLoan{
		NoteToken:         noteToken,
		NoteID:            noteID,
		Borrower:          info.Borrower,
		CollateralToken:   info.CollateralToken,
		CollateralTokenID: info.CollateralTokenID,
		Principal:         new(uint256.Int).Set(info.Principal),
		Repayment:         new(uint256.Int).Set(info.Repayment),
		PurchasePrice:     price,
		PurchaseTime:      now,
		Maturity:          info.Maturity,
		SeniorAllocation:  seniorAllocation,
		JuniorAllocation:  juniorAllocation,
		SeniorReturn:      seniorReturn,
		Status:            LoanStatusPurchased,
	}
	s.loans[noteID] = loan
	s.persistLoan(loan)

	s.recordEvent(EventNotePurchased, noteID, seller, map[string]string{
		"purchase_price":    fixedpoint.Format(price),
		"senior_allocation": fixedpoint.Format(seniorAllocation),
		"junior_allocation": fixedpoint.Format(juniorAllocation),
		"senior_return":     fixedpoint.Format(seniorReturn),
	})
	log.Info().
		Str("service", "vault").
		Str("note_id", noteID).
		Str("seller", seller).
		Str("purchase_price", fixedpoint.Format(price)).
		Str("senior_allocation", fixedpoint.Format(seniorAllocation)).
		Str("senior_return", fixedpoint.Format(seniorReturn)).
		Msg("note purchased")
	return new(uint256.Int).Set(price), nil
}

// OnLoanRepaid processes full repayment of a purchased note: the repayment
// amount is pulled from the borrower and distributed through the waterfall.
func (s *Service) OnLoanRepaid(noteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loan, ok := s.loans[noteID]
	if !ok {
		return ErrUnknownLoan
	}
	if loan.Status != LoanStatusPurchased {
		return ErrLoanAlreadyResolved
	}
	if !s.adapter.IsComplete(noteID) {
		return ErrUnknownLoan
	}

	if err := s.currency.TransferFrom(loan.Borrower, VaultAccount, loan.Repayment); err != nil {
		return err
	}

	s.totalCash.Add(s.totalCash, loan.Repayment)
	s.totalLoan = fixedpoint.SubSat(s.totalLoan, loan.PurchasePrice)
	loan.Status = LoanStatusRepaid

	if err := s.realizeLocked(loan, loan.Repayment); err != nil {
		return err
	}
	s.persistLoan(loan)

	s.recordEvent(EventLoanRepaid, noteID, loan.Borrower, map[string]string{
		"repayment": fixedpoint.Format(loan.Repayment),
	})
	log.Info().
		Str("service", "vault").
		Str("note_id", noteID).
		Str("repayment", fixedpoint.Format(loan.Repayment)).
		Msg("loan repaid")
	return nil
}

// OnLoanLiquidated marks a matured, unrepaid note as in liquidation. No
// balances move; losses are realized only once collateral proceeds arrive.
func (s *Service) OnLoanLiquidated(noteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loan, ok := s.loans[noteID]
	if !ok {
		return ErrUnknownLoan
	}
	if loan.Status != LoanStatusPurchased {
		return ErrLoanAlreadyResolved
	}
	if !s.clock.Now().After(loan.Maturity) {
		return ErrLoanNotExpired
	}

	loan.Status = LoanStatusLiquidating
	s.persistLoan(loan)

	s.recordEvent(EventLoanLiquidated, noteID, "", map[string]string{
		"maturity": loan.Maturity.UTC().Format(time.RFC3339),
	})
	log.Info().
		Str("service", "vault").
		Str("note_id", noteID).
		Msg("loan entered liquidation")
	return nil
}

// WithdrawCollateral releases the defaulted loan's collateral to the
// designated liquidator for off-platform disposal.
func (s *Service) WithdrawCollateral(caller, noteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.liquidator == "" || caller != s.liquidator {
		return ErrUnauthorized
	}
	loan, ok := s.loans[noteID]
	if !ok {
		return ErrUnknownLoan
	}
	if loan.Status != LoanStatusLiquidating {
		return ErrLoanNotLiquidating
	}

	if err := s.collateral.TransferFrom(VaultAccount, s.liquidator, loan.CollateralToken, loan.CollateralTokenID); err != nil {
		return err
	}

	loan.Status = LoanStatusCollateralWithdrawn
	s.persistLoan(loan)

	s.recordEvent(EventCollateralWithdrawn, noteID, caller, map[string]string{
		"collateral_token":    loan.CollateralToken,
		"collateral_token_id": loan.CollateralTokenID,
	})
	log.Info().
		Str("service", "vault").
		Str("note_id", noteID).
		Str("liquidator", caller).
		Msg("collateral withdrawn")
	return nil
}

// OnCollateralLiquidated receives sale proceeds for withdrawn collateral and
// distributes them through the waterfall, resolving the loan.
func (s *Service) OnCollateralLiquidated(caller, noteID string, proceeds *uint256.Int) error {
	if proceeds == nil {
		return ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.liquidator == "" || caller != s.liquidator {
		return ErrUnauthorized
	}
	loan, ok := s.loans[noteID]
	if !ok {
		return ErrUnknownLoan
	}
	if loan.Status != LoanStatusCollateralWithdrawn {
		return ErrLoanNotLiquidating
	}

	if !proceeds.IsZero() {
		if err := s.currency.TransferFrom(caller, VaultAccount, proceeds); err != nil {
			return err
		}
	}

	s.totalCash.Add(s.totalCash, proceeds)
	s.totalLoan = fixedpoint.SubSat(s.totalLoan, loan.PurchasePrice)
	loan.Status = LoanStatusResolved

	if err := s.realizeLocked(loan, proceeds); err != nil {
		return err
	}
	s.persistLoan(loan)

	s.recordEvent(EventCollateralLiquidated, noteID, caller, map[string]string{
		"proceeds": fixedpoint.Format(proceeds),
	})
	log.Info().
		Str("service", "vault").
		Str("note_id", noteID).
		Str("proceeds", fixedpoint.Format(proceeds)).
		Msg("collateral liquidated")
	return nil
}

// realizeLocked applies the waterfall to realized proceeds. The senior
// tranche receives up to its allocation plus its contractual return; the
// junior tranche takes whatever remains. Each tranche's deposit value moves
// by the difference between what it received and what it committed, with
// losses floored at zero deposit value. After the split, pending redemptions
// settle against the new cash and both redemption share prices advance.
// Caller holds s.mu.
func (s *Service) realizeLocked(loan *ActiveLoan, proceeds *uint256.Int) error {
	seniorEntitlement := new(uint256.Int).Add(loan.SeniorAllocation, loan.SeniorReturn)
	seniorReceives := fixedpoint.Min(proceeds, seniorEntitlement)
	juniorReceives := new(uint256.Int).Sub(proceeds, seniorReceives)

	senior := s.tranches[Senior]
	junior := s.tranches[Junior]
	senior.depositValue.Add(senior.depositValue, seniorReceives)
	senior.depositValue = fixedpoint.SubSat(senior.depositValue, loan.SeniorAllocation)
	junior.depositValue.Add(junior.depositValue, juniorReceives)
	junior.depositValue = fixedpoint.SubSat(junior.depositValue, loan.JuniorAllocation)

	for i := Senior; i < trancheCount; i++ {
		s.settleRedemptionsLocked(i)
	}
	return s.advanceRedemptionPricesLocked(s.clock.Now())
}

// persistLoan upserts the loan's audit record. Like events, persistence is
// best-effort against the authoritative in-memory ledger.
func (s *Service) persistLoan(loan *ActiveLoan) {
	if err := s.db.SaveLoan(loanToRecord(loan)); err != nil {
		log.Error().
			Err(err).
			Str("service", "vault").
			Str("note_id", loan.NoteID).
			Msg("failed to persist loan record")
	}
}

func loanToRecord(loan *ActiveLoan) *LoanRecord {
	return &LoanRecord{
		NoteToken:         loan.NoteToken,
		NoteID:            loan.NoteID,
		Borrower:          loan.Borrower,
		CollateralToken:   loan.CollateralToken,
		CollateralTokenID: loan.CollateralTokenID,
		Principal:         fixedpoint.Format(loan.Principal),
		Repayment:         fixedpoint.Format(loan.Repayment),
		PurchasePrice:     fixedpoint.Format(loan.PurchasePrice),
		PurchaseTime:      loan.PurchaseTime,
		Maturity:          loan.Maturity,
		SeniorAllocation:  fixedpoint.Format(loan.SeniorAllocation),
		JuniorAllocation:  fixedpoint.Format(loan.JuniorAllocation),
		SeniorReturn:      fixedpoint.Format(loan.SeniorReturn),
		Status:            loan.Status,
	}
}
