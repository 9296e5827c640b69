package vault

import (
	"time"

	"github.com/holiman/uint256"
	"gorm.io/gorm"
)

// Tranche identifies one of the pool's two capital classes.
type Tranche int

const (
	Senior Tranche = iota
	Junior

	trancheCount = 2
)

func (t Tranche) String() string {
	switch t {
	case Senior:
		return "senior"
	case Junior:
		return "junior"
	}
	return "unknown"
}

// ParseTranche converts an API path segment into a Tranche.
func ParseTranche(s string) (Tranche, error) {
	switch s {
	case "senior":
		return Senior, nil
	case "junior":
		return Junior, nil
	}
	return 0, ErrInvalidTranche
}

// Loan lifecycle statuses. Purchased notes either repay or pass through the
// liquidation chain to resolution.
const (
	LoanStatusPurchased           = "PURCHASED"
	LoanStatusRepaid              = "REPAID"
	LoanStatusLiquidating         = "LIQUIDATING"
	LoanStatusCollateralWithdrawn = "COLLATERAL_WITHDRAWN"
	LoanStatusResolved            = "RESOLVED"
)

// ActiveLoan is the vault's record of a purchased note. The tranche
// allocation and senior return are fixed at purchase time and never
// recomputed from later tranche balances, so intervening deposits and
// withdrawals cannot corrupt gain/loss attribution.
type ActiveLoan struct {
	NoteToken         string
	NoteID            string
	Borrower          string
	CollateralToken   string
	CollateralTokenID string

	Principal     *uint256.Int
	Repayment     *uint256.Int
	PurchasePrice *uint256.Int
	PurchaseTime  time.Time
	Maturity      time.Time

	// Per-tranche share of the purchase price committed at purchase.
	SeniorAllocation *uint256.Int
	JuniorAllocation *uint256.Int
	// Contractual senior return over the note's full term.
	SeniorReturn *uint256.Int

	Status string
}

// resolved reports whether the loan has reached a terminal state.
func (l *ActiveLoan) resolved() bool {
	return l.Status == LoanStatusRepaid || l.Status == LoanStatusResolved
}

// LoanRecord is the persisted audit form of an ActiveLoan.
type LoanRecord struct {
	gorm.Model        `json:"-"`
	NoteToken         string    `json:"note_token"`
	NoteID            string    `gorm:"uniqueIndex" json:"note_id"`
	Borrower          string    `json:"borrower"`
	CollateralToken   string    `json:"collateral_token"`
	CollateralTokenID string    `json:"collateral_token_id"`
	Principal         string    `json:"principal"`
	Repayment         string    `json:"repayment"`
	PurchasePrice     string    `json:"purchase_price"`
	PurchaseTime      time.Time `json:"purchase_time"`
	Maturity          time.Time `json:"maturity"`
	SeniorAllocation  string    `json:"senior_allocation"`
	JuniorAllocation  string    `json:"junior_allocation"`
	SeniorReturn      string    `json:"senior_return"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Event is the audit record emitted by every mutating operation, capturing
// the state delta in a structured payload.
type Event struct {
	gorm.Model `json:"-"`
	EventID    string    `gorm:"uniqueIndex" json:"event_id"`
	Type       string    `json:"type"`
	NoteID     string    `gorm:"index" json:"note_id,omitempty"`
	Account    string    `json:"account,omitempty"`
	Payload    string    `json:"payload"` // JSON state delta
	CreatedAt  time.Time `json:"created_at"`
}

// Event types.
const (
	EventDeposit              = "DEPOSIT"
	EventRedemption           = "REDEMPTION"
	EventWithdrawal           = "WITHDRAWAL"
	EventNotePurchased        = "NOTE_PURCHASED"
	EventLoanRepaid           = "LOAN_REPAID"
	EventLoanLiquidated       = "LOAN_LIQUIDATED"
	EventCollateralWithdrawn  = "COLLATERAL_WITHDRAWN"
	EventCollateralLiquidated = "COLLATERAL_LIQUIDATED"
	EventParameterUpdated     = "PARAMETER_UPDATED"
)

// IdempotencyRecord prevents duplicate application of client-submitted
// mutations; the resource ID points at the event recorded for the original
// call.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// redemptionRequest is one queued redemption: shares burned at a frozen
// price, awaiting settlement by a realizing event.
type redemptionRequest struct {
	requestID string
	account   string
	shares    *uint256.Int
	amount    *uint256.Int
}

// trancheState is the authoritative in-memory ledger for one tranche.
type trancheState struct {
	depositValue         *uint256.Int
	shareSupply          *uint256.Int
	redemptionSharePrice *uint256.Int

	// Shares by depositor account.
	accounts map[string]*uint256.Int
	// FIFO queue of unsettled redemption requests.
	pending []*redemptionRequest
	// Settled redemption cash withdrawable per account.
	withdrawable map[string]*uint256.Int
}

// TrancheSnapshot is the externally visible state of a tranche.
type TrancheSnapshot struct {
	Tranche              string `json:"tranche"`
	DepositValue         string `json:"deposit_value"`
	ShareSupply          string `json:"share_supply"`
	SharePrice           string `json:"share_price"`
	RedemptionSharePrice string `json:"redemption_share_price"`
	PendingRedemptions   string `json:"pending_redemptions"`
}

// BalanceSnapshot is the externally visible pool balance state.
type BalanceSnapshot struct {
	TotalCashBalance       string `json:"total_cash_balance"`
	TotalLoanBalance       string `json:"total_loan_balance"`
	TotalWithdrawalBalance string `json:"total_withdrawal_balance"`
	ReservesAvailable      string `json:"reserves_available"`
	Utilization            string `json:"utilization"`
}
