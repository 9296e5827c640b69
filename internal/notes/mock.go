package notes

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
)

type loanState struct {
	info      LoanInfo
	repaid    bool
	defaulted bool
}

// MockPlatform simulates a lending platform for tests and the soak
// simulation: it originates loans and tracks repayment/default state, but
// performs no transfers itself.
type MockPlatform struct {
	mu    sync.RWMutex
	clock clockwork.Clock
	loans map[string]*loanState
}

func NewMockPlatform(clock clockwork.Clock) *MockPlatform {
	return &MockPlatform{
		clock: clock,
		loans: make(map[string]*loanState),
	}
}

// OriginateLoan registers a new loan maturing duration from now and returns
// the note identifier.
func (p *MockPlatform) OriginateLoan(borrower string, principal, repayment *uint256.Int, duration time.Duration, currencyToken, collateralToken, collateralTokenID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	noteID := "NOTE_" + uuid.New().String()
	p.loans[noteID] = &loanState{
		info: LoanInfo{
			NoteID:            noteID,
			Borrower:          borrower,
			Principal:         new(uint256.Int).Set(principal),
			Repayment:         new(uint256.Int).Set(repayment),
			Maturity:          p.clock.Now().Add(duration),
			Duration:          duration,
			CurrencyToken:     currencyToken,
			CollateralToken:   collateralToken,
			CollateralTokenID: collateralTokenID,
		},
	}
	return noteID
}

// MarkRepaid records full repayment of the loan.
func (p *MockPlatform) MarkRepaid(noteID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	loan, ok := p.loans[noteID]
	if !ok {
		return ErrUnknownNote
	}
	loan.repaid = true
	return nil
}

// MarkDefaulted records that the borrower failed to repay by maturity.
func (p *MockPlatform) MarkDefaulted(noteID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	loan, ok := p.loans[noteID]
	if !ok {
		return ErrUnknownNote
	}
	loan.defaulted = true
	return nil
}

func (p *MockPlatform) GetLoanInfo(noteID string) (*LoanInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	loan, ok := p.loans[noteID]
	if !ok {
		return nil, ErrUnknownNote
	}
	info := loan.info
	return &info, nil
}

func (p *MockPlatform) IsSupported(noteID, currencyToken string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	loan, ok := p.loans[noteID]
	return ok && loan.info.CurrencyToken == currencyToken
}

func (p *MockPlatform) IsActive(noteID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	loan, ok := p.loans[noteID]
	return ok && !loan.repaid && !loan.defaulted
}

func (p *MockPlatform) IsComplete(noteID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	loan, ok := p.loans[noteID]
	return ok && loan.repaid
}
