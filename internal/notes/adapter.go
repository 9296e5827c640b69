// Package notes abstracts the external lending platforms whose promissory
// notes the vault purchases. The vault treats a platform strictly as a
// read-only oracle of loan terms; it never creates or modifies loans.
package notes

import (
	"errors"
	"time"

	"github.com/holiman/uint256"
)

var ErrUnknownNote = errors.New("unknown note")

// LoanInfo is the platform's view of the loan backing a note.
type LoanInfo struct {
	NoteID            string
	Borrower          string
	Principal         *uint256.Int
	Repayment         *uint256.Int
	Maturity          time.Time
	Duration          time.Duration
	CurrencyToken     string
	CollateralToken   string
	CollateralTokenID string
}

// Adapter is implemented once per integrated lending platform.
type Adapter interface {
	// GetLoanInfo returns the loan terms behind a note.
	GetLoanInfo(noteID string) (*LoanInfo, error)
	// IsSupported reports whether the note is denominated in the given
	// currency token and is of a kind the adapter understands.
	IsSupported(noteID, currencyToken string) bool
	// IsActive reports whether the loan is outstanding (not repaid and not
	// past its liquidation).
	IsActive(noteID string) bool
	// IsComplete reports whether the loan has been repaid in full.
	IsComplete(noteID string) bool
}
