package vault

import "errors"

var (
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrInvalidAddress        = errors.New("invalid address")
	ErrInvalidTranche        = errors.New("unknown tranche")
	ErrInsufficientShares    = errors.New("insufficient shares")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrPriceTooLow           = errors.New("purchase price below minimum")
	ErrUnsupportedNote       = errors.New("unsupported note")
	ErrUnknownLoan           = errors.New("unknown loan")
	ErrLoanNotExpired        = errors.New("loan not expired")
	ErrLoanAlreadyResolved   = errors.New("loan already resolved")
	ErrLoanNotLiquidating    = errors.New("loan not in liquidation")
	ErrUnauthorized          = errors.New("unauthorized")
)
