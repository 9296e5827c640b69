package pricing

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedCollateral     = errors.New("unsupported collateral token")
	ErrInsufficientTimeRemaining = errors.New("insufficient time remaining on loan")
	ErrInvalidWeights            = errors.New("rate component weights must sum to 10000")
	ErrInvalidModel              = errors.New("invalid piecewise linear model")
	ErrInvalidAddress            = errors.New("invalid address")
)

// ParameterOutOfBoundsError reports which rate component input exceeded its
// curve's ceiling: 0 utilization, 1 loan-to-value, 2 duration.
type ParameterOutOfBoundsError struct {
	Component int
}

func (e *ParameterOutOfBoundsError) Error() string {
	return fmt.Sprintf("parameter out of bounds: rate component %d", e.Component)
}
