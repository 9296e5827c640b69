package pricing

import (
	"time"

	"github.com/holiman/uint256"
	"gorm.io/gorm"

	"github.com/tranchelabs/vault-api/internal/fixedpoint"
)

// Rate component indices reported by ParameterOutOfBoundsError.
const (
	ComponentUtilization = 0
	ComponentLoanToValue = 1
	ComponentDuration    = 2
)

// weightTotal is the required basis-point sum of the three component weights.
const weightTotal = 10_000

// PiecewiseLinearModel is a two-segment linear curve with a hard input
// ceiling. All values are wad fixed point. For input x:
//
//	value = offset + slope1*min(x, target) + slope2*max(x-target, 0)
//
// Inputs above Max are rejected rather than clamped, so a mispriced loan
// fails loudly instead of being bought at the ceiling rate.
type PiecewiseLinearModel struct {
	Offset *uint256.Int
	Slope1 *uint256.Int
	Slope2 *uint256.Int
	Target *uint256.Int
	Max    *uint256.Int
}

// NewPiecewiseLinearModel derives the two slopes from the rate the curve
// should produce at zero, at the target input, and at the maximum input.
// This mirrors how curve parameters are quoted operationally (minimum rate,
// target rate, ceiling rate) rather than as raw slopes.
func NewPiecewiseLinearModel(minRate, targetRate, maxRate, target, max *uint256.Int) (*PiecewiseLinearModel, error) {
	if target.Gt(max) {
		return nil, ErrInvalidModel
	}
	if minRate.Gt(targetRate) || targetRate.Gt(maxRate) {
		return nil, ErrInvalidModel
	}
	span1, _ := fixedpoint.Sub(targetRate, minRate)
	span2, _ := fixedpoint.Sub(maxRate, targetRate)
	slope1, err := fixedpoint.Div(span1, target)
	if err != nil {
		return nil, ErrInvalidModel
	}
	width, _ := fixedpoint.Sub(max, target)
	slope2, err := fixedpoint.Div(span2, width)
	if err != nil {
		return nil, ErrInvalidModel
	}
	return &PiecewiseLinearModel{
		Offset: minRate,
		Slope1: slope1,
		Slope2: slope2,
		Target: target,
		Max:    max,
	}, nil
}

// Validate checks the structural invariants of the model.
func (m *PiecewiseLinearModel) Validate() error {
	if m == nil || m.Offset == nil || m.Slope1 == nil || m.Slope2 == nil || m.Target == nil || m.Max == nil {
		return ErrInvalidModel
	}
	if m.Target.Gt(m.Max) {
		return ErrInvalidModel
	}
	return nil
}

// Evaluate computes the curve value at x. Inputs above Max fail with a
// ParameterOutOfBoundsError carrying the supplied component index.
func (m *PiecewiseLinearModel) Evaluate(x *uint256.Int, component int) (*uint256.Int, error) {
	if x.Gt(m.Max) {
		return nil, &ParameterOutOfBoundsError{Component: component}
	}
	below := fixedpoint.Min(x, m.Target)
	above := fixedpoint.SubSat(x, m.Target)

	v1, err := fixedpoint.Mul(m.Slope1, below)
	if err != nil {
		return nil, err
	}
	v2, err := fixedpoint.Mul(m.Slope2, above)
	if err != nil {
		return nil, err
	}
	sum, err := fixedpoint.Add(m.Offset, v1)
	if err != nil {
		return nil, err
	}
	return fixedpoint.Add(sum, v2)
}

// CollateralParameters is the whole-record pricing configuration for one
// collateral token. A token is supported iff CollateralValue is nonzero;
// administrative updates replace the record wholesale.
type CollateralParameters struct {
	CollateralValue  *uint256.Int
	UtilizationModel *PiecewiseLinearModel
	LoanToValueModel *PiecewiseLinearModel
	DurationModel    *PiecewiseLinearModel
	Weights          [3]uint64
}

// Validate enforces the weight-sum invariant and model validity.
func (p *CollateralParameters) Validate() error {
	if p.CollateralValue == nil {
		return ErrInvalidModel
	}
	if p.Weights[0]+p.Weights[1]+p.Weights[2] != weightTotal {
		return ErrInvalidWeights
	}
	for _, m := range []*PiecewiseLinearModel{p.UtilizationModel, p.LoanToValueModel, p.DurationModel} {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Supported reports whether this record places the token in the supported
// collateral set.
func (p *CollateralParameters) Supported() bool {
	return p.CollateralValue != nil && !p.CollateralValue.IsZero()
}

// CollateralParameterRecord is the persisted form of CollateralParameters.
// Wad values are stored as decimal strings to keep full precision in sqlite.
type CollateralParameterRecord struct {
	gorm.Model      `json:"-"`
	CollateralToken string `gorm:"uniqueIndex" json:"collateral_token"`
	CollateralValue string `json:"collateral_value"`

	UtilizationOffset string `json:"utilization_offset"`
	UtilizationSlope1 string `json:"utilization_slope1"`
	UtilizationSlope2 string `json:"utilization_slope2"`
	UtilizationTarget string `json:"utilization_target"`
	UtilizationMax    string `json:"utilization_max"`

	LoanToValueOffset string `json:"loan_to_value_offset"`
	LoanToValueSlope1 string `json:"loan_to_value_slope1"`
	LoanToValueSlope2 string `json:"loan_to_value_slope2"`
	LoanToValueTarget string `json:"loan_to_value_target"`
	LoanToValueMax    string `json:"loan_to_value_max"`

	DurationOffset string `json:"duration_offset"`
	DurationSlope1 string `json:"duration_slope1"`
	DurationSlope2 string `json:"duration_slope2"`
	DurationTarget string `json:"duration_target"`
	DurationMax    string `json:"duration_max"`

	Weight0 uint64 `json:"weight_0"`
	Weight1 uint64 `json:"weight_1"`
	Weight2 uint64 `json:"weight_2"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
