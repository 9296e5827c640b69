package pricing

import (
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tranchelabs/vault-api/internal/fixedpoint"
)

// Engine prices promissory notes against per-collateral discount-rate curves
// and owns the oracle configuration (minimum discount rate, minimum loan
// duration). All reads are speculative: PriceLoan never mutates state.
type Engine struct {
	mu    sync.RWMutex
	db    *Database
	clock clockwork.Clock

	minimumDiscountRate *uint256.Int
	minimumLoanDuration time.Duration
	parameters          map[string]*CollateralParameters
}

// NewEngine creates a pricing engine, loading any persisted collateral
// parameters so configuration survives restarts.
func NewEngine(gormDB *gorm.DB, clock clockwork.Clock) (*Engine, error) {
	e := &Engine{
		db:                  NewDatabase(gormDB),
		clock:               clock,
		minimumDiscountRate: uint256.NewInt(0),
		parameters:          make(map[string]*CollateralParameters),
	}
	records, err := e.db.ListCollateralParameters()
	if err != nil {
		return nil, err
	}
	for i := range records {
		params, token, err := fromRecord(&records[i])
		if err != nil {
			return nil, err
		}
		e.parameters[token] = params
	}
	return e, nil
}

// PriceLoan converts the loan's terms and the pool's current utilization into
// a risk-adjusted purchase price:
//
//	price = repayment / (1 + discountRate * yearsRemaining)
//
// where discountRate is the basis-point-weighted average of the utilization,
// loan-to-value, and duration curve values. Read-only; callers racing against
// utilization changes are expected to pass a minimum acceptable price when
// they commit to a purchase.
// The loan's contractual duration is accepted for interface completeness but
// pricing keys off time remaining to maturity, not original term.
func (e *Engine) PriceLoan(collateralToken string, principal, repayment *uint256.Int, duration time.Duration, maturity time.Time, utilization *uint256.Int) (*uint256.Int, error) {
	_ = duration

	e.mu.RLock()
	defer e.mu.RUnlock()

	now := e.clock.Now()
	if now.After(maturity.Add(-e.minimumLoanDuration)) {
		return nil, ErrInsufficientTimeRemaining
	}

	params, ok := e.parameters[collateralToken]
	if !ok || !params.Supported() {
		return nil, ErrUnsupportedCollateral
	}

	timeRemaining := fixedpoint.YearsFromSeconds(uint64(maturity.Sub(now) / time.Second))

	loanToValue, err := fixedpoint.Div(principal, params.CollateralValue)
	if err != nil {
		return nil, err
	}

	components := [3]*uint256.Int{}
	inputs := [3]struct {
		model *PiecewiseLinearModel
		x     *uint256.Int
	}{
		{params.UtilizationModel, utilization},
		{params.LoanToValueModel, loanToValue},
		{params.DurationModel, timeRemaining},
	}
	for i, in := range inputs {
		components[i], err = in.model.Evaluate(in.x, i)
		if err != nil {
			return nil, err
		}
	}

	rate, err := weightedRate(params.Weights, components)
	if err != nil {
		return nil, err
	}
	// Discount rate floor from the oracle configuration.
	if rate.Lt(e.minimumDiscountRate) {
		rate = new(uint256.Int).Set(e.minimumDiscountRate)
	}

	discount, err := fixedpoint.Mul(rate, timeRemaining)
	if err != nil {
		return nil, err
	}
	denominator, err := fixedpoint.Add(fixedpoint.One, discount)
	if err != nil {
		return nil, err
	}
	return fixedpoint.Div(repayment, denominator)
}

// weightedRate combines the three curve values with basis-point weights.
func weightedRate(weights [3]uint64, components [3]*uint256.Int) (*uint256.Int, error) {
	sum := uint256.NewInt(0)
	for i, c := range components {
		term, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(weights[i]), c)
		if overflow {
			return nil, fixedpoint.ErrOverflow
		}
		sum, overflow = new(uint256.Int).AddOverflow(sum, term)
		if overflow {
			return nil, fixedpoint.ErrOverflow
		}
	}
	return new(uint256.Int).Div(sum, fixedpoint.BasisPoints), nil
}

// SetCollateralParameters validates and installs a whole replacement record
// for the token, persisting it and toggling supported-set membership based on
// the record's collateral value.
func (e *Engine) SetCollateralParameters(collateralToken string, params *CollateralParameters) error {
	if collateralToken == "" {
		return ErrInvalidAddress
	}
	if err := params.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.db.SaveCollateralParameters(toRecord(collateralToken, params)); err != nil {
		return err
	}
	e.parameters[collateralToken] = params

	log.Info().
		Str("service", "pricing").
		Str("collateral_token", collateralToken).
		Str("collateral_value", fixedpoint.Format(params.CollateralValue)).
		Bool("supported", params.Supported()).
		Msg("collateral parameters updated")
	return nil
}

// CollateralParameters returns the configuration for a token.
func (e *Engine) CollateralParameters(collateralToken string) (*CollateralParameters, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	params, ok := e.parameters[collateralToken]
	if !ok {
		return nil, ErrUnsupportedCollateral
	}
	return params, nil
}

// SupportedCollateralTokens lists tokens with a nonzero collateral value, in
// a stable order.
func (e *Engine) SupportedCollateralTokens() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tokens := make([]string, 0, len(e.parameters))
	for token, params := range e.parameters {
		if params.Supported() {
			tokens = append(tokens, token)
		}
	}
	sort.Strings(tokens)
	return tokens
}

// SetMinimumDiscountRate replaces the oracle-wide discount rate floor.
func (e *Engine) SetMinimumDiscountRate(rate *uint256.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.minimumDiscountRate = new(uint256.Int).Set(rate)
	log.Info().
		Str("service", "pricing").
		Str("minimum_discount_rate", fixedpoint.Format(rate)).
		Msg("minimum discount rate updated")
}

// SetMinimumLoanDuration replaces the minimum time a note must have left
// before maturity to be purchasable.
func (e *Engine) SetMinimumLoanDuration(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.minimumLoanDuration = d
	log.Info().
		Str("service", "pricing").
		Dur("minimum_loan_duration", d).
		Msg("minimum loan duration updated")
}

// MinimumLoanDuration returns the configured purchase horizon guard.
func (e *Engine) MinimumLoanDuration() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.minimumLoanDuration
}

// MinimumDiscountRate returns the configured discount rate floor.
func (e *Engine) MinimumDiscountRate() *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return new(uint256.Int).Set(e.minimumDiscountRate)
}
