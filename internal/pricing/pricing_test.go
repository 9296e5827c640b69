package pricing

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tranchelabs/vault-api/internal/fixedpoint"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "pricing.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&CollateralParameterRecord{}))
	return db
}

func newTestEngine(t *testing.T, clock clockwork.Clock) *Engine {
	t.Helper()
	engine, err := NewEngine(newTestDB(t), clock)
	require.NoError(t, err)
	return engine
}

func flatModel(t *testing.T, rate string) *PiecewiseLinearModel {
	t.Helper()
	r := fixedpoint.MustFromDecimal(rate)
	m, err := NewPiecewiseLinearModel(r, r, r, fixedpoint.MustFromDecimal("0.5"), fixedpoint.MustFromDecimal("1"))
	require.NoError(t, err)
	return m
}

// flatParameters prices every loan at a constant discount rate regardless of
// utilization, loan-to-value, or duration.
func flatParameters(t *testing.T, rate string) *CollateralParameters {
	t.Helper()
	duration, err := NewPiecewiseLinearModel(
		fixedpoint.MustFromDecimal(rate),
		fixedpoint.MustFromDecimal(rate),
		fixedpoint.MustFromDecimal(rate),
		fixedpoint.MustFromDecimal("1"),
		fixedpoint.MustFromDecimal("2"),
	)
	require.NoError(t, err)
	return &CollateralParameters{
		CollateralValue:  fixedpoint.MustFromDecimal("100"),
		UtilizationModel: flatModel(t, rate),
		LoanToValueModel: flatModel(t, rate),
		DurationModel:    duration,
		Weights:          [3]uint64{2500, 5000, 2500},
	}
}

func TestPiecewiseLinearModelEvaluate(t *testing.T) {
	// 2% at zero, 10% at the 80% target, 40% at the 100% ceiling.
	m, err := NewPiecewiseLinearModel(
		fixedpoint.MustFromDecimal("0.02"),
		fixedpoint.MustFromDecimal("0.10"),
		fixedpoint.MustFromDecimal("0.40"),
		fixedpoint.MustFromDecimal("0.8"),
		fixedpoint.MustFromDecimal("1"),
	)
	require.NoError(t, err)

	tests := []struct {
		x    string
		want string
	}{
		{"0", "0.020000000000000000"},
		{"0.4", "0.060000000000000000"},
		{"0.8", "0.100000000000000000"},
		{"0.9", "0.250000000000000000"},
		{"1", "0.400000000000000000"},
	}
	for _, tt := range tests {
		got, err := m.Evaluate(fixedpoint.MustFromDecimal(tt.x), ComponentUtilization)
		require.NoError(t, err, tt.x)
		require.Equal(t, tt.want, fixedpoint.Format(got), tt.x)
	}
}

func TestPiecewiseLinearModelOutOfBounds(t *testing.T) {
	m := flatModel(t, "0.05")

	_, err := m.Evaluate(fixedpoint.MustFromDecimal("1.000000000000000001"), ComponentLoanToValue)
	var bounds *ParameterOutOfBoundsError
	require.ErrorAs(t, err, &bounds)
	require.Equal(t, ComponentLoanToValue, bounds.Component)
}

func TestNewPiecewiseLinearModelRejectsUnsorted(t *testing.T) {
	one := fixedpoint.One
	two := fixedpoint.MustFromDecimal("2")

	// target above max
	_, err := NewPiecewiseLinearModel(one, one, one, two, one)
	require.ErrorIs(t, err, ErrInvalidModel)

	// rates not monotone
	_, err = NewPiecewiseLinearModel(two, one, two, one, two)
	require.ErrorIs(t, err, ErrInvalidModel)
}

func TestSetCollateralParametersWeightInvariant(t *testing.T) {
	engine := newTestEngine(t, clockwork.NewFakeClock())

	params := flatParameters(t, "0.05")
	params.Weights = [3]uint64{2500, 5000, 2499}

	err := engine.SetCollateralParameters("PUNK", params)
	require.ErrorIs(t, err, ErrInvalidWeights)

	// Rejected update must not partially apply.
	require.Empty(t, engine.SupportedCollateralTokens())
	_, err = engine.CollateralParameters("PUNK")
	require.ErrorIs(t, err, ErrUnsupportedCollateral)
}

func TestPriceLoanFlatRate(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	engine := newTestEngine(t, clock)
	require.NoError(t, engine.SetCollateralParameters("PUNK", flatParameters(t, "0.066666666666666666")))

	duration := 30 * 24 * time.Hour
	price, err := engine.PriceLoan(
		"PUNK",
		fixedpoint.MustFromDecimal("10"),
		fixedpoint.MustFromDecimal("10.1"),
		duration,
		clock.Now().Add(duration),
		uint256.NewInt(0),
	)
	require.NoError(t, err)
	// 10.1 discounted at 1/15 per year over 30/365 years, floor division.
	require.Equal(t, "10044959128065395100", price.Dec())
}

func TestPriceLoanZeroRepayment(t *testing.T) {
	clock := clockwork.NewFakeClock()
	engine := newTestEngine(t, clock)
	require.NoError(t, engine.SetCollateralParameters("PUNK", flatParameters(t, "0.05")))

	price, err := engine.PriceLoan("PUNK", uint256.NewInt(0), uint256.NewInt(0), time.Hour, clock.Now().Add(time.Hour), uint256.NewInt(0))
	require.NoError(t, err)
	require.True(t, price.IsZero())
}

func TestPriceLoanUnsupportedCollateral(t *testing.T) {
	clock := clockwork.NewFakeClock()
	engine := newTestEngine(t, clock)

	_, err := engine.PriceLoan("PUNK", fixedpoint.One, fixedpoint.One, time.Hour, clock.Now().Add(time.Hour), uint256.NewInt(0))
	require.ErrorIs(t, err, ErrUnsupportedCollateral)

	// A zero collateral value removes the token from the supported set.
	params := flatParameters(t, "0.05")
	params.CollateralValue = uint256.NewInt(0)
	require.NoError(t, engine.SetCollateralParameters("SHUT", params))
	_, err = engine.PriceLoan("SHUT", fixedpoint.One, fixedpoint.One, time.Hour, clock.Now().Add(time.Hour), uint256.NewInt(0))
	require.ErrorIs(t, err, ErrUnsupportedCollateral)
}

func TestPriceLoanMinimumDurationBoundary(t *testing.T) {
	clock := clockwork.NewFakeClock()
	engine := newTestEngine(t, clock)
	require.NoError(t, engine.SetCollateralParameters("PUNK", flatParameters(t, "0.05")))
	engine.SetMinimumLoanDuration(7 * 24 * time.Hour)

	principal := fixedpoint.MustFromDecimal("10")
	repayment := fixedpoint.MustFromDecimal("10.1")

	// Exactly the minimum remaining succeeds.
	_, err := engine.PriceLoan("PUNK", principal, repayment, time.Hour, clock.Now().Add(7*24*time.Hour), uint256.NewInt(0))
	require.NoError(t, err)

	// One second less fails.
	_, err = engine.PriceLoan("PUNK", principal, repayment, time.Hour, clock.Now().Add(7*24*time.Hour-time.Second), uint256.NewInt(0))
	require.ErrorIs(t, err, ErrInsufficientTimeRemaining)
}

func TestPriceLoanComponentBounds(t *testing.T) {
	clock := clockwork.NewFakeClock()
	engine := newTestEngine(t, clock)
	require.NoError(t, engine.SetCollateralParameters("PUNK", flatParameters(t, "0.05")))

	principal := fixedpoint.MustFromDecimal("10")
	repayment := fixedpoint.MustFromDecimal("10.1")
	maturity := clock.Now().Add(30 * 24 * time.Hour)

	var bounds *ParameterOutOfBoundsError

	// Utilization above its curve ceiling.
	_, err := engine.PriceLoan("PUNK", principal, repayment, time.Hour, maturity, fixedpoint.MustFromDecimal("1.1"))
	require.ErrorAs(t, err, &bounds)
	require.Equal(t, ComponentUtilization, bounds.Component)

	// Loan-to-value above 100%.
	_, err = engine.PriceLoan("PUNK", fixedpoint.MustFromDecimal("101"), repayment, time.Hour, maturity, uint256.NewInt(0))
	require.ErrorAs(t, err, &bounds)
	require.Equal(t, ComponentLoanToValue, bounds.Component)

	// Time remaining beyond the duration curve's two-year ceiling.
	_, err = engine.PriceLoan("PUNK", principal, repayment, time.Hour, clock.Now().Add(3*365*24*time.Hour), uint256.NewInt(0))
	require.ErrorAs(t, err, &bounds)
	require.Equal(t, ComponentDuration, bounds.Component)
}

func TestPriceLoanUtilizationMonotonicity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	engine := newTestEngine(t, clock)

	params := flatParameters(t, "0.02")
	kinked, err := NewPiecewiseLinearModel(
		fixedpoint.MustFromDecimal("0.02"),
		fixedpoint.MustFromDecimal("0.10"),
		fixedpoint.MustFromDecimal("0.40"),
		fixedpoint.MustFromDecimal("0.8"),
		fixedpoint.MustFromDecimal("1"),
	)
	require.NoError(t, err)
	params.UtilizationModel = kinked
	require.NoError(t, engine.SetCollateralParameters("PUNK", params))

	principal := fixedpoint.MustFromDecimal("10")
	repayment := fixedpoint.MustFromDecimal("10.1")
	maturity := clock.Now().Add(30 * 24 * time.Hour)

	var previous *uint256.Int
	for _, u := range []string{"0", "0.4", "0.8", "0.95", "1"} {
		price, err := engine.PriceLoan("PUNK", principal, repayment, time.Hour, maturity, fixedpoint.MustFromDecimal(u))
		require.NoError(t, err, u)
		if previous != nil {
			require.True(t, price.Lt(previous), "price must fall as utilization rises: %s", u)
		}
		previous = price
	}
}

func TestMinimumDiscountRateFloor(t *testing.T) {
	clock := clockwork.NewFakeClock()
	engine := newTestEngine(t, clock)
	require.NoError(t, engine.SetCollateralParameters("PUNK", flatParameters(t, "0.02")))

	principal := fixedpoint.MustFromDecimal("10")
	repayment := fixedpoint.MustFromDecimal("10.1")
	maturity := clock.Now().Add(30 * 24 * time.Hour)

	unfloored, err := engine.PriceLoan("PUNK", principal, repayment, time.Hour, maturity, uint256.NewInt(0))
	require.NoError(t, err)

	engine.SetMinimumDiscountRate(fixedpoint.MustFromDecimal("0.10"))
	floored, err := engine.PriceLoan("PUNK", principal, repayment, time.Hour, maturity, uint256.NewInt(0))
	require.NoError(t, err)
	require.True(t, floored.Lt(unfloored))
}

func TestParametersSurviveRestart(t *testing.T) {
	db := newTestDB(t)
	clock := clockwork.NewFakeClock()

	engine, err := NewEngine(db, clock)
	require.NoError(t, err)
	require.NoError(t, engine.SetCollateralParameters("PUNK", flatParameters(t, "0.066666666666666666")))

	reloaded, err := NewEngine(db, clock)
	require.NoError(t, err)
	require.Equal(t, []string{"PUNK"}, reloaded.SupportedCollateralTokens())

	duration := 30 * 24 * time.Hour
	price, err := reloaded.PriceLoan("PUNK", fixedpoint.MustFromDecimal("10"), fixedpoint.MustFromDecimal("10.1"), duration, clock.Now().Add(duration), uint256.NewInt(0))
	require.NoError(t, err)
	require.Equal(t, "10044959128065395100", price.Dec())
}
