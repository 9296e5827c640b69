package vault

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tranchelabs/vault-api/internal/assets"
	"github.com/tranchelabs/vault-api/internal/fixedpoint"
	"github.com/tranchelabs/vault-api/internal/notes"
	"github.com/tranchelabs/vault-api/internal/pricing"
)

const (
	testCurrency   = "CUR"
	testCollateral = "PUNK"
	testNoteToken  = "NOTE"
	testLiquidator = "liquidator"
)

type fixture struct {
	clock      *clockwork.FakeClock
	currency   *assets.FungibleToken
	collateral *assets.NFTRegistry
	platform   *notes.MockPlatform
	engine     *pricing.Engine
	service    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "vault.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&LoanRecord{}, &Event{}, &IdempotencyRecord{}, &pricing.CollateralParameterRecord{}))

	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	currency := assets.NewFungibleToken(testCurrency)
	collateral := assets.NewNFTRegistry()
	platform := notes.NewMockPlatform(clock)

	engine, err := pricing.NewEngine(db, clock)
	require.NoError(t, err)
	require.NoError(t, engine.SetCollateralParameters(testCollateral, curveParameters(t)))

	service := NewService(db, clock, engine, platform, currency, collateral)
	service.SetSeniorTrancheRate(fixedpoint.MustFromDecimal("0.05"))
	require.NoError(t, service.SetCollateralLiquidator(testLiquidator))

	return &fixture{
		clock:      clock,
		currency:   currency,
		collateral: collateral,
		platform:   platform,
		engine:     engine,
		service:    service,
	}
}

// curveParameters configures pricing with 5%/10%/200% discount-rate curves:
// utilization kink at 90%, loan-to-value kink at 30% (ceiling 60%), duration
// kink at 30 days (ceiling 90 days), weighted 50/25/25.
func curveParameters(t *testing.T) *pricing.CollateralParameters {
	t.Helper()
	model := func(target, max *uint256.Int) *pricing.PiecewiseLinearModel {
		m, err := pricing.NewPiecewiseLinearModel(
			fixedpoint.MustFromDecimal("0.05"),
			fixedpoint.MustFromDecimal("0.10"),
			fixedpoint.MustFromDecimal("2.00"),
			target, max,
		)
		require.NoError(t, err)
		return m
	}
	return &pricing.CollateralParameters{
		CollateralValue:  fixedpoint.MustFromDecimal("100"),
		UtilizationModel: model(fixedpoint.MustFromDecimal("0.9"), fixedpoint.MustFromDecimal("1")),
		LoanToValueModel: model(fixedpoint.MustFromDecimal("0.3"), fixedpoint.MustFromDecimal("0.6")),
		DurationModel:    model(fixedpoint.YearsFromSeconds(30*24*3600), fixedpoint.YearsFromSeconds(90*24*3600)),
		Weights:          [3]uint64{5000, 2500, 2500},
	}
}

func (f *fixture) deposit(t *testing.T, account string, tranche Tranche, amount string) *uint256.Int {
	t.Helper()
	value := fixedpoint.MustFromDecimal(amount)
	f.currency.Mint(account, value)
	shares, _, err := f.service.Deposit(account, tranche, value)
	require.NoError(t, err)
	return shares
}

// sellNote originates a 10.0 principal / 10.1 repayment / 30 day loan and
// sells its note to the vault. Returns the note ID and purchase price.
func (f *fixture) sellNote(t *testing.T) (string, *uint256.Int) {
	t.Helper()
	duration := 30 * 24 * time.Hour
	noteID := f.platform.OriginateLoan(
		"borrower",
		fixedpoint.MustFromDecimal("10"),
		fixedpoint.MustFromDecimal("10.1"),
		duration,
		testCurrency, testCollateral, "1",
	)
	f.collateral.Mint(testCollateral, "1", "borrower")
	f.collateral.Mint(testNoteToken, noteID, "seller")

	price, err := f.service.SellNote("seller", testNoteToken, noteID, nil)
	require.NoError(t, err)
	return noteID, price
}

// wadEqual asserts an exact wad value from its decimal rendering.
func wadEqual(t *testing.T, want string, got *uint256.Int) {
	t.Helper()
	require.Equal(t, want, fixedpoint.Format(got))
}

// wadNear asserts |got-want| <= tolerance, both decimal wad strings.
func wadNear(t *testing.T, want string, got *uint256.Int, tolerance string) {
	t.Helper()
	w := fixedpoint.MustFromDecimal(want)
	diff := new(uint256.Int)
	if got.Gt(w) {
		diff.Sub(got, w)
	} else {
		diff.Sub(w, got)
	}
	require.True(t, !diff.Gt(fixedpoint.MustFromDecimal(tolerance)),
		"got %s, want %s within %s", fixedpoint.Format(got), want, tolerance)
}

func TestDepositMintsSharesAtParity(t *testing.T) {
	f := newFixture(t)

	shares := f.deposit(t, "alice", Senior, "10")
	wadEqual(t, "10.000000000000000000", shares)

	state, err := f.service.TrancheState(Senior)
	require.NoError(t, err)
	require.Equal(t, "10.000000000000000000", state.DepositValue)
	require.Equal(t, "10.000000000000000000", state.ShareSupply)
	require.Equal(t, "1.000000000000000000", state.SharePrice)
	require.Equal(t, "1.000000000000000000", state.RedemptionSharePrice)

	// Funds moved into the pool.
	require.True(t, f.currency.BalanceOf("alice").IsZero())
	wadEqual(t, "10.000000000000000000", f.service.TotalCashBalance())
}

func TestDepositValidation(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.service.Deposit("alice", Senior, uint256.NewInt(0))
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, _, err = f.service.Deposit("", Senior, fixedpoint.One)
	require.ErrorIs(t, err, ErrInvalidAddress)

	_, _, err = f.service.Deposit("alice", Tranche(7), fixedpoint.One)
	require.ErrorIs(t, err, ErrInvalidTranche)

	// No balance minted: the token transfer fails and nothing changes.
	_, _, err = f.service.Deposit("alice", Senior, fixedpoint.One)
	require.Error(t, err)
	require.True(t, f.service.TotalCashBalance().IsZero())
}

func TestNotePurchaseAllocations(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "alice", Senior, "10")
	f.deposit(t, "bob", Junior, "5")

	noteID, price := f.sellNote(t)
	require.Equal(t, "10044959128065395100", price.Dec())

	loan, err := f.service.Loan(noteID)
	require.NoError(t, err)
	require.Equal(t, LoanStatusPurchased, loan.Status)
	require.Equal(t, "6696639418710263400", loan.SeniorAllocation.Dec())
	require.Equal(t, "3348319709355131700", loan.JuniorAllocation.Dec())
	require.Equal(t, "27520435967302452", loan.SeniorReturn.Dec())

	// Seller was paid the purchase price.
	require.True(t, f.currency.BalanceOf("seller").Eq(price))
	// Note is in vault custody.
	owner, err := f.collateral.OwnerOf(testNoteToken, noteID)
	require.NoError(t, err)
	require.Equal(t, VaultAccount, owner)

	state := f.service.BalanceState()
	require.Equal(t, "4.955040871934604900", state.TotalCashBalance)
	require.Equal(t, "10.044959128065395100", state.TotalLoanBalance)
	require.Equal(t, "0.669663941871026340", state.Utilization)

	// Deposit values are untouched by an open position.
	senior, err := f.service.TrancheState(Senior)
	require.NoError(t, err)
	require.Equal(t, "10.000000000000000000", senior.DepositValue)
	require.Equal(t, "1.000000000000000000", senior.RedemptionSharePrice)
}

func TestSellNoteRejections(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "alice", Senior, "10")
	f.deposit(t, "bob", Junior, "5")

	t.Run("unknown note", func(t *testing.T) {
		_, err := f.service.SellNote("seller", testNoteToken, "NOTE_missing", nil)
		require.ErrorIs(t, err, ErrUnsupportedNote)
	})

	t.Run("wrong currency", func(t *testing.T) {
		noteID := f.platform.OriginateLoan("borrower", fixedpoint.One, fixedpoint.One, time.Hour, "OTHER", testCollateral, "9")
		_, err := f.service.SellNote("seller", testNoteToken, noteID, nil)
		require.ErrorIs(t, err, ErrUnsupportedNote)
	})

	t.Run("price below seller minimum", func(t *testing.T) {
		noteID := f.platform.OriginateLoan("borrower", fixedpoint.MustFromDecimal("10"), fixedpoint.MustFromDecimal("10.1"), 30*24*time.Hour, testCurrency, testCollateral, "2")
		f.collateral.Mint(testNoteToken, noteID, "seller")
		_, err := f.service.SellNote("seller", testNoteToken, noteID, fixedpoint.MustFromDecimal("10.1"))
		require.ErrorIs(t, err, ErrPriceTooLow)
	})

	t.Run("reserves hold back purchase capacity", func(t *testing.T) {
		require.NoError(t, f.service.SetReserveRatio(fixedpoint.One))
		noteID := f.platform.OriginateLoan("borrower", fixedpoint.MustFromDecimal("10"), fixedpoint.MustFromDecimal("10.1"), 30*24*time.Hour, testCurrency, testCollateral, "3")
		f.collateral.Mint(testNoteToken, noteID, "seller")
		_, err := f.service.SellNote("seller", testNoteToken, noteID, nil)
		require.ErrorIs(t, err, ErrInsufficientLiquidity)
		require.NoError(t, f.service.SetReserveRatio(uint256.NewInt(0)))
	})

	t.Run("rejection leaves state untouched", func(t *testing.T) {
		wadEqual(t, "15.000000000000000000", f.service.TotalCashBalance())
	})
}

func TestSharePriceAccrual(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "alice", Senior, "10")
	f.deposit(t, "bob", Junior, "5")
	f.sellNote(t)

	// Any positive elapsed time marks both tranches above par while deposit
	// values and redemption share prices stay put.
	f.clock.Advance(time.Hour)

	seniorPrice, err := f.service.SharePrice(Senior)
	require.NoError(t, err)
	require.Equal(t, "1000003822282773236", seniorPrice.Dec())

	juniorPrice, err := f.service.SharePrice(Junior)
	require.NoError(t, err)
	require.Equal(t, "1000007644565546472", juniorPrice.Dec())

	redemption, err := f.service.RedemptionSharePrice(Senior)
	require.NoError(t, err)
	wadEqual(t, "1.000000000000000000", redemption)
}

func TestNotePurchaseAtMaturityBoundary(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "alice", Senior, "10")
	f.deposit(t, "bob", Junior, "5")

	duration := 30 * 24 * time.Hour
	noteID := f.platform.OriginateLoan("borrower", fixedpoint.MustFromDecimal("10"), fixedpoint.MustFromDecimal("10.1"), duration, testCurrency, testCollateral, "1")
	f.collateral.Mint(testCollateral, "1", "borrower")
	f.collateral.Mint(testNoteToken, noteID, "seller")
	f.clock.Advance(duration)

	// With no time remaining the discount factor is 1: price == repayment,
	// and the senior return has no term to accrue over.
	price, err := f.service.SellNote("seller", testNoteToken, noteID, nil)
	require.NoError(t, err)
	wadEqual(t, "10.100000000000000000", price)

	loan, err := f.service.Loan(noteID)
	require.NoError(t, err)
	require.True(t, loan.SeniorReturn.IsZero())

	// Views stay serviceable once the zero-term note ages.
	f.clock.Advance(time.Hour)
	for _, tranche := range []Tranche{Senior, Junior} {
		sharePrice, err := f.service.SharePrice(tranche)
		require.NoError(t, err)
		wadEqual(t, "1.000000000000000000", sharePrice)
	}

	// And it resolves cleanly through the waterfall at its purchase price.
	f.currency.Mint("borrower", fixedpoint.MustFromDecimal("10.1"))
	require.NoError(t, f.platform.MarkRepaid(noteID))
	require.NoError(t, f.service.OnLoanRepaid(noteID))

	senior, err := f.service.TrancheState(Senior)
	require.NoError(t, err)
	junior, err := f.service.TrancheState(Junior)
	require.NoError(t, err)
	require.Equal(t, "10.000000000000000000", senior.DepositValue)
	require.Equal(t, "5.000000000000000000", junior.DepositValue)
}

func TestDepositReportsMintPrice(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "alice", Senior, "10")
	f.deposit(t, "bob", Junior, "5")
	f.sellNote(t)

	f.clock.Advance(time.Hour)

	amount := fixedpoint.MustFromDecimal("2")
	f.currency.Mint("carol", amount)
	shares, price, err := f.service.Deposit("carol", Senior, amount)
	require.NoError(t, err)

	// The returned price is the above-par price the shares were minted at.
	require.Equal(t, "1000003822282773236", price.Dec())
	expected, err := fixedpoint.Div(amount, price)
	require.NoError(t, err)
	require.True(t, shares.Eq(expected))
}

func TestLoanRepaymentWaterfall(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "alice", Senior, "10")
	f.deposit(t, "bob", Junior, "5")
	noteID, _ := f.sellNote(t)

	f.clock.Advance(29 * 24 * time.Hour)
	f.currency.Mint("borrower", fixedpoint.MustFromDecimal("10.1"))
	require.NoError(t, f.platform.MarkRepaid(noteID))
	require.NoError(t, f.service.OnLoanRepaid(noteID))

	senior, err := f.service.TrancheState(Senior)
	require.NoError(t, err)
	junior, err := f.service.TrancheState(Junior)
	require.NoError(t, err)

	require.Equal(t, "10.027520435967302452", senior.DepositValue)
	require.Equal(t, "5.027520435967302448", junior.DepositValue)
	require.Equal(t, "1.002752043596730245", senior.SharePrice)
	require.Equal(t, "1.005504087193460489", junior.SharePrice)
	// Realization advances the redemption batch price to the share price.
	require.Equal(t, senior.SharePrice, senior.RedemptionSharePrice)
	require.Equal(t, junior.SharePrice, junior.RedemptionSharePrice)

	wadNear(t, "10.027520456942945852", fixedpoint.MustFromDecimal(senior.DepositValue), "0.00002")
	wadNear(t, "5.027508882314796534", fixedpoint.MustFromDecimal(junior.DepositValue), "0.00002")

	state := f.service.BalanceState()
	require.Equal(t, "0.000000000000000000", state.TotalLoanBalance)
	require.Equal(t, "15.055040871934604900", state.TotalCashBalance)

	loan, err := f.service.Loan(noteID)
	require.NoError(t, err)
	require.Equal(t, LoanStatusRepaid, loan.Status)

	// A second repayment callback is rejected.
	require.ErrorIs(t, f.service.OnLoanRepaid(noteID), ErrLoanAlreadyResolved)
}

func TestLiquidationSurplusFlowsToJunior(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "alice", Senior, "10")
	f.deposit(t, "bob", Junior, "5")
	noteID, _ := f.sellNote(t)

	// Default cannot be declared before maturity.
	f.clock.Advance(29 * 24 * time.Hour)
	require.ErrorIs(t, f.service.OnLoanLiquidated(noteID), ErrLoanNotExpired)

	f.clock.Advance(24*time.Hour + time.Second)
	require.NoError(t, f.platform.MarkDefaulted(noteID))
	require.NoError(t, f.service.OnLoanLiquidated(noteID))

	// Only the designated liquidator may take the collateral.
	require.ErrorIs(t, f.service.WithdrawCollateral("mallory", noteID), ErrUnauthorized)
	require.NoError(t, f.service.WithdrawCollateral(testLiquidator, noteID))

	owner, err := f.collateral.OwnerOf(testCollateral, "1")
	require.NoError(t, err)
	require.Equal(t, testLiquidator, owner)

	// Proceeds above the senior entitlement flow entirely to junior.
	proceeds := fixedpoint.MustFromDecimal("20")
	f.currency.Mint(testLiquidator, proceeds)
	require.NoError(t, f.service.OnCollateralLiquidated(testLiquidator, noteID, proceeds))

	senior, err := f.service.TrancheState(Senior)
	require.NoError(t, err)
	junior, err := f.service.TrancheState(Junior)
	require.NoError(t, err)
	require.Equal(t, "10.027520435967302452", senior.DepositValue)
	require.Equal(t, "14.927520435967302448", junior.DepositValue)
	wadNear(t, "14.927508882314796534", fixedpoint.MustFromDecimal(junior.DepositValue), "0.00002")

	loan, err := f.service.Loan(noteID)
	require.NoError(t, err)
	require.Equal(t, LoanStatusResolved, loan.Status)
}

func TestLiquidationJuniorAbsorbsLoss(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "alice", Senior, "10")
	f.deposit(t, "bob", Junior, "5")
	noteID, _ := f.sellNote(t)

	f.clock.Advance(30*24*time.Hour + time.Second)
	require.NoError(t, f.platform.MarkDefaulted(noteID))
	require.NoError(t, f.service.OnLoanLiquidated(noteID))

	// Proceeds must come through collateral custody first.
	require.ErrorIs(t, f.service.OnCollateralLiquidated(testLiquidator, noteID, fixedpoint.MustFromDecimal("7")), ErrLoanNotLiquidating)
	require.NoError(t, f.service.WithdrawCollateral(testLiquidator, noteID))

	proceeds := fixedpoint.MustFromDecimal("7")
	f.currency.Mint(testLiquidator, proceeds)
	require.NoError(t, f.service.OnCollateralLiquidated(testLiquidator, noteID, proceeds))

	senior, err := f.service.TrancheState(Senior)
	require.NoError(t, err)
	junior, err := f.service.TrancheState(Junior)
	require.NoError(t, err)

	// Senior is made whole (allocation plus full contractual return) before
	// junior sees anything.
	require.Equal(t, "10.027520435967302452", senior.DepositValue)
	require.Equal(t, "1.927520435967302448", junior.DepositValue)
	wadNear(t, "1.927508882314796534", fixedpoint.MustFromDecimal(junior.DepositValue), "0.00002")
}

func TestLiquidationTotalLoss(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "alice", Senior, "10")
	f.deposit(t, "bob", Junior, "5")
	noteID, _ := f.sellNote(t)

	f.clock.Advance(30*24*time.Hour + time.Second)
	require.NoError(t, f.platform.MarkDefaulted(noteID))
	require.NoError(t, f.service.OnLoanLiquidated(noteID))
	require.NoError(t, f.service.WithdrawCollateral(testLiquidator, noteID))
	require.NoError(t, f.service.OnCollateralLiquidated(testLiquidator, noteID, uint256.NewInt(0)))

	// With zero recovery each tranche loses exactly its committed allocation.
	senior, err := f.service.TrancheState(Senior)
	require.NoError(t, err)
	junior, err := f.service.TrancheState(Junior)
	require.NoError(t, err)
	require.Equal(t, "3.303360581289736600", senior.DepositValue)
	require.Equal(t, "1.651680290644868300", junior.DepositValue)
}

func TestRedemptionQueueSettlement(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "alice", Senior, "10")
	f.deposit(t, "bob", Junior, "5")
	noteID, _ := f.sellNote(t)

	// 6.0 redemption exceeds the 4.955 idle cash, so it queues.
	_, amount, err := f.service.Redeem("alice", Senior, fixedpoint.MustFromDecimal("6"))
	require.NoError(t, err)
	wadEqual(t, "6.000000000000000000", amount)

	withdrawable, err := f.service.Withdrawable("alice", Senior)
	require.NoError(t, err)
	require.True(t, withdrawable.IsZero())

	// Shares burned and deposit value reduced immediately.
	senior, err := f.service.TrancheState(Senior)
	require.NoError(t, err)
	require.Equal(t, "4.000000000000000000", senior.ShareSupply)
	require.Equal(t, "4.000000000000000000", senior.DepositValue)
	require.Equal(t, "6.000000000000000000", senior.PendingRedemptions)

	require.ErrorIs(t, f.service.Withdraw("alice", Senior, fixedpoint.MustFromDecimal("6")), ErrInsufficientLiquidity)

	// Repayment proceeds settle the queue.
	f.clock.Advance(29 * 24 * time.Hour)
	f.currency.Mint("borrower", fixedpoint.MustFromDecimal("10.1"))
	require.NoError(t, f.platform.MarkRepaid(noteID))
	require.NoError(t, f.service.OnLoanRepaid(noteID))

	withdrawable, err = f.service.Withdrawable("alice", Senior)
	require.NoError(t, err)
	wadEqual(t, "6.000000000000000000", withdrawable)

	state := f.service.BalanceState()
	require.Equal(t, "6.000000000000000000", state.TotalWithdrawalBalance)

	require.NoError(t, f.service.Withdraw("alice", Senior, fixedpoint.MustFromDecimal("6")))
	wadEqual(t, "6.000000000000000000", f.currency.BalanceOf("alice"))

	state = f.service.BalanceState()
	require.Equal(t, "0.000000000000000000", state.TotalWithdrawalBalance)
}

func TestRedemptionSettlesImmediatelyFromIdleCash(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "alice", Senior, "10")

	_, _, err := f.service.Redeem("alice", Senior, fixedpoint.MustFromDecimal("4"))
	require.NoError(t, err)

	withdrawable, err := f.service.Withdrawable("alice", Senior)
	require.NoError(t, err)
	wadEqual(t, "4.000000000000000000", withdrawable)
}

func TestRedemptionPriceFrozenUntilRealization(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "alice", Senior, "10")
	f.deposit(t, "bob", Junior, "5")
	noteID, _ := f.sellNote(t)

	f.clock.Advance(15 * 24 * time.Hour)

	// Share price has accrued above par, but redemptions still execute at
	// the frozen batch price of 1.0.
	sharePrice, err := f.service.SharePrice(Senior)
	require.NoError(t, err)
	require.True(t, sharePrice.Gt(fixedpoint.One))

	_, amount, err := f.service.Redeem("alice", Senior, fixedpoint.MustFromDecimal("1"))
	require.NoError(t, err)
	wadEqual(t, "1.000000000000000000", amount)

	// Realization advances the batch price even with an empty queue.
	f.clock.Advance(14 * 24 * time.Hour)
	f.currency.Mint("borrower", fixedpoint.MustFromDecimal("10.1"))
	require.NoError(t, f.platform.MarkRepaid(noteID))
	require.NoError(t, f.service.OnLoanRepaid(noteID))

	redemption, err := f.service.RedemptionSharePrice(Senior)
	require.NoError(t, err)
	require.True(t, redemption.Gt(fixedpoint.One))

	current, err := f.service.SharePrice(Senior)
	require.NoError(t, err)
	require.True(t, redemption.Eq(current))
}

func TestRedeemInsufficientShares(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "alice", Senior, "10")

	_, _, err := f.service.Redeem("alice", Senior, fixedpoint.MustFromDecimal("10.000000000000000001"))
	require.ErrorIs(t, err, ErrInsufficientShares)

	_, _, err = f.service.Redeem("bob", Senior, fixedpoint.One)
	require.ErrorIs(t, err, ErrInsufficientShares)
}

func TestCashConservationUnderChurn(t *testing.T) {
	f := newFixture(t)
	rng := rand.New(rand.NewSource(7))

	accounts := []string{"a", "b", "c", "d"}
	for i, account := range accounts {
		f.deposit(t, account, Tranche(i%2), "100")
	}

	checkConservation := func() {
		state := f.service.BalanceState()
		books := fixedpoint.MustFromDecimal(state.TotalCashBalance)
		books.Add(books, fixedpoint.MustFromDecimal(state.TotalWithdrawalBalance))
		require.True(t, books.Eq(f.currency.BalanceOf(VaultAccount)),
			"books %s vs held %s", fixedpoint.Format(books), fixedpoint.Format(f.currency.BalanceOf(VaultAccount)))
	}

	for i := 0; i < 40; i++ {
		borrower := fmt.Sprintf("borrower-%d", i)
		tokenID := fmt.Sprintf("c%d", i)
		principal := fixedpoint.MustFromDecimal(fmt.Sprintf("%d", 5+rng.Intn(15)))
		repayment := new(uint256.Int).Add(principal, fixedpoint.MustFromDecimal("0.5"))
		duration := time.Duration(10+rng.Intn(20)) * 24 * time.Hour

		noteID := f.platform.OriginateLoan(borrower, principal, repayment, duration, testCurrency, testCollateral, tokenID)
		f.collateral.Mint(testCollateral, tokenID, borrower)
		f.collateral.Mint(testNoteToken, noteID, "seller")
		if _, err := f.service.SellNote("seller", testNoteToken, noteID, nil); err != nil {
			continue
		}
		checkConservation()

		// Random mid-life redemption.
		account := accounts[rng.Intn(len(accounts))]
		tranche := Tranche(rng.Intn(2))
		if shares, err := f.service.Shares(account, tranche); err == nil && !shares.IsZero() {
			quarter := new(uint256.Int).Rsh(shares, 2)
			if !quarter.IsZero() {
				_, _, err := f.service.Redeem(account, tranche, quarter)
				require.NoError(t, err)
			}
		}
		checkConservation()

		if rng.Intn(4) > 0 {
			f.clock.Advance(duration - time.Hour)
			f.currency.Mint(borrower, repayment)
			require.NoError(t, f.platform.MarkRepaid(noteID))
			require.NoError(t, f.service.OnLoanRepaid(noteID))
		} else {
			f.clock.Advance(duration + time.Hour)
			require.NoError(t, f.platform.MarkDefaulted(noteID))
			require.NoError(t, f.service.OnLoanLiquidated(noteID))
			require.NoError(t, f.service.WithdrawCollateral(testLiquidator, noteID))
			proceeds, err := fixedpoint.MulDiv(repayment, uint256.NewInt(uint64(50+rng.Intn(70))), uint256.NewInt(100))
			require.NoError(t, err)
			f.currency.Mint(testLiquidator, proceeds)
			require.NoError(t, f.service.OnCollateralLiquidated(testLiquidator, noteID, proceeds))
		}
		checkConservation()

		// Drain settled withdrawals.
		for _, account := range accounts {
			for _, tranche := range []Tranche{Senior, Junior} {
				available, err := f.service.Withdrawable(account, tranche)
				require.NoError(t, err)
				if !available.IsZero() {
					require.NoError(t, f.service.Withdraw(account, tranche, available))
				}
			}
		}
		checkConservation()
	}
}
