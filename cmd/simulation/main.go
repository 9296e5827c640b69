package main

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tranchelabs/vault-api/internal/assets"
	"github.com/tranchelabs/vault-api/internal/database"
	"github.com/tranchelabs/vault-api/internal/fixedpoint"
	"github.com/tranchelabs/vault-api/internal/notes"
	"github.com/tranchelabs/vault-api/internal/pricing"
	"github.com/tranchelabs/vault-api/internal/vault"
)

const (
	numDepositors = 8
	numLoans      = 200
	randomSeed    = 42

	currencySymbol  = "CUR"
	collateralToken = "PUNK"
	noteToken       = "NOTE"
	liquidator      = "liquidator"
	mintPerAccount  = "1000"
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
}

// opStats tracks latency statistics for one vault operation
type opStats struct {
	name      string
	durations []time.Duration
	failures  int
}

// addDuration records a new duration measurement for the operation
func (st *opStats) addDuration(d time.Duration) {
	st.durations = append(st.durations, d)
}

// calculate computes latency statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (st *opStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(st.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(st.durations, func(i, j int) bool {
		return st.durations[i] < st.durations[j]
	})

	min = st.durations[0]
	max = st.durations[len(st.durations)-1]

	var sum time.Duration
	for _, d := range st.durations {
		sum += d
	}
	mean = sum / time.Duration(len(st.durations))
	median = st.durations[len(st.durations)/2]

	p95idx := int(math.Ceil(float64(len(st.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(st.durations))*0.99)) - 1
	p95 = st.durations[p95idx]
	p99 = st.durations[p99idx]

	return
}

// simulation drives the vault through a randomized loan lifecycle soak on a
// fake clock, checking conservation invariants after every realizing event.
type simulation struct {
	rng   *rand.Rand
	clock *clockwork.FakeClock

	currency   *assets.FungibleToken
	collateral *assets.NFTRegistry
	platform   *notes.MockPlatform
	vault      *vault.Service

	depositors []string
	stats      map[string]*opStats

	// Total currency ever minted, for conservation checks.
	minted *uint256.Int
}

func newSimulation() (*simulation, error) {
	db, err := database.NewInMemoryDatabase()
	if err != nil {
		return nil, err
	}

	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	currency := assets.NewFungibleToken(currencySymbol)
	collateral := assets.NewNFTRegistry()
	platform := notes.NewMockPlatform(clock)

	engine, err := pricing.NewEngine(db, clock)
	if err != nil {
		return nil, err
	}
	if err := engine.SetCollateralParameters(collateralToken, defaultParameters()); err != nil {
		return nil, err
	}

	vaultService := vault.NewService(db, clock, engine, platform, currency, collateral)
	vaultService.SetSeniorTrancheRate(fixedpoint.MustFromDecimal("0.05"))
	if err := vaultService.SetReserveRatio(fixedpoint.MustFromDecimal("0.05")); err != nil {
		return nil, err
	}
	if err := vaultService.SetCollateralLiquidator(liquidator); err != nil {
		return nil, err
	}

	s := &simulation{
		rng:        rand.New(rand.NewSource(randomSeed)),
		clock:      clock,
		currency:   currency,
		collateral: collateral,
		platform:   platform,
		vault:      vaultService,
		minted:     uint256.NewInt(0),
		stats: map[string]*opStats{
			"deposit":  {name: "Deposit"},
			"redeem":   {name: "Redeem"},
			"withdraw": {name: "Withdraw"},
			"purchase": {name: "Purchase Note"},
			"repay":    {name: "Loan Repayment"},
			"default":  {name: "Default Resolution"},
		},
	}

	for i := 0; i < numDepositors; i++ {
		account := fmt.Sprintf("depositor-%d", i)
		s.depositors = append(s.depositors, account)
		s.mint(account, fixedpoint.MustFromDecimal(mintPerAccount))
	}
	return s, nil
}

// defaultParameters builds a plausible pricing configuration for the
// simulated collateral: 100.0 collateral value, curves spanning 2%..40%.
func defaultParameters() *pricing.CollateralParameters {
	model := func(minRate, targetRate, maxRate, target, max string) *pricing.PiecewiseLinearModel {
		m, err := pricing.NewPiecewiseLinearModel(
			fixedpoint.MustFromDecimal(minRate),
			fixedpoint.MustFromDecimal(targetRate),
			fixedpoint.MustFromDecimal(maxRate),
			fixedpoint.MustFromDecimal(target),
			fixedpoint.MustFromDecimal(max),
		)
		if err != nil {
			panic(err)
		}
		return m
	}
	return &pricing.CollateralParameters{
		CollateralValue:  fixedpoint.MustFromDecimal("100"),
		UtilizationModel: model("0.02", "0.08", "0.40", "0.85", "1"),
		LoanToValueModel: model("0.02", "0.10", "0.40", "0.30", "1"),
		DurationModel:    model("0.02", "0.10", "0.40", "0.25", "2"),
		Weights:          [3]uint64{2500, 5000, 2500},
	}
}

func (s *simulation) mint(account string, amount *uint256.Int) {
	s.currency.Mint(account, amount)
	s.minted.Add(s.minted, amount)
}

func (s *simulation) timed(op string, fn func() error) {
	start := time.Now()
	err := fn()
	s.stats[op].addDuration(time.Since(start))
	if err != nil {
		s.stats[op].failures++
		log.Warn().Err(err).Str("op", op).Msg("operation rejected")
	}
}

// seedDeposits funds both tranches so the vault has purchase capacity.
func (s *simulation) seedDeposits() {
	for i, account := range s.depositors {
		tranche := vault.Senior
		if i%3 == 0 {
			tranche = vault.Junior
		}
		amount := fixedpoint.MustFromDecimal(fmt.Sprintf("%d", 50+s.rng.Intn(200)))
		s.timed("deposit", func() error {
			_, _, err := s.vault.Deposit(account, tranche, amount)
			return err
		})
	}
}

// runLoanCycle originates one loan, sells it to the vault, and resolves it by
// repayment or default. Interleaves a random deposit or redemption per cycle.
func (s *simulation) runLoanCycle(i int) {
	borrower := fmt.Sprintf("borrower-%d", i)
	seller := fmt.Sprintf("seller-%d", i)
	tokenID := fmt.Sprintf("%d", i)

	principal := fixedpoint.MustFromDecimal(fmt.Sprintf("%d", 5+s.rng.Intn(20)))
	repayment := new(uint256.Int).Add(principal, fixedpoint.MustFromDecimal(fmt.Sprintf("0.%02d", 10+s.rng.Intn(80))))
	duration := time.Duration(7+s.rng.Intn(56)) * 24 * time.Hour

	s.collateral.Mint(collateralToken, tokenID, borrower)
	noteID := s.platform.OriginateLoan(borrower, principal, repayment, duration, currencySymbol, collateralToken, tokenID)
	s.collateral.Mint(noteToken, noteID, seller)

	purchased := false
	s.timed("purchase", func() error {
		_, err := s.vault.SellNote(seller, noteToken, noteID, nil)
		purchased = err == nil
		return err
	})
	if !purchased {
		return
	}

	// Mid-life churn: a deposit or a redemption from a random depositor.
	s.clock.Advance(duration / 2)
	account := s.depositors[s.rng.Intn(len(s.depositors))]
	tranche := vault.Tranche(s.rng.Intn(2))
	if s.rng.Intn(2) == 0 {
		amount := fixedpoint.MustFromDecimal(fmt.Sprintf("%d", 1+s.rng.Intn(20)))
		s.mint(account, amount)
		s.timed("deposit", func() error {
			_, _, err := s.vault.Deposit(account, tranche, amount)
			return err
		})
	} else if shares, err := s.vault.Shares(account, tranche); err == nil && !shares.IsZero() {
		half := new(uint256.Int).Rsh(shares, 1)
		if !half.IsZero() {
			s.timed("redeem", func() error {
				_, _, err := s.vault.Redeem(account, tranche, half)
				return err
			})
		}
	}

	if s.rng.Intn(10) < 8 {
		// Borrower repays at maturity.
		s.clock.Advance(duration/2 - time.Hour)
		s.mint(borrower, repayment)
		if err := s.platform.MarkRepaid(noteID); err != nil {
			log.Error().Err(err).Msg("mark repaid")
			return
		}
		s.timed("repay", func() error {
			return s.vault.OnLoanRepaid(noteID)
		})
	} else {
		// Borrower defaults; collateral is liquidated at 60-140% of repayment.
		s.clock.Advance(duration/2 + time.Hour)
		if err := s.platform.MarkDefaulted(noteID); err != nil {
			log.Error().Err(err).Msg("mark defaulted")
			return
		}
		proceeds, _ := fixedpoint.MulDiv(repayment, uint256.NewInt(uint64(60+s.rng.Intn(80))), uint256.NewInt(100))
		s.mint(liquidator, proceeds)
		s.timed("default", func() error {
			if err := s.vault.OnLoanLiquidated(noteID); err != nil {
				return err
			}
			if err := s.vault.WithdrawCollateral(liquidator, noteID); err != nil {
				return err
			}
			return s.vault.OnCollateralLiquidated(liquidator, noteID, proceeds)
		})
	}

	// Drain settled redemptions.
	for _, depositor := range s.depositors {
		for _, tranche := range []vault.Tranche{vault.Senior, vault.Junior} {
			available, err := s.vault.Withdrawable(depositor, tranche)
			if err != nil || available.IsZero() {
				continue
			}
			s.timed("withdraw", func() error {
				return s.vault.Withdraw(depositor, tranche, available)
			})
		}
	}

	if err := s.checkConservation(); err != nil {
		log.Error().Err(err).Int("cycle", i).Msg("conservation violated")
		os.Exit(1)
	}
}

// checkConservation verifies that the vault's internal cash accounting agrees
// with the currency ledger and that no currency was created or destroyed.
func (s *simulation) checkConservation() error {
	state := s.vault.BalanceState()
	internal, err := fixedpoint.FromDecimal(state.TotalCashBalance)
	if err != nil {
		return err
	}
	withdrawal, err := fixedpoint.FromDecimal(state.TotalWithdrawalBalance)
	if err != nil {
		return err
	}
	internal.Add(internal, withdrawal)

	held := s.currency.BalanceOf(vault.VaultAccount)
	if !internal.Eq(held) {
		return fmt.Errorf("vault books %s but holds %s", fixedpoint.Format(internal), fixedpoint.Format(held))
	}
	return nil
}

func (s *simulation) printStats() {
	fmt.Println("\nOperation Statistics:")
	fmt.Println("--------------------------------------------------------------------------------")
	for _, key := range []string{"deposit", "redeem", "withdraw", "purchase", "repay", "default"} {
		st := s.stats[key]
		min, max, mean, median, p95, p99 := st.calculate()
		fmt.Printf("%-20s calls=%-5d rejected=%-4d min=%-10v max=%-10v mean=%-10v median=%-10v p95=%-10v p99=%v\n",
			st.name, len(st.durations), st.failures, min, max, mean, median, p95, p99)
	}

	state := s.vault.BalanceState()
	fmt.Println("\nFinal Vault State:")
	fmt.Printf("  total cash:        %s\n", state.TotalCashBalance)
	fmt.Printf("  total loans:       %s\n", state.TotalLoanBalance)
	fmt.Printf("  total withdrawals: %s\n", state.TotalWithdrawalBalance)
	fmt.Printf("  utilization:       %s\n", state.Utilization)
	for _, tranche := range []vault.Tranche{vault.Senior, vault.Junior} {
		snapshot, err := s.vault.TrancheState(tranche)
		if err != nil {
			continue
		}
		fmt.Printf("  %s: deposit_value=%s share_price=%s redemption_share_price=%s\n",
			snapshot.Tranche, snapshot.DepositValue, snapshot.SharePrice, snapshot.RedemptionSharePrice)
	}
}

func main() {
	sim, err := newSimulation()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize simulation")
	}

	start := time.Now()
	sim.seedDeposits()
	for i := 0; i < numLoans; i++ {
		sim.runLoanCycle(i)
	}

	fmt.Printf("Simulated %d loan cycles in %v\n", numLoans, time.Since(start))
	sim.printStats()
}
