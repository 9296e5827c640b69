package vault

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog/log"

	"github.com/tranchelabs/vault-api/internal/fixedpoint"
)

// Deposit credits currency into a tranche, minting shares at the tranche's
// current share price. Returns the share amount minted and the price used.
func (s *Service) Deposit(account string, tranche Tranche, amount *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if account == "" {
		return nil, nil, ErrInvalidAddress
	}
	if tranche < 0 || tranche >= trancheCount {
		return nil, nil, ErrInvalidTranche
	}
	if amount == nil || amount.IsZero() {
		return nil, nil, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	price, err := s.sharePriceLocked(tranche, s.clock.Now())
	if err != nil {
		return nil, nil, err
	}
	shares, err := fixedpoint.Div(amount, price)
	if err != nil {
		return nil, nil, err
	}
	if shares.IsZero() {
		return nil, nil, ErrInvalidAmount
	}

	// Pull funds last among validations; nothing before this mutates state.
	if err := s.currency.TransferFrom(account, VaultAccount, amount); err != nil {
		return nil, nil, err
	}

	t := s.tranches[tranche]
	t.depositValue.Add(t.depositValue, amount)
	t.shareSupply.Add(t.shareSupply, shares)
	s.creditShares(t, account, shares)
	s.totalCash.Add(s.totalCash, amount)

	s.recordEvent(EventDeposit, "", account, map[string]string{
		"tranche":     tranche.String(),
		"amount":      fixedpoint.Format(amount),
		"shares":      fixedpoint.Format(shares),
		"share_price": fixedpoint.Format(price),
	})
	log.Info().
		Str("service", "vault").
		Str("account", account).
		Str("tranche", tranche.String()).
		Str("amount", fixedpoint.Format(amount)).
		Str("shares", fixedpoint.Format(shares)).
		Msg("deposit")
	return shares, new(uint256.Int).Set(price), nil
}

// Redeem burns shares at the tranche's frozen redemption share price and
// queues the proceeds for settlement. Funds become withdrawable once a
// realizing event (repayment or collateral liquidation) settles the queue.
// Returns the redemption request ID and the queued currency amount.
func (s *Service) Redeem(account string, tranche Tranche, shares *uint256.Int) (string, *uint256.Int, error) {
	if account == "" {
		return "", nil, ErrInvalidAddress
	}
	if tranche < 0 || tranche >= trancheCount {
		return "", nil, ErrInvalidTranche
	}
	if shares == nil || shares.IsZero() {
		return "", nil, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tranches[tranche]
	held, ok := t.accounts[account]
	if !ok || held.Lt(shares) {
		return "", nil, ErrInsufficientShares
	}

	amount, err := fixedpoint.Mul(shares, t.redemptionSharePrice)
	if err != nil {
		return "", nil, err
	}
	if amount.Gt(t.depositValue) {
		return "", nil, ErrInsufficientLiquidity
	}

	held.Sub(held, shares)
	if held.IsZero() {
		delete(t.accounts, account)
	}
	t.shareSupply.Sub(t.shareSupply, shares)
	t.depositValue.Sub(t.depositValue, amount)

	request := &redemptionRequest{
		requestID: "RED_" + uuid.New().String(),
		account:   account,
		shares:    new(uint256.Int).Set(shares),
		amount:    amount,
	}
	t.pending = append(t.pending, request)

	// Idle cash can serve the queue immediately; otherwise the request
	// waits for the next realizing event.
	s.settleRedemptionsLocked(tranche)

	s.recordEvent(EventRedemption, "", account, map[string]string{
		"tranche":     tranche.String(),
		"request_id":  request.requestID,
		"shares":      fixedpoint.Format(shares),
		"amount":      fixedpoint.Format(amount),
		"share_price": fixedpoint.Format(t.redemptionSharePrice),
	})
	log.Info().
		Str("service", "vault").
		Str("account", account).
		Str("tranche", tranche.String()).
		Str("request_id", request.requestID).
		Str("shares", fixedpoint.Format(shares)).
		Str("amount", fixedpoint.Format(amount)).
		Msg("redemption queued")
	return request.requestID, new(uint256.Int).Set(amount), nil
}

// Withdraw pays out settled redemption proceeds to the account.
func (s *Service) Withdraw(account string, tranche Tranche, amount *uint256.Int) error {
	if account == "" {
		return ErrInvalidAddress
	}
	if tranche < 0 || tranche >= trancheCount {
		return ErrInvalidTranche
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tranches[tranche]
	available, ok := t.withdrawable[account]
	if !ok || available.Lt(amount) {
		return ErrInsufficientLiquidity
	}

	if err := s.currency.TransferFrom(VaultAccount, account, amount); err != nil {
		return err
	}

	available.Sub(available, amount)
	if available.IsZero() {
		delete(t.withdrawable, account)
	}
	s.totalWithdrawal.Sub(s.totalWithdrawal, amount)

	s.recordEvent(EventWithdrawal, "", account, map[string]string{
		"tranche": tranche.String(),
		"amount":  fixedpoint.Format(amount),
	})
	log.Info().
		Str("service", "vault").
		Str("account", account).
		Str("tranche", tranche.String()).
		Str("amount", fixedpoint.Format(amount)).
		Msg("withdrawal")
	return nil
}

// Withdrawable returns the account's settled, not-yet-withdrawn redemption
// proceeds in a tranche.
func (s *Service) Withdrawable(account string, tranche Tranche) (*uint256.Int, error) {
	if tranche < 0 || tranche >= trancheCount {
		return nil, ErrInvalidTranche
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	available, ok := s.tranches[tranche].withdrawable[account]
	if !ok {
		return uint256.NewInt(0), nil
	}
	return new(uint256.Int).Set(available), nil
}

// Shares returns the account's share balance in a tranche.
func (s *Service) Shares(account string, tranche Tranche) (*uint256.Int, error) {
	if tranche < 0 || tranche >= trancheCount {
		return nil, ErrInvalidTranche
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.tranches[tranche].accounts[account]
	if !ok {
		return uint256.NewInt(0), nil
	}
	return new(uint256.Int).Set(held), nil
}

// settleRedemptionsLocked drains the tranche's redemption queue in FIFO
// order while pool cash covers the head request, moving cash from the pool
// balance to the withdrawal balance. Partial settlement of a request is not
// done; the head either settles whole or blocks the queue. Caller holds s.mu.
func (s *Service) settleRedemptionsLocked(tranche Tranche) {
	t := s.tranches[tranche]
	for len(t.pending) > 0 {
		head := t.pending[0]
		if s.totalCash.Lt(head.amount) {
			return
		}
		s.totalCash.Sub(s.totalCash, head.amount)
		s.totalWithdrawal.Add(s.totalWithdrawal, head.amount)
		s.creditWithdrawable(t, head.account, head.amount)
		t.pending = t.pending[1:]

		log.Debug().
			Str("service", "vault").
			Str("request_id", head.requestID).
			Str("account", head.account).
			Str("amount", fixedpoint.Format(head.amount)).
			Msg("redemption settled")
	}
}

// advanceRedemptionPricesLocked moves both tranches' redemption share prices
// to the current share price. Runs on every realizing event, queue or no
// queue, so the next redemption batch opens at post-event value. Caller
// holds s.mu.
func (s *Service) advanceRedemptionPricesLocked(now time.Time) error {
	for i := Senior; i < trancheCount; i++ {
		price, err := s.sharePriceLocked(i, now)
		if err != nil {
			return err
		}
		s.tranches[i].redemptionSharePrice = price
	}
	return nil
}

func (s *Service) creditShares(t *trancheState, account string, shares *uint256.Int) {
	held, ok := t.accounts[account]
	if !ok {
		held = uint256.NewInt(0)
		t.accounts[account] = held
	}
	held.Add(held, shares)
}

func (s *Service) creditWithdrawable(t *trancheState, account string, amount *uint256.Int) {
	available, ok := t.withdrawable[account]
	if !ok {
		available = uint256.NewInt(0)
		t.withdrawable[account] = available
	}
	available.Add(available, amount)
}

// recordEvent persists an audit event. Persistence failures are logged, not
// surfaced: the in-memory ledger is authoritative and already committed.
func (s *Service) recordEvent(eventType, noteID, account string, payload map[string]string) {
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte("{}")
	}
	event := &Event{
		EventID:   "EVT_" + uuid.New().String(),
		Type:      eventType,
		NoteID:    noteID,
		Account:   account,
		Payload:   string(body),
		CreatedAt: s.clock.Now(),
	}
	if err := s.db.CreateEvent(event); err != nil {
		log.Error().
			Err(err).
			Str("service", "vault").
			Str("event_type", eventType).
			Msg("failed to persist event")
	}
}
