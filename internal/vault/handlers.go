package vault

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"

	"github.com/tranchelabs/vault-api/internal/auth"
	"github.com/tranchelabs/vault-api/internal/fixedpoint"
	"github.com/tranchelabs/vault-api/internal/pricing"
	"github.com/tranchelabs/vault-api/internal/types"
	"github.com/tranchelabs/vault-api/pkg/response"
)

const idempotencyTTL = 24 * time.Hour

// GinHandlers contains HTTP handlers for vault endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for vault endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// DepositHandler handles POST requests to deposit currency into a tranche
// Requires a valid JWT token and idempotency key in headers
func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := clientAccount(c)
		if !ok {
			return
		}
		key, ok := h.freshIdempotencyKey(c)
		if !ok {
			return
		}

		var req types.DepositRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		tranche, err := ParseTranche(req.Tranche)
		if err != nil {
			handle(c, nil, err)
			return
		}
		amount, err := fixedpoint.FromDecimal(req.Amount)
		if err != nil {
			response.BadRequest(c, "invalid amount")
			return
		}

		shares, price, err := h.service.Deposit(account, tranche, amount)
		if err != nil {
			handle(c, nil, err)
			return
		}
		h.recordIdempotency(key, account, "deposit")

		handle(c, &types.DepositResponse{
			Tranche:    tranche.String(),
			Amount:     fixedpoint.Format(amount),
			Shares:     fixedpoint.Format(shares),
			SharePrice: fixedpoint.Format(price),
		}, nil)
	}
}

// RedeemHandler handles POST requests to queue a redemption of shares
// Requires a valid JWT token and idempotency key in headers
func (h *GinHandlers) RedeemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := clientAccount(c)
		if !ok {
			return
		}
		key, ok := h.freshIdempotencyKey(c)
		if !ok {
			return
		}

		var req types.RedemptionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		tranche, err := ParseTranche(req.Tranche)
		if err != nil {
			handle(c, nil, err)
			return
		}
		shares, err := fixedpoint.FromDecimal(req.Shares)
		if err != nil {
			response.BadRequest(c, "invalid shares")
			return
		}

		requestID, amount, err := h.service.Redeem(account, tranche, shares)
		if err != nil {
			handle(c, nil, err)
			return
		}
		h.recordIdempotency(key, requestID, "redemption")

		handle(c, &types.RedemptionResponse{
			RequestID: requestID,
			Tranche:   tranche.String(),
			Shares:    fixedpoint.Format(shares),
			Amount:    fixedpoint.Format(amount),
		}, nil)
	}
}

// WithdrawHandler handles POST requests to pay out settled redemptions
// Requires a valid JWT token and idempotency key in headers
func (h *GinHandlers) WithdrawHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := clientAccount(c)
		if !ok {
			return
		}
		key, ok := h.freshIdempotencyKey(c)
		if !ok {
			return
		}

		var req types.WithdrawalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		tranche, err := ParseTranche(req.Tranche)
		if err != nil {
			handle(c, nil, err)
			return
		}
		amount, err := fixedpoint.FromDecimal(req.Amount)
		if err != nil {
			response.BadRequest(c, "invalid amount")
			return
		}

		if err := h.service.Withdraw(account, tranche, amount); err != nil {
			handle(c, nil, err)
			return
		}
		h.recordIdempotency(key, account, "withdrawal")

		handle(c, gin.H{
			"tranche": tranche.String(),
			"amount":  fixedpoint.Format(amount),
		}, nil)
	}
}

// PositionHandler handles GET requests for the caller's tranche position
// URL parameter: tranche
func (h *GinHandlers) PositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := clientAccount(c)
		if !ok {
			return
		}
		tranche, err := ParseTranche(c.Param("tranche"))
		if err != nil {
			handle(c, nil, err)
			return
		}

		shares, err := h.service.Shares(account, tranche)
		if err != nil {
			handle(c, nil, err)
			return
		}
		withdrawable, err := h.service.Withdrawable(account, tranche)
		if err != nil {
			handle(c, nil, err)
			return
		}
		handle(c, &types.AccountPositionResponse{
			Account:      account,
			Tranche:      tranche.String(),
			Shares:       fixedpoint.Format(shares),
			Withdrawable: fixedpoint.Format(withdrawable),
		}, nil)
	}
}

// TrancheStateHandler handles GET requests for a tranche's state
// URL parameter: tranche
func (h *GinHandlers) TrancheStateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tranche, err := ParseTranche(c.Param("tranche"))
		if err != nil {
			handle(c, nil, err)
			return
		}
		snapshot, err := h.service.TrancheState(tranche)
		handle(c, snapshot, err)
	}
}

// BalanceStateHandler handles GET requests for pool-wide balances
func (h *GinHandlers) BalanceStateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		handle(c, h.service.BalanceState(), nil)
	}
}

// UtilizationHandler handles GET requests for pool utilization
func (h *GinHandlers) UtilizationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		handle(c, gin.H{
			"utilization": fixedpoint.Format(h.service.Utilization()),
		}, nil)
	}
}

// ReservesHandler handles GET requests for the cash held back from purchases
func (h *GinHandlers) ReservesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		handle(c, gin.H{
			"reserves_available": fixedpoint.Format(h.service.ReservesAvailable()),
		}, nil)
	}
}

// LoanHandler handles GET requests for one purchased note
// URL parameter: note_id
func (h *GinHandlers) LoanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		loan, err := h.service.Loan(c.Param("note_id"))
		if err != nil {
			handle(c, nil, err)
			return
		}
		handle(c, loanToRecord(loan), nil)
	}
}

// ListLoansHandler handles GET requests for the loan book
func (h *GinHandlers) ListLoansHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		loans, err := h.service.db.ListLoans(limit)
		handle(c, loans, err)
	}
}

// EventsHandler handles GET requests for the audit event stream
// Query parameters: note_id, limit
func (h *GinHandlers) EventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		events, err := h.service.db.ListEvents(c.Query("note_id"), limit)
		handle(c, events, err)
	}
}

// SellNoteHandler handles POST requests offering a note to the vault
// Internal endpoint used by the lending platform integration
func (h *GinHandlers) SellNoteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := h.freshIdempotencyKey(c)
		if !ok {
			return
		}

		var req types.SellNoteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		minimumPrice := uint256.NewInt(0)
		if req.MinimumPrice != "" {
			var err error
			minimumPrice, err = fixedpoint.FromDecimal(req.MinimumPrice)
			if err != nil {
				response.BadRequest(c, "invalid minimum price")
				return
			}
		}

		price, err := h.service.SellNote(req.Seller, req.NoteToken, req.NoteID, minimumPrice)
		if err != nil {
			handle(c, nil, err)
			return
		}
		h.recordIdempotency(key, req.NoteID, "note_purchase")

		handle(c, &types.SellNoteResponse{
			NoteID:        req.NoteID,
			PurchasePrice: fixedpoint.Format(price),
		}, nil)
	}
}

// LoanRepaidHandler handles POST callbacks reporting full repayment
func (h *GinHandlers) LoanRepaidHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.LoanEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if err := h.service.OnLoanRepaid(req.NoteID); err != nil {
			handle(c, nil, err)
			return
		}
		handle(c, gin.H{"note_id": req.NoteID, "status": LoanStatusRepaid}, nil)
	}
}

// LoanLiquidatedHandler handles POST callbacks reporting borrower default
func (h *GinHandlers) LoanLiquidatedHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.LoanEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if err := h.service.OnLoanLiquidated(req.NoteID); err != nil {
			handle(c, nil, err)
			return
		}
		handle(c, gin.H{"note_id": req.NoteID, "status": LoanStatusLiquidating}, nil)
	}
}

// WithdrawCollateralHandler handles POST requests from the liquidator to take
// custody of defaulted collateral
func (h *GinHandlers) WithdrawCollateralHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetString("clientID")
		var req types.LoanEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if err := h.service.WithdrawCollateral(caller, req.NoteID); err != nil {
			handle(c, nil, err)
			return
		}
		handle(c, gin.H{"note_id": req.NoteID, "status": LoanStatusCollateralWithdrawn}, nil)
	}
}

// CollateralLiquidatedHandler handles POST requests from the liquidator
// reporting collateral sale proceeds
func (h *GinHandlers) CollateralLiquidatedHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetString("clientID")
		var req types.CollateralLiquidatedRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		proceeds, err := fixedpoint.FromDecimal(req.Proceeds)
		if err != nil {
			response.BadRequest(c, "invalid proceeds")
			return
		}
		if err := h.service.OnCollateralLiquidated(caller, req.NoteID, proceeds); err != nil {
			handle(c, nil, err)
			return
		}
		handle(c, gin.H{"note_id": req.NoteID, "status": LoanStatusResolved}, nil)
	}
}

// SetSeniorRateHandler handles POST requests replacing the senior tranche
// rate. Admin only.
func (h *GinHandlers) SetSeniorRateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.SetRateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		rate, err := fixedpoint.FromDecimal(req.Value)
		if err != nil {
			response.BadRequest(c, "invalid rate")
			return
		}
		h.service.SetSeniorTrancheRate(rate)
		handle(c, gin.H{"senior_tranche_rate": fixedpoint.Format(rate)}, nil)
	}
}

// SetReserveRatioHandler handles POST requests replacing the cash reserve
// ratio. Admin only.
func (h *GinHandlers) SetReserveRatioHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.SetRateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		ratio, err := fixedpoint.FromDecimal(req.Value)
		if err != nil {
			response.BadRequest(c, "invalid ratio")
			return
		}
		if err := h.service.SetReserveRatio(ratio); err != nil {
			handle(c, nil, err)
			return
		}
		handle(c, gin.H{"reserve_ratio": fixedpoint.Format(ratio)}, nil)
	}
}

// SetLiquidatorHandler handles POST requests designating the collateral
// liquidator. Admin only.
func (h *GinHandlers) SetLiquidatorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.SetAccountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if err := h.service.SetCollateralLiquidator(req.Account); err != nil {
			handle(c, nil, err)
			return
		}
		handle(c, gin.H{"liquidator": req.Account}, nil)
	}
}

// clientAccount pulls the authenticated account identity from the JWT claims.
func clientAccount(c *gin.Context) (string, bool) {
	claims, exists := c.Get("claims")
	if !exists {
		response.Unauthorized(c, "Missing authentication claims")
		return "", false
	}
	account := auth.GetClientID(claims)
	if account == "" {
		response.Unauthorized(c, "Invalid client ID in token")
		return "", false
	}
	return account, true
}

// freshIdempotencyKey enforces the Idempotency-Key header and rejects replays.
func (h *GinHandlers) freshIdempotencyKey(c *gin.Context) (string, bool) {
	key := c.GetHeader("Idempotency-Key")
	if key == "" {
		response.BadRequest(c, "Idempotency-Key header is required")
		return "", false
	}
	record, err := h.service.db.GetIdempotencyRecord(key)
	if err != nil {
		response.InternalError(c, err.Error())
		return "", false
	}
	if record != nil {
		response.Conflict(c, "Duplicate request: "+record.ResourceType+" "+record.ResourceID)
		return "", false
	}
	return key, true
}

func (h *GinHandlers) recordIdempotency(key, resourceID, resourceType string) {
	// Best effort; a failed write only weakens replay protection.
	_ = h.service.db.CreateIdempotencyRecord(key, resourceID, resourceType, idempotencyTTL)
}

// handle maps vault errors onto HTTP responses before falling back to the
// shared envelope.
func handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		response.Success(c, data)
		return
	}

	switch {
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidAddress),
		errors.Is(err, ErrInvalidTranche):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrUnknownLoan):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrUnauthorized):
		response.Forbidden(c, err.Error())
	case errors.Is(err, ErrInsufficientShares),
		errors.Is(err, ErrInsufficientLiquidity),
		errors.Is(err, ErrPriceTooLow),
		errors.Is(err, ErrUnsupportedNote):
		response.UnprocessableEntity(c, err.Error())
	case errors.Is(err, ErrLoanNotExpired),
		errors.Is(err, ErrLoanAlreadyResolved),
		errors.Is(err, ErrLoanNotLiquidating):
		response.Conflict(c, err.Error())
	default:
		handlePricing(c, data, err)
	}
}

// handlePricing covers pricing engine errors surfaced through note purchases.
func handlePricing(c *gin.Context, data interface{}, err error) {
	var bounds *pricing.ParameterOutOfBoundsError
	if errors.As(err, &bounds) {
		response.UnprocessableEntity(c, bounds.Error())
		return
	}
	switch {
	case errors.Is(err, pricing.ErrUnsupportedCollateral),
		errors.Is(err, pricing.ErrInsufficientTimeRemaining):
		response.UnprocessableEntity(c, err.Error())
	default:
		response.Handle(c, data, err)
	}
}
