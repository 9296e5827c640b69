package pricing

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"

	"github.com/tranchelabs/vault-api/internal/fixedpoint"
	"github.com/tranchelabs/vault-api/internal/types"
	"github.com/tranchelabs/vault-api/pkg/response"
)

// UtilizationSource supplies the pool's live utilization for quotes that do
// not pin one explicitly.
type UtilizationSource func() *uint256.Int

// GinHandlers contains HTTP handlers for pricing endpoints
type GinHandlers struct {
	engine      *Engine
	utilization UtilizationSource
}

// NewGinHandlers creates a new set of HTTP handlers for pricing endpoints
func NewGinHandlers(engine *Engine, utilization UtilizationSource) *GinHandlers {
	return &GinHandlers{
		engine:      engine,
		utilization: utilization,
	}
}

// QuoteHandler handles POST requests for loan purchase quotes
// Request body carries the loan terms; utilization defaults to the pool's
// live value when omitted
func (h *GinHandlers) QuoteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.QuoteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		principal, err := fixedpoint.FromDecimal(req.Principal)
		if err != nil {
			badRequest(c, "invalid principal")
			return
		}
		repayment, err := fixedpoint.FromDecimal(req.Repayment)
		if err != nil {
			badRequest(c, "invalid repayment")
			return
		}

		utilization := h.utilization()
		if req.Utilization != "" {
			utilization, err = fixedpoint.FromDecimal(req.Utilization)
			if err != nil {
				badRequest(c, "invalid utilization")
				return
			}
		}

		price, err := h.engine.PriceLoan(
			req.CollateralToken,
			principal,
			repayment,
			time.Duration(req.DurationSeconds)*time.Second,
			time.Unix(req.MaturityUnix, 0),
			utilization,
		)
		handle(c, &types.QuoteResponse{
			CollateralToken: req.CollateralToken,
			Price:           formatOrEmpty(price),
		}, err)
	}
}

// ListCollateralHandler handles GET requests for the supported collateral set
func (h *GinHandlers) ListCollateralHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		handle(c, gin.H{"collateral_tokens": h.engine.SupportedCollateralTokens()}, nil)
	}
}

// GetCollateralParametersHandler handles GET requests for one token's pricing
// configuration
// URL parameter: token
func (h *GinHandlers) GetCollateralParametersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Param("token")
		params, err := h.engine.CollateralParameters(token)
		if err != nil {
			handle(c, nil, err)
			return
		}
		handle(c, parametersView(token, params), nil)
	}
}

// SetCollateralParametersHandler handles POST requests replacing a token's
// pricing configuration. Admin only.
func (h *GinHandlers) SetCollateralParametersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.CollateralParametersRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		params, err := parametersFromRequest(&req)
		if err != nil {
			handle(c, nil, err)
			return
		}
		if err := h.engine.SetCollateralParameters(req.CollateralToken, params); err != nil {
			handle(c, nil, err)
			return
		}
		handle(c, parametersView(req.CollateralToken, params), nil)
	}
}

// SetMinimumDiscountRateHandler handles POST requests replacing the discount
// rate floor. Admin only.
func (h *GinHandlers) SetMinimumDiscountRateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.SetRateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		rate, err := fixedpoint.FromDecimal(req.Value)
		if err != nil {
			badRequest(c, "invalid rate")
			return
		}
		h.engine.SetMinimumDiscountRate(rate)
		handle(c, gin.H{"minimum_discount_rate": fixedpoint.Format(rate)}, nil)
	}
}

// SetMinimumLoanDurationHandler handles POST requests replacing the minimum
// purchasable time to maturity. Admin only.
func (h *GinHandlers) SetMinimumLoanDurationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Seconds int64 `json:"seconds" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		d := time.Duration(req.Seconds) * time.Second
		h.engine.SetMinimumLoanDuration(d)
		handle(c, gin.H{"minimum_loan_duration_seconds": req.Seconds}, nil)
	}
}

func parametersFromRequest(req *types.CollateralParametersRequest) (*CollateralParameters, error) {
	value, err := fixedpoint.FromDecimal(req.CollateralValue)
	if err != nil {
		return nil, ErrInvalidModel
	}
	models := [3]*PiecewiseLinearModel{}
	for i, wire := range [3]types.RateModel{req.UtilizationModel, req.LoanToValueModel, req.DurationModel} {
		models[i], err = modelFromRequest(wire)
		if err != nil {
			return nil, err
		}
	}
	return &CollateralParameters{
		CollateralValue:  value,
		UtilizationModel: models[0],
		LoanToValueModel: models[1],
		DurationModel:    models[2],
		Weights:          req.Weights,
	}, nil
}

func modelFromRequest(wire types.RateModel) (*PiecewiseLinearModel, error) {
	fields := [5]*uint256.Int{}
	for i, raw := range [5]string{wire.MinRate, wire.TargetRate, wire.MaxRate, wire.Target, wire.Max} {
		v, err := fixedpoint.FromDecimal(raw)
		if err != nil {
			return nil, ErrInvalidModel
		}
		fields[i] = v
	}
	return NewPiecewiseLinearModel(fields[0], fields[1], fields[2], fields[3], fields[4])
}

func parametersView(token string, params *CollateralParameters) gin.H {
	return gin.H{
		"collateral_token":    token,
		"collateral_value":    fixedpoint.Format(params.CollateralValue),
		"supported":           params.Supported(),
		"utilization_model":   modelView(params.UtilizationModel),
		"loan_to_value_model": modelView(params.LoanToValueModel),
		"duration_model":      modelView(params.DurationModel),
		"weights":             params.Weights,
	}
}

func modelView(m *PiecewiseLinearModel) gin.H {
	return gin.H{
		"offset": fixedpoint.Format(m.Offset),
		"slope1": fixedpoint.Format(m.Slope1),
		"slope2": fixedpoint.Format(m.Slope2),
		"target": fixedpoint.Format(m.Target),
		"max":    fixedpoint.Format(m.Max),
	}
}

func badRequest(c *gin.Context, message string) {
	response.BadRequest(c, message)
}

// handle maps pricing errors onto HTTP responses before falling back to the
// shared envelope.
func handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		response.Success(c, data)
		return
	}

	var bounds *ParameterOutOfBoundsError
	if errors.As(err, &bounds) {
		response.UnprocessableEntity(c, bounds.Error())
		return
	}

	switch {
	case errors.Is(err, ErrInvalidAddress),
		errors.Is(err, ErrInvalidWeights),
		errors.Is(err, ErrInvalidModel):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrUnsupportedCollateral):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrInsufficientTimeRemaining):
		response.UnprocessableEntity(c, err.Error())
	default:
		response.Handle(c, data, err)
	}
}

func formatOrEmpty(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return fixedpoint.Format(v)
}
