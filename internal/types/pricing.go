package types

// QuoteRequest asks the pricing engine to value a loan.
type QuoteRequest struct {
	CollateralToken string `json:"collateral_token" binding:"required"`
	Principal       string `json:"principal" binding:"required"`
	Repayment       string `json:"repayment" binding:"required"`
	DurationSeconds int64  `json:"duration_seconds" binding:"required"`
	MaturityUnix    int64  `json:"maturity_unix" binding:"required"`
	// Pool utilization as a decimal in [0,1]. Optional; the vault's live
	// utilization is used when omitted.
	Utilization string `json:"utilization"`
}

// QuoteResponse reports the purchase price for a loan.
type QuoteResponse struct {
	CollateralToken string `json:"collateral_token"`
	Price           string `json:"price"`
}

// RateModel is the wire form of a piecewise-linear rate component model.
type RateModel struct {
	MinRate    string `json:"min_rate" binding:"required"`
	TargetRate string `json:"target_rate" binding:"required"`
	MaxRate    string `json:"max_rate" binding:"required"`
	Target     string `json:"target" binding:"required"`
	Max        string `json:"max" binding:"required"`
}

// CollateralParametersRequest configures pricing for a collateral token.
type CollateralParametersRequest struct {
	CollateralToken  string    `json:"collateral_token" binding:"required"`
	CollateralValue  string    `json:"collateral_value" binding:"required"`
	UtilizationModel RateModel `json:"utilization_model" binding:"required"`
	LoanToValueModel RateModel `json:"loan_to_value_model" binding:"required"`
	DurationModel    RateModel `json:"duration_model" binding:"required"`
	// Basis points per component, must sum to 10000.
	Weights [3]uint64 `json:"weights" binding:"required"`
}
