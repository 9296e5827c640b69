package types

// DepositRequest credits currency into a tranche in exchange for shares.
type DepositRequest struct {
	Tranche string `json:"tranche" binding:"required"`
	Amount  string `json:"amount" binding:"required"` // decimal, e.g. "10.5"
}

// DepositResponse reports the shares minted for a deposit.
type DepositResponse struct {
	Tranche    string `json:"tranche"`
	Amount     string `json:"amount"`
	Shares     string `json:"shares"`
	SharePrice string `json:"share_price"`
}

// RedemptionRequest burns shares at the tranche's redemption share price.
type RedemptionRequest struct {
	Tranche string `json:"tranche" binding:"required"`
	Shares  string `json:"shares" binding:"required"`
}

// RedemptionResponse reports the queued redemption.
type RedemptionResponse struct {
	RequestID string `json:"request_id"`
	Tranche   string `json:"tranche"`
	Shares    string `json:"shares"`
	Amount    string `json:"amount"`
}

// WithdrawalRequest pays out settled redemption proceeds.
type WithdrawalRequest struct {
	Tranche string `json:"tranche" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

// SellNoteRequest offers a promissory note to the vault.
type SellNoteRequest struct {
	Seller       string `json:"seller" binding:"required"`
	NoteToken    string `json:"note_token" binding:"required"`
	NoteID       string `json:"note_id" binding:"required"`
	MinimumPrice string `json:"minimum_price"`
}

// SellNoteResponse reports the executed purchase.
type SellNoteResponse struct {
	NoteID        string `json:"note_id"`
	PurchasePrice string `json:"purchase_price"`
}

// LoanEventRequest identifies the note a lifecycle callback refers to.
type LoanEventRequest struct {
	NoteID string `json:"note_id" binding:"required"`
}

// CollateralLiquidatedRequest reports collateral sale proceeds.
type CollateralLiquidatedRequest struct {
	NoteID   string `json:"note_id" binding:"required"`
	Proceeds string `json:"proceeds" binding:"required"`
}

// AccountPositionResponse reports an account's holdings in a tranche.
type AccountPositionResponse struct {
	Account      string `json:"account"`
	Tranche      string `json:"tranche"`
	Shares       string `json:"shares"`
	Withdrawable string `json:"withdrawable"`
}

// SetRateRequest carries a decimal wad parameter for an admin setter.
type SetRateRequest struct {
	Value string `json:"value" binding:"required"`
}

// SetAccountRequest carries an account identity for an admin setter.
type SetAccountRequest struct {
	Account string `json:"account" binding:"required"`
}
