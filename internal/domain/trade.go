package domain

// TradeOrder is what the treasury sends to a trade router after risk approval.
type TradeOrder struct {
	Asset          string // asset pair or mint being traded against the native currency
	Side           Side
	Amount         int64
	MaxSlippageBps int
}

// TradeExecution is the router's report. Amounts are what actually moved,
// which may differ from the requested amount.
type TradeExecution struct {
	Success        bool
	AmountIn       int64
	AmountOut      int64
	ConfirmationID string
	Error          string
}
