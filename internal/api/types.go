package api

import "github.com/shopspring/decimal"

// SignedOrder is an order signed by the caller's Signer. The connector
// treats it as opaque apart from the fields it validates locally.
type SignedOrder struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

// Order types accepted by POST /order.
const (
	OrderTypeGTC = "GTC"
	OrderTypeFOK = "FOK"
	OrderTypeGTD = "GTD"
)

// PostOrderRequest is the body of POST /order.
type PostOrderRequest struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType string      `json:"orderType"`
}

// Placement outcomes reported in PostOrderResponse.Status.
const (
	PlacementLive      = "live"
	PlacementMatched   = "matched"
	PlacementDelayed   = "delayed"
	PlacementUnmatched = "unmatched"
)

// PostOrderResponse from POST /order
type PostOrderResponse struct {
	Success            bool     `json:"success"`
	ErrorMsg           string   `json:"errorMsg"`
	OrderID            string   `json:"orderID"`
	Status             string   `json:"status"`
	TakingAmount       string   `json:"takingAmount"`
	MakingAmount       string   `json:"makingAmount"`
	TransactionsHashes []string `json:"transactionsHashes"`
}

// CancelOrderRequest is the body of DELETE /order.
type CancelOrderRequest struct {
	OrderID string `json:"orderID"`
}

// CancelOrderResponse from DELETE /order
type CancelOrderResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

// Order statuses reported by GET /data/order/{id}.
const (
	OrderStatusLive             = "LIVE"
	OrderStatusMatched          = "MATCHED"
	OrderStatusCanceled         = "CANCELED"
	OrderStatusCanceledResolved = "CANCELED_MARKET_RESOLVED"
	OrderStatusDelayed          = "DELAYED"
	OrderStatusUnmatched        = "UNMATCHED"
	OrderStatusInvalid          = "INVALID"
)

// APIOrder represents an order from GET /data/order/{id}.
type APIOrder struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	Owner        string          `json:"owner"`
	Market       string          `json:"market"`
	AssetID      string          `json:"asset_id"`
	Side         string          `json:"side"`
	OriginalSize decimal.Decimal `json:"original_size"`
	SizeMatched  decimal.Decimal `json:"size_matched"`
	Price        decimal.Decimal `json:"price"`
	OrderType    string          `json:"order_type"`
	CreatedAt    int64           `json:"created_at"` // unix seconds
}

// APIToken is one outcome token of a market.
type APIToken struct {
	TokenID string          `json:"token_id"`
	Outcome string          `json:"outcome"`
	Price   decimal.Decimal `json:"price"`
	Winner  bool            `json:"winner"`
}

// APIMarket represents a market from GET /markets/{condition_id}.
type APIMarket struct {
	ConditionID      string          `json:"condition_id"`
	QuestionID       string          `json:"question_id"`
	Question         string          `json:"question"`
	Tokens           []APIToken      `json:"tokens"`
	MinimumTickSize  decimal.Decimal `json:"minimum_tick_size"`
	MinimumOrderSize decimal.Decimal `json:"minimum_order_size"`
	NegRisk          bool            `json:"neg_risk"`
	Active           bool            `json:"active"`
	Closed           bool            `json:"closed"`
	AcceptingOrders  bool            `json:"accepting_orders"`
}
