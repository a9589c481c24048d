package protocol

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/atmx/lot-exchange/internal/model"
)

// Inbound actions.
const (
	ActionSubscribeBuyer = "subscribe-buyer"
	ActionSubscribeAdmin = "subscribe-admin"
	ActionUnsubscribe    = "unsubscribe"
	ActionBuyerBid       = "buyer-bid"
	ActionAdminBid       = "admin-bid"
	ActionAcceptBid      = "accept-bid"
)

// Outbound events.
const (
	EventBuyerBidAck     = "buyer-bid-ack"
	EventAdminBidAck     = "admin-bid-ack"
	EventAdminBidUpdate  = "admin-bid-update"
	EventHotLot          = "hot-lot"
	EventAdminBidUpdated = "admin-bid-updated"
	EventBidAcceptResp   = "bid-accept-response"
	EventOrderAccepted   = "order-accepted"
	EventError           = "error"
)

// Envelope is an inbound message.
type Envelope struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// Event is an outbound message.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type SubscribeBuyerRequest struct {
	BuyerID string   `json:"buyerId"`
	LotIDs  []string `json:"lotIds"`
}

type SubscribeAdminRequest struct {
	AdminID string   `json:"adminId"`
	LotIDs  []string `json:"lotIds"`
}

type UnsubscribeRequest struct {
	LotIDs []string `json:"lotIds"`
}

type BuyerBidRequest struct {
	LotIDs   []string        `json:"lotIds"`
	BidderID string          `json:"bidderId"`
	Price    decimal.Decimal `json:"price"`
}

type AdminBidRequest struct {
	LotIDs  []string        `json:"lotIds"`
	Price   decimal.Decimal `json:"price"`
	AdminID string          `json:"adminId"`
}

type AcceptBidRequest struct {
	LotIDs []string `json:"lotIds"`
	UserID string   `json:"userId"`
}

// Failure is one lot that did not transition.
type Failure struct {
	LotID  string     `json:"lotId"`
	Lot    *model.Lot `json:"lot,omitempty"`
	Reason string     `json:"reason"`
}

// Ack is the per-batch acknowledgment returned to the submitter.
type Ack struct {
	Success      bool         `json:"success"`
	Message      string       `json:"message"`
	Successful   []*model.Lot `json:"successful"`
	Failed       []Failure    `json:"failed"`
	SuccessCount int          `json:"successCount"`
	FailedCount  int          `json:"failedCount"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Action  string `json:"action,omitempty"`
	Message string `json:"message"`
}

// LotSummary is the price view of a lot shown to buyer observers. It never
// names other bidders.
type LotSummary struct {
	LotID               string          `json:"lotId"`
	OfferListID         string          `json:"offerListId"`
	Status              model.LotStatus `json:"status"`
	CurrentPrice        decimal.Decimal `json:"currentPrice"`
	AdminBid            decimal.Decimal `json:"adminBid"`
	HighestBiddingPrice decimal.Decimal `json:"highestBiddingPrice"`
}

func summarize(l *model.Lot) LotSummary {
	return LotSummary{
		LotID:               l.ID,
		OfferListID:         l.OfferListID,
		Status:              l.Status,
		CurrentPrice:        l.CurrentPrice,
		AdminBid:            l.AdminBid,
		HighestBiddingPrice: l.HighestBiddingPrice,
	}
}

// BidUpdate tells admin observers that a buyer raised the highest bid.
type BidUpdate struct {
	LotID    string          `json:"lotId"`
	BidderID string          `json:"bidderId"`
	Price    decimal.Decimal `json:"price"`
	Lot      *model.Lot      `json:"lot"`
}

// HotLot tells buyer observers that the lot is close to selling.
type HotLot struct {
	Lot LotSummary `json:"lot"`
}

// AdminPriceUpdate carries a new admin counter-price. Lot is set for admin
// observers only.
type AdminPriceUpdate struct {
	Summary LotSummary `json:"summary"`
	Lot     *model.Lot `json:"lot,omitempty"`
}

// OrderAccepted announces that a lot was sold. Lot is set for admin
// observers only.
type OrderAccepted struct {
	Summary    LotSummary `json:"summary"`
	AcceptedBy model.Role `json:"acceptedBy"`
	Lot        *model.Lot `json:"lot,omitempty"`
}
