// Package model defines the core domain types shared across the lot exchange.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// LotStatus is the auction lifecycle of a lot. Ordered is terminal.
type LotStatus string

const (
	LotOpen      LotStatus = "open"
	LotCountered LotStatus = "countered"
	LotOrdered   LotStatus = "ordered"
)

// OfferListStatus gates whether the lots of an offer list accept bids.
type OfferListStatus string

const (
	OfferListHidden   OfferListStatus = "Hidden"
	OfferListUpcoming OfferListStatus = "Upcoming"
	OfferListLive     OfferListStatus = "Live"
)

// Valid reports whether s is a known offer list status.
func (s OfferListStatus) Valid() bool {
	switch s {
	case OfferListHidden, OfferListUpcoming, OfferListLive:
		return true
	}
	return false
}

// Role is the kind of participant behind a caller.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleBuyer || r == RoleSeller || r == RoleAdmin
}

// Caller is an authenticated identity as resolved by the identity provider.
type Caller struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// BidEntry is one immutable record in a lot's bidding history.
// Entries are appended in chronological order and never edited.
type BidEntry struct {
	Bidder string          `json:"bidder"`
	Price  decimal.Decimal `json:"price"`
	Time   time.Time       `json:"time"`
}

// Lot is a single tradable unit listed under an offer list.
type Lot struct {
	ID          string `json:"id"`
	OfferListID string `json:"offer_list_id"`
	SellerID    string `json:"seller_id"`

	InvoiceNumber string `json:"invoice_number"`
	Mark          string `json:"mark"`
	Grade         string `json:"grade"`
	Quantity      string `json:"quantity"`
	Bags          int    `json:"bags"`

	BasePrice    decimal.Decimal `json:"base_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	AdminBid     decimal.Decimal `json:"admin_bid"`
	AdminBidTime *time.Time      `json:"admin_bid_time,omitempty"`

	HighestBiddingPrice decimal.Decimal `json:"highest_bidding_price"`
	HighestBidder       string          `json:"highest_bidder,omitempty"`
	HighestBidTime      *time.Time      `json:"highest_bid_time,omitempty"`
	BiddingHistory      []BidEntry      `json:"bidding_history"`

	AllowedBuyers []string  `json:"allowed_buyers"`
	Status        LotStatus `json:"status"`

	SoldTo             string `json:"sold_to,omitempty"`
	OrderMaterialized  bool   `json:"order_materialized"`
	SaleOrderGenerated bool   `json:"sale_order_generated"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsAllowed reports whether buyerID may bid on the lot.
func (l *Lot) IsAllowed(buyerID string) bool {
	for _, b := range l.AllowedBuyers {
		if b == buyerID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (l *Lot) Clone() *Lot {
	c := *l
	c.BiddingHistory = append([]BidEntry(nil), l.BiddingHistory...)
	c.AllowedBuyers = append([]string(nil), l.AllowedBuyers...)
	if l.AdminBidTime != nil {
		t := *l.AdminBidTime
		c.AdminBidTime = &t
	}
	if l.HighestBidTime != nil {
		t := *l.HighestBidTime
		c.HighestBidTime = &t
	}
	return &c
}

// OfferList groups lots of one seller under a trading-status gate.
type OfferList struct {
	ID        string          `json:"id"`
	Number    string          `json:"number"`
	SellerID  string          `json:"seller_id"`
	Status    OfferListStatus `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// DeliveryStatus is the fulfilment stage of an order.
type DeliveryStatus string

const (
	DeliveryGenerating          DeliveryStatus = "Generating SO No."
	DeliveryAwaitingAddress     DeliveryStatus = "Awaiting Address Update"
	DeliveryAwaitingDocuments   DeliveryStatus = "Awaiting Documents Upload"
	DeliveryAwaitingBankDetails DeliveryStatus = "Awaiting Bank Details"
	DeliveryAwaitingPayment     DeliveryStatus = "Awaiting Payment Verification"
	DeliveryInTransit           DeliveryStatus = "In Transit"
	DeliveryDelivered           DeliveryStatus = "Delivered"
	DeliveryComplete            DeliveryStatus = "Transaction Complete"
)

var deliveryStatuses = map[DeliveryStatus]bool{
	DeliveryGenerating:          true,
	DeliveryAwaitingAddress:     true,
	DeliveryAwaitingDocuments:   true,
	DeliveryAwaitingBankDetails: true,
	DeliveryAwaitingPayment:     true,
	DeliveryInTransit:           true,
	DeliveryDelivered:           true,
	DeliveryComplete:            true,
}

// Valid reports whether s is one of the known delivery stages.
func (s DeliveryStatus) Valid() bool {
	return deliveryStatuses[s]
}

// DocumentKind names one of the documents attached to an order.
type DocumentKind string

const (
	DocTaxInvoice    DocumentKind = "tax-invoice"
	DocEwayBill      DocumentKind = "eway-bill"
	DocCNote         DocumentKind = "c-note"
	DocDeliveryOrder DocumentKind = "delivery-order"
)

// OrderDocuments holds reference URLs returned by the document store.
type OrderDocuments struct {
	TaxInvoiceURL    string `json:"tax_invoice_url,omitempty"`
	EwayBillURL      string `json:"eway_bill_url,omitempty"`
	CNoteURL         string `json:"c_note_url,omitempty"`
	DeliveryOrderURL string `json:"delivery_order_url,omitempty"`
}

// Set records url under kind. It reports false for an unknown kind.
func (d *OrderDocuments) Set(kind DocumentKind, url string) bool {
	switch kind {
	case DocTaxInvoice:
		d.TaxInvoiceURL = url
	case DocEwayBill:
		d.EwayBillURL = url
	case DocCNote:
		d.CNoteURL = url
	case DocDeliveryOrder:
		d.DeliveryOrderURL = url
	default:
		return false
	}
	return true
}

// Order is created exactly once per lot, when the lot becomes ordered.
type Order struct {
	ID                   string         `json:"id"`
	LotID                string         `json:"lot_id"`
	BuyerID              string         `json:"buyer_id"`
	SellerID             string         `json:"seller_id"`
	DeliveryStatus       DeliveryStatus `json:"delivery_status"`
	SaleOrderNumber      string         `json:"sale_order_number,omitempty"`
	SaleOrderGeneratedAt *time.Time     `json:"sale_order_generated_at,omitempty"`
	CashDiscount         string         `json:"cash_discount,omitempty"`
	DaysTerms            string         `json:"days_terms,omitempty"`
	DeliveryDate         *time.Time     `json:"delivery_date,omitempty"`
	Documents            OrderDocuments `json:"documents"`
	CreatedAt            time.Time      `json:"created_at"`
}

// Participant is a registered buyer, seller or admin.
type Participant struct {
	ID          string   `json:"id"`
	Role        Role     `json:"role"`
	CompanyName string   `json:"company_name"`
	Verified    bool     `json:"verified"`
	SavedLots   []string `json:"saved_lots"`
}

// BuyerView returns the lot as buyerID may see it: the history is reduced to
// the buyer's latest own bid, CurrentPrice becomes that bid, and other
// bidders are not named.
func (l *Lot) BuyerView(buyerID string) *Lot {
	c := l.Clone()
	c.AllowedBuyers = nil
	c.BiddingHistory = nil
	for i := len(l.BiddingHistory) - 1; i >= 0; i-- {
		if e := l.BiddingHistory[i]; e.Bidder == buyerID {
			c.BiddingHistory = []BidEntry{e}
			c.CurrentPrice = e.Price
			break
		}
	}
	if c.BiddingHistory == nil {
		c.BiddingHistory = []BidEntry{}
	}
	if c.HighestBidder != buyerID {
		c.HighestBidder = ""
	}
	if c.SoldTo != buyerID {
		c.SoldTo = ""
	}
	return c
}
