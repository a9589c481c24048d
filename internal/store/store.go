// Package store defines the persistence interface for the lot exchange.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every lot mutation is a conditional write: the precondition and the
// mutation are applied as one atomic unit by the backing store. Callers never
// read-then-write.
package store

import (
	"context"
	"time"

	"github.com/atmx/lot-exchange/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// The conditional lot transitions return the lot as stored after the call
// whenever the lot exists, together with a model precondition error when the
// write did not apply. A nil error means the write applied.
type Store interface {
	// --- Participants ---

	// UpsertParticipant creates or replaces a participant, keeping its
	// saved lots.
	UpsertParticipant(ctx context.Context, p *model.Participant) error

	// GetParticipant retrieves a participant by ID.
	GetParticipant(ctx context.Context, id string) (*model.Participant, error)

	// ListVerifiedBuyers returns the IDs of all verified buyers.
	ListVerifiedBuyers(ctx context.Context) ([]string, error)

	// SaveLots adds lots to a participant's saved-for-later set.
	SaveLots(ctx context.Context, participantID string, lotIDs []string) error

	// UnsaveLots removes lots from a participant's saved-for-later set.
	UnsaveLots(ctx context.Context, participantID string, lotIDs []string) error

	// PruneSavedLot removes a lot from every participant's saved set and
	// returns how many participants were touched.
	PruneSavedLot(ctx context.Context, lotID string) (int64, error)

	// --- Offer lists ---

	// CreateOfferList persists a new offer list.
	CreateOfferList(ctx context.Context, ol *model.OfferList) error

	// GetOfferList retrieves an offer list by ID.
	GetOfferList(ctx context.Context, id string) (*model.OfferList, error)

	// GetOfferListByNumber retrieves an offer list by its business number.
	GetOfferListByNumber(ctx context.Context, number string) (*model.OfferList, error)

	// ListOfferLists returns all offer lists, newest first.
	ListOfferLists(ctx context.Context) ([]model.OfferList, error)

	// UpdateOfferListStatus changes the trading status of an offer list.
	UpdateOfferListStatus(ctx context.Context, id string, status model.OfferListStatus) error

	// DeleteOfferList removes an offer list and its lots. It fails with
	// model.ErrOfferListLive or model.ErrOfferListHasActivity unless the
	// list is not Live and every lot is still open with no order.
	DeleteOfferList(ctx context.Context, id string) error

	// --- Lots ---

	// InsertLots persists new lots. It fails with model.ErrDuplicateLot when
	// a lot with the same invoice number and grade already exists.
	InsertLots(ctx context.Context, lots []*model.Lot) error

	// GetLot retrieves a lot with its full bidding history.
	GetLot(ctx context.Context, id string) (*model.Lot, error)

	// GetLots retrieves the given lots; unknown IDs are skipped.
	GetLots(ctx context.Context, ids []string) ([]model.Lot, error)

	// ListLots returns all lots of an offer list.
	ListLots(ctx context.Context, offerListID string) ([]model.Lot, error)

	// --- Conditional lot transitions ---

	// ApplyBuyerBid raises the highest bid iff the lot is not ordered, its
	// offer list is Live, the bidder is allowed and bid.Price is strictly
	// greater than the current highest bid. A bid that fails only on price
	// is still appended to the history and reported as model.ErrOutbid.
	ApplyBuyerBid(ctx context.Context, lotID string, bid model.BidEntry) (*model.Lot, error)

	// ApplyAdminBid sets the admin counter-price iff the lot is not ordered
	// and its offer list is Live.
	ApplyAdminBid(ctx context.Context, lotID string, bid model.BidEntry) (*model.Lot, error)

	// AcceptHighestBid sells the lot to its highest bidder iff the lot is not
	// ordered and has a highest bidder.
	AcceptHighestBid(ctx context.Context, lotID string, at time.Time) (*model.Lot, error)

	// AcceptAdminPrice sells the lot to buyerID at the admin counter-price
	// iff the lot is not ordered and the buyer is allowed.
	AcceptAdminPrice(ctx context.Context, lotID, buyerID string, at time.Time) (*model.Lot, error)

	// MarkOrderMaterialized flags that an order exists for the lot. It
	// reports whether this call set the flag; exactly one caller sees true.
	MarkOrderMaterialized(ctx context.Context, lotID string) (bool, error)

	// ListUnmaterializedLots returns ordered lots not yet flagged as having
	// an order.
	ListUnmaterializedLots(ctx context.Context) ([]model.Lot, error)

	// --- Orders ---

	// CreateOrderIfAbsent inserts the order unless one already exists for
	// the same lot. It returns the stored order and whether it was created.
	CreateOrderIfAbsent(ctx context.Context, o *model.Order) (*model.Order, bool, error)

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// GetOrderByLot retrieves the order of a lot.
	GetOrderByLot(ctx context.Context, lotID string) (*model.Order, error)

	// ListOrders returns orders matching the filter, newest first.
	ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error)

	// UpdateDeliveryStatus sets the status on the order and on every order
	// sharing its sale-order number. Transaction Complete stamps the
	// delivery date with at.
	UpdateDeliveryStatus(ctx context.Context, orderID string, status model.DeliveryStatus, at time.Time) ([]model.Order, error)

	// SetOrderDocument records a document URL on the order and on every
	// order sharing its sale-order number.
	SetOrderDocument(ctx context.Context, orderID string, kind model.DocumentKind, url string) ([]model.Order, error)

	// AssignSaleOrder counts the distinct sale-order numbers issued inside
	// the request window, mints the next number and assigns it to every
	// unnumbered order of the requested lots, all under one serialization
	// point. When no order is assignable the result is empty and nothing is
	// minted.
	AssignSaleOrder(ctx context.Context, req SaleOrderRequest) (*SaleOrderResult, error)
}

// OrderFilter narrows ListOrders. Zero fields match everything.
type OrderFilter struct {
	BuyerID         string
	SellerID        string
	SaleOrderNumber string
	NumberedOnly    bool
}

func (f OrderFilter) matches(o *model.Order) bool {
	if f.BuyerID != "" && o.BuyerID != f.BuyerID {
		return false
	}
	if f.SellerID != "" && o.SellerID != f.SellerID {
		return false
	}
	if f.SaleOrderNumber != "" && o.SaleOrderNumber != f.SaleOrderNumber {
		return false
	}
	if f.NumberedOnly && o.SaleOrderNumber == "" {
		return false
	}
	return true
}

// SaleOrderRequest describes one numbering batch.
type SaleOrderRequest struct {
	LotIDs       []string
	CashDiscount string
	DaysTerms    string

	// WindowStart and WindowEnd bound the fiscal year: [start, end).
	WindowStart time.Time
	WindowEnd   time.Time
	At          time.Time

	// Mint formats the number given how many distinct numbers were already
	// issued inside the window.
	Mint func(issued int) string
}

// SaleOrderResult is the outcome of AssignSaleOrder.
type SaleOrderResult struct {
	Number string
	Orders []model.Order
}
