package model

import "errors"

// Lookup errors.
var (
	ErrLotNotFound         = errors.New("lot not found")
	ErrOfferListNotFound   = errors.New("offer list not found")
	ErrOrderNotFound       = errors.New("order not found")
	ErrParticipantNotFound = errors.New("participant not found")
)

// Precondition failures. These are normal per-lot outcomes, not faults.
var (
	ErrAlreadyOrdered   = errors.New("already ordered")
	ErrOfferListNotLive = errors.New("offer list not live")
	ErrBidderNotAllowed = errors.New("bidder not allowed")
	ErrOutbid           = errors.New("bid not higher than current highest bid")
	ErrNoHighestBidder  = errors.New("no highest bidder")
)

// Catalog errors.
var (
	ErrDuplicateLot         = errors.New("duplicate lot")
	ErrOfferListLive        = errors.New("live offer list cannot be deleted")
	ErrOfferListHasActivity = errors.New("offer list with bids or orders cannot be deleted")
)

// IsPrecondition reports whether err is a per-lot precondition failure
// rather than a lookup or storage fault.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrAlreadyOrdered) ||
		errors.Is(err, ErrOfferListNotLive) ||
		errors.Is(err, ErrBidderNotAllowed) ||
		errors.Is(err, ErrOutbid) ||
		errors.Is(err, ErrNoHighestBidder)
}
