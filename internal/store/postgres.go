package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/lot-exchange/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Lot transitions are single UPDATE ... WHERE statements whose predicate is
// the precondition; history rows are appended by the same statement through
// a data-modifying CTE so a transition and its history entry commit together.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

type scanner interface {
	Scan(dest ...any) error
}

// --- Participants ---

func (s *PostgresStore) UpsertParticipant(ctx context.Context, p *model.Participant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO participants (id, role, company_name, verified)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		 SET role = EXCLUDED.role, company_name = EXCLUDED.company_name, verified = EXCLUDED.verified`,
		p.ID, p.Role, p.CompanyName, p.Verified,
	)
	return err
}

func (s *PostgresStore) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	var p model.Participant
	err := s.pool.QueryRow(ctx,
		`SELECT id, role, company_name, verified FROM participants WHERE id = $1`, id).
		Scan(&p.ID, &p.Role, &p.CompanyName, &p.Verified)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("participant %s: %w", id, model.ErrParticipantNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get participant %s: %w", id, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT lot_id FROM saved_lots WHERE participant_id = $1 ORDER BY saved_at, lot_id`, id)
	if err != nil {
		return nil, err
	}
	p.SavedLots, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("get saved lots of %s: %w", id, err)
	}
	return &p, nil
}

func (s *PostgresStore) ListVerifiedBuyers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM participants WHERE role = $1 AND verified ORDER BY id`, model.RoleBuyer)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresStore) participantExists(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM participants WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("participant %s: %w", id, model.ErrParticipantNotFound)
	}
	return nil
}

func (s *PostgresStore) SaveLots(ctx context.Context, participantID string, lotIDs []string) error {
	if err := s.participantExists(ctx, participantID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO saved_lots (participant_id, lot_id)
		 SELECT $1, lot_id FROM unnest($2::TEXT[]) AS lot_id
		 ON CONFLICT DO NOTHING`,
		participantID, lotIDs,
	)
	return err
}

func (s *PostgresStore) UnsaveLots(ctx context.Context, participantID string, lotIDs []string) error {
	if err := s.participantExists(ctx, participantID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM saved_lots WHERE participant_id = $1 AND lot_id = ANY($2)`,
		participantID, lotIDs,
	)
	return err
}

func (s *PostgresStore) PruneSavedLot(ctx context.Context, lotID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM saved_lots WHERE lot_id = $1`, lotID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Offer lists ---

func (s *PostgresStore) CreateOfferList(ctx context.Context, ol *model.OfferList) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO offer_lists (id, number, seller_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		ol.ID, ol.Number, ol.SellerID, ol.Status, ol.CreatedAt,
	)
	return err
}

const offerListColumns = `id, number, seller_id, status, created_at`

func scanOfferList(row scanner) (*model.OfferList, error) {
	var ol model.OfferList
	if err := row.Scan(&ol.ID, &ol.Number, &ol.SellerID, &ol.Status, &ol.CreatedAt); err != nil {
		return nil, err
	}
	return &ol, nil
}

func (s *PostgresStore) GetOfferList(ctx context.Context, id string) (*model.OfferList, error) {
	ol, err := scanOfferList(s.pool.QueryRow(ctx,
		`SELECT `+offerListColumns+` FROM offer_lists WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("offer list %s: %w", id, model.ErrOfferListNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get offer list %s: %w", id, err)
	}
	return ol, nil
}

func (s *PostgresStore) GetOfferListByNumber(ctx context.Context, number string) (*model.OfferList, error) {
	ol, err := scanOfferList(s.pool.QueryRow(ctx,
		`SELECT `+offerListColumns+` FROM offer_lists WHERE number = $1`, number))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("offer list %s: %w", number, model.ErrOfferListNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get offer list by number %s: %w", number, err)
	}
	return ol, nil
}

func (s *PostgresStore) ListOfferLists(ctx context.Context) ([]model.OfferList, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+offerListColumns+` FROM offer_lists ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lists []model.OfferList
	for rows.Next() {
		ol, err := scanOfferList(rows)
		if err != nil {
			return nil, err
		}
		lists = append(lists, *ol)
	}
	return lists, rows.Err()
}

func (s *PostgresStore) UpdateOfferListStatus(ctx context.Context, id string, status model.OfferListStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE offer_lists SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("offer list %s: %w", id, model.ErrOfferListNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteOfferList(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status model.OfferListStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM offer_lists WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("offer list %s: %w", id, model.ErrOfferListNotFound)
	}
	if err != nil {
		return err
	}
	if status == model.OfferListLive {
		return model.ErrOfferListLive
	}

	var active bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM lots l
		     WHERE l.offer_list_id = $1
		       AND (l.status <> 'open' OR l.order_materialized
		            OR EXISTS (SELECT 1 FROM orders o WHERE o.lot_id = l.id)))`, id).Scan(&active)
	if err != nil {
		return err
	}
	if active {
		return model.ErrOfferListHasActivity
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM saved_lots WHERE lot_id IN (SELECT id FROM lots WHERE offer_list_id = $1)`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM offer_lists WHERE id = $1`, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Lots ---

func (s *PostgresStore) InsertLots(ctx context.Context, lots []*model.Lot) error {
	batch := &pgx.Batch{}
	for _, l := range lots {
		batch.Queue(
			`INSERT INTO lots (id, offer_list_id, seller_id, invoice_number, mark, grade, quantity, bags,
			                   base_price, current_price, admin_bid, highest_bidding_price,
			                   allowed_buyers, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
			         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC,
			         $13, $14, $15, $16)
			 ON CONFLICT (invoice_number, grade) DO NOTHING`,
			l.ID, l.OfferListID, l.SellerID, l.InvoiceNumber, l.Mark, l.Grade, l.Quantity, l.Bags,
			l.BasePrice.String(), l.CurrentPrice.String(), l.AdminBid.String(), l.HighestBiddingPrice.String(),
			l.AllowedBuyers, l.Status, l.CreatedAt, l.UpdatedAt,
		)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	results := tx.SendBatch(ctx, batch)
	for _, l := range lots {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return fmt.Errorf("insert lot %s: %w", l.ID, err)
		}
		if tag.RowsAffected() == 0 {
			results.Close()
			return fmt.Errorf("invoice %s grade %s: %w", l.InvoiceNumber, l.Grade, model.ErrDuplicateLot)
		}
	}
	if err := results.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const lotColumns = `l.id, l.offer_list_id, l.seller_id, l.invoice_number, l.mark, l.grade, l.quantity, l.bags,
	l.base_price::TEXT, l.current_price::TEXT, l.admin_bid::TEXT, l.admin_bid_time,
	l.highest_bidding_price::TEXT, l.highest_bidder, l.highest_bid_time,
	l.allowed_buyers, l.status, l.sold_to, l.order_materialized, l.sale_order_generated,
	l.created_at, l.updated_at`

func scanLot(row scanner) (*model.Lot, error) {
	var l model.Lot
	var basePrice, currentPrice, adminBid, highest string
	if err := row.Scan(&l.ID, &l.OfferListID, &l.SellerID, &l.InvoiceNumber, &l.Mark, &l.Grade, &l.Quantity, &l.Bags,
		&basePrice, &currentPrice, &adminBid, &l.AdminBidTime,
		&highest, &l.HighestBidder, &l.HighestBidTime,
		&l.AllowedBuyers, &l.Status, &l.SoldTo, &l.OrderMaterialized, &l.SaleOrderGenerated,
		&l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	l.BasePrice, _ = decimal.NewFromString(basePrice)
	l.CurrentPrice, _ = decimal.NewFromString(currentPrice)
	l.AdminBid, _ = decimal.NewFromString(adminBid)
	l.HighestBiddingPrice, _ = decimal.NewFromString(highest)
	return &l, nil
}

func (s *PostgresStore) GetLot(ctx context.Context, id string) (*model.Lot, error) {
	l, err := scanLot(s.pool.QueryRow(ctx, `SELECT `+lotColumns+` FROM lots l WHERE l.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lot %s: %w", id, model.ErrLotNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get lot %s: %w", id, err)
	}
	if err := s.attachHistory(ctx, []*model.Lot{l}); err != nil {
		return nil, err
	}
	return l, nil
}

func (s *PostgresStore) GetLots(ctx context.Context, ids []string) ([]model.Lot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+lotColumns+` FROM lots l WHERE l.id = ANY($1) ORDER BY l.created_at, l.id`, ids)
	if err != nil {
		return nil, err
	}
	return s.collectLots(ctx, rows)
}

func (s *PostgresStore) ListLots(ctx context.Context, offerListID string) ([]model.Lot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+lotColumns+` FROM lots l WHERE l.offer_list_id = $1 ORDER BY l.created_at, l.id`, offerListID)
	if err != nil {
		return nil, err
	}
	return s.collectLots(ctx, rows)
}

func (s *PostgresStore) collectLots(ctx context.Context, rows pgx.Rows) ([]model.Lot, error) {
	var ptrs []*model.Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		ptrs = append(ptrs, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachHistory(ctx, ptrs); err != nil {
		return nil, err
	}

	lots := make([]model.Lot, 0, len(ptrs))
	for _, l := range ptrs {
		lots = append(lots, *l)
	}
	return lots, nil
}

// attachHistory loads the bidding history of every lot in one query.
// Row id order is append order.
func (s *PostgresStore) attachHistory(ctx context.Context, lots []*model.Lot) error {
	if len(lots) == 0 {
		return nil
	}
	byID := make(map[string]*model.Lot, len(lots))
	ids := make([]string, 0, len(lots))
	for _, l := range lots {
		l.BiddingHistory = []model.BidEntry{}
		byID[l.ID] = l
		ids = append(ids, l.ID)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT lot_id, bidder, price::TEXT, bid_time
		 FROM bid_history WHERE lot_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var lotID, price string
		var e model.BidEntry
		if err := rows.Scan(&lotID, &e.Bidder, &price, &e.Time); err != nil {
			return err
		}
		e.Price, _ = decimal.NewFromString(price)
		l := byID[lotID]
		l.BiddingHistory = append(l.BiddingHistory, e)
	}
	return rows.Err()
}

// --- Conditional lot transitions ---

func (s *PostgresStore) ApplyBuyerBid(ctx context.Context, lotID string, bid model.BidEntry) (*model.Lot, error) {
	tag, err := s.pool.Exec(ctx,
		`WITH upd AS (
		     UPDATE lots l
		     SET highest_bidding_price = $3::NUMERIC, highest_bidder = $2, highest_bid_time = $4,
		         status = 'countered', updated_at = $4
		     FROM offer_lists ol
		     WHERE l.id = $1 AND ol.id = l.offer_list_id AND ol.status = 'Live'
		       AND l.status <> 'ordered'
		       AND $2 = ANY(l.allowed_buyers)
		       AND l.highest_bidding_price < $3::NUMERIC
		     RETURNING l.id)
		 INSERT INTO bid_history (lot_id, bidder, price, bid_time)
		 SELECT id, $2, $3::NUMERIC, $4 FROM upd`,
		lotID, bid.Bidder, bid.Price.String(), bid.Time,
	)
	if err != nil {
		return nil, fmt.Errorf("apply buyer bid on %s: %w", lotID, err)
	}
	if tag.RowsAffected() == 1 {
		return s.GetLot(ctx, lotID)
	}

	// Price lost: the bid is still recorded, nothing else changes.
	tag, err = s.pool.Exec(ctx,
		`INSERT INTO bid_history (lot_id, bidder, price, bid_time)
		 SELECT l.id, $2, $3::NUMERIC, $4
		 FROM lots l JOIN offer_lists ol ON ol.id = l.offer_list_id
		 WHERE l.id = $1 AND ol.status = 'Live'
		   AND l.status <> 'ordered'
		   AND $2 = ANY(l.allowed_buyers)
		   AND l.highest_bidding_price >= $3::NUMERIC`,
		lotID, bid.Bidder, bid.Price.String(), bid.Time,
	)
	if err != nil {
		return nil, fmt.Errorf("record losing bid on %s: %w", lotID, err)
	}
	if tag.RowsAffected() == 1 {
		l, err := s.GetLot(ctx, lotID)
		if err != nil {
			return nil, err
		}
		return l, model.ErrOutbid
	}
	return s.rejection(ctx, lotID, bid.Bidder, true)
}

func (s *PostgresStore) ApplyAdminBid(ctx context.Context, lotID string, bid model.BidEntry) (*model.Lot, error) {
	tag, err := s.pool.Exec(ctx,
		`WITH upd AS (
		     UPDATE lots l
		     SET admin_bid = $3::NUMERIC, current_price = $3::NUMERIC, admin_bid_time = $4,
		         status = 'countered', updated_at = $4
		     FROM offer_lists ol
		     WHERE l.id = $1 AND ol.id = l.offer_list_id AND ol.status = 'Live'
		       AND l.status <> 'ordered'
		     RETURNING l.id)
		 INSERT INTO bid_history (lot_id, bidder, price, bid_time)
		 SELECT id, $2, $3::NUMERIC, $4 FROM upd`,
		lotID, bid.Bidder, bid.Price.String(), bid.Time,
	)
	if err != nil {
		return nil, fmt.Errorf("apply admin bid on %s: %w", lotID, err)
	}
	if tag.RowsAffected() == 1 {
		return s.GetLot(ctx, lotID)
	}
	return s.rejection(ctx, lotID, "", false)
}

func (s *PostgresStore) AcceptHighestBid(ctx context.Context, lotID string, at time.Time) (*model.Lot, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE lots SET sold_to = highest_bidder, status = 'ordered', updated_at = $2
		 WHERE id = $1 AND status <> 'ordered' AND highest_bidder <> ''`,
		lotID, at,
	)
	if err != nil {
		return nil, fmt.Errorf("accept highest bid on %s: %w", lotID, err)
	}
	l, err := s.GetLot(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 1 {
		return l, nil
	}
	if l.Status == model.LotOrdered {
		return l, model.ErrAlreadyOrdered
	}
	return l, model.ErrNoHighestBidder
}

func (s *PostgresStore) AcceptAdminPrice(ctx context.Context, lotID, buyerID string, at time.Time) (*model.Lot, error) {
	tag, err := s.pool.Exec(ctx,
		`WITH upd AS (
		     UPDATE lots
		     SET sold_to = $2, highest_bidder = $2, highest_bidding_price = admin_bid,
		         highest_bid_time = $3, status = 'ordered', updated_at = $3
		     WHERE id = $1 AND status <> 'ordered' AND $2 = ANY(allowed_buyers)
		     RETURNING id, admin_bid)
		 INSERT INTO bid_history (lot_id, bidder, price, bid_time)
		 SELECT id, $2, admin_bid, $3 FROM upd`,
		lotID, buyerID, at,
	)
	if err != nil {
		return nil, fmt.Errorf("accept admin price on %s: %w", lotID, err)
	}
	l, err := s.GetLot(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 1 {
		return l, nil
	}
	if l.Status == model.LotOrdered {
		return l, model.ErrAlreadyOrdered
	}
	return l, model.ErrBidderNotAllowed
}

// rejection explains why a guarded bid wrote nothing. The write decision was
// already made atomically; this read only names the failed guard.
func (s *PostgresStore) rejection(ctx context.Context, lotID, bidder string, checkBidder bool) (*model.Lot, error) {
	l, err := s.GetLot(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if l.Status == model.LotOrdered {
		return l, model.ErrAlreadyOrdered
	}
	ol, err := s.GetOfferList(ctx, l.OfferListID)
	if err != nil && !errors.Is(err, model.ErrOfferListNotFound) {
		return nil, err
	}
	if ol == nil || ol.Status != model.OfferListLive {
		return l, model.ErrOfferListNotLive
	}
	if checkBidder && !l.IsAllowed(bidder) {
		return l, model.ErrBidderNotAllowed
	}
	return l, model.ErrOutbid
}

func (s *PostgresStore) MarkOrderMaterialized(ctx context.Context, lotID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE lots SET order_materialized = TRUE WHERE id = $1 AND NOT order_materialized`, lotID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM lots WHERE id = $1)`, lotID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("lot %s: %w", lotID, model.ErrLotNotFound)
	}
	return false, nil
}

func (s *PostgresStore) ListUnmaterializedLots(ctx context.Context) ([]model.Lot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+lotColumns+` FROM lots l WHERE l.status = 'ordered' AND NOT l.order_materialized ORDER BY l.id`)
	if err != nil {
		return nil, err
	}
	return s.collectLots(ctx, rows)
}

// --- Orders ---

const orderColumns = `o.id, o.lot_id, o.buyer_id, o.seller_id, o.delivery_status,
	o.sale_order_number, o.sale_order_generated_at, o.cash_discount, o.days_terms, o.delivery_date,
	o.tax_invoice_url, o.eway_bill_url, o.c_note_url, o.delivery_order_url, o.created_at`

func scanOrder(row scanner) (*model.Order, error) {
	var o model.Order
	if err := row.Scan(&o.ID, &o.LotID, &o.BuyerID, &o.SellerID, &o.DeliveryStatus,
		&o.SaleOrderNumber, &o.SaleOrderGeneratedAt, &o.CashDiscount, &o.DaysTerms, &o.DeliveryDate,
		&o.Documents.TaxInvoiceURL, &o.Documents.EwayBillURL, &o.Documents.CNoteURL, &o.Documents.DeliveryOrderURL,
		&o.CreatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func collectOrders(rows pgx.Rows) ([]model.Order, error) {
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) CreateOrderIfAbsent(ctx context.Context, o *model.Order) (*model.Order, bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, lot_id, buyer_id, seller_id, delivery_status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (lot_id) DO NOTHING`,
		o.ID, o.LotID, o.BuyerID, o.SellerID, o.DeliveryStatus, o.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("create order for lot %s: %w", o.LotID, err)
	}
	stored, err := s.GetOrderByLot(ctx, o.LotID)
	if err != nil {
		return nil, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders o WHERE o.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrOrderNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) GetOrderByLot(ctx context.Context, lotID string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders o WHERE o.lot_id = $1`, lotID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order for lot %s: %w", lotID, model.ErrOrderNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order for lot %s: %w", lotID, err)
	}
	return o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders o
		 WHERE ($1 = '' OR o.buyer_id = $1)
		   AND ($2 = '' OR o.seller_id = $2)
		   AND ($3 = '' OR o.sale_order_number = $3)
		   AND (NOT $4 OR o.sale_order_number <> '')
		 ORDER BY o.created_at DESC, o.id`,
		f.BuyerID, f.SellerID, f.SaleOrderNumber, f.NumberedOnly,
	)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

// groupPredicate matches the target order $1 and every order sharing its
// sale-order number.
const groupPredicate = `t.id = $1 AND (o.id = t.id OR (t.sale_order_number <> '' AND o.sale_order_number = t.sale_order_number))`

func (s *PostgresStore) UpdateDeliveryStatus(ctx context.Context, orderID string, status model.DeliveryStatus, at time.Time) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE orders o
		 SET delivery_status = $2::TEXT,
		     delivery_date = CASE WHEN $2::TEXT = $4::TEXT THEN $3::TIMESTAMPTZ ELSE o.delivery_date END
		 FROM orders t
		 WHERE `+groupPredicate+`
		 RETURNING `+orderColumns,
		orderID, status, at, model.DeliveryComplete,
	)
	if err != nil {
		return nil, err
	}
	orders, err := collectOrders(rows)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("order %s: %w", orderID, model.ErrOrderNotFound)
	}
	sortOrders(orders)
	return orders, nil
}

var documentColumns = map[model.DocumentKind]string{
	model.DocTaxInvoice:    "tax_invoice_url",
	model.DocEwayBill:      "eway_bill_url",
	model.DocCNote:         "c_note_url",
	model.DocDeliveryOrder: "delivery_order_url",
}

func (s *PostgresStore) SetOrderDocument(ctx context.Context, orderID string, kind model.DocumentKind, url string) ([]model.Order, error) {
	col, ok := documentColumns[kind]
	if !ok {
		return nil, fmt.Errorf("unknown document kind %q", kind)
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE orders o SET `+col+` = $2
		 FROM orders t
		 WHERE `+groupPredicate+`
		 RETURNING `+orderColumns,
		orderID, url,
	)
	if err != nil {
		return nil, err
	}
	orders, err := collectOrders(rows)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("order %s: %w", orderID, model.ErrOrderNotFound)
	}
	sortOrders(orders)
	return orders, nil
}

// saleOrderLockKey is the advisory lock serializing sale-order numbering.
const saleOrderLockKey = `sale_order_numbering`

func (s *PostgresStore) AssignSaleOrder(ctx context.Context, req SaleOrderRequest) (*SaleOrderResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, saleOrderLockKey); err != nil {
		return nil, fmt.Errorf("acquire numbering lock: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT id FROM orders
		 WHERE lot_id = ANY($1) AND sale_order_number = ''
		 FOR UPDATE`, req.LotIDs)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return &SaleOrderResult{}, tx.Commit(ctx)
	}

	var issued int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(DISTINCT sale_order_number) FROM orders
		 WHERE sale_order_number <> ''
		   AND sale_order_generated_at >= $1 AND sale_order_generated_at < $2`,
		req.WindowStart, req.WindowEnd).Scan(&issued); err != nil {
		return nil, fmt.Errorf("count sale orders: %w", err)
	}

	number := req.Mint(issued)
	rows, err = tx.Query(ctx,
		`UPDATE orders o
		 SET sale_order_number = $2, sale_order_generated_at = $3,
		     cash_discount = $4, days_terms = $5, delivery_status = $6
		 WHERE o.id = ANY($1)
		 RETURNING `+orderColumns,
		ids, number, req.At, req.CashDiscount, req.DaysTerms, model.DeliveryAwaitingAddress,
	)
	if err != nil {
		return nil, err
	}
	orders, err := collectOrders(rows)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE lots SET sale_order_generated = TRUE
		 WHERE id IN (SELECT lot_id FROM orders WHERE id = ANY($1))`, ids); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	sortOrders(orders)
	return &SaleOrderResult{Number: number, Orders: orders}, nil
}
