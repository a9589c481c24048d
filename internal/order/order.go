// Package order turns accepted lots into orders and carries them through
// fulfilment: delivery-status updates and document attachment.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/atmx/lot-exchange/internal/clock"
	"github.com/atmx/lot-exchange/internal/documents"
	"github.com/atmx/lot-exchange/internal/metrics"
	"github.com/atmx/lot-exchange/internal/model"
	"github.com/atmx/lot-exchange/internal/notify"
	"github.com/atmx/lot-exchange/internal/store"
)

var (
	ErrInvalidDeliveryStatus = errors.New("invalid delivery status")
	ErrUnknownDocumentKind   = errors.New("unknown document kind")
	ErrEmptyDocument         = errors.New("empty document")
)

// Option configures a Materializer.
type Option func(*Materializer)

// WithPruneRetry sets how many times, and starting how far apart, the
// saved-lot prune is attempted.
func WithPruneRetry(tries uint, initial time.Duration) Option {
	return func(m *Materializer) {
		m.pruneTries = tries
		m.pruneInitial = initial
	}
}

// Materializer creates exactly one order per accepted lot.
type Materializer struct {
	store    store.Store
	docs     documents.Store
	notifier *notify.Notifier
	clock    clock.Clock
	logger   *slog.Logger

	pruneTries   uint
	pruneInitial time.Duration
}

// New creates a Materializer. docs may be nil when documents are not used.
func New(s store.Store, docs documents.Store, n *notify.Notifier, clk clock.Clock, logger *slog.Logger, opts ...Option) *Materializer {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if n == nil {
		n = notify.New(nil, clk, logger)
	}
	m := &Materializer{
		store:        s,
		docs:         docs,
		notifier:     n,
		clock:        clk,
		logger:       logger,
		pruneTries:   5,
		pruneInitial: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Materialize creates the order for an ordered lot. Calling it again for the
// same lot returns the existing order. completed reports whether this call
// finished the job, that is flagged the lot as materialized; among concurrent
// or repeated calls for one lot exactly one sees true.
func (m *Materializer) Materialize(ctx context.Context, lotID, buyerID, sellerID string) (o *model.Order, completed bool, err error) {
	o, created, err := m.store.CreateOrderIfAbsent(ctx, &model.Order{
		ID:             uuid.New().String(),
		LotID:          lotID,
		BuyerID:        buyerID,
		SellerID:       sellerID,
		DeliveryStatus: model.DeliveryGenerating,
		CreatedAt:      m.clock.Now().UTC(),
	})
	if err != nil {
		return nil, false, fmt.Errorf("materialize order for lot %s: %w", lotID, err)
	}
	completed, err = m.store.MarkOrderMaterialized(ctx, lotID)
	if err != nil {
		return nil, false, fmt.Errorf("mark lot %s materialized: %w", lotID, err)
	}
	if created {
		metrics.OrdersMaterialized.Inc()
		m.logger.Info("order materialized", "order", o.ID, "lot", lotID, "buyer", buyerID)
	}
	if completed {
		m.pruneWatchlists(ctx, lotID)
	}
	return o, completed, nil
}

// Reconcile materializes every ordered lot still lacking its order, as left
// behind by a storage failure between acceptance and order creation. It
// returns how many lots it completed.
func (m *Materializer) Reconcile(ctx context.Context) (int, error) {
	lots, err := m.store.ListUnmaterializedLots(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unmaterialized lots: %w", err)
	}
	var (
		n    int
		errs []error
	)
	for _, l := range lots {
		_, completed, err := m.Materialize(ctx, l.ID, l.SoldTo, l.SellerID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if completed {
			n++
		}
	}
	if n > 0 || len(errs) > 0 {
		m.logger.Info("orders reconciled", "completed", n, "failed", len(errs))
	}
	return n, errors.Join(errs...)
}

// pruneWatchlists removes the lot from every saved-for-later set. It retries
// with exponential backoff and gives up with a log line.
func (m *Materializer) pruneWatchlists(ctx context.Context, lotID string) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.pruneInitial

	n, err := backoff.Retry(ctx, func() (int64, error) {
		return m.store.PruneSavedLot(ctx, lotID)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(m.pruneTries))
	if err != nil {
		metrics.WatchlistPruneFailures.Inc()
		m.logger.Error("saved lot prune failed", "lot", lotID, "err", err)
		return
	}
	if n > 0 {
		m.logger.Debug("saved lot pruned", "lot", lotID, "participants", n)
	}
}

// UpdateDeliveryStatus moves the order, and every order sharing its
// sale-order number, to status.
func (m *Materializer) UpdateDeliveryStatus(ctx context.Context, orderID string, status model.DeliveryStatus) ([]model.Order, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDeliveryStatus, status)
	}
	orders, err := m.store.UpdateDeliveryStatus(ctx, orderID, status, m.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	m.logger.Info("delivery status updated", "order", orderID, "status", status, "orders", len(orders))
	return orders, nil
}

// AttachDocument uploads a document and records its URL on the order and
// every order sharing its sale-order number.
func (m *Materializer) AttachDocument(ctx context.Context, orderID string, kind model.DocumentKind, filename, contentType string, body []byte) ([]model.Order, error) {
	var probe model.OrderDocuments
	if !probe.Set(kind, "") {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDocumentKind, kind)
	}
	if len(body) == 0 {
		return nil, ErrEmptyDocument
	}
	if m.docs == nil {
		return nil, errors.New("document store not configured")
	}

	o, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("orders/%s/%s/%s-%s", orderID, kind, uuid.New().String(), path.Base("/"+filename))
	url, err := m.docs.Put(ctx, key, contentType, body)
	if err != nil {
		return nil, fmt.Errorf("store %s for order %s: %w", kind, orderID, err)
	}

	orders, err := m.store.SetOrderDocument(ctx, orderID, kind, url)
	if err != nil {
		return nil, err
	}

	lots := make([]string, 0, len(orders))
	for _, o := range orders {
		lots = append(lots, o.LotID)
	}
	msg := fmt.Sprintf("%s uploaded for %d order(s)", kind, len(orders))
	m.notifier.Emit(ctx, notify.Notification{Type: notify.OrderDocsUpdated, Role: model.RoleAdmin, LotIDs: lots, Message: msg})
	m.notifier.Emit(ctx, notify.Notification{Type: notify.OrderDocsUpdated, To: []string{o.BuyerID}, LotIDs: lots, Message: msg})
	return orders, nil
}
