// Package notify delivers fire-and-forget notifications about auction
// activity to participants. Delivery failures are logged and never reach the
// caller.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/lot-exchange/internal/clock"
	"github.com/atmx/lot-exchange/internal/metrics"
	"github.com/atmx/lot-exchange/internal/model"
)

// Type names a notification kind.
type Type string

const (
	NewOffer           Type = "NEW_OFFER"
	AdminOffer         Type = "ADMIN_OFFER"
	BidAcceptedByBuyer Type = "BID_ACCEPTED_BY_BUYER"
	BidAcceptedByAdmin Type = "BID_ACCEPTED_BY_ADMIN"
	OrderDocsUpdated   Type = "ORDER_DOCS_UPDATED"
	OfferListLive      Type = "OFFERLIST_LIVE"
)

// Notification is addressed either to explicit participants (To) or to
// everyone holding Role.
type Notification struct {
	Type    Type
	Role    model.Role
	To      []string
	LotIDs  []string
	Message string
	At      time.Time
}

// Sink accepts notifications for delivery.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// Notifier hands notifications to a Sink and swallows failures.
type Notifier struct {
	sink   Sink
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a Notifier. A nil sink logs notifications instead.
func New(sink Sink, clk clock.Clock, logger *slog.Logger) *Notifier {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = NewLogSink(logger)
	}
	return &Notifier{sink: sink, clock: clk, logger: logger}
}

// Emit sends n. It never fails.
func (n *Notifier) Emit(ctx context.Context, msg Notification) {
	if msg.At.IsZero() {
		msg.At = n.clock.Now().UTC()
	}
	metrics.NotificationsTotal.WithLabelValues(string(msg.Type)).Inc()
	if err := n.sink.Send(ctx, msg); err != nil {
		n.logger.Warn("notification dropped", "type", msg.Type, "err", err)
	}
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(_ context.Context, n Notification) error {
	s.logger.Info("notification",
		"type", n.Type,
		"role", n.Role,
		"to", n.To,
		"lots", n.LotIDs,
		"message", n.Message,
	)
	return nil
}

// StreamSink appends notifications to a Redis stream for the delivery
// workers (email, push) to consume.
type StreamSink struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

// NewStreamSink creates a sink writing to stream, trimmed approximately to
// maxLen entries when maxLen > 0.
func NewStreamSink(rdb *redis.Client, stream string, maxLen int64) *StreamSink {
	return &StreamSink{rdb: rdb, stream: stream, maxLen: maxLen}
}

func (s *StreamSink) Send(ctx context.Context, n Notification) error {
	return s.rdb.XAdd(ctx, streamArgs(s.stream, s.maxLen, n)).Err()
}

func streamArgs(stream string, maxLen int64, n Notification) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: []any{
			"type", string(n.Type),
			"role", string(n.Role),
			"to", strings.Join(n.To, ","),
			"lots", strings.Join(n.LotIDs, ","),
			"message", n.Message,
			"at", n.At.UTC().Format(time.RFC3339Nano),
		},
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return args
}
