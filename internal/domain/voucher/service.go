package voucher

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/kart-voucher/internal/domain/customer"
	"github.com/xenking/kart-voucher/internal/domain/product"
)

const instrumentationName = "github.com/xenking/kart-voucher/internal/domain/voucher"

type options struct {
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	now            func() time.Time
}

// Option configures a Service.
type Option func(*options)

// WithMeterProvider sets the meter provider used for voucher counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithTracerProvider sets the tracer provider used for operation spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithClock overrides the wall clock used for validity windows.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Service implements voucher preview, discovery, redemption and
// administration on top of a Repository.
type Service struct {
	vouchers  Repository
	customers customer.Repository
	products  product.Repository
	now       func() time.Time

	tracer      trace.Tracer
	previews    metric.Int64Counter
	redemptions metric.Int64Counter
}

// NewService creates a voucher Service with the required collaborators.
func NewService(
	vouchers Repository,
	customers customer.Repository,
	products product.Repository,
	opts ...Option,
) (*Service, error) {
	o := options{
		meterProvider:  metricnoop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	meter := o.meterProvider.Meter(instrumentationName)
	previews, err := meter.Int64Counter("voucher.preview.total",
		metric.WithDescription("Voucher preview attempts by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create preview counter")
	}
	redemptions, err := meter.Int64Counter("voucher.redemption.total",
		metric.WithDescription("Voucher redemption commits by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create redemption counter")
	}

	return &Service{
		vouchers:    vouchers,
		customers:   customers,
		products:    products,
		now:         o.now,
		tracer:      o.tracerProvider.Tracer(instrumentationName),
		previews:    previews,
		redemptions: redemptions,
	}, nil
}

// PreviewApply looks up the voucher by code, checks it against the order and
// returns the discount it would grant. Nothing is written.
func (s *Service) PreviewApply(ctx context.Context, code string, order OrderContext) (_ *Preview, rerr error) {
	ctx, span := s.tracer.Start(ctx, "voucher.PreviewApply",
		trace.WithAttributes(attribute.String("voucher.code", code)),
	)
	defer func() {
		s.previews.Add(ctx, 1, metric.WithAttributes(outcomeAttr(rerr)))
		endSpan(span, rerr)
	}()

	if err := checkAmountField("subtotal", order.Subtotal); err != nil {
		return nil, err
	}

	v, err := s.vouchers.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, reject(ReasonNotFound)
		}
		return nil, errors.Wrap(err, "find voucher by code")
	}

	if !v.Audience.AllUsers {
		if order, err = s.resolveLevel(ctx, order); err != nil {
			return nil, err
		}
	}

	if err := Evaluate(v, order, s.now()); err != nil {
		return nil, err
	}

	return &Preview{
		VoucherID: v.ID,
		Code:      v.Code,
		Outcome:   Calculate(v, order.Subtotal),
	}, nil
}

// FindApplicable returns the vouchers the order could use right now, ordered
// by discount value descending. The list may be stale by the time the caller
// acts on it.
func (s *Service) FindApplicable(ctx context.Context, order OrderContext) (_ []Voucher, rerr error) {
	ctx, span := s.tracer.Start(ctx, "voucher.FindApplicable")
	defer func() { endSpan(span, rerr) }()

	if err := checkAmountField("subtotal", order.Subtotal); err != nil {
		return nil, err
	}

	order, err := s.resolveLevel(ctx, order)
	if err != nil {
		return nil, err
	}

	now := s.now()
	candidates, err := s.vouchers.FindApplicable(ctx, ApplicableQuery{
		Now:           now,
		UserID:        order.UserID,
		Subtotal:      order.Subtotal,
		ProductIDs:    order.ProductIDs,
		CustomerLevel: order.CustomerLevel,
	})
	if err != nil {
		return nil, errors.Wrap(err, "find applicable vouchers")
	}

	out := candidates[:0]
	for _, v := range candidates {
		if Evaluate(&v, order, now) == nil {
			out = append(out, v)
		}
	}
	span.SetAttributes(attribute.Int("voucher.candidates", len(out)))
	return out, nil
}

// CommitRedemption durably records that userID consumed the voucher. It must
// be called once, when the order becomes irrevocably confirmed. A second call
// for the same pair is rejected. The store's conditional update is the only
// synchronization; on rejection the caller must not apply the discount.
func (s *Service) CommitRedemption(ctx context.Context, voucherID, userID string) (rerr error) {
	ctx, span := s.tracer.Start(ctx, "voucher.CommitRedemption",
		trace.WithAttributes(attribute.String("voucher.id", voucherID)),
	)
	defer func() {
		s.redemptions.Add(ctx, 1, metric.WithAttributes(outcomeAttr(rerr)))
		endSpan(span, rerr)
	}()

	if userID == "" {
		return &InvalidError{Field: "userId", Message: "must not be empty"}
	}

	lg := zctx.From(ctx).With(
		zap.String("voucher_id", voucherID),
		zap.String("user_id", userID),
	)

	applied, err := s.vouchers.Redeem(ctx, voucherID, userID)
	if err != nil {
		return errors.Wrap(err, "redeem voucher")
	}
	if applied {
		lg.Info("Voucher redeemed")
		return nil
	}

	rej := &Rejection{Reason: ReasonCommitConflict, Cause: s.conflictCause(ctx, lg, voucherID, userID)}
	lg.Info("Voucher commit conflict", zap.String("cause", string(rej.Cause)))
	return rej
}

// conflictCause reads the record after a failed conditional update to name
// the predicate that failed. The read is informational; the outcome has
// already been decided by the update.
func (s *Service) conflictCause(ctx context.Context, lg *zap.Logger, voucherID, userID string) Reason {
	v, err := s.vouchers.FindByID(ctx, voucherID)
	switch {
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case err != nil:
		lg.Warn("Classify commit conflict", zap.Error(err))
		return ""
	case v.RedeemedByUser(userID):
		return ReasonAlreadyRedeemedByUser
	case v.Exhausted():
		return ReasonExhaustedLimit
	default:
		return ""
	}
}

// resolveLevel fills the customer level from the customer repository when the
// caller did not supply one. Unknown customers keep an empty level.
func (s *Service) resolveLevel(ctx context.Context, order OrderContext) (OrderContext, error) {
	if order.CustomerLevel != "" || order.UserID == "" {
		return order, nil
	}
	p, err := s.customers.GetProfile(ctx, order.UserID)
	if err != nil {
		if errors.Is(err, customer.ErrNotFound) {
			return order, nil
		}
		return order, errors.Wrap(err, "get customer profile")
	}
	order.CustomerLevel = p.CustomerLevel
	return order, nil
}

func outcomeAttr(err error) attribute.KeyValue {
	if err == nil {
		return attribute.String("outcome", "ok")
	}
	if r, ok := AsRejection(err); ok {
		if r.Cause != "" {
			return attribute.String("outcome", string(r.Cause))
		}
		return attribute.String("outcome", string(r.Reason))
	}
	return attribute.String("outcome", "error")
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		if _, ok := AsRejection(err); !ok {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}
