package payment

import (
	"context"
	"fmt"
	"sort"
	"time"

	"ticketing-service/internal/models"
	"ticketing-service/internal/util"

	"go.uber.org/zap"
)

// Status is the uniform payment status across providers. Adapters translate
// provider-specific statuses into these; callers never see provider fields.
type Status string

const (
	StatusPending        Status = "pending"
	StatusRequiresAction Status = "requires_action"
	StatusCompleted      Status = "completed"
	StatusDeclined       Status = "declined"
	StatusRefunded       Status = "refunded"
)

// OrderSnapshot carries what a provider needs to create a payment. Amounts
// are integer minor units.
type OrderSnapshot struct {
	OrderNumber string
	Amount      int64
	Currency    string
	Description string
}

// CreateResult is the uniform create response.
type CreateResult struct {
	PaymentID    string
	Status       Status
	ApprovalURL  string
	ClientSecret string
}

// ConfirmResult is the uniform confirm/capture response.
type ConfirmResult struct {
	Status        Status
	TransactionID string
}

// RefundResult is the uniform refund response.
type RefundResult struct {
	RefundID string
	Status   Status
}

// Provider is the contract every payment adapter implements. Adapters own
// their auth (token acquisition and reuse) and wire-format translation.
type Provider interface {
	Name() string
	// SettlementCurrency is the currency the provider is dispatched in;
	// empty means the order currency passes through unconverted.
	SettlementCurrency() string
	CreatePayment(ctx context.Context, snap OrderSnapshot) (*CreateResult, error)
	ConfirmPayment(ctx context.Context, paymentID string) (*ConfirmResult, error)
	RefundPayment(ctx context.Context, paymentID string, amount int64) (*RefundResult, error)
}

// methods permitted per region; regions not listed accept everything.
var regionMethods = map[string][]string{
	"MX": {"mercadopago", "conekta", "paypal", "stripe"},
}

// Gateway is the provider registry. It is built at startup from the
// credentials that are actually configured and injected into the
// orchestrator; a method without credentials is simply absent.
type Gateway struct {
	providers map[string]Provider
	converter Converter
	logger    *zap.Logger
}

// NewGateway builds a registry from the given providers, skipping nils so
// callers can pass the result of conditional constructors directly.
func NewGateway(converter Converter, providers ...Provider) *Gateway {
	g := &Gateway{
		providers: make(map[string]Provider),
		converter: converter,
		logger:    util.GetLogger(),
	}
	for _, p := range providers {
		if p == nil {
			continue
		}
		g.providers[p.Name()] = p
	}
	g.logger.Info("Payment providers registered", zap.Strings("methods", g.Methods()))
	return g
}

// Provider looks an adapter up by method name.
func (g *Gateway) Provider(method string) (Provider, bool) {
	p, ok := g.providers[method]
	return p, ok
}

// Methods lists every registered method, sorted.
func (g *Gateway) Methods() []string {
	methods := make([]string, 0, len(g.providers))
	for name := range g.providers {
		methods = append(methods, name)
	}
	sort.Strings(methods)
	return methods
}

// AvailableMethods filters the registry by region.
func (g *Gateway) AvailableMethods(region string) []string {
	allowed, ok := regionMethods[region]
	if !ok {
		return g.Methods()
	}
	var methods []string
	for _, m := range allowed {
		if _, registered := g.providers[m]; registered {
			methods = append(methods, m)
		}
	}
	return methods
}

// CreatePayment converts the snapshot into the provider's settlement
// currency (once, before dispatch) and creates the payment.
func (g *Gateway) CreatePayment(ctx context.Context, method string, snap OrderSnapshot) (*CreateResult, error) {
	p, ok := g.providers[method]
	if !ok {
		return nil, models.ErrUnknownPaymentMethod
	}

	converted, err := g.convert(snap.Amount, snap.Currency, p.SettlementCurrency())
	if err != nil {
		return nil, err
	}
	if converted != snap.Amount {
		snap.Amount = converted
		snap.Currency = p.SettlementCurrency()
	}

	return observe(p.Name(), "create", func() (*CreateResult, error) {
		return p.CreatePayment(ctx, snap)
	})
}

// ConfirmPayment polls/captures the provider transaction.
func (g *Gateway) ConfirmPayment(ctx context.Context, method, paymentID string) (*ConfirmResult, error) {
	p, ok := g.providers[method]
	if !ok {
		return nil, models.ErrUnknownPaymentMethod
	}
	return observe(p.Name(), "confirm", func() (*ConfirmResult, error) {
		return p.ConfirmPayment(ctx, paymentID)
	})
}

// RefundPayment refunds against the provider transaction, converting the
// amount into the settlement currency the payment was dispatched in.
func (g *Gateway) RefundPayment(ctx context.Context, method, paymentID string, amount int64, currency string) (*RefundResult, error) {
	p, ok := g.providers[method]
	if !ok {
		return nil, models.ErrUnknownPaymentMethod
	}

	converted, err := g.convert(amount, currency, p.SettlementCurrency())
	if err != nil {
		return nil, err
	}

	return observe(p.Name(), "refund", func() (*RefundResult, error) {
		return p.RefundPayment(ctx, paymentID, converted)
	})
}

func (g *Gateway) convert(amount int64, from, to string) (int64, error) {
	if to == "" || from == to {
		return amount, nil
	}
	converted, err := g.converter.Convert(amount, from, to)
	if err != nil {
		return 0, fmt.Errorf("currency conversion %s->%s: %w", from, to, err)
	}
	return converted, nil
}

func observe[T any](provider, operation string, call func() (*T, error)) (*T, error) {
	start := time.Now()
	res, err := call()
	util.PaymentProviderLatency.WithLabelValues(provider, operation).Observe(time.Since(start).Seconds())
	return res, err
}
