package payment

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

const mercadoPagoURL = "https://api.mercadopago.com"

// MercadoPagoConfig configures the Mercado Pago adapter.
type MercadoPagoConfig struct {
	AccessToken string
	BaseURL     string
}

// MercadoPago settles in MXN via the Payments v1 API. Amounts cross the
// wire as major-unit decimals, so minor units are scaled at the boundary.
type MercadoPago struct {
	cfg     MercadoPagoConfig
	baseURL string
	hc      *http.Client
}

// NewMercadoPago returns the adapter, or nil when credentials are absent.
func NewMercadoPago(cfg MercadoPagoConfig) *MercadoPago {
	if cfg.AccessToken == "" {
		return nil
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = mercadoPagoURL
	}
	return &MercadoPago{cfg: cfg, baseURL: baseURL, hc: newHTTPClient()}
}

func (m *MercadoPago) Name() string               { return "mercadopago" }
func (m *MercadoPago) SettlementCurrency() string { return "MXN" }

type mercadoPagoPayment struct {
	ID                 int64  `json:"id"`
	Status             string `json:"status"`
	PointOfInteraction struct {
		TransactionData struct {
			TicketURL string `json:"ticket_url"`
		} `json:"transaction_data"`
	} `json:"point_of_interaction"`
}

func (m *MercadoPago) CreatePayment(ctx context.Context, snap OrderSnapshot) (*CreateResult, error) {
	body := map[string]interface{}{
		"transaction_amount": float64(snap.Amount) / 100,
		"currency_id":        snap.Currency,
		"description":        snap.Description,
		"external_reference": snap.OrderNumber,
	}
	headers := m.headers()
	// payment creation must not duplicate on retry
	headers["X-Idempotency-Key"] = uuid.NewString()

	var out mercadoPagoPayment
	if _, err := doJSON(ctx, m.hc, http.MethodPost, m.baseURL+"/v1/payments", headers, body, &out); err != nil {
		return nil, err
	}

	return &CreateResult{
		PaymentID:   fmt.Sprintf("%d", out.ID),
		Status:      mercadoPagoStatus(out.Status),
		ApprovalURL: out.PointOfInteraction.TransactionData.TicketURL,
	}, nil
}

func (m *MercadoPago) ConfirmPayment(ctx context.Context, paymentID string) (*ConfirmResult, error) {
	var out mercadoPagoPayment
	if _, err := doJSON(ctx, m.hc, http.MethodGet, m.baseURL+"/v1/payments/"+paymentID, m.headers(), nil, &out); err != nil {
		return nil, err
	}
	return &ConfirmResult{
		Status:        mercadoPagoStatus(out.Status),
		TransactionID: fmt.Sprintf("%d", out.ID),
	}, nil
}

type mercadoPagoRefund struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

func (m *MercadoPago) RefundPayment(ctx context.Context, paymentID string, amount int64) (*RefundResult, error) {
	body := map[string]interface{}{"amount": float64(amount) / 100}

	var out mercadoPagoRefund
	if _, err := doJSON(ctx, m.hc, http.MethodPost,
		m.baseURL+"/v1/payments/"+paymentID+"/refunds", m.headers(), body, &out); err != nil {
		return nil, err
	}

	status := StatusPending
	if out.Status == "approved" {
		status = StatusRefunded
	}
	return &RefundResult{RefundID: fmt.Sprintf("%d", out.ID), Status: status}, nil
}

func (m *MercadoPago) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + m.cfg.AccessToken}
}

func mercadoPagoStatus(s string) Status {
	switch s {
	case "approved":
		return StatusCompleted
	case "rejected", "cancelled":
		return StatusDeclined
	case "refunded":
		return StatusRefunded
	default: // pending, in_process, authorized
		return StatusPending
	}
}
