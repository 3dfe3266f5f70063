package payment

import (
	"context"
	"net/http"
	"strings"
)

const conektaURL = "https://api.conekta.io"

// ConektaConfig configures the Conekta adapter.
type ConektaConfig struct {
	PrivateKey string
	BaseURL    string
}

// Conekta settles in MXN. The API speaks integer cents natively, so
// amounts pass through unscaled.
type Conekta struct {
	cfg     ConektaConfig
	baseURL string
	hc      *http.Client
}

// NewConekta returns the adapter, or nil when credentials are absent.
func NewConekta(cfg ConektaConfig) *Conekta {
	if cfg.PrivateKey == "" {
		return nil
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = conektaURL
	}
	return &Conekta{cfg: cfg, baseURL: baseURL, hc: newHTTPClient()}
}

func (c *Conekta) Name() string               { return "conekta" }
func (c *Conekta) SettlementCurrency() string { return "MXN" }

type conektaOrder struct {
	ID            string `json:"id"`
	PaymentStatus string `json:"payment_status"`
	Charges       struct {
		Data []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"data"`
	} `json:"charges"`
}

func (c *Conekta) CreatePayment(ctx context.Context, snap OrderSnapshot) (*CreateResult, error) {
	body := map[string]interface{}{
		"currency": strings.ToUpper(snap.Currency),
		"metadata": map[string]string{"order_number": snap.OrderNumber},
		"line_items": []map[string]interface{}{{
			"name":       snap.Description,
			"unit_price": snap.Amount,
			"quantity":   1,
		}},
		"charges": []map[string]interface{}{{
			"payment_method": map[string]string{"type": "default"},
		}},
	}

	var out conektaOrder
	if _, err := doJSON(ctx, c.hc, http.MethodPost, c.baseURL+"/orders", c.headers(), body, &out); err != nil {
		return nil, err
	}
	return &CreateResult{PaymentID: out.ID, Status: conektaStatus(out.PaymentStatus)}, nil
}

func (c *Conekta) ConfirmPayment(ctx context.Context, paymentID string) (*ConfirmResult, error) {
	var out conektaOrder
	if _, err := doJSON(ctx, c.hc, http.MethodGet, c.baseURL+"/orders/"+paymentID, c.headers(), nil, &out); err != nil {
		return nil, err
	}

	res := &ConfirmResult{Status: conektaStatus(out.PaymentStatus)}
	if len(out.Charges.Data) > 0 {
		res.TransactionID = out.Charges.Data[0].ID
	}
	return res, nil
}

type conektaRefundResponse struct {
	ID            string `json:"id"`
	PaymentStatus string `json:"payment_status"`
}

func (c *Conekta) RefundPayment(ctx context.Context, paymentID string, amount int64) (*RefundResult, error) {
	body := map[string]interface{}{
		"amount": amount,
		"reason": "requested_by_client",
	}

	var out conektaRefundResponse
	if _, err := doJSON(ctx, c.hc, http.MethodPost,
		c.baseURL+"/orders/"+paymentID+"/refunds", c.headers(), body, &out); err != nil {
		return nil, err
	}

	status := StatusPending
	if out.PaymentStatus == "refunded" || out.PaymentStatus == "partially_refunded" {
		status = StatusRefunded
	}
	return &RefundResult{RefundID: out.ID, Status: status}, nil
}

func (c *Conekta) headers() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + c.cfg.PrivateKey,
		"Accept":        "application/vnd.conekta-v2.1.0+json",
	}
}

func conektaStatus(s string) Status {
	switch s {
	case "paid":
		return StatusCompleted
	case "declined", "expired":
		return StatusDeclined
	case "refunded", "partially_refunded":
		return StatusRefunded
	case "pending_payment":
		return StatusRequiresAction
	default:
		return StatusPending
	}
}
