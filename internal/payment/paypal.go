package payment

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"ticketing-service/internal/models"
)

const (
	paypalSandboxURL = "https://api-m.sandbox.paypal.com"
	paypalLiveURL    = "https://api-m.paypal.com"
)

// PayPalConfig configures the PayPal adapter. BaseURL overrides the
// mode-derived endpoint, used by tests.
type PayPalConfig struct {
	ClientID     string
	ClientSecret string
	Mode         string // "sandbox" or "live"
	BaseURL      string
}

// PayPal settles in USD via the Orders v2 API. OAuth tokens are cached
// until shortly before expiry and refreshed on demand.
type PayPal struct {
	cfg     PayPalConfig
	baseURL string
	hc      *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// NewPayPal returns the adapter, or nil when credentials are absent.
func NewPayPal(cfg PayPalConfig) *PayPal {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Mode == "live" {
			baseURL = paypalLiveURL
		} else {
			baseURL = paypalSandboxURL
		}
	}
	return &PayPal{cfg: cfg, baseURL: baseURL, hc: newHTTPClient()}
}

func (p *PayPal) Name() string               { return "paypal" }
func (p *PayPal) SettlementCurrency() string { return "USD" }

type paypalTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (p *PayPal) accessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" && time.Now().Before(p.tokenExp) {
		return p.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(p.cfg.ClientID, p.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token request returned %d", models.ErrProviderUnavailable, resp.StatusCode)
	}

	var tok paypalTokenResponse
	if err := decodeBody(resp, &tok); err != nil {
		return "", err
	}

	p.token = tok.AccessToken
	// renew a minute early to avoid racing expiry mid-request
	p.tokenExp = time.Now().Add(time.Duration(tok.ExpiresIn-60) * time.Second)
	return p.token, nil
}

type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalOrderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (p *PayPal) CreatePayment(ctx context.Context, snap OrderSnapshot) (*CreateResult, error) {
	token, err := p.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []map[string]interface{}{{
			"reference_id": snap.OrderNumber,
			"description":  snap.Description,
			"amount": paypalAmount{
				CurrencyCode: snap.Currency,
				Value:        minorToDecimal(snap.Amount),
			},
		}},
	}

	var out paypalOrderResponse
	if _, err := doJSON(ctx, p.hc, http.MethodPost, p.baseURL+"/v2/checkout/orders", p.authHeaders(token), body, &out); err != nil {
		return nil, err
	}

	res := &CreateResult{PaymentID: out.ID, Status: paypalStatus(out.Status)}
	for _, link := range out.Links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			res.ApprovalURL = link.Href
			break
		}
	}
	return res, nil
}

func (p *PayPal) ConfirmPayment(ctx context.Context, paymentID string) (*ConfirmResult, error) {
	token, err := p.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	var out paypalOrderResponse
	status, err := doJSON(ctx, p.hc, http.MethodPost,
		p.baseURL+"/v2/checkout/orders/"+paymentID+"/capture", p.authHeaders(token), struct{}{}, &out)
	if err != nil {
		// an order that cannot be captured is a decline, not an outage
		if status == http.StatusUnprocessableEntity {
			return &ConfirmResult{Status: StatusDeclined}, nil
		}
		return nil, err
	}

	res := &ConfirmResult{Status: paypalStatus(out.Status)}
	if len(out.PurchaseUnits) > 0 && len(out.PurchaseUnits[0].Payments.Captures) > 0 {
		res.TransactionID = out.PurchaseUnits[0].Payments.Captures[0].ID
	}
	return res, nil
}

type paypalRefundResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (p *PayPal) RefundPayment(ctx context.Context, paymentID string, amount int64) (*RefundResult, error) {
	token, err := p.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"amount": paypalAmount{CurrencyCode: "USD", Value: minorToDecimal(amount)},
	}

	var out paypalRefundResponse
	if _, err := doJSON(ctx, p.hc, http.MethodPost,
		p.baseURL+"/v2/payments/captures/"+paymentID+"/refund", p.authHeaders(token), body, &out); err != nil {
		return nil, err
	}

	status := StatusPending
	if out.Status == "COMPLETED" {
		status = StatusRefunded
	}
	return &RefundResult{RefundID: out.ID, Status: status}, nil
}

func (p *PayPal) authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func paypalStatus(s string) Status {
	switch s {
	case "COMPLETED":
		return StatusCompleted
	case "PAYER_ACTION_REQUIRED":
		return StatusRequiresAction
	case "DECLINED", "VOIDED":
		return StatusDeclined
	default:
		return StatusPending
	}
}
