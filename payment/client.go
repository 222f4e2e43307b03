package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultTimeout = 15 * time.Second

// Client talks to a Stripe-style REST payment API over form-encoded HTTP.
// It implements Gateway.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient builds a gateway client for the given API endpoint.
func NewClient(baseURL, apiKey string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
	}
}

// holdPayload mirrors the provider's payment-intent resource.
type holdPayload struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ClientSecret string `json:"client_secret"`
	LatestCharge string `json:"latest_charge"`
}

type transferPayload struct {
	ID string `json:"id"`
}

type chargeListPayload struct {
	Data []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

// minorUnits converts a decimal currency amount to the provider's integer
// minor units. This conversion happens only here; the core never does
// arithmetic in minor units.
func minorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// CreateHold opens a payment hold and confirms it immediately so the charge
// needed for a later transfer's source exists as soon as the payer completes
// payment.
func (c *Client) CreateHold(ctx context.Context, amount float64, currency string, payerRef string, metadata map[string]string) (Hold, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(minorUnits(amount), 10))
	form.Set("currency", strings.ToLower(currency))
	form.Set("capture_method", "manual")
	if payerRef != "" {
		form.Set("customer", payerRef)
	}
	for k, v := range metadata {
		form.Set("metadata["+k+"]", v)
	}

	var created holdPayload
	if err := c.do(ctx, "create_hold", http.MethodPost, "/v1/payment_intents", form, &created); err != nil {
		return Hold{}, err
	}

	var confirmed holdPayload
	if err := c.do(ctx, "confirm_hold", http.MethodPost, "/v1/payment_intents/"+created.ID+"/confirm", url.Values{}, &confirmed); err != nil {
		return Hold{}, err
	}

	c.logger.Info("payment hold created",
		zap.String("hold_id", confirmed.ID),
		zap.String("status", confirmed.Status),
	)
	return holdFromPayload(confirmed), nil
}

// RetrieveHold fetches the current state of a hold.
func (c *Client) RetrieveHold(ctx context.Context, holdID string) (Hold, error) {
	var payload holdPayload
	if err := c.do(ctx, "retrieve_hold", http.MethodGet, "/v1/payment_intents/"+holdID, nil, &payload); err != nil {
		return Hold{}, err
	}
	return holdFromPayload(payload), nil
}

// ConfirmHold confirms a hold server-side.
func (c *Client) ConfirmHold(ctx context.Context, holdID string) (Hold, error) {
	var payload holdPayload
	if err := c.do(ctx, "confirm_hold", http.MethodPost, "/v1/payment_intents/"+holdID+"/confirm", url.Values{}, &payload); err != nil {
		return Hold{}, err
	}
	return holdFromPayload(payload), nil
}

// ResolveCharge returns the latest successful charge backing the hold. A hold
// may back multiple charge attempts; the provider exposes the latest one
// directly, with a list lookup as fallback.
func (c *Client) ResolveCharge(ctx context.Context, holdID string) (string, error) {
	var payload holdPayload
	if err := c.do(ctx, "resolve_charge", http.MethodGet, "/v1/payment_intents/"+holdID, nil, &payload); err != nil {
		return "", err
	}
	if payload.LatestCharge != "" {
		return payload.LatestCharge, nil
	}

	var charges chargeListPayload
	path := "/v1/charges?payment_intent=" + url.QueryEscape(holdID) + "&limit=1"
	if err := c.do(ctx, "resolve_charge", http.MethodGet, path, nil, &charges); err != nil {
		return "", err
	}
	if len(charges.Data) > 0 {
		return charges.Data[0].ID, nil
	}
	return "", ErrChargeNotFound
}

// CreateTransfer moves charged funds to the payee's payout account.
func (c *Client) CreateTransfer(ctx context.Context, amount float64, currency string, payoutAccountID string, sourceChargeID string, metadata map[string]string) (Transfer, error) {
	if sourceChargeID == "" {
		return Transfer{}, &GatewayError{Op: "create_transfer", Err: fmt.Errorf("source charge id is required")}
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(minorUnits(amount), 10))
	form.Set("currency", strings.ToLower(currency))
	form.Set("destination", payoutAccountID)
	form.Set("source_transaction", sourceChargeID)
	for k, v := range metadata {
		form.Set("metadata["+k+"]", v)
	}

	var payload transferPayload
	if err := c.do(ctx, "create_transfer", http.MethodPost, "/v1/transfers", form, &payload); err != nil {
		return Transfer{}, err
	}

	c.logger.Info("transfer created",
		zap.String("transfer_id", payload.ID),
		zap.String("source_charge", sourceChargeID),
	)
	return Transfer{ID: payload.ID}, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, form url.Values, out any) error {
	start := time.Now()
	err := c.doOnce(ctx, method, path, form, out)
	gatewayDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	gatewayRequests.WithLabelValues(op, outcome).Inc()

	if err != nil {
		if gwErr, ok := err.(*GatewayError); ok {
			gwErr.Op = op
			return gwErr
		}
		return &GatewayError{Op: op, Err: err}
	}
	return nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &GatewayError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(raw))),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func holdFromPayload(p holdPayload) Hold {
	return Hold{
		ID:           p.ID,
		ClientSecret: p.ClientSecret,
		Status:       p.Status,
	}
}
