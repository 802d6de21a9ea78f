package replenish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultChargeTimeout = 30 * time.Second

// ChargeRequest asks the payment provider to collect money for a top-up.
type ChargeRequest struct {
	AccountID        uint64
	PaymentMethodRef string
	Credits          float64
	IdempotencyKey   string
}

// ChargeResult carries the provider's reference for a successful charge.
// The reference is what an operator reconciles against when the matching
// grant fails.
type ChargeResult struct {
	ChargeRef string
}

// ChargeProvider executes top-up payments. Implementations must honor the
// idempotency key: retrying a request with the same key must not charge the
// payment method twice.
type ChargeProvider interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}

type chargeRequestError struct {
	statusCode int
	err        error
}

func (e *chargeRequestError) Error() string {
	if e == nil {
		return ""
	}
	if e.err != nil {
		return e.err.Error()
	}
	if e.statusCode > 0 {
		return fmt.Sprintf("charge provider: status=%d", e.statusCode)
	}
	return "charge provider: request failed"
}

func (e *chargeRequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

func (e *chargeRequestError) StatusCode() int {
	if e == nil {
		return 0
	}
	return e.statusCode
}

// HTTPChargeProvider posts charge requests to the payment service.
type HTTPChargeProvider struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
}

// NewHTTPChargeProvider constructs a provider for the given endpoint.
// Returns nil when no endpoint is configured.
func NewHTTPChargeProvider(endpoint string) *HTTPChargeProvider {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}
	return &HTTPChargeProvider{
		endpoint: endpoint,
		client:   &http.Client{},
		timeout:  defaultChargeTimeout,
	}
}

type chargePayload struct {
	AccountID        uint64  `json:"account_id"`         // Account being replenished.
	PaymentMethodRef string  `json:"payment_method_ref"` // Stored payment method to charge.
	Credits          float64 `json:"credits"`            // Credits being purchased.
	IdempotencyKey   string  `json:"idempotency_key"`    // Dedup key for provider retries.
}

type chargeResponse struct {
	ChargeRef string `json:"charge_ref"` // Provider reference for the charge.
}

// Charge posts one charge request. Any non-2xx response or transport failure
// is a charge failure; the caller decides whether to back off.
func (p *HTTPChargeProvider) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if p == nil || p.endpoint == "" {
		return nil, errors.New("charge provider: not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	body, errMarshal := json.Marshal(chargePayload{
		AccountID:        req.AccountID,
		PaymentMethodRef: req.PaymentMethodRef,
		Credits:          req.Credits,
		IdempotencyKey:   req.IdempotencyKey,
	})
	if errMarshal != nil {
		return nil, errMarshal
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	httpReq, errReq := http.NewRequestWithContext(reqCtx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if errReq != nil {
		return nil, errReq
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, errDo := p.client.Do(httpReq)
	if errDo != nil {
		return nil, &chargeRequestError{err: errDo}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &chargeRequestError{
			statusCode: resp.StatusCode,
			err:        fmt.Errorf("charge provider: non-2xx status=%d", resp.StatusCode),
		}
	}

	var decoded chargeResponse
	if errDecode := json.NewDecoder(resp.Body).Decode(&decoded); errDecode != nil {
		// 2xx means money moved. A malformed body must not look like a
		// failed charge or a retry could collect twice.
		return &ChargeResult{}, nil
	}
	return &ChargeResult{ChargeRef: decoded.ChargeRef}, nil
}
