package metering

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

const defaultSinkTimeout = 10 * time.Second

// Report is one cumulative credit total for an account and period. Credits
// is the integer total since the period start, not a delta; the sink
// aggregates with last-value semantics, so delivering the same report twice
// is harmless.
type Report struct {
	AccountID   uint64
	HolderType  string
	ExternalRef string
	PeriodStart time.Time
	Credits     int64
}

// Sink delivers cumulative usage totals to the external metering service.
type Sink interface {
	ReportCumulative(ctx context.Context, report Report) error
}

type sinkRequestError struct {
	statusCode int
	err        error
}

func (e *sinkRequestError) Error() string {
	if e == nil {
		return ""
	}
	if e.err != nil {
		return e.err.Error()
	}
	if e.statusCode > 0 {
		return fmt.Sprintf("metering sink: status=%d", e.statusCode)
	}
	return "metering sink: request failed"
}

func (e *sinkRequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

func (e *sinkRequestError) StatusCode() int {
	if e == nil {
		return 0
	}
	return e.statusCode
}

// HTTPSink posts reports to the metering service endpoint as JSON.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
}

// NewHTTPSink constructs a sink for the given endpoint. Returns nil when no
// endpoint is configured.
func NewHTTPSink(endpoint string) *HTTPSink {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}
	return &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{},
		timeout:  defaultSinkTimeout,
	}
}

type sinkPayload struct {
	HolderType  string    `json:"holder_type"`  // Credit holder kind.
	ExternalRef string    `json:"external_ref"` // Platform identifier of the holder.
	PeriodStart time.Time `json:"period_start"` // Usage period start.
	Credits     int64     `json:"credits"`      // Cumulative credits for the period.
}

// ReportCumulative posts one report and treats any non-2xx response as a
// delivery failure.
func (s *HTTPSink) ReportCumulative(ctx context.Context, report Report) error {
	if s == nil || s.endpoint == "" {
		return errors.New("metering sink: not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	body, errMarshal := json.Marshal(sinkPayload{
		HolderType:  report.HolderType,
		ExternalRef: report.ExternalRef,
		PeriodStart: report.PeriodStart.UTC(),
		Credits:     report.Credits,
	})
	if errMarshal != nil {
		return errMarshal
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, errReq := http.NewRequestWithContext(reqCtx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if errReq != nil {
		return errReq
	}
	req.Header.Set("Content-Type", "application/json")

	resp, errDo := s.client.Do(req)
	if errDo != nil {
		return &sinkRequestError{err: errDo}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &sinkRequestError{
			statusCode: resp.StatusCode,
			err:        fmt.Errorf("metering sink: non-2xx status=%d", resp.StatusCode),
		}
	}
	return nil
}
