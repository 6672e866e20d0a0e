package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ariefcatur/go-order-saga/internal/orders"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type ResultStatus string

const (
	ResultSuccess      ResultStatus = "SUCCESS"
	ResultFailed       ResultStatus = "FAILED"
	ResultRefunded     ResultStatus = "REFUNDED"
	ResultRefundFailed ResultStatus = "REFUND_FAILED"
	ResultUnknown      ResultStatus = "UNKNOWN"
)

type Request struct {
	OrderID      string `json:"orderId"`
	CustomerName string `json:"customerName"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

type Result struct {
	TransactionID string       `json:"transactionId"`
	Status        ResultStatus `json:"status"`
	ErrorMessage  string       `json:"errorMessage,omitempty"`
}

// Client is the payment dependency.
type Client interface {
	Process(ctx context.Context, req Request) (Result, error)
	Get(ctx context.Context, transactionID string) (Result, error)
	Refund(ctx context.Context, transactionID string) (Result, error)
}

// HTTPClient talks to the payment service over HTTP and propagates the trace
// context in request headers. Deadlines come from the caller's context.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	tracer  trace.Tracer
}

func NewHTTPClient(baseURL string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{Transport: &http.Transport{MaxIdleConns: 100, MaxIdleConnsPerHost: 100}}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		tracer:  otel.Tracer("payment-client"),
	}
}

func (c *HTTPClient) Process(ctx context.Context, req Request) (Result, error) {
	return c.do(ctx, http.MethodPost, "/payments/process", req)
}

func (c *HTTPClient) Get(ctx context.Context, transactionID string) (Result, error) {
	return c.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(transactionID), nil)
}

func (c *HTTPClient) Refund(ctx context.Context, transactionID string) (Result, error) {
	return c.do(ctx, http.MethodPost, "/payments/"+url.PathEscape(transactionID)+"/refund", nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "call-payment", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Result{}, fmt.Errorf("encode payment request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	span.SetAttributes(attribute.String("http.url", req.URL.String()), attribute.String("http.method", method))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("payment %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Result{}, fmt.Errorf("%w: payment %s", orders.ErrNotFound, path)
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("payment %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode payment response: %w", err)
	}
	if out.Status == "" {
		out.Status = ResultUnknown
	}
	return out, nil
}
