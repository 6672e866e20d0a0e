package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ariefcatur/go-order-saga/internal/breaker"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// HTTPClient is a Stock backed by the remote stock API. Every call goes
// through the inventory guard.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	guard   *breaker.Guard
	tracer  trace.Tracer
}

func NewHTTPClient(baseURL string, guard *breaker.Guard, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{Transport: &http.Transport{MaxIdleConns: 100, MaxIdleConnsPerHost: 100}}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		guard:   guard,
		tracer:  otel.Tracer("inventory-client"),
	}
}

type productDTO struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Stock int    `json:"stock"`
}

func (c *HTTPClient) GetProduct(ctx context.Context, id string) (orders.Product, error) {
	return c.call(ctx, http.MethodGet, "/stock/"+url.PathEscape(id), nil)
}

func (c *HTTPClient) Decrement(ctx context.Context, productID string, qty int) (orders.Product, error) {
	q := url.Values{"quantity": {strconv.Itoa(qty)}}
	return c.call(ctx, http.MethodPut, "/stock/"+url.PathEscape(productID)+"/decrement", q)
}

func (c *HTTPClient) Increment(ctx context.Context, productID string, qty int) (orders.Product, error) {
	q := url.Values{"quantity": {strconv.Itoa(qty)}}
	return c.call(ctx, http.MethodPut, "/stock/"+url.PathEscape(productID)+"/increment", q)
}

func (c *HTTPClient) call(ctx context.Context, method, path string, q url.Values) (orders.Product, error) {
	return breaker.Call(ctx, c.guard, func(ctx context.Context) (orders.Product, error) {
		return c.do(ctx, method, path, q)
	})
}

func (c *HTTPClient) do(ctx context.Context, method, path string, q url.Values) (orders.Product, error) {
	ctx, span := c.tracer.Start(ctx, "call-inventory", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return orders.Product{}, err
	}
	req.Header.Set("Accept", "application/json")
	span.SetAttributes(attribute.String("http.url", u), attribute.String("http.method", method))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return orders.Product{}, fmt.Errorf("inventory %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 300 {
		msg := readError(resp.Body)
		switch resp.StatusCode {
		case http.StatusUnprocessableEntity:
			return orders.Product{}, fmt.Errorf("%w: %s", orders.ErrInsufficientStock, msg)
		case http.StatusNotFound:
			return orders.Product{}, fmt.Errorf("%w: %s", orders.ErrNotFound, msg)
		case http.StatusBadRequest:
			return orders.Product{}, fmt.Errorf("%w: %s", orders.ErrValidation, msg)
		}
		err := fmt.Errorf("inventory %s %s: status %d: %s", method, path, resp.StatusCode, msg)
		span.SetStatus(codes.Error, err.Error())
		return orders.Product{}, err
	}

	var p productDTO
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return orders.Product{}, fmt.Errorf("decode inventory response: %w", err)
	}
	return orders.Product{ID: p.ID, Name: p.Name, Stock: p.Stock}, nil
}

func readError(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(b))
}
