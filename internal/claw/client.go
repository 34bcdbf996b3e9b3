// Package claw is the RPC client for the agent control-plane gateway.
// The gateway is an external service; every call carries an explicit
// timeout and failures surface as ErrGatewayUnavailable so callers can
// absorb them without inspecting transport details.
package claw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/clawdeck/internal/otel"
	"github.com/basket/clawdeck/internal/shared"
)

// ErrGatewayUnavailable marks any transport, timeout, or RPC-level failure
// talking to the gateway.
var ErrGatewayUnavailable = errors.New("gateway unavailable")

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Config holds the per-tenant connection settings.
type Config struct {
	BaseURL    string
	Token      string
	RPCTimeout time.Duration // list/history calls; spawn uses its own budget
	Logger     *slog.Logger
	Tracer     trace.Tracer  // nil disables client spans
	Metrics    *otel.Metrics // nil disables call metrics
}

// Client issues tool invocations against one tenant's gateway.
type Client struct {
	baseURL    string
	token      string
	rpcTimeout time.Duration
	httpc      *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *otel.Metrics
}

// New creates a Client. The zero RPCTimeout defaults to 10s.
func New(cfg Config) *Client {
	timeout := cfg.RPCTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		rpcTimeout: timeout,
		httpc:      &http.Client{},
		logger:     logger,
		tracer:     cfg.Tracer,
		metrics:    cfg.Metrics,
	}
}

// Invoke performs one JSON-RPC tool call and decodes the result into out.
// A nil out discards the result. The context bounds the whole exchange;
// callers that want the default short timeout use InvokeTimed.
func (c *Client) Invoke(ctx context.Context, tool string, params, out any) error {
	if c.tracer != nil {
		attrs := []attribute.KeyValue{otel.AttrGatewayTool.String(tool)}
		if tenant := shared.TenantID(ctx); tenant != "" {
			attrs = append(attrs, otel.AttrTenantID.String(tenant))
		}
		if task := shared.TaskID(ctx); task != "" {
			attrs = append(attrs, otel.AttrTaskID.String(task))
		}
		if key := shared.SessionKey(ctx); key != "" {
			attrs = append(attrs, otel.AttrSessionKey.String(key))
		}
		var span trace.Span
		ctx, span = otel.StartClientSpan(ctx, c.tracer, "gateway."+tool, attrs...)
		defer span.End()
	}

	start := time.Now()
	err := c.invoke(ctx, tool, params, out)
	if c.metrics != nil {
		attrs := metric.WithAttributes(otel.AttrGatewayTool.String(tool))
		c.metrics.GatewayCallDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		if err != nil {
			c.metrics.GatewayCallErrors.Add(ctx, 1, attrs)
		}
	}
	return err
}

func (c *Client) invoke(ctx context.Context, tool string, params, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  tool,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", tool, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", tool, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, tool, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: %s: read response: %v", ErrGatewayUnavailable, tool, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: status %d", ErrGatewayUnavailable, tool, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("%w: %s: decode response: %v", ErrGatewayUnavailable, tool, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%w: %s: rpc error %d: %s", ErrGatewayUnavailable, tool, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("%w: %s: decode result: %v", ErrGatewayUnavailable, tool, err)
		}
	}
	return nil
}

// InvokeTimed is Invoke under the client's default RPC timeout.
func (c *Client) InvokeTimed(ctx context.Context, tool string, params, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()
	return c.Invoke(ctx, tool, params, out)
}
