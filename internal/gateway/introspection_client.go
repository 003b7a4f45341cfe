package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/turtacn/atlas/internal/application/dto"
	"github.com/turtacn/atlas/internal/domain/service"
	"github.com/turtacn/atlas/pkg/constants"
	"github.com/turtacn/atlas/pkg/errors"
	"github.com/turtacn/atlas/pkg/utils"
)

// maxEnvelopeBytes bounds the issuer responses the gateway decodes.
const maxEnvelopeBytes = 1 << 20

// envelope is dto.Result with the payload left undecoded.
type envelope struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Data    json.RawMessage  `json:"data"`
}

// IntrospectionClient asks the issuer whether a token is active.
type IntrospectionClient struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
	metrics  service.Metrics
}

// NewIntrospectionClient creates a client for issuerURL. A nil httpClient uses a
// dedicated client; timeout bounds every call.
func NewIntrospectionClient(issuerURL string, timeout time.Duration, httpClient *http.Client, metrics service.Metrics) *IntrospectionClient {
	if timeout <= 0 {
		timeout = constants.DefaultIntrospectionTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if metrics == nil {
		metrics = service.NoopMetrics{}
	}
	return &IntrospectionClient{
		endpoint: strings.TrimSuffix(issuerURL, "/") + constants.IntrospectEndpoint,
		client:   httpClient,
		timeout:  timeout,
		metrics:  metrics,
	}
}

// Introspect returns the issuer's verdict. Transport errors, timeouts, non-2xx
// responses and non-success envelopes are all errors.
func (c *IntrospectionClient) Introspect(ctx context.Context, token string) (*dto.IntrospectResponse, error) {
	start := time.Now()
	resp, err := c.introspect(ctx, token)
	c.metrics.RecordIntrospection("client", err == nil && resp.Active, time.Since(start))
	return resp, err
}

func (c *IntrospectionClient) introspect(ctx context.Context, token string) (*dto.IntrospectResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(dto.IntrospectRequest{Token: token})
	if err != nil {
		return nil, fmt.Errorf("encode introspect request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build introspect request: %w", err)
	}
	req.Header.Set(constants.HeaderContentType, "application/json")
	if traceID := utils.TraceIDFromContext(ctx); traceID != "" {
		req.Header.Set(constants.HeaderTraceID, traceID)
	}

	var out dto.IntrospectResponse
	if err := doEnvelope(c.client, req, &out); err != nil {
		return nil, fmt.Errorf("introspect: %w", err)
	}
	return &out, nil
}

// doEnvelope sends req and decodes the data of a success envelope into out.
func doEnvelope(client *http.Client, req *http.Request, out interface{}) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxEnvelopeBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("issuer returned status %d", resp.StatusCode)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Code != errors.CodeSuccess {
		return fmt.Errorf("issuer returned code %s: %s", env.Code, env.Message)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("issuer returned an empty payload")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
