package agentapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/keystore"
	"github.com/conductor-dev/conductor/internal/metrics"
	"github.com/conductor-dev/conductor/internal/models"
)

// RateInfo carries provider rate-limit headers back to interested parties.
type RateInfo struct {
	Provider  string
	Remaining int
	Limit     int
	ResetAt   time.Time
}

// Client calls agent endpoints through the provider codecs. Safe for
// concurrent use.
type Client struct {
	httpClient *http.Client
	keys       keystore.KeyStore
	logger     *zap.Logger

	// OnRateInfo, when set, receives x-ratelimit header values after each
	// call. The fallback manager uses this for pressure awareness.
	OnRateInfo func(agentID string, info RateInfo)
}

// NewClient creates an agent API client. timeout bounds a single call;
// per-subtask deadlines come in through the context.
func NewClient(keys keystore.KeyStore, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		keys:       keys,
		logger:     logger,
	}
}

// Call executes one completion request against the agent's provider. Errors
// come back classified: timeouts are TIMEOUT, cancellations CANCELLED, wire
// and server failures API (retryable).
func (c *Client) Call(ctx context.Context, agent *models.Agent, req *Request) (*Response, error) {
	cfg, err := c.keys.EndpointConfig(agent.ID, agent.Model)
	if err != nil {
		return nil, models.WrapError(models.ErrKindSystem, err).WithAgent(agent.ID)
	}
	if req.Model == "" {
		req.Model = cfg.Model
	}
	provider := cfg.Provider
	if provider == "" {
		provider = DetectProvider(req.Model)
	}
	codec := CodecFor(provider)

	httpReq, err := codec.BuildRequest(ctx, cfg, req)
	if err != nil {
		return nil, models.WrapError(models.ErrKindSystem, err).WithAgent(agent.ID)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	elapsed := float64(time.Since(start).Milliseconds())
	if err != nil {
		kind := models.ErrKindAPI
		switch {
		case errors.Is(err, context.Canceled):
			kind = models.ErrKindCancelled
		case errors.Is(err, context.DeadlineExceeded):
			kind = models.ErrKindTimeout
		}
		metrics.RecordAgentCall(agent.ID, "error", elapsed)
		return nil, models.WrapError(kind, err).WithAgent(agent.ID)
	}
	defer httpResp.Body.Close()

	c.reportRateInfo(agent.ID, provider, httpResp.Header)

	body, err := drainBody(httpResp.Body)
	if err != nil {
		metrics.RecordAgentCall(agent.ID, "error", elapsed)
		return nil, models.WrapError(models.ErrKindAPI, err).WithAgent(agent.ID)
	}

	if httpResp.StatusCode != http.StatusOK {
		metrics.RecordAgentCall(agent.ID, strconv.Itoa(httpResp.StatusCode), elapsed)
		apiErr := models.NewError(models.ErrKindAPI,
			fmt.Sprintf("%s returned %d: %s", provider, httpResp.StatusCode, truncate(string(body), 200)),
		).WithAgent(agent.ID)
		if httpResp.StatusCode >= 400 && httpResp.StatusCode < 500 &&
			httpResp.StatusCode != http.StatusTooManyRequests {
			apiErr.Retryable = false
		}
		return nil, apiErr
	}

	parsed, err := codec.ParseResponse(body)
	if err != nil {
		metrics.RecordAgentCall(agent.ID, "parse_error", elapsed)
		return nil, models.WrapError(models.ErrKindAPI, err).WithAgent(agent.ID)
	}

	metrics.RecordAgentCall(agent.ID, "ok", elapsed)
	c.logger.Debug("Agent call completed",
		zap.String("agent_id", agent.ID),
		zap.String("provider", provider),
		zap.Int("total_tokens", parsed.Usage.TotalTokens),
		zap.Float64("duration_ms", elapsed),
	)
	return parsed, nil
}

func (c *Client) reportRateInfo(agentID, provider string, h http.Header) {
	if c.OnRateInfo == nil {
		return
	}
	remaining, errR := strconv.Atoi(h.Get("x-ratelimit-remaining-requests"))
	limit, errL := strconv.Atoi(h.Get("x-ratelimit-limit-requests"))
	if errR != nil && errL != nil {
		return
	}
	info := RateInfo{Provider: provider, Remaining: remaining, Limit: limit}
	if reset := h.Get("x-ratelimit-reset-requests"); reset != "" {
		if d, err := time.ParseDuration(reset); err == nil {
			info.ResetAt = time.Now().Add(d)
		}
	}
	c.OnRateInfo(agentID, info)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
