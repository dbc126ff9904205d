// Package decision calls the remote underwriting decision engine.
package decision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joseph-ayodele/underwriting-pipeline/internal/common"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/metrics"
)

// Engine is what the orchestrator needs from a decision engine.
type Engine interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// Request is one application's feature payload.
type Request struct {
	EntityID string
	Data     map[string]any
}

// Decision is the engine's answer for one application.
type Decision struct {
	ID       string
	Score    float64
	Limit    float64
	RiskTier string
	Raw      json.RawMessage
}

type wireRequest struct {
	Data     map[string]any `json:"data"`
	Metadata wireMetadata   `json:"metadata"`
	Control  wireControl    `json:"control"`
}

type wireMetadata struct {
	EntityID   string `json:"entity_id,omitempty"`
	DecisionID string `json:"decision_id,omitempty"`
}

type wireControl struct {
	ExecutionMode string `json:"execution_mode"`
}

type wireResponse struct {
	Data struct {
		AverageRiskScore float64 `json:"average_risk_score"`
		CreditLimit      float64 `json:"credit_limit"`
		RiskTier         *string `json:"risk_tier"`
	} `json:"data"`
	Metadata wireMetadata `json:"metadata"`
}

type Client struct {
	http          *http.Client
	baseURL       string
	apiKey        string
	flow          string
	environment   string
	executionMode string
	pollInterval  time.Duration
	pollAttempts  int
	logger        *slog.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

func NewClient(cfg common.DecisionConfig, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		http:          &http.Client{Timeout: timeout},
		baseURL:       cfg.BaseURL,
		apiKey:        cfg.APIKey,
		flow:          cfg.Flow,
		environment:   cfg.Environment,
		executionMode: cfg.ExecutionMode,
		pollInterval:  cfg.PollInterval,
		pollAttempts:  cfg.PollAttempts,
		logger:        logger,
	}
	if c.executionMode == "" {
		c.executionMode = "sync"
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) decideURL() string {
	return fmt.Sprintf("%s/run/api/v1/flows/%s/%s/decide", c.baseURL, c.flow, c.environment)
}

// Decide posts req and waits for the decision, polling when the engine
// answers 202. Every failure matches common.ErrExternalDispatch.
func (c *Client) Decide(ctx context.Context, req Request) (Decision, error) {
	start := time.Now()
	headers := map[string]string{"X-Api-Key": c.apiKey}
	body := wireRequest{
		Data:     req.Data,
		Metadata: wireMetadata{EntityID: req.EntityID},
		Control:  wireControl{ExecutionMode: c.executionMode},
	}

	raw, status, err := doJSON(ctx, c.http, http.MethodPost, c.decideURL(), body, headers, c.logger)
	if err != nil {
		return Decision{}, common.DispatchError("decide request for "+req.EntityID, err)
	}

	if status == http.StatusAccepted {
		raw, err = c.poll(ctx, req.EntityID, raw, headers)
		if err != nil {
			return Decision{}, err
		}
	}

	d, err := parseDecision(raw)
	if err != nil {
		c.logger.Error("decision.malformed_response", "entity_id", req.EntityID, "error", err)
		return Decision{}, common.DispatchError("malformed decision for "+req.EntityID, err)
	}
	metrics.DecisionLatency.Observe(time.Since(start).Seconds())
	c.logger.Info("decision.received",
		"entity_id", req.EntityID,
		"decision_id", d.ID,
		"score", d.Score,
		"limit", d.Limit,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return d, nil
}

// poll waits for an accepted decision to finish. It gives up after pollAttempts.
func (c *Client) poll(ctx context.Context, entityID string, accepted []byte, headers map[string]string) ([]byte, error) {
	if err := validate("accepted.json", accepted); err != nil {
		return nil, common.DispatchError("malformed 202 body for "+entityID, err)
	}
	var ack wireResponse
	if err := json.Unmarshal(accepted, &ack); err != nil {
		return nil, common.DispatchError("malformed 202 body for "+entityID, err)
	}
	url := c.decideURL() + "/" + ack.Metadata.DecisionID
	c.logger.Info("decision.accepted", "entity_id", entityID, "decision_id", ack.Metadata.DecisionID, "poll_url", url)

	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()
	for attempt := 1; attempt <= c.pollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, common.DispatchError("polling cancelled for "+entityID, ctx.Err())
		case <-timer.C:
		}

		raw, status, err := doJSON(ctx, c.http, http.MethodGet, url, nil, headers, c.logger)
		if err != nil {
			return nil, common.DispatchError(fmt.Sprintf("poll %d for %s", attempt, entityID), err)
		}
		if status == http.StatusOK {
			return raw, nil
		}
		c.logger.Debug("decision.poll.pending", "entity_id", entityID, "attempt", attempt, "status", status)
		timer.Reset(c.pollInterval)
	}
	return nil, common.DispatchError(
		fmt.Sprintf("decision %s not ready after %d polls", ack.Metadata.DecisionID, c.pollAttempts),
		context.DeadlineExceeded,
	)
}

func parseDecision(raw []byte) (Decision, error) {
	if err := validate("decision.json", raw); err != nil {
		return Decision{}, err
	}
	var resp wireResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Decision{}, fmt.Errorf("decode decision: %w", err)
	}
	d := Decision{
		ID:    resp.Metadata.DecisionID,
		Score: resp.Data.AverageRiskScore,
		Limit: resp.Data.CreditLimit,
		Raw:   json.RawMessage(raw),
	}
	if resp.Data.RiskTier != nil {
		d.RiskTier = *resp.Data.RiskTier
	}
	return d, nil
}

// PayloadHash fingerprints a request payload. encoding/json sorts map keys,
// so equal maps hash equally.
func PayloadHash(data map[string]any) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("hash payload: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// IsStatus reports whether err came from a non-2xx engine answer with the given status.
func IsStatus(err error, status int) bool {
	var se *statusError
	return errors.As(err, &se) && se.Status == status
}
