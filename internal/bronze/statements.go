package bronze

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/underwriting-pipeline/internal/common"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/lake"
)

// StatementClient fetches raw statement rows from the statement API.
type StatementClient struct {
	http    *http.Client
	baseURL string
	logger  *slog.Logger
}

func NewStatementClient(cfg common.StatementsConfig, logger *slog.Logger) *StatementClient {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StatementClient{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		logger:  logger,
	}
}

// statementFile is one base64 CSV attachment in the download response shape.
type statementFile struct {
	FileName      string `json:"FileName"`
	ContentBase64 string `json:"Content_Base64"`
}

// Fetch returns the transactions for email. The API answers either a JSON
// array of rows or {"Statements": [{"FileName", "Content_Base64"}]} with CSV files.
func (c *StatementClient) Fetch(ctx context.Context, email string) ([]lake.Record, error) {
	reqID := uuid.New().String()
	start := time.Now()
	u := c.baseURL + "/statements?" + url.Values{"email": {email}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Info("statements.http.request", "req_id", reqID, "url", u)
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("statements.http.send_error", "req_id", reqID, "error", err)
		return nil, fmt.Errorf("fetch statements for %s: %w", email, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read statements body: %w", err)
	}
	c.logger.Info("statements.http.response",
		"req_id", reqID,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("fetch statements for %s: non-2xx status: %d", email, resp.StatusCode)
	}
	return decodeStatements(raw)
}

func decodeStatements(raw []byte) ([]lake.Record, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		return parseJSON(bytes.NewReader(trimmed))
	}

	var envelope struct {
		Statements []statementFile `json:"Statements"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("decode statements: %w", err)
	}
	var out []lake.Record
	for _, f := range envelope.Statements {
		payload, err := base64.StdEncoding.DecodeString(f.ContentBase64)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.FileName, err)
		}
		rows, err := Parse("csv", payload)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.FileName, err)
		}
		out = append(out, rows...)
	}
	return out, nil
}
