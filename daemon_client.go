package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Daemon responses are small JSON documents; templates with a full
// transaction set are the largest and still comfortably under this.
const daemonMaxResponseBytes = 8 << 20

// DaemonClient talks HTTP/JSON to the Velora chain daemon. It is stateless;
// callers may issue concurrent requests. Authentication is either an API
// key header or HTTP basic auth, matching what the daemon accepts.
type DaemonClient struct {
	baseURL string
	apiKey  string
	user    string
	pass    string
	client  *http.Client
	metrics *PoolMetrics
}

func NewDaemonClient(cfg Config, metrics *PoolMetrics) *DaemonClient {
	timeout := cfg.DaemonTimeout
	if timeout <= 0 {
		timeout = defaultDaemonTimeout
	}
	return &DaemonClient{
		baseURL: strings.TrimRight(cfg.DaemonURL, "/"),
		apiKey:  cfg.DaemonAPIKey,
		user:    cfg.DaemonUser,
		pass:    cfg.DaemonPass,
		client:  &http.Client{Timeout: timeout},
		metrics: metrics,
	}
}

// daemonHTTPError is a non-2xx daemon reply. 4xx means the daemon looked at
// the request and rejected it; anything else is treated as transport-level.
type daemonHTTPError struct {
	Status int
	Body   string
}

func (e *daemonHTTPError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("daemon returned %d: %s", e.Status, body)
}

// isDaemonRejection reports whether err is a deliberate daemon rejection
// (HTTP 4xx) as opposed to a transport failure or daemon-side error.
func isDaemonRejection(err error) bool {
	var he *daemonHTTPError
	if errors.As(err, &he) {
		return he.Status >= 400 && he.Status < 500
	}
	return false
}

func (dc *DaemonClient) authenticate(req *http.Request) {
	if dc.apiKey != "" {
		req.Header.Set("X-API-Key", dc.apiKey)
		return
	}
	if dc.user != "" {
		req.SetBasicAuth(dc.user, dc.pass)
	}
}

func (dc *DaemonClient) do(req *http.Request) ([]byte, error) {
	dc.authenticate(req)
	req.Header.Set("Accept", "application/json")

	resp, err := dc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, daemonMaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read daemon response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &daemonHTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

// templateResponse mirrors GET /api/mining/template. Pointer fields let
// ingress validation distinguish missing fields from zero values.
type templateResponse struct {
	Index        *uint64      `json:"index"`
	Difficulty   *uint64      `json:"difficulty"`
	PreviousHash string       `json:"previousHash"`
	Timestamp    *uint64      `json:"timestamp"`
	MerkleRoot   string       `json:"merkleRoot"`
	Transactions []TemplateTx `json:"transactions"`
}

func (dc *DaemonClient) FetchTemplate(ctx context.Context, poolAddress string) (*templateResponse, error) {
	u := dc.baseURL + "/api/mining/template?address=" + url.QueryEscape(poolAddress)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	body, err := dc.do(req)
	if dc.metrics != nil {
		dc.metrics.RecordTemplateLatency(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("fetch template: %w", err)
	}

	var tpl templateResponse
	if err := fastJSONUnmarshal(body, &tpl); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	return &tpl, nil
}

type blockSubmission struct {
	Block blockPayload `json:"block"`
}

// blockPayload is the canonical block the pool hands to the daemon. The
// hash field is derived from the template's timestamp and difficulty, not
// the miner's locally rolled values.
type blockPayload struct {
	Index        uint64       `json:"index"`
	Hash         string       `json:"hash"`
	PreviousHash string       `json:"previousHash"`
	MerkleRoot   string       `json:"merkleRoot"`
	Timestamp    uint64       `json:"timestamp"`
	Nonce        uint64       `json:"nonce"`
	Difficulty   uint64       `json:"difficulty"`
	Transactions []TemplateTx `json:"transactions"`
	Algorithm    string       `json:"algorithm"`
}

func (dc *DaemonClient) SubmitBlock(ctx context.Context, payload blockPayload) error {
	body, err := fastJSONMarshal(blockSubmission{Block: payload})
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dc.baseURL+"/api/blocks/submit", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	_, err = dc.do(req)
	if dc.metrics != nil {
		dc.metrics.RecordSubmitLatency(time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("submit block %d: %w", payload.Index, err)
	}
	return nil
}

func (dc *DaemonClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dc.baseURL+"/api/health", nil)
	if err != nil {
		return err
	}
	if _, err := dc.do(req); err != nil {
		return fmt.Errorf("daemon health: %w", err)
	}
	return nil
}
