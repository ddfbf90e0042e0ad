package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/handler"
	"github.com/devrev/ringkv/internal/model"
	"github.com/devrev/ringkv/internal/ring"
)

// APIError is a non-success answer of the admin API
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// AdminClient talks to the coordinator's /v1 admin API
type AdminClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewAdminClient creates a client for the coordinator at baseURL
func NewAdminClient(baseURL string, timeout time.Duration, logger *zap.Logger) *AdminClient {
	return &AdminClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Nodes lists the fleet
func (c *AdminClient) Nodes(ctx context.Context) ([]model.NodeInfo, error) {
	var resp handler.NodesResponse
	if err := c.call(ctx, http.MethodGet, "/v1/nodes", "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// Node returns one fleet member
func (c *AdminClient) Node(ctx context.Context, name string) (model.NodeInfo, error) {
	var info model.NodeInfo
	err := c.call(ctx, http.MethodGet, "/v1/nodes/"+url.PathEscape(name), "", nil, &info)
	return info, err
}

// AddNodes asks the coordinator to launch count nodes
func (c *AdminClient) AddNodes(ctx context.Context, req handler.AddNodesRequest, idempotencyKey string) (*handler.OperationResponse, error) {
	var resp handler.OperationResponse
	if err := c.call(ctx, http.MethodPost, "/v1/nodes", idempotencyKey, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RemoveNode takes name out of the cluster
func (c *AdminClient) RemoveNode(ctx context.Context, name, idempotencyKey string) (*handler.OperationResponse, error) {
	var resp handler.OperationResponse
	if err := c.call(ctx, http.MethodDelete, "/v1/nodes/"+url.PathEscape(name), idempotencyKey, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cluster runs one of start, stop and shutdown
func (c *AdminClient) Cluster(ctx context.Context, operation, idempotencyKey string) (*handler.OperationResponse, error) {
	var resp handler.OperationResponse
	if err := c.call(ctx, http.MethodPost, "/v1/cluster/"+operation, idempotencyKey, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ring returns the published ring members ordered by hash
func (c *AdminClient) Ring(ctx context.Context) ([]ring.Node, error) {
	nodes := []ring.Node{}
	if err := c.call(ctx, http.MethodGet, "/v1/ring", "", nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// Lookup returns the node responsible for key
func (c *AdminClient) Lookup(ctx context.Context, key string) (model.NodeInfo, error) {
	var info model.NodeInfo
	err := c.call(ctx, http.MethodGet, "/v1/ring/lookup/"+url.PathEscape(key), "", nil, &info)
	return info, err
}

func (c *AdminClient) call(ctx context.Context, method, path, idempotencyKey string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(handler.IdempotencyKeyHeader, idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	c.logger.Debug("Admin API call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Bool("replayed", resp.Header.Get(handler.ReplayedHeader) == "true"))

	// 207 carries an OperationResponse with per-node errors
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusMultiStatus {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: "UNKNOWN", Message: strings.TrimSpace(string(data))}
		var errResp handler.ErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.ErrorCode != "" {
			apiErr.Code = errResp.ErrorCode
			apiErr.Message = errResp.Message
		}
		return apiErr
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
