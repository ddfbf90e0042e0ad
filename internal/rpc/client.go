package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/devrev/ringkv/internal/model"
)

// DefaultTimeout bounds a single request when the caller sets no deadline
const DefaultTimeout = 5 * time.Second

// Client sends KV requests to nodes, keeping one connection per address
type Client struct {
	timeout time.Duration
	logger  *zap.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewClient creates a client with an empty connection pool
func NewClient(timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		timeout: timeout,
		logger:  logger,
		conns:   make(map[string]*grpc.ClientConn),
	}
}

// Execute sends req to the node at addr
func (c *Client) Execute(ctx context.Context, addr string, req *model.KVMessage) (*model.KVMessage, error) {
	conn, err := c.conn(addr)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp := new(model.KVMessage)
	if err := conn.Invoke(ctx, executeMethod, req, resp, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", addr, err)
	}
	return resp, nil
}

func (c *Client) conn(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create connection to %s: %w", addr, err)
	}
	c.conns[addr] = conn
	c.logger.Debug("Opened connection", zap.String("address", addr))
	return conn, nil
}

// Forget closes the connection to addr, if any
func (c *Client) Forget(addr string) {
	c.mu.Lock()
	conn, ok := c.conns[addr]
	delete(c.conns, addr)
	c.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

// Close closes every pooled connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, addr)
	}
	return firstErr
}
