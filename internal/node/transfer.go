package node

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/devrev/ringkv/internal/metrics"
	"github.com/devrev/ringkv/internal/model"
	"github.com/devrev/ringkv/internal/ring"
)

const importBatchSize = 500

// streamHeader opens every transfer stream so the receiver can report
// progress against the record count
type streamHeader struct {
	Records int `json:"records"`
}

// ProgressFunc publishes the node's transfer progress (0-100)
type ProgressFunc func(ctx context.Context, progress int) error

// TransferConfig tunes range transfers
type TransferConfig struct {
	// ProgressInterval is the minimum gap between two progress writes
	ProgressInterval time.Duration
	// AcceptTimeout bounds how long a receiver waits for its sender
	AcceptTimeout time.Duration
	DialTimeout   time.Duration
}

// transferAgent streams hash ranges between nodes as newline-delimited JSON
// records over a plain TCP connection
type transferAgent struct {
	cfg      TransferConfig
	host     string
	router   *Router
	progress ProgressFunc
	metrics  *metrics.NodeMetrics
	logger   *zap.Logger
}

func newTransferAgent(cfg TransferConfig, host string, router *Router, progress ProgressFunc, m *metrics.NodeMetrics, logger *zap.Logger) *transferAgent {
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = time.Minute
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &transferAgent{
		cfg:      cfg,
		host:     host,
		router:   router,
		progress: progress,
		metrics:  m,
		logger:   logger,
	}
}

// listen opens a one-shot listener and applies the incoming stream in the
// background. Writes stay locked until the stream is applied.
func (t *transferAgent) listen(ctx context.Context) (int, error) {
	lis, err := net.Listen("tcp", net.JoinHostPort(t.host, "0"))
	if err != nil {
		return 0, fmt.Errorf("failed to open receiver socket: %w", err)
	}
	unlock := t.router.beginTransfer()
	go t.accept(ctx, lis, unlock)
	return lis.Addr().(*net.TCPAddr).Port, nil
}

func (t *transferAgent) accept(ctx context.Context, lis net.Listener, unlock func()) {
	defer unlock()
	defer lis.Close()

	if tl, ok := lis.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(t.cfg.AcceptTimeout))
	}
	conn, err := lis.Accept()
	if err != nil {
		// progress stays below 100 so the coordinator sees the transfer stall
		t.logger.Error("No sender connected", zap.Error(err))
		return
	}
	defer conn.Close()

	t.logger.Info("Receiving transfer", zap.String("from", conn.RemoteAddr().String()))
	records, bytes, err := t.apply(ctx, conn)
	if err != nil {
		t.logger.Error("Failed to apply transfer", zap.Int("records", records), zap.Error(err))
		return
	}
	t.metrics.RecordTransfer("in", records, bytes)

	if err := t.progress(ctx, model.ProgressIdle); err != nil {
		t.logger.Error("Failed to publish transfer completion", zap.Error(err))
		return
	}
	t.logger.Info("Transfer received", zap.Int("records", records), zap.Int("bytes", bytes))
}

// apply reads the header and then records until EOF, importing them in
// batches. Progress is published after each batch and stays below 100 until
// the caller reports completion.
func (t *transferAgent) apply(ctx context.Context, r io.Reader) (int, int, error) {
	counter := &countingReader{r: r}
	dec := json.NewDecoder(bufio.NewReader(counter))

	var header streamHeader
	if err := dec.Decode(&header); err != nil {
		return 0, counter.n, fmt.Errorf("malformed transfer header: %w", err)
	}

	limiter := rate.NewLimiter(rate.Every(t.cfg.ProgressInterval), 1)
	last := 0
	total := 0
	flush := func(batch []Record) error {
		if err := t.router.importRecords(batch); err != nil {
			return err
		}
		total += len(batch)
		if header.Records == 0 {
			return nil
		}
		p := total * 100 / header.Records
		if p >= model.ProgressIdle {
			p = model.ProgressIdle - 1
		}
		if p != last && limiter.Allow() {
			last = p
			if err := t.progress(ctx, p); err != nil {
				t.logger.Warn("Failed to publish transfer progress", zap.Error(err))
			}
		}
		return nil
	}

	batch := make([]Record, 0, importBatchSize)
	for {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return total, counter.n, fmt.Errorf("malformed transfer record: %w", err)
		}
		batch = append(batch, rec)
		if len(batch) == importBatchSize {
			if err := flush(batch); err != nil {
				return total, counter.n, err
			}
			batch = batch[:0]
		}
	}
	if err := flush(batch); err != nil {
		return total, counter.n, err
	}
	return total, counter.n, nil
}

// send streams every record of rng to addr, publishing progress on the way.
// A failed send leaves progress below 100.
func (t *transferAgent) send(ctx context.Context, rng ring.HashRange, addr string) error {
	unlock := t.router.beginTransfer()
	defer unlock()

	records, err := t.router.exportRange(rng)
	if err != nil {
		return fmt.Errorf("failed to export %s: %w", rng, err)
	}

	d := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to reach receiver %s: %w", addr, err)
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	enc := json.NewEncoder(w)
	if err := enc.Encode(streamHeader{Records: len(records)}); err != nil {
		return fmt.Errorf("failed to stream header: %w", err)
	}
	limiter := rate.NewLimiter(rate.Every(t.cfg.ProgressInterval), 1)
	last := 0
	bytes := 0
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to stream record: %w", err)
		}
		bytes += len(rec.Key) + len(rec.Value)
		p := i * 100 / len(records)
		if p != last && limiter.Allow() {
			last = p
			if err := t.progress(ctx, p); err != nil {
				t.logger.Warn("Failed to publish transfer progress", zap.Error(err))
			}
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush stream: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}

	t.metrics.RecordTransfer("out", len(records), bytes)
	t.logger.Info("Transfer sent",
		zap.String("range", rng.String()),
		zap.String("receiver", addr),
		zap.Int("records", len(records)))
	return t.progress(ctx, model.ProgressIdle)
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}
