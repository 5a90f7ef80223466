package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	defaultLokiBatch    = 100
	defaultLokiInterval = 5 * time.Second
	lokiAttempts        = 3
)

var errLokiClosed = errors.New("loki appender closed")

// LokiAppenderOpt configures a batched push to a Loki endpoint.
type LokiAppenderOpt struct {
	Endpoint      string            `mapstructure:"endpoint"`
	Labels        map[string]string `mapstructure:"labels"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval time.Duration     `mapstructure:"flush_interval"`
}

type lokiLine struct {
	at   time.Time
	text string
}

// LokiWriter buffers log lines and pushes them as one stream.
type LokiWriter struct {
	opt    LokiAppenderOpt
	client *http.Client

	mu      sync.Mutex
	pending []lokiLine
	closed  bool

	stop chan struct{}
	done chan struct{}
}

func NewLokiWriter(opt LokiAppenderOpt) (*LokiWriter, error) {
	if opt.Endpoint == "" {
		return nil, fmt.Errorf("loki appender: endpoint is required")
	}
	if opt.BatchSize <= 0 {
		opt.BatchSize = defaultLokiBatch
	}
	if opt.FlushInterval <= 0 {
		opt.FlushInterval = defaultLokiInterval
	}
	labels := map[string]string{"job": "inspector"}
	for k, v := range opt.Labels {
		labels[k] = v
	}
	opt.Labels = labels

	w := &LokiWriter{
		opt:    opt,
		client: &http.Client{Timeout: 10 * time.Second},
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (m *MultiWriter) AddLokiAppender(options LokiAppenderOpt) (*LokiWriter, error) {
	w, err := NewLokiWriter(options)
	if err != nil {
		return nil, err
	}
	m.Add(w)
	return w, nil
}

func (w *LokiWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, errLokiClosed
	}
	w.pending = append(w.pending, lokiLine{at: time.Now(), text: string(bytes.TrimRight(p, "\n"))})
	var batch []lokiLine
	if len(w.pending) >= w.opt.BatchSize {
		batch = w.takeLocked()
	}
	w.mu.Unlock()

	// a failed push must not fail the log call
	if batch != nil {
		_ = w.push(batch)
	}
	return len(p), nil
}

// Flush pushes whatever is buffered.
func (w *LokiWriter) Flush() error {
	w.mu.Lock()
	batch := w.takeLocked()
	w.mu.Unlock()
	return w.push(batch)
}

func (w *LokiWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	batch := w.takeLocked()
	w.mu.Unlock()

	close(w.stop)
	<-w.done
	return w.push(batch)
}

func (w *LokiWriter) takeLocked() []lokiLine {
	batch := w.pending
	w.pending = nil
	return batch
}

func (w *LokiWriter) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.opt.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = w.Flush()
		case <-w.stop:
			return
		}
	}
}

type lokiPush struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

func (w *LokiWriter) push(batch []lokiLine) error {
	if len(batch) == 0 {
		return nil
	}
	stream := lokiStream{Stream: w.opt.Labels, Values: make([][2]string, len(batch))}
	for i, l := range batch {
		stream.Values[i] = [2]string{strconv.FormatInt(l.at.UnixNano(), 10), l.text}
	}
	body, err := json.Marshal(lokiPush{Streams: []lokiStream{stream}})
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < lokiAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
		if lastErr = w.send(body); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("loki push: %w", lastErr)
}

func (w *LokiWriter) send(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.opt.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}
	return nil
}
