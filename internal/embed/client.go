package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	substrateerrors "github.com/ainote-labs/substrate/internal/substrate/errors"
)

// Config configures the HTTP Embedding Client.
type Config struct {
	BaseURL          string
	Model            string
	FallbackModels   []string
	Dimensions       int
	BatchSize        int
	RequestTimeout   time.Duration
	ConnectTimeout   time.Duration
	MaxRetries       int
	InitialRetryDelay time.Duration
	MaxRetryDelay    time.Duration
	PoolSize         int
	SkipHealthCheck  bool

	TimeoutProgression     float64
	RetryTimeoutMultiplier float64
	InterBatchDelay        time.Duration

	ProgressFunc func(completed, total int)
}

func DefaultConfig() Config {
	return Config{
		BaseURL:                "http://localhost:11434",
		Model:                  "qwen3-embedding:0.6b",
		FallbackModels:         []string{"nomic-embed-text", "all-minilm"},
		BatchSize:              DefaultBatchSize,
		RequestTimeout:         DefaultWarmTimeout,
		ConnectTimeout:         5 * time.Second,
		MaxRetries:             DefaultMaxRetries,
		InitialRetryDelay:      DefaultInitialDelay,
		MaxRetryDelay:          DefaultMaxRetryDelay,
		PoolSize:               4,
		TimeoutProgression:     DefaultTimeoutProgression,
		RetryTimeoutMultiplier: DefaultRetryTimeoutMultiplier,
	}
}

type embedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

type modelInfo struct {
	Name string `json:"name"`
}

type modelListResponse struct {
	Models []modelInfo `json:"models"`
}

// Client is the Embedding Client: an HTTP connection to a local embedding
// service, with retry/backoff and an explicit connection state machine.
type Client struct {
	httpClient *http.Client
	transport  *http.Transport
	cfg        Config
	breaker    *substrateerrors.CircuitBreaker

	mu           sync.RWMutex
	state        ConnectionState
	closed       bool
	lastCall     time.Time
	modelName    string
	dims         int
	batchIndex   int
	isFinalBatch bool
}

var _ Embedder = (*Client)(nil)

// NewClient builds a Client and, unless cfg.SkipHealthCheck is set,
// performs a health check against the service and auto-detects model
// name and dimensions.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, &ConfigError{Message: "base URL is required"}
	}
	if cfg.Model == "" {
		cfg.Model = DefaultConfig().Model
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.InitialRetryDelay <= 0 {
		cfg.InitialRetryDelay = DefaultInitialDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		MaxConnsPerHost:     cfg.PoolSize * 2,
		IdleConnTimeout:     10 * time.Second,
	}

	c := &Client{
		// No static http.Client.Timeout: per-attempt context.WithTimeout in
		// doEmbedWithRetry drives the progressive-timeout schedule instead.
		httpClient: &http.Client{Transport: transport},
		transport:  transport,
		cfg:        cfg,
		breaker:    substrateerrors.NewCircuitBreaker("embed-client"),
		modelName:  cfg.Model,
		dims:       cfg.Dimensions,
		state:      Disconnected,
	}

	if !cfg.SkipHealthCheck {
		c.setState(Connecting)
		checkCtx, cancel := context.WithTimeout(ctx, DefaultColdTimeout)
		defer cancel()

		modelName, err := c.findAvailableModel(checkCtx)
		if err != nil {
			transport.CloseIdleConnections()
			c.setState(Failed)
			return nil, err
		}
		c.mu.Lock()
		c.modelName = modelName
		c.mu.Unlock()

		if cfg.Dimensions == 0 {
			dims, err := c.detectDimensions(checkCtx)
			if err != nil {
				transport.CloseIdleConnections()
				c.setState(Failed)
				return nil, err
			}
			c.mu.Lock()
			c.dims = dims
			c.mu.Unlock()
		}
		c.setState(Connected)
	}

	if c.dims == 0 {
		c.dims = DefaultDimensions
	}

	return c, nil
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) listModels(ctx context.Context) ([]modelInfo, error) {
	url := c.cfg.BaseURL + "/api/tags"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &ConfigError{Message: err.Error()}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &HTTPError{Status: resp.StatusCode, Message: string(body)}
	}

	var result modelListResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}
	return result.Models, nil
}

func (c *Client) findAvailableModel(ctx context.Context) (string, error) {
	models, err := c.listModels(ctx)
	if err != nil {
		return "", err
	}

	available := make(map[string]string)
	for _, m := range models {
		name := strings.ToLower(m.Name)
		available[name] = m.Name
		base := strings.Split(name, ":")[0]
		if _, exists := available[base]; !exists {
			available[base] = m.Name
		}
	}

	primary := strings.ToLower(c.cfg.Model)
	if actual, ok := available[primary]; ok {
		return actual, nil
	}
	if actual, ok := available[strings.Split(primary, ":")[0]]; ok {
		return actual, nil
	}

	for _, fallback := range c.cfg.FallbackModels {
		name := strings.ToLower(fallback)
		if actual, ok := available[name]; ok {
			return actual, nil
		}
		if actual, ok := available[strings.Split(name, ":")[0]]; ok {
			return actual, nil
		}
	}

	return "", &ModelNotFound{Requested: c.cfg.Model, Tried: c.cfg.FallbackModels}
}

func (c *Client) detectDimensions(ctx context.Context) (int, error) {
	embeddings, err := c.doEmbed(ctx, []string{"dimension detection"})
	if err != nil {
		return 0, err
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return 0, &ConfigError{Message: "empty embedding returned during dimension detection"}
	}
	return len(embeddings[0]), nil
}

// Embed generates an embedding for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	c.mu.RLock()
	closed := c.closed
	dims := c.dims
	c.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("embedding client is closed")
	}

	if strings.TrimSpace(text) == "" {
		return make([]float32, dims), nil
	}

	embeddings, err := c.doEmbedWithRetry(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts, batching requests
// by cfg.BatchSize and reporting progress via cfg.ProgressFunc.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.mu.RLock()
	closed := c.closed
	dims := c.dims
	c.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("embedding client is closed")
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	type indexedText struct {
		idx  int
		text string
	}
	var nonEmpty []indexedText
	results := make([][]float32, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			results[i] = make([]float32, dims)
		} else {
			nonEmpty = append(nonEmpty, indexedText{i, text})
		}
	}
	if len(nonEmpty) == 0 {
		return results, nil
	}

	for start := 0; start < len(nonEmpty); start += c.cfg.BatchSize {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		end := min(start+c.cfg.BatchSize, len(nonEmpty))
		batch := nonEmpty[start:end]
		batchTexts := make([]string, len(batch))
		for i, it := range batch {
			batchTexts[i] = it.text
		}

		embeddings, err := c.doEmbedWithRetry(ctx, batchTexts)
		if err != nil {
			return nil, fmt.Errorf("embed batch: %w", err)
		}
		for i, emb := range embeddings {
			results[batch[i].idx] = emb
		}

		c.IncrementBatchIndex()
		if c.cfg.ProgressFunc != nil {
			c.cfg.ProgressFunc(end, len(nonEmpty))
		}
	}

	return results, nil
}

func (c *Client) getTimeout() time.Duration {
	c.mu.RLock()
	lastCall := c.lastCall
	c.mu.RUnlock()
	if lastCall.IsZero() || time.Since(lastCall) > ModelUnloadThreshold {
		return DefaultColdTimeout
	}
	if c.cfg.RequestTimeout > 0 {
		return c.cfg.RequestTimeout
	}
	return DefaultWarmTimeout
}

func (c *Client) updateLastCall() {
	c.mu.Lock()
	c.lastCall = time.Now()
	c.mu.Unlock()
}

// getProgressiveTimeout scales the base timeout for late batches (thermal
// throttling on sustained workloads) and for later retries, with a final
// boost for the last batch of a run.
func (c *Client) getProgressiveTimeout(attempt int) time.Duration {
	base := c.getTimeout()

	progression := 1.0
	if c.cfg.TimeoutProgression > 1.0 {
		c.mu.RLock()
		batchIdx := c.batchIndex
		c.mu.RUnlock()
		batchProgress := float64(batchIdx*c.cfg.BatchSize) / 1000.0
		progression = 1.0 + batchProgress*(c.cfg.TimeoutProgression-1.0)
		if progression > MaxTimeoutProgression {
			progression = MaxTimeoutProgression
		}
	}

	retryFactor := 1.0
	if c.cfg.RetryTimeoutMultiplier > 1.0 && attempt > 0 {
		retryFactor = math.Pow(c.cfg.RetryTimeoutMultiplier, float64(attempt))
		if retryFactor > MaxRetryTimeoutMultiplier {
			retryFactor = MaxRetryTimeoutMultiplier
		}
	}

	c.mu.RLock()
	isFinal := c.isFinalBatch
	c.mu.RUnlock()
	finalBoost := 1.0
	if isFinal {
		finalBoost = 1.5
	}

	return time.Duration(float64(base) * progression * retryFactor * finalBoost)
}

func (c *Client) IncrementBatchIndex() {
	c.mu.Lock()
	c.batchIndex++
	c.mu.Unlock()
}

func (c *Client) ResetBatchIndex() {
	c.mu.Lock()
	c.batchIndex = 0
	c.mu.Unlock()
}

func (c *Client) SetBatchIndex(idx int) {
	c.mu.Lock()
	c.batchIndex = idx
	c.mu.Unlock()
}

func (c *Client) SetFinalBatch(isFinal bool) {
	c.mu.Lock()
	c.isFinalBatch = isFinal
	c.mu.Unlock()
}

// doEmbedWithRetry retries doEmbed with exponentially growing, +/-25%
// jittered backoff, doubling each attempt and capped at MaxRetryDelay.
func (c *Client) doEmbedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	if !c.breaker.Allow() {
		return nil, substrateerrors.ErrCircuitOpen
	}

	var lastErr error
	delay := c.cfg.InitialRetryDelay

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, &Cancelled{}
		default:
		}

		if attempt > 0 {
			wait := time.Duration(float64(delay) * (0.75 + rand.Float64()*0.5))
			select {
			case <-ctx.Done():
				return nil, &Cancelled{}
			case <-time.After(wait):
			}
			delay *= 2
			if delay > c.cfg.MaxRetryDelay {
				delay = c.cfg.MaxRetryDelay
			}
		}

		timeout := c.getProgressiveTimeout(attempt)
		timeoutCtx, cancel := context.WithTimeout(ctx, timeout)

		slog.Debug("embedding_attempt",
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", c.cfg.MaxRetries),
			slog.Duration("timeout", timeout),
			slog.Int("texts_count", len(texts)))

		embeddings, err := c.doEmbed(timeoutCtx, texts)
		cancel()

		if err == nil {
			c.breaker.RecordSuccess()
			c.updateLastCall()
			return embeddings, nil
		}
		lastErr = err
		c.breaker.RecordFailure()

		slog.Debug("embedding_attempt_failed",
			slog.Int("attempt", attempt+1),
			slog.Duration("timeout_used", timeout),
			slog.String("error", err.Error()))

		if ctx.Err() != nil {
			return nil, &Cancelled{}
		}
		var ne *NetworkError
		var svc *ServiceUnavailable
		if !errors.As(err, &ne) && !errors.As(err, &svc) {
			// Non-transient failure (bad request, model gone): don't retry.
			return nil, lastErr
		}
	}

	return nil, fmt.Errorf("failed after %d attempts: %w", c.cfg.MaxRetries, lastErr)
}

func (c *Client) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	url := c.cfg.BaseURL + "/api/embed"

	var input any
	if len(texts) == 1 {
		input = texts[0]
	} else {
		input = texts
	}

	c.mu.RLock()
	model := c.modelName
	c.mu.RUnlock()

	body, err := json.Marshal(embedRequest{Model: model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &ConfigError{Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	type result struct {
		embeddings [][]float32
		err        error
	}
	resultCh := make(chan result, 1)

	go func() {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			resultCh <- result{nil, classifyTransportError(err)}
			return
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			if resp.StatusCode >= 500 {
				resultCh <- result{nil, &ServiceUnavailable{Cause: &HTTPError{Status: resp.StatusCode, Message: string(respBody)}}}
				return
			}
			resultCh <- result{nil, &HTTPError{Status: resp.StatusCode, Message: string(respBody)}}
			return
		}

		var apiResult embedResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiResult); err != nil {
			resultCh <- result{nil, fmt.Errorf("decode embed response: %w", err)}
			return
		}

		embeddings := make([][]float32, len(apiResult.Embeddings))
		for i, emb := range apiResult.Embeddings {
			v := make([]float32, len(emb))
			for j, x := range emb {
				v[j] = float32(x)
			}
			embeddings[i] = normalizeVector(v)
		}
		resultCh <- result{embeddings, nil}
	}()

	select {
	case <-ctx.Done():
		c.ForceCloseConnections()
		select {
		case <-resultCh:
		case <-time.After(100 * time.Millisecond):
		}
		return nil, &Cancelled{}
	case r := <-resultCh:
		return r.embeddings, r.err
	}
}

func classifyTransportError(err error) error {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &NetworkError{IsTimeout: true, Cause: err}
	}
	return &ServiceUnavailable{Cause: err}
}

func (c *Client) Dimensions() int { return c.dims }

func (c *Client) ModelName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.modelName
}

// Available checks the service for the configured model.
func (c *Client) Available(ctx context.Context) bool {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return false
	}
	model := c.modelName
	c.mu.RUnlock()

	models, err := c.listModels(ctx)
	if err != nil {
		return false
	}
	modelLower := strings.ToLower(model)
	for _, m := range models {
		if strings.Contains(strings.ToLower(m.Name), modelLower) || strings.Contains(modelLower, strings.ToLower(m.Name)) {
			return true
		}
	}
	return false
}

func (c *Client) SetProgressFunc(fn func(completed, total int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.ProgressFunc = fn
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.state = Disconnected
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
	return nil
}

// ForceCloseConnections replaces the transport to interrupt in-flight
// reads, used when a request's context is cancelled mid-flight.
func (c *Client) ForceCloseConnections() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return
	}
	c.transport.CloseIdleConnections()
	c.transport = &http.Transport{
		MaxIdleConns:        c.cfg.PoolSize,
		MaxIdleConnsPerHost: c.cfg.PoolSize,
		MaxConnsPerHost:     c.cfg.PoolSize * 2,
		IdleConnTimeout:     10 * time.Second,
		DisableKeepAlives:   true,
	}
	c.httpClient.Transport = c.transport
}
