package embedding

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hyperjump/ruiji/internal/models"
	"github.com/hyperjump/ruiji/pkg/utils"
)

const (
	// DefaultMaxBatchSize bounds the number of texts sent to a provider in one call.
	DefaultMaxBatchSize = 96
	// DefaultTimeout applies to a single provider attempt when nothing else is configured.
	DefaultTimeout     = 30 * time.Second
	defaultParallelism = 4
)

// EmbedOptions tune a single Embed call.
type EmbedOptions struct {
	// ProviderPreference names a provider to try first.
	ProviderPreference string
	// Model moves providers serving this model ahead of the others.
	Model string
	// Timeout bounds each provider attempt; zero uses the provider's configured timeout.
	Timeout time.Duration
}

// EmbedResult holds vectors aligned with the input texts.
// Vectors[i] is nil when text i was blank (SkippedIndices) or every provider
// failed for its batch (FailedIndices).
type EmbedResult struct {
	Vectors        [][]float32
	ProviderUsed   []string
	Provider       string
	Model          string
	Dimensions     int
	TokenUsage     int
	FailedIndices  []int
	SkippedIndices []int
	CacheHits      int
}

// Partial reports whether some non-blank texts could not be embedded.
func (r *EmbedResult) Partial() bool { return len(r.FailedIndices) > 0 }

// member is one provider registered in a Chain with its health and counters.
type member struct {
	provider Provider
	priority int
	timeout  time.Duration
	limiter  *rate.Limiter

	mu     sync.Mutex
	health models.ProviderHealth

	calls    atomic.Int64
	failures atomic.Int64
	texts    atomic.Int64
	tokens   atomic.Int64
}

func (m *member) healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health.Healthy
}

func (m *member) record(latency time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health.LastLatencyMs = latency.Milliseconds()
	m.health.CheckedAt = time.Now()
	if err != nil {
		m.health.Healthy = false
		m.health.LastError = err.Error()
		return
	}
	m.health.Healthy = true
	m.health.LastError = ""
}

func (m *member) snapshot() models.ProviderHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// Chain is the embedding provider used by the rest of the engine. It tries
// registered providers in order until one succeeds for each batch.
type Chain struct {
	members     []*member
	byName      map[string]*member
	dimensions  int
	maxBatch    int
	parallelism int
	timeout     time.Duration
	normalize   bool
	cache       *EmbeddingCache
	logger      *zap.Logger
}

// Option configures a Chain.
type Option func(*Chain)

// WithLogger sets the logger for the chain.
func WithLogger(l *zap.Logger) Option {
	return func(c *Chain) { c.logger = utils.OrNop(l) }
}

// WithBatchSize caps the batch size below DefaultMaxBatchSize.
func WithBatchSize(n int) Option {
	return func(c *Chain) { c.maxBatch = batchSize(n) }
}

// WithParallelism sets how many batches are embedded concurrently.
func WithParallelism(n int) Option {
	return func(c *Chain) {
		if n > 0 {
			c.parallelism = n
		}
	}
}

// WithTimeout sets the default per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Chain) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithNormalize makes the chain return unit-length vectors.
func WithNormalize(on bool) Option {
	return func(c *Chain) { c.normalize = on }
}

// WithCache enables an LRU cache of the given capacity.
func WithCache(capacity int) Option {
	return func(c *Chain) { c.cache = NewEmbeddingCache(capacity) }
}

// ProviderOption configures one registered provider.
type ProviderOption func(*member)

// WithProviderTimeout overrides the chain timeout for one provider.
func WithProviderTimeout(d time.Duration) ProviderOption {
	return func(m *member) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithRateLimit throttles calls to one provider to rps requests per second.
func WithRateLimit(rps float64) ProviderOption {
	return func(m *member) {
		if rps > 0 {
			burst := int(rps)
			if burst < 1 {
				burst = 1
			}
			m.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// NewChain creates an empty chain. Register providers with Add in priority order.
func NewChain(opts ...Option) *Chain {
	c := &Chain{
		byName:      make(map[string]*member),
		maxBatch:    DefaultMaxBatchSize,
		parallelism: defaultParallelism,
		timeout:     DefaultTimeout,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add registers p after the providers already added. All providers in a chain
// must share one dimension so their vectors can be compared.
func (c *Chain) Add(p Provider, opts ...ProviderOption) error {
	name := p.Name()
	if _, dup := c.byName[name]; dup {
		return fmt.Errorf("duplicate embedding provider %q", name)
	}
	if c.dimensions != 0 && p.Dimensions() != c.dimensions {
		return fmt.Errorf("provider %s has dimension %d, chain uses %d: %w",
			name, p.Dimensions(), c.dimensions, models.ErrDimensionMismatch)
	}
	m := &member{
		provider: p,
		priority: len(c.members),
		timeout:  c.timeout,
		health:   models.ProviderHealth{ProviderName: name, Healthy: true},
	}
	for _, opt := range opts {
		opt(m)
	}
	c.members = append(c.members, m)
	c.byName[name] = m
	c.dimensions = p.Dimensions()
	if mb := p.MaxBatchSize(); mb > 0 && mb < c.maxBatch {
		c.maxBatch = mb
	}
	return nil
}

// Dimensions returns the vector dimension shared by all providers, or 0 when empty.
func (c *Chain) Dimensions() int { return c.dimensions }

// BatchSize returns the effective batch size.
func (c *Chain) BatchSize() int { return c.maxBatch }

// Providers returns provider names in priority order.
func (c *Chain) Providers() []string {
	names := make([]string, len(c.members))
	for i, m := range c.members {
		names[i] = m.provider.Name()
	}
	return names
}

// order returns members in the sequence they are attempted: the preferred
// provider, then providers serving the preferred model, then healthy before
// unhealthy, each group by priority.
func (c *Chain) order(opts EmbedOptions) ([]*member, error) {
	if opts.ProviderPreference != "" {
		if _, ok := c.byName[opts.ProviderPreference]; !ok {
			return nil, models.InvalidArgumentf("unknown embedding provider %q", opts.ProviderPreference)
		}
	}
	rank := func(m *member) int {
		switch {
		case m.provider.Name() == opts.ProviderPreference:
			return 0
		case opts.Model != "" && m.provider.Model() == opts.Model:
			return 1
		case m.healthy():
			return 2
		default:
			return 3
		}
	}
	out := make([]*member, len(c.members))
	copy(out, c.members)
	ranks := make(map[*member]int, len(out))
	for _, m := range out {
		ranks[m] = rank(m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if ranks[out[i]] != ranks[out[j]] {
			return ranks[out[i]] < ranks[out[j]]
		}
		return out[i].priority < out[j].priority
	})
	return out, nil
}

// Embed embeds texts, preserving input order. Blank texts are skipped with a
// warning; batches every provider rejects are reported in FailedIndices.
// It fails with ErrAllProvidersUnavailable only when no text could be embedded.
func (c *Chain) Embed(ctx context.Context, texts []string, opts EmbedOptions) (*EmbedResult, error) {
	if len(texts) == 0 {
		return nil, models.InvalidArgumentf("texts cannot be empty")
	}
	if len(c.members) == 0 {
		return nil, fmt.Errorf("%w: no providers configured", models.ErrAllProvidersUnavailable)
	}
	order, err := c.order(opts)
	if err != nil {
		return nil, err
	}

	res := &EmbedResult{
		Vectors:      make([][]float32, len(texts)),
		ProviderUsed: make([]string, len(texts)),
		Dimensions:   c.dimensions,
	}
	primary := order[0].provider
	var pending []int
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			c.logger.Warn("skipping blank text", zap.Int("index", i))
			res.SkippedIndices = append(res.SkippedIndices, i)
			continue
		}
		if v, ok := c.cache.Get(CacheKey(primary.Name(), primary.Model(), t)); ok {
			res.Vectors[i] = v
			res.ProviderUsed[i] = primary.Name()
			res.CacheHits++
			continue
		}
		pending = append(pending, i)
	}

	var (
		mu      sync.Mutex
		tokens  int
		lastErr error
		failed  []int
	)
	g := new(errgroup.Group)
	g.SetLimit(c.parallelism)
	for start := 0; start < len(pending); start += c.maxBatch {
		end := start + c.maxBatch
		if end > len(pending) {
			end = len(pending)
		}
		idx := pending[start:end]
		g.Go(func() error {
			batch := make([]string, len(idx))
			for j, i := range idx {
				batch[j] = texts[i]
			}
			vecs, m, usage, err := c.embedBatch(ctx, batch, order, opts.Timeout)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				mu.Lock()
				failed = append(failed, idx...)
				lastErr = err
				mu.Unlock()
				c.logger.Warn("embedding batch failed on every provider",
					zap.Int("batch_size", len(idx)), zap.Int("first_index", idx[0]), zap.Error(err))
				return nil
			}
			name, model := m.provider.Name(), m.provider.Model()
			for j, i := range idx {
				v := vecs[j]
				if c.normalize {
					v = append([]float32(nil), v...)
					utils.NormalizeL2(v)
				}
				res.Vectors[i] = v
				res.ProviderUsed[i] = name
				c.cache.Set(CacheKey(name, model, texts[i]), v)
			}
			mu.Lock()
			tokens += usage.Tokens
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Ints(failed)
	res.FailedIndices = failed
	res.TokenUsage = tokens
	if embedded := len(texts) - len(res.SkippedIndices) - len(failed); embedded == 0 && len(failed) > 0 {
		return nil, fmt.Errorf("%w: %v", models.ErrAllProvidersUnavailable, lastErr)
	}
	res.Provider, res.Model = c.summarize(res.ProviderUsed, order)
	return res, nil
}

// embedBatch tries each member in order on the same batch.
func (c *Chain) embedBatch(ctx context.Context, batch []string, order []*member, timeout time.Duration) ([][]float32, *member, Usage, error) {
	var errs []error
	for _, m := range order {
		if err := ctx.Err(); err != nil {
			return nil, nil, Usage{}, err
		}
		name := m.provider.Name()
		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: rate limit: %w", name, err))
				continue
			}
		}
		d := m.timeout
		if timeout > 0 {
			d = timeout
		}
		vecs, usage, latency, err := c.attempt(ctx, m, batch, d)
		m.calls.Add(1)
		m.record(latency, err)
		if err != nil {
			m.failures.Add(1)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			c.logger.Warn("embedding provider failed, trying next",
				zap.String("provider", name),
				zap.Int64("latency_ms", latency.Milliseconds()),
				zap.Error(err))
			continue
		}
		if usage.Tokens == 0 {
			for _, t := range batch {
				usage.Tokens += EstimateTokens(t)
			}
		}
		m.texts.Add(int64(len(batch)))
		m.tokens.Add(int64(usage.Tokens))
		c.logger.Debug("embedded batch",
			zap.String("provider", name),
			zap.Int("size", len(batch)),
			zap.Int64("latency_ms", latency.Milliseconds()))
		return vecs, m, usage, nil
	}
	return nil, nil, Usage{}, errors.Join(errs...)
}

func (c *Chain) attempt(ctx context.Context, m *member, batch []string, timeout time.Duration) ([][]float32, Usage, time.Duration, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	vecs, usage, err := m.provider.EmbedBatch(actx, batch)
	latency := time.Since(start)
	if err != nil {
		return nil, Usage{}, latency, err
	}
	if len(vecs) != len(batch) {
		return nil, Usage{}, latency, fmt.Errorf("returned %d vectors for %d texts", len(vecs), len(batch))
	}
	for _, v := range vecs {
		if len(v) != c.dimensions {
			return nil, Usage{}, latency, models.DimensionMismatch(len(v), c.dimensions)
		}
	}
	return vecs, usage, latency, nil
}

// summarize picks the provider that embedded the most positions, preferring
// the earlier provider in order on ties.
func (c *Chain) summarize(used []string, order []*member) (string, string) {
	counts := make(map[string]int)
	for _, u := range used {
		if u != "" {
			counts[u]++
		}
	}
	var best *member
	for _, m := range order {
		n := counts[m.provider.Name()]
		if n > 0 && (best == nil || n > counts[best.provider.Name()]) {
			best = m
		}
	}
	if best == nil {
		return "", ""
	}
	return best.provider.Name(), best.provider.Model()
}

// EmbedQuery embeds a single non-blank text.
func (c *Chain) EmbedQuery(ctx context.Context, text string, opts EmbedOptions) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, models.InvalidArgumentf("text cannot be empty")
	}
	res, err := c.Embed(ctx, []string{text}, opts)
	if err != nil {
		return nil, err
	}
	return res.Vectors[0], nil
}

// Usage returns cumulative counters per provider in priority order.
func (c *Chain) Usage() []models.ProviderUsage {
	out := make([]models.ProviderUsage, len(c.members))
	for i, m := range c.members {
		out[i] = models.ProviderUsage{
			ProviderName: m.provider.Name(),
			Calls:        m.calls.Load(),
			Failures:     m.failures.Load(),
			Texts:        m.texts.Load(),
			Tokens:       m.tokens.Load(),
		}
	}
	return out
}

// Health returns the last observed health per provider in priority order.
func (c *Chain) Health() []models.ProviderHealth {
	out := make([]models.ProviderHealth, len(c.members))
	for i, m := range c.members {
		out[i] = m.snapshot()
	}
	return out
}

// Status combines health, usage and provider details.
func (c *Chain) Status() []models.ProviderStatus {
	usage := c.Usage()
	out := make([]models.ProviderStatus, len(c.members))
	for i, m := range c.members {
		out[i] = models.ProviderStatus{
			ProviderHealth: m.snapshot(),
			Model:          m.provider.Model(),
			Dimensions:     m.provider.Dimensions(),
			Priority:       m.priority,
			Usage:          usage[i],
		}
	}
	return out
}

// Close closes every provider.
func (c *Chain) Close() error {
	var errs []error
	for _, m := range c.members {
		if err := m.provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.provider.Name(), err))
		}
	}
	return errors.Join(errs...)
}
