package summarize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/steveyegge/recon/internal/types"
)

// backend is one remote model API
type backend interface {
	Name() string
	Model() string
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Service wraps a backend with caching, rate limiting, a concurrency bound,
// retries and a circuit breaker. It is safe for concurrent use by passes of
// different deals.
type Service struct {
	backend backend
	config  Config
	cache   *gocache.Cache
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	breaker *CircuitBreaker
	logger  *slog.Logger
}

func newService(b backend, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("summarizer", b.Name()))

	s := &Service{
		backend: b,
		config:  cfg,
		breaker: NewCircuitBreaker(cfg.FailureThreshold, cfg.SuccessThreshold, cfg.OpenTimeout, logger),
		logger:  logger,
	}
	if cfg.CacheTTL > 0 {
		s.cache = gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	if cfg.RatePerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	if cfg.MaxConcurrent > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return s
}

// Breaker exposes the circuit breaker for status reporting
func (s *Service) Breaker() *CircuitBreaker {
	return s.breaker
}

// Summarize asks the backend for a consolidated summary. Every failure is
// returned as *types.ExternalServiceError so callers can fall back.
func (s *Service) Summarize(ctx context.Context, req Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, s.fail(err)
	}

	key := req.CacheKey(s.backend.Model())
	if s.cache != nil {
		if v, ok := s.cache.Get(key); ok {
			cached := *v.(*Response)
			cached.Cached = true
			s.logger.Debug("summary cache hit", slog.String("deal", req.DealID), slog.Int("children", len(req.Children)))
			return &cached, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	prompt := buildPrompt(req)
	var resp *Response
	err := s.retryWithBackoff(ctx, "summarize", func(attemptCtx context.Context) error {
		text, err := s.backend.Complete(attemptCtx, systemPrompt, prompt)
		if err != nil {
			return err
		}
		parsed, err := parseJSON[Response](text)
		if err != nil {
			return fmt.Errorf("%w: %v", errMalformedResponse, err)
		}
		parsed.Severity = types.Severity(strings.ToLower(strings.TrimSpace(string(parsed.Severity))))
		if err := parsed.Validate(); err != nil {
			return fmt.Errorf("%w: %v", errMalformedResponse, err)
		}
		parsed.Model = s.backend.Model()
		resp = &parsed
		return nil
	})
	if err != nil {
		s.logger.Warn("summarization failed",
			slog.String("deal", req.DealID),
			slog.String("domain", string(req.Domain)),
			slog.Int("children", len(req.Children)),
			slog.Any("error", err))
		return nil, s.fail(err)
	}

	if s.cache != nil {
		stored := *resp
		s.cache.SetDefault(key, &stored)
	}
	return resp, nil
}

func (s *Service) fail(err error) error {
	return &types.ExternalServiceError{Service: s.backend.Name(), Op: "summarize", Err: err}
}
