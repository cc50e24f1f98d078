package summarize

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/recon/internal/types"
)

// fakeBackend replays canned answers in order, repeating the last one
type fakeBackend struct {
	mu      sync.Mutex
	answers []string
	errs    []error
	calls   int
	prompts []string
	delay   time.Duration
}

func (f *fakeBackend) Name() string  { return "fake" }
func (f *fakeBackend) Model() string { return "fake-1" }

func (f *fakeBackend) Complete(ctx context.Context, _, prompt string) (string, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i >= len(f.answers) {
		i = len(f.answers) - 1
	}
	return f.answers[i], nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	cfg.RatePerSecond = 0
	return cfg
}

func erpRequest() Request {
	return Request{
		DealID: "deal-1",
		Domain: types.DomainApplications,
		Entity: types.EntityTarget,
		Children: []Child{
			{ID: "r-1", Title: "Multiple ERP systems create complexity", Severity: types.SeverityMedium, Systems: []string{"SAP", "Oracle"}},
			{ID: "r-2", Title: "SAP and Oracle running in parallel", Severity: types.SeverityHigh, Systems: []string{"Oracle", "SAP"}},
			{ID: "r-3", Title: "ERP consolidation needed", Severity: types.SeverityLow},
		},
	}
}

const goodAnswer = "```json\n{\"title\": \"Fragmented ERP landscape\", \"description\": \"SAP and Oracle run in parallel.\", \"severity\": \"HIGH\", \"key_systems\": [\"SAP\", \"Oracle\"]}\n```"

func TestServiceSummarize(t *testing.T) {
	backend := &fakeBackend{answers: []string{goodAnswer}}
	svc := newService(backend, testConfig(), nil)

	resp, err := svc.Summarize(context.Background(), erpRequest())
	require.NoError(t, err)
	assert.Equal(t, "Fragmented ERP landscape", resp.Title)
	assert.Equal(t, types.SeverityHigh, resp.Severity, "severity is normalized")
	assert.Equal(t, []string{"SAP", "Oracle"}, resp.KeySystems)
	assert.Equal(t, "fake-1", resp.Model)
	assert.False(t, resp.Cached)

	require.Len(t, backend.prompts, 1)
	assert.Contains(t, backend.prompts[0], "SAP and Oracle running in parallel")
	assert.Contains(t, backend.prompts[0], "Systems: SAP, Oracle")
}

func TestServiceCachesByChildContent(t *testing.T) {
	backend := &fakeBackend{answers: []string{goodAnswer}}
	svc := newService(backend, testConfig(), nil)
	ctx := context.Background()

	_, err := svc.Summarize(ctx, erpRequest())
	require.NoError(t, err)
	again, err := svc.Summarize(ctx, erpRequest())
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, 1, backend.calls)

	reordered := erpRequest()
	reordered.Children[0], reordered.Children[1] = reordered.Children[1], reordered.Children[0]
	_, err = svc.Summarize(ctx, reordered)
	require.NoError(t, err)
	assert.Equal(t, 2, backend.calls, "child order is part of the key")

	otherDeal := erpRequest()
	otherDeal.DealID = "deal-2"
	resp, err := svc.Summarize(ctx, otherDeal)
	require.NoError(t, err)
	assert.False(t, resp.Cached, "summaries are never shared across deals")
	assert.Equal(t, 3, backend.calls)
	assert.NotEqual(t, erpRequest().CacheKey("fake-1"), otherDeal.CacheKey("fake-1"))
}

func TestServiceRetriesTransientFailures(t *testing.T) {
	backend := &fakeBackend{
		answers: []string{"", "not json at all", goodAnswer},
		errs:    []error{errors.New("dial tcp: connection refused")},
	}
	svc := newService(backend, testConfig(), nil)

	resp, err := svc.Summarize(context.Background(), erpRequest())
	require.NoError(t, err)
	assert.Equal(t, "Fragmented ERP landscape", resp.Title)
	assert.Equal(t, 3, backend.calls)
}

func TestServiceFailureIsExternalServiceError(t *testing.T) {
	backend := &fakeBackend{answers: []string{`{"title": "", "severity": "high"}`}}
	svc := newService(backend, testConfig(), nil)

	_, err := svc.Summarize(context.Background(), erpRequest())
	var ese *types.ExternalServiceError
	require.True(t, errors.As(err, &ese), "got %v", err)
	assert.Equal(t, "fake", ese.Service)
	assert.True(t, errors.Is(err, errMalformedResponse))
	assert.Equal(t, testConfig().MaxRetries+1, backend.calls)
}

func TestServiceHardTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	cfg.AttemptTimeout = 20 * time.Millisecond
	backend := &fakeBackend{answers: []string{goodAnswer}, delay: time.Second}
	svc := newService(backend, cfg, nil)

	start := time.Now()
	_, err := svc.Summarize(context.Background(), erpRequest())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	var ese *types.ExternalServiceError
	assert.True(t, errors.As(err, &ese))
}

func TestServiceCircuitOpensAndFailsFast(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0
	cfg.FailureThreshold = 2
	cfg.CacheTTL = 0
	backend := &fakeBackend{
		answers: []string{goodAnswer},
		errs:    []error{errors.New("503 service unavailable: timeout"), errors.New("timeout"), nil},
	}
	svc := newService(backend, cfg, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.Summarize(ctx, erpRequest())
		require.Error(t, err)
	}
	assert.Equal(t, CircuitOpen, svc.Breaker().State())

	_, err := svc.Summarize(ctx, erpRequest())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, backend.calls, "open circuit makes no call")
}

func TestServiceRejectsEmptyRequest(t *testing.T) {
	svc := newService(&fakeBackend{answers: []string{goodAnswer}}, testConfig(), nil)
	_, err := svc.Summarize(context.Background(), Request{DealID: "deal-1"})
	var ese *types.ExternalServiceError
	assert.True(t, errors.As(err, &ese))
}

func TestExtractive(t *testing.T) {
	resp, err := NewExtractive().Summarize(context.Background(), erpRequest())
	require.NoError(t, err)
	assert.Equal(t, "SAP and Oracle running in parallel", resp.Title, "most severe child leads")
	assert.Equal(t, types.SeverityHigh, resp.Severity)
	assert.Equal(t, []string{"Oracle", "SAP"}, resp.KeySystems)
	assert.Contains(t, resp.Description, "Multiple ERP systems create complexity; ERP consolidation needed")

	again, err := NewExtractive().Summarize(context.Background(), erpRequest())
	require.NoError(t, err)
	assert.Equal(t, resp, again, "deterministic")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"openai", func(c *Config) { c.Provider = "openai" }, false},
		{"unknown provider", func(c *Config) { c.Provider = "bard" }, true},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, true},
		{"attempt exceeds timeout", func(c *Config) { c.AttemptTimeout = time.Minute }, true},
		{"too many retries", func(c *Config) { c.MaxRetries = 11 }, true},
		{"negative rate", func(c *Config) { c.RatePerSecond = -1 }, true},
		{"zero breaker threshold", func(c *Config) { c.FailureThreshold = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigStringHidesKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Provider = "anthropic"
	cfg.APIKey = "sk-secret"
	assert.NotContains(t, cfg.String(), "sk-secret")
}
