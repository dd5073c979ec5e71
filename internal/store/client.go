package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	schederrors "github.com/maxthelion/octopoid/internal/errors"
	"github.com/maxthelion/octopoid/internal/httpclient"
	"github.com/maxthelion/octopoid/internal/logging"
	"github.com/maxthelion/octopoid/internal/task"
)

const maxResponseBytes = 4 << 20 // 4MiB; bounds memory on a misbehaving store

// One breaker per logical endpoint group: a flapping poll endpoint must not
// trip the breaker protecting claims, and vice versa.
const (
	breakerClaim    = "store-claim"
	breakerPoll     = "store-poll"
	breakerMessages = "store-messages"
)

// HTTPStore is the production Store implementation: a typed client over the
// remote REST API, one circuit breaker per endpoint group, and a bounded
// LRU cache of PR-mergeable lookups used by the guard chain.
type HTTPStore struct {
	baseURL string
	logger  logging.Logger

	claimClient    *http.Client
	pollClient     *http.Client
	messagesClient *http.Client

	retry schederrors.RetryConfig

	mergeableCache *lru.Cache[string, bool]
}

// Option customizes an HTTPStore.
type Option func(*HTTPStore)

// WithLogger attaches a logger for adapter diagnostics.
func WithLogger(logger logging.Logger) Option {
	return func(s *HTTPStore) { s.logger = logging.OrNop(logger) }
}

// WithRetryConfig overrides the default retry policy for network errors.
func WithRetryConfig(cfg schederrors.RetryConfig) Option {
	return func(s *HTTPStore) { s.retry = cfg }
}

// WithTimeout overrides the per-call HTTP timeout (default 10s) across all
// three endpoint groups.
func WithTimeout(timeout time.Duration) Option {
	return func(s *HTTPStore) {
		s.claimClient = httpclient.NewWithCircuitBreaker(timeout, s.logger, breakerClaim)
		s.pollClient = httpclient.NewWithCircuitBreaker(timeout, s.logger, breakerPoll)
		s.messagesClient = httpclient.NewWithCircuitBreaker(timeout, s.logger, breakerMessages)
	}
}

// New builds an HTTPStore against baseURL (e.g. "https://orchestrator.example/api").
func New(baseURL string, opts ...Option) *HTTPStore {
	s := &HTTPStore{
		baseURL: baseURL,
		logger:  logging.Nop,
		retry:   schederrors.DefaultRetryConfig(),
	}
	cache, _ := lru.New[string, bool](256)
	s.mergeableCache = cache

	for _, opt := range opts {
		opt(s)
	}
	if s.claimClient == nil {
		s.claimClient = httpclient.NewWithCircuitBreaker(10*time.Second, s.logger, breakerClaim)
	}
	if s.pollClient == nil {
		s.pollClient = httpclient.NewWithCircuitBreaker(10*time.Second, s.logger, breakerPoll)
	}
	if s.messagesClient == nil {
		s.messagesClient = httpclient.NewWithCircuitBreaker(10*time.Second, s.logger, breakerMessages)
	}
	return s
}

func (s *HTTPStore) doJSON(ctx context.Context, client *http.Client, method, path string, body any, out any) error {
	return schederrors.Retry(ctx, s.retry, s.logger, func(ctx context.Context) error {
		return s.doJSONOnce(ctx, client, method, path, body, out)
	})
}

func (s *HTTPStore) doJSONOnce(ctx context.Context, client *http.Client, method, path string, body any, out any) error {
	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			return schederrors.NewPermanentError(fmt.Errorf("encode request: %w", err))
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, &reqBody)
	if err != nil {
		return schederrors.NewPermanentError(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return schederrors.NewTransientError(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	data, err := httpclient.ReadAllWithLimit(resp.Body, maxResponseBytes)
	if err != nil {
		if httpclient.IsResponseTooLarge(err) {
			// A store response that blows the 4MiB bound is never fixed by
			// retrying it; the server isn't about to shrink it.
			return schederrors.NewPermanentError(fmt.Errorf("read response: %w", err))
		}
		return schederrors.NewTransientError(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		wrapped := wrapStatus(fmt.Sprintf("%s %s", method, path), resp.StatusCode, string(data))
		switch {
		case classifyStatus(resp.StatusCode) == ErrConflict, classifyStatus(resp.StatusCode) == ErrNotFound, classifyStatus(resp.StatusCode) == ErrValidation:
			return schederrors.NewPermanentError(wrapped)
		default:
			return schederrors.NewTransientError(wrapped)
		}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return schederrors.NewPermanentError(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (s *HTTPStore) Register(ctx context.Context, orchestratorID, cluster, machineID string, capabilities []string) error {
	payload := map[string]any{
		"orchestrator_id": orchestratorID,
		"cluster":         cluster,
		"machine_id":      machineID,
		"capabilities":    capabilities,
	}
	return s.doJSON(ctx, s.pollClient, http.MethodPost, "/orchestrators/register", payload, nil)
}

func (s *HTTPStore) Poll(ctx context.Context, orchestratorID string) (PollSummary, error) {
	var summary PollSummary
	path := "/scheduler/poll?orchestrator_id=" + url.QueryEscape(orchestratorID)
	if err := s.doJSON(ctx, s.pollClient, http.MethodGet, path, nil, &summary); err != nil {
		return PollSummary{}, err
	}
	summary.FetchedAt = time.Now()
	return summary, nil
}

func (s *HTTPStore) Claim(ctx context.Context, orchestratorID string, filter ClaimFilter, leaseFor time.Duration) (*task.Task, error) {
	payload := map[string]any{
		"orchestrator_id": orchestratorID,
		"blueprint":       filter.Blueprint,
		"role":            filter.RoleFilter,
		"from_state":      filter.FromState,
		"type_filter":     filter.TypeFilter,
		"lease_seconds":   int(leaseFor.Seconds()),
	}
	var result struct {
		Task      *task.Task `json:"task"`
		Available bool       `json:"available"`
	}
	if err := s.doJSON(ctx, s.claimClient, http.MethodPost, "/tasks/claim", payload, &result); err != nil {
		return nil, err
	}
	if !result.Available || result.Task == nil {
		return nil, ErrNotAvailable
	}
	return result.Task, nil
}

func (s *HTTPStore) Update(ctx context.Context, taskID string, expectedVersion int, fields map[string]any) (*task.Task, error) {
	payload := map[string]any{
		"expected_version": expectedVersion,
		"fields":           fields,
	}
	var t task.Task
	if err := s.doJSON(ctx, s.claimClient, http.MethodPatch, "/tasks/"+url.PathEscape(taskID), payload, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *HTTPStore) Submit(ctx context.Context, taskID string, expectedVersion int, info SubmitInfo) (*task.Task, error) {
	payload := map[string]any{
		"expected_version": expectedVersion,
		"branch":           info.Branch,
		"pr_number":        info.PRNumber,
		"pr_url":           info.PRURL,
	}
	var t task.Task
	path := "/tasks/" + url.PathEscape(taskID) + "/submit"
	if err := s.doJSON(ctx, s.claimClient, http.MethodPost, path, payload, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *HTTPStore) Accept(ctx context.Context, taskID string, expectedVersion int) (*task.Task, error) {
	payload := map[string]any{"expected_version": expectedVersion}
	var t task.Task
	path := "/tasks/" + url.PathEscape(taskID) + "/accept"
	if err := s.doJSON(ctx, s.claimClient, http.MethodPost, path, payload, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *HTTPStore) Reject(ctx context.Context, taskID string, expectedVersion int, reason string) (*task.Task, error) {
	payload := map[string]any{"expected_version": expectedVersion, "reason": reason}
	var t task.Task
	path := "/tasks/" + url.PathEscape(taskID) + "/reject"
	if err := s.doJSON(ctx, s.claimClient, http.MethodPost, path, payload, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *HTTPStore) Get(ctx context.Context, taskID string) (*task.Task, error) {
	var t task.Task
	if err := s.doJSON(ctx, s.pollClient, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *HTTPStore) ListMessages(ctx context.Context, to, msgType, status string) ([]task.Message, error) {
	q := url.Values{}
	if to != "" {
		q.Set("to", to)
	}
	if msgType != "" {
		q.Set("type", msgType)
	}
	if status != "" {
		q.Set("status", status)
	}
	var messages []task.Message
	path := "/messages?" + q.Encode()
	if err := s.doJSON(ctx, s.messagesClient, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *HTTPStore) CreateMessage(ctx context.Context, msg task.Message) error {
	return s.doJSON(ctx, s.messagesClient, http.MethodPost, "/messages", msg, nil)
}

func (s *HTTPStore) UpdateMessageStatus(ctx context.Context, messageID, status string) error {
	payload := map[string]any{"status": status}
	path := "/messages/" + url.PathEscape(messageID) + "/status"
	return s.doJSON(ctx, s.messagesClient, http.MethodPatch, path, payload, nil)
}

// CachedMergeable returns a cached PR-mergeable result for the guard chain,
// avoiding a repeat lookup for a PR checked earlier in the same tick.
func (s *HTTPStore) CachedMergeable(prKey string) (mergeable bool, ok bool) {
	return s.mergeableCache.Get(prKey)
}

// SetCachedMergeable records a PR-mergeable result for later guard
// evaluations within the same process lifetime.
func (s *HTTPStore) SetCachedMergeable(prKey string, mergeable bool) {
	s.mergeableCache.Add(prKey, mergeable)
}
