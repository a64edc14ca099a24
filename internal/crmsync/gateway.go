package crmsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RemoteRecord is one entity as the external CRM reports it.
type RemoteRecord struct {
	ExternalID   string            `json:"externalId"`
	Email        string            `json:"email,omitempty"`
	Phone        string            `json:"phone,omitempty"`
	FirstName    string            `json:"firstName,omitempty"`
	LastName     string            `json:"lastName,omitempty"`
	Organization string            `json:"organization,omitempty"`
	Properties   map[string]string `json:"properties,omitempty"`
	UpdatedAt    time.Time         `json:"updatedAt,omitempty"`
}

// RecordPage is one page of the remote list operation.
type RecordPage struct {
	Records    []RemoteRecord `json:"records"`
	NextCursor *string        `json:"nextCursor"`
}

// MergeResult carries the canonical external id the CRM settled on after a
// pairwise merge. Some CRMs mint a fresh id for the merged entity.
type MergeResult struct {
	CanonicalExternalID string `json:"canonicalId"`
}

// RemoteCRM wraps the four remote operations the engine depends on. The
// gateway holds no session beyond the caller-supplied credential.
type RemoteCRM interface {
	ListPage(ctx context.Context, scope Scope, cursor string, limit int) (RecordPage, error)
	PatchRecord(ctx context.Context, scope Scope, externalID string, fields map[string]string) error
	DeleteRecord(ctx context.Context, scope Scope, externalID string) error
	MergePair(ctx context.Context, scope Scope, primaryExternalID, secondaryExternalID string) (MergeResult, error)
}

// HTTPError surfaces the upstream status code and message after the retry
// budget is exhausted.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// TokenProvider resolves the bearer credential for one scope.
type TokenProvider func(ctx context.Context, scope Scope) (string, error)

// StaticTokenProvider returns the same credential for every scope.
func StaticTokenProvider(token string) TokenProvider {
	token = strings.TrimSpace(token)
	return func(ctx context.Context, scope Scope) (string, error) {
		return token, nil
	}
}

type HTTPRemoteCRMOptions struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// HTTPRemoteCRM talks to the external CRM over HTTP with bearer auth,
// bounded retries and exponential backoff.
type HTTPRemoteCRM struct {
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	userAgent     string
	maxAttempts   int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewHTTPRemoteCRM(opts HTTPRemoteCRMOptions) *HTTPRemoteCRM {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.crm.example.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 5 * time.Second
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	return &HTTPRemoteCRM{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxAttempts:   maxAttempts,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}
}

func (c *HTTPRemoteCRM) ListPage(ctx context.Context, scope Scope, cursor string, limit int) (RecordPage, error) {
	if limit <= 0 {
		limit = 100
	}
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	var page RecordPage
	err := c.do(ctx, scope, http.MethodGet, "/v1/records?"+query.Encode(), nil, &page)
	if err != nil {
		return RecordPage{}, err
	}
	return page, nil
}

func (c *HTTPRemoteCRM) PatchRecord(ctx context.Context, scope Scope, externalID string, fields map[string]string) error {
	if strings.TrimSpace(externalID) == "" {
		return ErrInvalidInput
	}
	payload := map[string]any{"fields": fields}
	return c.do(ctx, scope, http.MethodPatch, "/v1/records/"+url.PathEscape(externalID), payload, nil)
}

func (c *HTTPRemoteCRM) DeleteRecord(ctx context.Context, scope Scope, externalID string) error {
	if strings.TrimSpace(externalID) == "" {
		return ErrInvalidInput
	}
	return c.do(ctx, scope, http.MethodDelete, "/v1/records/"+url.PathEscape(externalID), nil, nil)
}

func (c *HTTPRemoteCRM) MergePair(ctx context.Context, scope Scope, primaryExternalID, secondaryExternalID string) (MergeResult, error) {
	if strings.TrimSpace(primaryExternalID) == "" || strings.TrimSpace(secondaryExternalID) == "" {
		return MergeResult{}, ErrInvalidInput
	}
	payload := map[string]any{
		"primaryId":   primaryExternalID,
		"secondaryId": secondaryExternalID,
	}
	var result MergeResult
	if err := c.do(ctx, scope, http.MethodPost, "/v1/records/merge", payload, &result); err != nil {
		return MergeResult{}, err
	}
	return result, nil
}

func (c *HTTPRemoteCRM) do(ctx context.Context, scope Scope, method, path string, payload, out any) error {
	if c == nil {
		return fmt.Errorf("remote crm client is nil")
	}
	if c.tokenProvider == nil {
		return fmt.Errorf("token provider is required")
	}
	token, err := c.tokenProvider(ctx, scope)
	if err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return &HTTPError{StatusCode: http.StatusUnauthorized, Message: "credential is empty"}
	}
	var bodyBytes []byte
	if payload != nil {
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	target := c.baseURL + path

	for attempt := 1; ; attempt++ {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-Owner-Id", scope.OwnerID)
		req.Header.Set("X-Connection-Key", scope.ConnectionKey)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxAttempts {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}

		if retryableStatus(resp.StatusCode) && attempt < c.maxAttempts {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		return httpErrorFromBody(resp.StatusCode, respBody)
	}
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

func httpErrorFromBody(status int, body []byte) error {
	errCode := ""
	errMessage := strings.TrimSpace(string(body))
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if code, ok := parsed["code"].(string); ok {
			errCode = code
		}
		if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
			errMessage = message
		}
	}
	return &HTTPError{StatusCode: status, Code: errCode, Message: errMessage}
}

func (c *HTTPRemoteCRM) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// validateAccess is one lightweight remote call: a list with a minimal page
// size. A 401/403 means the credential is bad.
func validateAccess(ctx context.Context, gateway RemoteCRM, scope Scope) error {
	_, err := gateway.ListPage(ctx, scope, "", 1)
	return err
}
