// Package gateway is the client side of the dispatcher: one typed method per
// action, retries on rate limiting, and a session cache for the read-mostly
// actions.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"tripmind/internal/tripmind"
)

const defaultMaxReplyBytes = 512 << 20

var ErrReplyTooLarge = errors.New("dispatcher reply too large")

// Client calls the dispatcher at one endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	cache      *Cache
	retry      tripmind.RetryPolicy
	log        *slog.Logger
	maxReply   int64

	group singleflight.Group
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCache replaces the default in-memory session cache.
func WithCache(cache *Cache) Option {
	return func(c *Client) { c.cache = cache }
}

func WithRetryPolicy(p tripmind.RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithMaxReplyBytes caps the size of a dispatcher reply. Larger replies fail
// with ErrReplyTooLarge.
func WithMaxReplyBytes(n int64) Option {
	return func(c *Client) { c.maxReply = n }
}

// New returns a client for the dispatcher served at baseURL, for example
// "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		endpoint:   strings.TrimRight(baseURL, "/") + "/api/gemini",
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		log:        slog.Default(),
		maxReply:   defaultMaxReplyBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cache == nil {
		c.cache = NewCache(NewMemoryStore(), c.log)
	}
	return c
}

// Close ends the cache session.
func (c *Client) Close() error {
	return c.cache.Close()
}

func (c *Client) GenerateTravelPlans(ctx context.Context, p tripmind.TravelPlansParams) (tripmind.TripPlan, error) {
	return call[tripmind.TripPlan](ctx, c, tripmind.ActionGenerateTravelPlans, p)
}

func (c *Client) GetVisaRequirements(ctx context.Context, p tripmind.VisaParams) (string, error) {
	return text(ctx, c, tripmind.ActionGetVisaRequirements, p)
}

// GetSmartAlerts is cached per destination and language for AlertsTTL.
func (c *Client) GetSmartAlerts(ctx context.Context, p tripmind.AlertsParams) ([]tripmind.Alert, error) {
	key := fmt.Sprintf("alerts:%q:%q", p.Destination, p.Lang)
	return cached[[]tripmind.Alert](ctx, c, key, AlertsTTL, tripmind.ActionGetSmartAlerts, p)
}

func (c *Client) GenerateTouristGuide(ctx context.Context, p tripmind.TouristGuideParams) ([]tripmind.ItineraryDay, error) {
	return call[[]tripmind.ItineraryDay](ctx, c, tripmind.ActionGenerateTouristGuide, p)
}

func (c *Client) GetLuggageAdvisor(ctx context.Context, p tripmind.LuggageParams) (string, error) {
	return text(ctx, c, tripmind.ActionGetLuggageAdvisor, p)
}

func (c *Client) AnalyzeBudgetSplit(ctx context.Context, p tripmind.BudgetSplitParams) (string, error) {
	return text(ctx, c, tripmind.ActionAnalyzeBudgetSplit, p)
}

func (c *Client) GenerateTravelReportSummary(ctx context.Context, p tripmind.ReportSummaryParams) (string, error) {
	return text(ctx, c, tripmind.ActionGenerateTravelReportSummary, p)
}

func (c *Client) SuggestMeetingTimes(ctx context.Context, p tripmind.MeetingTimesParams) (string, error) {
	return text(ctx, c, tripmind.ActionSuggestMeetingTimes, p)
}

func (c *Client) GeneratePackingList(ctx context.Context, p tripmind.PackingListParams) ([]string, error) {
	return call[[]string](ctx, c, tripmind.ActionGeneratePackingList, p)
}

// GetDailyTravelInsight is cached per language for InsightTTL.
func (c *Client) GetDailyTravelInsight(ctx context.Context, p tripmind.InsightParams) (tripmind.Insight, error) {
	key := fmt.Sprintf("insight:%q", p.Lang)
	return cached[tripmind.Insight](ctx, c, key, InsightTTL, tripmind.ActionGetDailyTravelInsight, p)
}

func (c *Client) GenerateDestinationVideo(ctx context.Context, p tripmind.VideoParams) (tripmind.Video, error) {
	return call[tripmind.Video](ctx, c, tripmind.ActionGenerateDestinationVideo, p)
}

func (c *Client) TranslateText(ctx context.Context, p tripmind.TranslateTextParams) (string, error) {
	return text(ctx, c, tripmind.ActionTranslateText, p)
}

func (c *Client) TranslateImage(ctx context.Context, p tripmind.TranslateImageParams) (string, error) {
	return text(ctx, c, tripmind.ActionTranslateImage, p)
}

// LiveSession fetches the credential for a live voice session.
func (c *Client) LiveSession(ctx context.Context, lang string) (tripmind.LiveSession, error) {
	body, err := json.Marshal(map[string]string{"lang": lang})
	if err != nil {
		return tripmind.LiveSession{}, err
	}
	raw, err := tripmind.Retry(ctx, c.retry, func() ([]byte, error) {
		return c.post(ctx, c.endpoint+"/live", body)
	})
	if err != nil {
		return tripmind.LiveSession{}, err
	}
	var out tripmind.LiveSession
	if err := json.Unmarshal(raw, &out); err != nil {
		return tripmind.LiveSession{}, decodeFailure(err)
	}
	return out, nil
}

func text(ctx context.Context, c *Client, action tripmind.Action, params any) (string, error) {
	r, err := call[tripmind.TextResult](ctx, c, action, params)
	return r.Text, err
}

// call makes one dispatcher request under the retry policy and decodes the
// reply into T.
func call[T any](ctx context.Context, c *Client, action tripmind.Action, params any) (T, error) {
	var zero T
	body, err := tripmind.EncodeRequest(action, params)
	if err != nil {
		return zero, err
	}
	raw, err := tripmind.Retry(ctx, c.retry, func() ([]byte, error) {
		return c.post(ctx, c.endpoint, body)
	})
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, decodeFailure(err)
	}
	return out, nil
}

// cached serves T from the session cache, coalescing concurrent misses for
// the same key into one request. The shared request is detached from any one
// caller's cancellation; each caller stops waiting when its own ctx ends.
func cached[T any](ctx context.Context, c *Client, key string, ttl time.Duration, action tripmind.Action, params any) (T, error) {
	var zero T
	if b, ok := c.cache.Get(ctx, key); ok {
		var v T
		if err := json.Unmarshal(b, &v); err == nil {
			return v, nil
		}
	}

	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		out, err := call[T](shared, c, action, params)
		if err != nil {
			return nil, err
		}
		if b, err := json.Marshal(out); err == nil {
			c.cache.Set(shared, key, b, ttl)
		}
		return out, nil
	})
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &tripmind.Error{Kind: tripmind.KindOther, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxReply+1))
	if err != nil {
		return nil, &tripmind.Error{Kind: tripmind.KindOther, Message: err.Error(), Err: err}
	}
	if int64(len(raw)) > c.maxReply {
		return nil, &tripmind.Error{
			Kind:    tripmind.KindOther,
			Message: fmt.Sprintf("dispatcher reply exceeds %d bytes", c.maxReply),
			Code:    resp.StatusCode,
			Err:     ErrReplyTooLarge,
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, envelopeError(resp.StatusCode, raw)
	}
	return raw, nil
}

// envelopeError re-raises a dispatcher error body. The reported kind wins;
// without one the HTTP status decides.
func envelopeError(status int, raw []byte) *tripmind.Error {
	var body tripmind.ErrorBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
		if body.Error == "" {
			body.Error = http.StatusText(status)
		}
	}
	kind := body.Kind
	if kind == "" {
		switch status {
		case http.StatusNotFound:
			kind = tripmind.KindCredentialInvalid
		case http.StatusTooManyRequests:
			kind = tripmind.KindRateLimited
		default:
			kind = tripmind.KindOther
		}
	}
	code := body.Code
	if code == 0 {
		code = status
	}
	out := &tripmind.Error{Kind: kind, Message: body.Error, Code: code, Status: body.Status}
	if body.Status == tripmind.StatusCredentialMissing {
		out.Err = tripmind.ErrMissingCredential
	}
	return out
}

func decodeFailure(err error) *tripmind.Error {
	return &tripmind.Error{
		Kind:    tripmind.KindParseFailure,
		Message: "decode dispatcher reply: " + err.Error(),
		Err:     errors.Join(tripmind.ErrUnparseable, err),
	}
}
