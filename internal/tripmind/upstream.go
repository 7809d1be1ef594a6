package tripmind

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"
)

// Gemini REST wire types. Only the fields the dispatcher uses are modelled.

type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type tool struct {
	GoogleSearch *struct{} `json:"googleSearch,omitempty"`
	GoogleMaps   *struct{} `json:"googleMaps,omitempty"`
}

type LatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type toolConfig struct {
	RetrievalConfig struct {
		LatLng LatLng `json:"latLng"`
	} `json:"retrievalConfig"`
}

type schema struct {
	Type  string  `json:"type"`
	Items *schema `json:"items,omitempty"`
}

type generationConfig struct {
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
	ResponseSchema   *schema `json:"responseSchema,omitempty"`
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	Tools            []tool            `json:"tools,omitempty"`
	ToolConfig       *toolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

// GroundingChunk is one citation attached to a grounded reply.
type GroundingChunk struct {
	Web  *GroundingSource `json:"web,omitempty"`
	Maps *GroundingSource `json:"maps,omitempty"`
}

type GroundingSource struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

type generateResponse struct {
	Candidates []struct {
		Content           content `json:"content"`
		GroundingMetadata *struct {
			GroundingChunks []GroundingChunk `json:"groundingChunks"`
		} `json:"groundingMetadata"`
	} `json:"candidates"`
}

type upstreamStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type videoOperation struct {
	Name     string          `json:"name"`
	Done     bool            `json:"done"`
	Error    *upstreamStatus `json:"error,omitempty"`
	Response *struct {
		GenerateVideoResponse struct {
			GeneratedSamples []struct {
				Video struct {
					URI string `json:"uri"`
				} `json:"video"`
			} `json:"generatedSamples"`
		} `json:"generateVideoResponse"`
	} `json:"response,omitempty"`
}

func (op *videoOperation) assetURI() string {
	if op.Response == nil {
		return ""
	}
	samples := op.Response.GenerateVideoResponse.GeneratedSamples
	if len(samples) == 0 {
		return ""
	}
	return samples[0].Video.URI
}

// genCall is one generateContent request in dispatcher terms.
type genCall struct {
	Model    string
	Parts    []Part
	Search   bool
	Maps     bool
	Location *LatLng
	// StringList asks for a JSON array of strings as structured output.
	StringList bool
}

// reply is the text and citations of a generateContent answer.
type reply struct {
	Text    string
	Sources []GroundingChunk
}

const maxReplyBytes = 8 << 20

type upstreamClient struct {
	baseURL       string
	httpClient    *http.Client
	cred          *credential
	limiter       *rate.Limiter
	maxVideoBytes int64
	stats         *statsCollector
}

func newUpstreamClient(cfg Config, cred *credential, stats *statsCollector) *upstreamClient {
	limit := rate.Inf
	if cfg.Upstream.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.Upstream.RequestsPerSecond)
	}
	return &upstreamClient{
		baseURL:       cfg.Upstream.BaseURL,
		httpClient:    &http.Client{Timeout: cfg.Upstream.timeoutDur},
		cred:          cred,
		limiter:       rate.NewLimiter(limit, cfg.Upstream.Burst),
		maxVideoBytes: cfg.Upstream.maxVideoBytes,
		stats:         stats,
	}
}

func (u *upstreamClient) generate(ctx context.Context, call genCall) (reply, error) {
	req := generateRequest{
		Contents: []content{{Role: "user", Parts: call.Parts}},
	}
	if call.Search {
		req.Tools = append(req.Tools, tool{GoogleSearch: &struct{}{}})
	}
	if call.Maps {
		req.Tools = append(req.Tools, tool{GoogleMaps: &struct{}{}})
	}
	if call.Location != nil {
		tc := &toolConfig{}
		tc.RetrievalConfig.LatLng = *call.Location
		req.ToolConfig = tc
	}
	if call.StringList {
		req.GenerationConfig = &generationConfig{
			ResponseMimeType: "application/json",
			ResponseSchema:   &schema{Type: "ARRAY", Items: &schema{Type: "STRING"}},
		}
	}

	body, _, err := u.postJSON(ctx, u.modelURL(call.Model, "generateContent"), req)
	if err != nil {
		return reply{}, err
	}
	var resp generateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return reply{}, fmt.Errorf("decode generateContent reply: %w", err)
	}
	var out reply
	if len(resp.Candidates) > 0 {
		c := resp.Candidates[0]
		var b strings.Builder
		for _, p := range c.Content.Parts {
			b.WriteString(p.Text)
		}
		out.Text = b.String()
		if c.GroundingMetadata != nil {
			out.Sources = c.GroundingMetadata.GroundingChunks
		}
	}
	if u.stats != nil {
		u.stats.Observe(len(out.Text))
	}
	return out, nil
}

func (u *upstreamClient) startVideo(ctx context.Context, model, prompt string) (*videoOperation, error) {
	req := map[string]any{
		"instances": []map[string]any{{"prompt": prompt}},
		"parameters": map[string]any{
			"aspectRatio": "16:9",
			"resolution":  "720p",
			"sampleCount": 1,
		},
	}
	body, _, err := u.postJSON(ctx, u.modelURL(model, "predictLongRunning"), req)
	if err != nil {
		return nil, err
	}
	var op videoOperation
	if err := json.Unmarshal(body, &op); err != nil {
		return nil, fmt.Errorf("decode video operation: %w", err)
	}
	return &op, nil
}

func (u *upstreamClient) getOperation(ctx context.Context, name string) (*videoOperation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.baseURL+"/"+strings.TrimLeft(name, "/"), nil)
	if err != nil {
		return nil, err
	}
	body, _, err := u.do(req, maxReplyBytes)
	if err != nil {
		return nil, err
	}
	var op videoOperation
	if err := json.Unmarshal(body, &op); err != nil {
		return nil, fmt.Errorf("decode video operation: %w", err)
	}
	return &op, nil
}

// download fetches a generated asset. The credential travels in a header,
// never in the URL.
func (u *upstreamClient) download(ctx context.Context, uri string) ([]byte, string, error) {
	if _, err := url.Parse(uri); err != nil {
		return nil, "", fmt.Errorf("asset uri: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, "", err
	}
	body, hdr, err := u.do(req, u.maxVideoBytes)
	if err != nil {
		return nil, "", err
	}
	mimeType := hdr.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(body)
	}
	return body, mimeType, nil
}

func (u *upstreamClient) modelURL(model, method string) string {
	return fmt.Sprintf("%s/models/%s:%s", u.baseURL, url.PathEscape(model), method)
}

func (u *upstreamClient) postJSON(ctx context.Context, endpoint string, v any) ([]byte, http.Header, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return u.do(req, maxReplyBytes)
}

// do waits for a limiter token, attaches the credential and executes req.
// Non-2xx replies become *UpstreamError.
func (u *upstreamClient) do(req *http.Request, limit int64) ([]byte, http.Header, error) {
	if err := u.limiter.Wait(req.Context()); err != nil {
		return nil, nil, err
	}

	var (
		body []byte
		hdr  http.Header
	)
	err := u.cred.use(func(key string) error {
		req.Header.Set("x-goog-api-key", key)
		resp, err := u.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(io.LimitReader(resp.Body, limit+1))
		if err != nil {
			return err
		}
		if int64(len(body)) > limit {
			return fmt.Errorf("upstream reply exceeds %s", formatBytes(uint64(limit)))
		}
		hdr = resp.Header
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return upstreamErrorFrom(resp.StatusCode, body)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return body, hdr, nil
}

func upstreamErrorFrom(statusCode int, body []byte) *UpstreamError {
	ue := &UpstreamError{StatusCode: statusCode, Body: snippet(strings.TrimSpace(string(body)), 512)}
	var env struct {
		Error upstreamStatus `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		ue.Code = env.Error.Code
		ue.Message = env.Error.Message
		ue.Status = env.Error.Status
	}
	return ue
}
