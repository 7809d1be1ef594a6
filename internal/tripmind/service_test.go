package tripmind

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testKey = "test-key"

// fakeUpstream counts hits and serves a fixed handler.
type fakeUpstream struct {
	*httptest.Server
	hits atomic.Int32
}

func newFakeUpstream(t *testing.T, h http.HandlerFunc) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		h(w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

func testConfig(t *testing.T, baseURL string) Config {
	t.Helper()
	t.Setenv("TRIPMIND_PORT", "")
	t.Setenv("TRIPMIND_UPSTREAM_URL", "")
	cfg, err := DefaultConfig()
	require.NoError(t, err)
	cfg.Upstream.BaseURL = baseURL
	cfg.Retry.initialDelayDur = time.Millisecond
	cfg.Retry.maxJitterDur = 0
	return cfg
}

func newTestService(t *testing.T, cfg Config, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithCredential([]byte(testKey)),
	}, opts...)
	s, err := NewService(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func writeReply(w http.ResponseWriter, text string, chunks ...GroundingChunk) {
	cand := map[string]any{
		"content": map[string]any{"role": "model", "parts": []map[string]any{{"text": text}}},
	}
	if len(chunks) > 0 {
		cand["groundingMetadata"] = map[string]any{"groundingChunks": chunks}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"candidates": []any{cand}})
}

func writeUpstreamError(w http.ResponseWriter, code int, status, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": msg, "status": status},
	})
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestDispatchUnknownAction(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		writeReply(w, "unused")
	})
	s := newTestService(t, testConfig(t, up.URL))

	rec := post(t, s.Handler(), "/api/gemini", `{"action":"doesNotExist"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Unknown action: doesNotExist", decodeError(t, rec).Error)
	assert.Zero(t, up.hits.Load())
}

func TestDispatchUnknownActionBeforeCredentialCheck(t *testing.T) {
	s := newTestService(t, testConfig(t, "http://127.0.0.1:1"), WithCredential(nil))

	_, err := s.Dispatch(context.Background(), "nope", []byte(`{}`))
	require.ErrorIs(t, err, ErrUnknownAction)
	assert.Equal(t, http.StatusBadRequest, Classify(err).HTTPStatus())
}

func TestDispatchMissingCredential(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		writeReply(w, "unused")
	})
	s := newTestService(t, testConfig(t, up.URL), WithCredential(nil))

	rec := post(t, s.Handler(), "/api/gemini", `{"action":"getVisaRequirements","origin":"CN","destination":"JP"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "GEMINI_API_KEY is not configured in server environment", body.Error)
	assert.Equal(t, KindOther, body.Kind)
	assert.Equal(t, StatusCredentialMissing, body.Status)
	assert.Zero(t, up.hits.Load())
}

func TestDispatchRejectsInvalidBodies(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		writeReply(w, "unused")
	})
	s := newTestService(t, testConfig(t, up.URL))
	h := s.Handler()

	for name, body := range map[string]string{
		"not json":          `{action`,
		"missing field":     `{"action":"getVisaRequirements","origin":"CN"}`,
		"days out of range": `{"action":"generateTouristGuide","destination":"Kyoto","days":0}`,
		"wrong type":        `{"action":"generatePackingList","destination":"Oslo","purpose":"work","days":"three"}`,
		"bad image data":    `{"action":"translateImage","base64Data":"%%%","mimeType":"image/png"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := post(t, h, "/api/gemini", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
	assert.Zero(t, up.hits.Load())
}

func TestLongTripsAreAccepted(t *testing.T) {
	tests := []struct {
		name, reply, body string
	}{
		{"guide", `[{"day":1,"activities":[]}]`, `{"action":"generateTouristGuide","destination":"Patagonia","days":45}`},
		{"packing", `["thermal layers"]`, `{"action":"generatePackingList","destination":"Antarctica","purpose":"research","days":120}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
				writeReply(w, tt.reply)
			})
			s := newTestService(t, testConfig(t, up.URL))

			rec := post(t, s.Handler(), "/api/gemini", tt.body)
			assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.JSONEq(t, tt.reply, rec.Body.String())
		})
	}
}

func TestDispatchBodyTooLarge(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.maxBodyBytes = 32
	s := newTestService(t, cfg)

	rec := post(t, s.Handler(), "/api/gemini", `{"action":"translateText","text":"`+strings.Repeat("x", 64)+`","targetLang":"fr"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestGenerateTravelPlans(t *testing.T) {
	var gotPath, gotKey string
	var gotReq generateRequest
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		writeReply(w, "Here you go:\n```json\n"+`{
  "options": [{"id": "opt1", "transportType": "High-speed rail", "totalCost": 553, "totalDuration": 300, "compliance": true,
    "segments": [{"id": "s1", "type": "main", "title": "G1", "description": "Beijing South to Shanghai Hongqiao", "startTime": "09:00", "duration": 270}]}],
  "localInfo": {"weather": "Sunny", "tips": "Carry ID", "emergency": "110"}
}`+"\n```",
			GroundingChunk{Web: &GroundingSource{URI: "https://example.com/rail", Title: "Rail"}})
	})
	s := newTestService(t, testConfig(t, up.URL))

	rec := post(t, s.Handler(), "/api/gemini", `{
		"action": "generateTravelPlans",
		"from": "Beijing", "to": "Shanghai", "date": "2026-10-20",
		"preferences": {"budget": 800, "transport": "train"},
		"lang": "cn",
		"userLocation": {"latitude": 39.9, "longitude": 116.4}
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var plan TripPlan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plan))
	require.Len(t, plan.Options, 1)
	assert.Equal(t, "High-speed rail", plan.Options[0].TransportType)
	require.Len(t, plan.Options[0].Segments, 1)
	assert.Equal(t, 270.0, plan.Options[0].Segments[0].Duration)
	assert.Equal(t, "110", plan.LocalInfo.Emergency)
	require.Len(t, plan.GroundingSources, 1)
	assert.Equal(t, "https://example.com/rail", plan.GroundingSources[0].Web.URI)

	assert.Equal(t, "/models/gemini-2.5-flash:generateContent", gotPath)
	assert.Equal(t, testKey, gotKey)
	require.Len(t, gotReq.Contents, 1)
	assert.Contains(t, gotReq.Contents[0].Parts[0].Text, "Chinese (Simplified)")
	assert.Len(t, gotReq.Tools, 2)
	require.NotNil(t, gotReq.ToolConfig)
	assert.Equal(t, 39.9, gotReq.ToolConfig.RetrievalConfig.LatLng.Latitude)
}

func TestGetSmartAlerts(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		writeReply(w, `Alerts below.
[{"id": 1, "title": "Typhoon", "desc": "Flights delayed", "type": "warning", "color": "amber"},
 {"id": "2", "title": "Festival", "desc": "Crowds", "type": "event", "color": "indigo"},
 {"id": 3, "title": "Fare drop", "desc": "Cheap rail", "type": "price", "color": "rose"}]`)
	})
	s := newTestService(t, testConfig(t, up.URL))

	rec := post(t, s.Handler(), "/api/gemini", `{"action":"getSmartAlerts","destination":"Tokyo","lang":"en"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var alerts []Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alerts))
	require.Len(t, alerts, 3)
	assert.Equal(t, AlertID("1"), alerts[0].ID)
	assert.Equal(t, AlertID("2"), alerts[1].ID)
	assert.Equal(t, "price", alerts[2].Type)
}

func TestStructuredActionParseFailure(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		writeReply(w, "Sorry, I cannot help with that.")
	})
	s := newTestService(t, testConfig(t, up.URL))

	rec := post(t, s.Handler(), "/api/gemini", `{"action":"generateTouristGuide","destination":"Kyoto","days":2}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, KindParseFailure, decodeError(t, rec).Kind)
	assert.Equal(t, int32(1), up.hits.Load())
}

func TestProseActionsReturnText(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		writeReply(w, "Visa on arrival for 30 days.")
	})
	s := newTestService(t, testConfig(t, up.URL))

	rec := post(t, s.Handler(), "/api/gemini", `{"action":"getVisaRequirements","origin":"CN","destination":"TH"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"text":"Visa on arrival for 30 days."}`, rec.Body.String())

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.RequestsTotal.WithLabelValues("getVisaRequirements", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.UpstreamCallsTotal.WithLabelValues("getVisaRequirements", "ok")))
}

func TestDailyInsightWithoutSources(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		writeReply(w, "Rail strikes expected in France.")
	})
	s := newTestService(t, testConfig(t, up.URL))

	rec := post(t, s.Handler(), "/api/gemini", `{"action":"getDailyTravelInsight"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"text":"Rail strikes expected in France.","sources":[]}`, rec.Body.String())
}

func TestPackingListRequestsStringArray(t *testing.T) {
	var gotReq generateRequest
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		writeReply(w, `["Passport","Adapter","Umbrella"]`)
	})
	s := newTestService(t, testConfig(t, up.URL))

	rec := post(t, s.Handler(), "/api/gemini", `{"action":"generatePackingList","destination":"London","purpose":"business","days":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["Passport","Adapter","Umbrella"]`, rec.Body.String())

	require.NotNil(t, gotReq.GenerationConfig)
	assert.Equal(t, "application/json", gotReq.GenerationConfig.ResponseMimeType)
	assert.Equal(t, "ARRAY", gotReq.GenerationConfig.ResponseSchema.Type)
}

func TestTranslateImageSendsInlineData(t *testing.T) {
	var gotReq generateRequest
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		writeReply(w, "Exit")
	})
	s := newTestService(t, testConfig(t, up.URL))

	img := base64.StdEncoding.EncodeToString([]byte("png bytes"))
	rec := post(t, s.Handler(), "/api/gemini", `{"action":"translateImage","base64Data":"`+img+`","mimeType":"image/png"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"text":"Exit"}`, rec.Body.String())

	require.Len(t, gotReq.Contents[0].Parts, 2)
	require.NotNil(t, gotReq.Contents[0].Parts[0].InlineData)
	assert.Equal(t, img, gotReq.Contents[0].Parts[0].InlineData.Data)
}

func TestRateLimitedActionRetriesThenReports(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		writeUpstreamError(w, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "Resource has been exhausted (e.g. check quota).")
	})
	s := newTestService(t, testConfig(t, up.URL))

	rec := post(t, s.Handler(), "/api/gemini", `{"action":"getLuggageAdvisor","airline":"ANA"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, KindRateLimited, body.Kind)
	assert.Equal(t, 429, body.Code)
	assert.Equal(t, "RESOURCE_EXHAUSTED", body.Status)
	assert.Equal(t, "Service is temporarily busy (Quota Exceeded). Please wait a moment.", body.Error)

	assert.Equal(t, int32(DefaultMaxAttempts), up.hits.Load())
	assert.Equal(t, float64(DefaultMaxAttempts-1), testutil.ToFloat64(s.metrics.RetriesTotal.WithLabelValues("getLuggageAdvisor")))
}

func TestInvalidCredentialIsNotRetried(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		writeUpstreamError(w, http.StatusNotFound, "NOT_FOUND", "Requested entity was not found.")
	})
	s := newTestService(t, testConfig(t, up.URL))

	rec := post(t, s.Handler(), "/api/gemini", `{"action":"translateText","text":"hello","targetLang":"French"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, KindCredentialInvalid, decodeError(t, rec).Kind)
	assert.Equal(t, int32(1), up.hits.Load())
}

func TestGenerateDestinationVideo(t *testing.T) {
	var polls atomic.Int32
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/models/veo-3.1-fast-generate-preview:predictLongRunning":
			_, _ = io.WriteString(w, `{"name":"operations/vid-1","done":false}`)
		case r.Method == http.MethodGet && r.URL.Path == "/operations/vid-1":
			if polls.Add(1) < 2 {
				_, _ = io.WriteString(w, `{"name":"operations/vid-1","done":false}`)
				return
			}
			_, _ = io.WriteString(w, `{"name":"operations/vid-1","done":true,"response":{"generateVideoResponse":{"generatedSamples":[{"video":{"uri":"http://`+r.Host+`/files/vid-1.mp4"}}]}}}`)
		case r.Method == http.MethodGet && r.URL.Path == "/files/vid-1.mp4":
			if r.Header.Get("x-goog-api-key") != testKey {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.Header().Set("Content-Type", "video/mp4")
			_, _ = w.Write([]byte("fake mp4"))
		default:
			http.NotFound(w, r)
		}
	})

	s := newTestService(t, testConfig(t, up.URL))
	var sleeps []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	rec := post(t, s.Handler(), "/api/gemini", `{"action":"generateDestinationVideo","destination":"Lisbon"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var v Video
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, "video/mp4", v.MimeType)
	data, err := base64.StdEncoding.DecodeString(v.VideoData)
	require.NoError(t, err)
	assert.Equal(t, "fake mp4", string(data))

	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, sleeps)
	assert.Equal(t, int32(2), polls.Load())
	assert.Equal(t, int32(4), up.hits.Load())
}

func TestGenerateDestinationVideoWithoutAsset(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"name":"operations/vid-2","done":true,"response":{"generateVideoResponse":{}}}`)
	})
	s := newTestService(t, testConfig(t, up.URL))

	_, err := s.Dispatch(context.Background(), string(ActionGenerateDestinationVideo), []byte(`{"destination":"Lisbon"}`))
	require.ErrorIs(t, err, ErrNoVideoAsset)
	assert.Equal(t, int32(1), up.hits.Load())
}

func TestGenerateDestinationVideoOperationError(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"name":"operations/vid-3","done":true,"error":{"code":3,"message":"prompt rejected","status":"INVALID_ARGUMENT"}}`)
	})
	s := newTestService(t, testConfig(t, up.URL))

	rec := post(t, s.Handler(), "/api/gemini", `{"action":"generateDestinationVideo","destination":"Lisbon"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "prompt rejected", body.Error)
	assert.Equal(t, "INVALID_ARGUMENT", body.Status)
}

func TestVideoPollStopsOnCancel(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"name":"operations/vid-4","done":false}`)
	})
	s := newTestService(t, testConfig(t, up.URL))

	ctx, cancel := context.WithCancel(context.Background())
	polls := 0
	s.sleep = func(ctx context.Context, d time.Duration) error {
		polls++
		if polls == 3 {
			cancel()
		}
		return sleepContext(ctx, time.Millisecond)
	}

	_, err := s.Dispatch(ctx, string(ActionGenerateDestinationVideo), []byte(`{"destination":"Lisbon"}`))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, polls)
}

func TestLiveSession(t *testing.T) {
	s := newTestService(t, testConfig(t, "http://127.0.0.1:1"))

	rec := post(t, s.Handler(), "/api/gemini/live", `{"lang":"cn"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"apiKey":"test-key"}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodPost, "/api/gemini/live", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	missing := newTestService(t, testConfig(t, "http://127.0.0.1:1"), WithCredential(nil))
	rec = post(t, missing.Handler(), "/api/gemini/live", `{}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, StatusCredentialMissing, decodeError(t, rec).Status)
}

func TestHealthAndMetrics(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		writeReply(w, "Carry-on 7kg.")
	})
	s := newTestService(t, testConfig(t, up.URL))
	h := s.Handler()

	rec := post(t, h, "/api/gemini", `{"action":"getLuggageAdvisor","airline":"ANA"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","credential":true}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `tripmind_dispatch_requests_total{action="getLuggageAdvisor",outcome="ok"} 1`)
	assert.Contains(t, rec.Body.String(), `tripmind_upstream_calls_total{action="getLuggageAdvisor",result="ok"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestEncodeRequest(t *testing.T) {
	b, err := EncodeRequest(ActionGetSmartAlerts, AlertsParams{Destination: "Paris", Lang: "en"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"getSmartAlerts","destination":"Paris","lang":"en"}`, string(b))

	b, err = EncodeRequest(ActionGetDailyTravelInsight, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"getDailyTravelInsight"}`, string(b))

	_, err = EncodeRequest(ActionTranslateText, []string{"not", "an", "object"})
	assert.Error(t, err)
}

func TestParseAction(t *testing.T) {
	for _, a := range Actions {
		got, ok := ParseAction(string(a))
		assert.True(t, ok)
		assert.Equal(t, a, got)
	}
	_, ok := ParseAction("GETSMARTALERTS")
	assert.False(t, ok)
	assert.Len(t, Actions, 13)
}
