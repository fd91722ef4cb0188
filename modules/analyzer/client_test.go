package analyzer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"

	"github.com/logsentinel/logsentinel/pkg/model"
)

func testClient(endpoint string) *Client {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", nil)
	cfg.Endpoint = endpoint
	cfg.CircuitBreaker = false
	return NewClient(cfg, log.NewNopLogger())
}

func testOpts() CallOptions {
	return CallOptions{Provider: "openai", APIKey: "key", Model: "gpt-4-turbo", Prompt: "classify"}
}

func TestAnalyzeBatch(t *testing.T) {
	var gotPath string
	var gotBody analyzeRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, jsoniter.NewDecoder(r.Body).Decode(&gotBody))

		_, _ = w.Write([]byte(`{"results":[
			{"id":"t1","analysis":{"summary":"disk full","risk_level":"critical","root_cause":"no space","solution":"clean up"}},
			{"id":"t2","analysis":{"summary":"fine","risk_level":"safe","root_cause":"-","solution":"-"}}
		]}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	res, err := c.AnalyzeBatch(context.Background(), []model.RawLog{
		{TraceID: "t1", Content: "disk err"},
		{TraceID: "t2", Content: "ok"},
	}, testOpts())
	require.NoError(t, err)

	require.Equal(t, "/analyze/batch/openai", gotPath)
	require.Len(t, gotBody.Batch, 2)
	require.Equal(t, "t1", gotBody.Batch[0].ID)
	require.Equal(t, "disk err", gotBody.Batch[0].Text)
	require.Equal(t, "key", gotBody.APIKey)
	require.Equal(t, "gpt-4-turbo", gotBody.Model)
	require.Equal(t, "classify", gotBody.Prompt)

	require.Len(t, res, 2)
	require.Equal(t, model.RiskCritical, res["t1"].RiskLevel)
	require.Equal(t, "disk full", res["t1"].Summary)
	require.Equal(t, model.RiskSafe, res["t2"].RiskLevel)
}

func TestAnalyzeBatchSchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing analysis", `{"results":[{"id":"t1"}]}`},
		{"missing field", `{"results":[{"id":"t1","analysis":{"summary":"s","risk_level":"safe","root_cause":"r"}}]}`},
		{"invalid risk level", `{"results":[{"id":"t1","analysis":{"summary":"s","risk_level":"high","root_cause":"r","solution":"x"}}]}`},
		{"unknown not allowed from analyzer", `{"results":[{"id":"t1","analysis":{"summary":"s","risk_level":"unknown","root_cause":"r","solution":"x"}}]}`},
		{"missing id", `{"results":[{"analysis":{"summary":"s","risk_level":"safe","root_cause":"r","solution":"x"}}]}`},
		{"not json", `nope`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := testClient(srv.URL).AnalyzeBatch(context.Background(), []model.RawLog{{TraceID: "t1", Content: "x"}}, testOpts())
			require.Error(t, err)
		})
	}
}

func TestAnalyzeBatchNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).AnalyzeBatch(context.Background(), []model.RawLog{{TraceID: "t1", Content: "x"}}, testOpts())
	require.Error(t, err)
}

func TestSummarize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/summarize/openai", r.URL.Path)

		var req summarizeRequest
		require.NoError(t, jsoniter.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Results, 1)

		_, _ = w.Write([]byte(`{"summary":"{\"global_summary\":\"all good\",\"global_risk_level\":\"safe\",\"key_patterns\":[]}"}`))
	}))
	defer srv.Close()

	out, err := testClient(srv.URL).Summarize(context.Background(), []model.LogAnalysisResult{
		{Summary: "s", RiskLevel: model.RiskSafe},
	}, testOpts())
	require.NoError(t, err)
	require.Contains(t, out, "all good")
}

func TestSummarizeMissingSummaryField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Summarize(context.Background(), nil, testOpts())
	require.Error(t, err)
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", nil)
	cfg.Endpoint = srv.URL
	cfg.CircuitBreaker = true
	cfg.FailureThreshold = 3
	cfg.Cooldown = time.Minute
	c := NewClient(cfg, log.NewNopLogger())

	logs := []model.RawLog{{TraceID: "t1", Content: "x"}}
	for i := 0; i < 5; i++ {
		_, err := c.AnalyzeBatch(context.Background(), logs, testOpts())
		require.Error(t, err)
	}

	// the breaker opened after the third failure, later calls never hit the wire
	require.Equal(t, 3, hits)
}

func TestMockClassifiesByKeyword(t *testing.T) {
	m := NewMock()

	res, err := m.AnalyzeBatch(context.Background(), []model.RawLog{
		{TraceID: "t1", Content: "FATAL: kernel panic"},
		{TraceID: "t2", Content: "error: connection refused"},
		{TraceID: "t3", Content: "warn: disk at 80%"},
		{TraceID: "t4", Content: "request served"},
	}, CallOptions{})
	require.NoError(t, err)

	require.Equal(t, model.RiskCritical, res["t1"].RiskLevel)
	require.Equal(t, model.RiskError, res["t2"].RiskLevel)
	require.Equal(t, model.RiskWarning, res["t3"].RiskLevel)
	require.Equal(t, model.RiskInfo, res["t4"].RiskLevel)
}

func TestMockSummarizeEncodesReducePayload(t *testing.T) {
	m := NewMock()

	out, err := m.Summarize(context.Background(), []model.LogAnalysisResult{
		{RiskLevel: model.RiskCritical},
		{RiskLevel: model.RiskSafe},
	}, CallOptions{})
	require.NoError(t, err)

	var payload struct {
		GlobalSummary   string   `json:"global_summary"`
		GlobalRiskLevel string   `json:"global_risk_level"`
		KeyPatterns     []string `json:"key_patterns"`
	}
	require.NoError(t, jsoniter.UnmarshalFromString(out, &payload))
	require.Equal(t, "critical", payload.GlobalRiskLevel)
	require.NotEmpty(t, payload.GlobalSummary)
	require.NotNil(t, payload.KeyPatterns)
}
