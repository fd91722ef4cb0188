package analyzer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/logsentinel/logsentinel/pkg/model"
)

var (
	metricRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "logsentinel",
		Name:      "analyzer_request_duration_seconds",
		Help:      "Time spent on analyzer calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
	metricRequestFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "logsentinel",
		Name:      "analyzer_request_failures_total",
		Help:      "Failed analyzer calls.",
	}, []string{"operation"})
)

// ErrInvalidResponse marks analyzer replies that violate the wire schema.
var ErrInvalidResponse = errors.New("invalid analyzer response")

type batchEntry struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type analyzeRequest struct {
	Batch  []batchEntry `json:"batch"`
	APIKey string       `json:"api_key"`
	Model  string       `json:"model"`
	Prompt string       `json:"prompt"`
}

type analysisPayload struct {
	Summary   *string `json:"summary"`
	RiskLevel *string `json:"risk_level"`
	RootCause *string `json:"root_cause"`
	Solution  *string `json:"solution"`
}

type resultEntry struct {
	ID       *string          `json:"id"`
	Analysis *analysisPayload `json:"analysis"`
}

type analyzeResponse struct {
	Results []resultEntry `json:"results"`
}

type summarizeRequest struct {
	Results []model.LogAnalysisResult `json:"results"`
	APIKey  string                    `json:"api_key"`
	Model   string                    `json:"model"`
	Prompt  string                    `json:"prompt"`
}

type summarizeResponse struct {
	Summary *string `json:"summary"`
}

// Client is the HTTP implementation of Provider. It is stateless apart from
// the optional circuit breaker; every call builds an ephemeral request with
// its own timeout.
type Client struct {
	cfg    Config
	logger log.Logger

	analyzeClient   *http.Client
	summarizeClient *http.Client
	breaker         *gobreaker.CircuitBreaker
}

func NewClient(cfg Config, logger log.Logger) *Client {
	c := &Client{
		cfg:             cfg,
		logger:          log.With(logger, "component", "analyzer"),
		analyzeClient:   &http.Client{Timeout: cfg.AnalyzeTimeout},
		summarizeClient: &http.Client{Timeout: cfg.SummarizeTimeout},
	}

	if cfg.CircuitBreaker {
		threshold := uint32(cfg.FailureThreshold)
		if threshold == 0 {
			threshold = 5
		}
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "analyzer",
			Timeout: cfg.Cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				level.Warn(c.logger).Log("msg", "circuit breaker state change", "from", from.String(), "to", to.String())
			},
		})
	}

	return c
}

// AnalyzeBatch performs the Map call. Schema violations in the reply fail
// the whole call.
func (c *Client) AnalyzeBatch(ctx context.Context, logs []model.RawLog, opts CallOptions) (map[string]model.LogAnalysisResult, error) {
	req := analyzeRequest{
		Batch:  make([]batchEntry, 0, len(logs)),
		APIKey: opts.APIKey,
		Model:  opts.Model,
		Prompt: opts.Prompt,
	}
	for _, l := range logs {
		req.Batch = append(req.Batch, batchEntry{ID: l.TraceID, Text: l.Content})
	}

	url := fmt.Sprintf("%s/analyze/batch/%s", c.cfg.Endpoint, opts.Provider)

	var resp analyzeResponse
	err := c.call(ctx, c.analyzeClient, "analyze_batch", url, req, &resp)
	if err != nil {
		return nil, err
	}

	out := make(map[string]model.LogAnalysisResult, len(resp.Results))
	for i, r := range resp.Results {
		if r.ID == nil || r.Analysis == nil {
			return nil, errors.Wrapf(ErrInvalidResponse, "result %d missing id or analysis", i)
		}
		a := r.Analysis
		if a.Summary == nil || a.RiskLevel == nil || a.RootCause == nil || a.Solution == nil {
			return nil, errors.Wrapf(ErrInvalidResponse, "result %s has incomplete analysis", *r.ID)
		}
		if !model.ValidAnalyzerRiskLevel(*a.RiskLevel) {
			return nil, errors.Wrapf(ErrInvalidResponse, "result %s has invalid risk level %q", *r.ID, *a.RiskLevel)
		}
		out[*r.ID] = model.LogAnalysisResult{
			Summary:   *a.Summary,
			RiskLevel: model.RiskLevel(*a.RiskLevel),
			RootCause: *a.RootCause,
			Solution:  *a.Solution,
		}
	}
	return out, nil
}

// Summarize performs the Reduce call and returns the raw summary string. The
// caller parses it defensively.
func (c *Client) Summarize(ctx context.Context, results []model.LogAnalysisResult, opts CallOptions) (string, error) {
	req := summarizeRequest{
		Results: results,
		APIKey:  opts.APIKey,
		Model:   opts.Model,
		Prompt:  opts.Prompt,
	}

	url := fmt.Sprintf("%s/summarize/%s", c.cfg.Endpoint, opts.Provider)

	var resp summarizeResponse
	if err := c.call(ctx, c.summarizeClient, "summarize", url, req, &resp); err != nil {
		return "", err
	}
	if resp.Summary == nil {
		return "", errors.Wrap(ErrInvalidResponse, "summarize reply missing summary")
	}
	return *resp.Summary, nil
}

func (c *Client) call(ctx context.Context, client *http.Client, operation, url string, reqBody, respBody interface{}) error {
	do := func() error {
		timer := prometheus.NewTimer(metricRequestDuration.WithLabelValues(operation))
		defer timer.ObserveDuration()

		buf, err := jsoniter.Marshal(reqBody)
		if err != nil {
			return errors.Wrapf(err, "marshalling %s request", operation)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
		if err != nil {
			return errors.Wrapf(err, "building %s request", operation)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return errors.Wrapf(err, "calling %s", operation)
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		if resp.StatusCode != http.StatusOK {
			return errors.Errorf("%s returned status %d", operation, resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Wrapf(err, "reading %s reply", operation)
		}
		if err := jsoniter.Unmarshal(body, respBody); err != nil {
			return errors.Wrapf(ErrInvalidResponse, "decoding %s reply: %s", operation, err)
		}
		return nil
	}

	var err error
	if c.breaker != nil {
		_, err = c.breaker.Execute(func() (interface{}, error) {
			return nil, do()
		})
	} else {
		err = do()
	}
	if err != nil {
		metricRequestFailures.WithLabelValues(operation).Inc()
	}
	return err
}
