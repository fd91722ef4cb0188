package analyzer

import (
	"context"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/logsentinel/logsentinel/pkg/model"
)

// Mock is an in-process Provider for development and tests. It classifies by
// keyword and never touches the network. Selected with ai_provider=mock.
type Mock struct{}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) AnalyzeBatch(_ context.Context, logs []model.RawLog, _ CallOptions) (map[string]model.LogAnalysisResult, error) {
	out := make(map[string]model.LogAnalysisResult, len(logs))
	for _, l := range logs {
		out[l.TraceID] = mockClassify(l.Content)
	}
	return out, nil
}

func (m *Mock) Summarize(_ context.Context, results []model.LogAnalysisResult, _ CallOptions) (string, error) {
	var counts model.RiskCounts
	for _, r := range results {
		counts.Add(r.RiskLevel)
	}

	risk := model.RiskSafe
	switch {
	case counts.Critical > 0:
		risk = model.RiskCritical
	case counts.Error > 0:
		risk = model.RiskError
	case counts.Warning > 0:
		risk = model.RiskWarning
	case counts.Info > 0:
		risk = model.RiskInfo
	}

	payload := map[string]interface{}{
		"global_summary":    fmt.Sprintf("Analyzed %d logs: %d critical, %d error, %d warning.", len(results), counts.Critical, counts.Error, counts.Warning),
		"global_risk_level": risk.String(),
		"key_patterns":      []string{},
	}
	buf, err := jsoniter.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func mockClassify(content string) model.LogAnalysisResult {
	lower := strings.ToLower(content)

	risk := model.RiskInfo
	summary := "Routine log entry detected."
	switch {
	case strings.Contains(lower, "critical") || strings.Contains(lower, "fatal"):
		risk = model.RiskCritical
		summary = "Critical failure detected in system components."
	case strings.Contains(lower, "error") || strings.Contains(lower, "fail") || strings.Contains(lower, "exception"):
		risk = model.RiskError
		summary = "Standard error detected during operation."
	case strings.Contains(lower, "warn"):
		risk = model.RiskWarning
		summary = "Warning condition detected."
	}

	snippet := content
	if len(snippet) > 30 {
		snippet = snippet[:30]
	}

	return model.LogAnalysisResult{
		Summary:   summary,
		RiskLevel: risk,
		RootCause: "Mocked root cause analysis for: " + snippet,
		Solution:  "Check logs and restart the affected service.",
	}
}
