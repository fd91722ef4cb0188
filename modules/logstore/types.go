package logstore

import "github.com/logsentinel/logsentinel/pkg/model"

// AlertInfo is one entry of the dashboard's recent-alerts list.
type AlertInfo struct {
	TraceID string `json:"trace_id"`
	Summary string `json:"summary"`
	Time    string `json:"time"`
}

// DashboardStats is the in-memory dashboard snapshot. Counters are
// cumulative and monotonically non-decreasing; QPS and Backpressure are live
// gauges refreshed by the batcher.
type DashboardStats struct {
	TotalLogs       int              `json:"total_logs"`
	Risk            model.RiskCounts `json:"risk_counts"`
	AvgResponseTime float64          `json:"avg_response_time"`
	RecentAlerts    []AlertInfo      `json:"recent_alerts"`
	QPS             float64          `json:"qps"`
	Backpressure    float64          `json:"backpressure"`
}

// HistoricalLogItem is one row of the paginated history view.
type HistoricalLogItem struct {
	TraceID     string `json:"trace_id" db:"trace_id"`
	RiskLevel   string `json:"risk_level" db:"risk_level"`
	Summary     string `json:"summary" db:"summary"`
	ProcessedAt string `json:"processed_at" db:"processed_at"`
}

// HistoryPage is the result of one history query.
type HistoryPage struct {
	Logs       []HistoricalLogItem `json:"logs"`
	TotalCount int                 `json:"total_count"`
}

// BatchSummary is the cross-batch narrative persisted once per batch.
type BatchSummary struct {
	GlobalSummary    string
	GlobalRiskLevel  model.RiskLevel
	KeyPatterns      string // JSON-encoded array
	Counts           model.RiskCounts
	TotalLogs        int
	ProcessingTimeMS int64
}
