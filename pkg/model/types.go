// Package model holds the data types shared across the analysis pipeline.
package model

// Item status at the end of a batch.
const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

// RawLog is one ingested payload keyed by its trace id.
type RawLog struct {
	TraceID string `json:"trace_id"`
	Content string `json:"content"`
}

// LogAnalysisResult is the per-log outcome of the Map stage.
type LogAnalysisResult struct {
	Summary   string    `json:"summary"`
	RiskLevel RiskLevel `json:"risk_level"`
	RootCause string    `json:"root_cause"`
	Solution  string    `json:"solution"`
}

// AnalysisResultItem pairs a task with its outcome once a batch completes.
// ResponseTimeMicros is measured from task ingestion to Map completion and is
// persisted in the response_time_ms column, which has always carried
// microseconds despite its name.
type AnalysisResultItem struct {
	TraceID            string            `json:"trace_id"`
	Result             LogAnalysisResult `json:"result"`
	ResponseTimeMicros int64             `json:"response_time_us"`
	Status             string            `json:"status"`
}
