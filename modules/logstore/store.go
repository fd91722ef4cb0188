package logstore

import (
	"database/sql"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/logsentinel/logsentinel/pkg/model"
)

const maxRecentAlerts = 5

const schema = `
CREATE TABLE IF NOT EXISTS raw_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id TEXT UNIQUE,
	log_content TEXT,
	received_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS batch_summaries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	global_summary TEXT,
	global_risk_level TEXT,
	key_patterns TEXT,
	total_logs INTEGER,
	cnt_critical INTEGER DEFAULT 0,
	cnt_error INTEGER DEFAULT 0,
	cnt_warning INTEGER DEFAULT 0,
	cnt_info INTEGER DEFAULT 0,
	cnt_safe INTEGER DEFAULT 0,
	cnt_unknown INTEGER DEFAULT 0,
	processing_time_ms INTEGER,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS analysis_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id TEXT UNIQUE,
	batch_id INTEGER REFERENCES batch_summaries(id),
	status TEXT,
	risk_level TEXT,
	summary TEXT,
	root_cause TEXT,
	solution TEXT,
	response_time_ms INTEGER,
	processed_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_analysis_results_processed_at ON analysis_results(processed_at);
`

// Store owns the log tables and the in-memory dashboard snapshot. SQL access
// is serialized by one mutex; the snapshot pointer is swapped under a second
// mutex so readers never wait on SQL.
type Store struct {
	db     *sqlx.DB
	logger log.Logger

	dbMtx sync.Mutex

	statsMtx sync.Mutex
	stats    *DashboardStats
}

// New creates the log tables if needed and seeds the dashboard snapshot from
// the persisted batch summaries.
func New(db *sqlx.DB, logger log.Logger) (*Store, error) {
	s := &Store{
		db:     db,
		logger: log.With(logger, "component", "logstore"),
		stats:  &DashboardStats{},
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "creating log tables")
	}

	if err := s.RebuildStats(); err != nil {
		return nil, errors.Wrap(err, "rebuilding dashboard stats")
	}

	return s, nil
}

// DashboardStats returns the current snapshot by value. O(1), no SQL.
func (s *Store) DashboardStats() DashboardStats {
	s.statsMtx.Lock()
	defer s.statsMtx.Unlock()
	return *s.stats
}

func (s *Store) publishStats(stats *DashboardStats) {
	s.statsMtx.Lock()
	defer s.statsMtx.Unlock()
	s.stats = stats
}

// copyStats returns a mutable copy of the current snapshot.
func (s *Store) copyStats() DashboardStats {
	s.statsMtx.Lock()
	defer s.statsMtx.Unlock()
	cp := *s.stats
	cp.RecentAlerts = append([]AlertInfo(nil), s.stats.RecentAlerts...)
	return cp
}

// SaveRawLogBatch persists the raw payloads in one transaction.
func (s *Store) SaveRawLogBatch(logs []model.RawLog) error {
	if len(logs) == 0 {
		return nil
	}

	s.dbMtx.Lock()
	defer s.dbMtx.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return errors.Wrap(err, "begin save raw logs")
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO raw_logs (trace_id, log_content) VALUES (?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare save raw logs")
	}
	defer stmt.Close()

	for _, l := range logs {
		if _, err := stmt.Exec(l.TraceID, l.Content); err != nil {
			return errors.Wrapf(err, "inserting raw log %s", l.TraceID)
		}
	}

	return errors.Wrap(tx.Commit(), "commit save raw logs")
}

// SaveBatchSummary inserts one summary row and returns its id.
func (s *Store) SaveBatchSummary(sum BatchSummary) (int64, error) {
	s.dbMtx.Lock()
	defer s.dbMtx.Unlock()

	res, err := s.db.Exec(
		`INSERT INTO batch_summaries
			(global_summary, global_risk_level, key_patterns, total_logs,
			 cnt_critical, cnt_error, cnt_warning, cnt_info, cnt_safe, cnt_unknown,
			 processing_time_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.GlobalSummary, sum.GlobalRiskLevel.String(), sum.KeyPatterns, sum.TotalLogs,
		sum.Counts.Critical, sum.Counts.Error, sum.Counts.Warning, sum.Counts.Info, sum.Counts.Safe, sum.Counts.Unknown,
		sum.ProcessingTimeMS,
	)
	if err != nil {
		return 0, errors.Wrap(err, "inserting batch summary")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "reading batch summary id")
	}
	return id, nil
}

// SaveAnalysisResultBatch persists the per-log outcomes in one transaction
// and, after commit, folds them into a fresh dashboard snapshot: counters
// accumulate, critical items are prepended to the recent-alerts list, and
// the running response-time average advances.
func (s *Store) SaveAnalysisResultBatch(items []model.AnalysisResultItem, batchID int64) error {
	if len(items) == 0 {
		return nil
	}

	s.dbMtx.Lock()

	tx, err := s.db.Beginx()
	if err != nil {
		s.dbMtx.Unlock()
		return errors.Wrap(err, "begin save analysis results")
	}

	stmt, err := tx.Prepare(
		`INSERT INTO analysis_results
			(trace_id, batch_id, status, risk_level, summary, root_cause, solution, response_time_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		s.dbMtx.Unlock()
		return errors.Wrap(err, "prepare save analysis results")
	}

	for _, it := range items {
		if _, err := stmt.Exec(
			it.TraceID, batchID, it.Status, it.Result.RiskLevel.String(),
			it.Result.Summary, it.Result.RootCause, it.Result.Solution,
			it.ResponseTimeMicros,
		); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			s.dbMtx.Unlock()
			return errors.Wrapf(err, "inserting analysis result %s", it.TraceID)
		}
	}
	_ = stmt.Close()

	if err := tx.Commit(); err != nil {
		s.dbMtx.Unlock()
		return errors.Wrap(err, "commit save analysis results")
	}
	s.dbMtx.Unlock()

	// fold the committed batch into a new snapshot
	cp := s.copyStats()

	var alerts []AlertInfo
	var rtSum int64
	for _, it := range items {
		cp.Risk.Add(it.Result.RiskLevel)
		rtSum += it.ResponseTimeMicros
		if it.Result.RiskLevel == model.RiskCritical {
			alerts = append(alerts, AlertInfo{
				TraceID: it.TraceID,
				Summary: it.Result.Summary,
			})
		}
	}

	oldTotal := cp.TotalLogs
	cp.TotalLogs += len(items)
	if cp.TotalLogs > 0 {
		cp.AvgResponseTime = (cp.AvgResponseTime*float64(oldTotal) + float64(rtSum)) / float64(cp.TotalLogs)
	}

	// newest first, bounded
	cp.RecentAlerts = append(alerts, cp.RecentAlerts...)
	if len(cp.RecentAlerts) > maxRecentAlerts {
		cp.RecentAlerts = cp.RecentAlerts[:maxRecentAlerts]
	}

	s.publishStats(&cp)
	return nil
}

// UpdateRealtimeMetrics refreshes only the two live gauges, copy-on-write.
func (s *Store) UpdateRealtimeMetrics(qps, backpressure float64) {
	cp := s.copyStats()
	cp.QPS = qps
	cp.Backpressure = backpressure
	s.publishStats(&cp)
}

// ResultByTraceID returns the analysis result for one trace id, or nil when
// the id is unknown.
func (s *Store) ResultByTraceID(traceID string) (*model.LogAnalysisResult, error) {
	s.dbMtx.Lock()
	defer s.dbMtx.Unlock()

	row := s.db.QueryRow(
		`SELECT summary, risk_level, root_cause, solution FROM analysis_results WHERE trace_id = ?`,
		traceID,
	)

	var res model.LogAnalysisResult
	var risk string
	err := row.Scan(&res.Summary, &risk, &res.RootCause, &res.Solution)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "querying result %s", traceID)
	}
	res.RiskLevel = model.ParseRiskLevel(risk)
	return &res, nil
}

// HistoricalLogs runs the count+page queries over analysis_results. Page and
// pageSize are clamped, the level filter matches case-insensitively and the
// keyword searches summary and trace id.
func (s *Store) HistoricalLogs(page, pageSize int, levelFilter, keyword string) (HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}

	var where []string
	var args []interface{}
	if levelFilter != "" {
		where = append(where, `LOWER(risk_level) = LOWER(?)`)
		args = append(args, levelFilter)
	}
	if keyword != "" {
		where = append(where, `(summary LIKE ? OR trace_id LIKE ?)`)
		like := "%" + keyword + "%"
		args = append(args, like, like)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	s.dbMtx.Lock()
	defer s.dbMtx.Unlock()

	out := HistoryPage{Logs: []HistoricalLogItem{}}

	if err := s.db.Get(&out.TotalCount, `SELECT COUNT(*) FROM analysis_results`+clause, args...); err != nil {
		return HistoryPage{}, errors.Wrap(err, "counting history rows")
	}

	pageArgs := append(append([]interface{}{}, args...), pageSize, (page-1)*pageSize)
	if err := s.db.Select(&out.Logs,
		`SELECT trace_id, risk_level, summary, processed_at FROM analysis_results`+clause+
			` ORDER BY processed_at DESC LIMIT ? OFFSET ?`,
		pageArgs...,
	); err != nil {
		return HistoryPage{}, errors.Wrap(err, "querying history page")
	}

	for i := range out.Logs {
		out.Logs[i].RiskLevel = model.ParseRiskLevel(out.Logs[i].RiskLevel).String()
	}

	return out, nil
}

// RebuildStats seeds the dashboard snapshot from the database: cumulative
// counters from batch_summaries, the running response-time average, and the
// last critical alerts.
func (s *Store) RebuildStats() error {
	s.dbMtx.Lock()
	defer s.dbMtx.Unlock()

	stats := DashboardStats{}

	row := s.db.QueryRow(
		`SELECT COALESCE(SUM(total_logs), 0),
			COALESCE(SUM(cnt_critical), 0), COALESCE(SUM(cnt_error), 0),
			COALESCE(SUM(cnt_warning), 0), COALESCE(SUM(cnt_info), 0),
			COALESCE(SUM(cnt_safe), 0), COALESCE(SUM(cnt_unknown), 0)
		 FROM batch_summaries`)
	if err := row.Scan(
		&stats.TotalLogs,
		&stats.Risk.Critical, &stats.Risk.Error,
		&stats.Risk.Warning, &stats.Risk.Info,
		&stats.Risk.Safe, &stats.Risk.Unknown,
	); err != nil {
		return errors.Wrap(err, "aggregating batch summaries")
	}

	if err := s.db.Get(&stats.AvgResponseTime,
		`SELECT COALESCE(AVG(response_time_ms), 0) FROM analysis_results`); err != nil {
		return errors.Wrap(err, "averaging response times")
	}

	rows, err := s.db.Queryx(
		`SELECT trace_id, summary, processed_at FROM analysis_results
		 WHERE LOWER(risk_level) = 'critical'
		 ORDER BY processed_at DESC LIMIT ?`, maxRecentAlerts)
	if err != nil {
		return errors.Wrap(err, "loading recent alerts")
	}
	defer rows.Close()
	for rows.Next() {
		var a AlertInfo
		if err := rows.Scan(&a.TraceID, &a.Summary, &a.Time); err != nil {
			return errors.Wrap(err, "scanning alert row")
		}
		stats.RecentAlerts = append(stats.RecentAlerts, a)
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterating alert rows")
	}

	s.publishStats(&stats)
	return nil
}
