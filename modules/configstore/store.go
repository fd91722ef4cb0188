package configstore

import (
	"sort"
	"strconv"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS app_config (
	config_key TEXT PRIMARY KEY,
	config_value TEXT,
	description TEXT,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS map_prompts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	content TEXT NOT NULL,
	is_active INTEGER DEFAULT 1,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS reduce_prompts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	content TEXT NOT NULL,
	is_active INTEGER DEFAULT 1,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS alert_channels (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	provider TEXT NOT NULL,
	webhook_url TEXT NOT NULL,
	alert_threshold TEXT NOT NULL,
	msg_template TEXT,
	is_active INTEGER DEFAULT 0,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
INSERT OR IGNORE INTO app_config (config_key, config_value, description) VALUES
	('ai_provider', 'openai', 'AI provider type'),
	('ai_model', 'gpt-4-turbo', 'Model name'),
	('ai_api_key', '', 'API key'),
	('ai_language', 'English', 'Analysis output language'),
	('app_language', 'en', 'UI language'),
	('log_retention_days', '7', 'Log retention in days'),
	('max_disk_usage_gb', '1', 'Max disk usage in GB'),
	('http_port', '8080', 'HTTP listen port'),
	('ai_auto_degrade', '0', 'Auto degrade switch'),
	('ai_fallback_model', 'local-mock', 'Fallback model name'),
	('ai_circuit_breaker', '1', 'Circuit breaker switch'),
	('ai_failure_threshold', '5', 'Failures before the breaker opens'),
	('ai_cooldown_seconds', '60', 'Breaker cooldown in seconds'),
	('active_map_prompt_id', '0', 'Active map prompt id'),
	('active_reduce_prompt_id', '0', 'Active reduce prompt id'),
	('kernel_adaptive_mode', '1', 'Adaptive micro-batch switch 1/0'),
	('kernel_max_batch', '50', 'Max batch size'),
	('kernel_refresh_interval', '200', 'Batch poll interval in ms'),
	('kernel_worker_threads', '4', 'Worker thread count'),
	('kernel_io_buffer', '256MB', 'IO buffer size');
`

// Store persists the runtime configuration in SQLite and serves it as an
// immutable SystemConfig snapshot. Readers grab the current pointer under a
// short critical section; writers build a new snapshot inside a transaction
// and swap the pointer only after commit.
type Store struct {
	db     *sqlx.DB
	logger log.Logger

	// serializes update operations against each other
	writeMtx sync.Mutex

	snapshotMtx sync.Mutex
	snapshot    *SystemConfig
}

// New creates the configuration tables if needed, seeds the default
// app_config rows and loads the initial snapshot.
func New(db *sqlx.DB, logger log.Logger) (*Store, error) {
	s := &Store{
		db:     db,
		logger: log.With(logger, "component", "configstore"),
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "creating config tables")
	}

	snap, err := s.load()
	if err != nil {
		return nil, errors.Wrap(err, "loading config snapshot")
	}
	s.snapshot = snap

	return s, nil
}

// Snapshot returns the current immutable configuration. It never fails.
func (s *Store) Snapshot() *SystemConfig {
	s.snapshotMtx.Lock()
	defer s.snapshotMtx.Unlock()
	return s.snapshot
}

func (s *Store) publish(snap *SystemConfig) {
	s.snapshotMtx.Lock()
	defer s.snapshotMtx.Unlock()
	s.snapshot = snap
}

// AppConfig returns the scalar config of the current snapshot.
func (s *Store) AppConfig() AppConfig {
	return s.Snapshot().App
}

// AllPrompts returns Map and Reduce prompts as one list in the flat external
// id space.
func (s *Store) AllPrompts() []PromptConfig {
	snap := s.Snapshot()
	out := make([]PromptConfig, 0, len(snap.MapPrompts)+len(snap.ReducePrompts))
	for _, p := range snap.MapPrompts {
		p.Type = PromptTypeMap
		out = append(out, p)
	}
	for _, p := range snap.ReducePrompts {
		p.ID = externalPromptID(p.ID, PromptTypeReduce)
		p.Type = PromptTypeReduce
		out = append(out, p)
	}
	return out
}

// AllChannels returns the alert channels of the current snapshot.
func (s *Store) AllChannels() []AlertChannel {
	snap := s.Snapshot()
	out := make([]AlertChannel, len(snap.Channels))
	copy(out, snap.Channels)
	return out
}

// AllSettings returns the aggregate for the settings API.
func (s *Store) AllSettings() AllSettings {
	snap := s.Snapshot()
	return AllSettings{
		Config:   snap.App,
		Prompts:  s.AllPrompts(),
		Channels: append([]AlertChannel(nil), snap.Channels...),
	}
}

// UpdateAppConfig writes a subset of app_config keys transactionally and
// publishes a new snapshot on success. Unknown keys are skipped with a
// warning; values that fail to parse keep the previous in-memory value.
func (s *Store) UpdateAppConfig(items map[string]string) error {
	s.writeMtx.Lock()
	defer s.writeMtx.Unlock()

	old := s.Snapshot()
	clone := old.App

	tx, err := s.db.Beginx()
	if err != nil {
		return errors.Wrap(err, "begin update app config")
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE app_config SET config_value=?, updated_at=CURRENT_TIMESTAMP WHERE config_key=?`)
	if err != nil {
		return errors.Wrap(err, "prepare update app config")
	}
	defer stmt.Close()

	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		val := items[key]
		if !s.applyValue(&clone, key, val) {
			continue
		}
		// the reduce prompt id arrives in the external flat space
		if key == "active_reduce_prompt_id" {
			val = strconv.FormatInt(clone.ActiveReducePromptID, 10)
		}
		if _, err := stmt.Exec(val, key); err != nil {
			return errors.Wrapf(err, "updating config key %s", key)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit update app config")
	}

	s.publish(newSystemConfig(clone, old.MapPrompts, old.ReducePrompts, old.Channels))
	return nil
}

// applyValue folds one key/value pair into cfg. It reports whether the key
// is known; parse failures leave the previous value in place.
func (s *Store) applyValue(cfg *AppConfig, key, val string) bool {
	atoi := func(dst *int) {
		n, err := strconv.Atoi(val)
		if err != nil {
			level.Warn(s.logger).Log("msg", "invalid numeric config value, keeping previous", "key", key, "value", val)
			return
		}
		*dst = n
	}
	parseBool := func(dst *bool) {
		*dst = val == "1" || val == "true" || val == "TRUE"
	}

	switch key {
	case "ai_provider":
		cfg.Provider = val
	case "ai_model":
		cfg.Model = val
	case "ai_api_key":
		cfg.APIKey = val
	case "ai_language":
		cfg.AILanguage = val
	case "app_language":
		cfg.AppLanguage = val
	case "ai_fallback_model":
		cfg.FallbackModel = val
	case "kernel_io_buffer":
		cfg.IOBuffer = val
	case "log_retention_days":
		atoi(&cfg.LogRetentionDays)
	case "max_disk_usage_gb":
		atoi(&cfg.MaxDiskUsageGB)
	case "http_port":
		atoi(&cfg.HTTPPort)
	case "ai_failure_threshold":
		atoi(&cfg.FailureThreshold)
	case "ai_cooldown_seconds":
		atoi(&cfg.CooldownSeconds)
	case "kernel_max_batch":
		atoi(&cfg.MaxBatch)
	case "kernel_refresh_interval":
		atoi(&cfg.RefreshIntervalMS)
	case "kernel_worker_threads":
		atoi(&cfg.WorkerThreads)
	case "active_map_prompt_id":
		id, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			level.Warn(s.logger).Log("msg", "invalid prompt id, keeping previous", "key", key, "value", val)
			return true
		}
		cfg.ActiveMapPromptID = id
	case "active_reduce_prompt_id":
		ext, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			level.Warn(s.logger).Log("msg", "invalid prompt id, keeping previous", "key", key, "value", val)
			return true
		}
		internal, _ := parseExternalPromptID(ext)
		cfg.ActiveReducePromptID = internal
	case "ai_auto_degrade":
		parseBool(&cfg.AutoDegrade)
	case "ai_circuit_breaker":
		parseBool(&cfg.CircuitBreaker)
	case "kernel_adaptive_mode":
		parseBool(&cfg.AdaptiveMode)
	default:
		level.Warn(s.logger).Log("msg", "ignoring unknown config key", "key", key)
		return false
	}
	return true
}

// UpdatePrompts applies upsert-and-prune semantics to the prompt tables:
// items with id > 0 are updates, id <= 0 inserts, and rows absent from the
// input are deleted. Map and Reduce lists are handled separately by the
// item's type field.
func (s *Store) UpdatePrompts(prompts []PromptConfig) error {
	s.writeMtx.Lock()
	defer s.writeMtx.Unlock()

	var mapIn, reduceIn []PromptConfig
	for _, p := range prompts {
		if p.ID > 0 {
			internal, typ := parseExternalPromptID(p.ID)
			p.ID = internal
			if p.Type == "" {
				p.Type = typ
			}
		}
		if p.Type == PromptTypeReduce {
			reduceIn = append(reduceIn, p)
		} else {
			mapIn = append(mapIn, p)
		}
	}

	old := s.Snapshot()

	tx, err := s.db.Beginx()
	if err != nil {
		return errors.Wrap(err, "begin update prompts")
	}
	defer tx.Rollback()

	newMap, err := upsertAndPrunePrompts(tx, "map_prompts", mapIn)
	if err != nil {
		return err
	}
	newReduce, err := upsertAndPrunePrompts(tx, "reduce_prompts", reduceIn)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit update prompts")
	}

	s.publish(newSystemConfig(old.App, newMap, newReduce, old.Channels))
	return nil
}

func upsertAndPrunePrompts(tx *sqlx.Tx, table string, in []PromptConfig) ([]PromptConfig, error) {
	out := make([]PromptConfig, 0, len(in))
	kept := make([]int64, 0, len(in))

	for _, p := range in {
		if p.ID > 0 {
			if _, err := tx.Exec(
				`UPDATE `+table+` SET name=?, content=?, is_active=? WHERE id=?`,
				p.Name, p.Content, p.IsActive, p.ID,
			); err != nil {
				return nil, errors.Wrapf(err, "updating prompt %d in %s", p.ID, table)
			}
		} else {
			res, err := tx.Exec(
				`INSERT INTO `+table+` (name, content, is_active) VALUES (?, ?, ?)`,
				p.Name, p.Content, p.IsActive,
			)
			if err != nil {
				return nil, errors.Wrapf(err, "inserting prompt %q into %s", p.Name, table)
			}
			p.ID, err = res.LastInsertId()
			if err != nil {
				return nil, errors.Wrap(err, "reading inserted prompt id")
			}
		}
		kept = append(kept, p.ID)
		out = append(out, p)
	}

	if err := pruneTable(tx, table, kept); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateChannels applies the same upsert-and-prune policy to alert_channels.
func (s *Store) UpdateChannels(channels []AlertChannel) error {
	s.writeMtx.Lock()
	defer s.writeMtx.Unlock()

	old := s.Snapshot()

	tx, err := s.db.Beginx()
	if err != nil {
		return errors.Wrap(err, "begin update channels")
	}
	defer tx.Rollback()

	out := make([]AlertChannel, 0, len(channels))
	kept := make([]int64, 0, len(channels))

	for _, ch := range channels {
		if ch.ID > 0 {
			if _, err := tx.Exec(
				`UPDATE alert_channels SET name=?, provider=?, webhook_url=?, alert_threshold=?, msg_template=?, is_active=? WHERE id=?`,
				ch.Name, ch.Provider, ch.WebhookURL, ch.AlertThreshold, ch.MsgTemplate, ch.IsActive, ch.ID,
			); err != nil {
				return errors.Wrapf(err, "updating channel %d", ch.ID)
			}
		} else {
			res, err := tx.Exec(
				`INSERT INTO alert_channels (name, provider, webhook_url, alert_threshold, msg_template, is_active) VALUES (?, ?, ?, ?, ?, ?)`,
				ch.Name, ch.Provider, ch.WebhookURL, ch.AlertThreshold, ch.MsgTemplate, ch.IsActive,
			)
			if err != nil {
				return errors.Wrapf(err, "inserting channel %q", ch.Name)
			}
			ch.ID, err = res.LastInsertId()
			if err != nil {
				return errors.Wrap(err, "reading inserted channel id")
			}
		}
		kept = append(kept, ch.ID)
		out = append(out, ch)
	}

	if err := pruneTable(tx, "alert_channels", kept); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit update channels")
	}

	s.publish(newSystemConfig(old.App, old.MapPrompts, old.ReducePrompts, out))
	return nil
}

func pruneTable(tx *sqlx.Tx, table string, kept []int64) error {
	if len(kept) == 0 {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return errors.Wrapf(err, "clearing %s", table)
		}
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM `+table+` WHERE id NOT IN (?)`, kept)
	if err != nil {
		return errors.Wrapf(err, "building prune for %s", table)
	}
	if _, err := tx.Exec(query, args...); err != nil {
		return errors.Wrapf(err, "pruning %s", table)
	}
	return nil
}

func (s *Store) load() (*SystemConfig, error) {
	app := defaultAppConfig()

	rows, err := s.db.Queryx(`SELECT config_key, config_value FROM app_config`)
	if err != nil {
		return nil, errors.Wrap(err, "reading app_config")
	}
	defer rows.Close()
	for rows.Next() {
		var key, val string
		if err := rows.Scan(&key, &val); err != nil {
			return nil, errors.Wrap(err, "scanning app_config row")
		}
		s.applyValue(&app, key, val)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating app_config")
	}

	var mapPrompts, reducePrompts []PromptConfig
	if err := s.db.Select(&mapPrompts, `SELECT id, name, content, is_active FROM map_prompts ORDER BY id`); err != nil {
		return nil, errors.Wrap(err, "reading map_prompts")
	}
	if err := s.db.Select(&reducePrompts, `SELECT id, name, content, is_active FROM reduce_prompts ORDER BY id`); err != nil {
		return nil, errors.Wrap(err, "reading reduce_prompts")
	}

	var channels []AlertChannel
	if err := s.db.Select(&channels, `SELECT id, name, provider, webhook_url, alert_threshold, COALESCE(msg_template, '') AS msg_template, is_active FROM alert_channels ORDER BY id`); err != nil {
		return nil, errors.Wrap(err, "reading alert_channels")
	}

	return newSystemConfig(app, mapPrompts, reducePrompts, channels), nil
}
