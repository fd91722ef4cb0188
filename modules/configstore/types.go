package configstore

// Prompt types as stored and as accepted on the settings API.
const (
	PromptTypeMap    = "map"
	PromptTypeReduce = "reduce"
)

// AppConfig is the scalar portion of the runtime configuration. JSON tags
// match the app_config keys so the settings API round-trips them verbatim.
type AppConfig struct {
	Provider             string `json:"ai_provider"`
	Model                string `json:"ai_model"`
	APIKey               string `json:"ai_api_key"`
	AILanguage           string `json:"ai_language"`
	AppLanguage          string `json:"app_language"`
	LogRetentionDays     int    `json:"log_retention_days"`
	MaxDiskUsageGB       int    `json:"max_disk_usage_gb"`
	HTTPPort             int    `json:"http_port"`
	AutoDegrade          bool   `json:"ai_auto_degrade"`
	FallbackModel        string `json:"ai_fallback_model"`
	CircuitBreaker       bool   `json:"ai_circuit_breaker"`
	FailureThreshold     int    `json:"ai_failure_threshold"`
	CooldownSeconds      int    `json:"ai_cooldown_seconds"`
	ActiveMapPromptID    int64  `json:"active_map_prompt_id"`
	ActiveReducePromptID int64  `json:"active_reduce_prompt_id"`
	AdaptiveMode         bool   `json:"kernel_adaptive_mode"`
	MaxBatch             int    `json:"kernel_max_batch"`
	RefreshIntervalMS    int    `json:"kernel_refresh_interval"`
	WorkerThreads        int    `json:"kernel_worker_threads"`
	IOBuffer             string `json:"kernel_io_buffer"`
}

func defaultAppConfig() AppConfig {
	return AppConfig{
		Provider:          "openai",
		Model:             "gpt-4-turbo",
		AILanguage:        "English",
		AppLanguage:       "en",
		LogRetentionDays:  7,
		MaxDiskUsageGB:    1,
		HTTPPort:          8080,
		FallbackModel:     "local-mock",
		CircuitBreaker:    true,
		FailureThreshold:  5,
		CooldownSeconds:   60,
		AdaptiveMode:      true,
		MaxBatch:          50,
		RefreshIntervalMS: 200,
		WorkerThreads:     4,
		IOBuffer:          "256MB",
	}
}

// PromptConfig is one Map or Reduce prompt. IDs on the API surface live in a
// single flat space; see promptid.go.
type PromptConfig struct {
	ID       int64  `json:"id" db:"id"`
	Name     string `json:"name" db:"name"`
	Content  string `json:"content" db:"content"`
	IsActive bool   `json:"is_active" db:"is_active"`
	Type     string `json:"type" db:"-"`
}

// AlertChannel is one outbound webhook destination.
type AlertChannel struct {
	ID             int64  `json:"id" db:"id"`
	Name           string `json:"name" db:"name"`
	Provider       string `json:"provider" db:"provider"`
	WebhookURL     string `json:"webhook_url" db:"webhook_url"`
	AlertThreshold string `json:"alert_threshold" db:"alert_threshold"`
	MsgTemplate    string `json:"msg_template" db:"msg_template"`
	IsActive       bool   `json:"is_active" db:"is_active"`
}

// AllSettings is the aggregate served by GET /settings/all.
type AllSettings struct {
	Config   AppConfig      `json:"config"`
	Prompts  []PromptConfig `json:"prompts"`
	Channels []AlertChannel `json:"channels"`
}

// SystemConfig is an immutable snapshot of the full runtime configuration.
// It is shared by pointer and never mutated after construction; the active
// prompt contents are resolved once here so the hot path reads them O(1).
type SystemConfig struct {
	App           AppConfig
	MapPrompts    []PromptConfig
	ReducePrompts []PromptConfig
	Channels      []AlertChannel

	ActiveMapPrompt    string
	ActiveReducePrompt string
}

func newSystemConfig(app AppConfig, mapPrompts, reducePrompts []PromptConfig, channels []AlertChannel) *SystemConfig {
	return &SystemConfig{
		App:                app,
		MapPrompts:         mapPrompts,
		ReducePrompts:      reducePrompts,
		Channels:           channels,
		ActiveMapPrompt:    resolvePrompt(mapPrompts, app.ActiveMapPromptID),
		ActiveReducePrompt: resolvePrompt(reducePrompts, app.ActiveReducePromptID),
	}
}

// resolvePrompt picks the prompt matching id, falling back to the first
// active entry, then to the empty string.
func resolvePrompt(prompts []PromptConfig, id int64) string {
	for _, p := range prompts {
		if p.ID == id {
			return p.Content
		}
	}
	for _, p := range prompts {
		if p.IsActive {
			return p.Content
		}
	}
	return ""
}

// ActiveChannels returns the channels enabled for notification.
func (c *SystemConfig) ActiveChannels() []AlertChannel {
	var active []AlertChannel
	for _, ch := range c.Channels {
		if ch.IsActive {
			active = append(active, ch)
		}
	}
	return active
}
