package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Config holds the complete screencraft configuration.
type Config struct {
	DataDir    string           `json:"data_dir" mapstructure:"data_dir"`
	Server     ServerConfig     `json:"server" mapstructure:"server"`
	Session    SessionConfig    `json:"session" mapstructure:"session"`
	Workflow   WorkflowConfig   `json:"workflow" mapstructure:"workflow"`
	Models     ModelsConfig     `json:"models" mapstructure:"models"`
	AI         AIConfig         `json:"ai" mapstructure:"ai"`
	Knowledge  KnowledgeConfig  `json:"knowledge" mapstructure:"knowledge"`
	Assets     AssetsConfig     `json:"assets" mapstructure:"assets"`
	Transcript TranscriptConfig `json:"transcript" mapstructure:"transcript"`
	Logging    LoggingConfig    `json:"logging" mapstructure:"logging"`
	Tracing    TracingConfig    `json:"tracing" mapstructure:"tracing"`
}

// ServerConfig configures the HTTP and websocket surface.
type ServerConfig struct {
	Host            string        `json:"host" mapstructure:"host"`
	Port            int           `json:"port" mapstructure:"port"`
	AllowedOrigins  []string      `json:"allowed_origins" mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	TurnsPerMinute  int           `json:"turns_per_minute" mapstructure:"turns_per_minute"` // per websocket client
}

// SessionConfig bounds how long idle conversations stay in memory.
type SessionConfig struct {
	TTL           time.Duration `json:"ttl" mapstructure:"ttl"`
	SweepSchedule string        `json:"sweep_schedule" mapstructure:"sweep_schedule"`
}

// WorkflowConfig tunes turn execution.
type WorkflowConfig struct {
	// MaxEditAttempts caps consecutive regenerations of one request; 0 means unbounded.
	MaxEditAttempts int `json:"max_edit_attempts" mapstructure:"max_edit_attempts"`
	MaxInputChars   int `json:"max_input_chars" mapstructure:"max_input_chars"`
	SummaryWords    int `json:"summary_words" mapstructure:"summary_words"`
}

// ModelsConfig selects the models behind each collaborator.
type ModelsConfig struct {
	Provider            string  `json:"provider" mapstructure:"provider"` // openai or anthropic
	ChatModel           string  `json:"chat_model" mapstructure:"chat_model"`
	Temperature         float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens           int     `json:"max_tokens" mapstructure:"max_tokens"`
	ImageModel          string  `json:"image_model" mapstructure:"image_model"`
	EmbeddingModel      string  `json:"embedding_model" mapstructure:"embedding_model"`
	EmbeddingDimensions int     `json:"embedding_dimensions" mapstructure:"embedding_dimensions"`
}

// AIConfig holds provider credentials.
type AIConfig struct {
	OpenAIKey     string `json:"openai_key" mapstructure:"openai_key"`
	OpenAIBaseURL string `json:"openai_base_url" mapstructure:"openai_base_url"`
	AnthropicKey  string `json:"anthropic_key" mapstructure:"anthropic_key"`
}

// KnowledgeConfig configures the screen knowledge base.
type KnowledgeConfig struct {
	DBPath        string  `json:"db_path" mapstructure:"db_path"`
	ScreensDir    string  `json:"screens_dir" mapstructure:"screens_dir"`
	Watch         bool    `json:"watch" mapstructure:"watch"`
	Limit         int     `json:"limit" mapstructure:"limit"`
	MinScore      float64 `json:"min_score" mapstructure:"min_score"`
	VectorWeight  float64 `json:"vector_weight" mapstructure:"vector_weight"`
	KeywordWeight float64 `json:"keyword_weight" mapstructure:"keyword_weight"`
}

// AssetsConfig locates source screens and generated edits.
type AssetsConfig struct {
	Root      string `json:"root" mapstructure:"root"`
	EditedDir string `json:"edited_dir" mapstructure:"edited_dir"`
}

// TranscriptConfig configures the JSONL conversation archive.
type TranscriptConfig struct {
	Dir string `json:"dir" mapstructure:"dir"` // empty disables the archive
	// Retention prunes transcripts untouched for longer; 0 keeps them forever.
	Retention     time.Duration `json:"retention" mapstructure:"retention"`
	PruneSchedule string        `json:"prune_schedule" mapstructure:"prune_schedule"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"`
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`
	Compress  bool   `json:"compress" mapstructure:"compress"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// TracingConfig controls OpenTelemetry.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		DataDir: "data",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			AllowedOrigins:  []string{"http://localhost:3000"},
			ShutdownTimeout: 15 * time.Second,
			TurnsPerMinute:  30,
		},
		Session: SessionConfig{
			TTL:           30 * time.Minute,
			SweepSchedule: "@every 1m",
		},
		Workflow: WorkflowConfig{
			MaxEditAttempts: 5,
			MaxInputChars:   4000,
			SummaryWords:    200,
		},
		Models: ModelsConfig{
			Provider:            "openai",
			ChatModel:           "gpt-4o-mini",
			Temperature:         0.7,
			MaxTokens:           1024,
			ImageModel:          "gpt-image-1",
			EmbeddingModel:      "text-embedding-3-small",
			EmbeddingDimensions: 1536,
		},
		Knowledge: KnowledgeConfig{
			Watch:         true,
			Limit:         3,
			MinScore:      0.2,
			VectorWeight:  0.7,
			KeywordWeight: 0.3,
		},
		Assets: AssetsConfig{
			Root: ".",
		},
		Transcript: TranscriptConfig{
			Retention:     30 * 24 * time.Hour,
			PruneSchedule: "@daily",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
		},
		Tracing: TracingConfig{
			Enabled:     true,
			ServiceName: "screencraft",
			SampleRatio: 1,
		},
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	v := NewValidator()
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.TurnsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("server.turns_per_minute cannot be negative"))
	}
	for _, origin := range c.Server.AllowedOrigins {
		if err := v.ValidateOrigin(origin); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Session.TTL <= 0 {
		errs = append(errs, fmt.Errorf("session.ttl must be positive"))
	}
	if err := v.ValidateSchedule("session.sweep_schedule", c.Session.SweepSchedule); err != nil {
		errs = append(errs, err)
	}

	if c.Workflow.MaxEditAttempts < 0 {
		errs = append(errs, fmt.Errorf("workflow.max_edit_attempts cannot be negative"))
	}
	if c.Workflow.MaxInputChars <= 0 {
		errs = append(errs, fmt.Errorf("workflow.max_input_chars must be positive"))
	}
	if c.Workflow.SummaryWords <= 0 {
		errs = append(errs, fmt.Errorf("workflow.summary_words must be positive"))
	}

	switch c.Models.Provider {
	case "openai":
	case "anthropic":
		if err := v.ValidateAPIKey(c.AI.AnthropicKey, "anthropic"); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("models.provider must be openai or anthropic, got %q", c.Models.Provider))
	}
	// image edits and embeddings always go through OpenAI
	if err := v.ValidateAPIKey(c.AI.OpenAIKey, "openai"); err != nil {
		errs = append(errs, err)
	}
	if c.Models.ChatModel == "" {
		errs = append(errs, fmt.Errorf("models.chat_model is required"))
	}
	if c.Models.Temperature < 0 || c.Models.Temperature > 2 {
		errs = append(errs, fmt.Errorf("models.temperature must be between 0 and 2"))
	}
	if c.Models.EmbeddingDimensions <= 0 {
		errs = append(errs, fmt.Errorf("models.embedding_dimensions must be positive"))
	}

	if c.Knowledge.DBPath == "" {
		errs = append(errs, fmt.Errorf("knowledge.db_path is required"))
	}
	if c.Knowledge.Limit <= 0 {
		errs = append(errs, fmt.Errorf("knowledge.limit must be positive"))
	}
	if c.Knowledge.MinScore < 0 || c.Knowledge.MinScore > 1 {
		errs = append(errs, fmt.Errorf("knowledge.min_score must be between 0 and 1"))
	}
	if c.Knowledge.VectorWeight < 0 || c.Knowledge.KeywordWeight < 0 ||
		c.Knowledge.VectorWeight+c.Knowledge.KeywordWeight == 0 {
		errs = append(errs, fmt.Errorf("knowledge weights must be non-negative and not both zero"))
	}

	if c.Transcript.Dir != "" && c.Transcript.Retention > 0 {
		if err := v.ValidateSchedule("transcript.prune_schedule", c.Transcript.PruneSchedule); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Assets.EditedDir == "" {
		errs = append(errs, fmt.Errorf("assets.edited_dir is required"))
	}

	return errors.Join(errs...)
}

// String renders the configuration as JSON with credentials masked.
func (c *Config) String() string {
	masked := *c
	masked.AI.OpenAIKey = mask(c.AI.OpenAIKey)
	masked.AI.AnthropicKey = mask(c.AI.AnthropicKey)

	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}
