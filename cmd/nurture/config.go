package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v3"

	"github.com/rendis/nurture/internal/engine"
)

// Config holds all nurture server configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	ListenAddr    string `json:"listen_addr" validate:"required"`
	Transport     string `json:"transport" validate:"oneof=http stdio"`
	DBPath        string `json:"db_path" validate:"required"`
	LogLevel      string `json:"log_level" validate:"oneof=debug info warn error"`
	LogFormat     string `json:"log_format" validate:"oneof=text json"`
	PoolSize      int    `json:"pool_size" validate:"min=1"`
	SweepSchedule string `json:"sweep_schedule" validate:"required"`
	SweepBatch    int    `json:"sweep_batch" validate:"min=1"`

	StepTimeout      string `json:"step_timeout" validate:"duration"`
	CallTimeout      string `json:"call_timeout" validate:"duration"`
	MaxSteps         int    `json:"max_steps" validate:"min=1"`
	MessageRetries   int    `json:"message_retries" validate:"min=0"`
	ConditionRetries int    `json:"condition_retries" validate:"min=0"`
	DeliveryPolicy   string `json:"delivery_policy" validate:"oneof=continue halt"`

	Channel      string   `json:"channel" validate:"oneof=gochannel kafka"`
	KafkaBrokers []string `json:"kafka_brokers,omitempty" validate:"required_if=Channel kafka"`
	StageTopic   string   `json:"stage_topic" validate:"required"`
	EventsTopic  string   `json:"events_topic" validate:"required"`

	SendURL   string `json:"send_url,omitempty" validate:"omitempty,url"`
	SendToken string `json:"send_token,omitempty"`

	AIURL      string `json:"ai_url,omitempty" validate:"omitempty,url"`
	AIKey      string `json:"ai_key,omitempty"`
	AIModel    string `json:"ai_model,omitempty"`
	AITextPath string `json:"ai_text_path,omitempty"`

	OTelEndpoint string `json:"otel_endpoint,omitempty"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:       ":4200",
		Transport:        "http",
		DBPath:           filepath.Join(nurtureDir(), "nurture.db"),
		LogLevel:         "info",
		LogFormat:        "text",
		PoolSize:         10,
		SweepSchedule:    "@every 30s",
		SweepBatch:       100,
		StepTimeout:      "2m",
		CallTimeout:      "30s",
		MaxSteps:         50,
		MessageRetries:   3,
		ConditionRetries: 5,
		DeliveryPolicy:   string(engine.DeliveryContinue),
		Channel:          "gochannel",
		StageTopic:       "nurture.stage_entries",
		EventsTopic:      "nurture.executions",
	}
}

func nurtureDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nurture"
	}
	return filepath.Join(home, ".nurture")
}

func settingsPath() string {
	return filepath.Join(nurtureDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(nurtureDir(), "nurture.pid")
}

// loadSettings layers path over the defaults. A missing file is not an error.
func loadSettings(path string) (Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// applyFlags overrides cfg with every flag set on the command line or
// through its NURTURE_* variable.
func applyFlags(cfg *Config, cmd *cli.Command) {
	strs := map[string]*string{
		"listen-addr":     &cfg.ListenAddr,
		"transport":       &cfg.Transport,
		"db-path":         &cfg.DBPath,
		"log-level":       &cfg.LogLevel,
		"log-format":      &cfg.LogFormat,
		"sweep-schedule":  &cfg.SweepSchedule,
		"step-timeout":    &cfg.StepTimeout,
		"call-timeout":    &cfg.CallTimeout,
		"delivery-policy": &cfg.DeliveryPolicy,
		"channel":         &cfg.Channel,
		"stage-topic":     &cfg.StageTopic,
		"events-topic":    &cfg.EventsTopic,
		"send-url":        &cfg.SendURL,
		"send-token":      &cfg.SendToken,
		"ai-url":          &cfg.AIURL,
		"ai-key":          &cfg.AIKey,
		"ai-model":        &cfg.AIModel,
		"ai-text-path":    &cfg.AITextPath,
		"otel-endpoint":   &cfg.OTelEndpoint,
	}
	for name, dst := range strs {
		if cmd.IsSet(name) {
			*dst = cmd.String(name)
		}
	}

	ints := map[string]*int{
		"pool-size":         &cfg.PoolSize,
		"sweep-batch":       &cfg.SweepBatch,
		"max-steps":         &cfg.MaxSteps,
		"message-retries":   &cfg.MessageRetries,
		"condition-retries": &cfg.ConditionRetries,
	}
	for name, dst := range ints {
		if cmd.IsSet(name) {
			*dst = cmd.Int(name)
		}
	}

	if cmd.IsSet("kafka-brokers") {
		cfg.KafkaBrokers = splitList(cmd.StringSlice("kafka-brokers"))
	}
}

// splitList flattens comma-separated entries and drops blanks.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func configFlags() []cli.Flag {
	d := defaultConfig()
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "settings file", Value: settingsPath(), Sources: cli.EnvVars("NURTURE_CONFIG")},
		&cli.StringFlag{Name: "listen-addr", Usage: "HTTP listen address", Value: d.ListenAddr, Sources: cli.EnvVars("NURTURE_LISTEN_ADDR")},
		&cli.StringFlag{Name: "transport", Usage: "MCP transport (http, stdio)", Value: d.Transport, Sources: cli.EnvVars("NURTURE_TRANSPORT")},
		&cli.StringFlag{Name: "db-path", Usage: "database path", Value: d.DBPath, Sources: cli.EnvVars("NURTURE_DB_PATH")},
		&cli.StringFlag{Name: "log-level", Usage: "log level (debug, info, warn, error)", Value: d.LogLevel, Sources: cli.EnvVars("NURTURE_LOG_LEVEL")},
		&cli.StringFlag{Name: "log-format", Usage: "log format (text, json)", Value: d.LogFormat, Sources: cli.EnvVars("NURTURE_LOG_FORMAT")},
		&cli.IntFlag{Name: "pool-size", Usage: "worker pool size", Value: d.PoolSize, Sources: cli.EnvVars("NURTURE_POOL_SIZE")},
		&cli.StringFlag{Name: "sweep-schedule", Usage: "cron expression or @every interval for the due sweep", Value: d.SweepSchedule, Sources: cli.EnvVars("NURTURE_SWEEP_SCHEDULE")},
		&cli.IntFlag{Name: "sweep-batch", Usage: "executions resumed per sweep", Value: d.SweepBatch, Sources: cli.EnvVars("NURTURE_SWEEP_BATCH")},
		&cli.StringFlag{Name: "step-timeout", Usage: "bound on one start or resume call", Value: d.StepTimeout, Sources: cli.EnvVars("NURTURE_STEP_TIMEOUT")},
		&cli.StringFlag{Name: "call-timeout", Usage: "bound on each send, draft or condition call", Value: d.CallTimeout, Sources: cli.EnvVars("NURTURE_CALL_TIMEOUT")},
		&cli.IntFlag{Name: "max-steps", Usage: "nodes processed per invocation", Value: d.MaxSteps, Sources: cli.EnvVars("NURTURE_MAX_STEPS")},
		&cli.IntFlag{Name: "message-retries", Usage: "send retries within a message step", Value: d.MessageRetries, Sources: cli.EnvVars("NURTURE_MESSAGE_RETRIES")},
		&cli.IntFlag{Name: "condition-retries", Usage: "failed evaluations tolerated per condition", Value: d.ConditionRetries, Sources: cli.EnvVars("NURTURE_CONDITION_RETRIES")},
		&cli.StringFlag{Name: "delivery-policy", Usage: "on send failure: continue or halt", Value: d.DeliveryPolicy, Sources: cli.EnvVars("NURTURE_DELIVERY_POLICY")},
		&cli.StringFlag{Name: "channel", Usage: "event channel provider (gochannel, kafka)", Value: d.Channel, Sources: cli.EnvVars("NURTURE_CHANNEL")},
		&cli.StringSliceFlag{Name: "kafka-brokers", Usage: "kafka brokers", Sources: cli.EnvVars("NURTURE_KAFKA_BROKERS")},
		&cli.StringFlag{Name: "stage-topic", Usage: "topic carrying stage entries", Value: d.StageTopic, Sources: cli.EnvVars("NURTURE_STAGE_TOPIC")},
		&cli.StringFlag{Name: "events-topic", Usage: "topic receiving execution events", Value: d.EventsTopic, Sources: cli.EnvVars("NURTURE_EVENTS_TOPIC")},
		&cli.StringFlag{Name: "send-url", Usage: "messaging gateway send endpoint", Sources: cli.EnvVars("NURTURE_SEND_URL")},
		&cli.StringFlag{Name: "send-token", Usage: "messaging gateway bearer token", Sources: cli.EnvVars("NURTURE_SEND_TOKEN")},
		&cli.StringFlag{Name: "ai-url", Usage: "chat completion endpoint", Sources: cli.EnvVars("NURTURE_AI_URL")},
		&cli.StringFlag{Name: "ai-key", Usage: "chat completion API key", Sources: cli.EnvVars("NURTURE_AI_KEY")},
		&cli.StringFlag{Name: "ai-model", Usage: "model name", Sources: cli.EnvVars("NURTURE_AI_MODEL")},
		&cli.StringFlag{Name: "ai-text-path", Usage: "jq path to the reply text", Sources: cli.EnvVars("NURTURE_AI_TEXT_PATH")},
		&cli.StringFlag{Name: "otel-endpoint", Usage: "OTLP/HTTP collector host:port", Sources: cli.EnvVars("NURTURE_OTEL_ENDPOINT")},
	}
}

// loadConfig resolves the layered configuration for cmd and validates it.
func loadConfig(cmd *cli.Command) (Config, error) {
	cfg, err := loadSettings(cmd.String("config"))
	if err != nil {
		return cfg, err
	}
	applyFlags(&cfg, cmd)
	return cfg, cfg.Validate()
}

var validate = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})
	return v
}

// Validate checks every field.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// engineConfig maps the settings onto the engine's. Durations are already
// validated.
func (c Config) engineConfig() engine.Config {
	ec := engine.DefaultConfig()
	ec.MaxSteps = c.MaxSteps
	ec.InvocationTimeout, _ = time.ParseDuration(c.StepTimeout)
	ec.CallTimeout, _ = time.ParseDuration(c.CallTimeout)
	ec.MessageRetry.MaxAttempts = c.MessageRetries
	ec.ConditionRetries = c.ConditionRetries
	ec.DeliveryPolicy = engine.DeliveryPolicy(c.DeliveryPolicy)
	return ec
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that only apply after a restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	check := func(name string, changed bool) {
		if changed {
			d.RestartNeeded = append(d.RestartNeeded, name)
		}
	}
	check("listen_addr", old.ListenAddr != new.ListenAddr)
	check("transport", old.Transport != new.Transport)
	check("db_path", old.DBPath != new.DBPath)
	check("pool_size", old.PoolSize != new.PoolSize)
	check("sweep_schedule", old.SweepSchedule != new.SweepSchedule)
	check("channel", old.Channel != new.Channel || strings.Join(old.KafkaBrokers, ",") != strings.Join(new.KafkaBrokers, ","))
	check("send_url", old.SendURL != new.SendURL)
	check("ai_url", old.AIURL != new.AIURL)
	check("engine", old.engineConfig() != new.engineConfig())
	return d
}
