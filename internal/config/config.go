package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Env                        string
	HTTPListenAddr             string
	DatabaseURL                string
	SignalingPath              string
	SignalingIdleTimeoutSec    int
	ShutdownTimeoutSec         int
	DefaultTranscribeLanguage  string
	GoogleCloudProjectID       string
	GoogleCloudCredentialsJSON string
	GoogleCloudSpeechLocation  string
	GoogleCloudSpeechModel     string
	MaxSessionDurationMin      int
	TranscriptWebhookURL       string
}

func (c *Config) Validate() error {
	for _, req := range c.requiredFieldChecks() {
		if req.value == "" {
			return fmt.Errorf("%s is required", req.name)
		}
	}
	if !strings.HasPrefix(c.SignalingPath, "/") {
		return fmt.Errorf("SIGNALING_PATH must start with a slash, got %q", c.SignalingPath)
	}
	if c.SignalingIdleTimeoutSec <= 0 {
		return fmt.Errorf("SIGNALING_IDLE_TIMEOUT_SEC must be positive, got %d", c.SignalingIdleTimeoutSec)
	}
	if c.ShutdownTimeoutSec <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT_SEC must be positive, got %d", c.ShutdownTimeoutSec)
	}
	if c.MaxSessionDurationMin <= 0 {
		return fmt.Errorf("MAX_SESSION_DURATION_MIN must be positive, got %d", c.MaxSessionDurationMin)
	}
	return nil
}

type requiredEnvField struct {
	name  string
	value string
}

func (c *Config) requiredFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "HTTP_LISTEN_ADDR", value: c.HTTPListenAddr},
		{name: "DATABASE_URL", value: c.DatabaseURL},
		{name: "SIGNALING_PATH", value: c.SignalingPath},
		{name: "DEFAULT_TRANSCRIBE_LANGUAGE", value: c.DefaultTranscribeLanguage},
		{name: "GOOGLE_CLOUD_PROJECT_ID", value: c.GoogleCloudProjectID},
		{name: "GOOGLE_CLOUD_CREDENTIALS_JSON", value: c.GoogleCloudCredentialsJSON},
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
