package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"

	internalconfig "github.com/aidtrain/train-backend/internal/config"
)

type envConfig struct {
	Env                        string `env:"ENV" envDefault:"production"`
	HTTPListenAddr             string `env:"HTTP_LISTEN_ADDR" envDefault:":8080"`
	DatabaseURL                string `env:"DATABASE_URL,required"`
	SignalingPath              string `env:"SIGNALING_PATH" envDefault:"/ws/signaling"`
	SignalingIdleTimeoutSec    int    `env:"SIGNALING_IDLE_TIMEOUT_SEC" envDefault:"300"`
	ShutdownTimeoutSec         int    `env:"SHUTDOWN_TIMEOUT_SEC" envDefault:"15"`
	DefaultTranscribeLanguage  string `env:"DEFAULT_TRANSCRIBE_LANGUAGE" envDefault:"ko-KR"`
	GoogleCloudProjectID       string `env:"GOOGLE_CLOUD_PROJECT_ID,required"`
	GoogleCloudCredentialsJSON string `env:"GOOGLE_CLOUD_CREDENTIALS_JSON,required"`
	GoogleCloudSpeechLocation  string `env:"GOOGLE_CLOUD_SPEECH_LOCATION" envDefault:"asia-northeast3"`
	GoogleCloudSpeechModel     string `env:"GOOGLE_CLOUD_SPEECH_MODEL" envDefault:"chirp_3"`
	MaxSessionDurationMin      int    `env:"MAX_SESSION_DURATION_MIN" envDefault:"120"`
	TranscriptWebhookURL       string `env:"TRANSCRIPT_WEBHOOK_URL"`
}

func Load() (*internalconfig.Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}

	cfg := &internalconfig.Config{
		Env:                        raw.Env,
		HTTPListenAddr:             raw.HTTPListenAddr,
		DatabaseURL:                raw.DatabaseURL,
		SignalingPath:              raw.SignalingPath,
		SignalingIdleTimeoutSec:    raw.SignalingIdleTimeoutSec,
		ShutdownTimeoutSec:         raw.ShutdownTimeoutSec,
		DefaultTranscribeLanguage:  raw.DefaultTranscribeLanguage,
		GoogleCloudProjectID:       raw.GoogleCloudProjectID,
		GoogleCloudCredentialsJSON: raw.GoogleCloudCredentialsJSON,
		GoogleCloudSpeechLocation:  raw.GoogleCloudSpeechLocation,
		GoogleCloudSpeechModel:     raw.GoogleCloudSpeechModel,
		MaxSessionDurationMin:      raw.MaxSessionDurationMin,
		TranscriptWebhookURL:       raw.TranscriptWebhookURL,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
