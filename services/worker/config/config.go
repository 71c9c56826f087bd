package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the worker service.
type Config struct {
	LogLevel        string
	KafkaBrokers    string
	RedisAddr       string
	PostgresDSN     string
	MongoURI        string
	MongoDB         string
	TaskKind        string
	PipelineTimeout time.Duration
	OpenAIKey       string
	OpenAIBaseURL   string
	Model           string
	SearchModel     string
	ProviderBaseURL string
	ProviderAPIKey  string
	MetricsAddr     string
	OTelEndpoint    string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:        v.GetString("log_level"),
		KafkaBrokers:    v.GetString("kafka_brokers"),
		RedisAddr:       v.GetString("redis_addr"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		MongoURI:        v.GetString("mongo_uri"),
		MongoDB:         v.GetString("mongo_db"),
		TaskKind:        v.GetString("task_kind"),
		PipelineTimeout: v.GetDuration("pipeline_timeout"),
		OpenAIKey:       v.GetString("openai_api_key"),
		OpenAIBaseURL:   v.GetString("openai_base_url"),
		Model:           v.GetString("model"),
		SearchModel:     v.GetString("search_model"),
		ProviderBaseURL: v.GetString("provider_base_url"),
		ProviderAPIKey:  v.GetString("provider_api_key"),
		MetricsAddr:     v.GetString("metrics_addr"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
	}
}
