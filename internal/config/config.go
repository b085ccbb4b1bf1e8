// Package config reads function settings from the environment.
package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	SessionsTable      string
	ConfigTable        string
	OAuthStateTable    string
	SubmissionsTable   string
	DedupeTable        string
	InsightsCacheTable string

	ShopifyAPIKey     string
	ShopifyAPISecret  string
	ShopifyScopes     string
	ShopifyAPIVersion string
	TokenKeyB64       string

	AppBaseURL        string
	AdminRedirectPath string

	RepairTopicARN string

	AnalyticsBucket     string
	SurveyMetricsPrefix string
	ETLDaysBack         int
	ETLTimezone         string

	AthenaDatabase  string
	AthenaTable     string
	AthenaWorkgroup string
	AthenaOutput    string
	GlueDatabase    string
	BedrockModelID  string
	InsightsMaxDays int

	StoreDriver string
	PostgresDSN string

	DevAddr  string
	LogLevel string
}

// ParameterReader is the slice of the SSM API used to resolve secrets.
type ParameterReader interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("SHOPIFY_API_VERSION", "2024-01")
	v.SetDefault("SHOPIFY_SCOPES", "read_customers,write_customers,read_orders")
	v.SetDefault("ADMIN_REDIRECT_PATH", "/app/questions")
	v.SetDefault("SURVEY_METRICS_PREFIX", "survey_metrics/")
	v.SetDefault("ETL_DAYS_BACK", 1)
	v.SetDefault("ETL_TIMEZONE", "UTC")
	v.SetDefault("ATHENA_TABLE", "survey_metrics")
	v.SetDefault("ATHENA_WORKGROUP", "primary")
	v.SetDefault("BEDROCK_MODEL_ID", "anthropic.claude-3-haiku-20240307-v1:0")
	v.SetDefault("INSIGHTS_MAX_DAYS", 90)
	v.SetDefault("STORE_DRIVER", "dynamodb")
	v.SetDefault("DEV_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	return v
}

// Load reads the environment, plus a local .env file when present. Secrets
// named by *_SSM_PARAM are fetched from Parameter Store when params is set.
func Load(ctx context.Context, params ParameterReader) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("loaded .env")
	}
	v := newViper()

	cfg := &Config{
		SessionsTable:      v.GetString("SESSIONS_TABLE"),
		ConfigTable:        v.GetString("SURVEY_CONFIG_TABLE"),
		OAuthStateTable:    v.GetString("OAUTH_STATE_TABLE"),
		SubmissionsTable:   v.GetString("SUBMISSIONS_TABLE"),
		DedupeTable:        v.GetString("WEBHOOK_DEDUPE_TABLE"),
		InsightsCacheTable: v.GetString("INSIGHTS_CACHE_TABLE"),

		ShopifyAPIKey:     v.GetString("SHOPIFY_API_KEY"),
		ShopifyAPISecret:  v.GetString("SHOPIFY_API_SECRET"),
		ShopifyScopes:     v.GetString("SHOPIFY_SCOPES"),
		ShopifyAPIVersion: v.GetString("SHOPIFY_API_VERSION"),
		TokenKeyB64:       v.GetString("TOKEN_ENC_KEY_B64"),

		AppBaseURL:        strings.TrimRight(v.GetString("APP_BASE_URL"), "/"),
		AdminRedirectPath: v.GetString("ADMIN_REDIRECT_PATH"),

		RepairTopicARN: v.GetString("REPAIR_TOPIC_ARN"),

		AnalyticsBucket:     v.GetString("ANALYTICS_BUCKET"),
		SurveyMetricsPrefix: v.GetString("SURVEY_METRICS_PREFIX"),
		ETLDaysBack:         v.GetInt("ETL_DAYS_BACK"),
		ETLTimezone:         v.GetString("ETL_TIMEZONE"),

		AthenaDatabase:  v.GetString("ATHENA_DATABASE"),
		AthenaTable:     v.GetString("ATHENA_TABLE"),
		AthenaWorkgroup: v.GetString("ATHENA_WORKGROUP"),
		AthenaOutput:    v.GetString("ATHENA_OUTPUT"),
		GlueDatabase:    v.GetString("GLUE_DATABASE"),
		BedrockModelID:  v.GetString("BEDROCK_MODEL_ID"),
		InsightsMaxDays: v.GetInt("INSIGHTS_MAX_DAYS"),

		StoreDriver: strings.ToLower(v.GetString("STORE_DRIVER")),
		PostgresDSN: v.GetString("POSTGRES_DSN"),

		DevAddr:  v.GetString("DEV_ADDR"),
		LogLevel: v.GetString("LOG_LEVEL"),
	}
	if cfg.GlueDatabase == "" {
		cfg.GlueDatabase = cfg.AthenaDatabase
	}

	secrets := []struct {
		param string
		dst   *string
	}{
		{"SHOPIFY_API_SECRET_SSM_PARAM", &cfg.ShopifyAPISecret},
		{"TOKEN_ENC_KEY_B64_SSM_PARAM", &cfg.TokenKeyB64},
	}
	for _, s := range secrets {
		name := strings.TrimSpace(v.GetString(s.param))
		if name == "" || *s.dst != "" {
			continue
		}
		if params == nil {
			return nil, fmt.Errorf("%s is set but no SSM client was given", s.param)
		}
		val, err := getParameter(ctx, params, name)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", s.param, err)
		}
		*s.dst = val
	}

	switch cfg.StoreDriver {
	case "dynamodb", "postgres":
	default:
		return nil, fmt.Errorf("STORE_DRIVER must be dynamodb or postgres, got %q", cfg.StoreDriver)
	}
	return cfg, nil
}

func getParameter(ctx context.Context, params ParameterReader, name string) (string, error) {
	out, err := params.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", err
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}
	return *out.Parameter.Value, nil
}

// Require reports the first of the named settings that is empty.
func Require(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return fmt.Errorf("%s not set", pairs[i])
		}
	}
	return nil
}

// RedirectURI is the OAuth callback registered with Shopify.
func (c *Config) RedirectURI() string {
	return c.AppBaseURL + "/auth/callback"
}

// WebhookAddress is the public URL of a webhook route.
func (c *Config) WebhookAddress(path string) string {
	return c.AppBaseURL + path
}
