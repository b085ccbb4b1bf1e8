// Package app builds the dependencies shared by the Lambda functions and the
// dev server from one Config.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"thankyou-survey/internal/config"
	"thankyou-survey/internal/db"
	"thankyou-survey/internal/etl"
	"thankyou-survey/internal/handlers"
	"thankyou-survey/internal/logging"
	"thankyou-survey/internal/nlq"
	"thankyou-survey/internal/queue"
	"thankyou-survey/internal/security"
	"thankyou-survey/internal/sessions"
	"thankyou-survey/internal/shopify"
	"thankyou-survey/internal/store"
	"thankyou-survey/internal/store/sqlstore"
	"thankyou-survey/internal/submissions"
	"thankyou-survey/internal/survey"
)

type Env struct {
	Config *config.Config
	AWS    aws.Config

	ddb *dynamodb.Client
	sql *gorm.DB
}

// Init loads AWS credentials, settings and the logger. Off Lambda the logger
// writes the console format.
func Init(ctx context.Context) (*Env, error) {
	awsCfg, err := db.LoadAWSConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	cfg, err := config.Load(ctx, ssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.LogLevel, os.Getenv("AWS_LAMBDA_FUNCTION_NAME") == "")
	return &Env{Config: cfg, AWS: awsCfg}, nil
}

func (e *Env) dynamo() *dynamodb.Client {
	if e.ddb == nil {
		e.ddb = dynamodb.NewFromConfig(e.AWS)
	}
	return e.ddb
}

func (e *Env) postgres() (*gorm.DB, error) {
	if e.sql != nil {
		return e.sql, nil
	}
	if err := config.Require("POSTGRES_DSN", e.Config.PostgresDSN); err != nil {
		return nil, err
	}
	conn, err := sqlstore.Open(e.Config.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	e.sql = conn
	return conn, nil
}

func (e *Env) usePostgres() bool { return e.Config.StoreDriver == "postgres" }

// ConfigStore is the Question Store for the configured driver.
func (e *Env) ConfigStore() (survey.ConfigStore, error) {
	if e.usePostgres() {
		conn, err := e.postgres()
		if err != nil {
			return nil, err
		}
		return sqlstore.NewConfigStore(conn), nil
	}
	return store.NewConfigStore(e.dynamo(), e.Config.ConfigTable)
}

func (e *Env) Sessions() (*sessions.Store, error) {
	cipher, err := security.NewCipherFromBase64(e.Config.TokenKeyB64)
	if err != nil {
		return nil, fmt.Errorf("TOKEN_ENC_KEY_B64: %w", err)
	}

	var backend sessions.Backend
	if e.usePostgres() {
		conn, err := e.postgres()
		if err != nil {
			return nil, err
		}
		backend = sqlstore.NewSessionBackend(conn)
	} else {
		backend, err = sessions.NewDynamoBackend(e.dynamo(), e.Config.SessionsTable)
		if err != nil {
			return nil, err
		}
	}

	tokenCache, err := sessions.NewLocalCache()
	if err != nil {
		log.Warn().Err(err).Msg("token cache disabled")
	}
	return sessions.NewStore(backend, cipher, tokenCache), nil
}

func (e *Env) ShopifyClient() *shopify.Client {
	return shopify.NewClient(e.Config.ShopifyAPIVersion)
}

func (e *Env) SessionVerifier() *shopify.SessionVerifier {
	return &shopify.SessionVerifier{APIKey: e.Config.ShopifyAPIKey, APISecret: e.Config.ShopifyAPISecret}
}

// Survey wires the survey service. Without REPAIR_TOPIC_ARN repairs run
// inline; without SUBMISSIONS_TABLE no submission events are kept.
func (e *Env) Survey() (*survey.Service, error) {
	cfgStore, err := e.ConfigStore()
	if err != nil {
		return nil, err
	}
	tokens, err := e.Sessions()
	if err != nil {
		return nil, err
	}

	var opts []survey.Option
	if e.Config.RepairTopicARN != "" {
		q, err := queue.NewSNSQueue(sns.NewFromConfig(e.AWS), e.Config.RepairTopicARN)
		if err != nil {
			return nil, err
		}
		opts = append(opts, survey.WithRepairQueue(q))
	}
	if e.Config.SubmissionsTable != "" {
		opts = append(opts, survey.WithRecorder(submissions.NewRecorder(e.dynamo(), e.Config.SubmissionsTable)))
	}
	return survey.NewService(cfgStore, tokens, e.ShopifyClient(), opts...), nil
}

func (e *Env) CheckoutHandler() (*handlers.CheckoutHandler, error) {
	svc, err := e.Survey()
	if err != nil {
		return nil, err
	}
	return handlers.NewCheckoutHandler(svc), nil
}

func (e *Env) AdminHandler() (*handlers.AdminHandler, error) {
	if err := config.Require("SHOPIFY_API_KEY", e.Config.ShopifyAPIKey, "SHOPIFY_API_SECRET", e.Config.ShopifyAPISecret); err != nil {
		return nil, err
	}
	svc, err := e.Survey()
	if err != nil {
		return nil, err
	}
	return handlers.NewAdminHandler(svc, e.SessionVerifier(), e.Config.AdminRedirectPath), nil
}

func (e *Env) ShopifyHandler() (*handlers.ShopifyHandler, error) {
	c := e.Config
	if err := config.Require(
		"SHOPIFY_API_KEY", c.ShopifyAPIKey,
		"SHOPIFY_API_SECRET", c.ShopifyAPISecret,
		"APP_BASE_URL", c.AppBaseURL,
	); err != nil {
		return nil, err
	}
	states, err := sessions.NewStateStore(e.dynamo(), c.OAuthStateTable)
	if err != nil {
		return nil, err
	}
	sess, err := e.Sessions()
	if err != nil {
		return nil, err
	}
	return &handlers.ShopifyHandler{
		Config: handlers.ShopifyConfig{
			APIKey:      c.ShopifyAPIKey,
			APISecret:   c.ShopifyAPISecret,
			Scopes:      c.ShopifyScopes,
			RedirectURI: c.RedirectURI(),
			Webhooks: map[string]string{
				shopify.TopicAppUninstalled: c.WebhookAddress("/webhooks/app-uninstalled"),
			},
		},
		States:   states,
		Sessions: sess,
		Shopify:  e.ShopifyClient(),
		Dedupe:   &shopify.WebhookDeduper{DB: e.dynamo(), Table: c.DedupeTable},
	}, nil
}

func (e *Env) InsightsEngine() (*nlq.Engine, error) {
	c := e.Config
	if err := config.Require(
		"ATHENA_DATABASE", c.AthenaDatabase,
		"ATHENA_OUTPUT", c.AthenaOutput,
		"BEDROCK_MODEL_ID", c.BedrockModelID,
	); err != nil {
		return nil, err
	}
	return &nlq.Engine{
		Glue:         glue.NewFromConfig(e.AWS),
		Model:        &nlq.BedrockModel{Client: bedrockruntime.NewFromConfig(e.AWS), ModelID: c.BedrockModelID},
		Athena:       athena.NewFromConfig(e.AWS),
		Cache:        &nlq.Cache{DB: e.dynamo(), Table: c.InsightsCacheTable},
		GlueDatabase: c.GlueDatabase,
		Table:        c.AthenaTable,
		AthenaOptions: nlq.AthenaRunOptions{
			Database:       c.AthenaDatabase,
			Workgroup:      c.AthenaWorkgroup,
			OutputLocation: c.AthenaOutput,
		},
		MaxDays:        c.InsightsMaxDays,
		Timezone:       c.ETLTimezone,
		MaxFixAttempts: 2,
	}, nil
}

func (e *Env) InsightsHandler() (*handlers.InsightsHandler, error) {
	if err := config.Require("SHOPIFY_API_KEY", e.Config.ShopifyAPIKey, "SHOPIFY_API_SECRET", e.Config.ShopifyAPISecret); err != nil {
		return nil, err
	}
	engine, err := e.InsightsEngine()
	if err != nil {
		return nil, err
	}
	return &handlers.InsightsHandler{Engine: engine, Sessions: e.SessionVerifier()}, nil
}

// RepairRunner is the survey service seen by the repair worker.
func (e *Env) RepairRunner() (queue.Runner, error) {
	svc, err := e.Survey()
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func (e *Env) SurveyMetricsETL() (*etl.SurveyMetricsETL, error) {
	c := e.Config
	loc, err := time.LoadLocation(c.ETLTimezone)
	if err != nil {
		return nil, fmt.Errorf("ETL_TIMEZONE: %w", err)
	}
	return &etl.SurveyMetricsETL{
		DDB:              e.dynamo(),
		S3:               s3.NewFromConfig(e.AWS),
		SessionsTable:    c.SessionsTable,
		SubmissionsTable: c.SubmissionsTable,
		Bucket:           c.AnalyticsBucket,
		Prefix:           c.SurveyMetricsPrefix,
		DaysBack:         c.ETLDaysBack,
		Location:         loc,
	}, nil
}

func (e *Env) PartitionRepairer() *etl.PartitionRepairer {
	c := e.Config
	return &etl.PartitionRepairer{
		Athena:    athena.NewFromConfig(e.AWS),
		Database:  c.AthenaDatabase,
		Table:     c.AthenaTable,
		Workgroup: c.AthenaWorkgroup,
		Output:    c.AthenaOutput,
	}
}
