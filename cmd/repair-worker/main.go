package main

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"thankyou-survey/internal/app"
	"thankyou-survey/internal/queue"
)

func main() {
	env, err := app.Init(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("init")
	}

	runner, err := env.RepairRunner()
	if err != nil {
		log.Fatal().Err(err).Msg("build repair runner")
	}

	lambda.Start(func(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
		return queue.HandleBatch(ctx, runner, ev), nil
	})
}
