package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"thankyou-survey/internal/app"
	"thankyou-survey/internal/etl"
)

func main() {
	env, err := app.Init(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("init")
	}

	r := env.PartitionRepairer()
	lambda.Start(func(ctx context.Context) (etl.RepairResp, error) {
		return r.Repair(ctx)
	})
}
