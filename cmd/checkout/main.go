package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"thankyou-survey/internal/app"
)

func main() {
	env, err := app.Init(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("init")
	}

	h, err := env.CheckoutHandler()
	if err != nil {
		log.Fatal().Err(err).Msg("build checkout handler")
	}
	lambda.Start(h.Handle)
}
