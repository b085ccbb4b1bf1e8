package main

import (
	"context"
	"encoding/json"
	"os"
	"runtime/debug"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
)

type status struct {
	OK       bool   `json:"ok"`
	Service  string `json:"service"`
	Revision string `json:"revision,omitempty"`
	Region   string `json:"region,omitempty"`
	Time     string `json:"time"`
}

var revision = func() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}()

func handle(_ context.Context, _ events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	body, err := json.Marshal(status{
		OK:       true,
		Service:  "thankyou-survey",
		Revision: revision,
		Region:   os.Getenv("AWS_REGION"),
		Time:     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return events.APIGatewayV2HTTPResponse{StatusCode: 500}, nil
	}
	return events.APIGatewayV2HTTPResponse{
		StatusCode: 200,
		Headers: map[string]string{
			"content-type":                 "application/json",
			"cache-control":                "no-store",
			"access-control-allow-origin":  "*",
			"access-control-allow-methods": "GET, OPTIONS",
		},
		Body: string(body),
	}, nil
}

func main() {
	lambda.Start(handle)
}
