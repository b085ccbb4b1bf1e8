// Package db loads the AWS configuration shared by every service client.
package db

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

// LoadAWSConfig uses the Lambda execution role, or the local profile in dev.
// AWS_ENDPOINT_URL (e.g. DynamoDB Local) is honoured by the SDK itself.
func LoadAWSConfig(ctx context.Context) (aws.Config, error) {
	return config.LoadDefaultConfig(ctx)
}
