// Cleanup is the cron entrypoint that sweeps stale OTP records:
// everything past expiry or older than the retention horizon. Safe to
// run concurrently; deletion is by predicate, not identity.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/mediquory/connect-auth/internal/config"
	"github.com/mediquory/connect-auth/internal/repository"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	dynamoClient, err := initDynamoDB(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize DynamoDB")
	}

	otpRepo := repository.NewOTPRepository(dynamoClient, cfg.DynamoDB.TableName, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	deleted, err := otpRepo.DeleteStale(ctx, time.Now(), cfg.OTP.Retention)
	if err != nil {
		// Housekeeping only; log and exit cleanly so cron doesn't alert.
		logger.WithError(err).WithField("deleted", deleted).Error("Cleanup sweep failed")
		return
	}

	logger.WithField("deleted", deleted).Info("Cleanup sweep finished")
}

func initDynamoDB(cfg *config.Config) (*dynamodb.Client, error) {
	var awsCfg aws.Config
	var err error

	if cfg.DynamoDB.Endpoint != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO(),
			awsconfig.WithRegion(cfg.DynamoDB.Region),
			awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
				func(service, region string, options ...interface{}) (aws.Endpoint, error) {
					return aws.Endpoint{
						URL:           cfg.DynamoDB.Endpoint,
						SigningRegion: cfg.DynamoDB.Region,
					}, nil
				})),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO())
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return dynamodb.NewFromConfig(awsCfg), nil
}
