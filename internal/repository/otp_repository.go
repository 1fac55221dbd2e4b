package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/mediquory/connect-auth/internal/models"
	"github.com/sirupsen/logrus"
)

// ErrConditionFailed is returned when a conditional update loses to a
// concurrent writer (attempt counter moved, or the record was already
// verified).
var ErrConditionFailed = errors.New("conditional update failed")

// issueKeyLayout keeps sort keys fixed-width so lexicographic order
// matches chronological order.
const issueKeyLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DynamoDBAPI is the slice of the DynamoDB client the repositories use.
// Satisfied by *dynamodb.Client.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type OTPRepository struct {
	client    DynamoDBAPI
	tableName string
	logger    *logrus.Logger
}

func NewOTPRepository(client DynamoDBAPI, tableName string, logger *logrus.Logger) *OTPRepository {
	return &OTPRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

func otpPK(phone string) string {
	return "OTP#" + phone
}

func issueSK(createdAt time.Time) string {
	return "ISSUE#" + createdAt.UTC().Format(issueKeyLayout)
}

// Put appends one issuance record under the phone's partition. The TTL
// attribute is a backstop a day past the cleanup predicate, so DynamoDB
// eventually drops anything the sweep missed.
func (r *OTPRepository) Put(ctx context.Context, rec models.OTPRecord) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal OTP record: %w", err)
	}

	item["PK"] = &types.AttributeValueMemberS{Value: otpPK(rec.Phone)}
	item["SK"] = &types.AttributeValueMemberS{Value: issueSK(rec.CreatedAt)}
	item["TTL"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", rec.CreatedAt.Add(48*time.Hour).Unix())}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})

	if err != nil {
		r.logger.WithError(err).Error("Failed to store OTP record in DynamoDB")
		return fmt.Errorf("failed to store OTP record: %w", err)
	}

	return nil
}

// ListSince returns every record for the phone created at or after the
// given instant, newest first.
func (r *OTPRepository) ListSince(ctx context.Context, phone string, since time.Time) ([]models.OTPRecord, error) {
	result, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND SK >= :since"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":    &types.AttributeValueMemberS{Value: otpPK(phone)},
			":since": &types.AttributeValueMemberS{Value: issueSK(since)},
		},
		ScanIndexForward: aws.Bool(false),
	})

	if err != nil {
		return nil, fmt.Errorf("failed to query OTP records: %w", err)
	}

	var records []models.OTPRecord
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal OTP records: %w", err)
	}

	return records, nil
}

// LatestEligible returns the newest unexpired, unverified record for
// the phone, or nil when none exists.
func (r *OTPRepository) LatestEligible(ctx context.Context, phone string, now time.Time) (*models.OTPRecord, error) {
	records, err := r.queryNewestFirst(ctx, phone)
	if err != nil {
		return nil, err
	}

	for i := range records {
		if records[i].Eligible(now) {
			return &records[i], nil
		}
	}

	return nil, nil
}

// LatestVerified returns the newest verified record for the phone, or
// nil when none exists.
func (r *OTPRepository) LatestVerified(ctx context.Context, phone string) (*models.OTPRecord, error) {
	records, err := r.queryNewestFirst(ctx, phone)
	if err != nil {
		return nil, err
	}

	for i := range records {
		if records[i].Verified {
			return &records[i], nil
		}
	}

	return nil, nil
}

func (r *OTPRepository) queryNewestFirst(ctx context.Context, phone string) ([]models.OTPRecord, error) {
	result, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: otpPK(phone)},
		},
		ScanIndexForward: aws.Bool(false),
	})

	if err != nil {
		return nil, fmt.Errorf("failed to query OTP records: %w", err)
	}

	var records []models.OTPRecord
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal OTP records: %w", err)
	}

	return records, nil
}

// IncrementAttempts bumps the attempt counter of one record, guarded by
// the counter value the caller observed so concurrent failures cannot
// lose updates.
func (r *OTPRepository) IncrementAttempts(ctx context.Context, phone string, createdAt time.Time, expected int) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: otpPK(phone)},
			"SK": &types.AttributeValueMemberS{Value: issueSK(createdAt)},
		},
		UpdateExpression:    aws.String("SET attempts = :next"),
		ConditionExpression: aws.String("attempts = :expected AND verified = :unverified"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":next":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expected+1)},
			":expected":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expected)},
			":unverified": &types.AttributeValueMemberBOOL{Value: false},
		},
	})

	if err != nil {
		var conditionErr *types.ConditionalCheckFailedException
		if errors.As(err, &conditionErr) {
			return ErrConditionFailed
		}
		return fmt.Errorf("failed to increment OTP attempts: %w", err)
	}

	return nil
}

// MarkVerified consumes the record. The condition guarantees a record
// is verified exactly once even under concurrent correct submissions.
func (r *OTPRepository) MarkVerified(ctx context.Context, phone string, createdAt time.Time) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: otpPK(phone)},
			"SK": &types.AttributeValueMemberS{Value: issueSK(createdAt)},
		},
		UpdateExpression:    aws.String("SET verified = :verified"),
		ConditionExpression: aws.String("verified = :unverified"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":verified":   &types.AttributeValueMemberBOOL{Value: true},
			":unverified": &types.AttributeValueMemberBOOL{Value: false},
		},
	})

	if err != nil {
		var conditionErr *types.ConditionalCheckFailedException
		if errors.As(err, &conditionErr) {
			return ErrConditionFailed
		}
		return fmt.Errorf("failed to mark OTP verified: %w", err)
	}

	return nil
}

// DeleteStale removes every OTP record past expiry or older than the
// retention horizon. Deletion is by predicate, so concurrent sweeps are
// safe. Returns the number of records removed.
func (r *OTPRepository) DeleteStale(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	deleted := 0
	var lastKey map[string]types.AttributeValue

	for {
		result, err := r.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(r.tableName),
			FilterExpression:  aws.String("begins_with(PK, :prefix)"),
			ExclusiveStartKey: lastKey,
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":prefix": &types.AttributeValueMemberS{Value: "OTP#"},
			},
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to scan OTP records: %w", err)
		}

		var records []models.OTPRecord
		if err := attributevalue.UnmarshalListOfMaps(result.Items, &records); err != nil {
			return deleted, fmt.Errorf("failed to unmarshal OTP records: %w", err)
		}

		for i := range records {
			if !records[i].Stale(now, retention) {
				continue
			}
			_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(r.tableName),
				Key: map[string]types.AttributeValue{
					"PK": &types.AttributeValueMemberS{Value: otpPK(records[i].Phone)},
					"SK": &types.AttributeValueMemberS{Value: issueSK(records[i].CreatedAt)},
				},
			})
			if err != nil {
				return deleted, fmt.Errorf("failed to delete stale OTP record: %w", err)
			}
			deleted++
		}

		if result.LastEvaluatedKey == nil {
			break
		}
		lastKey = result.LastEvaluatedKey
	}

	return deleted, nil
}
