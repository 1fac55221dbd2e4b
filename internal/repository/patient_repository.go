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

var ErrPatientExists = errors.New("patient already exists")

type PatientRepository struct {
	client    DynamoDBAPI
	tableName string
	logger    *logrus.Logger
}

func NewPatientRepository(client DynamoDBAPI, tableName string, logger *logrus.Logger) *PatientRepository {
	return &PatientRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

func (r *PatientRepository) GetByPhone(ctx context.Context, phone string) (*models.Patient, error) {
	patient := &models.Patient{Phone: phone}

	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: patient.GetPK()},
			"SK": &types.AttributeValueMemberS{Value: patient.GetSK()},
		},
	})

	if err != nil {
		r.logger.WithError(err).Error("Failed to get patient from DynamoDB")
		return nil, fmt.Errorf("failed to get patient: %w", err)
	}

	if result.Item == nil {
		return nil, nil // Patient not found
	}

	var dbPatient models.Patient
	if err := attributevalue.UnmarshalMap(result.Item, &dbPatient); err != nil {
		r.logger.WithError(err).Error("Failed to unmarshal patient from DynamoDB")
		return nil, fmt.Errorf("failed to unmarshal patient: %w", err)
	}

	return &dbPatient, nil
}

// Create inserts the patient, failing with ErrPatientExists when the
// phone already has an account. Signup never overwrites.
func (r *PatientRepository) Create(ctx context.Context, patient *models.Patient) error {
	now := time.Now()
	patient.CreatedAt = now
	patient.UpdatedAt = now

	item, err := attributevalue.MarshalMap(patient)
	if err != nil {
		r.logger.WithError(err).Error("Failed to marshal patient for DynamoDB")
		return fmt.Errorf("failed to marshal patient: %w", err)
	}

	item["PK"] = &types.AttributeValueMemberS{Value: patient.GetPK()}
	item["SK"] = &types.AttributeValueMemberS{Value: patient.GetSK()}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})

	if err != nil {
		var conditionErr *types.ConditionalCheckFailedException
		if errors.As(err, &conditionErr) {
			return ErrPatientExists
		}
		r.logger.WithError(err).Error("Failed to create patient in DynamoDB")
		return fmt.Errorf("failed to create patient: %w", err)
	}

	return nil
}

func (r *PatientRepository) Update(ctx context.Context, patient *models.Patient) error {
	patient.UpdatedAt = time.Now()

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: patient.GetPK()},
			"SK": &types.AttributeValueMemberS{Value: patient.GetSK()},
		},
		UpdateExpression: aws.String("SET full_name = :full_name, age = :age, gender = :gender, updated_at = :updated_at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":full_name":  &types.AttributeValueMemberS{Value: patient.FullName},
			":age":        &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", patient.Age)},
			":gender":     &types.AttributeValueMemberS{Value: patient.Gender},
			":updated_at": &types.AttributeValueMemberS{Value: patient.UpdatedAt.Format(time.RFC3339)},
		},
	})

	if err != nil {
		r.logger.WithError(err).Error("Failed to update patient in DynamoDB")
		return fmt.Errorf("failed to update patient: %w", err)
	}

	return nil
}
