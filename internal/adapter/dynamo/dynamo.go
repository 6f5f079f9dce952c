// Package dynamo implements adapter.MetadataStore on DynamoDB.
package dynamo

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jun/wopihost/internal/adapter"
	"github.com/jun/wopihost/internal/model"
)

// DynamoDBAPI is the subset of *dynamodb.Client methods used by MetadataStore.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// MetadataStore reads documents from one table (partition key "id") and
// writes version records to another (partition key "file_id", sort key "id").
type MetadataStore struct {
	client        DynamoDBAPI
	documents     string
	versionsTable string
}

// NewMetadataStore creates a MetadataStore.
func NewMetadataStore(client DynamoDBAPI, documentsTable, versionsTable string) *MetadataStore {
	return &MetadataStore{
		client:        client,
		documents:     documentsTable,
		versionsTable: versionsTable,
	}
}

func (s *MetadataStore) Get(ctx context.Context, fileID string) (*model.Document, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.documents),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: fileID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", fileID, err)
	}
	if out.Item == nil {
		return nil, adapter.ErrNotFound
	}

	var doc model.Document
	if err := attributevalue.UnmarshalMap(out.Item, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return &doc, nil
}

func (s *MetadataStore) Update(ctx context.Context, fileID string, update model.DocumentUpdate) error {
	updatedAt, err := attributevalue.Marshal(update.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to marshal updated_at: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.documents),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: fileID},
		},
		UpdateExpression:    aws.String("SET updated_at = :updated_at"),
		ConditionExpression: aws.String("attribute_exists(id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":updated_at": updatedAt,
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return adapter.ErrNotFound
		}
		return fmt.Errorf("failed to update document %s: %w", fileID, err)
	}
	return nil
}

func (s *MetadataStore) AppendVersion(ctx context.Context, version model.Version) error {
	item, err := attributevalue.MarshalMap(version)
	if err != nil {
		return fmt.Errorf("failed to marshal version: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.versionsTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("version %s: %w", version.ID, adapter.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to append version: %w", err)
	}
	return nil
}
