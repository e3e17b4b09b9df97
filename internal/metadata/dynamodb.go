package metadata

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/bleepstore/bleepcore/internal/config"
)

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoDBBackend.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBBackend stores records in one table keyed by pk (S, the partition)
// and sk (B, the sort key). Binary sort keys compare byte-wise, which is the
// order List requires. Revisions live in the numeric attribute rev and every
// precondition is a ConditionExpression.
type DynamoDBBackend struct {
	client    DynamoDBAPI
	tableName string
}

// NewDynamoDBBackend creates a backend using the default AWS credential chain.
func NewDynamoDBBackend(ctx context.Context, cfg *config.DynamoDBConfig) (*DynamoDBBackend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("dynamodb config is required")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}

	return NewDynamoDBBackendWithClient(dynamodb.NewFromConfig(awsCfg), cfg.Table), nil
}

// NewDynamoDBBackendWithClient creates a backend over an existing client.
// It is used by tests to inject a mock.
func NewDynamoDBBackendWithClient(client DynamoDBAPI, table string) *DynamoDBBackend {
	return &DynamoDBBackend{client: client, tableName: table}
}

func (s *DynamoDBBackend) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	return err
}

func (s *DynamoDBBackend) Close() error {
	return nil
}

func dynamoKey(key Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: key.Partition},
		"sk": &types.AttributeValueMemberB{Value: []byte(key.Sort)},
	}
}

func dynamoRev(rev int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(rev, 10)}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (s *DynamoDBBackend) Get(ctx context.Context, key Key) (*Item, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            dynamoKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting record: %w", err)
	}
	if resp.Item == nil {
		return nil, ErrNotFound
	}
	return itemFromDynamo(resp.Item)
}

func (s *DynamoDBBackend) Put(ctx context.Context, key Key, value []byte, expect int64) (int64, error) {
	if expect == AnyRevision {
		resp, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:        aws.String(s.tableName),
			Key:              dynamoKey(key),
			UpdateExpression: aws.String("SET v = :v, rev = if_not_exists(rev, :zero) + :one"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":v":    &types.AttributeValueMemberB{Value: value},
				":zero": dynamoRev(0),
				":one":  dynamoRev(1),
			},
			ReturnValues: types.ReturnValueUpdatedNew,
		})
		if err != nil {
			return 0, fmt.Errorf("writing record: %w", err)
		}
		return getNInt(resp.Attributes, "rev"), nil
	}

	next := expect + 1
	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"pk":  &types.AttributeValueMemberS{Value: key.Partition},
			"sk":  &types.AttributeValueMemberB{Value: []byte(key.Sort)},
			"v":   &types.AttributeValueMemberB{Value: value},
			"rev": dynamoRev(next),
		},
	}
	if expect == 0 {
		input.ConditionExpression = aws.String("attribute_not_exists(pk)")
	} else {
		input.ConditionExpression = aws.String("rev = :expect")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expect": dynamoRev(expect),
		}
	}
	if _, err := s.client.PutItem(ctx, input); err != nil {
		if isConditionFailed(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("writing record: %w", err)
	}
	return next, nil
}

func (s *DynamoDBBackend) Delete(ctx context.Context, key Key, expect int64) error {
	input := &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 dynamoKey(key),
		ConditionExpression: aws.String("attribute_exists(pk)"),
	}
	if expect > 0 {
		input.ConditionExpression = aws.String("attribute_exists(pk) AND rev = :expect")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expect": dynamoRev(expect),
		}
	}
	_, err := s.client.DeleteItem(ctx, input)
	if err == nil {
		return nil
	}
	if !isConditionFailed(err) {
		return fmt.Errorf("deleting record: %w", err)
	}
	if expect > 0 {
		if _, gerr := s.Get(ctx, key); gerr == nil {
			return ErrConflict
		}
	}
	return ErrNotFound
}

func (s *DynamoDBBackend) List(ctx context.Context, partition, prefix, startAfter string, limit int) ([]Item, error) {
	values := map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: partition},
	}
	cond := "pk = :pk"
	switch {
	case startAfter != "" && startAfter >= prefix:
		cond += " AND sk > :start"
		values[":start"] = &types.AttributeValueMemberB{Value: []byte(startAfter)}
	case prefix != "":
		cond += " AND begins_with(sk, :prefix)"
		values[":prefix"] = &types.AttributeValueMemberB{Value: []byte(prefix)}
	}

	var out []Item
	var exclusiveStartKey map[string]types.AttributeValue
	for {
		input := &dynamodb.QueryInput{
			TableName:                 aws.String(s.tableName),
			KeyConditionExpression:    aws.String(cond),
			ExpressionAttributeValues: values,
			ConsistentRead:            aws.Bool(true),
			ExclusiveStartKey:         exclusiveStartKey,
		}
		if limit > 0 {
			input.Limit = aws.Int32(int32(limit - len(out)))
		}

		resp, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("querying records: %w", err)
		}
		for _, raw := range resp.Items {
			it, err := itemFromDynamo(raw)
			if err != nil {
				return nil, err
			}
			if !bytes.HasPrefix([]byte(it.Key.Sort), []byte(prefix)) {
				// Past the prefix range; sort keys only increase from here.
				return out, nil
			}
			out = append(out, *it)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		if resp.LastEvaluatedKey == nil {
			return out, nil
		}
		exclusiveStartKey = resp.LastEvaluatedKey
	}
}

func itemFromDynamo(raw map[string]types.AttributeValue) (*Item, error) {
	pk, ok := raw["pk"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("dynamodb item without pk")
	}
	sk, ok := raw["sk"].(*types.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("dynamodb item without sk")
	}
	var value []byte
	if v, ok := raw["v"].(*types.AttributeValueMemberB); ok {
		value = v.Value
	}
	return &Item{
		Key:      Key{Partition: pk.Value, Sort: string(sk.Value)},
		Value:    value,
		Revision: getNInt(raw, "rev"),
	}, nil
}

func getNInt(item map[string]types.AttributeValue, key string) int64 {
	if v, ok := item[key].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}
