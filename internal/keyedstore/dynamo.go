package keyedstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/gamepulse/lobbyd/internal/domain"
)

// DynamoConfig carries what the client needs; EndpointURL overrides the
// endpoint for local instances.
type DynamoConfig struct {
	Region      string
	EndpointURL string
	AccessKeyID string
	SecretKey   string
}

// NewDynamoClient builds the SDK client. Reads ride the SDK's standard
// retryer, which is the bounded-backoff retry the adapter promises.
func NewDynamoClient(ctx context.Context, cfg DynamoConfig) (*dynamodb.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	clientOpts := []func(*dynamodb.Options){}
	if cfg.EndpointURL != "" {
		clientOpts = append(clientOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		})
	}
	return dynamodb.NewFromConfig(awsCfg, clientOpts...), nil
}

// DynamoStore realizes Store on DynamoDB: ConsistentRead for strong reads,
// ConditionExpression for the version compare-and-set.
type DynamoStore struct {
	client *dynamodb.Client
	schema Schema
}

func NewDynamoStore(client *dynamodb.Client, schema Schema) *DynamoStore {
	return &DynamoStore{client: client, schema: schema}
}

func (s *DynamoStore) Get(ctx context.Context, table string, key Key, level ConsistencyLevel, out any) error {
	spec, err := s.spec(table)
	if err != nil {
		return err
	}
	keyMap, err := spec.keyMap(key)
	if err != nil {
		return err
	}
	res, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(spec.Name),
		Key:            keyMap,
		ConsistentRead: aws.Bool(level == Strong),
	})
	if err != nil {
		return domain.NewStoreUnavailableError("get "+table, err)
	}
	if len(res.Item) == 0 {
		return ErrNotFound
	}
	if err := attributevalue.UnmarshalMap(res.Item, out); err != nil {
		return fmt.Errorf("unmarshal %s row: %w", table, err)
	}
	return nil
}

func (s *DynamoStore) Query(ctx context.Context, table, partition string, opts QueryOptions, level ConsistencyLevel, out any) error {
	spec, err := s.spec(table)
	if err != nil {
		return err
	}
	input := &dynamodb.QueryInput{
		TableName:              aws.String(spec.Name),
		KeyConditionExpression: aws.String("#pk = :pk"),
		ExpressionAttributeNames: map[string]string{
			"#pk": spec.PartitionKey,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: partition},
		},
		ScanIndexForward: aws.Bool(!opts.Descending),
		ConsistentRead:   aws.Bool(level == Strong),
	}
	if opts.Limit > 0 {
		input.Limit = aws.Int32(opts.Limit)
	}
	res, err := s.client.Query(ctx, input)
	if err != nil {
		return domain.NewStoreUnavailableError("query "+table, err)
	}
	if err := attributevalue.UnmarshalListOfMaps(res.Items, out); err != nil {
		return fmt.Errorf("unmarshal %s rows: %w", table, err)
	}
	return nil
}

func (s *DynamoStore) QueryIndex(ctx context.Context, table, index, attr, value string, opts QueryOptions, out any) error {
	spec, err := s.spec(table)
	if err != nil {
		return err
	}
	input := &dynamodb.QueryInput{
		TableName:              aws.String(spec.Name),
		IndexName:              aws.String(index),
		KeyConditionExpression: aws.String("#k = :v"),
		ExpressionAttributeNames: map[string]string{
			"#k": attr,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberS{Value: value},
		},
		ScanIndexForward: aws.Bool(!opts.Descending),
	}
	if opts.Limit > 0 {
		input.Limit = aws.Int32(opts.Limit)
	}
	res, err := s.client.Query(ctx, input)
	if err != nil {
		return domain.NewStoreUnavailableError("query "+table+"/"+index, err)
	}
	if err := attributevalue.UnmarshalListOfMaps(res.Items, out); err != nil {
		return fmt.Errorf("unmarshal %s rows: %w", table, err)
	}
	return nil
}

func (s *DynamoStore) Scan(ctx context.Context, table string, out any) error {
	spec, err := s.spec(table)
	if err != nil {
		return err
	}
	var items []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue
	for {
		res, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(spec.Name),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return domain.NewStoreUnavailableError("scan "+table, err)
		}
		items = append(items, res.Items...)
		if len(res.LastEvaluatedKey) == 0 {
			break
		}
		startKey = res.LastEvaluatedKey
	}
	if err := attributevalue.UnmarshalListOfMaps(items, out); err != nil {
		return fmt.Errorf("unmarshal %s rows: %w", table, err)
	}
	return nil
}

func (s *DynamoStore) Put(ctx context.Context, table string, item any) error {
	spec, err := s.spec(table)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshal %s row: %w", table, err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(spec.Name),
		Item:      av,
	})
	if err != nil {
		return domain.NewStoreUnavailableError("put "+table, err)
	}
	return nil
}

func (s *DynamoStore) ConditionalPut(ctx context.Context, table string, item any, expectedVersion int64) error {
	spec, err := s.spec(table)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshal %s row: %w", table, err)
	}
	input := &dynamodb.PutItemInput{
		TableName: aws.String(spec.Name),
		Item:      av,
	}
	if expectedVersion == 0 {
		input.ConditionExpression = aws.String("attribute_not_exists(#pk)")
		input.ExpressionAttributeNames = map[string]string{"#pk": spec.PartitionKey}
	} else {
		input.ConditionExpression = aws.String("#ver = :expected")
		input.ExpressionAttributeNames = map[string]string{"#ver": "version"}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expectedVersion)},
		}
	}
	_, err = s.client.PutItem(ctx, input)
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return ErrVersionConflict
		}
		return domain.NewStoreUnavailableError("conditional put "+table, err)
	}
	return nil
}

func (s *DynamoStore) Delete(ctx context.Context, table string, key Key) error {
	spec, err := s.spec(table)
	if err != nil {
		return err
	}
	keyMap, err := spec.keyMap(key)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(spec.Name),
		Key:       keyMap,
	})
	if err != nil {
		return domain.NewStoreUnavailableError("delete "+table, err)
	}
	return nil
}

func (s *DynamoStore) spec(table string) (TableSpec, error) {
	spec, ok := s.schema[table]
	if !ok {
		return TableSpec{}, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return spec, nil
}

func (t TableSpec) keyMap(key Key) (map[string]types.AttributeValue, error) {
	m := map[string]types.AttributeValue{
		t.PartitionKey: &types.AttributeValueMemberS{Value: key.Partition},
	}
	if t.SortKey != "" {
		if key.Sort == "" {
			return nil, fmt.Errorf("table %s requires a sort key", t.Name)
		}
		m[t.SortKey] = &types.AttributeValueMemberS{Value: key.Sort}
	}
	return m, nil
}
