// Package dynamostore stores pastes in a DynamoDB table keyed by "id".
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"pastebin-lite/internal/storage"
)

// Store implements storage.Store on DynamoDB.
type Store struct {
	client    *dynamodb.Client
	tableName string
}

// Options selects the table and, for local testing, a custom endpoint.
type Options struct {
	Table    string
	Region   string
	Endpoint string
	// NoServerExpiry leaves DynamoDB TTL off when the table is created.
	NoServerExpiry bool
}

// Open loads the default AWS config and makes sure the table exists,
// creating it on demand.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Table == "" {
		return nil, errors.New("dynamodb table required")
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	s := &Store{client: client, tableName: opts.Table}
	if err := s.ensureTable(ctx, !opts.NoServerExpiry); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureTable(ctx context.Context, ttl bool) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.tableName)})
	if err == nil {
		return nil
	}
	var missing *types.ResourceNotFoundException
	if !errors.As(err, &missing) {
		return fmt.Errorf("describe table: %w", err)
	}

	if _, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	}); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.tableName)}, 25*time.Second); err != nil {
		return fmt.Errorf("wait for table: %w", err)
	}
	if !ttl {
		return nil
	}
	// Let DynamoDB reclaim expired items in the background as well.
	if _, err := s.client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(s.tableName),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String("expires_at"),
			Enabled:       aws.Bool(true),
		},
	}); err != nil {
		return fmt.Errorf("enable ttl: %w", err)
	}
	return nil
}

// Save inserts a paste; an existing id yields storage.ErrDuplicate.
func (s *Store) Save(ctx context.Context, paste *storage.Paste) error {
	if paste == nil {
		return errors.New("paste is nil")
	}
	item := map[string]types.AttributeValue{
		"id":         &types.AttributeValueMemberS{Value: paste.ID},
		"content":    &types.AttributeValueMemberS{Value: paste.Content},
		"created_at": number(paste.CreatedAt.UTC().Unix()),
		"view_count": number(int64(paste.ViewCount)),
	}
	if paste.TTLSeconds > 0 {
		item["ttl_seconds"] = number(int64(paste.TTLSeconds))
	}
	if paste.HasExpiration() {
		item["expires_at"] = number(paste.ExpiresAt.UTC().Unix())
	}
	if paste.MaxViews > 0 {
		item["max_views"] = number(int64(paste.MaxViews))
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return storage.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("save paste: %w", err)
	}
	return nil
}

// Get fetches a paste by id with a strongly consistent read.
func (s *Store) Get(ctx context.Context, id string) (*storage.Paste, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get paste: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, storage.ErrNotFound
	}
	return itemToPaste(out.Item)
}

// IncrementViews adds one view unless the paste's view limit is reached.
func (s *Store) IncrementViews(ctx context.Context, id string) (int, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 key(id),
		UpdateExpression:    aws.String("SET view_count = view_count + :one"),
		ConditionExpression: aws.String("attribute_exists(id) AND (attribute_not_exists(max_views) OR view_count < max_views)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": number(1),
		},
		ReturnValues:                        types.ReturnValueUpdatedNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		if len(ccf.Item) == 0 {
			return 0, storage.ErrNotFound
		}
		return 0, storage.ErrExhausted
	}
	if err != nil {
		return 0, fmt.Errorf("increment views: %w", err)
	}
	attr, ok := out.Attributes["view_count"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, errors.New("increment views: view_count missing from response")
	}
	n, err := strconv.Atoi(attr.Value)
	if err != nil {
		return 0, fmt.Errorf("decode view_count: %w", err)
	}
	return n, nil
}

// DeleteExpired scans for pastes whose expiry is at or before the given time
// and deletes each one conditionally.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	cutoff := number(before.UTC().Unix())
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:            aws.String(s.tableName),
		FilterExpression:     aws.String("expires_at <= :before"),
		ProjectionExpression: aws.String("id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":before": cutoff,
		},
	})

	removed := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return removed, fmt.Errorf("scan expired: %w", err)
		}
		for _, item := range page.Items {
			idAttr, ok := item["id"].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName:           aws.String(s.tableName),
				Key:                 key(idAttr.Value),
				ConditionExpression: aws.String("expires_at <= :before"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":before": cutoff,
				},
			})
			var ccf *types.ConditionalCheckFailedException
			if errors.As(err, &ccf) {
				continue
			}
			if err != nil {
				return removed, fmt.Errorf("delete expired paste %s: %w", idAttr.Value, err)
			}
			removed++
		}
	}
	return removed, nil
}

// Ping checks that the table is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.tableName)})
	return err
}

// Close is a no-op for DynamoDB.
func (s *Store) Close() error {
	return nil
}

func key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

func number(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func itemToPaste(item map[string]types.AttributeValue) (*storage.Paste, error) {
	p := &storage.Paste{}
	if id, ok := item["id"].(*types.AttributeValueMemberS); ok {
		p.ID = id.Value
	}
	if content, ok := item["content"].(*types.AttributeValueMemberS); ok {
		p.Content = content.Value
	}

	ints := map[string]*int64{}
	var created, ttl, expires, maxViews, views int64
	ints["created_at"] = &created
	ints["ttl_seconds"] = &ttl
	ints["expires_at"] = &expires
	ints["max_views"] = &maxViews
	ints["view_count"] = &views
	for name, dst := range ints {
		attr, ok := item[name].(*types.AttributeValueMemberN)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(attr.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		*dst = n
	}

	p.CreatedAt = time.Unix(created, 0).UTC()
	if expires > 0 {
		p.ExpiresAt = time.Unix(expires, 0).UTC()
	}
	p.TTLSeconds = int(ttl)
	p.MaxViews = int(maxViews)
	p.ViewCount = int(views)
	return p, nil
}
