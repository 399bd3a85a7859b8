package issuesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// FixVersionIndex is the secondary index keyed by grouping key + source
// update timestamp, scanned newest-first for scoped reads.
const FixVersionIndex = "FixVersionIndex"

// putIfNewerCondition encodes the acceptance rule of acceptsWrite as a
// DynamoDB condition expression, evaluated atomically against the stored
// item for the same issue key.
const putIfNewerCondition = "attribute_not_exists(issue_key) OR updated_at < :ts OR (updated_at = :ts AND deleted = :live)"

// DynamoAPI is the slice of the DynamoDB client the gateway needs; tests
// substitute a fake.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStore is the production gateway: one item per issue key, conditional
// writes for monotonicity, FixVersionIndex for scoped scans. Throttling
// faults are retried through the shared policy before propagating.
type DynamoStore struct {
	client DynamoAPI
	table  string
	retry  Policy
	logger *slog.Logger
	now    func() time.Time
}

func NewDynamoStore(client DynamoAPI, table string, opts StoreOptions) (*DynamoStore, error) {
	if client == nil || table == "" {
		return nil, ErrInvalidInput
	}
	opts = opts.withDefaults()
	return &DynamoStore{
		client: client,
		table:  table,
		retry:  opts.Retry,
		logger: opts.Logger,
		now:    opts.Now,
	}, nil
}

func (s *DynamoStore) QueryByScope(ctx context.Context, scope string) ([]IssueRecord, error) {
	var records []IssueRecord
	var startKey map[string]ddbtypes.AttributeValue
	for {
		input := &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			IndexName:              aws.String(FixVersionIndex),
			KeyConditionExpression: aws.String("fix_version = :fv"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":fv": &ddbtypes.AttributeValueMemberS{Value: scope},
			},
			ScanIndexForward:  aws.Bool(false),
			ExclusiveStartKey: startKey,
		}
		var out *dynamodb.QueryOutput
		err := Retry(ctx, s.retry, s.logger, "dynamodb query", func() error {
			var callErr error
			out, callErr = s.client.Query(ctx, input)
			return callErr
		})
		if err != nil {
			return nil, fmt.Errorf("query scope %q: %w", scope, err)
		}
		var page []IssueRecord
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("decode scope %q page: %w", scope, err)
		}
		records = append(records, page...)
		if len(out.LastEvaluatedKey) == 0 {
			return records, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (s *DynamoStore) GetLatest(ctx context.Context, issueKey string) (*IssueRecord, error) {
	input := &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]ddbtypes.AttributeValue{
			"issue_key": &ddbtypes.AttributeValueMemberS{Value: issueKey},
		},
		ConsistentRead: aws.Bool(true),
	}
	var out *dynamodb.GetItemOutput
	err := Retry(ctx, s.retry, s.logger, "dynamodb get", func() error {
		var callErr error
		out, callErr = s.client.GetItem(ctx, input)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", issueKey, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec IssueRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("decode %q: %w", issueKey, err)
	}
	return &rec, nil
}

func (s *DynamoStore) PutIfNewer(ctx context.Context, rec IssueRecord) (WriteOutcome, error) {
	if rec.IssueKey == "" {
		return WriteConflict, ErrInvalidInput
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return WriteConflict, fmt.Errorf("encode %q: %w", rec.IssueKey, err)
	}
	input := &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String(putIfNewerCondition),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":ts":   &ddbtypes.AttributeValueMemberS{Value: rec.UpdatedAt},
			":live": &ddbtypes.AttributeValueMemberBOOL{Value: false},
		},
	}
	err = Retry(ctx, s.retry, s.logger, "dynamodb put", func() error {
		_, callErr := s.client.PutItem(ctx, input)
		return callErr
	})
	if err != nil {
		var conditionFailed *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			s.logger.Info("skipping outdated write",
				"issue_key", rec.IssueKey,
				"updated_at", rec.UpdatedAt)
			return WriteConflict, nil
		}
		return WriteConflict, fmt.Errorf("put %q: %w", rec.IssueKey, err)
	}
	return WriteApplied, nil
}

func (s *DynamoStore) Tombstone(ctx context.Context, placeholder IssueRecord) (TombstoneOutcome, error) {
	if placeholder.IssueKey == "" {
		return TombstoneSynthesized, ErrInvalidInput
	}
	existing, err := s.GetLatest(ctx, placeholder.IssueKey)
	if err != nil {
		return TombstoneSynthesized, err
	}
	if existing == nil {
		placeholder.Deleted = true
		if placeholder.ReceivedAt == "" {
			placeholder.ReceivedAt = FormatTimestamp(s.now())
		}
		if _, err := s.PutIfNewer(ctx, placeholder); err != nil {
			return TombstoneSynthesized, err
		}
		return TombstoneSynthesized, nil
	}

	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]ddbtypes.AttributeValue{
			"issue_key": &ddbtypes.AttributeValueMemberS{Value: placeholder.IssueKey},
		},
		UpdateExpression: aws.String("SET deleted = :deleted, last_event_type = :event, received_at = :now, idempotency_key = :id"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":deleted": &ddbtypes.AttributeValueMemberBOOL{Value: true},
			":event":   &ddbtypes.AttributeValueMemberS{Value: placeholder.LastEventType},
			":now":     &ddbtypes.AttributeValueMemberS{Value: FormatTimestamp(s.now())},
			":id":      &ddbtypes.AttributeValueMemberS{Value: placeholder.IdempotencyKey},
		},
	}
	err = Retry(ctx, s.retry, s.logger, "dynamodb tombstone", func() error {
		_, callErr := s.client.UpdateItem(ctx, input)
		return callErr
	})
	if err != nil {
		return TombstonePatched, fmt.Errorf("tombstone %q: %w", placeholder.IssueKey, err)
	}
	return TombstonePatched, nil
}

func (s *DynamoStore) DiscoverScopes(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var startKey map[string]ddbtypes.AttributeValue
	for {
		input := &dynamodb.ScanInput{
			TableName:                aws.String(s.table),
			ProjectionExpression:     aws.String("#fv"),
			ExpressionAttributeNames: map[string]string{"#fv": "fix_version"},
			ExclusiveStartKey:        startKey,
		}
		var out *dynamodb.ScanOutput
		err := Retry(ctx, s.retry, s.logger, "dynamodb scan", func() error {
			var callErr error
			out, callErr = s.client.Scan(ctx, input)
			return callErr
		})
		if err != nil {
			return nil, fmt.Errorf("discover scopes: %w", err)
		}
		for _, item := range out.Items {
			if attr, ok := item["fix_version"].(*ddbtypes.AttributeValueMemberS); ok && attr.Value != "" {
				seen[attr.Value] = true
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	scopes := make([]string, 0, len(seen))
	for scope := range seen {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes, nil
}

func (s *DynamoStore) Close() error {
	return nil
}
