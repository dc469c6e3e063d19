package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"calendar-agent/internal/kv"
)

const (
	skValue = "VAL"

	attrValue  = "val"
	attrCount  = "cnt"
	attrExpiry = "exp" // unix millis, compared on every read
	attrTTL    = "ttl" // unix seconds, used by DynamoDB TTL reaping

	maxIncrAttempts = 3
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

var _ kv.Store = (*Client)(nil)

// Client implements kv.Store on a single DynamoDB table keyed by PK/SK.
//
// DynamoDB TTL deletes expired rows lazily (often hours later), so every
// conditional write and read also compares the row's exp attribute with the
// current time and treats an elapsed row as absent.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

func itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: key},
		"SK": &types.AttributeValueMemberS{Value: skValue},
	}
}

func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

var exprNames = map[string]string{
	"#val": attrValue,
	"#cnt": attrCount,
	"#exp": attrExpiry,
	"#ttl": attrTTL,
}

// names returns the subset of exprNames referenced by expr. DynamoDB rejects
// unused expression attribute names.
func names(exprs ...string) map[string]string {
	out := make(map[string]string)
	for placeholder, attr := range exprNames {
		for _, e := range exprs {
			if strings.Contains(e, placeholder) {
				out[placeholder] = attr
				break
			}
		}
	}
	return out
}

// valueItem builds a full row, omitting expiry attributes when ttl is zero.
func valueItem(key, value string, now time.Time, ttl time.Duration) map[string]types.AttributeValue {
	item := itemKey(key)
	item[attrValue] = &types.AttributeValueMemberS{Value: value}
	if ttl > 0 {
		exp := now.Add(ttl)
		item[attrExpiry] = numAttr(exp.UnixMilli())
		item[attrTTL] = numAttr(exp.Unix())
	}
	return item
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// Incr atomically increments the counter at key. A new window is started
// when the row is absent or its window has elapsed; the expiry is written
// with if_not_exists so increments inside a window never extend it.
func (c *Client) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Time, error) {
	if ttl <= 0 {
		return 0, time.Time{}, errors.New("repository: Incr: ttl must be positive")
	}
	for attempt := 0; attempt < maxIncrAttempts; attempt++ {
		now := c.now()
		exp := now.Add(ttl)
		update := "ADD #cnt :one SET #exp = if_not_exists(#exp, :exp), #ttl = if_not_exists(#ttl, :ttl)"
		cond := "attribute_not_exists(PK) OR #exp > :now"

		out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                aws.String(c.tableName),
			Key:                      itemKey(key),
			UpdateExpression:         aws.String(update),
			ConditionExpression:      aws.String(cond),
			ExpressionAttributeNames: names(update, cond),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":one": numAttr(1),
				":exp": numAttr(exp.UnixMilli()),
				":ttl": numAttr(exp.Unix()),
				":now": numAttr(now.UnixMilli()),
			},
			ReturnValues: types.ReturnValueAllNew,
		})
		if err == nil {
			count, err := int64Attr(out.Attributes, attrCount)
			if err != nil {
				return 0, time.Time{}, fmt.Errorf("repository: Incr decode count: %w", err)
			}
			expMillis, err := int64Attr(out.Attributes, attrExpiry)
			if err != nil {
				return 0, time.Time{}, fmt.Errorf("repository: Incr decode expiry: %w", err)
			}
			return count, time.UnixMilli(expMillis).UTC(), nil
		}
		if !isConditionFailed(err) {
			return 0, time.Time{}, fmt.Errorf("repository: Incr: %w", err)
		}

		// The window elapsed but the row has not been reaped: restart it. Only one
		// concurrent caller can win this conditional put.
		resetCond := "#exp <= :now"
		item := itemKey(key)
		item[attrCount] = numAttr(1)
		item[attrExpiry] = numAttr(exp.UnixMilli())
		item[attrTTL] = numAttr(exp.Unix())
		_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                 aws.String(c.tableName),
			Item:                      item,
			ConditionExpression:       aws.String(resetCond),
			ExpressionAttributeNames:  names(resetCond),
			ExpressionAttributeValues: map[string]types.AttributeValue{":now": numAttr(now.UnixMilli())},
		})
		if err == nil {
			return 1, time.UnixMilli(exp.UnixMilli()).UTC(), nil
		}
		if !isConditionFailed(err) {
			return 0, time.Time{}, fmt.Errorf("repository: Incr reset window: %w", err)
		}
		// Another writer restarted the window first; increment theirs.
	}
	return 0, time.Time{}, fmt.Errorf("repository: Incr: gave up after %d contended attempts", maxIncrAttempts)
}

// SetIfAbsent writes value only when key is absent or its expiry has passed.
func (c *Client) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := c.now()
	cond := "attribute_not_exists(PK) OR #exp <= :now"
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(c.tableName),
		Item:                      valueItem(key, value, now, ttl),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  names(cond),
		ExpressionAttributeValues: map[string]types.AttributeValue{":now": numAttr(now.UnixMilli())},
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: SetIfAbsent: %w", err)
	}
	return true, nil
}

// Get returns the live value at key or kv.ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("repository: Get: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return "", kv.ErrNotFound
	}
	if _, ok := out.Item[attrExpiry]; ok {
		expMillis, err := int64Attr(out.Item, attrExpiry)
		if err != nil {
			return "", fmt.Errorf("repository: Get decode expiry: %w", err)
		}
		if expMillis <= c.now().UnixMilli() {
			return "", kv.ErrNotFound
		}
	}
	if _, ok := out.Item[attrValue]; !ok {
		if n, ok := out.Item[attrCount].(*types.AttributeValueMemberN); ok {
			return n.Value, nil
		}
	}
	v, err := strAttr(out.Item, attrValue)
	if err != nil {
		return "", fmt.Errorf("repository: Get decode value: %w", err)
	}
	return v, nil
}

// Set writes value unconditionally.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      valueItem(key, value, c.now(), ttl),
	})
	if err != nil {
		return fmt.Errorf("repository: Set: %w", err)
	}
	return nil
}

// CompareAndSwap writes value only if the live value at key equals old, or,
// with an empty old, only if key is absent.
func (c *Client) CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	now := c.now()
	values := map[string]types.AttributeValue{":now": numAttr(now.UnixMilli())}
	cond := "attribute_not_exists(PK) OR #exp <= :now"
	if old != "" {
		cond = "#val = :old AND (attribute_not_exists(#exp) OR #exp > :now)"
		values[":old"] = &types.AttributeValueMemberS{Value: old}
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(c.tableName),
		Item:                      valueItem(key, value, now, ttl),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  names(cond),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: CompareAndSwap: %w", err)
	}
	return true, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       itemKey(key),
	})
	if err != nil {
		return fmt.Errorf("repository: Delete: %w", err)
	}
	return nil
}

// DeleteIfValue deletes key only while it still holds value.
func (c *Client) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	cond := "#val = :val"
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       itemKey(key),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  names(cond),
		ExpressionAttributeValues: map[string]types.AttributeValue{":val": &types.AttributeValueMemberS{Value: value}},
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: DeleteIfValue: %w", err)
	}
	return true, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
