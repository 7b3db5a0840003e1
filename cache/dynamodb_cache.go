package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ammiranda/treeext/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DefaultDynamoDBTable is the table used when none is configured.
const DefaultDynamoDBTable = "TreeHierarchyCache"

// DynamoDBAPI defines the interface for DynamoDB operations
type DynamoDBAPI interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// CacheItem is the stored form of one hierarchy. The hierarchy itself is
// kept as JSON so that node fields survive unchanged.
type CacheItem struct {
	Key        string `dynamodbav:"key"`
	Generation string `dynamodbav:"generation"`
	Data       string `dynamodbav:"data"`
	Timestamp  int64  `dynamodbav:"timestamp"`
	TTL        int64  `dynamodbav:"ttl"`
}

// DynamoDBCache implements Provider using DynamoDB. Like RedisCache it
// tags entries with a per class generation.
type DynamoDBCache struct {
	client   DynamoDBAPI
	table    string
	cacheTTL time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

// NewDynamoDBCache creates a new DynamoDB cache provider from the default
// AWS configuration
func NewDynamoDBCache(ctx context.Context, table string) (*DynamoDBCache, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return NewDynamoDBCacheWithClient(dynamodb.NewFromConfig(cfg), table), nil
}

// NewDynamoDBCacheWithClient creates a new DynamoDB cache provider with a custom client
func NewDynamoDBCacheWithClient(client DynamoDBAPI, table string) *DynamoDBCache {
	if table == "" {
		table = DefaultDynamoDBTable
	}
	return &DynamoDBCache{
		client:   client,
		table:    table,
		cacheTTL: DefaultTTL,
		log:      zerolog.Nop(),
		now:      time.Now,
	}
}

// WithLogger sets the logger used for failures that are not returned.
func (c *DynamoDBCache) WithLogger(l zerolog.Logger) *DynamoDBCache {
	c.log = l
	return c
}

// Initialize creates the DynamoDB table if it doesn't exist
func (c *DynamoDBCache) Initialize(ctx context.Context) error {
	_, err := c.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(c.table),
	})
	if err == nil {
		return nil
	}

	_, err = c.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(c.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("key"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("key"),
				KeyType:       types.KeyTypeHash,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	return err
}

func itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"key": &types.AttributeValueMemberS{Value: key},
	}
}

func (c *DynamoDBCache) getItem(ctx context.Context, key string) (*CacheItem, error) {
	result, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.table),
		Key:       itemKey(key),
	})
	if err != nil || result.Item == nil {
		return nil, err
	}
	var item CacheItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (c *DynamoDBCache) generation(ctx context.Context, class string) (string, error) {
	item, err := c.getItem(ctx, "generation#"+class)
	if err != nil || item == nil {
		return "", err
	}
	return item.Generation, nil
}

// GetHierarchy retrieves a hierarchy from DynamoDB cache if available
func (c *DynamoDBCache) GetHierarchy(ctx context.Context, key Key) ([]*models.TreeNode, bool) {
	gen, err := c.generation(ctx, key.Class)
	if err != nil {
		c.log.Warn().Err(err).Str("class", key.Class).Msg("dynamodb cache generation lookup failed")
		return nil, false
	}
	item, err := c.getItem(ctx, key.String())
	if err != nil || item == nil || item.Generation != gen {
		return nil, false
	}

	if c.now().Unix() > item.TTL {
		if _, err := c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(c.table),
			Key:       itemKey(item.Key),
		}); err != nil {
			c.log.Warn().Err(err).Str("key", item.Key).Msg("deleting expired cache item failed")
		}
		return nil, false
	}

	var tree []*models.TreeNode
	if err := json.Unmarshal([]byte(item.Data), &tree); err != nil {
		return nil, false
	}
	return tree, true
}

func (c *DynamoDBCache) put(ctx context.Context, item CacheItem) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return err
	}
	_, err = c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item:      av,
	})
	return err
}

// SetHierarchy stores a hierarchy in DynamoDB cache
func (c *DynamoDBCache) SetHierarchy(ctx context.Context, key Key, tree []*models.TreeNode) {
	gen, err := c.generation(ctx, key.Class)
	if err != nil {
		c.log.Warn().Err(err).Str("class", key.Class).Msg("dynamodb cache generation lookup failed")
		return
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return
	}
	now := c.now()
	err = c.put(ctx, CacheItem{
		Key:        key.String(),
		Generation: gen,
		Data:       string(data),
		Timestamp:  now.Unix(),
		TTL:        now.Add(c.cacheTTL).Unix(),
	})
	if err != nil {
		c.log.Warn().Err(err).Str("class", key.Class).Msg("dynamodb cache write failed")
	}
}

// InvalidateClass starts a new generation for class
func (c *DynamoDBCache) InvalidateClass(ctx context.Context, class string) error {
	return c.put(ctx, CacheItem{
		Key:        "generation#" + class,
		Generation: uuid.NewString(),
		Timestamp:  c.now().Unix(),
	})
}

// SetCacheTTL sets the cache time-to-live duration
func (c *DynamoDBCache) SetCacheTTL(ttl time.Duration) {
	c.cacheTTL = ttl
}
