package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/terrane-io/terrane/internal/ir"
)

// s3Store keeps one object per record under a key prefix in S3, with an
// optional DynamoDB table for run locking.
type s3Store struct {
	bucket        string
	prefix        string
	region        string
	dynamoDBTable string
	profile       string

	s3Client *s3.Client
	dbClient *dynamodb.Client
	lockID   string
}

func newS3Store(config map[string]string) (Store, error) {
	bucket := config["bucket"]
	if bucket == "" {
		return nil, fmt.Errorf("s3 backend requires 'bucket' configuration")
	}

	prefix := config["prefix"]
	if prefix == "" {
		prefix = "terrane/state"
	}
	prefix = strings.TrimSuffix(prefix, "/")

	region := config["region"]
	if region == "" {
		region = "us-east-1"
	}

	b := &s3Store{
		bucket:        bucket,
		prefix:        prefix,
		region:        region,
		dynamoDBTable: config["dynamodb_table"],
		profile:       config["profile"],
	}

	if err := b.initClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize S3 backend: %w", err)
	}
	return b, nil
}

func (b *s3Store) initClients() error {
	ctx := context.Background()

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(b.region))
	if b.profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(b.profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("unable to load AWS config: %w", err)
	}

	b.s3Client = s3.NewFromConfig(cfg)
	if b.dynamoDBTable != "" {
		b.dbClient = dynamodb.NewFromConfig(cfg)
	}
	return nil
}

func (b *s3Store) Load(ctx context.Context) ([]*ir.StateRecord, error) {
	var records []*ir.StateRecord

	paginator := s3.NewListObjectsV2Paginator(b.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.prefix + "/"),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list state objects: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}
			rec, err := b.readRecord(ctx, key)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
	}
	return records, nil
}

func (b *s3Store) readRecord(ctx context.Context, key string) (*ir.StateRecord, error) {
	result, err := b.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read state object %s: %w", key, err)
	}
	defer result.Body.Close()

	raw, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read state object %s: %w", key, err)
	}
	raw, err = DecryptRecord(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state object %s: %w", key, err)
	}

	var rec ir.StateRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse state object %s: %w", key, err)
	}
	return &rec, nil
}

func (b *s3Store) Commit(ctx context.Context, rec *ir.StateRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state record %s: %w", rec.Addr(), err)
	}
	data, err = EncryptRecord(append(data, '\n'))
	if err != nil {
		return fmt.Errorf("failed to encrypt state record %s: %w", rec.Addr(), err)
	}

	_, err = b.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.recordKey(rec.Addr())),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to commit state record %s: %w", rec.Addr(), err)
	}
	return nil
}

func (b *s3Store) Remove(ctx context.Context, addr string) error {
	_, err := b.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.recordKey(addr)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil
		}
		return fmt.Errorf("failed to remove state record %s: %w", addr, err)
	}
	return nil
}

// Lock acquires a DynamoDB lock when a table is configured; otherwise it is
// a no-op (S3 alone cannot express a conditional lock).
func (b *s3Store) Lock() error {
	if b.dbClient == nil {
		return nil
	}

	hostname, _ := os.Hostname()
	b.lockID = fmt.Sprintf("%s/%s", b.bucket, b.prefix)
	info := fmt.Sprintf("host=%s pid=%d time=%s", hostname, os.Getpid(), time.Now().UTC().Format(time.RFC3339))

	_, err := b.dbClient.PutItem(context.Background(), &dynamodb.PutItemInput{
		TableName: aws.String(b.dynamoDBTable),
		Item: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: b.lockID},
			"Info":   &dbtypes.AttributeValueMemberS{Value: info},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID)"),
	})
	if err != nil {
		var cond *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return fmt.Errorf("state is locked by another process (lock id: %s)", b.lockID)
		}
		return fmt.Errorf("failed to acquire state lock: %w", err)
	}
	return nil
}

// Unlock releases the DynamoDB lock.
func (b *s3Store) Unlock() error {
	if b.dbClient == nil || b.lockID == "" {
		return nil
	}

	_, err := b.dbClient.DeleteItem(context.Background(), &dynamodb.DeleteItemInput{
		TableName: aws.String(b.dynamoDBTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: b.lockID},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to release state lock: %w", err)
	}
	return nil
}

func (b *s3Store) recordKey(addr string) string {
	return b.prefix + "/" + recordFileName(addr)
}
