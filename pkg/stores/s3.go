package stores

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
)

// S3API is the subset of the S3 client used by S3StateProvider.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// DynamoDBAPI is the subset of the DynamoDB client used for locking.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// S3Config configures an S3StateProvider.
type S3Config struct {
	Bucket        string
	Prefix        string
	Region        string
	Profile       string
	DynamoDBTable string
	Encrypt       bool
}

// S3StateProvider stores one object per document under a prefix. When a DynamoDB table
// is configured it also implements locking with a conditional put.
type S3StateProvider struct {
	cfg    S3Config
	s3     S3API
	db     DynamoDBAPI
	lockID string
}

// NewS3StateProvider loads the default AWS configuration and creates the clients.
func NewS3StateProvider(ctx context.Context, cfg S3Config) (*S3StateProvider, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 state requires a bucket")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	var db DynamoDBAPI
	if cfg.DynamoDBTable != "" {
		db = dynamodb.NewFromConfig(awsCfg)
	}
	return NewS3StateProviderWithClients(cfg, s3.NewFromConfig(awsCfg), db), nil
}

// NewS3StateProviderWithClients creates a provider over existing clients. db may be nil
// when no lock table is configured.
func NewS3StateProviderWithClients(cfg S3Config, s3Client S3API, db DynamoDBAPI) *S3StateProvider {
	return &S3StateProvider{cfg: cfg, s3: s3Client, db: db}
}

func (p *S3StateProvider) key(name string) string {
	return path.Join(p.cfg.Prefix, name+documentExt)
}

// GetState fetches the document object. A missing object yields def.
func (p *S3StateProvider) GetState(ctx context.Context, name string, def []byte) ([]byte, error) {
	key := p.key(name)
	result, err := p.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return def, nil
		}
		return nil, fmt.Errorf("failed to read state from s3://%s/%s: %w", p.cfg.Bucket, key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}
	return data, nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

// SaveState uploads the document, with server-side encryption when configured.
func (p *S3StateProvider) SaveState(ctx context.Context, name string, data []byte) error {
	key := p.key(name)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(p.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	if p.cfg.Encrypt {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}

	if _, err := p.s3.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to write state to s3://%s/%s: %w", p.cfg.Bucket, key, err)
	}
	return nil
}

// ListStates lists the documents under the prefix.
func (p *S3StateProvider) ListStates(ctx context.Context) ([]string, error) {
	prefix := p.cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var names []string
	paginator := s3.NewListObjectsV2Paginator(p.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", p.cfg.Bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			rest := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if strings.Contains(rest, "/") {
				continue
			}
			if name, ok := documentName(rest); ok {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

func (p *S3StateProvider) lockKey() string {
	return p.cfg.Bucket + "/" + p.key("state")
}

// Lock puts the lock item unless one exists. Without a lock table it does nothing.
func (p *S3StateProvider) Lock(ctx context.Context) error {
	if p.db == nil {
		return nil
	}

	lockID := fmt.Sprintf("octo-%d-%s", os.Getpid(), uuid.NewString())
	_, err := p.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(p.cfg.DynamoDBTable),
		Item: map[string]dbtypes.AttributeValue{
			"LockID":  &dbtypes.AttributeValueMemberS{Value: p.lockKey()},
			"Info":    &dbtypes.AttributeValueMemberS{Value: lockID},
			"Created": &dbtypes.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID)"),
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return errLocked(p.cfg.DynamoDBTable + ":" + p.lockKey())
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	p.lockID = lockID
	return nil
}

// Unlock deletes the lock item written by Lock.
func (p *S3StateProvider) Unlock(ctx context.Context) error {
	if p.db == nil || p.lockID == "" {
		return nil
	}

	_, err := p.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(p.cfg.DynamoDBTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: p.lockKey()},
		},
		ConditionExpression:       aws.String("Info = :info"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{":info": &dbtypes.AttributeValueMemberS{Value: p.lockID}},
	})
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	p.lockID = ""
	return nil
}
