package stores

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/quadnix/octo-sub002/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 keeps objects of a single bucket in memory.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []*s3.PutObjectInput
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	return out, nil
}

// fakeDynamoDB implements the conditional put used for locking.
type fakeDynamoDB struct {
	mu    sync.Mutex
	items map[string]string
}

func (f *fakeDynamoDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := in.Item["LockID"].(*dbtypes.AttributeValueMemberS).Value
	if _, ok := f.items[id]; ok {
		return nil, &dbtypes.ConditionalCheckFailedException{Message: aws.String("exists")}
	}
	f.items[id] = in.Item["Info"].(*dbtypes.AttributeValueMemberS).Value
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamoDB) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := in.Key["LockID"].(*dbtypes.AttributeValueMemberS).Value
	info := in.ExpressionAttributeValues[":info"].(*dbtypes.AttributeValueMemberS).Value
	if f.items[id] != info {
		return nil, &dbtypes.ConditionalCheckFailedException{Message: aws.String("not holder")}
	}
	delete(f.items, id)
	return &dynamodb.DeleteItemOutput{}, nil
}

func TestS3StateProviderRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	p := NewS3StateProviderWithClients(S3Config{Bucket: "b", Prefix: "envs/prod", Encrypt: true}, client, nil)

	data, err := p.GetState(ctx, "models", []byte("default"))
	require.NoError(t, err)
	assert.Equal(t, "default", string(data))

	require.NoError(t, p.SaveState(ctx, "models", []byte("v1")))
	require.NoError(t, p.SaveState(ctx, "actual-resources", []byte("r")))
	client.objects["envs/prod/nested/other.json"] = []byte("x")
	client.objects["envs/staging/models.json"] = []byte("x")

	data, err = p.GetState(ctx, "models", nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
	assert.Contains(t, client.objects, "envs/prod/models.json")
	assert.Equal(t, s3types.ServerSideEncryptionAes256, client.puts[0].ServerSideEncryption)

	names, err := p.ListStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"actual-resources", "models"}, names)
}

func TestS3StateProviderLock(t *testing.T) {
	ctx := context.Background()
	db := &fakeDynamoDB{items: make(map[string]string)}
	cfg := S3Config{Bucket: "b", DynamoDBTable: "locks"}

	first := NewS3StateProviderWithClients(cfg, newFakeS3(), db)
	second := NewS3StateProviderWithClients(cfg, newFakeS3(), db)

	require.NoError(t, first.Lock(ctx))
	assert.Equal(t, errs.ErrCodeLocked, errs.CodeOf(second.Lock(ctx)))

	require.NoError(t, second.Unlock(ctx), "unlocking without holding the lock is a no-op")
	require.NoError(t, first.Unlock(ctx))
	assert.Empty(t, db.items)
	assert.NoError(t, second.Lock(ctx))
}

func TestS3StateProviderWithoutLockTable(t *testing.T) {
	p := NewS3StateProviderWithClients(S3Config{Bucket: "b"}, newFakeS3(), nil)
	assert.NoError(t, p.Lock(context.Background()))
	assert.NoError(t, p.Unlock(context.Background()))
}

func TestNewS3StateProviderRequiresBucket(t *testing.T) {
	_, err := NewS3StateProvider(context.Background(), S3Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")
}
