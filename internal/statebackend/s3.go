package statebackend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
)

// lockTableWait bounds how long EnsureBackend waits for a new lock table.
const lockTableWait = 2 * time.Minute

// S3API is the subset of the S3 client used by [S3Manager].
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutPublicAccessBlock(ctx context.Context, params *s3.PutPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error)
	PutBucketEncryption(ctx context.Context, params *s3.PutBucketEncryptionInput, optFns ...func(*s3.Options)) (*s3.PutBucketEncryptionOutput, error)
	PutBucketVersioning(ctx context.Context, params *s3.PutBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// DynamoDBAPI is the subset of the DynamoDB client used by [S3Manager].
type DynamoDBAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// CallerIdentityAPI resolves the account the assumed credentials belong to.
type CallerIdentityAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// S3Clients groups the AWS clients an [S3Manager] needs. All of them must
// be built from the customer's assumed-role credentials.
type S3Clients struct {
	S3       S3API
	DynamoDB DynamoDBAPI
	STS      CallerIdentityAPI
}

// S3Manager keeps Terraform state in an S3 bucket with DynamoDB locking.
type S3Manager struct {
	clients   S3Clients
	region    string
	lockTable string
	logger    *slog.Logger

	mu        sync.Mutex
	accountID string
}

// NewS3Manager creates an [S3Manager] for the account behind clients.
func NewS3Manager(clients S3Clients, region, lockTable string, logger *slog.Logger) *S3Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Manager{clients: clients, region: region, lockTable: lockTable, logger: logger}
}

// AccountID returns the AWS account of the assumed credentials.
func (m *S3Manager) AccountID(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accountID != "" {
		return m.accountID, nil
	}

	out, err := m.clients.STS.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("failed to resolve aws account: %w", err)
	}
	m.accountID = aws.ToString(out.Account)
	if m.accountID == "" {
		return "", errors.New("caller identity returned no account id")
	}
	return m.accountID, nil
}

func (m *S3Manager) EnsureBackend(ctx context.Context, project string) (Backend, error) {
	account, err := m.AccountID(ctx)
	if err != nil {
		return Backend{}, err
	}
	bucket := BucketName(account)

	if err := m.ensureBucket(ctx, bucket); err != nil {
		return Backend{}, err
	}
	if err := m.ensureLockTable(ctx); err != nil {
		return Backend{}, err
	}

	return Backend{
		Kind:      "s3",
		Bucket:    bucket,
		Key:       StateKey(project),
		Prefix:    StatePrefix(project),
		Region:    m.region,
		LockTable: m.lockTable,
	}, nil
}

func (m *S3Manager) ensureBucket(ctx context.Context, bucket string) error {
	_, err := m.clients.S3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}
	if !isS3NotFound(err) {
		return fmt.Errorf("failed to check state bucket %s: %w", bucket, err)
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if m.region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(m.region),
		}
	}
	if _, err := m.clients.S3.CreateBucket(ctx, input); err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			m.logger.Info("state bucket created concurrently", "bucket", bucket)
			return nil
		}
		var exists *s3types.BucketAlreadyExists
		if errors.As(err, &exists) {
			return fmt.Errorf("state bucket %s is owned by another aws account: %w", bucket, err)
		}
		return fmt.Errorf("failed to create state bucket %s: %w", bucket, err)
	}

	if _, err := m.clients.S3.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
		Bucket: aws.String(bucket),
		PublicAccessBlockConfiguration: &s3types.PublicAccessBlockConfiguration{
			BlockPublicAcls:       aws.Bool(true),
			IgnorePublicAcls:      aws.Bool(true),
			BlockPublicPolicy:     aws.Bool(true),
			RestrictPublicBuckets: aws.Bool(true),
		},
	}); err != nil {
		return fmt.Errorf("failed to block public access on %s: %w", bucket, err)
	}

	if _, err := m.clients.S3.PutBucketEncryption(ctx, &s3.PutBucketEncryptionInput{
		Bucket: aws.String(bucket),
		ServerSideEncryptionConfiguration: &s3types.ServerSideEncryptionConfiguration{
			Rules: []s3types.ServerSideEncryptionRule{{
				ApplyServerSideEncryptionByDefault: &s3types.ServerSideEncryptionByDefault{
					SSEAlgorithm: s3types.ServerSideEncryptionAes256,
				},
			}},
		},
	}); err != nil {
		return fmt.Errorf("failed to enable encryption on %s: %w", bucket, err)
	}

	if _, err := m.clients.S3.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket: aws.String(bucket),
		VersioningConfiguration: &s3types.VersioningConfiguration{
			Status: s3types.BucketVersioningStatusEnabled,
		},
	}); err != nil {
		return fmt.Errorf("failed to enable versioning on %s: %w", bucket, err)
	}

	m.logger.Info("created state bucket", "bucket", bucket, "region", m.region)
	return nil
}

func (m *S3Manager) ensureLockTable(ctx context.Context) error {
	_, err := m.clients.DynamoDB.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(m.lockTable)})
	if err == nil {
		return nil
	}
	var notFound *ddbtypes.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to check lock table %s: %w", m.lockTable, err)
	}

	_, err = m.clients.DynamoDB.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(m.lockTable),
		AttributeDefinitions: []ddbtypes.AttributeDefinition{{
			AttributeName: aws.String("LockID"),
			AttributeType: ddbtypes.ScalarAttributeTypeS,
		}},
		KeySchema: []ddbtypes.KeySchemaElement{{
			AttributeName: aws.String("LockID"),
			KeyType:       ddbtypes.KeyTypeHash,
		}},
		BillingMode: ddbtypes.BillingModePayPerRequest,
	})
	if err != nil {
		var inUse *ddbtypes.ResourceInUseException
		if errors.As(err, &inUse) {
			return nil
		}
		return fmt.Errorf("failed to create lock table %s: %w", m.lockTable, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(m.clients.DynamoDB, func(o *dynamodb.TableExistsWaiterOptions) {
		o.MinDelay = 2 * time.Second
		o.MaxDelay = 10 * time.Second
	})
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(m.lockTable)}, lockTableWait); err != nil {
		return fmt.Errorf("lock table %s did not become active: %w", m.lockTable, err)
	}

	m.logger.Info("created lock table", "table", m.lockTable)
	return nil
}

func (m *S3Manager) Cleanup(ctx context.Context, project string) {
	account, err := m.AccountID(ctx)
	if err != nil {
		m.logger.Warn("state cleanup skipped", "project", project, "error", err)
		return
	}
	bucket := BucketName(account)
	key := StateKey(project)

	if _, err := m.clients.S3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		m.logger.Warn("failed to delete state object", "bucket", bucket, "key", key, "error", err)
	} else {
		m.logger.Info("deleted state object", "bucket", bucket, "key", key)
	}

	lockID := LockID(bucket, key)
	if _, err := m.clients.DynamoDB.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(m.lockTable),
		Key: map[string]ddbtypes.AttributeValue{
			"LockID": &ddbtypes.AttributeValueMemberS{Value: lockID},
		},
	}); err != nil {
		m.logger.Warn("failed to delete state lock", "table", m.lockTable, "lock_id", lockID, "error", err)
	}
}

func isS3NotFound(err error) bool {
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsb *s3types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchBucket", "404":
			return true
		}
	}
	return false
}
