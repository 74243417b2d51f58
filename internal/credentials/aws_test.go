package credentials

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sirpi/internal/logging"
)

type fakeSTS struct {
	calls  atomic.Int32
	err    error
	expiry time.Time
	last   *sts.AssumeRoleInput
	mu     sync.Mutex
}

func (f *fakeSTS) AssumeRole(ctx context.Context, in *sts.AssumeRoleInput, _ ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	f.last = in
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	// Widen the race window for concurrent callers.
	time.Sleep(5 * time.Millisecond)
	return &sts.AssumeRoleOutput{Credentials: &ststypes.Credentials{
		AccessKeyId:     aws.String("AKIA" + string(rune('0'+n))),
		SecretAccessKey: aws.String("secret"),
		SessionToken:    aws.String("session"),
		Expiration:      aws.Time(f.expiry),
	}}, nil
}

func TestAWSBroker_AssumeRoleParameters(t *testing.T) {
	fake := &fakeSTS{expiry: time.Now().Add(time.Hour)}
	b := NewAWSBroker(fake, AWSTrust{RoleARN: "arn:aws:iam::123456789012:role/Sirpi", ExternalID: "ext-1"}, 0, logging.Discard())

	creds, err := b.Credentials(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "secret", creds.SecretAccessKey)
	assert.Equal(t, "arn:aws:iam::123456789012:role/Sirpi", aws.ToString(fake.last.RoleArn))
	assert.Equal(t, "sirpi-terraform", aws.ToString(fake.last.RoleSessionName))
	assert.Equal(t, "ext-1", aws.ToString(fake.last.ExternalId))
	assert.Equal(t, int32(3600), aws.ToInt32(fake.last.DurationSeconds))
}

func TestAWSBroker_MemoizesConcurrentCallers(t *testing.T) {
	fake := &fakeSTS{expiry: time.Now().Add(time.Hour)}
	b := NewAWSBroker(fake, AWSTrust{RoleARN: "arn:role"}, time.Hour, logging.Discard())

	var wg sync.WaitGroup
	results := make([]AWSCredentials, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := b.Credentials(context.Background())
			assert.NoError(t, err)
			results[i] = c
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), fake.calls.Load())
	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
}

func TestAWSBroker_RefreshReplacesCache(t *testing.T) {
	fake := &fakeSTS{expiry: time.Now().Add(time.Hour)}
	b := NewAWSBroker(fake, AWSTrust{RoleARN: "arn:role"}, time.Hour, logging.Discard())

	first, err := b.Credentials(context.Background())
	require.NoError(t, err)
	second, err := b.Refresh(context.Background())
	require.NoError(t, err)
	third, err := b.Credentials(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.AccessKeyID, second.AccessKeyID)
	assert.Equal(t, second, third)
	assert.Equal(t, int32(2), fake.calls.Load())
}

func TestAWSBroker_ShortLivedCredentialsAreNotRenewed(t *testing.T) {
	fake := &fakeSTS{expiry: time.Now().Add(4 * time.Minute)}
	b := NewAWSBroker(fake, AWSTrust{RoleARN: "arn:role"}, time.Hour, logging.Discard())

	first, err := b.Credentials(context.Background())
	require.NoError(t, err)
	second, err := b.Credentials(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), fake.calls.Load(), "one broker assumes the role once")
}

func TestAWSBroker_TrustErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantTrust bool
	}{
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied", Message: "not authorized to perform sts:AssumeRole"}, true},
		{"validation", &smithy.GenericAPIError{Code: "ValidationError", Message: "bad arn"}, true},
		{"throttled", &smithy.GenericAPIError{Code: "Throttling", Message: "slow down"}, false},
		{"network", errors.New("dial tcp: timeout"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewAWSBroker(&fakeSTS{err: tt.err}, AWSTrust{RoleARN: "arn:role"}, 0, logging.Discard())
			_, err := b.Credentials(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.wantTrust, IsTrustError(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestAWSBroker_NoRole(t *testing.T) {
	fake := &fakeSTS{}
	b := NewAWSBroker(fake, AWSTrust{}, 0, logging.Discard())

	_, err := b.Credentials(context.Background())

	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.False(t, IsTrustError(err))
	assert.Equal(t, int32(0), fake.calls.Load())
}

func TestAWSCredentials_ConfigFiles(t *testing.T) {
	c := AWSCredentials{AccessKeyID: "AKIA", SecretAccessKey: "s3cr3t", SessionToken: "tok"}

	cfg, creds := c.ConfigFiles("us-west-2")

	assert.Equal(t, "[default]\nregion = us-west-2\noutput = json\n", cfg)
	assert.Equal(t, "[default]\naws_access_key_id = AKIA\naws_secret_access_key = s3cr3t\naws_session_token = tok\n", creds)
}

func TestAWSCredentials_Provider(t *testing.T) {
	c := AWSCredentials{AccessKeyID: "AKIA", SecretAccessKey: "s", SessionToken: "t"}
	v, err := c.Provider().Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKIA", v.AccessKeyID)
	assert.Equal(t, "t", v.SessionToken)
}
