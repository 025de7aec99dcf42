package source

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 implements s3API over canned pages and objects.
type fakeS3 struct {
	pages   []*s3.ListObjectsV2Output
	objects map[string]string
	calls   int
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	idx := 0
	if in.ContinuationToken != nil {
		idx = f.calls
	}

	f.calls++

	return f.pages[idx], nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}

	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

// fakeSQS records deletions and counts receives.
type fakeSQS struct {
	mu       sync.Mutex
	deleted  []string
	receives int
}

func (f *fakeSQS) ReceiveMessage(context.Context, *sqs.ReceiveMessageInput, ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	f.receives++
	f.mu.Unlock()

	return &sqs.ReceiveMessageOutput{}, nil
}

func (f *fakeSQS) receiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.receives
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func newS3TestDetector(t *testing.T, rawParams string) *S3Detector {
	t.Helper()

	d, err := NewS3Detector(rawParams, true, testLogger())
	require.NoError(t, err)

	return d
}

func TestNewS3Detector(t *testing.T) {
	t.Run("requires bucket", func(t *testing.T) {
		_, err := NewS3Detector(`{}`, true, testLogger())
		require.Error(t, err)
		assert.True(t, IsFatal(err))
	})

	t.Run("accepts minimal params", func(t *testing.T) {
		d := newS3TestDetector(t, `{"bucket": "docs"}`)
		assert.Equal(t, "docs", d.params.Bucket)
	})
}

func TestParseS3Notification(t *testing.T) {
	const createBody = `{"Records": [{"eventName": "ObjectCreated:Put",
		"s3": {"object": {"key": "reports/q1.pdf", "size": 1024, "eTag": "\"abc123\""}}}]}`

	t.Run("object created", func(t *testing.T) {
		events := parseS3Notification(createBody, Filter{})
		require.Len(t, events, 1)
		assert.Equal(t, ChangeCreate, events[0].Type)
		assert.Equal(t, "reports/q1.pdf", events[0].Meta.Path)
		assert.Equal(t, "abc123", events[0].Meta.SourceID)
		require.NotNil(t, events[0].Meta.Size)
		assert.Equal(t, int64(1024), *events[0].Meta.Size)
	})

	t.Run("object removed", func(t *testing.T) {
		body := `{"Records": [{"eventName": "ObjectRemoved:Delete",
			"s3": {"object": {"key": "reports/q1.pdf"}}}]}`

		events := parseS3Notification(body, Filter{})
		require.Len(t, events, 1)
		assert.Equal(t, ChangeDelete, events[0].Type)
	})

	t.Run("sns envelope is unwrapped", func(t *testing.T) {
		wrapped := `{"Type": "Notification", "Message": "{\"Records\": [{\"eventName\": \"ObjectCreated:Put\", \"s3\": {\"object\": {\"key\": \"a.txt\"}}}]}"}`

		events := parseS3Notification(wrapped, Filter{})
		require.Len(t, events, 1)
		assert.Equal(t, "a.txt", events[0].Meta.Path)
	})

	t.Run("test event is skipped", func(t *testing.T) {
		assert.Empty(t, parseS3Notification(`{"Event": "s3:TestEvent", "Bucket": "docs"}`, Filter{}))
	})

	t.Run("url-encoded keys are decoded", func(t *testing.T) {
		body := `{"Records": [{"eventName": "ObjectCreated:Put",
			"s3": {"object": {"key": "reports/my+file%281%29.pdf"}}}]}`

		events := parseS3Notification(body, Filter{})
		require.Len(t, events, 1)
		assert.Equal(t, "reports/my file(1).pdf", events[0].Meta.Path)
	})

	t.Run("filter drops non-matching keys", func(t *testing.T) {
		assert.Empty(t, parseS3Notification(createBody, Filter{Suffix: ".docx"}))
	})

	t.Run("garbage body yields nothing", func(t *testing.T) {
		assert.Empty(t, parseS3Notification("not json", Filter{}))
	})
}

func TestS3ForwardMessage(t *testing.T) {
	d := newS3TestDetector(t, `{"bucket": "docs", "sqs_queue_url": "https://sqs/q"}`)
	fsqs := &fakeSQS{}
	d.sqsc = fsqs

	body := `{"Records": [{"eventName": "ObjectCreated:Put", "s3": {"object": {"key": "a.txt"}}}]}`
	msg := sqstypes.Message{Body: aws.String(body), ReceiptHandle: aws.String("rh-1")}

	ok := d.forwardMessage(context.Background(), &msg)
	require.True(t, ok)

	// Event forwarded, then the message deleted.
	require.Len(t, d.events, 1)
	ev := <-d.events
	assert.Equal(t, "a.txt", ev.Meta.Path)
	assert.Equal(t, []string{"rh-1"}, fsqs.deleted)
}

func TestS3StreamDisabled(t *testing.T) {
	d, err := NewS3Detector(`{"bucket": "docs", "sqs_queue_url": "https://sqs/q"}`, false, testLogger())
	require.NoError(t, err)

	fsqs := &fakeSQS{}
	d.s3c = &fakeS3{}
	d.sqsc = fsqs

	require.NoError(t, d.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, d.Stop())

	// The configured queue is never polled.
	assert.Zero(t, fsqs.receiveCount())
}

func TestS3ListAll(t *testing.T) {
	now := time.Now()

	d := newS3TestDetector(t, `{"bucket": "docs", "suffix": ".pdf"}`)
	d.s3c = &fakeS3{
		pages: []*s3.ListObjectsV2Output{
			{
				Contents: []s3types.Object{
					{Key: aws.String("a.pdf"), ETag: aws.String(`"e1"`), Size: aws.Int64(10), LastModified: &now},
					{Key: aws.String("b.txt"), ETag: aws.String(`"e2"`), Size: aws.Int64(20)},
					{Key: aws.String("folder/"), Size: aws.Int64(0)},
				},
				IsTruncated:           aws.Bool(true),
				NextContinuationToken: aws.String("page2"),
			},
			{
				Contents: []s3types.Object{
					{Key: aws.String("c.pdf"), ETag: aws.String(`"e3"`), Size: aws.Int64(30)},
				},
				IsTruncated: aws.Bool(false),
			},
		},
	}

	var paths []string
	err := d.ListAll(context.Background(), func(meta FileMetadata) error {
		paths = append(paths, meta.Path)
		return nil
	})
	require.NoError(t, err)

	// Suffix filter drops b.txt; directory marker is skipped; both pages
	// are consumed.
	assert.Equal(t, []string{"a.pdf", "c.pdf"}, paths)
}

func TestS3Load(t *testing.T) {
	d := newS3TestDetector(t, `{"bucket": "docs"}`)
	d.s3c = &fakeS3{objects: map[string]string{"a.pdf": "pdf bytes"}}

	t.Run("returns object bytes", func(t *testing.T) {
		data, err := d.Load(context.Background(), FileMetadata{Path: "a.pdf"})
		require.NoError(t, err)
		assert.Equal(t, []byte("pdf bytes"), data)
	})

	t.Run("missing key is not found", func(t *testing.T) {
		_, err := d.Load(context.Background(), FileMetadata{Path: "gone.pdf"})
		require.ErrorIs(t, err, ErrNotFound)
	})
}
