package storage

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// fakeS3 is an in-memory bucket implementing the calls S3Store makes.
type fakeS3 struct {
	s3iface.S3API

	mu        sync.Mutex
	objects   map[string][]byte
	failLists int
	listCalls int
	deletes   []string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *fakeS3) ListObjectsV2PagesWithContext(_ aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, _ ...request.Option) error {
	f.mu.Lock()
	f.listCalls++
	if f.failLists > 0 {
		f.failLists--
		f.mu.Unlock()
		return awserr.New("InternalError", "transient", nil)
	}
	var contents []*s3.Object
	for k, v := range f.objects {
		if strings.HasPrefix(k, aws.StringValue(in.Prefix)) {
			contents = append(contents, &s3.Object{Key: aws.String(k), Size: aws.Int64(int64(len(v)))})
		}
	}
	f.mu.Unlock()

	// Two pages exercise the pagination callback.
	half := len(contents) / 2
	if !fn(&s3.ListObjectsV2Output{Contents: contents[:half]}, false) {
		return nil
	}
	fn(&s3.ListObjectsV2Output{Contents: contents[half:]}, true)
	return nil
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *fakeS3) HeadObjectWithContext(_ aws.Context, in *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New("NotFound", "not found", nil)
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) HeadBucketWithContext(_ aws.Context, in *s3.HeadBucketInput, _ ...request.Option) (*s3.HeadBucketOutput, error) {
	if aws.StringValue(in.Bucket) == "missing" {
		return nil, awserr.New(s3.ErrCodeNoSuchBucket, "no such bucket", nil)
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) DeleteObjectsWithContext(_ aws.Context, in *s3.DeleteObjectsInput, _ ...request.Option) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range in.Delete.Objects {
		key := aws.StringValue(id.Key)
		delete(f.objects, key)
		f.deletes = append(f.deletes, key)
	}
	return &s3.DeleteObjectsOutput{}, nil
}

// fakeUploader writes uploads straight into a fakeS3.
type fakeUploader struct {
	s3      *fakeS3
	failFor string
	// transient fails that many uploads with a retryable error after
	// draining the body.
	transient int
	// streamed records the keys whose body was an open file.
	streamed map[string]bool
}

func (u *fakeUploader) Upload(in *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	return u.UploadWithContext(aws.BackgroundContext(), in, opts...)
}

func (u *fakeUploader) UploadWithContext(_ aws.Context, in *s3manager.UploadInput, _ ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	key := aws.StringValue(in.Key)
	if u.failFor != "" && strings.Contains(key, u.failFor) {
		return nil, awserr.New("AccessDenied", "denied", errors.New("upload refused"))
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	u.s3.mu.Lock()
	if u.transient > 0 {
		u.transient--
		u.s3.mu.Unlock()
		return nil, awserr.New("RequestTimeout", "slow down", errors.New("connection reset"))
	}
	if _, ok := in.Body.(*os.File); ok {
		if u.streamed == nil {
			u.streamed = make(map[string]bool)
		}
		u.streamed[key] = true
	}
	u.s3.objects[key] = data
	u.s3.mu.Unlock()
	return &s3manager.UploadOutput{Location: "s3://bucket/" + key}, nil
}
