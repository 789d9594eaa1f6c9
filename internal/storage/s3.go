package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/cenkalti/backoff/v4"
)

// deleteBatchSize is the DeleteObjects limit per request.
const deleteBatchSize = 1000

// S3Store serves one bucket.
//
// Publish replaces the objects under the destination prefix: the old success
// marker is removed first, the staged files are uploaded, objects that were
// not overwritten are deleted, and a new marker is written last. Readers
// must only trust a prefix that carries the marker.
type S3Store struct {
	client   s3iface.S3API
	uploader s3manageriface.UploaderAPI
	bucket   string
	retry    RetryConfig
	log      *slog.Logger
}

// NewS3Store returns a store for bucket.
func NewS3Store(client s3iface.S3API, uploader s3manageriface.UploaderAPI, bucket string, log *slog.Logger) *S3Store {
	return &S3Store{
		client:   client,
		uploader: uploader,
		bucket:   bucket,
		retry:    DefaultRetryConfig(),
		log:      log,
	}
}

// WithRetry overrides the retry budget.
func (s *S3Store) WithRetry(cfg RetryConfig) *S3Store {
	s.retry = cfg
	return s
}

func (s *S3Store) Glob(ctx context.Context, pattern string) ([]Object, error) {
	pattern = strings.TrimPrefix(pattern, "/")
	if _, err := matchKey(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
	}

	objects, err := s.list(ctx, literalPrefix(pattern))
	if err != nil {
		return nil, err
	}
	matched := objects[:0]
	for _, obj := range objects {
		ok, _ := matchKey(pattern, obj.Key)
		if ok {
			matched = append(matched, obj)
		}
	}
	return matched, nil
}

func (s *S3Store) list(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	err := withRetry(ctx, s.log, s.retry, "list", func() error {
		objects = objects[:0]
		return s.client.ListObjectsV2PagesWithContext(ctx,
			&s3.ListObjectsV2Input{
				Bucket: aws.String(s.bucket),
				Prefix: aws.String(prefix),
			},
			func(page *s3.ListObjectsV2Output, lastPage bool) bool {
				for _, obj := range page.Contents {
					objects = append(objects, Object{
						Key:  aws.StringValue(obj.Key),
						Size: aws.Int64Value(obj.Size),
					})
				}
				return !lastPage
			})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list s3://%s/%s: %w", s.bucket, prefix, err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := withRetry(ctx, s.log, s.retry, "get", func() error {
		out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		body = out.Body
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download s3://%s/%s: %w", s.bucket, key, err)
	}
	return body, nil
}

// Stage creates a local temp directory; dest is only used to name it.
func (s *S3Store) Stage(dest string) (string, error) {
	dir, err := os.MkdirTemp("", "sparkify-"+sanitize(dest)+"-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	return dir, nil
}

func (s *S3Store) Publish(ctx context.Context, stageDir, dest string) (*Published, error) {
	prefix := strings.TrimSuffix(strings.TrimPrefix(dest, "/"), "/") + "/"
	marker := prefix + SuccessMarker

	existing, err := s.list(ctx, prefix)
	if err != nil {
		return nil, err
	}
	for _, obj := range existing {
		if obj.Key == marker {
			if err := s.deleteKeys(ctx, []string{marker}); err != nil {
				return nil, err
			}
			break
		}
	}

	uploaded := make(map[string]bool)
	var size int64
	err = filepath.WalkDir(stageDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(stageDir, p)
		if err != nil {
			return err
		}
		key := prefix + filepath.ToSlash(rel)
		n, err := s.uploadFile(ctx, p, key, prefix)
		if err != nil {
			return err
		}
		uploaded[key] = true
		size += n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish s3://%s/%s: %w", s.bucket, prefix, err)
	}

	var stale []string
	for _, obj := range existing {
		if obj.Key != marker && !uploaded[obj.Key] {
			stale = append(stale, obj.Key)
		}
	}
	if err := s.deleteKeys(ctx, stale); err != nil {
		return nil, err
	}

	if err := s.put(ctx, marker, nil, nil); err != nil {
		return nil, err
	}
	if err := s.verify(ctx, marker); err != nil {
		return nil, err
	}

	s.Discard(stageDir)

	return &Published{
		Location: fmt.Sprintf("s3://%s/%s", s.bucket, prefix),
		Files:    len(uploaded),
		Bytes:    size,
		Removed:  len(stale),
	}, nil
}

func (s *S3Store) uploadFile(ctx context.Context, localPath, key, table string) (int64, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to stat staged file %s: %w", localPath, err)
	}
	meta := map[string]*string{
		"table-prefix": aws.String(table),
		"byte-count":   aws.String(strconv.FormatInt(info.Size(), 10)),
	}
	err = withRetry(ctx, s.log, s.retry, "upload", func() error {
		// Each attempt reopens the file; a failed attempt may have consumed it.
		file, err := os.Open(localPath)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to open staged file %s: %w", localPath, err))
		}
		defer file.Close()
		return s.upload(ctx, key, file, meta)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload s3://%s/%s: %w", s.bucket, key, err)
	}
	s.log.Debug("uploaded", "key", key, "bytes", info.Size())
	return info.Size(), nil
}

func (s *S3Store) put(ctx context.Context, key string, data []byte, meta map[string]*string) error {
	err := withRetry(ctx, s.log, s.retry, "upload", func() error {
		return s.upload(ctx, key, bytes.NewReader(data), meta)
	})
	if err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *S3Store) upload(ctx context.Context, key string, body io.Reader, meta map[string]*string) error {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     body,
		Metadata: meta,
	})
	return err
}

func (s *S3Store) verify(ctx context.Context, key string) error {
	err := withRetry(ctx, s.log, s.retry, "head", func() error {
		_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("upload verification failed for s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *S3Store) deleteKeys(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(keys))
		ids := make([]*s3.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, &s3.ObjectIdentifier{Key: aws.String(k)})
		}
		err := withRetry(ctx, s.log, s.retry, "delete", func() error {
			out, err := s.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(s.bucket),
				Delete: &s3.Delete{Objects: ids, Quiet: aws.Bool(true)},
			})
			if err != nil {
				return err
			}
			if len(out.Errors) > 0 {
				e := out.Errors[0]
				return fmt.Errorf("delete %s: %s", aws.StringValue(e.Key), aws.StringValue(e.Message))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to delete objects in s3://%s: %w", s.bucket, err)
		}
	}
	return nil
}

func (s *S3Store) Discard(stageDir string) {
	if err := os.RemoveAll(stageDir); err != nil {
		s.log.Warn("failed to remove staging directory", "path", stageDir, "error", err)
	}
}

// CheckAccess verifies the bucket is reachable with the configured
// credentials before any processing begins.
func (s *S3Store) CheckAccess(ctx context.Context, _ string) error {
	err := withRetry(ctx, s.log, s.retry, "head-bucket", func() error {
		_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
			Bucket: aws.String(s.bucket),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("S3 access test failed for bucket %s: %w", s.bucket, err)
	}
	return nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == '*' {
			return '_'
		}
		return r
	}, strings.Trim(s, "/"))
}
