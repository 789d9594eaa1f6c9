// Package storage reads input objects and publishes staged table output to a
// local filesystem or an S3 bucket.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// SuccessMarker is written last when a table is published.
const SuccessMarker = "_SUCCESS"

// Object is an input object selected by a glob.
type Object struct {
	Key  string
	Size int64
}

// Published describes a completed publish.
type Published struct {
	Location string
	Files    int
	Bytes    int64
	Removed  int
}

// Store is a storage backend. Tables are written into a local staging
// directory obtained from Stage and become visible only through Publish,
// which replaces whatever was at the destination before.
type Store interface {
	Glob(ctx context.Context, pattern string) ([]Object, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Stage(dest string) (string, error)
	Publish(ctx context.Context, stageDir, dest string) (*Published, error)
	Discard(stageDir string)
	CheckAccess(ctx context.Context, dest string) error
}

// Options configure access to S3.
type Options struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	EndpointURL     string
}

// Opener creates stores for locations. S3 stores share one AWS session.
type Opener struct {
	opts Options
	log  *slog.Logger

	mu   sync.Mutex
	sess *session.Session
}

// NewOpener returns an Opener using opts for S3 locations.
func NewOpener(opts Options, log *slog.Logger) *Opener {
	return &Opener{opts: opts, log: log}
}

// Open returns the store serving loc.
func (o *Opener) Open(loc Location) (Store, error) {
	switch loc.Scheme {
	case SchemeFile:
		return NewLocalStore(o.log), nil
	case SchemeS3:
		sess, err := o.session()
		if err != nil {
			return nil, err
		}
		client := s3.New(sess)
		return NewS3Store(client, s3manager.NewUploaderWithClient(client), loc.Bucket, o.log), nil
	}
	return nil, fmt.Errorf("unsupported storage scheme: %s", loc.Scheme)
}

func (o *Opener) session() (*session.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess != nil {
		return o.sess, nil
	}

	cfg := &aws.Config{
		Region:      aws.String(o.opts.Region),
		Credentials: credentials.NewStaticCredentials(o.opts.AccessKeyID, o.opts.SecretAccessKey, ""),
	}
	if o.opts.EndpointURL != "" {
		cfg.Endpoint = aws.String(o.opts.EndpointURL)
		cfg.S3ForcePathStyle = aws.Bool(true) // Required for MinIO and similar services
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	o.sess = sess
	return sess, nil
}
