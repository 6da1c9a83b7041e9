// Package s3 implements storage.Persistence on an S3-compatible object store
// with a local shadow directory used as a read cache.
// Several instances can share one bucket; each keeps its own shadow.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/prn-tf/artifact-store/internal/domain"
	"github.com/prn-tf/artifact-store/internal/metrics"
	"github.com/prn-tf/artifact-store/internal/pkg/crypto"
	"github.com/prn-tf/artifact-store/internal/storage"
)

// ObjectAPI is the subset of the S3 client used by Backend.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config contains the object store settings.
type Config struct {
	// Bucket is the target bucket. Required.
	Bucket string

	// Prefix is prepended to every object key (e.g. "prod/").
	Prefix string

	// Region is the AWS region.
	Region string

	// Endpoint overrides the service endpoint (MinIO, LocalStack).
	Endpoint string

	// AccessKeyID and SecretAccessKey select static credentials.
	// When empty the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string

	// UsePathStyle forces path-style addressing. Implied by Endpoint.
	UsePathStyle bool

	// MaxAttempts is the retry budget of the AWS client. Zero keeps the SDK default.
	MaxAttempts int
}

// NewClient builds an S3 client from cfg.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	if cfg.MaxAttempts > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(cfg.MaxAttempts))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
		// Uploads are streamed, checksums would need a seekable body.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	}), nil
}

// Backend stores blobs in S3 and shadows fetched blobs under Dirs.Cache.
type Backend struct {
	client  ObjectAPI
	bucket  string
	prefix  string
	dirs    domain.Dirs
	metrics *metrics.Metrics
	logger  zerolog.Logger

	fetches singleflight.Group
	closed  atomic.Bool
}

// New creates a Backend. m may be nil.
func New(client ObjectAPI, cfg Config, dirs domain.Dirs, m *metrics.Metrics, logger zerolog.Logger) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if err := storage.EnsureDirs(dirs); err != nil {
		return nil, err
	}

	logger = logger.With().
		Str("component", "persistence.s3").
		Str("bucket", cfg.Bucket).
		Logger()
	logger.Info().Str("prefix", cfg.Prefix).Stringer("dirs", dirs).Msg("s3 persistence ready")

	return &Backend{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		dirs:    dirs,
		metrics: m,
		logger:  logger,
	}, nil
}

// Dirs returns the local shadow directories.
func (b *Backend) Dirs() domain.Dirs {
	return b.dirs
}

// Save uploads the stream under a temporary key, then copies it server side
// to its content address once the hash is known.
//
// With a known size the body is streamed straight to S3. Without one the
// stream is spooled to the temp dir first because S3 needs a content length;
// the spooled file then becomes the local shadow.
//
// Content missing the expected hash is dropped with its temporary key before
// anything is copied to a content address.
func (b *Backend) Save(ctx context.Context, reader io.Reader, sizeHint int64, opts ...storage.SaveOption) (string, error) {
	o := storage.ApplySaveOptions(opts...)
	if sizeHint < 0 {
		return b.saveSpooled(ctx, reader, o)
	}

	hr := crypto.NewHashReader(reader)
	tmpKey := storage.TempObjectKey(b.prefix, uuid.NewString())

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(tmpKey),
		Body:          hr,
		ContentLength: aws.Int64(sizeHint),
		ContentType:   aws.String("application/octet-stream"),
	}, s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware))
	if err != nil {
		b.deleteTemp(tmpKey)
		return "", domain.NewArtifactError("save", "", fmt.Errorf("s3 put failed: %w", err))
	}

	// The transport stops at ContentLength; anything left means the
	// declared size was wrong and the stored object is truncated.
	if !hr.IsFinished() {
		if n, _ := io.CopyN(io.Discard, hr, 1); n > 0 {
			b.deleteTemp(tmpKey)
			return "", domain.NewArtifactError("save", "", fmt.Errorf("body is longer than declared size %d", sizeHint))
		}
	}

	hash, err := hr.Sum()
	if err != nil {
		b.deleteTemp(tmpKey)
		return "", domain.NewArtifactError("save", "", err)
	}
	if err := o.CheckExpected(hash); err != nil {
		b.deleteTemp(tmpKey)
		return "", err
	}

	if err := b.commit(ctx, tmpKey, hash); err != nil {
		return "", err
	}

	b.logger.Debug().Str("hash", hash).Int64("size", hr.Size()).Msg("saved artifact")
	return hash, nil
}

// saveSpooled writes the stream to a local temp file, then uploads the file.
func (b *Backend) saveSpooled(ctx context.Context, reader io.Reader, o storage.SaveOptions) (string, error) {
	spool, err := os.CreateTemp(b.dirs.Temp, "spool-*")
	if err != nil {
		return "", domain.NewArtifactError("save", "", fmt.Errorf("failed to create spool file: %w", err))
	}
	spoolPath := spool.Name()
	defer os.Remove(spoolPath)
	defer spool.Close()

	hr := crypto.NewHashReader(reader)
	size, err := io.Copy(spool, hr)
	if err != nil {
		return "", domain.NewArtifactError("save", "", err)
	}
	hash, err := hr.Sum()
	if err != nil {
		return "", domain.NewArtifactError("save", "", err)
	}
	if err := o.CheckExpected(hash); err != nil {
		return "", err
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return "", domain.NewArtifactError("save", hash, err)
	}

	tmpKey := storage.TempObjectKey(b.prefix, uuid.NewString())
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(tmpKey),
		Body:          spool,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		b.deleteTemp(tmpKey)
		return "", domain.NewArtifactError("save", hash, fmt.Errorf("s3 put failed: %w", err))
	}

	if err := b.commit(ctx, tmpKey, hash); err != nil {
		return "", err
	}

	if err := spool.Close(); err == nil {
		if err := os.Rename(spoolPath, b.dirs.CachePath(hash)); err != nil {
			b.logger.Warn().Err(err).Str("hash", hash).Msg("failed to keep spooled upload as shadow")
		}
	}

	b.logger.Debug().Str("hash", hash).Int64("size", size).Msg("saved spooled artifact")
	return hash, nil
}

// commit copies the temporary object to its permanent key and removes the temporary one.
func (b *Backend) commit(ctx context.Context, tmpKey, hash string) error {
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(storage.ObjectKey(b.prefix, hash)),
		CopySource: aws.String(b.bucket + "/" + tmpKey),
	})
	b.deleteTemp(tmpKey)
	if err != nil {
		return domain.NewArtifactError("save", hash, fmt.Errorf("s3 copy failed: %w", err))
	}
	return nil
}

// deleteTemp removes a temporary object. Failures only leave garbage under
// the tmp prefix, which a bucket lifecycle rule can expire.
func (b *Backend) deleteTemp(key string) {
	// Use a fresh context: the request context may already be canceled.
	_, err := b.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		b.logger.Warn().Err(err).Str("key", key).Msg("failed to delete temporary object")
	}
}

// Has performs a HeadObject on the permanent key.
func (b *Backend) Has(ctx context.Context, hash string) (bool, error) {
	if err := storage.CheckHash("has", hash); err != nil {
		return false, err
	}
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(storage.ObjectKey(b.prefix, hash)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, domain.NewArtifactError("has", hash, fmt.Errorf("s3 head failed: %w", err))
	}
	return true, nil
}

// Delete removes the remote object. The local shadow is left in place.
func (b *Backend) Delete(ctx context.Context, hash string) error {
	if err := storage.CheckHash("delete", hash); err != nil {
		return err
	}
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(storage.ObjectKey(b.prefix, hash)),
	})
	if err != nil && !isNotFound(err) {
		return domain.NewArtifactError("delete", hash, fmt.Errorf("s3 delete failed: %w", err))
	}
	return nil
}

// Fetch returns the shadow path of a blob, downloading it on a miss.
// Concurrent misses for the same hash share one download. The download
// outlives a canceled caller so the other waiters still get the blob; each
// caller stops waiting when its own context is done.
func (b *Backend) Fetch(ctx context.Context, hash string) (string, error) {
	if err := storage.CheckHash("fetch", hash); err != nil {
		return "", err
	}
	p := b.dirs.CachePath(hash)
	ok, err := storage.FileExists(p)
	if err != nil {
		return "", domain.NewArtifactError("fetch", hash, err)
	}
	if ok {
		if b.metrics != nil {
			b.metrics.RecordFetch(metrics.SourceLocal)
		}
		return p, nil
	}

	downloadCtx := context.WithoutCancel(ctx)
	ch := b.fetches.DoChan(hash, func() (interface{}, error) {
		// A download that finished between the stat above and DoChan already
		// filled the shadow.
		if ok, _ := storage.FileExists(p); ok {
			return nil, nil
		}
		return nil, b.download(downloadCtx, hash, p)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return p, nil
	case <-ctx.Done():
		return "", domain.NewArtifactError("fetch", hash, ctx.Err())
	}
}

// download streams an object into the shadow, verifying its digest.
func (b *Backend) download(ctx context.Context, hash, dst string) error {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(storage.ObjectKey(b.prefix, hash)),
	})
	if err != nil {
		if isNotFound(err) {
			return domain.NewArtifactError("fetch", hash, domain.ErrArtifactNotFound)
		}
		return domain.NewArtifactError("fetch", hash, fmt.Errorf("s3 get failed: %w", err))
	}
	defer out.Body.Close()

	hr := crypto.NewHashReader(out.Body)
	if _, err := storage.WriteFileAtomic(b.dirs.Temp, dst, hr); err != nil {
		return domain.NewArtifactError("fetch", hash, err)
	}

	got, err := hr.Sum()
	if err == nil && got != hash {
		err = fmt.Errorf("downloaded content hashes to %s", got)
	}
	if err != nil {
		_ = os.Remove(dst)
		return domain.NewArtifactError("fetch", hash, err)
	}

	if b.metrics != nil {
		b.metrics.RecordFetch(metrics.SourceRemote)
	}
	b.logger.Debug().Str("hash", hash).Int64("size", hr.Size()).Msg("downloaded artifact into shadow")
	return nil
}

// Close marks the backend closed. The SDK client holds no resources that need releasing.
func (b *Backend) Close() error {
	if b.closed.CompareAndSwap(false, true) {
		b.logger.Debug().Msg("s3 persistence closed")
	}
	return nil
}

// isNotFound reports whether err is an S3 missing-object error.
func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}

// Ensure Backend implements storage.Persistence.
var _ storage.Persistence = (*Backend)(nil)
