// Package blob wraps the AWS SDK v2 S3 client as the platform's object
// store. Uploaded binaries are hashed on the way in; downloads retry through
// transient transport failures.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrTooLarge is returned when an upload or download exceeds MaxSize.
	ErrTooLarge = errors.New("blob: object exceeds maximum size")
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("blob: not found")
	// ErrAuth marks a credential failure; never retried.
	ErrAuth = errors.New("blob: authentication failed")
	// ErrQuota marks a storage quota failure; surfaced to operators.
	ErrQuota = errors.New("blob: quota exceeded")
)

const (
	defaultMaxSize    = 80 << 20 // 80 MiB
	getRetryBase      = time.Second
	getRetryAttempts  = 3
	presignHintExpiry = 24 * time.Hour
)

// Options configures a Store.
type Options struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	Bucket         string
	Region         string
	DisableTLS     bool
	ForcePathStyle bool
	MaxSize        int64
	CallTimeout    time.Duration
	Logger         zerolog.Logger
}

// Store is a thin wrapper around the AWS SDK v2 S3 client tuned for
// SeaweedFS/MinIO style endpoints.
type Store struct {
	api         *s3.Client
	presign     *s3.PresignClient
	bucket      string
	maxSize     int64
	callTimeout time.Duration
	log         zerolog.Logger
}

// Put is the result of a successful upload.
type Put struct {
	Key    string
	URL    string
	SHA256 string
	Size   int64
}

// New builds a Store from explicit options.
func New(opts Options) (*Store, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, errors.New("blob: endpoint is required")
	}
	if opts.AccessKey == "" || opts.SecretKey == "" {
		return nil, errors.New("blob: access key and secret key are required")
	}
	if opts.Bucket == "" {
		return nil, errors.New("blob: bucket is required")
	}

	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	scheme := "https"
	if opts.DisableTLS {
		scheme = "http"
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}

	cfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")),
		awsconfig.WithHTTPClient(&http.Client{Timeout: callTimeout}),
	)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = opts.ForcePathStyle
		o.BaseEndpoint = aws.String(endpoint)
	})

	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}

	return &Store{
		api:         client,
		presign:     s3.NewPresignClient(client),
		bucket:      opts.Bucket,
		maxSize:     maxSize,
		callTimeout: callTimeout,
		log:         opts.Logger,
	}, nil
}

// MaxSize returns the configured upload ceiling in bytes.
func (s *Store) MaxSize() int64 {
	return s.maxSize
}

// Upload streams r into the store under a fresh key scoped to the owner,
// hashing the payload on the way. Repeated uploads of identical content yield
// distinct keys; deduplication happens upstream on the returned digest.
func (s *Store) Upload(ctx context.Context, ownerID uuid.UUID, filename string, r io.Reader) (Put, error) {
	if s == nil {
		return Put{}, errors.New("nil store")
	}

	// Spool to a temp file so the size cap is enforced and the hash is known
	// before any bytes leave the process.
	tmp, err := os.CreateTemp("", "cypherray-upload-*")
	if err != nil {
		return Put{}, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(r, s.maxSize+1))
	if err != nil {
		return Put{}, err
	}
	if n > s.maxSize {
		return Put{}, ErrTooLarge
	}
	digest := hex.EncodeToString(h.Sum(nil))

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return Put{}, err
	}

	key := fmt.Sprintf("binaries/%s/%s%s", ownerID, uuid.New(), filepath.Ext(filename))
	if err := s.PutObject(ctx, key, tmp, n, digest); err != nil {
		return Put{}, err
	}

	url, err := s.PresignGet(ctx, key, presignHintExpiry)
	if err != nil {
		// The hint is diagnostic only; fall back to an opaque location.
		url = fmt.Sprintf("s3://%s/%s", s.bucket, key)
	}

	return Put{Key: key, URL: url, SHA256: digest, Size: n}, nil
}

// PutObject uploads raw data under an explicit key with checksum metadata.
func (s *Store) PutObject(ctx context.Context, key string, r io.Reader, size int64, sha256Hex string) error {
	if s == nil {
		return errors.New("nil store")
	}

	input := &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          r,
		ContentLength: &size,
	}
	if sha256Hex != "" {
		checksum, err := encodeSHA256(sha256Hex)
		if err != nil {
			return err
		}
		input.ChecksumAlgorithm = s3types.ChecksumAlgorithmSha256
		input.ChecksumSHA256 = &checksum
		input.Metadata = map[string]string{"sha256": sha256Hex}
	}

	_, err := s.api.PutObject(ctx, input)
	return s.classify(err)
}

// Get opens the object for reading, retrying transient failures with
// exponential backoff. Authentication and not-found errors fail immediately.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}

	op := func() (io.ReadCloser, error) {
		out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: &s.bucket,
			Key:    &key,
		})
		if err != nil {
			err = s.classify(err)
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAuth) || errors.Is(err, ErrQuota) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if out.ContentLength != nil && *out.ContentLength > s.maxSize {
			out.Body.Close()
			return nil, backoff.Permanent(ErrTooLarge)
		}
		return out.Body, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = getRetryBase
	bo.Multiplier = 2

	return backoff.Retry(ctx, op, backoff.WithBackOff(bo), backoff.WithMaxTries(getRetryAttempts))
}

// GetToTempFile downloads the object into a temp file named after the
// original filename and returns the local path. The caller removes the file.
func (s *Store) GetToTempFile(ctx context.Context, key, name string) (string, error) {
	body, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	defer body.Close()

	dir, err := os.MkdirTemp("", "cypherray-job-*")
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, filepath.Base(name))
	f, err := os.Create(path)
	if err != nil {
		os.RemoveAll(dir)
		return "", err
	}

	n, err := io.Copy(f, io.LimitReader(body, s.maxSize+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > s.maxSize {
		err = ErrTooLarge
	}
	if err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return path, nil
}

// Delete removes the object. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if s == nil {
		return errors.New("nil store")
	}

	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	err = s.classify(err)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// ListOlderThan walks all objects under prefix whose last-modified time is
// older than age, invoking fn per key. Pagination keeps memory flat however
// large the catalog is.
func (s *Store) ListOlderThan(ctx context.Context, age time.Duration, prefix string, fn func(key string) error) error {
	if s == nil {
		return errors.New("nil store")
	}
	if fn == nil {
		return errors.New("nil callback")
	}

	cutoff := time.Now().Add(-age)
	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &prefix,
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return s.classify(err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil || obj.LastModified == nil {
				continue
			}
			if obj.LastModified.After(cutoff) {
				continue
			}
			if err := fn(*obj.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

// PresignGet generates a presigned GET URL for the provided key and TTL.
func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if s == nil {
		return "", errors.New("nil store")
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

// classify maps SDK errors onto the package sentinels. Quota and auth
// failures additionally land on the operator log channel.
func (s *Store) classify(err error) error {
	if err == nil {
		return nil
	}

	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return ErrNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return ErrNotFound
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			s.log.Error().Str("channel", "operator").Err(err).Msg("blob store authentication failure")
			return fmt.Errorf("%w: %s", ErrAuth, apiErr.ErrorCode())
		case "QuotaExceeded", "ServiceQuotaExceededException", "EntityTooLarge":
			s.log.Error().Str("channel", "operator").Err(err).Msg("blob store quota failure")
			return fmt.Errorf("%w: %s", ErrQuota, apiErr.ErrorCode())
		}
	}
	return err
}

func encodeSHA256(hexDigest string) (string, error) {
	if hexDigest == "" {
		return "", errors.New("sha256 digest required")
	}
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
