// Copyright 2025 James Ross
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"golang.org/x/sync/errgroup"

	"github.com/flyingrobots/lifestream/internal/config"
)

var (
	ErrUpload             = errors.New("upload failed")
	ErrUploadVerification = errors.New("upload verification failed")
	ErrDownload           = errors.New("download failed")
)

// ObjectInfo describes a remote object. Version is the store's opaque
// content tag; callers compare it for equality only.
type ObjectInfo struct {
	Bytes        int64
	Version      string
	ContentType  string
	UserMetadata map[string]string
}

type UploadResult struct {
	Key     string
	Version string
	Bytes   int64
}

type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignPutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Client is a uniform adapter over the blob store. It carries no business
// logic and is safe for concurrent use.
type Client struct {
	api       objectAPI
	presigner presignAPI
	bucket    string
	threshold int64
	partSize  int64
	maxParts  int
}

// New builds a Client from config. Static credentials and a custom endpoint
// are optional; defaults resolve through the standard AWS chain.
func New(ctx context.Context, cfg config.ObjectStore) (*Client, error) {
	var configOpts []func(*awsconfig.LoadOptions) error
	configOpts = append(configOpts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsCfg, clientOpts...)

	return &Client{
		api:       client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		threshold: cfg.MultipartThreshold,
		partSize:  cfg.PartSize,
		maxParts:  cfg.MaxConcurrentParts,
	}, nil
}

// Bucket returns the default bucket the client operates on.
func (c *Client) Bucket() string { return c.bucket }

// Upload stores a local file at key and verifies the stored byte length
// against the source. A length mismatch deletes the partial object.
func (c *Client) Upload(ctx context.Context, localPath, key, contentType string, userMetadata map[string]string) (UploadResult, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return UploadResult{}, fmt.Errorf("%w: open %s: %v", ErrUpload, localPath, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return UploadResult{}, fmt.Errorf("%w: stat %s: %v", ErrUpload, localPath, err)
	}
	size := st.Size()

	in := &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if len(userMetadata) > 0 {
		in.Metadata = userMetadata
	}
	if _, err := c.api.PutObject(ctx, in); err != nil {
		return UploadResult{}, fmt.Errorf("%w: put %s: %v", ErrUpload, key, err)
	}

	head, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return UploadResult{}, fmt.Errorf("%w: head after put %s: %v", ErrUpload, key, err)
	}
	if aws.ToInt64(head.ContentLength) != size {
		_, _ = c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		return UploadResult{}, fmt.Errorf("%w: %s stored %d bytes, expected %d",
			ErrUploadVerification, key, aws.ToInt64(head.ContentLength), size)
	}

	return UploadResult{
		Key:     key,
		Version: trimETag(aws.ToString(head.ETag)),
		Bytes:   size,
	}, nil
}

// Download fetches key into localPath. Objects at or above the multipart
// threshold transfer as concurrent ranged parts.
func (c *Client) Download(ctx context.Context, key, localPath, bucket string) error {
	if bucket == "" {
		bucket = c.bucket
	}
	info, err := c.Head(ctx, key, bucket)
	if err != nil {
		return fmt.Errorf("%w: head %s: %v", ErrDownload, key, err)
	}
	if info == nil {
		return fmt.Errorf("%w: %s not found", ErrDownload, key)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir for %s: %v", ErrDownload, localPath, err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrDownload, localPath, err)
	}
	defer f.Close()

	if info.Bytes < c.threshold {
		out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("%w: get %s: %v", ErrDownload, key, err)
		}
		defer out.Body.Close()
		if _, err := io.Copy(f, out.Body); err != nil {
			return fmt.Errorf("%w: copy %s: %v", ErrDownload, key, err)
		}
		return nil
	}

	if err := f.Truncate(info.Bytes); err != nil {
		return fmt.Errorf("%w: truncate %s: %v", ErrDownload, localPath, err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxParts)
	for start := int64(0); start < info.Bytes; start += c.partSize {
		start := start
		end := start + c.partSize - 1
		if end >= info.Bytes {
			end = info.Bytes - 1
		}
		g.Go(func() error {
			out, err := c.api.GetObject(gctx, &s3.GetObjectInput{
				Bucket: aws.String(bucket),
				Key:    aws.String(key),
				Range:  aws.String(fmt.Sprintf("bytes=%d-%d", start, end)),
			})
			if err != nil {
				return fmt.Errorf("get range %d-%d of %s: %w", start, end, key, err)
			}
			defer out.Body.Close()
			_, err = io.Copy(io.NewOffsetWriter(f, start), out.Body)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: %v", ErrDownload, err)
	}
	return nil
}

// Head returns object metadata, or (nil, nil) when the object does not exist.
func (c *Client) Head(ctx context.Context, key, bucket string) (*ObjectInfo, error) {
	if bucket == "" {
		bucket = c.bucket
	}
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return nil, nil
		}
		var re *awshttp.ResponseError
		if errors.As(err, &re) && re.HTTPStatusCode() == 404 {
			return nil, nil
		}
		return nil, err
	}
	return &ObjectInfo{
		Bytes:        aws.ToInt64(out.ContentLength),
		Version:      trimETag(aws.ToString(out.ETag)),
		ContentType:  aws.ToString(out.ContentType),
		UserMetadata: out.Metadata,
	}, nil
}

// Presign returns a time-limited URL for GET or PUT. PUT URLs sign the
// content type so the eventual upload must match it.
func (c *Client) Presign(ctx context.Context, key, method string, ttl time.Duration, contentType string) (string, error) {
	switch strings.ToUpper(method) {
	case "GET":
		req, err := c.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		}, s3.WithPresignExpires(ttl))
		if err != nil {
			return "", fmt.Errorf("presign GET %s: %w", key, err)
		}
		return req.URL, nil
	case "PUT":
		in := &s3.PutObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		}
		if contentType != "" {
			in.ContentType = aws.String(contentType)
		}
		req, err := c.presigner.PresignPutObject(ctx, in, s3.WithPresignExpires(ttl))
		if err != nil {
			return "", fmt.Errorf("presign PUT %s: %w", key, err)
		}
		return req.URL, nil
	default:
		return "", fmt.Errorf("presign: unsupported method %q", method)
	}
}

// Delete removes an object. Missing objects are not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	return err
}

func trimETag(etag string) string {
	return strings.Trim(strings.TrimSpace(etag), `"`)
}
