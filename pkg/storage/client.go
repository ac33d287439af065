package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"
	"github.com/kiwix/hotspot-imager/pkg/errors"
	"github.com/kiwix/hotspot-imager/pkg/security"
)

// ObjectGetter is the subset of the S3 API used by Client
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Content describes a downloadable artifact such as the base image
type Content struct {
	Name   string // file name in the cache, e.g. hotspot-master_2024-01.img.zip
	Key    string // object key in the bucket
	Size   int64  // expected size, 0 if unknown
	SHA256 string // expected checksum, "" if unknown
}

// Member returns the archive member holding the image
func (c Content) Member() string {
	return strings.TrimSuffix(c.Name, ".zip")
}

// FetchResult reports the outcome of a fetch
type FetchResult struct {
	Successful bool
	Found      bool // a cached copy was reused
	Path       string
	Err        error
}

// Client provides cached S3 downloads
type Client struct {
	s3Client  ObjectGetter
	bucket    string
	cacheDir  string
	validator *security.Validator
}

// NewClient creates a new S3 client for anonymous access
func NewClient(ctx context.Context, bucket, region, cacheDir string, validator *security.Validator) (*Client, error) {
	slog.Info("s3_client_init", "bucket", bucket, "region", region, "cache_dir", cacheDir)

	// Load AWS config with anonymous credentials
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return NewClientWithGetter(s3.NewFromConfig(cfg), bucket, cacheDir, validator), nil
}

// NewClientWithGetter builds a Client around an existing S3 API implementation
func NewClientWithGetter(getter ObjectGetter, bucket, cacheDir string, validator *security.Validator) *Client {
	return &Client{
		s3Client:  getter,
		bucket:    bucket,
		cacheDir:  cacheDir,
		validator: validator,
	}
}

// Fetch returns a local copy of content, reusing the cache when the cached
// file has the expected size.
func (c *Client) Fetch(ctx context.Context, content Content) FetchResult {
	localPath := filepath.Join(c.cacheDir, content.Name)

	if fi, err := os.Stat(localPath); err == nil && !fi.IsDir() && (content.Size == 0 || fi.Size() == content.Size) {
		slog.Info("cache_hit", "name", content.Name, "path", localPath, "size", humanize.IBytes(uint64(fi.Size())))
		return FetchResult{Successful: true, Found: true, Path: localPath}
	}

	if err := os.MkdirAll(c.cacheDir, 0755); err != nil {
		return FetchResult{Err: errors.Wrap(err, "failed to create cache dir")}
	}

	checksum, err := c.download(ctx, content.Key, localPath)
	if err != nil {
		return FetchResult{Path: localPath, Err: err}
	}
	if content.SHA256 != "" && !strings.EqualFold(content.SHA256, checksum) {
		os.Remove(localPath)
		return FetchResult{Path: localPath, Err: fmt.Errorf("checksum mismatch for %s: got %s", content.Name, checksum)}
	}

	return FetchResult{Successful: true, Path: localPath}
}

// Unzip extracts the image member of a fetched archive
func (c *Client) Unzip(archivePath, member, destPath string) error {
	return Unzip(archivePath, member, destPath, c.validator)
}

// download streams an object into localPath through a .part file and
// returns its SHA256.
func (c *Client) download(ctx context.Context, s3Key, localPath string) (string, error) {
	slog.Info("s3_download_start", "bucket", c.bucket, "s3_key", s3Key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(s3Key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "s3_key", s3Key, "error", err)
		return "", errors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	partPath := localPath + ".part"
	f, err := os.Create(partPath)
	if err != nil {
		slog.Error("local_file_creation_failed", "path", partPath, "error", err)
		return "", errors.Wrap(err, "failed to create local file")
	}

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hash), result.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(partPath)
		slog.Error("s3_download_failed", "s3_key", s3Key, "error", err)
		return "", errors.Wrap(err, "failed to download file")
	}

	if err := os.Rename(partPath, localPath); err != nil {
		os.Remove(partPath)
		return "", errors.Wrap(err, "failed to publish download")
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	slog.Info("s3_download_complete",
		"s3_key", s3Key,
		"size", humanize.IBytes(uint64(size)),
		"local_path", localPath,
		"sha256", checksum[:16]+"...",
	)
	return checksum, nil
}
