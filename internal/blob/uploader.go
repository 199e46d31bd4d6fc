// Package blob stores chat attachments in an S3-compatible object store
// and hands back a URL the UI can render directly.
package blob

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// UploadError carries the backend's message; the sender aborts the whole
// send when it sees one.
type UploadError struct {
	Cause error
}

func (e *UploadError) Error() string {
	return "upload failed: " + e.Cause.Error()
}

func (e *UploadError) Unwrap() error {
	return e.Cause
}

type Uploader struct {
	client    *minio.Client
	bucket    string
	publicURL string
	now       func() time.Time
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL overrides the endpoint when building object URLs, for
	// deployments that front the store with a CDN or reverse proxy.
	PublicURL string
}

func NewUploader(ctx context.Context, opts Options) (*Uploader, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
		// Attachment URLs are embedded in messages that outlive any
		// presign window, so objects are served public-read.
		policy := fmt.Sprintf(`{
			"Version": "2012-10-17",
			"Statement": [{
				"Effect": "Allow",
				"Principal": {"AWS": ["*"]},
				"Action": ["s3:GetObject"],
				"Resource": ["arn:aws:s3:::%s/*"]
			}]
		}`, opts.Bucket)
		if err := client.SetBucketPolicy(ctx, opts.Bucket, policy); err != nil {
			return nil, fmt.Errorf("set bucket policy %s: %w", opts.Bucket, err)
		}
	}

	publicURL := strings.TrimRight(opts.PublicURL, "/")
	if publicURL == "" {
		publicURL = strings.TrimRight(client.EndpointURL().String(), "/")
	}

	return &Uploader{
		client:    client,
		bucket:    opts.Bucket,
		publicURL: publicURL,
		now:       time.Now,
	}, nil
}

// Upload stores the attachment under a collision-resistant key scoped to
// the trip and returns its URL.
func (u *Uploader) Upload(ctx context.Context, tripID, fileName, contentType string, data io.Reader, size int64) (string, error) {
	key := objectKey(tripID, fileName, u.now())
	_, err := u.client.PutObject(ctx, u.bucket, key, data, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", &UploadError{Cause: err}
	}
	return u.publicURL + "/" + u.bucket + "/" + key, nil
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9.]`)

// objectKey derives chat-images/{tripId}/{unix-ms}-{sanitizedName}; the
// timestamp keeps concurrent uploads of the same file name from
// colliding.
func objectKey(tripID, fileName string, now time.Time) string {
	return fmt.Sprintf("chat-images/%s/%d-%s", tripID, now.UnixMilli(), sanitizeName(fileName))
}

// sanitizeName replaces every character outside [A-Za-z0-9.] with '_'.
func sanitizeName(name string) string {
	return unsafeNameChars.ReplaceAllString(name, "_")
}
