package sync

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Lister implements Lister against a real object-store bucket via
// aws-sdk-go-v2/service/s3, the spec's literal backing store for the
// sync poller.
type S3Lister struct {
	client *s3.Client
	bucket string
}

// NewS3Lister wraps client for bucket.
func NewS3Lister(client *s3.Client, bucket string) *S3Lister {
	return &S3Lister{client: client, bucket: bucket}
}

// List paginates ListObjectsV2 under prefix up to maxPages pages,
// returning each object's key relative to prefix.
func (l *S3Lister) List(ctx context.Context, prefix string, maxPages int) ([]ObjectInfo, error) {
	var out []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(l.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(l.bucket),
		Prefix: aws.String(prefix),
	})

	for page := 0; paginator.HasMorePages() && page < maxPages; page++ {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects under %q: %w", prefix, err)
		}
		for _, obj := range output.Contents {
			key := aws.ToString(obj.Key)
			rel := strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
			if rel == "" {
				continue
			}
			lastModified := time.Time{}
			if obj.LastModified != nil {
				lastModified = *obj.LastModified
			}
			out = append(out, ObjectInfo{
				RelativePath: rel,
				LastModified: lastModified,
				ETag:         strings.Trim(aws.ToString(obj.ETag), `"`),
				Size:         aws.ToInt64(obj.Size),
			})
		}
	}
	return out, nil
}

// Download fetches one object's body by its path relative to prefix.
func (l *S3Lister) Download(ctx context.Context, prefix, relativePath string) (io.ReadCloser, error) {
	key := strings.TrimSuffix(prefix, "/") + "/" + relativePath
	out, err := l.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %q: %w", key, err)
	}
	return out.Body, nil
}
