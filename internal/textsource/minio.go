// Package textsource resolves a material's extracted text. Uploaded
// documents have their extraction output written to object storage by the
// ingest feature; older rows carry the text inline on the material row, so
// reads fall back to that column.
package textsource

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// maxObjectSize bounds how much extracted text we pull from one object.
const maxObjectSize = 8 << 20

// Service reads extracted text objects from a MinIO bucket.
type Service struct {
	client *minio.Client
	bucket string
}

// New connects to MinIO. Callers may hold a nil *Service when object
// storage is not configured; every method then uses the inline fallback.
func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &Service{client: client, bucket: bucket}, nil
}

// ExtractedText returns the text stored under objectKey, or inline when the
// object is missing, unreadable, or object storage is not configured. The
// bucket is a read optimization over the inline column, so failures here
// degrade rather than error.
func (s *Service) ExtractedText(ctx context.Context, objectKey, inline string) string {
	if s == nil || objectKey == "" {
		return inline
	}

	obj, err := s.client.GetObject(ctx, s.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		log.Printf("textsource: get object %s: %v", objectKey, err)
		return inline
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, maxObjectSize))
	if err != nil {
		log.Printf("textsource: read object %s: %v", objectKey, err)
		return inline
	}
	if len(data) == 0 {
		return inline
	}
	return string(data)
}
