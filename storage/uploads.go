package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultMaxUploadBytes int64 = 32 * 1024 * 1024

// StoredObject identifies one ingestible file persisted to object storage.
// Archives expand into one StoredObject per contained text file.
type StoredObject struct {
	ObjectKey string `json:"object_key"`
	FileName  string `json:"file_name"`
	Size      int64  `json:"size"`
}

// UploadStorage persists uploaded source files in MinIO/S3 and reads them
// back for the pipeline.
type UploadStorage struct {
	client   *minio.Client
	bucket   string
	maxBytes int64
}

// NewUploadStorageFromEnv initialises UploadStorage using MINIO_* environment
// variables. Returns (nil, nil) when object storage is not configured; file
// sources are then rejected at upload time.
func NewUploadStorageFromEnv() (*UploadStorage, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
	}

	maxBytes := defaultMaxUploadBytes
	if raw := strings.TrimSpace(os.Getenv("UPLOAD_MAX_BYTES")); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			maxBytes = parsed
		}
	}

	return &UploadStorage{client: client, bucket: bucket, maxBytes: maxBytes}, nil
}

// Store persists one uploaded file. Zip and rar archives are expanded and
// each contained text file becomes its own object; anything else is stored
// as a single object.
func (s *UploadStorage) Store(ctx context.Context, fileHeader *multipart.FileHeader) ([]StoredObject, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("storage: upload storage not configured")
	}
	if fileHeader == nil {
		return nil, errors.New("storage: upload file not provided")
	}
	if fileHeader.Size > 0 && fileHeader.Size > s.maxBytes {
		return nil, fmt.Errorf("storage: upload size exceeds %d bytes", s.maxBytes)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("storage: open upload: %w", err)
	}
	defer src.Close()

	var buffer bytes.Buffer
	written, err := io.Copy(&buffer, io.LimitReader(src, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("storage: read upload: %w", err)
	}
	if written > s.maxBytes {
		return nil, fmt.Errorf("storage: upload size exceeds %d bytes", s.maxBytes)
	}
	data := buffer.Bytes()

	fileName := path.Base(strings.ReplaceAll(fileHeader.Filename, "\\", "/"))
	prefix := "uploads/" + uuid.NewString()

	switch strings.ToLower(path.Ext(fileName)) {
	case ".zip":
		entries, err := expandZip(data)
		if err != nil {
			return nil, err
		}
		return s.storeEntries(ctx, prefix, entries)
	case ".rar":
		entries, err := expandRar(data)
		if err != nil {
			return nil, err
		}
		return s.storeEntries(ctx, prefix, entries)
	}

	if !isTextLike(fileName) {
		return nil, fmt.Errorf("storage: unsupported file type %q", path.Ext(fileName))
	}
	objectKey := prefix + "/" + fileName
	if err := s.putObject(ctx, objectKey, data); err != nil {
		return nil, err
	}
	return []StoredObject{{ObjectKey: objectKey, FileName: fileName, Size: int64(len(data))}}, nil
}

func (s *UploadStorage) storeEntries(ctx context.Context, prefix string, entries []archiveEntry) ([]StoredObject, error) {
	objects := make([]StoredObject, 0, len(entries))
	for _, entry := range entries {
		objectKey := prefix + "/" + entry.Name
		if err := s.putObject(ctx, objectKey, entry.Data); err != nil {
			return nil, err
		}
		objects = append(objects, StoredObject{ObjectKey: objectKey, FileName: entry.Name, Size: int64(len(entry.Data))})
	}
	return objects, nil
}

func (s *UploadStorage) putObject(ctx context.Context, objectKey string, data []byte) error {
	putCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.client.PutObject(putCtx, s.bucket, objectKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "text/plain; charset=utf-8",
	})
	if err != nil {
		return fmt.Errorf("storage: upload %s: %w", objectKey, err)
	}
	return nil
}

// ReadText loads a stored object back as text for the pipeline.
func (s *UploadStorage) ReadText(ctx context.Context, objectKey string) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("storage: upload storage not configured")
	}
	objectKey = strings.TrimSpace(objectKey)
	if objectKey == "" {
		return "", errors.New("storage: object key is required")
	}

	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	object, err := s.client.GetObject(readCtx, s.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("storage: fetch %s: %w", objectKey, err)
	}
	defer object.Close()

	data, err := io.ReadAll(io.LimitReader(object, maxEntryBytes+1))
	if err != nil {
		return "", fmt.Errorf("storage: read %s: %w", objectKey, err)
	}
	if int64(len(data)) > maxEntryBytes {
		return "", fmt.Errorf("storage: object %s exceeds %d bytes", objectKey, maxEntryBytes)
	}
	return string(data), nil
}
