package backend

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/wilsonzlin/meetflow/internal/config"
)

const (
	metaUserName = "user-name"
	metaLabel    = "recording-type"

	s3UploadTimeout = 30 * time.Second
)

// S3Store keeps recordings in an S3-compatible bucket under
// <prefix>/<meetId>/<userId>/<label>-<unixms>.webm.
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
	region string
	logger *slog.Logger
}

var (
	_ ArtifactStore  = (*S3Store)(nil)
	_ RecordingIndex = (*S3Store)(nil)
)

func NewS3Store(cfg config.S3Config, logger *slog.Logger) (*S3Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		region: cfg.Region,
		logger: logger,
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("%w: check bucket %s: %w", ErrPersistenceFailed, s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("%w: create bucket %s: %w", ErrPersistenceFailed, s.bucket, err)
	}
	return nil
}

func (s *S3Store) SaveArtifact(ctx context.Context, meta ArtifactMeta, blob []byte) (StoredRecord, error) {
	filename := meta.Filename()
	key := objectKey(s.prefix, meta.MeetID, meta.UserID, filename)

	contentType := meta.MimeType
	if contentType == "" {
		contentType = "video/webm"
	}

	uploadCtx, cancel := context.WithTimeout(ctx, s3UploadTimeout)
	defer cancel()

	info, err := s.client.PutObject(uploadCtx, s.bucket, key, bytes.NewReader(blob), int64(len(blob)), minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			metaUserName: meta.UserName,
			metaLabel:    meta.Label,
		},
	})
	if err != nil {
		return StoredRecord{}, fmt.Errorf("%w: upload %s: %w", ErrPersistenceFailed, key, err)
	}

	s.logger.Info("recording uploaded", "bucket", s.bucket, "key", key, "bytes", info.Size)
	return StoredRecord{
		ID:            info.ETag,
		MeetID:        meta.MeetID,
		UserID:        meta.UserID,
		UserName:      meta.UserName,
		RecordingType: meta.Label,
		Filename:      filename,
		Filepath:      fmt.Sprintf("s3://%s/%s", s.bucket, key),
		Size:          int64(len(blob)),
		CreatedAt:     time.Now(),
	}, nil
}

// ListRecordings lists every object stored for the meet. User names come
// from object metadata, which costs one stat per object.
func (s *S3Store) ListRecordings(ctx context.Context, meetID string) ([]StoredRecord, error) {
	prefix := objectKey(s.prefix, meetID) + "/"

	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var recs []StoredRecord
	for obj := range s.client.ListObjects(listCtx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("%w: list %s: %w", ErrPersistenceFailed, prefix, obj.Err)
		}
		rec, ok := parseObjectKey(s.prefix, obj.Key)
		if !ok {
			s.logger.Debug("skipping unrecognized object", "key", obj.Key)
			continue
		}
		rec.Size = obj.Size
		rec.CreatedAt = obj.LastModified
		rec.ID = obj.ETag
		rec.Filepath = fmt.Sprintf("s3://%s/%s", s.bucket, obj.Key)

		stat, err := s.client.StatObject(ctx, s.bucket, obj.Key, minio.StatObjectOptions{})
		if err != nil {
			return nil, fmt.Errorf("%w: stat %s: %w", ErrPersistenceFailed, obj.Key, err)
		}
		rec.UserName = userMetadata(stat.UserMetadata, metaUserName)
		if label := userMetadata(stat.UserMetadata, metaLabel); label != "" {
			rec.RecordingType = label
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func objectKey(prefix string, parts ...string) string {
	if prefix != "" {
		parts = append([]string{prefix}, parts...)
	}
	return path.Join(parts...)
}

// parseObjectKey recovers meet, user and label from
// [<prefix>/]<meetId>/<userId>/<label>-<unixms>.webm.
func parseObjectKey(prefix, key string) (StoredRecord, bool) {
	rel := key
	if prefix != "" {
		var ok bool
		rel, ok = strings.CutPrefix(key, prefix+"/")
		if !ok {
			return StoredRecord{}, false
		}
	}
	parts := strings.Split(rel, "/")
	if len(parts) != 3 {
		return StoredRecord{}, false
	}
	name, ok := strings.CutSuffix(parts[2], ".webm")
	if !ok {
		return StoredRecord{}, false
	}
	dash := strings.LastIndexByte(name, '-')
	if dash <= 0 {
		return StoredRecord{}, false
	}
	return StoredRecord{
		MeetID:        parts[0],
		UserID:        parts[1],
		RecordingType: name[:dash],
		Filename:      parts[2],
	}, true
}

func userMetadata(md map[string]string, key string) string {
	for k, v := range md {
		if strings.EqualFold(k, key) || strings.EqualFold(k, "X-Amz-Meta-"+key) {
			return v
		}
	}
	return ""
}
