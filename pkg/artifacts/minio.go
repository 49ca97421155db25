package artifacts

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"github.com/tumido/insights-smokerun/pkg/types"
)

// Uploader mirrors a finished run's artifacts into an S3 compatible bucket,
// keyed by run id.
type Uploader struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewUploader(endpoint, accessKey, secretKey string, useSSL bool, bucket, prefix string) (*Uploader, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("error building object store client for %s: %w", endpoint, err)
	}
	return &Uploader{client: client, bucket: bucket, prefix: prefix}, nil
}

func (u *Uploader) Name() string {
	return "objectstore"
}

// Record uploads every artifact registered with the run. Directory artifacts
// (collected cluster logs) are walked file by file.
func (u *Uploader) Record(ctx context.Context, result *types.RunResult) error {
	for _, artifact := range result.Artifacts {
		fi, err := os.Stat(artifact.Path)
		if err != nil {
			return fmt.Errorf("error examining artifact %s: %w", artifact.Name, err)
		}
		if fi.IsDir() {
			err = u.uploadDir(ctx, result.ID, artifact)
		} else {
			err = u.upload(ctx, path.Join(u.prefix, result.ID, artifact.Name), artifact.Path)
		}
		if err != nil {
			return fmt.Errorf("error uploading artifact %s: %w", artifact.Name, err)
		}
	}
	logrus.Infof("[artifacts] uploaded %d artifacts of run %s to bucket %s", len(result.Artifacts), result.ID, u.bucket)
	return nil
}

func (u *Uploader) uploadDir(ctx context.Context, runID string, artifact types.Artifact) error {
	return filepath.WalkDir(artifact.Path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(artifact.Path, p)
		if err != nil {
			return err
		}
		return u.upload(ctx, path.Join(u.prefix, runID, artifact.Name, filepath.ToSlash(rel)), p)
	})
}

func (u *Uploader) upload(ctx context.Context, key, filePath string) error {
	_, err := u.client.FPutObject(ctx, u.bucket, key, filePath, minio.PutObjectOptions{
		ContentType: contentType(key),
	})
	if err != nil {
		return err
	}
	logrus.Debugf("[artifacts] uploaded %s to %s/%s", filePath, u.bucket, key)
	return nil
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".xml":
		return "text/xml"
	case ".json":
		return "application/json"
	case ".log", ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
