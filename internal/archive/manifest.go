package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"derivflow/logger"
)

// DataFile describes one parquet object written during a run.
type DataFile struct {
	Path        string            `json:"path"`
	FileSize    int64             `json:"file_size_in_bytes"`
	RecordCount int64             `json:"record_count"`
	Partition   map[string]string `json:"partition"`
}

// Manifest lists the files of a single run so downstream loaders can pick
// them up without listing the bucket.
type Manifest struct {
	RunID       string     `json:"run-id"`
	TimestampMs int64      `json:"timestamp-ms"`
	Version     string     `json:"version"`
	Files       []DataFile `json:"files"`
}

type manifestBuilder struct {
	mu    sync.Mutex
	runID string
	files []DataFile
}

func newManifestBuilder() *manifestBuilder {
	return &manifestBuilder{runID: uuid.NewString()}
}

func (b *manifestBuilder) add(df DataFile) {
	b.mu.Lock()
	b.files = append(b.files, df)
	b.mu.Unlock()
}

func (b *manifestBuilder) snapshot(version string, now time.Time) Manifest {
	b.mu.Lock()
	defer b.mu.Unlock()
	files := make([]DataFile, len(b.files))
	copy(files, b.files)
	return Manifest{
		RunID:       b.runID,
		TimestampMs: now.UnixMilli(),
		Version:     version,
		Files:       files,
	}
}

// Flush uploads the run manifest under <prefix>/_manifests/. Nothing is
// written when no file was archived.
func (a *Archiver) Flush(ctx context.Context) (string, error) {
	now := time.Now().UTC()
	m := a.manifest.snapshot(a.version, now)
	if len(m.Files) == 0 {
		return "", nil
	}

	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	key := path.Join(a.prefix, "_manifests", fmt.Sprintf("run=%s-%s.json", now.Format("20060102T150405Z"), m.RunID))

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()
	if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return "", fmt.Errorf("upload manifest: %w", err)
	}

	a.log.WithComponent("archive").WithFields(logger.Fields{
		"s3_key": key,
		"files":  len(m.Files),
	}).Info("run manifest uploaded")
	return key, nil
}
