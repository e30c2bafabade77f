// Package archive mirrors canonical batches to S3 as Parquet files.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"derivflow/config"
	"derivflow/internal/models"
	"derivflow/logger"
)

const uploadTimeout = 2 * time.Minute

// Uploader is the part of the S3 client the archiver needs.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, fmt.Errorf("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }

// Archiver uploads RowSets to a bucket under hive style partitions.
type Archiver struct {
	client      Uploader
	bucket      string
	prefix      string
	compression string
	version     string
	manifest    *manifestBuilder
	log         *logger.Log
}

// New builds an Archiver with an S3 client from the storage configuration.
func New(ctx context.Context, cfg *config.Config) (*Archiver, error) {
	s3cfg := cfg.Storage.S3
	if !s3cfg.Enabled {
		return nil, fmt.Errorf("s3 storage disabled")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(s3cfg.Region)}
	if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3cfg.AccessKeyID, s3cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
		}
		o.UsePathStyle = s3cfg.PathStyle
	})
	return NewWithClient(client, s3cfg, cfg.Derivflow.Version), nil
}

// NewWithClient builds an Archiver around an existing client.
func NewWithClient(client Uploader, s3cfg config.S3Config, version string) *Archiver {
	return &Archiver{
		client:      client,
		bucket:      s3cfg.Bucket,
		prefix:      strings.Trim(s3cfg.Prefix, "/"),
		compression: strings.ToLower(s3cfg.Compression),
		version:     version,
		manifest:    newManifestBuilder(),
		log:         logger.GetLogger(),
	}
}

// Archive encodes rows and uploads them, returning the object key.
// Empty row sets are skipped.
func (a *Archiver) Archive(ctx context.Context, coin, exchange string, rows models.RowSet) (string, error) {
	if rows.Len() == 0 {
		return "", nil
	}
	log := a.log.WithComponent("archive").WithFields(logger.Fields{
		"coin":     coin,
		"exchange": exchange,
		"kind":     string(rows.Kind),
		"rows":     rows.Len(),
	})

	data, err := Encode(rows, a.compression)
	if err != nil {
		return "", err
	}
	last := rows.Rows[rows.Len()-1].DT
	key := Key(a.prefix, coin, exchange, rows.Kind, last, time.Now().UTC())

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":      "parquet",
			"compression":       a.compression,
			"derivflow-version": a.version,
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	if exchange == "" {
		exchange = "all"
	}
	a.manifest.add(DataFile{
		Path:        fmt.Sprintf("s3://%s/%s", a.bucket, key),
		FileSize:    int64(len(data)),
		RecordCount: int64(rows.Len()),
		Partition: map[string]string{
			"coin":     strings.ToLower(coin),
			"exchange": strings.ToLower(exchange),
			"metric":   string(rows.Kind),
			"date":     last.UTC().Format(models.DateLayout),
		},
	})

	log.WithFields(logger.Fields{"s3_key": key, "file_size": len(data)}).Info("batch archived")
	return key, nil
}

// Key builds coin=/exchange=/metric=/date= partitioned object keys. Price
// batches use exchange=all.
func Key(prefix, coin, exchange string, kind models.MetricKind, last, now time.Time) string {
	if exchange == "" {
		exchange = "all"
	}
	name := fmt.Sprintf("%s%s.parquet", now.Format("20060102150405"), strings.ReplaceAll(uuid.NewString(), "-", ""))
	return path.Join(
		prefix,
		"coin="+strings.ToLower(coin),
		"exchange="+strings.ToLower(exchange),
		"metric="+string(kind),
		"date="+last.UTC().Format(models.DateLayout),
		name,
	)
}

// Schema returns the parquet column definitions for kind.
func Schema(kind models.MetricKind) []string {
	md := []string{
		"name=dt, type=INT64, convertedtype=TIMESTAMP_MILLIS",
		"name=date, type=BYTE_ARRAY, convertedtype=UTF8",
		"name=time, type=BYTE_ARRAY, convertedtype=UTF8",
	}
	for _, c := range kind.Columns() {
		if kind.Nullable(c) {
			md = append(md, fmt.Sprintf("name=%s, type=DOUBLE, repetitiontype=OPTIONAL", c))
			continue
		}
		md = append(md, fmt.Sprintf("name=%s, type=DOUBLE", c))
	}
	return md
}

// Encode renders rows as a Parquet file.
func Encode(rows models.RowSet, compression string) ([]byte, error) {
	mem := newMemFile()
	pw, err := writer.NewCSVWriter(Schema(rows.Kind), mem, 1)
	if err != nil {
		return nil, fmt.Errorf("new parquet writer: %w", err)
	}

	switch compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, r := range rows.Rows {
		rec := make([]interface{}, 0, 3+len(r.Values))
		rec = append(rec, r.DT.UnixMilli(), r.Date, r.Time)
		for i := range r.Values {
			rec = append(rec, r.Arg(i))
		}
		if err := pw.Write(rec); err != nil {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet: %w", err)
	}
	return mem.buffer.Bytes(), nil
}
