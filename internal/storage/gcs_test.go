package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	apperrors "github.com/jittakal/tracestream/internal/errors"
	"github.com/jittakal/tracestream/pkg/packet"
)

type memObject struct {
	bytes.Buffer
	name        string
	contentType string
	closed      bool
	closeErr    error
}

func (o *memObject) Close() error {
	o.closed = true
	return o.closeErr
}

type memBucket struct {
	objects  []*memObject
	closeErr error
}

func (b *memBucket) open(ctx context.Context, object, contentType string) io.WriteCloser {
	o := &memObject{name: object, contentType: contentType, closeErr: b.closeErr}
	b.objects = append(b.objects, o)
	return o
}

func TestGCSConfig_Validate(t *testing.T) {
	if err := (GCSConfig{Bucket: "b"}).Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if err := (GCSConfig{ProjectID: "p"}).Validate(); err == nil {
		t.Error("expected error for missing bucket")
	}
}

func TestGCSConfig_ClientOptions(t *testing.T) {
	tests := []struct {
		name   string
		config GCSConfig
		want   int
	}{
		{"default credentials", GCSConfig{Bucket: "b", UseDefaultCredential: true, CredentialsFile: "ignored.json"}, 0},
		{"credentials json", GCSConfig{Bucket: "b", CredentialsJSON: "{}"}, 1},
		{"credentials file", GCSConfig{Bucket: "b", CredentialsFile: "sa.json"}, 1},
		{"endpoint and file", GCSConfig{Bucket: "b", Endpoint: "http://localhost:4443", CredentialsFile: "sa.json"}, 2},
		{"nothing set", GCSConfig{Bucket: "b"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(tt.config.clientOptions()); got != tt.want {
				t.Errorf("len(clientOptions()) = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestGCSWriter_Write(t *testing.T) {
	bucket := &memBucket{}
	metrics := &mockMetricsCollector{}

	writer, err := newGCSWriter(bucket.open, GCSConfig{Bucket: "archive"}, packet.FormatParquet, "zstd", discardLogger(), metrics)
	if err != nil {
		t.Fatalf("newGCSWriter() error = %v", err)
	}

	size, err := writer.Write(context.Background(), testRecords(3), "gs://archive/trace-aux/v1/dt=2026-03-01/hour=12/pid=3/", packet.FormatParquet)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if len(bucket.objects) != 1 {
		t.Fatalf("objects = %d, want 1", len(bucket.objects))
	}
	obj := bucket.objects[0]
	if !strings.HasPrefix(obj.name, "trace-aux/v1/dt=2026-03-01/hour=12/pid=3/packets_") || !strings.HasSuffix(obj.name, ".parquet") {
		t.Errorf("object name = %q", obj.name)
	}
	if obj.contentType != "application/octet-stream" {
		t.Errorf("content type = %q", obj.contentType)
	}
	if !obj.closed {
		t.Error("object writer not closed")
	}
	if int64(obj.Len()) != size {
		t.Errorf("object holds %d bytes, Write() reported %d", obj.Len(), size)
	}
	if !bytes.HasPrefix(obj.Bytes(), []byte("PAR1")) {
		t.Error("object is not a parquet file")
	}
	if metrics.filesWritten != 1 || metrics.lastFormat != "parquet" {
		t.Errorf("metrics = %d files, format %q", metrics.filesWritten, metrics.lastFormat)
	}
}

func TestGCSWriter_CloseFailure(t *testing.T) {
	bucket := &memBucket{closeErr: errors.New("precondition failed")}
	metrics := &mockMetricsCollector{}

	writer, err := newGCSWriter(bucket.open, GCSConfig{Bucket: "archive"}, packet.FormatAvro, "", discardLogger(), metrics)
	if err != nil {
		t.Fatal(err)
	}

	_, err = writer.Write(context.Background(), testRecords(1), "p/", packet.FormatAvro)
	var storageErr *apperrors.StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("Write() error = %v, want StorageError", err)
	}
	if !strings.HasPrefix(storageErr.Path, "gs://archive/p/packets_") {
		t.Errorf("error path = %q", storageErr.Path)
	}
	if metrics.lastErrorOperation != "close" {
		t.Errorf("lastErrorOperation = %q, want close", metrics.lastErrorOperation)
	}
}

func TestGCSWriter_Close(t *testing.T) {
	writer, err := newGCSWriter((&memBucket{}).open, GCSConfig{Bucket: "b"}, packet.FormatParquet, "", discardLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := writer.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := writer.Write(context.Background(), testRecords(1), "p/", packet.FormatParquet); !errors.Is(err, apperrors.ErrWriterClosed) {
		t.Errorf("Write() after Close error = %v", err)
	}
}
