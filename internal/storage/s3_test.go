package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	apperrors "github.com/jittakal/tracestream/internal/errors"
	"github.com/jittakal/tracestream/pkg/packet"
)

type fakeUploader struct {
	inputs [][]byte
	keys   []string
	last   *s3.PutObjectInput
	err    error
}

func (f *fakeUploader) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, body)
	f.keys = append(f.keys, aws.ToString(input.Key))
	f.last = input
	return &manager.UploadOutput{Location: "https://example/" + aws.ToString(input.Key)}, nil
}

func TestS3Config_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  S3Config
		wantErr bool
	}{
		{"valid config", S3Config{Bucket: "test-bucket", Region: "us-east-1"}, false},
		{"empty bucket", S3Config{Region: "us-east-1"}, true},
		{"empty region", S3Config{Bucket: "test-bucket"}, true},
		{"with endpoint", S3Config{Bucket: "test-bucket", Region: "us-east-1", Endpoint: "http://localhost:9000", UsePathStyle: true}, false},
		{"with SSE KMS key", S3Config{Bucket: "test-bucket", Region: "us-east-1", SSEEnabled: true, SSEKMSKeyID: "arn:aws:kms:us-east-1:123456789012:key/1"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestS3Writer_Write(t *testing.T) {
	uploader := &fakeUploader{}
	metrics := &mockMetricsCollector{}

	writer, err := newS3Writer(uploader, S3Config{Bucket: "archive", Region: "us-east-1"}, packet.FormatAvro, "snappy", discardLogger(), metrics)
	if err != nil {
		t.Fatalf("newS3Writer() error = %v", err)
	}

	path := "s3://archive/traces/trace-aux/v1/dt=2026-03-01/hour=12/pid=3/"
	size, err := writer.Write(context.Background(), testRecords(4), path, packet.FormatAvro)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if len(uploader.keys) != 1 {
		t.Fatalf("uploads = %d, want 1", len(uploader.keys))
	}
	key := uploader.keys[0]
	if !strings.HasPrefix(key, "traces/trace-aux/v1/dt=2026-03-01/hour=12/pid=3/packets_") {
		t.Errorf("key = %q", key)
	}
	if !strings.HasSuffix(key, ".avro") {
		t.Errorf("key = %q, want .avro suffix", key)
	}
	if int64(len(uploader.inputs[0])) != size {
		t.Errorf("uploaded %d bytes, Write() reported %d", len(uploader.inputs[0]), size)
	}
	if aws.ToString(uploader.last.Bucket) != "archive" {
		t.Errorf("bucket = %q", aws.ToString(uploader.last.Bucket))
	}
	if aws.ToString(uploader.last.ContentType) != "application/avro" {
		t.Errorf("content type = %q", aws.ToString(uploader.last.ContentType))
	}
	if uploader.last.ServerSideEncryption != "" {
		t.Errorf("SSE = %q, want none", uploader.last.ServerSideEncryption)
	}
	if metrics.filesWritten != 1 || metrics.lastFileStatus != "success" {
		t.Errorf("metrics = %d files, status %q", metrics.filesWritten, metrics.lastFileStatus)
	}
}

func TestS3Writer_SSE(t *testing.T) {
	tests := []struct {
		name      string
		config    S3Config
		wantSSE   types.ServerSideEncryption
		wantKMSID string
	}{
		{
			name:    "AES256",
			config:  S3Config{Bucket: "b", Region: "r", SSEEnabled: true},
			wantSSE: types.ServerSideEncryptionAes256,
		},
		{
			name:      "KMS",
			config:    S3Config{Bucket: "b", Region: "r", SSEEnabled: true, SSEKMSKeyID: "key-1"},
			wantSSE:   types.ServerSideEncryptionAwsKms,
			wantKMSID: "key-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uploader := &fakeUploader{}
			writer, err := newS3Writer(uploader, tt.config, packet.FormatParquet, "", discardLogger(), nil)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := writer.Write(context.Background(), testRecords(1), "p/", packet.FormatParquet); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
			if uploader.last.ServerSideEncryption != tt.wantSSE {
				t.Errorf("SSE = %q, want %q", uploader.last.ServerSideEncryption, tt.wantSSE)
			}
			if aws.ToString(uploader.last.SSEKMSKeyId) != tt.wantKMSID {
				t.Errorf("KMS key = %q, want %q", aws.ToString(uploader.last.SSEKMSKeyId), tt.wantKMSID)
			}
		})
	}
}

func TestS3Writer_UploadFailure(t *testing.T) {
	uploader := &fakeUploader{err: errors.New("connection reset")}
	metrics := &mockMetricsCollector{}

	writer, err := newS3Writer(uploader, S3Config{Bucket: "b", Region: "r"}, packet.FormatParquet, "", discardLogger(), metrics)
	if err != nil {
		t.Fatal(err)
	}

	_, err = writer.Write(context.Background(), testRecords(2), "p/", packet.FormatParquet)
	var storageErr *apperrors.StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("Write() error = %v, want StorageError", err)
	}
	if storageErr.Operation != "upload" || !apperrors.IsRetryable(err) {
		t.Errorf("operation = %q, retryable = %v", storageErr.Operation, apperrors.IsRetryable(err))
	}
	if metrics.lastErrorBackend != "s3" || metrics.lastErrorOperation != "upload" {
		t.Errorf("storage error labels = %s/%s", metrics.lastErrorBackend, metrics.lastErrorOperation)
	}
}

func TestS3Writer_Close(t *testing.T) {
	writer, err := newS3Writer(&fakeUploader{}, S3Config{Bucket: "b", Region: "r"}, packet.FormatParquet, "", discardLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := writer.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if _, err := writer.Write(context.Background(), testRecords(1), "p/", packet.FormatParquet); !errors.Is(err, apperrors.ErrWriterClosed) {
		t.Errorf("Write() after Close error = %v", err)
	}
}

func TestNewS3Writer_InvalidConfig(t *testing.T) {
	if _, err := NewS3Writer(S3Config{Region: "us-east-1"}, packet.FormatParquet, "", discardLogger(), nil); err == nil {
		t.Error("expected error for missing bucket")
	}
}
