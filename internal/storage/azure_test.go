package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	apperrors "github.com/jittakal/tracestream/internal/errors"
	"github.com/jittakal/tracestream/pkg/packet"
)

type fakeBlobClient struct {
	container   string
	blob        string
	contentType string
	body        []byte
	err         error
}

func (f *fakeBlobClient) UploadFile(ctx context.Context, containerName string, blobName string, file *os.File, o *azblob.UploadFileOptions) (azblob.UploadFileResponse, error) {
	if f.err != nil {
		return azblob.UploadFileResponse{}, f.err
	}
	body, err := io.ReadAll(file)
	if err != nil {
		return azblob.UploadFileResponse{}, err
	}
	f.container = containerName
	f.blob = blobName
	f.body = body
	if o != nil && o.HTTPHeaders != nil && o.HTTPHeaders.BlobContentType != nil {
		f.contentType = *o.HTTPHeaders.BlobContentType
	}
	return azblob.UploadFileResponse{}, nil
}

func TestAzureConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  AzureConfig
		wantErr bool
	}{
		{"valid", AzureConfig{AccountName: "acct", AccountKey: "a2V5", ContainerName: "traces"}, false},
		{"missing account", AzureConfig{AccountKey: "a2V5", ContainerName: "traces"}, true},
		{"missing key", AzureConfig{AccountName: "acct", ContainerName: "traces"}, true},
		{"missing container", AzureConfig{AccountName: "acct", AccountKey: "a2V5"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.config.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAzureConfig_ConnectionString(t *testing.T) {
	public := AzureConfig{AccountName: "acct", AccountKey: "key"}.ConnectionString()
	if !strings.Contains(public, "AccountName=acct;AccountKey=key;EndpointSuffix=core.windows.net") {
		t.Errorf("public connection string = %q", public)
	}

	emulator := AzureConfig{AccountName: "devstoreaccount1", AccountKey: "key", Endpoint: "http://127.0.0.1:10000/devstoreaccount1"}.ConnectionString()
	if !strings.HasSuffix(emulator, "BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1") {
		t.Errorf("emulator connection string = %q", emulator)
	}
	if strings.Contains(emulator, "EndpointSuffix") {
		t.Errorf("emulator connection string should not carry an endpoint suffix: %q", emulator)
	}
}

func TestAzureWriter_Write(t *testing.T) {
	client := &fakeBlobClient{}
	metrics := &mockMetricsCollector{}
	cfg := AzureConfig{AccountName: "acct", AccountKey: "key", ContainerName: "traces"}

	writer, err := newAzureWriter(client, cfg, packet.FormatAvro, "gzip", discardLogger(), metrics)
	if err != nil {
		t.Fatalf("newAzureWriter() error = %v", err)
	}

	size, err := writer.Write(context.Background(), testRecords(2), "wasbs://traces/trace-aux/v1/dt=2026-03-01/hour=12/pid=3/", packet.FormatAvro)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if client.container != "traces" {
		t.Errorf("container = %q", client.container)
	}
	if !strings.HasPrefix(client.blob, "trace-aux/v1/dt=2026-03-01/hour=12/pid=3/packets_") || !strings.HasSuffix(client.blob, ".avro.gz") {
		t.Errorf("blob = %q", client.blob)
	}
	if client.contentType != "application/avro" {
		t.Errorf("content type = %q", client.contentType)
	}
	if int64(len(client.body)) != size {
		t.Errorf("uploaded %d bytes, Write() reported %d", len(client.body), size)
	}
	if metrics.filesWritten != 1 || metrics.lastFileStatus != "success" {
		t.Errorf("metrics = %d files, status %q", metrics.filesWritten, metrics.lastFileStatus)
	}
}

func TestAzureWriter_UploadFailure(t *testing.T) {
	client := &fakeBlobClient{err: errors.New("503 server busy")}
	metrics := &mockMetricsCollector{}
	cfg := AzureConfig{AccountName: "acct", AccountKey: "key", ContainerName: "traces"}

	writer, err := newAzureWriter(client, cfg, packet.FormatParquet, "", discardLogger(), metrics)
	if err != nil {
		t.Fatal(err)
	}

	_, err = writer.Write(context.Background(), testRecords(1), "p/", packet.FormatParquet)
	if !apperrors.IsRetryable(err) {
		t.Errorf("Write() error = %v, want retryable", err)
	}
	if metrics.lastErrorBackend != "azure" || metrics.lastErrorOperation != "upload" {
		t.Errorf("storage error labels = %s/%s", metrics.lastErrorBackend, metrics.lastErrorOperation)
	}

	if err := writer.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if _, err := writer.Write(context.Background(), testRecords(1), "p/", packet.FormatParquet); !errors.Is(err, apperrors.ErrWriterClosed) {
		t.Errorf("Write() after Close error = %v", err)
	}
}

func TestNewAzureWriter_InvalidConfig(t *testing.T) {
	if _, err := NewAzureWriter(AzureConfig{AccountName: "acct"}, packet.FormatParquet, "", discardLogger(), nil); err == nil {
		t.Error("expected error for incomplete config")
	}
}
