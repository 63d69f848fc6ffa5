package storage

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/op3/ucesb-sub002/internal/config/dto"
	"github.com/op3/ucesb-sub002/internal/encoder"
	"github.com/op3/ucesb-sub002/internal/errors"
	pkgencoder "github.com/op3/ucesb-sub002/pkg/encoder"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRows() []pkgencoder.Row {
	return []pkgencoder.Row{
		{SnapshotID: "s", TakenAt: time.Unix(0, 0), Type: 20, ProcID: 1, Payload: []byte("abcd")},
		{SnapshotID: "s", TakenAt: time.Unix(0, 0), Sequence: 1, Type: 20, ProcID: 2, Revoked: true},
	}
}

type fakeMetrics struct {
	mu     sync.Mutex
	files  map[string]int
	errors map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{files: map[string]int{}, errors: map[string]int{}}
}

func (m *fakeMetrics) IncFilesWritten(backend, format, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[backend+"/"+format+"/"+status]++
}
func (m *fakeMetrics) ObserveFileSize(string, float64)             {}
func (m *fakeMetrics) ObserveStorageWriteDuration(string, float64) {}
func (m *fakeMetrics) IncStorageErrors(backend, operation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[backend+"/"+operation]++
}

func TestRouter(t *testing.T) {
	at := time.Date(2024, 5, 1, 7, 30, 0, 0, time.FixedZone("X", 2*3600))

	tests := []struct {
		name     string
		prefix   string
		template string
		want     string
	}{
		{name: "date and hour", template: "snapshots/{date}/{hour}", want: "snapshots/2024-05-01/05"},
		{name: "prefix", prefix: "/lmd/", template: "{year}/{month}/{day}", want: "lmd/2024/05/01"},
		{name: "prefix only", prefix: "lmd", want: "lmd"},
		{name: "empty", want: ""},
		{name: "literal", template: "/static/", want: "static"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewRouter(tt.prefix, tt.template).Route(at); got != tt.want {
				t.Errorf("Route() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFileWriter(t *testing.T) {
	base := t.TempDir()
	m := newFakeMetrics()
	w, err := NewFileWriter(FileConfig{BasePath: base}, pkgencoder.FormatAvro, "deflate", testLogger(), m)
	if err != nil {
		t.Fatalf("NewFileWriter() error = %v", err)
	}
	w.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	name, size, err := w.Write(context.Background(), testRows(), "snapshots/2024-05-01")
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !strings.HasPrefix(name, filepath.Join(base, "snapshots", "2024-05-01", "sticky_20240501_120000_")) {
		t.Errorf("Write() name = %v", name)
	}
	if filepath.Ext(name) != ".avro" {
		t.Errorf("extension = %v, want %v", filepath.Ext(name), ".avro")
	}
	info, err := os.Stat(name)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Size() != size {
		t.Errorf("file size = %v, want %v", info.Size(), size)
	}
	if _, err := os.Stat(name + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temporary file left behind: %v", err)
	}
	if m.files["file/avro/success"] != 1 {
		t.Errorf("files written = %v, want %v", m.files, 1)
	}

	if _, _, err := w.Write(context.Background(), nil, "x"); err == nil {
		t.Error("Write(nil) error = nil, want error")
	}
	if m.errors["file/encode"] != 1 {
		t.Errorf("encode errors = %v, want %v", m.errors["file/encode"], 1)
	}

	w.Close()
	if _, _, err := w.Write(context.Background(), testRows(), "x"); !stderrors.Is(err, errors.ErrWriterClosed) {
		t.Errorf("Write() after Close error = %v, want %v", err, errors.ErrWriterClosed)
	}
}

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeS3) Upload(_ context.Context, input *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = input
	f.body, _ = io.ReadAll(input.Body)
	return &manager.UploadOutput{Location: "https://example/" + *input.Key}, nil
}

func TestS3Writer(t *testing.T) {
	tests := []struct {
		name    string
		cfg     S3Config
		wantSSE types.ServerSideEncryption
		wantKMS string
	}{
		{name: "no encryption", cfg: S3Config{Bucket: "b"}},
		{name: "aes", cfg: S3Config{Bucket: "b", SSEEnabled: true}, wantSSE: types.ServerSideEncryptionAes256},
		{name: "kms", cfg: S3Config{Bucket: "b", SSEEnabled: true, SSEKMSKeyID: "key-1"}, wantSSE: types.ServerSideEncryptionAwsKms, wantKMS: "key-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeS3{}
			w, err := newS3Writer(up, tt.cfg, encoder.NewFactory(pkgencoder.FormatParquet, ""), testLogger(), nil)
			if err != nil {
				t.Fatalf("newS3Writer() error = %v", err)
			}
			key, size, err := w.Write(context.Background(), testRows(), "lmd/2024-05-01")
			if err != nil {
				t.Fatalf("Write() error = %v", err)
			}
			if *up.input.Key != key || !strings.HasPrefix(key, "lmd/2024-05-01/sticky_") {
				t.Errorf("Key = %v, returned %v", *up.input.Key, key)
			}
			if *up.input.Bucket != "b" {
				t.Errorf("Bucket = %v, want %v", *up.input.Bucket, "b")
			}
			if int64(len(up.body)) != size || !bytes.HasPrefix(up.body, []byte("PAR1")) {
				t.Errorf("body of %d bytes, size %d, want parquet", len(up.body), size)
			}
			if up.input.ServerSideEncryption != tt.wantSSE {
				t.Errorf("ServerSideEncryption = %v, want %v", up.input.ServerSideEncryption, tt.wantSSE)
			}
			gotKMS := ""
			if up.input.SSEKMSKeyId != nil {
				gotKMS = *up.input.SSEKMSKeyId
			}
			if gotKMS != tt.wantKMS {
				t.Errorf("SSEKMSKeyId = %v, want %v", gotKMS, tt.wantKMS)
			}
		})
	}
}

func TestS3WriterUploadError(t *testing.T) {
	m := newFakeMetrics()
	w, err := newS3Writer(&fakeS3{err: io.ErrUnexpectedEOF}, S3Config{Bucket: "b"},
		encoder.NewFactory(pkgencoder.FormatAvro, ""), testLogger(), m)
	if err != nil {
		t.Fatalf("newS3Writer() error = %v", err)
	}
	_, _, err = w.Write(context.Background(), testRows(), "x")
	var serr *errors.StorageError
	if !stderrors.As(err, &serr) || !serr.IsRetryable() {
		t.Errorf("Write() error = %v, want retryable StorageError", err)
	}
	if m.errors["s3/upload"] != 1 || m.files["s3/avro/error"] != 1 {
		t.Errorf("metrics = %v %v", m.errors, m.files)
	}
}

type fakeObject struct {
	bytes.Buffer
	closed   bool
	closeErr error
}

func (o *fakeObject) Close() error {
	o.closed = true
	return o.closeErr
}

type fakeBucket struct {
	objects      map[string]*fakeObject
	contentTypes map[string]string
	closeErr     error
}

func (b *fakeBucket) NewWriter(_ context.Context, object, contentType string) io.WriteCloser {
	o := &fakeObject{closeErr: b.closeErr}
	b.objects[object] = o
	b.contentTypes[object] = contentType
	return o
}

func TestGCSWriter(t *testing.T) {
	bucket := &fakeBucket{objects: map[string]*fakeObject{}, contentTypes: map[string]string{}}
	w, err := newGCSWriter(bucket, "b", encoder.NewFactory(pkgencoder.FormatAvro, "null"), testLogger(), nil)
	if err != nil {
		t.Fatalf("newGCSWriter() error = %v", err)
	}

	name, size, err := w.Write(context.Background(), testRows(), "snapshots")
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	obj := bucket.objects[name]
	if obj == nil || !obj.closed {
		t.Fatalf("object %v not written and closed", name)
	}
	if int64(obj.Len()) != size {
		t.Errorf("object size = %v, want %v", obj.Len(), size)
	}
	if !bytes.HasPrefix(obj.Bytes(), []byte("Obj\x01")) {
		t.Errorf("object is not an Avro OCF file")
	}
	if bucket.contentTypes[name] != "application/avro" {
		t.Errorf("ContentType = %v, want %v", bucket.contentTypes[name], "application/avro")
	}

	bucket.closeErr = io.ErrClosedPipe
	if _, _, err := w.Write(context.Background(), testRows(), "snapshots"); !stderrors.Is(err, io.ErrClosedPipe) {
		t.Errorf("Write() error = %v, want %v", err, io.ErrClosedPipe)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

type fakeBlob struct {
	container string
	name      string
	data      []byte
	ct        string
}

func (f *fakeBlob) UploadBuffer(_ context.Context, container, name string, buffer []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error) {
	f.container, f.name, f.data = container, name, buffer
	if o != nil && o.HTTPHeaders != nil && o.HTTPHeaders.BlobContentType != nil {
		f.ct = *o.HTTPHeaders.BlobContentType
	}
	return azblob.UploadBufferResponse{}, nil
}

func TestAzureWriter(t *testing.T) {
	up := &fakeBlob{}
	w, err := newAzureWriter(up, "c", encoder.NewFactory(pkgencoder.FormatParquet, "zstd"), testLogger(), nil)
	if err != nil {
		t.Fatalf("newAzureWriter() error = %v", err)
	}
	name, size, err := w.Write(context.Background(), testRows(), "dir")
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if up.container != "c" || up.name != name {
		t.Errorf("uploaded %v/%v, returned %v", up.container, up.name, name)
	}
	if int64(len(up.data)) != size {
		t.Errorf("size = %v, want %v", len(up.data), size)
	}
	if up.ct != "application/octet-stream" {
		t.Errorf("content type = %v, want %v", up.ct, "application/octet-stream")
	}
}

func TestAzureConnectionString(t *testing.T) {
	tests := []struct {
		name string
		cfg  AzureConfig
		want string
	}{
		{name: "explicit", cfg: AzureConfig{ConnectionString: "UseDevelopmentStorage=true", AccountName: "a"}, want: "UseDevelopmentStorage=true"},
		{name: "account", cfg: AzureConfig{AccountName: "a", AccountKey: "k"}, want: "DefaultEndpointsProtocol=https;AccountName=a;AccountKey=k;EndpointSuffix=core.windows.net"},
		{
			name: "endpoint",
			cfg:  AzureConfig{AccountName: "a", AccountKey: "k", Endpoint: "http://127.0.0.1:10000/a"},
			want: "DefaultEndpointsProtocol=https;AccountName=a;AccountKey=k;BlobEndpoint=http://127.0.0.1:10000/a",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.connectionString(); got != tt.want {
				t.Errorf("connectionString() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNew(t *testing.T) {
	w, err := New(dto.StorageConfig{Backend: "file", File: dto.FileConfig{BasePath: t.TempDir()}},
		pkgencoder.FormatParquet, "", testLogger(), nil)
	if err != nil {
		t.Fatalf("New(file) error = %v", err)
	}
	if _, ok := w.(*FileWriter); !ok {
		t.Errorf("New(file) = %T, want *FileWriter", w)
	}
	w.Close()

	if _, err := New(dto.StorageConfig{Backend: "ftp"}, pkgencoder.FormatParquet, "", testLogger(), nil); err == nil {
		t.Error("New(ftp) error = nil, want error")
	}
}

func TestBasePath(t *testing.T) {
	cfg := dto.StorageConfig{S3: dto.S3Config{BasePath: "s3base"}, GCS: dto.GCSConfig{BasePath: "gcsbase"}}
	for backend, want := range map[string]string{"s3": "s3base", "gcs": "gcsbase", "file": "", "azure": ""} {
		cfg.Backend = backend
		if got := BasePath(cfg); got != want {
			t.Errorf("BasePath(%s) = %v, want %v", backend, got, want)
		}
	}
}
