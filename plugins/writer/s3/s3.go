package s3

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/afero"

	"bundleobf/pkg/contract"
)

// Options: S3 兼容存储上传配置。
type Options struct {
	Endpoint  string `json:"endpoint"` // host[:port]，不含 scheme
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix,omitempty"` // 对象键前缀
	Region    string `json:"region,omitempty"`
	Secure    bool   `json:"secure"`
	AccessKey string `json:"access_key,omitempty"` // 为空时读取 AWS_ACCESS_KEY_ID
	SecretKey string `json:"secret_key,omitempty"` // 为空时读取 AWS_SECRET_ACCESS_KEY
	// PathStyle: 强制 path-style 寻址（MinIO/本地兼容服务）。
	PathStyle bool `json:"path_style,omitempty"`
	// Transport: 自定义 HTTP 传输（私有 CA 等）；仅代码注入。
	Transport http.RoundTripper `json:"-"`
}

// Writer 将工件上传为对象；对象键 = Prefix + "/" + id。
type Writer struct {
	client *minio.Client
	bucket string
	prefix string
}

// New 创建 S3 Writer。
func New(opts *Options) (*Writer, error) {
	if opts == nil || strings.TrimSpace(opts.Endpoint) == "" || strings.TrimSpace(opts.Bucket) == "" {
		return nil, fmt.Errorf("s3: %w: endpoint and bucket are required", contract.ErrInvalidInput)
	}
	ak, sk := opts.AccessKey, opts.SecretKey
	if ak == "" {
		ak = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if sk == "" {
		sk = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	lookup := minio.BucketLookupAuto
	if opts.PathStyle {
		lookup = minio.BucketLookupPath
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(ak, sk, ""),
		Secure:       opts.Secure,
		Region:       opts.Region,
		BucketLookup: lookup,
		Transport:    opts.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	return &Writer{client: client, bucket: opts.Bucket, prefix: strings.Trim(opts.Prefix, "/")}, nil
}

var _ contract.Writer = (*Writer)(nil)

// Key 返回 id 对应的对象键。
func (w *Writer) Key(id contract.ArtifactID) (string, error) {
	k := path.Clean(strings.ReplaceAll(string(id), "\\", "/"))
	if k == "." || k == "/" || k == ".." || strings.HasPrefix(k, "../") {
		return "", contract.ErrPathInvalid
	}
	k = strings.TrimLeft(k, "/")
	if w.prefix != "" {
		k = w.prefix + "/" + k
	}
	return k, nil
}

// Write 上传工件。长度未知的输入先落到临时文件，避免客户端按最大分片预分配缓冲。
func (w *Writer) Write(ctx context.Context, id contract.ArtifactID, r io.Reader) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	key, err := w.Key(id)
	if err != nil {
		return err
	}
	body, size, done, err := sized(r)
	if err != nil {
		return fmt.Errorf("s3: spool %s: %w", key, err)
	}
	defer done()
	ct := "application/octet-stream"
	if strings.HasSuffix(key, ".map") {
		ct = "application/json"
	}
	if _, err := w.client.PutObject(ctx, w.bucket, key, body, size, minio.PutObjectOptions{ContentType: ct}); err != nil {
		return fmt.Errorf("s3: upload %s/%s: %w", w.bucket, key, err)
	}
	return nil
}

// sized 返回可确定长度的读取器及释放函数。
func sized(r io.Reader) (io.Reader, int64, func(), error) {
	if l, ok := r.(interface{ Len() int }); ok {
		return r, int64(l.Len()), func() {}, nil
	}
	fs := afero.NewOsFs()
	f, err := afero.TempFile(fs, "", "bundleobf-s3-*")
	if err != nil {
		return nil, 0, nil, err
	}
	done := func() {
		_ = f.Close()
		_ = fs.Remove(f.Name())
	}
	n, err := io.Copy(f, r)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		done()
		return nil, 0, nil, err
	}
	return f, n, done, nil
}
