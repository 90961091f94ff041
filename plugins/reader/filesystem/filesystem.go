package filesystem

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/spf13/afero"

	"bundleobf/pkg/contract"
)

// Options 为文件系统 Reader 的可选配置（最小必要）。
type Options struct {
	// Root: 读取根目录（必需）。
	Root string `json:"root"`
	// BufSize 为读缓冲区大小（字节）。默认 64KiB。
	BufSize int `json:"buf_size"`
	// Fs: 底层文件系统；为 nil 时使用本机文件系统。
	Fs afero.Fs `json:"-"`
}

// FileSystem 实现基于 afero 的 Reader。
type FileSystem struct {
	fs      afero.Fs
	root    string
	bufSize int
}

// New 创建文件系统 Reader。
func New(opts *Options) (*FileSystem, error) {
	if opts == nil || opts.Root == "" {
		return nil, fmt.Errorf("reader: %w: empty root", contract.ErrInvalidInput)
	}
	b := opts.BufSize
	if b <= 0 {
		b = 64 * 1024
	}
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileSystem{fs: fs, root: opts.Root, bufSize: b}, nil
}

var _ contract.Reader = (*FileSystem)(nil)

// Open 打开 root 下的常规文件（跟随符号链接）；目录等非常规文件返回 ErrInvalidInput。
func (r *FileSystem) Open(ctx context.Context, id contract.ArtifactID) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	p, err := contract.JoinUnder(r.root, id)
	if err != nil {
		return nil, err
	}
	info, err := r.fs.Stat(p)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("reader: %s is not a regular file: %w", id, contract.ErrInvalidInput)
	}
	f, err := r.fs.Open(p)
	if err != nil {
		return nil, err
	}
	return newBufferedCloser(f, r.bufSize), nil
}

// bufferedCloser 将 bufio.Reader 与底层 Closer 组合为 ReadCloser。
type bufferedCloser struct {
	*bufio.Reader
	c io.Closer
}

func newBufferedCloser(c io.ReadCloser, bufSize int) *bufferedCloser {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	return &bufferedCloser{Reader: bufio.NewReaderSize(c, bufSize), c: c}
}

func (b *bufferedCloser) Close() error { return b.c.Close() }
