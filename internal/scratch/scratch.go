// Package scratch 提供单次运行的临时工作区：src/ 存放原始模块代码，dist/ 存放变换结果。
// 两个子树都按规范路径镜像目录结构，运行结束后整体删除（可保留用于排查）。
package scratch

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"

	"bundleobf/pkg/contract"
	rfs "bundleobf/plugins/reader/filesystem"
	wfs "bundleobf/plugins/writer/filesystem"
)

// Workspace 实现 contract.Scratch。
type Workspace struct {
	fs      afero.Fs
	root    string
	readers map[contract.Area]*rfs.FileSystem
	writers map[contract.Area]*wfs.FS
}

// New 在 base 下创建工作区；base 为空时使用系统临时目录。fs 为 nil 时使用本机文件系统。
func New(fs afero.Fs, base string) (*Workspace, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if base != "" {
		if err := fs.MkdirAll(base, 0o755); err != nil {
			return nil, err
		}
	}
	root, err := afero.TempDir(fs, base, "bundleobf-")
	if err != nil {
		return nil, fmt.Errorf("scratch: %w", err)
	}
	w := &Workspace{
		fs:      fs,
		root:    root,
		readers: make(map[contract.Area]*rfs.FileSystem, 2),
		writers: make(map[contract.Area]*wfs.FS, 2),
	}
	direct := false
	for _, a := range []contract.Area{contract.AreaSrc, contract.AreaDist} {
		dir := filepath.Join(root, string(a))
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			_ = fs.RemoveAll(root)
			return nil, err
		}
		r, err := rfs.New(&rfs.Options{Root: dir, Fs: fs})
		if err != nil {
			_ = fs.RemoveAll(root)
			return nil, err
		}
		wr, err := wfs.New(&wfs.Options{OutputDir: dir, Atomic: &direct, Fs: fs})
		if err != nil {
			_ = fs.RemoveAll(root)
			return nil, err
		}
		w.readers[a], w.writers[a] = r, wr
	}
	return w, nil
}

// Root 返回工作区根目录。
func (w *Workspace) Root() string { return w.root }

// Path 返回 area/id 的本地路径（诊断用）。
func (w *Workspace) Path(area contract.Area, id contract.FileID) (string, error) {
	return contract.JoinUnder(filepath.Join(w.root, string(area)), id)
}

func (w *Workspace) Put(ctx context.Context, area contract.Area, id contract.FileID, r io.Reader) error {
	wr, ok := w.writers[area]
	if !ok {
		return fmt.Errorf("scratch: unknown area %q: %w", area, contract.ErrInvalidInput)
	}
	return wr.Write(ctx, id, r)
}

func (w *Workspace) Open(ctx context.Context, area contract.Area, id contract.FileID) (io.ReadCloser, error) {
	r, ok := w.readers[area]
	if !ok {
		return nil, fmt.Errorf("scratch: unknown area %q: %w", area, contract.ErrInvalidInput)
	}
	return r.Open(ctx, id)
}

// Dispose 删除工作区；keep=true 时保留。
func (w *Workspace) Dispose(keep bool) error {
	if keep {
		return nil
	}
	return w.fs.RemoveAll(w.root)
}

var _ contract.Scratch = (*Workspace)(nil)
