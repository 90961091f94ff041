package modfilter

import (
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"
	"github.com/spf13/afero"

	"bundleobf/pkg/contract"
)

// DefaultExclude: 视为第三方代码的路径模式。
var DefaultExclude = []string{"**/node_modules/**"}

// Reason 说明一个模块为何没有被选中（空表示已选中）。
type Reason string

const (
	ReasonSelected  Reason = ""
	ReasonVendor    Reason = "vendor"
	ReasonMissing   Reason = "missing"
	ReasonExtension Reason = "extension"
	ReasonPath      Reason = "path"
	ReasonSealed    Reason = "sealed"
)

// Options: 过滤器配置。
type Options struct {
	ProjectRoot string
	// Exclude: gobwas/glob 模式，按正斜杠路径匹配；为空使用 DefaultExclude。
	Exclude []string
	// Extensions: 视为应用源码的扩展名；为空使用 contract.DefaultSourceExts。
	Extensions   []string
	CanonicalExt string
	// Labels: 是否在 BEGIN 之后写入路径标签。
	Labels bool
	// Fs: 文件存在性检查使用的文件系统；为空使用 OS 文件系统。
	Fs afero.Fs
}

// Filter 是宿主 bundler 的模块过滤钩子适配器。
type Filter struct {
	root    string
	fs      afero.Fs
	exclude []glob.Glob
	exts    map[string]struct{}
	norm    contract.PathNormalizer
	labels  bool
	sel     *Selection
}

// New 构造过滤器；sel 为本次构建的选择集。
func New(opts Options, sel *Selection) (*Filter, error) {
	if strings.TrimSpace(opts.ProjectRoot) == "" {
		return nil, fmt.Errorf("modfilter: %w: empty project root", contract.ErrInvalidInput)
	}
	if sel == nil {
		return nil, fmt.Errorf("modfilter: %w: nil selection", contract.ErrInvalidInput)
	}
	patterns := opts.Exclude
	if len(patterns) == 0 {
		patterns = DefaultExclude
	}
	ex := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("modfilter: exclude %q: %w", p, err)
		}
		ex = append(ex, g)
	}
	extList := opts.Extensions
	if len(extList) == 0 {
		extList = contract.DefaultSourceExts
	}
	exts := make(map[string]struct{}, len(extList))
	for _, e := range extList {
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = struct{}{}
	}
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Filter{
		root:    opts.ProjectRoot,
		fs:      fs,
		exclude: ex,
		exts:    exts,
		norm:    contract.PathNormalizer{Exts: extList, Canonical: opts.CanonicalExt},
		labels:  opts.Labels,
		sel:     sel,
	}, nil
}

// Process 即模块过滤钩子：总是返回 true（模块始终保留在 bundle 中）。
// 被选中的模块原地打标；第三方、缺失、非源码或无法规范化的模块原样放行。
func (f *Filter) Process(m *Module) bool {
	if m == nil {
		return true
	}
	id, reason := f.Select(m.Path)
	if reason != ReasonSelected {
		return true
	}
	if !f.labels {
		id = ""
	}
	TagModule(m, id)
	return true
}

// Select 判定并登记一个模块，返回其规范路径或未选中的原因。
func (f *Filter) Select(absPath string) (contract.FileID, Reason) {
	slash := strings.ReplaceAll(absPath, "\\", "/")
	for _, g := range f.exclude {
		if g.Match(slash) {
			return "", ReasonVendor
		}
	}
	if ok, err := afero.Exists(f.fs, absPath); err != nil || !ok {
		return "", ReasonMissing
	}
	if _, ok := f.exts[path.Ext(slash)]; !ok {
		return "", ReasonExtension
	}
	id, ok := f.norm.Normalize(absPath, f.root)
	if !ok {
		return "", ReasonPath
	}
	if _, err := f.sel.Add(contract.ModuleRecord{FileID: id, AbsPath: absPath}); err != nil {
		return "", ReasonSealed
	}
	return id, ReasonSelected
}
