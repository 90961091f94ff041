package contract

import (
	"path"
	"path/filepath"
	"strings"
)

// CanonicalExt: 规范路径统一使用的扩展名。
const CanonicalExt = ".js"

// DefaultSourceExts: 视为应用源码的扩展名。
var DefaultSourceExts = []string{".js", ".jsx", ".ts", ".tsx"}

// NormalizeFileID 规范化路径，统一为跨平台稳定的 FileID。
// 规则：
// - 使用正斜杠分隔符
// - 清理多余分隔符与路径片段（.、..）
// - 保留相对/绝对语义，不做隐式绝对化
func NormalizeFileID(p string) FileID {
	return FileID(path.Clean(toSlash(p)))
}

// PathNormalizer 将模块绝对路径转换为项目相对的规范路径。
// 这是信任边界：任何可能逃逸项目根的路径都被拒绝，而不是猜测。
type PathNormalizer struct {
	// Exts: 需要改写为 Canonical 的扩展名；为空使用 DefaultSourceExts。
	Exts []string
	// Canonical: 目标扩展名；为空使用 CanonicalExt。
	Canonical string
}

// NormalizeModulePath 使用默认扩展名规则规范化。
func NormalizeModulePath(absPath, projectRoot string) (FileID, bool) {
	return PathNormalizer{}.Normalize(absPath, projectRoot)
}

// Normalize 返回规范路径；无法规范化时 ok=false，从不 panic。
// 步骤：
// 1) 去掉项目根前缀（仅在分隔符边界匹配）；否则回退到首个 "/src/" 处截取；
// 2) 任一路径片段为 ".." 即拒绝；
// 3) 改写扩展名并去掉前导分隔符。
func (n PathNormalizer) Normalize(absPath, projectRoot string) (FileID, bool) {
	if strings.TrimSpace(absPath) == "" || strings.TrimSpace(projectRoot) == "" {
		return "", false
	}
	p := toSlash(absPath)
	root := strings.TrimRight(toSlash(projectRoot), "/")

	var rel string
	if strings.HasPrefix(p, root+"/") {
		rel = p[len(root)+1:]
	} else if i := strings.Index(p, "/src/"); i >= 0 {
		rel = p[i+1:]
	} else {
		return "", false
	}

	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", false
		}
	}
	rel = strings.TrimLeft(rel, "/")
	if rel == "" {
		return "", false
	}
	rel = path.Clean(rel)
	if rel == "." {
		return "", false
	}

	exts := n.Exts
	if len(exts) == 0 {
		exts = DefaultSourceExts
	}
	canon := n.Canonical
	if canon == "" {
		canon = CanonicalExt
	}
	ext := path.Ext(rel)
	for _, e := range exts {
		if ext == e {
			rel = rel[:len(rel)-len(ext)] + canon
			break
		}
	}
	return FileID(rel), true
}

func toSlash(p string) string { return strings.ReplaceAll(p, "\\", "/") }

// JoinUnder 将相对工件标识映射到 root 之下的本地路径。
// 绝对路径、卷名、".." 逃逸与空标识均返回 ErrPathInvalid。
func JoinUnder(root string, id ArtifactID) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(string(id)))
	if rel == "." || rel == "" {
		return "", ErrPathInvalid
	}
	if filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" || strings.HasPrefix(string(id), "/") {
		return "", ErrPathInvalid
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathInvalid
	}
	return filepath.Join(root, rel), nil
}
