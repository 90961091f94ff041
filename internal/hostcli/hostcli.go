// Package hostcli 解读宿主 bundler 的命令行：是否需要运行、bundle 写在哪里、项目根在哪里。
package hostcli

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	"bundleobf/pkg/contract"
)

const (
	// BundleCommand: 只有该子命令会产出发布 bundle。
	BundleCommand = "bundle"
	// DefaultBundlePath: 无法从参数得到路径时的回退（相对项目根）。
	DefaultBundlePath = "android/app/src/main/assets/index.android.bundle"

	ReasonNotBundle = "Not a *bundle* command"
	ReasonDevBuild  = "Development mode. Override with JSO_METRO_DEV=true environment variable"
)

// Args: 从宿主 argv 中提取的相关参数，其余参数忽略。
type Args struct {
	Bundle          bool
	Dev             string
	BundleOutput    string
	SourcemapOutput string
	Positional      []string
}

// Parse 解析宿主 argv（不含程序名也可）。未知参数一律容忍。
// 注意：未知的布尔开关后面紧跟的位置参数会被当作它的值吞掉，
// 与宿主 CLI 库的行为一致，宿主通常把子命令放在最前面。
func Parse(argv []string) (Args, error) {
	fs := pflag.NewFlagSet("host", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.ParseErrorsAllowlist = pflag.ParseErrorsAllowlist{UnknownFlags: true}
	var a Args
	fs.StringVar(&a.Dev, "dev", "", "")
	fs.StringVar(&a.BundleOutput, "bundle-output", "", "")
	fs.StringVar(&a.SourcemapOutput, "sourcemap-output", "", "")
	fs.BoolP("help", "h", false, "")
	if err := fs.Parse(argv); err != nil {
		return Args{}, fmt.Errorf("hostcli: %w", err)
	}
	a.Positional = fs.Args()
	for _, p := range a.Positional {
		if p == BundleCommand {
			a.Bundle = true
			break
		}
	}
	return a, nil
}

// SkipReason 返回不运行的原因；空串表示应运行。
func SkipReason(a Args, runInDev bool) string {
	if !a.Bundle {
		return ReasonNotBundle
	}
	if a.Dev == "true" && !runInDev {
		return ReasonDevBuild
	}
	return ""
}

// BundlePath 依次取 --bundle-output、去掉 .map 的 --sourcemap-output。
func BundlePath(a Args) (string, error) {
	if p := strings.TrimSpace(a.BundleOutput); p != "" {
		return p, nil
	}
	if p := strings.TrimSpace(a.SourcemapOutput); p != "" {
		if bare := strings.TrimSuffix(p, ".map"); bare != "" && bare != p {
			return bare, nil
		}
	}
	return "", contract.ErrBundlePathMissing
}

// ResolveBundlePath 在 BundlePath 失败时回退到 root 下的 fallback（为空使用 DefaultBundlePath）。
// 相对路径按 base 解析。fellBack 表示使用了回退值。
func ResolveBundlePath(a Args, base, root, fallback string) (path string, fellBack bool) {
	p, err := BundlePath(a)
	if err != nil {
		if fallback == "" {
			fallback = DefaultBundlePath
		}
		return absUnder(root, fallback), true
	}
	return absUnder(base, p), false
}

func absUnder(base, p string) string {
	if filepath.IsAbs(p) || base == "" {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}

// FindProjectRoot 自 start 向上寻找首个包含 package.json 的目录；找不到返回 start。
func FindProjectRoot(fs afero.Fs, start string) string {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	dir := filepath.Clean(start)
	for {
		if ok, _ := afero.Exists(fs, filepath.Join(dir, "package.json")); ok {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return filepath.Clean(start)
		}
		dir = parent
	}
}
