package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"bundleobf/internal/hostcli"
)

const (
	// EnvPrefix: 环境变量前缀（键中的 "." 替换为 "_"）。
	EnvPrefix = "BUNDLEOBF"
	// LegacyDevEnv: 兼容旧的开发构建开关。
	LegacyDevEnv = "JSO_METRO_DEV"
	// ConfigName: 工作目录下自动查找的配置文件名（不含扩展名）。
	ConfigName = "bundleobf"
)

// FlagKeys: 命令行参数名 → 配置键。
var FlagKeys = map[string]string{
	"run-in-dev":           "run_in_dev",
	"source-map":           "source_map",
	"source-map-location":  "source_map_location",
	"log-obfuscated-files": "log_obfuscated_files",
	"project-root":         "project_root",
	"temp-dir":             "temp_dir",
	"manifest":             "manifest",
	"batch-size":           "batch_size",
	"max-retries":          "max_retries",
	"transformer":          "transformer.name",
	"log-level":            "logging.level",
	"log-format":           "logging.format",
	"log-dir":              "logging.dir",
	"metrics-file":         "metrics.file",
	"summary":              "summary",
	"status":               "status",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run_in_dev", false)
	v.SetDefault("source_map", false)
	v.SetDefault("source_map_location", "index.android.bundle.map")
	v.SetDefault("log_obfuscated_files", false)
	v.SetDefault("project_root", "")
	v.SetDefault("default_bundle_path", hostcli.DefaultBundlePath)
	v.SetDefault("header_lines", 2)
	v.SetDefault("temp_dir", "")
	v.SetDefault("manifest", ".bundleobf/selection.json")
	v.SetDefault("batch_size", 10)
	v.SetDefault("max_retries", 2)
	v.SetDefault("gc_between_batches", true)
	v.SetDefault("filter.exclude", []string{"**/node_modules/**"})
	v.SetDefault("filter.extensions", []string{".js", ".jsx", ".ts", ".tsx"})
	v.SetDefault("filter.canonical_ext", ".js")
	v.SetDefault("filter.labels", true)
	v.SetDefault("transformer.name", "esbuild")
	v.SetDefault("transformer.options", map[string]any{})
	v.SetDefault("transformer.options_json", "")
	v.SetDefault("upload.enabled", false)
	v.SetDefault("upload.endpoint", "")
	v.SetDefault("upload.bucket", "")
	v.SetDefault("upload.key", "")
	v.SetDefault("upload.prefix", "")
	v.SetDefault("upload.region", "")
	v.SetDefault("upload.secure", true)
	v.SetDefault("upload.path_style", false)
	v.SetDefault("upload.access_key", "")
	v.SetDefault("upload.secret_key", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.dir", "")
	v.SetDefault("metrics.file", "")
	v.SetDefault("summary", false)
	v.SetDefault("status", true)
}

// newViper 返回仅含默认值与环境变量绑定的实例。
func newViper(fs afero.Fs) *viper.Viper {
	v := viper.New()
	if fs != nil {
		v.SetFs(fs)
	}
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Defaults 返回纯默认配置（不读文件与环境）。
func Defaults() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

// Source 描述配置来源。优先级：flags > env > 文件 > 默认值。
type Source struct {
	// Fs: 读取配置文件的文件系统；为空使用 OS。
	Fs afero.Fs
	// File: 显式配置文件；为空时在 Dir 下查找 bundleobf.{yaml,json,toml}。
	File string
	Dir  string
	// Flags: 已解析的命令行参数；只绑定 FlagKeys 中出现的参数。
	Flags *pflag.FlagSet
}

// Load 读取并合并配置（严格拒绝未知键）。返回实际使用的配置文件（可能为空）。
func Load(src Source) (Config, string, error) {
	v := newViper(src.Fs)
	if src.Flags != nil {
		for name, key := range FlagKeys {
			if f := src.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, "", fmt.Errorf("config: bind %s: %w", name, err)
				}
			}
		}
	}
	switch {
	case src.File != "":
		v.SetConfigFile(src.File)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, "", fmt.Errorf("config: read %s: %w", src.File, err)
		}
	default:
		v.SetConfigName(ConfigName)
		dir := src.Dir
		if dir == "" {
			dir = "."
		}
		v.AddConfigPath(dir)
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return Config{}, "", fmt.Errorf("config: %w", err)
			}
		}
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv(LegacyDevEnv)), "true") {
		v.Set("run_in_dev", true)
	}
	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return Config{}, "", fmt.Errorf("config: %w", err)
	}
	return cfg, v.ConfigFileUsed(), nil
}
