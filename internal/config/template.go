package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// EnvTemplate: init-config 生成的 .env 模板（全部注释，按需启用）。
const EnvTemplate = `# bundleobf environment overrides (flags > env > config file > defaults)
# JSO_METRO_DEV=true
# BUNDLEOBF_TRANSFORMER_NAME=esbuild
# BUNDLEOBF_BATCH_SIZE=10
# BUNDLEOBF_SOURCE_MAP=true
# BUNDLEOBF_LOGGING_LEVEL=info
# BUNDLEOBF_REMOTE_TOKEN=
# AWS_ACCESS_KEY_ID=
# AWS_SECRET_ACCESS_KEY=
`

// WriteTemplates 在 dir 下写出默认配置文件与 .env 模板；已存在的文件不覆盖。
// 返回实际写出的文件。
func WriteTemplates(fs afero.Fs, dir, name string) ([]string, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if name == "" {
		name = ConfigName + ".yaml"
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var written []string
	v := newViper(fs)
	cfgPath := filepath.Join(dir, name)
	if !isAlreadyExists(fs, cfgPath) {
		if err := v.SafeWriteConfigAs(cfgPath); err != nil {
			return nil, fmt.Errorf("config: write %s: %w", cfgPath, err)
		}
		written = append(written, cfgPath)
	}
	envPath := filepath.Join(dir, ".env")
	f, err := fs.OpenFile(envPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	switch {
	case err == nil:
		_, werr := f.WriteString(EnvTemplate)
		cerr := f.Close()
		if werr != nil {
			return written, werr
		}
		if cerr != nil {
			return written, cerr
		}
		written = append(written, envPath)
	case !isAlreadyExists(fs, envPath):
		return written, err
	}
	return written, nil
}

func isAlreadyExists(fs afero.Fs, p string) bool {
	ok, _ := afero.Exists(fs, p)
	return ok
}
