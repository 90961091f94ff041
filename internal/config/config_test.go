package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bundleobf/internal/pipeline"
	"bundleobf/internal/scratch"
	"bundleobf/pkg/contract"
	"bundleobf/pkg/modfilter"
)

func TestDefaults(t *testing.T) {
	d := Defaults()
	assert.Equal(t, 10, d.BatchSize)
	assert.Equal(t, 2, d.HeaderLines)
	assert.Equal(t, "esbuild", d.Transformer.Name)
	assert.Equal(t, "index.android.bundle.map", d.SourceMapLocation)
	assert.Equal(t, []string{"**/node_modules/**"}, d.Filter.Exclude)
	assert.True(t, d.Filter.Labels)
	assert.True(t, d.Status)
	require.NoError(t, Validate(d))
}

func memConfig(t *testing.T, name, body string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, filepath.Join("/work", name), []byte(body), 0o644))
	return fs
}

func TestLoadPrecedence(t *testing.T) {
	fs := memConfig(t, "bundleobf.yaml", "batch_size: 5\nsource_map: true\ntransformer:\n  name: mock\n  options:\n    prefix: X\n")

	cfg, used, err := Load(Source{Fs: fs, Dir: "/work"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/work", "bundleobf.yaml"), used)
	assert.Equal(t, 5, cfg.BatchSize)
	assert.True(t, cfg.SourceMap)
	assert.Equal(t, "mock", cfg.Transformer.Name)
	assert.Equal(t, map[string]any{"prefix": "X"}, cfg.Transformer.Options)

	t.Setenv("BUNDLEOBF_BATCH_SIZE", "7")
	cfg, _, err = Load(Source{Fs: fs, Dir: "/work"})
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.BatchSize, "环境变量覆盖文件")

	flags := pflag.NewFlagSet("t", pflag.ContinueOnError)
	flags.Int("batch-size", 10, "")
	flags.String("transformer", "esbuild", "")
	require.NoError(t, flags.Parse([]string{"--batch-size", "3"}))
	cfg, _, err = Load(Source{Fs: fs, Dir: "/work", Flags: flags})
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.BatchSize, "参数覆盖环境变量")
	assert.Equal(t, "mock", cfg.Transformer.Name, "未设置的参数不覆盖文件")
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, used, err := Load(Source{Fs: afero.NewMemMapFs(), Dir: "/nowhere"})
	require.NoError(t, err)
	assert.Empty(t, used)
	assert.Equal(t, Defaults().BatchSize, cfg.BatchSize)
}

func TestLoadErrors(t *testing.T) {
	fs := memConfig(t, "bundleobf.yaml", "bogus_key: 1\n")
	_, _, err := Load(Source{Fs: fs, Dir: "/work"})
	assert.Error(t, err, "未知键应失败")

	_, _, err = Load(Source{Fs: afero.NewMemMapFs(), File: "/missing.yaml"})
	assert.Error(t, err)

	fs = memConfig(t, "bad.json", "{not json")
	_, _, err = Load(Source{Fs: fs, File: "/work/bad.json"})
	assert.Error(t, err)
}

func TestLegacyDevEnv(t *testing.T) {
	t.Setenv(LegacyDevEnv, "true")
	cfg, _, err := Load(Source{Fs: afero.NewMemMapFs(), Dir: "/"})
	require.NoError(t, err)
	assert.True(t, cfg.RunInDev)
}

func TestTransformerOptions(t *testing.T) {
	cfg := Defaults()
	raw, err := TransformerOptions(cfg)
	require.NoError(t, err)
	assert.Nil(t, raw)

	cfg.Transformer.Options = map[string]any{"mode": "upper"}
	raw, err = TransformerOptions(cfg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"mode":"upper"}`, string(raw))

	cfg.Transformer.OptionsJSON = `{"env":{"NODE_OPTIONS":"--max-old-space-size=4096"}}`
	raw, err = TransformerOptions(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "NODE_OPTIONS", "原样 JSON 保留键名大小写")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mut  func(c *Config)
	}{
		{"batch", func(c *Config) { c.BatchSize = 0 }},
		{"header", func(c *Config) { c.HeaderLines = -1 }},
		{"retries", func(c *Config) { c.MaxRetries = -1 }},
		{"transformer", func(c *Config) { c.Transformer.Name = "nope" }},
		{"options_json", func(c *Config) { c.Transformer.OptionsJSON = "{" }},
		{"level", func(c *Config) { c.Logging.Level = "loud" }},
		{"format", func(c *Config) { c.Logging.Format = "xml" }},
		{"map location", func(c *Config) { c.SourceMap, c.SourceMapLocation = true, " " }},
		{"map location dir", func(c *Config) { c.SourceMap, c.SourceMapLocation = true, ".." }},
		{"upload without map", func(c *Config) { c.Upload.Enabled = true }},
		{"upload missing bucket", func(c *Config) {
			c.SourceMap = true
			c.Upload = Upload{Enabled: true, Endpoint: "localhost:9000"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Defaults()
			tt.mut(&c)
			assert.Error(t, Validate(c))
		})
	}
}

func TestMapTarget(t *testing.T) {
	tests := []struct {
		location, root string
		wantDir        string
		wantID         contract.ArtifactID
	}{
		{"index.android.bundle.map", "/proj", "/proj", "index.android.bundle.map"},
		{"build/index.android.bundle.map", "/proj", "/proj/build", "index.android.bundle.map"},
		{"../maps/index.android.bundle.map", "/proj/app", "/proj/maps", "index.android.bundle.map"},
		{"/abs/maps/main.map", "/proj", "/abs/maps", "main.map"},
	}
	for _, tt := range tests {
		dir, id := MapTarget(filepath.FromSlash(tt.location), filepath.FromSlash(tt.root))
		assert.Equal(t, filepath.FromSlash(tt.wantDir), dir, tt.location)
		assert.Equal(t, tt.wantID, id, tt.location)
	}
}

// 项目根之外的相对位置：map 正常写出，不会在 bundle 写回后才失败。
func TestAssembleMapOutsideProjectRoot(t *testing.T) {
	base := t.TempDir()
	proj := filepath.Join(base, "app")
	bundlePath := filepath.Join(proj, "out", "index.android.bundle")
	require.NoError(t, os.MkdirAll(filepath.Dir(bundlePath), 0o755))
	bundle := "h1\nh2\n" + modfilter.Tag("__d(function(){\nvar a = 1;\n},0);", "App.js") + "\n"
	require.NoError(t, os.WriteFile(bundlePath, []byte(bundle), 0o644))

	scr, err := scratch.New(nil, t.TempDir())
	require.NoError(t, err)
	defer scr.Dispose(false)

	cfg := Defaults()
	cfg.Transformer.Name = "mock"
	cfg.SourceMap = true
	cfg.SourceMapLocation = "../maps/index.android.bundle.map"
	comp, set, err := Assemble(cfg, Layout{
		BundlePath:  bundlePath,
		ProjectRoot: proj,
		Selection:   []contract.ModuleRecord{{FileID: "App.js", AbsPath: filepath.Join(proj, "App.tsx")}},
		Scratch:     scr,
	})
	require.NoError(t, err)
	assert.Equal(t, contract.ArtifactID("index.android.bundle.map"), set.SourceMap)
	_, err = pipeline.Run(context.Background(), comp, set, nil)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(base, "maps", "index.android.bundle.map"))
}

// 组装后的组件可以直接跑通一次完整流程。
func TestAssembleRunsPipeline(t *testing.T) {
	proj := t.TempDir()
	bundlePath := filepath.Join(proj, "android", "app", "build", "index.android.bundle")
	require.NoError(t, os.MkdirAll(filepath.Dir(bundlePath), 0o755))
	code := "var a = 1;\n"
	bundle := "head1\nhead2\n" + modfilter.Tag("__d(function(){\n"+code+"},0);", "App.js") + "\n"
	require.NoError(t, os.WriteFile(bundlePath, []byte(bundle), 0o644))

	scr, err := scratch.New(nil, t.TempDir())
	require.NoError(t, err)
	defer scr.Dispose(false)

	cfg := Defaults()
	cfg.Transformer.Name = "mock"
	cfg.SourceMap = true
	comp, set, err := Assemble(cfg, Layout{
		BundlePath:  bundlePath,
		ProjectRoot: proj,
		Selection:   []contract.ModuleRecord{{FileID: "App.js", AbsPath: filepath.Join(proj, "App.tsx")}},
		Scratch:     scr,
	})
	require.NoError(t, err)
	assert.Equal(t, contract.ArtifactID("index.android.bundle"), set.Bundle)
	assert.Equal(t, contract.ArtifactID("index.android.bundle.map"), set.SourceMap)
	assert.NotNil(t, set.AfterBatch)
	assert.Nil(t, set.Gate)

	rep, err := pipeline.Run(context.Background(), comp, set, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Transformed)

	out, err := os.ReadFile(bundlePath)
	require.NoError(t, err)
	assert.Equal(t, "head1\nhead2\n__d(function(){\n/*MOCK:App.js*/"+code+"},0);\n", string(out))

	raw, err := os.ReadFile(filepath.Join(proj, "index.android.bundle.map"))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, []any{"App.js"}, doc["sources"])
}

func TestAssembleRemoteGate(t *testing.T) {
	cfg := Defaults()
	cfg.Transformer.Name = "remote"
	cfg.Transformer.OptionsJSON = `{"endpoint":"http://127.0.0.1:9/obfuscate","token":"","rpm":30,"max_bytes_per_req":1024}`
	scr, err := scratch.New(afero.NewMemMapFs(), "/tmp")
	require.NoError(t, err)
	_, set, err := Assemble(cfg, Layout{BundlePath: filepath.Join(t.TempDir(), "b.bundle"), Scratch: scr})
	require.NoError(t, err)
	require.NotNil(t, set.Gate)
	assert.Equal(t, "127.0.0.1:9", string(set.GateKey))
}

func TestAssembleUpload(t *testing.T) {
	cfg := Defaults()
	cfg.SourceMap = true
	cfg.SourceMapLocation = "out/app.map"
	cfg.Upload = Upload{Enabled: true, Endpoint: "localhost:9000", Bucket: "maps", AccessKey: "a", SecretKey: "b"}
	scr, err := scratch.New(afero.NewMemMapFs(), "/tmp")
	require.NoError(t, err)
	comp, set, err := Assemble(cfg, Layout{BundlePath: filepath.Join(t.TempDir(), "b.bundle"), ProjectRoot: t.TempDir(), Scratch: scr})
	require.NoError(t, err)
	require.Len(t, comp.MapWriters, 2)
	assert.Equal(t, "app.map", set.MapFile)
	kw, ok := comp.MapWriters[1].(keyedWriter)
	require.True(t, ok)
	assert.Equal(t, contract.ArtifactID("app.map"), kw.id)
}

func TestAssembleInvalid(t *testing.T) {
	cfg := Defaults()
	_, _, err := Assemble(cfg, Layout{})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	cfg.BatchSize = 0
	_, _, err = Assemble(cfg, Layout{})
	assert.Error(t, err)
}

func TestWriteTemplates(t *testing.T) {
	fs := afero.NewMemMapFs()
	written, err := WriteTemplates(fs, "/work", "")
	require.NoError(t, err)
	require.Len(t, written, 2)
	body, err := afero.ReadFile(fs, filepath.Join("/work", "bundleobf.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(body), "batch_size")
	env, _ := afero.ReadFile(fs, filepath.Join("/work", ".env"))
	assert.True(t, strings.Contains(string(env), "JSO_METRO_DEV"))

	again, err := WriteTemplates(fs, "/work", "")
	require.NoError(t, err)
	assert.Empty(t, again, "已存在的文件不覆盖")

	cfg, _, err := Load(Source{Fs: fs, Dir: "/work"})
	require.NoError(t, err)
	assert.Equal(t, Defaults().BatchSize, cfg.BatchSize)
}
