package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"runtime/debug"
	"strings"

	"bundleobf/internal/pipeline"
	"bundleobf/internal/rate"
	"bundleobf/pkg/contract"
	"bundleobf/pkg/registry"
	remote "bundleobf/plugins/transformer/remote"
)

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config) error {
	if cfg.BatchSize < 1 {
		return errors.New("config: batch_size must be >= 1")
	}
	if cfg.HeaderLines < 0 {
		return errors.New("config: header_lines must be >= 0")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("config: max_retries must be >= 0")
	}
	if registry.Transformer[cfg.Transformer.Name] == nil {
		return fmt.Errorf("config: transformer %q not registered", cfg.Transformer.Name)
	}
	if s := strings.TrimSpace(cfg.Transformer.OptionsJSON); s != "" && !json.Valid([]byte(s)) {
		return errors.New("config: transformer.options_json is not valid JSON")
	}
	if lv := strings.ToLower(strings.TrimSpace(cfg.Logging.Level)); lv != "" && !validLevels[lv] {
		return fmt.Errorf("config: unknown logging.level %q", cfg.Logging.Level)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "json", "console":
	default:
		return fmt.Errorf("config: unknown logging.format %q", cfg.Logging.Format)
	}
	if cfg.SourceMap {
		loc := strings.TrimSpace(cfg.SourceMapLocation)
		if loc == "" {
			return errors.New("config: source_map_location empty while source_map is on")
		}
		if b := filepath.Base(filepath.Clean(loc)); b == "." || b == ".." || b == string(filepath.Separator) {
			return fmt.Errorf("config: source_map_location %q does not name a file", cfg.SourceMapLocation)
		}
	}
	if cfg.Upload.Enabled {
		if !cfg.SourceMap {
			return errors.New("config: upload requires source_map")
		}
		if strings.TrimSpace(cfg.Upload.Endpoint) == "" || strings.TrimSpace(cfg.Upload.Bucket) == "" {
			return errors.New("config: upload.endpoint and upload.bucket are required")
		}
	}
	return nil
}

// TransformerOptions 返回传给变换工厂的原样 JSON。
func TransformerOptions(cfg Config) (json.RawMessage, error) {
	if s := strings.TrimSpace(cfg.Transformer.OptionsJSON); s != "" {
		return json.RawMessage(s), nil
	}
	if len(cfg.Transformer.Options) == 0 {
		return nil, nil
	}
	return json.Marshal(cfg.Transformer.Options)
}

// Layout: 一次运行的路径与外部状态（由命令层确定）。
type Layout struct {
	// BundlePath: bundle 的绝对路径。
	BundlePath  string
	ProjectRoot string
	Selection   []contract.ModuleRecord
	Scratch     contract.Scratch
}

// MapTarget 返回 map 写出目录与其中的文件名。
// 相对位置以项目根为基准解析，可以位于项目根之外。
func MapTarget(location, projectRoot string) (dir string, id contract.ArtifactID) {
	full := location
	if !filepath.IsAbs(full) {
		full = filepath.Join(projectRoot, full)
	}
	full = filepath.Clean(full)
	return filepath.Dir(full), contract.ArtifactID(filepath.Base(full))
}

// Assemble 构造 Components 与 Settings。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
func Assemble(cfg Config, lay Layout) (pipeline.Components, pipeline.Settings, error) {
	if err := Validate(cfg); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}
	if lay.BundlePath == "" || lay.Scratch == nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("config: %w: layout incomplete", contract.ErrInvalidInput)
	}
	bundleDir := filepath.Dir(lay.BundlePath)
	dirOpts := func(key, dir string) json.RawMessage {
		b, _ := json.Marshal(map[string]any{key: dir})
		return b
	}

	r, err := registry.Reader["fs"](dirOpts("root", bundleDir))
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}
	s, err := registry.Splitter["marker"](nil)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}
	b, err := registry.Batcher["fixed"](nil)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}
	asm, err := registry.Assembler["linear"](nil)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}
	w, err := registry.Writer["fs"](dirOpts("output_dir", bundleDir))
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}

	raw, err := TransformerOptions(cfg)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("config: transformer options: %w", err)
	}
	var (
		tr   contract.Transformer
		gate rate.Gate
		key  rate.LimitKey
	)
	if cfg.Transformer.Name == "remote" {
		// 远端服务：按地址与凭据派生分组键并构造限流闸门
		c, err := remote.NewClient(raw)
		if err != nil {
			return pipeline.Components{}, pipeline.Settings{}, err
		}
		tr = c
		if key, err = rate.DeriveKey(c.Endpoint(), c.Token()); err != nil {
			key = rate.LimitKey(cfg.Transformer.Name)
		}
		rpm, bpm, maxReq := c.Limits()
		gate = rate.NewGate(map[rate.LimitKey]rate.Limits{key: {RPM: rpm, BPM: bpm, MaxBytesPerReq: maxReq}}, nil)
	} else {
		if tr, err = registry.Transformer[cfg.Transformer.Name](raw); err != nil {
			return pipeline.Components{}, pipeline.Settings{}, err
		}
	}

	comp := pipeline.Components{
		Reader:      r,
		Splitter:    s,
		Batcher:     b,
		Transformer: tr,
		Assembler:   asm,
		Scratch:     lay.Scratch,
		Writer:      w,
	}
	set := pipeline.Settings{
		Bundle:      contract.ArtifactID(filepath.Base(lay.BundlePath)),
		Selection:   lay.Selection,
		BatchSize:   cfg.BatchSize,
		HeaderLines: cfg.HeaderLines,
		MaxRetries:  cfg.MaxRetries,
		Gate:        gate,
		GateKey:     key,
	}
	if cfg.GCBetweenBatches {
		set.AfterBatch = func(int64) { debug.FreeOSMemory() }
	}

	if cfg.SourceMap {
		root, id := MapTarget(cfg.SourceMapLocation, lay.ProjectRoot)
		mw, err := registry.Writer["fs"](dirOpts("output_dir", root))
		if err != nil {
			return pipeline.Components{}, pipeline.Settings{}, err
		}
		comp.MapWriters = append(comp.MapWriters, mw)
		set.SourceMap = id
		set.MapFile = path.Base(string(id))
		if cfg.Upload.Enabled {
			up, err := uploadWriter(cfg.Upload, set.MapFile)
			if err != nil {
				return pipeline.Components{}, pipeline.Settings{}, err
			}
			comp.MapWriters = append(comp.MapWriters, up)
		}
	}
	return comp, set, nil
}

func uploadWriter(u Upload, mapFile string) (contract.Writer, error) {
	raw, err := json.Marshal(map[string]any{
		"endpoint":   u.Endpoint,
		"bucket":     u.Bucket,
		"prefix":     u.Prefix,
		"region":     u.Region,
		"secure":     u.Secure,
		"path_style": u.PathStyle,
		"access_key": u.AccessKey,
		"secret_key": u.SecretKey,
	})
	if err != nil {
		return nil, err
	}
	w, err := registry.Writer["s3"](raw)
	if err != nil {
		return nil, err
	}
	key := strings.TrimSpace(u.Key)
	if key == "" {
		key = mapFile
	}
	return keyedWriter{w: w, id: contract.NormalizeFileID(key)}, nil
}

// keyedWriter 忽略传入标识，统一写到固定键。
type keyedWriter struct {
	w  contract.Writer
	id contract.ArtifactID
}

func (k keyedWriter) Write(ctx context.Context, _ contract.ArtifactID, r io.Reader) error {
	return k.w.Write(ctx, k.id, r)
}
