package config

// Config: 运行期只读配置（一次解析，运行期不变）。
// 键使用 snake_case；未知键在解析期失败。
type Config struct {
	RunInDev           bool   `mapstructure:"run_in_dev"`
	SourceMap          bool   `mapstructure:"source_map"`
	SourceMapLocation  string `mapstructure:"source_map_location"`
	LogObfuscatedFiles bool   `mapstructure:"log_obfuscated_files"`

	ProjectRoot       string `mapstructure:"project_root"`
	DefaultBundlePath string `mapstructure:"default_bundle_path"`
	HeaderLines       int    `mapstructure:"header_lines"`
	TempDir           string `mapstructure:"temp_dir"`
	Manifest          string `mapstructure:"manifest"`

	BatchSize int `mapstructure:"batch_size"`
	// MaxRetries: 变换调用最大重试次数（>=0），只对限流与网络错误生效。
	MaxRetries       int  `mapstructure:"max_retries"`
	GCBetweenBatches bool `mapstructure:"gc_between_batches"`

	Filter      Filter      `mapstructure:"filter"`
	Transformer Transformer `mapstructure:"transformer"`
	Upload      Upload      `mapstructure:"upload"`
	Logging     Logging     `mapstructure:"logging"`
	Metrics     Metrics     `mapstructure:"metrics"`

	Summary bool `mapstructure:"summary"`
	Status  bool `mapstructure:"status"`
}

// Filter: 模块过滤钩子的选择规则。
type Filter struct {
	Exclude      []string `mapstructure:"exclude"`
	Extensions   []string `mapstructure:"extensions"`
	CanonicalExt string   `mapstructure:"canonical_ext"`
	// Labels: 在 BEGIN 后写入路径标签，用于核对输出顺序。
	Labels bool `mapstructure:"labels"`
}

// Transformer: 变换实现名与其选项。
// OptionsJSON 非空时优先（原样 JSON，不经过键名小写化）。
type Transformer struct {
	Name        string         `mapstructure:"name"`
	Options     map[string]any `mapstructure:"options"`
	OptionsJSON string         `mapstructure:"options_json"`
}

// Upload: source map 上传到 S3 兼容存储。
type Upload struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Key       string `mapstructure:"key"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	Secure    bool   `mapstructure:"secure"`
	PathStyle bool   `mapstructure:"path_style"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// Logging: 等级、格式与（可选）轮转文件目录。
type Logging struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Dir    string `mapstructure:"dir"`
}

// Metrics: 运行结束时以文本格式导出指标。
type Metrics struct {
	File string `mapstructure:"file"`
}
