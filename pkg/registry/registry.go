package registry

import (
	"bytes"
	"encoding/json"

	"bundleobf/pkg/contract"
	linear "bundleobf/plugins/assembler/linear"
	fixed "bundleobf/plugins/batcher/fixed"
	rfs "bundleobf/plugins/reader/filesystem"
	marker "bundleobf/plugins/splitter/marker"
	tesb "bundleobf/plugins/transformer/esbuild"
	texec "bundleobf/plugins/transformer/exec"
	flaky "bundleobf/plugins/transformer/flaky"
	mock "bundleobf/plugins/transformer/mock"
	remote "bundleobf/plugins/transformer/remote"
	wfs "bundleobf/plugins/writer/filesystem"
	ws3 "bundleobf/plugins/writer/s3"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewReader 工厂签名：接收原样 JSON Options。
type NewReader func(raw json.RawMessage) (contract.Reader, error)

// NewSplitter 工厂签名：接收原样 JSON Options。
type NewSplitter func(raw json.RawMessage) (contract.Splitter, error)

// NewBatcher 工厂签名：接收原样 JSON Options。
type NewBatcher func(raw json.RawMessage) (contract.Batcher, error)

// NewTransformer 工厂签名：接收原样 JSON Options。
type NewTransformer func(raw json.RawMessage) (contract.Transformer, error)

// NewAssembler 工厂签名：接收原样 JSON Options。
type NewAssembler func(raw json.RawMessage) (contract.Assembler, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 根目录之下的文件读取
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts)
	},
}

// Splitter 工厂注册表。
var Splitter = map[string]NewSplitter{
	"marker": func(raw json.RawMessage) (contract.Splitter, error) {
		var opts marker.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return marker.New(&opts), nil
	},
}

// Batcher 工厂注册表。
var Batcher = map[string]NewBatcher{
	// fixed: 固定文件数切批
	"fixed": func(raw json.RawMessage) (contract.Batcher, error) {
		var opts fixed.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return fixed.New(&opts), nil
	},
}

// Transformer 工厂注册表；各实现自行严格解析 Options。
var Transformer = map[string]NewTransformer{
	"esbuild": tesb.New,
	"exec":    texec.New,
	"remote":  remote.New,
	"mock":    mock.New,
	"flaky":   flaky.New,
}

// Assembler 工厂注册表。
var Assembler = map[string]NewAssembler{
	// linear: Head + Σ(BEGIN + code + Suffix)，最后去除全部标记
	"linear": func(raw json.RawMessage) (contract.Assembler, error) { return linear.New(raw) },
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（覆盖写/原子替换可配置）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
	// s3: S3 兼容对象存储
	"s3": func(raw json.RawMessage) (contract.Writer, error) {
		var opts ws3.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return ws3.New(&opts)
	},
}
