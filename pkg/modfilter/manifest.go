package modfilter

import (
	"encoding/json"
	"fmt"
	"io"

	"bundleobf/pkg/contract"
)

// ManifestVersion: 当前清单格式版本。
const ManifestVersion = 1

// Manifest: 过滤阶段结束时持久化的选择集，供构建后阶段读取。
type Manifest struct {
	Version     int                     `json:"version"`
	ProjectRoot string                  `json:"project_root"`
	Modules     []contract.ModuleRecord `json:"modules"`
}

// WriteManifest 以缩进 JSON 写出清单。
func WriteManifest(w io.Writer, m Manifest) error {
	if m.Version == 0 {
		m.Version = ManifestVersion
	}
	if m.Modules == nil {
		m.Modules = []contract.ModuleRecord{}
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(&m)
}

// ReadManifest 严格解析清单（拒绝未知字段与未知版本）。
func ReadManifest(r io.Reader) (Manifest, error) {
	var m Manifest
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("manifest: %w", err)
	}
	if m.Version != ManifestVersion {
		return Manifest{}, fmt.Errorf("manifest: %w: version %d", contract.ErrInvalidInput, m.Version)
	}
	for i, rec := range m.Modules {
		if rec.FileID == "" {
			return Manifest{}, fmt.Errorf("manifest: %w: module %d has empty canonical path", contract.ErrInvalidInput, i)
		}
	}
	return m, nil
}
