package modfilter

import "encoding/json"

// Module: 模块过滤钩子收到的单个模块（与宿主 bundler 的序列化形状一致）。
type Module struct {
	Path   string   `json:"path"`
	Output []Output `json:"output"`
}

// Output: 模块的一个输出单元。
type Output struct {
	Type string     `json:"type,omitempty"`
	Data OutputData `json:"data"`
}

// OutputData 只关心 code；宿主附带的其他字段（lineCount、map 等）原样透传。
type OutputData struct {
	Code  string
	extra map[string]json.RawMessage
}

func (d *OutputData) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	d.Code = ""
	if raw, ok := m["code"]; ok {
		if err := json.Unmarshal(raw, &d.Code); err != nil {
			return err
		}
		delete(m, "code")
	}
	if len(m) > 0 {
		d.extra = m
	} else {
		d.extra = nil
	}
	return nil
}

func (d OutputData) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(d.extra)+1)
	for k, v := range d.extra {
		m[k] = v
	}
	m["code"] = d.Code
	return json.Marshal(m)
}
