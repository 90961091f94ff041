package modfilter

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bundleobf/pkg/contract"
)

const (
	B = contract.MarkerBegin
	E = contract.MarkerEnd
)

func TestTagInsertion(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"LF 跳过", "__d(function(g){\nvar a=1;\n},1);", "__d(function(g){\n" + B + "var a=1;\n" + E + "},1);"},
		{"CRLF 跳过", "__d(function(g){\r\nx();\r\n},1);", "__d(function(g){\r\n" + B + "x();\r\n" + E + "},1);"},
		{"无换行", "f(){x()}", "f(){" + B + "x()" + E + "}"},
		{"只跳过一个换行", "{\n\nx}", "{\n" + B + "\nx" + E + "}"},
		{"空函数体", "{}", "{" + B + E + "}"},
		{"无花括号", "plain", B + "plain" + E},
		{"右括号在前", "}x{y", "}x{" + B + "y" + E},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Tag(tt.in, ""))
		})
	}
}

func TestTagIdempotent(t *testing.T) {
	in := "__d(function(g,r){\nconsole.log('{}');\n},7);"
	once := Tag(in, "App/index.js")
	twice := Tag(once, "App/index.js")
	assert.Equal(t, once, twice)
	assert.Equal(t, 1, strings.Count(twice, B))
	assert.Equal(t, 1, strings.Count(twice, E))
}

func TestTagLabel(t *testing.T) {
	out := Tag("{x}", "a/b.js")
	require.True(t, strings.HasPrefix(out, "{"+B+contract.EncodeLabel("a/b.js")))
	rest := strings.TrimPrefix(out, "{"+B)
	id, code, ok := contract.CutLabel(rest)
	require.True(t, ok)
	assert.Equal(t, contract.FileID("a/b.js"), id)
	assert.Equal(t, "x"+E+"}", code)
}

func TestSelection(t *testing.T) {
	s := NewSelection()
	added, err := s.Add(contract.ModuleRecord{FileID: "b.js"})
	require.NoError(t, err)
	assert.True(t, added)
	added, _ = s.Add(contract.ModuleRecord{FileID: "a.js"})
	assert.True(t, added)
	added, _ = s.Add(contract.ModuleRecord{FileID: "b.js", AbsPath: "/other"})
	assert.False(t, added, "重复路径不应再次记录")

	got := s.Finalize()
	assert.Equal(t, []contract.ModuleRecord{{FileID: "b.js"}, {FileID: "a.js"}}, got)
	_, err = s.Add(contract.ModuleRecord{FileID: "c.js"})
	assert.ErrorIs(t, err, contract.ErrSelectionSealed)
	assert.Equal(t, got, s.Finalize())

	got[0].FileID = "mutated"
	assert.Equal(t, contract.FileID("b.js"), s.Finalize()[0].FileID, "Finalize 应返回副本")
}

func newTestFilter(t *testing.T, labels bool) (*Filter, *Selection, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	for _, p := range []string{
		"/proj/App.tsx",
		"/proj/src/util.js",
		"/proj/node_modules/react/index.js",
		"/proj/assets/logo.png",
	} {
		require.NoError(t, afero.WriteFile(fs, p, []byte("x"), 0o644))
	}
	sel := NewSelection()
	f, err := New(Options{ProjectRoot: "/proj", Fs: fs, Labels: labels}, sel)
	require.NoError(t, err)
	return f, sel, fs
}

func TestFilterProcess(t *testing.T) {
	f, sel, _ := newTestFilter(t, false)
	cases := []struct {
		path   string
		tagged bool
	}{
		{"/proj/App.tsx", true},
		{"/proj/node_modules/react/index.js", false},
		{"/proj/missing.js", false},
		{"/proj/assets/logo.png", false},
		{"/proj/src/util.js", true},
		{"/proj/App.tsx", true},
	}
	for _, c := range cases {
		m := &Module{Path: c.path, Output: []Output{{Type: "js/module", Data: OutputData{Code: "__d(function(){\nx\n});"}}}}
		require.True(t, f.Process(m), "过滤钩子必须始终返回 true: %s", c.path)
		assert.Equal(t, c.tagged, strings.Contains(m.Output[0].Data.Code, B), c.path)
		assert.Equal(t, c.tagged, strings.Contains(m.Output[0].Data.Code, E), c.path)
	}
	got := sel.Finalize()
	require.Len(t, got, 2)
	assert.Equal(t, contract.FileID("App.js"), got[0].FileID)
	assert.Equal(t, "/proj/App.tsx", got[0].AbsPath)
	assert.Equal(t, contract.FileID("src/util.js"), got[1].FileID)

	m := &Module{Path: "/proj/src/util.js", Output: []Output{{Data: OutputData{Code: "{y}"}}}}
	assert.True(t, f.Process(m))
	assert.Equal(t, "{y}", m.Output[0].Data.Code, "封存后不再打标")
}

func TestFilterSelectReasons(t *testing.T) {
	f, _, fs := newTestFilter(t, true)
	require.NoError(t, afero.WriteFile(fs, "/elsewhere/lib.js", []byte("x"), 0o644))
	_, r := f.Select("/proj/node_modules/react/index.js")
	assert.Equal(t, ReasonVendor, r)
	_, r = f.Select("/proj/nope.ts")
	assert.Equal(t, ReasonMissing, r)
	_, r = f.Select("/proj/assets/logo.png")
	assert.Equal(t, ReasonExtension, r)
	_, r = f.Select("/elsewhere/lib.js")
	assert.Equal(t, ReasonPath, r)
	id, r := f.Select("/proj/App.tsx")
	assert.Equal(t, ReasonSelected, r)
	assert.Equal(t, contract.FileID("App.js"), id)
}

func TestFilterLabels(t *testing.T) {
	f, _, _ := newTestFilter(t, true)
	m := &Module{Path: "/proj/App.tsx", Output: []Output{{Data: OutputData{Code: "{x}"}}}}
	f.Process(m)
	assert.Contains(t, m.Output[0].Data.Code, contract.EncodeLabel("App.js"))
}

func TestNewFilterErrors(t *testing.T) {
	_, err := New(Options{}, NewSelection())
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	_, err = New(Options{ProjectRoot: "/p"}, nil)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	_, err = New(Options{ProjectRoot: "/p", Exclude: []string{"[unclosed"}}, NewSelection())
	assert.Error(t, err)
}

func TestOutputDataPassthrough(t *testing.T) {
	in := `{"path":"/p/a.js","output":[{"type":"js/module","data":{"code":"{x}","lineCount":3,"functionMap":null}}]}`
	var m Module
	require.NoError(t, json.Unmarshal([]byte(in), &m))
	assert.Equal(t, "{x}", m.Output[0].Data.Code)
	m.Output[0].Data.Code = "{y}"
	out, err := json.Marshal(&m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"/p/a.js","output":[{"type":"js/module","data":{"code":"{y}","lineCount":3,"functionMap":null}}]}`, string(out))
}

func TestManifestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	mods := []contract.ModuleRecord{{FileID: "App.js", AbsPath: "/proj/App.tsx"}}
	require.NoError(t, WriteManifest(&buf, Manifest{ProjectRoot: "/proj", Modules: mods}))
	m, err := ReadManifest(&buf)
	require.NoError(t, err)
	assert.Equal(t, ManifestVersion, m.Version)
	assert.Equal(t, mods, m.Modules)

	_, err = ReadManifest(strings.NewReader(`{"version":1,"modules":[],"extra":1}`))
	assert.Error(t, err, "未知字段应失败")
	_, err = ReadManifest(strings.NewReader(`{"version":9,"modules":[]}`))
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	_, err = ReadManifest(strings.NewReader(`{"version":1,"modules":[{"canonical_path":"","absolute_path":"/x"}]}`))
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}
