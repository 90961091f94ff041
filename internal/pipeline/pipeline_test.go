package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bundleobf/internal/rate"
	"bundleobf/internal/scratch"
	"bundleobf/internal/sourcemap"
	"bundleobf/pkg/contract"
	"bundleobf/pkg/modfilter"
	linear "bundleobf/plugins/assembler/linear"
	fixed "bundleobf/plugins/batcher/fixed"
	rfs "bundleobf/plugins/reader/filesystem"
	marker "bundleobf/plugins/splitter/marker"
	flaky "bundleobf/plugins/transformer/flaky"
	mock "bundleobf/plugins/transformer/mock"
	wfs "bundleobf/plugins/writer/filesystem"
)

const (
	head     = "var __BUNDLE_START_TIME__=Date.now();\nvar __DEV__=false;\n"
	vendor   = "__d(function(g,r){module.exports=require('react');},900,[]);\n"
	bundleID = contract.ArtifactID("index.android.bundle")
	mapID    = contract.ArtifactID("index.android.bundle.map")
)

type mod struct {
	name contract.FileID
	code string
}

func wrap(i int, body string) string {
	return fmt.Sprintf("__d(function(g,r,i,a,m,e,d){\n%s},%d,[]);\n", body, i)
}

// buildBundle 模拟宿主输出：每个应用模块经过过滤钩子打标，模块间穿插第三方模块。
func buildBundle(mods []mod, labels bool) (string, []contract.ModuleRecord) {
	var sb strings.Builder
	sb.WriteString(head)
	sel := make([]contract.ModuleRecord, 0, len(mods))
	for i, m := range mods {
		id := m.name
		if !labels {
			id = ""
		}
		sb.WriteString(modfilter.Tag(wrap(i, m.code), id))
		sb.WriteString(vendor)
		sel = append(sel, contract.ModuleRecord{FileID: m.name, AbsPath: "/proj/" + string(m.name)})
	}
	return sb.String(), sel
}

// expectBundle 为每个模块应用 f 后的期望产物（无标记）。
func expectBundle(mods []mod, f func(m mod) string) string {
	var sb strings.Builder
	sb.WriteString(head)
	for i, m := range mods {
		sb.WriteString(wrap(i, f(m)))
		sb.WriteString(vendor)
	}
	return sb.String()
}

type env struct {
	fs   afero.Fs
	comp Components
	set  Settings
	scr  *scratch.Workspace
}

func newEnv(t *testing.T, bundle string, sel []contract.ModuleRecord, tr contract.Transformer) *env {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proj/out/"+string(bundleID), []byte(bundle), 0o644))
	rd, err := rfs.New(&rfs.Options{Root: "/proj/out", Fs: fs})
	require.NoError(t, err)
	wr, err := wfs.New(&wfs.Options{OutputDir: "/proj/out", Fs: fs})
	require.NoError(t, err)
	mw, err := wfs.New(&wfs.Options{OutputDir: "/proj", Fs: fs})
	require.NoError(t, err)
	scr, err := scratch.New(fs, "/tmp")
	require.NoError(t, err)
	asm, err := linear.New(nil)
	require.NoError(t, err)
	return &env{
		fs:  fs,
		scr: scr,
		comp: Components{
			Reader:      rd,
			Splitter:    marker.New(nil),
			Batcher:     fixed.New(nil),
			Transformer: tr,
			Assembler:   asm,
			Scratch:     scr,
			Writer:      wr,
			MapWriters:  []contract.Writer{mw},
		},
		set: Settings{Bundle: bundleID, Selection: sel, BatchSize: 10, HeaderLines: -1},
	}
}

func (e *env) output(t *testing.T) string {
	t.Helper()
	b, err := afero.ReadFile(e.fs, "/proj/out/"+string(bundleID))
	require.NoError(t, err)
	return string(b)
}

func newMock(t *testing.T) contract.Transformer {
	t.Helper()
	tr, err := mock.New(nil)
	require.NoError(t, err)
	return tr
}

func threeMods() []mod {
	return []mod{
		{"App.js", "import x from './x';\nexport default x;\n"},
		{"src/screens/Home.js", "const s = '{ } \\n */';\nmodule.exports = s;\n"},
		{"src/util.js", "exports.a = 1;\n"},
	}
}

func TestRunTransformsAndStripsMarkers(t *testing.T) {
	mods := threeMods()
	bundle, sel := buildBundle(mods, true)
	e := newEnv(t, bundle, sel, newMock(t))

	rep, err := Run(context.Background(), e.comp, e.set, nil)
	require.NoError(t, err)

	got := e.output(t)
	want := expectBundle(mods, func(m mod) string { return fmt.Sprintf("/*MOCK:%s*/%s", m.name, m.code) })
	assert.Equal(t, want, got)
	assert.NotContains(t, got, contract.MarkerBegin)
	assert.NotContains(t, got, contract.MarkerEnd)
	assert.NotContains(t, got, "bundleobf:id:", "标签不应进入产物")

	assert.Equal(t, 3, rep.Segments)
	assert.Equal(t, 3, rep.Selected)
	assert.Equal(t, 3, rep.Transformed)
	assert.Equal(t, 0, rep.Skipped)
	assert.Equal(t, 1, rep.Batches)
	require.Len(t, rep.Files, 3)
	for i, f := range rep.Files {
		assert.Equal(t, mods[i].name, f.Name)
		assert.Equal(t, OutcomeTransformed, f.Outcome)
		assert.Equal(t, sourcemap.LineCount(mods[i].code), f.Lines)
	}
}

type noIOReader struct{ t *testing.T }

func (r noIOReader) Open(context.Context, contract.ArtifactID) (io.ReadCloser, error) {
	assert.Fail(r.t, "空选择集不应读取 bundle")
	return nil, errors.New("unexpected open")
}

func TestRunEmptySelectionNoIO(t *testing.T) {
	bundle := head + vendor
	e := newEnv(t, bundle, nil, newMock(t))
	e.comp.Reader = noIOReader{t}
	rep, err := Run(context.Background(), e.comp, e.set, nil)
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)
	assert.Equal(t, bundle, e.output(t), "bundle 应保持字节不变")
}

func TestRunFallbackOnTransformFailure(t *testing.T) {
	mods := threeMods()
	bundle, sel := buildBundle(mods, false)
	tr, err := flaky.New(json.RawMessage(`{"fail_files":["src/screens/Home.js"]}`))
	require.NoError(t, err)
	e := newEnv(t, bundle, sel, tr)

	rep, err := Run(context.Background(), e.comp, e.set, nil)
	require.NoError(t, err, "单文件失败不应使整体失败")

	want := expectBundle(mods, func(m mod) string {
		if m.name == "src/screens/Home.js" {
			return m.code
		}
		return "FLAKY:" + m.code
	})
	assert.Equal(t, want, e.output(t))
	assert.Equal(t, 2, rep.Transformed)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, OutcomeSkipped, rep.Files[1].Outcome)
	assert.Contains(t, rep.Files[1].Err, "transform failed")
}

// recScratch 记录 src 读取与 dist 写入的先后顺序。
type recScratch struct {
	inner contract.Scratch
	mu    sync.Mutex
	log   []string
}

func (r *recScratch) Put(ctx context.Context, area contract.Area, id contract.FileID, rd io.Reader) error {
	if area == contract.AreaDist {
		r.mu.Lock()
		r.log = append(r.log, "put:"+string(id))
		r.mu.Unlock()
	}
	return r.inner.Put(ctx, area, id, rd)
}

func (r *recScratch) Open(ctx context.Context, area contract.Area, id contract.FileID) (io.ReadCloser, error) {
	if area == contract.AreaSrc {
		r.mu.Lock()
		r.log = append(r.log, "read:"+string(id))
		r.mu.Unlock()
	}
	return r.inner.Open(ctx, area, id)
}

func TestRunBatchOrdering(t *testing.T) {
	mods := make([]mod, 25)
	for i := range mods {
		mods[i] = mod{contract.FileID(fmt.Sprintf("f%02d.js", i)), fmt.Sprintf("var v%d = %d;\n", i, i)}
	}
	bundle, sel := buildBundle(mods, true)
	e := newEnv(t, bundle, sel, newMock(t))
	rec := &recScratch{inner: e.scr}
	e.comp.Scratch = rec
	var between []int64
	e.set.AfterBatch = func(b int64) { between = append(between, b) }

	rep, err := Run(context.Background(), e.comp, e.set, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Batches)
	assert.Equal(t, []int64{0, 1}, between, "只在两批之间回调")

	batchOf := func(ev string) int {
		var n int
		_, _ = fmt.Sscanf(ev[strings.Index(ev, ":")+1:], "f%02d.js", &n)
		return n / 10
	}
	lastPut := map[int]int{}
	firstRead := map[int]int{}
	sizes := map[int]int{}
	for i, ev := range rec.log {
		b := batchOf(ev)
		if strings.HasPrefix(ev, "put:") {
			lastPut[b] = i
			sizes[b]++
		} else if _, ok := firstRead[b]; !ok {
			firstRead[b] = i
		}
	}
	assert.Equal(t, map[int]int{0: 10, 1: 10, 2: 5}, sizes)
	for b := 1; b < 3; b++ {
		assert.Greater(t, firstRead[b], lastPut[b-1], "第 %d 批的读取必须在上一批写入完成之后", b)
	}
}

// 小于阈值时经 base64 编解码后写出，超出或关闭时流式写出；两条路径产物一致。
func TestRunSourceMap(t *testing.T) {
	tests := []struct {
		name  string
		limit int64
	}{
		{"round trip", 0},
		{"streamed", -1},
		{"over limit", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mods := threeMods()
			bundle, sel := buildBundle(mods, true)
			e := newEnv(t, bundle, sel, newMock(t))
			e.set.SourceMap = mapID
			e.set.MapRoundTripLimit = tt.limit

			_, err := Run(context.Background(), e.comp, e.set, nil)
			require.NoError(t, err)

			raw, err := afero.ReadFile(e.fs, "/proj/"+string(mapID))
			require.NoError(t, err)
			var doc sourcemap.Document
			require.NoError(t, json.Unmarshal(raw, &doc))
			assert.Equal(t, 3, doc.Version)
			assert.Equal(t, string(mapID), doc.File)
			assert.Equal(t, []string{"App.js", "src/screens/Home.js", "src/util.js"}, doc.Sources)
			// 原始（变换前）代码
			require.Len(t, doc.SourcesContent, 3)
			for i, m := range mods {
				assert.Equal(t, m.code, doc.SourcesContent[i])
			}
			assert.True(t, strings.HasPrefix(doc.Mappings, ";;AAAA;"), doc.Mappings)

			c := sourcemap.New("", -1)
			for _, m := range mods {
				c.Add(string(m.name), m.code)
			}
			assert.Equal(t, c.Mappings(), doc.Mappings)
		})
	}
}

func TestRoundTripLimit(t *testing.T) {
	assert.True(t, roundTrip(0, DefaultMapRoundTripLimit))
	assert.False(t, roundTrip(0, DefaultMapRoundTripLimit+1))
	assert.True(t, roundTrip(10, 10))
	assert.False(t, roundTrip(-1, 0))
}

func TestRunNoSourceMapByDefault(t *testing.T) {
	bundle, sel := buildBundle(threeMods(), true)
	e := newEnv(t, bundle, sel, newMock(t))
	_, err := Run(context.Background(), e.comp, e.set, nil)
	require.NoError(t, err)
	ok, _ := afero.Exists(e.fs, "/proj/"+string(mapID))
	assert.False(t, ok)
}

func TestRunBindsByLabel(t *testing.T) {
	mods := threeMods()
	bundle, sel := buildBundle(mods, true)
	// 选择集顺序与输出顺序不一致
	sel[0], sel[2] = sel[2], sel[0]
	e := newEnv(t, bundle, sel, newMock(t))

	rep, err := Run(context.Background(), e.comp, e.set, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Mismatched)
	want := expectBundle(mods, func(m mod) string { return fmt.Sprintf("/*MOCK:%s*/%s", m.name, m.code) })
	assert.Equal(t, want, e.output(t), "按标签绑定，模块代码不应错位")
}

func TestRunUnmatchedSegmentsKeptVerbatim(t *testing.T) {
	mods := threeMods()
	bundle, sel := buildBundle(mods, false)
	e := newEnv(t, bundle, sel[:2], newMock(t))

	rep, err := Run(context.Background(), e.comp, e.set, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Unmatched)
	assert.Equal(t, OutcomeUnmatched, rep.Files[2].Outcome)
	want := expectBundle(mods, func(m mod) string {
		if m.name == "src/util.js" {
			return m.code
		}
		return fmt.Sprintf("/*MOCK:%s*/%s", m.name, m.code)
	})
	assert.Equal(t, want, e.output(t))
}

func TestRunLabelOutsideSelection(t *testing.T) {
	mods := threeMods()
	bundle, sel := buildBundle(mods, true)
	e := newEnv(t, bundle, []contract.ModuleRecord{sel[1]}, newMock(t))

	rep, err := Run(context.Background(), e.comp, e.set, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Unmatched)
	assert.Equal(t, 1, rep.Transformed)
	assert.Equal(t, OutcomeTransformed, rep.Files[1].Outcome)
}

func TestRunRetriesRateLimited(t *testing.T) {
	mods := threeMods()[:1]
	bundle, sel := buildBundle(mods, true)

	tr, err := flaky.New(json.RawMessage(`{"rate_limit_first":2}`))
	require.NoError(t, err)
	e := newEnv(t, bundle, sel, tr)
	e.set.MaxRetries = 2
	e.set.Gate = rate.NewGate(map[rate.LimitKey]rate.Limits{"k": {RPM: 600}}, nil)
	e.set.GateKey = "k"
	rep, err := Run(context.Background(), e.comp, e.set, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Transformed)
	assert.Equal(t, 3, tr.(*flaky.Transformer).Calls())

	tr2, _ := flaky.New(json.RawMessage(`{"rate_limit_first":1}`))
	e2 := newEnv(t, bundle, sel, tr2)
	rep, err = Run(context.Background(), e2.comp, e2.set, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped, "不重试时限流视为跳过")
	assert.Equal(t, expectBundle(mods, func(m mod) string { return m.code }), e2.output(t))
}

func TestRunGateRejectsOversizedFile(t *testing.T) {
	mods := threeMods()[:1]
	bundle, sel := buildBundle(mods, true)
	e := newEnv(t, bundle, sel, newMock(t))
	e.set.Gate = rate.NewGate(map[rate.LimitKey]rate.Limits{"k": {MaxBytesPerReq: 4}}, nil)
	e.set.GateKey = "k"
	rep, err := Run(context.Background(), e.comp, e.set, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
}

func TestRunReaderErrorIsFatal(t *testing.T) {
	bundle, sel := buildBundle(threeMods(), true)
	e := newEnv(t, bundle, sel, newMock(t))
	e.set.Bundle = "missing.bundle"
	_, err := Run(context.Background(), e.comp, e.set, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reader open")
}

type failWriter struct{}

func (failWriter) Write(ctx context.Context, id contract.ArtifactID, r io.Reader) error {
	_, _ = io.Copy(io.Discard, r)
	return errors.New("disk full")
}

func TestRunWriterErrorIsFatal(t *testing.T) {
	bundle, sel := buildBundle(threeMods(), true)
	e := newEnv(t, bundle, sel, newMock(t))
	e.comp.Writer = failWriter{}
	_, err := Run(context.Background(), e.comp, e.set, nil)
	require.Error(t, err)

	e = newEnv(t, bundle, sel, newMock(t))
	e.set.SourceMap = mapID
	e.comp.MapWriters = append(e.comp.MapWriters, failWriter{})
	_, err = Run(context.Background(), e.comp, e.set, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sourcemap")
}

func TestRunCanceled(t *testing.T) {
	bundle, sel := buildBundle(threeMods(), true)
	e := newEnv(t, bundle, sel, newMock(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, e.comp, e.set, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, bundle, e.output(t))
}

func TestRunSanity(t *testing.T) {
	_, err := Run(context.Background(), Components{}, Settings{}, nil)
	assert.Error(t, err)

	bundle, sel := buildBundle(threeMods(), true)
	e := newEnv(t, bundle, sel, newMock(t))
	e.set.SourceMap = mapID
	e.comp.MapWriters = nil
	_, err = Run(context.Background(), e.comp, e.set, nil)
	assert.Error(t, err)
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, shouldRetry(contract.ErrRateLimited))
	assert.False(t, shouldRetry(contract.ErrTransformFailed))
	assert.False(t, shouldRetry(context.Canceled))
	assert.False(t, shouldRetry(nil))
}
