package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"bundleobf/internal/diag"
	"bundleobf/internal/rate"
	"bundleobf/internal/sourcemap"
	"bundleobf/pkg/contract"
)

// - 单点并发：仅此层管理并发；原子组件均为同步、无内部并发。
// - 批间严格串行：第 N+1 批的读取必在第 N 批的写入完成之后开始。
// - 单文件失败只影响该文件：回退原文，批次继续。
// - source map 累加在每批结束后按文件顺序进行，与完成顺序无关。

// Components 聚合运行所需的原子组件。
type Components struct {
	Reader      contract.Reader
	Splitter    contract.Splitter
	Batcher     contract.Batcher
	Transformer contract.Transformer
	Assembler   contract.Assembler
	Scratch     contract.Scratch
	// Writer 写回 bundle（与 Reader 同根）。
	Writer contract.Writer
	// MapWriters 依次写出 source map；第一个通常是本地文件，其余为上传目标。
	MapWriters []contract.Writer
}

// Settings 运行期配置。
type Settings struct {
	// Bundle: Reader/Writer 下的 bundle 标识。
	Bundle contract.ArtifactID
	// SourceMap: MapWriters 下的 map 标识；为空表示不生成。
	SourceMap contract.ArtifactID
	// MapFile: map 文档的 "file" 字段；为空时取 SourceMap。
	MapFile string
	// Selection: 过滤阶段结束后的有序选择集。
	Selection []contract.ModuleRecord
	// BatchSize: 每批文件数（默认 10）。
	BatchSize int
	// HeaderLines: bundle 头部行数；<0 使用默认 2。
	HeaderLines int
	// AfterBatch: 两批之间的回调（例如释放内存）；可为空。
	AfterBatch func(batch int64)
	// MaxRetries: 变换调用的最大重试次数（>=0），仅针对限流与网络错误。
	MaxRetries int
	// 限流闸门（可选）：若非空，则在每次变换前调用 Gate.Wait
	Gate    rate.Gate
	GateKey rate.LimitKey
	// MapRoundTripLimit: 原文总量不超过该值时，map 先经 base64 编解码校验再写出；
	// 0 使用默认值，<0 总是流式写出。
	MapRoundTripLimit int64
}

// DefaultBatchSize: 每批文件数。
const DefaultBatchSize = 10

// DefaultMapRoundTripLimit: 默认的 map 内存校验阈值（原文字节数）。
const DefaultMapRoundTripLimit int64 = 16 << 20

// Outcome: 单个段的处理结果。
type Outcome string

const (
	OutcomeTransformed Outcome = "transformed"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeUnmatched   Outcome = "unmatched"
)

// FileResult: 单个段的结果（供汇总表使用）。
type FileResult struct {
	Name    contract.FileID
	Segment int
	Batch   int64
	Outcome Outcome
	Lines   int
	Err     string
}

// Report: 一次运行的计数与明细。
type Report struct {
	Segments    int
	Selected    int
	Transformed int
	Skipped     int
	Unmatched   int
	Mismatched  int
	Batches     int
	Files       []FileResult
}

// Run 执行完整流水线：Reader → Splitter → 对应 → Scratch(src) → Batcher → Transformer → Scratch(dist) → Assembler → Writer → MapWriters。
// 选择集为空时直接返回，不做任何 I/O。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (Report, error) {
	var rep Report
	if err := sanity(comp, &set); err != nil {
		return rep, fmt.Errorf("sanity: %w", err)
	}
	rep.Selected = len(set.Selection)
	if len(set.Selection) == 0 {
		logger.Info("pipeline", "no files to transform, skipping", nil)
		return rep, nil
	}

	bundleID := string(set.Bundle)
	t0 := time.Now()
	ok := false
	term := diag.GetTerminal()
	defer func() { term.BundleFinish(ok, time.Since(t0)) }()

	// 读取并拆分
	stimer := logger.StartWith("splitter", "split", bundleID, "")
	rc, err := comp.Reader.Open(ctx, set.Bundle)
	if err != nil {
		diag.Record(logger, "reader", "open failed", err, bundleID, "")
		return rep, fmt.Errorf("reader open: %w", err)
	}
	bundle, err := comp.Splitter.Split(ctx, rc)
	_ = rc.Close()
	if err != nil {
		diag.Record(logger, "splitter", "split failed", err, bundleID, "")
		return rep, fmt.Errorf("splitter split: %w", err)
	}
	stimer.Finish("split", int64(len(bundle.Segments)))
	diag.IncOp("splitter", "finish", "success")
	rep.Segments = len(bundle.Segments)

	// 段与选择集对应
	bd := bind(bundle, set.Selection)
	for _, m := range bd.mismatches {
		logger.WarnWith("pipeline", "segment label differs from selection order", string(m.label), map[string]string{
			"segment":  strconv.Itoa(m.segment),
			"expected": string(m.expected),
		})
	}
	rep.Mismatched = len(bd.mismatches)
	if len(bundle.Segments) != len(set.Selection) {
		logger.Warn("pipeline", "segment count differs from selection", map[string]string{
			"segments":  strconv.Itoa(len(bundle.Segments)),
			"selection": strconv.Itoa(len(set.Selection)),
		})
	}
	outcome := make(map[int]*FileResult, len(bundle.Segments))
	for _, idx := range bd.unmatched {
		outcome[idx] = &FileResult{Segment: idx, Batch: -1, Outcome: OutcomeUnmatched}
		diag.IncFile(string(OutcomeUnmatched))
	}
	rep.Unmatched = len(bd.unmatched)
	files := bd.files
	term.BundleStart(bundleID, len(files))

	// 原始代码落入 src/
	ptimer := logger.StartWith("scratch", "stage", bundleID, "")
	for _, f := range files {
		if err := comp.Scratch.Put(ctx, contract.AreaSrc, f.Name, strings.NewReader(f.Original)); err != nil {
			diag.Record(logger, "scratch", "stage failed", err, string(f.Name), "")
			return rep, fmt.Errorf("scratch stage: %w", err)
		}
	}
	ptimer.Finish("stage", int64(len(files)))

	btimer := logger.StartWith("batcher", "make", bundleID, "")
	batches, err := comp.Batcher.Make(ctx, files, contract.BatchLimit{MaxFiles: set.BatchSize})
	if err != nil {
		diag.Record(logger, "batcher", "make failed", err, bundleID, "")
		return rep, fmt.Errorf("batcher make: %w", err)
	}
	btimer.Finish("make", int64(len(batches)))
	diag.IncOp("batcher", "finish", "success")
	rep.Batches = len(batches)

	var comb *sourcemap.Composer
	if set.SourceMap != "" {
		comb = sourcemap.New(set.MapFile, set.HeaderLines)
	}

	done, skipped := 0, 0
	for bi, b := range batches {
		batchID := strconv.FormatInt(b.BatchIndex, 10)
		bt := logger.StartWithKV("pipeline", "batch", bundleID, batchID, map[string]string{
			"files": strconv.Itoa(len(b.Files)),
		})
		errs, err := runBatch(ctx, comp, set, logger, b)
		if err != nil {
			return rep, err
		}
		// 按文件顺序：累加 map、取回 dist、登记结果
		for j := range b.Files {
			f := &b.Files[j]
			res := &FileResult{Name: f.Name, Segment: f.Segment, Batch: b.BatchIndex, Lines: sourcemap.LineCount(f.Original)}
			if comb != nil {
				comb.Add(string(f.Name), f.Original)
			}
			ferr := errs[j]
			if ferr == nil {
				code, rerr := readArea(ctx, comp.Scratch, contract.AreaDist, f.Name)
				if rerr != nil {
					diag.Record(logger, "scratch", "reload failed", rerr, string(f.Name), batchID)
					ferr = rerr
				} else {
					f.Transformed, f.Done = code, true
				}
			}
			if ferr != nil {
				res.Outcome, res.Err = OutcomeSkipped, ferr.Error()
				skipped++
			} else {
				res.Outcome = OutcomeTransformed
			}
			diag.IncFile(string(res.Outcome))
			outcome[f.Segment] = res
			done++
			term.Progress(done, skipped, j == len(b.Files)-1)
		}
		bt.Finish("batch", int64(len(b.Files)))
		if set.AfterBatch != nil && bi < len(batches)-1 {
			set.AfterBatch(b.BatchIndex)
		}
	}
	rep.Skipped = skipped
	rep.Transformed = done - skipped

	// 装配并写回 bundle
	atimer := logger.StartWith("assembler", "assemble", bundleID, "")
	r, err := comp.Assembler.Assemble(ctx, bundle, files)
	if err != nil {
		diag.Record(logger, "assembler", "assemble failed", err, bundleID, "")
		return rep, fmt.Errorf("assembler assemble: %w", err)
	}
	atimer.Finish("assemble", int64(len(files)))
	diag.IncOp("assembler", "finish", "success")

	wtimer := logger.StartWith("writer", "write", bundleID, "")
	if err := comp.Writer.Write(ctx, set.Bundle, r); err != nil {
		diag.Record(logger, "writer", "write failed", err, bundleID, "")
		return rep, fmt.Errorf("writer write: %w", err)
	}
	wtimer.Finish("write", 1)
	diag.IncOp("writer", "finish", "success")

	if comb != nil {
		content := func(ctx context.Context, name string) (io.ReadCloser, error) {
			return comp.Scratch.Open(ctx, contract.AreaSrc, contract.FileID(name))
		}
		var doc []byte
		if roundTrip(set.MapRoundTripLimit, comb.Size()) {
			if doc, err = renderMap(ctx, comb, content); err != nil {
				diag.Record(logger, "sourcemap", "render failed", err, string(set.SourceMap), "")
				return rep, fmt.Errorf("sourcemap render: %w", err)
			}
		}
		for i, w := range comp.MapWriters {
			mt := logger.StartWithKV("sourcemap", "write", string(set.SourceMap), "", map[string]string{"target": strconv.Itoa(i)})
			if doc != nil {
				err = w.Write(ctx, set.SourceMap, bytes.NewReader(doc))
			} else {
				err = writeMap(ctx, w, set.SourceMap, comb, content)
			}
			if err != nil {
				diag.Record(logger, "sourcemap", "write failed", err, string(set.SourceMap), "")
				return rep, fmt.Errorf("sourcemap write: %w", err)
			}
			mt.Finish("write", int64(len(comb.Sources())))
			diag.IncOp("sourcemap", "finish", "success")
		}
	}

	rep.Files = make([]FileResult, 0, len(outcome))
	for i := range bundle.Segments {
		if res, ok := outcome[i]; ok {
			rep.Files = append(rep.Files, *res)
		}
	}
	ok = true
	return rep, nil
}

// runBatch 并发处理一批文件；返回与 b.Files 对齐的逐文件错误。
// 仅当 ctx 被取消时返回整体错误。
func runBatch(ctx context.Context, comp Components, set Settings, logger *diag.Logger, b contract.Batch) ([]error, error) {
	errs := make([]error, len(b.Files))
	batchID := strconv.FormatInt(b.BatchIndex, 10)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(set.BatchSize)
	for j := range b.Files {
		name := b.Files[j].Name
		g.Go(func() error {
			err := processFile(gctx, comp, set, logger, name, batchID)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				errs[j] = err
				code := diag.Classify(err)
				logger.ErrorWithKV("pipeline", string(code), "file skipped, original code kept", nil, string(name), batchID, upstreamKV(err))
				diag.IncError("pipeline", string(code))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		diag.Record(logger, "pipeline", "batch aborted", err, "", batchID)
		return nil, fmt.Errorf("batch %d: %w", b.BatchIndex, err)
	}
	return errs, nil
}

// processFile: 读 src → 变换（带重试）→ 写 dist。
func processFile(ctx context.Context, comp Components, set Settings, logger *diag.Logger, name contract.FileID, batchID string) error {
	code, err := readArea(ctx, comp.Scratch, contract.AreaSrc, name)
	if err != nil {
		return fmt.Errorf("read src: %w", err)
	}
	out, err := transformWithRetry(ctx, comp.Transformer, set, logger, name, code, batchID)
	if err != nil {
		return err
	}
	if err := comp.Scratch.Put(ctx, contract.AreaDist, name, strings.NewReader(out)); err != nil {
		return fmt.Errorf("write dist: %w", err)
	}
	return nil
}

func transformWithRetry(ctx context.Context, tr contract.Transformer, set Settings, logger *diag.Logger, name contract.FileID, code, batchID string) (string, error) {
	attempts := set.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if set.Gate != nil {
			if err := set.Gate.Wait(ctx, rate.Ask{Key: set.GateKey, Requests: 1, Bytes: len(code)}); err != nil {
				// Gate 错误不重试（通常为取消或单请求超限）
				return "", fmt.Errorf("gate: %w", err)
			}
		}
		tt := logger.StartWithKV("transformer", "transform", string(name), batchID, map[string]string{
			"bytes":   strconv.Itoa(len(code)),
			"attempt": strconv.Itoa(attempt + 1),
		})
		out, err := tr.Transform(ctx, name, code)
		if err == nil {
			tt.Finish("transform", int64(len(out)))
			diag.IncOp("transformer", "finish", "success")
			return out, nil
		}
		diag.IncOp("transformer", "error", "error")
		lastErr = err
		if attempt+1 < attempts && shouldRetry(err) {
			logger.DebugStart("transformer", "retry", string(name), batchID, map[string]string{"code": string(diag.Classify(err))})
			if serr := sleepWithCtx(ctx, 200*time.Millisecond); serr != nil {
				return "", serr
			}
			continue
		}
		break
	}
	return "", lastErr
}

func readArea(ctx context.Context, s contract.Scratch, area contract.Area, name contract.FileID) (string, error) {
	rc, err := s.Open(ctx, area, name)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	var sb strings.Builder
	if _, err := io.Copy(&sb, rc); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// writeMap 通过管道流式写出 map，避免在内存中拼出整份文档。
func writeMap(ctx context.Context, w contract.Writer, id contract.ArtifactID, comb *sourcemap.Composer, content sourcemap.ContentFunc) error {
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pw.CloseWithError(comb.Finalize(ctx, pw, content))
	}()
	err := w.Write(ctx, id, pr)
	_ = pr.CloseWithError(errPipeDone)
	<-done
	return err
}

var errPipeDone = errors.New("pipeline: map writer returned")

func roundTrip(limit, size int64) bool {
	if limit == 0 {
		limit = DefaultMapRoundTripLimit
	}
	return limit > 0 && size <= limit
}

// renderMap 在内存中生成 map，并经 base64 编码、解码校验后返回 JSON。
func renderMap(ctx context.Context, comb *sourcemap.Composer, content sourcemap.ContentFunc) ([]byte, error) {
	enc, err := comb.Base64(ctx, content)
	if err != nil {
		return nil, err
	}
	d, err := sourcemap.Decode(enc)
	if err != nil {
		return nil, err
	}
	return d.JSON()
}

// upstreamKV: 上游 HTTP 错误附带状态码/消息。
func upstreamKV(err error) map[string]string {
	kv := map[string]string{"err": err.Error()}
	var ue contract.UpstreamError
	if errors.As(err, &ue) {
		kv["http_status"] = strconv.Itoa(ue.UpstreamStatus())
		if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
			if len(m) > 200 {
				m = m[:200]
			}
			kv["upstream_msg"] = m
		}
	}
	return kv
}

func sanity(c Components, s *Settings) error {
	if c.Reader == nil || c.Splitter == nil || c.Batcher == nil || c.Transformer == nil || c.Assembler == nil || c.Scratch == nil || c.Writer == nil {
		return errors.New("pipeline: missing components")
	}
	if s.Bundle == "" {
		return fmt.Errorf("pipeline: %w: empty bundle id", contract.ErrInvalidInput)
	}
	if s.SourceMap != "" && len(c.MapWriters) == 0 {
		return errors.New("pipeline: source map requested without map writer")
	}
	if s.BatchSize <= 0 {
		s.BatchSize = DefaultBatchSize
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	if s.MapFile == "" {
		s.MapFile = string(s.SourceMap)
	}
	return nil
}

// shouldRetry: 根据错误类型判断是否重试变换调用。
// - 取消/超时：不重试；
// - 限流：重试（交由 Gate 控制速率）；
// - 网络类错误：重试；
// - 其他（包括变换拒绝）：不重试。
func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	switch diag.Classify(err) {
	case diag.CodeBudget, diag.CodeNetwork:
		return true
	default:
		return false
	}
}

// sleepWithCtx: 可取消的 sleep（最小实现）。
func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
