package diag

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 指标（进程内 Registry，运行结束后可导出为 textfile）：
// - bundleobf_op_total{comp,stage,result}
// - bundleobf_error_total{comp,code}
// - bundleobf_op_duration_ms{comp,stage}
// - bundleobf_files_total{outcome}
type metrics struct {
	reg      *prometheus.Registry
	opTotal  *prometheus.CounterVec
	errTotal *prometheus.CounterVec
	opDur    *prometheus.HistogramVec
	files    *prometheus.CounterVec
}

var (
	mMu sync.RWMutex
	m   = newMetrics()
)

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &metrics{
		reg: reg,
		opTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bundleobf_op_total",
			Help: "Pipeline stage operations by result.",
		}, []string{"comp", "stage", "result"}),
		errTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bundleobf_error_total",
			Help: "Classified errors per component.",
		}, []string{"comp", "code"}),
		opDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bundleobf_op_duration_ms",
			Help:    "Stage duration in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"comp", "stage"}),
		files: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bundleobf_files_total",
			Help: "Selected files by transform outcome.",
		}, []string{"outcome"}),
	}
}

func cur() *metrics {
	mMu.RLock()
	defer mMu.RUnlock()
	return m
}

// ResetMetrics 丢弃已累计的指标（每次运行开始或测试时调用）。
func ResetMetrics() {
	mMu.Lock()
	m = newMetrics()
	mMu.Unlock()
}

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) {
	cur().opTotal.WithLabelValues(comp, stage, result).Inc()
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	cur().errTotal.WithLabelValues(comp, code).Inc()
}

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	cur().opDur.WithLabelValues(comp, stage).Observe(float64(durMS))
}

// IncFile 按结果累加文件数（transformed|skipped|unmatched）。
func IncFile(outcome string) {
	cur().files.WithLabelValues(outcome).Inc()
}

// Gatherer 暴露当前 Registry。
func Gatherer() prometheus.Gatherer { return cur().reg }

// WriteMetrics 以 Prometheus 文本格式写出到 path（node_exporter textfile）。
func WriteMetrics(path string) error {
	return prometheus.WriteToTextfile(path, cur().reg)
}
