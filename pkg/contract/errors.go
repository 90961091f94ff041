package contract

import "errors"

// 最小错误分类（用于上层策略判定与日志归类）。
var (
	// ErrPathInvalid: 路径无法规范化或越界（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
	ErrInvalidInput       = errors.New("invalid input")
	ErrSeqInvalid         = errors.New("sequence invalid")
	ErrRateLimited        = errors.New("rate limited")
	ErrResponseInvalid    = errors.New("response invalid")
	// ErrTransformFailed: 变换函数拒绝或无法处理输入。
	ErrTransformFailed = errors.New("transform failed")
	// ErrSelectionSealed: 选择集已 Finalize，不再接受新模块。
	ErrSelectionSealed = errors.New("selection sealed")
	// ErrBundlePathMissing: 无法从宿主参数确定 bundle 输出路径。
	ErrBundlePathMissing = errors.New("bundle path missing")
)
