package contract

import "context"

// Transformer: 外部变换函数（混淆/压缩）。
// 输入为单个文件的源代码，返回变换后的代码；选项在构造时绑定。
// 单次调用、同步返回；应尊重 ctx 取消/超时。
// 返回的错误由流水线按“跳过该文件”处理。
type Transformer interface {
	Transform(ctx context.Context, id FileID, code string) (string, error)
}
