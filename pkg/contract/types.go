package contract

// FileID: 模块的规范路径（相对项目根、正斜杠、扩展名统一为 .js）。
type FileID string

// ModuleRecord: 模块过滤钩子接受的模块。
// 选择集内的顺序即 bundler 的输出顺序；创建后不可变。
type ModuleRecord struct {
	FileID  FileID `json:"canonical_path"`
	AbsPath string `json:"absolute_path"`
}

// Segment: bundle 中以 BEGIN 切分出的一段（只读视图，生命周期仅限一次运行）。
// 模块 BEGIN 之前的脚手架位于上一段的 Suffix（或 Bundle.Head）中，不重复保存。
type Segment struct {
	Index int
	// Label: BEGIN 之后携带的规范路径标签；旧格式或缺失时为空。
	Label FileID
	// Code: BEGIN（及标签）之后、首个 END 之前的应用代码。
	Code string
	// Suffix: 从首个 END（含）到下一个 BEGIN 之前的全部文本，原样保留。
	Suffix string
}

// Bundle: 拆分结果。Head 为首个 BEGIN 之前的启动代码。
type Bundle struct {
	Head     string
	Segments []Segment
}

// FileRecord: 一个待变换文件。
// Transformed 为空且 Done=false 时，装配使用 Original 作为回退。
type FileRecord struct {
	Name        FileID
	Segment     int
	Original    string
	Transformed string
	Done        bool
}

// Code 返回装配时应使用的代码：变换成功取变换结果，否则回退原文。
func (f FileRecord) Code() string {
	if f.Done {
		return f.Transformed
	}
	return f.Original
}

// Batch: 固定上限的连续文件切片，作为一个内存控制单元处理。
// Files 与调用方的切片共享底层数组。
type Batch struct {
	// BatchIndex: 批序（0..n-1，严格递增）。
	BatchIndex int64
	Files      []FileRecord
	// From/To: Files 在原切片中的闭区间下标。
	From int
	To   int
}
