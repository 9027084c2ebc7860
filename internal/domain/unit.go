package domain

// WorkUnit 是一次批处理中的最小独立工作：产出恰好一个产物。
//
// - ID 在同一批次内唯一（用于报告与日志定位）
// - Key 是产物相对 root 的路径（使用 '/' 分隔），决定最终落盘位置
// - Source 是执行 do_work 所需的不透明载荷（URL、待合成文本等）
// - Index 是枚举顺序（0-based），报告排序依赖它
//
// 枚举完成后不再修改。
type WorkUnit struct {
	Index  int    `json:"index"`
	ID     string `json:"id"`
	Key    string `json:"key"`
	Source string `json:"-"`
}

// Warning 表示枚举阶段被丢弃的一条输入记录（ProducerWarning）。
type Warning struct {
	Record int    `json:"record"`
	Msg    string `json:"msg"`
}

// Plan 是存在性预检后的结果：Residual 为需要执行的单元（保持枚举顺序）。
type Plan struct {
	Total    int
	Skipped  []WorkUnit
	Residual []WorkUnit
}
