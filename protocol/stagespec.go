package protocol

/*
 * ============================================================================
 * 操作码与阶段规格表 - Stage Specs
 * ============================================================================
 *
 * 每个操作码对应一个或多个阶段（stage），每个阶段是一条发往节点的命令。
 * 阶段规格是静态表，按 (opcode, stage) 索引：
 * - ArrayLen: 命令模板中 %N 位置参数的个数（不是 RESP 数组头部计数）
 * - RespCnt:  推进到下一阶段前需要消费的响应条数
 *             （NSDETACH 的 MULTI 块一次产生 4 条响应）
 * - Final:    是否是最后一个阶段
 * - Result:   该阶段的响应是否产生用户可见结果
 * - Expect:   期望的响应类型
 * - Command:  带 %0..%N 占位符的 RESP 命令模板
 *
 * 模板中的字面 RESP 前缀在规格初始化时就固定下来，
 * 占位符由命令组装器替换成 $<len>\r\n<arg>\r\n 形式的批量字符串。
 */

// Opcode 操作码
type Opcode int

const (
	OpUnspec Opcode = iota
	OpPut
	OpGet
	OpRead
	OpMove
	OpRemove
	OpCancel
	OpDirectory
	OpNSCreate
	OpNSAttach
	OpNSDetach
	OpNSDelete
	OpNSQuery
	OpNSAddUnits
	OpNSRemoveUnits
	OpIterator
	OpMax
)

func (o Opcode) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpGet:
		return "get"
	case OpRead:
		return "read"
	case OpMove:
		return "move"
	case OpRemove:
		return "remove"
	case OpCancel:
		return "cancel"
	case OpDirectory:
		return "directory"
	case OpNSCreate:
		return "nscreate"
	case OpNSAttach:
		return "nsattach"
	case OpNSDetach:
		return "nsdetach"
	case OpNSDelete:
		return "nsdelete"
	case OpNSQuery:
		return "nsquery"
	case OpNSAddUnits:
		return "nsaddunits"
	case OpNSRemoveUnits:
		return "nsremoveunits"
	case OpIterator:
		return "iterator"
	default:
		return "unspec"
	}
}

// 各操作码的阶段编号
const (
	// DIRECTORY: 先取元数据，再跨连接 SCAN
	DirectoryStageMeta = 0
	DirectoryStageScan = 1

	// NSDETACH: 原子减引用并读标志，按需扫描删除
	NSDetachStageDelCheck = 0
	NSDetachStageScan     = 1
	NSDetachStageDelKeys  = 2
	NSDetachStageDelNS    = 3

	// NSDELETE: 检查占用，打删除标记
	NSDeleteStageExist   = 0
	NSDeleteStageSetFlag = 1

	// MOVE: DUMP -> RESTORE -> DEL
	MoveStageDump    = 0
	MoveStageRestore = 1
	MoveStageDel     = 2
)

// StageSpec 阶段规格
type StageSpec struct {
	Op       Opcode
	Stage    int
	ArrayLen int        // 位置参数个数
	RespCnt  int        // 消费的响应条数
	Final    bool       // 最后阶段
	Result   bool       // 产生用户可见结果
	Expect   ResultType // 期望响应类型
	Command  string     // RESP 命令模板
}

// stageSpecs 静态规格表，按 opcode 索引到阶段数组
var stageSpecs = [OpMax][]StageSpec{
	OpPut: {
		{Op: OpPut, Stage: 0, ArrayLen: 2, RespCnt: 1, Final: true, Result: true,
			Expect: ResultInt, Command: "*3\r\n$5\r\nRPUSH\r\n%0%1"},
	},
	OpGet: {
		{Op: OpGet, Stage: 0, ArrayLen: 1, RespCnt: 1, Final: true, Result: true,
			Expect: ResultChar, Command: "*2\r\n$4\r\nLPOP\r\n%0"},
	},
	OpRead: {
		{Op: OpRead, Stage: 0, ArrayLen: 1, RespCnt: 1, Final: true, Result: true,
			Expect: ResultChar, Command: "*3\r\n$6\r\nLINDEX\r\n%0$1\r\n0\r\n"},
	},
	OpRemove: {
		{Op: OpRemove, Stage: 0, ArrayLen: 1, RespCnt: 1, Final: true, Result: true,
			Expect: ResultInt, Command: "*2\r\n$3\r\nDEL\r\n%0"},
	},
	OpMove: {
		{Op: OpMove, Stage: MoveStageDump, ArrayLen: 1, RespCnt: 1,
			Expect: ResultChar, Command: "*2\r\n$4\r\nDUMP\r\n%0"},
		// DUMP 的序列化载荷作为 %1 原样回灌
		{Op: OpMove, Stage: MoveStageRestore, ArrayLen: 2, RespCnt: 1,
			Expect: ResultChar, Command: "*4\r\n$7\r\nRESTORE\r\n%0$1\r\n0\r\n%1"},
		{Op: OpMove, Stage: MoveStageDel, ArrayLen: 1, RespCnt: 1, Final: true, Result: true,
			Expect: ResultInt, Command: "*2\r\n$3\r\nDEL\r\n%0"},
	},
	OpDirectory: {
		{Op: OpDirectory, Stage: DirectoryStageMeta, ArrayLen: 1, RespCnt: 1,
			Expect: ResultArray, Command: "*2\r\n$7\r\nHGETALL\r\n%0"},
		{Op: OpDirectory, Stage: DirectoryStageScan, ArrayLen: 2, RespCnt: 1, Final: true, Result: true,
			Expect: ResultArray, Command: "*6\r\n$4\r\nSCAN\r\n%0$5\r\nMATCH\r\n%1$5\r\nCOUNT\r\n$4\r\n1000\r\n"},
	},
	OpNSCreate: {
		{Op: OpNSCreate, Stage: 0, ArrayLen: 3, RespCnt: 1,
			Expect: ResultInt, Command: "*4\r\n$6\r\nHSETNX\r\n%0%1%2"},
		{Op: OpNSCreate, Stage: 1, ArrayLen: 7, RespCnt: 1, Final: true, Result: true,
			Expect: ResultChar, Command: "*8\r\n$5\r\nHMSET\r\n%0%1%2%3%4%5%6"},
	},
	OpNSAttach: {
		{Op: OpNSAttach, Stage: 0, ArrayLen: 1, RespCnt: 1,
			Expect: ResultInt, Command: "*2\r\n$6\r\nEXISTS\r\n%0"},
		{Op: OpNSAttach, Stage: 1, ArrayLen: 2, RespCnt: 1, Final: true, Result: true,
			Expect: ResultInt, Command: "*4\r\n$7\r\nHINCRBY\r\n%0$6\r\nrefcnt\r\n%1"},
	},
	OpNSDetach: {
		// MULTI 块一次发出，响应按 +OK / +QUEUED / +QUEUED / EXEC数组 四条消费
		{Op: OpNSDetach, Stage: NSDetachStageDelCheck, ArrayLen: 2, RespCnt: 4,
			Expect: ResultArray,
			Command: "*1\r\n$5\r\nMULTI\r\n*4\r\n$7\r\nHINCRBY\r\n%0$6\r\nrefcnt\r\n%1*4\r\n$5\r\nHMGET\r\n%0$6\r\nrefcnt\r\n$5\r\nflags\r\n*1\r\n$4\r\nEXEC\r\n"},
		{Op: OpNSDetach, Stage: NSDetachStageScan, ArrayLen: 2, RespCnt: 1,
			Expect: ResultArray, Command: "*6\r\n$4\r\nSCAN\r\n%0$5\r\nMATCH\r\n%1$5\r\nCOUNT\r\n$4\r\n1000\r\n"},
		{Op: OpNSDetach, Stage: NSDetachStageDelKeys, ArrayLen: 1, RespCnt: 1,
			Expect: ResultInt, Command: "*2\r\n$3\r\nDEL\r\n%0"},
		{Op: OpNSDetach, Stage: NSDetachStageDelNS, ArrayLen: 1, RespCnt: 1, Final: true, Result: true,
			Expect: ResultInt, Command: "*2\r\n$3\r\nDEL\r\n%0"},
	},
	OpNSDelete: {
		{Op: OpNSDelete, Stage: NSDeleteStageExist, ArrayLen: 1, RespCnt: 1, Result: true,
			Expect: ResultArray, Command: "*4\r\n$5\r\nHMGET\r\n%0$6\r\nrefcnt\r\n$5\r\nflags\r\n"},
		{Op: OpNSDelete, Stage: NSDeleteStageSetFlag, ArrayLen: 3, RespCnt: 1, Final: true,
			Expect: ResultInt, Command: "*4\r\n$4\r\nHSET\r\n%0%1%2"},
	},
	OpNSQuery: {
		{Op: OpNSQuery, Stage: 0, ArrayLen: 1, RespCnt: 1, Final: true, Result: true,
			Expect: ResultArray, Command: "*2\r\n$7\r\nHGETALL\r\n%0"},
	},
	OpIterator: {
		// 迭代器复用 SCAN 阶段，游标和连接由迭代器引擎维护
		{Op: OpIterator, Stage: 0, ArrayLen: 2, RespCnt: 1, Final: true, Result: true,
			Expect: ResultArray, Command: "*6\r\n$4\r\nSCAN\r\n%0$5\r\nMATCH\r\n%1$5\r\nCOUNT\r\n$4\r\n1000\r\n"},
	},
}

// GetStageSpec 按 (opcode, stage) 取规格，不存在返回 nil
func GetStageSpec(op Opcode, stage int) *StageSpec {
	if op <= OpUnspec || op >= OpMax {
		return nil
	}
	specs := stageSpecs[op]
	if stage < 0 || stage >= len(specs) {
		return nil
	}
	return &specs[stage]
}

// StageCount 操作码的阶段数
func StageCount(op Opcode) int {
	if op <= OpUnspec || op >= OpMax {
		return 0
	}
	return len(stageSpecs[op])
}
