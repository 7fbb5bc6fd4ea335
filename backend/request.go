package backend

import (
	"github.com/code-100-precent/LingBroker/namespace"
	"github.com/code-100-precent/LingBroker/protocol"
	"github.com/code-100-precent/LingBroker/status"
)

/*
 * ============================================================================
 * 请求与请求上下文 - Request / RequestCtx
 * ============================================================================
 *
 * Request 是用户操作的描述：操作码、命名空间、键、值缓冲区等。
 * RequestCtx 包住 Request，携带引擎推进一个多阶段请求所需的全部状态：
 * 当前阶段规格、路由位置、每操作码的中间暂存（intern）、
 * 结果阶段合成的完成记录。
 *
 * 【路由位置】
 * - RouteUnknown: 尚未定位，发送时按键哈希
 * - RouteSlot:    已知槽号，查定位器
 * - RouteConn:    显式钉到某个连接（SCAN 跨连接循环、ASK 跳转）
 */

// ReqFlags 请求标志
type ReqFlags int

const (
	FlagNone      ReqFlags = 0
	FlagImmediate ReqFlags = 1 << iota // 立即返回，不阻塞等待数据
	FlagPartial                        // 允许部分读取
)

// NameMeta 命名空间元数据（NSQUERY 的输出）
type NameMeta struct {
	ID      string
	RefCnt  int64
	Groups  string
	Flags   int64
}

// Request 用户请求
type Request struct {
	Opcode protocol.Opcode
	NS     *namespace.Namespace
	NSName string
	Group  string
	Key    string
	Match  string
	Flags  ReqFlags

	// 值缓冲区：PUT 的输入 / GET、READ、DIRECTORY 的输出
	SGE [][]byte

	// MOVE 的目标
	DstNSName string
	DstGroup  string

	// NSCREATE 的组列表
	Groups string

	// NSQUERY 的输出
	Meta *NameMeta

	// 迭代器句柄（0 表示新建迭代器）
	IterHandle int64

	// 用户不透明值，原样带回完成记录
	User any
}

// CtxState 请求上下文状态
type CtxState int

const (
	CtxPending CtxState = iota
	CtxCanceling
	CtxRetrieving
	CtxReady
	CtxClosed
	CtxError
)

// RouteKind 路由类型
type RouteKind int

const (
	RouteUnknown RouteKind = iota
	RouteSlot
	RouteConn
)

// Routing 路由位置
type Routing struct {
	Kind RouteKind
	Slot int
	Conn int // 连接下标
}

// internState 每操作码的中间暂存
type internState struct {
	cursor      []byte   // SCAN 游标
	connOrdinal int      // 正在扫描第几个活跃连接
	toDelete    bool     // nsdetach: 是否进入删除路径
	delKeys     [][]byte // nsdetach: 待删除的键
	dump        []byte   // move: DUMP 的序列化载荷
	written     int64    // directory: 已写入用户缓冲区的字节数
	firstEntry  bool     // directory: 是否还没写过条目
	iter        *Iterator
	respSeen    int // 当前阶段已消费的响应条数
	lastResult  protocol.Result
}

// RequestCtx 请求上下文
type RequestCtx struct {
	Req     *Request
	NS      *namespace.Namespace
	State   CtxState
	Tag     int
	RetSize *int64

	stage  int
	spec   *protocol.StageSpec
	intern internState
	route  Routing

	// 结果阶段合成、最终阶段入队的完成记录
	comp *Completion

	// 引擎内部请求（迭代器预取），不产生用户完成记录
	internal bool

	// 同标签链
	Next *RequestCtx
}

// NewRequestCtx 创建上下文并定位到首个阶段
func NewRequestCtx(req *Request, tag int, retSize *int64) (*RequestCtx, error) {
	if req == nil {
		return nil, status.Invalid
	}

	rctx := &RequestCtx{
		Req:     req,
		NS:      req.NS,
		State:   CtxPending,
		Tag:     tag,
		RetSize: retSize,
		route:   Routing{Kind: RouteUnknown},
	}

	if protocol.StageCount(req.Opcode) > 0 {
		rctx.spec = protocol.GetStageSpec(req.Opcode, 0)
	}
	rctx.intern.firstEntry = true

	return rctx, nil
}

// Spec 当前阶段规格
func (rctx *RequestCtx) Spec() *protocol.StageSpec {
	return rctx.spec
}

// Stage 当前阶段编号
func (rctx *RequestCtx) Stage() int {
	return rctx.stage
}

// transitionTo 切换到指定阶段并清除路由和响应计数
func (rctx *RequestCtx) transitionTo(stage int) {
	rctx.stage = stage
	rctx.spec = protocol.GetStageSpec(rctx.Req.Opcode, stage)
	rctx.route = Routing{Kind: RouteUnknown}
	rctx.intern.respSeen = 0
}

// pinToConn 把路由钉到指定连接
func (rctx *RequestCtx) pinToConn(connIdx int) {
	rctx.route = Routing{Kind: RouteConn, Conn: connIdx}
}

// fullKey 组装 ns::key 形式的完整键
func fullKey(ns, key string) []byte {
	return []byte(ns + namespaceSeparator + key)
}

// namespaceSeparator 命名空间分隔符
const namespaceSeparator = "::"

// requestQueue 简单 FIFO
type requestQueue struct {
	items []*RequestCtx
}

func (q *requestQueue) push(rctx *RequestCtx) {
	q.items = append(q.items, rctx)
}

func (q *requestQueue) peek() *RequestCtx {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *requestQueue) pop() *RequestCtx {
	if len(q.items) == 0 {
		return nil
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head
}

func (q *requestQueue) len() int {
	return len(q.items)
}

func (q *requestQueue) drain() []*RequestCtx {
	items := q.items
	q.items = nil
	return items
}
