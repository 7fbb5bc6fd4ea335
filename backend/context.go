package backend

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/code-100-precent/LingBroker/cluster"
	"github.com/code-100-precent/LingBroker/status"
	"github.com/code-100-precent/LingBroker/transport"
	"github.com/code-100-precent/LingBroker/utils"
)

/*
 * ============================================================================
 * 引擎主上下文 - Backend
 * ============================================================================
 *
 * 单线程协作式驱动：发送端和接收端都在调用公共 API 的线程里运行，
 * 跨线程调用由一把粗粒度大锁串行化，核心内部没有更细的并发。
 *
 * 【队列】
 * - workQ:   用户投递的新请求
 * - retryQ:  发送端重入队列（阶段推进、MOVED/ASK、断连重发）
 * - complQ:  完成记录队列
 * - posted:  每连接一个的已发送待响应 FIFO（响应顺序等于发送顺序）
 * - cancelSet: 待取消请求集合，发送端取请求时查询
 */

const (
	// DefaultSendBufSize 每连接发送暂存区大小
	DefaultSendBufSize = 512 * 1024

	// CoalescedMax 单轮发送中每连接最多合并的请求数
	CoalescedMax = 8

	// RecvBudget 接收端单轮最多消化的字节数
	RecvBudget = 128 * 1024 * 1024
)

// Backend 引擎主上下文
type Backend struct {
	mu sync.Mutex

	cfg     *utils.Config
	locator *cluster.SlotLocator
	mgr     *cluster.ConnectionManager
	info    *cluster.Info

	workQ  requestQueue
	retryQ requestQueue
	complQ completionQueue

	cancelSet map[*RequestCtx]struct{}

	posted   [cluster.MaxConnections]requestQueue
	sendBufs [cluster.MaxConnections]*transport.SRBuffer
	sendSGEs [cluster.MaxConnections]*transport.SGEBuffer

	iters iteratorPool

	unrecoverable bool
}

// Connect 按环境变量配置建立引擎并引导集群拓扑
func Connect() (*Backend, error) {
	return ConnectWithConfig(utils.LoadConfig())
}

// ConnectWithConfig 按给定配置建立引擎
func ConnectWithConfig(cfg *utils.Config) (*Backend, error) {
	mgr, err := cluster.NewConnectionManager(cfg.AuthFile)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		cfg:       cfg,
		locator:   cluster.NewSlotLocator(),
		mgr:       mgr,
		cancelSet: make(map[*RequestCtx]struct{}),
	}

	info, err := mgr.Bootstrap(cfg.ServerURL, b.locator)
	if err != nil {
		mgr.Exit()
		return nil, err
	}
	b.info = info

	log.WithField("server", cfg.ServerURL).Debug("backend connected")
	return b, nil
}

// Exit 关闭引擎，释放全部连接
func (b *Backend) Exit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mgr.Exit()
}

// Config 引擎配置
func (b *Backend) Config() *utils.Config {
	return b.cfg
}

// sendBuf 取（按需创建）连接下标对应的发送暂存区
func (b *Backend) sendBuf(idx int) *transport.SRBuffer {
	if b.sendBufs[idx] == nil {
		b.sendBufs[idx] = transport.NewSRBuffer(DefaultSendBufSize)
	}
	return b.sendBufs[idx]
}

// sendSGE 取（按需创建）连接下标对应的 SGE 组装区
func (b *Backend) sendSGE(idx int) *transport.SGEBuffer {
	if b.sendSGEs[idx] == nil {
		b.sendSGEs[idx] = transport.NewSGEBuffer()
	}
	return b.sendSGEs[idx]
}

// Post 投递请求并驱动一轮发送/接收
func (b *Backend) Post(rctx *RequestCtx) error {
	if rctx == nil || rctx.Req == nil {
		return status.Invalid
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.unrecoverable {
		return status.NoConnect
	}

	metricRequests.WithLabelValues(rctx.Req.Opcode.String()).Inc()
	rctx.State = CtxPending
	b.workQ.push(rctx)

	b.drive()
	return nil
}

// TestAny 驱动一轮并弹出一条完成记录，没有则返回 nil
func (b *Backend) TestAny() *Completion {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c := b.complQ.pop(); c != nil {
		return c
	}

	b.drive()
	return b.complQ.pop()
}

// Cancel 登记取消：发送端取到该请求时丢弃并合成 CANCELLED 完成
// 已在途的请求照常收响应，但完成记录是 CANCELLED
func (b *Backend) Cancel(rctx *RequestCtx) {
	if rctx == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	rctx.State = CtxCanceling
	b.cancelSet[rctx] = struct{}{}
}

// drive 协作式单轮：发送 + 接收（调用方必须持有大锁）
func (b *Backend) drive() {
	b.senderTick()
	b.receiverTick()
}

// enqueueCompletion 完成记录入队
func (b *Backend) enqueueCompletion(c *Completion) {
	metricCompletions.WithLabelValues(c.Status.Error()).Inc()
	b.complQ.push(c)
}

// completeWith 立即以给定状态完成一个请求
func (b *Backend) completeWith(rctx *RequestCtx, st status.Code, rc int64) {
	rctx.State = CtxClosed
	if st != status.Success {
		rctx.State = CtxError
	}
	b.enqueueCompletion(newCompletion(rctx, st, rc))
}

// postedCount 所有连接上待响应的请求总数
func (b *Backend) postedCount() int {
	total := 0
	for i := range b.posted {
		total += b.posted[i].len()
	}
	return total
}

// Stats 引擎统计（转发服务的管理端口导出）
type Stats struct {
	Connections  int   `json:"connections"`
	SlotsCovered bool  `json:"slots_covered"`
	PendingWork  int   `json:"pending_work"`
	PendingRetry int   `json:"pending_retry"`
	InFlight     int   `json:"in_flight"`
	Completions  int   `json:"completions_queued"`
	ClusterSize  int   `json:"cluster_ranges"`
}

// GetStats 取统计快照
func (b *Backend) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	ranges := 0
	if b.info != nil {
		ranges = len(b.info.Servers)
	}

	return Stats{
		Connections:  b.mgr.ConnectionCount(),
		SlotsCovered: b.locator.Covered(),
		PendingWork:  b.workQ.len(),
		PendingRetry: b.retryQ.len(),
		InFlight:     b.postedCount(),
		Completions:  b.complQ.len(),
		ClusterSize:  ranges,
	}
}

// ClusterInfo 当前拓扑快照
func (b *Backend) ClusterInfo() *cluster.Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.info
}
