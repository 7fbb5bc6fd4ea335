package backend

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/code-100-precent/LingBroker/network"
	"github.com/code-100-precent/LingBroker/protocol"
)

/*
 * ============================================================================
 * 接收端 - Receiver
 * ============================================================================
 *
 * 单轮预算 128MB，跨所有连接消化响应：
 * 1. 向事件管理器要一个 socket 可读的连接
 * 2. 读入数据，解析响应；不完整就补读重解
 * 3. 按连接的待响应队列头部请求推进：
 *    - 该阶段要求消费多条响应的（MULTI 块）先攒够条数
 *    - MOVED: 更新位图和定位器，请求钉到新连接重发
 *    - ASK:   一次性跳转，不碰定位器
 *    - 其余走操作码各自的后处理
 * 4. 读失败的连接：待响应队列整体倒回重试队列，
 *    解除它的全部槽映射，移入故障列表
 *
 * 单连接内响应顺序等于发送顺序，这是待响应队列成立的前提。
 */

// recvPollTimeout 没有就绪连接时的等待上限
const recvPollTimeout = time.Second

// receiverTick 接收端单轮
func (b *Backend) receiverTick() {
	if b.postedCount() == 0 {
		return
	}

	em := b.mgr.EventManager()
	budget := int64(RecvBudget)

	for budget > 0 && b.postedCount() > 0 {
		conn := em.Next(recvPollTimeout)
		if conn == nil {
			// 本轮没有可读连接
			return
		}

		idx := conn.Index()
		if idx < 0 || b.posted[idx].len() == 0 {
			// 没有在途请求的连接不该有数据：读出来丢掉，保证循环推进
			conn.RecvBuffer().Reset()
			if _, err := conn.RecvBase(); err != nil {
				b.failConnection(conn)
				continue
			}
			conn.RecvBuffer().Reset()
			em.Rearm(conn)
			continue
		}

		// epoll 已确认可读：读入（必要时先紧凑缓冲区腾出空间）
		if conn.RecvBuffer().Unprocessed() == 0 {
			conn.RecvBuffer().Reset()
		}
		n, err := conn.RecvMore()
		if err != nil {
			b.failConnection(conn)
			continue
		}
		budget -= int64(n)
		metricBytesReceived.Add(float64(n))

		if !b.processConnection(conn) {
			// 连接已在处理中失败，不再 rearm
			continue
		}

		if conn.RecvBuffer().Unprocessed() == 0 {
			conn.RecvBuffer().Reset()
		}
		em.Rearm(conn)
	}
}

// processConnection 消化一个连接缓冲区里的全部完整响应
// 连接失败返回 false
func (b *Backend) processConnection(conn *network.Connection) bool {
	idx := conn.Index()

	for b.posted[idx].len() > 0 {
		rctx := b.posted[idx].peek()

		res, err := protocol.Parse(conn.RecvBuffer())
		if err == protocol.ErrAgain {
			if conn.Status() == network.ConnPendingData {
				// 响应还在内核里，补读再解
				if _, rerr := conn.RecvMore(); rerr != nil {
					b.failConnection(conn)
					return false
				}
				continue
			}
			// 等下一次就绪
			return true
		}
		if err != nil {
			log.WithFields(log.Fields{"url": conn.URL(), "err": err}).Error("protocol corruption")
			b.failConnection(conn)
			return false
		}

		// 集群重定向
		switch res.Type {
		case protocol.ResultRelocate:
			b.posted[idx].pop()
			b.handleRelocate(conn, rctx, &res)
			continue
		case protocol.ResultRedirect:
			b.posted[idx].pop()
			b.handleRedirect(rctx, &res)
			continue
		}

		// MULTI 块等多响应阶段先攒够条数，最后一条才进入后处理
		rctx.intern.respSeen++
		if rctx.intern.respSeen < rctx.spec.RespCnt {
			continue
		}

		b.posted[idx].pop()
		b.postProcess(rctx, &res)
	}

	return true
}

// failConnection 连接读写失败的统一处理
func (b *Backend) failConnection(conn *network.Connection) {
	idx := conn.Index()

	// 在途请求整体倒回重试队列，路由作废
	if idx >= 0 {
		for _, rctx := range b.posted[idx].drain() {
			rctx.route = Routing{Kind: RouteUnknown}
			rctx.intern.respSeen = 0
			b.retryQ.push(rctx)
		}
		b.locator.DisassociateConnIndex(idx)
		if b.sendBufs[idx] != nil {
			b.sendBufs[idx].Reset()
		}
		if b.sendSGEs[idx] != nil {
			b.sendSGEs[idx].Reset()
		}
	}

	b.mgr.ConnFail(conn)
	metricConnFailures.Inc()
}

// handleRelocate MOVED: 槽已永久迁移
func (b *Backend) handleRelocate(conn *network.Connection, rctx *RequestCtx, res *protocol.Result) {
	metricRedirects.WithLabelValues("moved").Inc()

	// 当前连接不再负责这个槽
	if bm := b.mgr.Bitmap(conn.Index()); bm != nil {
		bm.Clear(res.Slot)
	}

	idx := b.linkForAddr(res.Addr)
	if idx < 0 {
		// 目标节点连不上：回重试队列等恢复
		rctx.route = Routing{Kind: RouteUnknown}
		rctx.intern.respSeen = 0
		b.retryQ.push(rctx)
		return
	}

	// 新归属记入位图和定位器
	if bm := b.mgr.Bitmap(idx); bm != nil {
		bm.Set(res.Slot)
	}
	b.locator.Assign(idx, res.Slot)

	rctx.pinToConn(idx)
	rctx.intern.respSeen = 0
	b.retryQ.push(rctx)
}

// handleRedirect ASK: 槽迁移中的一次性跳转，不更新定位器
func (b *Backend) handleRedirect(rctx *RequestCtx, res *protocol.Result) {
	metricRedirects.WithLabelValues("ask").Inc()

	idx := b.linkForAddr(res.Addr)
	if idx < 0 {
		rctx.route = Routing{Kind: RouteUnknown}
		rctx.intern.respSeen = 0
		b.retryQ.push(rctx)
		return
	}

	rctx.pinToConn(idx)
	rctx.intern.respSeen = 0
	b.retryQ.push(rctx)
}

// linkForAddr 按重定向地址找已有连接，没有就新建链接
// 返回连接下标，失败返回 -1
func (b *Backend) linkForAddr(addr string) int {
	parsed, err := network.ParseURL(addr)
	if err != nil {
		return -1
	}

	if conn := b.mgr.FindByAddr(parsed); conn != nil {
		return conn.Index()
	}

	_, idx, err := b.mgr.NewLink(parsed.URL())
	if err != nil {
		return -1
	}
	return idx
}
