package backend

import (
	log "github.com/sirupsen/logrus"

	"github.com/code-100-precent/LingBroker/cluster"
	"github.com/code-100-precent/LingBroker/network"
	"github.com/code-100-precent/LingBroker/protocol"
	"github.com/code-100-precent/LingBroker/status"
	"github.com/code-100-precent/LingBroker/transport"
)

/*
 * ============================================================================
 * 发送端 - Sender
 * ============================================================================
 *
 * 单轮流程：
 * 1. 槽覆盖不完整时先跑恢复状态机，按结果决定跳过/继续/全部失败
 * 2. 依次取请求：重试队列优先，其次工作队列
 * 3. 已登记取消的请求直接合成 CANCELLED 完成
 * 4. 迭代器请求先走预处理，可能直接命中缓存立即完成
 * 5. 按阶段确定路由和参数，把命令组装进目标连接的发送暂存区，
 *    请求挂到该连接的待响应队列
 * 6. 暂存区超过 3/4 容量时提前中断合并
 * 7. 对所有沾过的连接做一次向量化发送
 */

// flushMark 发送暂存区的提前刷出水位
const flushMark = DefaultSendBufSize * 3 / 4

// senderTick 发送端单轮
func (b *Backend) senderTick() {
	if b.unrecoverable {
		b.failAllPending()
		return
	}

	// 覆盖检查与恢复
	if !b.locator.Covered() {
		state, info := b.mgr.ConnRecover(b.locator, b.info)
		if info != nil {
			b.info = info
		}
		switch state {
		case network.Recoverable:
			// 本轮跳过，下个 tick 再试
			return
		case network.Unrecoverable:
			log.Error("cluster unrecoverable, draining pending requests")
			b.unrecoverable = true
			b.failAllPending()
			return
		default:
			metricRecoveries.Inc()
		}
	}

	// 本轮沾过的连接，按首次使用顺序去重
	pending := make([]int, 0, b.mgr.ConnectionCount())
	seen := make(map[int]bool)

	limit := CoalescedMax * b.mgr.ConnectionCount()
	if limit == 0 {
		return
	}

	for i := 0; i < limit; i++ {
		rctx := b.retryQ.pop()
		if rctx == nil {
			rctx = b.workQ.pop()
		}
		if rctx == nil {
			break
		}

		// 取消检查
		if _, cancelled := b.cancelSet[rctx]; cancelled {
			delete(b.cancelSet, rctx)
			b.completeWith(rctx, status.Cancelled, 0)
			continue
		}

		// 迭代器预处理，可能立即完成
		if rctx.Req.Opcode == protocol.OpIterator {
			if b.iteratorPreprocess(rctx) {
				continue
			}
		}

		// 网络阶段为空的操作码直接完成
		if rctx.spec == nil {
			b.completeImmediate(rctx)
			continue
		}

		idx, err := b.resolveRoute(rctx)
		if err != nil {
			b.completeWith(rctx, status.FromErrno(err), 0)
			continue
		}
		if idx == cluster.IndexInval || b.mgr.ConnectionAt(idx) == nil {
			// 路由缺口：回重试队列，下个 tick 由恢复补齐
			b.retryQ.push(rctx)
			break
		}

		if err := b.stageCommand(rctx, idx); err != nil {
			b.completeWith(rctx, status.BackendPost, 0)
			continue
		}

		if !seen[idx] {
			seen[idx] = true
			pending = append(pending, idx)
		}

		// 水位检查：暂存区快满了就先刷出去
		if b.sendBuf(idx).Available() >= flushMark {
			break
		}
	}

	// 向量化刷出
	for _, idx := range pending {
		b.flushConnection(idx)
	}
}

// stageCommand 组装一条命令进连接暂存区并登记待响应
func (b *Backend) stageCommand(rctx *RequestCtx, idx int) error {
	buf := b.sendBuf(idx)
	sge := b.sendSGE(idx)

	args, err := b.argsFor(rctx)
	if err != nil {
		return err
	}

	start := buf.Available()
	if _, err := protocol.BuildCommand(rctx.spec, buf, args); err != nil {
		return err
	}

	// 命令区域作为一个 SGE 条目参与向量化发送
	if !sge.Add(buf.Bytes()[start:buf.Available()]) {
		buf.RewindAvailableTo(start)
		return protocol.ErrNoSpace
	}

	b.posted[idx].push(rctx)
	rctx.State = CtxRetrieving
	return nil
}

// flushConnection 刷出一个连接的暂存区
func (b *Backend) flushConnection(idx int) {
	conn := b.mgr.ConnectionAt(idx)
	sge := b.sendSGE(idx)
	buf := b.sendBuf(idx)

	if conn == nil || sge.Count() == 0 {
		buf.Reset()
		sge.Reset()
		return
	}

	if _, err := conn.SendCmd(sge.Entries()); err != nil {
		log.WithFields(log.Fields{"url": conn.URL(), "err": err}).Warn("send failed")
		b.failConnection(conn)
	}

	buf.Reset()
	sge.Reset()
}

// failAllPending 不可恢复：清空所有队列，全部以 NOCONNECT 完成
func (b *Backend) failAllPending() {
	for _, rctx := range b.retryQ.drain() {
		b.completeWith(rctx, status.NoConnect, 0)
	}
	for _, rctx := range b.workQ.drain() {
		b.completeWith(rctx, status.NoConnect, 0)
	}
	for i := range b.posted {
		for _, rctx := range b.posted[i].drain() {
			b.completeWith(rctx, status.NoConnect, 0)
		}
	}
}

// resolveRoute 确定请求当前阶段的目标连接下标
func (b *Backend) resolveRoute(rctx *RequestCtx) (int, error) {
	// 显式钉连接的路由（SCAN 循环、ASK 跳转）
	if rctx.route.Kind == RouteConn {
		return rctx.route.Conn, nil
	}

	key, err := b.routeKey(rctx)
	if err != nil {
		return cluster.IndexInval, err
	}

	slot, idx := b.locator.HashLocate(key)
	rctx.route = Routing{Kind: RouteSlot, Slot: slot, Conn: idx}
	return idx, nil
}

// routeKey 当前阶段参与槽哈希的键
func (b *Backend) routeKey(rctx *RequestCtx) ([]byte, error) {
	req := rctx.Req

	switch req.Opcode {
	case protocol.OpPut, protocol.OpGet, protocol.OpRead, protocol.OpRemove:
		return fullKey(req.NSName, req.Key), nil

	case protocol.OpMove:
		if rctx.stage == protocol.MoveStageRestore {
			return fullKey(req.DstNSName, req.Key), nil
		}
		return fullKey(req.NSName, req.Key), nil

	case protocol.OpDirectory, protocol.OpNSQuery, protocol.OpNSCreate,
		protocol.OpNSAttach, protocol.OpNSDelete:
		return []byte(req.NSName), nil

	case protocol.OpNSDetach:
		if rctx.stage == protocol.NSDetachStageDelKeys && len(rctx.intern.delKeys) > 0 {
			return rctx.intern.delKeys[0], nil
		}
		return []byte(req.NSName), nil

	default:
		return nil, status.InvalidOp
	}
}

// argsFor 当前阶段的模板位置参数
func (b *Backend) argsFor(rctx *RequestCtx) ([][]byte, error) {
	req := rctx.Req

	switch req.Opcode {
	case protocol.OpPut:
		value := make([]byte, totalLen(req.SGE))
		if n := transport.GatherInto(value, asSGEs(req.SGE)); n < 0 {
			return nil, status.UBuffer
		}
		return [][]byte{fullKey(req.NSName, req.Key), value}, nil

	case protocol.OpGet, protocol.OpRead, protocol.OpRemove:
		return [][]byte{fullKey(req.NSName, req.Key)}, nil

	case protocol.OpMove:
		switch rctx.stage {
		case protocol.MoveStageDump:
			return [][]byte{fullKey(req.NSName, req.Key)}, nil
		case protocol.MoveStageRestore:
			return [][]byte{fullKey(req.DstNSName, req.Key), rctx.intern.dump}, nil
		default:
			return [][]byte{fullKey(req.NSName, req.Key)}, nil
		}

	case protocol.OpDirectory:
		if rctx.stage == protocol.DirectoryStageMeta {
			return [][]byte{[]byte(req.NSName)}, nil
		}
		return [][]byte{rctx.intern.cursor, matchPattern(req.NSName, req.Match)}, nil

	case protocol.OpNSCreate:
		if rctx.stage == 0 {
			return [][]byte{[]byte(req.NSName), []byte("id"), []byte(req.NSName)}, nil
		}
		return [][]byte{
			[]byte(req.NSName),
			[]byte("refcnt"), []byte("1"),
			[]byte("groups"), []byte(req.Groups),
			[]byte("flags"), []byte("0"),
		}, nil

	case protocol.OpNSAttach:
		if rctx.stage == 0 {
			return [][]byte{[]byte(req.NSName)}, nil
		}
		return [][]byte{[]byte(req.NSName), []byte("1")}, nil

	case protocol.OpNSDetach:
		switch rctx.stage {
		case protocol.NSDetachStageDelCheck:
			return [][]byte{[]byte(req.NSName), []byte("-1")}, nil
		case protocol.NSDetachStageScan:
			return [][]byte{rctx.intern.cursor, matchPattern(req.NSName, "*")}, nil
		case protocol.NSDetachStageDelKeys:
			if len(rctx.intern.delKeys) == 0 {
				return nil, status.Generic
			}
			return [][]byte{rctx.intern.delKeys[0]}, nil
		default:
			return [][]byte{[]byte(req.NSName)}, nil
		}

	case protocol.OpNSDelete:
		if rctx.stage == protocol.NSDeleteStageExist {
			return [][]byte{[]byte(req.NSName)}, nil
		}
		return [][]byte{[]byte(req.NSName), []byte("flags"), []byte("1")}, nil

	case protocol.OpNSQuery:
		return [][]byte{[]byte(req.NSName)}, nil

	case protocol.OpIterator:
		it := rctx.intern.iter
		return [][]byte{it.cursor, matchPattern(it.nsName, it.match)}, nil

	default:
		return nil, status.InvalidOp
	}
}

// completeImmediate 没有网络阶段的操作码
func (b *Backend) completeImmediate(rctx *RequestCtx) {
	switch rctx.Req.Opcode {
	case protocol.OpNSAddUnits, protocol.OpNSRemoveUnits:
		// 按原始行为报告未实现
		b.completeWith(rctx, status.NotImpl, 0)
	default:
		b.completeWith(rctx, status.InvalidOp, 0)
	}
}

// iteratorPreprocess 迭代器请求的发送前处理
// 返回 true 表示请求已经完成（命中缓存或迭代结束）
func (b *Backend) iteratorPreprocess(rctx *RequestCtx) bool {
	it := rctx.intern.iter

	if it == nil {
		if rctx.Req.IterHandle == 0 {
			// 新迭代器
			it = b.iters.newIterator(rctx.Req.NSName, iterMatch(rctx.Req.Match))
			if it == nil {
				b.completeWith(rctx, status.NoMemory, 0)
				return true
			}
		} else {
			// 键参数复用为迭代器句柄
			it = b.iters.get(rctx.Req.IterHandle)
			if it == nil {
				b.completeWith(rctx, status.Invalid, 0)
				return true
			}
		}
		rctx.intern.iter = it
	}

	// 内部补货请求直接去发 SCAN
	if rctx.internal {
		if !b.pinIteratorConn(rctx, it) {
			// 没有连接可扫：预取静默结束
			it.refillInFlight = false
			return true
		}
		return false
	}

	if key := it.popKey(); key != nil {
		// 缓存命中：立即完成，低水位时追加内部补货
		n := scatterInto(rctx.Req.SGE, key)
		if n < 0 {
			b.completeWith(rctx, status.UBuffer, 0)
			return true
		}
		if rctx.RetSize != nil {
			*rctx.RetSize = int64(n)
		}
		b.completeWith(rctx, status.Success, it.handle)

		if it.needsRefill() && !it.refillInFlight {
			it.refillInFlight = true
			b.queueIteratorRefill(it)
		}
		return true
	}

	if it.exhausted() {
		// 远端和缓存都空：自动复位并报告迭代结束
		it.reset()
		b.completeWith(rctx, status.Unavail, 0)
		return true
	}

	// 缓存空但远端没扫完：带着这个请求去 SCAN
	if !b.pinIteratorConn(rctx, it) {
		it.reset()
		b.completeWith(rctx, status.Unavail, 0)
		return true
	}
	return false
}

// pinIteratorConn 把迭代器请求钉到它当前扫描的连接
// 所有连接都扫完时返回 false 并标记远端完成
func (b *Backend) pinIteratorConn(rctx *RequestCtx, it *Iterator) bool {
	conns := b.mgr.ActiveConnections()
	if it.connOrdinal >= len(conns) {
		it.remoteDone = true
		return false
	}
	rctx.pinToConn(conns[it.connOrdinal].Index())
	return true
}

// queueIteratorRefill 低水位预取：无用户载荷的内部 SCAN 请求
func (b *Backend) queueIteratorRefill(it *Iterator) {
	refill := &RequestCtx{
		Req: &Request{
			Opcode:     protocol.OpIterator,
			NSName:     it.nsName,
			IterHandle: it.handle,
		},
		State:    CtxPending,
		route:    Routing{Kind: RouteUnknown},
		internal: true,
	}
	refill.spec = protocol.GetStageSpec(protocol.OpIterator, 0)
	refill.intern.iter = it
	b.retryQ.push(refill)
}

// matchPattern 组装 ns::pattern 匹配模板
func matchPattern(ns, match string) []byte {
	if match == "" {
		match = "*"
	}
	return []byte(ns + namespaceSeparator + match)
}

// iterMatch 迭代器的键匹配模板
func iterMatch(match string) string {
	if match == "" {
		return "*"
	}
	return match
}

// totalLen SGE 列表总长
func totalLen(sges [][]byte) int {
	n := 0
	for _, s := range sges {
		n += len(s)
	}
	return n
}

// asSGEs 字节切片列表转 SGE 条目
func asSGEs(bufs [][]byte) []transport.SGE {
	out := make([]transport.SGE, len(bufs))
	for i, b := range bufs {
		out[i] = transport.SGE{Data: b}
	}
	return out
}

// scatterAppend 从逻辑偏移 off 开始把数据散列进用户缓冲区列表
// 空间不足返回 -1；返回写入的字节数
func scatterAppend(dst [][]byte, off int, data []byte) int {
	if totalLen(dst) < off+len(data) {
		return -1
	}

	written := 0
	pos := 0
	for _, d := range dst {
		segStart := pos
		pos += len(d)
		if pos <= off {
			continue
		}

		from := 0
		if off > segStart {
			from = off - segStart
		}
		n := copy(d[from:], data[written:])
		written += n
		if written == len(data) {
			break
		}
	}
	return len(data)
}

// scatterInto 把载荷按序散列进用户缓冲区列表
// 空间不足返回 -1；返回写入的字节数
func scatterInto(dst [][]byte, payload []byte) int {
	if totalLen(dst) < len(payload) {
		return -1
	}
	off := 0
	for _, d := range dst {
		if off >= len(payload) {
			break
		}
		off += copy(d, payload[off:])
	}
	return len(payload)
}
