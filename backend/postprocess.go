package backend

import (
	"bytes"
	"strconv"

	"github.com/code-100-precent/LingBroker/protocol"
	"github.com/code-100-precent/LingBroker/status"
)

/*
 * ============================================================================
 * 操作码后处理 - Post Processing
 * ============================================================================
 *
 * 阶段响应到达后的推进逻辑：
 * - 结果阶段合成完成记录；最终阶段才把记录入队（at-most-once）
 * - 非最终阶段切换到下一阶段并回到重试队列，等发送端下一轮取走
 * - 出错时无论处在哪个阶段都用错误记录完成请求，
 *   已合成的部分结果记录被丢弃替换
 *
 * 响应里的字节切片引用连接接收缓冲区，任何需要跨阶段保留的数据
 * （DUMP 载荷、SCAN 返回的键）在这里拷贝。
 */

// scanDoneCursor SCAN 游标归零表示该连接扫描完成
var scanDoneCursor = []byte("0")

// postProcess 阶段响应推进入口
func (b *Backend) postProcess(rctx *RequestCtx, res *protocol.Result) {
	// 在途期间被取消的请求：响应照常消费，完成记录是 CANCELLED
	if _, cancelled := b.cancelSet[rctx]; cancelled {
		delete(b.cancelSet, rctx)
		rctx.comp = nil
		b.completeWith(rctx, status.Cancelled, 0)
		return
	}

	// 普通错误响应：立即以错误完成
	if res.Type == protocol.ResultError {
		rctx.comp = nil
		b.completeWith(rctx, status.BackendGeneral, 0)
		return
	}

	switch rctx.Req.Opcode {
	case protocol.OpPut:
		b.processPut(rctx, res)
	case protocol.OpGet, protocol.OpRead:
		b.processGetRead(rctx, res)
	case protocol.OpRemove:
		b.processRemove(rctx, res)
	case protocol.OpMove:
		b.processMove(rctx, res)
	case protocol.OpDirectory:
		b.processDirectory(rctx, res)
	case protocol.OpNSCreate:
		b.processNSCreate(rctx, res)
	case protocol.OpNSAttach:
		b.processNSAttach(rctx, res)
	case protocol.OpNSDetach:
		b.processNSDetach(rctx, res)
	case protocol.OpNSDelete:
		b.processNSDelete(rctx, res)
	case protocol.OpNSQuery:
		b.processNSQuery(rctx, res)
	case protocol.OpIterator:
		b.processIterator(rctx, res)
	default:
		b.completeWith(rctx, status.InvalidOp, 0)
	}
}

// requeueStage 当前阶段重发（阻塞 GET 轮询、SCAN 续页）
func (b *Backend) requeueStage(rctx *RequestCtx) {
	rctx.intern.respSeen = 0
	b.retryQ.push(rctx)
}

// advanceStage 切到下一阶段并回重试队列
func (b *Backend) advanceStage(rctx *RequestCtx, stage int) {
	rctx.transitionTo(stage)
	b.retryQ.push(rctx)
}

// startScanStage 切到跨连接 SCAN 阶段：游标归零，从第一个连接开始
func (b *Backend) startScanStage(rctx *RequestCtx, stage int) {
	rctx.transitionTo(stage)
	rctx.intern.cursor = []byte("0")
	rctx.intern.connOrdinal = 0
	b.pinScanConn(rctx)
	b.retryQ.push(rctx)
}

// pinScanConn 把 SCAN 请求钉到当前序号的活跃连接
// 没有连接可用时路由回退为未知（让恢复去处理）
func (b *Backend) pinScanConn(rctx *RequestCtx) bool {
	conns := b.mgr.ActiveConnections()
	if rctx.intern.connOrdinal >= len(conns) {
		return false
	}
	rctx.pinToConn(conns[rctx.intern.connOrdinal].Index())
	return true
}

/* ---------------------------------------------------------------- PUT */

func (b *Backend) processPut(rctx *RequestCtx, res *protocol.Result) {
	// RPUSH 返回插入后的列表长度，至少是 1
	if res.Type != protocol.ResultInt || res.Int < 1 {
		b.completeWith(rctx, status.UBuffer, 0)
		return
	}
	b.completeWith(rctx, status.Success, res.Int)
}

/* ----------------------------------------------------------- GET/READ */

func (b *Backend) processGetRead(rctx *RequestCtx, res *protocol.Result) {
	if res.IsNil() {
		// 键不存在：READ 和立即模式的 GET 直接报不可用，阻塞 GET 轮询重试
		if rctx.Req.Flags&FlagImmediate != 0 || rctx.Req.Opcode == protocol.OpRead {
			b.completeWith(rctx, status.Unavail, 0)
			return
		}
		b.requeueStage(rctx)
		return
	}

	if res.Type != protocol.ResultChar {
		b.completeWith(rctx, status.BackendGeneral, 0)
		return
	}

	n := scatterInto(rctx.Req.SGE, res.Str)
	if n < 0 {
		// 用户缓冲区不足：完成，不重试
		b.completeWith(rctx, status.UBuffer, 0)
		return
	}

	if rctx.RetSize != nil {
		*rctx.RetSize = int64(n)
	}
	b.completeWith(rctx, status.Success, int64(n))
}

/* -------------------------------------------------------------- REMOVE */

func (b *Backend) processRemove(rctx *RequestCtx, res *protocol.Result) {
	if res.Type != protocol.ResultInt {
		b.completeWith(rctx, status.BackendGeneral, 0)
		return
	}
	if res.Int < 1 {
		b.completeWith(rctx, status.Unavail, 0)
		return
	}
	b.completeWith(rctx, status.Success, res.Int)
}

/* ---------------------------------------------------------------- MOVE */

func (b *Backend) processMove(rctx *RequestCtx, res *protocol.Result) {
	switch rctx.stage {
	case protocol.MoveStageDump:
		if res.IsNil() {
			b.completeWith(rctx, status.Unavail, 0)
			return
		}
		if res.Type != protocol.ResultChar {
			b.completeWith(rctx, status.BackendGeneral, 0)
			return
		}
		// 载荷跨阶段保留，必须拷贝出接收缓冲区
		rctx.intern.dump = append([]byte(nil), res.Str...)
		b.advanceStage(rctx, protocol.MoveStageRestore)

	case protocol.MoveStageRestore:
		if res.Type != protocol.ResultChar || !bytes.Equal(res.Str, []byte("OK")) {
			b.completeWith(rctx, status.BackendGeneral, 0)
			return
		}
		rctx.intern.dump = nil
		b.advanceStage(rctx, protocol.MoveStageDel)

	default: // MoveStageDel
		if res.Type != protocol.ResultInt || res.Int < 1 {
			b.completeWith(rctx, status.BackendGeneral, 0)
			return
		}
		b.completeWith(rctx, status.Success, res.Int)
	}
}

/* ----------------------------------------------------------- DIRECTORY */

func (b *Backend) processDirectory(rctx *RequestCtx, res *protocol.Result) {
	if rctx.stage == protocol.DirectoryStageMeta {
		// 元数据为空说明命名空间不存在
		if res.Type != protocol.ResultArray || len(res.Elements) == 0 {
			b.completeWith(rctx, status.Unavail, 0)
			return
		}
		b.startScanStage(rctx, protocol.DirectoryStageScan)
		return
	}

	// SCAN 响应：[cursor, [keys...]]
	cursor, keys, ok := splitScanReply(res)
	if !ok {
		b.completeWith(rctx, status.BackendGeneral, 0)
		return
	}

	// 键名去掉 ns:: 前缀后以换行分隔写入用户缓冲区
	prefix := []byte(rctx.Req.NSName + namespaceSeparator)
	for _, k := range keys {
		name := bytes.TrimPrefix(k.Str, prefix)

		entry := name
		if !rctx.intern.firstEntry {
			entry = append([]byte("\n"), name...)
		}

		n := scatterAppend(rctx.Req.SGE, int(rctx.intern.written), entry)
		if n < 0 {
			b.completeWith(rctx, status.UBuffer, 0)
			return
		}
		rctx.intern.written += int64(n)
		rctx.intern.firstEntry = false
	}

	if b.continueScan(rctx, cursor) {
		return
	}

	// 所有连接都扫完
	if rctx.RetSize != nil {
		*rctx.RetSize = rctx.intern.written
	}
	b.completeWith(rctx, status.Success, rctx.intern.written)
}

// continueScan 按游标推进跨连接扫描
// 返回 true 表示扫描还在继续（请求已重新入队）
func (b *Backend) continueScan(rctx *RequestCtx, cursor []byte) bool {
	if !bytes.Equal(cursor, scanDoneCursor) {
		// 当前连接还有下一页
		rctx.intern.cursor = append([]byte(nil), cursor...)
		b.requeueStage(rctx)
		return true
	}

	// 当前连接扫完，推进到下一个
	rctx.intern.connOrdinal++
	rctx.intern.cursor = []byte("0")
	if b.pinScanConn(rctx) {
		b.requeueStage(rctx)
		return true
	}
	return false
}

// splitScanReply 拆出 SCAN 响应的游标和键数组
func splitScanReply(res *protocol.Result) ([]byte, []protocol.Result, bool) {
	if res.Type != protocol.ResultArray || len(res.Elements) != 2 {
		return nil, nil, false
	}
	cursor := res.Elements[0].Str
	keysArr := res.Elements[1]
	if keysArr.Type != protocol.ResultArray {
		return nil, nil, false
	}
	return cursor, keysArr.Elements, true
}

/* ------------------------------------------------------------ NSCREATE */

func (b *Backend) processNSCreate(rctx *RequestCtx, res *protocol.Result) {
	if rctx.stage == 0 {
		// HSETNX 返回 0 说明命名空间已存在
		if res.Type != protocol.ResultInt {
			b.completeWith(rctx, status.BackendGeneral, 0)
			return
		}
		if res.Int == 0 {
			b.completeWith(rctx, status.Exists, 0)
			return
		}
		b.advanceStage(rctx, 1)
		return
	}

	// HMSET 返回 +OK
	if res.Type != protocol.ResultChar || !bytes.Equal(res.Str, []byte("OK")) {
		b.completeWith(rctx, status.BackendGeneral, 0)
		return
	}
	b.completeWith(rctx, status.Success, 0)
}

/* ------------------------------------------------------------ NSATTACH */

func (b *Backend) processNSAttach(rctx *RequestCtx, res *protocol.Result) {
	if res.Type != protocol.ResultInt {
		b.completeWith(rctx, status.BackendGeneral, 0)
		return
	}

	if rctx.stage == 0 {
		// EXISTS 为 0 说明命名空间无效
		if res.Int == 0 {
			b.completeWith(rctx, status.NSInvalid, 0)
			return
		}
		b.advanceStage(rctx, 1)
		return
	}

	// HINCRBY 返回新引用计数
	if res.Int == 0 {
		b.completeWith(rctx, status.NSInvalid, 0)
		return
	}
	b.completeWith(rctx, status.Success, res.Int)
}

/* ------------------------------------------------------------ NSDETACH */

func (b *Backend) processNSDetach(rctx *RequestCtx, res *protocol.Result) {
	switch rctx.stage {
	case protocol.NSDetachStageDelCheck:
		// res 是 EXEC 数组：[0] HINCRBY 后的引用计数，[1] HMGET [refcnt, flags]
		if res.Type != protocol.ResultArray || len(res.Elements) < 2 {
			b.completeWith(rctx, status.NSInvalid, 0)
			return
		}

		refcnt := res.Elements[0].Int
		flags := int64(0)
		if hmget := res.Elements[1]; hmget.Type == protocol.ResultArray && len(hmget.Elements) >= 2 {
			flags = parseIntField(hmget.Elements[1].Str)
		}

		// 打了删除标记且引用归零才真正清数据
		if flags == 1 && refcnt <= 0 {
			rctx.intern.toDelete = true
			b.startScanStage(rctx, protocol.NSDetachStageScan)
			return
		}

		// 普通分离：只是减引用
		b.completeWith(rctx, status.Success, refcnt)

	case protocol.NSDetachStageScan:
		cursor, keys, ok := splitScanReply(res)
		if !ok {
			b.completeWith(rctx, status.BackendGeneral, 0)
			return
		}

		// 扫到的键记下来，扫完后逐个删除
		for _, k := range keys {
			rctx.intern.delKeys = append(rctx.intern.delKeys, append([]byte(nil), k.Str...))
		}

		if b.continueScan(rctx, cursor) {
			return
		}

		if len(rctx.intern.delKeys) > 0 {
			b.advanceStage(rctx, protocol.NSDetachStageDelKeys)
			return
		}
		b.advanceStage(rctx, protocol.NSDetachStageDelNS)

	case protocol.NSDetachStageDelKeys:
		if res.Type != protocol.ResultInt {
			b.completeWith(rctx, status.BackendGeneral, 0)
			return
		}
		// 当前键已删，还有就留在本阶段继续
		rctx.intern.delKeys = rctx.intern.delKeys[1:]
		if len(rctx.intern.delKeys) > 0 {
			rctx.route = Routing{Kind: RouteUnknown}
			b.requeueStage(rctx)
			return
		}
		b.advanceStage(rctx, protocol.NSDetachStageDelNS)

	default: // NSDetachStageDelNS
		if res.Type != protocol.ResultInt || res.Int <= 0 {
			b.completeWith(rctx, status.Unavail, 0)
			return
		}
		b.completeWith(rctx, status.Success, res.Int)
	}
}

/* ------------------------------------------------------------ NSDELETE */

func (b *Backend) processNSDelete(rctx *RequestCtx, res *protocol.Result) {
	if rctx.stage == protocol.NSDeleteStageExist {
		// HMGET [refcnt, flags]
		if res.Type != protocol.ResultArray || len(res.Elements) < 2 {
			b.completeWith(rctx, status.BackendGeneral, 0)
			return
		}

		refcntRes := res.Elements[0]
		if refcntRes.IsNil() {
			// 命名空间不存在
			b.completeWith(rctx, status.Unavail, 0)
			return
		}

		refcnt := parseIntField(refcntRes.Str)
		if refcnt > 1 {
			b.completeWith(rctx, status.NSBusy, 0)
			return
		}
		if parseIntField(res.Elements[1].Str) != 0 {
			// 已经被别人标记删除
			b.completeWith(rctx, status.Unavail, 0)
			return
		}

		// 结果阶段：先合成成功记录，最终阶段确认后才入队
		rctx.comp = newCompletion(rctx, status.Success, 0)
		b.advanceStage(rctx, protocol.NSDeleteStageSetFlag)
		return
	}

	// HSET 必须返回 0（更新了已有字段）；1 说明命名空间中途消失
	if res.Type != protocol.ResultInt || res.Int != 0 {
		rctx.comp = nil
		b.completeWith(rctx, status.Unavail, 0)
		return
	}

	rctx.State = CtxClosed
	b.enqueueCompletion(rctx.comp)
	rctx.comp = nil
}

/* ------------------------------------------------------------- NSQUERY */

func (b *Backend) processNSQuery(rctx *RequestCtx, res *protocol.Result) {
	if res.Type != protocol.ResultArray {
		b.completeWith(rctx, status.BackendGeneral, 0)
		return
	}
	if len(res.Elements) == 0 {
		b.completeWith(rctx, status.UBuffer, 0)
		return
	}

	// HGETALL 的平铺 k,v 对转成元数据结构
	meta := rctx.Req.Meta
	if meta == nil {
		meta = &NameMeta{}
		rctx.Req.Meta = meta
	}
	for i := 0; i+1 < len(res.Elements); i += 2 {
		field := string(res.Elements[i].Str)
		value := res.Elements[i+1]
		switch field {
		case "id":
			meta.ID = string(value.Str)
		case "refcnt":
			meta.RefCnt = parseIntField(value.Str)
		case "groups":
			meta.Groups = string(value.Str)
		case "flags":
			meta.Flags = parseIntField(value.Str)
		}
	}

	b.completeWith(rctx, status.Success, int64(len(res.Elements)/2))
}

/* ------------------------------------------------------------ ITERATOR */

func (b *Backend) processIterator(rctx *RequestCtx, res *protocol.Result) {
	it := rctx.intern.iter

	cursor, keys, ok := splitScanReply(res)
	if !ok {
		if rctx.internal {
			it.refillInFlight = false
			return
		}
		b.completeWith(rctx, status.BackendGeneral, 0)
		return
	}

	// 键去掉 ns:: 前缀后入缓存
	prefix := []byte(it.nsName + namespaceSeparator)
	for _, k := range keys {
		it.pushKey(bytes.TrimPrefix(k.Str, prefix))
	}

	if bytes.Equal(cursor, scanDoneCursor) {
		// 当前连接扫完，推进
		it.connOrdinal++
		it.cursor = []byte("0")
		if it.connOrdinal >= len(b.mgr.ActiveConnections()) {
			it.remoteDone = true
		}
	} else {
		it.cursor = append([]byte(nil), cursor...)
	}

	if rctx.internal {
		// 预取请求到此为止
		it.refillInFlight = false
		return
	}

	// 用户请求：回发送端预处理，命中缓存或继续扫描
	rctx.route = Routing{Kind: RouteUnknown}
	b.requeueStage(rctx)
}

// parseIntField 把字段字节串解析为整数，失败得 0
func parseIntField(s []byte) int64 {
	v, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
