package client

import (
	"github.com/code-100-precent/LingBroker/backend"
)

/*
 * ============================================================================
 * 标签分配 - Tag Allocation
 * ============================================================================
 *
 * 标签是 1024 槽固定表的下标，异步操作用它跟踪请求。
 * 分配从 tagHead 开始，跳过仍被占用的槽（顺手清理已关闭的链），
 * 绕一圈没找到就报标签耗尽。
 *
 * 不变式：同一时刻不会有两个未完成请求拿到相同的标签。
 */

// TagMax 标签表容量
const TagMax = 1024

// TagInval 标签分配失败的哨兵
const TagInval = -1

// tagEntry 标签槽
type tagEntry struct {
	rctx *backend.RequestCtx
	comp *backend.Completion // 已送达但尚未被 Test 取走的完成记录
}

// getTag 分配一个空闲标签（调用方持锁）
func (c *Client) getTag() int {
	for scanned := 0; scanned < TagMax; scanned++ {
		tag := (c.tagHead + scanned) % TagMax
		entry := &c.tags[tag]

		if entry.rctx == nil {
			c.tagHead = (tag + 1) % TagMax
			return tag
		}

		// 顺手清理已经终结的链
		if entry.comp != nil && isClosed(entry.rctx) {
			c.releaseTag(tag)
			c.tagHead = (tag + 1) % TagMax
			return tag
		}
	}
	return TagInval
}

// isClosed 链上所有上下文都已终结
func isClosed(rctx *backend.RequestCtx) bool {
	for n := rctx; n != nil; n = n.Next {
		if n.State != backend.CtxClosed && n.State != backend.CtxError {
			return false
		}
	}
	return true
}

// claimTag 把请求登记到标签槽（调用方持锁）
func (c *Client) claimTag(tag int, rctx *backend.RequestCtx) bool {
	if tag < 0 || tag >= TagMax {
		return false
	}
	entry := &c.tags[tag]
	if entry.rctx != nil && !isClosed(entry.rctx) {
		return false
	}
	entry.rctx = rctx
	entry.comp = nil

	// 命名空间侧的等待队列镜像，句柄校验用
	if rctx.NS != nil {
		rctx.NS.WaitSet(tag, rctx)
	}
	return true
}

// releaseTag 清空标签槽（调用方持锁）
func (c *Client) releaseTag(tag int) {
	if tag < 0 || tag >= TagMax {
		return
	}
	entry := &c.tags[tag]
	if entry.rctx != nil && entry.rctx.NS != nil {
		entry.rctx.NS.WaitClear(tag)
	}
	entry.rctx = nil
	entry.comp = nil
}
