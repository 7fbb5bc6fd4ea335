package backend

import (
	"github.com/code-100-precent/LingBroker/status"
)

/*
 * ============================================================================
 * 完成记录 - Completion
 * ============================================================================
 *
 * 每个请求在最终阶段恰好产生一条完成记录（at-most-once 投递）。
 * 结果阶段先合成记录挂在上下文上，最终阶段才入队；
 * 多阶段请求中途出错时，已合成的记录被错误记录替换。
 */

// Completion 完成记录
type Completion struct {
	Status status.Code
	User   any
	RC     int64
}

// newCompletion 合成完成记录
func newCompletion(rctx *RequestCtx, st status.Code, rc int64) *Completion {
	var user any
	if rctx.Req != nil {
		user = rctx.Req.User
	}
	return &Completion{
		Status: st,
		User:   user,
		RC:     rc,
	}
}

// completionQueue 完成记录 FIFO
type completionQueue struct {
	items []*Completion
}

func (q *completionQueue) push(c *Completion) {
	q.items = append(q.items, c)
}

func (q *completionQueue) pop() *Completion {
	if len(q.items) == 0 {
		return nil
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head
}

func (q *completionQueue) len() int {
	return len(q.items)
}
