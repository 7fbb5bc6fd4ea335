package namespace

import (
	"hash/fnv"

	"github.com/code-100-precent/LingBroker/status"
)

/*
 * ============================================================================
 * 命名空间句柄 - Namespace
 * ============================================================================
 *
 * 应用侧的命名空间本地句柄：名字、引用计数、完整性校验和。
 *
 * 【校验和封印】
 * 句柄在创建/附加/分离时都会重新封印校验和，
 * Validate 重算并比对，句柄被释放后继续使用（悬空指针式错误）
 * 能在这里被发现：返回 EBADF 风格的 Handle 错误。
 * 引用计数超过 0xFFFE 视为计数损坏（EMLINK 风格）。
 *
 * 【生命周期】
 * Create 置引用计数 1 并封印；Attach/Detach 增减计数后重新封印；
 * 计数归零时句柄标记 DELETED，名字清零。
 */

// 引用计数上限，超过视为句柄损坏
const refLimit = 0xFFFE

// State 句柄状态
type State int

const (
	StateInvalid State = iota
	StateActive
	StateDeleted
)

// Namespace 命名空间本地句柄
type Namespace struct {
	checksum uint64
	refCount int
	name     string
	state    State

	// 按标签索引的等待队列，由请求层使用
	wait []any
}

// WaitQueueSize 等待队列槽位数（与标签表同尺寸）
const WaitQueueSize = 1024

// Create 创建句柄，引用计数置 1 并封印
func Create(name string) (*Namespace, error) {
	if name == "" || len(name) > 1024 {
		return nil, status.Invalid
	}

	ns := &Namespace{
		refCount: 1,
		name:     name,
		state:    StateActive,
		wait:     make([]any, WaitQueueSize),
	}
	ns.seal()
	return ns, nil
}

// seal 重新计算并记录校验和
func (ns *Namespace) seal() {
	ns.checksum = ns.compute()
}

// compute 基于名字和引用计数的校验和
func (ns *Namespace) compute() uint64 {
	h := fnv.New64a()
	h.Write([]byte(ns.name))
	h.Write([]byte{
		byte(ns.refCount), byte(ns.refCount >> 8),
		byte(ns.refCount >> 16), byte(ns.refCount >> 24),
	})
	return h.Sum64()
}

// Validate 校验句柄完整性
func (ns *Namespace) Validate() error {
	if ns == nil || ns.state == StateInvalid {
		return status.Handle
	}
	if ns.refCount > refLimit {
		return status.NSInvalid
	}
	if ns.checksum != ns.compute() {
		return status.Handle
	}
	return nil
}

// Name 命名空间名字
func (ns *Namespace) Name() string {
	return ns.name
}

// RefCount 当前引用计数
func (ns *Namespace) RefCount() int {
	return ns.refCount
}

// State 当前状态
func (ns *Namespace) GetState() State {
	return ns.state
}

// Attach 增加引用并重新封印
func (ns *Namespace) Attach() error {
	if err := ns.Validate(); err != nil {
		return err
	}
	if ns.state != StateActive {
		return status.NSInvalid
	}
	if ns.refCount >= refLimit {
		return status.NSInvalid
	}
	ns.refCount++
	ns.seal()
	return nil
}

// Detach 减少引用并重新封印
// 计数归零时句柄进入 DELETED，名字清零
func (ns *Namespace) Detach() error {
	if err := ns.Validate(); err != nil {
		return err
	}
	if ns.refCount <= 0 {
		return status.NSInvalid
	}

	ns.refCount--
	if ns.refCount == 0 {
		ns.state = StateDeleted
		ns.name = ""
	}
	ns.seal()
	return nil
}

// Destroy 销毁句柄，仍有引用时失败
func (ns *Namespace) Destroy() error {
	if ns == nil {
		return status.Handle
	}
	if ns.refCount > 1 {
		return status.NSBusy
	}
	ns.refCount = 0
	ns.state = StateInvalid
	ns.name = ""
	ns.wait = nil
	ns.checksum = 0
	return nil
}

// WaitGet 取等待队列槽位
func (ns *Namespace) WaitGet(tag int) any {
	if ns.wait == nil || tag < 0 || tag >= len(ns.wait) {
		return nil
	}
	return ns.wait[tag]
}

// WaitSet 放入等待队列槽位
func (ns *Namespace) WaitSet(tag int, v any) bool {
	if ns.wait == nil || tag < 0 || tag >= len(ns.wait) {
		return false
	}
	ns.wait[tag] = v
	return true
}

// WaitClear 清空等待队列槽位
func (ns *Namespace) WaitClear(tag int) {
	if ns.wait == nil || tag < 0 || tag >= len(ns.wait) {
		return
	}
	ns.wait[tag] = nil
}
