package client

import (
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/code-100-precent/LingBroker/backend"
	"github.com/code-100-precent/LingBroker/namespace"
	"github.com/code-100-precent/LingBroker/protocol"
	"github.com/code-100-precent/LingBroker/status"
	"github.com/code-100-precent/LingBroker/utils"
)

/*
 * ============================================================================
 * 公共 API - Client
 * ============================================================================
 *
 * 引擎之上的薄封装：把用户调用翻译成核心请求，
 * 同步操作投递后阻塞轮询完成记录，异步操作返回标签由 Test 查询。
 *
 * 跨线程调用由一把大锁串行化；核心内部是单线程协作式驱动。
 *
 * 【超时】
 * 阻塞的 get/read 尊重 DBR_TIMEOUT 秒（默认 5，0 表示永不超时）。
 * 等待循环每 0x3FFF 次空转采样一次时钟；超时后对请求登记取消，
 * 继续消化在途活动，最后报告 TIMEOUT。
 */

// Tag 异步操作句柄
type Tag int

// IterHandle 迭代器句柄
type IterHandle int64

// NSHandle 命名空间句柄
type NSHandle = *namespace.Namespace

// timeoutSpinMask 等待循环的时钟采样间隔
const timeoutSpinMask = 0x3FFF

// Client 客户端
type Client struct {
	mu      sync.Mutex
	be      *backend.Backend
	cfg     *utils.Config
	names   *namespace.List
	tags    [TagMax]tagEntry
	tagHead int
}

// Open 按环境变量配置建立客户端
func Open() (*Client, error) {
	return OpenWithConfig(utils.LoadConfig())
}

// OpenWithConfig 按给定配置建立客户端
func OpenWithConfig(cfg *utils.Config) (*Client, error) {
	be, err := backend.ConnectWithConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{
		be:    be,
		cfg:   cfg,
		names: namespace.NewList(),
	}, nil
}

// Close 关闭客户端和引擎
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.be.Exit()
}

// Backend 暴露引擎（转发服务使用）
func (c *Client) Backend() *backend.Backend {
	return c.be
}

/* --------------------------------------------------------- 命名空间操作 */

// Create 创建命名空间并返回本地句柄
func (c *Client) Create(name string, groups string) (NSHandle, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	comp, err := c.execute(&backend.Request{
		Opcode: protocol.OpNSCreate,
		NSName: name,
		Groups: groups,
	}, nil, true)
	if err != nil {
		return nil, err
	}
	if comp.Status != status.Success {
		return nil, comp.Status
	}

	ns, err := namespace.Create(name)
	if err != nil {
		return nil, err
	}
	c.names.Insert(ns)
	return ns, nil
}

// Attach 附加到已有命名空间
// 命名空间不存在时返回空句柄和 NSINVAL
func (c *Client) Attach(name string) (NSHandle, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	comp, err := c.execute(&backend.Request{
		Opcode: protocol.OpNSAttach,
		NSName: name,
	}, nil, true)
	if err != nil {
		return nil, err
	}
	if comp.Status != status.Success {
		return nil, comp.Status
	}

	// 本地已有句柄就增加引用，否则建新句柄
	if ns := c.names.Find(name); ns != nil {
		if err := ns.Attach(); err != nil {
			return nil, err
		}
		return ns, nil
	}

	ns, err := namespace.Create(name)
	if err != nil {
		return nil, err
	}
	c.names.Insert(ns)
	return ns, nil
}

// Detach 从命名空间分离
// 远端引用归零且带删除标记时顺带清除全部数据
func (c *Client) Detach(h NSHandle) error {
	if err := validateHandle(h); err != nil {
		return err
	}

	name := h.Name()

	c.mu.Lock()
	defer c.mu.Unlock()

	comp, err := c.execute(&backend.Request{
		Opcode: protocol.OpNSDetach,
		NS:     h,
		NSName: name,
	}, nil, true)
	if err != nil {
		return err
	}
	if comp.Status != status.Success {
		return comp.Status
	}

	// 本地引用跟着减
	if err := h.Detach(); err != nil {
		return err
	}
	if h.RefCount() == 0 {
		c.names.Remove(name)
	}
	return nil
}

// Delete 标记命名空间待删除
// 真正的数据清除发生在最后一次分离时
func (c *Client) Delete(name string) error {
	if err := checkName(name); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	comp, err := c.execute(&backend.Request{
		Opcode: protocol.OpNSDelete,
		NSName: name,
	}, nil, true)
	if err != nil {
		return err
	}
	if comp.Status != status.Success {
		return comp.Status
	}
	return nil
}

// Query 查询命名空间元数据
func (c *Client) Query(h NSHandle) (*backend.NameMeta, error) {
	if err := validateHandle(h); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	meta := &backend.NameMeta{}
	comp, err := c.execute(&backend.Request{
		Opcode: protocol.OpNSQuery,
		NS:     h,
		NSName: h.Name(),
		Meta:   meta,
	}, nil, true)
	if err != nil {
		return nil, err
	}
	if comp.Status != status.Success {
		return nil, comp.Status
	}
	return meta, nil
}

/* ------------------------------------------------------------- 元组操作 */

// Put 插入一条元组（同步）
func (c *Client) Put(h NSHandle, key string, value []byte) error {
	tag, err := c.PutA(h, key, value)
	if err != nil {
		return err
	}
	return c.waitTagDone(int(tag))
}

// PutA 插入一条元组（异步），返回标签
func (c *Client) PutA(h NSHandle, key string, value []byte) (Tag, error) {
	if err := validateHandle(h); err != nil {
		return TagInval, err
	}
	if err := checkKey(key); err != nil {
		return TagInval, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.postTagged(&backend.Request{
		Opcode: protocol.OpPut,
		NS:     h,
		NSName: h.Name(),
		Key:    key,
		SGE:    [][]byte{value},
	}, nil)
}

// Get 消费式取出（同步阻塞，FIFO 头部）
// flags 带 FlagImmediate 时不等待，键不存在立即返回 UNAVAIL
func (c *Client) Get(h NSHandle, key string, buf []byte, flags backend.ReqFlags) (int64, error) {
	return c.fetch(protocol.OpGet, h, key, buf, flags)
}

// Read 非消费式读取（同步阻塞，FIFO 头部）
func (c *Client) Read(h NSHandle, key string, buf []byte, flags backend.ReqFlags) (int64, error) {
	return c.fetch(protocol.OpRead, h, key, buf, flags)
}

// GetA 消费式取出（异步）
func (c *Client) GetA(h NSHandle, key string, buf []byte, retSize *int64) (Tag, error) {
	return c.fetchA(protocol.OpGet, h, key, buf, retSize)
}

// ReadA 非消费式读取（异步）
func (c *Client) ReadA(h NSHandle, key string, buf []byte, retSize *int64) (Tag, error) {
	return c.fetchA(protocol.OpRead, h, key, buf, retSize)
}

// fetch GET/READ 同步公共路径
func (c *Client) fetch(op protocol.Opcode, h NSHandle, key string, buf []byte, flags backend.ReqFlags) (int64, error) {
	if err := validateHandle(h); err != nil {
		return 0, err
	}
	if err := checkKey(key); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var retSize int64
	comp, err := c.execute(&backend.Request{
		Opcode: op,
		NS:     h,
		NSName: h.Name(),
		Key:    key,
		Flags:  flags,
		SGE:    [][]byte{buf},
	}, &retSize, true)
	if err != nil {
		// 立即模式下的超时降级为不可用
		if err == status.Timeout && flags&backend.FlagImmediate != 0 {
			return 0, status.Unavail
		}
		return 0, err
	}
	if comp.Status != status.Success {
		return 0, comp.Status
	}
	return retSize, nil
}

// fetchA GET/READ 异步公共路径
func (c *Client) fetchA(op protocol.Opcode, h NSHandle, key string, buf []byte, retSize *int64) (Tag, error) {
	if err := validateHandle(h); err != nil {
		return TagInval, err
	}
	if err := checkKey(key); err != nil {
		return TagInval, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.postTagged(&backend.Request{
		Opcode: op,
		NS:     h,
		NSName: h.Name(),
		Key:    key,
		SGE:    [][]byte{buf},
	}, retSize)
}

// Remove 删除一个键下的全部元组
func (c *Client) Remove(h NSHandle, key string) error {
	if err := validateHandle(h); err != nil {
		return err
	}
	if err := checkKey(key); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	comp, err := c.execute(&backend.Request{
		Opcode: protocol.OpRemove,
		NS:     h,
		NSName: h.Name(),
		Key:    key,
	}, nil, true)
	if err != nil {
		return err
	}
	if comp.Status != status.Success {
		return comp.Status
	}
	return nil
}

// Move 把键下的元组整体搬到另一个命名空间
func (c *Client) Move(src NSHandle, key string, dst NSHandle) error {
	if err := validateHandle(src); err != nil {
		return err
	}
	if err := validateHandle(dst); err != nil {
		return err
	}
	if err := checkKey(key); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	comp, err := c.execute(&backend.Request{
		Opcode:    protocol.OpMove,
		NS:        src,
		NSName:    src.Name(),
		DstNSName: dst.Name(),
		Key:       key,
	}, nil, true)
	if err != nil {
		return err
	}
	if comp.Status != status.Success {
		return comp.Status
	}
	return nil
}

// Directory 列出匹配模板的键名，结果以换行分隔写入 buf
func (c *Client) Directory(h NSHandle, pattern string, buf []byte) (int64, error) {
	if err := validateHandle(h); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var retSize int64
	comp, err := c.execute(&backend.Request{
		Opcode: protocol.OpDirectory,
		NS:     h,
		NSName: h.Name(),
		Match:  pattern,
		SGE:    [][]byte{buf},
	}, &retSize, true)
	if err != nil {
		return 0, err
	}
	if comp.Status != status.Success {
		return 0, comp.Status
	}
	return retSize, nil
}

// Iterate 取迭代器的下一个键名
// prev 为 0 时新建迭代器；迭代结束返回 UNAVAIL
func (c *Client) Iterate(h NSHandle, prev IterHandle, buf []byte) (IterHandle, int64, error) {
	if err := validateHandle(h); err != nil {
		return 0, 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var retSize int64
	comp, err := c.execute(&backend.Request{
		Opcode:     protocol.OpIterator,
		NS:         h,
		NSName:     h.Name(),
		IterHandle: int64(prev),
		SGE:        [][]byte{buf},
	}, &retSize, true)
	if err != nil {
		return 0, 0, err
	}
	if comp.Status != status.Success {
		return 0, 0, comp.Status
	}
	return IterHandle(comp.RC), retSize, nil
}

// TestKey 探测键是否存在（非消费、不等待）
func (c *Client) TestKey(h NSHandle, key string) (bool, error) {
	scratch := make([]byte, MaxValueProbe)
	_, err := c.Read(h, key, scratch, backend.FlagImmediate)
	if err == nil {
		return true, nil
	}
	if err == status.Unavail {
		return false, nil
	}
	if err == status.UBuffer {
		// 值太大装不下，但键显然存在
		return true, nil
	}
	return false, err
}

// MaxValueProbe TestKey 的探测缓冲区大小
const MaxValueProbe = 4096

/* ------------------------------------------------------------- 异步完成 */

// Test 查询异步操作是否完成（非阻塞）
// 完成时返回 (true, rc, 完成状态)；未完成返回 (false, 0, nil)
func (c *Client) Test(tag Tag) (bool, int64, error) {
	if tag < 0 || int(tag) >= TagMax {
		return false, 0, status.TagError
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &c.tags[tag]
	if entry.rctx == nil {
		return false, 0, status.TagError
	}

	// 驱动一轮并归档到各标签槽
	c.pump()

	if entry.comp == nil {
		return false, 0, nil
	}

	comp := entry.comp
	c.releaseTag(int(tag))
	if comp.Status != status.Success {
		return true, comp.RC, comp.Status
	}
	return true, comp.RC, nil
}

// Cancel 取消异步操作
func (c *Client) Cancel(tag Tag) error {
	if tag < 0 || int(tag) >= TagMax {
		return status.TagError
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &c.tags[tag]
	if entry.rctx == nil {
		return status.TagError
	}

	c.be.Cancel(entry.rctx)
	return nil
}

/* ------------------------------------------------------------- 内部机件 */

// postTagged 分配标签并投递（调用方持锁）
func (c *Client) postTagged(req *backend.Request, retSize *int64) (Tag, error) {
	tag := c.getTag()
	if tag == TagInval {
		return TagInval, status.TagError
	}

	req.User = tag
	rctx, err := backend.NewRequestCtx(req, tag, retSize)
	if err != nil {
		return TagInval, err
	}

	if !c.claimTag(tag, rctx) {
		return TagInval, status.TagError
	}

	if err := c.be.Post(rctx); err != nil {
		c.releaseTag(tag)
		return TagInval, err
	}
	return Tag(tag), nil
}

// execute 同步执行：投递 + 等待完成（调用方持锁）
func (c *Client) execute(req *backend.Request, retSize *int64, enableTimeout bool) (*backend.Completion, error) {
	tag, err := c.postTagged(req, retSize)
	if err != nil {
		return nil, err
	}
	return c.wait(int(tag), enableTimeout)
}

// pump 驱动引擎并把完成记录归档到标签槽（调用方持锁）
func (c *Client) pump() {
	for {
		comp := c.be.TestAny()
		if comp == nil {
			return
		}
		c.fileCompletion(comp)
	}
}

// fileCompletion 按 User 携带的标签归档完成记录
func (c *Client) fileCompletion(comp *backend.Completion) {
	tag, ok := comp.User.(int)
	if !ok || tag < 0 || tag >= TagMax {
		log.WithField("user", comp.User).Warn("completion with unknown tag dropped")
		return
	}
	c.tags[tag].comp = comp
}

// wait 等待指定标签的完成记录（调用方持锁）
func (c *Client) wait(tag int, enableTimeout bool) (*backend.Completion, error) {
	var deadline time.Time
	checkClock := enableTimeout && !c.cfg.NoTimeout()
	if checkClock {
		deadline = time.Now().Add(c.cfg.Timeout)
	}

	entry := &c.tags[tag]
	spins := 0

	for {
		if comp := c.be.TestAny(); comp != nil {
			c.fileCompletion(comp)
		}

		if entry.comp != nil {
			comp := entry.comp
			c.releaseTag(tag)
			return comp, nil
		}

		spins++
		if checkClock && spins&timeoutSpinMask == 0 && time.Now().After(deadline) {
			return c.abandonWait(tag)
		}
	}
}

// abandonWait 超时路径：登记取消，消化残余活动后报告超时
func (c *Client) abandonWait(tag int) (*backend.Completion, error) {
	entry := &c.tags[tag]
	c.be.Cancel(entry.rctx)

	// 等取消的完成记录把标签腾出来
	for i := 0; i < timeoutSpinMask; i++ {
		if comp := c.be.TestAny(); comp != nil {
			c.fileCompletion(comp)
		}
		if entry.comp != nil {
			break
		}
	}

	c.releaseTag(tag)
	return nil, status.Timeout
}

// waitTagDone 同步 Put 的收尾
func (c *Client) waitTagDone(tag int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	comp, err := c.wait(tag, true)
	if err != nil {
		return err
	}
	if comp.Status != status.Success {
		return comp.Status
	}
	return nil
}

/* --------------------------------------------------------------- 校验 */

// checkName 命名空间名字校验
func checkName(name string) error {
	if name == "" || len(name) > 1023 {
		return status.Invalid
	}
	if strings.Contains(name, "::") || strings.ContainsAny(name, "*? \r\n") {
		return status.Invalid
	}
	return nil
}

// checkKey 键名校验
func checkKey(key string) error {
	if key == "" || len(key) > 1023 {
		return status.Invalid
	}
	return nil
}

// validateHandle 句柄校验
func validateHandle(h NSHandle) error {
	if h == nil {
		return status.Handle
	}
	// 计数归零后句柄处于 DELETED，不能再使用
	if h.GetState() == namespace.StateDeleted {
		return status.Handle
	}
	if err := h.Validate(); err != nil {
		if code, ok := err.(status.Code); ok {
			return code
		}
		return status.Handle
	}
	return nil
}
