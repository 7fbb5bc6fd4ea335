package cluster

import (
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/code-100-precent/LingBroker/network"
	"github.com/code-100-precent/LingBroker/protocol"
	"github.com/code-100-precent/LingBroker/utils"
)

/*
 * ============================================================================
 * 连接管理器 - Connection Manager
 * ============================================================================
 *
 * 【结构】
 * 两个容量 MaxConnections 的平行数组：活跃连接和故障连接，下标一致；
 * 外加每下标一个槽位图。一个连接要么在活跃槽 i、要么在故障槽 i，
 * 绝不同时出现在两边。
 *
 * 【恢复状态机】
 * 发送端发现槽覆盖不完整时调用 ConnRecover：
 * 1. 对每个故障槽尝试原地重连；重连成功但节点已降级为从节点时，
 *    刷新拓扑并改连新主节点
 * 2. 仍在重连窗口内的留到下一轮
 * 3. 超出窗口的走从节点提升：跳过故障主节点逐个尝试从节点，
 *    连上后更新拓扑里的主节点记录，再用 ROLE 验证集群侧的
 *    故障转移是否已完成；未完成时等待 250ms 后重试
 *
 * 返回值驱动发送端：
 * - Recovered: 覆盖恢复完整，继续发送
 * - Recoverable: 本轮跳过，下个 tick 重试
 * - Unrecoverable: 把重试队列全部以 NOCONNECT 完成
 */

const (
	// MaxConnections 连接槽位总数
	MaxConnections = 256

	// ReplicaWait 等待集群侧故障转移完成的间隔
	ReplicaWait = 250 * time.Millisecond

	// pollInterval 事件管理器默认轮询间隔
	pollInterval = time.Second
)

// ConnectionManager 连接管理器
type ConnectionManager struct {
	active   [MaxConnections]*network.Connection
	broken   [MaxConnections]*network.Connection
	bitmaps  [MaxConnections]*SlotBitmap
	eventMgr *network.EventManager
	count    int
	authFile string
}

// NewConnectionManager 创建管理器和事件管理器
func NewConnectionManager(authFile string) (*ConnectionManager, error) {
	em, err := network.NewEventManager()
	if err != nil {
		return nil, err
	}
	cm := &ConnectionManager{
		eventMgr: em,
		authFile: authFile,
	}
	for i := range cm.bitmaps {
		cm.bitmaps[i] = &SlotBitmap{}
	}
	return cm, nil
}

// Exit 关闭所有连接并释放事件管理器
func (cm *ConnectionManager) Exit() {
	for i := 0; i < MaxConnections; i++ {
		if c := cm.active[i]; c != nil {
			cm.eventMgr.Rm(c)
			c.Destroy()
			cm.active[i] = nil
		}
		if c := cm.broken[i]; c != nil {
			c.Destroy()
			cm.broken[i] = nil
		}
		cm.bitmaps[i].Reset()
	}
	cm.count = 0
	cm.eventMgr.Close()
}

// ConnectionCount 活跃连接数
func (cm *ConnectionManager) ConnectionCount() int {
	return cm.count
}

// AuthFile 认证文件路径
func (cm *ConnectionManager) AuthFile() string {
	return cm.authFile
}

// EventManager 就绪事件管理器
func (cm *ConnectionManager) EventManager() *network.EventManager {
	return cm.eventMgr
}

// ConnectionAt 按下标取活跃连接
func (cm *ConnectionManager) ConnectionAt(idx int) *network.Connection {
	if idx < 0 || idx >= MaxConnections {
		return nil
	}
	return cm.active[idx]
}

// Bitmap 按下标取槽位图
func (cm *ConnectionManager) Bitmap(idx int) *SlotBitmap {
	if idx < 0 || idx >= MaxConnections {
		return nil
	}
	return cm.bitmaps[idx]
}

// ActiveConnections 按下标序返回所有活跃连接
func (cm *ConnectionManager) ActiveConnections() []*network.Connection {
	conns := make([]*network.Connection, 0, cm.count)
	for i := 0; i < MaxConnections; i++ {
		if cm.active[i] != nil {
			conns = append(conns, cm.active[i])
		}
	}
	return conns
}

// AnyReady 任选一个就绪连接
func (cm *ConnectionManager) AnyReady() *network.Connection {
	for i := 0; i < MaxConnections; i++ {
		if c := cm.active[i]; c != nil && c.Ready() {
			return c
		}
	}
	return nil
}

// FindByAddr 按地址找活跃连接
func (cm *ConnectionManager) FindByAddr(addr network.Address) *network.Connection {
	for i := 0; i < MaxConnections; i++ {
		if c := cm.active[i]; c != nil && c.Addr() == addr {
			return c
		}
	}
	return nil
}

// Add 把就绪连接放入第一个空闲槽位并注册事件
// 槽位耗尽返回 ENOMEM
func (cm *ConnectionManager) Add(conn *network.Connection) (int, error) {
	if conn == nil || !conn.Ready() {
		return IndexInval, unix.EINVAL
	}

	for i := 0; i < MaxConnections; i++ {
		if cm.active[i] == nil && cm.broken[i] == nil {
			cm.active[i] = conn
			conn.SetIndex(i)
			cm.bitmaps[i].Reset()
			cm.count++
			if err := cm.eventMgr.Add(conn); err != nil {
				cm.active[i] = nil
				cm.count--
				return IndexInval, err
			}
			return i, nil
		}
	}
	return IndexInval, unix.ENOMEM
}

// NewLink 建立到 url 的新连接并纳入管理
func (cm *ConnectionManager) NewLink(url string) (*network.Connection, int, error) {
	conn := network.NewConnection(network.DefaultRecvBufSize)
	if err := conn.Link(url, cm.authFile); err != nil {
		conn.Destroy()
		return nil, IndexInval, err
	}

	idx, err := cm.Add(conn)
	if err != nil {
		conn.Destroy()
		return nil, IndexInval, err
	}
	return conn, idx, nil
}

// ConnFail 把连接从活跃槽挪到同下标的故障槽
// socket 关闭但地址保留用于重连
func (cm *ConnectionManager) ConnFail(conn *network.Connection) {
	idx := conn.Index()
	if idx < 0 || idx >= MaxConnections || cm.active[idx] != conn {
		return
	}

	cm.eventMgr.Rm(conn)
	conn.Unlink()
	cm.active[idx] = nil
	cm.broken[idx] = conn
	cm.count--

	log.WithFields(log.Fields{"url": conn.URL(), "index": idx}).Warn("connection failed")
}

// Rm 按身份移除连接（活跃或故障槽），不存在返回 ENOENT
func (cm *ConnectionManager) Rm(conn *network.Connection) error {
	for i := 0; i < MaxConnections; i++ {
		if cm.active[i] == conn {
			cm.eventMgr.Rm(conn)
			cm.active[i] = nil
			cm.bitmaps[i].Reset()
			cm.count--
			return nil
		}
		if cm.broken[i] == conn {
			cm.broken[i] = nil
			cm.bitmaps[i].Reset()
			return nil
		}
	}
	return unix.ENOENT
}

// reactivate 故障槽重连成功后放回活跃槽
func (cm *ConnectionManager) reactivate(idx int, conn *network.Connection) {
	cm.broken[idx] = nil
	cm.active[idx] = conn
	conn.SetIndex(idx)
	cm.count++
	cm.eventMgr.Add(conn)
}

// syncCommand 同步收发一条管理命令
// 返回的结果引用接收缓冲区，调用方取完数据后必须 Reset
func (cm *ConnectionManager) syncCommand(conn *network.Connection, cmd []byte) (protocol.Result, error) {
	buf := conn.RecvBuffer()
	buf.Reset()

	if err := conn.SendRaw(cmd); err != nil {
		return protocol.Result{}, err
	}

	for {
		if _, err := conn.RecvBase(); err != nil {
			return protocol.Result{}, err
		}
		res, err := protocol.Parse(buf)
		if err == protocol.ErrAgain {
			continue
		}
		if err != nil {
			return protocol.Result{}, err
		}
		return res, nil
	}
}

// IsMaster 用 ROLE 探测节点角色
// 返回 1 主节点、0 从节点、负值表示探测失败
func (cm *ConnectionManager) IsMaster(conn *network.Connection) int {
	res, err := cm.syncCommand(conn, protocol.EncodeCommand("ROLE"))
	if err != nil {
		return -1
	}
	defer conn.RecvBuffer().Reset()

	if res.Type != protocol.ResultArray || len(res.Elements) == 0 {
		return -1
	}
	if string(res.Elements[0].Str) == "master" {
		return 1
	}
	return 0
}

// GetClusterInfo 从任意就绪连接取集群拓扑
// 全部失败时回退为 DBR_SERVER 环境变量指定的单节点拓扑
func (cm *ConnectionManager) GetClusterInfo() (*Info, error) {
	if conn := cm.AnyReady(); conn != nil {
		res, err := cm.syncCommand(conn, protocol.EncodeCommand("CLUSTER", "SLOTS"))
		if err == nil {
			info, perr := ParseClusterSlots(&res)
			conn.RecvBuffer().Reset()
			if perr == nil && len(info.Servers) > 0 {
				return info, nil
			}
		} else {
			conn.RecvBuffer().Reset()
		}
	}

	// 单节点回退
	url := utils.GetEnvWithDefault("DBR_SERVER", utils.DefaultServer)
	return SingleNode(url)
}

// Bootstrap 初始建连：连接入口节点、取拓扑、为每个主节点建链
// 返回拓扑快照；locator 和位图按拓扑填充
func (cm *ConnectionManager) Bootstrap(entryURL string, locator *SlotLocator) (*Info, error) {
	entry, _, err := cm.NewLink(entryURL)
	if err != nil {
		return nil, err
	}

	info, err := cm.GetClusterInfo()
	if err != nil {
		return nil, err
	}

	for _, si := range info.Servers {
		master := si.Master()

		// 入口连接本身就是某个区间的主节点时复用
		conn := cm.findByURL(master)
		if conn == nil {
			var cerr error
			conn, _, cerr = cm.NewLink(master)
			if cerr != nil {
				return nil, cerr
			}
		}

		idx := conn.Index()
		cm.bitmaps[idx].SetRange(si.FirstSlot, si.LastSlot)
		locator.AssociateRange(si.FirstSlot, si.LastSlot, idx)
	}

	// 入口节点不负责任何槽时断开（例如指向了从节点）
	if cm.bitmaps[entry.Index()].Count() == 0 && cm.count > 1 {
		cm.Rm(entry)
		entry.Destroy()
	}

	log.WithFields(log.Fields{
		"servers":     len(info.Servers),
		"connections": cm.count,
	}).Debug("cluster bootstrap complete")

	return info, nil
}

// findByURL 按 URL 找活跃连接
func (cm *ConnectionManager) findByURL(url string) *network.Connection {
	addr, err := network.ParseURL(url)
	if err != nil {
		return nil
	}
	return cm.FindByAddr(addr)
}

// ConnRecover 恢复状态机，见文件头注释
// 可能更新并返回新的拓扑快照
func (cm *ConnectionManager) ConnRecover(locator *SlotLocator, info *Info) (network.RecoverState, *Info) {
	for idx := 0; idx < MaxConnections; idx++ {
		conn := cm.broken[idx]
		if conn == nil {
			continue
		}

		state := conn.Recoverable()

		if state != network.Unrecoverable && conn.Reconnect(cm.authFile) == nil {
			// 原地重连成功，确认节点还是不是主节点
			role := cm.IsMaster(conn)
			if role == 1 {
				cm.reactivate(idx, conn)
				locator.AssignBitmap(cm.bitmaps[idx], idx)
				log.WithField("url", conn.URL()).Info("connection recovered in place")
				continue
			}

			// 节点以从节点身份回来了：刷新拓扑，改连新主节点
			newInfo, state := cm.relinkToNewMaster(idx, conn, locator, info)
			if newInfo != nil {
				info = newInfo
			}
			if state != network.Recovered {
				return state, info
			}
			continue
		}

		if state == network.Recoverable {
			// 还在重连窗口内，下个 tick 再试
			return network.Recoverable, info
		}

		// 超出窗口：走从节点提升
		st := cm.promoteReplica(idx, conn, locator, info)
		if st != network.Recovered {
			return st, info
		}
	}

	if locator.Covered() {
		return network.Recovered, info
	}
	return network.Recoverable, info
}

// relinkToNewMaster 节点降级后按新拓扑改连主节点
func (cm *ConnectionManager) relinkToNewMaster(idx int, old *network.Connection, locator *SlotLocator, info *Info) (*Info, network.RecoverState) {
	fresh, err := cm.GetClusterInfo()
	if err != nil {
		return nil, network.Recoverable
	}

	// 用原位图确定这个连接负责过的槽区间
	firstSlot := -1
	cm.bitmaps[idx].Each(func(s int) {
		if firstSlot < 0 {
			firstSlot = s
		}
	})

	si := fresh.FindBySlot(firstSlot)
	if si == nil {
		return fresh, network.Recoverable
	}

	// 旧连接彻底丢弃
	cm.broken[idx] = nil
	cm.bitmaps[idx].Reset()
	old.Destroy()

	conn, newIdx, err := cm.NewLink(si.Master())
	if err != nil {
		return fresh, network.Recoverable
	}

	cm.bitmaps[newIdx].SetRange(si.FirstSlot, si.LastSlot)
	locator.AssociateRange(si.FirstSlot, si.LastSlot, newIdx)

	log.WithFields(log.Fields{"old": old.URL(), "new": conn.URL()}).Info("relinked to new master")
	return fresh, network.Recovered
}

// promoteReplica 主节点不可恢复时逐个尝试从节点
func (cm *ConnectionManager) promoteReplica(idx int, failed *network.Connection, locator *SlotLocator, info *Info) network.RecoverState {
	if info == nil {
		return network.Unrecoverable
	}

	si := info.FindByURL(failed.URL())
	if si == nil {
		// 拓扑里找不到：没有可用的替代节点
		return network.Unrecoverable
	}

	// 区间只有单个节点：无从节点可提升
	if si.ServerCount() <= 1 {
		return network.Unrecoverable
	}

	for _, replica := range si.Replicas() {
		if replica == failed.URL() {
			continue
		}

		conn, newIdx, err := cm.NewLink(replica)
		if err != nil {
			// 从节点还没就绪，故障槽位保留，下个 tick 再试
			time.Sleep(ReplicaWait)
			return network.Recoverable
		}

		// 链上了才移除故障连接
		cm.Rm(failed)

		cm.bitmaps[newIdx].SetRange(si.FirstSlot, si.LastSlot)
		locator.AssociateRange(si.FirstSlot, si.LastSlot, newIdx)

		// 拓扑记录里把这个从节点标为主节点
		si.PromoteReplica(replica)
		failed.Destroy()

		// 验证集群侧的故障转移是否已经完成
		role := cm.IsMaster(conn)
		if role != 1 {
			// 还是从节点：集群故障转移未完成
			cm.ConnFail(conn)
			locator.DisassociateConnIndex(newIdx)
			time.Sleep(ReplicaWait)
			return network.Recoverable
		}

		log.WithFields(log.Fields{"replica": replica, "range": si.FirstSlot}).
			Warn("replica promoted to master")
		return network.Recovered
	}

	return network.Unrecoverable
}
