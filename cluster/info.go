package cluster

import (
	"fmt"
	"strconv"

	"github.com/code-100-precent/LingBroker/network"
	"github.com/code-100-precent/LingBroker/protocol"
)

/*
 * ============================================================================
 * 集群拓扑信息 - Cluster Info
 * ============================================================================
 *
 * CLUSTER SLOTS 响应的本地模型：按槽区间排列的 ServerInfo 列表。
 * 每个 ServerInfo 是一个槽区间加上负责它的主节点和从节点 URL，
 * 第一个 URL 始终是主节点。
 *
 * 故障转移时 PromoteReplica 把选出的从节点挪到主节点位置，
 * 拓扑快照在变化时整体替换。
 */

// ServerInfo 单个槽区间的节点集合
type ServerInfo struct {
	FirstSlot int
	LastSlot  int
	URLs      []string // [0] 是主节点，其余是从节点
}

// Master 主节点 URL
func (si *ServerInfo) Master() string {
	if len(si.URLs) == 0 {
		return ""
	}
	return si.URLs[0]
}

// Replicas 从节点 URL 列表
func (si *ServerInfo) Replicas() []string {
	if len(si.URLs) <= 1 {
		return nil
	}
	return si.URLs[1:]
}

// ServerCount 区间内节点数（主+从）
func (si *ServerInfo) ServerCount() int {
	return len(si.URLs)
}

// Contains 槽是否落在区间内
func (si *ServerInfo) Contains(slot int) bool {
	return slot >= si.FirstSlot && slot <= si.LastSlot
}

// PromoteReplica 把指定从节点提升为主节点
// 原主节点被移出列表
func (si *ServerInfo) PromoteReplica(url string) bool {
	for i := 1; i < len(si.URLs); i++ {
		if si.URLs[i] == url {
			si.URLs = append([]string{url}, append(si.URLs[1:i], si.URLs[i+1:]...)...)
			return true
		}
	}
	return false
}

// Info 集群拓扑快照
type Info struct {
	Servers []*ServerInfo
}

// FindBySlot 按槽号找区间
func (ci *Info) FindBySlot(slot int) *ServerInfo {
	for _, si := range ci.Servers {
		if si.Contains(slot) {
			return si
		}
	}
	return nil
}

// FindByURL 按任意成员 URL 找区间
func (ci *Info) FindByURL(url string) *ServerInfo {
	for _, si := range ci.Servers {
		for _, u := range si.URLs {
			if u == url {
				return si
			}
		}
	}
	return nil
}

// Validate 校验区间边界和主节点存在性
func (ci *Info) Validate() error {
	for _, si := range ci.Servers {
		if si.FirstSlot < 0 || si.LastSlot >= ClusterSlots || si.FirstSlot > si.LastSlot {
			return fmt.Errorf("cluster: bad slot range %d-%d", si.FirstSlot, si.LastSlot)
		}
		if len(si.URLs) == 0 {
			return fmt.Errorf("cluster: range %d-%d has no master", si.FirstSlot, si.LastSlot)
		}
	}
	return nil
}

// ParseClusterSlots 从 CLUSTER SLOTS 响应构建拓扑
// 响应形状：*N [ first, last, [host, port, id?], [host, port, id?]... ]
func ParseClusterSlots(res *protocol.Result) (*Info, error) {
	if res.Type != protocol.ResultArray {
		return nil, protocol.ErrInvalidFormat
	}

	info := &Info{}
	for i := range res.Elements {
		entry := &res.Elements[i]
		if entry.Type != protocol.ResultArray || len(entry.Elements) < 3 {
			return nil, protocol.ErrInvalidFormat
		}

		first := entry.Elements[0].Int
		last := entry.Elements[1].Int
		if first < 0 || last < first {
			return nil, protocol.ErrInvalidFormat
		}

		si := &ServerInfo{
			FirstSlot: int(first),
			LastSlot:  int(last),
		}

		// 第三个元素起是节点描述 [host, port, ...]
		for j := 2; j < len(entry.Elements); j++ {
			node := &entry.Elements[j]
			if node.Type != protocol.ResultArray || len(node.Elements) < 2 {
				return nil, protocol.ErrInvalidFormat
			}
			host := string(node.Elements[0].Str)
			port := node.Elements[1].Int
			if host == "" || port <= 0 {
				return nil, protocol.ErrInvalidFormat
			}
			si.URLs = append(si.URLs,
				network.URLScheme+host+":"+strconv.FormatInt(port, 10))
		}

		info.Servers = append(info.Servers, si)
	}

	if err := info.Validate(); err != nil {
		return nil, err
	}
	return info, nil
}

// SingleNode 构建单节点拓扑（CLUSTER SLOTS 不可用时的回退）
func SingleNode(url string) (*Info, error) {
	addr, err := network.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Info{
		Servers: []*ServerInfo{
			{FirstSlot: 0, LastSlot: ClusterSlots - 1, URLs: []string{addr.URL()}},
		},
	}, nil
}
