package cluster

import (
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-100-precent/LingBroker/network"
)

// mockNode 本地脚本化节点：每读到一次请求就回放队列里的下一条响应
type mockNode struct {
	ln      net.Listener
	replies chan string
}

func startMockNode(t *testing.T) *mockNode {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	node := &mockNode{ln: ln, replies: make(chan string, 32)}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 8192)
				for {
					if _, err := c.Read(buf); err != nil {
						return
					}
					select {
					case reply := <-node.replies:
						c.Write([]byte(reply))
					default:
						return
					}
				}
			}(conn)
		}
	}()

	return node
}

func (n *mockNode) url() string {
	return "sock://" + n.ln.Addr().String()
}

func (n *mockNode) script(replies ...string) {
	for _, r := range replies {
		n.replies <- r
	}
}

func newTestManager(t *testing.T) *ConnectionManager {
	t.Helper()
	cm, err := NewConnectionManager("NONE")
	require.NoError(t, err)
	t.Cleanup(cm.Exit)
	return cm
}

// TestConnMgrLifecycle 连接加入、故障、移除
func TestConnMgrLifecycle(t *testing.T) {
	node := startMockNode(t)
	cm := newTestManager(t)

	conn, idx, err := cm.NewLink(node.url())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, 1, cm.ConnectionCount())
	assert.Equal(t, conn, cm.ConnectionAt(idx))
	assert.Equal(t, conn, cm.AnyReady())

	// 故障：挪到同下标故障槽
	cm.ConnFail(conn)
	assert.Equal(t, 0, cm.ConnectionCount())
	assert.Nil(t, cm.ConnectionAt(idx))
	assert.Nil(t, cm.AnyReady())

	// 按身份移除（在故障槽里）
	require.NoError(t, cm.Rm(conn))
	assert.Error(t, cm.Rm(conn))
}

// TestConnMgrFindByAddr 按地址查找
func TestConnMgrFindByAddr(t *testing.T) {
	node := startMockNode(t)
	cm := newTestManager(t)

	conn, _, err := cm.NewLink(node.url())
	require.NoError(t, err)

	assert.Equal(t, conn, cm.FindByAddr(conn.Addr()))
}

// TestIsMaster ROLE 探测
func TestIsMaster(t *testing.T) {
	node := startMockNode(t)
	cm := newTestManager(t)

	conn, _, err := cm.NewLink(node.url())
	require.NoError(t, err)

	node.script("*3\r\n$6\r\nmaster\r\n:3129659\r\n*0\r\n")
	assert.Equal(t, 1, cm.IsMaster(conn))

	node.script("*5\r\n$5\r\nslave\r\n$4\r\nhost\r\n:7000\r\n$9\r\nconnected\r\n:3129659\r\n")
	assert.Equal(t, 0, cm.IsMaster(conn))
}

// TestGetClusterInfoFallback CLUSTER SLOTS 不可用时回退单节点
func TestGetClusterInfoFallback(t *testing.T) {
	node := startMockNode(t)
	cm := newTestManager(t)

	_, _, err := cm.NewLink(node.url())
	require.NoError(t, err)

	os.Setenv("DBR_SERVER", node.url())
	defer os.Unsetenv("DBR_SERVER")

	// 单机模式下 CLUSTER 命令报错
	node.script("-ERR This instance has cluster support disabled\r\n")

	info, err := cm.GetClusterInfo()
	require.NoError(t, err)
	require.Len(t, info.Servers, 1)
	assert.Equal(t, 0, info.Servers[0].FirstSlot)
	assert.Equal(t, ClusterSlots-1, info.Servers[0].LastSlot)
}

// TestBootstrapSingleNode 单节点引导后槽覆盖完整
func TestBootstrapSingleNode(t *testing.T) {
	node := startMockNode(t)
	cm := newTestManager(t)

	os.Setenv("DBR_SERVER", node.url())
	defer os.Unsetenv("DBR_SERVER")

	node.script("-ERR This instance has cluster support disabled\r\n")

	locator := NewSlotLocator()
	info, err := cm.Bootstrap(node.url(), locator)
	require.NoError(t, err)
	require.Len(t, info.Servers, 1)

	assert.True(t, locator.Covered())
	assert.Equal(t, 1, cm.ConnectionCount())

	// 所有槽都指向同一个连接
	idx := locator.GetConnIndex(0)
	assert.Equal(t, idx, locator.GetConnIndex(ClusterSlots-1))
	assert.Equal(t, ClusterSlots, cm.Bitmap(idx).Count())
}

// TestConnRecoverInPlace 节点还活着时原地重连恢复
func TestConnRecoverInPlace(t *testing.T) {
	node := startMockNode(t)
	cm := newTestManager(t)

	os.Setenv("DBR_SERVER", node.url())
	defer os.Unsetenv("DBR_SERVER")

	node.script("-ERR This instance has cluster support disabled\r\n")

	locator := NewSlotLocator()
	info, err := cm.Bootstrap(node.url(), locator)
	require.NoError(t, err)

	conn := cm.AnyReady()
	require.NotNil(t, conn)
	idx := conn.Index()

	// 断开连接：覆盖出现缺口
	cm.ConnFail(conn)
	locator.DisassociateConnIndex(idx)
	require.False(t, locator.Covered())

	// 重连后节点仍是主节点
	node.script("*3\r\n$6\r\nmaster\r\n:0\r\n*0\r\n")

	state, _ := cm.ConnRecover(locator, info)
	assert.Equal(t, network.Recovered, state)
	assert.True(t, locator.Covered())
	assert.Equal(t, 1, cm.ConnectionCount())
}
