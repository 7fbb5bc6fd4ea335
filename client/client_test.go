package client

import (
	"fmt"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-100-precent/LingBroker/backend"
	"github.com/code-100-precent/LingBroker/status"
	"github.com/code-100-precent/LingBroker/utils"
)

// mockNode 脚本化本地节点
type mockNode struct {
	ln      net.Listener
	replies chan string
}

func startMockNode(t *testing.T) *mockNode {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	node := &mockNode{ln: ln, replies: make(chan string, 64)}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 65536)
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

// openClient 对着 mock 节点开客户端
func openClient(t *testing.T, node *mockNode) *Client {
	t.Helper()

	os.Setenv("DBR_SERVER", node.url())
	t.Cleanup(func() { os.Unsetenv("DBR_SERVER") })

	node.script("-ERR This instance has cluster support disabled\r\n")

	c, err := OpenWithConfig(&utils.Config{
		ServerURL: node.url(),
		AuthFile:  "NONE",
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// scriptCreate 命名空间创建的两条响应
func scriptCreate(node *mockNode) {
	node.script(":1\r\n", "+OK\r\n")
}

// TestScenarioBasic 建命名空间、写读取、删除后无法附加
func TestScenarioBasic(t *testing.T) {
	node := startMockNode(t)
	c := openClient(t, node)

	scriptCreate(node)
	ns, err := c.Create("NS1", "users")
	require.NoError(t, err)
	require.NotNil(t, ns)

	// put ("k1", "hello")
	node.script(":1\r\n")
	require.NoError(t, c.Put(ns, "k1", []byte("hello")))

	// read 不消费
	buf := make([]byte, 32)
	node.script("$5\r\nhello\r\n")
	n, err := c.Read(ns, "k1", buf, backend.FlagNone)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, "hello", string(buf[:n]))

	// get 消费
	node.script("$5\r\nhello\r\n")
	n, err = c.Get(ns, "k1", buf, backend.FlagNone)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	// 再读（立即模式）：空
	node.script("$-1\r\n")
	_, err = c.Read(ns, "k1", buf, backend.FlagImmediate)
	assert.Equal(t, status.Unavail, err)

	// delete 成功
	node.script("*2\r\n$1\r\n1\r\n$1\r\n0\r\n", ":0\r\n")
	require.NoError(t, c.Delete("NS1"))

	// 删除后附加：空句柄
	node.script(":0\r\n")
	h, err := c.Attach("NS1")
	assert.Nil(t, h)
	assert.Equal(t, status.NSInvalid, err)
}

// TestScenarioFIFO 同键多条记录按插入序取出
func TestScenarioFIFO(t *testing.T) {
	node := startMockNode(t)
	c := openClient(t, node)

	scriptCreate(node)
	ns, err := c.Create("Q", "")
	require.NoError(t, err)

	for i, v := range []string{"a", "b", "c"} {
		node.script(fmt.Sprintf(":%d\r\n", i+1))
		require.NoError(t, c.Put(ns, "q", []byte(v)))
	}

	buf := make([]byte, 8)
	for _, want := range []string{"a", "b", "c"} {
		node.script(fmt.Sprintf("$1\r\n%s\r\n", want))
		n, err := c.Get(ns, "q", buf, backend.FlagNone)
		require.NoError(t, err)
		assert.Equal(t, want, string(buf[:n]))
	}

	// 第四次（立即模式）：空
	node.script("$-1\r\n")
	_, err = c.Get(ns, "q", buf, backend.FlagImmediate)
	assert.Equal(t, status.Unavail, err)
}

// TestScenarioBinary 含 NUL 的二进制值逐字节还原
func TestScenarioBinary(t *testing.T) {
	node := startMockNode(t)
	c := openClient(t, node)

	scriptCreate(node)
	ns, err := c.Create("BIN", "")
	require.NoError(t, err)

	payload := string([]byte{0x01, 0x00, 0x02})

	node.script(":1\r\n")
	require.NoError(t, c.Put(ns, "k", []byte(payload)))

	buf := make([]byte, 8)
	node.script("$3\r\n" + payload + "\r\n")
	n, err := c.Read(ns, "k", buf, backend.FlagNone)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, payload, string(buf[:3]))
}

// TestScenarioMove 跨命名空间搬移
func TestScenarioMove(t *testing.T) {
	node := startMockNode(t)
	c := openClient(t, node)

	scriptCreate(node)
	nsA, err := c.Create("A", "")
	require.NoError(t, err)
	scriptCreate(node)
	nsB, err := c.Create("B", "")
	require.NoError(t, err)

	node.script(":1\r\n")
	require.NoError(t, c.Put(nsA, "t", []byte("v")))

	// DUMP/RESTORE/DEL
	node.script("$12\r\nserialized-v\r\n", "+OK\r\n", ":1\r\n")
	require.NoError(t, c.Move(nsA, "t", nsB))

	// 目标有值
	buf := make([]byte, 8)
	node.script("$1\r\nv\r\n")
	n, err := c.Get(nsB, "t", buf, backend.FlagNone)
	require.NoError(t, err)
	assert.Equal(t, "v", string(buf[:n]))

	// 源已空
	node.script("$-1\r\n")
	_, err = c.Get(nsA, "t", buf, backend.FlagImmediate)
	assert.Equal(t, status.Unavail, err)
}

// TestScenarioDirectory 目录列举
func TestScenarioDirectory(t *testing.T) {
	node := startMockNode(t)
	c := openClient(t, node)

	scriptCreate(node)
	ns, err := c.Create("NS", "")
	require.NoError(t, err)

	node.script(
		"*2\r\n$2\r\nid\r\n$2\r\nNS\r\n",
		"*2\r\n$1\r\n0\r\n*3\r\n$9\r\nNS::alpha\r\n$8\r\nNS::beta\r\n$9\r\nNS::gamma\r\n",
	)

	buf := make([]byte, 256)
	n, err := c.Directory(ns, "*", buf)
	require.NoError(t, err)
	assert.Equal(t, "alpha\nbeta\ngamma", string(buf[:n]))
}

// TestLocalRefcount 本地句柄引用计数
func TestLocalRefcount(t *testing.T) {
	node := startMockNode(t)
	c := openClient(t, node)

	scriptCreate(node)
	ns, err := c.Create("RC", "")
	require.NoError(t, err)
	assert.Equal(t, 1, ns.RefCount())

	// 两次附加
	for i := 2; i <= 3; i++ {
		node.script(":1\r\n", fmt.Sprintf(":%d\r\n", i))
		h, err := c.Attach("RC")
		require.NoError(t, err)
		assert.Equal(t, ns, h)
		assert.Equal(t, i, ns.RefCount())
	}

	// 三次分离（普通路径：MULTI 块）
	for i := 2; i >= 0; i-- {
		node.script(fmt.Sprintf("+OK\r\n+QUEUED\r\n+QUEUED\r\n*2\r\n:%d\r\n*2\r\n$1\r\n%d\r\n$1\r\n0\r\n", i, i))
		require.NoError(t, c.Detach(ns))
	}
	assert.Equal(t, 0, ns.RefCount())

	// 归零后的句柄失效
	assert.Error(t, validateHandle(ns))
}

// TestTagUniqueness 异步标签互不相同
func TestTagUniqueness(t *testing.T) {
	node := startMockNode(t)
	c := openClient(t, node)

	scriptCreate(node)
	ns, err := c.Create("TAGS", "")
	require.NoError(t, err)

	seen := map[Tag]bool{}
	tags := make([]Tag, 0, 8)
	for i := 0; i < 8; i++ {
		node.script(":1\r\n")
		tag, err := c.PutA(ns, fmt.Sprintf("k%d", i), []byte("v"))
		require.NoError(t, err)
		require.False(t, seen[tag], "tag %d reused while outstanding", tag)
		seen[tag] = true
		tags = append(tags, tag)
	}

	// 全部完成
	for _, tag := range tags {
		done := false
		for i := 0; i < 100 && !done; i++ {
			var err error
			done, _, err = c.Test(tag)
			require.NoError(t, err)
		}
		assert.True(t, done, "tag %d never completed", tag)
	}
}

// TestAsyncCancel 取消尚未重发的阻塞请求
func TestAsyncCancel(t *testing.T) {
	node := startMockNode(t)
	c := openClient(t, node)

	scriptCreate(node)
	ns, err := c.Create("CX", "")
	require.NoError(t, err)

	// 阻塞取空键：每轮驱动都会重发 LPOP，多备几条空响应
	node.script("$-1\r\n", "$-1\r\n", "$-1\r\n", "$-1\r\n")

	buf := make([]byte, 8)
	var retSize int64
	tag, err := c.GetA(ns, "nothing", buf, &retSize)
	require.NoError(t, err)

	// 尚未完成
	done, _, err := c.Test(tag)
	require.NoError(t, err)
	require.False(t, done)

	// 取消后完成记录是 CANCELLED
	require.NoError(t, c.Cancel(tag))

	var lastErr error
	done = false
	for i := 0; i < 100 && !done; i++ {
		done, _, lastErr = c.Test(tag)
	}
	require.True(t, done)
	assert.Equal(t, status.Cancelled, lastErr)
}

// TestArgumentValidation 参数校验在任何后端交互之前失败
func TestArgumentValidation(t *testing.T) {
	node := startMockNode(t)
	c := openClient(t, node)

	// 空句柄
	assert.Equal(t, status.Handle, c.Put(nil, "k", []byte("v")))
	_, err := c.Query(nil)
	assert.Equal(t, status.Handle, err)

	// 非法名字
	_, err = c.Create("", "")
	assert.Equal(t, status.Invalid, err)
	_, err = c.Create("bad::name", "")
	assert.Equal(t, status.Invalid, err)
	_, err = c.Attach("also bad")
	assert.Error(t, err)

	// 非法标签
	_, _, err = c.Test(Tag(-1))
	assert.Equal(t, status.TagError, err)
	assert.Equal(t, status.TagError, c.Cancel(Tag(TagMax)))
}
