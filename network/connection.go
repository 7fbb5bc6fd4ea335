package network

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/code-100-precent/LingBroker/transport"
	"github.com/code-100-precent/LingBroker/utils"
)

/*
 * ============================================================================
 * 节点连接 - Connection
 * ============================================================================
 *
 * 到单个 Redis 节点的 TCP 连接，使用原始文件描述符以配合
 * epoll 就绪通知和 writev 向量化发送。
 *
 * 【状态机】
 *   UNSPEC -> INITIALIZED -> CONNECTED -> AUTHORIZED <-> PENDING_DATA
 *                                  |           |
 *                                  v           v
 *                              (认证失败)  DISCONNECTED / FAILED
 *
 * 就绪判定：状态为 AUTHORIZED 或 PENDING_DATA 时连接可收可发（RTR/RTS）。
 *
 * 【接收语义】
 * recv 返回恰好填满请求字节数时说明内核缓冲可能还有数据，
 * 状态进入 PENDING_DATA；不足时回到 AUTHORIZED。
 * 对端关闭（读到 0 字节）标记 FAILED。
 */

// ConnStatus 连接状态
type ConnStatus int

const (
	ConnUnspec ConnStatus = iota
	ConnInitialized
	ConnConnected
	ConnAuthorized
	ConnPendingData
	ConnDisconnected
	ConnFailed
)

// RecoverState 恢复判定结果
type RecoverState int

const (
	Recovered     RecoverState = iota // 已恢复或无需恢复
	Recoverable                       // 仍在超时窗口内，可重试
	Unrecoverable                     // 超出窗口，放弃
)

const (
	// ReconnectTimeout 断连后允许重连的时间窗口
	ReconnectTimeout = 10 * time.Second

	// DefaultRecvBufSize 默认接收缓冲区大小
	DefaultRecvBufSize = 128 * 1024
)

func (s ConnStatus) String() string {
	switch s {
	case ConnInitialized:
		return "initialized"
	case ConnConnected:
		return "connected"
	case ConnAuthorized:
		return "authorized"
	case ConnPendingData:
		return "pending-data"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	default:
		return "unspec"
	}
}

// Connection 到单个节点的连接
type Connection struct {
	fd        int
	addr      Address
	url       string
	status    ConnStatus
	recvBuf   *transport.SRBuffer
	lastAlive time.Time
	index     int // 连接管理器中的槽位下标
}

// NewConnection 创建连接对象并分配接收缓冲区
func NewConnection(recvBufSize int) *Connection {
	if recvBufSize <= 0 {
		recvBufSize = DefaultRecvBufSize
	}
	return &Connection{
		fd:      -1,
		status:  ConnInitialized,
		recvBuf: transport.NewSRBuffer(recvBufSize),
		index:   -1,
	}
}

// Socket 文件描述符
func (c *Connection) Socket() int {
	return c.fd
}

// Status 当前状态
func (c *Connection) Status() ConnStatus {
	return c.status
}

// SetStatus 设置状态（接收端根据填充程度调整）
func (c *Connection) SetStatus(s ConnStatus) {
	c.status = s
}

// Addr 节点地址
func (c *Connection) Addr() Address {
	return c.addr
}

// URL 节点 URL
func (c *Connection) URL() string {
	return c.url
}

// Index 管理器槽位下标
func (c *Connection) Index() int {
	return c.index
}

// SetIndex 由连接管理器分配槽位时设置
func (c *Connection) SetIndex(idx int) {
	c.index = idx
}

// RecvBuffer 接收缓冲区（接收端独占使用）
func (c *Connection) RecvBuffer() *transport.SRBuffer {
	return c.recvBuf
}

// Ready 是否可收发（RTR/RTS）
func (c *Connection) Ready() bool {
	return c.status == ConnAuthorized || c.status == ConnPendingData
}

// Link 连接到 url 指定的节点并完成 AUTH 握手
// 认证失败时状态停留在 CONNECTED（未授权），视为不可恢复
func (c *Connection) Link(url string, authFile string) error {
	addr, err := ParseURL(url)
	if err != nil {
		return err
	}

	candidates, err := addr.Resolve()
	if err != nil {
		return err
	}

	// 逐个候选地址尝试建连
	var lastErr error = unix.EHOSTUNREACH
	for _, cand := range candidates {
		fd, err := c.connectTCP(cand.IP, cand.Port)
		if err != nil {
			lastErr = err
			continue
		}
		c.fd = fd
		c.addr = addr
		c.url = addr.URL()
		c.status = ConnConnected
		lastErr = nil
		break
	}
	if lastErr != nil {
		return lastErr
	}

	log.WithFields(log.Fields{"url": c.url, "fd": c.fd}).Debug("connection linked")

	if err := c.authenticate(authFile); err != nil {
		// 状态停留在 CONNECTED，调用方据此判定不可恢复
		log.WithFields(log.Fields{"url": c.url, "err": err}).Warn("authentication failed")
		return err
	}

	c.status = ConnAuthorized
	c.lastAlive = time.Now()
	return nil
}

// connectTCP 建立 TCP 连接，返回文件描述符
func (c *Connection) connectTCP(ip []byte, port int) (int, error) {
	var (
		fd  int
		err error
		sa  unix.Sockaddr
	)

	if ip4 := ipTo4(ip); ip4 != nil {
		fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return -1, err
		}
		sa4 := &unix.SockaddrInet4{Port: port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else {
		fd, err = unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return -1, err
		}
		sa6 := &unix.SockaddrInet6{Port: port}
		copy(sa6.Addr[:], ip)
		sa = sa6
	}

	if err = unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}

	// 禁用 Nagle，管道化发送依赖及时刷出
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	return fd, nil
}

// ipTo4 返回 4 字节形式的 IPv4 地址，非 IPv4 返回 nil
func ipTo4(ip []byte) []byte {
	if len(ip) == 4 {
		return ip
	}
	// IPv4-in-IPv6
	if len(ip) == 16 {
		for i := 0; i < 10; i++ {
			if ip[i] != 0 {
				return nil
			}
		}
		if ip[10] == 0xff && ip[11] == 0xff {
			return ip[12:16]
		}
	}
	return nil
}

// authenticate 执行 AUTH 握手
// 认证文件为字面值 NONE 时跳过
func (c *Connection) authenticate(authFile string) error {
	secret, err := utils.ReadAuthFile(authFile)
	if err != nil {
		return err
	}
	if secret == "" {
		// NONE 或空认证文件
		return nil
	}

	cmd := fmt.Sprintf("*2\r\n$4\r\nAUTH\r\n$%d\r\n%s\r\n", len(secret), secret)
	if err := c.writeAll([]byte(cmd)); err != nil {
		return err
	}

	// 同步等待 +OK\r\n
	reply := make([]byte, 64)
	n, err := c.readOnce(reply)
	if err != nil {
		return err
	}
	if n < 5 || string(reply[:5]) != "+OK\r\n" {
		return unix.EACCES
	}
	return nil
}

// Send 发送缓冲区中的全部有效数据
// 单缓冲发送要求一次写完，部分写视为 EBADMSG
func (c *Connection) Send(buf *transport.SRBuffer) error {
	if !c.Ready() && c.status != ConnConnected {
		return unix.ENOTCONN
	}

	data := buf.Bytes()
	n, err := c.write(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return unix.EBADMSG
	}
	return nil
}

// SendCmd 通过 writev 向量化发送 SGE 列表
// 允许部分发送：未写完的条目前移后继续，直到全部写出
func (c *Connection) SendCmd(sges []transport.SGE) (int, error) {
	if len(sges) == 0 {
		return 0, nil
	}
	if !c.Ready() {
		return 0, unix.ENOTCONN
	}

	total := 0
	iov := make([][]byte, len(sges))
	for i, s := range sges {
		iov[i] = s.Data
	}

	for len(iov) > 0 {
		n, err := unix.Writev(c.fd, iov)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return total, err
		}
		total += n

		// 跳过已经写完的条目，部分写的条目切掉已写前缀
		for n > 0 && len(iov) > 0 {
			if n >= len(iov[0]) {
				n -= len(iov[0])
				iov = iov[1:]
			} else {
				iov[0] = iov[0][n:]
				n = 0
			}
		}
	}

	return total, nil
}

// RecvBase 从 socket 读入接收缓冲区的 available 位置
// 返回读到的字节数；对端关闭返回 ENOTCONN 并标记 FAILED
func (c *Connection) RecvBase() (int, error) {
	space := c.recvBuf.WritableBytes()
	if len(space) == 0 {
		return 0, nil
	}

	n, err := c.readOnce(space)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		// 对端关闭
		c.status = ConnFailed
		return 0, unix.ENOTCONN
	}

	c.recvBuf.AddData(n, false)
	c.lastAlive = time.Now()

	// 恰好填满请求的字节数说明内核里可能还有数据
	if n == len(space) {
		c.status = ConnPendingData
	} else {
		c.status = ConnAuthorized
	}
	return n, nil
}

// Recv 仅在缓冲区为空且状态为 PENDING_DATA 时才真正读 socket
func (c *Connection) Recv() (int, error) {
	if !c.recvBuf.Empty() {
		return c.recvBuf.Unprocessed(), nil
	}
	if c.status != ConnPendingData {
		return 0, nil
	}
	c.recvBuf.Reset()
	return c.RecvBase()
}

// RecvMore 解析器遇到不完整输入时补充更多数据
// 缓冲区写满时先紧凑，回收已消费的前缀
func (c *Connection) RecvMore() (int, error) {
	if c.recvBuf.Remaining() == 0 {
		c.recvBuf.Compact()
		if c.recvBuf.Remaining() == 0 {
			return 0, unix.ENOBUFS
		}
	}
	return c.RecvBase()
}

// Recoverable 判定断连后的恢复能力
func (c *Connection) Recoverable() RecoverState {
	if c.status == ConnConnected || c.Ready() {
		return Recovered
	}
	if time.Since(c.lastAlive) < ReconnectTimeout {
		return Recoverable
	}
	return Unrecoverable
}

// Reconnect 复用保存的地址重新建连并认证
func (c *Connection) Reconnect(authFile string) error {
	if c.addr.Empty() {
		return unix.EDESTADDRREQ
	}
	if c.fd >= 0 {
		unix.Close(c.fd)
		c.fd = -1
	}

	if err := c.Link(c.url, authFile); err != nil {
		return err
	}

	c.recvBuf.Reset()
	log.WithField("url", c.url).Debug("connection re-established")
	return nil
}

// Unlink 关闭 socket，保留地址用于后续重连
func (c *Connection) Unlink() {
	if c.fd >= 0 {
		unix.Close(c.fd)
		c.fd = -1
	}
	c.status = ConnDisconnected
	c.lastAlive = time.Now()
}

// Destroy 彻底关闭并清空
func (c *Connection) Destroy() {
	c.Unlink()
	c.status = ConnUnspec
	c.recvBuf.Reset()
}

// SendRaw 发送已编码好的命令字节（管理命令使用）
func (c *Connection) SendRaw(data []byte) error {
	if c.fd < 0 {
		return unix.ENOTCONN
	}
	return c.writeAll(data)
}

// write 写出数据，处理 EINTR/EAGAIN
func (c *Connection) write(data []byte) (int, error) {
	sent := 0
	for sent < len(data) {
		n, err := unix.Write(c.fd, data[sent:])
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return sent, err
		}
		sent += n
	}
	return sent, nil
}

// writeAll 写出全部数据
func (c *Connection) writeAll(data []byte) error {
	_, err := c.write(data)
	return err
}

// readOnce 单次读取，处理 EINTR
func (c *Connection) readOnce(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}
