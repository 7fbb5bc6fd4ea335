package server

import (
	"net"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/code-100-precent/LingBroker/backend"
	"github.com/code-100-precent/LingBroker/client"
	"github.com/code-100-precent/LingBroker/network"
	"github.com/code-100-precent/LingBroker/protocol"
	"github.com/code-100-precent/LingBroker/status"
	"github.com/code-100-precent/LingBroker/transport"
)

/*
 * ============================================================================
 * 转发服务 - Forwarding Shipment Server
 * ============================================================================
 *
 * 接受远端客户端的 RESP 请求并转发给本地引擎。
 * 服务负责：
 * 1. 监听 TCP 端口
 * 2. 接受客户端连接
 * 3. 解析转发命令，调用本地客户端 API
 * 4. 把结果编码成 RESP 响应返回
 *
 * 【转发命令】
 * DBRPUT ns key value / DBRGET ns key / DBRREAD ns key /
 * DBRREMOVE ns key / DBRMOVE src key dst / DBRDIR ns pattern /
 * NSCREATE name [groups] / NSATTACH name / NSDETACH name / NSDELETE name /
 * NSQUERY name / PING
 */

// MaxForwardValue 单条转发值的大小上限
const MaxForwardValue = 16 * 1024 * 1024

// FShip 转发服务
type FShip struct {
	addr     string
	dbr      *client.Client
	listener net.Listener
	clients  map[*fshipClient]bool
	stats    *Stats
	bufSize  int
	mu       sync.RWMutex
	running  bool
}

// fshipClient 一个远端客户端连接
type fshipClient struct {
	conn    net.Conn
	recvBuf *transport.SRBuffer
	server  *FShip
	handles map[string]client.NSHandle
}

// NewFShip 创建转发服务
// bufMB 是每客户端接收缓冲区的 MB 数
func NewFShip(listenURL string, dbr *client.Client, bufMB int) (*FShip, error) {
	addr, err := network.ParseURL(listenURL)
	if err != nil {
		// 监听地址允许端口 0，由内核分配实际端口
		host, port, serr := net.SplitHostPort(strings.TrimPrefix(listenURL, network.URLScheme))
		if serr != nil || port != "0" {
			return nil, err
		}
		addr = network.Address{Host: host}
	}
	if bufMB <= 0 {
		bufMB = 1
	}

	return &FShip{
		addr:    addr.String(),
		dbr:     dbr,
		clients: make(map[*fshipClient]bool),
		stats:   NewStats(),
		bufSize: bufMB * 1024 * 1024,
	}, nil
}

// Stats 服务统计
func (s *FShip) Stats() *Stats {
	return s.stats
}

// Client 底层数据代理客户端
func (s *FShip) Client() *client.Client {
	return s.dbr
}

// Addr 实际监听地址（端口 0 时由内核分配）
func (s *FShip) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Start 启动监听和接受循环
func (s *FShip) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.running = true
	s.mu.Unlock()

	log.WithField("addr", ln.Addr().String()).Info("fship listening")

	go s.acceptLoop()
	return nil
}

// Stop 停止服务并断开所有客户端
func (s *FShip) Stop() {
	s.mu.Lock()
	s.running = false
	if s.listener != nil {
		s.listener.Close()
	}
	for c := range s.clients {
		c.conn.Close()
	}
	s.clients = make(map[*fshipClient]bool)
	s.mu.Unlock()
}

// acceptLoop 接受循环
func (s *FShip) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.RLock()
			running := s.running
			s.mu.RUnlock()
			if !running {
				return
			}
			continue
		}

		fc := &fshipClient{
			conn:    conn,
			recvBuf: transport.NewSRBuffer(s.bufSize),
			server:  s,
			handles: make(map[string]client.NSHandle),
		}

		s.mu.Lock()
		s.clients[fc] = true
		s.mu.Unlock()
		s.stats.RecordConnection()

		go fc.serve()
	}
}

// removeClient 摘除客户端
func (s *FShip) removeClient(fc *fshipClient) {
	s.mu.Lock()
	delete(s.clients, fc)
	s.mu.Unlock()
}

// serve 单客户端服务循环
func (fc *fshipClient) serve() {
	defer func() {
		fc.conn.Close()
		fc.server.removeClient(fc)
	}()

	for {
		cmd, err := fc.readCommand()
		if err != nil {
			return
		}

		reply := fc.dispatch(cmd)
		if _, err := fc.conn.Write(reply); err != nil {
			return
		}
	}
}

// readCommand 从连接读出一条完整的 RESP 数组命令
func (fc *fshipClient) readCommand() (*protocol.Result, error) {
	for {
		res, err := protocol.Parse(fc.recvBuf)
		if err == nil {
			// 消化完就复位缓冲区
			if fc.recvBuf.Unprocessed() == 0 {
				fc.recvBuf.Reset()
			}
			return &res, nil
		}
		if err != protocol.ErrAgain {
			return nil, err
		}

		if fc.recvBuf.Remaining() == 0 {
			fc.recvBuf.Compact()
		}
		space := fc.recvBuf.WritableBytes()
		if len(space) == 0 {
			return nil, protocol.ErrInvalidFormat
		}

		n, err := fc.conn.Read(space)
		if err != nil {
			return nil, err
		}
		fc.recvBuf.AddData(n, false)
	}
}

// arg 取命令的第 i 个参数
func arg(cmd *protocol.Result, i int) string {
	if cmd.Type != protocol.ResultArray || i >= len(cmd.Elements) {
		return ""
	}
	return string(cmd.Elements[i].Str)
}

// argBytes 取命令的第 i 个参数（二进制安全）
func argBytes(cmd *protocol.Result, i int) []byte {
	if cmd.Type != protocol.ResultArray || i >= len(cmd.Elements) {
		return nil
	}
	return cmd.Elements[i].Str
}

// dispatch 解析并执行一条转发命令
func (fc *fshipClient) dispatch(cmd *protocol.Result) []byte {
	if cmd.Type != protocol.ResultArray || len(cmd.Elements) == 0 {
		return protocol.EncodeError("ERR malformed request")
	}

	name := strings.ToUpper(arg(cmd, 0))
	fc.server.stats.RecordCommand(name)

	switch name {
	case "PING":
		return protocol.EncodeSimpleString("PONG")

	case "NSCREATE":
		groups := arg(cmd, 2)
		ns, err := fc.server.dbr.Create(arg(cmd, 1), groups)
		if err != nil {
			return encodeStatus(err)
		}
		fc.handles[ns.Name()] = ns
		return protocol.EncodeSimpleString("OK")

	case "NSATTACH":
		ns, err := fc.server.dbr.Attach(arg(cmd, 1))
		if err != nil {
			return encodeStatus(err)
		}
		fc.handles[ns.Name()] = ns
		return protocol.EncodeSimpleString("OK")

	case "NSDETACH":
		ns, ok := fc.handles[arg(cmd, 1)]
		if !ok {
			return encodeStatus(status.NSInvalid)
		}
		if err := fc.server.dbr.Detach(ns); err != nil {
			return encodeStatus(err)
		}
		delete(fc.handles, arg(cmd, 1))
		return protocol.EncodeSimpleString("OK")

	case "NSDELETE":
		if err := fc.server.dbr.Delete(arg(cmd, 1)); err != nil {
			return encodeStatus(err)
		}
		return protocol.EncodeSimpleString("OK")

	case "NSQUERY":
		ns, ok := fc.handles[arg(cmd, 1)]
		if !ok {
			return encodeStatus(status.NSInvalid)
		}
		meta, err := fc.server.dbr.Query(ns)
		if err != nil {
			return encodeStatus(err)
		}
		out := "id=" + meta.ID + " refcnt=" + strconv.FormatInt(meta.RefCnt, 10) + " groups=" + meta.Groups
		return protocol.EncodeBulkString([]byte(out))

	case "DBRPUT":
		ns, err := fc.handle(arg(cmd, 1))
		if err != nil {
			return encodeStatus(err)
		}
		value := argBytes(cmd, 3)
		if len(value) > MaxForwardValue {
			return encodeStatus(status.UBuffer)
		}
		if err := fc.server.dbr.Put(ns, arg(cmd, 2), value); err != nil {
			return encodeStatus(err)
		}
		return protocol.EncodeSimpleString("OK")

	case "DBRGET", "DBRREAD":
		ns, err := fc.handle(arg(cmd, 1))
		if err != nil {
			return encodeStatus(err)
		}
		buf := make([]byte, MaxForwardValue)
		var n int64
		if name == "DBRGET" {
			n, err = fc.server.dbr.Get(ns, arg(cmd, 2), buf, backend.FlagImmediate)
		} else {
			n, err = fc.server.dbr.Read(ns, arg(cmd, 2), buf, backend.FlagImmediate)
		}
		if err != nil {
			if err == status.Unavail {
				return protocol.EncodeNil()
			}
			return encodeStatus(err)
		}
		return protocol.EncodeBulkString(buf[:n])

	case "DBRREMOVE":
		ns, err := fc.handle(arg(cmd, 1))
		if err != nil {
			return encodeStatus(err)
		}
		if err := fc.server.dbr.Remove(ns, arg(cmd, 2)); err != nil {
			return encodeStatus(err)
		}
		return protocol.EncodeSimpleString("OK")

	case "DBRMOVE":
		src, err := fc.handle(arg(cmd, 1))
		if err != nil {
			return encodeStatus(err)
		}
		dst, err := fc.handle(arg(cmd, 3))
		if err != nil {
			return encodeStatus(err)
		}
		if err := fc.server.dbr.Move(src, arg(cmd, 2), dst); err != nil {
			return encodeStatus(err)
		}
		return protocol.EncodeSimpleString("OK")

	case "DBRDIR":
		ns, err := fc.handle(arg(cmd, 1))
		if err != nil {
			return encodeStatus(err)
		}
		buf := make([]byte, MaxForwardValue)
		n, err := fc.server.dbr.Directory(ns, arg(cmd, 2), buf)
		if err != nil {
			return encodeStatus(err)
		}
		return protocol.EncodeBulkString(buf[:n])

	default:
		return protocol.EncodeError("ERR unknown command '" + name + "'")
	}
}

// handle 取（必要时附加）命名空间句柄
func (fc *fshipClient) handle(name string) (client.NSHandle, error) {
	if ns, ok := fc.handles[name]; ok {
		return ns, nil
	}
	ns, err := fc.server.dbr.Attach(name)
	if err != nil {
		return nil, err
	}
	fc.handles[name] = ns
	return ns, nil
}

// encodeStatus 错误码转 RESP 错误
func encodeStatus(err error) []byte {
	return protocol.EncodeError("DBRERR " + err.Error())
}
