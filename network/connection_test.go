package network

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// startEchoNode 启动一个回放脚本化响应的本地节点
// script 中的每个条目作为一次完整响应写回
func startEchoNode(t *testing.T, script []string) (string, chan []byte) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	received := make(chan []byte, 16)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 4096)
		for _, reply := range script {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			received <- data
			conn.Write([]byte(reply))
		}
		// 脚本放完后保持连接直到测试结束
		conn.Read(buf)
	}()

	return fmt.Sprintf("sock://%s", ln.Addr().String()), received
}

// TestConnectionLinkNoAuth 测试无认证建连
func TestConnectionLinkNoAuth(t *testing.T) {
	url, _ := startEchoNode(t, nil)

	conn := NewConnection(4096)
	if conn.Status() != ConnInitialized {
		t.Fatalf("initial status = %v", conn.Status())
	}

	if err := conn.Link(url, "NONE"); err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	defer conn.Destroy()

	if conn.Status() != ConnAuthorized {
		t.Fatalf("status after link = %v, want authorized", conn.Status())
	}
	if !conn.Ready() {
		t.Fatal("connection should be ready")
	}
}

// TestConnectionAuth 测试 AUTH 握手
func TestConnectionAuth(t *testing.T) {
	url, received := startEchoNode(t, []string{"+OK\r\n"})

	authFile := filepath.Join(t.TempDir(), ".redis.auth")
	if err := os.WriteFile(authFile, []byte("hunter2\n"), 0600); err != nil {
		t.Fatalf("write auth file: %v", err)
	}

	conn := NewConnection(4096)
	if err := conn.Link(url, authFile); err != nil {
		t.Fatalf("Link with auth failed: %v", err)
	}
	defer conn.Destroy()

	sent := <-received
	want := "*2\r\n$4\r\nAUTH\r\n$7\r\nhunter2\r\n"
	if string(sent) != want {
		t.Fatalf("AUTH command = %q, want %q", sent, want)
	}
	if conn.Status() != ConnAuthorized {
		t.Fatalf("status = %v, want authorized", conn.Status())
	}
}

// TestConnectionAuthRejected 测试认证被拒后的状态
func TestConnectionAuthRejected(t *testing.T) {
	url, _ := startEchoNode(t, []string{"-ERR invalid password\r\n"})

	authFile := filepath.Join(t.TempDir(), ".redis.auth")
	os.WriteFile(authFile, []byte("wrong\n"), 0600)

	conn := NewConnection(4096)
	err := conn.Link(url, authFile)
	if err == nil {
		t.Fatal("Link should fail on rejected auth")
	}
	defer conn.Destroy()

	// 认证失败停留在 CONNECTED（未授权）
	if conn.Status() != ConnConnected {
		t.Fatalf("status = %v, want connected", conn.Status())
	}
	if conn.Ready() {
		t.Fatal("unauthorized connection must not be ready")
	}
}

// TestConnectionSendRecv 测试发送和接收语义
func TestConnectionSendRecv(t *testing.T) {
	url, received := startEchoNode(t, []string{"+PONG\r\n"})

	conn := NewConnection(4096)
	if err := conn.Link(url, "NONE"); err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	defer conn.Destroy()

	if err := conn.writeAll([]byte("*1\r\n$4\r\nPING\r\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	<-received

	// 等待响应可读后接收
	deadline := time.Now().Add(2 * time.Second)
	for conn.RecvBuffer().Empty() {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for reply")
		}
		n, err := conn.RecvBase()
		if err != nil && err != unix.EAGAIN {
			t.Fatalf("RecvBase failed: %v", err)
		}
		if n == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}

	got := string(conn.RecvBuffer().Bytes())
	if got != "+PONG\r\n" {
		t.Fatalf("received %q", got)
	}

	// 未填满缓冲区，状态回到 AUTHORIZED
	if conn.Status() != ConnAuthorized {
		t.Fatalf("status = %v, want authorized", conn.Status())
	}
}

// TestConnectionPeerClose 对端关闭标记 FAILED
func TestConnectionPeerClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	conn := NewConnection(4096)
	if err := conn.Link("sock://"+ln.Addr().String(), "NONE"); err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	defer conn.Destroy()

	// 对端已关闭，读 0 字节
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := conn.RecvBase()
		if err == unix.ENOTCONN {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for peer close")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if conn.Status() != ConnFailed {
		t.Fatalf("status = %v, want failed", conn.Status())
	}
}

// TestConnectionRecoverable 测试恢复窗口判定
func TestConnectionRecoverable(t *testing.T) {
	url, _ := startEchoNode(t, nil)

	conn := NewConnection(4096)
	if err := conn.Link(url, "NONE"); err != nil {
		t.Fatalf("Link failed: %v", err)
	}

	if conn.Recoverable() != Recovered {
		t.Fatal("live connection should be Recovered")
	}

	conn.Unlink()
	if conn.Status() != ConnDisconnected {
		t.Fatalf("status = %v, want disconnected", conn.Status())
	}

	// 刚断开仍在窗口内
	if conn.Recoverable() != Recoverable {
		t.Fatal("fresh disconnect should be Recoverable")
	}

	// 伪造超出窗口
	conn.lastAlive = time.Now().Add(-ReconnectTimeout - time.Second)
	if conn.Recoverable() != Unrecoverable {
		t.Fatal("stale disconnect should be Unrecoverable")
	}
}

// TestEventManager 测试 one-shot 就绪通知
func TestEventManager(t *testing.T) {
	url, received := startEchoNode(t, []string{"+OK\r\n"})

	em, err := NewEventManager()
	if err != nil {
		t.Fatalf("NewEventManager failed: %v", err)
	}
	defer em.Close()

	conn := NewConnection(4096)
	if err := conn.Link(url, "NONE"); err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	defer conn.Destroy()

	if err := em.Add(conn); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	// 没有数据时超时返回 nil
	if got := em.Next(50 * time.Millisecond); got != nil {
		t.Fatal("Next should time out with no data")
	}

	// 触发响应
	conn.writeAll([]byte("x"))
	<-received

	got := em.Next(2 * time.Second)
	if got != conn {
		t.Fatal("Next should return the readable connection")
	}

	// one-shot：消费后 rearm 再次可用
	if _, err := conn.RecvBase(); err != nil {
		t.Fatalf("RecvBase failed: %v", err)
	}
	conn.RecvBuffer().Advance(conn.RecvBuffer().Unprocessed())
	conn.RecvBuffer().Reset()
	if err := em.Rearm(conn); err != nil {
		t.Fatalf("Rearm failed: %v", err)
	}

	if err := em.Rm(conn); err != nil {
		t.Fatalf("Rm failed: %v", err)
	}
}
