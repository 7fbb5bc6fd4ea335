package network

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

/*
 * ============================================================================
 * 事件管理器 - 就绪多路复用
 * ============================================================================
 *
 * 基于 epoll 的可读就绪通知，one-shot 语义：
 * 每次事件投递后描述符自动失效，消费完缓冲数据后需要 Rearm 重新挂载。
 *
 * 并发约束：Add/Rm 可以和发送并发，但 Next/Rearm 只允许
 * 驱动接收的单个线程调用。
 */

// EventManager 就绪事件管理器
type EventManager struct {
	epfd  int
	conns map[int32]*Connection // fd -> connection
	mu    sync.Mutex
}

// NewEventManager 创建事件管理器
func NewEventManager() (*EventManager, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EventManager{
		epfd:  epfd,
		conns: make(map[int32]*Connection),
	}, nil
}

// Close 释放 epoll 描述符
func (em *EventManager) Close() error {
	return unix.Close(em.epfd)
}

// Add 挂载连接的 one-shot 可读事件
func (em *EventManager) Add(conn *Connection) error {
	fd := conn.Socket()
	if fd < 0 {
		return unix.EBADF
	}

	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLONESHOT,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(em.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}

	em.mu.Lock()
	em.conns[int32(fd)] = conn
	em.mu.Unlock()
	return nil
}

// Rm 卸载连接
func (em *EventManager) Rm(conn *Connection) error {
	fd := conn.Socket()
	if fd < 0 {
		return unix.EBADF
	}

	em.mu.Lock()
	delete(em.conns, int32(fd))
	em.mu.Unlock()

	return unix.EpollCtl(em.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Rearm 事件投递后重新挂载（one-shot 语义）
func (em *EventManager) Rearm(conn *Connection) error {
	fd := conn.Socket()
	if fd < 0 {
		return unix.EBADF
	}

	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLONESHOT,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(em.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Next 返回一个 socket 可读的连接，超时返回 nil
// one-shot 语义保证同一个就绪事件只投递一次
func (em *EventManager) Next(timeout time.Duration) *Connection {
	events := make([]unix.EpollEvent, 1)
	for {
		n, err := unix.EpollWait(em.epfd, events, int(timeout.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			return nil
		}
		break
	}

	em.mu.Lock()
	conn := em.conns[events[0].Fd]
	em.mu.Unlock()
	return conn
}
