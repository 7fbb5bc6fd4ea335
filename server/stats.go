package server

import (
	"sync"
	"time"
)

/*
 * ============================================================================
 * 转发服务统计
 * ============================================================================
 *
 * 统计信息包括：
 * - 收到的连接数
 * - 各转发命令的执行次数
 * - 服务启动时间
 */

// Stats 统计信息
type Stats struct {
	TotalConnectionsReceived int64
	TotalCommandsProcessed   int64
	CommandCounts            map[string]int64
	StartedAt                time.Time
	mu                       sync.RWMutex
}

// NewStats 创建统计信息
func NewStats() *Stats {
	return &Stats{
		CommandCounts: make(map[string]int64),
		StartedAt:     time.Now(),
	}
}

// RecordConnection 记录新连接
func (s *Stats) RecordConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalConnectionsReceived++
}

// RecordCommand 记录命令执行
func (s *Stats) RecordCommand(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalCommandsProcessed++
	s.CommandCounts[name]++
}

// Snapshot 取统计快照
func (s *Stats) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64, len(s.CommandCounts))
	for k, v := range s.CommandCounts {
		counts[k] = v
	}

	return map[string]any{
		"connections_received": s.TotalConnectionsReceived,
		"commands_processed":   s.TotalCommandsProcessed,
		"command_counts":       counts,
		"uptime_seconds":       int64(time.Since(s.StartedAt).Seconds()),
	}
}
