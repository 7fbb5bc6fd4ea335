package transport

import (
	"errors"
)

/*
 * ============================================================================
 * 发送/接收缓冲区 - SRBuffer
 * ============================================================================
 *
 * 【核心原理】
 * SRBuffer 是一段固定容量的连续字节区域，带两个游标：
 * - available: 缓冲区中有效数据的字节数（接收时由 socket 写入推进）
 * - processed: 调用方已经消费的字节数（解析器消费时推进）
 *
 * 不变式（任何操作之后都必须成立）：
 *   0 <= processed <= available <= capacity
 *
 * 【回退机制】
 * 协议解析器在遇到不完整输入时需要把 processed 游标精确回退到
 * 进入解析时的位置，等待更多数据到达后重新解析。
 * RewindProcessedTo / RewindAvailableTo 提供了带边界检查的回退。
 */

var (
	ErrBufferBounds = errors.New("srbuffer: position out of bounds")
	ErrBufferFull   = errors.New("srbuffer: capacity exceeded")
)

// SRBuffer 发送/接收缓冲区
type SRBuffer struct {
	data      []byte
	available int // 有效数据字节数
	processed int // 已消费字节数
}

// NewSRBuffer 创建指定容量的缓冲区
func NewSRBuffer(capacity int) *SRBuffer {
	if capacity <= 0 {
		return nil
	}
	return &SRBuffer{
		data: make([]byte, capacity),
	}
}

// Reset 重置两个游标，数据区保留
func (b *SRBuffer) Reset() {
	b.available = 0
	b.processed = 0
}

// Capacity 总容量
func (b *SRBuffer) Capacity() int {
	return len(b.data)
}

// Available 有效数据字节数
func (b *SRBuffer) Available() int {
	return b.available
}

// Processed 已消费字节数
func (b *SRBuffer) Processed() int {
	return b.processed
}

// Remaining 剩余可写入空间
func (b *SRBuffer) Remaining() int {
	return len(b.data) - b.available
}

// Unprocessed 已接收但尚未消费的字节数
func (b *SRBuffer) Unprocessed() int {
	return b.available - b.processed
}

// Empty 是否没有任何有效数据
func (b *SRBuffer) Empty() bool {
	return b.available == 0
}

// Bytes 返回全部有效数据
func (b *SRBuffer) Bytes() []byte {
	return b.data[:b.available]
}

// UnprocessedBytes 返回未消费的数据区
func (b *SRBuffer) UnprocessedBytes() []byte {
	return b.data[b.processed:b.available]
}

// WritableBytes 返回 available 之后的可写区域（socket 接收写入位置）
func (b *SRBuffer) WritableBytes() []byte {
	return b.data[b.available:]
}

// ProcessedPosition 当前消费位置（写入模式下也是写入位置）
func (b *SRBuffer) ProcessedPosition() int {
	return b.processed
}

// AddData 推进 available 游标 n 字节
// writeMode 为真时同时推进 processed（发送缓冲区组装命令时使用）
// 返回实际推进的字节数
func (b *SRBuffer) AddData(n int, writeMode bool) int {
	if n < 0 {
		return 0
	}
	if b.available+n > len(b.data) {
		n = len(b.data) - b.available
	}
	b.available += n
	if writeMode {
		b.processed = b.available
	}
	return n
}

// Advance 推进 processed 游标，最多推进到 available
func (b *SRBuffer) Advance(n int) int {
	if n < 0 {
		return 0
	}
	if b.processed+n > b.available {
		n = b.available - b.processed
	}
	b.processed += n
	return n
}

// RewindProcessedTo 将 processed 游标回退到指定位置
func (b *SRBuffer) RewindProcessedTo(pos int) error {
	if pos < 0 || pos > b.available {
		return ErrBufferBounds
	}
	b.processed = pos
	return nil
}

// RewindAvailableTo 将 available 游标回退到指定位置
// processed 不允许超过 available，必要时一并回退
func (b *SRBuffer) RewindAvailableTo(pos int) error {
	if pos < 0 || pos > len(b.data) {
		return ErrBufferBounds
	}
	b.available = pos
	if b.processed > b.available {
		b.processed = b.available
	}
	return nil
}

// Compact 丢弃已消费的前缀，把未消费数据挪到缓冲区头部
// 长响应跨越多次接收而缓冲区写满时使用
func (b *SRBuffer) Compact() {
	if b.processed == 0 {
		return
	}
	n := copy(b.data, b.data[b.processed:b.available])
	b.available = n
	b.processed = 0
}

// SetFill 向写入位置拷贝数据，返回实际写入的字节数
// 这是唯一允许静默截断的操作
func (b *SRBuffer) SetFill(p []byte) int {
	n := copy(b.data[b.available:], p)
	b.available += n
	return n
}

// WriteString 在 processed 位置写入字符串并同步推进两个游标
// 写入失败（容量不足）时返回 ErrBufferFull，游标不变
func (b *SRBuffer) WriteString(s string) error {
	if b.available+len(s) > len(b.data) {
		return ErrBufferFull
	}
	copy(b.data[b.available:], s)
	b.AddData(len(s), true)
	return nil
}

// WriteBytes 同 WriteString，写入字节切片
func (b *SRBuffer) WriteBytes(p []byte) error {
	if b.available+len(p) > len(b.data) {
		return ErrBufferFull
	}
	copy(b.data[b.available:], p)
	b.AddData(len(p), true)
	return nil
}
