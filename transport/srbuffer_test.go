package transport

import (
	"testing"
)

// checkInvariant 校验游标不变式 0 <= processed <= available <= capacity
func checkInvariant(t *testing.T, b *SRBuffer) {
	t.Helper()
	if b.Processed() < 0 || b.Processed() > b.Available() || b.Available() > b.Capacity() {
		t.Fatalf("invariant violated: processed=%d available=%d capacity=%d",
			b.Processed(), b.Available(), b.Capacity())
	}
}

// TestSRBufferCursors 测试游标推进和不变式
func TestSRBufferCursors(t *testing.T) {
	b := NewSRBuffer(64)
	if b == nil {
		t.Fatal("Failed to create buffer")
	}
	checkInvariant(t, b)

	// 模拟接收 10 字节
	copy(b.WritableBytes(), []byte("0123456789"))
	if n := b.AddData(10, false); n != 10 {
		t.Fatalf("AddData returned %d", n)
	}
	checkInvariant(t, b)

	if b.Unprocessed() != 10 {
		t.Fatalf("Unprocessed = %d, want 10", b.Unprocessed())
	}

	// 消费 4 字节
	if n := b.Advance(4); n != 4 {
		t.Fatalf("Advance returned %d", n)
	}
	checkInvariant(t, b)

	// 越界消费被截断到 available
	if n := b.Advance(100); n != 6 {
		t.Fatalf("Advance over bounds returned %d, want 6", n)
	}
	checkInvariant(t, b)

	// 越界 AddData 被截断到 capacity
	if n := b.AddData(1000, false); n != 54 {
		t.Fatalf("AddData over bounds returned %d, want 54", n)
	}
	checkInvariant(t, b)
}

// TestSRBufferRewind 测试回退机制
func TestSRBufferRewind(t *testing.T) {
	b := NewSRBuffer(32)
	b.SetFill([]byte("hello world"))
	b.Advance(6)

	mark := b.Processed()
	b.Advance(3)

	// 回退到标记位置
	if err := b.RewindProcessedTo(mark); err != nil {
		t.Fatalf("RewindProcessedTo failed: %v", err)
	}
	if b.Processed() != mark {
		t.Fatalf("processed = %d, want %d", b.Processed(), mark)
	}
	checkInvariant(t, b)

	// 越界回退报错
	if err := b.RewindProcessedTo(100); err != ErrBufferBounds {
		t.Fatalf("expected bounds error, got %v", err)
	}
	if err := b.RewindProcessedTo(-1); err != ErrBufferBounds {
		t.Fatalf("expected bounds error, got %v", err)
	}

	// available 回退会拉低 processed
	b.Advance(5)
	if err := b.RewindAvailableTo(2); err != nil {
		t.Fatalf("RewindAvailableTo failed: %v", err)
	}
	if b.Processed() > b.Available() {
		t.Fatal("processed exceeds available after rewind")
	}
	checkInvariant(t, b)
}

// TestSRBufferWriteMode 测试写入模式下两个游标同步推进
func TestSRBufferWriteMode(t *testing.T) {
	b := NewSRBuffer(16)

	if err := b.WriteString("PING\r\n"); err != nil {
		t.Fatalf("WriteString failed: %v", err)
	}
	if b.Available() != 6 || b.Processed() != 6 {
		t.Fatalf("cursors = (%d,%d), want (6,6)", b.Available(), b.Processed())
	}

	// 超容量写入失败且游标不变
	if err := b.WriteString("0123456789ABCDEF"); err != ErrBufferFull {
		t.Fatalf("expected ErrBufferFull, got %v", err)
	}
	if b.Available() != 6 {
		t.Fatalf("available changed on failed write: %d", b.Available())
	}
	checkInvariant(t, b)
}

// TestSRBufferSetFill 测试 SetFill 的静默截断
func TestSRBufferSetFill(t *testing.T) {
	b := NewSRBuffer(8)
	n := b.SetFill([]byte("0123456789"))
	if n != 8 {
		t.Fatalf("SetFill returned %d, want 8", n)
	}
	checkInvariant(t, b)
}

// TestSGEBufferBounds 测试 SGE 缓冲区上限
func TestSGEBufferBounds(t *testing.T) {
	sge := NewSGEBuffer()

	data := []byte("x")
	for i := 0; i < SGEMax; i++ {
		if !sge.Add(data) {
			t.Fatalf("Add failed at %d", i)
		}
	}
	if sge.Add(data) {
		t.Fatal("Add should fail past SGEMax")
	}
	if sge.GetCurrent() != nil {
		t.Fatal("GetCurrent should be nil when full")
	}
	if sge.TotalLen() != SGEMax {
		t.Fatalf("TotalLen = %d, want %d", sge.TotalLen(), SGEMax)
	}

	sge.Reset()
	if sge.Count() != 0 {
		t.Fatal("Reset did not clear count")
	}
}

// TestGatherInto 测试聚集拷贝
func TestGatherInto(t *testing.T) {
	sges := []SGE{{Data: []byte("ab")}, {Data: []byte("cd")}, {Data: []byte("e")}}

	dst := make([]byte, 8)
	n := GatherInto(dst, sges)
	if n != 5 || string(dst[:5]) != "abcde" {
		t.Fatalf("GatherInto = %d %q", n, dst[:5])
	}

	small := make([]byte, 3)
	if n := GatherInto(small, sges); n != -5 {
		t.Fatalf("GatherInto into small dst = %d, want -5", n)
	}
}
