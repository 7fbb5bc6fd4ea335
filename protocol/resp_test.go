package protocol

import (
	"testing"

	"github.com/code-100-precent/LingBroker/transport"
)

// fill 把字节串装入新缓冲区
func fill(t *testing.T, data string) *transport.SRBuffer {
	t.Helper()
	buf := transport.NewSRBuffer(len(data) + 64)
	buf.SetFill([]byte(data))
	return buf
}

// TestParseSimpleTypes 测试基本类型解析
func TestParseSimpleTypes(t *testing.T) {
	// 简单字符串
	res, err := Parse(fill(t, "+OK\r\n"))
	if err != nil || res.Type != ResultChar || string(res.Str) != "OK" {
		t.Fatalf("simple string: %+v %v", res, err)
	}

	// 整数
	res, err = Parse(fill(t, ":1000\r\n"))
	if err != nil || res.Type != ResultInt || res.Int != 1000 {
		t.Fatalf("integer: %+v %v", res, err)
	}

	// 负整数
	res, err = Parse(fill(t, ":-1\r\n"))
	if err != nil || res.Int != -1 {
		t.Fatalf("negative integer: %+v %v", res, err)
	}

	// 错误
	res, err = Parse(fill(t, "-ERR unknown command\r\n"))
	if err != nil || res.Type != ResultError || string(res.Str) != "ERR unknown command" {
		t.Fatalf("error: %+v %v", res, err)
	}

	// 批量字符串
	res, err = Parse(fill(t, "$5\r\nhello\r\n"))
	if err != nil || res.Type != ResultChar || string(res.Str) != "hello" || res.Int != 5 {
		t.Fatalf("bulk string: %+v %v", res, err)
	}

	// nil 批量字符串
	res, err = Parse(fill(t, "$-1\r\n"))
	if err != nil || !res.IsNil() {
		t.Fatalf("nil bulk: %+v %v", res, err)
	}
}

// TestParseBinarySafe 批量字符串是二进制安全的
func TestParseBinarySafe(t *testing.T) {
	payload := string([]byte{0x01, 0x00, 0x02})
	res, err := Parse(fill(t, "$3\r\n"+payload+"\r\n"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if res.Int != 3 || string(res.Str) != payload {
		t.Fatalf("binary payload mangled: %+v", res)
	}
}

// TestParseArray 测试数组和嵌套数组
func TestParseArray(t *testing.T) {
	res, err := Parse(fill(t, "*2\r\n$5\r\nhello\r\n$5\r\nworld\r\n"))
	if err != nil || res.Type != ResultArray || len(res.Elements) != 2 {
		t.Fatalf("array: %+v %v", res, err)
	}
	if string(res.Elements[0].Str) != "hello" || string(res.Elements[1].Str) != "world" {
		t.Fatalf("array elements: %+v", res.Elements)
	}

	// SCAN 形状：[cursor, [keys...]]
	res, err = Parse(fill(t, "*2\r\n$2\r\n17\r\n*2\r\n$4\r\nns::\r\n$5\r\nns::x\r\n"))
	if err != nil || len(res.Elements) != 2 {
		t.Fatalf("scan shape: %+v %v", res, err)
	}
	if string(res.Elements[0].Str) != "17" || len(res.Elements[1].Elements) != 2 {
		t.Fatalf("scan contents: %+v", res)
	}

	// 空数组
	res, err = Parse(fill(t, "*0\r\n"))
	if err != nil || res.Type != ResultArray || len(res.Elements) != 0 {
		t.Fatalf("empty array: %+v %v", res, err)
	}
}

// TestParseCursorAdvance 解析成功后游标恰好推进过条目
func TestParseCursorAdvance(t *testing.T) {
	inputs := []string{
		"+OK\r\n",
		":42\r\n",
		"$5\r\nhello\r\n",
		"*2\r\n:1\r\n:2\r\n",
		"-ERR x\r\n",
	}

	for _, in := range inputs {
		buf := fill(t, in+"TRAILING")
		if _, err := Parse(buf); err != nil {
			t.Fatalf("parse %q failed: %v", in, err)
		}
		if buf.Processed() != len(in) {
			t.Fatalf("cursor after %q = %d, want %d", in, buf.Processed(), len(in))
		}
	}
}

// TestParseIncomplete 任何真前缀都返回 ErrAgain 且游标不动
func TestParseIncomplete(t *testing.T) {
	inputs := []string{
		"+OK\r\n",
		":1000\r\n",
		"$5\r\nhello\r\n",
		"*2\r\n$5\r\nhello\r\n$5\r\nworld\r\n",
		"*2\r\n$2\r\n17\r\n*1\r\n$4\r\nns::\r\n",
	}

	for _, in := range inputs {
		for cut := 1; cut < len(in); cut++ {
			buf := fill(t, in[:cut])
			mark := buf.Processed()
			_, err := Parse(buf)
			if err != ErrAgain {
				t.Fatalf("prefix %q[:%d]: err = %v, want ErrAgain", in, cut, err)
			}
			if buf.Processed() != mark {
				t.Fatalf("prefix %q[:%d]: cursor moved to %d", in, cut, buf.Processed())
			}
		}
	}
}

// TestParseRedirects 测试 MOVED/ASK 识别
func TestParseRedirects(t *testing.T) {
	res, err := Parse(fill(t, "-MOVED 3999 127.0.0.1:6381\r\n"))
	if err != nil {
		t.Fatalf("moved: %v", err)
	}
	if res.Type != ResultRelocate || res.Slot != 3999 || res.Addr != "127.0.0.1:6381" {
		t.Fatalf("moved result: %+v", res)
	}

	res, err = Parse(fill(t, "-ASK 12182 10.0.0.5:7002\r\n"))
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if res.Type != ResultRedirect || res.Slot != 12182 || res.Addr != "10.0.0.5:7002" {
		t.Fatalf("ask result: %+v", res)
	}

	// 畸形槽号退化为普通错误
	res, err = Parse(fill(t, "-MOVED abc 1.2.3.4:1\r\n"))
	if err != nil || res.Type != ResultError {
		t.Fatalf("malformed moved: %+v %v", res, err)
	}
}

// TestParseNaN 畸形数字产生哨兵但不破坏外层解析
func TestParseNaN(t *testing.T) {
	res, err := Parse(fill(t, ":99999999999999999999999\r\n"))
	if err != nil || res.Type != ResultInt || res.Int != NaN {
		t.Fatalf("overflow int: %+v %v", res, err)
	}

	// 外层数组照常解析完
	res, err = Parse(fill(t, "*2\r\n:notanumber\r\n:5\r\n"))
	if err != nil || len(res.Elements) != 2 {
		t.Fatalf("array with NaN member: %+v %v", res, err)
	}
	if res.Elements[0].Int != NaN || res.Elements[1].Int != 5 {
		t.Fatalf("NaN member values: %+v", res.Elements)
	}
}

// TestParseInvalid 非法首字节报错
func TestParseInvalid(t *testing.T) {
	_, err := Parse(fill(t, "xyz\r\n"))
	if err != ErrInvalidFormat {
		t.Fatalf("err = %v, want ErrInvalidFormat", err)
	}
}

// TestParsePipelined 同一缓冲区里的连续响应逐条解析
func TestParsePipelined(t *testing.T) {
	buf := fill(t, ":1\r\n:2\r\n:3\r\n")

	for want := int64(1); want <= 3; want++ {
		res, err := Parse(buf)
		if err != nil || res.Int != want {
			t.Fatalf("pipelined item %d: %+v %v", want, res, err)
		}
	}

	if _, err := Parse(buf); err != ErrAgain {
		t.Fatal("exhausted buffer should return ErrAgain")
	}
}
