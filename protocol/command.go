package protocol

import (
	"errors"
	"strconv"

	"github.com/code-100-precent/LingBroker/transport"
)

/*
 * ============================================================================
 * 命令组装器 - Command Builder
 * ============================================================================
 *
 * 按阶段规格把 RESP 命令写入发送缓冲区。
 * 模板中的字面前缀原样写出，%0..%N 占位符替换为对应位置参数的
 * 批量字符串形式：$<len>\r\n<arg>\r\n。
 *
 * 【回退契约】
 * 任何写入失败（容量不足、参数缺失、占位符越界）都会把缓冲区
 * 回退到进入时的位置并返回错误，保证半成品命令不会滞留在缓冲区里。
 */

var (
	// ErrBadTemplate 模板或参数非法
	ErrBadTemplate = errors.New("command: bad template or argument")

	// ErrNoSpace 发送缓冲区空间不足
	ErrNoSpace = errors.New("command: buffer exhausted")
)

// MaxPositionalArgs 模板位置参数上限
const MaxPositionalArgs = 8

// BuildCommand 按规格模板组装命令写入缓冲区
// args 按位置对应 %0..%N；返回写入的字节数
func BuildCommand(spec *StageSpec, buf *transport.SRBuffer, args [][]byte) (int, error) {
	if spec == nil {
		return 0, ErrBadTemplate
	}

	entry := buf.Processed()
	written := 0

	cmd := spec.Command
	for len(cmd) > 0 {
		// 找下一个占位符
		pct := -1
		for i := 0; i+1 < len(cmd); i++ {
			if cmd[i] == '%' && cmd[i+1] >= '0' && cmd[i+1] <= '9' {
				pct = i
				break
			}
		}

		if pct < 0 {
			// 没有更多占位符，写出剩余字面量
			if err := buf.WriteString(cmd); err != nil {
				return rewindAndFail(buf, entry)
			}
			written += len(cmd)
			break
		}

		// 占位符之前的字面量
		if pct > 0 {
			if err := buf.WriteString(cmd[:pct]); err != nil {
				return rewindAndFail(buf, entry)
			}
			written += pct
		}

		idx := int(cmd[pct+1] - '0')
		if idx >= spec.ArrayLen || idx >= len(args) || args[idx] == nil {
			buf.RewindProcessedTo(entry)
			buf.RewindAvailableTo(entry)
			return 0, ErrBadTemplate
		}

		n, err := appendBulkString(buf, args[idx])
		if err != nil {
			return rewindAndFail(buf, entry)
		}
		written += n

		cmd = cmd[pct+2:]
	}

	return written, nil
}

// appendBulkString 写出 $<len>\r\n<data>\r\n
func appendBulkString(buf *transport.SRBuffer, data []byte) (int, error) {
	head := "$" + strconv.Itoa(len(data)) + "\r\n"
	need := len(head) + len(data) + 2
	if buf.Remaining() < need {
		return 0, ErrNoSpace
	}

	buf.WriteString(head)
	buf.WriteBytes(data)
	buf.WriteString("\r\n")
	return need, nil
}

// rewindAndFail 回退两个游标并返回空间不足错误
func rewindAndFail(buf *transport.SRBuffer, entry int) (int, error) {
	buf.RewindProcessedTo(entry)
	buf.RewindAvailableTo(entry)
	return 0, ErrNoSpace
}

// EncodeBulkString 独立编码一个批量字符串（AUTH 握手、转发服务使用）
func EncodeBulkString(data []byte) []byte {
	head := "$" + strconv.Itoa(len(data)) + "\r\n"
	out := make([]byte, 0, len(head)+len(data)+2)
	out = append(out, head...)
	out = append(out, data...)
	out = append(out, '\r', '\n')
	return out
}

// EncodeCommand 把参数列表编码为 RESP 数组命令（管理命令使用）
func EncodeCommand(args ...string) []byte {
	out := []byte("*" + strconv.Itoa(len(args)) + "\r\n")
	for _, a := range args {
		out = append(out, EncodeBulkString([]byte(a))...)
	}
	return out
}

// EncodeSimpleString 编码简单字符串响应
func EncodeSimpleString(s string) []byte {
	return []byte("+" + s + "\r\n")
}

// EncodeError 编码错误响应
func EncodeError(msg string) []byte {
	return []byte("-" + msg + "\r\n")
}

// EncodeInteger 编码整数响应
func EncodeInteger(v int64) []byte {
	return []byte(":" + strconv.FormatInt(v, 10) + "\r\n")
}

// EncodeNil 编码 nil 批量字符串
func EncodeNil() []byte {
	return []byte("$-1\r\n")
}
