package protocol

import (
	"bytes"
	"errors"
	"math"
	"strconv"

	"github.com/code-100-precent/LingBroker/transport"
)

/*
 * ============================================================================
 * RESP (REdis Serialization Protocol) 协议解析
 * ============================================================================
 *
 * RESP 支持以下数据类型：
 * - 简单字符串 (Simple String): +OK\r\n
 * - 错误 (Error): -ERR message\r\n
 * - 整数 (Integer): :1000\r\n
 * - 批量字符串 (Bulk String): $5\r\nhello\r\n
 * - 数组 (Array): *2\r\n$5\r\nhello\r\n$5\r\nworld\r\n
 *
 * 【解析契约】
 * 解析器工作在 SRBuffer 的 processed 游标上：
 * - 输入不完整时返回 ErrAgain，processed 游标精确回退到进入时的位置，
 *   调用方补充数据后重新解析
 * - 解析成功时 processed 游标恰好推进过被解析的条目
 * - 数字溢出或畸形数字产生 NaN 哨兵值，但不破坏外层结构的解析
 *
 * 【集群重定向】
 * 错误响应中前缀为 MOVED 的被识别为 RELOCATE（槽已永久迁移），
 * 前缀为 ASK 的被识别为 REDIRECT（槽迁移中的临时跳转），
 * 两者都携带槽号和目标地址。
 *
 * 返回的字节切片引用接收缓冲区，调用方必须在缓冲区复位前拷走数据。
 */

var (
	// ErrAgain 输入不完整，需要更多数据
	ErrAgain = errors.New("resp: incomplete input")

	// ErrInvalidFormat 畸形输入
	ErrInvalidFormat = errors.New("resp: invalid format")
)

// NaN 畸形数字的哨兵值
const NaN = math.MinInt64

// ResultType 解析结果类型
type ResultType int

const (
	ResultInvalid    ResultType = iota
	ResultChar                  // 简单字符串或批量字符串的载荷
	ResultStringHead            // 批量字符串头（只解析出长度）
	ResultInt                   // 整数
	ResultError                 // 普通错误
	ResultArray                 // 数组
	ResultRedirect              // ASK 临时重定向
	ResultRelocate              // MOVED 永久迁移
)

// Result 解析结果（区分联合）
type Result struct {
	Type     ResultType
	Str      []byte   // CHAR/ERROR 载荷，nil 批量字符串时为 nil
	Int      int64    // INT 值；CHAR 时为载荷长度，nil 批量字符串为 -1
	Elements []Result // ARRAY 元素
	Slot     int      // REDIRECT/RELOCATE 的槽号
	Addr     string   // REDIRECT/RELOCATE 的目标 host:port
}

// IsNil 是否是 nil 批量字符串（键不存在）
func (r *Result) IsNil() bool {
	return r.Type == ResultChar && r.Str == nil && r.Int < 0
}

// Parse 从缓冲区解析一个完整的 RESP 条目
// 失败时 processed 游标保持进入时的位置
func Parse(buf *transport.SRBuffer) (Result, error) {
	entry := buf.Processed()
	res, err := parseItem(buf)
	if err != nil {
		buf.RewindProcessedTo(entry)
		return Result{}, err
	}
	return res, nil
}

// parseItem 解析单个条目，按首字节分派
func parseItem(buf *transport.SRBuffer) (Result, error) {
	data := buf.UnprocessedBytes()
	if len(data) == 0 {
		return Result{}, ErrAgain
	}

	switch data[0] {
	case '+':
		return parseSimpleString(buf)
	case '-':
		return parseError(buf)
	case ':':
		return parseInteger(buf)
	case '$':
		return parseBulkString(buf)
	case '*':
		return parseArray(buf)
	default:
		return Result{}, ErrInvalidFormat
	}
}

// readLine 取出到 \r\n 为止的一行（不含终结符），并推进游标
func readLine(buf *transport.SRBuffer) ([]byte, error) {
	data := buf.UnprocessedBytes()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return nil, ErrAgain
	}
	if idx == 0 || data[idx-1] != '\r' {
		return nil, ErrInvalidFormat
	}
	buf.Advance(idx + 1)
	return data[:idx-1], nil
}

// parseNumber 解析数字，畸形或溢出时返回 NaN 哨兵
func parseNumber(line []byte) int64 {
	v, err := strconv.ParseInt(string(line), 10, 64)
	if err != nil {
		return NaN
	}
	return v
}

func parseSimpleString(buf *transport.SRBuffer) (Result, error) {
	line, err := readLine(buf)
	if err != nil {
		return Result{}, err
	}
	payload := line[1:]
	return Result{Type: ResultChar, Str: payload, Int: int64(len(payload))}, nil
}

func parseInteger(buf *transport.SRBuffer) (Result, error) {
	line, err := readLine(buf)
	if err != nil {
		return Result{}, err
	}
	return Result{Type: ResultInt, Int: parseNumber(line[1:])}, nil
}

// parseError 解析错误响应，识别 MOVED/ASK 重定向
func parseError(buf *transport.SRBuffer) (Result, error) {
	line, err := readLine(buf)
	if err != nil {
		return Result{}, err
	}
	msg := line[1:]

	if bytes.HasPrefix(msg, []byte("MOVED ")) {
		return parseRedirect(msg[6:], ResultRelocate)
	}
	if bytes.HasPrefix(msg, []byte("ASK ")) {
		return parseRedirect(msg[4:], ResultRedirect)
	}

	return Result{Type: ResultError, Str: msg, Int: int64(len(msg))}, nil
}

// parseRedirect 提取 "<slot> <host>:<port>"
func parseRedirect(rest []byte, typ ResultType) (Result, error) {
	sp := bytes.IndexByte(rest, ' ')
	if sp <= 0 {
		return Result{Type: ResultError, Str: rest}, nil
	}

	slot := parseNumber(rest[:sp])
	if slot == NaN || slot < 0 {
		return Result{Type: ResultError, Str: rest}, nil
	}

	return Result{
		Type: typ,
		Slot: int(slot),
		Addr: string(rest[sp+1:]),
	}, nil
}

func parseBulkString(buf *transport.SRBuffer) (Result, error) {
	entry := buf.Processed()

	line, err := readLine(buf)
	if err != nil {
		return Result{}, err
	}

	length := parseNumber(line[1:])
	if length == NaN {
		return Result{Type: ResultChar, Str: nil, Int: NaN}, nil
	}

	// nil 批量字符串：键不存在
	if length < 0 {
		return Result{Type: ResultChar, Str: nil, Int: -1}, nil
	}

	data := buf.UnprocessedBytes()
	if int64(len(data)) < length+2 {
		buf.RewindProcessedTo(entry)
		return Result{}, ErrAgain
	}
	if data[length] != '\r' || data[length+1] != '\n' {
		buf.RewindProcessedTo(entry)
		return Result{}, ErrInvalidFormat
	}

	buf.Advance(int(length) + 2)
	return Result{Type: ResultChar, Str: data[:length], Int: length}, nil
}

func parseArray(buf *transport.SRBuffer) (Result, error) {
	entry := buf.Processed()

	line, err := readLine(buf)
	if err != nil {
		return Result{}, err
	}

	count := parseNumber(line[1:])
	if count == NaN {
		return Result{Type: ResultArray, Int: NaN}, nil
	}

	// nil 数组
	if count < 0 {
		return Result{Type: ResultArray, Elements: nil, Int: -1}, nil
	}

	elements := make([]Result, 0, count)
	for i := int64(0); i < count; i++ {
		elem, err := parseItem(buf)
		if err != nil {
			// 内层不完整：整个数组回退重来
			buf.RewindProcessedTo(entry)
			return Result{}, err
		}
		elements = append(elements, elem)
	}

	return Result{Type: ResultArray, Elements: elements, Int: count}, nil
}
