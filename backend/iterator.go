package backend

/*
 * ============================================================================
 * 迭代器引擎 - Iterator Engine
 * ============================================================================
 *
 * 固定 10 个迭代器记录的池子，每个记录缓存最多 60 个键。
 *
 * 【协议】
 * 用户首次调用时分配新记录并从第一个就绪连接开始 SCAN；
 * 后续调用携带迭代器句柄。缓存里有键就直接弹出立即完成；
 * 缓存低于一半且远端没扫完时向当前连接补发 SCAN；
 * 一个连接的游标回到 0 就推进到下一个活跃连接，
 * 所有连接都回到 0 之后标记远端完成。
 * 远端完成且缓存耗尽时自动复位记录并报告迭代结束。
 *
 * 完成记录的 rc 携带迭代器句柄（记录下标+1，0 留给"新建"）。
 */

const (
	// MaxIterators 迭代器记录数
	MaxIterators = 10

	// IterCacheSize 每个迭代器的键缓存容量
	IterCacheSize = 60

	// MaxKeyLen 单个键的最大长度
	MaxKeyLen = 1024

	// iterRefillMark 缓存低于此水位时补发 SCAN
	iterRefillMark = IterCacheSize / 2
)

// Iterator 迭代器记录
type Iterator struct {
	inUse       bool
	handle      int64
	nsName      string
	match       string
	cursor         []byte
	connOrdinal    int // 正在扫描第几个活跃连接
	remoteDone     bool
	refillInFlight bool

	// 键缓存，环形队列
	cache [IterCacheSize][]byte
	head  int
	tail  int
	count int
}

// iteratorPool 固定池
type iteratorPool struct {
	records [MaxIterators]Iterator
}

// newIterator 取一个空闲记录，耗尽返回 nil
func (p *iteratorPool) newIterator(nsName, match string) *Iterator {
	for i := range p.records {
		if !p.records[i].inUse {
			it := &p.records[i]
			it.reset()
			it.inUse = true
			it.handle = int64(i) + 1
			it.nsName = nsName
			it.match = match
			it.cursor = []byte("0")
			return it
		}
	}
	return nil
}

// get 按句柄取记录
func (p *iteratorPool) get(handle int64) *Iterator {
	idx := handle - 1
	if idx < 0 || idx >= MaxIterators {
		return nil
	}
	it := &p.records[idx]
	if !it.inUse {
		return nil
	}
	return it
}

// reset 清空记录
func (it *Iterator) reset() {
	*it = Iterator{}
}

// Handle 迭代器句柄
func (it *Iterator) Handle() int64 {
	return it.handle
}

// cachedCount 缓存中的键数
func (it *Iterator) cachedCount() int {
	return it.count
}

// needsRefill 是否需要补发 SCAN
func (it *Iterator) needsRefill() bool {
	return !it.remoteDone && it.count < iterRefillMark
}

// exhausted 远端和缓存都空
func (it *Iterator) exhausted() bool {
	return it.remoteDone && it.count == 0
}

// pushKey 入缓存，满了或超长丢弃并返回 false
func (it *Iterator) pushKey(key []byte) bool {
	if it.count >= IterCacheSize || len(key) > MaxKeyLen {
		return false
	}
	buf := make([]byte, len(key))
	copy(buf, key)
	it.cache[it.tail] = buf
	it.tail = (it.tail + 1) % IterCacheSize
	it.count++
	return true
}

// popKey 出缓存，空返回 nil
func (it *Iterator) popKey() []byte {
	if it.count == 0 {
		return nil
	}
	key := it.cache[it.head]
	it.cache[it.head] = nil
	it.head = (it.head + 1) % IterCacheSize
	it.count--
	return key
}
