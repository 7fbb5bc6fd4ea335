package cluster

/*
 * ============================================================================
 * 槽位图 - SlotBitmap
 * ============================================================================
 *
 * 16384 位的位向量，记录一个连接负责哪些哈希槽。
 * 16384/8 = 2048 字节，整个位图可以用 2KB 表示。
 */

// SlotBitmap 槽位图
type SlotBitmap struct {
	bits [ClusterSlots / 8]byte
}

// Set 置位
func (b *SlotBitmap) Set(slot int) {
	if slot < 0 || slot >= ClusterSlots {
		return
	}
	b.bits[slot>>3] |= 1 << (slot & 7)
}

// Clear 清位
func (b *SlotBitmap) Clear(slot int) {
	if slot < 0 || slot >= ClusterSlots {
		return
	}
	b.bits[slot>>3] &^= 1 << (slot & 7)
}

// Test 查询
func (b *SlotBitmap) Test(slot int) bool {
	if slot < 0 || slot >= ClusterSlots {
		return false
	}
	return b.bits[slot>>3]&(1<<(slot&7)) != 0
}

// SetRange 置位闭区间 [first, last]
func (b *SlotBitmap) SetRange(first, last int) {
	for s := first; s <= last; s++ {
		b.Set(s)
	}
}

// Reset 全部清零
func (b *SlotBitmap) Reset() {
	b.bits = [ClusterSlots / 8]byte{}
}

// Count 置位数量
func (b *SlotBitmap) Count() int {
	n := 0
	for _, octet := range b.bits {
		for octet != 0 {
			n += int(octet & 1)
			octet >>= 1
		}
	}
	return n
}

// Each 按升序遍历所有置位的槽
func (b *SlotBitmap) Each(fn func(slot int)) {
	for i, octet := range b.bits {
		if octet == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if octet&(1<<bit) != 0 {
				fn(i*8 + bit)
			}
		}
	}
}
