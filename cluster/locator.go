package cluster

/*
 * ============================================================================
 * 槽定位器 - Slot Locator
 * ============================================================================
 *
 * 维护 slot -> 连接下标 的映射数组。
 * 发送端用它把请求路由到负责该槽的连接；
 * 连接断开时对应槽被置回 INVAL，恢复状态机据此发现覆盖缺口。
 *
 * covered() 为真当且仅当没有任何槽是 INVAL。
 */

// IndexInval 无效连接下标
const IndexInval = -1

// SlotLocator 槽到连接下标的映射
type SlotLocator struct {
	slotToConn [ClusterSlots]int
}

// NewSlotLocator 创建定位器，所有槽初始为 INVAL
func NewSlotLocator() *SlotLocator {
	l := &SlotLocator{}
	for i := range l.slotToConn {
		l.slotToConn[i] = IndexInval
	}
	return l
}

// GetConnIndex 查询槽对应的连接下标
func (l *SlotLocator) GetConnIndex(slot int) int {
	if slot < 0 || slot >= ClusterSlots {
		return IndexInval
	}
	return l.slotToConn[slot]
}

// Assign 指定单个槽的连接下标
func (l *SlotLocator) Assign(connIndex int, slot int) {
	if slot < 0 || slot >= ClusterSlots {
		return
	}
	l.slotToConn[slot] = connIndex
}

// AssociateRange 指定闭区间 [first, last] 的连接下标
func (l *SlotLocator) AssociateRange(first, last, connIndex int) {
	if first < 0 || last >= ClusterSlots || first > last {
		return
	}
	for s := first; s <= last; s++ {
		l.slotToConn[s] = connIndex
	}
}

// DisassociateConnIndex 把指向某连接的所有槽置回 INVAL
func (l *SlotLocator) DisassociateConnIndex(connIndex int) {
	for s := range l.slotToConn {
		if l.slotToConn[s] == connIndex {
			l.slotToConn[s] = IndexInval
		}
	}
}

// ReassociateConnIndex 把指向 old 的所有槽改指 new
func (l *SlotLocator) ReassociateConnIndex(old, new int) {
	for s := range l.slotToConn {
		if l.slotToConn[s] == old {
			l.slotToConn[s] = new
		}
	}
}

// AssignBitmap 按位图批量指定
func (l *SlotLocator) AssignBitmap(bitmap *SlotBitmap, connIndex int) {
	bitmap.Each(func(slot int) {
		l.slotToConn[slot] = connIndex
	})
}

// Covered 是否所有槽都有归属
func (l *SlotLocator) Covered() bool {
	for _, c := range l.slotToConn {
		if c == IndexInval {
			return false
		}
	}
	return true
}

// HashLocate 计算键的槽号并返回 (slot, 连接下标)
func (l *SlotLocator) HashLocate(key []byte) (int, int) {
	slot := HashSlot(key)
	return slot, l.slotToConn[slot]
}
