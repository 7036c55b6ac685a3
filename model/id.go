package model

import (
	"sync"
	"time"
)

// 雪花 ID：41 位毫秒时间戳 | 10 位节点 | 12 位序列。
const (
	idEpoch     int64 = 1704067200000 // 2024-01-01T00:00:00Z
	nodeBits          = 10
	seqBits           = 12
	maxSequence       = -1 ^ (-1 << seqBits)
)

type idGen struct {
	mu   sync.Mutex
	node int64
	last int64
	seq  int64
}

var gen = &idGen{}

// SetNode 设置节点号（0~1023），通常由实例名哈希得出。
func SetNode(node int64) {
	gen.mu.Lock()
	defer gen.mu.Unlock()
	gen.node = node & (1<<nodeBits - 1)
}

// NextID 生成全局递增 ID。
func NextID() int64 {
	gen.mu.Lock()
	defer gen.mu.Unlock()
	now := time.Now().UnixMilli()
	if now < gen.last {
		now = gen.last
	}
	if now == gen.last {
		gen.seq = (gen.seq + 1) & maxSequence
		if gen.seq == 0 {
			for now <= gen.last {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		gen.seq = 0
	}
	gen.last = now
	return (now-idEpoch)<<(nodeBits+seqBits) | gen.node<<seqBits | gen.seq
}
