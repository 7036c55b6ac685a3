package dispatch

import (
	"hash/fnv"
	"sort"
	"strconv"
)

const virtualNodes = 100

// ring 一致性哈希环（FNV-32a）。
type ring struct {
	hashes []uint32
	owners map[uint32]string
}

func hash32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func newRing(nodes []string, replicas int) *ring {
	r := &ring{owners: make(map[uint32]string, len(nodes)*replicas)}
	for _, n := range nodes {
		for i := 0; i < replicas; i++ {
			h := hash32(n + "#" + strconv.Itoa(i))
			if _, dup := r.owners[h]; dup {
				continue
			}
			r.owners[h] = n
			r.hashes = append(r.hashes, h)
		}
	}
	sort.Slice(r.hashes, func(i, k int) bool { return r.hashes[i] < r.hashes[k] })
	return r
}

// get 顺时针找到第一个不小于 key 哈希的虚拟节点。
func (r *ring) get(key string) string {
	if len(r.hashes) == 0 {
		return ""
	}
	h := hash32(key)
	i := sort.Search(len(r.hashes), func(i int) bool { return r.hashes[i] >= h })
	if i == len(r.hashes) {
		i = 0
	}
	return r.owners[r.hashes[i]]
}
