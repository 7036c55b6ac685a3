// Package dispatch 决定一次触发由哪个调度器实例执行。
package dispatch

import (
	"encoding/binary"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"

	"github.com/mengeric/taskmesh-go/model"
)

// Decision 路由与负载均衡的结果。
type Decision struct {
	Candidates []string // 参与选择的实例名（已排序）
	Chosen     string   // 被选中的实例；抢占模式为空
	Run        bool     // 本实例是否应当执行
}

// Dispatcher 根据任务的路由策略与负载均衡策略选择执行实例。
type Dispatcher struct {
	mu    sync.Mutex
	rings map[string]*ring // 候选集签名 -> 哈希环
}

// New 构造。
func New() *Dispatcher {
	return &Dispatcher{rings: map[string]*ring{}}
}

// Select 计算 job 在当前存活实例中的执行者。
// 参数：live 为存活实例；self 为本实例名。
// 返回：候选为空时 Run=false。
func (d *Dispatcher) Select(job *model.Job, live []model.SchedulerInstance, self string) Decision {
	cands := Route(job, live)
	dec := Decision{Candidates: cands}
	if len(cands) == 0 {
		return dec
	}
	switch job.LoadBalance {
	case model.BalanceRandom:
		dec.Chosen = cands[pick(job.ID, job.RunCount, len(cands))]
	case model.BalanceRoundRobin:
		idx := job.RunCount % int64(len(cands))
		if idx < 0 {
			idx = -idx
		}
		dec.Chosen = cands[idx]
	case model.BalanceConsistentHash:
		dec.Chosen = d.ring(cands).get(strconv.FormatInt(job.ID, 10))
	default:
		// 抢占：所有候选竞争任务锁
		dec.Run = contains(cands, self)
		return dec
	}
	dec.Run = dec.Chosen == self
	return dec
}

// Route 按路由策略过滤存活实例，结果按实例名排序。
// 优先列表中无存活实例时退回全部存活实例。
func Route(job *model.Job, live []model.SchedulerInstance) []string {
	all := make([]string, 0, len(live))
	for _, ins := range live {
		all = append(all, ins.InstanceName)
	}
	sort.Strings(all)
	var out []string
	switch job.RouteStrategy {
	case model.RoutePreferredFirst:
		out = intersect(all, job.FirstInstances)
		if len(out) == 0 {
			out = all
		}
	case model.RouteWhitelist:
		out = intersect(all, job.WhitelistInstances)
	case model.RouteBlacklist:
		out = subtract(all, job.BlacklistInstances)
	default:
		out = all
	}
	return out
}

func (d *Dispatcher) ring(cands []string) *ring {
	key := signature(cands)
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.rings[key]; ok {
		return r
	}
	// 成员变化频率低，只保留最近的少量环
	if len(d.rings) > 64 {
		d.rings = map[string]*ring{}
	}
	r := newRing(cands, virtualNodes)
	d.rings[key] = r
	return r
}

// pick 以任务 ID 与已执行次数为种子取下标。
// 各实例读到的 RunCount 相同，因此选出同一个实例；每执行一次种子变化，分布近似均匀。
func pick(id, runCount int64, n int) int {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(id))
	binary.BigEndian.PutUint64(buf[8:], uint64(runCount))
	h := fnv.New64a()
	_, _ = h.Write(buf[:])
	return int(h.Sum64() % uint64(n))
}

func signature(names []string) string {
	h := fnv.New64a()
	for _, n := range names {
		_, _ = h.Write([]byte(n))
		_, _ = h.Write([]byte{0})
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func intersect(all, keep []string) []string {
	set := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(all))
	for _, n := range all {
		if _, ok := set[n]; ok {
			out = append(out, n)
		}
	}
	return out
}

func subtract(all, drop []string) []string {
	set := make(map[string]struct{}, len(drop))
	for _, k := range drop {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(all))
	for _, n := range all {
		if _, ok := set[n]; !ok {
			out = append(out, n)
		}
	}
	return out
}
