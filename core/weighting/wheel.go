package weighting

import (
	"math/rand"
	"sort"
)

// Entry 转盘上的一个点歌人
type Entry struct {
	Requester string  `json:"requester"`
	Slice     Slice   `json:"slice"`
	Chance    float64 `json:"chance"`
}

// NormalizeChances 填充每项的 Chance，并按点歌人排序保证转盘渲染顺序稳定
func NormalizeChances(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool { return out[i].Requester < out[j].Requester })

	total := 0.0
	for _, e := range out {
		total += e.Slice.Size
	}
	for i := range out {
		if total > 0 {
			out[i].Chance = out[i].Slice.Size / total
		}
	}
	return out
}

// Spin 按转盘大小加权随机选出一个点歌人
func Spin(entries []Entry, rng *rand.Rand) (Entry, bool) {
	if len(entries) == 0 {
		return Entry{}, false
	}
	total := 0.0
	for _, e := range entries {
		total += e.Slice.Size
	}
	if total <= 0 {
		return entries[rng.Intn(len(entries))], true
	}

	target := rng.Float64() * total
	for _, e := range entries {
		target -= e.Slice.Size
		if target < 0 {
			return e, true
		}
	}
	return entries[len(entries)-1], true
}
