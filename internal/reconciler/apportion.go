package reconciler

import (
	"fmt"
	"math/bits"
	"sort"
)

// Apportioner splits a non-negative total across UIDs given each UID's
// activity weight for the interval. Shares must sum to total whenever at
// least one weight is positive, and the result must be deterministic.
type Apportioner interface {
	Apportion(total int64, weights map[int]int64) map[int]int64
}

// NewApportioner returns the policy registered under name.
func NewApportioner(name string) (Apportioner, error) {
	switch name {
	case "", "proportional":
		return Proportional{}, nil
	case "even":
		return Even{}, nil
	}
	return nil, fmt.Errorf("apportion policy %q not supported", name)
}

// Proportional shares by weight using the largest remainder method. Ties
// on the remainder go to the lower UID.
type Proportional struct{}

func (Proportional) Apportion(total int64, weights map[int]int64) map[int]int64 {
	uids, sum := positive(weights)
	if total <= 0 || len(uids) == 0 {
		return nil
	}

	type share struct {
		uid int
		rem uint64
	}
	out := make(map[int]int64, len(uids))
	rems := make([]share, 0, len(uids))
	var given int64
	for _, uid := range uids {
		// total*w/sum with a 128-bit intermediate; w <= sum so the
		// quotient always fits.
		hi, lo := bits.Mul64(uint64(total), uint64(weights[uid]))
		q, r := bits.Div64(hi, lo, sum)
		out[uid] = int64(q)
		given += int64(q)
		rems = append(rems, share{uid: uid, rem: r})
	}
	sort.SliceStable(rems, func(i, j int) bool {
		if rems[i].rem != rems[j].rem {
			return rems[i].rem > rems[j].rem
		}
		return rems[i].uid < rems[j].uid
	})
	for i := 0; given < total; i++ {
		out[rems[i%len(rems)].uid]++
		given++
	}
	return out
}

// Even splits the total equally among active UIDs regardless of weight.
// The remainder goes to the lowest UIDs.
type Even struct{}

func (Even) Apportion(total int64, weights map[int]int64) map[int]int64 {
	uids, _ := positive(weights)
	if total <= 0 || len(uids) == 0 {
		return nil
	}
	n := int64(len(uids))
	out := make(map[int]int64, len(uids))
	for i, uid := range uids {
		out[uid] = total / n
		if int64(i) < total%n {
			out[uid]++
		}
	}
	return out
}

func positive(weights map[int]int64) ([]int, uint64) {
	uids := make([]int, 0, len(weights))
	var sum uint64
	for uid, w := range weights {
		if w > 0 {
			uids = append(uids, uid)
			sum += uint64(w)
		}
	}
	sort.Ints(uids)
	return uids, sum
}
