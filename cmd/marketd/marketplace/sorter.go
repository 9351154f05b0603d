package marketplace

import (
	"container/heap"

	"github.com/piconet/market-core/market"
)

// Cmp is the interface for a bid comparator.
type Cmp interface {
	// Cmp returns arbitrary number with the following semantics:
	// negative: i is considered to be less than j
	// zero: i is considered to be equal to j
	// positive: i is considered to be greater than j
	Cmp(i, j market.Bid) int
}

// CmpFn is a helper which turns a function to a Cmp interface.
func CmpFn(f func(i, j market.Bid) int) Cmp {
	return fnCmp{f: f}
}

type fnCmp struct {
	f func(i, j market.Bid) int
}

func (c fnCmp) Cmp(i, j market.Bid) int {
	return c.f(i, j)
}

type ordered struct {
	cmps []Cmp
}

// Ordered executes each comparator in order, i.e., if the first comparator
// judges the two bids to be equal, continues to the next comparator, and so
// on. It considers two bids to be equal if all comparators are exhausted.
func Ordered(cmps ...Cmp) Cmp {
	return ordered{cmps}
}

func (c ordered) Cmp(i, j market.Bid) int {
	for _, c := range c.cmps {
		result := c.Cmp(i, j)
		switch result {
		case 0:
			continue
		default:
			return result
		}
	}
	return 0
}

// Weighed combines comparators together with different weights, for
// allocation policies that trade off price, speed, and reputation. The result
// depends on both the weights given to each comparator and the scale of the
// comparison result of each comparator.
type Weighed struct {
	cmps    []Cmp
	weights []int
}

// Add returns a new weighed comparator with the comparator being added with
// the given weight.
func (wc Weighed) Add(cmp Cmp, weight int) Weighed {
	w := Weighed{cmps: wc.cmps, weights: wc.weights}
	w.cmps = append(w.cmps, cmp)
	w.weights = append(w.weights, weight)
	return w
}

// Cmp adds up the result of calling Cmp of each comparator with their respective weights.
func (wc Weighed) Cmp(i, j market.Bid) int {
	var weighed int
	for k, cmp := range wc.cmps {
		weighed += wc.weights[k] * cmp.Cmp(i, j)
	}
	return weighed
}

// LowerPrice returns a comparator which prefers the cheaper bid.
func LowerPrice() Cmp {
	return CmpFn(func(i, j market.Bid) int {
		switch {
		case i.Price < j.Price:
			return -1
		case i.Price > j.Price:
			return 1
		default:
			return 0
		}
	})
}

// ShorterEstimate returns a comparator which prefers the bid promising the
// shorter generation time.
func ShorterEstimate() Cmp {
	return CmpFn(func(i, j market.Bid) int {
		switch {
		case i.EstimatedTime < j.EstimatedTime:
			return -1
		case i.EstimatedTime > j.EstimatedTime:
			return 1
		default:
			return 0
		}
	})
}

type proverRate struct {
	rates map[market.ProverID]int
}

func (c proverRate) Cmp(i, j market.Bid) int {
	return c.rates[j.ProverID] - c.rates[i.ProverID]
}

// PreferReputation returns a comparator which considers some rate of the
// bidding prover, e.g. a scaled reputation score. Provers with a higher rate
// sort earlier; provers not in the table are considered to have zero rate.
func PreferReputation(rates map[market.ProverID]int) Cmp {
	return proverRate{rates}
}

// BidsSorter constructs a sorter from the given bids.
func BidsSorter(bids []market.Bid) Sorter {
	// the heap is constructed within its method calls.
	return Sorter{&bidHeap{h: bids}}
}

// Sorter ranks bids based on the comparator given.
type Sorter struct {
	bh *bidHeap
}

// Top returns up to n bids in comparator order, best first.
func (s Sorter) Top(n int, cmp Cmp) []market.Bid {
	h := make([]market.Bid, 0, len(s.bh.h))
	h = append(h, s.bh.h...)
	bh := &bidHeap{h: h, cmp: cmp}
	heap.Init(bh)
	if n > bh.Len() {
		n = bh.Len()
	}
	top := make([]market.Bid, 0, n)
	for len(top) < n {
		top = append(top, heap.Pop(bh).(market.Bid))
	}
	return top
}

// bidHeap is used to efficiently select auction winners.
type bidHeap struct {
	h   []market.Bid
	cmp Cmp
}

// Len returns the length of h.
func (bh bidHeap) Len() int {
	return len(bh.h)
}

// Less returns true if the value at i is less than the value at j.
func (bh bidHeap) Less(i, j int) bool {
	return bh.cmp.Cmp(bh.h[i], bh.h[j]) < 0
}

// Swap index i and j.
func (bh bidHeap) Swap(i, j int) {
	bh.h[i], bh.h[j] = bh.h[j], bh.h[i]
}

// Push adds x to h.
func (bh *bidHeap) Push(x interface{}) {
	bh.h = append(bh.h, x.(market.Bid))
}

// Pop removes and returns the last element in h.
func (bh *bidHeap) Pop() (x interface{}) {
	x, bh.h = bh.h[len(bh.h)-1], bh.h[:len(bh.h)-1]
	return x
}
