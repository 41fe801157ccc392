package balancing

import (
	"math/bits"
	"strconv"
	"strings"

	"bms-service/internal/types"
)

// MaxCells is the number of cells a Selection can address.
const MaxCells = 64

// Selection is a bitset over the cell indices of one board.
type Selection uint64

func (s Selection) Has(i int) bool {
	return i >= 0 && i < MaxCells && s&(1<<uint(i)) != 0
}

func (s Selection) With(i int) Selection    { return s | 1<<uint(i) }
func (s Selection) Without(i int) Selection { return s &^ (1 << uint(i)) }
func (s Selection) Empty() bool             { return s == 0 }
func (s Selection) Count() int              { return bits.OnesCount64(uint64(s)) }

// Indices lists the selected cells in ascending order.
func (s Selection) Indices() []int {
	out := make([]int, 0, s.Count())
	for v := uint64(s); v != 0; v &= v - 1 {
		out = append(out, bits.TrailingZeros64(v))
	}
	return out
}

func (s Selection) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for n, i := range s.Indices() {
		if n > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(i))
	}
	b.WriteByte('}')
	return b.String()
}

// Select returns the cells whose voltage exceeds target by more than
// threshold. With excludeAdjacent set, no two neighbouring cells are
// returned: of two adjacent candidates the one with the smaller excess is
// dropped (the lower index on a tie), and any candidate left without a
// selected neighbour is re-admitted afterwards, so the result is a maximal
// independent set of the candidates.
func Select(voltages []types.Voltage, target, threshold types.Voltage, excludeAdjacent bool) Selection {
	n := len(voltages)
	if n > MaxCells {
		n = MaxCells
	}

	var candidates Selection
	// int64 so extreme inputs cannot wrap the difference.
	var excess [MaxCells]int64
	for i := 0; i < n; i++ {
		excess[i] = int64(voltages[i]) - int64(target)
		if excess[i] > int64(threshold) {
			candidates = candidates.With(i)
		}
	}
	if !excludeAdjacent || candidates.Empty() {
		return candidates
	}

	var sel Selection
	retained := -1
	for i := 0; i < n; i++ {
		if !candidates.Has(i) {
			continue
		}
		if retained >= 0 && retained == i-1 {
			if excess[i] < excess[retained] {
				continue
			}
			sel = sel.Without(retained)
		}
		sel = sel.With(i)
		retained = i
	}

	for i := 0; i < n; i++ {
		if candidates.Has(i) && !sel.Has(i) && !sel.Has(i-1) && !sel.Has(i+1) {
			sel = sel.With(i)
		}
	}
	return sel
}

// PackMinimum returns the lowest cell voltage across all boards, or false
// when no voltages are known.
func PackMinimum(boards [][]types.Voltage) (types.Voltage, bool) {
	var low types.Voltage
	found := false
	for _, cells := range boards {
		for _, v := range cells {
			if !found || v < low {
				low = v
				found = true
			}
		}
	}
	return low, found
}
