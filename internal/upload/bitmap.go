package upload

import (
	"encoding/json"
	"fmt"
	"math/bits"
)

// Bitmap is a dense set of chunk indices bounded by the declared total.
type Bitmap struct {
	total int
	words []uint64
}

// NewBitmap creates an empty bitmap for indices [0, total).
func NewBitmap(total int) *Bitmap {
	if total < 0 {
		total = 0
	}
	return &Bitmap{total: total, words: make([]uint64, (total+63)/64)}
}

// Set marks index i and reports whether it was newly set.
// Out-of-range indices are ignored and report false.
func (b *Bitmap) Set(i int) bool {
	if i < 0 || i >= b.total {
		return false
	}
	w, mask := i/64, uint64(1)<<(uint(i)%64)
	if b.words[w]&mask != 0 {
		return false
	}
	b.words[w] |= mask
	return true
}

// Get reports whether index i is set.
func (b *Bitmap) Get(i int) bool {
	if i < 0 || i >= b.total {
		return false
	}
	return b.words[i/64]&(uint64(1)<<(uint(i)%64)) != 0
}

// Count returns the number of set indices.
func (b *Bitmap) Count() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Total returns the bound the bitmap was created with.
func (b *Bitmap) Total() int {
	return b.total
}

// Indices returns the set indices in ascending order.
func (b *Bitmap) Indices() []int {
	out := make([]int, 0, b.Count())
	for i := 0; i < b.total; i++ {
		if b.Get(i) {
			out = append(out, i)
		}
	}
	return out
}

// Clone returns an independent copy.
func (b *Bitmap) Clone() *Bitmap {
	cp := &Bitmap{total: b.total, words: make([]uint64, len(b.words))}
	copy(cp.words, b.words)
	return cp
}

type bitmapJSON struct {
	Total int      `json:"total"`
	Words []uint64 `json:"words"`
}

// MarshalJSON encodes the bitmap as its bound plus packed words.
func (b *Bitmap) MarshalJSON() ([]byte, error) {
	return json.Marshal(bitmapJSON{Total: b.total, Words: b.words})
}

// UnmarshalJSON restores a bitmap written by MarshalJSON.
func (b *Bitmap) UnmarshalJSON(data []byte) error {
	var raw bitmapJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	want := (raw.Total + 63) / 64
	if raw.Total < 0 || len(raw.Words) != want {
		return fmt.Errorf("bitmap: inconsistent encoding: total=%d words=%d", raw.Total, len(raw.Words))
	}
	b.total = raw.Total
	b.words = raw.Words
	return nil
}
