package provider

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"math"
	"time"
)

// Deterministic is an offline embedder producing stable hash-seeded
// unit vectors. Identical texts embed identically, so tests can assert
// cache behavior and exact-match retrieval without a vendor account.
type Deterministic struct {
	Dims int
}

// NewDeterministic creates a test embedder with the given dimensions.
func NewDeterministic(dims int) *Deterministic {
	if dims <= 0 {
		dims = 768
	}
	return &Deterministic{Dims: dims}
}

func (d *Deterministic) Embed(_ context.Context, _ string, texts []string, dims int) ([][]float32, CallMeta, error) {
	started := time.Now()
	if dims <= 0 {
		dims = d.Dims
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = hashVector(text, dims)
	}
	meta := CallMeta{Vendor: "deterministic", Elapsed: time.Since(started)}
	meta.Usage.InputTokens = len(texts)
	meta.Usage.TotalTokens = len(texts)
	return out, meta, nil
}

// hashVector expands the text's md5 into dims pseudo-random components
// and L2-normalizes.
func hashVector(text string, dims int) []float32 {
	v := make([]float32, dims)
	seed := md5.Sum([]byte(text))
	var sum float64
	for i := 0; i < dims; i++ {
		var block [20]byte
		copy(block[:], seed[:])
		binary.LittleEndian.PutUint32(block[16:], uint32(i))
		h := md5.Sum(block[:])
		u := binary.LittleEndian.Uint32(h[:4])
		// Map to (-1, 1)
		x := float64(int32(u)) / float64(math.MaxInt32)
		v[i] = float32(x)
		sum += x * x
	}
	norm := float32(math.Sqrt(sum))
	if norm == 0 {
		v[0] = 1
		return v
	}
	for i := range v {
		v[i] /= norm
	}
	return v
}
