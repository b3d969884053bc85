package ingest

import (
	"crypto/md5"
	"fmt"

	"github.com/classmind/kbengine/pkg/types"
)

// chunkDiff classifies a reindex by comparing chunk text hashes at
// identical indices. Hash collisions across different indices are not
// treated as moves; comparison is strictly positional.
type chunkDiff struct {
	Kept    []int // index present in both, hash equal
	Updated []int // index present in both, hash changed
	Deleted []int // index only in prior set
	Added   []int // index only in new set
}

func (d chunkDiff) summary() *types.ChangeSummary {
	return &types.ChangeSummary{
		Added:   len(d.Added),
		Updated: len(d.Updated),
		Deleted: len(d.Deleted),
	}
}

func chunkHash(text string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(text)))
}

// diffChunks compares prior chunks against the newly produced set.
func diffChunks(prior []types.Chunk, next []types.Chunk) chunkDiff {
	priorHash := make(map[int]string, len(prior))
	for _, c := range prior {
		priorHash[c.ChunkIndex] = chunkHash(c.Text)
	}
	nextHash := make(map[int]string, len(next))
	for _, c := range next {
		nextHash[c.ChunkIndex] = chunkHash(c.Text)
	}

	var d chunkDiff
	for idx, ph := range priorHash {
		nh, ok := nextHash[idx]
		switch {
		case !ok:
			d.Deleted = append(d.Deleted, idx)
		case nh == ph:
			d.Kept = append(d.Kept, idx)
		default:
			d.Updated = append(d.Updated, idx)
		}
	}
	for idx := range nextHash {
		if _, ok := priorHash[idx]; !ok {
			d.Added = append(d.Added, idx)
		}
	}
	return d
}
