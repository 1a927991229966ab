package harvest

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/codeharvest/internal/repolist"
)

// DefaultSeed is the shuffle seed used when none is configured.
const DefaultSeed int64 = 42

// ErrInvalidThreads is returned by Partition for fewer than one shard.
var ErrInvalidThreads = errors.New("harvest: thread count must be at least 1")

// Order returns a copy of records sorted by their list row, then shuffled by
// a PCG generator seeded with seed. The result depends only on the input and
// the seed.
func Order(records []repolist.Record, seed int64) []repolist.Record {
	out := slices.Clone(records)
	slices.SortStableFunc(out, compareRows)

	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// compareRows orders records by (name, stars, language) as the text of their
// list columns, so "10" sorts before "9".
func compareRows(a, b repolist.Record) int {
	if c := strings.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	if c := strings.Compare(strconv.Itoa(a.Stars), strconv.Itoa(b.Stars)); c != 0 {
		return c
	}
	return strings.Compare(a.Language, b.Language)
}

// Partition splits records into n contiguous shards. Every shard but the
// last holds len(records)/n records; the last also takes the remainder.
func Partition(records []repolist.Record, n int) ([][]repolist.Record, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidThreads, n)
	}
	size := len(records) / n
	shards := make([][]repolist.Record, n)
	for i := 0; i < n-1; i++ {
		shards[i] = records[i*size : (i+1)*size]
	}
	shards[n-1] = records[(n-1)*size:]
	return shards, nil
}
