package shard

import (
	"sort"

	"github.com/pkg/errors"
)

// Config sizes the key ranges.
type Config struct {
	// MaxRegions caps the number of ranges per table, and so the number of
	// regions on a node.
	MaxRegions int
	// ShardSize is the number of keys in one range.
	ShardSize int
}

// DefaultConfig matches the defaults of the configuration file.
var DefaultConfig = Config{MaxRegions: 10, ShardSize: 10}

// ShardCount returns min(MaxRegions, ceil(rowCount / ShardSize)).
func ShardCount(rowCount int64, cfg Config) int {
	if rowCount <= 0 || cfg.ShardSize <= 0 || cfg.MaxRegions <= 0 {
		return 0
	}
	n := (rowCount + int64(cfg.ShardSize) - 1) / int64(cfg.ShardSize)
	if n > int64(cfg.MaxRegions) {
		return cfg.MaxRegions
	}
	return int(n)
}

// ShardRange is an inclusive interval of integer keys owned by one region.
type ShardRange struct {
	RegionID string `json:"regionId"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
}

// Contains reports whether key lies in [Start, End].
func (r ShardRange) Contains(key int64) bool {
	return key >= r.Start && key <= r.End
}

// ShardMap holds, per table, ranges ordered by Start that never overlap.
type ShardMap map[string][]ShardRange

// Lookup returns the range key falls in. Keys past the last range belong to
// the last range and keys before the first range to the first one.
func (m ShardMap) Lookup(table string, key int64) (ShardRange, bool) {
	rs := m[table]
	if len(rs) == 0 {
		return ShardRange{}, false
	}
	i := sort.Search(len(rs), func(i int) bool { return rs[i].End >= key })
	if i == len(rs) {
		return rs[len(rs)-1], true
	}
	return rs[i], true
}

// First returns the first range of table.
func (m ShardMap) First(table string) (ShardRange, bool) {
	rs := m[table]
	if len(rs) == 0 {
		return ShardRange{}, false
	}
	return rs[0], true
}

// Clone returns a deep copy.
func (m ShardMap) Clone() ShardMap {
	out := make(ShardMap, len(m))
	for table, rs := range m {
		out[table] = append([]ShardRange(nil), rs...)
	}
	return out
}

// Validate checks that every table's ranges are well formed, ordered and
// disjoint.
func (m ShardMap) Validate() error {
	for table, rs := range m {
		for i, r := range rs {
			if r.End < r.Start {
				return errors.Errorf("shard map: %s range %d ends before it starts", table, i)
			}
			if i > 0 && r.Start <= rs[i-1].End {
				return errors.Errorf("shard map: %s range %d overlaps or is out of order", table, i)
			}
		}
	}
	return nil
}
