package shard

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/dreamware/tessera/internal/coordstore"
	"github.com/dreamware/tessera/internal/sqlparse"
	"github.com/dreamware/tessera/internal/storage"
)

var (
	// ErrNotAssigned is returned before Assign has completed.
	ErrNotAssigned = errors.New("shard: regions not assigned")
	// ErrAlreadyAssigned is returned by a second call to Assign.
	ErrAlreadyAssigned = errors.New("shard: regions already assigned")
)

// Layout is the document a region server publishes: its regions and the
// ranges they own.
type Layout struct {
	CreatedAt time.Time    `json:"createdAt"`
	Shards    ShardMap     `json:"shards"`
	NodeID    string       `json:"nodeId"`
	Regions   []RegionInfo `json:"regions"`
}

// Execution is the result of a statement together with the region that
// ran it.
type Execution struct {
	RegionID string `json:"regionId"`
	storage.Result
}

// Assigner splits a region server's tables into key ranges, hands them to
// local regions and routes statements to the owning region.
//
// The shard map is built once by Assign and is read-only afterwards. Tables
// created later are placed whole on one region.
type Assigner struct {
	engine     storage.Engine
	shards     ShardMap
	byID       map[string]*Region
	placements map[string]*Region // table -> region for tables without ranges
	log        zerolog.Logger
	nodeID     string
	regions    []*Region
	cfg        Config
	createdAt  time.Time
	mu         sync.RWMutex
}

// NewAssigner creates an assigner for the node nodeID.
func NewAssigner(engine storage.Engine, nodeID string, cfg Config, log zerolog.Logger) *Assigner {
	return &Assigner{
		engine:     engine,
		nodeID:     nodeID,
		cfg:        cfg,
		log:        log,
		byID:       make(map[string]*Region),
		placements: make(map[string]*Region),
	}
}

// Assign reads every table's row count, allocates regions and builds the
// shard map. Region i owns range i of every table, so a node runs as many
// regions as its largest table has ranges, and at least one.
func (a *Assigner) Assign(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.regions != nil {
		return ErrAlreadyAssigned
	}

	tables, err := a.engine.Tables(ctx)
	if err != nil {
		return errors.Wrap(err, "shard: list tables")
	}
	counts := make(map[string]int, len(tables))
	regionCount := 1
	for _, table := range tables {
		rows, err := a.engine.RowCount(ctx, table)
		if err != nil {
			return errors.Wrapf(err, "shard: count rows of %s", table)
		}
		n := ShardCount(rows, a.cfg)
		counts[table] = n
		if n > regionCount {
			regionCount = n
		}
		a.log.Debug().Str("table", table).Int64("rows", rows).Int("shards", n).Msg("sized table")
	}

	regions := make([]*Region, regionCount)
	for i := range regions {
		regions[i] = NewRegion(fmt.Sprintf("%s-region-%d", a.nodeID, i), a.engine)
		a.byID[regions[i].ID] = regions[i]
	}
	a.regions = regions

	shards := make(ShardMap, len(tables))
	size := int64(a.cfg.ShardSize)
	var empty []string
	for _, table := range tables {
		n := counts[table]
		if n == 0 {
			empty = append(empty, table)
			continue
		}
		ranges := make([]ShardRange, n)
		for i := 0; i < n; i++ {
			start := int64(i) * size
			ranges[i] = ShardRange{Start: start, End: start + size - 1, RegionID: regions[i].ID}
			regions[i].addRange(table, ranges[i])
		}
		shards[table] = ranges
	}
	// Empty tables have no ranges; each lives whole on one region.
	for _, table := range empty {
		r := a.leastLoadedLocked()
		r.place(table)
		a.placements[table] = r
	}
	a.shards = shards
	a.createdAt = time.Now().UTC()

	a.log.Info().Int("regions", len(regions)).Int("tables", len(tables)).Msg("assigned shards")
	return nil
}

// Regions returns the node's regions in index order.
func (a *Assigner) Regions() []*Region {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]*Region(nil), a.regions...)
}

// Region returns the region with the given id.
func (a *Assigner) Region(id string) (*Region, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.byID[id]
	return r, ok
}

// ShardMap returns a copy of the shard map built by Assign.
func (a *Assigner) ShardMap() ShardMap {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.shards.Clone()
}

// Connections sums the statements running across all regions.
func (a *Assigner) Connections() int64 {
	var n int64
	for _, r := range a.Regions() {
		n += r.ConnectionCount()
	}
	return n
}

// Layout describes the node's regions and shard map.
func (a *Assigner) Layout() Layout {
	regions := a.Regions()
	a.mu.RLock()
	layout := Layout{
		NodeID:    a.nodeID,
		Shards:    a.shards.Clone(),
		CreatedAt: a.createdAt,
	}
	a.mu.RUnlock()
	for _, r := range regions {
		layout.Regions = append(layout.Regions, r.Info())
	}
	return layout
}

// Publish writes the layout as an ephemeral node named after the node id
// under parent.
func (a *Assigner) Publish(ctx context.Context, store coordstore.Store, parent string) error {
	if len(a.Regions()) == 0 {
		return ErrNotAssigned
	}
	data, err := json.Marshal(a.Layout())
	if err != nil {
		return errors.Wrap(err, "shard: encode layout")
	}
	path := coordstore.Join(parent, a.nodeID)
	err = store.Create(ctx, path, data, coordstore.Ephemeral)
	if errors.Is(err, coordstore.ErrNodeExists) {
		err = store.Set(ctx, path, data)
	}
	if err != nil {
		return errors.Wrapf(err, "shard: publish %s", path)
	}
	a.log.Info().Str("path", path).Msg("published shard map")
	return nil
}

// Route picks the region a statement runs on. A key from a
// "WHERE ... ID = n" predicate selects the range holding n; without a key
// the table's first range is used. A new table goes to the region that is
// responsible for the fewest shards.
func (a *Assigner) Route(sql string) (*Region, error) {
	if _, err := sqlparse.Classify(sql); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.regions) == 0 {
		return nil, ErrNotAssigned
	}

	table, err := sqlparse.TableName(sql)
	if errors.Is(err, sqlparse.ErrNoTable) {
		return a.regions[0], nil
	}
	if err != nil {
		return nil, err
	}

	if rng, ok := a.shards.First(table); ok {
		if key, found := sqlparse.KeyPredicate(sql); found {
			rng, _ = a.shards.Lookup(table, key)
		}
		return a.byID[rng.RegionID], nil
	}
	if r, ok := a.placements[table]; ok {
		return r, nil
	}
	if sqlparse.IsCreateTable(sql) {
		return a.leastLoadedLocked(), nil
	}
	return a.regions[0], nil
}

// leastLoadedLocked returns the region with the fewest shards, the lowest
// index winning ties. a.mu must be held.
func (a *Assigner) leastLoadedLocked() *Region {
	best := a.regions[0]
	bestCount := best.ShardCount()
	for _, r := range a.regions[1:] {
		if n := r.ShardCount(); n < bestCount {
			best, bestCount = r, n
		}
	}
	return best
}

// Exec routes and runs a statement. A successful CREATE TABLE places the new
// table on the region that ran it; a successful DROP TABLE releases that
// placement.
func (a *Assigner) Exec(ctx context.Context, sql string) (Execution, error) {
	r, err := a.Route(sql)
	if err != nil {
		return Execution{}, err
	}
	res, err := r.Exec(ctx, sql)
	if err != nil {
		return Execution{RegionID: r.ID}, errors.Wrapf(err, "region %s", r.ID)
	}

	kw := sqlparse.Keyword(sql)
	if kw == "CREATE" || kw == "DROP" {
		if table, terr := sqlparse.TableName(sql); terr == nil {
			a.mu.Lock()
			switch {
			case sqlparse.IsCreateTable(sql):
				if _, ranged := a.shards[table]; !ranged {
					if _, placed := a.placements[table]; !placed {
						r.place(table)
						a.placements[table] = r
						a.log.Info().Str("table", table).Str("region", r.ID).Msg("placed new table")
					}
				}
			case kw == "DROP":
				if owner, placed := a.placements[table]; placed {
					owner.unplace(table)
					delete(a.placements, table)
				}
			}
			a.mu.Unlock()
		}
	}
	return Execution{RegionID: r.ID, Result: res}, nil
}
