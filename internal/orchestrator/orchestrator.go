// Package orchestrator drives the whole pipeline (C9): it builds the
// intersection index once per input table, streams new features through
// the compiler, threads intersections into existing ways, and writes a
// single OSMChange file per table.
//
// Grounded on original_source/changegen/generator.py's generate_changes
// and generate_deletions, restructured into an owned *Orchestrator with
// explicit Run/RunDeletionsOnly methods per SPEC_FULL.md's supplemented
// feature #1.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/trailbehind/changegen/internal/compiler"
	"github.com/trailbehind/changegen/internal/config"
	"github.com/trailbehind/changegen/internal/existingosm"
	"github.com/trailbehind/changegen/internal/idalloc"
	"github.com/trailbehind/changegen/internal/intersect"
	"github.com/trailbehind/changegen/internal/osmchange"
	"github.com/trailbehind/changegen/internal/osmtypes"
	"github.com/trailbehind/changegen/internal/relations"
	"github.com/trailbehind/changegen/internal/spatialdb"
	"github.com/trailbehind/changegen/internal/waymod"
)

const defaultGeomField = "geometry"
const defaultIDField = "osm_id"
const defaultIntersectionBuffer = 5.0
const relationTagPrefix = "_member_of_"

// Orchestrator holds the resources shared across every table processed
// in one invocation: configuration, the spatial data source, the id
// allocator (shared so offsets never collide across tables), and the
// relation updater (shared across tables; each table's referenced
// relations are merged into it before that table's features compile).
type Orchestrator struct {
	Cfg   *config.Config
	DB    *spatialdb.DataSource
	Alloc *idalloc.Allocator
	Rel   *relations.Updater
}

// New constructs an Orchestrator, running the id-collision pre-flight
// check described in spec.md §4.1 when cfg.NoCollisions is set.
func New(cfg *config.Config, db *spatialdb.DataSource) (*Orchestrator, error) {
	if cfg.NoCollisions {
		max, err := existingosm.ScanMaxIDs(cfg.OsmSrc)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: id-collision pre-flight: %w", err)
		}
		worst := max.Node
		if max.Way > worst {
			worst = max.Way
		}
		if max.Relation > worst {
			worst = max.Relation
		}
		if cfg.IDOffset <= worst {
			return nil, fmt.Errorf("orchestrator: id_offset %d collides with existing id %d in %s (--no_collisions set)", cfg.IDOffset, worst, cfg.OsmSrc)
		}
	}

	return &Orchestrator{
		Cfg:   cfg,
		DB:    db,
		Alloc: idalloc.New(cfg.IDOffset, cfg.NegID),
		Rel:   relations.New(nil),
	}, nil
}

func memberSpelling(cfg *config.Config) osmchange.MemberSpelling {
	if cfg.ShortMemberType {
		return osmchange.ShortSpelling
	}
	return osmchange.LongSpelling
}

// Run processes one "new features" table end to end: builds the
// intersection index, compiles every feature, modifies intersected
// existing ways, and writes <outdir>/<table>.osc[.gz].
func (o *Orchestrator) Run(ctx context.Context, table string) error {
	outPath := filepath.Join(o.Cfg.OutDir, table+".osc")
	if o.Cfg.Compress {
		outPath += ".gz"
	}

	w, err := osmchange.Create(outPath, osmchange.Options{
		Compress: o.Cfg.Compress,
		Spelling: memberSpelling(o.Cfg),
	})
	if err != nil {
		return err
	}
	defer w.Close()

	idx, err := intersect.Build(ctx, o.DB, o.Alloc, table, o.Cfg.Existing, defaultGeomField, defaultGeomField, defaultIDField, defaultIntersectionBuffer, o.Cfg.Self)
	if err != nil {
		return fmt.Errorf("orchestrator: building intersection index for %s: %w", table, err)
	}

	fields, err := o.DB.Fields(ctx, table)
	if err != nil {
		return fmt.Errorf("orchestrator: reading fields for %s: %w", table, err)
	}

	comp := &compiler.Compiler{
		Alloc:          o.Alloc,
		Index:          idx,
		MaxNodesPerWay: translateMaxNodes(o.Cfg.MaxNodesPerWay),
		ModifyMeta:     o.Cfg.ModifyMeta,
	}

	if o.Cfg.ModifyMeta {
		ids, err := o.DB.IDs(ctx, table, defaultIDField)
		if err != nil {
			return fmt.Errorf("orchestrator: listing modify-only ids for %s: %w", table, err)
		}
		wayIDs := make([]int64, 0, len(ids))
		for _, s := range ids {
			var id int64
			if _, err := fmt.Sscanf(s, "%d", &id); err == nil {
				wayIDs = append(wayIDs, id)
			}
		}
		wm, err := existingosm.WaysByIDs(o.Cfg.OsmSrc, wayIDs)
		if err != nil {
			return fmt.Errorf("orchestrator: loading existing way node maps: %w", err)
		}
		comp.ExistingWays = wm
	}

	excl := map[string]struct{}{defaultIDField: {}, "geometry": {}}
	hstoreCol := o.Cfg.HstoreTags

	if err := o.loadReferencedRelations(ctx, table, fields, hstoreCol, excl); err != nil {
		return err
	}

	alreadyModified := make(map[int64]struct{}, len(o.Rel.ModifiedSet))
	for id := range o.Rel.ModifiedSet {
		alreadyModified[id] = struct{}{}
	}

	if err := o.compileFeatures(ctx, table, comp, fields, hstoreCol, excl, w); err != nil {
		return err
	}

	if err := o.writeModifiedExisting(ctx, idx, w); err != nil {
		return err
	}

	if err := o.writeDeletions(ctx, w); err != nil {
		return err
	}

	if err := o.writeModifiedRelations(alreadyModified, w); err != nil {
		return err
	}

	return w.Close()
}

// loadReferencedRelations implements spec.md §4.4's relation half of C4:
// before any feature in table can be linked into a relation (C8), every
// relation id its rows refer to via a "_member_of_" tag must already be
// present in the relation store. This makes one lean pass over table
// collecting candidate ids, then a single filtered PBF scan to resolve
// them, merging into the shared (cross-table) relation store.
func (o *Orchestrator) loadReferencedRelations(ctx context.Context, table string, fields []string, hstoreCol string, excl map[string]struct{}) error {
	it, err := o.DB.Iter(ctx, table, defaultGeomField, hstoreCol)
	if err != nil {
		return fmt.Errorf("orchestrator: scanning %s for relation references: %w", table, err)
	}
	defer it.Close()

	ids := make(map[int64]struct{})
	for {
		feat, ok, err := it.Next()
		if err != nil {
			return fmt.Errorf("orchestrator: reading feature from %s: %w", table, err)
		}
		if !ok {
			break
		}
		tags := compiler.GenerateTags(feat.Attrs, fields, compiler.HstoreAttrs(feat.Attrs), excl)
		for _, tag := range tags {
			if !strings.HasPrefix(tag.Key, relationTagPrefix) {
				continue
			}
			for _, idStr := range strings.Split(tag.Value, ",") {
				var id int64
				if _, err := fmt.Sscanf(strings.TrimSpace(idStr), "%d", &id); err == nil {
					ids[id] = struct{}{}
				}
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}

	wanted := make([]int64, 0, len(ids))
	for id := range ids {
		wanted = append(wanted, id)
	}
	rels, err := existingosm.RelationsByIDs(o.Cfg.OsmSrc, wanted)
	if err != nil {
		return fmt.Errorf("orchestrator: loading referenced relations for %s: %w", table, err)
	}
	o.Rel.LoadRelations(rels)
	return nil
}

// writeModifiedRelations emits a modify batch for every relation touched
// by this table's ModifyWith calls that was not already modified by an
// earlier table in the same run (the relation store and its modified
// set are shared across every table C9 processes).
func (o *Orchestrator) writeModifiedRelations(alreadyModified map[int64]struct{}, w *osmchange.Writer) error {
	var fresh []osmchange.Primitive
	for id := range o.Rel.ModifiedSet {
		if _, old := alreadyModified[id]; old {
			continue
		}
		fresh = append(fresh, osmchange.RelationP(o.Rel.RelationsDB[id]))
	}
	if len(fresh) == 0 {
		return nil
	}
	return w.AddModify(fresh)
}

func translateMaxNodes(n int) int {
	if n == config.MaxNodesUnlimited {
		return compiler.MaxNodesUnlimited
	}
	return n
}

func (o *Orchestrator) compileFeatures(ctx context.Context, table string, comp *compiler.Compiler, fields []string, hstoreCol string, excl map[string]struct{}, w *osmchange.Writer) error {
	it, err := o.DB.Iter(ctx, table, defaultGeomField, hstoreCol)
	if err != nil {
		return fmt.Errorf("orchestrator: iterating %s: %w", table, err)
	}
	defer it.Close()

	for {
		feat, ok, err := it.Next()
		if err != nil {
			return fmt.Errorf("orchestrator: reading feature from %s: %w", table, err)
		}
		if !ok {
			break
		}
		if feat.Geom == nil {
			log.Printf("orchestrator: feature %s in %s has empty geometry, skipping", feat.ID, table)
			continue
		}

		tags := compiler.GenerateTags(feat.Attrs, fields, compiler.HstoreAttrs(feat.Attrs), excl)

		var osmID int64
		fmt.Sscanf(feat.ID, "%d", &osmID)

		result, err := comp.Compile(feat.Geom, tags, osmID)
		if err != nil {
			log.Printf("orchestrator: skipping feature %s in %s: %v", feat.ID, table, err)
			continue
		}

		if id, kind, ok := result.Primary(); ok {
			o.Rel.ModifyWith(relations.ObjectRef{ID: id, Type: kind, Tags: tags}, relationTagPrefix, nil)
		}

		if len(result.Create) > 0 {
			if err := w.AddCreate(result.Create); err != nil {
				return err
			}
		}
		if len(result.Modify) > 0 {
			if err := w.AddModify(result.Modify); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeModifiedExisting implements spec.md §4.9 step 4: for every
// intersecting id recorded by the intersection index, load its existing
// geometry, run the existing-way modifier, and emit one modify batch
// for all the resulting ways followed by one create batch for the
// intersection nodes themselves.
func (o *Orchestrator) writeModifiedExisting(ctx context.Context, idx *intersect.Index, w *osmchange.Writer) error {
	seen := make(map[int64]struct{})
	var wayIDs []int64
	for _, ids := range idx.IntersectedIDs {
		for _, s := range ids {
			var id int64
			if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			wayIDs = append(wayIDs, id)
		}
	}

	if len(wayIDs) > 0 {
		details, err := existingosm.WayDetailsByIDs(o.Cfg.OsmSrc, wayIDs)
		if err != nil {
			return fmt.Errorf("orchestrator: loading intersected existing ways: %w", err)
		}

		modifier := &waymod.Modifier{Index: idx}
		var modified []osmchange.Primitive
		for id, d := range details {
			way := osmtypes.Way{ID: id, Version: osmtypes.ExistingVersion, Nds: d.Nds}
			coords, err := existingosm.WayGeometry(o.Cfg.OsmSrc, way)
			if err != nil {
				log.Printf("orchestrator: resolving geometry for existing way %d: %v", id, err)
				continue
			}
			// Polygon-shaped existing features are never threaded; see
			// DESIGN.md's Open Question decisions. This pipeline only
			// resolves way geometries (linestrings), so isPolygon is
			// always false here.
			updated := modifier.Modify(id, d.Nds, coords, d.Tags, false)
			modified = append(modified, osmchange.WayP(updated))
		}
		if len(modified) > 0 {
			if err := w.AddModify(modified); err != nil {
				return err
			}
		}
	}

	if len(idx.Nodes) > 0 {
		batch := make([]osmchange.Primitive, 0, len(idx.Nodes))
		for _, n := range idx.Nodes {
			batch = append(batch, osmchange.NodeP(n))
		}
		if err := w.AddCreate(batch); err != nil {
			return err
		}
	}
	return nil
}

// writeDeletions implements spec.md §4.9 step 5: for each way id in each
// configured deletion table, emit its constituent node ids followed by
// the way id itself, deduplicating node ids across ways.
func (o *Orchestrator) writeDeletions(ctx context.Context, w *osmchange.Writer) error {
	if len(o.Cfg.Deletions) == 0 {
		return nil
	}
	return o.writeDeletionsFor(ctx, o.Cfg.Deletions, w, false)
}

// RunDeletionsOnly implements SPEC_FULL.md's supplemented feature #1: a
// standalone deletions-only mode over table, optionally skipping the
// constituent-node deletion records entirely (mirroring the original's
// skip_nodes option).
func (o *Orchestrator) RunDeletionsOnly(ctx context.Context, table, idField string, skipNodes bool) error {
	outPath := filepath.Join(o.Cfg.OutDir, table+".osc")
	if o.Cfg.Compress {
		outPath += ".gz"
	}
	w, err := osmchange.Create(outPath, osmchange.Options{Compress: o.Cfg.Compress, Spelling: memberSpelling(o.Cfg)})
	if err != nil {
		return err
	}
	defer w.Close()

	if err := o.writeDeletionsForWithField(ctx, []string{table}, idField, w, skipNodes); err != nil {
		return err
	}
	return w.Close()
}

func (o *Orchestrator) writeDeletionsFor(ctx context.Context, tables []string, w *osmchange.Writer, skipNodes bool) error {
	return o.writeDeletionsForWithField(ctx, tables, defaultIDField, w, skipNodes)
}

func (o *Orchestrator) writeDeletionsForWithField(ctx context.Context, tables []string, idField string, w *osmchange.Writer, skipNodes bool) error {
	knownNodes := make(map[int64]struct{})
	var batch []osmchange.Primitive

	for _, table := range tables {
		ids, err := o.DB.IDs(ctx, table, idField)
		if err != nil {
			return fmt.Errorf("orchestrator: listing deletion ids for %s: %w", table, err)
		}
		var wayIDs []int64
		for _, s := range ids {
			var id int64
			if _, err := fmt.Sscanf(s, "%d", &id); err == nil {
				wayIDs = append(wayIDs, id)
			}
		}

		nodeMap, err := existingosm.WaysByIDs(o.Cfg.OsmSrc, wayIDs)
		if err != nil {
			return fmt.Errorf("orchestrator: loading ways to delete for %s: %w", table, err)
		}

		for _, wayID := range wayIDs {
			nds, ok := nodeMap[wayID]
			if !ok {
				log.Printf("orchestrator: deletion way %d not found in %s, skipping", wayID, o.Cfg.OsmSrc)
				continue
			}
			if !skipNodes {
				for _, nd := range nds {
					if _, dup := knownNodes[nd]; dup {
						continue
					}
					knownNodes[nd] = struct{}{}
					batch = append(batch, osmchange.NodeP(osmtypes.Node{
						ID: nd, Version: osmtypes.DeletedVersion, Lat: 0, Lon: 0,
					}))
				}
			}
			batch = append(batch, osmchange.WayP(osmtypes.Way{
				ID: wayID, Version: osmtypes.DeletedVersion,
			}))
		}
	}

	if len(batch) > 0 {
		return w.AddDelete(batch)
	}
	return nil
}
