package compiler

import (
	"testing"

	"github.com/paulmach/orb"

	"github.com/trailbehind/changegen/internal/idalloc"
	"github.com/trailbehind/changegen/internal/osmchange"
	"github.com/trailbehind/changegen/internal/osmtypes"
)

// TestSubdivideScenarioA mirrors spec.md's concrete Scenario A: feeding
// 3,000 sequential ids as a single linestring with max_nodes_per_way=2000
// must produce at least 2 sub-ways covering all 3,000 ids, with each
// consecutive pair sharing exactly one id.
func TestSubdivideScenarioA(t *testing.T) {
	ids := make([]int64, 3000)
	for i := range ids {
		ids[i] = int64(i + 1)
	}

	c := &Compiler{Alloc: idalloc.New(1, false), MaxNodesPerWay: 2000}
	ways := c.subdivide(ids, nil, osmtypes.Tags{{Key: "highway", Value: "residential"}}, false)

	if len(ways) < 2 {
		t.Fatalf("got %d sub-ways, want >= 2", len(ways))
	}

	for i := 0; i < len(ways); i++ {
		if len(ways[i].Nds) > subdivisionChunk+1 {
			t.Errorf("way %d has %d nodes, want <= %d", i, len(ways[i].Nds), subdivisionChunk+1)
		}
	}

	for i := 0; i < len(ways)-1; i++ {
		last := ways[i].Nds[len(ways[i].Nds)-1]
		first := ways[i+1].Nds[0]
		if last != first {
			t.Errorf("way %d last id %d != way %d first id %d", i, last, i+1, first)
		}
	}

	total := make(map[int64]struct{})
	for _, w := range ways {
		for _, id := range w.Nds {
			total[id] = struct{}{}
		}
	}
	if len(total) != 3000 {
		t.Errorf("covered %d distinct ids, want 3000", len(total))
	}
}

func TestSubdivideSingleWayUnderLimit(t *testing.T) {
	ids := []int64{1, 2, 3, 4, 5}
	c := &Compiler{Alloc: idalloc.New(1, false), MaxNodesPerWay: 2000}
	ways := c.subdivide(ids, nil, nil, false)
	if len(ways) != 1 {
		t.Fatalf("got %d ways, want 1", len(ways))
	}
	if len(ways[0].Nds) != 5 {
		t.Fatalf("got %d nds, want 5", len(ways[0].Nds))
	}
}

func TestSubdivideClosedRingUnderLimitAppendsFirstID(t *testing.T) {
	ids := []int64{10, 11, 12, 13}
	c := &Compiler{Alloc: idalloc.New(1, false), MaxNodesPerWay: 2000}
	ways := c.subdivide(ids, nil, nil, true)
	if len(ways) != 1 {
		t.Fatalf("got %d ways, want 1", len(ways))
	}
	nds := ways[0].Nds
	if nds[0] != nds[len(nds)-1] {
		t.Fatalf("closed ring way does not repeat first id: %v", nds)
	}
}

func TestSubdivideUnlimited(t *testing.T) {
	ids := make([]int64, 3000)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	c := &Compiler{Alloc: idalloc.New(1, false), MaxNodesPerWay: MaxNodesUnlimited}
	ways := c.subdivide(ids, nil, nil, false)
	if len(ways) != 1 {
		t.Fatalf("got %d ways with unlimited node count, want 1", len(ways))
	}
}

func TestGenerateTagsColumnsWinOverHstore(t *testing.T) {
	attrs := map[string]string{"highway": "residential", "osm_id": "5"}
	fields := []string{"highway", "osm_id"}
	hstore := map[string]string{"highway": "track", "surface": "paved"}
	excl := map[string]struct{}{"osm_id": {}}

	tags := GenerateTags(attrs, fields, hstore, excl)

	got := map[string]string{}
	for _, t := range tags {
		got[t.Key] = t.Value
	}

	if got["highway"] != "residential" {
		t.Errorf(`highway tag = %q, want "residential" (column wins)`, got["highway"])
	}
	if got["surface"] != "paved" {
		t.Errorf(`surface tag = %q, want "paved"`, got["surface"])
	}
	if _, present := got["osm_id"]; present {
		t.Errorf("osm_id should be excluded")
	}
}

func TestCompilePointModifyMeta(t *testing.T) {
	c := &Compiler{Alloc: idalloc.New(1, false), ModifyMeta: true}
	result, err := c.compilePoint(orb.Point{1, 2}, osmtypes.Tags{{Key: "osm_id", Value: "42"}, {Key: "amenity", Value: "cafe"}}, 42)
	if err != nil {
		t.Fatalf("compilePoint: %v", err)
	}
	if len(result.Modify) != 1 || len(result.Create) != 0 {
		t.Fatalf("modify-only Point should produce one modify primitive, got %+v", result)
	}
	n := result.Modify[0].Node
	if n.ID != 42 || n.Version != osmtypes.ExistingVersion {
		t.Fatalf("got id=%d version=%d, want id=42 version=2", n.ID, n.Version)
	}
	for _, tag := range n.Tags {
		if tag.Key == "osm_id" {
			t.Fatalf("osm_id tag should have been stripped")
		}
	}
}

func TestResultPrimaryPicksNodeForPoint(t *testing.T) {
	c := &Compiler{Alloc: idalloc.New(1, false)}
	result, err := c.compilePoint(orb.Point{1, 2}, nil, 0)
	if err != nil {
		t.Fatalf("compilePoint: %v", err)
	}
	id, kind, ok := result.Primary()
	if !ok {
		t.Fatal("expected a primary primitive")
	}
	if kind != osmtypes.MemberNode {
		t.Fatalf("kind = %v, want MemberNode", kind)
	}
	if id != result.Create[0].Node.ID {
		t.Fatalf("primary id = %d, want %d (the created node)", id, result.Create[0].Node.ID)
	}
}

func TestResultPrimaryPicksLastWayForLineString(t *testing.T) {
	ids := []int64{1, 2, 3}
	ways := (&Compiler{Alloc: idalloc.New(1, false), MaxNodesPerWay: 2000}).subdivide(ids, nil, nil, false)
	result := Result{}
	for _, w := range ways {
		result.Create = append(result.Create, osmchange.WayP(w))
	}
	id, kind, ok := result.Primary()
	if !ok {
		t.Fatal("expected a primary primitive")
	}
	if kind != osmtypes.MemberWay {
		t.Fatalf("kind = %v, want MemberWay", kind)
	}
	if id != ways[len(ways)-1].ID {
		t.Fatalf("primary id = %d, want last way's id %d", id, ways[len(ways)-1].ID)
	}
}
