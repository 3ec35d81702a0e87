package relations

import (
	"testing"

	"github.com/trailbehind/changegen/internal/osmtypes"
)

// TestModifyWithScenarioE mirrors spec.md's concrete Scenario E: given a
// relations store with one relation (id=4567, one member) and an input
// Node tagged _member_of_somerelation=4567,9999, after ModifyWith the
// relation has two members and ModifiedSet = {4567} — 9999 is absent,
// skipped silently.
func TestModifyWithScenarioE(t *testing.T) {
	store := map[int64]osmtypes.Relation{
		4567: {
			ID:      4567,
			Version: 3,
			Members: []osmtypes.RelationMember{{Ref: 1, Type: osmtypes.MemberWay, Role: "outer"}},
		},
	}
	u := New(store)

	obj := ObjectRef{
		ID:   100,
		Type: osmtypes.MemberNode,
		Tags: osmtypes.Tags{{Key: "_member_of_somerelation", Value: "4567,9999"}},
	}

	u.ModifyWith(obj, "_member_of_", nil)

	rel := u.RelationsDB[4567]
	if len(rel.Members) != 2 {
		t.Fatalf("relation has %d members, want 2", len(rel.Members))
	}
	if rel.Members[1].Ref != 100 {
		t.Fatalf("new member ref = %d, want 100", rel.Members[1].Ref)
	}

	if _, ok := u.ModifiedSet[4567]; !ok {
		t.Fatalf("ModifiedSet should contain 4567")
	}
	if len(u.ModifiedSet) != 1 {
		t.Fatalf("ModifiedSet has %d entries, want 1 (9999 should be skipped silently)", len(u.ModifiedSet))
	}
	if _, ok := u.RelationsDB[9999]; ok {
		t.Fatalf("relation 9999 should not have been created")
	}
}

func TestModifyWithInsertAtPosition(t *testing.T) {
	store := map[int64]osmtypes.Relation{
		1: {
			ID: 1,
			Members: []osmtypes.RelationMember{
				{Ref: 10, Type: osmtypes.MemberWay},
				{Ref: 20, Type: osmtypes.MemberWay},
				{Ref: 30, Type: osmtypes.MemberWay},
			},
		},
	}
	u := New(store)
	obj := ObjectRef{ID: 99, Type: osmtypes.MemberWay, Tags: osmtypes.Tags{{Key: "_member_of_x", Value: "1"}}}

	at := int64(20)
	u.ModifyWith(obj, "_member_of_", &at)

	members := u.RelationsDB[1].Members
	if len(members) != 4 {
		t.Fatalf("got %d members, want 4", len(members))
	}
	if members[1].Ref != 99 {
		t.Fatalf("new member should be inserted at index 1 (before ref 20), got %+v", members)
	}
}

func TestModifyWithUnknownRelationIsSkipped(t *testing.T) {
	u := New(nil)
	obj := ObjectRef{ID: 1, Type: osmtypes.MemberNode, Tags: osmtypes.Tags{{Key: "_member_of_x", Value: "404"}}}
	u.ModifyWith(obj, "_member_of_", nil)
	if len(u.ModifiedSet) != 0 {
		t.Fatalf("ModifiedSet should remain empty for an unknown relation id")
	}
}

func TestLoadRelationsDoesNotClobberModified(t *testing.T) {
	u := New(map[int64]osmtypes.Relation{
		1: {ID: 1, Members: []osmtypes.RelationMember{{Ref: 10, Type: osmtypes.MemberWay}}},
	})
	u.ModifyWith(ObjectRef{ID: 99, Type: osmtypes.MemberWay, Tags: osmtypes.Tags{{Key: "_member_of_x", Value: "1"}}}, "_member_of_", nil)
	if len(u.RelationsDB[1].Members) != 2 {
		t.Fatalf("setup failed: expected relation 1 to have 2 members before reload")
	}

	// A later table's relation pre-pass resolves the same id again from
	// the OSM file; the stale, unmodified copy must not overwrite the
	// in-memory modification already made.
	u.LoadRelations(map[int64]osmtypes.Relation{
		1: {ID: 1, Members: []osmtypes.RelationMember{{Ref: 10, Type: osmtypes.MemberWay}}},
		2: {ID: 2, Members: []osmtypes.RelationMember{{Ref: 20, Type: osmtypes.MemberWay}}},
	})

	if len(u.RelationsDB[1].Members) != 2 {
		t.Fatalf("LoadRelations clobbered an already-modified relation: %+v", u.RelationsDB[1])
	}
	if _, ok := u.RelationsDB[2]; !ok {
		t.Fatalf("LoadRelations should still add previously-unseen relation 2")
	}
}
