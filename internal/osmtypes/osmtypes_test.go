package osmtypes

import "testing"

func TestRoundedKeyDedup(t *testing.T) {
	a := Node{Lat: 45.1234561, Lon: -122.987654}
	b := Node{Lat: 45.1234564, Lon: -122.987654}
	if a.RoundedKey() != b.RoundedKey() {
		t.Fatalf("expected equal rounded keys for nearly-identical coordinates")
	}
}

func TestTagsWithout(t *testing.T) {
	tags := Tags{{Key: "osm_id", Value: "1"}, {Key: "highway", Value: "residential"}}
	out := tags.Without("osm_id")
	if len(out) != 1 || out[0].Key != "highway" {
		t.Fatalf("Without(osm_id) = %+v, want only highway tag", out)
	}
}

func TestMemberTypeSpelling(t *testing.T) {
	cases := []struct {
		in   string
		want MemberType
	}{
		{"way", MemberWay},
		{"w", MemberWay},
		{"node", MemberNode},
		{"n", MemberNode},
		{"relation", MemberRelation},
		{"r", MemberRelation},
	}
	for _, c := range cases {
		got, ok := ParseMemberType(c.in)
		if !ok || got != c.want {
			t.Errorf("ParseMemberType(%q) = (%v, %v), want (%v, true)", c.in, got, ok, c.want)
		}
	}
	if _, ok := ParseMemberType("bogus"); ok {
		t.Error("ParseMemberType(bogus) should fail")
	}
}

func TestVersionConstants(t *testing.T) {
	if NewVersion != 1 {
		t.Errorf("NewVersion = %d, want 1", NewVersion)
	}
	if ExistingVersion != 2 {
		t.Errorf("ExistingVersion = %d, want 2", ExistingVersion)
	}
	if DeletedVersion != 99 {
		t.Errorf("DeletedVersion = %d, want 99", DeletedVersion)
	}
}
