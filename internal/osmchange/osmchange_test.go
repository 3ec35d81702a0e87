package osmchange

import (
	"bytes"
	"strings"
	"testing"

	"github.com/trailbehind/changegen/internal/osmtypes"
)

type nopCloserBuffer struct {
	*bytes.Buffer
}

func (nopCloserBuffer) Close() error { return nil }

func TestWriteCreateModifyDelete(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := New(nopCloserBuffer{buf}, Options{Generator: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := w.AddCreate([]Primitive{NodeP(osmtypes.Node{ID: 1, Version: 1, Lat: 1.5, Lon: 2.5})}); err != nil {
		t.Fatalf("AddCreate: %v", err)
	}
	if err := w.AddModify([]Primitive{WayP(osmtypes.Way{ID: 2, Version: 2, Nds: []int64{1, 3}})}); err != nil {
		t.Fatalf("AddModify: %v", err)
	}
	if err := w.AddDelete([]Primitive{NodeP(osmtypes.Node{ID: 3, Version: 99})}); err != nil {
		t.Fatalf("AddDelete: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		`<osmChange version="0.6" generator="test">`,
		"<create>", "<modify>", "<delete>",
		`id="1"`, `id="2"`, `id="3"`,
		"</osmChange>",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\nfull output:\n%s", want, out)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := New(nopCloserBuffer{buf}, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	buf := &bytes.Buffer{}
	w, _ := New(nopCloserBuffer{buf}, Options{})
	w.Close()
	if err := w.AddCreate([]Primitive{NodeP(osmtypes.Node{ID: 1})}); err == nil {
		t.Fatalf("expected error writing to a closed writer")
	}
}

func TestRelationMemberSpelling(t *testing.T) {
	buf := &bytes.Buffer{}
	w, _ := New(nopCloserBuffer{buf}, Options{Spelling: ShortSpelling})
	rel := osmtypes.Relation{
		ID: 1, Version: 1,
		Members: []osmtypes.RelationMember{{Ref: 5, Type: osmtypes.MemberWay, Role: "outer"}},
	}
	if err := w.AddCreate([]Primitive{RelationP(rel)}); err != nil {
		t.Fatalf("AddCreate: %v", err)
	}
	w.Close()
	if !strings.Contains(buf.String(), `type="w"`) {
		t.Errorf("expected short member spelling, got:\n%s", buf.String())
	}
}
