// Package osmchange streams an OSMChange 0.6 document to an output sink.
// It opens the root element, accepts batched create/modify/delete
// blocks, and guarantees a well-formed close.
//
// Grounded on Klaus-Tockloth/osmpp's main.go, which writes a literal XML
// prologue and root element as raw bytes before streaming typed OSM
// records, and on the original changewriter.py's OSMChangeWriter, which
// this package's Close/finalizer-warning behavior mirrors directly.
package osmchange

import (
	"compress/gzip"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"

	"github.com/trailbehind/changegen/internal/osmtypes"
)

const rootOpenFormat = `<?xml version='1.0' encoding='UTF-8'?>` + "\n" +
	`<osmChange version="0.6" generator="%s">` + "\n"

const rootClose = `</osmChange>` + "\n"

// Primitive is the tagged variant the writer accepts: exactly one of
// Node, Way or Relation is non-nil. Per spec.md §9's design note, this
// replaces the original's name-introspection dispatch with an explicit
// sum type matched once in writeElement.
type Primitive struct {
	Node     *osmtypes.Node
	Way      *osmtypes.Way
	Relation *osmtypes.Relation
}

// NodeP wraps a Node as a Primitive.
func NodeP(n osmtypes.Node) Primitive { return Primitive{Node: &n} }

// WayP wraps a Way as a Primitive.
func WayP(w osmtypes.Way) Primitive { return Primitive{Way: &w} }

// RelationP wraps a Relation as a Primitive.
func RelationP(r osmtypes.Relation) Primitive { return Primitive{Relation: &r} }

// MemberSpelling selects the long ("way"/"node"/"relation") or short
// ("w"/"n"/"r") spelling used for RelationMember.Type attributes.
type MemberSpelling int

const (
	LongSpelling MemberSpelling = iota
	ShortSpelling
)

// Writer streams an OSMChange document. Close must be called to produce
// a well-formed document; a Writer garbage collected without being
// closed logs a warning, matching the original's __del__ ResourceWarning.
type Writer struct {
	sink      io.WriteCloser
	gz        *gzip.Writer
	enc       *xml.Encoder
	spelling  MemberSpelling
	written   bool
	closed    bool
	generator string
}

// Options configures a new Writer.
type Options struct {
	// Generator is the value of the root element's generator attribute.
	Generator string
	// Compress gzip-wraps the output stream.
	Compress bool
	// Spelling selects long or short relation-member type spelling.
	Spelling MemberSpelling
}

// Create opens path (creating/truncating it) and returns a Writer over
// it, honoring opts.Compress.
func Create(path string, opts Options) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("osmchange: opening %s: %w", path, err)
	}
	w, err := New(f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// New wraps sink (any io.WriteCloser) in a Writer, honoring opts.Compress.
func New(sink io.WriteCloser, opts Options) (*Writer, error) {
	gen := opts.Generator
	if gen == "" {
		gen = "changegen (Go)"
	}

	var out io.Writer = sink
	w := &Writer{sink: sink, spelling: opts.Spelling, generator: gen}
	if opts.Compress {
		w.gz = gzip.NewWriter(sink)
		out = w.gz
	}

	if _, err := fmt.Fprintf(out, rootOpenFormat, gen); err != nil {
		return nil, fmt.Errorf("osmchange: writing root open: %w", err)
	}
	w.enc = xml.NewEncoder(out)

	runtime.SetFinalizer(w, finalizeWriter)
	return w, nil
}

func finalizeWriter(w *Writer) {
	if !w.closed {
		log.Printf("osmchange: writer garbage collected without Close; output is invalid XML")
	}
}

// AddCreate streams a <create> block containing batch, in order.
func (w *Writer) AddCreate(batch []Primitive) error {
	return w.addBlock("create", batch)
}

// AddModify streams a <modify> block containing batch, in order.
func (w *Writer) AddModify(batch []Primitive) error {
	return w.addBlock("modify", batch)
}

// AddDelete streams a <delete> block containing batch, in order.
func (w *Writer) AddDelete(batch []Primitive) error {
	return w.addBlock("delete", batch)
}

func (w *Writer) addBlock(name string, batch []Primitive) error {
	if w.closed {
		return fmt.Errorf("osmchange: write to %s block after Close", name)
	}
	if len(batch) == 0 {
		return nil
	}
	start := xml.StartElement{Name: xml.Name{Local: name}}
	if err := w.enc.EncodeToken(start); err != nil {
		return fmt.Errorf("osmchange: opening <%s>: %w", name, err)
	}
	for _, p := range batch {
		if err := w.writeElement(p); err != nil {
			return err
		}
	}
	if err := w.enc.EncodeToken(start.End()); err != nil {
		return fmt.Errorf("osmchange: closing <%s>: %w", name, err)
	}
	if err := w.enc.Flush(); err != nil {
		return fmt.Errorf("osmchange: flushing %s block: %w", name, err)
	}
	w.written = true
	return nil
}

// writeElement is the single dispatch point over the Node/Way/Relation
// variant, replacing the original's type(obj).__name__.lower() switch.
func (w *Writer) writeElement(p Primitive) error {
	switch {
	case p.Node != nil:
		return w.writeNode(*p.Node)
	case p.Way != nil:
		return w.writeWay(*p.Way)
	case p.Relation != nil:
		return w.writeRelation(*p.Relation)
	default:
		return fmt.Errorf("osmchange: malformed primitive: no variant set")
	}
}

func attr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}

func (w *Writer) writeNode(n osmtypes.Node) error {
	start := xml.StartElement{
		Name: xml.Name{Local: "node"},
		Attr: []xml.Attr{
			attr("id", fmt.Sprintf("%d", n.ID)),
			attr("version", fmt.Sprintf("%d", n.Version)),
			attr("lat", fmt.Sprintf("%.7f", n.Lat)),
			attr("lon", fmt.Sprintf("%.7f", n.Lon)),
		},
	}
	if err := w.enc.EncodeToken(start); err != nil {
		return err
	}
	if err := w.writeTags(n.Tags); err != nil {
		return err
	}
	return w.enc.EncodeToken(start.End())
}

func (w *Writer) writeWay(wy osmtypes.Way) error {
	start := xml.StartElement{
		Name: xml.Name{Local: "way"},
		Attr: []xml.Attr{
			attr("id", fmt.Sprintf("%d", wy.ID)),
			attr("version", fmt.Sprintf("%d", wy.Version)),
		},
	}
	if err := w.enc.EncodeToken(start); err != nil {
		return err
	}
	for _, ref := range wy.Nds {
		nd := xml.StartElement{Name: xml.Name{Local: "nd"}, Attr: []xml.Attr{attr("ref", fmt.Sprintf("%d", ref))}}
		if err := w.enc.EncodeToken(nd); err != nil {
			return err
		}
		if err := w.enc.EncodeToken(nd.End()); err != nil {
			return err
		}
	}
	if err := w.writeTags(wy.Tags); err != nil {
		return err
	}
	return w.enc.EncodeToken(start.End())
}

func (w *Writer) writeRelation(r osmtypes.Relation) error {
	start := xml.StartElement{
		Name: xml.Name{Local: "relation"},
		Attr: []xml.Attr{
			attr("id", fmt.Sprintf("%d", r.ID)),
			attr("version", fmt.Sprintf("%d", r.Version)),
		},
	}
	if err := w.enc.EncodeToken(start); err != nil {
		return err
	}
	for _, m := range r.Members {
		typeStr := m.Type.LongString()
		if w.spelling == ShortSpelling {
			typeStr = m.Type.ShortString()
		}
		mem := xml.StartElement{
			Name: xml.Name{Local: "member"},
			Attr: []xml.Attr{
				attr("ref", fmt.Sprintf("%d", m.Ref)),
				attr("type", typeStr),
				attr("role", m.Role),
			},
		}
		if err := w.enc.EncodeToken(mem); err != nil {
			return err
		}
		if err := w.enc.EncodeToken(mem.End()); err != nil {
			return err
		}
	}
	if err := w.writeTags(r.Tags); err != nil {
		return err
	}
	return w.enc.EncodeToken(start.End())
}

func (w *Writer) writeTags(tags osmtypes.Tags) error {
	for _, t := range tags {
		tag := xml.StartElement{
			Name: xml.Name{Local: "tag"},
			Attr: []xml.Attr{attr("k", t.Key), attr("v", t.Value)},
		}
		if err := w.enc.EncodeToken(tag); err != nil {
			return err
		}
		if err := w.enc.EncodeToken(tag.End()); err != nil {
			return err
		}
	}
	return nil
}

// Close writes the root-close tag, flushes, and releases the underlying
// sink. It must be called on every exit path; the writer's release path
// is what guarantees a well-formed document per spec.md §5.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	runtime.SetFinalizer(w, nil)

	var out io.Writer = w.sink
	if w.gz != nil {
		out = w.gz
	}
	if _, err := io.WriteString(out, rootClose); err != nil {
		w.sink.Close()
		return fmt.Errorf("osmchange: writing root close: %w", err)
	}
	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			w.sink.Close()
			return fmt.Errorf("osmchange: closing gzip stream: %w", err)
		}
	}
	return w.sink.Close()
}
