// Package importer applies batch files to the stores. A batch is a
// YAML or CUE document declaring entities, relations, events, and
// memories; it is validated against an embedded CUE schema before a
// single row is written, then applied in one transaction.
package importer

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"

	"github.com/snackdriven/chronicle-sub000/internal/engine"
	"github.com/snackdriven/chronicle-sub000/internal/entities"
	"github.com/snackdriven/chronicle-sub000/internal/events"
	"github.com/snackdriven/chronicle-sub000/internal/kv"
	"github.com/snackdriven/chronicle-sub000/internal/value"
)

//go:embed schema.cue
var schemaCUE string

// Importer validates batch documents and applies them through the
// stores. All four stores must share the engine so the whole batch
// commits as one transaction.
type Importer struct {
	eng      *engine.Engine
	events   *events.Store
	entities *entities.Store
	memories *kv.Store
}

// New wires an importer around an engine and its stores.
func New(eng *engine.Engine, ev *events.Store, ent *entities.Store, mem *kv.Store) *Importer {
	return &Importer{eng: eng, events: ev, entities: ent, memories: mem}
}

// Result counts what one batch wrote, per kind.
type Result struct {
	Entities  int `json:"entities"`
	Relations int `json:"relations"`
	Events    int `json:"events"`
	Memories  int `json:"memories"`
}

// batch is the decoded, schema-valid document, ready to apply.
type batch struct {
	entities  []entityRow
	relations []relationRow
	events    []events.Input
	memories  []kv.Entry
}

type entityRow struct {
	typ   string
	name  string
	props value.Value
}

type relationRow struct {
	from  string
	to    string
	typ   string
	props value.Value
}

// ImportFile reads path and imports it. The extension selects the
// syntax: .cue compiles directly, .yaml/.yml parse as YAML.
func (i *Importer) ImportFile(ctx context.Context, path string) (*Result, error) {
	src, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, engine.NewNotFoundError("batch file", path)
	}
	if err != nil {
		return nil, engine.NewEngineError("read batch file", err)
	}
	return i.Import(ctx, path, src)
}

// Import validates src against the embedded schema and applies it in
// one transaction, in dependency order: entities, then relations,
// then events, then memories. Either the whole batch lands or none of
// it does.
func (i *Importer) Import(ctx context.Context, filename string, src []byte) (*Result, error) {
	doc, err := parseBatch(filename, src)
	if err != nil {
		return nil, err
	}
	b, err := decodeBatch(doc)
	if err != nil {
		return nil, err
	}

	err = i.eng.Transaction(ctx, func(ctx context.Context) error {
		for _, e := range b.entities {
			if _, err := i.entities.Create(ctx, e.typ, e.name, e.props); err != nil {
				return fmt.Errorf("import entity %q: %w", e.name, err)
			}
		}
		for _, r := range b.relations {
			if _, err := i.entities.CreateRelation(ctx, r.from, r.typ, r.to, r.props); err != nil {
				return fmt.Errorf("import relation %s %s %s: %w", r.from, r.typ, r.to, err)
			}
		}
		for _, in := range b.events {
			if _, err := i.events.Store(ctx, in); err != nil {
				return fmt.Errorf("import event: %w", err)
			}
		}
		for _, m := range b.memories {
			opts := kv.SetOptions{Namespace: m.Namespace, TTL: m.TTL}
			if err := i.memories.Set(ctx, m.Key, m.Value, opts); err != nil {
				return fmt.Errorf("import memory %q: %w", m.Key, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		Entities:  len(b.entities),
		Relations: len(b.relations),
		Events:    len(b.events),
		Memories:  len(b.memories),
	}
	i.eng.Logger().Info("batch imported",
		"file", filename,
		"entities", res.Entities,
		"relations", res.Relations,
		"events", res.Events,
		"memories", res.Memories,
	)
	return res, nil
}

// parseBatch turns source text into a CUE value unified with the
// batch schema. Validation failures surface as VALIDATION errors
// carrying the source position.
func parseBatch(filename string, src []byte) (cue.Value, error) {
	cctx := cuecontext.New()

	var doc cue.Value
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".cue":
		doc = cctx.CompileBytes(src, cue.Filename(filename))
	case ".yaml", ".yml":
		file, err := cueyaml.Extract(filename, src)
		if err != nil {
			return cue.Value{}, engine.NewValidationError("parse batch: %s", describeCUEError(err))
		}
		doc = cctx.BuildFile(file)
	default:
		return cue.Value{}, engine.NewValidationError("unsupported batch format %q (want .yaml, .yml, or .cue)", filepath.Ext(filename))
	}
	if err := doc.Err(); err != nil {
		return cue.Value{}, engine.NewValidationError("parse batch: %s", describeCUEError(err))
	}

	schema := cctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return cue.Value{}, engine.NewEngineError("compile batch schema", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Batch")).Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, engine.NewValidationError("batch does not match schema: %s", describeCUEError(err))
	}
	return unified, nil
}

// describeCUEError renders a CUE error with its source position, the
// first one when several accumulated.
func describeCUEError(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		pos := positions[0]
		return fmt.Sprintf("%s:%d:%d: %s", pos.Filename(), pos.Line(), pos.Column(), first.Error())
	}
	return first.Error()
}

// decodeBatch walks the schema-valid document into store inputs.
func decodeBatch(doc cue.Value) (*batch, error) {
	var b batch

	err := eachListItem(doc, "entities", func(item cue.Value) error {
		typ, err := stringField(item, "type")
		if err != nil {
			return err
		}
		name, err := stringField(item, "name")
		if err != nil {
			return err
		}
		props, err := valueField(item, "properties")
		if err != nil {
			return err
		}
		b.entities = append(b.entities, entityRow{typ: typ, name: name, props: props})
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = eachListItem(doc, "relations", func(item cue.Value) error {
		from, err := stringField(item, "from")
		if err != nil {
			return err
		}
		to, err := stringField(item, "to")
		if err != nil {
			return err
		}
		typ, err := stringField(item, "type")
		if err != nil {
			return err
		}
		props, err := valueField(item, "properties")
		if err != nil {
			return err
		}
		b.relations = append(b.relations, relationRow{from: from, to: to, typ: typ, props: props})
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = eachListItem(doc, "events", func(item cue.Value) error {
		id, err := stringField(item, "id")
		if err != nil {
			return err
		}
		when, err := timestampField(item, "timestamp")
		if err != nil {
			return err
		}
		typ, err := stringField(item, "type")
		if err != nil {
			return err
		}
		namespace, err := stringField(item, "namespace")
		if err != nil {
			return err
		}
		title, err := stringField(item, "title")
		if err != nil {
			return err
		}
		metadata, err := valueField(item, "metadata")
		if err != nil {
			return err
		}
		detail, err := valueField(item, "detail")
		if err != nil {
			return err
		}
		b.events = append(b.events, events.Input{
			ID:        id,
			When:      when,
			Type:      typ,
			Namespace: namespace,
			Title:     title,
			Metadata:  metadata,
			Detail:    detail,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = eachListItem(doc, "memories", func(item cue.Value) error {
		key, err := stringField(item, "key")
		if err != nil {
			return err
		}
		val, err := valueField(item, "value")
		if err != nil {
			return err
		}
		namespace, err := stringField(item, "namespace")
		if err != nil {
			return err
		}
		ttlSeconds, err := intField(item, "ttl_seconds")
		if err != nil {
			return err
		}
		b.memories = append(b.memories, kv.Entry{
			Key:       key,
			Value:     val,
			Namespace: namespace,
			TTL:       time.Duration(ttlSeconds) * time.Second,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &b, nil
}

// eachListItem iterates one of the document's top-level lists. Absent
// lists iterate zero times.
func eachListItem(doc cue.Value, name string, fn func(item cue.Value) error) error {
	list := doc.LookupPath(cue.ParsePath(name))
	if !list.Exists() {
		return nil
	}
	iter, err := list.List()
	if err != nil {
		return engine.NewValidationError("%s must be a list: %v", name, err)
	}
	for iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return nil
}

// stringField reads an optional string field; absent fields read as "".
func stringField(v cue.Value, name string) (string, error) {
	f := v.LookupPath(cue.ParsePath(name))
	if !f.Exists() {
		return "", nil
	}
	s, err := f.String()
	if err != nil {
		return "", engine.NewValidationError("%s: %s", name, describeCUEError(err))
	}
	return s, nil
}

// intField reads an optional integer field; absent fields read as 0.
func intField(v cue.Value, name string) (int64, error) {
	f := v.LookupPath(cue.ParsePath(name))
	if !f.Exists() {
		return 0, nil
	}
	n, err := f.Int64()
	if err != nil {
		return 0, engine.NewValidationError("%s: %s", name, describeCUEError(err))
	}
	return n, nil
}

// valueField reads an optional field of any shape into a value.Value;
// absent fields read as nil.
func valueField(v cue.Value, name string) (value.Value, error) {
	f := v.LookupPath(cue.ParsePath(name))
	if !f.Exists() {
		return nil, nil
	}
	var raw any
	if err := f.Decode(&raw); err != nil {
		return nil, engine.NewValidationError("%s: %s", name, describeCUEError(err))
	}
	val, err := value.FromAny(raw)
	if err != nil {
		return nil, engine.NewValidationError("%s: %v", name, err)
	}
	return val, nil
}

// timestampField reads the event timestamp, either epoch milliseconds
// or one of the accepted string layouts.
func timestampField(v cue.Value, name string) (events.Timestamp, error) {
	f := v.LookupPath(cue.ParsePath(name))
	if !f.Exists() {
		return events.Timestamp{}, nil
	}
	switch f.Kind() {
	case cue.IntKind:
		ms, err := f.Int64()
		if err != nil {
			return events.Timestamp{}, engine.NewValidationError("%s: %s", name, describeCUEError(err))
		}
		return events.TimestampMillis(ms), nil
	case cue.StringKind:
		s, err := f.String()
		if err != nil {
			return events.Timestamp{}, engine.NewValidationError("%s: %s", name, describeCUEError(err))
		}
		ts, err := events.ParseTimestamp(s)
		if err != nil {
			return events.Timestamp{}, engine.NewValidationError("%s: %v", name, err)
		}
		return ts, nil
	default:
		return events.Timestamp{}, engine.NewValidationError("%s must be epoch milliseconds or a string", name)
	}
}
