package enphase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/raterudder/enlighten/pkg/types"
)

// OutputKind selects how a response body is returned.
type OutputKind int

const (
	// OutputRaw returns the body unmodified.
	OutputRaw OutputKind = iota
	// OutputStructured returns the body decoded into maps and slices.
	OutputStructured
	// OutputTabular returns the body flattened into a table.
	OutputTabular
)

// ParseOutputKind returns the OutputKind for its name.
func ParseOutputKind(s string) (OutputKind, error) {
	switch s {
	case "raw":
		return OutputRaw, nil
	case "json", "structured":
		return OutputStructured, nil
	case "", "table", "tabular":
		return OutputTabular, nil
	}
	return OutputRaw, fmt.Errorf("unknown output kind: %q", s)
}

// Response is a decoded response body. Only the field matching Kind is set.
type Response struct {
	Kind       OutputKind
	Raw        []byte
	Structured any
	Table      *types.Table
}

// fallbackMode is what a rule produces when none of its lists have entries.
type fallbackMode int

const (
	fallbackNone fallbackMode = iota
	// fallbackObject produces one row from the scalar top level fields.
	fallbackObject
	// fallbackMeta produces one row from just the meta fields.
	fallbackMeta
)

// flattenRule describes how the body of a command becomes rows.
type flattenRule struct {
	// explode lists top level arrays that become one row per entry. Rows
	// from every listed array are combined.
	explode []string
	// meta are top level fields copied onto every exploded row. Nested
	// fields are named by their dotted path.
	meta []string
	// series is a top level array of scalars dated by adding the entry's
	// position in days to seriesStart.
	series      string
	seriesStart string
	// rename maps flattened column names to their final names.
	rename map[string]string
	// fill sets a column to a default when a row does not have it.
	fill map[string]any
	// fallback is used when no exploded array has entries.
	fallback      fallbackMode
	fallbackIndex []string

	index []string
}

// ColumnSource names where a body came from when it was not the Enlighten
// API. Bodies built from a local Envoy carry "meta": {"source": "envoy"}.
const ColumnSource = "meta.source"

// SourceEnvoy is the ColumnSource value of bodies built from a local Envoy.
const SourceEnvoy = "envoy"

// FromEnvoy reports whether any row of tbl was built from a local Envoy
// rather than returned by the Enlighten API.
func FromEnvoy(tbl *types.Table) bool {
	if tbl == nil {
		return false
	}
	for _, row := range tbl.Rows {
		if row[ColumnSource] == SourceEnvoy {
			return true
		}
	}
	return false
}

// lookupPath returns the value at a dotted path of nested objects.
func lookupPath(obj map[string]any, path string) (any, bool) {
	var cur any = obj
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

var statsRule = flattenRule{
	explode:       []string{"intervals"},
	meta:          []string{"system_id", "total_devices"},
	fallback:      fallbackObject,
	fallbackIndex: []string{"system_id"},
	index:         []string{"system_id", "end_at"},
}

var decodeRules = map[string]flattenRule{
	CommandEnergyLifetime: {
		series:      "production",
		seriesStart: "start_date",
		meta:        []string{"system_id", ColumnSource},
		index:       []string{"system_id", "start_date"},
	},
	CommandEnvoys: {
		explode: []string{"envoys"},
		meta:    []string{"system_id", ColumnSource},
		index:   []string{"system_id", "serial_number"},
	},
	CommandIndex: {
		explode: []string{"systems"},
		index:   []string{"system_id"},
	},
	CommandInventory: {
		explode: []string{"inverters", "envoys", "meters"},
		meta:    []string{"system_id", ColumnSource},
		rename:  map[string]string{"sn": "serial_number"},
		// envoys are the only devices without a model
		fill:  map[string]any{"model": "Envoy"},
		index: []string{"system_id", "serial_number"},
	},
	CommandMonthlyProduction: {
		explode:       []string{"meter_readings"},
		meta:          []string{"start_date", "system_id", "end_date", "production_wh"},
		fallback:      fallbackMeta,
		fallbackIndex: []string{"system_id", "start_date", "end_date"},
		index:         []string{"system_id", "start_date", "end_date"},
	},
	CommandRGMStats: statsRule,
	CommandStats:    statsRule,
	CommandSummary: {
		fallback:      fallbackObject,
		fallbackIndex: []string{"system_id"},
	},
}

// Decode converts a response body for command into the requested kind.
func Decode(command string, raw []byte, tf TimeAdapter, kind OutputKind) (Response, error) {
	if command == "" {
		command = CommandIndex
	}
	switch kind {
	case OutputRaw:
		return Response{Kind: kind, Raw: raw}, nil
	case OutputStructured:
		v, err := decodeJSON(raw)
		if err != nil {
			return Response{}, &DecodeError{Command: command, Err: err}
		}
		return Response{Kind: kind, Structured: v}, nil
	case OutputTabular:
		tbl, err := DecodeTable(command, raw, tf)
		if err != nil {
			return Response{}, err
		}
		return Response{Kind: kind, Table: tbl}, nil
	}
	return Response{}, fmt.Errorf("unknown output kind %d", kind)
}

func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeTable flattens a response body for command into a table. Every
// column with "_at" or "_date" in its name is converted to a time.Time.
func DecodeTable(command string, raw []byte, tf TimeAdapter) (*types.Table, error) {
	if command == "" {
		command = CommandIndex
	}
	rule, ok := decodeRules[command]
	if !ok {
		return nil, &UnknownCommandError{Command: command}
	}

	v, err := decodeJSON(raw)
	if err != nil {
		return nil, &DecodeError{Command: command, Err: err}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &DecodeError{Command: command, Err: fmt.Errorf("expected an object but got %T", v)}
	}

	tbl, err := rule.apply(obj, tf)
	if err != nil {
		return nil, &DecodeError{Command: command, Err: err}
	}

	// times are parsed last so that they also apply to the index columns
	for _, row := range tbl.Rows {
		for col, val := range row {
			if !types.IsTimeColumn(col) || val == nil {
				continue
			}
			if _, ok := val.(time.Time); ok {
				continue
			}
			t, err := tf.Parse(col, val)
			if err != nil {
				return nil, &DecodeError{Command: command, Err: fmt.Errorf("column %s: %w", col, err)}
			}
			row[col] = t
		}
	}
	return tbl, nil
}

func (r flattenRule) apply(obj map[string]any, tf TimeAdapter) (*types.Table, error) {
	tbl := &types.Table{Index: r.index}

	if r.series != "" {
		rows, err := r.applySeries(obj, tf)
		if err != nil {
			return nil, err
		}
		tbl.Rows = rows
		return tbl, nil
	}

	for _, key := range r.explode {
		list, ok := obj[key].([]any)
		if !ok {
			continue
		}
		for _, entry := range list {
			row := make(types.Record)
			switch e := entry.(type) {
			case map[string]any:
				flattenInto(row, "", e)
			default:
				row[key] = e
			}
			for _, m := range r.meta {
				if _, exists := row[m]; exists {
					continue
				}
				if mv, ok := lookupPath(obj, m); ok {
					row[m] = mv
				}
			}
			tbl.Rows = append(tbl.Rows, r.finish(row))
		}
	}
	if len(tbl.Rows) > 0 {
		return tbl, nil
	}

	switch r.fallback {
	case fallbackObject:
		row := make(types.Record)
		flattenInto(row, "", obj)
		for k, v := range row {
			if _, ok := v.([]any); ok {
				delete(row, k)
			}
		}
		tbl.Index = r.fallbackIndex
		tbl.Rows = []types.Record{r.finish(row)}
	case fallbackMeta:
		row := make(types.Record)
		for _, m := range r.meta {
			if mv, ok := lookupPath(obj, m); ok {
				row[m] = mv
			}
		}
		tbl.Index = r.fallbackIndex
		tbl.Rows = []types.Record{r.finish(row)}
	}
	return tbl, nil
}

func (r flattenRule) applySeries(obj map[string]any, tf TimeAdapter) ([]types.Record, error) {
	list, _ := obj[r.series].([]any)
	if len(list) == 0 {
		return nil, nil
	}
	rawStart, ok := obj[r.seriesStart]
	if !ok {
		return nil, errors.New("missing " + r.seriesStart)
	}
	start, err := tf.Parse(r.seriesStart, rawStart)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.seriesStart, err)
	}

	rows := make([]types.Record, 0, len(list))
	for i, v := range list {
		row := types.Record{
			r.seriesStart: start.AddDate(0, 0, i),
			r.series:      v,
		}
		for _, m := range r.meta {
			if mv, ok := lookupPath(obj, m); ok {
				row[m] = mv
			}
		}
		rows = append(rows, r.finish(row))
	}
	return rows, nil
}

func (r flattenRule) finish(row types.Record) types.Record {
	for from, to := range r.rename {
		if v, ok := row[from]; ok {
			row[to] = v
			delete(row, from)
		}
	}
	for col, def := range r.fill {
		if v, ok := row[col]; !ok || v == nil {
			row[col] = def
		}
	}
	return row
}

// flattenInto copies obj into row, joining nested object keys with ".".
// Arrays are kept as values.
func flattenInto(row types.Record, prefix string, obj map[string]any) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		if nested, ok := obj[k].(map[string]any); ok {
			flattenInto(row, name, nested)
			continue
		}
		row[name] = obj[k]
	}
}
