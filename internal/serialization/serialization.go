// Package serialization handles metadata export/import between a metadata
// backend and JSON.
package serialization

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bleepstore/bleepcore/internal/metadata"
)

const (
	Version       = "0.1.0"
	ExportVersion = 1
	// SchemaVersion identifies the record key layout the rows were read from.
	SchemaVersion = 1
)

// envelopeKey names the header object of an export document.
const envelopeKey = "bleepcore_export"

// AllTables lists all valid table names in dependency order.
var AllTables = []string{"buckets", "objects", "uploads", "parts", "users", "emails"}

// tablePartitions maps each table to the backend partition it lives in. A
// trailing slash marks a family of partitions (one per bucket or upload).
var tablePartitions = map[string]string{
	"buckets": "buckets",
	"objects": "objects/",
	"uploads": "uploads/",
	"parts":   "parts/",
	"users":   "users",
	"emails":  "emails",
}

// textTables hold values that are not JSON documents.
var textTables = map[string]bool{"emails": true}

var deleteOrder = []string{"parts", "uploads", "objects", "buckets", "emails", "users"}
var insertOrder = []string{"buckets", "objects", "uploads", "parts", "users", "emails"}

// ExportOptions configures what to export.
type ExportOptions struct {
	Tables []string
}

// ImportOptions configures how to import.
type ImportOptions struct {
	// Replace clears every imported table first and overwrites existing
	// records. Without it, records that already exist are skipped.
	Replace bool
}

// ImportResult holds the result of an import operation.
type ImportResult struct {
	Counts   map[string]int
	Skipped  map[string]int
	Warnings []string
}

// collect reads every record of the requested tables. Object, upload and
// part partitions are discovered through the bucket and upload records.
func collect(ctx context.Context, backend metadata.Backend, tables []string) (map[string][]metadata.Item, error) {
	want := make(map[string]bool, len(tables))
	for _, t := range tables {
		want[t] = true
	}
	out := make(map[string][]metadata.Item)

	list := func(table, partition string) ([]metadata.Item, error) {
		items, err := backend.List(ctx, partition, "", "", 0)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", partition, err)
		}
		if want[table] {
			out[table] = append(out[table], items...)
		}
		return items, nil
	}

	buckets, err := list("buckets", tablePartitions["buckets"])
	if err != nil {
		return nil, err
	}
	for _, b := range buckets {
		if _, err := list("objects", "objects/"+b.Key.Sort); err != nil {
			return nil, err
		}
		uploads, err := list("uploads", "uploads/"+b.Key.Sort)
		if err != nil {
			return nil, err
		}
		if !want["parts"] {
			continue
		}
		for _, u := range uploads {
			var rec struct {
				UploadID string `json:"upload_id"`
			}
			if err := json.Unmarshal(u.Value, &rec); err != nil || rec.UploadID == "" {
				return nil, fmt.Errorf("decoding upload %q: malformed record", u.Key.Sort)
			}
			if _, err := list("parts", "parts/"+rec.UploadID); err != nil {
				return nil, err
			}
		}
	}
	for _, table := range []string{"users", "emails"} {
		if !want[table] {
			continue
		}
		if _, err := list(table, tablePartitions[table]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ExportMetadata exports the records of a metadata backend to a JSON string.
func ExportMetadata(ctx context.Context, backend metadata.Backend, opts *ExportOptions) (string, error) {
	if opts == nil || len(opts.Tables) == 0 {
		opts = &ExportOptions{Tables: AllTables}
	}
	for _, t := range opts.Tables {
		if _, ok := tablePartitions[t]; !ok {
			return "", fmt.Errorf("unknown table %q", t)
		}
	}

	items, err := collect(ctx, backend, opts.Tables)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	result := map[string]any{
		envelopeKey: map[string]any{
			"version":        ExportVersion,
			"exported_at":    now,
			"schema_version": SchemaVersion,
			"source":         "go/" + Version,
		},
	}

	for _, table := range opts.Tables {
		tableRows := make([]any, 0, len(items[table]))
		for _, item := range items[table] {
			row, err := exportRow(table, item)
			if err != nil {
				return "", err
			}
			tableRows = append(tableRows, row)
		}
		result[table] = tableRows
	}

	return marshalSorted(result)
}

func exportRow(table string, item metadata.Item) (map[string]any, error) {
	row := map[string]any{
		"partition": item.Key.Partition,
		"sort":      item.Key.Sort,
	}
	if textTables[table] {
		row["value"] = string(item.Value)
		return row, nil
	}
	dec := json.NewDecoder(bytes.NewReader(item.Value))
	dec.UseNumber()
	var record any
	if err := dec.Decode(&record); err != nil {
		return nil, fmt.Errorf("decoding %s record %q: %w", table, item.Key.Sort, err)
	}
	row["record"] = record
	return row, nil
}

// ImportMetadata imports a JSON export into a metadata backend.
func ImportMetadata(ctx context.Context, backend metadata.Backend, jsonStr string, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}

	var data map[string]json.RawMessage
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}

	var envelope struct {
		Version float64 `json:"version"`
	}
	if raw, ok := data[envelopeKey]; ok {
		_ = json.Unmarshal(raw, &envelope)
	}
	if envelope.Version < 1 || envelope.Version > ExportVersion {
		return nil, fmt.Errorf("unsupported export version: %v", envelope.Version)
	}

	result := &ImportResult{
		Counts:  make(map[string]int),
		Skipped: make(map[string]int),
	}

	if opts.Replace {
		var present []string
		for _, table := range deleteOrder {
			if _, ok := data[table]; ok {
				present = append(present, table)
			}
		}
		existing, err := collect(ctx, backend, present)
		if err != nil {
			return nil, err
		}
		for _, table := range present {
			for _, item := range existing[table] {
				if err := backend.Delete(ctx, item.Key, metadata.AnyRevision); err != nil && !errors.Is(err, metadata.ErrNotFound) {
					return nil, fmt.Errorf("clearing %s: %w", table, err)
				}
			}
		}
	}

	expect := int64(0)
	if opts.Replace {
		expect = metadata.AnyRevision
	}

	for _, table := range insertOrder {
		raw, ok := data[table]
		if !ok {
			continue
		}
		var rows []json.RawMessage
		if err := json.Unmarshal(raw, &rows); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("Skipped table %s: %v", table, err))
			continue
		}

		inserted := 0
		skipped := 0
		for _, rawRow := range rows {
			key, value, err := importRow(table, rawRow)
			if err != nil {
				skipped++
				result.Warnings = append(result.Warnings, fmt.Sprintf("Skipped %s row: %v", table, err))
				continue
			}
			_, err = backend.Put(ctx, key, value, expect)
			switch {
			case err == nil:
				inserted++
			case errors.Is(err, metadata.ErrConflict):
				skipped++
			default:
				return nil, fmt.Errorf("writing %s row %q: %w", table, key.Sort, err)
			}
		}

		result.Counts[table] = inserted
		result.Skipped[table] = skipped
	}

	return result, nil
}

func importRow(table string, raw json.RawMessage) (metadata.Key, []byte, error) {
	var row struct {
		Partition string          `json:"partition"`
		Sort      string          `json:"sort"`
		Record    json.RawMessage `json:"record"`
		Value     *string         `json:"value"`
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		return metadata.Key{}, nil, err
	}
	if !inTable(table, row.Partition) {
		return metadata.Key{}, nil, fmt.Errorf("partition %q does not belong to %s", row.Partition, table)
	}
	if row.Sort == "" {
		return metadata.Key{}, nil, errors.New("missing sort key")
	}
	key := metadata.Key{Partition: row.Partition, Sort: row.Sort}

	if textTables[table] {
		if row.Value == nil {
			return metadata.Key{}, nil, fmt.Errorf("%q has no value", row.Sort)
		}
		return key, []byte(*row.Value), nil
	}
	if len(row.Record) == 0 || row.Record[0] != '{' {
		return metadata.Key{}, nil, fmt.Errorf("%q has no record", row.Sort)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, row.Record); err != nil {
		return metadata.Key{}, nil, err
	}
	return key, compact.Bytes(), nil
}

func inTable(table, partition string) bool {
	p := tablePartitions[table]
	if strings.HasSuffix(p, "/") {
		return strings.HasPrefix(partition, p) && len(partition) > len(p)
	}
	return partition == p
}

// marshalSorted produces JSON with sorted keys, 2-space indent.
func marshalSorted(data map[string]any) (string, error) {
	b, err := json.MarshalIndent(sortedMap(data), "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// sortedMap is a map that marshals with sorted keys.
type sortedMap map[string]any

func (m sortedMap) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyBytes...)
		buf = append(buf, ':')

		valBytes, err := marshalValue(m[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, valBytes...)
	}
	buf = append(buf, '}')
	return buf, nil
}

func marshalValue(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		return sortedMap(val).MarshalJSON()
	case []any:
		buf := []byte{'['}
		for i, elem := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			b, err := marshalValue(elem)
			if err != nil {
				return nil, err
			}
			buf = append(buf, b...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(v)
	}
}
