// Package fmf reads flat metadata files. Each line is one row:
//
//   name<TAB>key:type:value<TAB>key:type:value...
//
// where type is "i" for integers, "f" for floats and anything else for
// strings. A field without ":type:value" is a flag. Rows are queried by name
// or with expressions over their fields (see package expr). A sample list
// file with one name per line is a valid FMF file without fields.
package fmf

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/bgt/expr"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Field is one key:type:value triple.
type Field struct {
	Key string
	// Type is 'i', 'f', 'Z' for strings, or 0 for flags.
	Type  byte
	Value expr.Value
}

// Row is one line of an FMF file.
type Row struct {
	Name   string
	Fields []Field
}

// Lookup implements expr.Env. A flag yields a true Bool.
func (r *Row) Lookup(key string) (expr.Value, bool) {
	for i := range r.Fields {
		if r.Fields[i].Key == key {
			return r.Fields[i].Value, true
		}
	}
	return expr.Value{}, false
}

// Table is the content of an FMF file.
type Table struct {
	Rows []Row
	// Keys lists the distinct field keys in order of first appearance.
	Keys []string

	byName map[string]int
	// index maps key -> string value -> rows, for answering equality tests.
	index map[string]map[string]*roaring.Bitmap
}

// ReadFile reads an FMF file, possibly gzipped.
func ReadFile(ctx context.Context, path string) (t *Table, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := in.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	r := io.Reader(in.Reader(ctx))
	if fileio.DetermineType(path) == fileio.Gzip {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrapf(err, "fmf %s", path)
		}
		defer gz.Close() // nolint: errcheck
		r = gz
	}
	t, err = Read(r)
	if err != nil {
		return nil, errors.Wrapf(err, "fmf %s", path)
	}
	log.Debug.Printf("%s: %d rows, %d keys", path, len(t.Rows), len(t.Keys))
	return t, nil
}

// Read reads FMF text. A row whose name was seen before is kept, but it
// cannot be found by name.
func Read(r io.Reader) (*Table, error) {
	t := &Table{
		byName: map[string]int{},
		index:  map[string]map[string]*roaring.Bitmap{},
	}
	keys := map[string]bool{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<16), 1<<26)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if line == "" {
			continue
		}
		cols := strings.Split(line, "\t")
		row := Row{Name: cols[0]}
		rowIdx := len(t.Rows)
		for _, col := range cols[1:] {
			f, err := parseField(col)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", lineno)
			}
			if !keys[f.Key] {
				keys[f.Key] = true
				t.Keys = append(t.Keys, f.Key)
			}
			if f.Type == 'Z' {
				m := t.index[f.Key]
				if m == nil {
					m = map[string]*roaring.Bitmap{}
					t.index[f.Key] = m
				}
				bm := m[f.Value.Str]
				if bm == nil {
					bm = roaring.New()
					m[f.Value.Str] = bm
				}
				bm.Add(uint32(rowIdx))
			}
			row.Fields = append(row.Fields, f)
		}
		if _, ok := t.byName[row.Name]; ok {
			log.Error.Printf("fmf: row '%s' is duplicated and not query-able", row.Name)
			t.byName[row.Name] = -1
		} else {
			t.byName[row.Name] = rowIdx
		}
		t.Rows = append(t.Rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

func parseField(col string) (Field, error) {
	i := strings.IndexByte(col, ':')
	if i < 0 || len(col) < i+3 || col[i+2] != ':' {
		return Field{Key: col, Value: expr.BoolValue(true)}, nil
	}
	f := Field{Key: col[:i], Type: col[i+1]}
	val := col[i+3:]
	switch f.Type {
	case 'i':
		v, err := strconv.ParseInt(val, 0, 64)
		if err != nil {
			return f, errors.Wrapf(err, "field %q", col)
		}
		f.Value = expr.IntValue(v)
	case 'f':
		v, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return f, errors.Wrapf(err, "field %q", col)
		}
		f.Value = expr.FloatValue(v)
	default:
		f.Type = 'Z'
		f.Value = expr.StringValue(val)
	}
	return f, nil
}

// Lookup returns the index of the named row. Duplicated names are not
// found.
func (t *Table) Lookup(name string) (int, bool) {
	i, ok := t.byName[name]
	return i, ok && i >= 0
}

// Names returns the row names.
func (t *Table) Names() []string {
	names := make([]string, len(t.Rows))
	for i := range t.Rows {
		names[i] = t.Rows[i].Name
	}
	return names
}

// Test evaluates e against row i. An evaluation error is logged and yields
// false.
func (t *Table) Test(i int, e *expr.Expr) bool {
	ok, err := e.EvalBool(&t.Rows[i])
	if err != nil {
		log.Error.Printf("fmf: row %s: %s: %v", t.Rows[i].Name, e, err)
		return false
	}
	return ok
}

// Select returns the rows that satisfy e. A test of the form key == "value"
// is answered from an index.
func (t *Table) Select(e *expr.Expr) *roaring.Bitmap {
	if key, val, ok := e.Equality(); ok {
		if m, ok := t.index[key]; ok {
			if bm, ok := m[val]; ok {
				return bm.Clone()
			}
			return roaring.New()
		}
	}
	bm := roaring.New()
	for i := range t.Rows {
		if t.Test(i, e) {
			bm.Add(uint32(i))
		}
	}
	return bm
}

// SelectNames returns the names of the rows that satisfy e.
func (t *Table) SelectNames(e *expr.Expr) []string {
	var names []string
	it := t.Select(e).Iterator()
	for it.HasNext() {
		names = append(names, t.Rows[it.Next()].Name)
	}
	return names
}

// WriteRow writes row i in the FMF format.
func (t *Table) WriteRow(w *tsv.Writer, i int) error {
	row := &t.Rows[i]
	w.WriteString(row.Name)
	for _, f := range row.Fields {
		switch f.Type {
		case 0:
			w.WriteString(f.Key)
		case 'i':
			w.WriteString(f.Key + ":i:" + strconv.FormatInt(f.Value.Int, 10))
		case 'f':
			w.WriteString(f.Key + ":f:" + strconv.FormatFloat(f.Value.Float, 'g', -1, 64))
		default:
			w.WriteString(f.Key + ":Z:" + f.Value.Str)
		}
	}
	return w.EndLine()
}
