// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pbf

import (
	"io"
	"io/ioutil"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

type matrix [][2][]byte // row -> plane -> column

func randomMatrix(r *rand.Rand, rows, m int) matrix {
	mat := make(matrix, rows)
	for k := range mat {
		for g := 0; g < 2; g++ {
			mat[k][g] = make([]byte, m)
			for x := range mat[k][g] {
				// Mostly zeros, with column-dependent density.
				if r.Intn(m) < x/2 {
					mat[k][g][x] = 1
				}
			}
		}
	}
	return mat
}

func writeMatrix(t *testing.T, path string, mat matrix, m, shift int) {
	ctx := vcontext.Background()
	w, err := Create(ctx, path, m, 2, shift)
	require.NoError(t, err)
	for _, row := range mat {
		require.NoError(t, w.Write(row[0], row[1]))
	}
	expect.EQ(t, w.NumRows(), int64(len(mat)))
	require.NoError(t, w.Close(ctx))
}

func openMatrix(t *testing.T, path string) *Reader {
	r, err := Open(vcontext.Background(), path)
	require.NoError(t, err)
	return r
}

func TestSequential(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(tmpDir, "a.pbf")
	const m = 40
	mat := randomMatrix(rand.New(rand.NewSource(0)), 37, m)
	writeMatrix(t, path, mat, m, 3)

	r := openMatrix(t, path)
	defer r.Close(vcontext.Background()) // nolint: errcheck
	expect.EQ(t, r.NumRows(), int64(37))
	expect.EQ(t, r.NumCols(), m)
	expect.EQ(t, r.NumPlanes(), 2)
	expect.EQ(t, r.Shift(), 3)
	for k := range mat {
		planes, err := r.Read()
		require.NoError(t, err)
		expect.EQ(t, planes[0], mat[k][0], "row %d", k)
		expect.EQ(t, planes[1], mat[k][1], "row %d", k)
	}
	_, err := r.Read()
	expect.EQ(t, err, io.EOF)
}

func TestSeek(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(tmpDir, "a.pbf")
	const m = 33
	rnd := rand.New(rand.NewSource(1))
	mat := randomMatrix(rnd, 100, m)
	writeMatrix(t, path, mat, m, 4)

	seq := openMatrix(t, path)
	defer seq.Close(vcontext.Background()) // nolint: errcheck
	var perms [][][]int32
	for range mat {
		var p [][]int32
		for _, c := range seq.codecs {
			p = append(p, append([]int32{}, c.Perm()...))
		}
		perms = append(perms, p)
		_, err := seq.Read()
		require.NoError(t, err)
	}

	r := openMatrix(t, path)
	defer r.Close(vcontext.Background()) // nolint: errcheck
	for _, k := range append([]int{0, 16, 32, 5, 99, 17, 17, 18, 64, 63}, rnd.Perm(100)...) {
		require.NoError(t, r.Seek(int64(k)))
		expect.EQ(t, r.Row(), int64(k))
		for g, c := range r.codecs {
			expect.EQ(t, c.Perm(), perms[k][g], "row %d", k)
		}
		planes, err := r.Read()
		require.NoError(t, err)
		expect.EQ(t, planes[0], mat[k][0], "row %d", k)
		expect.EQ(t, planes[1], mat[k][1], "row %d", k)
	}
	err := r.Seek(100)
	expect.True(t, errors.Is(errors.Invalid, err), "err: %v", err)
	err = r.Seek(-1)
	expect.True(t, errors.Is(errors.Invalid, err), "err: %v", err)
}

func project(plane []byte, cols []int32) []byte {
	out := make([]byte, len(cols))
	for i, c := range cols {
		out[i] = plane[c]
	}
	return out
}

func TestSubset(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(tmpDir, "a.pbf")
	const m = 64
	rnd := rand.New(rand.NewSource(2))
	mat := randomMatrix(rnd, 90, m)
	writeMatrix(t, path, mat, m, 3)

	r := openMatrix(t, path)
	defer r.Close(vcontext.Background()) // nolint: errcheck
	cols := []int32{63, 1, 7, 30, 2}
	require.NoError(t, r.Subset(cols))
	for k := 0; k < 20; k++ {
		planes, err := r.Read()
		require.NoError(t, err)
		expect.EQ(t, planes[0], project(mat[k][0], cols), "row %d", k)
		expect.EQ(t, planes[1], project(mat[k][1], cols), "row %d", k)
	}
	// Changing the selection mid-stream rebuilds the ranks from a checkpoint.
	cols = []int32{5, 6, 60, 0}
	require.NoError(t, r.Subset(cols))
	expect.EQ(t, r.Row(), int64(20))
	for _, k := range []int{20, 21, 50, 10, 89, 3} {
		require.NoError(t, r.Seek(int64(k)))
		planes, err := r.Read()
		require.NoError(t, err)
		expect.EQ(t, planes[0], project(mat[k][0], cols), "row %d", k)
		expect.EQ(t, planes[1], project(mat[k][1], cols), "row %d", k)
	}
	// Back to full decoding.
	require.NoError(t, r.Subset(nil))
	for k := 4; k < 12; k++ {
		planes, err := r.Read()
		require.NoError(t, err)
		expect.EQ(t, planes[0], mat[k][0], "row %d", k)
	}
	// A selection of every column keeps the selection order.
	rev := make([]int32, m)
	for i := range rev {
		rev[i] = int32(m - 1 - i)
	}
	require.NoError(t, r.Subset(rev))
	planes, err := r.Read()
	require.NoError(t, err)
	expect.EQ(t, planes[0], project(mat[12][0], rev))
	err = r.Subset([]int32{m})
	expect.True(t, errors.Is(errors.Invalid, err), "err: %v", err)
}

func TestEmpty(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(tmpDir, "a.pbf")
	writeMatrix(t, path, nil, 4, 13)
	r := openMatrix(t, path)
	expect.EQ(t, r.NumRows(), int64(0))
	_, err := r.Read()
	expect.EQ(t, err, io.EOF)
	require.NoError(t, r.Close(vcontext.Background()))
}

func TestCorrupt(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(tmpDir, "a.pbf")
	const m = 8
	writeMatrix(t, path, randomMatrix(rand.New(rand.NewSource(3)), 10, m), m, 2)
	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)

	bad := filepath.Join(tmpDir, "bad.pbf")
	corrupted := append([]byte{}, data...)
	corrupted[0] = 'X'
	require.NoError(t, ioutil.WriteFile(bad, corrupted, 0644))
	_, err = Open(vcontext.Background(), bad)
	expect.True(t, errors.Is(errors.Integrity, err), "err: %v", err)

	require.NoError(t, ioutil.WriteFile(bad, data[:len(data)-3], 0644))
	_, err = Open(vcontext.Background(), bad)
	expect.True(t, errors.Is(errors.Integrity, err), "err: %v", err)

	// Point the second checkpoint at a row block.
	r := openMatrix(t, path)
	idx := r.index
	require.NoError(t, r.Close(vcontext.Background()))
	corrupted = append([]byte{}, data...)
	corrupted[idx[1]] = 'B'
	require.NoError(t, ioutil.WriteFile(bad, corrupted, 0644))
	r = openMatrix(t, bad)
	err = r.Seek(5)
	expect.True(t, errors.Is(errors.Integrity, err), "err: %v", err)
	require.NoError(t, r.Close(vcontext.Background()))
}

func TestEOFByRowCount(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	const m = 8
	rnd := rand.New(rand.NewSource(4))
	// The low byte of 66 and 83 rows in the trailer equals the row and
	// checkpoint tags.
	for _, rows := range []int{10, 66, 83} {
		path := filepath.Join(tmpDir, "a.pbf")
		writeMatrix(t, path, randomMatrix(rnd, rows, m), m, 2)
		r := openMatrix(t, path)
		for k := 0; k < rows; k++ {
			_, err := r.Read()
			require.NoError(t, err, "rows=%d row=%d", rows, k)
		}
		for i := 0; i < 2; i++ {
			_, err := r.Read()
			expect.EQ(t, err, io.EOF, "rows=%d", rows)
		}
		require.NoError(t, r.Close(vcontext.Background()))
	}
}

func TestBadRowTag(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(tmpDir, "a.pbf")
	const m = 8
	writeMatrix(t, path, randomMatrix(rand.New(rand.NewSource(5)), 10, m), m, 2)
	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	// Row 0 follows the header and the first checkpoint.
	data[headerSize+1+2*4*m] = 'X'
	bad := filepath.Join(tmpDir, "bad.pbf")
	require.NoError(t, ioutil.WriteFile(bad, data, 0644))

	r := openMatrix(t, bad)
	defer r.Close(vcontext.Background()) // nolint: errcheck
	expect.EQ(t, r.NumRows(), int64(10))
	_, err = r.Read()
	expect.True(t, errors.Is(errors.Integrity, err), "err: %v", err)
}
