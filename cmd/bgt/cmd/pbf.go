package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bgt/encoding/pbf"
)

// pimMagic starts the text form of a matrix: "PIM1 m g", then one line per
// row with m space-separated values. Bit k of a value is the bit of plane k.
const pimMagic = "PIM1"

type pbfOpts struct {
	// start is the first row, count the max number of rows (< 0: all).
	start int64
	count int64
	cols  stringList
	// textIn reads a text matrix instead of a PBF file.
	textIn bool
	// out is the path of a PBF file to write instead of text.
	out   string
	shift int
}

// rowSource yields the rows of a g-plane matrix of width m.
type rowSource interface {
	shape() (m, g int)
	read() ([][]byte, error)
	close(ctx context.Context) error
}

type pbfSource struct {
	r *pbf.Reader
	m int
	// done is set when the first row is past the end.
	done bool
}

func openPBFSource(ctx context.Context, path string, start int64, cols []int32) (*pbfSource, error) {
	r, err := pbf.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	s := &pbfSource{r: r, m: r.NumCols()}
	if len(cols) > 0 {
		s.m = len(cols)
		err = r.Subset(cols)
	}
	if err == nil && start > 0 {
		if start >= r.NumRows() {
			log.Printf("pbf: %s has %d rows, none from row %d", path, r.NumRows(), start)
			s.done = true
		} else {
			err = r.Seek(start)
		}
	}
	if err != nil {
		_ = r.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *pbfSource) shape() (int, int) {
	return s.m, s.r.NumPlanes()
}

func (s *pbfSource) read() ([][]byte, error) {
	if s.done {
		return nil, io.EOF
	}
	return s.r.Read()
}

func (s *pbfSource) close(ctx context.Context) error {
	return s.r.Close(ctx)
}

type textSource struct {
	path   string
	in     file.File
	sc     *bufio.Scanner
	lineno int
	width  int // columns per line
	g      int
	cols   []int32
	planes [][]byte
}

func openTextSource(ctx context.Context, path string, start int64, cols []int32) (*textSource, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	s := &textSource{path: path, in: in, sc: bufio.NewScanner(in.Reader(ctx))}
	s.sc.Buffer(make([]byte, 1<<16), 1<<28)
	if err := s.init(start, cols); err != nil {
		_ = in.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *textSource) invalid(format string, args ...interface{}) error {
	return errors.E(errors.Invalid, fmt.Sprintf("%s:%d: ", s.path, s.lineno)+fmt.Sprintf(format, args...))
}

func (s *textSource) init(start int64, cols []int32) error {
	line, err := s.nextLine()
	if err == io.EOF {
		return s.invalid("missing %s header", pimMagic)
	}
	if err != nil {
		return err
	}
	f := strings.Fields(line)
	if len(f) != 3 || f[0] != pimMagic {
		return s.invalid("expect '%s m g', found %.32q", pimMagic, line)
	}
	m, err1 := strconv.Atoi(f[1])
	g, err2 := strconv.Atoi(f[2])
	if err1 != nil || err2 != nil || m <= 0 || g <= 0 || g > 64 {
		return s.invalid("invalid shape %q", line)
	}
	s.width, s.g = m, g
	for _, c := range cols {
		if c < 0 || int(c) >= m {
			return s.invalid("column %d out of range [0,%d)", c, m)
		}
	}
	s.cols = cols
	if len(cols) > 0 {
		m = len(cols)
	}
	s.planes = make([][]byte, g)
	for k := range s.planes {
		s.planes[k] = make([]byte, m)
	}
	for ; start > 0; start-- {
		if _, err := s.nextLine(); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
	}
	return nil
}

// nextLine returns the next nonempty line.
func (s *textSource) nextLine() (string, error) {
	for s.sc.Scan() {
		s.lineno++
		if line := strings.TrimSpace(s.sc.Text()); line != "" {
			return line, nil
		}
	}
	if err := s.sc.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (s *textSource) shape() (int, int) { return len(s.planes[0]), s.g }

func (s *textSource) read() ([][]byte, error) {
	line, err := s.nextLine()
	if err != nil {
		return nil, err
	}
	f := strings.Fields(line)
	if len(f) != s.width {
		return nil, s.invalid("found %d values, expect %d", len(f), s.width)
	}
	for j := range s.planes[0] {
		col := j
		if s.cols != nil {
			col = int(s.cols[j])
		}
		x, err := strconv.ParseUint(f[col], 10, 64)
		if err != nil || (s.g < 64 && x>>uint(s.g) != 0) {
			return nil, s.invalid("invalid value %q for %d planes", f[col], s.g)
		}
		for k := range s.planes {
			s.planes[k][j] = byte(x>>uint(k)) & 1
		}
	}
	return s.planes, nil
}

func (s *textSource) close(ctx context.Context) error { return s.in.Close(ctx) }

type rowSink interface {
	write(planes [][]byte) error
	close(ctx context.Context) error
}

type textSink struct {
	w   *bufio.Writer
	buf []byte
}

func newTextSink(w io.Writer, m, g int) (*textSink, error) {
	s := &textSink{w: bufio.NewWriter(w)}
	_, err := fmt.Fprintf(s.w, "%s %d %d\n", pimMagic, m, g)
	return s, err
}

func (s *textSink) write(planes [][]byte) error {
	b := s.buf[:0]
	for j := range planes[0] {
		var x uint64
		for k, p := range planes {
			x |= uint64(p[j]) << uint(k)
		}
		if j > 0 {
			b = append(b, ' ')
		}
		b = strconv.AppendUint(b, x, 10)
	}
	b = append(b, '\n')
	s.buf = b
	_, err := s.w.Write(b)
	return err
}

func (s *textSink) close(ctx context.Context) error { return s.w.Flush() }

type pbfSink struct{ w *pbf.Writer }

func (s pbfSink) write(planes [][]byte) error {
	return s.w.Write(planes...)
}

func (s pbfSink) close(ctx context.Context) error {
	return s.w.Close(ctx)
}

func parseCols(vals []string) ([]int32, error) {
	var cols []int32
	for _, v := range vals {
		for _, f := range strings.Split(v, ",") {
			if f == "" {
				continue
			}
			c, err := strconv.ParseInt(f, 10, 32)
			if err != nil {
				return nil, errors.E(errors.Invalid, err, "column", f)
			}
			cols = append(cols, int32(c))
		}
	}
	return cols, nil
}

// pbfView copies rows of a PBF file or a text matrix to text or to a new
// PBF file.
func pbfView(ctx context.Context, path string, opts pbfOpts, stdout io.Writer) (err error) {
	cols, err := parseCols(opts.cols)
	if err != nil {
		return err
	}
	var src rowSource
	if opts.textIn {
		src, err = openTextSource(ctx, path, opts.start, cols)
	} else {
		src, err = openPBFSource(ctx, path, opts.start, cols)
	}
	if err != nil {
		return err
	}
	defer func() {
		if e := src.close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	m, g := src.shape()
	var sink rowSink
	if opts.out != "" {
		w, err := pbf.Create(ctx, opts.out, m, g, opts.shift)
		if err != nil {
			return err
		}
		sink = pbfSink{w}
	} else if sink, err = newTextSink(stdout, m, g); err != nil {
		return err
	}
	var n int64
	for ; opts.count < 0 || n < opts.count; n++ {
		planes, err := src.read()
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = sink.close(ctx)
			return err
		}
		if err := sink.write(planes); err != nil {
			_ = sink.close(ctx)
			return err
		}
	}
	log.Debug.Printf("pbf: %d rows of %d columns and %d planes", n, m, g)
	return sink.close(ctx)
}
