package cmd

import (
	"bufio"
	"context"
	"io"
	"runtime"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/bgt/allele"
	"github.com/grailbio/bgt/bgt"
	"github.com/grailbio/bgt/expr"
	"github.com/grailbio/bgt/fmf"
	"github.com/grailbio/bgt/interval"
	"github.com/grailbio/bgt/vcf"
	"github.com/grailbio/hts/bgzf"
)

type viewOpts struct {
	region     string
	bed        string
	excludeBED bool
	// groups are the -s values, one per sample group.
	groups stringList
	meta   string
	filter string
	// alleles is either a list or an expression over varDB.
	alleles string
	varDB   string
	start   int64
	limit   int
	table   string

	sampleAlleles bool
	hapCounts     bool
	noGenotypes   bool
	stats         bool

	maxGenotypes int64
	minGroupSize int
	level        int
	out          string
}

// readNames reads one sample name per line; extra columns are ignored.
func readNames(ctx context.Context, path string) (names []string, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	sc := bufio.NewScanner(in.Reader(ctx))
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexAny(line, " \t"); i >= 0 {
			line = line[:i]
		}
		if line != "" && line[0] != '#' {
			names = append(names, line)
		}
	}
	return names, sc.Err()
}

// addGroups registers the -s groups with m.
func addGroups(ctx context.Context, m *bgt.Multi, opts viewOpts) error {
	var meta *fmf.Table
	if opts.meta != "" {
		var err error
		if meta, err = fmf.ReadFile(ctx, opts.meta); err != nil {
			return err
		}
	}
	for _, g := range opts.groups {
		var err error
		switch {
		case strings.HasPrefix(g, ","), strings.HasPrefix(g, ":"):
			_, err = m.AddGroup(strings.FieldsFunc(g[1:], func(r rune) bool { return r == ',' }))
		case strings.HasPrefix(g, "@"):
			var names []string
			if names, err = readNames(ctx, g[1:]); err == nil {
				_, err = m.AddGroup(names)
			}
		default:
			var e *expr.Expr
			if e, err = expr.Parse(g); err != nil {
				return errors.E(errors.Invalid, err, "sample group", g)
			}
			if meta != nil {
				_, err = m.AddGroup(meta.SelectNames(e))
			} else {
				_, err = m.AddGroupExpr(e)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// parseAlleles resolves -a, either as a list or by selecting the rows of the
// allele database.
func parseAlleles(ctx context.Context, opts viewOpts) ([]allele.Allele, error) {
	if strings.HasPrefix(opts.alleles, ",") || opts.varDB == "" {
		return allele.ParseList(opts.alleles)
	}
	db, err := fmf.ReadFile(ctx, opts.varDB)
	if err != nil {
		return nil, err
	}
	e, err := expr.Parse(opts.alleles)
	if err != nil {
		return nil, errors.E(errors.Invalid, err, "allele expression", opts.alleles)
	}
	var alleles []allele.Allele
	for _, name := range db.SelectNames(e) {
		a, err := allele.Parse(name)
		if err != nil {
			return nil, errors.E(err, opts.varDB)
		}
		alleles = append(alleles, a)
	}
	return alleles, nil
}

// configure applies the query options to m.
func configure(ctx context.Context, m *bgt.Multi, opts viewOpts) error {
	if err := addGroups(ctx, m, opts); err != nil {
		return err
	}
	if opts.stats {
		m.SetStats(true)
	}
	if opts.filter != "" {
		if err := m.SetFilter(opts.filter); err != nil {
			return err
		}
	}
	if opts.region != "" {
		if err := m.SetRegion(opts.region); err != nil {
			return err
		}
	}
	if opts.bed != "" {
		u, err := interval.NewBEDUnionFromPath(ctx, opts.bed, interval.NewBEDOpts{})
		if err != nil {
			return err
		}
		m.SetBED(u, opts.excludeBED)
	}
	if opts.start > 0 {
		if err := m.SetStart(opts.start - 1); err != nil {
			return err
		}
	}
	return nil
}

func loadViewConfig(opts viewOpts) (bgt.Config, error) {
	cfg, err := bgt.LoadConfig()
	if err != nil {
		return cfg, err
	}
	if opts.maxGenotypes > 0 {
		cfg.MaxGenotypes = opts.maxGenotypes
	}
	if opts.minGroupSize >= 0 {
		cfg.MinGroupSize = opts.minGroupSize
	}
	return cfg, nil
}

func view(ctx context.Context, prefixes []string, opts viewOpts, stdout io.Writer) (err error) {
	if (opts.hapCounts || opts.sampleAlleles) && opts.alleles == "" {
		return errors.E(errors.Invalid, "-H and -S require -a")
	}
	cfg, err := loadViewConfig(opts)
	if err != nil {
		return err
	}
	var alleles []allele.Allele
	if opts.alleles != "" {
		if alleles, err = parseAlleles(ctx, opts); err != nil {
			return err
		}
		if len(alleles) == 0 {
			log.Printf("view: no allele matches %q", opts.alleles)
			return nil
		}
	}
	m, err := bgt.OpenMulti(ctx, prefixes, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if e := m.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	if err = configure(ctx, m, opts); err != nil {
		return err
	}
	if alleles != nil {
		if err = m.SetAlleles(alleles); err != nil {
			return err
		}
	}
	var table *bgt.Table
	if opts.table != "" {
		if table, err = m.NewTable(opts.table); err != nil {
			return err
		}
	}
	if err = m.Prepare(); err != nil {
		return err
	}
	sizes := m.GroupSizes()
	for k, name := range m.GroupNames() {
		log.Debug.Printf("view: group %d (%s): %d samples", k+1, name, sizes[k])
	}

	w := stdout
	if opts.out != "" {
		var dst file.File
		if dst, err = file.Create(ctx, opts.out); err != nil {
			return err
		}
		defer file.CloseAndReport(ctx, dst, &err)
		w = dst.Writer(ctx)
	}
	if opts.level >= 0 {
		var bw *bgzf.Writer
		if bw, err = bgzf.NewWriterLevel(w, opts.level, runtime.NumCPU()); err != nil {
			return err
		}
		defer func() {
			if e := bw.Close(); e != nil && err == nil {
				err = e
			}
		}()
		w = bw
	}
	return writeView(m, table, opts, w)
}

// siteWriter prints merged sites in one output format.
type siteWriter interface {
	write(v *bgt.Variant) error
	// finish flushes the sites. truncated appends a '*' line.
	finish(truncated bool) error
}

type vcfSiteWriter struct {
	m      *bgt.Multi
	w      io.Writer
	vw     *vcf.Writer
	withGT bool
	stats  bool
}

func (s *vcfSiteWriter) write(v *bgt.Variant) error {
	return s.vw.Write(s.m.VCFVariant(v, s.withGT, s.stats))
}

func (s *vcfSiteWriter) finish(truncated bool) error {
	if err := s.vw.Flush(); err != nil {
		return err
	}
	if truncated {
		_, err := io.WriteString(s.w, "*\n")
		return err
	}
	return nil
}

type tableSiteWriter struct {
	m     *bgt.Multi
	t     *bgt.Table
	w     *tsv.Writer
	sites bool
}

func (s *tableSiteWriter) write(v *bgt.Variant) error {
	if !s.sites {
		return nil
	}
	return s.t.Write(s.w, s.m, v)
}

func (s *tableSiteWriter) finish(truncated bool) error {
	if truncated {
		s.w.WriteString("*")
		if err := s.w.EndLine(); err != nil {
			return err
		}
	}
	return s.w.Flush()
}

func writeView(m *bgt.Multi, table *bgt.Table, opts viewOpts, w io.Writer) error {
	counting := opts.hapCounts || opts.sampleAlleles
	var sw siteWriter
	switch {
	case counting || table != nil:
		tw := &tableSiteWriter{m: m, t: table, w: tsv.NewWriter(w), sites: !counting}
		if !counting {
			if err := table.WriteHeader(tw.w); err != nil {
				return err
			}
		}
		sw = tw
	default:
		withGT := !opts.noGenotypes && m.GenotypesAllowed()
		vw, err := vcf.NewWriter(w, m.Header(), vcf.WriterOpts{OmitGenotypes: !withGT})
		if err != nil {
			return err
		}
		sw = &vcfSiteWriter{m: m, w: w, vw: vw, withGT: withGT, stats: opts.stats || m.NumGroups() > 0}
	}

	var n int
	truncated := false
	for {
		v, err := m.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if m.Exhausted() {
			log.Printf("view: genotype budget exceeded after %d sites", n)
			truncated = true
			break
		}
		if !counting && opts.limit > 0 && n >= opts.limit {
			truncated = true
			break
		}
		if err := sw.write(v); err != nil {
			return err
		}
		n++
	}
	if counting {
		tw := sw.(*tableSiteWriter)
		var err error
		if opts.hapCounts {
			err = m.WriteHapCounts(tw.w)
		}
		if err == nil && opts.sampleAlleles {
			err = m.WriteSampleAlleleCounts(tw.w)
		}
		if err != nil {
			return err
		}
	}
	log.Debug.Printf("view: %d sites, %d genotypes", n, m.NumGenotypes())
	return sw.finish(truncated)
}
