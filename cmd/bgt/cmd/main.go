package cmd

import (
	"flag"
	"fmt"
	golog "log"
	"strings"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/vcontext"
	"v.io/x/lib/cmdline"
)

const version = "1.0"

// stringList is a repeatable string flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, " ") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

var _ flag.Value = (*stringList)(nil)

func newCmdImport() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "import",
		Short:    "Create a store from a VCF file",
		ArgsName: "prefix vcfpath",
		Long: `
Import atomizes the records of a VCF (optionally bgzipped) file and writes the
store files prefix.spl, prefix.pbf and prefix.sites. Records that do not pass
FILTER are dropped unless -keep-filtered is set.`,
	}
	opts := importOpts{}
	cmd.Flags.BoolVar(&opts.keepFiltered, "keep-filtered", false, "Keep records whose FILTER is neither '.' nor 'PASS'")
	cmd.Flags.StringVar(&opts.contigs, "contigs", "", "TSV file of 'name<TAB>length' lines added to the contig dictionary")
	cmd.Flags.IntVar(&opts.sitesPerBlock, "sites-per-block", 0, "Number of sites per site-stream block. If <= 0, use $BGT_SITES_PER_BLOCK")
	cmd.Flags.IntVar(&opts.checkpointShift, "checkpoint-shift", 0, "log2 of the number of rows between permutation checkpoints. If <= 0, use $BGT_CHECKPOINT_SHIFT")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("import takes prefix vcfpath, but got %v", argv)
		}
		return importVCF(vcontext.Background(), argv[0], argv[1], opts)
	})
	return cmd
}

func newCmdView() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "view",
		Short:    "Query one or more stores",
		ArgsName: "prefix...",
		Long: `
View merges the given stores and prints the sites as VCF. With -t, each site
is printed as a row of expression values instead. With -a and -H or -S,
allele combinations are counted over haplotypes or samples.

A '*' line at the end of the output means the output was cut short by -n or
by the genotype budget.`,
	}
	opts := viewOpts{}
	cmd.Flags.StringVar(&opts.region, "r", "", "Region, 'chr', 'chr:beg' or 'chr:beg-end' (1-based, closed)")
	cmd.Flags.StringVar(&opts.bed, "bed", "", "Keep sites overlapping the BED intervals")
	cmd.Flags.BoolVar(&opts.excludeBED, "bed-exclude", false, "With -bed, drop sites overlapping the intervals instead")
	cmd.Flags.Var(&opts.groups, "s", `Sample group, repeatable. One of
  ',name1,name2'   a list of sample names
  '@path'          a file with one sample name per line
  expr             an expression over the sample metadata, e.g. 'population=="CEU"'`)
	cmd.Flags.StringVar(&opts.meta, "meta", "", "FMF file of sample metadata for -s expressions. By default, each store's prefix.spl is used")
	cmd.Flags.StringVar(&opts.filter, "f", "", "Site filter expression over CHROM, POS, END, RLEN, REF, ALT, AC, AN, AF and ACi, ANi, AFi for group i")
	cmd.Flags.StringVar(&opts.alleles, "a", "", "Alleles, ',chr:pos:ref:alt,...', or an expression over the -d allele database")
	cmd.Flags.StringVar(&opts.varDB, "d", "", "FMF allele database for -a expressions")
	cmd.Flags.Int64Var(&opts.start, "i", 0, "Start from the i-th site of each store (1-based)")
	cmd.Flags.IntVar(&opts.limit, "n", 0, "Print at most n sites. If <= 0, no limit")
	cmd.Flags.StringVar(&opts.table, "t", "", "Print a table, with comma-separated column expressions, e.g. 'CHROM,POS,REF,ALT,AC1/AN1'")
	cmd.Flags.BoolVar(&opts.sampleAlleles, "S", false, "Print the samples carrying the -a alleles")
	cmd.Flags.BoolVar(&opts.hapCounts, "H", false, "Print haplotype counts of the -a allele combinations")
	cmd.Flags.BoolVar(&opts.noGenotypes, "G", false, "Do not print genotypes")
	cmd.Flags.BoolVar(&opts.stats, "C", false, "Add AC and AN, per group too, to INFO")
	cmd.Flags.Int64Var(&opts.maxGenotypes, "max-genotypes", 0, "Genotype budget. If <= 0, use $BGT_MAX_GENOTYPES")
	cmd.Flags.IntVar(&opts.minGroupSize, "min-group-size", -1, "Smallest group size allowed; genotypes are withheld if > 0. If < 0, use $BGT_MIN_GROUP_SIZE")
	cmd.Flags.IntVar(&opts.level, "l", -1, "bgzf compression level of the output. If < 0, the output is not compressed")
	cmd.Flags.StringVar(&opts.out, "o", "", "Output path. If empty, write to stdout")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) == 0 {
			return fmt.Errorf("view takes at least one store prefix")
		}
		return view(vcontext.Background(), argv, opts, env.Stdout)
	})
	return cmd
}

func newCmdAtomize() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "atomize",
		Short:    "Split VCF records into biallelic atoms",
		ArgsName: "vcfpath",
	}
	opts := atomizeOpts{}
	cmd.Flags.BoolVar(&opts.keepFiltered, "keep-filtered", false, "Keep records whose FILTER is neither '.' nor 'PASS'")
	cmd.Flags.BoolVar(&opts.noGenotypes, "G", false, "Do not print genotypes")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("atomize takes one vcfpath, but got %v", argv)
		}
		return atomizeVCF(vcontext.Background(), argv[0], opts, env.Stdout)
	})
	return cmd
}

func newCmdFMF() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "fmf",
		Short:    "Print the rows of an FMF file that satisfy an expression",
		ArgsName: "fmfpath [expr]",
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) < 1 || len(argv) > 2 {
			return fmt.Errorf("fmf takes fmfpath [expr], but got %v", argv)
		}
		src := ""
		if len(argv) == 2 {
			src = argv[1]
		}
		return printFMF(vcontext.Background(), argv[0], src, env.Stdout)
	})
	return cmd
}

func newCmdGetalt() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "getalt",
		Short:    "Print the alleles of an allele database that satisfy an expression",
		ArgsName: "fmfpath expr",
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("getalt takes fmfpath expr, but got %v", argv)
		}
		return getalt(vcontext.Background(), argv[0], argv[1], env.Stdout)
	})
	return cmd
}

func newCmdChecksum() *cmdline.Command {
	cmd := &cmdline.Command{
		Name: "checksum",
		Short: `Compute a checksum of stores.
The checksum is a JSON string summarizing the sites and genotypes of each contig`,
		ArgsName: "prefix...",
	}
	opts := checksumOpts{}
	cmd.Flags.BoolVar(&opts.genotypes, "genotypes", false, "Checksum the genotypes too")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) == 0 {
			return fmt.Errorf("checksum takes at least one store prefix")
		}
		return checksum(vcontext.Background(), argv, opts, env.Stdout)
	})
	return cmd
}

func newCmdPBF() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "pbf",
		Short:    "Print or convert the genotype matrix of a PBF file",
		ArgsName: "path",
		Long: `
Pbf prints the rows of a PBF file, such as a store's prefix.pbf, as text:
a "PIM1 m g" line, then one line per row with m space-separated values. Bit k
of a value is the bit of plane k, so for a store a value is a genotype code.
With -S, the input is such a text matrix. With -b, the rows are written to a
new PBF file instead.`,
	}
	opts := pbfOpts{}
	cmd.Flags.Int64Var(&opts.start, "r", 0, "Start from this row (0-based)")
	cmd.Flags.Int64Var(&opts.count, "n", -1, "Print at most n rows. If < 0, no limit")
	cmd.Flags.Var(&opts.cols, "c", "Column to keep, repeatable or comma-separated. By default, all columns are kept")
	cmd.Flags.BoolVar(&opts.textIn, "S", false, "The input is a text matrix")
	cmd.Flags.StringVar(&opts.out, "b", "", "Write a PBF file at this path instead of text")
	cmd.Flags.IntVar(&opts.shift, "s", 13, "With -b, log2 of the number of rows between permutation checkpoints")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("pbf takes one path, but got %v", argv)
		}
		return pbfView(vcontext.Background(), argv[0], opts, env.Stdout)
	})
	return cmd
}

func newCmdVersion() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "version",
		Short: "Print the version",
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		_, err := fmt.Fprintln(env.Stdout, version)
		return err
	})
	return cmd
}

func Run() {
	golog.SetFlags(golog.Ldate | golog.Ltime | golog.Lmicroseconds | golog.Lshortfile)
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(
		&cmdline.Command{
			Name:     "bgt",
			Short:    "Tools for storing and querying genotypes",
			LookPath: false,
			Children: []*cmdline.Command{
				newCmdImport(),
				newCmdView(),
				newCmdAtomize(),
				newCmdFMF(),
				newCmdGetalt(),
				newCmdChecksum(),
				newCmdPBF(),
				newCmdVersion(),
			},
		})
}
