// Command-line interface to hzvol datasets.
// Creates and inspects datasets, moves raw volumes in and out, computes filters and serves blocks.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/janelia-flyem/hzvol/dataset"
	"github.com/janelia-flyem/hzvol/hzvol"
	"github.com/janelia-flyem/hzvol/server"
	"github.com/janelia-flyem/hzvol/storage"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// Address for rpc communication.  Overrides the server configuration.
	rpcAddress = flag.String("rpc", "", "")

	// Address for http communication.  Overrides the server configuration.
	httpAddress = flag.String("http", "", "")

	// Profile CPU usage using standard gotest system.
	cpuprofile = flag.String("cpuprofile", "", "")

	// Number of logical CPUs to use.
	useCPU = flag.Int("numcpu", 0, "")
)

const helpMessage = `
hzvol manages multiresolution volumes stored in HZ order

Usage: hzvol [options] <command>

      -rpc        =string   Address for RPC communication, overriding the config.
      -http       =string   Address for HTTP communication, overriding the config.
      -cpuprofile =string   Write CPU profile to this file.
      -numcpu     =number   Number of logical CPUs to use.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

Commands:

	create  <dataset.json> -bitmask V0101... -fields "data uint8 + mask 2*uint8 filter(min)"
	        [-box "x1 x2 y1 y2 ..."] [-time 0,1,2] [-bitsperblock 16] [-access disk]
	info    <dataset.json>
	import-raw <dataset.json> <raw file> [-field name] [-time t] [-box "x1 x2 ..."]
	export-raw <dataset.json> <raw file> [-field name] [-time t] [-box "x1 x2 ..."] [-toh H]
	compute-filter <dataset.json> [-field name] [-time t] [-from H] [-window 256,256] [-workers n]
	serve   <config.toml>
`

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = func() { fmt.Print(helpMessage) }
	flag.Parse()

	if flag.NArg() >= 1 && strings.ToLower(flag.Args()[0]) == "help" {
		*showHelp = true
	}
	if *showHelp || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}
	if *runVerbose {
		hzvol.SetLogMode(hzvol.DebugMode)
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}
	if *useCPU != 0 {
		runtime.GOMAXPROCS(*useCPU)
	}

	// Capture ctrl+c and other interrupts.  Commands see a cancelled context.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := DoCommand(ctx, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		stop()
		os.Exit(1)
	}
}

// DoCommand serves as a switchboard for commands.
func DoCommand(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("Blank command!")
	}
	name, args := args[0], args[1:]
	switch name {
	case "create":
		return DoCreate(args)
	case "info":
		return DoInfo(args)
	case "import-raw":
		return DoImportRaw(ctx, args)
	case "export-raw":
		return DoExportRaw(ctx, args)
	case "compute-filter":
		return DoComputeFilter(ctx, args)
	case "serve":
		return DoServe(ctx, args)
	default:
		return fmt.Errorf("Unknown command %q.  Use -help for the list of commands.", name)
	}
}

// parseArgs parses flags that may follow the positional arguments of a command.
func parseArgs(fs *flag.FlagSet, args []string, npos int) ([]string, error) {
	var pos []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			break
		}
		pos = append(pos, args[0])
		args = args[1:]
	}
	if len(pos) != npos {
		return nil, fmt.Errorf("%s needs %d arguments, got %d", fs.Name(), npos, len(pos))
	}
	return pos, nil
}

func parseFloats(s string) ([]float64, error) {
	var values []float64
	for _, tok := range strings.Split(s, ",") {
		if tok = strings.TrimSpace(tok); tok == "" {
			continue
		}
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q: %v", tok, err)
		}
		values = append(values, v)
	}
	return values, nil
}

// DoCreate writes a new dataset descriptor.
func DoCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	bitmask := fs.String("bitmask", "", "bitmask pattern")
	fields := fs.String("fields", "", "fields separated by '+'")
	box := fs.String("box", "", "logic box")
	times := fs.String("time", "", "comma separated timesteps")
	bpb := fs.Int("bitsperblock", 0, "log2 of samples per block")
	accessType := fs.String("access", "", "storage engine of the dataset")
	pos, err := parseArgs(fs, args, 1)
	if err != nil {
		return err
	}
	desc := dataset.Descriptor{Bitmask: *bitmask, Box: *box, BitsPerBlock: *bpb}
	for _, s := range strings.Split(*fields, "+") {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		f, err := hzvol.ParseField(s)
		if err != nil {
			return err
		}
		desc.Fields = append(desc.Fields, f)
	}
	if desc.Timesteps, err = parseFloats(*times); err != nil {
		return err
	}
	if *accessType != "" {
		desc.Access = append(desc.Access, storage.Config{Type: *accessType})
	}
	ds, err := dataset.Create(pos[0], desc, nil)
	if err != nil {
		return err
	}
	fmt.Printf("Created %s\n", ds)
	return nil
}

// DoInfo prints a summary of a dataset.
func DoInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	pos, err := parseArgs(fs, args, 1)
	if err != nil {
		return err
	}
	ds, err := dataset.Load(pos[0], nil)
	if err != nil {
		return err
	}
	info := ds.Info()
	fmt.Printf("Dataset:     %s\n", info.URL)
	fmt.Printf("Version:     %s\n", ds.Version())
	fmt.Printf("Bitmask:     %s (max resolution %d)\n", ds.Bitmask(), ds.MaxResolution())
	fmt.Printf("Logic box:   %s\n", ds.LogicBox())
	fmt.Printf("Timesteps:   %v\n", ds.Timesteps())
	nblocks := ds.Bitmask().TotalBlocks(info.BitsPerBlock)
	fmt.Printf("Blocks:      %s of %s samples, %d per file\n",
		humanize.Comma(int64(nblocks)), humanize.Comma(int64(1)<<uint(info.BitsPerBlock)), info.BlocksPerFile)
	fmt.Printf("Files:       %s\n", info.FilenameTemplate)
	total := ds.LogicBox().Size().Prod()
	for _, f := range ds.Fields() {
		fmt.Printf("Field:       %s (%s at full resolution)\n", f, humanize.Bytes(uint64(f.DType.ByteSize(total))))
	}
	return nil
}

type rawFlags struct {
	field string
	time  float64
	box   string
	toh   int
}

func newRawFlagSet(name string, rf *rawFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&rf.field, "field", "", "field name, default field if empty")
	fs.Float64Var(&rf.time, "time", 0, "timestep")
	fs.StringVar(&rf.box, "box", "", "logic box, whole dataset if empty")
	fs.IntVar(&rf.toh, "toh", -1, "resolution, finest if negative")
	return fs
}

func (rf rawFlags) resolve(ds *dataset.Dataset) (hzvol.Field, hzvol.Box, error) {
	field, err := ds.Field(rf.field)
	if err != nil {
		return hzvol.Field{}, hzvol.Box{}, err
	}
	box := ds.LogicBox()
	if rf.box != "" {
		if box, err = hzvol.ParseBox(rf.box); err != nil {
			return hzvol.Field{}, hzvol.Box{}, err
		}
	}
	return field, box, nil
}

// DoImportRaw writes a row-major raw file into a box of the dataset.
func DoImportRaw(ctx context.Context, args []string) error {
	var rf rawFlags
	pos, err := parseArgs(newRawFlagSet("import-raw", &rf), args, 2)
	if err != nil {
		return err
	}
	ds, err := dataset.Load(pos[0], nil)
	if err != nil {
		return err
	}
	field, box, err := rf.resolve(ds)
	if err != nil {
		return err
	}
	box = box.Intersect(ds.LogicBox())
	data, err := os.ReadFile(pos[1])
	if err != nil {
		return err
	}
	buf, err := hzvol.NewArrayFromBytes(box.Size(), field.DType, data)
	if err != nil {
		return err
	}
	access, err := ds.DefaultAccess()
	if err != nil {
		return err
	}
	defer access.Close()
	tlog := hzvol.NewTimeLog()
	if err := ds.WriteBox(ctx, access, field, rf.time, box, buf); err != nil {
		return err
	}
	tlog.Infof("Imported %s into field %q box %s", humanize.Bytes(uint64(len(data))), field.Name, box)
	return nil
}

// DoExportRaw writes the samples of a box to a row-major raw file.
func DoExportRaw(ctx context.Context, args []string) error {
	var rf rawFlags
	pos, err := parseArgs(newRawFlagSet("export-raw", &rf), args, 2)
	if err != nil {
		return err
	}
	ds, err := dataset.Load(pos[0], nil)
	if err != nil {
		return err
	}
	field, box, err := rf.resolve(ds)
	if err != nil {
		return err
	}
	access, err := ds.DefaultAccess()
	if err != nil {
		return err
	}
	defer access.Close()
	q, err := ds.ReadBox(ctx, access, field, rf.time, box, rf.toh)
	if err != nil {
		return err
	}
	if err := os.WriteFile(pos[1], q.Buffer.Data, 0644); err != nil {
		return err
	}
	fmt.Printf("Wrote %s samples %s of field %q (%s) to %s\n", q.Buffer.Dims, q.Samples, field.Name,
		humanize.Bytes(uint64(len(q.Buffer.Data))), pos[1])
	return nil
}

// DoComputeFilter transforms the samples of one field into their filtered form.
func DoComputeFilter(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("compute-filter", flag.ContinueOnError)
	fieldname := fs.String("field", "", "field name, default field if empty")
	t := fs.Float64("time", 0, "timestep")
	from := fs.Int("from", 0, "restart at this resolution")
	window := fs.String("window", "", "comma separated window size per axis")
	workers := fs.Int("workers", 0, "concurrent boxes")
	pos, err := parseArgs(fs, args, 1)
	if err != nil {
		return err
	}
	ds, err := dataset.Load(pos[0], nil)
	if err != nil {
		return err
	}
	field, err := ds.Field(*fieldname)
	if err != nil {
		return err
	}
	opts := dataset.FilterOptions{FromResolution: *from, Workers: *workers, Aborted: hzvol.NewAborted()}
	if *window != "" {
		if opts.Window, err = hzvol.StringToPoint(*window, ","); err != nil {
			return err
		}
	}
	access, err := ds.DefaultAccess()
	if err != nil {
		return err
	}
	defer access.Close()
	go func() {
		<-ctx.Done()
		opts.Aborted.Abort()
	}()
	return ds.ComputeFilter(ctx, access, field, *t, opts)
}

// DoServe serves the datasets of a TOML configuration until interrupted.
func DoServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	pos, err := parseArgs(fs, args, 1)
	if err != nil {
		return err
	}
	cfg, err := server.LoadConfig(pos[0])
	if err != nil {
		return err
	}
	if *httpAddress != "" {
		cfg.Server.HTTPAddress = *httpAddress
	}
	if *rpcAddress != "" {
		cfg.Server.RPCAddress = *rpcAddress
	}
	s, err := server.New(cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Serve(ctx)
}
