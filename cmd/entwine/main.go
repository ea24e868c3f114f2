// Command-line interface to the point-cloud indexer.
// Provides the build, merge, and info commands.

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/golang/geo/r3"

	"github.com/XueSongTap/entwine/builder"
	"github.com/XueSongTap/entwine/entwine"
	"github.com/XueSongTap/entwine/reader"
	"github.com/XueSongTap/entwine/storage"
)

const helpMessage = `
entwine builds hierarchical, streamable octree indexes from point clouds

Usage: entwine <command> [options]

Commands:

	build   Index input point clouds into an output dataset.
	merge   Stitch completed subset builds into one dataset.
	info    Print a dataset's metadata.

Use "entwine <command> -help" for the options of a command.
`

// tomlConfig mirrors the build flags for file-based configuration.  Flags
// given on the command line win over the file.
type tomlConfig struct {
	Input            []string          `toml:"input"`
	Output           string            `toml:"output"`
	Tmp              string            `toml:"tmp"`
	Span             uint64            `toml:"span"`
	MinNodeSize      uint64            `toml:"min_node_size"`
	MaxNodeSize      uint64            `toml:"max_node_size"`
	DataType         string            `toml:"data_type"`
	SRS              string            `toml:"srs"`
	Scale            []float64         `toml:"scale"`
	Threads          int               `toml:"threads"`
	Limit            uint64            `toml:"limit"`
	ProgressInterval uint64            `toml:"progress_interval"`
	Force            bool              `toml:"force"`
	Deep             bool              `toml:"deep"`
	SubsetID         uint64            `toml:"subset_id"`
	SubsetOf         uint64            `toml:"subset_of"`
	Pipeline         []reader.Stage    `toml:"pipeline"`
	Log              entwine.LogConfig `toml:"log"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Print(helpMessage)
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "build":
		err = runBuild(os.Args[2:])
	case "merge":
		err = runMerge(os.Args[2:])
	case "info":
		err = runInfo(os.Args[2:])
	case "help", "-help", "--help":
		fmt.Print(helpMessage)
	default:
		fmt.Printf("Unknown command %q\n", os.Args[1])
		fmt.Print(helpMessage)
		os.Exit(1)
	}
	if err != nil {
		entwine.Errorf("%v", err)
		os.Exit(1)
	}
}

func runBuild(args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	configPath := fs.String("config", "", "TOML configuration file")
	inputs := fs.String("i", "", "comma-separated input paths or globs")
	output := fs.String("o", "", "output dataset path")
	tmp := fs.String("tmp", "", "temp directory for localized remote files")
	span := fs.Uint64("span", 0, "voxel grid width per chunk (power of two)")
	minNodeSize := fs.Uint64("min-node-size", 0, "minimum points before a node splits off")
	maxNodeSize := fs.Uint64("max-node-size", 0, "maximum resident points before overflow")
	dataType := fs.String("data-type", "", "chunk codec: binary, snappy, or zstandard")
	srs := fs.String("srs", "", "spatial reference of the output")
	scale := fs.Float64("scale", 0, "coordinate scale applied to X/Y/Z")
	threads := fs.Int("threads", runtime.NumCPU(), "total thread count")
	limit := fs.Uint64("limit", 0, "insert at most this many files (0 = all)")
	progress := fs.Uint64("progress", 10, "progress report interval in seconds")
	force := fs.Bool("force", false, "overwrite an existing dataset")
	deep := fs.Bool("deep", false, "full-scan analysis of each input")
	subsetID := fs.Uint64("subset-id", 0, "subset partition to build (1-based)")
	subsetOf := fs.Uint64("subset-of", 0, "total subset partitions (power of 4)")
	logfile := fs.String("logfile", "", "rotating log file (default stdout)")
	fs.Parse(args)
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var fileCfg tomlConfig
	if *configPath != "" {
		if _, err := toml.DecodeFile(*configPath, &fileCfg); err != nil {
			return err
		}
	}
	if *logfile != "" {
		fileCfg.Log.Logfile = *logfile
	}
	fileCfg.Log.SetLogger()

	cfg := builder.Config{
		Input:            fileCfg.Input,
		Output:           fileCfg.Output,
		Tmp:              fileCfg.Tmp,
		Pipeline:         reader.Pipeline(fileCfg.Pipeline),
		SRS:              fileCfg.SRS,
		Span:             fileCfg.Span,
		MinNodeSize:      fileCfg.MinNodeSize,
		MaxNodeSize:      fileCfg.MaxNodeSize,
		DataType:         fileCfg.DataType,
		Limit:            fileCfg.Limit,
		ProgressInterval: fileCfg.ProgressInterval,
		Force:            fileCfg.Force,
		Deep:             fileCfg.Deep,
	}
	if len(fileCfg.Scale) == 3 {
		cfg.Scale = &r3.Vector{
			X: fileCfg.Scale[0], Y: fileCfg.Scale[1], Z: fileCfg.Scale[2],
		}
	}
	if fileCfg.Threads > 0 {
		cfg.Threads = builder.NewThreads(fileCfg.Threads)
	}
	if fileCfg.SubsetOf > 0 {
		cfg.Subset = &builder.Subset{ID: fileCfg.SubsetID, Of: fileCfg.SubsetOf}
	}

	// Command-line flags override the file.
	if *inputs != "" {
		cfg.Input = strings.Split(*inputs, ",")
	}
	if *output != "" {
		cfg.Output = *output
	}
	if *tmp != "" {
		cfg.Tmp = *tmp
	}
	if *span != 0 {
		cfg.Span = *span
	}
	if *minNodeSize != 0 {
		cfg.MinNodeSize = *minNodeSize
	}
	if *maxNodeSize != 0 {
		cfg.MaxNodeSize = *maxNodeSize
	}
	if *dataType != "" {
		cfg.DataType = *dataType
	}
	if *srs != "" {
		cfg.SRS = *srs
	}
	if *scale != 0 {
		cfg.Scale = &r3.Vector{X: *scale, Y: *scale, Z: *scale}
	}
	if set["threads"] || fileCfg.Threads == 0 {
		cfg.Threads = builder.NewThreads(*threads)
	}
	if *limit != 0 {
		cfg.Limit = *limit
	}
	if set["progress"] || fileCfg.ProgressInterval == 0 {
		cfg.ProgressInterval = *progress
	}
	if *force {
		cfg.Force = true
	}
	if *deep {
		cfg.Deep = true
	}
	if *subsetOf > 0 {
		cfg.Subset = &builder.Subset{ID: *subsetID, Of: *subsetOf}
	}

	if len(cfg.Input) == 0 || cfg.Output == "" {
		return fmt.Errorf("build requires input (-i) and output (-o) paths")
	}

	inserted, err := builder.RunConfig(cfg)
	if err != nil {
		return err
	}
	entwine.Infof("Inserted %d points", inserted)
	return nil
}

func runMerge(args []string) error {
	fs := flag.NewFlagSet("merge", flag.ExitOnError)
	output := fs.String("o", "", "output dataset path holding the subsets")
	tmp := fs.String("tmp", "", "temp directory")
	threads := fs.Int("threads", runtime.NumCPU(), "total thread count")
	force := fs.Bool("force", false, "overwrite an existing merged dataset")
	fs.Parse(args)

	if *output == "" {
		return fmt.Errorf("merge requires an output path (-o)")
	}
	arbiter := storage.NewArbiter(*tmp)
	endpoints, err := storage.NewEndpoints(arbiter, *output)
	if err != nil {
		return err
	}
	return builder.Merge(endpoints, *threads, *force)
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	output := fs.String("o", "", "dataset path")
	fs.Parse(args)

	if *output == "" {
		return fmt.Errorf("info requires a dataset path (-o)")
	}
	arbiter := storage.NewArbiter("")
	endpoints, err := storage.NewEndpoints(arbiter, *output)
	if err != nil {
		return err
	}
	meta, err := builder.LoadMetadata(endpoints.Output, 0)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
