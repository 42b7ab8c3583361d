package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/disktools/fatshuffle"
	"github.com/disktools/fatshuffle/fat16"
	"github.com/disktools/fatshuffle/imagefile"
	"github.com/disktools/fatshuffle/media"
	"github.com/disktools/fatshuffle/report"
	"github.com/disktools/fatshuffle/shuffle"
)

var appFS = afero.NewOsFs()

func main() {
	app := cli.App{
		Name:  "fatshuffle",
		Usage: "Scramble the cluster layout of FAT16 disk images",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			shuffleCommand(),
			infoCommand(),
			reportCommand(),
			mkimageCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		newLogger(false).Fatalf("fatal error: %s", err.Error())
	}
}

func newLogger(verbose bool) *zap.SugaredLogger {
	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	config.DisableCaller = true
	config.DisableStacktrace = true

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger.Sugar()
}

// offsetFlag is defined per command; urfave/cli flags can't be shared
// between commands.
func offsetFlag() *cli.Int64Flag {
	return &cli.Int64Flag{
		Name:  "offset",
		Usage: "byte `OFFSET` of the FAT16 volume inside the image file",
	}
}

// singleImageArg enforces "exactly one positional argument" for the
// commands that take an image path.
func singleImageArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", fatshuffle.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"the %s command takes exactly one image path, got %d arguments",
			c.Command.Name, c.NArg()))
	}
	return c.Args().First(), nil
}

// loadVolumeReport parses a volume all the way down and aggregates it.
func loadVolumeReport(volume []byte) (*fat16.BootSector, *report.Report, error) {
	bs, err := fat16.NewBootSectorFromBytes(volume)
	if err != nil {
		return nil, nil, err
	}
	table, err := fat16.LoadPrimaryTable(volume, bs)
	if err != nil {
		return nil, nil, err
	}
	records, err := fat16.Walk(volume, bs, table)
	if err != nil {
		return nil, nil, err
	}
	inv, err := fat16.BuildInventory(bs, table, records)
	if err != nil {
		return nil, nil, err
	}
	return bs, report.Build(records, bs, inv), nil
}

////////////////////////////////////////////////////////////////////////////////
// shuffle

func shuffleCommand() *cli.Command {
	return &cli.Command{
		Name:      "shuffle",
		Usage:     "Randomly permute the clusters of an image",
		ArgsUsage: "IMAGE",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:  "seed",
				Usage: "fix the permutation `SEED` for a reproducible layout",
			},
			&cli.BoolFlag{
				Name:  "shuffle-free",
				Usage: "relocate free clusters too, not just file data",
			},
			&cli.BoolFlag{
				Name:  "no-verify",
				Usage: "skip re-walking the rewritten image",
			},
			&cli.BoolFlag{
				Name:  "require-move",
				Usage: "redraw until at least one cluster actually moves",
			},
			&cli.BoolFlag{
				Name:  "keep-clean-flag",
				Usage: "don't clear the clean-shutdown flag in the FAT",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "shuffle in memory and report, but write nothing",
			},
			&cli.PathFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "write the result to `PATH` instead of replacing IMAGE",
			},
			offsetFlag(),
		},
		Action: shuffleImage,
	}
}

func shuffleImage(c *cli.Context) error {
	log := newLogger(c.Bool("verbose"))
	defer log.Sync()

	path, err := singleImageArg(c)
	if err != nil {
		return err
	}

	img, err := imagefile.Load(appFS, path, c.Int64("offset"))
	if err != nil {
		return err
	}

	_, before, err := loadVolumeReport(img.Volume())
	if err != nil {
		return err
	}

	opts := fatshuffle.DefaultOptions()
	opts.ShuffleFreeClusters = c.Bool("shuffle-free")
	opts.VerifyAfterWrite = !c.Bool("no-verify")
	opts.RequireRelocation = c.Bool("require-move")
	opts.MarkVolumeDirty = !c.Bool("keep-clean-flag")
	if c.IsSet("seed") {
		seed := c.Int64("seed")
		opts.Seed = &seed
	}

	bar := &progressReporter{}
	opts.Progress = bar.update

	outcome, err := shuffle.Shuffle(img.Volume(), opts)
	bar.finish()
	if err != nil {
		return err
	}

	_, after, err := loadVolumeReport(outcome.Image)
	if err != nil {
		return err
	}

	log.Infof("%d of %d movable clusters relocated", outcome.Moved, outcome.DomainSize)
	log.Infof("fragmentation %.3f -> %.3f",
		before.Summary.Fragmentation, after.Summary.Fragmentation)
	if outcome.SeedKnown {
		log.Infof("seed %d replays this layout", outcome.Seed)
	}

	if c.Bool("dry-run") {
		log.Infof("dry run, nothing written")
		return nil
	}

	if err := img.ReplaceVolume(outcome.Image); err != nil {
		return err
	}
	destination := path
	if c.IsSet("output") {
		destination = c.Path("output")
	}
	if err := img.Save(appFS, destination); err != nil {
		return err
	}
	log.Infof("wrote %s", destination)
	return nil
}

// progressReporter adapts the library's progress callback to a terminal
// bar. The bar is created on the first call because the total isn't known
// until the shuffle has sized its domain.
type progressReporter struct {
	bar *progressbar.ProgressBar
}

func (p *progressReporter) update(done, total int) {
	if p.bar == nil {
		p.bar = progressbar.NewOptions(
			total,
			progressbar.OptionSetDescription("relocating"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish(),
		)
	}
	p.bar.Set(done)
}

func (p *progressReporter) finish() {
	if p.bar != nil {
		p.bar.Finish()
	}
}

////////////////////////////////////////////////////////////////////////////////
// info

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "Show the geometry and layout of an image",
		ArgsUsage: "IMAGE",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "format",
				Value: "text",
				Usage: "output `FORMAT`: text, json, or yaml",
			},
			offsetFlag(),
		},
		Action: showInfo,
	}
}

// volumeInfo is the structured form of the info command's output.
type volumeInfo struct {
	Geometry geometryInfo   `json:"geometry" yaml:"geometry"`
	Summary  report.Summary `json:"summary" yaml:"summary"`
	Entries  []report.Row   `json:"entries" yaml:"entries"`
}

type geometryInfo struct {
	VolumeLabel       string `json:"volume_label" yaml:"volume_label"`
	BytesPerSector    uint16 `json:"bytes_per_sector" yaml:"bytes_per_sector"`
	SectorsPerCluster uint8  `json:"sectors_per_cluster" yaml:"sectors_per_cluster"`
	BytesPerCluster   uint   `json:"bytes_per_cluster" yaml:"bytes_per_cluster"`
	ReservedSectors   uint16 `json:"reserved_sectors" yaml:"reserved_sectors"`
	FATCopies         uint8  `json:"fat_copies" yaml:"fat_copies"`
	SectorsPerFAT     uint16 `json:"sectors_per_fat" yaml:"sectors_per_fat"`
	RootEntries       uint16 `json:"root_entries" yaml:"root_entries"`
	TotalSectors      uint   `json:"total_sectors" yaml:"total_sectors"`
	TotalClusters     uint   `json:"total_clusters" yaml:"total_clusters"`
}

func describeGeometry(bs *fat16.BootSector) geometryInfo {
	return geometryInfo{
		VolumeLabel:       strings.TrimRight(string(bs.VolumeLabel[:]), " "),
		BytesPerSector:    bs.BytesPerSector,
		SectorsPerCluster: bs.SectorsPerCluster,
		BytesPerCluster:   bs.BytesPerCluster,
		ReservedSectors:   bs.ReservedSectors,
		FATCopies:         bs.NumFATs,
		SectorsPerFAT:     bs.SectorsPerFAT,
		RootEntries:       bs.RootEntryCount,
		TotalSectors:      bs.TotalSectors,
		TotalClusters:     bs.CountOfClusters,
	}
}

func showInfo(c *cli.Context) error {
	log := newLogger(c.Bool("verbose"))
	defer log.Sync()

	path, err := singleImageArg(c)
	if err != nil {
		return err
	}

	img, err := imagefile.Load(appFS, path, c.Int64("offset"))
	if err != nil {
		return err
	}
	bs, rep, err := loadVolumeReport(img.Volume())
	if err != nil {
		return err
	}

	info := volumeInfo{
		Geometry: describeGeometry(bs),
		Summary:  rep.Summary,
		Entries:  rep.Rows,
	}

	switch c.String("format") {
	case "text":
		printTextInfo(info)
		return nil
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(info)
	case "yaml":
		encoder := yaml.NewEncoder(os.Stdout)
		if err := encoder.Encode(info); err != nil {
			return err
		}
		return encoder.Close()
	default:
		return fatshuffle.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"unknown output format %q, want text, json, or yaml", c.String("format")))
	}
}

func printTextInfo(info volumeInfo) {
	label := info.Geometry.VolumeLabel
	if label == "" {
		label = "(none)"
	}
	fmt.Printf("%-19s %s\n", "Volume label:", label)
	fmt.Printf("%-19s %d bytes\n", "Sector size:", info.Geometry.BytesPerSector)
	fmt.Printf("%-19s %d sectors (%d bytes)\n", "Cluster size:",
		info.Geometry.SectorsPerCluster, info.Geometry.BytesPerCluster)
	fmt.Printf("%-19s %d\n", "Reserved sectors:", info.Geometry.ReservedSectors)
	fmt.Printf("%-19s %d x %d sectors\n", "FAT copies:",
		info.Geometry.FATCopies, info.Geometry.SectorsPerFAT)
	fmt.Printf("%-19s %d\n", "Root entries:", info.Geometry.RootEntries)
	fmt.Printf("%-19s %d\n", "Total sectors:", info.Geometry.TotalSectors)
	fmt.Println()
	fmt.Print(info.Summary.Text())

	if len(info.Entries) == 0 {
		return
	}
	fmt.Println()
	fmt.Printf("%7s  %-4s %10s %9s %10s  %s\n",
		"START", "KIND", "SIZE", "CLUSTERS", "FRAGMENTS", "PATH")
	for _, row := range info.Entries {
		fmt.Printf("%7d  %-4s %10d %9d %10d  %s\n",
			row.StartCluster, row.Kind, row.SizeBytes, row.Clusters,
			row.Fragments, row.Path)
	}
}

////////////////////////////////////////////////////////////////////////////////
// report

func reportCommand() *cli.Command {
	return &cli.Command{
		Name:      "report",
		Usage:     "Write the per-file fragmentation report as CSV",
		ArgsUsage: "IMAGE",
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "write the CSV to `PATH` instead of stdout",
			},
			offsetFlag(),
		},
		Action: writeReport,
	}
}

func writeReport(c *cli.Context) error {
	log := newLogger(c.Bool("verbose"))
	defer log.Sync()

	path, err := singleImageArg(c)
	if err != nil {
		return err
	}

	img, err := imagefile.Load(appFS, path, c.Int64("offset"))
	if err != nil {
		return err
	}
	_, rep, err := loadVolumeReport(img.Volume())
	if err != nil {
		return err
	}

	if !c.IsSet("output") {
		return rep.WriteCSV(os.Stdout)
	}

	out, err := appFS.Create(c.Path("output"))
	if err != nil {
		return fatshuffle.ErrIOFailed.Wrap(err)
	}
	if err := rep.WriteCSV(out); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return fatshuffle.ErrIOFailed.Wrap(err)
	}
	log.Infof("wrote %s", c.Path("output"))
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// mkimage

func mkimageCommand() *cli.Command {
	return &cli.Command{
		Name:      "mkimage",
		Usage:     "Create a blank FAT16 image",
		ArgsUsage: "PATH",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "media",
				Usage: "format as a predefined medium (`SLUG`, see --list-media)",
			},
			&cli.BoolFlag{
				Name:  "list-media",
				Usage: "list the predefined media and exit",
			},
			&cli.UintFlag{
				Name:  "sectors",
				Usage: "total sector `COUNT` (explicit geometry)",
			},
			&cli.UintFlag{
				Name:  "sector-size",
				Usage: "`BYTES` per sector (default 512)",
			},
			&cli.UintFlag{
				Name:  "cluster-size",
				Usage: "`SECTORS` per cluster (default 1)",
			},
			&cli.UintFlag{
				Name:  "root-entries",
				Usage: "root directory entry `COUNT` (default 512)",
			},
			&cli.StringFlag{
				Name:  "label",
				Usage: "volume `LABEL`, up to 11 characters",
			},
		},
		Action: makeImage,
	}
}

func makeImage(c *cli.Context) error {
	log := newLogger(c.Bool("verbose"))
	defer log.Sync()

	if c.Bool("list-media") {
		for _, slug := range media.Slugs() {
			geometry, err := media.GetPredefinedGeometry(slug)
			if err != nil {
				return err
			}
			fmt.Printf("%-15s %s (%d MB)\n",
				slug, geometry.Name, geometry.TotalSizeBytes()/(1000*1000))
		}
		return nil
	}

	path, err := singleImageArg(c)
	if err != nil {
		return err
	}

	var params fat16.FormatParams
	switch {
	case c.IsSet("media") && c.IsSet("sectors"):
		return fatshuffle.ErrInvalidArgument.WithMessage(
			"pass either --media or explicit geometry, not both")
	case c.IsSet("media"):
		geometry, err := media.GetPredefinedGeometry(c.String("media"))
		if err != nil {
			log.Infof("known media: %s", strings.Join(media.Slugs(), ", "))
			return err
		}
		params = geometry.FormatParams()
	case c.IsSet("sectors"):
		params = fat16.FormatParams{
			TotalSectors:      uint32(c.Uint("sectors")),
			BytesPerSector:    uint16(c.Uint("sector-size")),
			SectorsPerCluster: uint8(c.Uint("cluster-size")),
			RootEntryCount:    uint16(c.Uint("root-entries")),
		}
	default:
		return fatshuffle.ErrInvalidArgument.WithMessage(
			"either --media or --sectors is required")
	}

	params.VolumeLabel = strings.ToUpper(c.String("label"))
	serial, err := fatshuffle.NewRandomSeed()
	if err != nil {
		return err
	}
	params.VolumeID = uint32(serial)

	img, err := fat16.Format(params)
	if err != nil {
		return err
	}
	bs, err := fat16.NewBootSectorFromBytes(img)
	if err != nil {
		return err
	}

	out, err := appFS.Create(path)
	if err != nil {
		return fatshuffle.ErrIOFailed.Wrap(err)
	}
	device, err := imagefile.NewVolumeDevice(out, bs)
	if err != nil {
		out.Close()
		return err
	}
	if err := device.WriteSectors(0, img); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return fatshuffle.ErrIOFailed.Wrap(err)
	}

	log.Infof("formatted %s: %d clusters of %d bytes, serial %08X",
		path, bs.CountOfClusters, bs.BytesPerCluster, bs.VolumeID)
	return nil
}
