// Package report computes per-file fragmentation figures and volume-level
// totals from a walked FAT16 tree. The shuffle command prints the summary
// before and after a run; `info` and `report` expose the same numbers as
// text, JSON, YAML, or CSV.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/gocarina/gocsv"
	"gopkg.in/yaml.v3"

	"github.com/disktools/fatshuffle/fat16"
)

// Row is the fragmentation accounting for one file or subdirectory.
type Row struct {
	Path string `csv:"path" json:"path" yaml:"path"`

	// Kind is "file" or "dir".
	Kind string `csv:"kind" json:"kind" yaml:"kind"`

	SizeBytes uint32 `csv:"size_bytes" json:"size_bytes" yaml:"size_bytes"`

	// StartCluster is 0 for empty files.
	StartCluster fat16.ClusterID `csv:"start_cluster" json:"start_cluster" yaml:"start_cluster"`

	Clusters int `csv:"clusters" json:"clusters" yaml:"clusters"`

	// Fragments counts the runs of physically consecutive clusters in the
	// chain. A contiguous chain is one fragment; an empty file is zero.
	Fragments int `csv:"fragments" json:"fragments" yaml:"fragments"`

	LargestRun int `csv:"largest_run" json:"largest_run" yaml:"largest_run"`

	// Score is 1 - 1/fragments: 0 for contiguous or empty entries, climbing
	// toward 1 as the chain shatters.
	Score float64 `csv:"fragmentation" json:"fragmentation" yaml:"fragmentation"`
}

// Summary aggregates the whole volume.
type Summary struct {
	Files       int `json:"files" yaml:"files"`
	Directories int `json:"directories" yaml:"directories"`

	TotalClusters    uint `json:"total_clusters" yaml:"total_clusters"`
	UsedClusters     int  `json:"used_clusters" yaml:"used_clusters"`
	FreeClusters     int  `json:"free_clusters" yaml:"free_clusters"`
	OrphanClusters   int  `json:"orphan_clusters" yaml:"orphan_clusters"`
	BadClusters      int  `json:"bad_clusters" yaml:"bad_clusters"`
	ReservedClusters int  `json:"reserved_clusters" yaml:"reserved_clusters"`

	// FragmentedEntries counts rows with more than one fragment.
	FragmentedEntries int `json:"fragmented_entries" yaml:"fragmented_entries"`

	// Fragmentation is the volume-level analogue of a row's score:
	// 1 - chains/fragments over every non-empty entry. 0 means every chain
	// on the volume is contiguous.
	Fragmentation float64 `json:"fragmentation" yaml:"fragmentation"`
}

// Report pairs the per-entry rows with the volume summary.
type Report struct {
	Rows    []Row
	Summary Summary
}

// Build computes a report from a walked tree and its cluster inventory.
// Rows come out sorted by path.
func Build(records []fat16.Record, bs *fat16.BootSector, inv *fat16.Inventory) *Report {
	rep := &Report{Rows: make([]Row, 0, len(records))}

	chains := 0
	fragments := 0
	for _, rec := range records {
		row := Row{
			Path:         rec.Path,
			Kind:         "file",
			SizeBytes:    rec.Dirent.Size,
			StartCluster: rec.Dirent.FirstCluster,
			Clusters:     len(rec.Chain),
		}
		if rec.Dirent.IsDir {
			row.Kind = "dir"
			rep.Summary.Directories++
		} else {
			rep.Summary.Files++
		}

		row.Fragments, row.LargestRun = chainRuns(rec.Chain)
		if row.Fragments > 1 {
			row.Score = 1 - 1/float64(row.Fragments)
			rep.Summary.FragmentedEntries++
		}
		if row.Fragments > 0 {
			chains++
			fragments += row.Fragments
		}

		rep.Rows = append(rep.Rows, row)
	}
	sort.Slice(rep.Rows, func(i, j int) bool {
		return rep.Rows[i].Path < rep.Rows[j].Path
	})

	if fragments > 0 {
		rep.Summary.Fragmentation = 1 - float64(chains)/float64(fragments)
	}

	rep.Summary.TotalClusters = bs.CountOfClusters
	rep.Summary.UsedClusters = len(inv.Used())
	rep.Summary.FreeClusters = len(inv.Free())
	rep.Summary.OrphanClusters = len(inv.Orphans())
	rep.Summary.BadClusters = len(inv.Bad())
	rep.Summary.ReservedClusters = len(inv.Reserved())
	return rep
}

// chainRuns counts the runs of consecutive cluster numbers in a chain and
// the length of the longest one.
func chainRuns(chain []fat16.ClusterID) (runs, largest int) {
	if len(chain) == 0 {
		return 0, 0
	}

	runs = 1
	current := 1
	largest = 1
	for i := 1; i < len(chain); i++ {
		if chain[i] == chain[i-1]+1 {
			current++
		} else {
			runs++
			current = 1
		}
		if current > largest {
			largest = current
		}
	}
	return runs, largest
}

// WriteCSV streams the rows as a CSV document with a header line.
func (r *Report) WriteCSV(w io.Writer) error {
	return gocsv.Marshal(&r.Rows, w)
}

// Text renders the summary as aligned key/value lines for terminal output.
func (s Summary) Text() string {
	var b strings.Builder
	writeLine := func(label string, value interface{}) {
		fmt.Fprintf(&b, "%-19s %v\n", label+":", value)
	}

	writeLine("Files", s.Files)
	writeLine("Directories", s.Directories)
	writeLine("Total clusters", s.TotalClusters)
	writeLine("Used clusters", s.UsedClusters)
	writeLine("Free clusters", s.FreeClusters)
	if s.OrphanClusters > 0 {
		writeLine("Orphan clusters", s.OrphanClusters)
	}
	if s.BadClusters > 0 {
		writeLine("Bad clusters", s.BadClusters)
	}
	if s.ReservedClusters > 0 {
		writeLine("Reserved clusters", s.ReservedClusters)
	}
	writeLine("Fragmented entries", s.FragmentedEntries)
	fmt.Fprintf(&b, "%-19s %.3f\n", "Fragmentation:", s.Fragmentation)
	return b.String()
}

// WriteJSON writes the summary as indented JSON.
func (s Summary) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// WriteYAML writes the summary as a YAML document.
func (s Summary) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(s); err != nil {
		return err
	}
	return enc.Close()
}
