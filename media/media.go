// Package media carries a catalog of FAT16-era storage media and the
// formatting geometry for each, so callers can say "a 32 MB CompactFlash
// card" instead of spelling out sector counts.
package media

import (
	_ "embed"
	"encoding/csv"
	"fmt"
	"sort"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/disktools/fatshuffle"
	"github.com/disktools/fatshuffle/fat16"
)

// Geometry is one catalog row.
type Geometry struct {
	Name               string `csv:"name"`
	Slug               string `csv:"slug"`
	FirstYearAvailable uint   `csv:"first_year_available"`
	FormFactor         string `csv:"form_factor"`
	IsRemovable        uint   `csv:"is_removable"`

	SectorSize        uint16 `csv:"sector_size"`
	SectorsPerCluster uint8  `csv:"sectors_per_cluster"`
	TotalSectors      uint32 `csv:"total_sectors"`
	RootEntries       uint16 `csv:"root_entries"`

	// MediaByte is the descriptor stamped into the boot sector and FAT[0]:
	// 0xF8 for fixed disks, 0xF0 for removable media.
	MediaByte uint8  `csv:"media_byte"`
	Notes     string `csv:"notes"`
}

// TotalSizeBytes gives the size of an image of this medium.
func (g *Geometry) TotalSizeBytes() int64 {
	return int64(g.SectorSize) * int64(g.TotalSectors)
}

// FormatParams converts the row into formatting parameters. Label and
// serial are the caller's to fill in.
func (g *Geometry) FormatParams() fat16.FormatParams {
	return fat16.FormatParams{
		TotalSectors:      g.TotalSectors,
		BytesPerSector:    g.SectorSize,
		SectorsPerCluster: g.SectorsPerCluster,
		RootEntryCount:    g.RootEntries,
		Media:             g.MediaByte,
	}
}

//go:embed media-catalog.csv
var mediaCatalogRawCSV string
var mediaCatalog map[string]Geometry

// GetPredefinedGeometry looks a catalog row up by its slug.
func GetPredefinedGeometry(slug string) (Geometry, error) {
	geometry, ok := mediaCatalog[slug]
	if ok {
		return geometry, nil
	}

	err := fatshuffle.ErrInvalidArgument.WithMessage(fmt.Sprintf(
		"no predefined media geometry exists with slug %q", slug))
	return Geometry{}, err
}

// Slugs lists every known slug in alphabetical order, for CLI help text.
func Slugs() []string {
	slugs := make([]string, 0, len(mediaCatalog))
	for slug := range mediaCatalog {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

func init() {
	csvReader := csv.NewReader(strings.NewReader(mediaCatalogRawCSV))
	csvReader.Comma = '|'

	var rows []Geometry
	if err := gocsv.UnmarshalCSV(csvReader, &rows); err != nil {
		panic(fmt.Errorf("failed to decode the media catalog: %w", err))
	}

	mediaCatalog = make(map[string]Geometry)
	for _, row := range rows {
		_, exists := mediaCatalog[row.Slug]
		if exists {
			panic(fmt.Errorf(
				"duplicate definition for medium %q found on row %d",
				row.Slug, len(mediaCatalog)+1))
		}
		mediaCatalog[row.Slug] = row
	}
}
