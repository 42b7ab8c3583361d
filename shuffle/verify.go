package shuffle

import (
	"bytes"
	"fmt"

	"github.com/disktools/fatshuffle"
	"github.com/disktools/fatshuffle/fat16"
	"github.com/hashicorp/go-multierror"
)

// Verify checks that two images describe the same file system: same tree,
// same sizes and attributes, and byte-identical content in every file.
// Callers that shuffled with VerifyAfterWrite switched off can run the same
// check from here later.
func Verify(original, rewritten []byte) error {
	vol, err := parseVolume(original)
	if err != nil {
		return err
	}
	return verifyImage(vol, rewritten)
}

// verifyImage re-parses the rewritten image from scratch and compares it
// against the original: same tree, same sizes and attributes, and the same
// bytes in every file. Every mismatch is collected, so one bad file doesn't
// hide another.
func verifyImage(original *volume, rewritten []byte) error {
	reparsed, err := parseVolume(rewritten)
	if err != nil {
		return fatshuffle.ErrVerificationFailed.Wrap(err)
	}

	var mismatches *multierror.Error

	fatSize := reparsed.bs.FATSizeBytes()
	primaryStart := reparsed.bs.FATOffset(0)
	primary := rewritten[primaryStart : primaryStart+int64(fatSize)]
	for k := 1; k < int(reparsed.bs.NumFATs); k++ {
		start := reparsed.bs.FATOffset(k)
		if !bytes.Equal(primary, rewritten[start:start+int64(fatSize)]) {
			mismatches = multierror.Append(mismatches, fmt.Errorf(
				"FAT copy %d differs from copy 0", k))
		}
	}

	if len(original.inv.Used()) != len(reparsed.inv.Used()) {
		mismatches = multierror.Append(mismatches, fmt.Errorf(
			"used cluster count changed from %d to %d",
			len(original.inv.Used()), len(reparsed.inv.Used())))
	}

	beforeByPath := recordsByPath(original.records)
	afterByPath := recordsByPath(reparsed.records)

	for _, before := range original.records {
		after, ok := afterByPath[before.Path]
		if !ok {
			mismatches = multierror.Append(mismatches, fmt.Errorf(
				"%q is missing after the rewrite", before.Path))
			continue
		}
		mismatches = compareRecords(mismatches, original, reparsed, before, after)
	}
	for _, after := range reparsed.records {
		if _, ok := beforeByPath[after.Path]; !ok {
			mismatches = multierror.Append(mismatches, fmt.Errorf(
				"%q appeared out of nowhere after the rewrite", after.Path))
		}
	}

	if err := mismatches.ErrorOrNil(); err != nil {
		return fatshuffle.ErrVerificationFailed.Wrap(err)
	}
	return nil
}

func compareRecords(
	mismatches *multierror.Error,
	original, reparsed *volume,
	before, after fat16.Record,
) *multierror.Error {
	if before.Dirent.IsDir != after.Dirent.IsDir {
		return multierror.Append(mismatches, fmt.Errorf(
			"%q changed between file and directory", before.Path))
	}
	if before.Dirent.Raw.AttributeFlags != after.Dirent.Raw.AttributeFlags {
		mismatches = multierror.Append(mismatches, fmt.Errorf(
			"attributes of %q changed from %#02x to %#02x", before.Path,
			before.Dirent.Raw.AttributeFlags, after.Dirent.Raw.AttributeFlags))
	}
	if len(before.Chain) != len(after.Chain) {
		mismatches = multierror.Append(mismatches, fmt.Errorf(
			"%q went from %d clusters to %d", before.Path,
			len(before.Chain), len(after.Chain)))
	}
	if before.Dirent.IsDir {
		return mismatches
	}

	if before.Dirent.Size != after.Dirent.Size {
		mismatches = multierror.Append(mismatches, fmt.Errorf(
			"size of %q changed from %d to %d bytes", before.Path,
			before.Dirent.Size, after.Dirent.Size))
		return mismatches
	}
	if !bytes.Equal(
		fileContent(original.img, original.bs, before),
		fileContent(reparsed.img, reparsed.bs, after),
	) {
		mismatches = multierror.Append(mismatches, fmt.Errorf(
			"content of %q changed", before.Path))
	}
	return mismatches
}

func recordsByPath(records []fat16.Record) map[string]fat16.Record {
	byPath := make(map[string]fat16.Record, len(records))
	for _, rec := range records {
		byPath[rec.Path] = rec
	}
	return byPath
}

// fileContent concatenates a file's cluster payloads in chain order and
// truncates to the declared size. The slack bytes past the size travel with
// the final cluster either way, so they're not part of the comparison.
func fileContent(img []byte, bs *fat16.BootSector, rec fat16.Record) []byte {
	content := make([]byte, 0, len(rec.Chain)*int(bs.BytesPerCluster))
	for _, c := range rec.Chain {
		offset := bs.ClusterOffset(c)
		content = append(content, img[offset:offset+int64(bs.BytesPerCluster)]...)
	}
	if int64(rec.Dirent.Size) < int64(len(content)) {
		content = content[:rec.Dirent.Size]
	}
	return content
}
