// Package imagefile loads and stores the disk image files the shuffler
// works on. An image may hold its FAT16 volume at a nonzero offset, the
// usual case being a partition inside a full-disk image.
package imagefile

import (
	"fmt"
	"path/filepath"

	"github.com/disktools/fatshuffle"
	"github.com/spf13/afero"
)

// Image is one disk image held fully in memory.
type Image struct {
	// Path is where the image was loaded from, kept for messages.
	Path string

	// Offset is where the FAT16 volume starts inside the file.
	Offset int64

	data []byte
}

// Load reads the whole image into memory. The offset is validated against
// the file size but the volume itself isn't parsed here.
func Load(fs afero.Fs, path string, offset int64) (*Image, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fatshuffle.ErrIOFailed.Wrap(err)
	}

	if offset < 0 {
		return nil, fatshuffle.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"volume offset can't be negative, got %d", offset))
	}
	if offset >= int64(len(data)) {
		return nil, fatshuffle.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"volume offset %d is past the end of %q (%d bytes)",
			offset, path, len(data)))
	}

	return &Image{Path: path, Offset: offset, data: data}, nil
}

// New wraps an in-memory volume in an Image with no offset.
func New(volume []byte) *Image {
	return &Image{data: volume}
}

// Volume returns the bytes of the FAT16 volume, offset applied. The slice
// aliases the image's buffer.
func (img *Image) Volume() []byte {
	return img.data[img.Offset:]
}

// Bytes returns the whole image, any leading bytes before the volume
// included.
func (img *Image) Bytes() []byte {
	return img.data
}

// Size returns the image size in bytes.
func (img *Image) Size() int64 {
	return int64(len(img.data))
}

// ReplaceVolume swaps in a rewritten volume of exactly the original size.
// Bytes before the offset, a partition table usually, stay as they were.
func (img *Image) ReplaceVolume(volume []byte) error {
	if int64(len(volume)) != int64(len(img.data))-img.Offset {
		return fatshuffle.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"replacement volume is %d bytes, the original was %d",
			len(volume), int64(len(img.data))-img.Offset))
	}
	copy(img.data[img.Offset:], volume)
	return nil
}

// Save writes the image to path all-or-nothing: the bytes go to a
// temporary file in the same directory first and only a successful write
// gets renamed over the destination. A crash mid-write leaves any existing
// file at path intact.
func (img *Image) Save(fs afero.Fs, path string) error {
	dir := filepath.Dir(path)

	tmp, err := afero.TempFile(fs, dir, ".fatshuffle-*.tmp")
	if err != nil {
		return fatshuffle.ErrIOFailed.Wrap(err)
	}
	tmpPath := tmp.Name()

	_, writeErr := tmp.Write(img.data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		fs.Remove(tmpPath)
		if writeErr != nil {
			return fatshuffle.ErrIOFailed.Wrap(writeErr)
		}
		return fatshuffle.ErrIOFailed.Wrap(closeErr)
	}

	if err := fs.Rename(tmpPath, path); err != nil {
		fs.Remove(tmpPath)
		return fatshuffle.ErrIOFailed.Wrap(err)
	}
	return nil
}
