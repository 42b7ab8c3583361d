package imagefile

import (
	"fmt"
	"io"

	"github.com/disktools/fatshuffle"
	"github.com/disktools/fatshuffle/fat16"
)

// Device is bounds-checked sector addressing over a stream. Anything past
// the declared geometry is refused before the stream sees it, so a bad
// cluster computation can't scribble over whatever follows the volume.
type Device struct {
	stream       io.ReadWriteSeeker
	sectorSize   uint
	totalSectors uint
}

// NewDevice wraps a stream in a device of the given geometry.
func NewDevice(stream io.ReadWriteSeeker, sectorSize, totalSectors uint) (*Device, error) {
	if stream == nil {
		return nil, fatshuffle.ErrInvalidArgument.WithMessage("a device needs a stream")
	}
	if sectorSize == 0 || totalSectors == 0 {
		return nil, fatshuffle.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"a device can't have %d sectors of %d bytes", totalSectors, sectorSize))
	}
	return &Device{stream: stream, sectorSize: sectorSize, totalSectors: totalSectors}, nil
}

// NewVolumeDevice wraps a stream using the geometry a boot sector declares.
func NewVolumeDevice(stream io.ReadWriteSeeker, bs *fat16.BootSector) (*Device, error) {
	if bs == nil {
		return nil, fatshuffle.ErrInvalidArgument.WithMessage("a volume device needs a boot sector")
	}
	return NewDevice(stream, uint(bs.BytesPerSector), bs.TotalSectors)
}

// SectorSize returns the size of one sector in bytes.
func (d *Device) SectorSize() uint {
	return d.sectorSize
}

// TotalSectors returns how many sectors the device holds.
func (d *Device) TotalSectors() uint {
	return d.totalSectors
}

// Size returns the device size in bytes.
func (d *Device) Size() int64 {
	return int64(d.sectorSize) * int64(d.totalSectors)
}

// ReadSectors returns `count` sectors starting at sector `start`. Reads
// crossing the end of the device fail with ErrIOFailed before the stream
// is touched.
func (d *Device) ReadSectors(start, count uint) ([]byte, error) {
	if count == 0 {
		return []byte{}, nil
	}
	if uint64(start)+uint64(count) > uint64(d.totalSectors) {
		return nil, fatshuffle.ErrIOFailed.WithMessage(fmt.Sprintf(
			"read of sectors %d..%d runs past the end of the device (%d sectors)",
			start, start+count-1, d.totalSectors))
	}

	if _, err := d.stream.Seek(int64(start)*int64(d.sectorSize), io.SeekStart); err != nil {
		return nil, fatshuffle.ErrIOFailed.Wrap(err)
	}
	data := make([]byte, uint64(count)*uint64(d.sectorSize))
	if _, err := io.ReadFull(d.stream, data); err != nil {
		return nil, fatshuffle.ErrIOFailed.Wrap(err)
	}
	return data, nil
}

// ReadAll returns the whole device contents.
func (d *Device) ReadAll() ([]byte, error) {
	return d.ReadSectors(0, d.totalSectors)
}

// WriteSectors writes whole sectors starting at sector `start`. The data
// must be an exact multiple of the sector size; writes crossing the end of
// the device fail with ErrWriteBoundsExceeded before the stream is touched.
func (d *Device) WriteSectors(start uint, data []byte) error {
	if uint(len(data))%d.sectorSize != 0 {
		return fatshuffle.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"write of %d bytes isn't a whole number of %d-byte sectors",
			len(data), d.sectorSize))
	}
	count := uint(len(data)) / d.sectorSize
	if count == 0 {
		return nil
	}
	if uint64(start)+uint64(count) > uint64(d.totalSectors) {
		return fatshuffle.ErrWriteBoundsExceeded.WithMessage(fmt.Sprintf(
			"write of sectors %d..%d runs past the end of the device (%d sectors)",
			start, start+count-1, d.totalSectors))
	}

	if _, err := d.stream.Seek(int64(start)*int64(d.sectorSize), io.SeekStart); err != nil {
		return fatshuffle.ErrIOFailed.Wrap(err)
	}
	n, err := d.stream.Write(data)
	if err != nil {
		return fatshuffle.ErrIOFailed.Wrap(err)
	}
	if n != len(data) {
		return fatshuffle.ErrIOFailed.WithMessage(fmt.Sprintf(
			"short write: %d of %d bytes", n, len(data)))
	}
	return nil
}
