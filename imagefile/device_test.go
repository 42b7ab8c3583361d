package imagefile_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disktools/fatshuffle"
	"github.com/disktools/fatshuffle/fat16"
	"github.com/disktools/fatshuffle/imagefile"
	shuffletest "github.com/disktools/fatshuffle/testing"
)

// volumeDevice formats the small fixture volume and serves it as a device
// over an in-memory stream.
func volumeDevice(t *testing.T) (*imagefile.Device, []byte) {
	img, err := fat16.Format(shuffletest.SmallVolumeParams())
	require.NoError(t, err)

	bs, err := fat16.NewBootSectorFromBytes(img)
	require.NoError(t, err)

	dev, err := imagefile.NewVolumeDevice(shuffletest.LoadImageStream(t, img), bs)
	require.NoError(t, err)
	return dev, img
}

// The device picks its geometry up from the boot sector.
func TestDevice__NewVolumeDevice__Geometry(t *testing.T) {
	dev, img := volumeDevice(t)

	assert.EqualValues(t, 512, dev.SectorSize())
	assert.EqualValues(t, 4469, dev.TotalSectors())
	assert.EqualValues(t, len(img), dev.Size())
}

func TestDevice__New__RejectsBadGeometry(t *testing.T) {
	_, img := volumeDevice(t)
	stream := shuffletest.LoadImageStream(t, img)

	_, err := imagefile.NewDevice(nil, 512, 100)
	assert.ErrorIs(t, err, fatshuffle.ErrInvalidArgument)

	_, err = imagefile.NewDevice(stream, 0, 100)
	assert.ErrorIs(t, err, fatshuffle.ErrInvalidArgument)

	_, err = imagefile.NewDevice(stream, 512, 0)
	assert.ErrorIs(t, err, fatshuffle.ErrInvalidArgument)
}

func TestDevice__ReadSectors__FirstSector(t *testing.T) {
	dev, img := volumeDevice(t)

	sector, err := dev.ReadSectors(0, 1)
	require.NoError(t, err)
	require.Len(t, sector, 512)
	assert.Equal(t, img[:512], sector)
	assert.Equal(t, fat16.BootSectorSignature, binary.LittleEndian.Uint16(sector[510:]))
}

func TestDevice__ReadSectors__ZeroCount(t *testing.T) {
	dev, _ := volumeDevice(t)

	data, err := dev.ReadSectors(100, 0)
	require.NoError(t, err)
	assert.Empty(t, data)
}

// Reads crossing the device end are refused before the stream is touched.
func TestDevice__ReadSectors__PastEnd(t *testing.T) {
	dev, _ := volumeDevice(t)

	_, err := dev.ReadSectors(4469, 1)
	assert.ErrorIs(t, err, fatshuffle.ErrIOFailed)

	_, err = dev.ReadSectors(4468, 2)
	require.ErrorIs(t, err, fatshuffle.ErrIOFailed)
	assert.Contains(t, err.Error(), "runs past the end")
}

func TestDevice__ReadAll__WholeImage(t *testing.T) {
	dev, img := volumeDevice(t)

	data, err := dev.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, img, data)
}

// Writes land at the addressed sector and read back intact.
func TestDevice__WriteSectors__RoundTrip(t *testing.T) {
	dev, _ := volumeDevice(t)

	payload := shuffletest.FillPattern("sector ten", 1024)
	require.NoError(t, dev.WriteSectors(10, payload))

	got, err := dev.ReadSectors(10, 2)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Neighbors stay untouched.
	before, err := dev.ReadSectors(9, 1)
	require.NoError(t, err)
	assert.NotEqual(t, payload[:512], before)
}

// The last sector is writable; one past it is not.
func TestDevice__WriteSectors__EndOfDevice(t *testing.T) {
	dev, _ := volumeDevice(t)
	sector := shuffletest.FillPattern("final", 512)

	require.NoError(t, dev.WriteSectors(4468, sector))

	err := dev.WriteSectors(4469, sector)
	assert.ErrorIs(t, err, fatshuffle.ErrWriteBoundsExceeded)

	err = dev.WriteSectors(4468, shuffletest.FillPattern("two", 1024))
	require.ErrorIs(t, err, fatshuffle.ErrWriteBoundsExceeded)
	assert.Contains(t, err.Error(), "runs past the end")
}

func TestDevice__WriteSectors__RejectsPartialSectors(t *testing.T) {
	dev, _ := volumeDevice(t)

	err := dev.WriteSectors(10, make([]byte, 100))
	require.ErrorIs(t, err, fatshuffle.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "whole number")
}

// The stream given to the device is a copy; writing through the device
// never reaches the buffer the image was built from.
func TestDevice__WriteSectors__SourceBufferUntouched(t *testing.T) {
	img, err := fat16.Format(shuffletest.SmallVolumeParams())
	require.NoError(t, err)
	bs, err := fat16.NewBootSectorFromBytes(img)
	require.NoError(t, err)

	snapshot := append([]byte{}, img...)
	dev, err := imagefile.NewVolumeDevice(shuffletest.LoadImageStream(t, img), bs)
	require.NoError(t, err)

	require.NoError(t, dev.WriteSectors(100, shuffletest.FillPattern("scribble", 512)))
	assert.Equal(t, snapshot, img)
}
