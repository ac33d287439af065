package device

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/kiwix/hotspot-imager/pkg/errors"
)

const (
	mbrSize           = 512
	mbrPartitionTable = 446
	mbrEntrySize      = 16
	sectorSize        = 512
)

// Partition is one primary entry of an MBR partition table
type Partition struct {
	Type        byte
	StartSector uint32
	Sectors     uint32
}

// ReadPartition returns primary partition n (1-4) of the image at path.
func ReadPartition(path string, n int) (*Partition, error) {
	if n < 1 || n > 4 {
		return nil, fmt.Errorf("partition number %d out of range", n)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open image")
	}
	defer f.Close()

	buf := make([]byte, mbrSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, errors.Wrap(err, "failed to read MBR")
	}
	if buf[510] != 0x55 || buf[511] != 0xAA {
		return nil, fmt.Errorf("missing MBR boot signature")
	}

	entry := buf[mbrPartitionTable+(n-1)*mbrEntrySize:]
	return &Partition{
		Type:        entry[4],
		StartSector: binary.LittleEndian.Uint32(entry[8:12]),
		Sectors:     binary.LittleEndian.Uint32(entry[12:16]),
	}, nil
}

// checkDataPartition ensures the data partition is declared and lies within
// the image file.
func checkDataPartition(path string) error {
	part, err := ReadPartition(path, DataPartition)
	if err != nil {
		return err
	}
	if part.Type == 0 || part.Sectors == 0 {
		return fmt.Errorf("data partition %d is not defined", DataPartition)
	}

	fi, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(err, "failed to stat image")
	}
	end := (int64(part.StartSector) + int64(part.Sectors)) * sectorSize
	if end > fi.Size() {
		return fmt.Errorf("data partition ends at %d beyond image size %d", end, fi.Size())
	}
	return nil
}
