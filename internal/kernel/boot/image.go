package boot

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Tagged-block wire format for binary boot images: a stream
// of [4-byte ASCII tag][4-byte little-endian length][payload] records.
// Unknown tags are skipped so newer boot images stay loadable by an older
// kernel build.
const (
	tagRegions = "MREx" // one or more physical memory regions
	tagInit    = "IniT" // one Init process to start
)

const nameFieldLen = 16

// Region is one physical memory range as carried in an MREx block.
type Region struct {
	Name      string
	BasePPN   uint32
	PageCount uint32
}

// InitImage is one Init process as carried in an IniT block: the physical
// range holding its program image, plus its entry point and initial stack
// pointer.
type InitImage struct {
	Name         string
	PhysBase     uint32
	PhysSize     uint32
	EntryPoint   uint32
	InitialStack uint32
}

// Image is the fully decoded contents of a binary boot image.
type Image struct {
	Regions []Region
	Inits   []InitImage
}

// DecodeTaggedBlocks reads a binary boot image until EOF.
func DecodeTaggedBlocks(r io.Reader) (*Image, error) {
	img := &Image{}
	for {
		var tag [4]byte
		if _, err := io.ReadFull(r, tag[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("boot: read tag: %w", err)
		}
		var length uint32
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, fmt.Errorf("boot: read block length: %w", err)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("boot: read block payload: %w", err)
		}
		switch string(tag[:]) {
		case tagRegions:
			regions, err := decodeRegions(payload)
			if err != nil {
				return nil, err
			}
			img.Regions = append(img.Regions, regions...)
		case tagInit:
			init, err := decodeInit(payload)
			if err != nil {
				return nil, err
			}
			img.Inits = append(img.Inits, init)
		}
	}
	return img, nil
}

const regionRecordLen = nameFieldLen + 4 + 4

func decodeRegions(payload []byte) ([]Region, error) {
	if len(payload)%regionRecordLen != 0 {
		return nil, fmt.Errorf("boot: MREx block length %d is not a multiple of %d", len(payload), regionRecordLen)
	}
	var out []Region
	for off := 0; off < len(payload); off += regionRecordLen {
		rec := payload[off : off+regionRecordLen]
		out = append(out, Region{
			Name:      decodeName(rec[:nameFieldLen]),
			BasePPN:   binary.LittleEndian.Uint32(rec[nameFieldLen:]),
			PageCount: binary.LittleEndian.Uint32(rec[nameFieldLen+4:]),
		})
	}
	return out, nil
}

const initRecordLen = nameFieldLen + 4 + 4 + 4 + 4

func decodeInit(payload []byte) (InitImage, error) {
	if len(payload) != initRecordLen {
		return InitImage{}, fmt.Errorf("boot: IniT block length %d, want %d", len(payload), initRecordLen)
	}
	return InitImage{
		Name:         decodeName(payload[:nameFieldLen]),
		PhysBase:     binary.LittleEndian.Uint32(payload[nameFieldLen:]),
		PhysSize:     binary.LittleEndian.Uint32(payload[nameFieldLen+4:]),
		EntryPoint:   binary.LittleEndian.Uint32(payload[nameFieldLen+8:]),
		InitialStack: binary.LittleEndian.Uint32(payload[nameFieldLen+12:]),
	}, nil
}

func decodeName(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
