// Package siftio reads and writes keypoint/descriptor files: a little-endian
// binary format and a text format following the VisualSFM/Lowe convention.
package siftio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/cwbudde/siftgpu/internal/sift"
)

// Magic identifies the binary descriptor format.
const Magic = "WSFT"

// Version is the current binary format version.
const Version = 1

// descriptorFlagQuantized marks a file carrying byte-quantized descriptors
// in the first reserved header byte.
const descriptorFlagQuantized = 1

// binaryHeader is the fixed-size file prologue.
type binaryHeader struct {
	Version  uint32
	Count    uint32
	Dim      uint32
	Width    uint32
	Height   uint32
	Reserved [8]byte
}

// WriteBinary writes the result in the binary format. Float descriptors are
// stored verbatim so a read-back is bitwise identical.
func WriteBinary(w io.Writer, res *sift.Result, origWidth, origHeight int) error {
	quantized := res.Quantized != nil
	if quantized && len(res.Quantized) != len(res.Keypoints) {
		return fmt.Errorf("%d keypoints but %d descriptors", len(res.Keypoints), len(res.Quantized))
	}
	if !quantized && len(res.Descriptors) != len(res.Keypoints) {
		return fmt.Errorf("%d keypoints but %d descriptors", len(res.Keypoints), len(res.Descriptors))
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(Magic); err != nil {
		return err
	}

	header := binaryHeader{
		Version: Version,
		Count:   uint32(len(res.Keypoints)),
		Dim:     sift.DescriptorSize,
		Width:   uint32(origWidth),
		Height:  uint32(origHeight),
	}
	if quantized {
		header.Reserved[0] = descriptorFlagQuantized
	}
	if err := binary.Write(bw, binary.LittleEndian, &header); err != nil {
		return err
	}

	for i, kp := range res.Keypoints {
		if err := binary.Write(bw, binary.LittleEndian, []float32{kp.X, kp.Y, kp.Sigma, kp.Orientation}); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, kp.Octave); err != nil {
			return err
		}
		if quantized {
			if _, err := bw.Write(res.Quantized[i][:]); err != nil {
				return err
			}
		} else {
			if err := binary.Write(bw, binary.LittleEndian, res.Descriptors[i][:]); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// ReadBinary parses a binary descriptor file. The stored scale field maps
// onto Keypoint.Sigma; the within-octave scale index is not part of the
// format and stays zero.
func ReadBinary(r io.Reader) (*sift.Result, int, int, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to read magic: %w", err)
	}
	if string(magic) != Magic {
		return nil, 0, 0, fmt.Errorf("bad magic %q, want %q", magic, Magic)
	}

	var header binaryHeader
	if err := binary.Read(br, binary.LittleEndian, &header); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to read header: %w", err)
	}
	if header.Version != Version {
		return nil, 0, 0, fmt.Errorf("unsupported version %d", header.Version)
	}
	if header.Dim != sift.DescriptorSize {
		return nil, 0, 0, fmt.Errorf("unsupported descriptor dim %d", header.Dim)
	}

	quantized := header.Reserved[0] == descriptorFlagQuantized
	res := &sift.Result{Keypoints: make([]sift.Keypoint, header.Count)}
	if quantized {
		res.Quantized = make([]sift.QuantizedDescriptor, header.Count)
	} else {
		res.Descriptors = make([]sift.Descriptor, header.Count)
	}

	for i := uint32(0); i < header.Count; i++ {
		var fields [4]float32
		if err := binary.Read(br, binary.LittleEndian, &fields); err != nil {
			return nil, 0, 0, fmt.Errorf("failed to read keypoint %d: %w", i, err)
		}
		var octave int32
		if err := binary.Read(br, binary.LittleEndian, &octave); err != nil {
			return nil, 0, 0, fmt.Errorf("failed to read keypoint %d: %w", i, err)
		}
		res.Keypoints[i] = sift.Keypoint{
			X:           fields[0],
			Y:           fields[1],
			Sigma:       fields[2],
			Orientation: fields[3],
			Octave:      octave,
		}
		if quantized {
			if _, err := io.ReadFull(br, res.Quantized[i][:]); err != nil {
				return nil, 0, 0, fmt.Errorf("failed to read descriptor %d: %w", i, err)
			}
		} else {
			if err := binary.Read(br, binary.LittleEndian, res.Descriptors[i][:]); err != nil {
				return nil, 0, 0, fmt.Errorf("failed to read descriptor %d: %w", i, err)
			}
		}
	}
	return res, int(header.Width), int(header.Height), nil
}

// SaveBinary writes the binary format atomically: temp file in the target
// directory, then rename.
func SaveBinary(path string, res *sift.Result, origWidth, origHeight int) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create descriptor file: %w", err)
	}

	if err := WriteBinary(f, res, origWidth, origHeight); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write descriptor file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close descriptor file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename descriptor file: %w", err)
	}
	return nil
}

// LoadBinary reads a binary descriptor file from disk.
func LoadBinary(path string) (*sift.Result, int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to open descriptor file: %w", err)
	}
	defer f.Close()
	return ReadBinary(f)
}
