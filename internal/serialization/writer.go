package serialization

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/hag-moe/hagmoe/internal/nn"
)

// Write encodes header and params to w.
//
// Tensors are written in params order; header.Tensors, FormatVersion and a
// zero CreatedAt are filled in. The data section is covered by a SHA-256
// checksum stored in the fixed header.
func Write(w io.Writer, header Header, params []*nn.Parameter) error {
	header.FormatVersion = FormatVersion
	if header.CreatedAt.IsZero() {
		header.CreatedAt = time.Now().UTC()
	}

	var data bytes.Buffer
	header.Tensors = make([]TensorMeta, 0, len(params))
	for _, p := range params {
		r, c := p.Tensor().Dims()
		meta := TensorMeta{
			Name:   p.Name(),
			DType:  DTypeFloat64,
			Shape:  []int{r, c},
			Offset: int64(data.Len()),
			Size:   int64(r * c * 8),
		}
		if err := ValidateTensorName(meta.Name); err != nil {
			return err
		}
		header.Tensors = append(header.Tensors, meta)

		var buf [8]byte
		for i := 0; i < r; i++ {
			for _, v := range p.Tensor().RawRowView(i) {
				binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
				data.Write(buf[:])
			}
		}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	flags := uint32(0)
	if len(header.Metadata) > 0 {
		flags |= FlagHasMetadata
	}
	if header.CheckpointMeta != nil {
		flags |= FlagHasCheckpoint
	}

	fixed := make([]byte, FixedHeaderSize)
	copy(fixed[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(fixed[4:8], FormatVersion)
	binary.LittleEndian.PutUint32(fixed[8:12], flags)
	binary.LittleEndian.PutUint64(fixed[16:24], uint64(len(headerJSON)))
	binary.LittleEndian.PutUint64(fixed[24:32], uint64(data.Len()))
	checksum := sha256.Sum256(data.Bytes())
	copy(fixed[ChecksumOffset:ChecksumOffset+ChecksumSize], checksum[:])

	padding := alignedHeaderEnd(int64(len(headerJSON))) - int64(FixedHeaderSize+len(headerJSON))
	for _, chunk := range [][]byte{fixed, headerJSON, make([]byte, padding), data.Bytes()} {
		if _, err := w.Write(chunk); err != nil {
			return fmt.Errorf("failed to write checkpoint: %w", err)
		}
	}
	return nil
}

// WriteFile writes a checkpoint to path, replacing any existing file.
func WriteFile(path string, header Header, params []*nn.Parameter) error {
	//nolint:gosec // G304: path comes from the user, as expected for saving.
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if err := Write(f, header, params); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
