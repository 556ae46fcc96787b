package serialization

import (
	"time"

	"github.com/hag-moe/hagmoe/internal/moe"
)

// Format constants.
const (
	MagicBytes      = "HAGM"
	FormatVersion   = 1
	FixedHeaderSize = 64   // Fixed header size (0x40 bytes)
	HeaderAlignment = 64   // Tensor data starts on a 64-byte boundary
	ChecksumOffset  = 0x20 // Checksum offset in the fixed header
	ChecksumSize    = 32   // SHA-256 checksum size
)

// DTypeFloat64 is the only element type written by this package.
const DTypeFloat64 = "float64"

// Flags stored in the fixed header.
const (
	FlagHasMetadata   uint32 = 1 << 0 // custom metadata included
	FlagHasCheckpoint uint32 = 1 << 1 // training state included
)

// Header is the JSON header of a .hagm file.
type Header struct {
	FormatVersion  int               `json:"format_version"`
	CreatedAt      time.Time         `json:"created_at"`
	Layer          moe.Config        `json:"layer"`
	Tensors        []TensorMeta      `json:"tensors"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CheckpointMeta *CheckpointMeta   `json:"checkpoint,omitempty"`
}

// CheckpointMeta records the training state a file was written at.
type CheckpointMeta struct {
	Step      int64   `json:"step"`      // Optimizer steps taken
	Loss      float64 `json:"loss"`      // Loss at the last step
	Optimizer string  `json:"optimizer"` // Optimizer type ("SGD", "Adam")
}

// TensorMeta describes one parameter in the data section.
type TensorMeta struct {
	Name   string `json:"name"`   // Parameter name (e.g., "gate.expert_keys")
	DType  string `json:"dtype"`  // Always "float64"
	Shape  []int  `json:"shape"`  // [rows, cols]
	Offset int64  `json:"offset"` // Bytes from the start of the data section
	Size   int64  `json:"size"`   // Size in bytes
}

// alignedHeaderEnd returns the data offset for a JSON header of n bytes.
func alignedHeaderEnd(n int64) int64 {
	pos := int64(FixedHeaderSize) + n
	return pos + (HeaderAlignment-pos%HeaderAlignment)%HeaderAlignment
}
