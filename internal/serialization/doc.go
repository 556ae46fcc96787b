// Package serialization provides the .hagm checkpoint format for saving and
// loading trained gate parameters together with the layer configuration.
//
//	Format Structure (64-byte fixed header):
//	  0x00  [4 bytes: Magic "HAGM"]
//	  0x04  [4 bytes: Version (uint32 LE)]
//	  0x08  [4 bytes: Flags (uint32 LE)]
//	  0x0C  [4 bytes: reserved]
//	  0x10  [8 bytes: Header Size (uint64 LE)]
//	  0x18  [8 bytes: Data Size (uint64 LE)]
//	  0x20  [32 bytes: SHA-256 of the data section]
//	  0x40  [Header: JSON metadata]
//	        [padding to a 64-byte boundary]
//	        [Tensor data: float64 LE, row-major, in header order]
//
// Example usage:
//
//	// Save
//	header := serialization.Header{Layer: layer.Config()}
//	if err := serialization.WriteFile("gate.hagm", header, layer.Parameters()); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Load
//	ckpt, err := serialization.ReadFile("gate.hagm", serialization.ReaderOptions{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	layer, _ := moe.New(ckpt.Header.Layer)
//	err = layer.SetParameters(ckpt.Tensors)
package serialization
