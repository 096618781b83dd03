package bridge

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/tetratelabs/wazero"

	"github.com/wippyai/wasm-netbridge/errors"
)

// MaxModuleSize bounds the decompressed guest binary.
const MaxModuleSize = 256 << 20

var (
	wasmMagic = []byte{0x00, 'a', 's', 'm'}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	gzipMagic = []byte{0x1f, 0x8b}
)

// DecodeModule returns the raw wasm binary in data, decompressing it first if
// it is zstd, gzip or zlib encoded.
func DecodeModule(data []byte) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch {
	case bytes.HasPrefix(data, wasmMagic):
		return data, nil
	case bytes.HasPrefix(data, zstdMagic):
		out, err = decodeZstd(data)
	case bytes.HasPrefix(data, gzipMagic):
		out, err = decodeStream(data, func(r io.Reader) (io.ReadCloser, error) { return gzip.NewReader(r) })
	case isZlib(data):
		out, err = decodeStream(data, zlib.NewReader)
	default:
		return nil, errors.Load("unrecognized guest binary format", nil)
	}
	if err != nil {
		return nil, errors.Load("decompress guest", err)
	}
	if !bytes.HasPrefix(out, wasmMagic) {
		return nil, errors.Load("decompressed guest is not a wasm binary", nil)
	}
	return out, nil
}

func decodeZstd(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxModuleSize))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

func decodeStream(data []byte, open func(io.Reader) (io.ReadCloser, error)) ([]byte, error) {
	r, err := open(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, MaxModuleSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > MaxModuleSize {
		return nil, fmt.Errorf("exceeds %d bytes", MaxModuleSize)
	}
	return out, nil
}

// isZlib checks the RFC 1950 header: deflate method and a valid check value.
func isZlib(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	return data[0]&0x0f == 8 && (uint16(data[0])<<8|uint16(data[1]))%31 == 0
}

// validateExports checks every export the bridge calls before anything is
// instantiated.
func validateExports(compiled wazero.CompiledModule) error {
	funcs := compiled.ExportedFunctions()
	var missing []string
	for _, name := range requiredExports {
		if _, ok := funcs[name]; !ok {
			missing = append(missing, name)
		}
	}
	if _, ok := compiled.ExportedMemories()[exportMemory]; !ok {
		missing = append(missing, exportMemory)
	}
	if len(missing) > 0 {
		return errors.NewMissingExportsError(missing)
	}
	return nil
}

func importsModule(compiled wazero.CompiledModule, module string) bool {
	for _, def := range compiled.ImportedFunctions() {
		if name, _, ok := def.Import(); ok && name == module {
			return true
		}
	}
	return false
}
