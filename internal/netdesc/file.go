package netdesc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
)

var (
	ErrInvalidHeader    = errors.New("invalid netdesc header")
	ErrUnsupportedDType = errors.New("unsupported data type")
	ErrHeaderTooLarge   = errors.New("header exceeds maximum size")
	ErrDataSizeMismatch = errors.New("data size does not match tensor shape")
)

// MaxHeaderSize bounds the JSON header (16MB).
const MaxHeaderSize = 16 * 1024 * 1024

const (
	formatName  = "netdesc"
	metadataKey = "__metadata__"
	dtypeF32    = "F32"
)

type headerTensor struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// ReadFile decodes the model stored at path.
func ReadFile(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open model: %w", err)
	}
	defer f.Close()
	return Decode(bufio.NewReader(f))
}

// WriteFile encodes m to path.
func WriteFile(path string, m *Model) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create model: %w", err)
	}
	bw := bufio.NewWriter(f)
	if err := Encode(bw, m); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Decode reads a model and validates its graph.
func Decode(r io.Reader) (*Model, error) {
	var headerSize uint64
	if err := binary.Read(r, binary.LittleEndian, &headerSize); err != nil {
		return nil, fmt.Errorf("%w: read header size: %v", ErrInvalidHeader, err)
	}
	if headerSize == 0 {
		return nil, fmt.Errorf("%w: empty header", ErrInvalidHeader)
	}
	if headerSize > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}
	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrInvalidHeader, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse header: %v", ErrInvalidHeader, err)
	}

	var meta map[string]string
	if rm, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(rm, &meta); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidHeader, err)
		}
	}
	if meta["format"] != formatName {
		return nil, fmt.Errorf("%w: format %q, want %q", ErrInvalidHeader, meta["format"], formatName)
	}
	m := &Model{Tensors: make(map[string]Tensor)}
	if err := json.Unmarshal([]byte(meta["graph"]), &m.Graph); err != nil {
		return nil, fmt.Errorf("%w: graph: %v", ErrInvalidHeader, err)
	}

	infos := make(map[string]headerTensor, len(raw))
	order := make([]string, 0, len(raw))
	for name, rm := range raw {
		if name == metadataKey {
			continue
		}
		var ht headerTensor
		if err := json.Unmarshal(rm, &ht); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrInvalidHeader, name, err)
		}
		if ht.DType != dtypeF32 {
			return nil, fmt.Errorf("tensor %s: %w: %s", name, ErrUnsupportedDType, ht.DType)
		}
		n, ok := shapeElements(ht.Shape)
		if !ok {
			return nil, fmt.Errorf("%w: tensor %s: bad shape %v", ErrInvalidHeader, name, ht.Shape)
		}
		if ht.DataOffsets[0] < 0 || ht.DataOffsets[1]-ht.DataOffsets[0] != n*4 {
			return nil, fmt.Errorf("tensor %s: %w: offsets %v for shape %v", name, ErrDataSizeMismatch, ht.DataOffsets, ht.Shape)
		}
		infos[name] = ht
		order = append(order, name)
	}

	// Tensor data is contiguous: each range starts where the previous one ends.
	sort.Slice(order, func(i, j int) bool { return infos[order[i]].DataOffsets[0] < infos[order[j]].DataOffsets[0] })
	var end int64
	for _, name := range order {
		ht := infos[name]
		if ht.DataOffsets[0] != end {
			return nil, fmt.Errorf("tensor %s: %w: offsets %v overlap or leave a gap at %d", name, ErrDataSizeMismatch, ht.DataOffsets, end)
		}
		end = ht.DataOffsets[1]
	}

	// The buffer grows with what the reader actually holds, so a header
	// claiming more data than the file has cannot force a large allocation.
	data, err := io.ReadAll(io.LimitReader(r, end))
	if err != nil {
		return nil, fmt.Errorf("%w: read tensor data: %v", ErrDataSizeMismatch, err)
	}
	if int64(len(data)) != end {
		return nil, fmt.Errorf("%w: tensor data truncated: have %d bytes, header needs %d", ErrDataSizeMismatch, len(data), end)
	}
	for name, ht := range infos {
		m.Tensors[name] = Tensor{
			Shape: ht.Shape,
			Data:  bytesToFloat32(data[ht.DataOffsets[0]:ht.DataOffsets[1]]),
		}
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Encode writes m. Tensors are laid out in name order.
func Encode(w io.Writer, m *Model) error {
	if err := m.Validate(); err != nil {
		return err
	}
	graphJSON, err := json.Marshal(m.Graph)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}

	names := make([]string, 0, len(m.Tensors))
	for name := range m.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(names)+1)
	header[metadataKey] = map[string]string{"format": formatName, "graph": string(graphJSON)}
	var offset int64
	for _, name := range names {
		t := m.Tensors[name]
		size := int64(len(t.Data)) * 4
		header[name] = headerTensor{DType: dtypeF32, Shape: t.Shape, DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerBytes))); err != nil {
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		return err
	}
	for _, name := range names {
		if _, err := w.Write(float32ToBytes(m.Tensors[name].Data)); err != nil {
			return err
		}
	}
	return nil
}

// maxTensorElements bounds a single tensor (4GiB of float32).
const maxTensorElements = 1 << 30

// shapeElements returns the element count of shape. Every dim must be
// positive and the product must stay under maxTensorElements.
func shapeElements(shape []int) (int64, bool) {
	if len(shape) == 0 {
		return 0, false
	}
	n := int64(1)
	for _, d := range shape {
		if d <= 0 || int64(d) > maxTensorElements {
			return 0, false
		}
		n *= int64(d)
		if n > maxTensorElements {
			return 0, false
		}
	}
	return n, true
}

func bytesToFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func float32ToBytes(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}
