package model

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
)

// Weights file layout, all integers little-endian:
//
//	magic "PNMW" | version u32 | header length u32 | header JSON
//	| parameter values as f64, in header order | CRC32 (IEEE) of all prior bytes
const (
	weightsMagic   = "PNMW"
	weightsVersion = 1
)

type weightsHeader struct {
	Config     Config       `json:"config"`
	Checkpoint Checkpoint   `json:"checkpoint"`
	Params     []paramEntry `json:"params"`
}

type paramEntry struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

// Save writes net's parameters to path. The file is written to a temporary
// sibling, synced and renamed into place, so readers only ever see a complete
// previous or new file.
func Save(path string, net Network, ckpt Checkpoint) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := encodeWeights(tmp, net, ckpt); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync weights: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close weights: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move weights into place: %w", err)
	}
	return nil
}

func encodeWeights(w io.Writer, net Network, ckpt Checkpoint) error {
	params := net.Params()
	hdr := weightsHeader{Config: net.Config(), Checkpoint: ckpt}
	for _, p := range params {
		hdr.Params = append(hdr.Params, paramEntry{Name: p.Name, Shape: p.Shape})
	}
	hdrJSON, err := json.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("failed to encode weights header: %w", err)
	}

	crc := crc32.NewIEEE()
	bw := bufio.NewWriter(io.MultiWriter(w, crc))

	bw.WriteString(weightsMagic)
	binary.Write(bw, binary.LittleEndian, uint32(weightsVersion))
	binary.Write(bw, binary.LittleEndian, uint32(len(hdrJSON)))
	bw.Write(hdrJSON)

	var buf [8]byte
	for _, p := range params {
		for _, v := range p.Value {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
			bw.Write(buf[:])
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write weights: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, crc.Sum32()); err != nil {
		return fmt.Errorf("failed to write weights checksum: %w", err)
	}
	return nil
}

// OpenOptions supplies what Open needs beyond the weights file.
type OpenOptions struct {
	// NewBackbone is called when the file holds a transfer network.
	NewBackbone func() (FeatureExtractor, error)
	Workers     int
}

// Open reads a weights file written by Save. Every failure is a
// *ModelLoadError.
func Open(path string, opts OpenOptions) (Network, Checkpoint, error) {
	net, ckpt, err := open(path, opts)
	if err != nil {
		return nil, Checkpoint{}, &ModelLoadError{Path: path, Err: err}
	}
	return net, ckpt, nil
}

func open(path string, opts OpenOptions) (Network, Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Checkpoint{}, err
	}

	hdr, values, err := decodeWeights(data)
	if err != nil {
		return nil, Checkpoint{}, err
	}

	var build BuildOptions
	build.Workers = opts.Workers
	if hdr.Config.Arch == ArchTransfer {
		if opts.NewBackbone == nil {
			return nil, Checkpoint{}, errors.New("transfer weights need a backbone")
		}
		if build.Backbone, err = opts.NewBackbone(); err != nil {
			return nil, Checkpoint{}, fmt.Errorf("failed to load backbone: %w", err)
		}
	}

	net, err := Build(hdr.Config, build)
	if err != nil {
		if build.Backbone != nil {
			build.Backbone.Close()
		}
		return nil, Checkpoint{}, err
	}

	if err := assign(net, hdr.Params, values); err != nil {
		net.Close()
		return nil, Checkpoint{}, err
	}
	return net, hdr.Checkpoint, nil
}

func decodeWeights(data []byte) (*weightsHeader, []float64, error) {
	const fixed = len(weightsMagic) + 8
	if len(data) < fixed+4 || string(data[:len(weightsMagic)]) != weightsMagic {
		return nil, nil, errors.New("not a weights file")
	}

	body, trailer := data[:len(data)-4], data[len(data)-4:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(trailer) {
		return nil, nil, errors.New("checksum mismatch, file is truncated or corrupt")
	}

	r := bytes.NewReader(body[len(weightsMagic):])
	var version, hdrLen uint32
	binary.Read(r, binary.LittleEndian, &version)
	binary.Read(r, binary.LittleEndian, &hdrLen)
	if version != weightsVersion {
		return nil, nil, fmt.Errorf("unsupported weights version %d", version)
	}
	if int(hdrLen) > r.Len() {
		return nil, nil, errors.New("header length exceeds file size")
	}

	hdrJSON := make([]byte, hdrLen)
	io.ReadFull(r, hdrJSON)
	var hdr weightsHeader
	if err := json.Unmarshal(hdrJSON, &hdr); err != nil {
		return nil, nil, fmt.Errorf("invalid header: %w", err)
	}

	if r.Len()%8 != 0 {
		return nil, nil, errors.New("parameter block is not a whole number of values")
	}
	values := make([]float64, r.Len()/8)
	for i := range values {
		var bits uint64
		binary.Read(r, binary.LittleEndian, &bits)
		values[i] = math.Float64frombits(bits)
	}
	return &hdr, values, nil
}

func assign(net Network, entries []paramEntry, values []float64) error {
	params := net.Params()
	if len(entries) != len(params) {
		return fmt.Errorf("file has %d parameter blocks, network has %d", len(entries), len(params))
	}

	off := 0
	for i, p := range params {
		e := entries[i]
		if e.Name != p.Name || !slices.Equal(e.Shape, p.Shape) {
			return fmt.Errorf("parameter %d is %s%v in file, %s%v in network", i, e.Name, e.Shape, p.Name, p.Shape)
		}
		if off+len(p.Value) > len(values) {
			return fmt.Errorf("parameter %s is truncated", p.Name)
		}
		copy(p.Value, values[off:off+len(p.Value)])
		off += len(p.Value)
	}
	if off != len(values) {
		return fmt.Errorf("%d trailing values after parameters", len(values)-off)
	}
	return nil
}

// Snapshot copies the current parameter values of net.
func Snapshot(net Network) [][]float64 {
	params := net.Params()
	out := make([][]float64, len(params))
	for i, p := range params {
		out[i] = slices.Clone(p.Value)
	}
	return out
}

// Restore writes values taken by Snapshot back into net.
func Restore(net Network, values [][]float64) {
	for i, p := range net.Params() {
		copy(p.Value, values[i])
	}
}
