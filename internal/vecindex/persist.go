package vecindex

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/applianceworks/partsassist-backend/internal/domain/kb"
)

// Persisted vector blob layout: 4-byte magic, then three uint32 fields
// (version, dim, count) and count*dim little-endian float32 values.
var blobMagic = [4]byte{'P', 'A', 'V', 'I'}

const blobVersion = uint32(1)

// Save serializes the vector blob and the document metadata as one atomic
// unit: both files are written to temp paths and renamed into place only
// after both writes succeed.
func (x *Index) Save(vectorsPath, metadataPath string) error {
	if len(x.vectors) == 0 || len(x.vectors) != len(x.docs) {
		return fmt.Errorf("index not built; nothing to save")
	}

	tmpVec := vectorsPath + ".tmp"
	tmpMeta := metadataPath + ".tmp"

	if err := x.writeVectors(tmpVec); err != nil {
		os.Remove(tmpVec)
		return err
	}
	if err := writeMetadata(tmpMeta, x.docs); err != nil {
		os.Remove(tmpVec)
		os.Remove(tmpMeta)
		return err
	}
	if err := os.Rename(tmpVec, vectorsPath); err != nil {
		os.Remove(tmpVec)
		os.Remove(tmpMeta)
		return fmt.Errorf("rename vectors artifact: %w", err)
	}
	if err := os.Rename(tmpMeta, metadataPath); err != nil {
		os.Remove(tmpMeta)
		return fmt.Errorf("rename metadata artifact: %w", err)
	}

	if x.log != nil {
		x.log.Info("Index saved", "vectors", vectorsPath, "metadata", metadataPath, "records", len(x.docs))
	}
	return nil
}

// Load replaces the index contents from the two co-located artifacts.
// Absent artifacts yield *NotFoundError; any disagreement between the blob
// header, the blob payload and the metadata count yields *CorruptError.
func (x *Index) Load(vectorsPath, metadataPath string) error {
	vectors, dim, err := readVectors(vectorsPath)
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(metadataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &NotFoundError{Path: metadataPath, Cause: err}
		}
		return fmt.Errorf("read metadata artifact: %w", err)
	}
	var docs []kb.Document
	if err := json.Unmarshal(raw, &docs); err != nil {
		return &CorruptError{Path: metadataPath, Cause: err}
	}

	if len(docs) != len(vectors) {
		return &CorruptError{
			Path:   filepath.Dir(metadataPath),
			Detail: fmt.Sprintf("vector count %d does not match metadata count %d", len(vectors), len(docs)),
		}
	}

	x.dim = dim
	x.vectors = vectors
	x.docs = docs

	if x.log != nil {
		x.log.Info("Index loaded", "vectors", vectorsPath, "metadata", metadataPath, "records", len(docs), "dim", dim)
	}
	return nil
}

func (x *Index) writeVectors(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create vectors artifact: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.Write(blobMagic[:]); err != nil {
		return fmt.Errorf("write vectors artifact: %w", err)
	}
	for _, v := range []uint32{blobVersion, uint32(x.dim), uint32(len(x.vectors))} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("write vectors artifact: %w", err)
		}
	}
	buf := make([]byte, 4)
	for _, vec := range x.vectors {
		for _, f32 := range vec {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(f32))
			if _, err := w.Write(buf); err != nil {
				return fmt.Errorf("write vectors artifact: %w", err)
			}
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush vectors artifact: %w", err)
	}
	return f.Sync()
}

func writeMetadata(path string, docs []kb.Document) error {
	b, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("encode metadata artifact: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write metadata artifact: %w", err)
	}
	return nil
}

func readVectors(path string) ([][]float32, int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, &NotFoundError{Path: path, Cause: err}
		}
		return nil, 0, fmt.Errorf("read vectors artifact: %w", err)
	}

	const headerLen = 4 + 3*4
	if len(raw) < headerLen {
		return nil, 0, &CorruptError{Path: path, Detail: "truncated header"}
	}
	if [4]byte(raw[:4]) != blobMagic {
		return nil, 0, &CorruptError{Path: path, Detail: "bad magic"}
	}
	version := binary.LittleEndian.Uint32(raw[4:8])
	dim := int(binary.LittleEndian.Uint32(raw[8:12]))
	count := int(binary.LittleEndian.Uint32(raw[12:16]))
	if version != blobVersion {
		return nil, 0, &CorruptError{Path: path, Detail: fmt.Sprintf("unsupported blob version %d", version)}
	}
	if dim <= 0 || count <= 0 {
		return nil, 0, &CorruptError{Path: path, Detail: fmt.Sprintf("invalid header dim=%d count=%d", dim, count)}
	}

	payload := raw[headerLen:]
	want := count * dim * 4
	if len(payload) != want {
		return nil, 0, &CorruptError{
			Path:   path,
			Detail: fmt.Sprintf("payload is %d bytes, header implies %d", len(payload), want),
		}
	}

	vectors := make([][]float32, count)
	off := 0
	for i := 0; i < count; i++ {
		vec := make([]float32, dim)
		for j := 0; j < dim; j++ {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(payload[off : off+4]))
			off += 4
		}
		vectors[i] = vec
	}
	return vectors, dim, nil
}
