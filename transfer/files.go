package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"lanshare/models"
)

// ComputeMetadata hashes path in a single pass, producing the whole-file
// hash and one hash per chunk.
func ComputeMetadata(path, name string, chunkSize int) (models.FileMetadata, error) {
	if chunkSize <= 0 {
		return models.FileMetadata{}, errors.New("chunk size must be > 0")
	}
	file, err := os.Open(path)
	if err != nil {
		return models.FileMetadata{}, fmt.Errorf("open file for metadata: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	info, err := file.Stat()
	if err != nil {
		return models.FileMetadata{}, fmt.Errorf("stat file: %w", err)
	}

	meta := models.FileMetadata{
		FileName:    name,
		FileSize:    info.Size(),
		ChunkSize:   chunkSize,
		TotalChunks: models.ChunkCount(info.Size(), chunkSize),
	}
	meta.ChunkHashes = make([]string, 0, meta.TotalChunks)

	whole := sha256.New()
	buffer := make([]byte, chunkSize)
	var read int64
	for {
		n, err := io.ReadFull(file, buffer)
		if n > 0 {
			whole.Write(buffer[:n])
			meta.ChunkHashes = append(meta.ChunkHashes, chunkHashHex(buffer[:n]))
			read += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return models.FileMetadata{}, fmt.Errorf("hash file: %w", err)
		}
	}
	if read != meta.FileSize || len(meta.ChunkHashes) != meta.TotalChunks {
		return models.FileMetadata{}, errors.New("file changed while hashing")
	}
	meta.WholeHash = hex.EncodeToString(whole.Sum(nil))
	return meta, nil
}

func chunkHashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func readFileChunk(file *os.File, offset int64, chunkSize int) ([]byte, error) {
	buffer := make([]byte, chunkSize)
	n, err := file.ReadAt(buffer, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read file chunk at offset %d: %w", offset, err)
	}
	if n == 0 {
		return nil, io.EOF
	}
	return buffer[:n], nil
}

func fileChecksumHex(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// PartPath returns the sidecar path a download writes into.
func PartPath(destination string) string {
	return destination + ".part"
}
