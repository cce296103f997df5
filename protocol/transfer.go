package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"lanshare/models"
)

const (
	TagMetaRequest  = "FILE_META_REQUEST"
	TagChunkRequest = "GET_CHUNK"
	TagMetaResponse = "FILE_META_RESPONSE"
	TagChunkData    = "CHUNK_DATA"
	TagError        = "ERROR"
)

const (
	// MaxStringLen is the largest length-prefixed string on the transfer path.
	MaxStringLen = math.MaxUint16
	// MaxChunkSize bounds the chunk length a decoder will allocate for.
	MaxChunkSize = 64 * 1024 * 1024
	// MaxTotalChunks bounds the hash list a decoder will allocate for.
	MaxTotalChunks = 1 << 24

	// hashPrealloc caps the hash slice allocated up front; the rest grows as
	// hashes actually arrive.
	hashPrealloc = 4096
)

var (
	// ErrStringTooLong indicates a string that does not fit a u16 length prefix.
	ErrStringTooLong = errors.New("protocol: string exceeds max length")
	// ErrFrameTooLarge indicates a length prefix above the decoder bounds.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds max size")
	// ErrUnexpectedTag indicates a frame tag that does not fit the exchange.
	ErrUnexpectedTag = errors.New("protocol: unexpected frame tag")
)

// RemoteError carries the reason of an ERROR frame.
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Reason
}

// TransferRequest is a FILE_META_REQUEST or GET_CHUNK request.
type TransferRequest struct {
	Tag        string
	From       string
	FileName   string
	ChunkIndex int
}

// ChunkFrame is the payload of a CHUNK_DATA response.
type ChunkFrame struct {
	Index int
	Hash  string
	Data  []byte
}

// MetaRequest builds a FILE_META_REQUEST.
func MetaRequest(from, fileName string) TransferRequest {
	return TransferRequest{Tag: TagMetaRequest, From: from, FileName: fileName}
}

// ChunkRequest builds a GET_CHUNK request.
func ChunkRequest(from, fileName string, index int) TransferRequest {
	return TransferRequest{Tag: TagChunkRequest, From: from, FileName: fileName, ChunkIndex: index}
}

// WriteRequest encodes and flushes a transfer request.
func WriteRequest(w io.Writer, req TransferRequest) error {
	fw := newFrameWriter(w)
	fw.writeString(req.Tag)
	fw.writeString(req.From)
	fw.writeString(req.FileName)
	switch req.Tag {
	case TagMetaRequest:
	case TagChunkRequest:
		fw.writeInt32(int32(req.ChunkIndex))
	default:
		return fmt.Errorf("%w: request %q", ErrUnexpectedTag, req.Tag)
	}
	return fw.flush("write transfer request")
}

// ReadRequest decodes a transfer request.
func ReadRequest(r io.Reader) (TransferRequest, error) {
	fr := newFrameReader(r)
	req := TransferRequest{
		Tag:      fr.readString(),
		From:     fr.readString(),
		FileName: fr.readString(),
	}
	if fr.err != nil {
		return TransferRequest{}, fmt.Errorf("read transfer request: %w", fr.err)
	}
	switch req.Tag {
	case TagMetaRequest:
	case TagChunkRequest:
		req.ChunkIndex = int(fr.readInt32())
	default:
		return TransferRequest{}, fmt.Errorf("%w: request %q", ErrUnexpectedTag, req.Tag)
	}
	if fr.err != nil {
		return TransferRequest{}, fmt.Errorf("read transfer request: %w", fr.err)
	}
	return req, nil
}

// WriteMetadata encodes a FILE_META_RESPONSE frame.
func WriteMetadata(w io.Writer, meta models.FileMetadata) error {
	fw := newFrameWriter(w)
	fw.writeString(TagMetaResponse)
	fw.writeString(meta.FileName)
	fw.writeUint64(uint64(meta.FileSize))
	fw.writeUint32(uint32(meta.ChunkSize))
	fw.writeUint32(uint32(meta.TotalChunks))
	fw.writeString(meta.WholeHash)
	for _, hash := range meta.ChunkHashes {
		fw.writeString(hash)
	}
	return fw.flush("write metadata")
}

// WriteChunk encodes a CHUNK_DATA frame.
func WriteChunk(w io.Writer, chunk ChunkFrame) error {
	if len(chunk.Data) > MaxChunkSize {
		return ErrFrameTooLarge
	}
	fw := newFrameWriter(w)
	fw.writeString(TagChunkData)
	fw.writeInt32(int32(chunk.Index))
	fw.writeInt32(int32(len(chunk.Data)))
	fw.writeString(chunk.Hash)
	fw.writeBytes(chunk.Data)
	return fw.flush("write chunk")
}

// WriteError encodes an ERROR frame.
func WriteError(w io.Writer, reason string) error {
	fw := newFrameWriter(w)
	fw.writeString(TagError)
	fw.writeString(reason)
	return fw.flush("write error frame")
}

// ReadMetadata decodes a FILE_META_RESPONSE, or returns *RemoteError for an
// ERROR frame.
func ReadMetadata(r io.Reader) (models.FileMetadata, error) {
	fr := newFrameReader(r)
	if err := fr.expectTag(TagMetaResponse); err != nil {
		return models.FileMetadata{}, err
	}

	meta := models.FileMetadata{FileName: fr.readString()}
	size := fr.readUint64()
	chunkSize := fr.readUint32()
	total := fr.readUint32()
	meta.WholeHash = fr.readString()
	if fr.err != nil {
		return models.FileMetadata{}, fmt.Errorf("read metadata: %w", fr.err)
	}
	if size > math.MaxInt64 || chunkSize > MaxChunkSize || total > MaxTotalChunks {
		return models.FileMetadata{}, ErrFrameTooLarge
	}
	meta.FileSize = int64(size)
	meta.ChunkSize = int(chunkSize)
	meta.TotalChunks = int(total)

	meta.ChunkHashes = make([]string, 0, min(meta.TotalChunks, hashPrealloc))
	for i := 0; i < meta.TotalChunks && fr.err == nil; i++ {
		meta.ChunkHashes = append(meta.ChunkHashes, fr.readString())
	}
	if fr.err != nil {
		return models.FileMetadata{}, fmt.Errorf("read chunk hashes: %w", fr.err)
	}
	return meta, nil
}

// ReadChunk decodes a CHUNK_DATA frame, or returns *RemoteError for an ERROR
// frame.
func ReadChunk(r io.Reader) (ChunkFrame, error) {
	fr := newFrameReader(r)
	if err := fr.expectTag(TagChunkData); err != nil {
		return ChunkFrame{}, err
	}

	index := fr.readInt32()
	length := fr.readInt32()
	hash := fr.readString()
	if fr.err != nil {
		return ChunkFrame{}, fmt.Errorf("read chunk header: %w", fr.err)
	}
	if length < 0 || length > MaxChunkSize {
		return ChunkFrame{}, fmt.Errorf("%w: chunk length %d", ErrFrameTooLarge, length)
	}

	data := fr.readBytes(int(length))
	if fr.err != nil {
		return ChunkFrame{}, fmt.Errorf("read chunk data: %w", fr.err)
	}
	return ChunkFrame{Index: int(index), Hash: hash, Data: data}, nil
}

type frameWriter struct {
	w   *bufio.Writer
	err error
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{w: bufio.NewWriter(w)}
}

func (fw *frameWriter) writeString(value string) {
	if fw.err != nil {
		return
	}
	if len(value) > MaxStringLen {
		fw.err = ErrStringTooLong
		return
	}
	fw.writeUint16(uint16(len(value)))
	if fw.err == nil {
		_, fw.err = fw.w.WriteString(value)
	}
}

func (fw *frameWriter) writeUint16(v uint16) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	fw.writeBytes(buf[:])
}

func (fw *frameWriter) writeUint32(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	fw.writeBytes(buf[:])
}

func (fw *frameWriter) writeInt32(v int32) {
	fw.writeUint32(uint32(v))
}

func (fw *frameWriter) writeUint64(v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	fw.writeBytes(buf[:])
}

func (fw *frameWriter) writeBytes(p []byte) {
	if fw.err != nil {
		return
	}
	_, fw.err = fw.w.Write(p)
}

func (fw *frameWriter) flush(op string) error {
	if fw.err == nil {
		fw.err = fw.w.Flush()
	}
	if fw.err != nil {
		return fmt.Errorf("%s: %w", op, fw.err)
	}
	return nil
}

type frameReader struct {
	r   io.Reader
	err error
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: r}
}

// expectTag reads the leading tag and converts ERROR frames into *RemoteError.
func (fr *frameReader) expectTag(want string) error {
	tag := fr.readString()
	if fr.err != nil {
		return fmt.Errorf("read frame tag: %w", fr.err)
	}
	if tag == TagError {
		reason := fr.readString()
		if fr.err != nil {
			return fmt.Errorf("read error reason: %w", fr.err)
		}
		return &RemoteError{Reason: reason}
	}
	if tag != want {
		return fmt.Errorf("%w: got %q, want %q", ErrUnexpectedTag, tag, want)
	}
	return nil
}

func (fr *frameReader) readString() string {
	n := fr.readUint16()
	return string(fr.readBytes(int(n)))
}

func (fr *frameReader) readUint16() uint16 {
	buf := fr.readBytes(2)
	if fr.err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(buf)
}

func (fr *frameReader) readUint32() uint32 {
	buf := fr.readBytes(4)
	if fr.err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(buf)
}

func (fr *frameReader) readInt32() int32 {
	return int32(fr.readUint32())
}

func (fr *frameReader) readUint64() uint64 {
	buf := fr.readBytes(8)
	if fr.err != nil {
		return 0
	}
	return binary.BigEndian.Uint64(buf)
}

func (fr *frameReader) readBytes(n int) []byte {
	if fr.err != nil {
		return nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		fr.err = err
		return nil
	}
	return buf
}
