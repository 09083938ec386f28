package transfer

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
)

// Metadata describes a file offered for transfer. It travels as the
// JSON payload of a FILE_METADATA frame. TransferID equals the
// signaling session id.
type Metadata struct {
	TransferID  string `json:"transferId"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	FileType    string `json:"fileType"`
	TotalChunks int    `json:"totalChunks"`
	Checksum    string `json:"checksum"`
}

func (m Metadata) encode() ([]byte, error) {
	return json.Marshal(m)
}

func decodeMetadata(payload []byte) (Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(payload, &m); err != nil {
		return Metadata{}, fmt.Errorf("decoding metadata: %w", err)
	}
	return m, nil
}

// TotalChunks returns ceil(size / ChunkSize).
func TotalChunks(size int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + ChunkSize - 1) / ChunkSize)
}

// HashReader computes the hex SHA-256 of everything r yields.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
