package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
)

// maxFrameLen bounds a single control frame; a SubgraphRequest for a
// pathological pipeline is still a handful of KB of JSON, never MB.
const maxFrameLen = 16 << 20

// WriteFrame writes env as one length-prefixed JSON frame: a 4-byte
// big-endian length followed by the JSON body.
func WriteFrame(w io.Writer, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("wire: marshal frame: %w", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame written by WriteFrame.
func ReadFrame(r io.Reader) (*Envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameLen {
		return nil, fmt.Errorf("wire: frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("wire: read frame body: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("wire: unmarshal frame: %w", err)
	}
	return &env, nil
}

// StreamKeyLen is the fixed size of the key every data-stream connection
// starts with, keying it to (pipeline_id, edge_id).
const StreamKeyLen = 16

// StreamKey derives the 16-byte key a data connection is opened with.
// It need not be cryptographic: both ends derive it the
// same deterministic way from values already agreed in the
// SubgraphRequest/Ack exchange.
func StreamKey(pipelineID, edgeID string) [StreamKeyLen]byte {
	var key [StreamKeyLen]byte
	h1 := fnv.New64a()
	h1.Write([]byte(pipelineID))
	copy(key[0:8], h1.Sum(nil))
	h2 := fnv.New64a()
	h2.Write([]byte(edgeID))
	copy(key[8:16], h2.Sum(nil))
	return key
}

// WriteStreamKey writes the key as the first bytes of a new data
// connection, before any payload.
func WriteStreamKey(w io.Writer, key [StreamKeyLen]byte) error {
	_, err := w.Write(key[:])
	return err
}

// ReadStreamKey reads and returns the key a data connection starts with.
func ReadStreamKey(r io.Reader) ([StreamKeyLen]byte, error) {
	var key [StreamKeyLen]byte
	_, err := io.ReadFull(r, key[:])
	return key, err
}
