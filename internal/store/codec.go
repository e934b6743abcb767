package store

import (
	"bytes"
	"encoding/gob"

	"github.com/golang/snappy"
	"github.com/rotisserie/eris"

	"github.com/sells-group/coolsite/internal/graph"
)

// EncodeSnapshot serialises a graph snapshot as snappy-compressed gob.
func EncodeSnapshot(s *graph.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, eris.Wrap(err, "store: encode snapshot")
	}
	return snappy.Encode(nil, buf.Bytes()), nil
}

// DecodeSnapshot reverses EncodeSnapshot.
func DecodeSnapshot(data []byte) (*graph.Snapshot, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, eris.Wrap(err, "store: decompress snapshot")
	}
	var s graph.Snapshot
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&s); err != nil {
		return nil, eris.Wrap(err, "store: decode snapshot")
	}
	return &s, nil
}
