package store

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net/http"

	"github.com/golang/snappy"
)

// encode gob-encodes v and compresses the result with snappy.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return snappy.Encode(nil, buf.Bytes()), nil
}

func decode(b []byte, v any) error {
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		return fmt.Errorf("snappy: %w", err)
	}
	return gob.NewDecoder(bytes.NewReader(raw)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
