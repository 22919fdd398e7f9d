// Package pd wraps the codec used for everything raftcore puts on a wire
// or on disk. The concrete encoding is gob; callers never see that.
package pd

import (
	"bytes"
	"encoding/gob"

	log "github.com/sirupsen/logrus"
)

// Marshal encode msg to bytes.
func Marshal(msg interface{}) ([]byte, error) {
	var buf bytes.Buffer
	encoder := gob.NewEncoder(&buf)
	if err := encoder.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MustMarshal encode msg to bytes, panic on failure.
func MustMarshal(msg interface{}) []byte {
	d, err := Marshal(msg)
	if err != nil {
		log.Panicf("marshal should never fail (%v)", err)
	}
	return d
}

// Unmarshal decode data into msg.
func Unmarshal(msg interface{}, data []byte) error {
	buf := bytes.NewBuffer(data)
	decode := gob.NewDecoder(buf)
	return decode.Decode(msg)
}

// MustUnmarshal decode data into msg, panic on failure.
func MustUnmarshal(msg interface{}, data []byte) {
	if err := Unmarshal(msg, data); err != nil {
		log.Panicf("unmarshal should never fail (%v)", err)
	}
}

// MaybeUnmarshal decode data into msg, report whether it succeeded.
func MaybeUnmarshal(msg interface{}, data []byte) bool {
	return Unmarshal(msg, data) == nil
}
