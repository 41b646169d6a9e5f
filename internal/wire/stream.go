// Package wire implements the packed binary stream format accepted by
// the storage engine's ReadingStream operation: a sequence of
// {user_ts, asset_code_len, asset_code, payload} records using a
// length-prefixed string codec (WriteString/ReadString).
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Record is one decoded entry from a packed binary readings stream.
type Record struct {
	UserTS    string
	AssetCode string
	Payload   []byte
}

// maxFieldLen guards against a corrupt length prefix causing an
// unbounded allocation.
const maxFieldLen = 64 << 20

// EncodeStream writes records in the packed binary wire format.
func EncodeStream(w io.Writer, records []Record) error {
	for _, rec := range records {
		if err := writeField(w, []byte(rec.UserTS)); err != nil {
			return err
		}
		if err := writeField(w, []byte(rec.AssetCode)); err != nil {
			return err
		}
		if err := writeField(w, rec.Payload); err != nil {
			return err
		}
	}
	return nil
}

// DecodeStream reads records until io.EOF is reached exactly at a record
// boundary.
func DecodeStream(r io.Reader) ([]Record, error) {
	var records []Record
	for {
		userTS, err := readField(r)
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		assetCode, err := readField(r)
		if err != nil {
			return nil, fmt.Errorf("read asset_code: %w", err)
		}
		payload, err := readField(r)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		records = append(records, Record{
			UserTS:    string(userTS),
			AssetCode: string(assetCode),
			Payload:   payload,
		})
	}
}

func writeField(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readField(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	if length > maxFieldLen {
		return nil, fmt.Errorf("field length %d exceeds maximum %d", length, maxFieldLen)
	}
	buf := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}
