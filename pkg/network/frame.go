package network

import (
	"encoding/binary"
	"fmt"
	"io"
)

// writeFrame writes a big-endian uint32 length prefix followed by data.
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxMsgSize {
		return ErrMessageTooLarge
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("failed to write message length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var msgLen uint32
	if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
		return nil, err
	}
	if msgLen > maxMsgSize {
		return nil, ErrMessageTooLarge
	}
	data := make([]byte, msgLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return data, nil
}
