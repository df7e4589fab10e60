package rawser

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/snksoft/crc"
)

const (
	// frameStart marks the beginning of a telegram on the wire
	frameStart = 0xA5

	// maxFrameLen bounds the payload length a telegram may declare
	maxFrameLen = 4096
)

// crcTable is CRC-16/XMODEM, computed over the length field and payload.
var crcTable = crc.NewTable(crc.XMODEM)

// ErrBadCRC is returned by readFrame when a telegram's checksum does not
// match its contents.
var ErrBadCRC = errors.New("telegram crc mismatch")

/*
Telegram layout, all multi-byte fields little endian except the CRC:

	offset 0    start byte 0xA5
	offset 1-2  payload length, uint16 LE, at most maxFrameLen
	offset 3-   payload
	last 2      CRC-16/XMODEM over length+payload, big endian
*/

// frameMessage wraps a payload in the telegram framing.
func frameMessage(payload []byte) ([]byte, error) {
	if len(payload) > maxFrameLen {
		return nil, fmt.Errorf("payload of %d bytes exceeds telegram limit %d", len(payload), maxFrameLen)
	}
	out := make([]byte, 0, len(payload)+5)
	out = append(out, frameStart)
	var lenb [2]byte
	binary.LittleEndian.PutUint16(lenb[:], uint16(len(payload)))
	out = append(out, lenb[:]...)
	out = append(out, payload...)
	var sumb [2]byte
	binary.BigEndian.PutUint16(sumb[:], telegramCRC(lenb[:], payload))
	out = append(out, sumb[:]...)
	return out, nil
}

// telegramCRC computes the CRC-16/XMODEM over the length field and payload.
func telegramCRC(lenb, payload []byte) uint16 {
	c := crcTable.InitCrc()
	c = crcTable.UpdateCrc(c, lenb)
	c = crcTable.UpdateCrc(c, payload)
	return crcTable.CRC16(c)
}

// readFrame scans to the next start byte and decodes one telegram,
// returning its payload.  A checksum failure is ErrBadCRC; the stream
// remains usable and the caller may scan for the next telegram.
func readFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == frameStart {
			break
		}
	}
	var lenb [2]byte
	if _, err := io.ReadFull(r, lenb[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint16(lenb[:])
	if n > maxFrameLen {
		return nil, ErrBadCRC
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	var sumb [2]byte
	if _, err := io.ReadFull(r, sumb[:]); err != nil {
		return nil, err
	}
	want := binary.BigEndian.Uint16(sumb[:])
	if want != telegramCRC(lenb[:], payload) {
		return nil, ErrBadCRC
	}
	return payload, nil
}
