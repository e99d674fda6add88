package capture

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"mtcsync/pkg/models"
)

// Segment files start with a magic and version, followed by records of
//
//	offset  uint32  big endian milliseconds since segment start
//	length  uint8
//	data    [length]byte
var segmentMagic = [4]byte{'M', 'T', 'C', 'S'}

const segmentVersion = 1

var ErrBadSegment = errors.New("capture: malformed segment")

// EncodeRecords serialises records into the segment file format
func EncodeRecords(records []models.CaptureRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(segmentMagic[:])
	buf.WriteByte(segmentVersion)

	for i, rec := range records {
		if len(rec.Data) > 0xFF {
			return nil, fmt.Errorf("record %d: %d bytes exceeds 255", i, len(rec.Data))
		}
		ms := rec.Offset.Milliseconds()
		if ms < 0 || ms > 0xFFFFFFFF {
			return nil, fmt.Errorf("record %d: offset %s out of range", i, rec.Offset)
		}

		var hdr [5]byte
		binary.BigEndian.PutUint32(hdr[:4], uint32(ms))
		hdr[4] = byte(len(rec.Data))
		buf.Write(hdr[:])
		buf.Write(rec.Data)
	}

	return buf.Bytes(), nil
}

// ParseSegment reads records back out of a segment file
func ParseSegment(data []byte) ([]models.CaptureRecord, error) {
	if len(data) < len(segmentMagic)+1 || !bytes.Equal(data[:4], segmentMagic[:]) {
		return nil, fmt.Errorf("%w: bad header", ErrBadSegment)
	}
	if v := data[4]; v != segmentVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadSegment, v)
	}

	var records []models.CaptureRecord
	for pos := 5; pos < len(data); {
		if len(data)-pos < 5 {
			return records, fmt.Errorf("%w: truncated record header at %d", ErrBadSegment, pos)
		}
		ms := binary.BigEndian.Uint32(data[pos : pos+4])
		n := int(data[pos+4])
		pos += 5

		if len(data)-pos < n {
			return records, fmt.Errorf("%w: truncated record at %d", ErrBadSegment, pos)
		}
		records = append(records, models.CaptureRecord{
			Offset: time.Duration(ms) * time.Millisecond,
			Data:   append([]byte(nil), data[pos:pos+n]...),
		})
		pos += n
	}

	return records, nil
}
