package wv

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"
	wvpb "github.com/iyear/gowidevine/widevinepb"
	"google.golang.org/protobuf/proto"
)

// WidevineSystemID is the system ID of Widevine.
var WidevineSystemID = []byte{0xed, 0xef, 0x8b, 0xa9, 0x79, 0xd6, 0x4a, 0xce, 0xa3, 0xc8, 0x27, 0xdc, 0xd5, 0x1d, 0x21, 0xed}

// PSSH represents a PSSH box containing Widevine data.
type PSSH struct {
	box  *mp4.PsshBox
	data *wvpb.WidevinePsshData
}

// NewPSSH creates a PSSH from bytes
func NewPSSH(b []byte) (*PSSH, error) {
	box, err := mp4.DecodeBox(0, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("decode box: %w", err)
	}

	psshBox, ok := box.(*mp4.PsshBox)
	if !ok {
		return nil, fmt.Errorf("box is a %s instead of a PSSH", box.Type())
	}

	wvSystemIdStr := hex.EncodeToString(WidevineSystemID)

	if hex.EncodeToString(psshBox.SystemID) != wvSystemIdStr {
		return nil, fmt.Errorf("system id is %s instead of widevine", hex.EncodeToString(psshBox.SystemID))
	}

	data := &wvpb.WidevinePsshData{}
	if err = proto.Unmarshal(psshBox.Data, data); err != nil {
		return nil, fmt.Errorf("unmarshal pssh data: %w", err)
	}

	return &PSSH{
		box:  psshBox,
		data: data,
	}, nil
}

// Version returns the version of the PSSH box.
func (p *PSSH) Version() byte {
	return p.box.Version
}

// Flags returns the flags of the PSSH box.
func (p *PSSH) Flags() uint32 {
	return p.box.Flags
}

// RawData returns the data of the PSSH box.
func (p *PSSH) RawData() []byte {
	return p.box.Data
}

// Data returns the parsed data of the PSSH box.
func (p *PSSH) Data() *wvpb.WidevinePsshData {
	return p.data
}

// pssh box layout: 4-byte size, "pssh", 1-byte version, 3-byte flags,
// 16-byte system id, then the version-dependent payload.
const (
	psshHeaderSize   = 8
	psshVersionSize  = 4
	psshSystemIDSize = 16
)

// ExtractWidevinePSSH walks a concatenated multi-PSSH init-data blob and
// returns the inner payload of the first box carrying the Widevine system
// id. Version 1 boxes have their key-id list skipped to reach the payload.
func ExtractWidevinePSSH(initData []byte) ([]byte, error) {
	rest := initData
	for len(rest) > 0 {
		if len(rest) < psshHeaderSize+psshVersionSize+psshSystemIDSize {
			return nil, fmt.Errorf("truncated pssh blob at %d trailing bytes", len(rest))
		}
		size := binary.BigEndian.Uint32(rest[0:4])
		if size < psshHeaderSize || uint32(len(rest)) < size {
			return nil, fmt.Errorf("invalid pssh box size %d", size)
		}
		box := rest[:size]
		rest = rest[size:]

		if !bytes.Equal(box[4:8], []byte("pssh")) {
			return nil, fmt.Errorf("box type %q is not pssh", box[4:8])
		}
		version := box[8]
		body := box[psshHeaderSize+psshVersionSize:]
		if !bytes.Equal(body[:psshSystemIDSize], WidevineSystemID) {
			continue
		}
		body = body[psshSystemIDSize:]

		if version > 0 {
			if len(body) < 4 {
				return nil, fmt.Errorf("truncated v%d pssh box", version)
			}
			kidCount := binary.BigEndian.Uint32(body[:4])
			skip := 4 + int(kidCount)*16
			if len(body) < skip {
				return nil, fmt.Errorf("truncated key id list in pssh box")
			}
			body = body[skip:]
		}

		if len(body) < 4 {
			return nil, fmt.Errorf("truncated pssh payload")
		}
		dataSize := binary.BigEndian.Uint32(body[:4])
		body = body[4:]
		if uint32(len(body)) < dataSize {
			return nil, fmt.Errorf("pssh payload size %d exceeds box", dataSize)
		}
		return body[:dataSize], nil
	}
	return nil, fmt.Errorf("no widevine pssh box found")
}
