// Package wire implements the fixed-size control and event records of the
// VideoStream protocol and their ancillary (SCM_RIGHTS) fd payload. Records
// are marshaled field-by-field with encoding/binary onto a byte slice of a
// known, asserted size — never via Go struct layout — so the wire format is
// exactly what spec §6 documents regardless of compiler struct packing.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/EdgeFirstAI/videostream/pkg/vslerr"
)

// Control ops, client->host.
const (
	OpTryLock uint32 = 0
	OpUnlock  uint32 = 1
)

// FrameInfo is the fixed-layout frame metadata record (spec §3, §6).
// All integers are little-endian; Paddr/Size/Offset are carried as 64-bit
// regardless of host pointer width so the wire format never varies by arch.
type FrameInfo struct {
	Serial    int64 // 0 = not a frame event; else strictly increasing per-host
	Timestamp int64 // ns, monotonic time of post
	Duration  int64
	PTS       int64
	DTS       int64
	Expires   int64 // ns, absolute monotonic deadline; 0 = never
	Locked    int32 // host-side hold count, echoed for diagnostics
	FourCC    uint32
	Width     int32
	Height    int32
	Stride    int32
	Paddr     int64 // optional physical address; 0 if unknown
	Size      int64 // backing-buffer extent within the fd
	Offset    int64
}

// FrameEvent is the host->client event record: an error tag plus FrameInfo.
// An event with Error == vslerr.KindNone and Info.Serial == 0 is a
// status/keepalive and carries no fd.
type FrameEvent struct {
	Error vslerr.Kind
	Info  FrameInfo
}

// FrameControl is the client->host control record.
type FrameControl struct {
	Op     uint32
	Serial int64
}

// EventSize is the exact wire size of a FrameEvent record: i32 error,
// 4 bytes of pad to the next i64 (spec §6), then 6 i64 media fields,
// i32 locked, u32 fourcc, 2 i32 dims, i64 paddr, i64 size, i64 offset,
// i32 stride.
const EventSize = 4 + 4 + 6*8 + 4 + 4 + 4 + 4 + 8 + 8 + 8 + 4

// ControlSize is the exact wire size of a FrameControl record: u32 op, i64 serial.
const ControlSize = 4 + 8

// MarshalEvent encodes ev into a newly allocated EventSize-byte buffer.
func MarshalEvent(ev FrameEvent) []byte {
	buf := make([]byte, EventSize)
	putEvent(buf, ev)
	return buf
}

func putEvent(buf []byte, ev FrameEvent) {
	_ = buf[EventSize-1]
	binary.LittleEndian.PutUint32(buf[0:4], uint32(ev.Error))
	// buf[4:8] is pad, left zero.
	binary.LittleEndian.PutUint64(buf[8:16], uint64(ev.Info.Serial))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(ev.Info.Timestamp))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(ev.Info.Duration))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(ev.Info.PTS))
	binary.LittleEndian.PutUint64(buf[40:48], uint64(ev.Info.DTS))
	binary.LittleEndian.PutUint64(buf[48:56], uint64(ev.Info.Expires))
	binary.LittleEndian.PutUint32(buf[56:60], uint32(ev.Info.Locked))
	binary.LittleEndian.PutUint32(buf[60:64], ev.Info.FourCC)
	binary.LittleEndian.PutUint32(buf[64:68], uint32(ev.Info.Width))
	binary.LittleEndian.PutUint32(buf[68:72], uint32(ev.Info.Height))
	binary.LittleEndian.PutUint64(buf[72:80], uint64(ev.Info.Paddr))
	binary.LittleEndian.PutUint64(buf[80:88], uint64(ev.Info.Size))
	binary.LittleEndian.PutUint64(buf[88:96], uint64(ev.Info.Offset))
	binary.LittleEndian.PutUint32(buf[96:100], uint32(ev.Info.Stride))
}

// UnmarshalEvent decodes buf (which must be exactly EventSize bytes) into a FrameEvent.
func UnmarshalEvent(buf []byte) (FrameEvent, error) {
	if len(buf) != EventSize {
		return FrameEvent{}, fmt.Errorf("%w: event record is %d bytes, want %d", vslerr.ErrBadMessage, len(buf), EventSize)
	}
	var ev FrameEvent
	ev.Error = vslerr.Kind(int32(binary.LittleEndian.Uint32(buf[0:4])))
	ev.Info.Serial = int64(binary.LittleEndian.Uint64(buf[8:16]))
	ev.Info.Timestamp = int64(binary.LittleEndian.Uint64(buf[16:24]))
	ev.Info.Duration = int64(binary.LittleEndian.Uint64(buf[24:32]))
	ev.Info.PTS = int64(binary.LittleEndian.Uint64(buf[32:40]))
	ev.Info.DTS = int64(binary.LittleEndian.Uint64(buf[40:48]))
	ev.Info.Expires = int64(binary.LittleEndian.Uint64(buf[48:56]))
	ev.Info.Locked = int32(binary.LittleEndian.Uint32(buf[56:60]))
	ev.Info.FourCC = binary.LittleEndian.Uint32(buf[60:64])
	ev.Info.Width = int32(binary.LittleEndian.Uint32(buf[64:68]))
	ev.Info.Height = int32(binary.LittleEndian.Uint32(buf[68:72]))
	ev.Info.Paddr = int64(binary.LittleEndian.Uint64(buf[72:80]))
	ev.Info.Size = int64(binary.LittleEndian.Uint64(buf[80:88]))
	ev.Info.Offset = int64(binary.LittleEndian.Uint64(buf[88:96]))
	ev.Info.Stride = int32(binary.LittleEndian.Uint32(buf[96:100]))
	return ev, nil
}

// MarshalControl encodes c into a newly allocated ControlSize-byte buffer.
func MarshalControl(c FrameControl) []byte {
	buf := make([]byte, ControlSize)
	binary.LittleEndian.PutUint32(buf[0:4], c.Op)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(c.Serial))
	return buf
}

// UnmarshalControl decodes buf (which must be exactly ControlSize bytes) into a FrameControl.
func UnmarshalControl(buf []byte) (FrameControl, error) {
	if len(buf) != ControlSize {
		return FrameControl{}, fmt.Errorf("%w: control record is %d bytes, want %d", vslerr.ErrBadMessage, len(buf), ControlSize)
	}
	return FrameControl{
		Op:     binary.LittleEndian.Uint32(buf[0:4]),
		Serial: int64(binary.LittleEndian.Uint64(buf[4:12])),
	}, nil
}

// IsKeepalive reports whether ev is a status/keepalive record (no error,
// serial 0) that carries no fd.
func (ev FrameEvent) IsKeepalive() bool {
	return ev.Error == vslerr.KindNone && ev.Info.Serial == 0
}

// IsBroadcast reports whether ev carries a live frame (as opposed to a
// control-response or keepalive, both of which carry Serial == 0).
func (ev FrameEvent) IsBroadcast() bool {
	return ev.Info.Serial != 0
}
