// Package wire defines the MSGBUF ring-entry layouts exchanged with
// firmware and the (un)marshal helpers that pack/unpack them. Every record
// is little-endian and tightly packed; the compile-time size assertions
// below (var _ [N]byte = [unsafe.Sizeof(T{})]byte{}) catch accidental
// padding the moment a field is added or reordered.
package wire

import "unsafe"

// MsgType identifies which record layout a ring entry uses.
type MsgType uint8

const (
	MsgTypeFlowRingCreate         MsgType = 0x03
	MsgTypeFlowRingCreateResponse MsgType = 0x04
	MsgTypeFlowRingDelete         MsgType = 0x05
	MsgTypeFlowRingDeleteResponse MsgType = 0x06
	MsgTypeIoctlRequest           MsgType = 0x09
	MsgTypeIoctlAck               MsgType = 0x0A
	MsgTypeIoctlBufferPost        MsgType = 0x0B
	MsgTypeIoctlResponse          MsgType = 0x0C
	MsgTypeWlEvent                MsgType = 0x0E
	MsgTypeEventBufferPost        MsgType = 0x0D
	MsgTypeTxPost                 MsgType = 0x0F
	MsgTypeRxBufferPost           MsgType = 0x11
)

// TxHeaderSize is the number of bytes of a TxRequest's header carried
// inline in the ring entry ahead of the frame's payload pointer. Firmware
// negotiates this value at attach time in the real chipset; it is fixed
// here because the ring layout (and therefore TxRequest's size) depends on
// it at compile time.
const TxHeaderSize = 28

// CommonHeader is present at the start of every MSGBUF ring entry.
//
//	u8  MsgType
//	u8  IfIdx
//	u8  Flags
//	u8  _Reserved
//	u32 RequestID
type CommonHeader struct {
	MsgType   MsgType
	IfIdx     uint8
	Flags     uint8
	_Reserved uint8
	RequestID uint32
}

const CommonHeaderSize = 8

var _ [CommonHeaderSize]byte = [unsafe.Sizeof(CommonHeader{})]byte{}

// CompletionHeader follows CommonHeader on every ring entry the device
// writes back to the host.
//
//	i16 Status
//	u16 FlowRingID
type CompletionHeader struct {
	Status     int16
	FlowRingID uint16
}

const CompletionHeaderSize = 4

var _ [CompletionHeaderSize]byte = [unsafe.Sizeof(CompletionHeader{})]byte{}

// IoctlRequest (40 B): host -> device, posted on the control submit ring.
//
//	CommonHeader
//	u32 Cmd
//	u16 TransID
//	u16 InputLen
//	u16 OutputLen
//	u16 _Reserved[3]
//	u64 ReqBufAddr
//	u32 _Reserved2[2]
type IoctlRequest struct {
	Common    CommonHeader
	Cmd       uint32
	TransID   uint16
	InputLen  uint16
	OutputLen uint16
	_Reserved [3]uint16
	ReqBufAddr uint64
	_Reserved2 [2]uint32
}

const IoctlRequestSize = 40

var _ [IoctlRequestSize]byte = [unsafe.Sizeof(IoctlRequest{})]byte{}

// IoctlResponse (24 B): device -> host, on the control complete ring.
//
//	CommonHeader
//	CompletionHeader
//	u16 RespLen
//	u16 TransID
//	u32 Cmd
//	u32 _Reserved
type IoctlResponse struct {
	Common     CommonHeader
	Completion CompletionHeader
	RespLen    uint16
	TransID    uint16
	Cmd        uint32
	_Reserved  uint32
}

const IoctlResponseSize = 24

var _ [IoctlResponseSize]byte = [unsafe.Sizeof(IoctlResponse{})]byte{}

// IoctlOrEventBufferPost (32 B): host -> device, posted on the control
// submit ring to replenish ioctl-response or event RX buffers (the msgtype
// distinguishes which). HostBufAddr is placed immediately after the common
// header, ahead of the narrower fields, so its 8-byte alignment requirement
// never forces the compiler to insert padding.
//
//	CommonHeader
//	u64 HostBufAddr
//	u16 HostBufLen
//	u16 _Reserved
//	u32 _Reserved2[3]
type IoctlOrEventBufferPost struct {
	Common      CommonHeader
	HostBufAddr uint64
	HostBufLen  uint16
	_Reserved   uint16
	_Reserved2  [3]uint32
}

const IoctlOrEventBufferPostSize = 32

var _ [IoctlOrEventBufferPostSize]byte = [unsafe.Sizeof(IoctlOrEventBufferPost{})]byte{}

// RxBufferPost (32 B): host -> device, posted on the RX buffer submit ring
// to replenish data-plane receive buffers.
//
//	CommonHeader
//	u16 MetadataLen
//	u16 DataLen
//	u32 _Reserved
//	u64 MetadataAddr
//	u64 DataAddr
type RxBufferPost struct {
	Common       CommonHeader
	MetadataLen  uint16
	DataLen      uint16
	_Reserved    uint32
	MetadataAddr uint64
	DataAddr     uint64
}

const RxBufferPostSize = 32

var _ [RxBufferPostSize]byte = [unsafe.Sizeof(RxBufferPost{})]byte{}

// TxRequest (CommonHeaderSize + TxHeaderSize + 12 B): host -> device,
// posted on a flow ring. TxHdr carries the first TxHeaderSize bytes of the
// frame inline; the remainder lives in a pinned TX pool buffer addressed by
// DataBufAddr.
//
//	CommonHeader
//	u8  TxHdr[TxHeaderSize]
//	u16 DataLen
//	u8  SegCnt
//	u8  Flags
//	u64 DataBufAddr
type TxRequest struct {
	Common      CommonHeader
	TxHdr       [TxHeaderSize]byte
	DataLen     uint16
	SegCnt      uint8
	Flags       uint8
	DataBufAddr uint64
}

const TxRequestSize = CommonHeaderSize + TxHeaderSize + 12

var _ [TxRequestSize]byte = [unsafe.Sizeof(TxRequest{})]byte{}

// FlowRingCreateRequest (32 B, reconstructed from flow-ring-handler call
// sites; no verbatim struct definition was present in the retrieved
// firmware ABI header): host -> device, requests firmware stand up a new
// flow ring for a (destination, source, traffic-id) tuple.
//
//	CommonHeader
//	u8  DA[6]
//	u8  SA[6]
//	u8  TID
//	u8  IfFlags
//	u16 FlowRingIdx
//	u32 MaxItems
//	u16 LenItem
//	u16 _Reserved
type FlowRingCreateRequest struct {
	Common      CommonHeader
	DA          [6]byte
	SA          [6]byte
	TID         uint8
	IfFlags     uint8
	FlowRingIdx uint16
	MaxItems    uint32
	LenItem     uint16
	_Reserved   uint16
}

const FlowRingCreateRequestSize = 32

var _ [FlowRingCreateRequestSize]byte = [unsafe.Sizeof(FlowRingCreateRequest{})]byte{}

// FlowRingCreateResponse (16 B, reconstructed): device -> host.
//
//	CommonHeader
//	CompletionHeader
//	u16 FlowRingIdx
//	u16 _Reserved
type FlowRingCreateResponse struct {
	Common      CommonHeader
	Completion  CompletionHeader
	FlowRingIdx uint16
	_Reserved   uint16
}

const FlowRingCreateResponseSize = 16

var _ [FlowRingCreateResponseSize]byte = [unsafe.Sizeof(FlowRingCreateResponse{})]byte{}

// FlowRingDeleteRequest (8 B): host -> device. The flow ring index being
// torn down travels in Common.RequestID, matching every other post-only
// message in this ABI.
type FlowRingDeleteRequest struct {
	Common CommonHeader
}

const FlowRingDeleteRequestSize = CommonHeaderSize

var _ [FlowRingDeleteRequestSize]byte = [unsafe.Sizeof(FlowRingDeleteRequest{})]byte{}

// FlowRingDeleteResponse (16 B, reconstructed): device -> host.
type FlowRingDeleteResponse struct {
	Common      CommonHeader
	Completion  CompletionHeader
	FlowRingIdx uint16
	_Reserved   uint16
}

const FlowRingDeleteResponseSize = 16

var _ [FlowRingDeleteResponseSize]byte = [unsafe.Sizeof(FlowRingDeleteResponse{})]byte{}

// TxCompleteRecord (12 B): device -> host on the TX complete ring,
// acknowledging one transmitted frame. Common.RequestID carries the TX
// pool slot index so the buffer can be reclaimed.
type TxCompleteRecord struct {
	Common     CommonHeader
	Completion CompletionHeader
}

const TxCompleteRecordSize = 12

var _ [TxCompleteRecordSize]byte = [unsafe.Sizeof(TxCompleteRecord{})]byte{}

// RxCompleteRecord (16 B): device -> host on the RX complete ring,
// reporting one received frame. Common.RequestID carries the RX pool slot
// index the data landed in.
type RxCompleteRecord struct {
	Common     CommonHeader
	Completion CompletionHeader
	DataLen    uint16
	_Reserved  uint16
}

const RxCompleteRecordSize = 16

var _ [RxCompleteRecordSize]byte = [unsafe.Sizeof(RxCompleteRecord{})]byte{}
