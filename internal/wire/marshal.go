package wire

import "encoding/binary"

// Marshal packs v into its wire representation. Supported types are listed
// explicitly rather than handled through reflection, matching how this
// firmware ABI's handful of record shapes are packed elsewhere in this
// tree: a type switch over known layouts, each with a hand-written,
// field-by-field binary.LittleEndian encoder.
func Marshal(v interface{}) []byte {
	switch t := v.(type) {
	case *CommonHeader:
		return marshalCommonHeader(t)
	case *IoctlRequest:
		return marshalIoctlRequest(t)
	case *IoctlResponse:
		return marshalIoctlResponse(t)
	case *IoctlOrEventBufferPost:
		return marshalIoctlOrEventBufferPost(t)
	case *RxBufferPost:
		return marshalRxBufferPost(t)
	case *TxRequest:
		return marshalTxRequest(t)
	case *FlowRingCreateRequest:
		return marshalFlowRingCreateRequest(t)
	case *FlowRingCreateResponse:
		return marshalFlowRingCreateResponse(t)
	case *FlowRingDeleteRequest:
		return marshalFlowRingDeleteRequest(t)
	case *FlowRingDeleteResponse:
		return marshalFlowRingDeleteResponse(t)
	case *TxCompleteRecord:
		return marshalTxCompleteRecord(t)
	case *RxCompleteRecord:
		return marshalRxCompleteRecord(t)
	default:
		panic("wire: Marshal: unsupported type")
	}
}

func putCommonHeader(b []byte, h CommonHeader) {
	b[0] = byte(h.MsgType)
	b[1] = h.IfIdx
	b[2] = h.Flags
	b[3] = h._Reserved
	binary.LittleEndian.PutUint32(b[4:8], h.RequestID)
}

func getCommonHeader(b []byte) CommonHeader {
	return CommonHeader{
		MsgType:   MsgType(b[0]),
		IfIdx:     b[1],
		Flags:     b[2],
		_Reserved: b[3],
		RequestID: binary.LittleEndian.Uint32(b[4:8]),
	}
}

func putCompletionHeader(b []byte, h CompletionHeader) {
	binary.LittleEndian.PutUint16(b[0:2], uint16(h.Status))
	binary.LittleEndian.PutUint16(b[2:4], h.FlowRingID)
}

func getCompletionHeader(b []byte) CompletionHeader {
	return CompletionHeader{
		Status:     int16(binary.LittleEndian.Uint16(b[0:2])),
		FlowRingID: binary.LittleEndian.Uint16(b[2:4]),
	}
}

func marshalCommonHeader(h *CommonHeader) []byte {
	b := make([]byte, CommonHeaderSize)
	putCommonHeader(b, *h)
	return b
}

func marshalIoctlRequest(r *IoctlRequest) []byte {
	b := make([]byte, IoctlRequestSize)
	putCommonHeader(b[0:8], r.Common)
	binary.LittleEndian.PutUint32(b[8:12], r.Cmd)
	binary.LittleEndian.PutUint16(b[12:14], r.TransID)
	binary.LittleEndian.PutUint16(b[14:16], r.InputLen)
	binary.LittleEndian.PutUint16(b[16:18], r.OutputLen)
	// b[18:24] is reserved, left zero.
	binary.LittleEndian.PutUint64(b[24:32], r.ReqBufAddr)
	// b[32:40] is reserved, left zero.
	return b
}

func unmarshalIoctlRequest(b []byte) IoctlRequest {
	return IoctlRequest{
		Common:     getCommonHeader(b[0:8]),
		Cmd:        binary.LittleEndian.Uint32(b[8:12]),
		TransID:    binary.LittleEndian.Uint16(b[12:14]),
		InputLen:   binary.LittleEndian.Uint16(b[14:16]),
		OutputLen:  binary.LittleEndian.Uint16(b[16:18]),
		ReqBufAddr: binary.LittleEndian.Uint64(b[24:32]),
	}
}

func marshalIoctlResponse(r *IoctlResponse) []byte {
	b := make([]byte, IoctlResponseSize)
	putCommonHeader(b[0:8], r.Common)
	putCompletionHeader(b[8:12], r.Completion)
	binary.LittleEndian.PutUint16(b[12:14], r.RespLen)
	binary.LittleEndian.PutUint16(b[14:16], r.TransID)
	binary.LittleEndian.PutUint32(b[16:20], r.Cmd)
	return b
}

func unmarshalIoctlResponse(b []byte) IoctlResponse {
	return IoctlResponse{
		Common:     getCommonHeader(b[0:8]),
		Completion: getCompletionHeader(b[8:12]),
		RespLen:    binary.LittleEndian.Uint16(b[12:14]),
		TransID:    binary.LittleEndian.Uint16(b[14:16]),
		Cmd:        binary.LittleEndian.Uint32(b[16:20]),
	}
}

func marshalIoctlOrEventBufferPost(r *IoctlOrEventBufferPost) []byte {
	b := make([]byte, IoctlOrEventBufferPostSize)
	putCommonHeader(b[0:8], r.Common)
	binary.LittleEndian.PutUint64(b[8:16], r.HostBufAddr)
	binary.LittleEndian.PutUint16(b[16:18], r.HostBufLen)
	return b
}

func unmarshalIoctlOrEventBufferPost(b []byte) IoctlOrEventBufferPost {
	return IoctlOrEventBufferPost{
		Common:      getCommonHeader(b[0:8]),
		HostBufAddr: binary.LittleEndian.Uint64(b[8:16]),
		HostBufLen:  binary.LittleEndian.Uint16(b[16:18]),
	}
}

func marshalRxBufferPost(r *RxBufferPost) []byte {
	b := make([]byte, RxBufferPostSize)
	putCommonHeader(b[0:8], r.Common)
	binary.LittleEndian.PutUint16(b[8:10], r.MetadataLen)
	binary.LittleEndian.PutUint16(b[10:12], r.DataLen)
	binary.LittleEndian.PutUint64(b[16:24], r.MetadataAddr)
	binary.LittleEndian.PutUint64(b[24:32], r.DataAddr)
	return b
}

func unmarshalRxBufferPost(b []byte) RxBufferPost {
	return RxBufferPost{
		Common:       getCommonHeader(b[0:8]),
		MetadataLen:  binary.LittleEndian.Uint16(b[8:10]),
		DataLen:      binary.LittleEndian.Uint16(b[10:12]),
		MetadataAddr: binary.LittleEndian.Uint64(b[16:24]),
		DataAddr:     binary.LittleEndian.Uint64(b[24:32]),
	}
}

func marshalTxRequest(r *TxRequest) []byte {
	b := make([]byte, TxRequestSize)
	putCommonHeader(b[0:8], r.Common)
	copy(b[8:8+TxHeaderSize], r.TxHdr[:])
	off := 8 + TxHeaderSize
	binary.LittleEndian.PutUint16(b[off:off+2], r.DataLen)
	b[off+2] = r.SegCnt
	b[off+3] = r.Flags
	binary.LittleEndian.PutUint64(b[off+4:off+12], r.DataBufAddr)
	return b
}

func unmarshalTxRequest(b []byte) TxRequest {
	var hdr [TxHeaderSize]byte
	copy(hdr[:], b[8:8+TxHeaderSize])
	off := 8 + TxHeaderSize
	return TxRequest{
		Common:      getCommonHeader(b[0:8]),
		TxHdr:       hdr,
		DataLen:     binary.LittleEndian.Uint16(b[off : off+2]),
		SegCnt:      b[off+2],
		Flags:       b[off+3],
		DataBufAddr: binary.LittleEndian.Uint64(b[off+4 : off+12]),
	}
}

func marshalFlowRingCreateRequest(r *FlowRingCreateRequest) []byte {
	b := make([]byte, FlowRingCreateRequestSize)
	putCommonHeader(b[0:8], r.Common)
	copy(b[8:14], r.DA[:])
	copy(b[14:20], r.SA[:])
	b[20] = r.TID
	b[21] = r.IfFlags
	binary.LittleEndian.PutUint16(b[22:24], r.FlowRingIdx)
	binary.LittleEndian.PutUint32(b[24:28], r.MaxItems)
	binary.LittleEndian.PutUint16(b[28:30], r.LenItem)
	return b
}

func unmarshalFlowRingCreateRequest(b []byte) FlowRingCreateRequest {
	var da, sa [6]byte
	copy(da[:], b[8:14])
	copy(sa[:], b[14:20])
	return FlowRingCreateRequest{
		Common:      getCommonHeader(b[0:8]),
		DA:          da,
		SA:          sa,
		TID:         b[20],
		IfFlags:     b[21],
		FlowRingIdx: binary.LittleEndian.Uint16(b[22:24]),
		MaxItems:    binary.LittleEndian.Uint32(b[24:28]),
		LenItem:     binary.LittleEndian.Uint16(b[28:30]),
	}
}

func marshalFlowRingCreateResponse(r *FlowRingCreateResponse) []byte {
	b := make([]byte, FlowRingCreateResponseSize)
	putCommonHeader(b[0:8], r.Common)
	putCompletionHeader(b[8:12], r.Completion)
	binary.LittleEndian.PutUint16(b[12:14], r.FlowRingIdx)
	return b
}

func unmarshalFlowRingCreateResponse(b []byte) FlowRingCreateResponse {
	return FlowRingCreateResponse{
		Common:      getCommonHeader(b[0:8]),
		Completion:  getCompletionHeader(b[8:12]),
		FlowRingIdx: binary.LittleEndian.Uint16(b[12:14]),
	}
}

func marshalFlowRingDeleteRequest(r *FlowRingDeleteRequest) []byte {
	b := make([]byte, FlowRingDeleteRequestSize)
	putCommonHeader(b[0:8], r.Common)
	return b
}

func unmarshalFlowRingDeleteRequest(b []byte) FlowRingDeleteRequest {
	return FlowRingDeleteRequest{Common: getCommonHeader(b[0:8])}
}

func marshalFlowRingDeleteResponse(r *FlowRingDeleteResponse) []byte {
	b := make([]byte, FlowRingDeleteResponseSize)
	putCommonHeader(b[0:8], r.Common)
	putCompletionHeader(b[8:12], r.Completion)
	binary.LittleEndian.PutUint16(b[12:14], r.FlowRingIdx)
	return b
}

func unmarshalFlowRingDeleteResponse(b []byte) FlowRingDeleteResponse {
	return FlowRingDeleteResponse{
		Common:      getCommonHeader(b[0:8]),
		Completion:  getCompletionHeader(b[8:12]),
		FlowRingIdx: binary.LittleEndian.Uint16(b[12:14]),
	}
}

func marshalTxCompleteRecord(r *TxCompleteRecord) []byte {
	b := make([]byte, TxCompleteRecordSize)
	putCommonHeader(b[0:8], r.Common)
	putCompletionHeader(b[8:12], r.Completion)
	return b
}

func unmarshalTxCompleteRecord(b []byte) TxCompleteRecord {
	return TxCompleteRecord{
		Common:     getCommonHeader(b[0:8]),
		Completion: getCompletionHeader(b[8:12]),
	}
}

func marshalRxCompleteRecord(r *RxCompleteRecord) []byte {
	b := make([]byte, RxCompleteRecordSize)
	putCommonHeader(b[0:8], r.Common)
	putCompletionHeader(b[8:12], r.Completion)
	binary.LittleEndian.PutUint16(b[12:14], r.DataLen)
	return b
}

func unmarshalRxCompleteRecord(b []byte) RxCompleteRecord {
	return RxCompleteRecord{
		Common:     getCommonHeader(b[0:8]),
		Completion: getCompletionHeader(b[8:12]),
		DataLen:    binary.LittleEndian.Uint16(b[12:14]),
	}
}

// Unmarshal unpacks b into the type named by out, which must be a pointer
// to one of the types Marshal supports, and assigns through it.
func Unmarshal(b []byte, out interface{}) {
	switch t := out.(type) {
	case *CommonHeader:
		*t = getCommonHeader(b)
	case *IoctlRequest:
		*t = unmarshalIoctlRequest(b)
	case *IoctlResponse:
		*t = unmarshalIoctlResponse(b)
	case *IoctlOrEventBufferPost:
		*t = unmarshalIoctlOrEventBufferPost(b)
	case *RxBufferPost:
		*t = unmarshalRxBufferPost(b)
	case *TxRequest:
		*t = unmarshalTxRequest(b)
	case *FlowRingCreateRequest:
		*t = unmarshalFlowRingCreateRequest(b)
	case *FlowRingCreateResponse:
		*t = unmarshalFlowRingCreateResponse(b)
	case *FlowRingDeleteRequest:
		*t = unmarshalFlowRingDeleteRequest(b)
	case *FlowRingDeleteResponse:
		*t = unmarshalFlowRingDeleteResponse(b)
	case *TxCompleteRecord:
		*t = unmarshalTxCompleteRecord(b)
	case *RxCompleteRecord:
		*t = unmarshalRxCompleteRecord(b)
	default:
		panic("wire: Unmarshal: unsupported type")
	}
}
