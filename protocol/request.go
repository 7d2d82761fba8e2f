package protocol

import (
	"fmt"
)

// RequestKind is the wire-stable enumeration of envelope request kinds.
// Values must never be reordered.
type RequestKind int32

const (
	RequestKind_FireServer    RequestKind = 0
	RequestKind_InvokeServer  RequestKind = 1
	RequestKind_FireClient    RequestKind = 2
	RequestKind_InvokeClient  RequestKind = 3
	RequestKind_GetChildren   RequestKind = 4
	RequestKind_ChildAdded    RequestKind = 5
	RequestKind_ChildRemoved  RequestKind = 6
	RequestKind_GetTags       RequestKind = 7
	RequestKind_GetProperties RequestKind = 8
	RequestKind_UpdateTag     RequestKind = 9
)

var RequestKind_name = map[RequestKind]string{
	RequestKind_FireServer:    "FireServer",
	RequestKind_InvokeServer:  "InvokeServer",
	RequestKind_FireClient:    "FireClient",
	RequestKind_InvokeClient:  "InvokeClient",
	RequestKind_GetChildren:   "GetChildren",
	RequestKind_ChildAdded:    "ChildAdded",
	RequestKind_ChildRemoved:  "ChildRemoved",
	RequestKind_GetTags:       "GetTags",
	RequestKind_GetProperties: "GetProperties",
	RequestKind_UpdateTag:     "UpdateTag",
}

func (self RequestKind) IsValid() bool {
	_, ok := RequestKind_name[self]
	return ok
}

func (self RequestKind) String() string {
	if name, ok := RequestKind_name[self]; ok {
		return name
	}
	return fmt.Sprintf("RequestKind(%d)", int32(self))
}

// FrameType is the mux frame type. Zero is reserved so that an encoded frame is never empty.
type FrameType int32

const (
	FrameType_Unknown FrameType = 0
	FrameType_Open    FrameType = 1
	FrameType_Close   FrameType = 2
	FrameType_Move    FrameType = 3
	FrameType_Data    FrameType = 4
)

var FrameType_name = map[FrameType]string{
	FrameType_Unknown: "Unknown",
	FrameType_Open:    "Open",
	FrameType_Close:   "Close",
	FrameType_Move:    "Move",
	FrameType_Data:    "Data",
}

func (self FrameType) String() string {
	if name, ok := FrameType_name[self]; ok {
		return name
	}
	return fmt.Sprintf("FrameType(%d)", int32(self))
}
