// Package protocol implements the market wire protocol.
//
// A frame is a 4-byte big-endian length followed by that many bytes of UTF-8
// JSON:
//
//	{"type": "<wire type>", "data": {...}, "sender_id": "<node id>"}
//
// The data object is decoded into a typed payload per message type, and the
// fields each type requires are checked at decode time.
package protocol
