package network

import (
	"bytes"
	"encoding/binary"

	"github.com/rs/zerolog/log"
)

// ProtocolVersion names the revision of the packet layout below. Packets do
// not carry it, and Source does not check it.
const ProtocolVersion byte = 1

// InboundMessageTypes identifies the first byte of every packet a Source
// reads from the wire.
type InboundMessageTypes = byte

const (
	// DetectionMsgType carries a single transponder detection: a tag, the
	// device that saw it, and the device's own millisecond timestamp.
	DetectionMsgType InboundMessageTypes = 1
	// HeartbeatMsgType carries no payload; it lets a decoder announce
	// liveness between detections so a Source can tell "quiet track" from
	// "dead decoder".
	HeartbeatMsgType InboundMessageTypes = 2
)

// DetectionPacket is the decoded form of a DetectionMsgType packet.
type DetectionPacket struct {
	DeviceID   int32
	Tag        string
	DeviceMs   uint32
	HasLapTime bool
	LapTimeS   float32
}

// MarshalDetection encodes a detection packet. It exists mainly for tests
// and the bundled synthetic decoder in cmd/ingestclient; a real decoder
// speaks this format over its own UDP socket.
func MarshalDetection(buffer *bytes.Buffer, pkt DetectionPacket) (ok bool) {
	ok = writeByteBuffer(buffer, DetectionMsgType)
	ok = ok && writeBuffer(buffer, pkt.DeviceID)
	ok = ok && writeString(buffer, pkt.Tag)
	ok = ok && writeBuffer(buffer, pkt.DeviceMs)
	ok = ok && writeByteBuffer(buffer, boolByte(pkt.HasLapTime))
	if pkt.HasLapTime {
		ok = ok && writeBuffer(buffer, pkt.LapTimeS)
	}
	return ok
}

// UnmarshalDetection decodes everything in a DetectionMsgType packet after
// the leading message-type byte has already been consumed.
func UnmarshalDetection(buffer *bytes.Buffer) (pkt DetectionPacket, ok bool) {
	ok = readBuffer(buffer, &pkt.DeviceID)
	ok = ok && readString(buffer, &pkt.Tag)
	ok = ok && readBuffer(buffer, &pkt.DeviceMs)
	var hasLap byte
	ok = ok && readBuffer(buffer, &hasLap)
	pkt.HasLapTime = hasLap != 0
	if ok && pkt.HasLapTime {
		ok = ok && readBuffer(buffer, &pkt.LapTimeS)
	}
	return pkt, ok
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func writeByteBuffer(buffer *bytes.Buffer, b byte) bool {
	err := buffer.WriteByte(b)
	if err != nil {
		log.Error().Msgf("network: writeByteBuffer: %v", err)
		return false
	}
	return true
}

func writeBuffer(buffer *bytes.Buffer, data interface{}) bool {
	err := binary.Write(buffer, binary.LittleEndian, data)
	if err != nil {
		log.Error().Msgf("network: writeBuffer: %v", err)
		return false
	}
	return true
}

func readBuffer(buffer *bytes.Buffer, data interface{}) bool {
	err := binary.Read(buffer, binary.LittleEndian, data)
	if err != nil {
		log.Error().Msgf("network: readBuffer: %v: %+v", err, data)
		return false
	}
	return true
}

func writeString(buffer *bytes.Buffer, s string) bool {
	length := int16(len(s))
	if err := binary.Write(buffer, binary.LittleEndian, length); err != nil {
		log.Error().Msgf("network: writeString: %v", err)
		return false
	}
	buffer.Write([]byte(s))
	return true
}

func readString(buffer *bytes.Buffer, s *string) bool {
	var length int16
	if err := binary.Read(buffer, binary.LittleEndian, &length); err != nil {
		log.Error().Msgf("network: readString: %v", err)
		return false
	}
	if length < 0 {
		log.Error().Msgf("network: readString: negative length %d", length)
		return false
	}
	stringBuffer := make([]byte, length)
	if err := binary.Read(buffer, binary.LittleEndian, &stringBuffer); err != nil {
		log.Error().Msgf("network: readString body: %v", err)
		return false
	}
	*s = string(stringBuffer)
	return true
}
