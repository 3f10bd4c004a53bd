package network

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
)

const ReadBufferSize = 32 * 1024

// Source listens on a UDP socket for decoder detection packets and invokes
// the matching callback for each one, until RequestDisconnect is called or
// the read times out.
//
// It is the transport adapter for the ingest pipeline: it knows nothing
// about tags' meaning, dedup, or routing — it only turns bytes on the wire
// into OnPass/OnHeartbeat calls, same division of labor as the broadcasting
// client it's descended from.
type Source struct {
	Logger zerolog.Logger

	// OnPass is called for every successfully decoded DetectionMsgType
	// packet.
	OnPass func(DetectionPacket)

	// OnHeartbeat is called for every HeartbeatMsgType packet.
	OnHeartbeat func()

	// OnDisconnected is called once listening stops, for any reason.
	OnDisconnected func()

	conn *net.UDPConn

	timeOutDuration time.Duration
	stopListening   bool
}

// ListenAndCallback binds addr and dispatches decoded packets until the
// read times out (no packet received within timeoutMs) or
// RequestDisconnect is called.
func (s *Source) ListenAndCallback(addr string, timeoutMs int32) (success bool, errMsg string) {
	s.timeOutDuration = time.Duration(timeoutMs) * time.Millisecond
	s.stopListening = false

	success, errMsg = s.bind(addr)
	if success {
		success, errMsg = s.listen()
	}
	s.close()

	s.Logger.Info().Msg("ingest source stopped listening")
	return success, errMsg
}

// RequestDisconnect asks ListenAndCallback to stop at the next read
// boundary. It may take up to the configured timeout before the read loop
// notices.
func (s *Source) RequestDisconnect() {
	s.stopListening = true
}

func (s *Source) bind(addr string) (success bool, errMsg string) {
	s.Logger.Info().Msgf("ingest source binding %s", addr)

	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		s.Logger.Error().Int(Code, ErrorAddressNotResolved).Msgf("error resolving address: %v", err)
		return false, fmt.Sprintf("resolve %s: %v", addr, err)
	}

	s.conn, err = net.ListenUDP("udp", raddr)
	if err != nil {
		s.Logger.Error().Int(Code, ErrorSetupUDPConnection).Msgf("error binding socket: %v", err)
		return false, fmt.Sprintf("bind %s: %v", addr, err)
	}
	return true, ""
}

func (s *Source) listen() (success bool, errMsg string) {
	success = true
	var readArray [ReadBufferSize]byte

	for !s.stopListening {
		s.conn.SetDeadline(time.Now().Add(s.timeOutDuration))
		n, _, err := s.conn.ReadFromUDP(readArray[:])
		if err != nil {
			success = false
			s.stopListening = true
			s.Logger.Error().Int(Code, ErrorReadTimeout).Msgf("decoder silent for %dms: %v", s.timeOutDuration/time.Millisecond, err)
			break
		}
		if n == ReadBufferSize {
			s.Logger.Error().Int(Code, ErrorMalformedPacket).Msg("packet filled the read buffer, dropping")
			continue
		}

		readBuf := bytes.NewBuffer(readArray[:n])
		msgType, err := readBuf.ReadByte()
		if err != nil {
			s.Logger.Error().Int(Code, ErrorMalformedPacket).Msg("packet too short to contain a message type")
			continue
		}

		switch msgType {
		case DetectionMsgType:
			pkt, ok := UnmarshalDetection(readBuf)
			if !ok {
				s.Logger.Error().Int(Code, ErrorMalformedPacket).Msg("malformed detection packet, dropped")
				continue
			}
			if s.OnPass != nil {
				s.OnPass(pkt)
			}

		case HeartbeatMsgType:
			if s.OnHeartbeat != nil {
				s.OnHeartbeat()
			}

		default:
			s.Logger.Warn().Msgf("unrecognised message type %d", msgType)
		}
	}

	return success, errMsg
}

func (s *Source) close() {
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.Logger.Warn().Msgf("error while closing ingest socket: %v", err)
		}
		s.conn = nil
	}
	if s.OnDisconnected != nil {
		s.OnDisconnected()
	}
}
