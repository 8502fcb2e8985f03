// Package rtpout is the wire side of a stream: a UDP socket plus the
// RTP packetization for Opus payloads. The pipeline depends only on
// PushFrame; timestamps are owned by the sender, sequence numbers by
// the session.
package rtpout

import (
	"errors"
	"fmt"
	"net"

	"github.com/pion/rtp"
	"go.uber.org/zap"
)

const (
	// ClockRate is the RTP clock for Opus.
	ClockRate = 48000
	// MTU bounds a full RTP packet; the receiver does not reassemble
	// fragments, so oversized frames are refused.
	MTU = 1408

	rtpHeaderSize = 12
)

// ErrFrameTooLarge reports a payload that cannot fit the MTU.
var ErrFrameTooLarge = errors.New("rtpout: frame exceeds mtu")

// StreamInfo is the channel description a stream is started with.
type StreamInfo struct {
	IP          string
	Port        int
	RTCPPort    int
	SSRC        uint32
	PayloadType uint8
	Bitrate     int
	RTCPMux     bool
}

// Session owns the socket and per-stream RTP state for one destination.
// PushFrame is only ever called from the sender goroutine.
type Session struct {
	conn   *net.UDPConn
	info   StreamInfo
	seq    uint16
	logger *zap.Logger

	scratch []byte
}

// Dial opens the UDP session to the destination in info.
func Dial(info StreamInfo, logger *zap.Logger) (*Session, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", info.IP, info.Port))
	if err != nil {
		return nil, fmt.Errorf("resolve rtp destination: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial rtp destination: %w", err)
	}
	return &Session{
		conn:    conn,
		info:    info,
		logger:  logger.With(zap.String("dest", addr.String()), zap.Uint32("ssrc", info.SSRC)),
		scratch: make([]byte, MTU),
	}, nil
}

// Info returns the channel description the session was created with.
func (s *Session) Info() StreamInfo { return s.info }

// PushFrame transmits one Opus frame at the given RTP timestamp.
func (s *Session) PushFrame(payload []byte, timestamp uint32) error {
	if len(payload)+rtpHeaderSize > MTU {
		return ErrFrameTooLarge
	}
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    s.info.PayloadType,
			SequenceNumber: s.seq,
			Timestamp:      timestamp,
			SSRC:           s.info.SSRC,
		},
		Payload: payload,
	}
	n, err := pkt.MarshalTo(s.scratch)
	if err != nil {
		return fmt.Errorf("marshal rtp packet: %w", err)
	}
	if _, err := s.conn.Write(s.scratch[:n]); err != nil {
		return fmt.Errorf("send rtp packet: %w", err)
	}
	s.seq++
	return nil
}

// Close releases the socket.
func (s *Session) Close() error {
	return s.conn.Close()
}
