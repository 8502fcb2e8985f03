package rtpout

import (
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPushFrameWireFormat(t *testing.T) {
	recv, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer recv.Close()

	info := StreamInfo{
		IP:          "127.0.0.1",
		Port:        recv.LocalAddr().(*net.UDPAddr).Port,
		SSRC:        0x1234,
		PayloadType: 111,
		Bitrate:     96000,
	}
	sess, err := Dial(info, zap.NewNop())
	require.NoError(t, err)
	defer sess.Close()

	payload := []byte{0xF8, 0xFF, 0xFE} // opus silence frame
	require.NoError(t, sess.PushFrame(payload, 96000))
	require.NoError(t, sess.PushFrame(payload, 96000+1920))

	buf := make([]byte, MTU)
	recv.SetReadDeadline(time.Now().Add(2 * time.Second))

	var pkt rtp.Packet
	n, _, err := recv.ReadFromUDP(buf)
	require.NoError(t, err)
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	assert.Equal(t, uint8(2), pkt.Version)
	assert.Equal(t, uint8(111), pkt.PayloadType)
	assert.Equal(t, uint32(0x1234), pkt.SSRC)
	assert.Equal(t, uint32(96000), pkt.Timestamp)
	assert.Equal(t, payload, pkt.Payload)
	firstSeq := pkt.SequenceNumber

	n, _, err = recv.ReadFromUDP(buf)
	require.NoError(t, err)
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	assert.Equal(t, uint32(96000+1920), pkt.Timestamp)
	assert.Equal(t, firstSeq+1, pkt.SequenceNumber, "sequence numbers advance by one")
}

func TestPushFrameRefusesOversizedPayload(t *testing.T) {
	recv, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer recv.Close()

	sess, err := Dial(StreamInfo{
		IP:          "127.0.0.1",
		Port:        recv.LocalAddr().(*net.UDPAddr).Port,
		PayloadType: 111,
	}, zap.NewNop())
	require.NoError(t, err)
	defer sess.Close()

	assert.ErrorIs(t, sess.PushFrame(make([]byte, MTU), 0), ErrFrameTooLarge)
}
