package control

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omni-media/omnistream/internal/engine"
	"github.com/omni-media/omnistream/internal/fetch"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"hello":"world"}`)
	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	logger := zap.NewNop()
	driver := fetch.NewDriver(2, logger)
	t.Cleanup(driver.Stop)
	reg := engine.NewRegistry(driver, engine.Options{DefaultBufferSize: 1024 * 1024}, logger)
	t.Cleanup(reg.Shutdown)
	return NewDispatcher(reg, logger)
}

func dispatch(t *testing.T, d *Dispatcher, req Request) Response {
	t.Helper()
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	var res Response
	require.NoError(t, json.Unmarshal(d.Dispatch(raw), &res))
	return res
}

func TestDispatchUnknownStreamIsNotFound(t *testing.T) {
	d := newTestDispatcher(t)

	res := dispatch(t, d, Request{Stream: &StreamRequest{
		Info:      StreamRequestInfo{StreamID: "missing"},
		GetStream: &GetStreamPayload{},
	}})
	assert.Equal(t, CodeNotFound, res.Code)
	assert.Equal(t, "missing", res.StreamID)

	res = dispatch(t, d, Request{Stream: &StreamRequest{
		Info:         StreamRequestInfo{StreamID: "missing"},
		RemoveStream: &RemoveStreamPayload{},
	}})
	assert.Equal(t, CodeNotFound, res.Code)

	res = dispatch(t, d, Request{Stream: &StreamRequest{
		Info:         StreamRequestInfo{StreamID: "missing"},
		UpdateStream: &UpdateStreamPayload{SetVolume: &SetVolumePayload{Volume: 0.5}},
	}})
	assert.Equal(t, CodeNotFound, res.Code)
}

func TestDispatchGeneratesResponseID(t *testing.T) {
	d := newTestDispatcher(t)

	res := dispatch(t, d, Request{Stream: &StreamRequest{
		Info:      StreamRequestInfo{StreamID: "x"},
		GetStream: &GetStreamPayload{},
	}})
	assert.Len(t, res.ID, 16, "server generates a 16-byte id")
	assert.InDelta(t, time.Now().UnixMilli(), res.TimestampMS, 5000)

	// A supplied 16-byte id is echoed back.
	id := bytes.Repeat([]byte{7}, 16)
	res = dispatch(t, d, Request{RequestID: id, Stream: &StreamRequest{
		Info:      StreamRequestInfo{StreamID: "x"},
		GetStream: &GetStreamPayload{},
	}})
	assert.Equal(t, id, res.ID)
}

func TestDispatchMalformedRequest(t *testing.T) {
	d := newTestDispatcher(t)
	var res Response
	require.NoError(t, json.Unmarshal(d.Dispatch([]byte("{not json")), &res))
	assert.Equal(t, CodeError, res.Code)

	res = dispatch(t, d, Request{})
	assert.Equal(t, CodeError, res.Code)
}

// hangingMediaServer serves URLs that accept and then stall, so task
// cycles stay in-flight for the duration of a test.
func hangingMediaServer(t *testing.T) *httptest.Server {
	t.Helper()
	hang := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
		w.(http.Flusher).Flush()
		<-hang
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(hang) })
	return srv
}

func TestStartStreamAndPlaylistFlow(t *testing.T) {
	d := newTestDispatcher(t)
	media := hangingMediaServer(t)

	// Destination socket so the RTP dial succeeds.
	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer udp.Close()

	start := Request{Stream: &StreamRequest{
		Info: StreamRequestInfo{StreamID: "s1"},
		StartStream: &StartStreamPayload{
			StreamInfo: StreamInfo{
				IP:        "127.0.0.1",
				Port:      udp.LocalAddr().(*net.UDPAddr).Port,
				AudioSSRC: 0x42,
				AudioPT:   111,
				Bitrate:   96000,
			},
			OrderList: []OrderItem{
				{TaskID: "t1", URL: media.URL + "/a.mp3", Type: "FILE"},
				{TaskID: "t2", URL: media.URL + "/b.mp3", Type: "FILE"},
			},
		},
	}}
	res := dispatch(t, d, start)
	require.Equal(t, CodeSuccess, res.Code, res.Message)

	// Duplicate start is an error.
	res = dispatch(t, d, start)
	assert.Equal(t, CodeError, res.Code)

	// get_play_list returns the starting order.
	res = dispatch(t, d, Request{Stream: &StreamRequest{
		Info:        StreamRequestInfo{StreamID: "s1"},
		GetPlayList: &GetPlayListPayload{},
	}})
	require.Equal(t, CodeSuccess, res.Code)
	require.NotNil(t, res.PlayListResponse)
	assert.Equal(t, []string{"t1", "t2"}, res.PlayListResponse.OrderList)

	// update_play_list replaces the order and echoes it back.
	res = dispatch(t, d, Request{Stream: &StreamRequest{
		Info: StreamRequestInfo{StreamID: "s1"},
		UpdatePlayList: &UpdatePlayListPayload{OrderList: []OrderItem{
			{TaskID: "t2", URL: media.URL + "/b.mp3", Type: "FILE"},
			{TaskID: "t3", URL: media.URL + "/c.mp3", Type: "CACHED"},
		}},
	}})
	require.Equal(t, CodeSuccess, res.Code, res.Message)
	require.NotNil(t, res.PlayListResponse)
	assert.Equal(t, []string{"t2", "t3"}, res.PlayListResponse.OrderList)

	// Setting the same volume twice succeeds both times.
	for i := 0; i < 2; i++ {
		res = dispatch(t, d, Request{Stream: &StreamRequest{
			Info:         StreamRequestInfo{StreamID: "s1"},
			UpdateStream: &UpdateStreamPayload{SetVolume: &SetVolumePayload{Volume: 0.50499}},
		}})
		require.Equal(t, CodeSuccess, res.Code)
	}
	res = dispatch(t, d, Request{Stream: &StreamRequest{
		Info:      StreamRequestInfo{StreamID: "s1"},
		GetStream: &GetStreamPayload{},
	}})
	require.Equal(t, CodeSuccess, res.Code)

	// remove_stream succeeds once, then reports not found.
	res = dispatch(t, d, Request{Stream: &StreamRequest{
		Info:         StreamRequestInfo{StreamID: "s1"},
		RemoveStream: &RemoveStreamPayload{},
	}})
	assert.Equal(t, CodeSuccess, res.Code)
	res = dispatch(t, d, Request{Stream: &StreamRequest{
		Info:         StreamRequestInfo{StreamID: "s1"},
		RemoveStream: &RemoveStreamPayload{},
	}})
	assert.Equal(t, CodeNotFound, res.Code)
}

func TestServerRoundTripAndPublish(t *testing.T) {
	logger := zap.NewNop()
	driver := fetch.NewDriver(2, logger)
	defer driver.Stop()
	reg := engine.NewRegistry(driver, engine.Options{DefaultBufferSize: 1024 * 1024}, logger)
	defer reg.Shutdown()

	media := hangingMediaServer(t)
	srv := NewServer(reg, logger)
	require.NoError(t, srv.Start("127.0.0.1:0", "127.0.0.1:0"))
	defer srv.Close()

	// Subscriber first, so it sees events.
	sub, err := net.Dial("tcp", srv.PublishAddr().String())
	require.NoError(t, err)
	defer sub.Close()

	conn, err := net.Dial("tcp", srv.ControlAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer udp.Close()

	raw, _ := json.Marshal(Request{Stream: &StreamRequest{
		Info: StreamRequestInfo{StreamID: "pub-1"},
		StartStream: &StartStreamPayload{
			StreamInfo: StreamInfo{
				IP:        "127.0.0.1",
				Port:      udp.LocalAddr().(*net.UDPAddr).Port,
				AudioSSRC: 9, AudioPT: 111, Bitrate: 64000,
			},
			OrderList: []OrderItem{{TaskID: "t1", URL: media.URL + "/x.mp3", Type: "FILE"}},
		},
	}})
	require.NoError(t, WriteFrame(conn, raw))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	frame, err := ReadFrame(conn)
	require.NoError(t, err)
	var res Response
	require.NoError(t, json.Unmarshal(frame, &res))
	assert.Equal(t, CodeSuccess, res.Code, res.Message)

	// The start publishes a play-list event tagged with the routing
	// identity.
	sub.SetReadDeadline(time.Now().Add(5 * time.Second))
	eventFrame, err := ReadFrame(sub)
	require.NoError(t, err)
	var evt PublishMessage
	require.NoError(t, json.Unmarshal(eventFrame, &evt))
	assert.Equal(t, RoutingIdentity, evt.RoutingID)
	assert.Equal(t, "pub-1", evt.StreamID)
}
