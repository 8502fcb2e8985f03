package control

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omni-media/omnistream/internal/engine"
	"github.com/omni-media/omnistream/internal/playlist"
	"github.com/omni-media/omnistream/internal/rtpout"
)

// Dispatcher routes decoded requests to registry operations and builds
// the response envelope.
type Dispatcher struct {
	registry *engine.Registry
	logger   *zap.Logger
}

func NewDispatcher(registry *engine.Registry, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, logger: logger}
}

// Dispatch handles one raw request frame and returns the encoded
// response frame.
func (d *Dispatcher) Dispatch(raw []byte) []byte {
	var req Request
	res := &Response{Code: CodeSuccess, Message: "ok"}
	if err := json.Unmarshal(raw, &req); err != nil {
		res.Code = CodeError
		res.Message = "malformed request: " + err.Error()
		return d.finish(res, nil)
	}
	if req.Stream == nil {
		res.Code = CodeError
		res.Message = "missing stream_request"
		return d.finish(res, req.RequestID)
	}

	res.StreamID = req.Stream.Info.StreamID
	sr := req.Stream
	switch {
	case sr.StartStream != nil:
		d.handleStartStream(res, sr.StartStream)
	case sr.RemoveStream != nil:
		d.handleRemoveStream(res)
	case sr.UpdateStream != nil:
		d.handleUpdateStream(res, sr.UpdateStream)
		if res.Code == CodeSuccess {
			d.registry.Publish(res.StreamID, false)
		}
	case sr.GetStream != nil:
		d.handleGetStream(res)
	case sr.GetPlayList != nil:
		d.handleGetPlayList(res)
	case sr.UpdatePlayList != nil:
		d.handleUpdatePlayList(res, sr.UpdatePlayList)
	default:
		res.Code = CodeError
		res.Message = "unknown request type"
	}
	return d.finish(res, req.RequestID)
}

// finish stamps the response id and server time and encodes it. A
// 16-byte id is generated when the client did not supply one.
func (d *Dispatcher) finish(res *Response, requestID []byte) []byte {
	if len(requestID) == 16 {
		res.ID = requestID
	} else {
		id := uuid.New()
		res.ID = id[:]
	}
	res.TimestampMS = time.Now().UnixMilli()
	out, err := json.Marshal(res)
	if err != nil {
		d.logger.Error("encode response", zap.Error(err))
		return []byte(`{"code":"ERROR","message":"encode failure"}`)
	}
	return out
}

func orderItemsToTasks(items []OrderItem) ([]playlist.Task, []string) {
	tasks := make([]playlist.Task, 0, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		kind := playlist.TaskFile
		if item.Type == "CACHED" {
			kind = playlist.TaskCached
		}
		tasks = append(tasks, playlist.Task{
			Name:       item.TaskID,
			URL:        item.URL,
			Kind:       kind,
			StreamMode: item.UseStream,
		})
		order = append(order, item.TaskID)
	}
	return tasks, order
}

func taskToOrderItem(t *playlist.Task) *OrderItem {
	if t == nil {
		return nil
	}
	typ := "FILE"
	if t.Kind == playlist.TaskCached {
		typ = "CACHED"
	}
	return &OrderItem{TaskID: t.Name, URL: t.URL, Type: typ, UseStream: t.StreamMode}
}

func parseMode(s string) (playlist.Mode, bool) {
	switch s {
	case "fifo":
		return playlist.FIFO, true
	case "lifo":
		return playlist.LIFO, true
	case "round_robin":
		return playlist.RoundRobin, true
	case "random":
		return playlist.Random, true
	case "single_loop":
		return playlist.SingleLoop, true
	default:
		return 0, false
	}
}

func (d *Dispatcher) handleStartStream(res *Response, payload *StartStreamPayload) {
	info := rtpout.StreamInfo{
		IP:          payload.StreamInfo.IP,
		Port:        payload.StreamInfo.Port,
		RTCPPort:    payload.StreamInfo.RTCPPort,
		SSRC:        payload.StreamInfo.AudioSSRC,
		PayloadType: payload.StreamInfo.AudioPT,
		Bitrate:     payload.StreamInfo.Bitrate,
		RTCPMux:     payload.StreamInfo.RTCPMux,
	}
	tasks, order := orderItemsToTasks(payload.OrderList)
	if err := d.registry.StartStream(res.StreamID, info, tasks, order); err != nil {
		res.Code = CodeError
		res.Message = err.Error()
	}
}

func (d *Dispatcher) handleRemoveStream(res *Response) {
	if err := d.registry.StopStream(res.StreamID); err != nil {
		if errors.Is(err, engine.ErrStreamNotFound) {
			res.Code = CodeNotFound
		} else {
			res.Code = CodeError
		}
		res.Message = err.Error()
	}
}

func (d *Dispatcher) handleUpdateStream(res *Response, payload *UpdateStreamPayload) {
	inst, ok := d.registry.Get(res.StreamID)
	if !ok {
		res.Code = CodeNotFound
		res.Message = "stream not found"
		return
	}

	var err error
	switch {
	case payload.Seek != nil:
		err = inst.Seek(payload.Seek.Second)
	case payload.Skip != nil:
		err = inst.Skip(payload.Skip.Next, payload.Skip.Offset)
	case payload.SwitchPlayState != nil:
		switch payload.SwitchPlayState.PlayState {
		case "paused":
			inst.SetPlayState(engine.Paused)
		case "playing":
			inst.SetPlayState(engine.Playing)
		default:
			err = errors.New("unknown play state " + payload.SwitchPlayState.PlayState)
		}
	case payload.SwitchPlayMode != nil:
		mode, ok := parseMode(payload.SwitchPlayMode.PlayMode)
		if !ok {
			err = errors.New("unknown play mode " + payload.SwitchPlayMode.PlayMode)
		} else {
			inst.SetPlayMode(mode)
		}
	case payload.SetVolume != nil:
		inst.SetVolume(payload.SetVolume.Volume)
	default:
		err = errors.New("update_stream carries no action")
	}
	if err != nil {
		res.Code = CodeError
		res.Message = err.Error()
	}
}

func (d *Dispatcher) handleGetStream(res *Response) {
	inst, ok := d.registry.Get(res.StreamID)
	if !ok {
		res.Code = CodeNotFound
		res.Message = "stream not found"
		return
	}
	st := inst.Status()
	if st.Current == nil {
		// The stream exists but nothing is playing right now; this is
		// not a lookup failure.
		res.Message = "stream exists but has no running task"
		return
	}
	res.GetStreamResponse = &GetStreamResponse{
		StreamID:     res.StreamID,
		CurrentPlay:  taskToOrderItem(st.Current),
		TimePlayedMS: st.TimePlayedMS,
		TimeTotalMS:  st.TimeTotalMS,
		PlayState:    st.PlayState.String(),
		Volume:       st.Volume,
		PlayMode:     st.Mode.String(),
	}
}

func (d *Dispatcher) handleGetPlayList(res *Response) {
	inst, ok := d.registry.Get(res.StreamID)
	if !ok {
		res.Code = CodeNotFound
		res.Message = "stream not found"
		return
	}
	res.PlayListResponse = &PlayListResponse{
		StreamID:  res.StreamID,
		OrderList: inst.Playlist().Order(),
	}
}

func (d *Dispatcher) handleUpdatePlayList(res *Response, payload *UpdatePlayListPayload) {
	tasks, order := orderItemsToTasks(payload.OrderList)
	updated, err := d.registry.UpdatePlaylist(res.StreamID, tasks, order)
	if err != nil {
		if errors.Is(err, engine.ErrStreamNotFound) {
			res.Code = CodeNotFound
		} else {
			res.Code = CodeError
		}
		res.Message = err.Error()
		return
	}
	res.PlayListResponse = &PlayListResponse{StreamID: res.StreamID, OrderList: updated}
}

// BuildEvent renders the server-initiated event body for a stream: the
// play-list view after play-list mutations, the stream view otherwise.
func (d *Dispatcher) BuildEvent(streamID string, playList bool) *Response {
	res := &Response{Code: CodeSuccess, StreamID: streamID}
	if playList {
		d.handleGetPlayList(res)
	} else {
		d.handleGetStream(res)
	}
	id := uuid.New()
	res.ID = id[:]
	res.TimestampMS = time.Now().UnixMilli()
	return res
}
