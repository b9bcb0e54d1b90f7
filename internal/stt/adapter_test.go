package stt

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCaller struct {
	adapter *Adapter // set after construction, used to echo stream notifications back in
}

func (f *fakeCaller) CallRPC(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	switch method {
	case "transcribe":
		return json.Marshal(Result{Text: "hello world", Language: "en", Model: "base"})
	case "detect_language":
		return json.Marshal(LangResult{Language: "en", Confidence: 0.95})
	case "start_stream":
		return json.Marshal(map[string]interface{}{})
	case "cancel_stream":
		return json.Marshal(map[string]interface{}{})
	}
	return json.RawMessage("{}"), nil
}

func (f *fakeCaller) SendNotification(method string, params interface{}) error {
	if method != "audio_chunk" {
		return nil
	}
	p := params.(map[string]interface{})
	sessionID := p["session_id"].(string)
	isFinal := p["is_final"].(bool)
	if isFinal {
		go func() {
			f.adapter.OnNotification("stream_event", mustJSON(map[string]interface{}{
				"session_id": sessionID,
				"event":      map[string]interface{}{"type": "completed", "text": "done"},
			}))
		}()
	}
	return nil
}

func (f *fakeCaller) Shutdown(ctx context.Context) {}

func mustJSON(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func TestTranscribeBatch(t *testing.T) {
	a := newAdapter(&fakeCaller{}, nil)
	res, err := a.Transcribe(context.Background(), AudioInput{Buffer: []byte("pcmdata")}, Options{Language: "en"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", res.Text)
	assert.GreaterOrEqual(t, res.WallClockMs, float64(0))
}

func TestDetectLanguage(t *testing.T) {
	a := newAdapter(&fakeCaller{}, nil)
	res, err := a.DetectLanguage(context.Background(), AudioInput{Buffer: []byte("pcmdata")})
	require.NoError(t, err)
	assert.Equal(t, "en", res.Language)
}

func TestTranscribeStreamYieldsStartedThenCompleted(t *testing.T) {
	fc := &fakeCaller{}
	a := newAdapter(fc, nil)
	fc.adapter = a

	ch, err := a.TranscribeStream(context.Background(), AudioInput{Buffer: []byte("short-audio")}, Options{})
	require.NoError(t, err)

	var events []StreamEvent
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				goto done
			}
			events = append(events, ev)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for stream events")
		}
	}
done:
	require.NotEmpty(t, events)
	assert.Equal(t, StreamStarted, events[0].Type)
	assert.Equal(t, StreamCompleted, events[len(events)-1].Type)
}
