package websocket

import (
	"encoding/json"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/kayuhara/hibiki/server/adapters/bridge"
	"github.com/kayuhara/hibiki/server/domain/entities"
)

// recorder stands in for writePump: it drains the send queue in order,
// applies the same write gate, and runs after hooks, so engine tests can
// assert on exactly what would have reached the wire.
type recorder struct {
	client *Client
	stop   chan struct{}

	mu     sync.Mutex
	frames []WriteData
}

func (r *recorder) run() {
	for {
		select {
		case message := <-r.client.send:
			if !r.client.writeAllowed(message) {
				continue
			}
			r.mu.Lock()
			r.frames = append(r.frames, message)
			r.mu.Unlock()
			if message.after != nil {
				message.after()
			}
		case <-r.stop:
			return
		}
	}
}

func (r *recorder) snapshot() []WriteData {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WriteData, len(r.frames))
	copy(out, r.frames)
	return out
}

// controlAt decodes the i-th recorded frame as a control message, returning
// the raw field map.
func controlAt(t *testing.T, frames []WriteData, i int) map[string]interface{} {
	t.Helper()
	if frames[i].Type != websocket.TextMessage {
		t.Fatalf("frame %d is not a text frame", i)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(frames[i].Payload, &m); err != nil {
		t.Fatalf("frame %d is not valid JSON: %v", i, err)
	}
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestClient(t *testing.T, b *bridge.ScriptedBridge) (*Client, *recorder) {
	t.Helper()
	client, r, resume := newTestClientPaused(t, b)
	resume()
	return client, r
}

// newTestClientPaused builds a client whose recorder does not drain until
// resume is called. With the writer stalled, queued playback piles up
// deterministically, which is how the barge-in tests hold the session in
// the speaking state.
func newTestClientPaused(t *testing.T, b *bridge.ScriptedBridge) (*Client, *recorder, func()) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	hub := NewHub(b, nil, DefaultConfig(), logger)
	go hub.Run()

	session := entities.NewSession("device-1", hub.config.AudioParams)
	client := newClient(hub, nil, "device-1", "client-1", session, logger)
	go client.forwardAudio()

	r := &recorder{client: client, stop: make(chan struct{})}
	start := make(chan struct{})
	var once sync.Once
	go func() {
		select {
		case <-start:
			r.run()
		case <-r.stop:
		}
	}()
	t.Cleanup(func() { close(r.stop) })
	return client, r, func() { once.Do(func() { close(start) }) }
}

func sendText(c *Client, payload string) {
	c.handleTextMessage([]byte(payload))
}

func TestAutoUtteranceFlow(t *testing.T) {
	b := bridge.NewScriptedBridge()
	client, rec := newTestClient(t, b)

	sendText(client, `{"type":"listen","state":"start","mode":"auto"}`)
	if client.session.State() != entities.StateListening {
		t.Fatalf("state = %q, want listening", client.session.State())
	}

	for i := 0; i < 10; i++ {
		client.handleBinaryFrame(make([]byte, 120))
	}
	waitFor(t, "all frames forwarded", func() bool { return b.LastFedFrames() == 10 })

	sendText(client, `{"type":"listen","state":"stop"}`)

	// The auto loop ends with a server-issued listen start.
	waitFor(t, "utterance complete", func() bool {
		frames := rec.snapshot()
		if len(frames) == 0 {
			return false
		}
		var last map[string]interface{}
		if frames[len(frames)-1].Type != websocket.TextMessage {
			return false
		}
		json.Unmarshal(frames[len(frames)-1].Payload, &last)
		return last["type"] == "listen" && last["state"] == "start"
	})

	frames := rec.snapshot()

	// Expected wire order for the two-sentence script with three frames
	// each: stt, llm, tts start, (sentence_start, audio x3) x2, tts stop,
	// listen start.
	i := 0
	if m := controlAt(t, frames, i); m["type"] != "stt" {
		t.Errorf("frame %d type = %v, want stt", i, m["type"])
	}
	i++
	if m := controlAt(t, frames, i); m["type"] != "llm" {
		t.Errorf("frame %d type = %v, want llm", i, m["type"])
	}
	i++
	if m := controlAt(t, frames, i); m["type"] != "tts" || m["state"] != "start" {
		t.Errorf("frame %d = %v, want tts start", i, m)
	}
	i++
	for sentence := 0; sentence < 2; sentence++ {
		if m := controlAt(t, frames, i); m["type"] != "tts" || m["state"] != "sentence_start" {
			t.Fatalf("frame %d = %v, want sentence_start", i, m)
		}
		i++
		for f := 0; f < 3; f++ {
			if frames[i].Type != websocket.BinaryMessage {
				t.Fatalf("frame %d type = %d, want binary audio", i, frames[i].Type)
			}
			i++
		}
	}
	if m := controlAt(t, frames, i); m["type"] != "tts" || m["state"] != "stop" {
		t.Errorf("frame %d = %v, want tts stop", i, m)
	}
	i++
	if m := controlAt(t, frames, i); m["type"] != "listen" || m["state"] != "start" || m["mode"] != "auto" {
		t.Errorf("frame %d = %v, want server listen start in auto mode", i, m)
	}

	if got := client.session.State(); got != entities.StateListening {
		t.Errorf("final state = %q, want listening", got)
	}
	if b.Calls() != 1 {
		t.Errorf("bridge calls = %d, want 1", b.Calls())
	}
}

func TestManualSessionWithoutAudioNeverCallsBridge(t *testing.T) {
	b := bridge.NewScriptedBridge()
	client, rec := newTestClient(t, b)

	sendText(client, `{"type":"listen","state":"start","mode":"manual"}`)
	sendText(client, `{"type":"listen","state":"stop"}`)

	time.Sleep(50 * time.Millisecond)

	if b.Calls() != 0 {
		t.Errorf("bridge calls = %d, want 0 for a zero-frame utterance", b.Calls())
	}
	if got := client.session.State(); got != entities.StateIdle {
		t.Errorf("state = %q, want idle", got)
	}
	if frames := rec.snapshot(); len(frames) != 0 {
		t.Errorf("recorded %d outbound frames, want none", len(frames))
	}
}

func TestIdleAudioDiscarded(t *testing.T) {
	b := bridge.NewScriptedBridge()
	client, _ := newTestClient(t, b)

	for i := 0; i < 3; i++ {
		client.handleBinaryFrame(make([]byte, 120))
	}
	time.Sleep(50 * time.Millisecond)

	if b.Calls() != 0 {
		t.Errorf("bridge calls = %d, want 0 while idle", b.Calls())
	}
	if len(client.inbound) != 0 {
		t.Errorf("inbound queue holds %d frames, want 0", len(client.inbound))
	}
}

func TestMalformedMessageKeepsSessionAlive(t *testing.T) {
	b := bridge.NewScriptedBridge()
	client, _ := newTestClient(t, b)

	sendText(client, `{"type":"listen",`)
	sendText(client, `{"type":"telemetry"}`)
	sendText(client, `{"type":"stt","text":"spoofed"}`)

	if got := client.DroppedMessages(); got != 3 {
		t.Errorf("dropped messages = %d, want 3", got)
	}
	if got := client.session.State(); got != entities.StateIdle {
		t.Errorf("state = %q, want idle after dropped messages", got)
	}

	// The session must still work afterwards.
	sendText(client, `{"type":"listen","state":"start","mode":"auto"}`)
	if got := client.session.State(); got != entities.StateListening {
		t.Errorf("state = %q, want listening", got)
	}
}

func TestDuplicateHelloDropped(t *testing.T) {
	b := bridge.NewScriptedBridge()
	client, _ := newTestClient(t, b)

	sendText(client, `{"type":"hello","version":1,"transport":"websocket","audio_params":{"format":"opus","sample_rate":16000,"channels":1,"frame_duration":60}}`)

	if got := client.DroppedMessages(); got != 1 {
		t.Errorf("dropped messages = %d, want 1", got)
	}
	if got := client.session.State(); got != entities.StateIdle {
		t.Errorf("state = %q, want idle", got)
	}
}

func TestAbortSilencesUtterance(t *testing.T) {
	b := bridge.NewScriptedBridge()
	// A long script so the abort lands mid-playback.
	b.Sentences = []string{"This reply goes on.", "And on.", "And on some more."}
	b.FramesPerSentence = 200
	client, rec := newTestClient(t, b)

	sendText(client, `{"type":"listen","state":"start","mode":"auto"}`)
	client.handleBinaryFrame(make([]byte, 120))
	waitFor(t, "frame forwarded", func() bool { return b.LastFedFrames() == 1 })
	sendText(client, `{"type":"listen","state":"stop"}`)

	waitFor(t, "playback started", func() bool {
		for _, f := range rec.snapshot() {
			if f.Type == websocket.BinaryMessage {
				return true
			}
		}
		return false
	})

	sendText(client, `{"type":"abort","reason":"wake_word_detected"}`)

	if got := client.session.State(); got != entities.StateIdle {
		t.Errorf("state after abort = %q, want idle", got)
	}

	// The abort acknowledgment is a tts stop; nothing may follow it.
	waitFor(t, "abort tts stop", func() bool {
		frames := rec.snapshot()
		for i := len(frames) - 1; i >= 0; i-- {
			if frames[i].Type != websocket.TextMessage {
				continue
			}
			var m map[string]interface{}
			json.Unmarshal(frames[i].Payload, &m)
			if m["type"] == "tts" && m["state"] == "stop" {
				return true
			}
		}
		return false
	})
	time.Sleep(50 * time.Millisecond)

	frames := rec.snapshot()
	lastStop := -1
	for i, f := range frames {
		if f.Type != websocket.TextMessage {
			continue
		}
		var m map[string]interface{}
		json.Unmarshal(f.Payload, &m)
		if m["type"] == "tts" && m["state"] == "stop" {
			lastStop = i
		}
	}
	if lastStop == -1 {
		t.Fatal("no tts stop recorded after abort")
	}
	for i := lastStop + 1; i < len(frames); i++ {
		if frames[i].Type == websocket.BinaryMessage {
			t.Errorf("audio frame %d leaked after the terminating tts stop", i)
		}
	}
}

func TestWriteAllowedGate(t *testing.T) {
	b := bridge.NewScriptedBridge()
	client, _ := newTestClient(t, b)

	text := WriteData{Type: websocket.TextMessage, Payload: []byte(`{}`)}
	if !client.writeAllowed(text) {
		t.Error("control messages must always be writable")
	}

	current := client.utterance.Load()
	audio := WriteData{Type: websocket.BinaryMessage, Payload: make([]byte, 8), Utterance: current}

	if client.writeAllowed(audio) {
		t.Error("audio must not be writable while idle")
	}

	client.session.StartListening(entities.ListenModeAuto)
	client.session.BeginSpeaking()
	if !client.writeAllowed(audio) {
		t.Error("audio for the live utterance must be writable while speaking")
	}

	client.utterance.Add(1)
	if client.writeAllowed(audio) {
		t.Error("audio for a stale utterance generation must be dropped")
	}
}

func TestDetectWithTypedTextRunsUtterance(t *testing.T) {
	b := bridge.NewScriptedBridge()
	client, rec := newTestClient(t, b)

	sendText(client, `{"type":"listen","state":"detect","text":"turn on the lamp","source":"text"}`)

	waitFor(t, "stt echo of typed text", func() bool {
		frames := rec.snapshot()
		for _, f := range frames {
			if f.Type != websocket.TextMessage {
				continue
			}
			var m map[string]interface{}
			json.Unmarshal(f.Payload, &m)
			if m["type"] == "stt" && m["text"] == "turn on the lamp" {
				return true
			}
		}
		return false
	})

	if b.Calls() != 1 {
		t.Errorf("bridge calls = %d, want 1", b.Calls())
	}
}

func TestIotContextStored(t *testing.T) {
	b := bridge.NewScriptedBridge()
	client, _ := newTestClient(t, b)

	sendText(client, `{"type":"iot","descriptors":[{"name":"lamp"}]}`)
	sendText(client, `{"type":"iot","states":{"lamp":{"on":false}}}`)

	if got := string(client.session.IotDescriptors()); got != `[{"name":"lamp"}]` {
		t.Errorf("descriptors = %s", got)
	}
	if got := string(client.session.IotStates()); got != `{"lamp":{"on":false}}` {
		t.Errorf("states = %s", got)
	}

	// Commands flow server-to-client only; a client-sent one is dropped.
	sendText(client, `{"type":"iot","commands":[{"name":"lamp"}]}`)
	if got := client.DroppedMessages(); got != 1 {
		t.Errorf("dropped messages = %d, want 1", got)
	}
}

func TestIotCommandsRelayed(t *testing.T) {
	b := bridge.NewScriptedBridge()
	b.IotCommands = []byte(`[{"name":"lamp","method":"turn_on"}]`)
	client, rec := newTestClient(t, b)

	sendText(client, `{"type":"listen","state":"detect","text":"turn on the lamp","source":"text"}`)

	waitFor(t, "iot command relay", func() bool {
		for _, f := range rec.snapshot() {
			if f.Type != websocket.TextMessage {
				continue
			}
			var m map[string]interface{}
			json.Unmarshal(f.Payload, &m)
			if m["type"] == "iot" && m["commands"] != nil {
				return true
			}
		}
		return false
	})
}

func TestInboundOverflowDropsOldest(t *testing.T) {
	b := bridge.NewScriptedBridge()
	logger := zaptest.NewLogger(t)
	config := DefaultConfig()
	config.InboundQueueSize = 2
	hub := NewHub(b, nil, config, logger)
	go hub.Run()

	session := entities.NewSession("device-1", config.AudioParams)
	client := newClient(hub, nil, "device-1", "client-1", session, logger)
	// forwardAudio is deliberately not running, so the queue fills up.

	session.StartListening(entities.ListenModeAuto)
	for i := 0; i < 5; i++ {
		client.handleBinaryFrame([]byte{byte(i)})
	}

	if got := client.DroppedFrames(); got != 3 {
		t.Errorf("dropped frames = %d, want 3", got)
	}
	if len(client.inbound) != 2 {
		t.Errorf("inbound queue holds %d frames, want 2", len(client.inbound))
	}
	// The survivors are the newest frames.
	first := <-client.inbound
	if first[0] != 3 {
		t.Errorf("oldest surviving frame = %d, want 3", first[0])
	}
}

// frameLabel collapses a recorded frame to a short comparable token.
func frameLabel(f WriteData) string {
	if f.Type == websocket.BinaryMessage {
		return "audio"
	}
	var m map[string]interface{}
	json.Unmarshal(f.Payload, &m)
	kind, _ := m["type"].(string)
	if state, ok := m["state"].(string); ok {
		return kind + "/" + state
	}
	return kind
}

func countStops(frames []WriteData) int {
	stops := 0
	for _, f := range frames {
		if frameLabel(f) == "tts/stop" {
			stops++
		}
	}
	return stops
}

func TestRealtimeBargeInKeepsForwarding(t *testing.T) {
	b := bridge.NewScriptedBridge()
	b.Sentences = []string{"First answer."}
	b.FramesPerSentence = 5
	client, rec, resume := newTestClientPaused(t, b)

	sendText(client, `{"type":"listen","state":"start","mode":"realtime"}`)
	client.handleBinaryFrame(make([]byte, 120))
	waitFor(t, "first frame forwarded", func() bool { return b.LastFedFrames() == 1 })
	sendText(client, `{"type":"listen","state":"stop"}`)

	// With the writer stalled the playback stays queued while the session
	// reaches speaking.
	waitFor(t, "playback begins", func() bool {
		return client.session.State() == entities.StateSpeaking
	})

	// Audio arriving during realtime playback must keep flowing to the
	// bridge. The first call no longer accepts input, so the frames land on
	// a fresh call; the playing call is left alone.
	for i := 0; i < 3; i++ {
		client.handleBinaryFrame(make([]byte, 120))
	}
	waitFor(t, "barge-in frames forwarded", func() bool {
		return b.Calls() == 2 && b.LastFedFrames() == 3
	})

	resume()

	// The first utterance plays out in full and loops back to listening,
	// ending with the server-issued listen start.
	waitFor(t, "first utterance complete", func() bool {
		frames := rec.snapshot()
		return len(frames) > 0 && frameLabel(frames[len(frames)-1]) == "listen/start"
	})

	// Close out the barge-in utterance the same way.
	sendText(client, `{"type":"listen","state":"stop"}`)
	waitFor(t, "second utterance complete", func() bool {
		frames := rec.snapshot()
		return countStops(frames) == 2 && frameLabel(frames[len(frames)-1]) == "listen/start"
	})

	var got []string
	for _, f := range rec.snapshot() {
		got = append(got, frameLabel(f))
	}
	want := []string{
		"stt", "llm", "tts/start", "tts/sentence_start",
		"audio", "audio", "audio", "audio", "audio",
		"tts/stop", "listen/start",
		"stt", "llm", "tts/start", "tts/sentence_start",
		"audio", "audio", "audio", "audio", "audio",
		"tts/stop", "listen/start",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("wire order = %v, want %v", got, want)
	}
	if got := client.session.State(); got != entities.StateListening {
		t.Errorf("final state = %q, want listening", got)
	}
}

func TestRealtimeWakeWordTakesOverPlayback(t *testing.T) {
	b := bridge.NewScriptedBridge()
	b.Sentences = []string{"A long reply that keeps going."}
	b.FramesPerSentence = 3000
	client, rec, resume := newTestClientPaused(t, b)

	sendText(client, `{"type":"listen","state":"start","mode":"realtime"}`)
	client.handleBinaryFrame(make([]byte, 120))
	waitFor(t, "first frame forwarded", func() bool { return b.LastFedFrames() == 1 })
	sendText(client, `{"type":"listen","state":"stop"}`)
	waitFor(t, "playback begins", func() bool {
		return client.session.State() == entities.StateSpeaking
	})

	// A typed wake word mid-playback runs a complete new utterance. Its
	// reply takes over: the first playback ends with a terminating tts stop
	// and the new reply plays to completion.
	sendText(client, `{"type":"listen","state":"detect","text":"never mind","source":"text"}`)
	waitFor(t, "replacement call opened", func() bool { return b.Calls() == 2 })

	resume()

	waitFor(t, "takeover reply complete", func() bool {
		frames := rec.snapshot()
		if client.session.State() != entities.StateListening || len(frames) == 0 {
			return false
		}
		return frameLabel(frames[len(frames)-1]) == "listen/start"
	})

	frames := rec.snapshot()
	if got := countStops(frames); got != 2 {
		t.Errorf("tts stops = %d, want one per utterance", got)
	}

	firstStop, lastStop, lastAudio := -1, -1, -1
	audioAfterFirstStop := 0
	for i, f := range frames {
		switch frameLabel(f) {
		case "tts/stop":
			if firstStop == -1 {
				firstStop = i
			}
			lastStop = i
		case "audio":
			lastAudio = i
			if firstStop != -1 {
				audioAfterFirstStop++
			}
		}
	}
	if firstStop == -1 {
		t.Fatal("interrupted utterance never got its terminating tts stop")
	}
	if audioAfterFirstStop == 0 {
		t.Error("takeover reply produced no playback")
	}
	if lastAudio > lastStop {
		t.Errorf("audio frame %d leaked after the final tts stop at %d", lastAudio, lastStop)
	}
}
