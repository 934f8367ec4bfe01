package protocol

import (
	"encoding/json"
	"testing"
)

func TestNewFrame(t *testing.T) {
	f := NewFrame(ChatStream, "f-1", map[string]string{"delta": "hi"})

	if f.Type != ChatStream || f.ID != "f-1" {
		t.Errorf("frame = %+v", f)
	}
	var data map[string]string
	if err := json.Unmarshal(f.Data, &data); err != nil {
		t.Fatalf("data not valid JSON: %v", err)
	}
	if data["delta"] != "hi" {
		t.Errorf("data = %v", data)
	}

	if f := NewFrame(SystemPong, "f-2", nil); len(f.Data) != 0 {
		t.Errorf("nil payload should produce empty data, got %s", f.Data)
	}
}

func TestNewErrorFrame(t *testing.T) {
	f := NewErrorFrame("f-9", "boom")
	if f.Type != ChatError {
		t.Errorf("type = %q, want %q", f.Type, ChatError)
	}
	if f.ID != "f-9" || f.Error != "boom" {
		t.Errorf("frame = %+v", f)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	in := NewFrame(ChatSend, "abc", map[string]interface{}{"message": "hello"})
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	var out Frame
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if out.Type != in.Type || out.ID != in.ID || string(out.Data) != string(in.Data) {
		t.Errorf("round trip changed frame: %+v vs %+v", in, out)
	}
}

func TestBroadcast(t *testing.T) {
	broadcast := []string{ChatAgentSpawn, ChatAgentResult, ReviewCreated, ReviewResolved, SystemStatus, LogEntry}
	for _, ft := range broadcast {
		if !Broadcast(ft) {
			t.Errorf("Broadcast(%q) = false, want true", ft)
		}
	}

	targeted := []string{ChatStream, ChatDone, ChatError, ChatToolUse, SessionData, SystemPong, ChatRouted}
	for _, ft := range targeted {
		if Broadcast(ft) {
			t.Errorf("Broadcast(%q) = true, want false", ft)
		}
	}
}
