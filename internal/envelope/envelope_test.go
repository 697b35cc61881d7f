package envelope

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	before := time.Now().UTC()
	env, err := New("alice", "bob", KindRequest, Payload{"topic": "go"})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if env.ID == "" {
		t.Error("expected id to be assigned")
	}
	if env.From != "alice" || env.To != "bob" {
		t.Errorf("unexpected addressing: from=%s to=%s", env.From, env.To)
	}
	if env.Kind != KindRequest {
		t.Errorf("unexpected kind: %s", env.Kind)
	}
	if env.CorrelationID != "" {
		t.Errorf("top-level request should have no correlation id, got %s", env.CorrelationID)
	}
	if env.CreatedAt.Before(before) || env.CreatedAt.After(time.Now().UTC()) {
		t.Errorf("created_at out of range: %s", env.CreatedAt)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New("", "bob", KindRequest, nil); err == nil {
		t.Error("expected error for empty sender")
	}
	if _, err := New("alice", "", KindRequest, nil); err == nil {
		t.Error("expected error for empty recipient")
	}
	if _, err := New("alice", "bob", Kind("telegram"), nil); err == nil {
		t.Error("expected error for unknown kind")
	}
	if _, err := New("alice", "bob", KindRequest, Payload{"f": func() {}}); err == nil {
		t.Error("expected error for non-serializable payload value")
	}
}

func TestIDUniqueness(t *testing.T) {
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		env, err := New("a", "b", KindNotification, nil)
		if err != nil {
			t.Fatalf("new envelope: %v", err)
		}
		if _, dup := seen[env.ID]; dup {
			t.Fatalf("duplicate id after %d envelopes: %s", i, env.ID)
		}
		seen[env.ID] = struct{}{}
	}
}

func TestReply(t *testing.T) {
	req, err := New("alice", "bob", KindRequest, Payload{"topic": "x"})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := req.Reply(Payload{"ack": true})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if resp.Kind != KindResponse {
		t.Errorf("reply kind = %s, want response", resp.Kind)
	}
	if resp.CorrelationID != req.ID {
		t.Errorf("correlation id = %s, want %s", resp.CorrelationID, req.ID)
	}
	if resp.From != "bob" || resp.To != "alice" {
		t.Errorf("reply addressing not swapped: from=%s to=%s", resp.From, resp.To)
	}
	if resp.ID == req.ID {
		t.Error("reply must carry its own id")
	}
}

func TestWireFieldNames(t *testing.T) {
	env, err := New("alice", "bob", KindRequest, Payload{"topic": "x"})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	data, err := Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	for _, field := range []string{"from", "to", "kind", "payload", "id", "created_at"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("wire format missing field %q", field)
		}
	}
	if _, ok := raw["correlation_id"]; ok {
		t.Error("empty correlation_id should be omitted from the wire")
	}

	resp, _ := env.Reply(Payload{"ack": true})
	data, _ = Marshal(resp)
	if !strings.Contains(string(data), `"correlation_id"`) {
		t.Error("response wire format missing correlation_id")
	}
}

func TestRoundTrip(t *testing.T) {
	env, err := New("alice", "bob", KindRequest, Payload{"topic": "x", "depth": 3})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	data, err := Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != env.ID || got.From != env.From || got.To != env.To || got.Kind != env.Kind {
		t.Errorf("round trip changed identity: %+v", got)
	}
	if got.Payload.String("topic") != "x" {
		t.Errorf("payload topic = %q, want x", got.Payload.String("topic"))
	}
	if got.Payload.Int("depth") != 3 {
		t.Errorf("payload depth = %d, want 3", got.Payload.Int("depth"))
	}
	if !got.CreatedAt.Equal(env.CreatedAt) {
		t.Errorf("created_at drifted: %s != %s", got.CreatedAt, env.CreatedAt)
	}
}

func TestUnknownKindDecodes(t *testing.T) {
	raw := `{"id":"m1","from":"a","to":"b","kind":"heartbeat","payload":{"n":1},"created_at":"2026-01-02T03:04:05Z"}`
	env, err := Unmarshal([]byte(raw))
	if err != nil {
		t.Fatalf("unknown kind must decode: %v", err)
	}
	if env.Kind != Kind("heartbeat") {
		t.Errorf("kind = %s, want heartbeat", env.Kind)
	}
	if env.Kind.Known() {
		t.Error("heartbeat must not be a known kind")
	}
	if env.IsResponse() {
		t.Error("unknown kind must never correlate as a response")
	}
}

func TestIsResponse(t *testing.T) {
	resp := Envelope{Kind: KindResponse, CorrelationID: "m1"}
	if !resp.IsResponse() {
		t.Error("correlated response should report IsResponse")
	}
	uncorrelated := Envelope{Kind: KindResponse}
	if uncorrelated.IsResponse() {
		t.Error("response without correlation id must not correlate")
	}
	spoofed := Envelope{Kind: Kind("reply"), CorrelationID: "m1"}
	if spoofed.IsResponse() {
		t.Error("unknown kind with correlation id must not correlate")
	}
}

func TestPayloadValidate(t *testing.T) {
	ok := Payload{
		"s":    "str",
		"n":    1,
		"f":    1.5,
		"b":    true,
		"nil":  nil,
		"list": []any{"a", 2, map[string]any{"k": "v"}},
		"strs": []string{"x", "y"},
		"map":  Payload{"inner": int64(9)},
	}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	bad := Payload{"ch": make(chan int)}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for channel value")
	}
	nested := Payload{"list": []any{struct{}{}}}
	if err := nested.Validate(); err == nil {
		t.Error("expected error for struct nested in list")
	}
}

func TestPayloadAccessors(t *testing.T) {
	p := Payload{
		"s":     "hello",
		"whole": float64(7), // decoded numbers arrive as float64
		"b":     true,
		"list":  []any{"a", "b"},
		"map":   map[string]any{"k": "v"},
	}
	if p.String("s") != "hello" {
		t.Errorf("String = %q", p.String("s"))
	}
	if p.String("missing") != "" {
		t.Error("missing string should be empty")
	}
	if p.Int("whole") != 7 {
		t.Errorf("Int = %d, want 7", p.Int("whole"))
	}
	if p.Float("whole") != 7 {
		t.Errorf("Float = %f, want 7", p.Float("whole"))
	}
	if !p.Bool("b") {
		t.Error("Bool = false, want true")
	}
	if got := p.Strings("list"); len(got) != 2 || got[0] != "a" {
		t.Errorf("Strings = %v", got)
	}
	if p.Map("map").String("k") != "v" {
		t.Errorf("Map k = %q", p.Map("map").String("k"))
	}
	if !p.Has("s") || p.Has("nope") {
		t.Error("Has misreported key presence")
	}
}
