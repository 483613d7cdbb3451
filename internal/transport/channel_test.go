package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/orchestra-mcp/sdk-go/protocol"

	"github.com/orchestra-mcp/plugin-lsp-stdio/internal/rpc"
)

// frame wraps body in a Content-Length header block.
func frame(body string) string {
	return fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)
}

// drain polls the channel until it reports closed and returns every message
// it produced.
func drain(t *testing.T, c *Channel) []*rpc.Message {
	t.Helper()
	var msgs []*rpc.Message
	deadline := time.Now().Add(5 * time.Second)
	for !c.IsClosed() {
		if time.Now().After(deadline) {
			t.Fatalf("channel did not close; got %d messages so far", len(msgs))
		}
		if msg := c.NextMessage(); msg != nil {
			msgs = append(msgs, msg)
			continue
		}
		time.Sleep(time.Millisecond)
	}
	return msgs
}

// readFrames splits header-framed output into bodies.
func readFrames(t *testing.T, out []byte) []string {
	t.Helper()
	r := &headerReader{r: bufio.NewReader(bytes.NewReader(out))}
	var bodies []string
	for {
		body, err := r.ReadFrame()
		if err == io.EOF {
			return bodies
		}
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		bodies = append(bodies, string(body))
	}
}

func idString(t *testing.T, id any) string {
	t.Helper()
	data, err := json.Marshal(id)
	if err != nil {
		t.Fatalf("marshal id: %v", err)
	}
	return string(data)
}

// --- Tests ---

func TestHeaderFramingDeliversInArrivalOrder(t *testing.T) {
	skipRace(t)
	in := frame(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`) +
		frame(`{"jsonrpc":"2.0","method":"initialized"}`) +
		frame(`{"jsonrpc":"2.0","id":"two","method":"shutdown"}`)

	c := NewChannel(strings.NewReader(in), io.Discard, FramingHeader, nil)
	c.Start()
	msgs := drain(t, c)

	if len(msgs) != 3 {
		t.Fatalf("messages: got %d, want 3", len(msgs))
	}
	wantMethods := []string{"initialize", "initialized", "shutdown"}
	for i, msg := range msgs {
		if msg.Method != wantMethods[i] {
			t.Errorf("message %d: got %q, want %q", i, msg.Method, wantMethods[i])
		}
	}
	if rpc.IsRequest(msgs[1]) {
		t.Error("initialized should decode as a notification")
	}
	if got := idString(t, msgs[2].ID); got != `"two"` {
		t.Errorf("string id: got %s, want %q", got, `"two"`)
	}
}

func TestLineFraming(t *testing.T) {
	skipRace(t)
	in := "{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"initialize\"}\n\n   \n{\"jsonrpc\":\"2.0\",\"method\":\"exit\"}\n"

	c := NewChannel(strings.NewReader(in), io.Discard, FramingLine, nil)
	c.Start()
	msgs := drain(t, c)

	if len(msgs) != 2 {
		t.Fatalf("messages: got %d, want 2", len(msgs))
	}
	if msgs[0].Method != "initialize" || msgs[1].Method != "exit" {
		t.Errorf("methods: got %q, %q", msgs[0].Method, msgs[1].Method)
	}
}

func TestMalformedMessageGetsParseError(t *testing.T) {
	skipRace(t)
	in := frame(`{"jsonrpc":"2.0","id":1,`) + frame(`{"jsonrpc":"2.0","id":2,"method":"shutdown"}`)
	var out bytes.Buffer

	c := NewChannel(strings.NewReader(in), &out, FramingHeader, nil)
	c.Start()
	msgs := drain(t, c)
	<-c.ReaderDone()

	if len(msgs) != 1 || msgs[0].Method != "shutdown" {
		t.Fatalf("the valid message after the malformed one should be delivered, got %v", msgs)
	}

	bodies := readFrames(t, out.Bytes())
	if len(bodies) != 1 {
		t.Fatalf("responses: got %d, want 1", len(bodies))
	}
	var resp struct {
		ID    json.RawMessage       `json:"id"`
		Error *protocol.JSONRPCError `json:"error"`
	}
	if err := json.Unmarshal([]byte(bodies[0]), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == nil || int(resp.Error.Code) != int(protocol.ParseError) {
		t.Fatalf("expected parse error, got %s", bodies[0])
	}
	if string(resp.ID) != "null" {
		t.Errorf("id: got %s, want null", resp.ID)
	}
}

func TestHasMessageDoesNotConsume(t *testing.T) {
	skipRace(t)
	c := NewChannel(strings.NewReader(frame(`{"jsonrpc":"2.0","method":"initialized"}`)), io.Discard, FramingHeader, nil)
	c.Start()
	<-c.ReaderDone()

	if !c.HasMessage() || !c.HasMessage() {
		t.Fatal("expected a pending message")
	}
	if c.IsClosed() {
		t.Fatal("channel must stay open while a message is pending")
	}
	if msg := c.NextMessage(); msg == nil || msg.Method != "initialized" {
		t.Fatalf("NextMessage: got %v", msg)
	}
	if c.NextMessage() != nil {
		t.Error("queue should be empty")
	}
	if !c.IsClosed() {
		t.Error("channel should be closed after end of input and an empty queue")
	}
}

func TestRequestStopClosesChannel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	c := NewChannel(pr, io.Discard, FramingHeader, nil)
	c.Start()
	if c.IsClosed() {
		t.Fatal("open input should keep the channel open")
	}
	c.RequestStop()
	if !c.IsClosed() {
		t.Error("RequestStop should close the channel")
	}
}

func TestMalformedHeadersAreSkipped(t *testing.T) {
	skipRace(t)
	in := "X-Other: 1\r\n\r\n{\"orphan\":true}" +
		frame(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`) +
		"garbage without a colon\r\n" +
		frame(`{"jsonrpc":"2.0","method":"initialized"}`) +
		"Content-Length: many\r\n\r\n{}" +
		frame(`{"jsonrpc":"2.0","id":2,"method":"shutdown"}`)
	var out bytes.Buffer

	c := NewChannel(strings.NewReader(in), &out, FramingHeader, nil)
	c.Start()
	msgs := drain(t, c)
	<-c.ReaderDone()

	var methods []string
	for _, msg := range msgs {
		methods = append(methods, msg.Method)
	}
	if strings.Join(methods, ",") != "initialize,initialized,shutdown" {
		t.Fatalf("messages after resynchronizing: got %v", methods)
	}

	bodies := readFrames(t, out.Bytes())
	if len(bodies) != 3 {
		t.Fatalf("parse error responses: got %d, want 3", len(bodies))
	}
	for _, body := range bodies {
		if !strings.Contains(body, fmt.Sprint(int(protocol.ParseError))) {
			t.Errorf("expected a parse error, got %s", body)
		}
	}
}

func TestSendWritesNullResult(t *testing.T) {
	var out bytes.Buffer
	c := NewChannel(strings.NewReader(""), &out, FramingHeader, nil)

	msg := &rpc.Message{Method: "shutdown", ID: json.RawMessage(`3`)}
	if err := c.Send(rpc.NewResult(msg, nil)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	raw := out.String()
	if !strings.HasPrefix(raw, "Content-Length: ") {
		t.Fatalf("missing header: %q", raw)
	}
	bodies := readFrames(t, out.Bytes())
	if len(bodies) != 1 {
		t.Fatalf("frames: got %d, want 1", len(bodies))
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal([]byte(bodies[0]), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(decoded["result"]) != "null" {
		t.Errorf("result: got %s, want null", decoded["result"])
	}
	if string(decoded["jsonrpc"]) != `"2.0"` {
		t.Errorf("jsonrpc: got %s", decoded["jsonrpc"])
	}
}

func TestNotifyLineFraming(t *testing.T) {
	var out bytes.Buffer
	c := NewChannel(strings.NewReader(""), &out, FramingLine, nil)

	params := map[string]any{"uri": "file:///a.d", "diagnostics": []any{}}
	if err := c.Notify("textDocument/publishDiagnostics", params); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	line := strings.TrimSpace(out.String())
	if strings.Count(out.String(), "\n") != 1 {
		t.Errorf("expected exactly one newline-terminated line, got %q", out.String())
	}
	var n struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		ID      json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal([]byte(line), &n); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n.Method != "textDocument/publishDiagnostics" || n.JSONRPC != "2.0" {
		t.Errorf("notification: got %+v", n)
	}
	if n.ID != nil {
		t.Errorf("notification must not carry an id, got %s", n.ID)
	}
}

func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	var out bytes.Buffer
	c := NewChannel(strings.NewReader(""), &out, FramingHeader, nil)

	const n = 50
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := &rpc.Message{Method: "textDocument/hover", ID: json.RawMessage(fmt.Sprint(i))}
			if err := c.Send(rpc.NewResult(msg, strings.Repeat("x", 512))); err != nil {
				t.Errorf("Send %d: %v", i, err)
			}
		}()
	}
	wg.Wait()

	bodies := readFrames(t, out.Bytes())
	if len(bodies) != n {
		t.Fatalf("frames: got %d, want %d", len(bodies), n)
	}
	for _, body := range bodies {
		if !json.Valid([]byte(body)) {
			t.Fatalf("interleaved frame: %q", body)
		}
	}
}

func TestParseFraming(t *testing.T) {
	tests := []struct {
		in      string
		want    Framing
		wantErr bool
	}{
		{"", FramingHeader, false},
		{"header", FramingHeader, false},
		{" LINE ", FramingLine, false},
		{"websocket", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFraming(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFraming(%q) error: got %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFraming(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}
