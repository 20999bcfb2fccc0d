package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer() *Server {
	s := NewServer("hivemux", "test", WithInstructions("orchestrate things"))
	s.RegisterTool(Tool{
		Name:        "echo",
		Description: "Echo the input back.",
		InputSchema: &InputSchema{Type: "object"},
	}, func(_ context.Context, args json.RawMessage) (*ToolCallResult, error) {
		var a struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(args, &a)
		return SuccessResult(a.Text), nil
	})
	s.RegisterTool(Tool{
		Name:        "boom",
		Description: "Always fails.",
		InputSchema: &InputSchema{Type: "object"},
	}, func(context.Context, json.RawMessage) (*ToolCallResult, error) {
		return nil, assert.AnError
	})
	return s
}

// serveLines runs the stdio transport over the given request lines and
// returns the decoded responses.
func serveLines(t *testing.T, s *Server, lines ...string) []Response {
	t.Helper()
	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	var out bytes.Buffer
	require.NoError(t, s.Serve(in, &out))

	var responses []Response
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var resp Response
		require.NoError(t, json.Unmarshal([]byte(line), &resp))
		responses = append(responses, resp)
	}
	return responses
}

func TestServe_InitializeHandshake(t *testing.T) {
	s := testServer()
	responses := serveLines(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"claude","version":"1.0"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"ping"}`,
	)
	require.Len(t, responses, 2, "notification must not produce a response")

	var init InitializeResult
	data, err := json.Marshal(responses[0].Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &init))
	assert.Equal(t, ProtocolVersion, init.ProtocolVersion)
	assert.Equal(t, "hivemux", init.ServerInfo.Name)
	assert.Equal(t, "orchestrate things", init.Instructions)
	require.NotNil(t, init.Capabilities.Tools)

	s.mu.RLock()
	assert.True(t, s.initialized)
	s.mu.RUnlock()
}

func TestServe_ToolsListSorted(t *testing.T) {
	s := testServer()
	responses := serveLines(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Len(t, responses, 1)

	var list ToolsListResult
	data, _ := json.Marshal(responses[0].Result)
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Tools, 2)
	assert.Equal(t, "boom", list.Tools[0].Name)
	assert.Equal(t, "echo", list.Tools[1].Name)
}

func TestServe_ToolCall(t *testing.T) {
	s := testServer()
	responses := serveLines(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hello"}}}`,
	)
	require.Len(t, responses, 1)
	require.Nil(t, responses[0].Error)

	var result ToolCallResult
	data, _ := json.Marshal(responses[0].Result)
	require.NoError(t, json.Unmarshal(data, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "hello", result.Content[0].Text)
	assert.False(t, result.IsError)
}

func TestServe_ToolErrorTravelsAsResult(t *testing.T) {
	s := testServer()
	responses := serveLines(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"boom","arguments":{}}}`,
	)
	require.Len(t, responses, 1)
	require.Nil(t, responses[0].Error, "tool failures are results, not RPC errors")

	var result ToolCallResult
	data, _ := json.Marshal(responses[0].Result)
	require.NoError(t, json.Unmarshal(data, &result))
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, assert.AnError.Error())
}

func TestServe_UnknownToolAndMethod(t *testing.T) {
	s := testServer()
	responses := serveLines(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"ghost"}}`,
		`{"jsonrpc":"2.0","id":2,"method":"resources/list"}`,
		`not json at all`,
	)
	require.Len(t, responses, 3)
	assert.Equal(t, ErrCodeToolNotFound, responses[0].Error.Code)
	assert.Equal(t, ErrCodeMethodNotFound, responses[1].Error.Code)
	assert.Equal(t, ErrCodeParseError, responses[2].Error.Code)
}

func TestHandler_HTTPTransport(t *testing.T) {
	s := testServer()
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	body := `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"echo","arguments":{"text":"over http"}}}`
	resp, err := srv.Client().Post(srv.URL, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Nil(t, out.Error)
	assert.Equal(t, "7", string(out.ID))

	var result ToolCallResult
	data, _ := json.Marshal(out.Result)
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, "over http", result.Content[0].Text)
}

func TestHandler_RejectsNonPost(t *testing.T) {
	s := testServer()
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 405, resp.StatusCode)
}

func TestTransportParity(t *testing.T) {
	s := testServer()

	stdioResponses := serveLines(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Len(t, stdioResponses, 1)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	resp, err := srv.Client().Post(srv.URL, "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	var httpResponse Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&httpResponse))

	stdioJSON, _ := json.Marshal(stdioResponses[0].Result)
	httpJSON, _ := json.Marshal(httpResponse.Result)
	assert.JSONEq(t, string(stdioJSON), string(httpJSON))
}

func TestToolEventsPublished(t *testing.T) {
	s := testServer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := s.Broker().Subscribe(ctx)

	serveLines(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"text":"x"}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"boom","arguments":{}}}`,
	)

	var got []ToolEvent
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev.Payload)
		case <-timeout:
			t.Fatal("tool events not published")
		}
	}
	assert.Equal(t, "echo", got[0].Tool)
	assert.False(t, got[0].IsError)
	assert.Equal(t, "boom", got[1].Tool)
	assert.True(t, got[1].IsError)
}
