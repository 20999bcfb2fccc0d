package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/hivemux/internal/orchestration/mcp"
)

func bridgeServer(t *testing.T) *httptest.Server {
	t.Helper()
	s := mcp.NewServer("hivemux", "test")
	s.RegisterTool(mcp.Tool{
		Name:        "echo",
		Description: "Echo the input back.",
		InputSchema: &mcp.InputSchema{Type: "object"},
	}, func(_ context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
		var a struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(args, &a)
		return mcp.SuccessResult(a.Text), nil
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestStdioBridge_ForwardsToolCalls(t *testing.T) {
	srv := bridgeServer(t)

	in := strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}` + "\n" +
			`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"text":"bridged"}}}` + "\n",
	)
	var out bytes.Buffer
	require.NoError(t, runStdioBridge(in, &out, srv.Client(), srv.URL))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2, "notification must not produce an output line")

	var resp mcp.Response
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &resp))
	require.Nil(t, resp.Error)

	var result mcp.ToolCallResult
	data, _ := json.Marshal(resp.Result)
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, "bridged", result.Content[0].Text)
}

func TestStdioBridge_UnreachableEndpoint(t *testing.T) {
	srv := bridgeServer(t)
	client := srv.Client()
	srv.Close()

	in := strings.NewReader(`{"jsonrpc":"2.0","id":9,"method":"ping"}` + "\n")
	var out bytes.Buffer
	require.NoError(t, runStdioBridge(in, &out, client, srv.URL))

	var resp mcp.Response
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrCodeInternalError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "unreachable")
	assert.Equal(t, "9", string(resp.ID))
}

func TestStdioBridge_SkipsBlankLines(t *testing.T) {
	srv := bridgeServer(t)

	in := strings.NewReader("\n\n" + `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n")
	var out bytes.Buffer
	require.NoError(t, runStdioBridge(in, &out, srv.Client(), srv.URL))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
}

func TestIsNotificationLine(t *testing.T) {
	assert.True(t, isNotificationLine([]byte(`{"jsonrpc":"2.0","method":"x"}`)))
	assert.True(t, isNotificationLine([]byte(`{"jsonrpc":"2.0","id":null,"method":"x"}`)))
	assert.False(t, isNotificationLine([]byte(`{"jsonrpc":"2.0","id":1,"method":"x"}`)))
	assert.False(t, isNotificationLine([]byte(`not json`)))
}
