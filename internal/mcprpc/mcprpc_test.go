package mcprpc

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteMessage_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, NewRequest(1, "initialize", nil)))
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
	assert.Contains(t, buf.String(), `"method":"initialize"`)
}

func TestReadResponse_SkipsNotificationsAndNoise(t *testing.T) {
	input := strings.NewReader(
		"not json at all\n" +
			`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n" +
			`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}` + "\n",
	)
	lr := NewLineReader(input)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := lr.ReadResponse(ctx)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Result))
}

func TestReadResponse_ReturnsEOFWhenStreamEndsWithoutResponse(t *testing.T) {
	input := strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n")
	lr := NewLineReader(input)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := lr.ReadResponse(ctx)
	assert.Error(t, err)
}

func TestReadResponse_RespectsContextCancellation(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	lr := NewLineReader(r)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := lr.ReadResponse(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestToolDescriptor_Schema(t *testing.T) {
	td := ToolDescriptor{
		Name:        "read_file",
		InputSchema: []byte(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
	}
	schema := td.Schema()
	assert.Equal(t, []string{"path"}, schema.Required)
	assert.Equal(t, "string", schema.Properties["path"].Type)
}

func TestToolDescriptor_Schema_Empty(t *testing.T) {
	td := ToolDescriptor{Name: "noop"}
	schema := td.Schema()
	assert.Empty(t, schema.Required)
	assert.Empty(t, schema.Properties)
}
