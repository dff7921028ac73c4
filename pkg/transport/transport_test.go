package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"

	domainerrors "github.com/core-tools/hsu-autoshutdown/pkg/errors"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPipe_Handshake(t *testing.T) {
	ctx := testContext(t)
	controller, child := Pipe()
	defer controller.Close()
	defer child.Close()

	go func() {
		_ = controller.Send(ctx, Message{
			Type:    MessageInit,
			Channel: "worker-1",
			Data:    map[string]any{"port": 50055, "name": "echo", "tags": []any{"a", "b"}},
		})
	}()

	msg, err := child.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, MessageInit, msg.Type)
	assert.Equal(t, "worker-1", msg.Channel)
	assert.Equal(t, float64(50055), msg.Data["port"])
	assert.Equal(t, "echo", msg.Data["name"])
	assert.Equal(t, []any{"a", "b"}, msg.Data["tags"])

	go func() { _ = child.Send(ctx, Message{Type: MessageReady}) }()

	reply, err := controller.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, MessageReady, reply.Type)
	assert.Empty(t, reply.Channel)
	assert.Nil(t, reply.Data)
}

func TestPipe_PreservesOrder(t *testing.T) {
	ctx := testContext(t)
	left, right := Pipe()
	defer left.Close()
	defer right.Close()

	go func() {
		_ = left.Send(ctx, Message{Type: MessageInit, Channel: "c"})
		_ = left.Send(ctx, Message{Type: MessageTerminate})
	}()

	first, err := right.Receive(ctx)
	require.NoError(t, err)
	second, err := right.Receive(ctx)
	require.NoError(t, err)

	assert.Equal(t, MessageInit, first.Type)
	assert.Equal(t, MessageTerminate, second.Type)
}

func TestPipe_CloseEndsPeer(t *testing.T) {
	ctx := testContext(t)
	left, right := Pipe()
	defer right.Close()

	require.NoError(t, left.Close())
	require.NoError(t, left.Close())

	_, err := right.Receive(ctx)
	require.Error(t, err)
	assert.True(t, domainerrors.IsTransportError(err))

	err = left.Send(ctx, Message{Type: MessageReady})
	assert.True(t, domainerrors.IsTransportError(err))
}

func TestReceive_HonoursContext(t *testing.T) {
	left, right := Pipe()
	defer left.Close()
	defer right.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := right.Receive(ctx)
	assert.True(t, domainerrors.IsCancelledError(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStream_MalformedMessageKeepsChannelUsable(t *testing.T) {
	var buf bytes.Buffer

	noType, err := structpb.NewStruct(map[string]any{"channel": "x"})
	require.NoError(t, err)
	_, err = protodelim.MarshalTo(&buf, noType)
	require.NoError(t, err)
	require.NoError(t, writeMessage(&buf, Message{Type: MessageTerminate}))

	c := NewStreamChannel(&buf, io.Discard)
	defer c.Close()
	ctx := testContext(t)

	_, err = c.Receive(ctx)
	assert.True(t, domainerrors.IsProtocolError(err))

	msg, err := c.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, MessageTerminate, msg.Type)

	_, err = c.Receive(ctx)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestDecodeMessage_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
	}{
		{"missing type", map[string]any{}},
		{"numeric type", map[string]any{"type": 3}},
		{"numeric channel", map[string]any{"type": "init", "channel": 7}},
		{"list data", map[string]any{"type": "init", "data": []any{1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := structpb.NewStruct(tt.fields)
			require.NoError(t, err)
			_, err = decodeMessage(s)
			assert.True(t, domainerrors.IsProtocolError(err))
		})
	}
}

func TestWriteMessage_UnencodableData(t *testing.T) {
	err := writeMessage(io.Discard, Message{Type: MessageInit, Data: map[string]any{"ch": make(chan int)}})
	assert.True(t, domainerrors.IsProtocolError(err))
}

func TestReadMessage_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	big := make([]byte, maxMessageSize+1)
	require.NoError(t, writeMessage(&buf, Message{Type: MessageInit, Data: map[string]any{"blob": string(big)}}))

	_, err := readMessage(bufio.NewReader(&buf))
	assert.True(t, domainerrors.IsTransportError(err))
	assert.ErrorAs(t, err, new(*protodelim.SizeTooLargeError))
}

func TestListener_DialAndAccept(t *testing.T) {
	ctx := testContext(t)
	listener, err := Listen()
	require.NoError(t, err)
	defer listener.Close()

	assert.Equal(t, EnvController+"="+listener.Addr(), listener.Environment())

	t.Setenv(EnvController, listener.Addr())

	type dialResult struct {
		c       *StreamChannel
		spawned bool
		err     error
	}
	dialed := make(chan dialResult, 1)
	go func() {
		c, spawned, err := FromEnvironment(ctx)
		dialed <- dialResult{c, spawned, err}
	}()

	controller, err := listener.Accept(ctx)
	require.NoError(t, err)
	defer controller.Close()

	r := <-dialed
	require.NoError(t, r.err)
	require.True(t, r.spawned)
	child := r.c
	defer child.Close()

	require.NoError(t, child.Send(ctx, Message{Type: MessageReady}))
	msg, err := controller.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, MessageReady, msg.Type)
}

func TestFromEnvironment_Standalone(t *testing.T) {
	t.Setenv(EnvController, "")

	c, spawned, err := FromEnvironment(context.Background())
	assert.NoError(t, err)
	assert.False(t, spawned)
	assert.Nil(t, c)
}

func TestListener_AcceptCancelled(t *testing.T) {
	listener, err := Listen()
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = listener.Accept(ctx)
	assert.True(t, domainerrors.IsCancelledError(err))
}

func TestDataInt(t *testing.T) {
	data := map[string]any{
		"wire":     float64(50055),
		"local":    8080,
		"wide":     int64(9),
		"fraction": 1.5,
		"text":     "80",
	}

	tests := []struct {
		key   string
		value int
		ok    bool
	}{
		{"wire", 50055, true},
		{"local", 8080, true},
		{"wide", 9, true},
		{"fraction", 0, false},
		{"text", 0, false},
		{"missing", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			value, ok := DataInt(data, tt.key)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.value, value)
		})
	}
}
