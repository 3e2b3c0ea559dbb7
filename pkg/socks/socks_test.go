package socks

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/jingle_phone/pkg/logger"
)

func TestDstAddr(t *testing.T) {
	got := DstAddr("mySID", "romeo@montague.lit/orchard", "juliet@capulet.lit/balcony")
	assert.Equal(t, "f70fc48b5c4eb27759edd49219f90618074351a6", got)
	assert.Len(t, got, 40)
}

func TestHandshake(t *testing.T) {
	tests := []struct {
		name      string
		clientDst string
		serverDst string
		wantErr   bool
	}{
		{name: "совпадающий адрес", clientDst: "abc", serverDst: "abc"},
		{name: "чужой адрес", clientDst: "abc", serverDst: "xyz", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := net.Pipe()
			defer client.Close()
			defer server.Close()

			serverErr := make(chan error, 1)
			go func() { serverErr <- serverHandshake(server, tt.serverDst) }()

			err := clientHandshake(client, tt.clientDst)
			// клиент не дочитывает ответ с отказом, закрытие разблокирует сервер
			_ = client.Close()
			sErr := <-serverErr
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrHandshake)
				assert.ErrorIs(t, sErr, ErrHandshake)
				return
			}
			assert.NoError(t, err)
			assert.NoError(t, sErr)
		})
	}
}

func TestConnectRequestLimits(t *testing.T) {
	_, err := connectRequest("")
	assert.Error(t, err)
	_, err = connectRequest(strings.Repeat("a", 256))
	assert.Error(t, err)

	req, err := connectRequest("host")
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 1, 0, 3, 4, 'h', 'o', 's', 't', 0, 0}, req, "порт всегда 0")
}

type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) add(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) find(status Status) (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notes {
		if n.Status == status {
			return n, true
		}
	}
	return Notification{}, false
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTransferEndToEnd(t *testing.T) {
	ctx := context.Background()
	dst := DstAddr("sid1", "a@x/1", "b@y/2")

	sender := NewTCPHelper(DefaultConfig(), logger.Discard())
	receiver := NewTCPHelper(DefaultConfig(), logger.Discard())
	defer sender.Close()
	defer receiver.Close()

	sendNotes, recvNotes := &recorder{}, &recorder{}
	sender.Subscribe(sendNotes.add)
	receiver.Subscribe(recvNotes.add)

	ep, err := sender.Listen(ctx, "sid1", dst)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ep.Addr)

	require.NoError(t, receiver.Connect(ctx, "sid1", dst, ep.Addr, ep.Port))

	require.Eventually(t, func() bool {
		_, a := sendNotes.find(StatusEstablished)
		_, b := recvNotes.find(StatusEstablished)
		return a && b
	}, 2*time.Second, 10*time.Millisecond)
	n, _ := recvNotes.find(StatusEstablished)
	assert.Equal(t, net.JoinHostPort(ep.Addr, strconv.Itoa(ep.Port)), n.Host)

	payload := []byte("содержимое файла")
	sink := &lockedBuffer{}
	require.NoError(t, receiver.Start(ctx, "sid1", Payload{Sink: sink, Size: int64(len(payload))}))
	require.NoError(t, sender.Start(ctx, "sid1", Payload{Source: bytes.NewReader(payload), Size: int64(len(payload))}))

	require.Eventually(t, func() bool {
		_, ok := recvNotes.find(StatusTerminated)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	done, _ := recvNotes.find(StatusTerminated)
	assert.NoError(t, done.Err)
	assert.Equal(t, int64(len(payload)), done.Bytes)
	assert.Equal(t, string(payload), sink.String())

	_, running := sendNotes.find(StatusRunning)
	assert.True(t, running)
}

func TestConnectFailureNotifies(t *testing.T) {
	h := NewTCPHelper(Config{ConnectTimeout: time.Second}, logger.Discard())
	defer h.Close()
	notes := &recorder{}
	h.Subscribe(notes.add)

	// порт закрытого слушателя гарантированно не принимает соединения
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	require.NoError(t, h.Connect(context.Background(), "sid", "dst", "127.0.0.1", port))
	require.Eventually(t, func() bool {
		_, ok := notes.find(StatusTerminated)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	n, _ := notes.find(StatusTerminated)
	assert.Error(t, n.Err)
	assert.Equal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), n.Host)

	assert.Error(t, h.Connect(context.Background(), "sid", "dst", "", 0))
}

func TestStartErrors(t *testing.T) {
	h := NewTCPHelper(DefaultConfig(), logger.Discard())
	defer h.Close()
	ctx := context.Background()

	assert.ErrorIs(t, h.Start(ctx, "nope", Payload{Sink: &bytes.Buffer{}}), ErrUnknownTransfer)

	_, err := h.Listen(ctx, "sid", "dst")
	require.NoError(t, err)
	assert.ErrorIs(t, h.Start(ctx, "sid", Payload{Sink: &bytes.Buffer{}}), ErrNotEstablished)
	assert.Error(t, h.Start(ctx, "sid", Payload{}))

	_, err = h.Listen(ctx, "sid", "dst")
	assert.ErrorIs(t, err, ErrExists)

	h.Stop("sid")
	assert.ErrorIs(t, h.Start(ctx, "sid", Payload{Sink: &bytes.Buffer{}}), ErrUnknownTransfer)
}
