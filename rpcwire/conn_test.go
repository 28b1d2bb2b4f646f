package rpcwire

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCommitRequestRoundTripsOverConn(t *testing.T) {
	clientRWC, serverRWC := net.Pipe()
	client := NewConn(clientRWC, zap.NewNop().Sugar())
	server := NewConn(serverRWC, zap.NewNop().Sugar())

	received := make(chan CommitRequest, 1)
	server.RegisterHandler(MsgCommitRequest, func(payload []byte) error {
		var req CommitRequest
		if err := Decode(payload, &req); err != nil {
			return err
		}
		received <- req
		return nil
	})

	go server.Serve()
	go client.Serve()
	t.Cleanup(func() { client.Close(); server.Close() })

	want := CommitRequest{
		StorageTeamID:         uuid.New(),
		Messages:              []byte("payload"),
		PrevVersion:           1,
		Version:               2,
		KnownCommittedVersion: 2,
	}
	payload, err := Encode(want)
	require.NoError(t, err)
	require.NoError(t, client.Send(MsgCommitRequest, payload))

	select {
	case got := <-received:
		require.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestUnregisteredMessageTypeIsSkippedNotFatal(t *testing.T) {
	clientRWC, serverRWC := net.Pipe()
	client := NewConn(clientRWC, zap.NewNop().Sugar())
	server := NewConn(serverRWC, zap.NewNop().Sugar())

	received := make(chan struct{}, 1)
	server.RegisterHandler(MsgPeekRequest, func(payload []byte) error {
		received <- struct{}{}
		return nil
	})

	go server.Serve()
	go client.Serve()
	t.Cleanup(func() { client.Close(); server.Close() })

	require.NoError(t, client.Send(MsgCommitRequest, []byte("unused")))
	payload, err := Encode(PeekRequest{BeginVersion: 1})
	require.NoError(t, err)
	require.NoError(t, client.Send(MsgPeekRequest, payload))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("server should still process the frame after an earlier unregistered type")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	_, serverRWC := net.Pipe()
	c := NewConn(serverRWC, zap.NewNop().Sugar())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
