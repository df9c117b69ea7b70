// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package reconnect

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashgraph/hedera-services-sub071/common"
)

func TestDecode_RejectsUnknownKinds(t *testing.T) {
	require := require.New(t)
	data, err := Encode(Message{Kind: 42})
	require.NoError(err)
	_, err = Decode(data)
	require.ErrorContains(err, "unknown kind(42)")

	_, err = Decode([]byte{0xff, 0x00})
	require.ErrorContains(err, "invalid reconnect message")
}

func TestEncode_IsDeterministic(t *testing.T) {
	require := require.New(t)
	hash := common.HashOf([]byte("node"))
	msg := Message{Kind: KindNode, Path: 12, Hash: hash.ToBytes(), Leaf: true, Key: []byte("k"), Value: []byte("v")}
	a, err := Encode(msg)
	require.NoError(err)
	b, err := Encode(msg)
	require.NoError(err)
	require.Equal(a, b)
	got, err := Decode(a)
	require.NoError(err)
	require.Equal(msg, got)
}

func TestPipe_DeliversMessagesInOrder(t *testing.T) {
	require := require.New(t)
	a, b := Pipe(2)
	ctx := context.Background()
	go func() {
		for i := 0; i < 10; i++ {
			_ = a.Send(ctx, Message{Kind: KindRequestNode, Path: int64(i)})
		}
	}()
	for i := 0; i < 10; i++ {
		msg, err := b.Receive(ctx)
		require.NoError(err)
		require.Equal(int64(i), msg.Path)
	}
}

func TestPipe_PendingMessagesAreDeliveredAfterPeerClosed(t *testing.T) {
	require := require.New(t)
	a, b := Pipe(2)
	ctx := context.Background()
	require.NoError(a.Send(ctx, Message{Kind: KindDone}))
	require.NoError(a.Close())

	msg, err := b.Receive(ctx)
	require.NoError(err)
	require.Equal(KindDone, msg.Kind)
	_, err = b.Receive(ctx)
	require.ErrorIs(err, ErrClosed)
	require.ErrorIs(b.Send(ctx, Message{Kind: KindDone}), ErrClosed)
	require.ErrorIs(a.Send(ctx, Message{Kind: KindDone}), ErrClosed)
}

func TestPipe_BlockedOperationsHonorContext(t *testing.T) {
	require := require.New(t)
	a, _ := Pipe(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := a.Receive(ctx)
	require.ErrorIs(err, context.DeadlineExceeded)

	require.NoError(a.Send(context.Background(), Message{Kind: KindDone}))
	require.ErrorIs(a.Send(ctx, Message{Kind: KindDone}), context.DeadlineExceeded)
}

func TestStreamConn_ExchangesMessages(t *testing.T) {
	require := require.New(t)
	x, y := net.Pipe()
	a, b := NewStreamConn(x), NewStreamConn(y)
	defer a.Close()
	ctx := context.Background()

	go func() {
		_ = a.Send(ctx, Message{Kind: KindHello, Session: "s", Mode: "push", First: -1, Last: -1})
		_ = a.Send(ctx, Message{Kind: KindDone})
	}()
	msg, err := b.Receive(ctx)
	require.NoError(err)
	require.Equal(Message{Kind: KindHello, Session: "s", Mode: "push", First: -1, Last: -1}, msg)
	msg, err = b.Receive(ctx)
	require.NoError(err)
	require.Equal(KindDone, msg.Kind)

	require.NoError(b.Close())
	_, err = a.Receive(ctx)
	require.ErrorIs(err, ErrClosed)
}
