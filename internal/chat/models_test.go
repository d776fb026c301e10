package chat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageStatus_Earlier(t *testing.T) {
	req := require.New(t)

	req.Empty(StatusSent.Earlier())
	req.Equal([]MessageStatus{StatusSent}, StatusDelivered.Earlier())
	req.Equal([]MessageStatus{StatusSent, StatusDelivered}, StatusRead.Earlier())
	req.False(MessageStatus("").Valid())
}

func TestMessageStatus_Before(t *testing.T) {
	req := require.New(t)
	req.True(StatusSent.Before(StatusRead))
	req.False(StatusRead.Before(StatusSent))
	req.False(StatusDelivered.Before(StatusDelivered))
}

func TestMessage_Peer(t *testing.T) {
	req := require.New(t)
	m := Message{Sender: "alice", Receiver: "bob"}

	req.Equal("bob", m.Peer("alice"))
	req.Equal("alice", m.Peer("bob"))
}

func TestErrors_UnknownWrapsUnknownUser(t *testing.T) {
	req := require.New(t)
	req.ErrorIs(ErrUnknownSender, ErrUnknownUser)
	req.ErrorIs(ErrUnknownReceiver, ErrUnknownUser)
	req.NotErrorIs(ErrUnknownSender, ErrUnknownReceiver)
}
