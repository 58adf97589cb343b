package rtcsession

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/zokiio/ovc/internal/config"
	"github.com/zokiio/ovc/internal/ids"
)

func TestSendOnUnopenedChannelReturnsClosed(t *testing.T) {
	s, err := New(ids.NewClientID(), config.Default(), nil)
	require.NoError(t, err)
	defer s.Close()

	result := s.Send([]byte("hello"))
	require.Equal(t, SendClosed, result)
}

func TestCloseClosesEventChannelOnce(t *testing.T) {
	s, err := New(ids.NewClientID(), config.Default(), nil)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close()) // idempotent

	_, open := <-s.Events()
	require.False(t, open)
}

// TestNegotiateAndExchangeAudioFrame drives two in-process Sessions
// through a full offer/answer/candidate exchange over loopback and
// verifies a DataChannel message round-trips.
func TestNegotiateAndExchangeAudioFrame(t *testing.T) {
	cfg := config.Default()
	offerer, err := New(ids.NewClientID(), cfg, nil)
	require.NoError(t, err)
	defer offerer.Close()

	answerer, err := New(ids.NewClientID(), cfg, nil)
	require.NoError(t, err)
	defer answerer.Close()

	received := make(chan []byte, 1)
	answerer.OnFrame(func(raw []byte) { received <- raw })

	require.NoError(t, offerer.CreateAudioChannel())

	offer, err := offerer.CreateOffer()
	require.NoError(t, err)

	answer, err := answerer.CreateAnswer(offer)
	require.NoError(t, err)
	require.NoError(t, offerer.SetRemoteAnswer(answer))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	offererOpen := make(chan struct{})
	go relayCandidates(ctx, offerer, answerer, offererOpen)
	go relayCandidates(ctx, answerer, offerer, nil)

	require.NoError(t, offerer.WaitDTLSHandshake(ctx, 5*time.Second))
	require.NoError(t, answerer.WaitDTLSHandshake(ctx, 5*time.Second))

	select {
	case <-offererOpen:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for data channel to open")
	}

	for i := 0; i < 50; i++ {
		if offerer.Send([]byte("ping")) == SendOK {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case msg := <-received:
		require.Equal(t, "ping", string(msg))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for data channel message")
	}
}

// relayCandidates drains from's event channel, forwarding ICE candidates to
// to and, if opened is non-nil, closing it once from's audio channel opens.
func relayCandidates(ctx context.Context, from, to *Session, opened chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-from.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case EventICECandidate:
				if ev.Candidate != nil {
					_ = to.AddICECandidate(webrtc.ICECandidateInit{Candidate: ev.Candidate.ToJSON().Candidate})
				}
			case EventChannelOpen:
				if opened != nil {
					close(opened)
				}
			}
		}
	}
}
