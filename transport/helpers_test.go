package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type chanSink chan Event

func newChanSink() chanSink { return make(chanSink, 256) }

func (s chanSink) Post(ev Event) { s <- ev }

func (s chanSink) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-s:
		return ev
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for transport event")
		return Event{}
	}
}

// nextOf skips events of other types, e.g. writable notifications.
func (s chanSink) nextOf(t *testing.T, typ EventType) Event {
	t.Helper()
	for {
		ev := s.next(t)
		if ev.Type == typ {
			return ev
		}
	}
}

func (s chanSink) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ev := <-s:
		require.FailNowf(t, "unexpected event", "%s on conn %d", ev.Type, ev.Conn)
	case <-time.After(d):
	}
}
