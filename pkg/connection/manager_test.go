package connection

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/jobwire/pkg/channel"
	"github.com/go-go-golems/jobwire/pkg/channel/channeltest"
	"github.com/go-go-golems/jobwire/pkg/wire"
)

func newTestManager(opts ...Option) (*Manager, *channeltest.Factory, *clock.Mock) {
	f := &channeltest.Factory{}
	mock := clock.NewMock()
	m := NewManager(f.New, append([]Option{WithClock(mock)}, opts...)...)
	return m, f, mock
}

func TestEnsureConnectionRequiresToken(t *testing.T) {
	m, f, _ := newTestManager()
	err := m.EnsureConnection("  ")
	require.ErrorIs(t, err, ErrAuthenticationMissing)
	require.Empty(t, f.Created())
	require.False(t, m.Exists())
	require.False(t, m.Initializing())
}

func TestEnsureConnectionTwiceInSameTickCreatesOneChannel(t *testing.T) {
	m, f, _ := newTestManager()

	require.NoError(t, m.EnsureConnection("tok"))
	require.NoError(t, m.EnsureConnection("tok"))

	require.Len(t, f.Created(), 1)
	require.Equal(t, 1, f.Last().ConnectCalls())
	require.Equal(t, "tok", f.Last().Token)
	require.True(t, m.Initializing())
}

func TestEnsureConnectionConcurrentCallersShareOneChannel(t *testing.T) {
	m, f, _ := newTestManager()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.EnsureConnection("tok"))
		}()
	}
	wg.Wait()

	require.Len(t, f.Created(), 1)
	require.Equal(t, 1, f.Last().ConnectCalls())
}

func TestEnsureConnectionNoopWhenConnected(t *testing.T) {
	m, f, _ := newTestManager()
	require.NoError(t, m.EnsureConnection("tok"))
	f.Last().SimulateConnect()
	require.False(t, m.Initializing())
	require.True(t, m.Connected())

	require.NoError(t, m.EnsureConnection("tok"))
	require.Equal(t, 1, f.Last().ConnectCalls())
	require.Equal(t, channel.Connected, m.State().Transport)
}

func TestInitDeadlineClearsInitializing(t *testing.T) {
	m, f, mock := newTestManager()
	require.NoError(t, m.EnsureConnection("tok"))

	mock.Add(5 * time.Second)
	require.True(t, m.Initializing())

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return !m.Initializing() }, time.Second, time.Millisecond)

	// The stuck channel is reused, not replaced.
	require.NoError(t, m.EnsureConnection("tok"))
	require.Len(t, f.Created(), 1)
	require.True(t, m.Initializing())
}

func TestEnsureConnectionReusesDisconnectedChannel(t *testing.T) {
	m, f, _ := newTestManager()
	require.NoError(t, m.EnsureConnection("tok"))
	ch := f.Last()
	ch.SimulateConnect()
	ch.SimulateDisconnect(wire.ReasonTransportClose)

	require.NoError(t, m.EnsureConnection("tok"))
	require.Len(t, f.Created(), 1)
	require.Equal(t, 2, ch.ConnectCalls())
}

func TestConnectErrorClearsInitializingAndRecordsError(t *testing.T) {
	m, f, _ := newTestManager()
	require.NoError(t, m.EnsureConnection("tok"))
	f.Last().SimulateConnectError("dial refused")

	s := m.State()
	require.False(t, s.Initializing)
	require.Equal(t, "dial refused", s.LastError)
	require.True(t, s.Exists)

	f.Last().SimulateConnect()
	require.Equal(t, "", m.State().LastError)
}

func TestChannelErrorEventRecordsError(t *testing.T) {
	m, f, _ := newTestManager()
	require.NoError(t, m.EnsureConnection("tok"))
	f.Last().SimulateConnect()
	f.Last().Deliver(wire.EventError, wire.ErrorEvent{Message: "bad frame"})
	require.Equal(t, "bad frame", m.State().LastError)
	require.True(t, m.Connected())
}

func TestServerDisconnectSchedulesExactlyOneReconnect(t *testing.T) {
	m, f, mock := newTestManager()
	require.NoError(t, m.EnsureConnection("tok"))
	ch := f.Last()
	ch.SimulateConnect()

	ch.SimulateDisconnect(wire.ReasonServerDisconnect)
	ch.SimulateDisconnect(wire.ReasonServerDisconnect)
	require.True(t, m.ReconnectScheduled())

	mock.Add(999 * time.Millisecond)
	require.Equal(t, 1, ch.ConnectCalls())

	mock.Add(time.Millisecond)
	require.Eventually(t, func() bool { return ch.ConnectCalls() == 2 }, time.Second, time.Millisecond)
	require.False(t, m.ReconnectScheduled())

	mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 2, ch.ConnectCalls())
	require.Len(t, f.Created(), 1)
}

func TestOtherDisconnectReasonsScheduleNothing(t *testing.T) {
	m, f, mock := newTestManager()
	require.NoError(t, m.EnsureConnection("tok"))
	ch := f.Last()
	ch.SimulateConnect()

	ch.SimulateDisconnect(wire.ReasonTransportClose)
	require.False(t, m.ReconnectScheduled())

	mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, ch.ConnectCalls())
}

func TestReconnectWithoutChannel(t *testing.T) {
	m, _, _ := newTestManager()
	require.False(t, m.Reconnect())
}

func TestReconnectExistingChannel(t *testing.T) {
	m, f, _ := newTestManager()
	require.NoError(t, m.EnsureConnection("tok"))
	ch := f.Last()
	ch.SimulateConnect()
	ch.SimulateDisconnect(wire.ReasonTransportClose)

	require.True(t, m.Reconnect())
	require.Equal(t, 2, ch.ConnectCalls())
}

func TestCallThroughWithoutChannel(t *testing.T) {
	m, _, _ := newTestManager()
	require.ErrorIs(t, m.Emit("x", nil), channel.ErrNotConnected)
	require.Equal(t, channel.ListenerID(0), m.On("x", nil))
	require.False(t, m.Off(0))
}

func TestFactoryErrorIsReported(t *testing.T) {
	f := &channeltest.Factory{Err: errors.New("bad url")}
	m := NewManager(f.New, WithClock(clock.NewMock()))
	err := m.EnsureConnection("tok")
	require.Error(t, err)
	require.False(t, m.Exists())
	require.False(t, m.Initializing())
	require.Equal(t, "bad url", m.State().LastError)
}

func TestCloseAllowsFreshChannel(t *testing.T) {
	m, f, _ := newTestManager()
	require.NoError(t, m.EnsureConnection("tok"))
	first := f.Last()
	first.SimulateConnect()

	require.NoError(t, m.Close())
	require.False(t, m.Exists())
	require.Equal(t, 1, first.CloseCalls())
	require.Equal(t, 0, first.Total())

	require.NoError(t, m.EnsureConnection("tok2"))
	require.Len(t, f.Created(), 2)
	require.Equal(t, "tok2", f.Last().Token)
}

func TestObserverSeesTransitions(t *testing.T) {
	var mu sync.Mutex
	var states []State
	m, f, _ := newTestManager(WithObserver(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}))
	require.NoError(t, m.EnsureConnection("tok"))
	f.Last().SimulateConnect()

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(states), 2)
	require.True(t, states[0].Initializing)
	last := states[len(states)-1]
	require.Equal(t, channel.Connected, last.Transport)
	require.False(t, last.Initializing)
}

func TestOnListenersFollowFreshChannel(t *testing.T) {
	m, f, _ := newTestManager()
	answers := 0
	early := m.On(wire.EventAnswerCreated, func(json.RawMessage) { answers++ })
	require.NotZero(t, early)

	require.NoError(t, m.EnsureConnection("tok"))
	first := f.Last()
	first.SimulateConnect()
	first.Deliver(wire.EventAnswerCreated, wire.AnswerCreated{Message: "a"})
	require.Equal(t, 1, answers)

	require.NoError(t, m.Close())
	require.Equal(t, 0, first.Count(wire.EventAnswerCreated))
	require.Equal(t, 1, m.Listeners())

	require.NoError(t, m.EnsureConnection("tok"))
	second := f.Last()
	require.Equal(t, 1, second.Count(wire.EventAnswerCreated))
	second.SimulateConnect()
	second.Deliver(wire.EventAnswerCreated, wire.AnswerCreated{Message: "b"})
	require.Equal(t, 2, answers)

	require.True(t, m.Off(early))
	require.Equal(t, 0, second.Count(wire.EventAnswerCreated))
	require.Equal(t, 0, m.Listeners())
}

func TestStaleListenerIDLeavesFreshChannelAlone(t *testing.T) {
	m, f, _ := newTestManager()
	require.NoError(t, m.EnsureConnection("tok"))
	stale := m.Once(wire.EventConnect, func(json.RawMessage) {})
	require.NoError(t, m.Close())

	require.NoError(t, m.EnsureConnection("tok"))
	second := f.Last()
	fresh := m.Once(wire.EventConnect, func(json.RawMessage) {})
	require.NotEqual(t, stale, fresh)
	require.Equal(t, 2, second.Count(wire.EventConnect))

	require.False(t, m.Off(stale), "once listeners are dropped with their channel")
	require.Equal(t, 2, second.Count(wire.EventConnect))
	require.True(t, m.Off(fresh))
	require.Equal(t, 1, second.Count(wire.EventConnect))
}

func TestOnceWithoutChannelWaitsForAllocation(t *testing.T) {
	m, f, _ := newTestManager()
	fired := 0
	id := m.Once(wire.EventConnect, func(json.RawMessage) { fired++ })
	require.NotZero(t, id)

	require.NoError(t, m.EnsureConnection("tok"))
	ch := f.Last()
	ch.SimulateConnect()
	ch.SimulateConnect()
	require.Equal(t, 1, fired)
	require.False(t, m.Off(id), "already ran")
	require.Equal(t, 0, m.Listeners())
}
