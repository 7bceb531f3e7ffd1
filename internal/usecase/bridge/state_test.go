package bridge

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slack-ircd/internal/domain"
)

type fakeHandle struct {
	name string
}

func (h *fakeHandle) Name() string { return h.name }
func (h *fakeHandle) Deliver(_ domain.IRCMessage) error { return nil }

func TestEchoSuppression(t *testing.T) {
	s := NewState()
	s.BindChannel("C1", "#general", &fakeHandle{"#general"})

	s.RecordOutboundEcho("C1", "1700000000.000100")

	assert.True(t, s.ConsumeEchoIfPresent("C1", "1700000000.000100"))
	assert.False(t, s.ConsumeEchoIfPresent("C1", "1700000000.000100"), "an echo is consumed once")
	assert.False(t, s.ConsumeEchoIfPresent("C1", "1700000000.000200"), "other timestamps are real messages")
}

func TestEchoIsPerChannel(t *testing.T) {
	s := NewState()
	s.BindChannel("C1", "#general", &fakeHandle{"#general"})
	s.BindChannel("C2", "#random", &fakeHandle{"#random"})

	s.RecordOutboundEcho("C1", "1.1")
	assert.False(t, s.ConsumeEchoIfPresent("C2", "1.1"))
	assert.True(t, s.ConsumeEchoIfPresent("C1", "1.1"))
}

func TestEchoBufferBounded(t *testing.T) {
	s := NewState()
	s.BindChannel("C1", "#general", &fakeHandle{"#general"})

	for i := range EchoCapacity + 1 {
		s.RecordOutboundEcho("C1", fmt.Sprintf("ts-%d", i))
	}

	b, ok := s.lookup("C1")
	require.True(t, ok)
	assert.Equal(t, EchoCapacity, b.echo.len())

	assert.False(t, s.ConsumeEchoIfPresent("C1", "ts-0"), "oldest entry is evicted")
	for i := 1; i <= EchoCapacity; i++ {
		assert.True(t, s.ConsumeEchoIfPresent("C1", fmt.Sprintf("ts-%d", i)), "ts-%d", i)
	}
	assert.Zero(t, b.echo.len())
}

func TestEchoEvictionIsFIFO(t *testing.T) {
	s := NewState()
	s.BindChannel("C1", "#general", &fakeHandle{"#general"})

	for i := range EchoCapacity {
		s.RecordOutboundEcho("C1", fmt.Sprintf("ts-%d", i))
	}
	// Consuming does not refresh an entry's position.
	require.True(t, s.ConsumeEchoIfPresent("C1", "ts-5"))
	s.RecordOutboundEcho("C1", "ts-5")
	s.RecordOutboundEcho("C1", "new-1")

	assert.False(t, s.ConsumeEchoIfPresent("C1", "ts-0"))
	assert.True(t, s.ConsumeEchoIfPresent("C1", "ts-1"))
	assert.True(t, s.ConsumeEchoIfPresent("C1", "ts-5"))
}

func TestEchoOnUnboundChannel(t *testing.T) {
	s := NewState()

	s.RecordOutboundEcho("C404", "1.1")
	assert.False(t, s.ConsumeEchoIfPresent("C404", "1.1"))
	_, ok := s.lookup("C404")
	assert.False(t, ok, "recording must not create a binding")
}

func TestBindChannelBijective(t *testing.T) {
	s := NewState()
	h := &fakeHandle{"#general"}
	s.BindChannel("C1", "#general", h)

	id, ok := s.ResolveSlackID("#general")
	require.True(t, ok)
	assert.Equal(t, "C1", id)
	got, ok := s.ResolveIRCChannel("C1")
	require.True(t, ok)
	assert.Same(t, h, got)

	h2 := &fakeHandle{"#renamed"}
	s.BindChannel("C1", "#renamed", h2)

	_, ok = s.ResolveSlackID("#general")
	assert.False(t, ok, "old IRC name must be released on rebind")
	id, ok = s.ResolveSlackID("#renamed")
	require.True(t, ok)
	assert.Equal(t, "C1", id)
	got, _ = s.ResolveIRCChannel("C1")
	assert.Same(t, h2, got)
	assert.Equal(t, 1, s.Bindings())
}

func TestBindChannelTakesOverIRCName(t *testing.T) {
	s := NewState()
	s.BindChannel("C1", "#general", &fakeHandle{"#general"})
	s.BindChannel("C2", "#general", &fakeHandle{"#general"})

	id, ok := s.ResolveSlackID("#general")
	require.True(t, ok)
	assert.Equal(t, "C2", id)
	_, ok = s.ResolveIRCChannel("C1")
	assert.False(t, ok, "the displaced Slack channel has no IRC side any more")
	assert.Equal(t, 1, s.Bindings())
}

func TestBindChannelCaseInsensitive(t *testing.T) {
	s := NewState()
	s.BindChannel("C1", "#General", &fakeHandle{"#General"})

	id, ok := s.ResolveSlackID("#gENERAL")
	require.True(t, ok)
	assert.Equal(t, "C1", id)
}

func TestRebindKeepsPendingEchoes(t *testing.T) {
	s := NewState()
	s.BindChannel("C1", "#general", &fakeHandle{"#general"})
	s.RecordOutboundEcho("C1", "1.1")

	// Another user's registration binds the same channel again.
	s.BindChannel("C1", "#general", &fakeHandle{"#general"})

	assert.True(t, s.ConsumeEchoIfPresent("C1", "1.1"))
}

func TestUsernameCache(t *testing.T) {
	s := NewState()

	_, ok := s.LookupUsername("U1")
	assert.False(t, ok)

	s.BindUsername("U1", "alice")
	name, ok := s.LookupUsername("U1")
	require.True(t, ok)
	assert.Equal(t, "alice", name)

	s.BindUsername("U1", "alice2")
	name, _ = s.LookupUsername("U1")
	assert.Equal(t, "alice2", name)
	assert.Equal(t, 1, s.Usernames())
}

func TestStateConcurrentAccess(t *testing.T) {
	s := NewState()

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				id := fmt.Sprintf("C%d", i%10)
				name := fmt.Sprintf("#chan%d", i%10)
				ts := fmt.Sprintf("%d.%d", w, i)
				s.BindChannel(id, name, &fakeHandle{name})
				s.RecordOutboundEcho(id, ts)
				s.ConsumeEchoIfPresent(id, ts)
				s.ResolveSlackID(name)
				s.ResolveIRCChannel(id)
				s.BindUsername(fmt.Sprintf("U%d", i), "user")
				s.LookupUsername("U1")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, s.Bindings())
	for i := range 10 {
		id, ok := s.ResolveSlackID(fmt.Sprintf("#chan%d", i))
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("C%d", i), id)
	}
}
