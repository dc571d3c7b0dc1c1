package callregistry_test

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caro-platform/caro-bus-go/pkg/callregistry"
	"github.com/caro-platform/caro-bus-go/pkg/wire"
)

type recordingWriter struct {
	mu  sync.Mutex
	got []uint64
}

func (w *recordingWriter) Enqueue(m *wire.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.got = append(w.got, m.Seq)
	return nil
}

func TestSeqMonotonicityUnderConcurrency(t *testing.T) {
	reg := callregistry.New()
	out := &recordingWriter{}

	const n = 64

	var wg sync.WaitGroup
	seqs := make([]uint64, n)

	for i := 0; i < n; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			sink := make(chan *wire.Message, 1)
			msg := wire.NewMethodCall("svc.a", "m", nil)
			require.NoError(t, reg.Call(out, msg, sink))
			seqs[i] = msg.Seq
		}(i)
	}

	wg.Wait()

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	min := seqs[0]
	for i, s := range seqs {
		assert.Equal(t, min+uint64(i), s, "sequence numbers must form a contiguous permutation")
	}
}

func TestResolveNonSignalRemovesEntry(t *testing.T) {
	reg := callregistry.New()
	out := &recordingWriter{}
	sink := make(chan *wire.Message, 1)

	msg := wire.NewMethodCall("svc.a", "m", nil)
	require.NoError(t, reg.Call(out, msg, sink))

	resp := wire.NewResponseReturn([]byte("ok"))
	resp.Seq = msg.Seq
	reg.Resolve(resp)

	assert.False(t, reg.HasCall(msg.Seq))

	select {
	case got := <-sink:
		assert.Equal(t, resp, got)
	default:
		t.Fatal("expected response delivered to sink")
	}
}

func TestResolveSignalKeepsEntry(t *testing.T) {
	reg := callregistry.New()
	out := &recordingWriter{}
	sink := make(chan *wire.Message, 2)

	sub := wire.NewSignalSubscription("svc.a", "s1")
	require.NoError(t, reg.Call(out, sub, sink))
	seq := sub.Seq

	for i := 0; i < 2; i++ {
		signal := wire.NewResponseSignal([]byte{byte(i)})
		signal.Seq = seq
		reg.Resolve(signal)
		assert.True(t, reg.HasCall(seq), "signal responses must not remove the table entry")
	}

	assert.Len(t, sink, 2)

	reg.Unsubscribe(seq)
	assert.False(t, reg.HasCall(seq))
}

func TestResolveUnknownSeqIsDroppedNotFatal(t *testing.T) {
	reg := callregistry.New()

	unknown := wire.NewResponseOk()
	unknown.Seq = 999

	assert.NotPanics(t, func() { reg.Resolve(unknown) })
}
