package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardkeep/internal/cluster"
)

func TestRegisterDeliversInitialDelta(t *testing.T) {
	n := New(4)
	addr := cluster.RunnerAddress{Host: "r1", Port: 1}

	ch := n.Register(addr, cluster.Delta{Added: []int{1, 2}})
	select {
	case d := <-ch:
		assert.Equal(t, []int{1, 2}, d.Added)
	case <-time.After(time.Second):
		t.Fatal("expected initial delta")
	}
}

func TestRegisterEmptyInitialSendsNothing(t *testing.T) {
	n := New(4)
	addr := cluster.RunnerAddress{Host: "r1", Port: 1}
	ch := n.Register(addr, cluster.Delta{})

	select {
	case d := <-ch:
		t.Fatalf("unexpected delta %+v", d)
	default:
	}
}

func TestSendToUnknownRunnerIsNoop(t *testing.T) {
	n := New(4)
	assert.NotPanics(t, func() {
		n.Send(cluster.RunnerAddress{Host: "ghost", Port: 1}, cluster.Delta{Added: []int{1}})
	})
}

func TestSendEmptyDeltaIsNoop(t *testing.T) {
	n := New(1)
	addr := cluster.RunnerAddress{Host: "r1", Port: 1}
	ch := n.Register(addr, cluster.Delta{})
	n.Send(addr, cluster.Delta{})

	select {
	case d := <-ch:
		t.Fatalf("unexpected delta %+v", d)
	default:
	}
}

func TestUnregisterClosesChannel(t *testing.T) {
	n := New(4)
	addr := cluster.RunnerAddress{Host: "r1", Port: 1}
	ch := n.Register(addr, cluster.Delta{})

	n.Unregister(addr)

	_, open := <-ch
	assert.False(t, open)
}

func TestSendBlocksWhenChannelFull(t *testing.T) {
	n := New(1)
	addr := cluster.RunnerAddress{Host: "r1", Port: 1}
	ch := n.Register(addr, cluster.Delta{})
	n.Send(addr, cluster.Delta{Added: []int{1}})

	done := make(chan struct{})
	go func() {
		n.Send(addr, cluster.Delta{Added: []int{2}})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Send should have blocked on a full channel")
	case <-time.After(50 * time.Millisecond):
	}

	require.Equal(t, []int{1}, (<-ch).Added)
	<-done
}

func TestCloseShutsDownAllChannels(t *testing.T) {
	n := New(1)
	a := cluster.RunnerAddress{Host: "a", Port: 1}
	b := cluster.RunnerAddress{Host: "b", Port: 1}
	chA := n.Register(a, cluster.Delta{})
	chB := n.Register(b, cluster.Delta{})

	n.Close()

	_, openA := <-chA
	_, openB := <-chB
	assert.False(t, openA)
	assert.False(t, openB)
}

func TestSendRacingUnregisterDoesNotPanic(t *testing.T) {
	n := New(0)
	addr := cluster.RunnerAddress{Host: "r1", Port: 1}
	ch := n.Register(addr, cluster.Delta{})

	// The unbuffered channel makes Send below block in the channel send, the
	// window Unregister races against; this reader lets that send complete.
	go func() {
		<-ch
	}()

	done := make(chan struct{})
	assert.NotPanics(t, func() {
		go func() {
			n.Send(addr, cluster.Delta{Added: []int{1}})
			close(done)
		}()
		n.Unregister(addr)
	})
	<-done
}
