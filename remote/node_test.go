package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/BazirGames/Remote/protocol"
)

func testChannel(node *RemoteNode) Channel {
	node.engine.stateLock.Lock()
	defer node.engine.stateLock.Unlock()
	return node.channel
}

func TestNodePath(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, authoritative := newTestAuthoritative(ctx, testEngineSettings())
	defer authoritative.Close()
	defer transport.Close()

	host := authoritative.Host("game")

	_, err := NewRemote(ctx, "", host)
	assert.Equal(t, errors.Is(err, ErrInvalidPath), true)
	_, err = NewRemote(ctx, strings.Repeat("x", MaxPathLength+1), host)
	assert.Equal(t, errors.Is(err, ErrInvalidPath), true)
	_, err = NewRemote(ctx, strings.Repeat("x", MaxPathLength), host)
	assert.Equal(t, err, nil)
	_, err = NewRemote(ctx, "Net", nil)
	assert.Equal(t, errors.Is(err, ErrInvalidParent), true)

	node, err := NewRemote(ctx, "a/b", host)
	assert.Equal(t, err, nil)
	assert.Equal(t, node.Address(), "game/a%2Fb")
	assert.Equal(t, node.Kind(), NodeKindRemote)
	assert.Equal(t, host.Child("a/b") == node, true)

	_, err = NewRemote(ctx, "a/b", host)
	assert.Equal(t, errors.Is(err, ErrDuplicatePath), true)
}

// a replica built after the container sees its starter children and no tags
func TestContainerSync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, authoritative := newTestAuthoritative(ctx, testEngineSettings())
	defer authoritative.Close()
	defer transport.Close()

	net, err := NewContainer(ctx, "Net", []string{"Event", "Function"}, authoritative.Host("game"))
	assert.Equal(t, err, nil)
	assert.Equal(t, net.Keys(), []string{"Event", "Function"})
	assert.Equal(t, net.Kind(), NodeKindContainer)

	_, replica := connectTestReplica(ctx, t, transport, testEngineSettings())
	defer replica.Close()

	replicaNet, err := NewContainer(ctx, "Net", nil, replica.Host("game"))
	assert.Equal(t, err, nil)
	assert.Equal(t, replicaNet.Keys(), []string{"Event", "Function"})
	assert.Equal(t, len(replicaNet.Children()), 2)
	assert.Equal(t, len(replicaNet.Tags()), 0)
	assert.Equal(t, replicaNet.Get("Event").Kind(), NodeKindRemote)
	assert.Equal(t, replicaNet.Get("Event").Parent() == Parent(replicaNet.RemoteNode), true)
	assert.Equal(t, replicaNet.Address(), "game/Net")

	children, err := replicaNet.FetchChildren(ctx)
	assert.Equal(t, err, nil)
	paths := []string{}
	for _, child := range children {
		paths = append(paths, child.Path)
	}
	assert.Equal(t, paths, []string{"Event", "Function"})
}

func TestTagUpdate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, authoritative := newTestAuthoritative(ctx, testEngineSettings())
	defer authoritative.Close()
	defer transport.Close()

	net, err := NewContainer(ctx, "Net", nil, authoritative.Host("game"))
	assert.Equal(t, err, nil)

	_, replica := connectTestReplica(ctx, t, transport, testEngineSettings())
	defer replica.Close()

	replicaNet, err := NewContainer(ctx, "Net", nil, replica.Host("game"))
	assert.Equal(t, err, nil)

	err = net.SetTag("level", 5)
	assert.Equal(t, err, nil)
	assert.Equal(t, net.Tag("level"), float64(5))

	waitFor(t, 5*time.Second, func() bool {
		return replicaNet.Tag("level") == float64(5)
	})

	tags, err := replicaNet.FetchTags(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, tags, map[string]any{"level": float64(5)})

	// nil removes
	err = net.SetTag("level", nil)
	assert.Equal(t, err, nil)
	waitFor(t, 5*time.Second, func() bool {
		return replicaNet.Tag("level") == nil
	})

	err = net.SetTag("bad", make(chan int))
	assert.NotEqual(t, err, nil)

	// a replica tag is local only
	err = replicaNet.SetTag("local", true)
	assert.Equal(t, err, nil)
	assert.Equal(t, replicaNet.Tag("local"), true)
	assert.Equal(t, net.Tag("local"), nil)
}

func TestUpdateTagIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, authoritative := newTestAuthoritative(ctx, testEngineSettings())
	defer authoritative.Close()
	defer transport.Close()

	_, err := NewRemote(ctx, "Net", authoritative.Host("game"))
	assert.Equal(t, err, nil)

	_, replica := connectTestReplica(ctx, t, transport, testEngineSettings())
	defer replica.Close()

	replicaNet, err := NewRemote(ctx, "Net", replica.Host("game"))
	assert.Equal(t, err, nil)

	replicaNet.applyUpdateTag([]any{"k", "v"})
	replicaNet.applyUpdateTag([]any{"k", "v"})
	assert.Equal(t, replicaNet.Tags(), map[string]any{"k": "v"})

	// malformed deltas are ignored
	replicaNet.applyUpdateTag([]any{"k"})
	replicaNet.applyUpdateTag([]any{float64(1), "v"})
	replicaNet.applyChildAdded([]any{})
	replicaNet.applyChildAdded([]any{"not a descriptor"})
	replicaNet.applyChildRemoved([]any{map[string]any{"kind": "Remote"}})
	assert.Equal(t, replicaNet.Tags(), map[string]any{"k": "v"})
	assert.Equal(t, len(replicaNet.Children()), 0)
}

func TestInvokeNotBound(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := testEngineSettings()

	transport, authoritative := newTestAuthoritative(ctx, settings)
	defer authoritative.Close()
	defer transport.Close()

	_, err := NewContainer(ctx, "Net", nil, authoritative.Host("game"))
	assert.Equal(t, err, nil)

	_, replica := connectTestReplica(ctx, t, transport, settings)
	defer replica.Close()

	replicaNet, err := NewContainer(ctx, "Net", nil, replica.Host("game"))
	assert.Equal(t, err, nil)

	start := time.Now()
	_, err = replicaNet.InvokeAuthoritative(ctx, "ping")
	assert.Equal(t, errors.Is(err, ErrNotBound), true)
	assert.Equal(t, errors.Is(err, ErrTimeout), false)
	assert.Equal(t, time.Since(start) < settings.ReplicaCallTimeout, true)
}

func TestInvoke(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, authoritative := newTestAuthoritative(ctx, testEngineSettings())
	defer authoritative.Close()
	defer transport.Close()

	net, err := NewRemote(ctx, "Net", authoritative.Host("game"))
	assert.Equal(t, err, nil)
	net.SetInvokeHandler(func(peerId Id, args []any) (any, error) {
		switch args[0] {
		case "panic":
			panic("bad")
		case "error":
			return nil, errors.New("boom")
		case "dup":
			return nil, fmt.Errorf("%w: taken", ErrDuplicatePath)
		case "chan":
			return make(chan int), nil
		default:
			return []any{peerId.String(), args[0]}, nil
		}
	})

	replicaId, replica := connectTestReplica(ctx, t, transport, testEngineSettings())
	defer replica.Close()

	replicaNet, err := NewRemote(ctx, "Net", replica.Host("game"))
	assert.Equal(t, err, nil)
	replicaNet.SetInvokeHandler(func(peerId Id, args []any) (any, error) {
		assert.Equal(t, peerId, AuthoritativeId)
		return fmt.Sprintf("%s!", args[0]), nil
	})

	result, err := replicaNet.InvokeAuthoritative(ctx, "ping")
	assert.Equal(t, err, nil)
	assert.Equal(t, result, []any{replicaId.String(), "ping"})

	_, err = replicaNet.InvokeAuthoritative(ctx, "panic")
	assert.Equal(t, errors.Is(err, ErrHandlerFault), true)

	_, err = replicaNet.InvokeAuthoritative(ctx, "error")
	assert.Equal(t, errors.Is(err, ErrHandlerFault), true)
	assert.Equal(t, err.Error(), "HandlerFault: boom")

	_, err = replicaNet.InvokeAuthoritative(ctx, "dup")
	assert.Equal(t, errors.Is(err, ErrDuplicatePath), true)

	_, err = replicaNet.InvokeAuthoritative(ctx, "chan")
	assert.Equal(t, errors.Is(err, ErrHandlerFault), true)

	result, err = net.InvokeReplica(ctx, replicaId, "hi")
	assert.Equal(t, err, nil)
	assert.Equal(t, result, "hi!")

	replicaNet.SetInvokeHandler(nil)
	_, err = net.InvokeReplica(ctx, replicaId, "hi")
	assert.Equal(t, errors.Is(err, ErrNotBound), true)

	// each side issues only its own calls
	_, err = net.InvokeAuthoritative(ctx)
	assert.Equal(t, errors.Is(err, ErrWrongSide), true)
	_, err = replicaNet.InvokeReplica(ctx, replicaId)
	assert.Equal(t, errors.Is(err, ErrWrongSide), true)
}

func TestInvokeTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := testEngineSettings()
	settings.ReplicaCallTimeout = 200 * time.Millisecond

	transport, authoritative := newTestAuthoritative(ctx, testEngineSettings())
	defer authoritative.Close()
	defer transport.Close()

	release := make(chan struct{})
	net, err := NewRemote(ctx, "Net", authoritative.Host("game"))
	assert.Equal(t, err, nil)
	net.SetInvokeHandler(func(peerId Id, args []any) (any, error) {
		if args[0] == "wait" {
			<-release
		}
		return "done", nil
	})

	_, replica := connectTestReplica(ctx, t, transport, settings)
	defer replica.Close()

	replicaNet, err := NewRemote(ctx, "Net", replica.Host("game"))
	assert.Equal(t, err, nil)

	start := time.Now()
	_, err = replicaNet.InvokeAuthoritative(ctx, "wait")
	elapsed := time.Since(start)
	assert.Equal(t, errors.Is(err, ErrTimeout), true)
	assert.Equal(t, settings.ReplicaCallTimeout <= elapsed, true)
	assert.Equal(t, elapsed < 2*settings.ReplicaCallTimeout, true)

	// the late reply is discarded and the node keeps working
	close(release)
	result, err := replicaNet.InvokeAuthoritative(ctx, "now")
	assert.Equal(t, err, nil)
	assert.Equal(t, result, "done")

	// the caller can give up first
	callCtx, callCancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer callCancel()
	blocked := make(chan struct{})
	defer close(blocked)
	net.SetInvokeHandler(func(peerId Id, args []any) (any, error) {
		<-blocked
		return nil, nil
	})
	_, err = replicaNet.InvokeAuthoritative(callCtx)
	assert.Equal(t, errors.Is(err, ErrCancelled), true)
	assert.Equal(t, replica.PendingCalls().Len(), 0)
}

// tearing down the authoritative side resolves every pending call before it returns
func TestCleanupPendingCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 5 * time.Second

	transport, authoritative := newTestAuthoritative(ctx, testEngineSettings())
	defer transport.Close()

	net, err := NewContainer(ctx, "Net", nil, authoritative.Host("game"))
	assert.Equal(t, err, nil)

	replicaId, replica := connectTestReplica(ctx, t, transport, testEngineSettings())
	defer replica.Close()

	replicaNet, err := NewContainer(ctx, "Net", nil, replica.Host("game"))
	assert.Equal(t, err, nil)
	release := make(chan struct{})
	defer close(release)
	replicaNet.SetInvokeHandler(func(peerId Id, args []any) (any, error) {
		<-release
		return nil, nil
	})

	n := 3
	results := make(chan error, n)
	for range n {
		go func() {
			_, err := net.InvokeReplica(ctx, replicaId, "wait")
			results <- err
		}()
	}
	waitFor(t, timeout, func() bool {
		return authoritative.PendingCalls().Len() == n
	})

	authoritative.Close()
	assert.Equal(t, authoritative.PendingCalls().Len(), 0)
	assert.Equal(t, net.IsDestroyed(), true)

	for range n {
		select {
		case err := <-results:
			assert.Equal(t, errors.Is(err, ErrCancelled), true)
		case <-time.After(timeout):
			t.FailNow()
		}
	}
}

func TestEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 5 * time.Second

	transport, authoritative := newTestAuthoritative(ctx, testEngineSettings())
	defer authoritative.Close()
	defer transport.Close()

	net, err := NewRemote(ctx, "Net", authoritative.Host("game"))
	assert.Equal(t, err, nil)

	type event struct {
		peerId Id
		args   []any
	}
	eventsInto := func(node *RemoteNode) chan *event {
		events := make(chan *event, 8)
		node.OnEvent(func(peerId Id, args []any) {
			events <- &event{
				peerId: peerId,
				args:   args,
			}
		})
		return events
	}
	expectEvent := func(events chan *event) *event {
		select {
		case e := <-events:
			return e
		case <-time.After(timeout):
			t.FailNow()
			return nil
		}
	}

	authoritativeEvents := eventsInto(net)

	aId, a := connectTestReplica(ctx, t, transport, testEngineSettings())
	defer a.Close()
	bId, b := connectTestReplica(ctx, t, transport, testEngineSettings())
	defer b.Close()

	aNet, err := NewRemote(ctx, "Net", a.Host("game"))
	assert.Equal(t, err, nil)
	aEvents := eventsInto(aNet)
	bNet, err := NewRemote(ctx, "Net", b.Host("game"))
	assert.Equal(t, err, nil)
	bEvents := eventsInto(bNet)

	err = aNet.FireAuthoritative("hello", 1)
	assert.Equal(t, err, nil)
	e := expectEvent(authoritativeEvents)
	assert.Equal(t, e.peerId, aId)
	assert.Equal(t, e.args, []any{"hello", float64(1)})

	err = net.FireAllReplicas("all")
	assert.Equal(t, err, nil)
	e = expectEvent(aEvents)
	assert.Equal(t, e.peerId, AuthoritativeId)
	assert.Equal(t, e.args, []any{"all"})
	e = expectEvent(bEvents)
	assert.Equal(t, e.args, []any{"all"})

	err = net.FireReplica(bId, "b")
	assert.Equal(t, err, nil)
	e = expectEvent(bEvents)
	assert.Equal(t, e.args, []any{"b"})

	err = net.FireOtherReplicas([]Id{bId}, "not b")
	assert.Equal(t, err, nil)
	e = expectEvent(aEvents)
	assert.Equal(t, e.args, []any{"not b"})

	// events on one channel are in order, so b never saw "not b"
	err = net.FireReplicas([]Id{aId, bId}, "both")
	assert.Equal(t, err, nil)
	e = expectEvent(bEvents)
	assert.Equal(t, e.args, []any{"both"})
	e = expectEvent(aEvents)
	assert.Equal(t, e.args, []any{"both"})

	// no args
	err = aNet.FireAuthoritative()
	assert.Equal(t, err, nil)
	e = expectEvent(authoritativeEvents)
	assert.Equal(t, len(e.args), 0)

	err = aNet.FireAllReplicas("x")
	assert.Equal(t, errors.Is(err, ErrWrongSide), true)
	err = net.FireAuthoritative("x")
	assert.Equal(t, errors.Is(err, ErrWrongSide), true)
}

func TestTreeConsistency(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 5 * time.Second

	transport, authoritative := newTestAuthoritative(ctx, testEngineSettings())
	defer authoritative.Close()
	defer transport.Close()

	host := authoritative.Host("game")
	a, err := NewRemote(ctx, "A", host)
	assert.Equal(t, err, nil)
	b, err := NewRemote(ctx, "B", a)
	assert.Equal(t, err, nil)
	c, err := NewRemote(ctx, "C", b)
	assert.Equal(t, err, nil)
	err = c.SetTag("color", "red")
	assert.Equal(t, err, nil)

	_, replica := connectTestReplica(ctx, t, transport, testEngineSettings())
	defer replica.Close()

	replicaA, err := NewRemote(ctx, "A", replica.Host("game"))
	assert.Equal(t, err, nil)
	assert.Equal(t, treeString(replicaA.Tree()), treeString(a.Tree()))
	assert.Equal(t, treeString(a.Tree()), "Remote:A[]{Remote:B[]{Remote:C[color=red]{}}}")

	consistent := func() bool {
		return treeString(replicaA.Tree()) == treeString(a.Tree())
	}

	removed := make(chan *RemoteNode, 1)
	b.OnChildRemoved(func(child *RemoteNode) {
		removed <- child
	})

	err = c.SetParent(a)
	assert.Equal(t, err, nil)
	assert.Equal(t, c.Address(), "game/A/C")
	assert.Equal(t, c.Parent() == Parent(a), true)
	assert.Equal(t, len(b.Children()), 0)
	select {
	case child := <-removed:
		assert.Equal(t, child == c, true)
	case <-time.After(timeout):
		t.FailNow()
	}
	waitFor(t, timeout, consistent)
	assert.Equal(t, replicaA.Child("C").Tag("color"), "red")

	// same parent
	err = c.SetParent(a)
	assert.Equal(t, err, nil)
	// cycle
	err = a.SetParent(c)
	assert.Equal(t, errors.Is(err, ErrInvalidParent), true)
	err = a.SetParent(a)
	assert.Equal(t, errors.Is(err, ErrInvalidParent), true)
	// duplicate
	_, err = NewRemote(ctx, "C", a)
	assert.Equal(t, errors.Is(err, ErrDuplicatePath), true)
	// replica trees follow the authoritative side
	err = replicaA.Child("C").SetParent(replicaA.Child("B"))
	assert.Equal(t, errors.Is(err, ErrWrongSide), true)

	d, err := NewContainer(ctx, "D", []string{"x", "y"}, b)
	assert.Equal(t, err, nil)
	waitFor(t, timeout, consistent)

	err = c.SetParent(d)
	assert.Equal(t, err, nil)
	assert.Equal(t, d.Get("C") == c, true)
	waitFor(t, timeout, consistent)
	replicaD := replicaA.Child("B").Child("D").Container()
	waitFor(t, timeout, func() bool {
		return strings.Join(replicaD.Keys(), ",") == "C,x,y"
	})

	b.Destroy()
	assert.Equal(t, b.IsDestroyed(), true)
	assert.Equal(t, d.IsDestroyed(), true)
	assert.Equal(t, c.IsDestroyed(), true)
	assert.Equal(t, len(b.Children()), 0)
	assert.Equal(t, d.Len(), 0)
	waitFor(t, timeout, consistent)
	assert.Equal(t, treeString(replicaA.Tree()), "Remote:A[]{}")

	// destroyed nodes are unusable
	err = b.SetTag("k", "v")
	assert.Equal(t, errors.Is(err, ErrDestroyed), true)
	_, err = NewRemote(ctx, "E", b)
	assert.Equal(t, errors.Is(err, ErrDestroyed), true)
	err = b.SetParent(a)
	assert.Equal(t, errors.Is(err, ErrDestroyed), true)
	err = b.FireAllReplicas()
	assert.Equal(t, errors.Is(err, ErrDestroyed), true)
}

func TestReplicaConcurrentDuplicate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, authoritative := newTestAuthoritative(ctx, testEngineSettings())
	defer authoritative.Close()
	defer transport.Close()

	_, err := NewContainer(ctx, "Shared", []string{"a"}, authoritative.Host("game"))
	assert.Equal(t, err, nil)

	_, replica := connectTestReplica(ctx, t, transport, testEngineSettings())
	defer replica.Close()

	n := 2
	results := make(chan error, n)
	for range n {
		go func() {
			_, err := NewContainer(ctx, "Shared", nil, replica.Host("game"))
			results <- err
		}()
	}

	okCount := 0
	duplicateCount := 0
	for range n {
		select {
		case err := <-results:
			if err == nil {
				okCount += 1
			} else if errors.Is(err, ErrDuplicatePath) {
				duplicateCount += 1
			}
		case <-time.After(5 * time.Second):
			t.FailNow()
		}
	}
	assert.Equal(t, okCount, 1)
	assert.Equal(t, duplicateCount, 1)
	assert.Equal(t, len(replica.Host("game").Children()), 1)
}

func TestReplicaMissingNode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := testEngineSettings()
	settings.ChannelWaitTimeout = 100 * time.Millisecond

	transport, authoritative := newTestAuthoritative(ctx, testEngineSettings())
	defer authoritative.Close()
	defer transport.Close()

	_, replica := connectTestReplica(ctx, t, transport, settings)
	defer replica.Close()

	_, err := NewRemote(ctx, "Missing", replica.Host("game"))
	assert.Equal(t, errors.Is(err, ErrTimeout), true)
	// the path is released
	_, err = NewRemote(ctx, "Missing", replica.Host("game"))
	assert.Equal(t, errors.Is(err, ErrTimeout), true)

	// the node can still be created later
	_, err = NewRemote(ctx, "Missing", authoritative.Host("game"))
	assert.Equal(t, err, nil)
	_, err = NewRemote(ctx, "Missing", replica.Host("game"))
	assert.Equal(t, err, nil)
}

func TestReplicaChildSignals(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 5 * time.Second

	transport, authoritative := newTestAuthoritative(ctx, testEngineSettings())
	defer authoritative.Close()
	defer transport.Close()

	net, err := NewContainer(ctx, "Net", nil, authoritative.Host("game"))
	assert.Equal(t, err, nil)

	_, replica := connectTestReplica(ctx, t, transport, testEngineSettings())
	defer replica.Close()

	replicaNet, err := NewContainer(ctx, "Net", nil, replica.Host("game"))
	assert.Equal(t, err, nil)

	added := make(chan *RemoteNode, 1)
	replicaNet.OnChildAdded(func(child *RemoteNode) {
		added <- child
	})
	removed := make(chan *RemoteNode, 1)
	replicaNet.OnChildRemoved(func(child *RemoteNode) {
		removed <- child
	})

	extra, err := net.Add("Extra")
	assert.Equal(t, err, nil)
	err = extra.SetTag("n", 1)
	assert.Equal(t, err, nil)

	var replicaExtra *RemoteNode
	select {
	case replicaExtra = <-added:
	case <-time.After(timeout):
		t.FailNow()
	}
	assert.Equal(t, replicaExtra.Path(), "Extra")
	assert.Equal(t, replicaNet.Get("Extra") == replicaExtra, true)
	waitFor(t, timeout, func() bool {
		return replicaExtra.Tag("n") == float64(1)
	})

	_, err = replicaNet.Add("Other")
	assert.Equal(t, errors.Is(err, ErrWrongSide), true)

	extra.Destroy()
	select {
	case child := <-removed:
		assert.Equal(t, child == replicaExtra, true)
	case <-time.After(timeout):
		t.FailNow()
	}
	assert.Equal(t, replicaNet.Get("Extra") == nil, true)
	assert.Equal(t, replicaExtra.IsDestroyed(), true)
}

func TestProtocolViolation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 5 * time.Second

	type violation struct {
		peerId Id
		err    error
	}
	violations := make(chan *violation, 4)
	settings := testEngineSettings()
	settings.OnProtocolViolation = func(peerId Id, err error) {
		violations <- &violation{
			peerId: peerId,
			err:    err,
		}
	}
	expectViolation := func() *violation {
		select {
		case v := <-violations:
			return v
		case <-time.After(timeout):
			t.FailNow()
			return nil
		}
	}

	transport, authoritative := newTestAuthoritative(ctx, settings)
	defer authoritative.Close()
	defer transport.Close()

	net, err := NewRemote(ctx, "Net", authoritative.Host("game"))
	assert.Equal(t, err, nil)
	net.SetInvokeHandler(func(peerId Id, args []any) (any, error) {
		return "ok", nil
	})
	events := make(chan []any, 1)
	net.OnEvent(func(peerId Id, args []any) {
		events <- args
	})

	replicaId, replica := connectTestReplica(ctx, t, transport, testEngineSettings())
	defer replica.Close()

	replicaNet, err := NewRemote(ctx, "Net", replica.Host("game"))
	assert.Equal(t, err, nil)
	channel := testChannel(replicaNet)

	// not an envelope
	err = channel.Send(AuthoritativeId, []byte{0xff})
	assert.Equal(t, err, nil)
	v := expectViolation()
	assert.Equal(t, v.peerId, replicaId)
	assert.Equal(t, errors.Is(v.err, ErrProtocolViolation), true)

	// a kind only the authoritative side sends
	message, err := EncodeEnvelope(protocol.RequestKind_ChildAdded, NewId(), []any{
		map[string]any{"kind": "Remote", "path": "Fake"},
	})
	assert.Equal(t, err, nil)
	err = channel.Send(AuthoritativeId, message)
	assert.Equal(t, err, nil)
	v = expectViolation()
	assert.Equal(t, errors.Is(v.err, ErrProtocolViolation), true)
	assert.Equal(t, net.Child("Fake") == nil, true)

	// an unreadable payload is delivered with no args
	message = protocol.MarshalEnvelope(&protocol.Envelope{
		RequestKind:   protocol.RequestKind_FireServer,
		CorrelationId: NewId().Bytes(),
		Payload:       []byte{0x01, 0x02, 0x03},
	})
	err = channel.Send(AuthoritativeId, message)
	assert.Equal(t, err, nil)
	select {
	case args := <-events:
		assert.Equal(t, len(args), 0)
	case <-time.After(timeout):
		t.FailNow()
	}

	// garbage toward the replica is ignored
	err = testChannel(net).Send(AuthoritativeId, []byte{0xff})
	assert.Equal(t, err, nil)

	// both sides keep working
	result, err := replicaNet.InvokeAuthoritative(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, result, "ok")
}

func TestReplicaDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 5 * time.Second

	transport, authoritative := newTestAuthoritative(ctx, testEngineSettings())
	defer authoritative.Close()

	net, err := NewRemote(ctx, "Net", authoritative.Host("game"))
	assert.Equal(t, err, nil)
	release := make(chan struct{})
	defer close(release)
	net.SetInvokeHandler(func(peerId Id, args []any) (any, error) {
		<-release
		return nil, nil
	})

	_, replica := connectTestReplica(ctx, t, transport, testEngineSettings())
	defer replica.Close()

	replicaNet, err := NewRemote(ctx, "Net", replica.Host("game"))
	assert.Equal(t, err, nil)

	results := make(chan error, 1)
	go func() {
		_, err := replicaNet.InvokeAuthoritative(ctx)
		results <- err
	}()
	waitFor(t, timeout, func() bool {
		return replica.PendingCalls().Len() == 1
	})

	transport.Close()

	select {
	case <-replica.Done():
	case <-time.After(timeout):
		t.FailNow()
	}
	select {
	case err := <-results:
		assert.Equal(t, errors.Is(err, ErrCancelled), true)
	case <-time.After(timeout):
		t.FailNow()
	}
	assert.Equal(t, replicaNet.IsDestroyed(), true)
	assert.Equal(t, len(replica.Host("game").Children()), 0)
}
