package _switch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/adwski/room-relay/backend/metrics"
	"github.com/adwski/room-relay/backend/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSwitch(t *testing.T) *Switch {
	t.Helper()
	logger := zerolog.Nop()
	return NewSwitch(Config{
		Logger:  &logger,
		Metrics: metrics.New(prometheus.NewRegistry()),
	})
}

func attach(sw *Switch, id string) *model.Conn {
	conn := model.NewConn(id, 16)
	sw.connect(conn)
	return conn
}

func join(sw *Switch, conn *model.Conn, room, username string) {
	sw.dispatch(conn, model.Join{Room: room, Username: username})
}

func signal(t *testing.T, sw *Switch, conn *model.Conn, raw string) {
	t.Helper()
	ev, err := model.ParseEvent([]byte(raw))
	require.NoError(t, err)
	sw.dispatch(conn, ev)
}

func recv(t *testing.T, conn *model.Conn) string {
	t.Helper()
	select {
	case b := <-conn.TX:
		return string(b)
	default:
		t.Fatalf("no message queued for %s", conn.ID)
		return ""
	}
}

func assertSilent(t *testing.T, conn *model.Conn) {
	t.Helper()
	select {
	case b := <-conn.TX:
		t.Fatalf("unexpected message for %s: %s", conn.ID, b)
	default:
	}
}

func TestJoinFirstParticipant(t *testing.T) {
	sw := newTestSwitch(t)
	c1 := attach(sw, "c1")

	join(sw, c1, "r1", "alice")

	assert.JSONEq(t, `{"type":"joined","room":"r1","participants":1}`, recv(t, c1))
	assertSilent(t, c1)
	assert.Equal(t, "r1", c1.Room)
	assert.Equal(t, "alice", c1.Username)
	assert.Equal(t, 1, sw.reg.Size("r1"))
}

func TestJoinNotifiesExistingMembers(t *testing.T) {
	sw := newTestSwitch(t)
	c1 := attach(sw, "c1")
	c2 := attach(sw, "c2")
	c3 := attach(sw, "c3")

	join(sw, c1, "r1", "alice")
	recv(t, c1)
	join(sw, c2, "r1", "bob")

	assert.JSONEq(t, `{"type":"user-joined","username":"bob","room":"r1"}`, recv(t, c1))
	assert.JSONEq(t, `{"type":"joined","room":"r1","participants":2}`, recv(t, c2))
	assertSilent(t, c1)
	assertSilent(t, c2)

	join(sw, c3, "r1", "carol")
	assert.JSONEq(t, `{"type":"user-joined","username":"carol","room":"r1"}`, recv(t, c1))
	assert.JSONEq(t, `{"type":"user-joined","username":"carol","room":"r1"}`, recv(t, c2))
	assert.JSONEq(t, `{"type":"joined","room":"r1","participants":3}`, recv(t, c3))
	assertSilent(t, c3)
}

func TestJoinDuplicateUsernamesAllowed(t *testing.T) {
	sw := newTestSwitch(t)
	c1 := attach(sw, "c1")
	c2 := attach(sw, "c2")

	join(sw, c1, "r1", "alice")
	join(sw, c2, "r1", "alice")

	assert.JSONEq(t, `{"type":"joined","room":"r1","participants":2}`, drainLast(c2))
	assert.Equal(t, 2, sw.reg.Size("r1"))
}

func TestJoinWithoutRoomOrUsernameIsDropped(t *testing.T) {
	sw := newTestSwitch(t)
	c1 := attach(sw, "c1")

	join(sw, c1, "", "alice")
	join(sw, c1, "r1", "")

	assertSilent(t, c1)
	assert.Zero(t, sw.reg.Rooms())
	assert.Empty(t, c1.Room)
	assert.Equal(t, float64(2), testutil.ToFloat64(sw.metrics.Dropped.WithLabelValues(metrics.DropInvalid)))
}

func TestJoinSecondRoomLeavesFirst(t *testing.T) {
	sw := newTestSwitch(t)
	c1 := attach(sw, "c1")
	c2 := attach(sw, "c2")
	join(sw, c1, "r1", "alice")
	join(sw, c2, "r1", "bob")
	drain(c1)
	drain(c2)

	join(sw, c2, "r2", "bob")

	assert.JSONEq(t, `{"type":"user-left","username":"bob","room":"r1"}`, recv(t, c1))
	assert.JSONEq(t, `{"type":"joined","room":"r2","participants":1}`, recv(t, c2))
	assert.False(t, sw.reg.Contains("r1", c2))
	assert.True(t, sw.reg.Contains("r2", c2))
	assert.Equal(t, "r2", c2.Room)

	sw.disconnect(c2)
	assert.False(t, sw.reg.Exists("r2"))
	assert.Equal(t, 1, sw.reg.Size("r1"))
}

func TestForwardStampsSenderAndExcludesIt(t *testing.T) {
	sw := newTestSwitch(t)
	c1 := attach(sw, "c1")
	c2 := attach(sw, "c2")
	c3 := attach(sw, "c3")
	join(sw, c1, "r1", "alice")
	join(sw, c2, "r1", "bob")
	join(sw, c3, "r1", "carol")
	drain(c1)
	drain(c2)
	drain(c3)

	signal(t, sw, c1, `{"type":"offer","room":"r1","sdp":"...","from":"mallory"}`)

	want := `{"type":"offer","room":"r1","sdp":"...","from":"alice"}`
	assert.JSONEq(t, want, recv(t, c2))
	assert.JSONEq(t, want, recv(t, c3))
	assertSilent(t, c1)
}

func TestForwardAllNegotiationTypes(t *testing.T) {
	sw := newTestSwitch(t)
	c1 := attach(sw, "c1")
	c2 := attach(sw, "c2")
	join(sw, c1, "r1", "alice")
	join(sw, c2, "r1", "bob")
	drain(c1)
	drain(c2)

	signal(t, sw, c2, `{"type":"answer","room":"r1","sdp":{"type":"answer","sdp":"v=0"}}`)
	signal(t, sw, c2, `{"type":"candidate","room":"r1","candidate":{"candidate":"c","sdpMLineIndex":0}}`)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(recv(t, c1)), &got))
	assert.Equal(t, "answer", got["type"])
	assert.Equal(t, "bob", got["from"])
	assert.Equal(t, map[string]any{"type": "answer", "sdp": "v=0"}, got["sdp"])

	require.NoError(t, json.Unmarshal([]byte(recv(t, c1)), &got))
	assert.Equal(t, "candidate", got["type"])
	assertSilent(t, c2)
}

func TestForwardToMissingRoomIsNoop(t *testing.T) {
	sw := newTestSwitch(t)
	c1 := attach(sw, "c1")
	c2 := attach(sw, "c2")
	join(sw, c2, "r1", "bob")
	drain(c2)

	signal(t, sw, c1, `{"type":"offer","room":"r2","sdp":"..."}`)
	signal(t, sw, c1, `{"type":"offer","sdp":"..."}`)

	assertSilent(t, c1)
	assertSilent(t, c2)
	assert.False(t, sw.reg.Exists("r2"))
}

func TestForwardSkipsClosingMembers(t *testing.T) {
	sw := newTestSwitch(t)
	c1 := attach(sw, "c1")
	c2 := attach(sw, "c2")
	c3 := attach(sw, "c3")
	join(sw, c1, "r1", "alice")
	join(sw, c2, "r1", "bob")
	join(sw, c3, "r1", "carol")
	drain(c1)
	drain(c2)
	drain(c3)

	c2.MarkClosing()
	signal(t, sw, c1, `{"type":"offer","room":"r1","sdp":"..."}`)

	assertSilent(t, c2)
	recv(t, c3)
	assert.True(t, sw.reg.Contains("r1", c2), "dead members are skipped, not removed")
	assert.Equal(t, float64(1), testutil.ToFloat64(sw.metrics.Skipped.WithLabelValues(metrics.SkipNotOpen)))
}

func TestFanOutSkipsBackloggedMembers(t *testing.T) {
	sw := newTestSwitch(t)
	c1 := attach(sw, "c1")
	slow := model.NewConn("slow", 1)
	sw.connect(slow)
	join(sw, slow, "r1", "bob")
	join(sw, c1, "r1", "alice")

	// slow still holds its joined confirmation, so both notifications are skipped
	signal(t, sw, c1, `{"type":"offer","room":"r1","sdp":"..."}`)

	assert.JSONEq(t, `{"type":"joined","room":"r1","participants":1}`, recv(t, slow))
	assertSilent(t, slow)
	assert.Equal(t, float64(2), testutil.ToFloat64(sw.metrics.Skipped.WithLabelValues(metrics.SkipBacklogged)))
}

func TestLeaveNotifiesRemainingMembers(t *testing.T) {
	sw := newTestSwitch(t)
	c1 := attach(sw, "c1")
	c2 := attach(sw, "c2")
	join(sw, c1, "r1", "alice")
	join(sw, c2, "r1", "bob")
	drain(c1)
	drain(c2)

	sw.dispatch(c2, model.Leave{Room: "r1"})

	assert.JSONEq(t, `{"type":"user-left","username":"bob","room":"r1"}`, recv(t, c1))
	assertSilent(t, c2)
	assert.Empty(t, c2.Room)
	assert.Equal(t, 1, sw.reg.Size("r1"))
}

func TestLeaveTwiceIsSilent(t *testing.T) {
	sw := newTestSwitch(t)
	c1 := attach(sw, "c1")
	c2 := attach(sw, "c2")
	join(sw, c1, "r1", "alice")
	join(sw, c2, "r1", "bob")
	drain(c1)
	drain(c2)

	sw.dispatch(c2, model.Leave{Room: "r1"})
	sw.dispatch(c2, model.Leave{Room: "r1"})

	recv(t, c1)
	assertSilent(t, c1)
}

func TestLeaveUnknownRoomIsNoop(t *testing.T) {
	sw := newTestSwitch(t)
	c1 := attach(sw, "c1")
	join(sw, c1, "r1", "alice")
	drain(c1)

	sw.dispatch(c1, model.Leave{Room: "r9"})

	assertSilent(t, c1)
	assert.Equal(t, "r1", c1.Room)
	assert.True(t, sw.reg.Contains("r1", c1))
}

func TestLastLeaveDropsRoomAndRejoinStartsFresh(t *testing.T) {
	sw := newTestSwitch(t)
	c1 := attach(sw, "c1")
	join(sw, c1, "r2", "alice")
	drain(c1)

	sw.dispatch(c1, model.Leave{Room: "r2"})
	assert.False(t, sw.reg.Exists("r2"))
	assert.Zero(t, sw.reg.Rooms())
	assert.Zero(t, testutil.ToFloat64(sw.metrics.Rooms))

	c2 := attach(sw, "c2")
	join(sw, c2, "r2", "bob")
	assert.JSONEq(t, `{"type":"joined","room":"r2","participants":1}`, recv(t, c2))
	assertSilent(t, c1)
}

func TestDisconnectLeavesRecordedRoom(t *testing.T) {
	sw := newTestSwitch(t)
	c1 := attach(sw, "c1")
	c2 := attach(sw, "c2")
	join(sw, c1, "r1", "alice")
	join(sw, c2, "r1", "bob")
	drain(c1)
	drain(c2)

	c2.MarkClosing()
	sw.disconnect(c2)

	assert.JSONEq(t, `{"type":"user-left","username":"bob","room":"r1"}`, recv(t, c1))
	members, err := sw.reg.Members("r1")
	require.NoError(t, err)
	assert.Equal(t, []*model.Conn{c1}, members)

	assert.Equal(t, model.ConnClosed, c2.State())
	_, ok := <-c2.TX
	assert.False(t, ok, "tx must be closed")
	assert.Equal(t, float64(1), testutil.ToFloat64(sw.metrics.Connections))
}

func TestDisconnectWithoutRoom(t *testing.T) {
	sw := newTestSwitch(t)
	c1 := attach(sw, "c1")

	sw.disconnect(c1)
	sw.disconnect(c1)

	assert.Zero(t, sw.reg.Rooms())
	assert.Empty(t, sw.conns)
}

func TestEventsFromDetachedConnectionAreDropped(t *testing.T) {
	sw := newTestSwitch(t)
	c1 := attach(sw, "c1")
	sw.disconnect(c1)

	join(sw, c1, "r1", "alice")

	assert.Zero(t, sw.reg.Rooms())
}

func TestUnknownEventIgnored(t *testing.T) {
	sw := newTestSwitch(t)
	c1 := attach(sw, "c1")
	join(sw, c1, "r1", "alice")
	drain(c1)

	signal(t, sw, c1, `{"type":"chat","room":"r1"}`)

	assertSilent(t, c1)
	assert.Equal(t, float64(1), testutil.ToFloat64(sw.metrics.Dropped.WithLabelValues(metrics.DropUnknown)))
}

func TestNoEmptyRoomsAfterMixedOperations(t *testing.T) {
	sw := newTestSwitch(t)
	conns := make([]*model.Conn, 6)
	for i := range conns {
		conns[i] = attach(sw, string(rune('a'+i)))
	}
	rooms := []string{"r1", "r2", "r3"}

	for i, c := range conns {
		join(sw, c, rooms[i%len(rooms)], c.ID)
	}
	for i, c := range conns {
		switch i % 3 {
		case 0:
			sw.dispatch(c, model.Leave{Room: c.Room})
		case 1:
			join(sw, c, rooms[(i+1)%len(rooms)], c.ID)
		default:
			sw.disconnect(c)
		}
		for _, r := range rooms {
			if sw.reg.Exists(r) {
				assert.NotZero(t, sw.reg.Size(r), "room %s is empty", r)
			}
		}
	}
}

func TestRunProcessesQueuedOperations(t *testing.T) {
	sw := newTestSwitch(t)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(stopped)
	}()

	c1 := model.NewConn("c1", 16)
	c2 := model.NewConn("c2", 16)
	require.NoError(t, sw.Connect(ctx, c1))
	require.NoError(t, sw.Connect(ctx, c2))
	require.NoError(t, sw.Deliver(ctx, c1, model.Join{Room: "r1", Username: "alice"}))
	require.NoError(t, sw.Deliver(ctx, c2, model.Join{Room: "r1", Username: "bob"}))
	require.NoError(t, sw.Disconnect(ctx, c2))

	assert.JSONEq(t, `{"type":"joined","room":"r1","participants":1}`, recvWait(t, c1))
	assert.JSONEq(t, `{"type":"user-joined","username":"bob","room":"r1"}`, recvWait(t, c1))
	assert.JSONEq(t, `{"type":"user-left","username":"bob","room":"r1"}`, recvWait(t, c1))
	assert.JSONEq(t, `{"type":"joined","room":"r1","participants":2}`, recvWait(t, c2))

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("switch did not stop")
	}
	assert.ErrorIs(t, sw.Deliver(context.Background(), c1, model.Leave{Room: "r1"}), ErrStopped)
}

func recvWait(t *testing.T, conn *model.Conn) string {
	t.Helper()
	select {
	case b, ok := <-conn.TX:
		require.True(t, ok, "tx closed")
		return string(b)
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message on %s", conn.ID)
		return ""
	}
}

func drain(conn *model.Conn) {
	for {
		select {
		case <-conn.TX:
		default:
			return
		}
	}
}

func drainLast(conn *model.Conn) string {
	var last []byte
	for {
		select {
		case b := <-conn.TX:
			last = b
		default:
			return string(last)
		}
	}
}
