// MODUL: agent_test
// ZWECK: Tests fuer den HTTP-Agent-Transport auf der Loopback-Schnittstelle

package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"

	"github.com/kvbridge/kvbridge/kvstate"
)

func reserveAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func newAgentPair(t *testing.T) (a, b Manager) {
	t.Helper()
	addrA, addrB := reserveAddr(t), reserveAddr(t)

	a, err := New("agent", Options{Rank: 0, BindAddr: addrA, GroupAddrs: []string{addrA}})
	if err != nil {
		t.Fatal(err)
	}
	b, err = New("agent", Options{Rank: 0, BindAddr: addrB, GroupAddrs: []string{addrB}})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

// postRaw speaks the wire protocol directly, bypassing agentConn.
func postRaw(t *testing.T, to, from, inst string, tag uint64, body []byte) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://"+to+"/v1/kv/message", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if from != "" {
		req.Header.Set(headerFrom, from)
	}
	if inst != "" {
		req.Header.Set(headerInstance, inst)
	}
	req.Header.Set(headerTag, strconv.FormatUint(tag, 10))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

func TestAgentTagIsolation(t *testing.T) {
	a, b := newAgentPair(t)
	ab := connectTo(t, a, b)
	ba := connectTo(t, b, a)

	ctx := context.Background()
	if err := ab.Send(ctx, 1, []byte("control")); err != nil {
		t.Fatal(err)
	}
	if err := ab.Send(ctx, 2, []byte("data")); err != nil {
		t.Fatal(err)
	}

	// Receiving tag 2 first must not consume or reorder tag 1.
	buf := make([]byte, 16)
	n, err := ba.Recv(ctx, 2, buf)
	if err != nil || string(buf[:n]) != "data" {
		t.Fatalf("tag 2: got %q, %v", buf[:n], err)
	}
	n, err = ba.Recv(ctx, 1, buf)
	if err != nil || string(buf[:n]) != "control" {
		t.Fatalf("tag 1: got %q, %v", buf[:n], err)
	}
}

func TestAgentRecvAnyIdentifiesSender(t *testing.T) {
	a, b := newAgentPair(t)
	ab := connectTo(t, a, b)

	ctx := context.Background()
	if err := ab.Send(ctx, TagRequestInfo, []byte("hello")); err != nil {
		t.Fatal(err)
	}

	conn, data, err := b.RecvAny(ctx, TagRequestInfo)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("payload = %q, want hello", data)
	}

	// The returned connection must route back to the original sender.
	if err := conn.Send(ctx, 9, []byte("reply")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	n, err := connectTo(t, a, b).Recv(ctx, 9, buf)
	if err != nil || string(buf[:n]) != "reply" {
		t.Fatalf("reply: got %q, %v", buf[:n], err)
	}
}

func TestAgentShortBuffer(t *testing.T) {
	a, b := newAgentPair(t)
	ab := connectTo(t, a, b)
	ba := connectTo(t, b, a)

	ctx := context.Background()
	if err := ab.Send(ctx, 5, []byte("oversized")); err != nil {
		t.Fatal(err)
	}
	if _, err := ba.Recv(ctx, 5, make([]byte, 4)); !errors.Is(err, kvstate.ErrTransport) {
		t.Errorf("got %v, want ErrTransport for short buffer", err)
	}
}

func TestAgentRejectsChangedInstance(t *testing.T) {
	a, b := newAgentPair(t)
	ab := connectTo(t, a, b)

	ctx := context.Background()
	if err := ab.Send(ctx, 4, []byte("first")); err != nil {
		t.Fatal(err)
	}

	// Same address, fresh instance id: looks like a restarted peer and
	// must be turned away without delivery.
	fromAddr := a.CommState().Addrs[0]
	toAddr := b.CommState().Addrs[0]
	if code := postRaw(t, toAddr, fromAddr, "restarted", 4, []byte("second")); code != http.StatusConflict {
		t.Errorf("changed instance id: status %d, want %d", code, http.StatusConflict)
	}

	// The original incarnation keeps working.
	if err := ab.Send(ctx, 4, []byte("third")); err != nil {
		t.Fatal(err)
	}

	ba := connectTo(t, b, a)
	buf := make([]byte, 16)
	for _, want := range []string{"first", "third"} {
		n, err := ba.Recv(ctx, 4, buf)
		if err != nil || string(buf[:n]) != want {
			t.Fatalf("got %q, %v; want %q", buf[:n], err, want)
		}
	}
}

func TestAgentMalformedHeaders(t *testing.T) {
	_, b := newAgentPair(t)
	toAddr := b.CommState().Addrs[0]

	if code := postRaw(t, toAddr, "", "inst", 1, nil); code != http.StatusBadRequest {
		t.Errorf("missing sender address: status %d, want %d", code, http.StatusBadRequest)
	}
	if code := postRaw(t, toAddr, "127.0.0.1:1", "", 1, nil); code != http.StatusBadRequest {
		t.Errorf("missing instance id: status %d, want %d", code, http.StatusBadRequest)
	}
}
