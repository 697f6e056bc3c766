package controlchannel

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/eventphone/ywsd/internal/cache"
	"github.com/eventphone/ywsd/internal/models"
	"github.com/eventphone/ywsd/internal/routing/dispatch"
	"github.com/eventphone/ywsd/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startTestServer(t *testing.T, gw store.Gateway) (*Server, string) {
	t.Helper()
	c := cache.NewMemory(testLogger())
	d := dispatch.New(gw, c, testLogger(), dispatch.Config{}, nil)

	s := NewServer(d, "127.0.0.1:0", testLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, s.ln.Addr().String()
}

func TestServerHandlesSimpleRoute(t *testing.T) {
	caller := models.Extension{ID: 1, Number: "200", Kind: models.KindSimple}
	called := models.Extension{ID: 2, Number: "100", Kind: models.KindSimple}
	gw := store.NewStatic([]models.Extension{caller, called}, nil)

	_, addr := startTestServer(t, gw)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte("call.route caller=200 called=100\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	reply = strings.TrimSpace(reply)
	if !strings.HasPrefix(reply, "retValue=lateroute/100") {
		t.Fatalf("reply = %q", reply)
	}
}

func TestServerPassesThroughEventphoneID(t *testing.T) {
	caller := models.Extension{ID: 1, Number: "200", Kind: models.KindSimple}
	called := models.Extension{ID: 2, Number: "100", Kind: models.KindSimple}
	gw := store.NewStatic([]models.Extension{caller, called}, nil)

	_, addr := startTestServer(t, gw)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte("call.route caller=200 called=100 billid=bill-1 x_eventphone_id=xyz\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	reply = strings.TrimSpace(reply)
	if !strings.Contains(reply, "x_eventphone_id=xyz") {
		t.Fatalf("reply = %q", reply)
	}
}

func TestServerHandlesNoRoute(t *testing.T) {
	caller := models.Extension{ID: 1, Number: "200", Kind: models.KindSimple}
	gw := store.NewStatic([]models.Extension{caller}, nil)

	_, addr := startTestServer(t, gw)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	conn.Write([]byte("call.route caller=200 called=999\n"))

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	reply = strings.TrimSpace(reply)
	if !strings.HasPrefix(reply, "error=NO_ROUTE") {
		t.Fatalf("reply = %q", reply)
	}
}

func TestServerHandlesLateRouteLookup(t *testing.T) {
	caller := models.Extension{ID: 1, Number: "200", Kind: models.KindSimple}
	group := models.Extension{ID: 2, Number: "100", Kind: models.KindGroup}
	m1 := models.Extension{ID: 10, Number: "110", Kind: models.KindSimple}
	gw := store.NewStatic([]models.Extension{caller, group, m1}, map[int64][]models.ForkRank{
		2: {{ExtensionID: 2, Index: 0, Mode: models.RankDefault, Members: []models.RankMember{{ExtensionID: 10, Active: true}}}},
	})

	_, addr := startTestServer(t, gw)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	reader := bufio.NewReader(conn)

	conn.Write([]byte("call.route caller=200 called=100\n"))
	firstReply, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	firstReply = strings.TrimSpace(firstReply)

	idx := strings.Index(firstReply, "retValue=lateroute/stage1-")
	if idx == -1 {
		t.Fatalf("expected a fork retValue, got %q", firstReply)
	}
	fields := strings.Fields(firstReply)
	symbolic := strings.TrimPrefix(fields[0], "retValue=")

	conn.Write([]byte("call.route caller=200 called=" + symbolic + "\n"))
	secondReply, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	secondReply = strings.TrimSpace(secondReply)
	if !strings.Contains(secondReply, "fork.0.target=lateroute/110") {
		t.Fatalf("reply = %q", secondReply)
	}
}

func TestServerRejectsUnknownCommand(t *testing.T) {
	gw := store.NewStatic(nil, nil)
	_, addr := startTestServer(t, gw)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	conn.Write([]byte("call.unknown foo=bar\n"))
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(reply), "error=NO_ROUTE") {
		t.Fatalf("reply = %q", reply)
	}
}
