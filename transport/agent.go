package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kvbridge/kvbridge/kvstate"
)

func init() {
	Register("agent", newAgent)
}

const (
	headerFrom     = "X-Kvbridge-From"
	headerTag      = "X-Kvbridge-Tag"
	headerInstance = "X-Kvbridge-Instance"
)

// agentManager exchanges messages over plain HTTP. Every rank runs a
// small gin server; a message is one POST with the payload as body and
// routing metadata in headers. Socket addresses double as rank identity,
// the uuid instance id tells a restarted peer apart from the one a
// session was established with.
type agentManager struct {
	id     string
	addr   string
	comm   kvstate.CommState
	mb     *mailbox
	srv    *http.Server
	client *http.Client

	mu    sync.Mutex
	peers map[string]string
}

func newAgent(opts Options) (Manager, error) {
	if opts.BindAddr == "" {
		return nil, fmt.Errorf("%w: agent backend needs a bind address", kvstate.ErrConfiguration)
	}
	if opts.Rank < 0 || opts.Rank >= len(opts.GroupAddrs) {
		return nil, fmt.Errorf("%w: rank %d outside group of size %d", kvstate.ErrConfiguration, opts.Rank, len(opts.GroupAddrs))
	}
	if opts.GroupAddrs[opts.Rank] != opts.BindAddr {
		return nil, fmt.Errorf("%w: bind address %s does not match group entry %s", kvstate.ErrConfiguration, opts.BindAddr, opts.GroupAddrs[opts.Rank])
	}

	m := &agentManager{
		id:     uuid.NewString(),
		addr:   opts.BindAddr,
		comm:   kvstate.NewSocketsCommState(opts.GroupAddrs, opts.Rank),
		mb:     newMailbox(),
		client: &http.Client{Timeout: 5 * time.Minute},
		peers:  make(map[string]string),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.POST("/v1/kv/message", m.handleMessage)

	ln, err := net.Listen("tcp", opts.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen on %s: %v", kvstate.ErrTransport, opts.BindAddr, err)
	}

	m.srv = &http.Server{Handler: r}
	go func() {
		if err := m.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("agent transport server stopped", "addr", m.addr, "error", err)
		}
	}()

	slog.Debug("agent transport listening", "addr", m.addr, "instance", m.id)
	return m, nil
}

func (m *agentManager) handleMessage(c *gin.Context) {
	from := c.GetHeader(headerFrom)
	inst := c.GetHeader(headerInstance)
	tag, err := strconv.ParseUint(c.GetHeader(headerTag), 10, 64)
	if from == "" || inst == "" || err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	// A known address presenting a new instance id is a restarted peer.
	// Its in-flight session state is gone, so refusing delivery beats
	// handing stale-looking data to a live transfer.
	m.mu.Lock()
	known, seen := m.peers[from]
	if !seen {
		m.peers[from] = inst
	}
	m.mu.Unlock()
	if seen && known != inst {
		slog.Warn("rejecting message from restarted peer", "addr", from, "instance", inst, "expected", known)
		c.AbortWithStatus(http.StatusConflict)
		return
	}

	data, err := c.GetRawData()
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	if err := m.mb.deliver(from, tag, data); err != nil {
		c.AbortWithStatus(http.StatusGone)
		return
	}
	c.Status(http.StatusNoContent)
}

func (m *agentManager) CommState() kvstate.CommState {
	return m.comm
}

func (m *agentManager) Connect(state kvstate.CommState) ([]Connection, error) {
	if state.Kind != kvstate.CommSockets {
		return nil, fmt.Errorf("%w: agent backend connects by socket address, got %s addressing", kvstate.ErrConfiguration, state.Kind)
	}

	conns := make([]Connection, len(state.Addrs))
	for i, addr := range state.Addrs {
		conns[i] = &agentConn{mgr: m, peerAddr: addr}
	}
	return conns, nil
}

func (m *agentManager) RecvAny(ctx context.Context, tag uint64) (Connection, []byte, error) {
	msg, err := m.mb.recv(ctx, "", tag)
	if err != nil {
		return nil, nil, err
	}
	return &agentConn{mgr: m, peerAddr: msg.from}, msg.data, nil
}

func (m *agentManager) Close() error {
	m.mb.close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.srv.Shutdown(ctx)
}

type agentConn struct {
	mgr      *agentManager
	peerAddr string
}

func (c *agentConn) Send(ctx context.Context, tag uint64, p []byte) error {
	url := fmt.Sprintf("http://%s/v1/kv/message", c.peerAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(p))
	if err != nil {
		return fmt.Errorf("%w: %v", kvstate.ErrTransport, err)
	}
	req.Header.Set(headerFrom, c.mgr.addr)
	req.Header.Set(headerTag, strconv.FormatUint(tag, 10))
	req.Header.Set(headerInstance, c.mgr.id)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.mgr.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: send to %s: %v", kvstate.ErrTransport, c.peerAddr, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: peer %s rejected message: %s", kvstate.ErrTransport, c.peerAddr, resp.Status)
	}
	return nil
}

func (c *agentConn) Recv(ctx context.Context, tag uint64, dst []byte) (int, error) {
	msg, err := c.mgr.mb.recv(ctx, c.peerAddr, tag)
	if err != nil {
		return 0, err
	}
	if len(msg.data) > len(dst) {
		return 0, fmt.Errorf("%w: message of %d bytes exceeds %d byte buffer", kvstate.ErrTransport, len(msg.data), len(dst))
	}
	return copy(dst, msg.data), nil
}
