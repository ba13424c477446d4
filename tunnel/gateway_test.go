package tunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// testGateway is an in-process sshd that supports password auth,
// direct-tcpip channels and tcpip-forward requests on 127.0.0.1.
// Session channels are rejected unless acceptSessions was called.
type testGateway struct {
	ln     net.Listener
	config *ssh.ServerConfig

	mu       sync.Mutex
	conns    []*ssh.ServerConn
	forwards []net.Listener
	shell    *shellMode
	sessions atomic.Int32
}

// shellMode is how the gateway answers a shell request.
type shellMode struct {
	motd   string
	accept bool
}

func (g *testGateway) acceptSessions(motd string, shellOK bool) {
	g.mu.Lock()
	g.shell = &shellMode{motd: motd, accept: shellOK}
	g.mu.Unlock()
}

const (
	gatewayUser = "relay"
	gatewayPass = "hunter2"
)

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == gatewayUser && string(pass) == gatewayPass {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	g := &testGateway{ln: ln, config: cfg}
	go g.serve()
	t.Cleanup(func() {
		ln.Close()
		g.dropAll()
	})
	return g
}

func (g *testGateway) port() int { return g.ln.Addr().(*net.TCPAddr).Port }

func (g *testGateway) sshConfig() *SSHConfig {
	return &SSHConfig{
		User:        gatewayUser,
		Host:        "127.0.0.1",
		Port:        g.port(),
		Password:    gatewayPass,
		ConnTimeout: 5 * time.Second,
	}
}

// dropAll closes every forward listener and client connection, as if
// the gateway restarted.
func (g *testGateway) dropAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, l := range g.forwards {
		l.Close()
	}
	g.forwards = nil
	for _, c := range g.conns {
		c.Close()
	}
	g.conns = nil
}

func (g *testGateway) serve() {
	for {
		c, err := g.ln.Accept()
		if err != nil {
			return
		}
		go g.handle(c)
	}
}

func (g *testGateway) handle(c net.Conn) {
	sconn, chans, reqs, err := ssh.NewServerConn(c, g.config)
	if err != nil {
		c.Close()
		return
	}
	g.mu.Lock()
	g.conns = append(g.conns, sconn)
	g.mu.Unlock()
	g.sessions.Add(1)

	go g.globalRequests(sconn, reqs)

	for nc := range chans {
		switch nc.ChannelType() {
		case "direct-tcpip":
			go g.direct(nc)
		case "session":
			g.mu.Lock()
			sm := g.shell
			g.mu.Unlock()
			if sm == nil {
				nc.Reject(ssh.UnknownChannelType, "no sessions")
				continue
			}
			go g.session(nc, *sm)
		default:
			nc.Reject(ssh.UnknownChannelType, "unsupported")
		}
	}
}

// session answers the first shell request and, when accepted, writes
// the motd and closes the channel.
func (g *testGateway) session(nc ssh.NewChannel, sm shellMode) {
	ch, reqs, err := nc.Accept()
	if err != nil {
		return
	}
	defer ch.Close()
	defer func() { go ssh.DiscardRequests(reqs) }()

	for req := range reqs {
		if req.Type != "shell" {
			req.Reply(false, nil)
			continue
		}
		req.Reply(sm.accept, nil)
		if sm.accept {
			io.WriteString(ch, sm.motd)
		}
		return
	}
}

func (g *testGateway) globalRequests(sconn *ssh.ServerConn, reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.Type != "tcpip-forward" {
			req.Reply(false, nil)
			continue
		}
		var fr forwardRequest
		if err := ssh.Unmarshal(req.Payload, &fr); err != nil {
			req.Reply(false, nil)
			continue
		}
		fl, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(fr.Port))))
		if err != nil {
			req.Reply(false, nil)
			continue
		}
		g.mu.Lock()
		g.forwards = append(g.forwards, fl)
		g.mu.Unlock()

		port := uint32(fl.Addr().(*net.TCPAddr).Port)
		req.Reply(true, ssh.Marshal(&forwardReply{Port: port}))
		go g.forwardLoop(sconn, fl, fr.Addr, port)
	}
}

func (g *testGateway) forwardLoop(sconn *ssh.ServerConn, fl net.Listener, addr string, port uint32) {
	for {
		c, err := fl.Accept()
		if err != nil {
			return
		}
		go func() {
			origin := c.RemoteAddr().(*net.TCPAddr)
			payload := forwardedChannel{
				Addr:       addr,
				Port:       port,
				OriginAddr: origin.IP.String(),
				OriginPort: uint32(origin.Port),
			}
			ch, reqs, err := sconn.OpenChannel("forwarded-tcpip", ssh.Marshal(&payload))
			if err != nil {
				c.Close()
				return
			}
			go ssh.DiscardRequests(reqs)
			pipe(c, ch)
		}()
	}
}

func (g *testGateway) direct(nc ssh.NewChannel) {
	var p struct {
		Host     string
		Port     uint32
		OrigHost string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(nc.ExtraData(), &p); err != nil {
		nc.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	c, err := net.Dial("tcp", net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port))))
	if err != nil {
		nc.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := nc.Accept()
	if err != nil {
		c.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	pipe(c, ch)
}

func pipe(c net.Conn, ch ssh.Channel) {
	done := make(chan struct{}, 2)
	go func() { io.Copy(c, ch); done <- struct{}{} }() //nolint:errcheck
	go func() { io.Copy(ch, c); done <- struct{}{} }() //nolint:errcheck
	<-done
	c.Close()
	ch.Close()
}

// ── shared helpers ───────────────────────────────────────────────────

// startEcho runs a TCP echo server and returns its port.
func startEcho(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c) //nolint:errcheck
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// echoRoundTrip writes msg over conn and expects it back.
func echoRoundTrip(conn net.Conn, msg string) error {
	conn.SetDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	if _, err := conn.Write([]byte(msg)); err != nil {
		return err
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return err
	}
	if string(buf) != msg {
		return errors.New("echo mismatch: " + string(buf))
	}
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
