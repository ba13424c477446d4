package tunnel

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// ssh.Client.Listen matches forwarded-tcpip channels against the exact
// bind address it requested, and gateways that echo back "0.0.0.0" for
// a "" request get every channel rejected.  remoteListener registers
// its own forwarded-tcpip handler and accepts every channel.

// forwardRequest is the payload of "tcpip-forward" and
// "cancel-tcpip-forward" (RFC 4254 §7.1).
type forwardRequest struct {
	Addr string
	Port uint32
}

// forwardReply carries the allocated port when Port 0 was requested.
type forwardReply struct {
	Port uint32
}

// forwardedChannel is the channel-open payload for "forwarded-tcpip"
// (RFC 4254 §7.2).
type forwardedChannel struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// remoteListener implements [net.Listener] over forwarded-tcpip
// channels of one SSH client.
type remoteListener struct {
	client   *ssh.Client
	bindAddr string
	bindPort uint32
	incoming <-chan ssh.NewChannel
	done     chan struct{}
	once     sync.Once
}

// listenRemote asks the gateway to listen on bindAddr:bindPort and
// returns a listener for the connections it forwards back.
func listenRemote(client *ssh.Client, bindAddr string, bindPort int) (*remoteListener, error) {
	// Must be registered before the request so no channel is missed.
	incoming := client.HandleChannelOpen("forwarded-tcpip")
	if incoming == nil {
		return nil, fmt.Errorf("forwarded-tcpip handler already registered")
	}

	req := forwardRequest{Addr: bindAddr, Port: uint32(bindPort)}
	ok, payload, err := client.SendRequest("tcpip-forward", true, ssh.Marshal(&req))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("tcpip-forward %s denied by gateway",
			net.JoinHostPort(bindAddr, strconv.Itoa(bindPort)))
	}

	if bindPort == 0 {
		var reply forwardReply
		if err := ssh.Unmarshal(payload, &reply); err == nil {
			req.Port = reply.Port
		}
	}

	return &remoteListener{
		client:   client,
		bindAddr: bindAddr,
		bindPort: req.Port,
		incoming: incoming,
		done:     make(chan struct{}),
	}, nil
}

// Accept waits for the next forwarded connection.  It returns io.EOF
// once the listener is closed or the SSH connection ends.
func (l *remoteListener) Accept() (net.Conn, error) {
	select {
	case <-l.done:
		return nil, io.EOF
	case nc, ok := <-l.incoming:
		if !ok {
			return nil, io.EOF
		}
		ch, reqs, err := nc.Accept()
		if err != nil {
			return nil, fmt.Errorf("channel accept: %w", err)
		}
		go ssh.DiscardRequests(reqs)

		var raddr net.Addr = &net.TCPAddr{}
		var p forwardedChannel
		if err := ssh.Unmarshal(nc.ExtraData(), &p); err == nil {
			raddr = &net.TCPAddr{IP: net.ParseIP(p.OriginAddr), Port: int(p.OriginPort)}
		}
		return &channelConn{Channel: ch, raddr: raddr}, nil
	}
}

// Close cancels the remote forward and unblocks Accept.
func (l *remoteListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		req := forwardRequest{Addr: l.bindAddr, Port: l.bindPort}
		l.client.SendRequest("cancel-tcpip-forward", false, ssh.Marshal(&req)) //nolint:errcheck
	})
	return nil
}

// Addr returns the gateway-side address being listened on.
func (l *remoteListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(l.bindAddr), Port: int(l.bindPort)}
}

// channelConn adapts an [ssh.Channel] to [net.Conn].  Deadlines are
// not supported by SSH channels and are ignored.
type channelConn struct {
	ssh.Channel
	raddr net.Addr
}

func (c *channelConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (c *channelConn) RemoteAddr() net.Addr               { return c.raddr }
func (c *channelConn) SetDeadline(_ time.Time) error      { return nil }
func (c *channelConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *channelConn) SetWriteDeadline(_ time.Time) error { return nil }
