package sshdial

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// startAuthServer runs an in-process SSH server that accepts password
// "sekret" and, when authorized is non-nil, that public key. Channels
// are rejected; these tests only exercise the handshake.
func startAuthServer(t *testing.T, authorized ssh.PublicKey) (string, int) {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == "sekret" {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("wrong password")
		},
	}
	if authorized != nil {
		cfg.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown key")
		}
	}
	cfg.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(nc net.Conn) {
				sshConn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
				if err != nil {
					nc.Close()
					return
				}
				defer sshConn.Close()
				go ssh.DiscardRequests(reqs)
				for newChan := range chans {
					newChan.Reject(ssh.Prohibited, "not needed")
				}
			}(netConn)
		}
	}()

	t.Cleanup(func() {
		listener.Close()
		<-done
	})
	return splitAddr(t, listener.Addr().String())
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr %s: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port %s: %v", portStr, err)
	}
	return host, port
}

func TestDialPassword(t *testing.T) {
	host, port := startAuthServer(t, nil)

	client, err := Dial(context.Background(), Target{
		Host:     host,
		Port:     port,
		Username: "deploy",
		Password: "sekret",
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if got := client.User(); got != "deploy" {
		t.Errorf("user = %q, want %q", got, "deploy")
	}
}

func TestDialWrongPassword(t *testing.T) {
	host, port := startAuthServer(t, nil)

	_, err := Dial(context.Background(), Target{
		Host:     host,
		Port:     port,
		Username: "deploy",
		Password: "nope",
		Timeout:  5 * time.Second,
	})
	if err == nil {
		t.Fatal("dial succeeded with wrong password")
	}
	if kind := KindOf(err); kind != KindAuth {
		t.Errorf("kind = %q, want %q (err: %v)", kind, KindAuth, err)
	}
}

func TestDialPrivateKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	host, port := startAuthServer(t, sshPub)

	client, err := Dial(context.Background(), Target{
		Host:       host,
		Port:       port,
		Username:   "deploy",
		AuthMethod: "private_key",
		PrivateKey: string(pem.EncodeToMemory(block)),
		Timeout:    5 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	client.Close()
}

func TestDialPrivateKeyErrors(t *testing.T) {
	// Both failures happen before any network traffic, so the target
	// address is never used.
	_, err := Dial(context.Background(), Target{
		Host:       "127.0.0.1",
		Port:       1,
		Username:   "deploy",
		AuthMethod: "private_key",
		Timeout:    time.Second,
	})
	if err == nil {
		t.Fatal("dial succeeded with empty private key")
	}
	if kind := KindOf(err); kind != KindOther {
		t.Errorf("empty key kind = %q, want %q", kind, KindOther)
	}
	if !strings.Contains(err.Error(), "private key empty") {
		t.Errorf("empty key error = %q", err)
	}

	_, err = Dial(context.Background(), Target{
		Host:       "127.0.0.1",
		Port:       1,
		Username:   "deploy",
		AuthMethod: "private_key",
		PrivateKey: "not a pem block",
		Timeout:    time.Second,
	})
	if err == nil {
		t.Fatal("dial succeeded with garbage private key")
	}
	if !strings.Contains(err.Error(), "parse private key") {
		t.Errorf("garbage key error = %q", err)
	}
}

func TestDialRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, port := splitAddr(t, listener.Addr().String())
	listener.Close()

	_, err = Dial(context.Background(), Target{
		Host:     host,
		Port:     port,
		Username: "deploy",
		Password: "sekret",
		Timeout:  2 * time.Second,
	})
	if err == nil {
		t.Fatal("dial succeeded against closed port")
	}
	if kind := KindOf(err); kind != KindNetwork {
		t.Errorf("kind = %q, want %q (err: %v)", kind, KindNetwork, err)
	}
}

func TestDialHandshakeTimeout(t *testing.T) {
	// A listener that accepts connections but never speaks SSH; the
	// handshake stalls until the connection deadline fires.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 256)
				for {
					if _, err := c.Read(buf); err != nil {
						c.Close()
						return
					}
				}
			}(conn)
		}
	}()
	t.Cleanup(func() { listener.Close() })
	host, port := splitAddr(t, listener.Addr().String())

	_, err = Dial(context.Background(), Target{
		Host:     host,
		Port:     port,
		Username: "deploy",
		Password: "sekret",
		Timeout:  500 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("dial succeeded against silent server")
	}
	if kind := KindOf(err); kind != KindTimeout {
		t.Errorf("kind = %q, want %q (err: %v)", kind, KindTimeout, err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrKind
	}{
		{
			"auth methods exhausted",
			errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password], no supported methods remain"),
			KindAuth,
		},
		{
			"permission denied",
			errors.New("permission denied (publickey)"),
			KindAuth,
		},
		{
			"io timeout in handshake",
			errors.New("ssh: handshake failed: read tcp 127.0.0.1:50022: i/o timeout"),
			KindTimeout,
		},
		{
			"context deadline",
			fmt.Errorf("dial 10.0.0.1:22: %w", context.DeadlineExceeded),
			KindTimeout,
		},
		{
			"op error",
			fmt.Errorf("dial 10.0.0.1:22: %w", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connect: connection refused")}),
			KindNetwork,
		},
		{
			"protocol",
			errors.New("ssh: no common algorithm for key exchange"),
			KindProtocol,
		},
		{
			"other",
			errors.New("something unexpected"),
			KindOther,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classify(tc.err).Kind; got != tc.want {
				t.Errorf("classify(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	inner := &Error{Kind: KindTimeout, Err: errors.New("deadline")}
	if got := KindOf(fmt.Errorf("session start: %w", inner)); got != KindTimeout {
		t.Errorf("wrapped kind = %q, want %q", got, KindTimeout)
	}
	if got := KindOf(errors.New("plain")); got != KindOther {
		t.Errorf("plain kind = %q, want %q", got, KindOther)
	}
	if got := inner.Error(); got != "timeout: deadline" {
		t.Errorf("Error() = %q", got)
	}
}

func TestKeepalive(t *testing.T) {
	host, port := startAuthServer(t, nil)
	client, err := Dial(context.Background(), Target{
		Host:     host,
		Port:     port,
		Username: "deploy",
		Password: "sekret",
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		Keepalive(client, 10*time.Millisecond, stop)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive did not stop")
	}

	// Once the transport is gone, SendRequest fails and the loop exits
	// without the stop signal.
	client.Close()
	exited := make(chan struct{})
	go func() {
		Keepalive(client, 10*time.Millisecond, make(chan struct{}))
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive did not exit after close")
	}
}
