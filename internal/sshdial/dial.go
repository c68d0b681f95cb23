// Package sshdial establishes SSH connections for terminal sessions.
// It classifies dial failures into coarse kinds so callers can surface
// a meaningful one-line error without inspecting library internals.
package sshdial

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/aiterm/server/internal/config"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrKind is the coarse classification of a dial failure.
type ErrKind string

const (
	KindAuth     ErrKind = "auth_failed"
	KindTimeout  ErrKind = "timeout"
	KindNetwork  ErrKind = "network"
	KindProtocol ErrKind = "protocol"
	KindOther    ErrKind = "other"
)

// Error wraps a dial failure with its kind.
type Error struct {
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or KindOther for errors
// that did not come from this package.
func KindOf(err error) ErrKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindOther
}

// Target is a resolved credential record, secrets already decrypted.
type Target struct {
	Host       string
	Port       int
	Username   string
	AuthMethod string // "password" or "private_key"
	Password   string
	PrivateKey string // PEM
	Passphrase string

	// Timeout defaults to config.Cfg.DialTimeoutSeconds when zero.
	Timeout time.Duration

	// HostKeyCallback overrides the default host key policy.
	HostKeyCallback ssh.HostKeyCallback
}

// hostKeyCallback returns the configured host key policy. With no
// known_hosts file configured, verification is disabled; this matches
// the development posture of storing arbitrary user-entered hosts.
// Production deployments should set AITERM_KNOWN_HOSTS.
func hostKeyCallback() ssh.HostKeyCallback {
	path := config.Cfg.KnownHostsFile
	if path == "" {
		return ssh.InsecureIgnoreHostKey()
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		log.Printf("[sshdial] known_hosts %s unusable, falling back to no verification: %v", path, err)
		return ssh.InsecureIgnoreHostKey()
	}
	return cb
}

func authMethods(t Target) ([]ssh.AuthMethod, error) {
	switch t.AuthMethod {
	case "private_key", "privatekey":
		if t.PrivateKey == "" {
			return nil, &Error{Kind: KindOther, Err: errors.New("private key empty")}
		}
		var signer ssh.Signer
		var err error
		if t.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(t.PrivateKey), []byte(t.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(t.PrivateKey))
		}
		if err != nil {
			return nil, &Error{Kind: KindOther, Err: fmt.Errorf("parse private key: %w", err)}
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	default:
		return []ssh.AuthMethod{ssh.Password(t.Password)}, nil
	}
}

// Dial connects to the target and returns an SSH client. Errors are
// always *Error; ctx cancellation aborts the TCP dial.
func Dial(ctx context.Context, t Target) (*ssh.Client, error) {
	timeout := t.Timeout
	if timeout == 0 {
		timeout = time.Duration(config.Cfg.DialTimeoutSeconds) * time.Second
	}

	auth, err := authMethods(t)
	if err != nil {
		return nil, err
	}

	hostKeys := t.HostKeyCallback
	if hostKeys == nil {
		hostKeys = hostKeyCallback()
	}

	port := t.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(t.Host, fmt.Sprintf("%d", port))

	cfg := &ssh.ClientConfig{
		User:            t.Username,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classify(fmt.Errorf("dial %s: %w", addr, err))
	}

	// The handshake honors cfg.Timeout via a connection deadline.
	if err := netConn.SetDeadline(time.Now().Add(timeout)); err != nil {
		netConn.Close()
		return nil, &Error{Kind: KindOther, Err: err}
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, classify(fmt.Errorf("ssh handshake with %s: %w", addr, err))
	}
	netConn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}

func classify(err error) *Error {
	msg := err.Error()

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	// Handshake failures wrap the socket error in a plain string.
	if strings.Contains(msg, "i/o timeout") {
		return &Error{Kind: KindTimeout, Err: err}
	}
	if strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "permission denied") {
		return &Error{Kind: KindAuth, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &Error{Kind: KindNetwork, Err: err}
	}
	if strings.Contains(msg, "ssh:") {
		return &Error{Kind: KindProtocol, Err: err}
	}
	return &Error{Kind: KindOther, Err: err}
}

// Keepalive sends keepalive requests until stop is closed or the
// connection dies. Long-lived pool sessions use it to hold NAT mappings
// open across quiet periods.
func Keepalive(client *ssh.Client, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				return
			}
		}
	}
}
