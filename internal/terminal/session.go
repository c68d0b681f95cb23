// Package terminal implements the server side of a browser terminal: PTY-backed
// SSH shell sessions, an output pump that relays shell output to a WebSocket
// sink, and a command watcher that detects when a watched command has finished
// or dropped into an interactive program (pager, REPL, confirmation prompt).
//
// Sessions are owned by a Pool keyed by client ID. The WebSocket handler feeds
// input into a Session and receives frames through the Sink interface; the
// package itself never touches the WebSocket directly.
package terminal

import (
	"encoding/json"
	"io"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/aiterm/server/internal/ansi"
	"github.com/aiterm/server/internal/sshdial"
)

// Watcher thresholds. A watched command is declared finished when the shell
// prompt returns after promptIdle of silence, reported as interactive after
// interactiveIdle, and force-finished after forceIdle of silence or forceTotal
// since the watch began.
const (
	DefaultPollInterval    = 800 * time.Millisecond
	defaultPromptIdle      = 2 * time.Second
	defaultInteractiveIdle = 3 * time.Second
	defaultForceIdle       = 30 * time.Second
	defaultForceTotal      = 300 * time.Second
)

// MaxOutputBuffer caps the watch buffer; only the most recent bytes are kept.
const MaxOutputBuffer = 50000

// maxCommandLog is how many executed commands are persisted per session.
const maxCommandLog = 100

const (
	readChunkSize     = 4096
	keepaliveInterval = 30 * time.Second
)

// Default PTY geometry, matching the xterm.js defaults used by the frontend.
const (
	DefaultCols = 120
	DefaultRows = 30
)

// Detection values reported in command_finished frames.
const (
	DetectionPrompt       = "prompt"
	DetectionIdleTimeout  = "idle_timeout"
	DetectionTotalTimeout = "total_timeout"
	DetectionEmptyTimeout = "empty_timeout"
	DetectionProcessExit  = "process_exit"
)

// Sink receives outbound frames for one client. Implementations must be safe
// for concurrent use and must tolerate a closed transport: frames sent after
// the peer is gone are dropped, not errors.
type Sink interface {
	Send(frame interface{})
}

// Auditor finalizes the audit row of a session. commandsJSON is the executed
// command log encoded as a JSON array of {command, timestamp} objects.
type Auditor interface {
	CloseSession(logID string, endedAt time.Time, commandsJSON string) error
}

// CommandEntry is one executed command in the session's audit log.
type CommandEntry struct {
	Command   string `json:"command"`
	Timestamp string `json:"timestamp"`
}

// Config carries everything a Session needs from its owner. Client must be an
// established SSH connection; the Session takes ownership and closes it.
type Config struct {
	ClientID     string
	UserID       string
	ConnectionID string
	Host         string
	Port         int
	Username     string

	Client  *ssh.Client
	Sink    Sink
	Auditor Auditor // optional
	AuditID string  // audit row to finalize on close, may be empty

	Poll time.Duration // watcher poll interval, defaults to DefaultPollInterval
}

// Session is one live shell: an SSH PTY plus the pump and watcher goroutines
// serving a single browser client. All methods are safe for concurrent use,
// but input ordering is only guaranteed when Feed is called from one goroutine.
type Session struct {
	clientID     string
	userID       string
	connectionID string
	host         string
	port         int
	username     string

	client *ssh.Client
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader

	sink    Sink
	auditor Auditor
	auditID string

	promptRe *regexp.Regexp

	poll            time.Duration
	promptIdle      time.Duration
	interactiveIdle time.Duration
	forceIdle       time.Duration
	forceTotal      time.Duration

	mu         sync.Mutex
	watching   bool
	watchBuf   []byte
	watchStart time.Time
	lastOutput time.Time
	state      ansi.State
	notified   bool
	commands   []CommandEntry
	closed     bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSession opens a PTY shell over cfg.Client and returns a Session ready to
// Start. On error the SSH client is left open; the caller decides its fate.
func NewSession(cfg Config) (*Session, error) {
	sess, err := cfg.Client.NewSession()
	if err != nil {
		return nil, err
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", DefaultRows, DefaultCols, modes); err != nil {
		sess.Close()
		return nil, err
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, err
	}

	poll := cfg.Poll
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	return &Session{
		clientID:     cfg.ClientID,
		userID:       cfg.UserID,
		connectionID: cfg.ConnectionID,
		host:         cfg.Host,
		port:         cfg.Port,
		username:     cfg.Username,

		client: cfg.Client,
		sess:   sess,
		stdin:  stdin,
		stdout: stdout,

		sink:    cfg.Sink,
		auditor: cfg.Auditor,
		auditID: cfg.AuditID,

		promptRe: ansi.BuildPromptPattern(cfg.Username),

		poll:            poll,
		promptIdle:      defaultPromptIdle,
		interactiveIdle: defaultInteractiveIdle,
		forceIdle:       defaultForceIdle,
		forceTotal:      defaultForceTotal,

		done: make(chan struct{}),
	}, nil
}

// ClientID returns the browser client ID this session serves.
func (s *Session) ClientID() string { return s.clientID }

// UserID returns the owning user's ID.
func (s *Session) UserID() string { return s.userID }

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start launches the pump, watcher and keepalive goroutines.
func (s *Session) Start() {
	s.wg.Add(2)
	go s.pump()
	go s.watch()
	go sshdial.Keepalive(s.client, keepaliveInterval, s.done)
}

// Feed writes input to the shell's stdin. When a watch is active, any input
// resets the interactive detection state and the idle clock. Input containing
// a newline is recorded in the command log.
func (s *Session) Feed(content string) error {
	if _, err := io.WriteString(s.stdin, content); err != nil {
		return err
	}

	now := time.Now()
	s.mu.Lock()
	if s.watching {
		s.notified = false
		s.state = ansi.StateNone
		s.lastOutput = now
	}
	if strings.ContainsAny(content, "\r\n") {
		cmd := strings.TrimSpace(strings.NewReplacer("\r", "", "\n", "").Replace(content))
		if cmd != "" {
			s.commands = append(s.commands, CommandEntry{
				Command:   cmd,
				Timestamp: now.Format(time.RFC3339),
			})
		}
	}
	s.mu.Unlock()
	return nil
}

// WatchBegin starts watching the next command: the output buffer is cleared
// and the idle and total clocks restart.
func (s *Session) WatchBegin() {
	now := time.Now()
	s.mu.Lock()
	s.watching = true
	s.watchBuf = nil
	s.watchStart = now
	s.lastOutput = now
	s.state = ansi.StateNone
	s.notified = false
	s.mu.Unlock()
}

// WatchEnd stops the active watch without emitting a frame.
func (s *Session) WatchEnd() {
	s.mu.Lock()
	s.watching = false
	s.watchBuf = nil
	s.state = ansi.StateNone
	s.notified = false
	s.mu.Unlock()
}

// Resize changes the PTY dimensions.
func (s *Session) Resize(cols, rows int) error {
	return s.sess.WindowChange(rows, cols)
}

// Close tears the session down: stops the watcher and keepalive, closes the
// SSH channel and transport (which unblocks the pump), and waits for both
// goroutines to exit. When finalize is true the audit row is closed with the
// recorded command log; eviction passes false. Close is idempotent.
func (s *Session) Close(finalize bool) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)

		if s.stdin != nil {
			s.stdin.Close()
		}
		if s.sess != nil {
			s.sess.Close()
		}
		if s.client != nil {
			s.client.Close()
		}
		s.wg.Wait()

		if finalize {
			s.finalizeAudit()
		}
	})
}

// pump relays shell output to the sink until the SSH side goes away. Output
// also feeds the watch buffer and resets the idle clock. On EOF during an
// active watch the command is reported finished with process_exit before the
// disconnect notice.
func (s *Session) pump() {
	defer s.wg.Done()
	buf := make([]byte, readChunkSize)
	for {
		n, err := s.stdout.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			s.sink.Send(Output(chunk))

			s.mu.Lock()
			s.lastOutput = time.Now()
			if s.watching {
				s.watchBuf = append(s.watchBuf, chunk...)
				if len(s.watchBuf) > MaxOutputBuffer {
					s.watchBuf = s.watchBuf[len(s.watchBuf)-MaxOutputBuffer:]
				}
			}
			s.mu.Unlock()
		}
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			watching := s.watching
			var clean string
			if watching {
				clean = ansi.StripANSI(string(s.watchBuf))
				s.watching = false
				s.watchBuf = nil
			}
			s.mu.Unlock()

			if !closed {
				if err != io.EOF {
					log.Printf("[terminal] %s: ssh read: %v", s.clientID, err)
				}
				if watching {
					s.sink.Send(CommandFinished(clean, DetectionProcessExit))
				}
			}
			s.sink.Send(Disconnected("SSH连接已断开"))
			go s.Close(true)
			return
		}
	}
}

// watch polls the watch state until the session closes.
func (s *Session) watch() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.watchTick()
		}
	}
}

// watchTick evaluates one round of command-completion heuristics, in order:
// an all-whitespace buffer only times out, a returned shell prompt finishes
// the command, an interactive state is reported once per state change, and
// idle or total timeouts force completion.
func (s *Session) watchTick() {
	s.mu.Lock()
	if !s.watching || s.lastOutput.IsZero() {
		s.mu.Unlock()
		return
	}
	idle := time.Since(s.lastOutput)
	total := time.Since(s.watchStart)
	raw := string(s.watchBuf)

	if strings.TrimSpace(raw) == "" {
		if idle >= s.forceIdle {
			s.watching = false
			s.watchBuf = nil
			s.mu.Unlock()
			log.Printf("[terminal] %s: command finished (%s)", s.clientID, DetectionEmptyTimeout)
			s.sink.Send(CommandFinished("", DetectionEmptyTimeout))
			return
		}
		s.mu.Unlock()
		return
	}

	clean := ansi.StripANSI(raw)

	if idle >= s.promptIdle && s.promptRe != nil {
		lines := strings.Split(strings.TrimSpace(clean), "\n")
		if len(lines) > 5 {
			lines = lines[len(lines)-5:]
		}
		tail := strings.Join(lines, "\n")
		if s.promptRe.MatchString(tail) && ansi.DetectInteractiveState(clean) == ansi.StateNone {
			s.watching = false
			s.state = ansi.StateNone
			s.notified = false
			s.watchBuf = nil
			s.mu.Unlock()
			log.Printf("[terminal] %s: command finished (%s)", s.clientID, DetectionPrompt)
			s.sink.Send(CommandFinished(clean, DetectionPrompt))
			return
		}
	}

	if idle >= s.interactiveIdle {
		if st := ansi.DetectInteractiveState(clean); st != ansi.StateNone {
			prev := s.state
			s.state = st
			notify := !s.notified || prev != st
			if notify {
				s.notified = true
			}
			s.mu.Unlock()
			if notify {
				log.Printf("[terminal] %s: interactive state %q detected", s.clientID, st)
				s.sink.Send(InteractiveDetected(st, clean))
			}
			return
		}
	}

	if idle >= s.forceIdle || total >= s.forceTotal {
		detection := DetectionIdleTimeout
		if idle < s.forceIdle {
			detection = DetectionTotalTimeout
		}
		s.watching = false
		s.state = ansi.StateNone
		s.notified = false
		s.watchBuf = nil
		s.mu.Unlock()
		log.Printf("[terminal] %s: command finished (%s)", s.clientID, detection)
		s.sink.Send(CommandFinished(clean, detection))
		return
	}
	s.mu.Unlock()
}

func (s *Session) finalizeAudit() {
	if s.auditor == nil || s.auditID == "" {
		return
	}
	s.mu.Lock()
	cmds := s.commands
	if len(cmds) > maxCommandLog {
		cmds = cmds[len(cmds)-maxCommandLog:]
	}
	s.mu.Unlock()

	if cmds == nil {
		cmds = []CommandEntry{}
	}
	data, err := json.Marshal(cmds)
	if err != nil {
		data = []byte("[]")
	}
	if err := s.auditor.CloseSession(s.auditID, time.Now(), string(data)); err != nil {
		log.Printf("[terminal] %s: close session log %s: %v", s.clientID, s.auditID, err)
	}
}
