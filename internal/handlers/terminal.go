package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/aiterm/server/internal/audit"
	"github.com/aiterm/server/internal/auth"
	"github.com/aiterm/server/internal/crypto"
	"github.com/aiterm/server/internal/database"
	"github.com/aiterm/server/internal/sshdial"
	"github.com/aiterm/server/internal/terminal"
)

// Pool and Audit are the shared session pool and session log store,
// injected from main during startup.
var (
	Pool  *terminal.Pool
	Audit *audit.Store
)

// terminalRateLimit is the sustained number of inbound messages allowed
// per second on one terminal WebSocket. Typing stays well under this;
// pasting a large block can briefly exceed it, which the burst absorbs.
const terminalRateLimit = 100

// terminalRateBurst is the token bucket burst size.
const terminalRateBurst = 200

// clientMsg is one inbound frame from the browser.
type clientMsg struct {
	Type         string `json:"type"`
	Timestamp    int64  `json:"timestamp"`
	ConnectionID string `json:"connection_id"`
	Data         string `json:"data"`
	Cols         int    `json:"cols"`
	Rows         int    `json:"rows"`
}

// wsSink delivers session frames to one WebSocket connection. Writes are
// serialized; frames sent after the peer is gone are dropped.
type wsSink struct {
	ctx  context.Context
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSink) Send(frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		log.Printf("[terminal] ws send failed: %v", err)
	}
}

// tokenBucket rate-limits inbound terminal messages.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow checks if a message is allowed and consumes a token.
func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += int(elapsed.Seconds() * float64(tb.refillRate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}

// wsUser resolves the access token carried in the query string. Browser
// WebSocket clients cannot set an Authorization header, so the token
// rides the URL.
func wsUser(token string) *database.User {
	if token == "" {
		return nil
	}
	claims, err := auth.VerifyToken(token, "access")
	if err != nil {
		return nil
	}
	user, err := database.GetUserByUsername(claims.Subject)
	if err != nil || !user.IsActive {
		return nil
	}
	return user
}

// TerminalWS is the browser terminal endpoint. The client authenticates
// with an access token in the query string and then drives one SSH shell
// through JSON frames: connect, data/input, resize, watch_command,
// stop_watch, ping and disconnect. Outbound frames come from the session
// pump and watcher via the wsSink.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin policy is enforced by the CORS layer
	})
	if err != nil {
		log.Printf("[terminal] websocket accept: %v", err)
		return
	}
	defer conn.CloseNow()

	user := wsUser(r.URL.Query().Get("token"))
	if user == nil {
		conn.Close(websocket.StatusCode(4001), "Unauthorized")
		return
	}

	ctx := r.Context()
	conn.SetReadLimit(1024 * 1024)
	sink := &wsSink{ctx: ctx, conn: conn}
	limiter := newTokenBucket(terminalRateBurst, terminalRateLimit)

	log.Printf("[terminal] %s: websocket accepted for %s", clientID, user.Username)

	defer func() {
		if s, ok := Pool.Remove(clientID); ok {
			s.Close(true)
		}
		log.Printf("[terminal] %s: cleaned up", clientID)
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if !limiter.allow() {
			continue
		}

		var msg clientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			sink.Send(terminal.Error("Invalid JSON"))
			continue
		}

		switch msg.Type {
		case "ping":
			ts := msg.Timestamp
			if ts == 0 {
				ts = time.Now().UnixMilli()
			}
			sink.Send(terminal.Pong(ts))

		case "connect":
			connectSession(ctx, sink, user, clientID, msg.ConnectionID)

		case "data", "input":
			s, ok := Pool.Get(clientID)
			if !ok {
				continue
			}
			if err := s.Feed(msg.Data); err != nil {
				log.Printf("[terminal] %s: ssh write failed: %v", clientID, err)
			}

		case "watch_command":
			if s, ok := Pool.Get(clientID); ok {
				log.Printf("[terminal] %s: watch on", clientID)
				s.WatchBegin()
			}

		case "stop_watch":
			if s, ok := Pool.Get(clientID); ok {
				log.Printf("[terminal] %s: watch off", clientID)
				s.WatchEnd()
			}

		case "resize":
			s, ok := Pool.Get(clientID)
			if !ok {
				continue
			}
			cols, rows := msg.Cols, msg.Rows
			if cols <= 0 {
				cols = terminal.DefaultCols
			}
			if rows <= 0 {
				rows = terminal.DefaultRows
			}
			if err := s.Resize(cols, rows); err != nil {
				log.Printf("[terminal] %s: resize: %v", clientID, err)
			}

		case "disconnect":
			conn.Close(websocket.StatusNormalClosure, "")
			return

		default:
			log.Printf("[terminal] %s: ignoring message type %q", clientID, msg.Type)
		}
	}
}

// connectSession resolves the saved connection, decrypts its credentials,
// dials the host and installs a new shell session in the pool, replacing
// any session this client already had. Status and error frames mirror
// what the frontend renders during connection progress.
func connectSession(ctx context.Context, sink *wsSink, user *database.User, clientID, connectionID string) {
	sink.Send(terminal.Status("正在查询连接配置..."))

	rec, err := database.GetConnection(connectionID, user.ID)
	if err != nil {
		sink.Send(terminal.Error("Connection not found"))
		return
	}

	port := rec.Port
	if port == 0 {
		port = 22
	}
	sink.Send(terminal.Status(fmt.Sprintf("正在连接 %s:%d ...", rec.Host, port)))

	password, err := crypto.Decrypt(rec.PasswordEnc)
	if err != nil {
		sink.Send(terminal.Error(fmt.Sprintf("连接失败: %v", err)))
		return
	}
	privateKey, err := crypto.Decrypt(rec.PrivateKeyEnc)
	if err != nil {
		sink.Send(terminal.Error(fmt.Sprintf("连接失败: %v", err)))
		return
	}
	passphrase, err := crypto.Decrypt(rec.PassphraseEnc)
	if err != nil {
		sink.Send(terminal.Error(fmt.Sprintf("连接失败: %v", err)))
		return
	}
	if rec.AuthMethod == "private_key" && privateKey == "" {
		sink.Send(terminal.Error("Private key empty"))
		return
	}

	sink.Send(terminal.Status("正在建立SSH连接..."))

	client, err := sshdial.Dial(ctx, sshdial.Target{
		Host:       rec.Host,
		Port:       port,
		Username:   rec.Username,
		AuthMethod: rec.AuthMethod,
		Password:   password,
		PrivateKey: privateKey,
		Passphrase: passphrase,
	})
	if err != nil {
		log.Printf("[terminal] %s: dial %s:%d: %v", clientID, rec.Host, port, err)
		sink.Send(terminal.Error(dialErrorMessage(rec, err)))
		return
	}

	sink.Send(terminal.Status("SSH已连接，正在创建终端会话..."))

	cfg := terminal.Config{
		ClientID:     clientID,
		UserID:       user.ID,
		ConnectionID: rec.ID,
		Host:         rec.Host,
		Port:         port,
		Username:     rec.Username,
		Client:       client,
		Sink:         sink,
	}
	if Audit != nil {
		auditID, err := Audit.Begin(user.ID, rec.ID, rec.Host, rec.Username)
		if err != nil {
			// The session still runs, it just leaves no log row.
			log.Printf("[terminal] %s: open session log: %v", clientID, err)
		} else {
			cfg.Auditor = Audit
			cfg.AuditID = auditID
		}
	}

	sess, err := terminal.NewSession(cfg)
	if err != nil {
		client.Close()
		sink.Send(terminal.Error(fmt.Sprintf("连接失败: %v", err)))
		return
	}

	Pool.Add(sess)
	sess.Start()

	sink.Send(terminal.Connected(fmt.Sprintf("Connected to %s as %s", rec.Host, rec.Username)))
	log.Printf("[terminal] %s: connected to %s:%d as %s", clientID, rec.Host, port, rec.Username)
}

// dialErrorMessage maps a dial failure onto the error strings the
// frontend knows how to present.
func dialErrorMessage(rec *database.Connection, err error) string {
	switch sshdial.KindOf(err) {
	case sshdial.KindTimeout:
		return fmt.Sprintf("连接超时: %s", rec.Host)
	case sshdial.KindAuth:
		return fmt.Sprintf("认证失败: %s@%s", rec.Username, rec.Host)
	case sshdial.KindProtocol:
		return fmt.Sprintf("SSH错误: %v", err)
	default:
		return fmt.Sprintf("连接失败: %v", err)
	}
}
