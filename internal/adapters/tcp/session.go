package tcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ekinoks/chatrelay/internal/app"
	"github.com/ekinoks/chatrelay/internal/core"
	"github.com/ekinoks/chatrelay/internal/domain"
)

// State is a session's position in the protocol lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateActive
	StateLeaving
	StateClosed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateLeaving:
		return "leaving"
	case StateClosed:
		return "closed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const handshakeTimeout = 30 * time.Second

type sessionConfig struct {
	sendBuffer   int
	writeTimeout time.Duration
	idleTimeout  time.Duration
	msgLimit     int
	msgWindow    time.Duration
}

// Session owns one client socket: handshake, read loop, and the outbound
// writer. Everything that mutates room state or touches the store runs
// on the dispatcher, never on the read loop.
type Session struct {
	id   core.SessionID
	conn net.Conn
	r    *bufio.Reader

	reg  *app.Registry
	disp *app.Dispatcher
	gw   core.Gateway
	cfg  sessionConfig

	limiter *lineRateLimiter

	userID   domain.UserID
	username string
	roomID   domain.RoomID
	joined   bool

	state atomic.Int32

	// closeMu orders dispatcher submissions against teardown: once
	// closing is set the final leave task has been queued and nothing
	// may be submitted behind it.
	closeMu sync.Mutex
	closing bool

	send     chan string
	termOnce sync.Once
}

func newSession(conn net.Conn, reg *app.Registry, disp *app.Dispatcher, gw core.Gateway, cfg sessionConfig) *Session {
	return &Session{
		id:      core.SessionID(uuid.NewString()),
		conn:    conn,
		r:       bufio.NewReader(conn),
		reg:     reg,
		disp:    disp,
		gw:      gw,
		cfg:     cfg,
		limiter: newLineRateLimiter(cfg.msgLimit, cfg.msgWindow),
		send:    make(chan string, cfg.sendBuffer),
	}
}

// TrySend queues a line for the writer without blocking. Called by the
// registry under its lock; must stay cheap.
func (s *Session) TrySend(line string) bool {
	select {
	case s.send <- line:
		return true
	default:
		return false
	}
}

// Disconnect tears the session down after flushing queued lines. Runs
// the teardown on its own goroutine so a pool worker closing a room
// never blocks on another session's queue.
func (s *Session) Disconnect() {
	go s.terminate()
}

// State reports the current protocol state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// run drives the session lifecycle. It returns when the connection is
// done; cleanup is idempotent and covers every exit path, so membership
// never leaks a dead session.
func (s *Session) run(ctx context.Context) {
	defer s.terminate()
	s.setState(StateHandshaking)

	if err := s.handshake(ctx); err != nil {
		log.Warn().Err(err).Str("module", "tcp.session").Str("sid", string(s.id)).
			Str("remote", s.conn.RemoteAddr().String()).Msg("handshake failed")
		s.setState(StateTerminated)
		return
	}

	s.setState(StateActive)
	s.readLoop(ctx)
}

// handshake reads the fixed three-line identification exchange: user id,
// username, room id. Any malformed token drops the connection with no
// room side effects. On success the session joins the room, replays
// history oldest first, and announces itself to the rest of the room.
func (s *Session) handshake(ctx context.Context) error {
	if err := s.conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}

	rawUser, err := s.readLine()
	if err != nil {
		return fmt.Errorf("read user id: %w", err)
	}
	uid, err := strconv.ParseInt(rawUser, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed user id %q: %w", rawUser, err)
	}

	username, err := s.readLine()
	if err != nil {
		return fmt.Errorf("read username: %w", err)
	}
	if err := domain.ValidateUsername(username); err != nil {
		return fmt.Errorf("malformed username: %w", err)
	}

	rawRoom, err := s.readLine()
	if err != nil {
		return fmt.Errorf("read room id: %w", err)
	}
	rid, err := strconv.ParseInt(rawRoom, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed room id %q: %w", rawRoom, err)
	}

	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear handshake deadline: %w", err)
	}

	s.userID = domain.UserID(uid)
	s.username = username
	s.roomID = domain.RoomID(rid)

	go s.writeLoop()

	// joined must be set before Join publishes the member: a Disconnect
	// reaching terminate is only possible after publication, and it must
	// observe the joined teardown path.
	s.joined = true
	s.reg.Join(s.roomID, core.Member{SID: s.id, UserID: s.userID, Username: s.username, Out: s})

	s.replayHistory(ctx)
	s.reg.BroadcastExcept(s.roomID, s.id, joinedLine(s.username))
	s.reg.BroadcastExcept(s.roomID, s.id, participantsLine(s.reg.SnapshotMembers(s.roomID)))

	log.Info().Str("module", "tcp.session").Str("sid", string(s.id)).
		Int64("user", int64(s.userID)).Str("username", s.username).
		Int64("room", int64(s.roomID)).Msg("session active")
	return nil
}

// replayHistory pushes the stored room history to this session only. A
// failed fetch degrades to an empty history instead of aborting the join.
func (s *Session) replayHistory(ctx context.Context) {
	history, err := s.gw.FetchHistory(ctx, s.roomID)
	if err != nil {
		log.Error().Err(err).Str("module", "tcp.session").Str("sid", string(s.id)).
			Int64("room", int64(s.roomID)).Msg("history fetch failed, joining with empty history")
		return
	}
	names := make(map[domain.UserID]string)
	for _, msg := range history {
		name, ok := names[msg.SenderID]
		if !ok {
			name = s.gw.ResolveUsername(ctx, msg.SenderID)
			names[msg.SenderID] = name
		}
		s.TrySend(chatLine(name, msg.Text))
	}
}

// readLoop consumes one line at a time and hands each to the dispatcher.
// The loop itself only ever blocks on the socket.
func (s *Session) readLoop(ctx context.Context) {
	for {
		if s.cfg.idleTimeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.idleTimeout)); err != nil {
				s.setState(StateTerminated)
				return
			}
		}
		line, err := s.readLine()
		if err != nil {
			if err != io.EOF {
				log.Debug().Err(err).Str("module", "tcp.session").Str("sid", string(s.id)).Msg("read loop ended")
			}
			s.setState(StateTerminated)
			return
		}

		switch line {
		case tokenLeaveRoom:
			s.setState(StateLeaving)
			return
		case tokenCloseRoom:
			if !s.submit(func() { s.closeRoomTask(ctx) }) {
				s.setState(StateTerminated)
				return
			}
		default:
			if !s.limiter.Allow() {
				log.Warn().Str("module", "tcp.session").Str("sid", string(s.id)).Msg("rate limit exceeded, line discarded")
				continue
			}
			text := line
			sentAt := time.Now()
			if !s.submit(func() { s.chatTask(ctx, text, sentAt) }) {
				s.setState(StateTerminated)
				return
			}
		}
	}
}

// submit hands a task to the dispatcher unless teardown already queued
// the session's final task. Returns false when the session is closing.
func (s *Session) submit(t app.Task) bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closing {
		return false
	}
	s.disp.Submit(s.id, t)
	return true
}

// chatTask is the unit of work for one ordinary chat line: persist, then
// broadcast. A failed insert is logged and delivery proceeds best-effort.
func (s *Session) chatTask(ctx context.Context, text string, sentAt time.Time) {
	// A chat line queued behind a room closure runs after the purge;
	// persisting it would orphan rows for a deleted room.
	if !s.reg.HasRoom(s.roomID) {
		return
	}
	if err := s.gw.InsertMessage(ctx, s.roomID, s.userID, text, sentAt); err != nil {
		log.Error().Err(err).Str("module", "tcp.session").Str("sid", string(s.id)).
			Int64("room", int64(s.roomID)).Msg("message insert failed, broadcasting anyway")
	}
	s.reg.BroadcastExcept(s.roomID, s.id, chatLine(s.username, text))
}

// closeRoomTask honors CLOSE_ROOM only when the sender owns the room per
// the store. A non-owner request is a silent no-op on the wire.
func (s *Session) closeRoomTask(ctx context.Context) {
	owner, ok := s.gw.ResolveRoomOwner(ctx, s.roomID)
	if !ok || owner != s.userID {
		log.Warn().Str("module", "tcp.session").Str("sid", string(s.id)).
			Int64("user", int64(s.userID)).Int64("room", int64(s.roomID)).
			Msg("close rejected, sender is not the room owner")
		return
	}

	s.setState(StateClosed)
	members, ok := s.reg.Close(s.roomID, lineRoomClosed)
	if !ok {
		return
	}
	for _, m := range members {
		m.Out.Disconnect()
	}
	if err := s.gw.DeleteRoomAndMessages(ctx, s.roomID); err != nil {
		log.Error().Err(err).Str("module", "tcp.session").
			Int64("room", int64(s.roomID)).Msg("room purge failed, stored rows left intact")
	}
}

// leaveTask removes the session from its room and notifies whoever
// remains. Safe to run after the room is already gone.
func (s *Session) leaveTask() {
	remaining, left := s.reg.Leave(s.roomID, s.id)
	if left && len(remaining) > 0 {
		s.reg.BroadcastExcept(s.roomID, s.id, leftLine(s.username))
		s.reg.BroadcastExcept(s.roomID, s.id, participantsLine(remaining))
	}
}

// terminate is the single cleanup path for every way a session can end:
// explicit leave, forced room closure, I/O error, shutdown. The implicit
// leave goes through the session's dispatch queue, so any chat lines
// still pending are persisted and broadcast first. The send channel is
// closed only after registry removal, when no broadcaster can reach it;
// the writer then flushes and closes the socket.
func (s *Session) terminate() {
	s.termOnce.Do(func() {
		s.closeMu.Lock()
		s.closing = true
		if !s.joined {
			s.closeMu.Unlock()
			_ = s.conn.Close()
			return
		}
		s.disp.Submit(s.id, func() {
			s.leaveTask()
			close(s.send)
		})
		s.closeMu.Unlock()
		s.disp.Forget(s.id)
		if s.State() == StateActive {
			s.setState(StateTerminated)
		}
		log.Info().Str("module", "tcp.session").Str("sid", string(s.id)).
			Str("state", s.State().String()).Msg("session terminating")
	})
}

// writeLoop is the only writer on the socket. One line per send, write
// deadline per line; on channel close it flushes what is queued and
// closes the connection, which also unblocks the read loop.
func (s *Session) writeLoop() {
	defer func() { _ = s.conn.Close() }()
	for line := range s.send {
		if s.cfg.writeTimeout > 0 {
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.writeTimeout)); err != nil {
				return
			}
		}
		if _, err := io.WriteString(s.conn, line+"\n"); err != nil {
			log.Debug().Err(err).Str("module", "tcp.session").Str("sid", string(s.id)).Msg("outbound write failed")
			return
		}
	}
}

func (s *Session) readLine() (string, error) {
	line, err := s.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
