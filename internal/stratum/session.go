package stratum

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/M0nsieurChat/stratum-mining-litecoin/pkg/log"
)

// Session represents one miner connection and its protocol state. All state
// is accessed through methods; the fields are never exposed directly.
type Session struct {
	id     string
	conn   net.Conn
	logger *log.Logger

	// Protocol state. A session is subscribed once it holds an
	// extranonce1. authorized maps worker name to the password it
	// authorized with, so submissions can be re-checked.
	extranonce1    string
	difficulty     float64
	prevDifficulty float64
	authorized     map[string]string
	userAgent      string
	admin          bool

	// Connection management
	readTimeout  time.Duration
	writeTimeout time.Duration

	outbound chan []byte
	done     chan struct{}

	mu sync.RWMutex
}

// NewSession creates a session for an accepted connection.
func NewSession(id string, conn net.Conn, logger *log.Logger, readTimeout, writeTimeout time.Duration) *Session {
	return &Session{
		id:           id,
		conn:         conn,
		logger:       logger.WithSession(id, conn.RemoteAddr().String()),
		authorized:   make(map[string]string),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		outbound:     make(chan []byte, 100),
		done:         make(chan struct{}),
	}
}

// Start begins processing the session
func (s *Session) Start(ctx context.Context, handler MessageHandler) error {
	s.logger.LogConnection("connected", s.conn.RemoteAddr().String())

	go s.writeLoop(ctx)

	return s.readLoop(ctx, handler)
}

// readLoop handles incoming messages from the client
func (s *Session) readLoop(ctx context.Context, handler MessageHandler) error {
	defer s.Close()

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 4096), 4096)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			s.logger.WithError(err).Error("failed to set read deadline")
			return err
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				s.logger.WithError(err).Error("scanner error")
				return err
			}
			// EOF - client disconnected
			s.logger.Info("client disconnected")
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		s.logger.LogStratumMessage("received", string(line))

		msg, err := ParseMessage(line)
		if err != nil {
			s.logger.WithError(err).Error("failed to parse message")
			if sendErr := s.SendError(nil, ErrorParseError, "Parse error"); sendErr != nil {
				s.logger.WithError(sendErr).Error("failed to send parse error")
			}
			continue
		}

		if err := handler.HandleMessage(ctx, s, msg); err != nil {
			s.logger.WithError(err).Error("failed to handle message")
		}
	}
}

// writeLoop handles outbound messages to the client
func (s *Session) writeLoop(ctx context.Context) {
	defer func() {
		if err := s.conn.Close(); err != nil {
			s.logger.Error("failed to close connection", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data := <-s.outbound:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
				s.logger.WithError(err).Error("failed to set write deadline")
				return
			}

			data = append(data, '\n')

			if _, err := s.conn.Write(data); err != nil {
				s.logger.WithError(err).Error("failed to write message")
				return
			}

			s.logger.LogStratumMessage("sent", string(data[:len(data)-1]))
		}
	}
}

// SendMessage sends a message to the client
func (s *Session) SendMessage(msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
		return fmt.Errorf("outbound channel full")
	}
}

// SendResponse sends a response message
func (s *Session) SendResponse(id any, result any) error {
	return s.SendMessage(NewResponse(id, result))
}

// SendError sends an error response
func (s *Session) SendError(id any, code int, message string) error {
	return s.SendMessage(NewErrorResponse(id, code, message))
}

// SendNotification sends a notification message
func (s *Session) SendNotification(method string, params []any) error {
	return s.SendMessage(NewNotification(method, params))
}

// Close closes the session
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return // Already closed
	default:
		close(s.done)
		s.logger.LogConnection("disconnected", s.conn.RemoteAddr().String())
	}
}

// Done returns a channel closed when the session shuts down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the remote address of the client connection.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// RemoteHost returns the remote address without the port, for host-based
// policy checks.
func (s *Session) RemoteHost() string {
	addr := s.conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Subscribed reports whether the session completed mining.subscribe. A
// session is subscribed exactly when it holds an extranonce1.
func (s *Session) Subscribed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.extranonce1 != ""
}

// Extranonce1 returns the session's extranonce1, or "" before subscribe.
func (s *Session) Extranonce1() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.extranonce1
}

// SetExtranonce1 installs a freshly allocated extranonce1 and returns the
// previous one, if any, so the caller can release it.
func (s *Session) SetExtranonce1(extranonce1 string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.extranonce1
	s.extranonce1 = extranonce1
	return prev
}

// MarkAuthorized records a worker as authorized on this session, together
// with the password it presented.
func (s *Session) MarkAuthorized(workerName, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorized[workerName] = password
}

// RevokeAuthorization removes a worker's authorization from the session.
func (s *Session) RevokeAuthorization(workerName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.authorized, workerName)
}

// Credential returns the password a worker authorized with and whether the
// worker is currently authorized on this session.
func (s *Session) Credential(workerName string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	password, ok := s.authorized[workerName]
	return password, ok
}

// AuthorizedWorkers returns the workers currently authorized on the session.
func (s *Session) AuthorizedWorkers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	workers := make([]string, 0, len(s.authorized))
	for name := range s.authorized {
		workers = append(workers, name)
	}
	return workers
}

// Difficulty returns the current share difficulty for this session.
func (s *Session) Difficulty() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.difficulty
}

// DifficultySnapshot returns the current and previous difficulty as one
// consistent pair.
func (s *Session) DifficultySnapshot() (current, previous float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.difficulty, s.prevDifficulty
}

// InitDifficulty installs the starting difficulty at subscribe time. There
// is no previous difficulty to fall back to on a fresh subscription.
func (s *Session) InitDifficulty(difficulty float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.difficulty = difficulty
	s.prevDifficulty = 0
}

// SetDifficulty retargets the session. The outgoing difficulty is retained
// so shares already in flight against the old target can still be credited.
func (s *Session) SetDifficulty(difficulty float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if difficulty == s.difficulty {
		return
	}
	s.prevDifficulty = s.difficulty
	s.difficulty = difficulty
}

// UserAgent returns the miner software identifier from subscribe.
func (s *Session) UserAgent() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userAgent
}

// SetUserAgent records the miner software identifier.
func (s *Session) SetUserAgent(userAgent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userAgent = userAgent
}

// IsAdmin reports whether the connection carries administrative capability.
func (s *Session) IsAdmin() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.admin
}

// SetAdmin grants or revokes administrative capability on the connection.
func (s *Session) SetAdmin(admin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admin = admin
}

// MessageHandler interface for handling Stratum messages
type MessageHandler interface {
	HandleMessage(ctx context.Context, session *Session, msg *Message) error
}
