package pgasync

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/digit-soft/pgasync/protocol"
)

// Status is the connection-level axis of the state machine. The happy path is
// Needed → Started → Made → AuthOK → OK; Bad and Closed are reachable from
// any status on fatal error or stream close.
type Status int

const (
	StatusNeeded Status = iota
	StatusStarted
	StatusMade
	StatusAuthOK
	StatusOK
	StatusBad
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusNeeded:
		return "needed"
	case StatusStarted:
		return "started"
	case StatusMade:
		return "made"
	case StatusAuthOK:
		return "auth_ok"
	case StatusOK:
		return "ok"
	case StatusBad:
		return "bad"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

// queryState is the query-execution axis, independent of Status.
type queryState int

const (
	queryReady queryState = iota
	queryBusy
)

// State is the pool-visible condition of a connection, derived from the
// (status, query-state) pair. An external pool observes these to decide
// whether to route new work here.
type State int

const (
	StateNotReady State = iota // connecting or authenticating
	StateReady                 // idle, can accept work
	StateBusy                  // executing a command
	StateClosing               // terminating, closed or failed
)

func (s State) String() string {
	switch s {
	case StateNotReady:
		return "not_ready"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// StateFunc observes pool-visible state transitions and backlog changes.
type StateFunc func(state State, backlog int)

// NoticeFunc observes NoticeResponse messages delivered by the backend.
type NoticeFunc func(notice *protocol.NoticeResponse)

// Conn is one TCP-backed session to a PostgreSQL server. It owns the socket,
// a FIFO command queue and the decoder exclusively; commands submitted
// through Query and ExecuteStatement execute in strict submission order. A
// Conn serves one logical session and is safe for concurrent submitters only
// because everything funnels through its queue.
type Conn struct {
	cfg Config
	log logrus.FieldLogger

	mu      sync.Mutex
	status  Status
	qstate  queryState
	sock    net.Conn
	dec     protocol.Decoder
	queue   []*command
	current *command
	columns []protocol.Column
	params  map[string]string
	pid     int32
	secret  int32
	lastErr error
	stmtSeq int

	stateFn     StateFunc
	noticeFn    NoticeFunc
	notified    bool
	lastState   State
	lastBacklog int
}

// NewConn creates an unconnected connection. The socket is opened by Start,
// or lazily by the first consumed result stream.
func NewConn(cfg Config) *Conn {
	cfg = cfg.withDefaults()
	return &Conn{
		cfg:    cfg,
		log:    cfg.Logger.WithField("component", "pgasync"),
		status: StatusNeeded,
		params: map[string]string{},
	}
}

// OnStateChange registers the pool-facing observer. It is invoked on every
// pool-visible state transition and on every backlog-length change.
func (c *Conn) OnStateChange(fn StateFunc) {
	c.mu.Lock()
	c.stateFn = fn
	c.mu.Unlock()
}

// OnNotice registers an observer for backend notices. Notices are also
// logged at debug level.
func (c *Conn) OnNotice(fn NoticeFunc) {
	c.mu.Lock()
	c.noticeFn = fn
	c.mu.Unlock()
}

// Status returns the connection-level status.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// State returns the pool-visible state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Backlog returns the number of active statement-level commands still queued,
// excluding intermediate extended-protocol steps and the command currently
// executing. Pools use it for least-loaded routing.
func (c *Conn) Backlog() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backlogLocked()
}

// ParameterStatus returns a runtime parameter reported by the backend during
// this session (server_version, client_encoding and friends).
func (c *Conn) ParameterStatus(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params[name]
}

// BackendPID returns the server process id of this session, zero before
// BackendKeyData arrived.
func (c *Conn) BackendPID() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid
}

// Start opens the socket and begins the startup handshake. It is only legal
// on a fresh connection; on dial failure every already-queued command is
// rejected and the connection becomes bad.
func (c *Conn) Start(ctx context.Context) error {
	var ev eventList
	c.mu.Lock()
	if c.status != StatusNeeded {
		st := c.status
		c.mu.Unlock()
		return errors.Errorf("start is only legal on a fresh connection, status is %s", st)
	}
	c.status = StatusStarted
	c.notifyLocked(&ev)
	c.mu.Unlock()
	ev.deliver()
	return c.dial(ctx)
}

// Query submits sql over the simple protocol and returns its result stream.
// The stream is cold: nothing is queued, and the connection is not started,
// until it is first consumed.
func (c *Conn) Query(sql string) *RowStream {
	rs := newRowStream(c)
	rs.enqueue = func(ctx context.Context) error {
		cmd := newCommand(cmdQuery, protocol.SimpleQuery(sql), sql, rs, true)
		rs.setCommands([]*command{cmd})
		return c.submit(ctx, cmd)
	}
	return rs
}

// ExecuteStatement submits sql with positional $1, $2, … parameters over the
// extended protocol (Parse → Bind → Describe → Execute → Close → Sync) and
// returns its result stream. Each call parses the statement anew under a
// unique per-connection name and releases it within the same cycle.
func (c *Conn) ExecuteStatement(sql string, params []any) *RowStream {
	rs := newRowStream(c)
	rs.enqueue = func(ctx context.Context) error {
		name := c.nextStatementName()
		cmds := []*command{
			newCommand(cmdParse, protocol.ParseMessage(name, sql), sql, nil, false),
			newCommand(cmdBind, protocol.BindMessage("", name, encodeParams(params)), sql, nil, false),
			newCommand(cmdDescribe, protocol.DescribeMessage('P', ""), sql, nil, false),
			newCommand(cmdExecute, protocol.ExecuteMessage("", 0), sql, nil, false),
			newCommand(cmdClose, protocol.CloseMessage('S', name), sql, nil, false),
			newCommand(cmdSync, protocol.SyncMessage(), sql, rs, true),
		}
		rs.setCommands(cmds)
		return c.submit(ctx, cmds...)
	}
	return rs
}

// Disconnect appends a graceful Terminate behind any pending work. Pending
// commands still run to completion first.
func (c *Conn) Disconnect() error {
	var ev eventList
	c.mu.Lock()
	switch c.status {
	case StatusNeeded:
		c.status = StatusClosed
		c.notifyLocked(&ev)
		c.mu.Unlock()
		ev.deliver()
		return nil
	case StatusClosed, StatusBad:
		c.mu.Unlock()
		return nil
	}
	c.queue = append(c.queue, newCommand(cmdTerminate, protocol.TerminateMessage(), "", nil, false))
	c.processQueueLocked(&ev)
	c.mu.Unlock()
	ev.deliver()
	return nil
}

func (c *Conn) nextStatementName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stmtSeq++
	return "s" + strconv.Itoa(c.stmtSeq)
}

// submit places commands on the queue, starting the connection first if it
// was never started. A bad or closed connection rejects immediately, without
// the commands ever entering the queue.
func (c *Conn) submit(ctx context.Context, cmds ...*command) error {
	var ev eventList
	c.mu.Lock()
	switch c.status {
	case StatusBad:
		err := c.lastErr
		c.mu.Unlock()
		if err == nil {
			err = errors.New("connection is in a failed state")
		}
		return err
	case StatusClosed:
		c.mu.Unlock()
		return errors.New("connection is closed")
	}
	doStart := c.status == StatusNeeded
	if doStart {
		c.status = StatusStarted
	}
	c.queue = append(c.queue, cmds...)
	c.processQueueLocked(&ev)
	c.mu.Unlock()
	ev.deliver()
	if doStart {
		return c.dial(ctx)
	}
	return nil
}

// dial opens the socket, writes the startup message and spawns the read loop.
func (c *Conn) dial(ctx context.Context) error {
	sock, err := c.cfg.DialFunc(ctx, "tcp", c.cfg.addr())

	var ev eventList
	c.mu.Lock()
	if err != nil {
		err = connFailed("dial "+c.cfg.addr(), err)
		c.failLocked(err, &ev)
		c.mu.Unlock()
		ev.deliver()
		return err
	}
	c.sock = sock
	c.status = StatusMade
	c.notifyLocked(&ev)
	if werr := c.writeLocked(protocol.StartupMessage(c.cfg.startupArgs())); werr != nil {
		werr = connFailed("startup write", werr)
		c.failLocked(werr, &ev)
		c.mu.Unlock()
		ev.deliver()
		return werr
	}
	c.mu.Unlock()
	ev.deliver()

	go c.readLoop(sock)
	return nil
}

// readLoop feeds raw socket bytes through the decoder and dispatches every
// completed message in arrival order. It exits on stream close: expected
// after a Terminate, fatal otherwise.
func (c *Conn) readLoop(sock net.Conn) {
	buf := make([]byte, 8192)
	for {
		n, err := sock.Read(buf)
		if n > 0 {
			msgs, derr := c.dec.Feed(buf[:n])
			for _, m := range msgs {
				c.dispatch(m)
			}
			if derr != nil {
				c.fail(connFailed("protocol decode", derr))
				return
			}
		}
		if err != nil {
			c.mu.Lock()
			expected := c.status == StatusClosed || c.status == StatusBad
			c.mu.Unlock()
			if !expected {
				c.fail(connFailed("read", err))
			}
			return
		}
	}
}

// dispatch routes one decoded message to its handler. State mutation happens
// under the mutex; subscriber callbacks and observer notifications are
// collected and run after it is released.
func (c *Conn) dispatch(msg protocol.BackendMessage) {
	var ev eventList
	c.mu.Lock()
	switch m := msg.(type) {
	case *protocol.Authentication:
		c.handleAuthLocked(m, &ev)
	case *protocol.BackendKeyData:
		c.pid, c.secret = m.PID, m.Secret
	case *protocol.ParameterStatus:
		c.params[m.Name] = m.Value
	case *protocol.RowDescription:
		c.columns = m.Columns
	case *protocol.DataRow:
		c.handleDataRowLocked(m, &ev)
	case *protocol.CommandComplete:
		c.handleCompleteLocked(m.Tag, &ev)
	case *protocol.EmptyQueryResponse:
		c.handleCompleteLocked("", &ev)
	case *protocol.ReadyForQuery:
		if c.status != StatusBad && c.status != StatusClosed {
			c.status = StatusOK
			c.qstate = queryReady
			c.current = nil
			c.columns = nil
			c.processQueueLocked(&ev)
		}
	case *protocol.ErrorResponse:
		c.handleErrorLocked(m, &ev)
	case *protocol.NoticeResponse:
		c.log.WithFields(logrus.Fields{"severity": m.Severity, "code": m.Code}).Debug(m.Message)
		if fn := c.noticeFn; fn != nil {
			notice := m
			ev.add(func() { fn(notice) })
		}
	case *protocol.ParseComplete, *protocol.BindComplete, *protocol.CloseComplete,
		*protocol.NoData, *protocol.PortalSuspended:
		// acknowledgements of pipelined extended-protocol steps
	case *protocol.CopyInResponse, *protocol.CopyOutResponse:
		c.handleCopyLocked(&ev)
	}
	c.mu.Unlock()
	ev.deliver()
}

func (c *Conn) handleAuthLocked(m *protocol.Authentication, ev *eventList) {
	switch m.Method {
	case protocol.AuthOK:
		c.status = StatusAuthOK
		c.notifyLocked(ev)
	case protocol.AuthCleartext:
		if c.cfg.Password == "" {
			c.failLocked(connFailed("auth", errors.New("server requested a password but none is configured")), ev)
			return
		}
		if err := c.writeLocked(protocol.PasswordMessage(c.cfg.Password)); err != nil {
			c.failLocked(connFailed("password write", err), ev)
		}
	case protocol.AuthMD5:
		if c.cfg.Password == "" {
			c.failLocked(connFailed("auth", errors.New("server requested a password but none is configured")), ev)
			return
		}
		hashed := protocol.MD5Password(c.cfg.User, c.cfg.Password, m.Salt)
		if err := c.writeLocked(protocol.PasswordMessage(hashed)); err != nil {
			c.failLocked(connFailed("password write", err), ev)
		}
	default:
		c.failLocked(connFailed("auth", errors.Errorf("unsupported authentication method %d", m.Method)), ev)
	}
}

func (c *Conn) handleDataRowLocked(m *protocol.DataRow, ev *eventList) {
	if c.qstate != queryBusy || c.current == nil {
		c.failLocked(connFailed("protocol", errors.New("DataRow received with no executing command")), ev)
		return
	}
	// a column-count mismatch means the protocol framing is desynchronized,
	// so the whole connection is poisoned, not just the current command
	if len(m.Values) != len(c.columns) {
		c.failLocked(connFailed("protocol",
			errors.Errorf("DataRow carries %d values for %d described columns", len(m.Values), len(c.columns))), ev)
		return
	}
	if sub := c.current.sub; sub != nil {
		row := materializeRow(c.columns, m.Values)
		ev.add(func() { sub.push(row) })
	}
}

func (c *Conn) handleCompleteLocked(tag string, ev *eventList) {
	if c.current != nil && c.current.sub != nil {
		sub := c.current.sub
		ev.add(func() { sub.complete(tag) })
	}
	// the connection stays busy until ReadyForQuery advances the queue
	c.columns = nil
}

func (c *Conn) handleErrorLocked(m *protocol.ErrorResponse, ev *eventList) {
	serr := &ServerError{
		Severity: m.Severity,
		Code:     m.Code,
		Message:  m.Message,
		Detail:   m.Detail,
		Hint:     m.Hint,
		Position: m.Position,
	}
	if c.current != nil {
		serr.WithSQL(c.current.sql)
	}
	if serr.Fatal() {
		c.failLocked(serr, ev)
		return
	}
	// non-fatal: only the current command fails, the connection resumes on
	// the next ReadyForQuery
	if cur := c.current; cur != nil {
		c.current = nil
		if sub := cur.sub; sub != nil {
			ev.add(func() { sub.fail(serr) })
		}
	} else {
		c.log.WithError(serr).Debug("server error with no executing command")
	}
}

func (c *Conn) handleCopyLocked(ev *eventList) {
	err := errors.New("COPY is not supported")
	c.log.Warn(err)
	if cur := c.current; cur != nil {
		c.current = nil
		if sub := cur.sub; sub != nil {
			ev.add(func() { sub.fail(err) })
		}
	}
}

// fail marks the connection bad from outside the mutex.
func (c *Conn) fail(err error) {
	var ev eventList
	c.mu.Lock()
	c.failLocked(err, &ev)
	c.mu.Unlock()
	ev.deliver()
}

// failLocked records err as the connection error, moves the status to bad
// and drains the queue, rejecting everything still pending.
func (c *Conn) failLocked(err error, ev *eventList) {
	if c.status == StatusBad || c.status == StatusClosed {
		return
	}
	c.lastErr = err
	c.status = StatusBad
	c.log.WithError(err).Debug("connection failed")
	c.processQueueLocked(ev)
}

// processQueueLocked advances the queue: on a bad connection it fails every
// pending command at once; otherwise it writes commands in FIFO order,
// skipping inactive ones, until one that waits for completion keeps the
// connection busy.
func (c *Conn) processQueueLocked(ev *eventList) {
	if c.status == StatusBad {
		err := c.lastErr
		if err == nil {
			err = errors.New("connection is in a failed state")
		}
		if cur := c.current; cur != nil {
			c.current = nil
			if sub := cur.sub; sub != nil {
				ev.add(func() { sub.fail(err) })
			}
		}
		for _, cmd := range c.queue {
			if cmd.active && cmd.sub != nil {
				sub := cmd.sub
				ev.add(func() { sub.fail(err) })
			}
		}
		c.queue = nil
		c.closeSocketLocked()
		c.notifyLocked(ev)
		return
	}

	if c.status != StatusOK {
		// commands only flow once the session is fully established
		c.notifyLocked(ev)
		return
	}

	for c.qstate == queryReady {
		if len(c.queue) == 0 {
			if c.cfg.AutoDisconnect && c.status == StatusOK {
				c.queue = append(c.queue, newCommand(cmdTerminate, protocol.TerminateMessage(), "", nil, false))
				continue
			}
			break
		}
		cmd := c.queue[0]
		c.queue = c.queue[1:]
		if !cmd.active {
			continue // skipped without sending
		}
		c.log.WithField("command", cmd.kind.String()).Trace("sending command")
		if err := c.writeLocked(cmd.frame); err != nil {
			c.failLocked(connFailed("write", err), ev)
			return
		}
		if cmd.kind == cmdTerminate {
			c.status = StatusClosed
			c.closeSocketLocked()
			closedErr := errors.New("connection is closed")
			for _, rest := range c.queue {
				if rest.active && rest.sub != nil {
					sub := rest.sub
					ev.add(func() { sub.fail(closedErr) })
				}
			}
			c.queue = nil
			break
		}
		if cmd.waits {
			c.current = cmd
			c.qstate = queryBusy
			break
		}
	}
	c.notifyLocked(ev)
}

// cancelCommands marks a stream's commands inactive so the queue skips them.
// If one of them is currently executing, a best-effort CancelRequest goes out
// on a separate, short-lived socket.
func (c *Conn) cancelCommands(cmds []*command) {
	var ev eventList
	c.mu.Lock()
	cancelCurrent := false
	for _, cmd := range cmds {
		cmd.active = false
		if c.current == cmd {
			cancelCurrent = true
		}
	}
	pid, secret := c.pid, c.secret
	c.notifyLocked(&ev)
	c.mu.Unlock()
	ev.deliver()

	if cancelCurrent && pid != 0 {
		go c.sendCancelRequest(pid, secret)
	}
}

// sendCancelRequest opens the cancellation side-channel. Failures are
// swallowed: cancellation is best-effort by protocol design.
func (c *Conn) sendCancelRequest(pid, secret int32) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sock, err := c.cfg.DialFunc(ctx, "tcp", c.cfg.addr())
	if err != nil {
		c.log.WithError(err).Debug("cancel request dial failed")
		return
	}
	defer sock.Close()
	if _, err = sock.Write(protocol.CancelRequestMessage(pid, secret)); err != nil {
		c.log.WithError(err).Debug("cancel request write failed")
	}
}

func (c *Conn) writeLocked(m protocol.Message) error {
	if c.sock == nil {
		return errors.New("socket is not open")
	}
	_, err := c.sock.Write(m)
	return err
}

func (c *Conn) closeSocketLocked() {
	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}
}

func (c *Conn) stateLocked() State {
	switch c.status {
	case StatusBad, StatusClosed:
		return StateClosing
	case StatusOK:
		if c.qstate == queryBusy {
			return StateBusy
		}
		return StateReady
	}
	return StateNotReady
}

func (c *Conn) backlogLocked() int {
	n := 0
	for _, cmd := range c.queue {
		if cmd.active && cmd.statement() {
			n++
		}
	}
	return n
}

// notifyLocked queues a state-change notification when the pool-visible
// state or the backlog length moved since the last one.
func (c *Conn) notifyLocked(ev *eventList) {
	fn := c.stateFn
	if fn == nil {
		return
	}
	st := c.stateLocked()
	bl := c.backlogLocked()
	if c.notified && st == c.lastState && bl == c.lastBacklog {
		return
	}
	c.notified = true
	c.lastState = st
	c.lastBacklog = bl
	ev.add(func() { fn(st, bl) })
}

// eventList collects callbacks produced while holding the connection mutex,
// to be delivered after it is released. Subscriber and observer code never
// runs under the lock.
type eventList []func()

func (l *eventList) add(f func()) { *l = append(*l, f) }

func (l eventList) deliver() {
	for _, f := range l {
		f()
	}
}
