package stratum

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cryptonote-labs/cn-pool/internal/config"
	"github.com/cryptonote-labs/cn-pool/internal/job"
	"github.com/cryptonote-labs/cn-pool/internal/util"
)

// Request size bounds
const (
	MaxRequestSize   = 4096
	MaxRequestBuffer = MaxRequestSize + 64
)

// Session is one miner connection
type Session struct {
	id     string
	conn   net.Conn
	server *Server
	port   config.PortConfig
	ip     string

	// extraNonce is the session-scoped nonce counter, bumped per job
	extraNonce uint32

	// Share counters
	validShares   uint64
	invalidShares uint64

	lastActivity int64 // unix nanos

	mu                sync.Mutex
	minerAddress      string
	workerName        string
	paymentID         string
	userAgent         string
	authorized        bool
	difficulty        uint64
	pendingDifficulty uint64
	staticDiff        bool
	recentJobs        []*job.Job
	vardiff           *VardiffState

	closeOnce sync.Once
	closed    chan struct{}
}

// newSession wraps an accepted connection
func newSession(server *Server, conn net.Conn, port config.PortConfig) *Session {
	startDiff := port.StartDiff
	if startDiff == 0 {
		startDiff = port.MinDiff
	}

	return &Session{
		id:           uuid.New().String(),
		conn:         conn,
		server:       server,
		port:         port,
		ip:           extractIP(conn.RemoteAddr().String()),
		difficulty:   startDiff,
		vardiff:      NewVardiffState(time.Now()),
		lastActivity: time.Now().UnixNano(),
		closed:       make(chan struct{}),
	}
}

// ID returns the stable connection id
func (s *Session) ID() string {
	return s.id
}

// MinerAddress returns the authorized wallet address
func (s *Session) MinerAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minerAddress
}

// WorkerName returns the worker label
func (s *Session) WorkerName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workerName
}

// Authorized reports whether login succeeded
func (s *Session) Authorized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorized
}

// LastActivity returns the time of the last request from this miner
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastActivity))
}

func (s *Session) touch() {
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())
}

// Stats returns the share counters
func (s *Session) Stats() (valid, invalid uint64) {
	return atomic.LoadUint64(&s.validShares), atomic.LoadUint64(&s.invalidShares)
}

// Close terminates the connection once
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// serve runs the read loop until the connection dies or the server stops
func (s *Session) serve(ctx context.Context) {
	defer func() {
		s.Close()
		s.server.dropSession(s)
		util.Debugf("Session %s disconnected: %s", s.id, s.ip)
	}()

	reader := bufio.NewReaderSize(s.conn, MaxRequestBuffer)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(s.server.cfg.Stratum.ConnectionTimeout))

		line, isPrefix, err := reader.ReadLine()
		if err != nil {
			return
		}
		arrival := time.Now()

		// Oversized frame: flood, cut the connection
		if isPrefix || len(line) > MaxRequestSize {
			util.Warnf("Session %s (%s): request too large", s.id, s.ip)
			s.server.policy.BanIP(s.ip)
			return
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			if !s.server.policy.ApplyMalformedPolicy(s.ip) {
				util.Warnf("Session %s (%s): banned for malformed requests", s.id, s.ip)
				return
			}
			s.sendError(nil, NewError(CodeGeneric, "parse error"))
			continue
		}

		s.touch()
		s.handleRequest(ctx, &req, arrival)
	}
}

// handleRequest routes one request; errors are converted to wire errors
// here so a bad request never kills the connection
func (s *Session) handleRequest(ctx context.Context, req *Request, arrival time.Time) {
	switch req.Method {
	case "login":
		s.handleLogin(req)
	case "getjob":
		s.handleGetJob(req)
	case "submit":
		s.handleSubmit(ctx, req, arrival)
	case "keepalived":
		s.handleKeepalived(req)
	default:
		s.sendError(req.ID, NewError(CodeUnsupported, fmt.Sprintf("Unsupported request %s", req.Method)))
	}
}

// parseLogin splits "<address>[#<payment_id>][.<worker>]": the first '.'
// starts the worker name, and a '#' is only read as the payment-id
// separator in the part before it
func parseLogin(login string) (address, worker, paymentID string) {
	worker = "0"

	if i := strings.Index(login, "."); i >= 0 {
		address = login[:i]
		worker = login[i+1:]
	} else {
		address = login
	}

	if i := strings.Index(address, "#"); i >= 0 {
		paymentID = address[i+1:]
		address = address[:i]
	}

	return address, worker, paymentID
}

// parsePass extracts "key=value;..." control variables from the password
func parsePass(pass string) map[string]string {
	vars := make(map[string]string)
	for _, part := range strings.Split(pass, ";") {
		if i := strings.Index(part, "="); i > 0 {
			vars[strings.TrimSpace(part[:i])] = strings.TrimSpace(part[i+1:])
		}
	}
	return vars
}

func (s *Session) handleLogin(req *Request) {
	var params LoginParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Login == "" {
		s.rejectLogin(req, "missing login")
		return
	}

	address, worker, paymentID := parseLogin(params.Login)

	if paymentID != "" && !s.server.coinDef.ValidatePaymentID(paymentID) {
		s.rejectLogin(req, "invalid payment id")
		return
	}

	if !s.server.coinDef.ValidateAddress(address) {
		s.rejectLogin(req, "invalid address")
		return
	}

	if !s.server.policy.ApplyLoginPolicy(address, s.ip) {
		s.rejectLogin(req, "address blocked")
		return
	}

	s.mu.Lock()
	if !s.authorized {
		// First login fixes identity and difficulty policy
		s.minerAddress = address
		s.workerName = worker
		s.paymentID = paymentID
		s.userAgent = params.Agent

		if d, ok := parsePass(params.Pass)["d"]; ok {
			if static, err := strconv.ParseUint(d, 10, 64); err == nil && static >= s.port.MinDiff {
				s.difficulty = static
				s.staticDiff = true
			}
		}
		s.authorized = true
	}
	s.mu.Unlock()

	_, wire, err := s.mintJob()
	if err != nil {
		util.Warnf("Session %s: login job mint failed: %v", s.id, err)
		s.sendError(req.ID, NewError(CodeGeneric, "no job available"))
		return
	}

	util.Infof("Session %s authorized: %s.%s (%s)", s.id, shorten(address), worker, s.ip)

	s.sendResult(req.ID, struct {
		ID     string    `json:"id"`
		Job    *job.Wire `json:"job"`
		Status string    `json:"status"`
	}{ID: s.id, Job: wire, Status: "OK"})
}

func (s *Session) rejectLogin(req *Request, reason string) {
	s.server.policy.ApplyMalformedPolicy(s.ip)
	s.sendError(req.ID, NewError(CodeGeneric, reason))
}

func (s *Session) handleGetJob(req *Request) {
	var params GetJobParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(req.ID, NewError(CodeGeneric, "invalid params"))
		return
	}

	if !s.checkIdentity(req, params.ID) {
		return
	}

	_, wire, err := s.mintJob()
	if err != nil {
		util.Warnf("Session %s: job mint failed: %v", s.id, err)
		s.sendError(req.ID, NewError(CodeGeneric, "no job available"))
		return
	}

	s.sendResult(req.ID, wire)
}

func (s *Session) handleKeepalived(req *Request) {
	var params KeepalivedParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(req.ID, NewError(CodeGeneric, "invalid params"))
		return
	}
	if !s.checkIdentity(req, params.ID) {
		return
	}
	s.sendResult(req.ID, StatusReply{Status: "KEEPALIVED"})
}

// checkIdentity enforces authorization and the connection id echo
func (s *Session) checkIdentity(req *Request, id string) bool {
	if req.ID == nil {
		s.sendError(nil, NewError(CodeGeneric, "missing request id"))
		return false
	}
	if !s.Authorized() {
		s.sendError(req.ID, NewError(CodeGeneric, "unauthenticated"))
		return false
	}
	if id != s.id {
		s.sendError(req.ID, NewError(CodeGeneric, "unauthenticated"))
		return false
	}
	return true
}

func (s *Session) handleSubmit(ctx context.Context, req *Request, arrival time.Time) {
	// Overload guard: requests that sat in the pipe too long are dropped
	// without a response so the miner's retry hits a fresh job
	if age := time.Since(arrival); age > s.server.cfg.Stratum.MaxShareAge {
		util.Warnf("Session %s: dropping share aged %v (overload)", s.id, age)
		return
	}

	var params SubmitParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(req.ID, NewError(CodeGeneric, "invalid params"))
		return
	}

	if !s.checkIdentity(req, params.ID) {
		return
	}

	j := s.findJob(params.JobID)
	if j == nil {
		s.countInvalid()
		s.sendError(req.ID, NewError(CodeJobNotFound, "job not found"))
		return
	}

	nonce := util.NormalizeNonce(params.Nonce)
	if !j.RegisterSubmission(nonce) {
		s.countInvalid()
		s.sendError(req.ID, NewError(CodeDuplicate, "duplicate share"))
		return
	}

	verdict, verr := s.server.validator.Validate(ctx, s, j, nonce, params.Result)
	if verr != nil {
		s.countInvalid()
		s.sendError(req.ID, verr)
		return
	}

	atomic.AddUint64(&s.validShares, 1)
	s.server.policy.ApplySharePolicy(s.ip, true)

	if verdict.Share.IsBlockCandidate {
		util.Infof("Session %s found block %s at height %d", s.id, shorten(verdict.BlockHash), verdict.Share.BlockHeight)
	}

	s.sendResult(req.ID, StatusReply{Status: "OK"})

	s.retarget()
}

// retarget runs the vardiff control loop after an accepted share and
// pushes a fresh job immediately when the difficulty stepped
func (s *Session) retarget() {
	now := time.Now()

	s.mu.Lock()
	if s.staticDiff {
		s.mu.Unlock()
		return
	}
	s.vardiff.Observe(now)
	newDiff, ok := s.vardiff.Retarget(now, s.difficulty, s.port)
	if ok {
		s.pendingDifficulty = newDiff
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	_, wire, err := s.mintJob()
	if err != nil {
		util.Warnf("Session %s: retarget job mint failed: %v", s.id, err)
		return
	}
	util.Debugf("Session %s difficulty stepped to %d", s.id, newDiff)
	s.sendJob(wire)
}

// countInvalid bumps the invalid counter and applies the ban policy,
// closing the session when it crossed the line
func (s *Session) countInvalid() {
	atomic.AddUint64(&s.invalidShares, 1)
	if !s.server.policy.ApplySharePolicy(s.ip, false) {
		util.Warnf("Session %s (%s): banned for invalid shares", s.id, s.ip)
		s.Close()
	}
}

// mintJob applies any pending difficulty, mints a job for this session
// and tracks it in the bounded recent-jobs set
func (s *Session) mintJob() (*job.Job, *job.Wire, error) {
	s.mu.Lock()
	if s.pendingDifficulty != 0 {
		s.difficulty = s.pendingDifficulty
		s.pendingDifficulty = 0
	}
	diff := s.difficulty
	s.mu.Unlock()

	extra := atomic.AddUint32(&s.extraNonce, 1)
	j, wire, err := s.server.manager.Mint(diff, extra)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	s.recentJobs = append(s.recentJobs, j)
	if max := s.server.cfg.Stratum.RecentJobs; len(s.recentJobs) > max {
		s.recentJobs = s.recentJobs[len(s.recentJobs)-max:]
	}
	s.mu.Unlock()

	return j, wire, nil
}

// findJob resolves a job id against the session's retained jobs
func (s *Session) findJob(id string) *job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.recentJobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// sendJob pushes an unsolicited job notification
func (s *Session) sendJob(wire *job.Wire) {
	s.send(Notification{Jsonrpc: "2.0", Method: "job", Params: wire})
}

func (s *Session) sendResult(id interface{}, result interface{}) {
	s.send(Response{ID: id, Jsonrpc: "2.0", Result: result})
}

func (s *Session) sendError(id interface{}, e *Error) {
	s.send(Response{ID: id, Jsonrpc: "2.0", Error: e})
}

// send serializes one message onto the wire; the per-session lock keeps
// messages whole and in order
func (s *Session) send(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	s.conn.Write(append(data, '\n'))
}

// shorten trims identifiers for logs
func shorten(v string) string {
	if len(v) > 16 {
		return v[:16]
	}
	return v
}

// extractIP strips the port from a remote address
func extractIP(remoteAddr string) string {
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		ip := remoteAddr[:idx]
		ip = strings.TrimPrefix(ip, "[")
		ip = strings.TrimSuffix(ip, "]")
		return ip
	}
	return remoteAddr
}
