package stratum

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cryptonote-labs/cn-pool/internal/coin"
	"github.com/cryptonote-labs/cn-pool/internal/config"
	"github.com/cryptonote-labs/cn-pool/internal/job"
	"github.com/cryptonote-labs/cn-pool/internal/policy"
	"github.com/cryptonote-labs/cn-pool/internal/util"
)

// Server accepts miner connections and fans new work out to them
type Server struct {
	cfg       *config.Config
	coinDef   *coin.Def
	manager   *job.Manager
	validator *Validator
	policy    *policy.Server

	listeners []net.Listener
	sessions  sync.Map // id -> *Session

	wg sync.WaitGroup
}

// NewServer wires the stratum server
func NewServer(cfg *config.Config, coinDef *coin.Def, manager *job.Manager, validator *Validator, policyServer *policy.Server) *Server {
	return &Server{
		cfg:       cfg,
		coinDef:   coinDef,
		manager:   manager,
		validator: validator,
		policy:    policyServer,
	}
}

// Start opens one listener per configured port, plus the TLS listener
// when certificates are configured, and begins broadcasting
func (s *Server) Start(ctx context.Context) error {
	host, _, err := net.SplitHostPort(s.cfg.Stratum.Bind)
	if err != nil {
		host = s.cfg.Stratum.Bind
	}

	for _, port := range s.cfg.Stratum.Ports {
		addr := net.JoinHostPort(host, strconv.Itoa(port.Port))
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to bind stratum port %d: %w", port.Port, err)
		}
		s.listeners = append(s.listeners, listener)
		util.Infof("Stratum listening on %s (min diff %d)", addr, port.MinDiff)

		s.wg.Add(1)
		go s.acceptLoop(ctx, listener, port)
	}

	if s.cfg.Stratum.TLSBind != "" && s.cfg.Stratum.TLSCert != "" && s.cfg.Stratum.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.Stratum.TLSCert, s.cfg.Stratum.TLSKey)
		if err != nil {
			util.Warnf("Failed to load TLS cert/key: %v", err)
		} else {
			tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
			tlsListener, err := tls.Listen("tcp", s.cfg.Stratum.TLSBind, tlsConfig)
			if err != nil {
				util.Warnf("Failed to bind TLS stratum listener: %v", err)
			} else {
				s.listeners = append(s.listeners, tlsListener)
				util.Infof("Stratum TLS listening on %s", s.cfg.Stratum.TLSBind)

				port := s.cfg.Stratum.Ports[0]
				if _, p, err := net.SplitHostPort(s.cfg.Stratum.TLSBind); err == nil {
					if n, err := strconv.Atoi(p); err == nil {
						port = s.cfg.PortFor(n)
					}
				}
				s.wg.Add(1)
				go s.acceptLoop(ctx, tlsListener, port)
			}
		}
	}

	s.wg.Add(1)
	go s.broadcastLoop(ctx)

	return nil
}

// Stop closes the listeners and every session, then waits for the loops
func (s *Server) Stop() {
	s.closeListeners()

	s.sessions.Range(func(key, value interface{}) bool {
		value.(*Session).Close()
		return true
	})

	s.wg.Wait()
	util.Info("Stratum server stopped")
}

func (s *Server) closeListeners() {
	for _, l := range s.listeners {
		l.Close()
	}
}

// acceptLoop admits connections on one listener
func (s *Server) acceptLoop(ctx context.Context, listener net.Listener, port config.PortConfig) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			util.Warnf("Accept error: %v", err)
			continue
		}

		ip := extractIP(conn.RemoteAddr().String())

		if s.policy.IsBanned(ip) {
			util.Debugf("Rejected banned IP: %s", ip)
			conn.Close()
			continue
		}
		if !s.policy.ApplyConnectionLimit(ip) {
			util.Debugf("Connection limit exceeded for IP: %s", ip)
			conn.Close()
			continue
		}

		session := newSession(s, conn, port)
		s.sessions.Store(session.ID(), session)
		util.Debugf("New connection from %s (session %s)", ip, session.ID())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			session.serve(ctx)
		}()
	}
}

// dropSession removes a dead session from the table
func (s *Server) dropSession(sess *Session) {
	s.sessions.Delete(sess.ID())
}

// broadcastLoop pushes every new template to all live sessions
func (s *Server) broadcastLoop(ctx context.Context) {
	defer s.wg.Done()

	templates, cancel := s.manager.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case tmpl := <-templates:
			s.broadcast(ctx, tmpl)
		}
	}
}

// broadcast mints one fresh job per authorized session and evicts the
// idle ones. Sessions are handled concurrently; per-session errors are
// logged, never fatal.
func (s *Server) broadcast(ctx context.Context, tmpl *job.Template) {
	start := time.Now()
	timeout := s.cfg.Stratum.ConnectionTimeout

	var sent, evicted int
	var wg sync.WaitGroup

	s.sessions.Range(func(key, value interface{}) bool {
		sess := value.(*Session)
		if !sess.Authorized() {
			return true
		}

		if time.Since(sess.LastActivity()) > timeout {
			util.Debugf("Evicting idle session %s (%s)", sess.ID(), sess.ip)
			sess.Close()
			evicted++
			return true
		}

		sent++
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, wire, err := sess.mintJob()
			if err != nil {
				util.Warnf("Broadcast mint failed for session %s: %v", sess.ID(), err)
				return
			}
			sess.sendJob(wire)
		}()
		return true
	})

	wg.Wait()

	elapsed := time.Since(start)
	if deadline := s.cfg.Stratum.BroadcastDeadline; deadline > 0 && elapsed > deadline {
		util.Warnf("Broadcast for height %d took %v (deadline %v)", tmpl.Height, elapsed, deadline)
	}
	util.Debugf("Broadcast height %d to %d sessions (%d evicted) in %v", tmpl.Height, sent, evicted, elapsed)
}

// SessionCount returns the number of connected sessions
func (s *Server) SessionCount() int {
	count := 0
	s.sessions.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}

// AuthorizedCount returns the number of logged-in sessions
func (s *Server) AuthorizedCount() int {
	count := 0
	s.sessions.Range(func(key, value interface{}) bool {
		if value.(*Session).Authorized() {
			count++
		}
		return true
	})
	return count
}
