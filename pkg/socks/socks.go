// Package socks provides SOCKS5 proxy server functionality.
// This package implements a SOCKS5 server that routes connections through Tor circuits.
package socks

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/torfoil/relaycore/pkg/circuit"
	"github.com/torfoil/relaycore/pkg/logger"
	"github.com/torfoil/relaycore/pkg/pool"
)

const (
	socksVersion5 byte = 0x05

	cmdConnect byte = 0x01

	atypIPv4   byte = 0x01
	atypDomain byte = 0x03
	atypIPv6   byte = 0x04

	replySucceeded           byte = 0x00
	replyGeneralFailure      byte = 0x01
	replyCommandNotSupported byte = 0x07
	replyAddrNotSupported    byte = 0x08
)

// Server is a SOCKS5 front door onto a local circuit manager. Accepted
// connections draw OriginCircuits from a destination-isolated pool, so
// streams to unrelated destinations never share a circuit. Traffic is not
// routed over that circuit's cpath: CONNECT dials the target directly from
// this process, and the circuit is tracked for isolation bookkeeping only.
//
// A minimal RFC 1928 CONNECT-only server: a raw net.Listener plus a
// handler goroutine per connection.
type Server struct {
	addr       string
	circuitMgr *circuit.OriginManager
	circuits   *pool.CircuitPool
	logger     *logger.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
}

// NewServer creates a SOCKS5 server bound to addr once ListenAndServe runs.
func NewServer(addr string, mgr *circuit.OriginManager, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault()
	}
	poolCfg := pool.DefaultCircuitPoolConfig()
	poolCfg.PrebuildEnabled = false // circuits are cheap until a cpath is attached
	circuits := pool.NewCircuitPool(poolCfg, func(context.Context) (*circuit.OriginCircuit, error) {
		return mgr.CreateCircuit()
	}, log)
	return &Server{
		addr:       addr,
		circuitMgr: mgr,
		circuits:   circuits,
		logger:     log.Component("socks"),
		conns:      make(map[net.Conn]struct{}),
	}
}

// ListenAndServe accepts connections until ctx is cancelled, then closes the
// listener and every connection it has accepted.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("socks: listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		_ = s.listener.Close()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
		_ = s.circuits.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("socks: accept: %w", err)
			}
		}
		s.trackConn(conn)
		go s.handle(ctx, conn)
	}
}

func (s *Server) trackConn(c net.Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrackConn(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)

	if err := s.negotiate(conn); err != nil {
		s.logger.Debug("socks handshake failed", "error", err)
		return
	}

	target, err := s.readConnectRequest(conn)
	if err != nil {
		s.logger.Debug("socks request failed", "error", err)
		return
	}

	isoKey := circuit.NewIsolationKey(circuit.IsolationDestination).WithDestination(target)
	circ, err := s.circuits.GetWithIsolation(ctx, isoKey)
	if err != nil {
		s.logger.Warn("failed to allocate circuit for socks client", "error", err)
		writeReply(conn, replyGeneralFailure)
		return
	}
	defer s.circuits.Put(circ)

	// TODO: route this connection's bytes over circ's cpath once
	// pkg/relaypipeline can carry application data end to end; for now we
	// dial out directly so the SOCKS surface itself is fully testable.
	upstream, err := net.Dial("tcp", target)
	if err != nil {
		s.logger.Debug("socks upstream dial failed", "target", target, "error", err)
		writeReply(conn, replyGeneralFailure)
		return
	}
	defer upstream.Close()

	if err := writeReply(conn, replySucceeded); err != nil {
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(upstream, conn) }()
	go func() { defer wg.Done(); io.Copy(conn, upstream) }()
	wg.Wait()
}

// negotiate performs the RFC 1928 method-selection exchange, always picking
// NO AUTHENTICATION REQUIRED (0x00).
func (s *Server) negotiate(conn net.Conn) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return fmt.Errorf("read version/nmethods: %w", err)
	}
	if header[0] != socksVersion5 {
		return fmt.Errorf("unsupported socks version %d", header[0])
	}
	nmethods := int(header[1])
	methods := make([]byte, nmethods)
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("read methods: %w", err)
	}
	_, err := conn.Write([]byte{socksVersion5, 0x00})
	return err
}

// readConnectRequest parses the RFC 1928 request and returns the
// "host:port" target for a CONNECT command.
func (s *Server) readConnectRequest(conn net.Conn) (string, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", fmt.Errorf("read request header: %w", err)
	}
	if header[0] != socksVersion5 {
		return "", fmt.Errorf("unsupported socks version %d", header[0])
	}
	if header[1] != cmdConnect {
		writeReply(conn, replyCommandNotSupported)
		return "", fmt.Errorf("unsupported command %d", header[1])
	}

	var host string
	switch header[3] {
	case atypIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", fmt.Errorf("read ipv4 address: %w", err)
		}
		host = net.IP(addr).String()
	case atypIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", fmt.Errorf("read ipv6 address: %w", err)
		}
		host = net.IP(addr).String()
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return "", fmt.Errorf("read domain length: %w", err)
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return "", fmt.Errorf("read domain: %w", err)
		}
		host = string(domain)
	default:
		writeReply(conn, replyAddrNotSupported)
		return "", fmt.Errorf("unsupported address type %d", header[3])
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return "", fmt.Errorf("read port: %w", err)
	}
	port := binary.BigEndian.Uint16(portBuf)

	return fmt.Sprintf("%s:%d", host, port), nil
}

// writeReply sends a minimal IPv4-shaped CONNECT reply (RFC 1928 section
// 6): the bound-address fields are zeroed since we do not expose the
// upstream's local address back to the client.
func writeReply(conn net.Conn, code byte) error {
	reply := []byte{socksVersion5, code, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	_, err := conn.Write(reply)
	return err
}
