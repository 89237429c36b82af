package tftp

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bootflux/bootflux/internal/bufpool"
	"github.com/bootflux/bootflux/internal/events"
	"github.com/bootflux/bootflux/internal/store"
)

const (
	defaultBlockSize = 512
	minBlockSize     = 8
	maxTimeoutSecs   = 255
)

// Config holds the TFTP server's tunables. Zero values fall back to the
// defaults applied in NewServer.
type Config struct {
	Addr         string        // listen address, host:port (port 0 for ephemeral)
	MaxBlockSize int           // upper bound accepted for the blksize option
	MaxSessions  int           // concurrent session ceiling
	Timeout      time.Duration // default per-block retransmission timeout
	Retries      int           // retransmissions per datagram before giving up
	IdleTimeout  time.Duration // idle bound enforced by the background sweep
}

// Server is the read-only TFTP protocol engine. The main socket accepts
// RRQs; each accepted transfer runs on its own goroutine with its own
// ephemeral UDP socket, per the TID scheme of RFC 1350.
type Server struct {
	cfg     Config
	store   *store.Store
	hub     *events.Hub
	logger  *slog.Logger
	manager *Manager
	pool    *bufpool.Pool

	conn      *net.UDPConn
	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
}

// NewServer creates a TFTP server over the given artifact store. A nil hub
// gets a private one so publishing never needs a nil check.
func NewServer(cfg Config, st *store.Store, hub *events.Hub, logger *slog.Logger) *Server {
	if cfg.MaxBlockSize < minBlockSize {
		cfg.MaxBlockSize = 65464
	}
	if cfg.MaxSessions < 1 {
		cfg.MaxSessions = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Retries < 1 {
		cfg.Retries = 5
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if hub == nil {
		hub = events.NewHub()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		hub:     hub,
		logger:  logger,
		manager: NewManager(cfg.MaxSessions),
		pool:    bufpool.New(4 + cfg.MaxBlockSize),
		closed:  make(chan struct{}),
	}
}

// Manager exposes the session table, used by the health endpoint and tests.
func (s *Server) Manager() *Manager {
	return s.manager
}

// Listen binds the main UDP socket.
func (s *Server) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.Addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

// Addr returns the bound address of the main socket. Valid after Listen.
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Serve runs the main receive loop until Shutdown closes the socket.
func (s *Server) Serve() error {
	go s.sweepLoop()

	buf := make([]byte, 2048)
	for {
		n, client, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
				return err
			}
		}
		s.dispatch(buf[:n], client)
	}
}

// Shutdown stops accepting new requests and waits for in-flight transfers.
// When the context expires first, remaining sessions are aborted.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.conn != nil {
			s.conn.Close()
		}
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, sess := range s.manager.Drain() {
			sess.Cancel()
		}
		<-done
		return ctx.Err()
	}
}

// dispatch routes one datagram from the main socket. Only requests are
// meaningful here; transfers have their own sockets, so anything else is
// dropped silently.
func (s *Server) dispatch(data []byte, client *net.UDPAddr) {
	op, err := opcode(data)
	if err != nil {
		return
	}
	switch op {
	case opRRQ, opWRQ:
		req, err := parseRequest(data)
		if err != nil {
			s.logger.Debug("malformed request dropped", "client", client.String(), "error", err)
			return
		}
		if req.Write {
			s.replyError(client, CodeAccessViolation, "server is read-only")
			return
		}
		s.handleRRQ(req, client)
	default:
		// DATA/ACK/ERROR aimed at the main socket belong to no transfer.
	}
}

// handleRRQ accepts or rejects a read request. On acceptance the transfer
// proceeds on its own goroutine and socket.
func (s *Server) handleRRQ(req Request, client *net.UDPAddr) {
	mode := strings.ToLower(req.Mode)
	if mode != "octet" && mode != "binary" {
		s.replyError(client, CodeIllegalOperation, "only octet mode supported")
		return
	}

	art, err := s.store.Resolve(req.Filename)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.replyError(client, CodeFileNotFound, "file not found")
		return
	case errors.Is(err, store.ErrForbidden):
		s.replyError(client, CodeAccessViolation, "access violation")
		return
	case err != nil:
		s.logger.Error("resolve failed", "path", req.Filename, "error", err)
		s.replyError(client, CodeNotDefined, "server error")
		return
	}

	sess := newSession(client, art.LogicalPath)
	sess.Size = art.Size
	accepted, blockSize, timeout := s.negotiate(req.Options, art.Size)
	sess.BlockSize = blockSize
	sess.Timeout = timeout

	if err := s.manager.CreateIfAbsent(sess); err != nil {
		switch {
		case errors.Is(err, ErrAlreadyActive):
			s.replyError(client, CodeNotDefined, "transfer already in use")
		case errors.Is(err, ErrCapacity):
			s.replyError(client, CodeDiskFull, "server busy")
		}
		return
	}

	s.logger.Info("rrq accepted",
		"transfer", sess.ID,
		"client", client.String(),
		"path", art.LogicalPath,
		"size", art.Size,
		"blksize", blockSize,
	)

	s.wg.Add(1)
	go s.runTransfer(sess, art, accepted)
}

// negotiate clamps requested options to server bounds and returns the
// accepted pairs to echo in the OACK, in a fixed order.
func (s *Server) negotiate(requested map[string]string, size int64) ([]option, int, time.Duration) {
	blockSize := defaultBlockSize
	timeout := s.cfg.Timeout

	var accepted []option
	if raw, ok := requested[optBlockSize]; ok {
		if v, err := strconv.Atoi(raw); err == nil && v >= minBlockSize {
			if v > s.cfg.MaxBlockSize {
				v = s.cfg.MaxBlockSize
			}
			blockSize = v
			accepted = append(accepted, option{optBlockSize, strconv.Itoa(v)})
		}
	}
	if raw, ok := requested[optTimeout]; ok {
		if v, err := strconv.Atoi(raw); err == nil && v >= 1 {
			if v > maxTimeoutSecs {
				v = maxTimeoutSecs
			}
			timeout = time.Duration(v) * time.Second
			accepted = append(accepted, option{optTimeout, strconv.Itoa(v)})
		}
	}
	if _, ok := requested[optTransferSize]; ok {
		// A read request carries tsize=0; the reply advertises the real size.
		accepted = append(accepted, option{optTransferSize, strconv.FormatInt(size, 10)})
	}
	return accepted, blockSize, timeout
}

// awaitResult classifies the outcome of one send-and-await-ACK exchange.
type awaitResult int

const (
	awaitAcked awaitResult = iota
	awaitClientError
	awaitTimeout
	awaitCanceled
	awaitSocketError
)

// runTransfer drives one session from negotiation to a terminal state.
// It is the session's single writer.
func (s *Server) runTransfer(sess *Session, art store.Artifact, accepted []option) {
	defer s.wg.Done()
	start := time.Now()

	fail := func(detail string) {
		sess.setState(StateErrored)
		s.manager.Remove(sess)
		s.logger.Warn("transfer failed",
			"transfer", sess.ID,
			"client", sess.Client.String(),
			"path", sess.Filename,
			"detail", detail,
		)
		s.hub.Publish(events.Event{
			Type:       events.TypeTransferFailed,
			Protocol:   "tftp",
			TransferID: sess.ID,
			Client:     sess.Client.String(),
			Path:       sess.Filename,
			Detail:     detail,
		})
	}

	// Dial gives the transfer its own ephemeral port (the server TID) and
	// filters inbound datagrams to the client endpoint.
	conn, err := net.DialUDP("udp", nil, sess.Client)
	if err != nil {
		fail("transfer socket: " + err.Error())
		return
	}
	defer conn.Close()
	// Closing the socket is what unblocks a pending read when the sweeper
	// or the supervisor cancels the session.
	sess.setAbort(func() { conn.Close() })
	if sess.Canceled() {
		fail("canceled")
		return
	}

	s.hub.Publish(events.Event{
		Type:       events.TypeTransferStarted,
		Protocol:   "tftp",
		TransferID: sess.ID,
		Client:     sess.Client.String(),
		Path:       sess.Filename,
		Bytes:      sess.Size,
	})

	ackBuf := make([]byte, 1500)

	if len(accepted) > 0 {
		oack := appendOAck(nil, accepted)
		switch s.sendAndAwait(conn, sess, oack, 0, ackBuf) {
		case awaitAcked:
		case awaitClientError:
			fail("client error during negotiation")
			return
		case awaitTimeout:
			fail("no ack for oack within retry budget")
			return
		case awaitCanceled:
			fail("canceled")
			return
		default:
			fail("socket error during negotiation")
			return
		}
	}
	sess.setState(StateTransferring)

	reader, err := s.store.OpenRange(art, 0, sess.Size)
	if err != nil {
		s.sendError(conn, CodeNotDefined, "read error")
		fail("open: " + err.Error())
		return
	}
	defer reader.Close()

	pkt := s.pool.Get()
	defer s.pool.Put(pkt)

	var sent int64
	remaining := sess.Size
	block := uint16(1)
	for {
		want := int64(sess.BlockSize)
		if remaining < want {
			want = remaining
		}
		payload := pkt[4 : 4+want]
		if want > 0 {
			if _, err := io.ReadFull(reader, payload); err != nil {
				// Mid-transfer filesystem failure is terminal, never
				// papered over with a partial success.
				s.sendError(conn, CodeNotDefined, "read error")
				fail("read: " + err.Error())
				return
			}
		}
		putDataHeader(pkt, block)
		data := pkt[:4+want]

		switch s.sendAndAwait(conn, sess, data, block, ackBuf) {
		case awaitAcked:
		case awaitClientError:
			fail("client aborted")
			return
		case awaitTimeout:
			fail("retry budget exceeded")
			return
		case awaitCanceled:
			fail("canceled")
			return
		default:
			fail("socket error")
			return
		}

		sent += want
		remaining -= want
		if want < int64(sess.BlockSize) {
			// The short (possibly empty) block has been acknowledged.
			sess.setState(StateCompleted)
			s.manager.Remove(sess)
			s.logger.Info("transfer completed",
				"transfer", sess.ID,
				"client", sess.Client.String(),
				"path", sess.Filename,
				"bytes", sent,
				"duration", time.Since(start),
			)
			s.hub.Publish(events.Event{
				Type:       events.TypeTransferCompleted,
				Protocol:   "tftp",
				TransferID: sess.ID,
				Client:     sess.Client.String(),
				Path:       sess.Filename,
				Bytes:      sent,
			})
			return
		}
		block++ // wraps to 0 past 65535
	}
}

// sendAndAwait transmits a datagram and waits for the matching ACK,
// retransmitting the exact same datagram on each timeout up to the retry
// budget. Duplicate or out-of-order ACKs are ignored without resending, so
// an ACK storm can never multiply DATA traffic.
func (s *Server) sendAndAwait(conn *net.UDPConn, sess *Session, pkt []byte, expect uint16, ackBuf []byte) awaitResult {
	for attempt := 0; attempt <= s.cfg.Retries; attempt++ {
		if sess.Canceled() {
			return awaitCanceled
		}
		if _, err := conn.Write(pkt); err != nil {
			if sess.Canceled() {
				return awaitCanceled
			}
			return awaitSocketError
		}
		conn.SetReadDeadline(time.Now().Add(sess.Timeout))
		for {
			n, err := conn.Read(ackBuf)
			if err != nil {
				if sess.Canceled() {
					return awaitCanceled
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					break // retransmit
				}
				return awaitSocketError
			}
			in := ackBuf[:n]
			op, err := opcode(in)
			if err != nil {
				continue
			}
			switch op {
			case opAck:
				ack, err := parseAck(in)
				if err != nil {
					continue
				}
				if ack.Block == expect {
					sess.Touch()
					return awaitAcked
				}
				// Stale ACK: the client's own timeout drives resends.
			case opError:
				if ep, perr := parseError(in); perr == nil {
					s.logger.Debug("client error",
						"transfer", sess.ID,
						"code", ep.Code,
						"message", ep.Message,
					)
				}
				return awaitClientError
			default:
				// Anything else from the client is a wire violation on a
				// transfer socket; treat like a malformed ACK.
			}
		}
	}
	return awaitTimeout
}

// putDataHeader writes the DATA opcode and block number into the first four
// bytes of a datagram buffer whose payload was read in place at offset 4.
func putDataHeader(b []byte, block uint16) {
	binary.BigEndian.PutUint16(b[0:2], opData)
	binary.BigEndian.PutUint16(b[2:4], block)
}

// replyError sends an ERROR from the main socket, used for rejected
// requests that never became a session.
func (s *Server) replyError(client *net.UDPAddr, code uint16, message string) {
	pkt := appendError(nil, code, message)
	if _, err := s.conn.WriteToUDP(pkt, client); err != nil {
		s.logger.Debug("error reply failed", "client", client.String(), "error", err)
	}
}

// sendError sends an ERROR on a connected transfer socket.
func (s *Server) sendError(conn *net.UDPConn, code uint16, message string) {
	pkt := appendError(nil, code, message)
	if _, err := conn.Write(pkt); err != nil {
		s.logger.Debug("error send failed", "error", err)
	}
}

// sweepLoop evicts sessions whose clients went quiet past the idle bound,
// independent of the per-block retry timer.
func (s *Server) sweepLoop() {
	interval := s.cfg.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case now := <-ticker.C:
			for _, sess := range s.manager.SweepIdle(now, s.cfg.IdleTimeout) {
				s.logger.Warn("session evicted idle",
					"transfer", sess.ID,
					"client", sess.Client.String(),
					"path", sess.Filename,
				)
				sess.Cancel()
			}
		}
	}
}
