package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"modbus-gateway/internal/registers"
	"modbus-gateway/internal/telemetry"
)

const (
	functionReadHoldingRegs = 0x03

	exceptionIllegalFunction = 0x01
	exceptionIllegalDataAddr = 0x02
	exceptionIllegalDataVal  = 0x03
	exceptionGatewayTarget   = 0x0B

	maxReadQuantity = 125
	// MBAP length covers unit id plus PDU; a PDU is at most 253 bytes.
	maxFrameLength = 254
)

var (
	errInvalidQty    = errors.New("invalid quantity")
	errInvalidPDULen = errors.New("invalid pdu length")
	errUnknownUnit   = errors.New("unknown unit id")
	errUnsupported   = errors.New("unsupported function")
)

// Options configures a Server.
type Options struct {
	// UnitID is the unit the server answers as. 0 answers every unit.
	UnitID  uint8
	Logger  zerolog.Logger
	Metrics telemetry.Collector
}

// Server exposes a register table to Modbus TCP clients as holding registers.
// Only function code 3 is served.
type Server struct {
	table   *registers.Table
	unitID  uint8
	logger  zerolog.Logger
	metrics telemetry.Collector

	listener  net.Listener
	wg        sync.WaitGroup
	quit      chan struct{}
	failed    chan error
	closeOnce sync.Once

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

// NewServer constructs a server reading from table.
func NewServer(table *registers.Table, opts Options) *Server {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.Noop()
	}
	return &Server{
		table:   table,
		unitID:  opts.UnitID,
		logger:  opts.Logger.With().Str("component", "modbus-server").Logger(),
		metrics: metrics,
		quit:    make(chan struct{}),
		failed:  make(chan error, 1),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds address and starts accepting connections in the background.
func (s *Server) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen modbus server on %s: %w", address, err)
	}
	s.listener = l

	s.wg.Add(1)
	go s.acceptLoop()
	s.logger.Info().Str("addr", l.Addr().String()).Uint8("unit_id", s.unitID).Msg("modbus server started")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run blocks until ctx is done or the listener fails. The server is closed on
// return. A nil error means ctx ended the server.
func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("modbus server: Listen not called")
	}
	defer s.Close()
	select {
	case <-ctx.Done():
		return nil
	case err := <-s.failed:
		return err
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	var delay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.failed <- fmt.Errorf("modbus listener closed: %w", err)
				return
			}
			delay = nextDelay(delay)
			s.logger.Error().Err(err).Dur("retry_in", delay).Msg("modbus server accept failed")
			time.Sleep(delay)
			continue
		}
		delay = 0

		if !s.trackConn(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func nextDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		return time.Second
	}
	return d
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrackConn(conn)
	defer conn.Close()

	peer := conn.RemoteAddr().String()
	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Trace().Err(err).Str("peer", peer).Msg("read header failed")
			}
			return
		}

		length := binary.BigEndian.Uint16(header[4:6])
		if length <= 1 || length > maxFrameLength {
			s.logger.Trace().Uint16("length", length).Str("peer", peer).Msg("malformed frame, closing")
			return
		}

		unitID := header[6]
		pdu := make([]byte, length-1)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			s.logger.Trace().Err(err).Str("peer", peer).Msg("read pdu failed")
			return
		}

		response := s.handlePDU(unitID, pdu)

		binary.BigEndian.PutUint16(header[2:4], 0)
		binary.BigEndian.PutUint16(header[4:6], uint16(len(response)+1))
		if _, err := conn.Write(append(header, response...)); err != nil {
			s.logger.Trace().Err(err).Str("peer", peer).Msg("write response failed")
			return
		}
	}
}

// handlePDU answers one request PDU addressed to unitID.
func (s *Server) handlePDU(unitID byte, pdu []byte) []byte {
	function := pdu[0]
	if s.unitID != 0 && unitID != s.unitID {
		s.metrics.IncServerRequest(functionName(function), resultName(errUnknownUnit))
		return exceptionResponse(function, exceptionGatewayTarget)
	}

	var (
		resp []byte
		err  error
	)
	switch function {
	case functionReadHoldingRegs:
		var data []byte
		if data, err = s.readHoldingRegisters(pdu); err == nil {
			resp = append([]byte{function, byte(len(data))}, data...)
		}
	default:
		err = errUnsupported
	}
	s.metrics.IncServerRequest(functionName(function), resultName(err))
	if err != nil {
		return exceptionResponse(function, errToCode(err))
	}
	return resp
}

func (s *Server) readHoldingRegisters(pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return nil, errInvalidPDULen
	}
	start := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])
	if quantity == 0 || quantity > maxReadQuantity {
		return nil, errInvalidQty
	}
	words, err := s.table.Read(int(start), int(quantity))
	if err != nil {
		return nil, err
	}
	return registers.WordsToBytes(words), nil
}

func exceptionResponse(function byte, code byte) []byte {
	return []byte{function | 0x80, code}
}

func errToCode(err error) byte {
	switch {
	case errors.Is(err, registers.ErrOutOfRange):
		return exceptionIllegalDataAddr
	case errors.Is(err, errInvalidQty), errors.Is(err, errInvalidPDULen):
		return exceptionIllegalDataVal
	case errors.Is(err, errUnknownUnit):
		return exceptionGatewayTarget
	default:
		return exceptionIllegalFunction
	}
}

func functionName(function byte) string {
	if function == functionReadHoldingRegs {
		return "read_holding_registers"
	}
	return fmt.Sprintf("fc_%02x", function)
}

func resultName(err error) string {
	if err == nil {
		return "ok"
	}
	switch errToCode(err) {
	case exceptionIllegalDataAddr:
		return "illegal_address"
	case exceptionIllegalDataVal:
		return "illegal_value"
	case exceptionGatewayTarget:
		return "unit_mismatch"
	default:
		return "illegal_function"
	}
}

// trackConn registers conn for Close. It reports false once the server is
// shutting down.
func (s *Server) trackConn(conn net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	select {
	case <-s.quit:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

// Close stops the server, drops open client connections and waits for all
// goroutines to exit.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.connsMu.Lock()
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
		for conn := range s.conns {
			conn.Close()
		}
		s.connsMu.Unlock()
		s.logger.Info().Msg("modbus server stopped")
	})
	s.wg.Wait()
}
