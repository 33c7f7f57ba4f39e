package printer

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/restogear/print-service/internal/domain"
)

// DefaultNetworkPort is the raw-TCP port ESC/POS printers listen on.
const DefaultNetworkPort = 9100

// Network drives an ESC/POS printer over a raw TCP socket. A single
// connection is shared between the print loop and the status pollers, so
// every call holds the mutex for the full write/read exchange.
type Network struct {
	addr        string
	dialTimeout time.Duration
	ioTimeout   time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewNetwork builds a network driver from opts; the connection is opened
// by Connect, not here.
func NewNetwork(opts Options) *Network {
	port := opts.Port
	if port == 0 {
		port = DefaultNetworkPort
	}
	dial := opts.DialTimeout
	if dial == 0 {
		dial = defaultDialTimeout
	}
	ioTimeout := opts.IOTimeout
	if ioTimeout == 0 {
		ioTimeout = defaultIOTimeout
	}
	return &Network{
		addr:        net.JoinHostPort(opts.IP, fmt.Sprintf("%d", port)),
		dialTimeout: dial,
		ioTimeout:   ioTimeout,
	}
}

// Connect dials the printer. Reconnecting over a live connection closes
// the old one first.
func (p *Network) Connect(ctx domain.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	d := net.Dialer{Timeout: p.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return fmt.Errorf("op=printer.Network.Connect: %s: %w: %v", p.addr, domain.ErrPrinterOffline, err)
	}
	p.conn = conn
	return nil
}

// Disconnect closes the socket if open.
func (p *Network) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	if err != nil {
		return fmt.Errorf("op=printer.Network.Disconnect: %w", err)
	}
	return nil
}

// Connected reports whether a socket is held; it does not probe the wire.
func (p *Network) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// Status polls the printer with DLE EOT real-time requests. A dead socket
// is dropped so the caller's reconnect logic engages.
func (p *Network) Status(ctx domain.Context) (domain.PrinterStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return domain.PrinterOffline, nil
	}

	status, err := p.statusByte(dleEotPrinter)
	if err != nil {
		p.dropConn()
		return domain.PrinterUnknown, fmt.Errorf("op=printer.Network.Status: %w", err)
	}
	if status&statusOfflineBit != 0 {
		return domain.PrinterOffline, nil
	}

	paper, err := p.statusByte(dleEotPaper)
	if err != nil {
		p.dropConn()
		return domain.PrinterUnknown, fmt.Errorf("op=printer.Network.Status: paper: %w", err)
	}
	if paper&paperOutBits != 0 {
		return domain.PrinterPaperOut, nil
	}
	return domain.PrinterOnline, nil
}

// PrintReceipt writes a complete ESC/POS document produced by the
// formatter. Bytes are passed through untouched.
func (p *Network) PrintReceipt(ctx domain.Context, data []byte) error {
	return p.write(ctx, data)
}

// PrintText prints plain text as a standalone ticket: the driver wraps it
// with an init and a feed-and-cut.
func (p *Network) PrintText(ctx domain.Context, data []byte) error {
	doc := make([]byte, 0, len(escInit)+len(data)+1+len(escFeedCut))
	doc = append(doc, escInit...)
	doc = append(doc, data...)
	doc = append(doc, '\n')
	doc = append(doc, escFeedCut...)
	return p.write(ctx, doc)
}

func (p *Network) write(ctx domain.Context, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return fmt.Errorf("op=printer.Network.write: %w", domain.ErrPrinterOffline)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("op=printer.Network.write: %w", err)
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.ioTimeout))
	if _, err := p.conn.Write(data); err != nil {
		p.dropConn()
		return fmt.Errorf("op=printer.Network.write: %w: %v", domain.ErrPrinterOffline, err)
	}
	return nil
}

// statusByte sends one DLE EOT request and reads the single status byte.
// Caller holds the mutex.
func (p *Network) statusByte(cmd []byte) (byte, error) {
	deadline := time.Now().Add(p.ioTimeout)
	_ = p.conn.SetDeadline(deadline)
	if _, err := p.conn.Write(cmd); err != nil {
		return 0, err
	}
	buf := make([]byte, 1)
	if _, err := p.conn.Read(buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (p *Network) dropConn() {
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}
