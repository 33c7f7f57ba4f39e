package printer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/restogear/print-service/internal/domain"
)

// USB drives an ESC/POS printer through a character device node. Device
// nodes give no status channel, so Status reports online whenever the
// handle is open and writable.
type USB struct {
	device string

	mu sync.Mutex
	f  *os.File
}

// NewUSB builds a USB driver. An empty device path autodetects the first
// /dev/usb/lp* node at Connect time.
func NewUSB(opts Options) *USB {
	return &USB{device: opts.Device}
}

// Connect opens the device node for writing.
func (p *USB) Connect(ctx domain.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f != nil {
		_ = p.f.Close()
		p.f = nil
	}
	device := p.device
	if device == "" {
		matches, _ := filepath.Glob("/dev/usb/lp*")
		if len(matches) == 0 {
			return fmt.Errorf("op=printer.USB.Connect: no /dev/usb/lp* device: %w", domain.ErrPrinterOffline)
		}
		device = matches[0]
	}
	f, err := os.OpenFile(device, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("op=printer.USB.Connect: %s: %w: %v", device, domain.ErrPrinterOffline, err)
	}
	p.f = f
	return nil
}

// Disconnect closes the device handle.
func (p *USB) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return nil
	}
	err := p.f.Close()
	p.f = nil
	if err != nil {
		return fmt.Errorf("op=printer.USB.Disconnect: %w", err)
	}
	return nil
}

// Connected reports whether the device handle is open.
func (p *USB) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.f != nil
}

// Status is online while the handle is open; write failures downgrade the
// driver to offline on their own.
func (p *USB) Status(ctx domain.Context) (domain.PrinterStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return domain.PrinterOffline, nil
	}
	return domain.PrinterOnline, nil
}

// PrintReceipt writes a complete ESC/POS document to the device.
func (p *USB) PrintReceipt(ctx domain.Context, data []byte) error {
	return p.write(ctx, data)
}

// PrintText prints plain text as a standalone ticket.
func (p *USB) PrintText(ctx domain.Context, data []byte) error {
	doc := make([]byte, 0, len(escInit)+len(data)+1+len(escFeedCut))
	doc = append(doc, escInit...)
	doc = append(doc, data...)
	doc = append(doc, '\n')
	doc = append(doc, escFeedCut...)
	return p.write(ctx, doc)
}

func (p *USB) write(ctx domain.Context, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return fmt.Errorf("op=printer.USB.write: %w", domain.ErrPrinterOffline)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("op=printer.USB.write: %w", err)
	}
	if _, err := p.f.Write(data); err != nil {
		_ = p.f.Close()
		p.f = nil
		return fmt.Errorf("op=printer.USB.write: %w: %v", domain.ErrPrinterOffline, err)
	}
	return nil
}
