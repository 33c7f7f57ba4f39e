package printer

import (
	"fmt"
	"sync"

	"github.com/restogear/print-service/internal/domain"
)

// Dummy is an in-memory driver for development without hardware and for
// tests that need scripted failures.
type Dummy struct {
	mu        sync.Mutex
	connected bool
	status    domain.PrinterStatus
	failNext  int
	prints    [][]byte
}

// NewDummy starts disconnected with unknown status.
func NewDummy() *Dummy {
	return &Dummy{status: domain.PrinterUnknown}
}

func (p *Dummy) Connect(ctx domain.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	if p.status == domain.PrinterUnknown {
		p.status = domain.PrinterOnline
	}
	return nil
}

func (p *Dummy) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

func (p *Dummy) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *Dummy) Status(ctx domain.Context) (domain.PrinterStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return domain.PrinterOffline, nil
	}
	return p.status, nil
}

func (p *Dummy) PrintReceipt(ctx domain.Context, data []byte) error {
	return p.print(data)
}

func (p *Dummy) PrintText(ctx domain.Context, data []byte) error {
	return p.print(data)
}

func (p *Dummy) print(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return fmt.Errorf("op=printer.Dummy.print: %w", domain.ErrPrinterOffline)
	}
	if p.failNext > 0 {
		p.failNext--
		return fmt.Errorf("op=printer.Dummy.print: scripted failure: %w", domain.ErrPrinterOffline)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	p.prints = append(p.prints, cp)
	return nil
}

// SetStatus scripts the status the driver reports while connected.
func (p *Dummy) SetStatus(st domain.PrinterStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = st
}

// FailNext makes the following n prints fail.
func (p *Dummy) FailNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = n
}

// Printed returns a copy of everything printed so far.
func (p *Dummy) Printed() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.prints))
	copy(out, p.prints)
	return out
}
