// Package printer provides domain.PrinterDriver implementations for ESC/POS
// thermal printers: raw TCP (port 9100), a USB character device, and an
// in-memory dummy for development and tests.
package printer

import (
	"fmt"
	"time"

	"github.com/restogear/print-service/internal/domain"
)

const (
	// InterfaceUSB drives a character device such as /dev/usb/lp0.
	InterfaceUSB = "usb"
	// InterfaceNetwork drives a raw-TCP ESC/POS printer, typically port 9100.
	InterfaceNetwork = "network"
	// InterfaceDummy swallows prints; used in development and tests.
	InterfaceDummy = "dummy"
)

// Options selects and addresses the physical printer.
type Options struct {
	Interface string
	// IP and Port address the network printer.
	IP   string
	Port int
	// Device is the USB character device path; empty means autodetect.
	Device string
	// DialTimeout bounds connection attempts, IOTimeout individual
	// reads/writes. Zero means the package defaults.
	DialTimeout time.Duration
	IOTimeout   time.Duration
}

const (
	defaultDialTimeout = 5 * time.Second
	defaultIOTimeout   = 3 * time.Second
)

// New constructs the driver selected by opts.Interface.
func New(opts Options) (domain.PrinterDriver, error) {
	switch opts.Interface {
	case InterfaceNetwork:
		return NewNetwork(opts), nil
	case InterfaceUSB:
		return NewUSB(opts), nil
	case InterfaceDummy, "":
		return NewDummy(), nil
	default:
		return nil, fmt.Errorf("op=printer.New: interface %q: %w", opts.Interface, domain.ErrInvalidArgument)
	}
}

// ESC/POS control sequences shared by the drivers.
var (
	// escInit resets the printer to its power-on state.
	escInit = []byte{0x1b, 0x40}
	// escFeedCut feeds three lines and performs a partial cut.
	escFeedCut = []byte{0x1b, 0x64, 0x03, 0x1d, 0x56, 0x01}
	// dleEotPrinter requests the real-time printer status byte.
	dleEotPrinter = []byte{0x10, 0x04, 0x01}
	// dleEotPaper requests the real-time paper sensor status byte.
	dleEotPaper = []byte{0x10, 0x04, 0x04}
)

const (
	// statusOfflineBit is set in the printer status byte when the device
	// reports itself offline (cover open, feed button, error).
	statusOfflineBit = 0x08
	// paperOutBits in the paper sensor byte signal paper end / near end.
	paperOutBits = 0x60
)
