// Package receipt renders orders into ESC/POS documents.
//
// The renderer is pure: given an order and a receipt variant it produces
// the complete byte stream for one ticket — initialisation, layout
// commands, text, and the final feed-and-cut. The printer adapter passes
// these bytes through untouched.
package receipt

import (
	"bytes"
	"strings"

	"github.com/restogear/print-service/pkg/textx"
)

// doc accumulates the ESC/POS byte stream for a single ticket.
type doc struct {
	buf bytes.Buffer
}

// newDoc starts a document with ESC @ so the printer forgets any state
// left over from a previous job.
func newDoc() *doc {
	d := &doc{}
	d.buf.Write([]byte{0x1b, 0x40})
	return d
}

func (d *doc) alignLeft()   { d.buf.Write([]byte{0x1b, 0x61, 0x00}) }
func (d *doc) alignCenter() { d.buf.Write([]byte{0x1b, 0x61, 0x01}) }

func (d *doc) bold(on bool) {
	n := byte(0x00)
	if on {
		n = 0x01
	}
	d.buf.Write([]byte{0x1b, 0x45, n})
}

// size sets character magnification via GS !. Width and height multipliers
// are clamped to 1..8.
func (d *doc) size(w, h int) {
	clamp := func(v int) int {
		if v < 1 {
			return 1
		}
		if v > 8 {
			return 8
		}
		return v
	}
	n := byte((clamp(w)-1)<<4 | (clamp(h) - 1))
	d.buf.Write([]byte{0x1d, 0x21, n})
}

func (d *doc) text(s string) { d.buf.WriteString(s) }

func (d *doc) line(s string) {
	d.buf.WriteString(s)
	d.buf.WriteByte('\n')
}

func (d *doc) rule(width int, c byte) {
	d.line(strings.Repeat(string(c), width))
}

func (d *doc) feed(n int) {
	if n < 0 {
		n = 0
	}
	d.buf.Write([]byte{0x1b, 0x64, byte(n)})
}

// cut feeds past the cutter and performs a partial cut.
func (d *doc) cut() {
	d.feed(3)
	d.buf.Write([]byte{0x1d, 0x56, 0x01})
}

func (d *doc) bytes() []byte { return d.buf.Bytes() }

// padLine lays out a left and a right column on one printable line of the
// given width, clamping the left side when both do not fit.
func padLine(left, right string, width int) string {
	l := []rune(left)
	r := []rune(right)
	gap := width - len(l) - len(r)
	if gap < 1 {
		keep := width - len(r) - 1
		left = textx.Clamp(left, keep)
		gap = width - len([]rune(left)) - len(r)
		if gap < 1 {
			gap = 1
		}
	}
	return left + strings.Repeat(" ", gap) + right
}
