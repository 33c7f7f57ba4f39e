package receipt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/restogear/print-service/internal/domain"
	"github.com/restogear/print-service/pkg/textx"
)

const defaultWidth = 42 // font A columns on an 80mm roll

// Options configure the rendered layout. Zero values fall back to
// sensible defaults in New.
type Options struct {
	RestaurantName string
	Region         string
	Width          int
	TaxRate        float64 // tax-inclusive rate, e.g. 0.077
	CurrencyCode   string
	CurrencySymbol string
}

// Formatter implements domain.ReceiptFormatter.
type Formatter struct {
	opts Options
}

// New constructs a Formatter with defaults applied.
func New(opts Options) *Formatter {
	if opts.Width <= 0 {
		opts.Width = defaultWidth
	}
	if opts.RestaurantName == "" {
		opts.RestaurantName = "Restaurant"
	}
	return &Formatter{opts: opts}
}

// Format renders one receipt variant for the order. The service variant
// is the driver copy; "other" jobs fall back to it because it carries the
// full order detail.
func (f *Formatter) Format(o domain.Order, variant domain.JobType) ([]byte, error) {
	switch variant {
	case domain.JobTypeKitchen:
		return f.kitchen(o), nil
	case domain.JobTypeService, domain.JobTypeOther:
		return f.service(o), nil
	case domain.JobTypeCustomer:
		return f.customer(o), nil
	default:
		return nil, fmt.Errorf("op=receipt.Format: variant %q: %w", variant, domain.ErrInvalidArgument)
	}
}

// kitchen prints large item lines for the pass. No prices.
func (f *Formatter) kitchen(o domain.Order) []byte {
	w := f.opts.Width
	d := newDoc()

	d.alignCenter()
	d.size(2, 2)
	d.bold(true)
	d.line("KITCHEN")
	d.bold(false)
	d.size(1, 1)
	d.line("#" + f.ref(o))
	d.line(o.CreatedAt.Format("02.01.2006 15:04"))
	d.alignLeft()
	d.rule(w, '=')

	for _, it := range o.Items {
		d.size(2, 2)
		d.line(textx.Line(fmt.Sprintf("%dx %s", it.Quantity, it.Name), w/2))
		d.size(1, 1)
		if it.Variant != "" {
			d.line(textx.Line("  > "+it.Variant, w))
		}
		if it.Notes != "" {
			d.line(textx.Line("  * "+it.Notes, w))
		}
	}

	if o.Delivery.Instructions != "" {
		d.rule(w, '-')
		d.bold(true)
		d.line(textx.Line("NOTE: "+o.Delivery.Instructions, w))
		d.bold(false)
	}
	d.cut()
	return d.bytes()
}

// service prints the driver copy: who, where, what, and the amount to
// collect.
func (f *Formatter) service(o domain.Order) []byte {
	w := f.opts.Width
	d := newDoc()

	d.alignCenter()
	d.bold(true)
	d.line(textx.Line(f.opts.RestaurantName, w))
	d.line("DRIVER COPY")
	d.bold(false)
	d.line("#" + f.ref(o))
	d.line(o.CreatedAt.Format("02.01.2006 15:04"))
	d.alignLeft()
	d.rule(w, '=')

	if o.Customer.Name != "" {
		d.line(textx.Line(o.Customer.Name, w))
	}
	if o.Customer.Phone != "" {
		d.line(textx.Line("Tel: "+o.Customer.Phone, w))
	}
	if o.Delivery.Street != "" {
		d.line(textx.Line(o.Delivery.Street, w))
	}
	if o.Delivery.PostalCode != "" || o.Delivery.City != "" {
		d.line(textx.Line(o.Delivery.PostalCode+" "+o.Delivery.City, w))
	}
	if o.Delivery.Instructions != "" {
		d.line(textx.Line("> "+o.Delivery.Instructions, w))
	}
	d.rule(w, '-')

	for _, it := range o.Items {
		d.line(textx.Line(fmt.Sprintf("%dx %s", it.Quantity, it.Name), w))
	}
	d.rule(w, '-')

	d.bold(true)
	d.line(padLine("TOTAL", f.money(o.TotalAmount), w))
	d.bold(false)
	d.cut()
	return d.bytes()
}

// customer prints the full receipt with line prices, tax, and a footer.
func (f *Formatter) customer(o domain.Order) []byte {
	w := f.opts.Width
	d := newDoc()

	d.alignCenter()
	d.size(2, 1)
	d.bold(true)
	d.line(textx.Line(f.opts.RestaurantName, w/2))
	d.bold(false)
	d.size(1, 1)
	if f.opts.Region != "" {
		d.line(textx.Line(f.opts.Region, w))
	}
	d.line("#" + f.ref(o))
	d.line(o.CreatedAt.Format("02.01.2006 15:04"))
	d.alignLeft()
	d.rule(w, '=')

	for _, it := range o.Items {
		total := float64(it.Quantity) * it.UnitPrice
		d.line(padLine(fmt.Sprintf("%dx %s", it.Quantity, textx.Line(it.Name, w-14)), f.amount(total), w))
		if it.Variant != "" {
			d.line(textx.Line("   > "+it.Variant, w))
		}
	}
	d.rule(w, '-')

	d.bold(true)
	d.line(padLine("TOTAL", f.money(o.TotalAmount), w))
	d.bold(false)
	if f.opts.TaxRate > 0 {
		vat := o.TotalAmount * f.opts.TaxRate / (1 + f.opts.TaxRate)
		d.line(padLine("Incl. VAT "+f.percent(f.opts.TaxRate)+"%", f.amount(vat), w))
	}
	d.rule(w, '=')

	d.alignCenter()
	d.line("Thank you for your order!")
	d.cut()
	return d.bytes()
}

// ref is the number printed on the ticket: the external order id when the
// backend supplied one, otherwise our own.
func (f *Formatter) ref(o domain.Order) string {
	if o.ExternalOrderID != "" {
		return textx.Line(o.ExternalOrderID, f.opts.Width-1)
	}
	return textx.Line(o.ID, f.opts.Width-1)
}

// amount formats a bare monetary value: "112.50".
func (f *Formatter) amount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// percent renders a tax rate as a percentage without float noise:
// 0.077 prints as "7.7", 0.19 as "19".
func (f *Formatter) percent(rate float64) string {
	s := strconv.FormatFloat(rate*100, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}

// money formats a value with the configured currency: "112.50 CHF".
func (f *Formatter) money(v float64) string {
	s := f.amount(v)
	switch {
	case f.opts.CurrencySymbol != "":
		return f.opts.CurrencySymbol + " " + s
	case f.opts.CurrencyCode != "":
		return s + " " + f.opts.CurrencyCode
	default:
		return s
	}
}
