package simulator

import (
	"fmt"
	"maps"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/nerrad567/miio-bridge/internal/bridges/miio"
)

// Device is the simulated hardware behind one or more clients.
//
// All methods are safe for concurrent use.
type Device struct {
	model string
	drift miio.Tag
	child *Device

	mu       sync.Mutex
	values   map[miio.Tag]any
	supports map[miio.Tag]bool
	readErrs map[miio.Tag]error
	reads    map[miio.Tag]int
	clients  map[*Client]struct{}
}

// NewDevice creates a device in the initial state of the named profile.
func NewDevice(profileName string) (*Device, error) {
	p, ok := profiles()[profileName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProfile, profileName)
	}
	return newDevice(p), nil
}

func newDevice(p profile) *Device {
	d := &Device{
		model:    p.model,
		drift:    p.drift,
		values:   make(map[miio.Tag]any, len(p.values)),
		supports: make(map[miio.Tag]bool, len(p.values)+len(p.flags)),
		readErrs: make(map[miio.Tag]error),
		reads:    make(map[miio.Tag]int),
		clients:  make(map[*Client]struct{}),
	}
	for tag, v := range p.values {
		d.values[tag] = v
		d.supports[tag] = true
	}
	for _, tag := range p.flags {
		d.supports[tag] = true
	}
	if p.child != nil {
		d.child = newDevice(*p.child)
	}
	return d
}

// Model returns the model identifier the device reports.
func (d *Device) Model() string { return d.model }

// Child returns the embedded child device, or nil.
func (d *Device) Child() *Device { return d.child }

// Supports reports whether the device matches tag.
func (d *Device) Supports(tag miio.Tag) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.supports[tag]
}

// Value returns the current raw value of tag.
func (d *Device) Value(tag miio.Tag) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.values[tag]
	return copyValue(v), ok
}

// Set changes a value without pushing an event, as if the device changed
// silently between polls.
func (d *Device) Set(tag miio.Tag, value any) {
	d.mu.Lock()
	d.values[tag] = value
	d.supports[tag] = true
	d.mu.Unlock()
}

// Push changes a value and delivers an event to every live client.
func (d *Device) Push(tag miio.Tag, value any) {
	d.mu.Lock()
	d.values[tag] = value
	d.supports[tag] = true
	clients := make([]*Client, 0, len(d.clients))
	for c := range d.clients {
		clients = append(clients, c)
	}
	d.mu.Unlock()

	for _, c := range clients {
		c.emit(miio.Event{Tag: tag, Value: copyValue(value)})
	}
}

// FailReads makes every read of tag return err until cleared with a nil err.
func (d *Device) FailReads(tag miio.Tag, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.readErrs, tag)
		return
	}
	d.readErrs[tag] = err
}

// Reads returns how many times tag has been read.
func (d *Device) Reads(tag miio.Tag) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads[tag]
}

// Clients returns the number of live clients.
func (d *Device) Clients() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

func (d *Device) read(tag miio.Tag) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.reads[tag]++
	if err := d.readErrs[tag]; err != nil {
		return nil, err
	}
	v, ok := d.values[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTag, tag)
	}
	return copyValue(v), nil
}

func (d *Device) attach(c *Client) {
	d.mu.Lock()
	d.clients[c] = struct{}{}
	d.mu.Unlock()
}

func (d *Device) detach(c *Client) {
	d.mu.Lock()
	delete(d.clients, c)
	d.mu.Unlock()
}

// Drift nudges the profile's drift tag and pushes the new value.
func (d *Device) Drift() {
	if d.drift == "" {
		return
	}
	current, ok := d.Value(d.drift)
	if !ok {
		return
	}
	d.Push(d.drift, drifted(d.drift, current))
}

// drifted returns v moved by a small random step.
func drifted(tag miio.Tag, v any) any {
	step := math.Round((rand.Float64()*2-1)*10) / 10

	switch x := v.(type) {
	case float64:
		next := x + step
		if tag == miio.TagBatteryLevel || tag == miio.TagRelativeHumidity {
			next = math.Max(0, math.Min(100, next))
		}
		return math.Round(next*10) / 10
	case miio.Measurement:
		x.Value = math.Round((x.Value+step)*10) / 10
		return x
	case map[string]any:
		if t, ok := x["temperature"].(float64); ok {
			x["temperature"] = math.Round((t+step)*10) / 10
		}
		return x
	}
	return v
}

func copyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return maps.Clone(x)
	case miio.Color:
		x.Values = append([]float64(nil), x.Values...)
		return x
	}
	return v
}
