// SPDX-License-Identifier: MIT

package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.bug.st/serial"
)

const defaultBaudRate = 9600

// serialDestination writes result messages as JSON lines to a serial port.
type serialDestination struct {
	base

	comPort string
	baud    int

	portMu sync.Mutex
	port   serial.Port
}

func (d *serialDestination) Configure(cfg map[string]any) error {
	comPort, ok := cfgString(cfg, "com_port")
	if !ok {
		return &ConfigError{Kind: d.kind, Reason: "com_port is required"}
	}
	baud := defaultBaudRate
	if b, ok := cfgInt(cfg, "baud"); ok {
		if b <= 0 {
			return &ConfigError{Kind: d.kind, Reason: fmt.Sprintf("invalid baud rate %d", b)}
		}
		baud = b
	}

	d.comPort = d.expand(comPort)
	d.baud = baud
	d.applyCommon(cfg)

	// Drop an open handle so the next publish reopens with new settings.
	d.portMu.Lock()
	if d.port != nil {
		_ = d.port.Close()
		d.port = nil
	}
	d.portMu.Unlock()
	return nil
}

// ensurePort opens the serial port lazily; a destination configured for an
// unplugged device restores fine and only fails on publish.
func (d *serialDestination) ensurePort() (serial.Port, error) {
	d.portMu.Lock()
	defer d.portMu.Unlock()
	if d.port != nil {
		return d.port, nil
	}
	port, err := serial.Open(d.comPort, &serial.Mode{BaudRate: d.baud})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", d.comPort, err)
	}
	d.port = port
	return port, nil
}

func (d *serialDestination) Publish(ctx context.Context, msg Message) error {
	if !d.allow() {
		return ErrRateLimited
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	port, err := d.ensurePort()
	if err != nil {
		return err
	}
	data, err := json.Marshal(d.payload(msg))
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if _, err := port.Write(append(data, '\n')); err != nil {
		// A failed write usually means the device vanished; reopen next time.
		d.portMu.Lock()
		_ = d.port.Close()
		d.port = nil
		d.portMu.Unlock()
		return fmt.Errorf("write to %s: %w", d.comPort, err)
	}
	return nil
}

func (d *serialDestination) Config() map[string]any {
	out := map[string]any{
		"com_port": d.comPort,
		"baud":     d.baud,
	}
	d.emitCommon(out)
	return out
}

func (d *serialDestination) Close() error {
	d.portMu.Lock()
	defer d.portMu.Unlock()
	if d.port != nil {
		err := d.port.Close()
		d.port = nil
		return err
	}
	return nil
}
