// SPDX-License-Identifier: MIT

package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const defaultBusPort = 4222

// busDestination publishes result messages to a NATS subject.
type busDestination struct {
	base

	server   string
	port     int
	topic    string
	username string
	password string

	connMu sync.Mutex
	conn   *nats.Conn
}

func (d *busDestination) Configure(cfg map[string]any) error {
	server, ok := cfgString(cfg, "server")
	if !ok {
		return &ConfigError{Kind: d.kind, Reason: "server is required"}
	}
	topic, ok := cfgString(cfg, "topic")
	if !ok {
		return &ConfigError{Kind: d.kind, Reason: "topic is required"}
	}
	port := defaultBusPort
	if p, ok := cfgInt(cfg, "port"); ok {
		if p <= 0 || p > 65535 {
			return &ConfigError{Kind: d.kind, Reason: fmt.Sprintf("invalid port %d", p)}
		}
		port = p
	}

	d.server = d.expand(server)
	d.topic = d.expand(topic)
	d.port = port
	d.username, _ = cfgString(cfg, "username")
	d.password, _ = cfgString(cfg, "password")
	d.applyCommon(cfg)

	// Reconfiguration drops the existing connection; the next publish
	// reconnects with the new settings.
	d.connMu.Lock()
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
	d.connMu.Unlock()
	return nil
}

// ensureConn connects lazily so destinations restore cleanly while the
// broker is down.
func (d *busDestination) ensureConn() (*nats.Conn, error) {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	if d.conn != nil && d.conn.IsConnected() {
		return d.conn, nil
	}
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}

	opts := []nats.Option{
		nats.Name("visiond-" + d.id),
		nats.Timeout(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	if d.username != "" {
		opts = append(opts, nats.UserInfo(d.username, d.password))
	}
	conn, err := nats.Connect(fmt.Sprintf("nats://%s:%d", d.server, d.port), opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s:%d: %w", d.server, d.port, err)
	}
	d.conn = conn
	return conn, nil
}

func (d *busDestination) Publish(ctx context.Context, msg Message) error {
	if !d.allow() {
		return ErrRateLimited
	}
	conn, err := d.ensureConn()
	if err != nil {
		return err
	}
	data, err := json.Marshal(d.payload(msg))
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := conn.Publish(d.topic, data); err != nil {
		return fmt.Errorf("publish to %s: %w", d.topic, err)
	}
	return conn.FlushWithContext(ctx)
}

func (d *busDestination) Config() map[string]any {
	out := map[string]any{
		"server": d.server,
		"port":   d.port,
		"topic":  d.topic,
	}
	if d.username != "" {
		out["username"] = d.username
	}
	if d.password != "" {
		out["password"] = d.password
	}
	d.emitCommon(out)
	return out
}

func (d *busDestination) Close() error {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
	return nil
}
