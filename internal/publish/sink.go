// SPDX-License-Identifier: MIT

package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// folderDestination writes each result message as its own file in a folder.
type folderDestination struct {
	base

	folderPath string
	format     string
}

func (d *folderDestination) Configure(cfg map[string]any) error {
	folder, ok := cfgString(cfg, "folder_path")
	if !ok {
		return &ConfigError{Kind: d.kind, Reason: "folder_path is required"}
	}
	format := "json"
	if f, ok := cfgString(cfg, "format"); ok {
		if f != "json" {
			return &ConfigError{Kind: d.kind, Reason: fmt.Sprintf("unsupported format %q", f)}
		}
		format = f
	}

	folder = d.expand(folder)
	if err := os.MkdirAll(folder, 0o750); err != nil {
		return &ConfigError{Kind: d.kind, Reason: fmt.Sprintf("create folder: %v", err)}
	}
	d.folderPath = folder
	d.format = format
	d.applyCommon(cfg)
	return nil
}

func (d *folderDestination) Publish(ctx context.Context, msg Message) error {
	if !d.allow() {
		return ErrRateLimited
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(d.payload(msg), "", "  ")
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	name := fmt.Sprintf("result_%s.%s", time.Now().UTC().Format("20060102T150405.000000000"), d.format)
	path := filepath.Join(d.folderPath, name)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("write result file: %w", err)
	}
	return nil
}

func (d *folderDestination) Config() map[string]any {
	out := map[string]any{"folder_path": d.folderPath}
	if d.format != "" {
		out["format"] = d.format
	}
	d.emitCommon(out)
	return out
}

func (d *folderDestination) Close() error { return nil }

// fileDestination appends result messages as JSON lines to one file.
type fileDestination struct {
	base

	filePath string
}

func (d *fileDestination) Configure(cfg map[string]any) error {
	path, ok := cfgString(cfg, "file_path")
	if !ok {
		return &ConfigError{Kind: d.kind, Reason: "file_path is required"}
	}
	path = d.expand(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return &ConfigError{Kind: d.kind, Reason: fmt.Sprintf("create parent dir: %v", err)}
	}
	d.filePath = path
	d.applyCommon(cfg)
	return nil
}

func (d *fileDestination) Publish(ctx context.Context, msg Message) error {
	if !d.allow() {
		return ErrRateLimited
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(d.payload(msg))
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	f, err := os.OpenFile(d.filePath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640) // #nosec G304 -- operator supplied path
	if err != nil {
		return fmt.Errorf("open sink file: %w", err)
	}
	_, err = f.Write(append(data, '\n'))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("append to sink file: %w", err)
	}
	return nil
}

func (d *fileDestination) Config() map[string]any {
	out := map[string]any{"file_path": d.filePath}
	d.emitCommon(out)
	return out
}

func (d *fileDestination) Close() error { return nil }
