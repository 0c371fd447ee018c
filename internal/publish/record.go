// SPDX-License-Identifier: MIT

package publish

import "time"

// Record is the persisted form of a destination: the stable identifier, an
// explicit kind tag, the optional rate limit in seconds, and the sparse
// configuration. Records written by older nodes may lack the kind tag; those
// are classified by InferKind.
type Record struct {
	ID               string         `json:"id"`
	Kind             string         `json:"kind,omitempty"`
	RateLimitSeconds float64        `json:"rate_limit,omitempty"`
	Config           map[string]any `json:"config"`
}

// Serialize converts a live destination into its persisted record. The kind
// is written explicitly; structural inference is never needed for records
// produced here.
func Serialize(d Destination) Record {
	rec := Record{
		ID:     d.ID(),
		Kind:   d.Kind(),
		Config: d.Config(),
	}
	if interval := d.RateLimit(); interval > 0 {
		rec.RateLimitSeconds = interval.Seconds()
	}
	return rec
}

// InferKind classifies a legacy record by the shape of its sparse
// configuration. This is the single canonical inference table; it exists only
// for records written before the explicit kind tag and must not grow new
// entry points.
func InferKind(cfg map[string]any) string {
	has := func(key string) bool {
		v, ok := cfg[key]
		if !ok || v == nil {
			return false
		}
		if s, isStr := v.(string); isStr && s == "" {
			return false
		}
		return true
	}
	switch {
	case has("server") && has("port") && has("topic"):
		return KindBus
	case has("url"):
		return KindWebhook
	case has("com_port"):
		return KindSerial
	case has("folder_path"):
		return KindFolder
	case has("file_path"):
		return KindFile
	default:
		return ""
	}
}

// Deserialize reconstructs a destination from its persisted record: resolve
// the kind (tag first, structural probe for legacy records), rebuild it under
// the stored identifier, inject node identity, apply the sparse config, then
// the rate limit.
func Deserialize(rec Record, nodeID, nodeName string) (Destination, error) {
	kind := rec.Kind
	if kind == "" {
		kind = InferKind(rec.Config)
		if kind == "" {
			return nil, &ConfigError{Kind: "unknown", Reason: "cannot infer destination kind from config"}
		}
	}
	d, err := New(kind, rec.ID)
	if err != nil {
		return nil, err
	}
	d.SetContext(nodeID, nodeName)
	if err := d.Configure(rec.Config); err != nil {
		return nil, err
	}
	if rec.RateLimitSeconds > 0 {
		d.SetRateLimit(time.Duration(rec.RateLimitSeconds * float64(time.Second)))
	}
	return d, nil
}
