// Package timestamp implements the built-in "timestamp" tool (spec §6.4's
// tool registry list), grounded in the teacher's datetime helpers
// (internal/datetime/format.go, timestamp.go, timezone.go) for timezone
// resolution, relative-time phrasing, and timestamp normalization.
package timestamp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/conclave-run/conclave/internal/datetime"
	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/internal/tools"
)

// params is reflected into the tool's advertised JSON schema via
// tools.GenerateSchema (github.com/invopop/jsonschema) instead of a
// hand-maintained schema literal.
type params struct {
	Input    string `json:"input,omitempty" jsonschema_description:"A timestamp to normalize; omit for the current time."`
	Timezone string `json:"timezone,omitempty" jsonschema_description:"IANA timezone name, e.g. America/New_York."`
	Format   string `json:"format,omitempty" jsonschema:"enum=12,enum=24,enum=auto"`
}

type response struct {
	TimestampMs  int64  `json:"timestampMs"`
	TimestampUTC string `json:"timestampUtc"`
	Display      string `json:"display"`
	Relative     string `json:"relative"`
	Timezone     string `json:"timezone"`
}

// Tool normalizes and formats timestamps for agents (spec §6.4). Now is
// overridable in tests; nil means time.Now.
type Tool struct {
	Now func() time.Time
}

func (t Tool) Name() string        { return "timestamp" }
func (t Tool) Description() string { return "Normalize, format, or compute the current timestamp." }
func (t Tool) Schema() json.RawMessage { return tools.GenerateSchema(params{}) }

func (t Tool) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t Tool) Execute(ctx context.Context, raw json.RawMessage) (*tools.Result, error) {
	var p params
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errs.Wrap(errs.KindValidation, err)
		}
	}

	now := t.now()
	var ts *datetime.TimestampResult
	if p.Input != "" {
		ts = datetime.NormalizeTimestamp(p.Input)
		if ts == nil {
			return nil, errs.New(errs.KindValidation, "could not parse timestamp input")
		}
	} else {
		ts = &datetime.TimestampResult{
			TimestampMs:  now.UnixMilli(),
			TimestampUTC: now.UTC().Format(time.RFC3339),
		}
	}

	tz := datetime.ResolveUserTimezone(p.Timezone)
	resolved := datetime.ResolveUserTimeFormat(datetime.TimeFormatPreference(p.Format))

	at := time.UnixMilli(ts.TimestampMs)
	resp := response{
		TimestampMs:  ts.TimestampMs,
		TimestampUTC: ts.TimestampUTC,
		Display:      datetime.FormatUserTimeWithTimezone(at, tz, resolved),
		Relative:     datetime.FormatRelativeTime(at, now),
		Timezone:     tz,
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return nil, errs.Wrap(errs.KindFatal, err)
	}
	return &tools.Result{Content: string(body)}, nil
}
