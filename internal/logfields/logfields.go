package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyProject    = "project"
	KeySection    = "section"
	KeyVersion    = "version"
	KeyResource   = "resource"
	KeyHolder     = "holder_id"
	KeyState      = "state"
	KeyTarget     = "target_state"
	KeyAttempt    = "attempt"
	KeyCode       = "code"
	KeyCategory   = "category"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Project(id string) slog.Attr     { return slog.String(KeyProject, id) }
func Section(s string) slog.Attr      { return slog.String(KeySection, s) }
func Version(v int64) slog.Attr       { return slog.Int64(KeyVersion, v) }
func Resource(r string) slog.Attr     { return slog.String(KeyResource, r) }
func Holder(id string) slog.Attr      { return slog.String(KeyHolder, id) }
func State(s string) slog.Attr        { return slog.String(KeyState, s) }
func Target(s string) slog.Attr       { return slog.String(KeyTarget, s) }
func Attempt(n int) slog.Attr         { return slog.Int(KeyAttempt, n) }
func Code(c string) slog.Attr         { return slog.String(KeyCode, c) }
func Category(c string) slog.Attr     { return slog.String(KeyCategory, c) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
