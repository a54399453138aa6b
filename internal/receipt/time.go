package receipt

import "time"

// formatRFC3339 renders a unix-seconds timestamp as an RFC3339 UTC string,
// the wire format used by every *_utc field.
func formatRFC3339(sec int64) string {
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}
