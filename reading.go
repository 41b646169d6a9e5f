package readings

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// nowLiteral is the special user_ts value substituted with the current
// UTC time at persistence.
const nowLiteral = "now()"

// userTSLayouts are the accepted forms of user_ts besides the literal
// "now()": "YYYY-MM-DD HH:MM:SS[.ffffff][±HH:MM]".
var userTSLayouts = []string{
	"2006-01-02 15:04:05.000000-07:00",
	"2006-01-02 15:04:05.000000",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05",
}

// Reading is the immutable record ingested from a device.
// user_ts is kept as the raw string the caller supplied; it is resolved
// to a concrete time.Time only at persistence via ResolveUserTS.
type Reading struct {
	AssetCode string          `json:"asset_code"`
	UserTS    string          `json:"user_ts"`
	Payload   json.RawMessage `json:"reading"`

	// ID and Ts are assigned by the service on ingest; zero until then.
	ID int64
	Ts time.Time
}

// ingestEnvelope is the top-level JSON schema accepted by the south-side
// listeners: {"readings": [...]}.
type ingestEnvelope struct {
	Readings []Reading `json:"readings"`
}

// ParseIngestJSON parses a south-side JSON ingest payload into its
// constituent readings. A malformed envelope is a single invalid-payload
// error; malformed individual readings are surfaced per-element so the
// caller can count them as DISCARDED without losing the rest of the batch.
func ParseIngestJSON(body []byte) ([]Reading, error) {
	var env ingestEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if env.Readings == nil {
		return nil, fmt.Errorf("%w: missing \"readings\" array", ErrInvalidPayload)
	}
	return env.Readings, nil
}

// Validate checks that a reading has a non-empty asset code, well-formed
// JSON payload, and a resolvable user_ts. It does not mutate the reading.
func (r *Reading) Validate() error {
	if strings.TrimSpace(r.AssetCode) == "" {
		return fmt.Errorf("%w: empty asset_code", ErrInvalidPayload)
	}
	if len(r.Payload) == 0 || !json.Valid(r.Payload) {
		return fmt.Errorf("%w: invalid reading JSON", ErrInvalidPayload)
	}
	if _, err := r.ResolveUserTS(); err != nil {
		return err
	}
	return nil
}

// ResolveUserTS parses UserTS into a concrete UTC time.Time, substituting
// the current time for the literal "now()".
func (r *Reading) ResolveUserTS() (time.Time, error) {
	if r.UserTS == "" || r.UserTS == nowLiteral {
		return time.Now().UTC(), nil
	}
	for _, layout := range userTSLayouts {
		if t, err := time.Parse(layout, r.UserTS); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable user_ts %q", ErrInvalidPayload, r.UserTS)
}
