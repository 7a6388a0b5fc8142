// Package archive reads and writes the per-session metadata records kept on
// disk, one directory per session holding a session.json.
package archive

import (
	"encoding/json"
	"strings"
	"time"
)

const recordFileName = "session.json"

// Record is the listing entry served to clients.
type Record struct {
	ID             string    `json:"id"`
	Query          string    `json:"query"`
	Foundation     int       `json:"foundation"`
	FoundationRole string    `json:"foundationRole,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	Status         string    `json:"status"`
	TokensUsed     int       `json:"tokensUsed"`
}

// diskRecord is the session.json layout HM6 writes. Field names are the
// binary's, not ours; keep them as they are.
type diskRecord struct {
	ID               string    `json:"ID"`
	UserQuery        string    `json:"UserQuery"`
	FoundationNumber int       `json:"FoundationNumber"`
	FoundationRole   string    `json:"FoundationRole,omitempty"`
	CreatedAt        timestamp `json:"CreatedAt"`
	Status           string    `json:"Status"`
	TokensUsed       int       `json:"TokensUsed"`
}

func (d diskRecord) record() Record {
	return Record{
		ID:             d.ID,
		Query:          d.UserQuery,
		Foundation:     d.FoundationNumber,
		FoundationRole: d.FoundationRole,
		CreatedAt:      time.Time(d.CreatedAt),
		Status:         d.Status,
		TokensUsed:     d.TokensUsed,
	}
}

func fromRecord(r Record) diskRecord {
	return diskRecord{
		ID:               r.ID,
		UserQuery:        r.Query,
		FoundationNumber: r.Foundation,
		FoundationRole:   r.FoundationRole,
		CreatedAt:        timestamp(r.CreatedAt),
		Status:           r.Status,
		TokensUsed:       r.TokensUsed,
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05",
}

// timestamp accepts the handful of layouts seen in older records. A value
// that matches none decodes as the zero time instead of failing the record.
type timestamp time.Time

func (ts timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(ts).UTC().Format(time.RFC3339Nano))
}

func (ts *timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Numbers are epoch millis.
		var ms int64
		if json.Unmarshal(data, &ms) == nil {
			*ts = timestamp(time.UnixMilli(ms).UTC())
		}
		return nil
	}
	s = strings.TrimSpace(s)
	// Go's time.String() appends a monotonic clock reading.
	if i := strings.Index(s, " m="); i >= 0 {
		s = s[:i]
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*ts = timestamp(t)
			return nil
		}
	}
	*ts = timestamp(time.Time{})
	return nil
}
