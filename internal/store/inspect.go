package store

import (
	"encoding/json"
	"os"
)

// Classification buckets for Inspect. Every persisted record lands in
// exactly one.
const (
	ClassValid   = "valid"
	ClassLegacy  = "legacy"  // parseable, has a refresh token, missing email or plan
	ClassCorrupt = "corrupt" // wrong shape or missing refresh token
)

// Report is the result of a loose parse of the storage file. Legacy records
// can be repaired; corrupt ones can only be quarantined.
type Report struct {
	// FileCorrupt is set when the file as a whole is not valid JSON. In
	// that case Corrupt holds the entire raw content as a single record.
	FileCorrupt bool

	Valid   []Account
	Legacy  []Account
	Corrupt []json.RawMessage

	// Container fields recovered from the loose parse, preserved so a
	// repair pass does not reset cursors.
	Version             int
	ActiveIndex         int
	ActiveIndexByFamily map[string]int
}

// Counts returns the per-bucket totals.
func (r *Report) Counts() (valid, legacy, corrupt int) {
	return len(r.Valid), len(r.Legacy), len(r.Corrupt)
}

// looseStorage defers account decoding so one bad entry cannot poison the
// rest of the file.
type looseStorage struct {
	Version             int               `json:"version"`
	Accounts            []json.RawMessage `json:"accounts"`
	ActiveIndex         int               `json:"activeIndex"`
	ActiveIndexByFamily map[string]int    `json:"activeIndexByFamily"`
}

// Inspect parses the raw file loosely and classifies every entry into
// exactly one of {valid, legacy, corrupt}. A missing file yields an empty
// report. Inspect never modifies the file.
func (s *Store) Inspect() (*Report, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Report{Version: CurrentVersion}, nil
		}
		return nil, err
	}
	return inspectRaw(data), nil
}

func inspectRaw(data []byte) *Report {
	var loose looseStorage
	if err := json.Unmarshal(data, &loose); err != nil {
		// Whole file unreadable. Wrap the raw bytes as a JSON string so
		// the evidence survives inside a quarantine file.
		wrapped, _ := json.Marshal(string(data))
		return &Report{
			FileCorrupt: true,
			Corrupt:     []json.RawMessage{wrapped},
			Version:     CurrentVersion,
		}
	}

	report := &Report{
		Version:             loose.Version,
		ActiveIndex:         loose.ActiveIndex,
		ActiveIndexByFamily: loose.ActiveIndexByFamily,
	}
	for _, raw := range loose.Accounts {
		switch classifyRecord(raw) {
		case ClassCorrupt:
			report.Corrupt = append(report.Corrupt, raw)
		case ClassLegacy:
			acc := decodeRecord(raw)
			report.Legacy = append(report.Legacy, acc)
		default:
			acc := decodeRecord(raw)
			report.Valid = append(report.Valid, acc)
		}
	}
	return report
}

// classifyRecord buckets a single raw entry. Nothing downstream trusts an
// unclassified record.
func classifyRecord(raw json.RawMessage) string {
	var acc Account
	if err := json.Unmarshal(raw, &acc); err != nil {
		return ClassCorrupt
	}
	if acc.RefreshToken == "" {
		return ClassCorrupt
	}
	if acc.Email == "" || acc.Plan == "" {
		return ClassLegacy
	}
	return ClassValid
}

func decodeRecord(raw json.RawMessage) Account {
	var acc Account
	_ = json.Unmarshal(raw, &acc)
	return acc
}
