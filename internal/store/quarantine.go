package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// QuarantineFile is the audited sibling file written for removed records.
type QuarantineFile struct {
	Reason        string            `json:"reason"`
	QuarantinedAt int64             `json:"quarantinedAt"`
	Records       []json.RawMessage `json:"records"`
}

// RecordsFromAccounts marshals accounts into quarantine records.
func RecordsFromAccounts(accounts []Account) []json.RawMessage {
	records := make([]json.RawMessage, 0, len(accounts))
	for _, acc := range accounts {
		raw, err := json.Marshal(acc)
		if err != nil {
			continue
		}
		records = append(records, raw)
	}
	return records
}

// Quarantine writes the given records to a new, uniquely-suffixed sibling
// file and removes them from the live set. No prior quarantine file is ever
// overwritten and no record is discarded without a trace. Returns the
// quarantine file path.
func (s *Store) Quarantine(records []json.RawMessage, reason string) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return "", fmt.Errorf("create storage dir: %w", err)
	}

	lock, err := acquireLock(s.path + ".lock")
	if err != nil {
		return "", fmt.Errorf("lock %s: %w", s.path, err)
	}
	defer lock.release()

	qpath, err := s.writeQuarantineFile(records, reason)
	if err != nil {
		return "", err
	}

	if err := s.removeFromLive(records); err != nil {
		return qpath, err
	}
	return qpath, nil
}

// writeQuarantineFile creates the sibling file with O_EXCL so concurrent or
// repeated quarantines never clobber earlier evidence.
func (s *Store) writeQuarantineFile(records []json.RawMessage, reason string) (string, error) {
	payload, err := json.MarshalIndent(QuarantineFile{
		Reason:        reason,
		QuarantinedAt: time.Now().UnixMilli(),
		Records:       records,
	}, "", "  ")
	if err != nil {
		return "", err
	}

	base := strings.TrimSuffix(s.path, filepath.Ext(s.path))
	for attempt := 0; attempt < 3; attempt++ {
		qpath := fmt.Sprintf("%s.quarantine-%d-%s.json",
			base, time.Now().UnixMilli(), uuid.NewString()[:8])
		f, err := os.OpenFile(qpath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(payload); err != nil {
			f.Close()
			return "", err
		}
		if err := f.Close(); err != nil {
			return "", err
		}
		return qpath, nil
	}
	return "", fmt.Errorf("could not allocate unique quarantine file next to %s", s.path)
}

// removeFromLive rewrites the live file without the quarantined records,
// preserving the remaining entries byte-for-byte.
func (s *Store) removeFromLive(records []json.RawMessage) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var loose looseStorage
	if err := json.Unmarshal(data, &loose); err != nil {
		// Whole-file corruption: if the raw content itself was quarantined,
		// start over from the empty default. Otherwise leave the evidence
		// in place.
		wrapped, _ := json.Marshal(string(data))
		for _, rec := range records {
			if rawEqual(rec, wrapped) {
				return writeAtomic(s.path, emptyStorage())
			}
		}
		return nil
	}

	remaining := make([]json.RawMessage, 0, len(loose.Accounts))
	for _, entry := range loose.Accounts {
		if !matchesAny(entry, records) {
			remaining = append(remaining, entry)
		}
	}
	loose.Accounts = remaining
	if loose.Version == 0 {
		loose.Version = CurrentVersion
	}
	return writeAtomic(s.path, &loose)
}

// matchesAny reports whether entry is one of the quarantined records, by
// compact-JSON equality or by refresh token when both sides parse.
func matchesAny(entry json.RawMessage, records []json.RawMessage) bool {
	var entryAcc Account
	entryParses := json.Unmarshal(entry, &entryAcc) == nil

	for _, rec := range records {
		if rawEqual(entry, rec) {
			return true
		}
		if !entryParses || entryAcc.RefreshToken == "" {
			continue
		}
		var recAcc Account
		if json.Unmarshal(rec, &recAcc) == nil && recAcc.RefreshToken == entryAcc.RefreshToken {
			return true
		}
	}
	return false
}

func rawEqual(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
