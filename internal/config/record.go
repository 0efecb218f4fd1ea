package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Record is the machine-readable account of one session, written with
// --record.
type Record struct {
	Session       string    `toml:"session"`
	Started       time.Time `toml:"started"`
	Elapsed       Duration  `toml:"elapsed"`
	Src           string    `toml:"src"`
	Dst           string    `toml:"dst"`
	Out2          string    `toml:"out2,omitempty"`
	BlockSize     int       `toml:"bs"`
	Requested     int64     `toml:"requested"`
	BlocksRead    int64     `toml:"blocks_read"`
	BlocksWritten int64     `toml:"blocks_written"`
	InRemaining   int64     `toml:"in_remaining"`
	OutRemaining  int64     `toml:"out_remaining"`
	InPartial     int64     `toml:"in_partial"`
	OutPartial    int64     `toml:"out_partial"`
	Category      string    `toml:"category"`
	ExitCode      int       `toml:"exit_code"`
	Digest        string    `toml:"digest,omitempty"`
	Error         string    `toml:"error,omitempty"`
}

// WriteRecord writes r to path through a temporary file so readers never
// see a partial record. Creates the parent directory if needed.
func WriteRecord(path string, r Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(r); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	tmp := path + ".tmp"
	//nolint:gosec // G306: records are meant to be shared
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// ReadRecord reads a record written by WriteRecord. Returns os.ErrNotExist
// if the file does not exist.
func ReadRecord(path string) (Record, error) {
	var r Record
	if _, err := toml.DecodeFile(path, &r); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, os.ErrNotExist
		}
		return Record{}, err
	}
	return r, nil
}
