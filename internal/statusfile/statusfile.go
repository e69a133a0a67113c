// Package statusfile persists and restores the per-backend status
// vector across supervisor restarts, per SPEC_FULL.md §4.9.
package statusfile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/afero"
	"k8s.io/klog/v2"

	"github.com/offsoc/pgpool2/internal/sharedstate"
)

// MaxLegacyBackends is how many slots the pre-text status file format
// holds: one int32 per backend slot, so a legacy file is
// MaxLegacyBackends*4 bytes long, grounded on
// original_source/src/main/pgpool_main.c's fread of a fixed-size
// backend_rec struct.
const MaxLegacyBackends = 128

// legacy CON_* status codes from the original binary record, decoded
// by decodeLegacy only to translate into sharedstate.BackendStatus.
const (
	legacyUnused      int32 = 0
	legacyConnectWait int32 = 1
	legacyUp          int32 = 2
	legacyDown        int32 = 3
)

// osTruncCreate is the flag set Save opens the status file with: write
// only, created if absent, truncated to the new content's length.
const osTruncCreate = os.O_WRONLY | os.O_CREATE | os.O_TRUNC

// Store reads and writes the status file described in spec.md §6/§4.9.
type Store struct {
	FS   afero.Fs
	Path string
}

// New builds a Store bound to path on fs.
func New(fs afero.Fs, path string) *Store {
	return &Store{FS: fs, Path: path}
}

// Load restores the status vector for numBackends slots. Deleting the
// file for spec.md §6's discard_status flag is Discard's job, called
// before Load. If the file does not exist, every slot starts
// CONNECT_WAIT. A legacy binary format is
// auto-detected. A file with no UP/CONNECT_WAIT entries at all is
// bogus and coerced to CONNECT_WAIT for every slot.
func (s *Store) Load(numBackends int) ([]sharedstate.BackendStatus, error) {
	statuses := make([]sharedstate.BackendStatus, numBackends)
	for i := range statuses {
		statuses[i] = sharedstate.ConnectWait
	}

	if _, err := s.FS.Stat(s.Path); err != nil {
		klog.InfoS("statusfile: no existing status file, starting fresh", "path", s.Path)
		return statuses, nil
	}

	data, err := afero.ReadFile(s.FS, s.Path)
	if err != nil {
		return nil, fmt.Errorf("read status file: %w", err)
	}

	if legacy, ok := decodeLegacy(data, numBackends); ok {
		klog.InfoS("statusfile: loaded legacy binary format", "path", s.Path)
		return coerceIfBogus(legacy), nil
	}

	parsed := parseText(data, numBackends)
	return coerceIfBogus(parsed), nil
}

// Discard implements spec.md §6's discard_status: delete the file
// without reading it. Every backend starts CONNECT_WAIT, which Load
// already does when the file is absent.
func (s *Store) Discard() error {
	err := s.FS.Remove(s.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("discard status file: %w", err)
	}
	if err == nil {
		klog.InfoS("statusfile: discarded prior status file", "path", s.Path)
	}
	return nil
}

// decodeLegacy tries to interpret data as the old fixed-width binary
// record. Any status byte outside the four known legacy codes means
// this is not actually the legacy format, per the source's fallback.
func decodeLegacy(data []byte, numBackends int) ([]sharedstate.BackendStatus, bool) {
	const recordSize = MaxLegacyBackends * 4
	if len(data) < recordSize {
		return nil, false
	}
	statuses := make([]sharedstate.BackendStatus, numBackends)
	reader := bytes.NewReader(data[:recordSize])
	for i := 0; i < numBackends; i++ {
		var code int32
		if err := binary.Read(reader, binary.LittleEndian, &code); err != nil {
			return nil, false
		}
		switch code {
		case legacyDown:
			statuses[i] = sharedstate.Down
		case legacyConnectWait, legacyUp:
			statuses[i] = sharedstate.ConnectWait
		case legacyUnused:
			statuses[i] = sharedstate.Unused
		default:
			return nil, false
		}
	}
	return statuses, true
}

// parseText implements the "up|down|unused" line format, tolerant of
// stray leading whitespace and blank lines (the supplemented
// ignore_leading_white_space behavior from SPEC_FULL.md §10).
func parseText(data []byte, numBackends int) []sharedstate.BackendStatus {
	statuses := make([]sharedstate.BackendStatus, numBackends)
	for i := range statuses {
		statuses[i] = sharedstate.Unused
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	i := 0
	for scanner.Scan() {
		if i >= numBackends {
			break
		}
		line := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "up"):
			statuses[i] = sharedstate.ConnectWait
		case strings.HasPrefix(line, "down"):
			statuses[i] = sharedstate.Down
		case strings.HasPrefix(line, "unused"):
			statuses[i] = sharedstate.Unused
		default:
			klog.Warning("statusfile: invalid status line, ignoring", "backend", i, "line", line)
			i++
			continue
		}
		i++
	}
	return statuses
}

// coerceIfBogus implements spec.md §4.9's "no UP/CONNECT_WAIT entries
// at all is bogus" rule: every backend is coerced to CONNECT_WAIT.
func coerceIfBogus(statuses []sharedstate.BackendStatus) []sharedstate.BackendStatus {
	for _, s := range statuses {
		if s == sharedstate.Up || s == sharedstate.ConnectWait {
			return statuses
		}
	}
	klog.Warning("statusfile: status file has no UP/CONNECT_WAIT entries, treating as bogus")
	coerced := make([]sharedstate.BackendStatus, len(statuses))
	for i := range coerced {
		coerced[i] = sharedstate.ConnectWait
	}
	return coerced
}

// Save writes the current status vector, one up|down|unused line per
// backend. If every backend is DOWN, the write is skipped so the file
// keeps reflecting the last known up-set across an ambiguous restart,
// per spec.md §4.9.
func (s *Store) Save(statuses []sharedstate.BackendStatus) error {
	allDown := true
	for _, st := range statuses {
		if st != sharedstate.Down {
			allDown = false
			break
		}
	}
	if allDown {
		klog.Warning("statusfile: all backends are down, skipping status file write")
		return nil
	}

	var buf bytes.Buffer
	for _, st := range statuses {
		fmt.Fprintln(&buf, textFor(st))
	}

	f, err := s.FS.OpenFile(s.Path, osTruncCreate, 0644)
	if err != nil {
		return fmt.Errorf("open status file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write status file: %w", err)
	}
	if syncer, ok := f.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			return fmt.Errorf("fsync status file: %w", err)
		}
	}
	return nil
}

func textFor(s sharedstate.BackendStatus) string {
	switch s {
	case sharedstate.Up, sharedstate.ConnectWait:
		return "up"
	case sharedstate.Down:
		return "down"
	default:
		return "unused"
	}
}
