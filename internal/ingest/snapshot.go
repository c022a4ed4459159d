package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/oyvindek/nordlex/internal/lexicon"
	apperrors "github.com/oyvindek/nordlex/pkg/errors"
)

// SnapshotMetadata describes the provenance of a bundled snapshot file.
type SnapshotMetadata struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is the bundled-dataset file format: metadata plus the full record
// list. A snapshot lets the service come up with a populated index before
// any remote source responds.
type Snapshot struct {
	Metadata SnapshotMetadata    `json:"metadata"`
	Data     []lexicon.RawRecord `json:"data"`
}

// LoadSnapshot reads and validates a snapshot file. A missing file returns
// os.ErrNotExist (the caller falls through to live sources); a present but
// malformed or empty file is ErrSnapshotInvalid.
func LoadSnapshot(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", apperrors.ErrSnapshotInvalid, path, err)
	}
	if len(snap.Data) == 0 {
		return nil, fmt.Errorf("%w: %s contains no records", apperrors.ErrSnapshotInvalid, path)
	}
	return &snap, nil
}
