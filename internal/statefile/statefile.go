package statefile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const FileName = "state.json"

// Read returns the session's state blob, or ok=false when no state file
// exists yet. Content must be a JSON object; anything else is an error so a
// half-written file never propagates as state.
func Read(sessionDir string) (json.RawMessage, bool, error) {
	data, err := os.ReadFile(filepath.Join(sessionDir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, false, fmt.Errorf("state blob is not a JSON object: %w", err)
	}
	return json.RawMessage(data), true, nil
}

// Write replaces the state blob with an atomic whole-file write. Both the
// watcher reconciliation path and the live-client path go through here, so
// last-write-wins races stay at file granularity.
func Write(sessionDir string, state json.RawMessage) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(state, &obj); err != nil {
		return fmt.Errorf("state blob is not a JSON object: %w", err)
	}
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(sessionDir, FileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, state, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
