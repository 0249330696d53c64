package botfleet

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// workerDir returns the runtime directory for one worker
func workerDir(baseDir, id string) string {
	return filepath.Join(baseDir, id)
}

// socketPath returns the IPC socket path for one worker
func socketPath(baseDir, id string) string {
	return filepath.Join(baseDir, id, SocketFile)
}

// statusPath returns the status record path for one worker
func statusPath(baseDir, id string) string {
	return filepath.Join(baseDir, id, StatusFile)
}

// writeStatusFile atomically replaces the worker's on-disk status record.
// Atomic rename means watchers never observe a half-written record.
func writeStatusFile(baseDir string, st WorkerStatus) error {
	data, err := json.Marshal(st)
	if err != nil {
		return &OpError{Op: OpStatus, ID: st.ID, Err: err}
	}
	path := statusPath(baseDir, st.ID)
	if err := renameio.WriteFile(path, data, FileMode); err != nil {
		return &OpError{Op: OpStatus, ID: st.ID, Err: err}
	}
	return nil
}

// ReadStatusFile reads and decodes one worker's status record
func ReadStatusFile(baseDir, id string) (WorkerStatus, error) {
	data, err := os.ReadFile(statusPath(baseDir, id))
	if err != nil {
		return WorkerStatus{}, &OpError{Op: OpStatus, ID: id, Err: err}
	}
	var st WorkerStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return WorkerStatus{}, &OpError{Op: OpStatus, ID: id, Err: err}
	}
	st.State = parseState(st.StateName)
	return st, nil
}

func parseState(name string) WorkerState {
	for s := StatePending; s <= StateFailed; s++ {
		if s.String() == name {
			return s
		}
	}
	return StatePending
}
