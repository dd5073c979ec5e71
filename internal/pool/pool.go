// Package pool tracks live worker instances via one file per process in a
// runtime directory, the way the scheduler observes subprocess liveness
// without sharing memory with them.
package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/maxthelion/octopoid/internal/filestore"
)

// Entry is one pool file's contents: a live or recently-terminated worker
// instance attributed to a blueprint.
type Entry struct {
	Blueprint string    `json:"blueprint"`
	PID       int       `json:"pid"`
	TaskID    string    `json:"task_id,omitempty"`
	SandboxID string    `json:"sandbox_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Pool manages pool files under dir, one named "<blueprint>-<pid>" per live
// instance.
type Pool struct {
	dir string
}

// New builds a Pool rooted at dir, creating it if necessary.
func New(dir string) (*Pool, error) {
	if err := filestore.EnsureDir(dir); err != nil {
		return nil, err
	}
	return &Pool{dir: dir}, nil
}

func (p *Pool) path(blueprintName string, pid int) string {
	return filepath.Join(p.dir, fmt.Sprintf("%s-%d", blueprintName, pid))
}

// Record writes a pool file for a newly spawned instance.
func (p *Pool) Record(e Entry) error {
	return filestore.WriteJSON(p.path(e.Blueprint, e.PID), e, 0o644)
}

// Remove deletes a pool file, e.g. once the result handler has processed a
// finished instance. Idempotent.
func (p *Pool) Remove(blueprintName string, pid int) error {
	err := os.Remove(p.path(blueprintName, pid))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Entries lists every pool file's parsed contents, regardless of blueprint.
func (p *Pool) Entries() ([]Entry, error) {
	files, err := os.ReadDir(p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Entry
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.dir, f.Name()))
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// LiveCount reports how many pool entries for blueprintName correspond to a
// process that still exists. Satisfies guard.Pool. Dead entries are left in
// place: a finished worker's pool file is the only record the result
// handler has of it, so reaping belongs to check_finished_agents alone.
func (p *Pool) LiveCount(blueprintName string) (int, error) {
	entries, err := p.Entries()
	if err != nil {
		return 0, err
	}
	live := 0
	for _, e := range entries {
		if e.Blueprint == blueprintName && ProcessAlive(e.PID) {
			live++
		}
	}
	return live, nil
}

// FinishedInstances returns every recorded entry whose process has exited —
// the set the result handler needs to process this tick.
func (p *Pool) FinishedInstances() ([]Entry, error) {
	entries, err := p.Entries()
	if err != nil {
		return nil, err
	}
	var finished []Entry
	for _, e := range entries {
		if !ProcessAlive(e.PID) {
			finished = append(finished, e)
		}
	}
	return finished, nil
}

// ProcessAlive checks whether a process is still running by sending signal
// 0 — it doesn't actually signal the process, just checks existence and
// permission.
func ProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// ParsePoolFileName splits a "<blueprint>-<pid>" file name, used by sweeps
// that walk the directory without decoding JSON.
func ParsePoolFileName(name string) (blueprintName string, pid int, ok bool) {
	idx := strings.LastIndex(name, "-")
	if idx < 0 {
		return "", 0, false
	}
	pidStr := name[idx+1:]
	pidVal, err := strconv.Atoi(pidStr)
	if err != nil {
		return "", 0, false
	}
	return name[:idx], pidVal, true
}
