// Package schedulerstate persists the small JSON document tracking each
// job's last-run timestamp and a compact cached poll summary between ticks,
// written atomically via internal/filestore.
package schedulerstate

import (
	"encoding/json"
	"time"

	"github.com/maxthelion/octopoid/internal/filestore"
	"github.com/maxthelion/octopoid/internal/jobs"
)

// JobState is one job's persisted last-run record.
type JobState struct {
	LastRun time.Time `json:"last_run"`
}

// State is the scheduler-state file's decoded shape: `{ "jobs": {...},
// "poll_cache": {...} }`. PollCache is stored as a raw message since its
// shape is the store package's concern, not this package's.
type State struct {
	Jobs      map[string]JobState `json:"jobs"`
	PollCache json.RawMessage     `json:"poll_cache,omitempty"`
}

// Load reads path, returning a zero-value State (empty job map) if the file
// doesn't exist yet — the scheduler's first-ever tick.
func Load(path string) (*State, error) {
	data, err := filestore.ReadFileOrEmpty(path)
	if err != nil {
		return nil, err
	}
	s := &State{Jobs: map[string]JobState{}}
	if data == nil {
		return s, nil
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}
	if s.Jobs == nil {
		s.Jobs = map[string]JobState{}
	}
	return s, nil
}

// Save writes s to path atomically (temp file + rename).
func Save(path string, s *State) error {
	return filestore.WriteJSON(path, s, 0o644)
}

// JobsState adapts State's Jobs map to jobs.State, the plain
// map[string]time.Time the job runner reads and updates.
func (s *State) JobsState() jobs.State {
	out := jobs.State{}
	for name, js := range s.Jobs {
		out[name] = js.LastRun
	}
	return out
}

// SetJobsState writes a jobs.State back into s after a tick's job run.
func (s *State) SetJobsState(js jobs.State) {
	if s.Jobs == nil {
		s.Jobs = map[string]JobState{}
	}
	for name, t := range js {
		s.Jobs[name] = JobState{LastRun: t}
	}
}

// SetPollCache stores v (the scheduler's compact cached poll summary) as
// the state file's poll_cache. A marshal failure drops the cache rather
// than failing the tick.
func (s *State) SetPollCache(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.PollCache = nil
		return
	}
	s.PollCache = data
}

// PollCacheInto decodes the persisted poll_cache into out, reporting
// whether a decodable cache was present.
func (s *State) PollCacheInto(out any) bool {
	if len(s.PollCache) == 0 {
		return false
	}
	return json.Unmarshal(s.PollCache, out) == nil
}
