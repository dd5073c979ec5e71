package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maxthelion/octopoid/internal/blueprint"
	"github.com/maxthelion/octopoid/internal/clock"
	"github.com/maxthelion/octopoid/internal/config"
	"github.com/maxthelion/octopoid/internal/flow"
	"github.com/maxthelion/octopoid/internal/guard"
	"github.com/maxthelion/octopoid/internal/pool"
	"github.com/maxthelion/octopoid/internal/result"
	"github.com/maxthelion/octopoid/internal/sandbox"
	"github.com/maxthelion/octopoid/internal/spawn"
	"github.com/maxthelion/octopoid/internal/steps"
	"github.com/maxthelion/octopoid/internal/store"
	"github.com/maxthelion/octopoid/internal/task"
	"github.com/maxthelion/octopoid/internal/ticklock"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	store.Store
	tasks          map[string]*task.Task
	claimTask      *task.Task
	claimErr       error
	registered     bool
	registerErr    error
	registerCalled bool
	pollErr        error
	updates        []map[string]any
	accepted       []string
	messages       []task.Message
	messageUpdates []string
}

func (f *fakeStore) Poll(ctx context.Context, orchestratorID string) (store.PollSummary, error) {
	if f.pollErr != nil {
		return store.PollSummary{}, f.pollErr
	}
	return store.PollSummary{Registered: f.registered}, nil
}

func (f *fakeStore) Register(ctx context.Context, orchestratorID, cluster, machineID string, capabilities []string) error {
	f.registerCalled = true
	return f.registerErr
}

func (f *fakeStore) Claim(ctx context.Context, orchestratorID string, filter store.ClaimFilter, leaseFor time.Duration) (*task.Task, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	return f.claimTask, nil
}

func (f *fakeStore) Get(ctx context.Context, taskID string) (*task.Task, error) {
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("no such task %s", taskID)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) Update(ctx context.Context, taskID string, expectedVersion int, fields map[string]any) (*task.Task, error) {
	f.updates = append(f.updates, fields)
	t := f.tasks[taskID]
	if s, ok := fields["state"].(string); ok {
		t.State = task.State(s)
	}
	if cb, ok := fields["claimed_by"]; ok {
		if s, ok := cb.(string); ok {
			t.ClaimedBy = s
		}
	}
	t.Version++
	cp := *t
	return &cp, nil
}

func (f *fakeStore) Submit(ctx context.Context, taskID string, expectedVersion int, info store.SubmitInfo) (*task.Task, error) {
	t := f.tasks[taskID]
	t.State = task.StateProvisional
	t.Branch, t.PRNumber, t.PRURL = info.Branch, info.PRNumber, info.PRURL
	t.Version++
	cp := *t
	return &cp, nil
}

func (f *fakeStore) Accept(ctx context.Context, taskID string, expectedVersion int) (*task.Task, error) {
	f.accepted = append(f.accepted, taskID)
	t := f.tasks[taskID]
	t.State = task.StateDone
	t.Version++
	cp := *t
	return &cp, nil
}

func (f *fakeStore) ListMessages(ctx context.Context, to, msgType, status string) ([]task.Message, error) {
	return f.messages, nil
}

func (f *fakeStore) UpdateMessageStatus(ctx context.Context, messageID, status string) error {
	f.messageUpdates = append(f.messageUpdates, messageID)
	return nil
}

type fakeVCS struct{}

func (fakeVCS) WorktreeAdd(ctx context.Context, repoDir, dir, base string) error {
	return os.MkdirAll(dir, 0o755)
}
func (fakeVCS) WorktreeRemove(ctx context.Context, repoDir, dir string) error { return os.RemoveAll(dir) }
func (fakeVCS) IsDetached(ctx context.Context, dir string) (bool, error)      { return true, nil }
func (fakeVCS) IsAncestor(ctx context.Context, repoDir, ancestor, descendant string) (bool, error) {
	return true, nil
}
func (fakeVCS) HeadCommit(ctx context.Context, dir string) (string, error)          { return "abc", nil }
func (fakeVCS) HasCommitsAhead(ctx context.Context, dir, base string) (bool, error) { return false, nil }
func (fakeVCS) CreateBranchFromHead(ctx context.Context, dir, branch string) error  { return nil }
func (fakeVCS) Push(ctx context.Context, dir, branch string) error                  { return nil }
func (fakeVCS) Rebase(ctx context.Context, dir, onto string) error                  { return nil }

type fakeLauncher struct {
	nextPID int
}

func (f *fakeLauncher) Launch(ctx context.Context, spec spawn.LaunchSpec) (int, error) {
	f.nextPID++
	return f.nextPID, nil
}

type fakePR struct{ mergeable bool }

func (f fakePR) EnsurePR(ctx context.Context, t *task.Task) (int, string, error) { return 1, "", nil }
func (f fakePR) PostComment(ctx context.Context, prNumber int, body string) error { return nil }
func (f fakePR) Mergeable(ctx context.Context, prNumber int) (bool, error)        { return f.mergeable, nil }
func (f fakePR) Merge(ctx context.Context, prNumber int) error                    { return nil }

func implementFlow() *flow.Flow {
	return &flow.Flow{
		Name:    "implement",
		Initial: "incoming",
		Transitions: []flow.Transition{
			{From: "incoming", To: "claimed"},
			{From: "claimed", To: "provisional", Runs: []string{"push_branch", "create_pr", "submit_to_server"}},
			{From: "provisional", To: "done", Runs: []string{"merge_pr"}},
		},
		Terminal: map[string]bool{"done": true, "failed": true},
	}
}

func newTestScheduler(t *testing.T, fs *fakeStore) (*Scheduler, string) {
	root := t.TempDir()
	cfg := config.Config{
		OrchestratorID: "orch-1",
		RuntimeDir:     root,
		BaseBranch:     "origin/main",
		LeaseDuration:  10 * time.Minute,
		TickDeadline:   5 * time.Second,
	}

	p, err := pool.New(cfg.PoolDir())
	require.NoError(t, err)

	sm := sandbox.NewManager(fakeVCS{}, cfg.SandboxDir(), "/repo", nil)

	stepsReg := steps.NewRegistry()
	steps.Register(stepsReg, steps.Deps{Store: fs, PR: fakePR{mergeable: true}, VCS: fakeVCS{}})

	handler := &result.Handler{
		Store:   fs,
		Flows:   map[string]*flow.Flow{"implement": implementFlow()},
		Steps:   stepsReg,
		Sandbox: sm,
		Commits: fakeVCS{},
	}

	launcher := &fakeLauncher{}
	strategy := &spawn.Strategy{
		Sandbox:      sm,
		Pool:         p,
		Launcher:     launcher,
		Render:       func(b blueprint.Blueprint, t *task.Task) string { return t.Prompt },
		WorkerBinary: "/bin/true",
		RepoDir:      "/repo",
		BaseBranch:   cfg.BaseBranch,
	}

	s := New()
	s.Config = cfg
	s.Store = fs
	s.Clock = clock.Default
	s.Pool = p
	s.Sandbox = sm
	s.Guards = guard.NewChain()
	s.Spawner = strategy
	s.Results = handler
	s.Steps = stepsReg
	s.PR = fakePR{mergeable: true}
	s.Flows = map[string]*flow.Flow{"implement": implementFlow()}
	s.Blueprints = blueprint.Set{}
	s.BuildJobRegistry()

	return s, root
}

func TestTickSkipsWhenLockHeld(t *testing.T) {
	fs := &fakeStore{tasks: map[string]*task.Task{}}
	s, root := newTestScheduler(t, fs)

	held, err := ticklock.TryAcquire(s.Config.LockFilePath())
	require.NoError(t, err)
	defer held.Release()

	result, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tick lock held", result.Skipped)
	_ = root
}

func TestTickClaimsAndSpawnsPassingBlueprint(t *testing.T) {
	claimed := &task.Task{ID: "t1", State: task.StateClaimed, Prompt: "implement the thing", Flow: "implement", Version: 1}
	fs := &fakeStore{tasks: map[string]*task.Task{"t1": claimed}, claimTask: claimed}
	s, _ := newTestScheduler(t, fs)
	s.Blueprints = blueprint.Set{
		"impl-1": blueprint.Blueprint{Name: "impl-1", Role: "implement", MaxInstances: 1, SpawnMode: blueprint.SpawnTaskBound},
	}

	result, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Claims)
	require.Equal(t, 1, result.Spawns)

	entries, err := s.Pool.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "t1", entries[0].TaskID)
}

func TestTickFallsBackToCachedPollWithinTTL(t *testing.T) {
	claimed := &task.Task{ID: "t1", State: task.StateClaimed, Prompt: "implement the thing", Flow: "implement", Version: 1}
	fs := &fakeStore{tasks: map[string]*task.Task{"t1": claimed}, claimTask: claimed, registered: true}
	s, _ := newTestScheduler(t, fs)
	s.Config.PollCacheTTL = time.Hour
	s.Blueprints = blueprint.Set{
		"impl-1": blueprint.Blueprint{Name: "impl-1", Role: "implement", MaxInstances: 2, SpawnMode: blueprint.SpawnTaskBound},
	}

	// First tick populates the poll cache.
	_, err := s.Tick(context.Background())
	require.NoError(t, err)

	// Second tick can't reach the store but proceeds off the cached summary.
	fs.pollErr = fmt.Errorf("store unreachable")
	result, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Claims)
}

func TestTickSurfacesPollFailureWithNoUsableCache(t *testing.T) {
	fs := &fakeStore{tasks: map[string]*task.Task{}, pollErr: fmt.Errorf("store unreachable")}
	s, _ := newTestScheduler(t, fs)

	_, err := s.Tick(context.Background())
	require.Error(t, err)
}

func TestTickRunsRegisterOrchestratorWhenNotRegistered(t *testing.T) {
	fs := &fakeStore{tasks: map[string]*task.Task{}, registered: false}
	s, _ := newTestScheduler(t, fs)

	_, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.True(t, fs.registerCalled)
}

func TestTickSkipsRegisterOrchestratorWhenAlreadyRegistered(t *testing.T) {
	fs := &fakeStore{tasks: map[string]*task.Task{}, registered: true}
	s, _ := newTestScheduler(t, fs)

	_, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.False(t, fs.registerCalled)
}

func TestRequeueExpiredLeasesReleasesLapsedClaim(t *testing.T) {
	expired := time.Now().Add(-time.Minute)
	tk := &task.Task{ID: "t1", State: task.StateClaimed, ClaimedBy: "orch-1", LeaseExpiresAt: &expired, Version: 1}
	fs := &fakeStore{tasks: map[string]*task.Task{"t1": tk}}
	s, _ := newTestScheduler(t, fs)

	require.NoError(t, s.Pool.Record(pool.Entry{Blueprint: "impl-1", PID: os.Getpid(), TaskID: "t1", StartedAt: time.Now()}))

	require.NoError(t, s.requeueExpiredLeases(context.Background()))
	require.Len(t, fs.updates, 1)
	require.Equal(t, string(task.StateIncoming), fs.updates[0]["state"])
}

func TestRequeueExpiredLeasesLeavesUnexpiredClaimAlone(t *testing.T) {
	future := time.Now().Add(time.Hour)
	tk := &task.Task{ID: "t1", State: task.StateClaimed, ClaimedBy: "orch-1", LeaseExpiresAt: &future, Version: 1}
	fs := &fakeStore{tasks: map[string]*task.Task{"t1": tk}}
	s, _ := newTestScheduler(t, fs)

	require.NoError(t, s.Pool.Record(pool.Entry{Blueprint: "impl-1", PID: os.Getpid(), TaskID: "t1", StartedAt: time.Now()}))

	require.NoError(t, s.requeueExpiredLeases(context.Background()))
	require.Empty(t, fs.updates)
}

func TestCheckFinishedAgentsDispatchesAndReapsPoolEntry(t *testing.T) {
	tk := &task.Task{ID: "t1", State: task.StateClaimed, Flow: "implement", Version: 1}
	fs := &fakeStore{tasks: map[string]*task.Task{"t1": tk}}
	s, _ := newTestScheduler(t, fs)

	sandboxDir := s.Sandbox.Path("t1")
	require.NoError(t, os.MkdirAll(sandboxDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sandboxDir, result.ResultFileName), []byte(`{"outcome":"done"}`), 0o644))

	// A dead PID: a very unlikely-to-be-live value larger than any real PID
	// on a freshly booted test container.
	require.NoError(t, s.Pool.Record(pool.Entry{Blueprint: "impl-1", PID: 999999, TaskID: "t1", StartedAt: time.Now()}))

	require.NoError(t, s.checkFinishedAgents(context.Background()))

	entries, err := s.Pool.Entries()
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Equal(t, task.StateProvisional, tk.State)
}

func TestProcessProvisionalTasksAutoAcceptsMergeableTask(t *testing.T) {
	tk := &task.Task{ID: "t1", State: task.StateProvisional, Flow: "implement", PRNumber: 42, Version: 1}
	fs := &fakeStore{tasks: map[string]*task.Task{"t1": tk}}
	fs.registered = true
	s, _ := newTestScheduler(t, fs)
	s.currentPoll = store.PollSummary{ProvisionalTasks: []store.ProvisionalTask{{TaskID: "t1", PRNumber: 42}}}

	require.NoError(t, s.processProvisionalTasks(context.Background()))
	require.Contains(t, fs.accepted, "t1")
}

func TestProcessProvisionalTasksSkipsWhenGatekeeperBlueprintConfigured(t *testing.T) {
	tk := &task.Task{ID: "t1", State: task.StateProvisional, Flow: "implement", PRNumber: 42, Version: 1}
	fs := &fakeStore{tasks: map[string]*task.Task{"t1": tk}}
	s, _ := newTestScheduler(t, fs)
	s.Blueprints = blueprint.Set{"gatekeeper": blueprint.Blueprint{Name: "gatekeeper", ClaimFrom: "provisional"}}
	s.currentPoll = store.PollSummary{ProvisionalTasks: []store.ProvisionalTask{{TaskID: "t1", PRNumber: 42}}}

	require.NoError(t, s.processProvisionalTasks(context.Background()))
	require.Empty(t, fs.accepted)
}

func TestProcessProvisionalTasksLeavesNonMergeableTaskAlone(t *testing.T) {
	tk := &task.Task{ID: "t1", State: task.StateProvisional, Flow: "implement", PRNumber: 42, Version: 1}
	fs := &fakeStore{tasks: map[string]*task.Task{"t1": tk}}
	s, _ := newTestScheduler(t, fs)
	s.PR = fakePR{mergeable: false}
	s.currentPoll = store.PollSummary{ProvisionalTasks: []store.ProvisionalTask{{TaskID: "t1", PRNumber: 42}}}

	require.NoError(t, s.processProvisionalTasks(context.Background()))
	require.Empty(t, fs.accepted)
}

func TestCheckProjectCompletionRunsChildrenCompleteTransition(t *testing.T) {
	project := &task.Task{ID: "proj-1", State: task.State("children_complete"), Flow: "project", Version: 1}
	fs := &fakeStore{
		tasks:    map[string]*task.Task{"proj-1": project},
		messages: []task.Message{{ID: "m1", TaskID: "proj-1", To: "orch-1", Type: "project_children_complete", Status: "pending"}},
	}
	s, _ := newTestScheduler(t, fs)
	s.Flows["project"] = &flow.Flow{
		Name: "project",
		Transitions: []flow.Transition{
			{From: "children_complete", To: "provisional"},
		},
	}

	require.NoError(t, s.checkProjectCompletion(context.Background()))
	require.Equal(t, task.StateProvisional, project.State)
	require.Equal(t, []string{"m1"}, fs.messageUpdates)
}

func TestNoAgentsRunningTrueWithEmptyPool(t *testing.T) {
	fs := &fakeStore{tasks: map[string]*task.Task{}}
	s, _ := newTestScheduler(t, fs)

	ok, err := s.noAgentsRunning(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNoAgentsRunningFalseWithLiveProcess(t *testing.T) {
	fs := &fakeStore{tasks: map[string]*task.Task{}}
	s, _ := newTestScheduler(t, fs)
	require.NoError(t, s.Pool.Record(pool.Entry{Blueprint: "impl-1", PID: os.Getpid(), StartedAt: time.Now()}))

	ok, err := s.noAgentsRunning(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}
