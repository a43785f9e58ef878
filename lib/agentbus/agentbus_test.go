/*
Copyright 2024 NetCockpit, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package agentbus

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/utils"
)

var testTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

type fakeCommandStore struct {
	mu        sync.Mutex
	rows      map[string]*types.AgentCommand
	completes int
	nextID    int64
}

func newFakeCommandStore() *fakeCommandStore {
	return &fakeCommandStore{rows: make(map[string]*types.AgentCommand)}
}

func (f *fakeCommandStore) InsertAgentCommand(ctx context.Context, c *types.AgentCommand) (*types.AgentCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	row := *c
	row.ID = f.nextID
	row.Status = types.AgentCommandPending
	row.SentAt = time.Now().UTC()
	f.rows[row.CommandID] = &row
	copied := row
	return &copied, nil
}

func (f *fakeCommandStore) GetAgentCommand(ctx context.Context, commandID string) (*types.AgentCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[commandID]
	if !ok {
		return nil, trace.NotFound("agent command %q not found", commandID)
	}
	copied := *row
	return &copied, nil
}

func (f *fakeCommandStore) CompleteAgentCommand(ctx context.Context, commandID string, status types.AgentCommandStatus, output, errMsg string, executionTimeMS *int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[commandID]
	if !ok {
		return trace.NotFound("agent command %q not found", commandID)
	}
	if row.Status.IsTerminal() {
		return trace.CompareFailed("agent command %q is not pending", commandID)
	}
	row.Status = status
	row.Output = output
	row.Error = errMsg
	row.ExecutionTimeMS = executionTimeMS
	now := time.Now().UTC()
	row.CompletedAt = &now
	f.completes++
	return nil
}

func (f *fakeCommandStore) completions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completes
}

func newTestBus(t *testing.T, clock clockwork.Clock) (*Bus, *fakeCommandStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := newFakeCommandStore()
	bus, err := New(Config{Client: client, Store: store, Clock: clock})
	require.NoError(t, err)
	return bus, store, mr
}

// startResponder plays the agent side: it answers the first request on the
// agent's channel with the responses built by respond.
func startResponder(t *testing.T, addr, agentID string, respond func(req Request) []Response) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	sub := client.Subscribe(context.Background(), RequestChannel(agentID))
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	go func() {
		defer sub.Close()
		msg, ok := <-sub.Channel()
		if !ok {
			return
		}
		var req Request
		if err := json.Unmarshal([]byte(msg.Payload), &req); err != nil {
			return
		}
		for _, resp := range respond(req) {
			payload, err := json.Marshal(resp)
			if err != nil {
				return
			}
			client.Publish(context.Background(), ResponseChannel(agentID), payload)
		}
	}()
}

func TestSendCommandPersistsAndPublishes(t *testing.T) {
	ctx := context.Background()
	bus, store, mr := newTestBus(t, clockwork.NewFakeClockAt(testTime))

	listener := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { listener.Close() })
	sub := listener.Subscribe(ctx, RequestChannel("site-1"))
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	messages := sub.Channel()

	row, err := bus.SendCommand(ctx, "site-1", types.AgentCommandGitPull,
		map[string]any{"repository_path": "/opt/app/config", "branch": "main"}, "admin")
	require.NoError(t, err)
	require.NotEmpty(t, row.CommandID)
	require.Equal(t, types.AgentCommandPending, row.Status)
	require.Equal(t, "admin", row.SentBy)

	select {
	case msg := <-messages:
		var req Request
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &req))
		require.Equal(t, row.CommandID, req.CommandID)
		require.Equal(t, types.AgentCommandGitPull, req.Command)
		require.Equal(t, "admin", req.Sender)
		require.Equal(t, testTime.Unix(), req.Timestamp)
		require.Equal(t, "main", req.Params["branch"])
	case <-time.After(5 * time.Second):
		t.Fatal("request was never published")
	}

	stored, err := store.GetAgentCommand(ctx, row.CommandID)
	require.NoError(t, err)
	require.Equal(t, types.AgentCommandPending, stored.Status)
}

func TestSendCommandPublishFailureFinalisesRow(t *testing.T) {
	ctx := context.Background()
	bus, store, mr := newTestBus(t, clockwork.NewFakeClockAt(testTime))
	mr.Close()

	_, err := bus.SendCommand(ctx, "site-1", types.AgentCommandEcho, nil, "admin")
	require.True(t, trace.IsConnectionProblem(err))

	// The one row that was inserted must not be left pending.
	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.rows, 1)
	for _, row := range store.rows {
		require.Equal(t, types.AgentCommandError, row.Status)
	}
}

func TestExecuteRoundTrip(t *testing.T) {
	ctx := context.Background()
	bus, store, mr := newTestBus(t, clockwork.NewFakeClockAt(testTime))

	executionTime := int64(42)
	startResponder(t, mr.Addr(), "site-1", func(req Request) []Response {
		return []Response{{
			CommandID:       req.CommandID,
			Status:          "success",
			Output:          "pong",
			ExecutionTimeMS: &executionTime,
		}}
	})

	row, err := bus.Execute(ctx, "site-1", types.AgentCommandEcho, map[string]any{"message": "ping"}, "admin", time.Minute)
	require.NoError(t, err)
	require.Equal(t, types.AgentCommandSuccess, row.Status)
	require.Equal(t, "pong", row.Output)
	require.NotNil(t, row.ExecutionTimeMS)
	require.Equal(t, executionTime, *row.ExecutionTimeMS)
	require.NotNil(t, row.CompletedAt)
	require.Equal(t, 1, store.completions())
}

func TestExecuteAgentError(t *testing.T) {
	ctx := context.Background()
	bus, _, mr := newTestBus(t, clockwork.NewFakeClockAt(testTime))

	startResponder(t, mr.Addr(), "site-1", func(req Request) []Response {
		return []Response{{CommandID: req.CommandID, Status: "error", Error: "repository path not allowed"}}
	})

	row, err := bus.Execute(ctx, "site-1", types.AgentCommandGitPull,
		map[string]any{"repository_path": "/etc"}, "admin", time.Minute)
	require.NoError(t, err)
	require.Equal(t, types.AgentCommandError, row.Status)
	require.Equal(t, "repository path not allowed", row.Error)
}

func TestExecuteDuplicateResponsesDropped(t *testing.T) {
	ctx := context.Background()
	bus, store, mr := newTestBus(t, clockwork.NewFakeClockAt(testTime))

	startResponder(t, mr.Addr(), "site-1", func(req Request) []Response {
		return []Response{
			{CommandID: req.CommandID, Status: "success", Output: "first"},
			{CommandID: req.CommandID, Status: "success", Output: "second"},
		}
	})

	row, err := bus.Execute(ctx, "site-1", types.AgentCommandEcho, nil, "admin", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "first", row.Output)
	require.Equal(t, 1, store.completions())

	// A late duplicate hitting the store directly is rejected by the
	// write-once update.
	err = store.CompleteAgentCommand(ctx, row.CommandID, types.AgentCommandSuccess, "second", "", nil)
	require.True(t, trace.IsCompareFailed(err))
}

func TestExecuteIgnoresOtherCommands(t *testing.T) {
	ctx := context.Background()
	bus, _, mr := newTestBus(t, clockwork.NewFakeClockAt(testTime))

	startResponder(t, mr.Addr(), "site-1", func(req Request) []Response {
		return []Response{
			{CommandID: "someone-elses-command", Status: "success", Output: "not yours"},
			{CommandID: req.CommandID, Status: "success", Output: "yours"},
		}
	})

	row, err := bus.Execute(ctx, "site-1", types.AgentCommandEcho, nil, "admin", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "yours", row.Output)
}

func TestWaitForResponseTimeout(t *testing.T) {
	ctx := context.Background()
	bus, _, _ := newTestBus(t, clockwork.NewRealClock())

	row, err := bus.SendCommand(ctx, "site-1", types.AgentCommandEcho, nil, "admin")
	require.NoError(t, err)

	got, err := bus.WaitForResponse(ctx, row.CommandID, 50*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, types.AgentCommandTimeout, got.Status)
	require.Contains(t, got.Error, "timed out")
}

func TestWaitForResponseAlreadyFinalised(t *testing.T) {
	ctx := context.Background()
	bus, store, _ := newTestBus(t, clockwork.NewFakeClockAt(testTime))

	row, err := bus.SendCommand(ctx, "site-1", types.AgentCommandEcho, nil, "admin")
	require.NoError(t, err)
	require.NoError(t, store.CompleteAgentCommand(ctx, row.CommandID, types.AgentCommandSuccess, "done", "", nil))

	got, err := bus.WaitForResponse(ctx, row.CommandID, time.Minute)
	require.NoError(t, err)
	require.Equal(t, types.AgentCommandSuccess, got.Status)
	require.Equal(t, "done", got.Output)
}

func TestWaitForResponseUnknownCommand(t *testing.T) {
	bus, _, _ := newTestBus(t, clockwork.NewFakeClockAt(testTime))
	_, err := bus.WaitForResponse(context.Background(), "no-such-id", time.Minute)
	require.True(t, trace.IsNotFound(err))
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(testTime)
	bus, _, _ := newTestBus(t, clock)

	require.NoError(t, bus.Heartbeat(ctx, types.AgentInfo{
		AgentID:          "site-1",
		Status:           types.AgentOnline,
		LastHeartbeat:    testTime.Add(-5 * time.Second),
		Version:          "1.2.0",
		Capabilities:     []string{"echo", "git_pull", "docker_restart"},
		StartedAt:        testTime.Add(-time.Hour),
		CommandsExecuted: 17,
	}))
	require.NoError(t, bus.Heartbeat(ctx, types.AgentInfo{
		AgentID:       "site-2",
		Status:        types.AgentOnline,
		LastHeartbeat: testTime.Add(-2 * time.Minute),
	}))

	agents, err := bus.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)

	require.Equal(t, "site-1", agents[0].AgentID)
	require.Equal(t, types.AgentOnline, agents[0].Status)
	require.Equal(t, []string{"echo", "git_pull", "docker_restart"}, agents[0].Capabilities)
	require.Equal(t, int64(17), agents[0].CommandsExecuted)
	require.Equal(t, testTime.Add(-5*time.Second), agents[0].LastHeartbeat)

	// Stale heartbeat overrides the claimed status.
	require.Equal(t, "site-2", agents[1].AgentID)
	require.Equal(t, types.AgentOffline, agents[1].Status)

	online, err := bus.IsAgentOnline(ctx, "site-1")
	require.NoError(t, err)
	require.True(t, online)

	online, err = bus.IsAgentOnline(ctx, "site-2")
	require.NoError(t, err)
	require.False(t, online)

	online, err = bus.IsAgentOnline(ctx, "never-seen")
	require.NoError(t, err)
	require.False(t, online)

	_, err = bus.GetAgent(ctx, "never-seen")
	require.True(t, trace.IsNotFound(err))
}
