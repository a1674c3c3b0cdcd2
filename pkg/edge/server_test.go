package edge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiary-io/apiary/pkg/types"
)

func newTestServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	feed, err := OpenLog(filepath.Join(t.TempDir(), "edge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { feed.Close() })

	ts := httptest.NewServer(NewServer(feed, token).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func call(t *testing.T, ts *httptest.Server, path, clientID, token string, body interface{}, out interface{}) int {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if clientID != "" {
		req.Header.Set("X-Client-Id", clientID)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func push(t *testing.T, ts *httptest.Server, clientID, token string, changes ...*types.ChangeLogEntry) types.PushResponse {
	t.Helper()
	var resp types.PushResponse
	status := call(t, ts, "/push", clientID, token, types.PushRequest{ClientID: clientID, Changes: changes}, &resp)
	require.Equal(t, http.StatusOK, status)
	return resp
}

func pull(t *testing.T, ts *httptest.Server, clientID, token, cursor string, req types.PullRequest) types.PullResponse {
	t.Helper()
	req.ClientID = clientID
	path := "/pull"
	if cursor != "" {
		path += "?cursor=" + cursor
	}
	var resp types.PullResponse
	status := call(t, ts, path, clientID, token, req, &resp)
	require.Equal(t, http.StatusOK, status)
	return resp
}

func change(id, entityID string, stamp time.Time) *types.ChangeLogEntry {
	return &types.ChangeLogEntry{
		ID:         id,
		EntityType: types.EntityTask,
		EntityID:   entityID,
		Operation:  types.OpUpdate,
		Timestamp:  stamp.UnixMilli(),
		Payload:    json.RawMessage(fmt.Sprintf(`{"id":%q}`, entityID)),
	}
}

// TestHealthEndpoint verifies both probe methods answer without auth.
func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, "secret")

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])

	head, err := http.Head(ts.URL + "/health")
	require.NoError(t, err)
	head.Body.Close()
	assert.Equal(t, http.StatusOK, head.StatusCode)
}

// TestAuthentication verifies the bearer check and the client id
// requirement on the sync routes.
func TestAuthentication(t *testing.T) {
	ts := newTestServer(t, "secret")

	status := call(t, ts, "/push", "client-a", "", types.PushRequest{}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status = call(t, ts, "/push", "client-a", "wrong", types.PushRequest{}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status = call(t, ts, "/push", "", "secret", types.PushRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status = call(t, ts, "/push", "client-a", "secret", types.PushRequest{}, nil)
	assert.Equal(t, http.StatusOK, status)

	t.Run("open server skips the token check", func(t *testing.T) {
		open := newTestServer(t, "")
		status := call(t, open, "/push", "client-a", "", types.PushRequest{}, nil)
		assert.Equal(t, http.StatusOK, status)
	})
}

// TestPushAcceptAndReplay verifies accepted changes are stored once
// and replays of the same id are acknowledged without a second row.
func TestPushAcceptAndReplay(t *testing.T) {
	feed, err := OpenLog(filepath.Join(t.TempDir(), "edge.db"))
	require.NoError(t, err)
	defer feed.Close()
	ts := httptest.NewServer(NewServer(feed, "").Handler())
	defer ts.Close()

	now := time.Now()
	first := change("change-1", "task-1", now)
	second := change("change-2", "task-2", now)

	resp := push(t, ts, "client-a", "", first, second)
	assert.True(t, resp.Success)
	assert.Equal(t, []string{"change-1", "change-2"}, resp.Accepted)
	assert.Empty(t, resp.Rejected)

	resp = push(t, ts, "client-a", "", first)
	assert.True(t, resp.Success)
	assert.Equal(t, []string{"change-1"}, resp.Accepted)

	count, err := feed.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

// TestPushConflict verifies a stale change from another client is
// refused with the current copy attached, while a newer one and the
// owner's own rewrites land.
func TestPushConflict(t *testing.T) {
	ts := newTestServer(t, "")
	now := time.Now()

	push(t, ts, "client-a", "", change("a-1", "task-1", now))

	t.Run("stale change refused with conflict echo", func(t *testing.T) {
		resp := push(t, ts, "client-b", "", change("b-1", "task-1", now.Add(-time.Hour)))
		assert.False(t, resp.Success)
		assert.Empty(t, resp.Accepted)
		require.Len(t, resp.Rejected, 1)
		assert.Equal(t, "b-1", resp.Rejected[0].ID)
		require.NotNil(t, resp.Rejected[0].Conflict)
		assert.Equal(t, "a-1", resp.Rejected[0].Conflict.ID)
	})

	t.Run("newer change from another client lands", func(t *testing.T) {
		resp := push(t, ts, "client-b", "", change("b-2", "task-1", now.Add(time.Hour)))
		assert.True(t, resp.Success)
		assert.Equal(t, []string{"b-2"}, resp.Accepted)
	})

	t.Run("a client may rewind its own entity", func(t *testing.T) {
		resp := push(t, ts, "client-b", "", change("b-3", "task-1", now.Add(-2*time.Hour)))
		assert.True(t, resp.Success)
	})
}

// TestPullExcludesOwnChanges verifies a client never receives back
// what it pushed itself.
func TestPullExcludesOwnChanges(t *testing.T) {
	ts := newTestServer(t, "")
	now := time.Now()

	push(t, ts, "client-a", "", change("a-1", "task-1", now), change("a-2", "task-2", now))
	push(t, ts, "client-b", "", change("b-1", "task-3", now))

	resp := pull(t, ts, "client-a", "", "", types.PullRequest{Limit: 50})
	require.Len(t, resp.Changes, 1)
	assert.Equal(t, "b-1", resp.Changes[0].ID)
	assert.False(t, resp.HasMore)
	assert.Equal(t, int64(3), resp.LatestVersion)

	resp = pull(t, ts, "client-b", "", "", types.PullRequest{Limit: 50})
	require.Len(t, resp.Changes, 2)
	assert.Equal(t, "a-1", resp.Changes[0].ID)
	assert.Equal(t, "a-2", resp.Changes[1].ID)
}

// TestPullPaging verifies cursor paging walks the feed in arrival
// order without gaps or repeats.
func TestPullPaging(t *testing.T) {
	ts := newTestServer(t, "")
	now := time.Now()

	var pushedIDs []string
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("a-%d", i)
		pushedIDs = append(pushedIDs, id)
		push(t, ts, "client-a", "", change(id, fmt.Sprintf("task-%d", i), now))
	}

	var got []string
	cursor := ""
	pages := 0
	for {
		resp := pull(t, ts, "client-b", "", cursor, types.PullRequest{Limit: 2})
		pages++
		for _, c := range resp.Changes {
			got = append(got, c.ID)
		}
		if !resp.HasMore {
			break
		}
		require.NotEmpty(t, resp.NextCursor)
		cursor = resp.NextCursor
	}

	assert.Equal(t, pushedIDs, got)
	assert.Equal(t, 3, pages)
}

// TestPullSince verifies lastSyncAt bounds the first page by arrival
// time and sinceVersion resumes past a known version.
func TestPullSince(t *testing.T) {
	ts := newTestServer(t, "")
	now := time.Now()

	push(t, ts, "client-a", "", change("a-1", "task-1", now), change("a-2", "task-2", now))
	time.Sleep(10 * time.Millisecond)
	stamp := time.Now().UTC()
	time.Sleep(10 * time.Millisecond)
	push(t, ts, "client-a", "", change("a-3", "task-3", now))

	resp := pull(t, ts, "client-b", "", "", types.PullRequest{LastSyncAt: &stamp, Limit: 50})
	require.Len(t, resp.Changes, 1)
	assert.Equal(t, "a-3", resp.Changes[0].ID)

	since := int64(2)
	resp = pull(t, ts, "client-b", "", "", types.PullRequest{SinceVersion: &since, Limit: 50})
	require.Len(t, resp.Changes, 1)
	assert.Equal(t, "a-3", resp.Changes[0].ID)
}

// TestPullEntityTypeFilter verifies the feed honors the requested
// entity types.
func TestPullEntityTypeFilter(t *testing.T) {
	ts := newTestServer(t, "")
	now := time.Now()

	push(t, ts, "client-a", "", change("a-1", "task-1", now))
	memo := &types.ChangeLogEntry{
		ID:         "a-2",
		EntityType: types.EntityMemory,
		EntityID:   "memory-1",
		Operation:  types.OpCreate,
		Timestamp:  now.UnixMilli(),
	}
	push(t, ts, "client-a", "", memo)

	resp := pull(t, ts, "client-b", "", "", types.PullRequest{
		EntityTypes: []types.EntityType{types.EntityMemory},
		Limit:       50,
	})
	require.Len(t, resp.Changes, 1)
	assert.Equal(t, "a-2", resp.Changes[0].ID)
}
