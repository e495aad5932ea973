// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/synchrotron/internal/caching"
	"github.com/element-hq/synchrotron/internal/httputil"
	"github.com/element-hq/synchrotron/setup/config"
	syncinternal "github.com/element-hq/synchrotron/syncapi/internal"
	"github.com/element-hq/synchrotron/syncapi/mailbox"
	"github.com/element-hq/synchrotron/syncapi/notifier"
	"github.com/element-hq/synchrotron/syncapi/sync"
	"github.com/element-hq/synchrotron/syncapi/synctypes"
	"github.com/element-hq/synchrotron/syncapi/timeline"
	"github.com/element-hq/synchrotron/syncapi/types"
	"github.com/element-hq/synchrotron/syncapi/userdata"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

const (
	alice = "@alice:test"
	bob   = "@bob:test"
	roomA = "!a:test"
)

type memFilterDB struct {
	mu      gosync.Mutex
	filters map[string]synctypes.Filter
}

func (db *memFilterDB) PutFilter(_ context.Context, userID string, filter *synctypes.Filter) (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	id := strconv.Itoa(len(db.filters) + 1)
	db.filters[userID+"/"+id] = *filter
	return id, nil
}

func (db *memFilterDB) GetFilter(_ context.Context, userID, filterID string) (*synctypes.Filter, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	f, ok := db.filters[userID+"/"+filterID]
	if !ok {
		return nil, types.ErrUnknownFilter
	}
	return &f, nil
}

type staticDevices map[string]*userapi.Device

func (d staticDevices) QueryDevice(_ context.Context, token string) (*userapi.Device, error) {
	if dev, ok := d[token]; ok {
		return dev, nil
	}
	return nil, userapi.ErrUnknownToken
}

func (d staticDevices) QueryDeviceIDs(_ context.Context, userID string) ([]string, error) {
	var ids []string
	for _, dev := range d {
		if dev.UserID == userID {
			ids = append(ids, dev.ID)
		}
	}
	return ids, nil
}

type testServer struct {
	router  http.Handler
	rooms   *timeline.Store
	mailbox *mailbox.Mailbox
}

func newTestServer(t *testing.T, rateLimiting config.RateLimiting) *testServer {
	t.Helper()
	cfg := &config.SyncAPI{}
	cfg.Defaults(config.DefaultOpts{})

	devices := staticDevices{
		"alice_token":  {UserID: alice, ID: "ALICE1", AccountType: userapi.AccountTypeUser},
		"alice_token2": {UserID: alice, ID: "ALICE2", AccountType: userapi.AccountTypeUser},
		"bob_token":    {UserID: bob, ID: "BOB1", AccountType: userapi.AccountTypeUser},
	}
	rooms := timeline.NewStore(nil)
	mbox := mailbox.New(nil, time.Minute)
	presence := userdata.NewPresenceStore(nil)
	accountData := userdata.NewAccountDataStore(nil)
	n := notifier.NewNotifier(rooms)
	rooms.SetObserver(n)
	mbox.SetObserver(n)
	presence.SetObserver(n)
	accountData.SetObserver(n)
	filters := syncinternal.NewFilters(&memFilterDB{filters: map[string]synctypes.Filter{}}, caching.NewCaches(time.Minute))
	rateLimits := httputil.NewRateLimits(&rateLimiting)
	t.Cleanup(rateLimits.Stop)

	router := httputil.NewRouter()
	Setup(router.PathPrefix(httputil.PublicClientPathPrefix).Subrouter(), &Dependencies{
		RequestPool: sync.NewRequestPool(cfg, "epoch", rooms, mbox, presence, accountData, n, filters),
		Timeline:    rooms,
		Filters:     filters,
		Mailbox:     mbox,
		AccountData: accountData,
		Devices:     devices,
		DeviceIDs:   devices,
		RateLimits:  rateLimits,
	})
	return &testServer{router: router, rooms: rooms, mailbox: mbox}
}

func (s *testServer) do(t *testing.T, method, path, token, body string) (int, map[string]json.RawMessage) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, "http://localhost/_matrix/client/v3"+path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	var res map[string]json.RawMessage
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res), rec.Body.String())
	}
	return rec.Code, res
}

func errcode(res map[string]json.RawMessage) string {
	var code string
	_ = json.Unmarshal(res["errcode"], &code)
	return code
}

func (s *testServer) append(t *testing.T, ev *synctypes.ClientEvent) {
	t.Helper()
	_, err := s.rooms.Append(context.Background(), ev)
	require.NoError(t, err)
}

func event(id, roomID, sender, eventType string, stateKey *string, content string) *synctypes.ClientEvent {
	return &synctypes.ClientEvent{
		EventID:  id,
		RoomID:   roomID,
		Sender:   sender,
		Type:     eventType,
		StateKey: stateKey,
		Content:  spec.RawJSON(content),
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, config.RateLimiting{})

	code, res := s.do(t, http.MethodGet, "/sync", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "M_MISSING_TOKEN", errcode(res))

	code, res = s.do(t, http.MethodGet, "/sync", "nope", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "M_UNKNOWN_TOKEN", errcode(res))

	code, res = s.do(t, http.MethodGet, "/nonexistent", "alice_token", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "M_UNRECOGNIZED", errcode(res))
}

func TestSyncRoute(t *testing.T) {
	s := newTestServer(t, config.RateLimiting{})
	s.append(t, event("$join", roomA, alice, synctypes.MRoomMember, synctypes.StrPtr(alice), `{"membership":"join"}`))

	code, res := s.do(t, http.MethodGet, "/sync?timeout=0", "alice_token", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(res["rooms"]), roomA)
	assert.NotEmpty(t, res["next_batch"])

	code, res = s.do(t, http.MethodGet, "/sync?since=garbage", "alice_token", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "M_INVALID_PARAM", errcode(res))
}

func TestFilters(t *testing.T) {
	s := newTestServer(t, config.RateLimiting{})

	code, res := s.do(t, http.MethodPost, "/user/"+alice+"/filter", "alice_token",
		`{"room":{"rooms":["!a:test"]},"presence":{"not_types":["*"]}}`)
	require.Equal(t, http.StatusOK, code)
	var filterID string
	require.NoError(t, json.Unmarshal(res["filter_id"], &filterID))
	require.NotEmpty(t, filterID)

	code, res = s.do(t, http.MethodGet, "/user/"+alice+"/filter/"+filterID, "alice_token", "")
	require.Equal(t, http.StatusOK, code)
	var room synctypes.RoomFilter
	require.NoError(t, json.Unmarshal(res["room"], &room))
	require.NotNil(t, room.Rooms)
	assert.Equal(t, []string{roomA}, *room.Rooms)
	assert.Equal(t, synctypes.DefaultFilter().Room.Timeline.Limit, room.Timeline.Limit)

	// The filter can be used by ID in a sync.
	code, _ = s.do(t, http.MethodGet, "/sync?filter="+filterID, "alice_token", "")
	assert.Equal(t, http.StatusOK, code)

	tests := []struct {
		name     string
		method   string
		path     string
		token    string
		body     string
		wantCode int
		wantErr  string
	}{
		{"unknown filter", http.MethodGet, "/user/" + alice + "/filter/999", "alice_token", "", http.StatusNotFound, "M_NOT_FOUND"},
		{"other user's filter", http.MethodGet, "/user/" + alice + "/filter/" + filterID, "bob_token", "", http.StatusForbidden, "M_FORBIDDEN"},
		{"create for other user", http.MethodPost, "/user/" + alice + "/filter", "bob_token", `{}`, http.StatusForbidden, "M_FORBIDDEN"},
		{"invalid event_format", http.MethodPost, "/user/" + alice + "/filter", "alice_token", `{"event_format":"xml"}`, http.StatusBadRequest, "M_BAD_JSON"},
		{"wrong type", http.MethodPost, "/user/" + alice + "/filter", "alice_token", `{"room":{"rooms":"!a:test"}}`, http.StatusBadRequest, "M_BAD_JSON"},
		{"not json", http.MethodPost, "/user/" + alice + "/filter", "alice_token", `{`, http.StatusBadRequest, "M_NOT_JSON"},
		{"unknown filter in sync", http.MethodGet, "/sync?filter=999", "alice_token", "", http.StatusNotFound, "M_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, res := s.do(t, tt.method, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantErr, errcode(res))
		})
	}
}

func TestContext(t *testing.T) {
	s := newTestServer(t, config.RateLimiting{})
	s.append(t, event("$join", roomA, alice, synctypes.MRoomMember, synctypes.StrPtr(alice), `{"membership":"join"}`))
	for i := 1; i <= 5; i++ {
		s.append(t, event(fmt.Sprintf("$e%d", i), roomA, alice, "m.room.message", nil, fmt.Sprintf(`{"body":"e%d"}`, i)))
	}

	code, res := s.do(t, http.MethodGet, "/rooms/"+roomA+"/context/$e3?limit=1", "alice_token", "")
	require.Equal(t, http.StatusOK, code)
	var ev synctypes.ClientEvent
	require.NoError(t, json.Unmarshal(res["event"], &ev))
	assert.Equal(t, "$e3", ev.EventID)
	var before, after, state []synctypes.ClientEvent
	require.NoError(t, json.Unmarshal(res["events_before"], &before))
	require.NoError(t, json.Unmarshal(res["events_after"], &after))
	require.NoError(t, json.Unmarshal(res["state"], &state))
	require.Len(t, before, 1)
	require.Len(t, after, 1)
	assert.Equal(t, "$e2", before[0].EventID)
	assert.Equal(t, "$e4", after[0].EventID)
	require.Len(t, state, 1)
	assert.Equal(t, "$join", state[0].EventID)
	assert.NotEmpty(t, res["start"])
	assert.NotEmpty(t, res["end"])

	// Default limit covers everything here.
	code, res = s.do(t, http.MethodGet, "/rooms/"+roomA+"/context/$e3", "alice_token", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(res["events_before"], &before))
	assert.Len(t, before, 3)

	code, res = s.do(t, http.MethodGet, "/rooms/"+roomA+"/context/$e3", "bob_token", "")
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "M_FORBIDDEN", errcode(res))

	code, res = s.do(t, http.MethodGet, "/rooms/"+roomA+"/context/$missing", "alice_token", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "M_NOT_FOUND", errcode(res))

	for _, limit := range []string{"abc", "-1"} {
		code, res = s.do(t, http.MethodGet, "/rooms/"+roomA+"/context/$e3?limit="+limit, "alice_token", "")
		assert.Equal(t, http.StatusBadRequest, code, limit)
		assert.Equal(t, "M_INVALID_PARAM", errcode(res), limit)
	}
}

func TestSendToDevice(t *testing.T) {
	s := newTestServer(t, config.RateLimiting{})

	body := `{"messages":{"@alice:test":{"*":{"n":1}},"@bob:test":{"BOB1":{"n":2}}}}`
	code, _ := s.do(t, http.MethodPut, "/sendToDevice/m.test/txn1", "bob_token", body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, s.mailbox.Pending(alice, "ALICE1"))
	assert.Equal(t, 1, s.mailbox.Pending(alice, "ALICE2"))
	assert.Equal(t, 1, s.mailbox.Pending(bob, "BOB1"))

	// A retried transaction is not delivered twice.
	code, _ = s.do(t, http.MethodPut, "/sendToDevice/m.test/txn1", "bob_token", body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, s.mailbox.Pending(alice, "ALICE1"))

	code, _ = s.do(t, http.MethodPut, "/sendToDevice/m.test/txn2", "bob_token", body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, s.mailbox.Pending(alice, "ALICE1"))

	entries := s.mailbox.Drain(alice, "ALICE1", 0, s.mailbox.Latest(), 10)
	require.Len(t, entries, 2)
	assert.Equal(t, bob, entries[0].Sender)
	assert.Equal(t, "m.test", entries[0].Type)
	assert.JSONEq(t, `{"n":1}`, string(entries[0].Content))

	code, res := s.do(t, http.MethodPut, "/sendToDevice/m.test/txn3", "bob_token", `{"messages":{"not-a-user":{"X":{}}}}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "M_INVALID_PARAM", errcode(res))

	code, res = s.do(t, http.MethodPut, "/sendToDevice/m.test/txn4", "bob_token", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "M_NOT_JSON", errcode(res))
}

func TestSendToDeviceRateLimited(t *testing.T) {
	s := newTestServer(t, config.RateLimiting{
		Enabled:   true,
		Threshold: 1,
		CooloffMS: 60000,
	})
	body := `{"messages":{"@alice:test":{"ALICE1":{}}}}`
	code, _ := s.do(t, http.MethodPut, "/sendToDevice/m.test/a", "bob_token", body)
	require.Equal(t, http.StatusOK, code)
	code, res := s.do(t, http.MethodPut, "/sendToDevice/m.test/b", "bob_token", body)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "M_LIMIT_EXCEEDED", errcode(res))
	assert.NotEmpty(t, res["retry_after_ms"])

	// Sync is not rate limited.
	for i := 0; i < 3; i++ {
		code, _ = s.do(t, http.MethodGet, "/sync", "bob_token", "")
		assert.Equal(t, http.StatusOK, code)
	}
}

func TestTags(t *testing.T) {
	s := newTestServer(t, config.RateLimiting{})
	tagsPath := "/user/" + alice + "/rooms/" + roomA + "/tags"

	code, res := s.do(t, http.MethodGet, tagsPath, "alice_token", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{}`, string(res["tags"]))

	code, _ = s.do(t, http.MethodPut, tagsPath+"/m.favourite", "alice_token", `{"order":0.5}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = s.do(t, http.MethodPut, tagsPath+"/u.work", "alice_token", `{}`)
	require.Equal(t, http.StatusOK, code)

	code, res = s.do(t, http.MethodGet, tagsPath, "alice_token", "")
	require.Equal(t, http.StatusOK, code)
	var tags map[string]synctypes.TagProperties
	require.NoError(t, json.Unmarshal(res["tags"], &tags))
	require.Len(t, tags, 2)
	require.NotNil(t, tags["m.favourite"].Order)
	assert.Equal(t, 0.5, *tags["m.favourite"].Order)

	code, _ = s.do(t, http.MethodDelete, tagsPath+"/u.work", "alice_token", "")
	require.Equal(t, http.StatusOK, code)
	code, _ = s.do(t, http.MethodDelete, tagsPath+"/u.missing", "alice_token", "")
	require.Equal(t, http.StatusOK, code)

	code, res = s.do(t, http.MethodGet, tagsPath, "alice_token", "")
	require.Equal(t, http.StatusOK, code)
	tags = nil
	require.NoError(t, json.Unmarshal(res["tags"], &tags))
	assert.Len(t, tags, 1)
	assert.Contains(t, tags, "m.favourite")

	code, res = s.do(t, http.MethodGet, tagsPath, "bob_token", "")
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "M_FORBIDDEN", errcode(res))
	code, _ = s.do(t, http.MethodPut, tagsPath+"/x", "bob_token", `{}`)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = s.do(t, http.MethodDelete, tagsPath+"/x", "bob_token", "")
	assert.Equal(t, http.StatusForbidden, code)
}

func TestAccountData(t *testing.T) {
	s := newTestServer(t, config.RateLimiting{})
	global := "/user/" + alice + "/account_data/im.test"
	room := "/user/" + alice + "/rooms/" + roomA + "/account_data/im.test"

	code, res := s.do(t, http.MethodGet, global, "alice_token", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "M_NOT_FOUND", errcode(res))

	code, _ = s.do(t, http.MethodPut, global, "alice_token", `{"scope":"global"}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = s.do(t, http.MethodPut, room, "alice_token", `{"scope":"room"}`)
	require.Equal(t, http.StatusOK, code)

	code, res = s.do(t, http.MethodGet, global, "alice_token", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `"global"`, string(res["scope"]))
	code, res = s.do(t, http.MethodGet, room, "alice_token", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `"room"`, string(res["scope"]))

	tests := []struct {
		name     string
		method   string
		path     string
		token    string
		body     string
		wantCode int
		wantErr  string
	}{
		{"other user get", http.MethodGet, global, "bob_token", "", http.StatusForbidden, "M_FORBIDDEN"},
		{"other user put", http.MethodPut, global, "bob_token", `{}`, http.StatusForbidden, "M_FORBIDDEN"},
		{"push rules", http.MethodPut, "/user/" + alice + "/account_data/m.push_rules", "alice_token", `{}`, http.StatusForbidden, "M_FORBIDDEN"},
		{"not json", http.MethodPut, global, "alice_token", `nope`, http.StatusBadRequest, "M_NOT_JSON"},
		{"bad tag content", http.MethodPut, "/user/" + alice + "/rooms/" + roomA + "/account_data/m.tag", "alice_token", `{"tags":"nope"}`, http.StatusBadRequest, "M_BAD_JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, res := s.do(t, tt.method, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantErr, errcode(res))
		})
	}
}
