// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"golang.org/x/sync/errgroup"

	"github.com/element-hq/synchrotron/internal"
	"github.com/element-hq/synchrotron/syncapi/synctypes"
	"github.com/element-hq/synchrotron/syncapi/timeline"
	"github.com/element-hq/synchrotron/syncapi/types"
)

// roomConcurrency bounds how many rooms of one response are built at once.
const roomConcurrency = 8

// strippedStateTypes are the state events copied into invite_state.
var strippedStateTypes = []string{
	synctypes.MRoomCreate,
	synctypes.MRoomName,
	synctypes.MRoomAvatar,
	synctypes.MRoomJoinRules,
	synctypes.MRoomCanonicalAlias,
	synctypes.MRoomEncryption,
}

// roomResult is what building one room contributes to a response.
type roomResult struct {
	roomID string
	// keep is true if the room belongs in the next cursor at pos.
	keep   bool
	pos    types.StreamPosition
	joined bool
	join   *types.JoinResponse
	invite *types.InviteResponse
	leave  *types.LeaveResponse
}

// buildResponse computes the response for req against the current state of
// every store. It never blocks on new data.
func (rp *RequestPool) buildResponse(ctx context.Context, req *types.SyncRequest) (*types.Response, error) {
	region, ctx := internal.StartRegion(ctx, "buildResponse")
	defer region.EndRegion()

	var since types.StreamingToken
	if req.Since != nil {
		since = *req.Since
	}
	// Non-room streams are bounded up front. Each room is bounded by the
	// snapshot taken when it is built.
	next := types.StreamingToken{
		Epoch:                rp.epoch,
		Rooms:                map[string]types.StreamPosition{},
		AccountDataPosition:  rp.accountData.Latest(),
		PresencePosition:     rp.presence.Latest(),
		SendToDevicePosition: rp.mailbox.Latest(),
	}
	res := types.NewResponse()

	joined, err := rp.buildRooms(ctx, req, since, res, &next)
	if err != nil {
		return nil, err
	}
	rp.buildAccountData(req, since, next.AccountDataPosition, joined, res)
	rp.buildPresence(req, since, next.PresencePosition, res)
	next.SendToDevicePosition = rp.buildToDevice(req, since, next.SendToDevicePosition, res)

	// Positions never move backwards, even if a stream was restored from an
	// older journal than the cursor was issued from.
	next.ApplyUpdates(since)
	next.Epoch = rp.epoch
	res.NextBatch = next
	return res, nil
}

// buildRooms fills in the rooms section and the room positions of next.
// It returns the rooms the user is joined to that the filter allows.
func (rp *RequestPool) buildRooms(
	ctx context.Context, req *types.SyncRequest, since types.StreamingToken,
	res *types.Response, next *types.StreamingToken,
) (map[string]bool, error) {
	userID := req.Device.UserID
	roomIDs := make([]string, 0, len(since.Rooms))
	for roomID := range rp.timeline.MembershipsForUser(userID) {
		roomIDs = append(roomIDs, roomID)
	}
	for roomID := range since.Rooms {
		if !slices.Contains(roomIDs, roomID) {
			roomIDs = append(roomIDs, roomID)
		}
	}
	sort.Strings(roomIDs)

	results := make([]roomResult, len(roomIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(roomConcurrency)
	for i, roomID := range roomIDs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := rp.buildRoom(req, since, rp.timeline.Snapshot(roomID))
			if err != nil {
				return fmt.Errorf("room %s: %w", roomID, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	joined := map[string]bool{}
	for _, r := range results {
		if r.keep {
			next.Rooms[r.roomID] = r.pos
		}
		if r.joined {
			joined[r.roomID] = true
		}
		switch {
		case r.join != nil:
			res.Rooms.Join[r.roomID] = r.join
		case r.invite != nil:
			res.Rooms.Invite[r.roomID] = r.invite
		case r.leave != nil:
			res.Rooms.Leave[r.roomID] = r.leave
		}
	}
	return joined, nil
}

// buildRoom works out what one room contributes, reading only from snap.
func (rp *RequestPool) buildRoom(req *types.SyncRequest, since types.StreamingToken, snap *timeline.Snapshot) (roomResult, error) {
	filter := req.Filter
	userID := req.Device.UserID
	roomID := snap.RoomID()
	pos := snap.Position()
	sincePos, known := since.RoomPosition(roomID)
	if sincePos > pos {
		// The cursor is ahead of the store; never move backwards.
		pos = sincePos
	}
	membership, memberSeq := snap.MembershipAt(userID, pos)
	// A room is new to the client unless since already saw the user joined.
	newlyJoined := !known
	if known && membership == spec.Join && memberSeq > sincePos {
		if before, _ := snap.MembershipAt(userID, sincePos); before != spec.Join {
			newlyJoined = true
		}
	}
	fullState := req.IsInitial() || req.WantFullState || newlyJoined
	allowed := filter.AllowsRoom(roomID)

	r := roomResult{roomID: roomID}
	switch membership {
	case spec.Join:
		r.keep, r.pos, r.joined = true, pos, allowed
		if !allowed {
			return r, nil
		}
		lower := sincePos
		if newlyJoined || req.IsInitial() {
			lower = visibleFrom(snap, userID, memberSeq)
		}
		tl, err := rp.roomTimeline(filter, snap, lower, pos)
		if err != nil {
			return r, err
		}
		var state []*synctypes.ClientEvent
		if fullState {
			state = snap.StateEventsAt(pos)
		} else {
			state = withoutTimelineEvents(snap.StateEventsBetween(sincePos, pos), tl.Events)
		}
		jr := types.NewJoinResponse()
		jr.Timeline = tl
		if jr.State.Events, err = rp.filterState(filter, state); err != nil {
			return r, err
		}
		if fullState || !jr.IsEmpty() {
			r.join = jr
		}

	case spec.Invite:
		r.keep, r.pos = true, pos
		if !allowed {
			return r, nil
		}
		if fullState || memberSeq > sincePos {
			ir := types.NewInviteResponse()
			ir.InviteState.Events = strippedState(snap, memberSeq)
			r.invite = ir
		}

	case spec.Leave, spec.Ban:
		// A left room stays in the cursor at the leave so that the leave
		// is reported once and positions stay monotonic.
		switch {
		case known:
			r.keep, r.pos = true, max(sincePos, memberSeq)
			if !allowed || memberSeq <= sincePos {
				if req.WantFullState && filter.IncludeLeave() && allowed {
					lr, err := rp.leaveResponse(filter, snap, 0, memberSeq, true)
					if err != nil {
						return r, err
					}
					r.leave = lr
				}
				return r, nil
			}
			lr, err := rp.leaveResponse(filter, snap, sincePos, memberSeq, req.WantFullState)
			if err != nil {
				return r, err
			}
			r.leave = lr
		case (req.IsInitial() || req.WantFullState) && filter.IncludeLeave() && allowed:
			lr, err := rp.leaveResponse(filter, snap, 0, memberSeq, true)
			if err != nil {
				return r, err
			}
			r.leave, r.keep, r.pos = lr, true, memberSeq
		}

	default:
		if known {
			r.keep, r.pos = true, sincePos
		}
	}
	return r, nil
}

// visibleFrom returns the exclusive lower bound of the history a newly
// joined user may see.
func visibleFrom(snap *timeline.Snapshot, userID string, joinSeq types.StreamPosition) types.StreamPosition {
	if joinSeq == 0 {
		return 0
	}
	switch snap.HistoryVisibilityAt(joinSeq) {
	case synctypes.Joined:
		return joinSeq - 1
	case synctypes.Invited:
		if membership, seq := snap.MembershipAt(userID, joinSeq-1); membership == spec.Invite {
			return seq - 1
		}
		return joinSeq - 1
	}
	return 0
}

// roomTimeline returns the newest limit events in (lower, upper] that match
// the timeline filter, oldest first.
func (rp *RequestPool) roomTimeline(
	filter *synctypes.CompiledFilter, snap *timeline.Snapshot, lower, upper types.StreamPosition,
) (*types.Timeline, error) {
	limit := filter.TimelineLimit()
	tl := &types.Timeline{Events: []synctypes.ClientEvent{}}
	var (
		picked   []*synctypes.ClientEvent
		firstSeq types.StreamPosition
	)
	for seq, ev := range snap.Backwards(lower, upper) {
		if !filter.MatchesTimelineEvent(ev) {
			continue
		}
		if len(picked) == limit {
			tl.Limited = true
			break
		}
		picked = append(picked, ev)
		firstSeq = seq
	}
	slices.Reverse(picked)
	for _, ev := range picked {
		projected, err := filter.Project(ev)
		if err != nil {
			return nil, err
		}
		tl.Events = append(tl.Events, *projected)
	}
	if len(picked) > 0 {
		tl.PrevBatch = &types.TopologyToken{Seq: firstSeq}
	}
	return tl, nil
}

func (rp *RequestPool) filterState(filter *synctypes.CompiledFilter, state []*synctypes.ClientEvent) ([]synctypes.ClientEvent, error) {
	out := []synctypes.ClientEvent{}
	for _, ev := range state {
		if !filter.MatchesStateEvent(ev) {
			continue
		}
		projected, err := filter.Project(ev)
		if err != nil {
			return nil, err
		}
		out = append(out, *projected)
	}
	return out, nil
}

// withoutTimelineEvents drops state events that the timeline already carries.
func withoutTimelineEvents(state []*synctypes.ClientEvent, tl []synctypes.ClientEvent) []*synctypes.ClientEvent {
	if len(tl) == 0 {
		return state
	}
	inTimeline := make(map[string]struct{}, len(tl))
	for i := range tl {
		inTimeline[tl[i].EventID] = struct{}{}
	}
	out := state[:0:0]
	for _, ev := range state {
		if _, ok := inTimeline[ev.EventID]; !ok {
			out = append(out, ev)
		}
	}
	return out
}

// leaveResponse reports the room up to and including the leave event.
func (rp *RequestPool) leaveResponse(
	filter *synctypes.CompiledFilter, snap *timeline.Snapshot, sincePos, leaveSeq types.StreamPosition, fullState bool,
) (*types.LeaveResponse, error) {
	tl, err := rp.roomTimeline(filter, snap, sincePos, leaveSeq)
	if err != nil {
		return nil, err
	}
	var state []*synctypes.ClientEvent
	if fullState {
		state = snap.StateEventsAt(leaveSeq)
	} else {
		state = withoutTimelineEvents(snap.StateEventsBetween(sincePos, leaveSeq), tl.Events)
	}
	lr := types.NewLeaveResponse()
	lr.Timeline = tl
	if lr.State.Events, err = rp.filterState(filter, state); err != nil {
		return nil, err
	}
	return lr, nil
}

// strippedState returns the invite event plus the room summary state in
// force when the invite was sent.
func strippedState(snap *timeline.Snapshot, inviteSeq types.StreamPosition) []synctypes.ClientEvent {
	state := snap.StateAt(inviteSeq)
	out := make([]synctypes.ClientEvent, 0, len(strippedStateTypes)+1)
	for _, evType := range strippedStateTypes {
		if ev, ok := state[synctypes.StateKeyTuple{EventType: evType}]; ok {
			out = append(out, stripped(ev))
		}
	}
	if invite := snap.EventBySeq(inviteSeq); invite != nil {
		out = append(out, stripped(invite))
	}
	return out
}

func stripped(ev *synctypes.ClientEvent) synctypes.ClientEvent {
	return synctypes.ClientEvent{
		Type:     ev.Type,
		StateKey: ev.StateKey,
		Sender:   ev.Sender,
		Content:  ev.Content,
	}
}

// buildAccountData adds global account data and room account data for
// joined rooms changed in (since, upTo].
func (rp *RequestPool) buildAccountData(
	req *types.SyncRequest, since types.StreamingToken, upTo types.StreamPosition,
	joined map[string]bool, res *types.Response,
) {
	filter := req.Filter
	for _, data := range rp.accountData.Since(req.Device.UserID, since.AccountDataPosition, upTo) {
		if data.RoomID == "" {
			if filter.MatchesAccountData(data.Type) {
				res.AccountData.Events = append(res.AccountData.Events, data.ClientEvent())
			}
			continue
		}
		if !joined[data.RoomID] || !filter.MatchesRoomAccountData(data.RoomID, data.Type) {
			continue
		}
		jr, ok := res.Rooms.Join[data.RoomID]
		if !ok {
			jr = types.NewJoinResponse()
			res.Rooms.Join[data.RoomID] = jr
		}
		jr.AccountData.Events = append(jr.AccountData.Events, data.ClientEvent())
	}
}

// buildPresence adds presence changes of users sharing a room with the
// requester, keeping the newest PresenceLimit of them.
func (rp *RequestPool) buildPresence(
	req *types.SyncRequest, since types.StreamingToken, upTo types.StreamPosition, res *types.Response,
) {
	filter := req.Filter
	users := rp.timeline.UsersSharingRooms(req.Device.UserID)
	changes := rp.presence.Since(users, since.PresencePosition, upTo)
	now := rp.now()
	var events []synctypes.ClientEvent
	for i := range changes {
		if filter.MatchesPresence(changes[i].UserID) {
			events = append(events, changes[i].ClientEvent(now))
		}
	}
	if limit := filter.PresenceLimit(); limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	res.Presence.Events = append(res.Presence.Events, events...)
}

// buildToDevice drains the device mailbox and returns the position the
// next cursor should carry. When more messages are waiting than one
// response may hold, the position stops at the last delivered message.
func (rp *RequestPool) buildToDevice(
	req *types.SyncRequest, since types.StreamingToken, upTo types.StreamPosition, res *types.Response,
) types.StreamPosition {
	limit, fetch := rp.cfg.MaxToDevicePerSync, 0
	if limit > 0 {
		fetch = limit + 1
	}
	entries := rp.mailbox.Drain(req.Device.UserID, req.Device.ID, since.SendToDevicePosition, upTo, fetch)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
		upTo = entries[len(entries)-1].Rev
	}
	for _, entry := range entries {
		res.ToDevice.Events = append(res.ToDevice.Events, synctypes.SendToDeviceEvent{
			Sender:  entry.Sender,
			Type:    entry.Type,
			Content: entry.Content,
		})
	}
	return upTo
}
