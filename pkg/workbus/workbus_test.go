// Copyright 2024 The Foreman Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package workbus

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/foremancore/dqe/pkg/execinfrapb"
	"github.com/foremancore/dqe/pkg/fragment"
)

func testHandle() fragment.FragmentHandle {
	return fragment.FragmentHandle{QueryID: fragment.NewQueryId(), MajorFragmentID: 1, MinorFragmentID: 0}
}

type fakeManager struct {
	handle    fragment.FragmentHandle
	canceled  bool
	statusLog []execinfrapb.FragmentStatus
}

func (m *fakeManager) Handle() fragment.FragmentHandle { return m.handle }

func (m *fakeManager) HandleStatus(status execinfrapb.FragmentStatus) {
	m.statusLog = append(m.statusLog, status)
}

func (m *fakeManager) Cancel() { m.canceled = true }

type fakeListener struct {
	updates []execinfrapb.FragmentStatus
}

func (l *fakeListener) StatusUpdate(status execinfrapb.FragmentStatus) {
	l.updates = append(l.updates, status)
}

func TestRegisterManagerRejectsDuplicate(t *testing.T) {
	b := New(log.NewNopLogger())
	h := testHandle()
	require.NoError(t, b.RegisterManager(&fakeManager{handle: h}))
	err := b.RegisterManager(&fakeManager{handle: h})
	require.ErrorIs(t, err, ErrDuplicateManager)
}

func TestRegisterListenerRejectsDuplicate(t *testing.T) {
	b := New(log.NewNopLogger())
	qid := fragment.NewQueryId()
	require.NoError(t, b.RegisterListener(qid, &fakeListener{}))
	err := b.RegisterListener(qid, &fakeListener{})
	require.ErrorIs(t, err, ErrDuplicateListener)
}

func TestDeliverStatusWithNoListenerIsDroppedNotPanicked(t *testing.T) {
	b := New(log.NewNopLogger())
	b.DeliverStatus(execinfrapb.FragmentStatus{Handle: testHandle(), State: fragment.FragmentRunning})
}

func TestDeliverStatusRoutesToRegisteredListener(t *testing.T) {
	b := New(log.NewNopLogger())
	qid := fragment.NewQueryId()
	listener := &fakeListener{}
	require.NoError(t, b.RegisterListener(qid, listener))

	status := execinfrapb.FragmentStatus{
		Handle: fragment.FragmentHandle{QueryID: qid, MajorFragmentID: 1},
		State:  fragment.FragmentFinished,
	}
	b.DeliverStatus(status)
	require.Equal(t, []execinfrapb.FragmentStatus{status}, listener.updates)
}

func TestLookupManagerFailsForUnknownHandle(t *testing.T) {
	b := New(log.NewNopLogger())
	_, err := b.LookupManager(testHandle())
	require.ErrorIs(t, err, ErrFragmentSetup)
}

func TestLookupManagerSucceedsOnceRegistered(t *testing.T) {
	b := New(log.NewNopLogger())
	h := testHandle()
	mgr := &fakeManager{handle: h}
	require.NoError(t, b.RegisterManager(mgr))

	got, err := b.LookupManager(h)
	require.NoError(t, err)
	require.Same(t, mgr, got)
}

// TestLookupManagerAfterRemoveIsSilentlyDropped covers a late message
// arriving after the fragment's manager has already finished: it must
// return (nil, nil), not ErrFragmentSetup, so the caller discards it
// instead of treating it as an error.
func TestLookupManagerAfterRemoveIsSilentlyDropped(t *testing.T) {
	b := New(log.NewNopLogger())
	h := testHandle()
	require.NoError(t, b.RegisterManager(&fakeManager{handle: h}))

	b.RemoveManager(h)

	got, err := b.LookupManager(h)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestLookupManagerOptionalNeverFails(t *testing.T) {
	b := New(log.NewNopLogger())
	h := testHandle()

	_, ok := b.LookupManagerOptional(h)
	require.False(t, ok)

	mgr := &fakeManager{handle: h}
	require.NoError(t, b.RegisterManager(mgr))
	got, ok := b.LookupManagerOptional(h)
	require.True(t, ok)
	require.Same(t, mgr, got)
}

func TestUnregisterListenerIsIdempotent(t *testing.T) {
	b := New(log.NewNopLogger())
	qid := fragment.NewQueryId()
	require.NoError(t, b.RegisterListener(qid, &fakeListener{}))
	b.UnregisterListener(qid)
	b.UnregisterListener(qid)

	require.NoError(t, b.RegisterListener(qid, &fakeListener{}))
}
