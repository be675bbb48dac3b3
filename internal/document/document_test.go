package document

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/collabd/internal/session"
	"github.com/charlesng35/collabd/internal/session/sessiontest"
	"github.com/charlesng35/collabd/internal/transport"
	"github.com/charlesng35/collabd/internal/wire"
	apperrors "github.com/charlesng35/collabd/pkg/errors"
)

type recorder struct {
	begins    []string
	completes []string
	failures  []session.SyncFailure
	closes    int
}

func watch(s *Session) *recorder {
	r := &recorder{}
	s.Signals().SyncBegin.Connect(func(ev session.SyncBegin) { r.begins = append(r.begins, ev.Conn.ID()) })
	s.Signals().SyncComplete.Connect(func(c session.Connection) { r.completes = append(r.completes, c.ID()) })
	s.Signals().SyncFailed.Connect(func(f session.SyncFailure) { r.failures = append(r.failures, f) })
	s.Signals().Close.Connect(func(struct{}) { r.closes++ })
	return r
}

func hosted(s *Session, conns ...*sessiontest.Conn) *transport.Group {
	group := transport.NewGroup(s.Name())
	group.SetObject(s)
	for _, c := range conns {
		group.AddMember(c)
	}
	s.SetSubscriptionGroup(group)
	return group
}

func addUser(t *testing.T, s *Session, name string, id uint, conn session.Connection) *session.User {
	t.Helper()
	u, err := s.AddUser(session.NewUserFields(name).WithID(id).WithConnection(conn))
	require.NoError(t, err)
	return u
}

func msg(name string, attrs ...string) *wire.Message {
	m := wire.New(name)
	for i := 0; i+1 < len(attrs); i += 2 {
		m.SetAttr(attrs[i], attrs[i+1])
	}
	return m
}

func code(t *testing.T, m *wire.Message) string {
	t.Helper()
	require.NotNil(t, m)
	v, ok := m.Attr(wire.AttrCode)
	require.True(t, ok)
	return v
}

func TestNewSession(t *testing.T) {
	s := New("notes")

	require.Equal(t, "notes", s.Name())
	require.Equal(t, session.StatusRunning, s.Status())
	require.False(t, s.HasSynchronizations())
	require.Nil(t, s.SyncConnection())
	require.Zero(t, s.UserTable().Len())
	require.Empty(t, s.Content())
}

func TestAddUserRequiresNameAndID(t *testing.T) {
	s := New("notes")

	_, err := s.AddUser(session.NewUserFields("alice"))
	require.ErrorIs(t, err, apperrors.ErrMissingAttribute)

	u, err := s.AddUser(session.NewUserFields("alice").WithID(3))
	require.NoError(t, err)
	require.Same(t, u, s.UserTable().Lookup(3))
	require.Equal(t, session.UserActive, u.Status())
}

func TestValidateUserFields(t *testing.T) {
	s := New("notes")
	alice := addUser(t, s, "alice", 1, nil)

	tests := []struct {
		name    string
		fields  session.UserFields
		exclude *session.User
		want    error
	}{
		{name: "valid", fields: session.NewUserFields("bob").WithID(2)},
		{name: "missing id", fields: session.NewUserFields("bob"), want: apperrors.ErrMissingAttribute},
		{name: "missing name", fields: session.UserFields{}.WithID(2), want: apperrors.ErrMissingAttribute},
		{name: "id in use", fields: session.NewUserFields("bob").WithID(1), want: apperrors.ErrIDInUse},
		{name: "name in use", fields: session.NewUserFields("alice").WithID(2), want: apperrors.ErrNameInUse},
		{name: "excluded user", fields: session.NewUserFields("alice").WithID(1), exclude: alice},
		{name: "hue out of range", fields: session.NewUserFields("bob").WithID(2).WithExtra(FieldHue, "1.5"), want: apperrors.ErrInvalidAttribute},
		{name: "hue not a number", fields: session.NewUserFields("bob").WithID(2).WithExtra(FieldHue, "blue"), want: apperrors.ErrInvalidAttribute},
		{name: "caret not a number", fields: session.NewUserFields("bob").WithID(2).WithExtra(FieldCaret, "-1"), want: apperrors.ErrInvalidAttribute},
		{name: "name with control character", fields: session.NewUserFields("bo\x00b").WithID(2), want: apperrors.ErrInvalidAttribute},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := s.ValidateUserFields(tc.fields, tc.exclude)
			if tc.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestUserFieldsFromMessage(t *testing.T) {
	s := New("notes")

	fields, err := s.UserFieldsFromMessage(nil, msg(wire.TagUserJoin,
		wire.AttrName, "alice",
		wire.AttrStatus, "Inactive",
		FieldHue, "0.25",
		FieldCaret, "12",
	))
	require.NoError(t, err)
	require.Equal(t, "alice", fields.NameValue())
	require.Nil(t, fields.ID)
	require.Equal(t, session.UserInactive, *fields.Status)
	require.Equal(t, map[string]string{FieldHue: "0.25", FieldCaret: "12"}, fields.Extra)
	_, hasConn := fields.Connection()
	require.False(t, hasConn)

	_, err = s.UserFieldsFromMessage(nil, msg(wire.TagUserJoin, wire.AttrName, "alice", wire.AttrID, "x"))
	require.ErrorIs(t, err, apperrors.ErrInvalidAttribute)
}

func TestUserToMessage(t *testing.T) {
	s := New("notes")
	u, err := s.AddUser(session.NewUserFields("alice").WithID(4).WithExtra(FieldHue, "0.5"))
	require.NoError(t, err)

	m := wire.New(wire.TagUserJoin)
	s.UserToMessage(u, m)

	require.Equal(t, map[string]string{
		wire.AttrID:     "4",
		wire.AttrName:   "alice",
		wire.AttrStatus: "active",
		FieldHue:        "0.5",
	}, m.Attrs)
}

func TestReceivedStatusChange(t *testing.T) {
	s := New("notes")
	c := sessiontest.NewConn("C")
	d := sessiontest.NewConn("D")
	group := hosted(s, c, d)
	alice := addUser(t, s, "alice", 1, c)

	group.Deliver(c, msg(wire.TagUserStatusChange, wire.AttrID, "1", wire.AttrStatus, "inactive"))
	require.Equal(t, session.UserInactive, alice.Status())
	require.Equal(t, []string{wire.TagUserStatusChange}, d.Names())
	require.Empty(t, c.Messages)

	group.Deliver(d, msg(wire.TagUserStatusChange, wire.AttrID, "1", wire.AttrStatus, "active", wire.AttrSeq, "5"))
	require.Equal(t, session.UserInactive, alice.Status())
	require.Equal(t, "not-joined", code(t, d.Last()))
	seq, _ := d.Last().Attr(wire.AttrSeq)
	require.Equal(t, "5", seq)

	group.Deliver(c, msg(wire.TagUserStatusChange, wire.AttrID, "9", wire.AttrStatus, "active"))
	require.Equal(t, "no-such-user", code(t, c.Last()))

	group.Deliver(c, msg(wire.TagUserStatusChange, wire.AttrID, "1", wire.AttrStatus, "sleeping"))
	require.Equal(t, "invalid-attribute", code(t, c.Last()))

	group.Deliver(c, msg(wire.TagUserStatusChange, wire.AttrID, "1"))
	require.Equal(t, "missing-attribute", code(t, c.Last()))
}

func TestReceivedRequestReactivatesUser(t *testing.T) {
	s := New("notes")
	c := sessiontest.NewConn("C")
	d := sessiontest.NewConn("D")
	group := hosted(s, c, d)
	alice := addUser(t, s, "alice", 1, c)
	alice.SetStatus(session.UserInactive)

	req := msg(wire.TagRequest, wire.AttrUser, "1")
	req.Text = "insert 0 hi"
	group.Deliver(c, req)

	require.Equal(t, session.UserActive, alice.Status())
	require.Equal(t, []Request{{User: 1, Body: "insert 0 hi"}}, s.Content())
	require.Equal(t, []string{wire.TagRequest}, d.Names())
}

func TestReceivedUnexpectedMessage(t *testing.T) {
	s := New("notes")
	c := sessiontest.NewConn("C")
	group := hosted(s, c)

	group.Deliver(c, msg("frobnicate"))

	require.Equal(t, "unexpected-message", code(t, c.Last()))
}

func TestSynchronizeToSendsState(t *testing.T) {
	s := New("notes")
	r := watch(s)
	addUser(t, s, "alice", 1, nil)
	addUser(t, s, "bob", 2, nil)
	s.AppendContent(1, "hello")

	c := sessiontest.NewConn("C")
	group := hosted(s, c)
	s.SynchronizeTo(group, c)

	require.Equal(t, []string{
		wire.TagSyncBegin,
		wire.TagSyncUser,
		wire.TagSyncUser,
		wire.TagSyncRequest,
		wire.TagSyncEnd,
	}, c.Names())
	n, _ := c.Messages[0].Attr(AttrNumMessages)
	require.Equal(t, "3", n)
	require.Equal(t, "hello", c.Messages[3].Text)
	require.Equal(t, []string{"C"}, r.begins)
	require.Equal(t, session.SyncInProgress, s.SyncStatus(c))
	require.True(t, s.HasSynchronizations())

	c.FlushSent()
	require.Equal(t, session.SyncAwaitingAck, s.SyncStatus(c))

	group.Deliver(c, wire.New(wire.TagSyncAck))
	require.Equal(t, []string{"C"}, r.completes)
	require.Equal(t, session.SyncNone, s.SyncStatus(c))
	require.False(t, s.HasSynchronizations())
}

func TestSynchronizeToTwiceIsIgnored(t *testing.T) {
	s := New("notes")
	c := sessiontest.NewConn("C")
	group := hosted(s, c)

	s.SynchronizeTo(group, c)
	s.SynchronizeTo(group, c)

	require.Len(t, c.Named(wire.TagSyncBegin), 1)
}

func TestEarlyAckFailsSynchronization(t *testing.T) {
	s := New("notes")
	r := watch(s)
	c := sessiontest.NewConn("C")
	group := hosted(s, c)
	s.SynchronizeTo(group, c)

	group.Deliver(c, wire.New(wire.TagSyncAck))

	require.Len(t, r.failures, 1)
	require.ErrorIs(t, r.failures[0].Err, apperrors.ErrUnexpectedMessage)
	require.Len(t, c.Named(wire.TagSyncCancel), 1)
	require.False(t, s.HasSynchronizations())
	require.Empty(t, r.completes)
}

func TestCancelSynchronization(t *testing.T) {
	s := New("notes")
	r := watch(s)
	c := sessiontest.NewConn("C")
	group := hosted(s, c)
	s.SynchronizeTo(group, c)

	s.CancelSynchronization(c)

	cancel := c.Named(wire.TagSyncCancel)
	require.Len(t, cancel, 1)
	require.Equal(t, "sync-canceled", code(t, cancel[0]))
	require.Len(t, r.failures, 1)
	require.ErrorIs(t, r.failures[0].Err, apperrors.ErrSyncCanceled)
	require.Equal(t, session.StatusRunning, s.Status())

	c.FlushSent()
	require.Equal(t, session.SyncNone, s.SyncStatus(c))
}

func TestMemberRemovedFailsSynchronization(t *testing.T) {
	s := New("notes")
	r := watch(s)
	c := sessiontest.NewConn("C")
	group := hosted(s, c)
	s.SynchronizeTo(group, c)

	group.RemoveMember(c)

	require.Len(t, r.failures, 1)
	require.Empty(t, c.Named(wire.TagSyncCancel))
	require.False(t, s.HasSynchronizations())
}

func TestSynchronizeFromPeer(t *testing.T) {
	c := sessiontest.NewConn("C")
	s := NewFromSync("notes", c)
	r := watch(s)
	group := hosted(s, c)

	require.Equal(t, session.StatusSynchronizing, s.Status())
	require.Same(t, c, s.SyncConnection())
	require.Equal(t, session.SyncInProgress, s.SyncStatus(c))

	group.Deliver(c, msg(wire.TagSyncBegin, AttrNumMessages, "3"))
	group.Deliver(c, msg(wire.TagSyncUser, wire.AttrName, "alice", wire.AttrID, "1", FieldHue, "0.3"))
	group.Deliver(c, msg(wire.TagSyncUser, wire.AttrName, "bob", wire.AttrID, "2", wire.AttrStatus, "unavailable"))
	req := msg(wire.TagSyncRequest, wire.AttrUser, "2")
	req.Text = "old edit"
	group.Deliver(c, req)
	group.Deliver(c, wire.New(wire.TagSyncEnd))

	require.Equal(t, session.StatusRunning, s.Status())
	require.Equal(t, []string{wire.TagSyncAck}, c.Names())
	require.Equal(t, []string{"C"}, r.begins)
	require.Equal(t, []string{"C"}, r.completes)
	require.Nil(t, s.SyncConnection())
	require.False(t, s.HasSynchronizations())

	alice := s.UserTable().Lookup(1)
	require.Same(t, c, alice.Connection())
	hue, _ := alice.Extra(FieldHue)
	require.Equal(t, "0.3", hue)
	bob := s.UserTable().Lookup(2)
	require.Nil(t, bob.Connection())
	require.Equal(t, session.UserUnavailable, bob.Status())
	require.Equal(t, []Request{{User: 2, Body: "old edit"}}, s.Content())
}

func TestSynchronizeFromPeerFailures(t *testing.T) {
	tests := []struct {
		name     string
		messages []*wire.Message
		reply    bool
	}{
		{
			name:     "message before begin",
			messages: []*wire.Message{msg(wire.TagSyncUser, wire.AttrName, "alice", wire.AttrID, "1")},
			reply:    true,
		},
		{
			name:     "begin without count",
			messages: []*wire.Message{msg(wire.TagSyncBegin)},
			reply:    true,
		},
		{
			name: "too many messages",
			messages: []*wire.Message{
				msg(wire.TagSyncBegin, AttrNumMessages, "0"),
				msg(wire.TagSyncUser, wire.AttrName, "alice", wire.AttrID, "1"),
			},
			reply: true,
		},
		{
			name: "too few messages",
			messages: []*wire.Message{
				msg(wire.TagSyncBegin, AttrNumMessages, "2"),
				msg(wire.TagSyncUser, wire.AttrName, "alice", wire.AttrID, "1"),
				wire.New(wire.TagSyncEnd),
			},
			reply: true,
		},
		{
			name: "request from unknown user",
			messages: []*wire.Message{
				msg(wire.TagSyncBegin, AttrNumMessages, "1"),
				msg(wire.TagSyncRequest, wire.AttrUser, "4"),
			},
			reply: true,
		},
		{
			name: "duplicate user",
			messages: []*wire.Message{
				msg(wire.TagSyncBegin, AttrNumMessages, "2"),
				msg(wire.TagSyncUser, wire.AttrName, "alice", wire.AttrID, "1"),
				msg(wire.TagSyncUser, wire.AttrName, "alice", wire.AttrID, "2"),
			},
			reply: true,
		},
		{
			name: "peer cancels",
			messages: []*wire.Message{
				msg(wire.TagSyncBegin, AttrNumMessages, "1"),
				msg(wire.TagSyncCancel, wire.AttrDomain, apperrors.DomainSession, wire.AttrCode, "sync-canceled"),
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := sessiontest.NewConn("C")
			s := NewFromSync("notes", c)
			r := watch(s)
			group := hosted(s, c)

			for _, m := range tc.messages {
				group.Deliver(c, m)
			}

			require.Equal(t, session.StatusClosed, s.Status())
			require.Len(t, r.failures, 1)
			require.Equal(t, 1, r.closes)
			require.Empty(t, r.completes)
			if tc.reply {
				require.Equal(t, []string{wire.TagSyncError}, c.Names())
			} else {
				require.Empty(t, c.Messages)
			}
		})
	}
}

func TestRequestsRefusedWhileSynchronizing(t *testing.T) {
	c := sessiontest.NewConn("C")
	d := sessiontest.NewConn("D")
	s := NewFromSync("notes", c)
	group := hosted(s, c, d)

	group.Deliver(d, msg(wire.TagRequest, wire.AttrUser, "1"))

	require.Equal(t, "not-running", code(t, d.Last()))
	require.Equal(t, session.StatusSynchronizing, s.Status())
}

func TestCloseFailsSynchronizations(t *testing.T) {
	s := New("notes")
	r := watch(s)
	c := sessiontest.NewConn("C")
	d := sessiontest.NewConn("D")
	group := hosted(s, c, d)
	s.SynchronizeTo(group, d)
	s.SynchronizeTo(group, c)

	s.Close()
	s.Close()

	require.Equal(t, session.StatusClosed, s.Status())
	require.Equal(t, 1, r.closes)
	require.Len(t, r.failures, 2)
	require.Equal(t, "C", r.failures[0].Conn.ID())
	require.Equal(t, "D", r.failures[1].Conn.ID())
	require.Len(t, c.Named(wire.TagSyncCancel), 1)
	require.Len(t, d.Named(wire.TagSyncCancel), 1)
	require.False(t, s.HasSynchronizations())

	// The group is released.
	require.Zero(t, group.MemberRemoved().Len())
	group.Deliver(c, msg(wire.TagRequest, wire.AttrUser, "1"))
	require.Empty(t, c.Named(wire.TagRequestFailed))
}

func TestSendToSubscriptionsWithoutGroup(t *testing.T) {
	s := New("notes")

	require.NotPanics(t, func() { s.SendToSubscriptions(wire.New(wire.TagRequest)) })
}
