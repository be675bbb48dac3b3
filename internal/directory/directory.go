// Package directory owns the open documents of a server. Each document is a session,
// the communication group hosting it and the proxy coordinating the two. The directory
// assigns every connection one seq id shared by all documents it subscribes to.
//
// A Directory is not safe for concurrent use; it is driven from the event loop.
package directory

import (
	"sort"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/collabd/internal/document"
	"github.com/charlesng35/collabd/internal/proxy"
	"github.com/charlesng35/collabd/internal/session"
	"github.com/charlesng35/collabd/internal/transport"
	"github.com/charlesng35/collabd/internal/wire"
	apperrors "github.com/charlesng35/collabd/pkg/errors"
	"github.com/charlesng35/collabd/pkg/logger"
	"github.com/charlesng35/collabd/pkg/metrics"
)

const maxNameLength = 128

// Document is an open document.
type Document struct {
	Name    string
	Session *document.Session
	Group   *transport.Group
	Proxy   *proxy.Proxy
	Opened  time.Time

	idleSince time.Time
}

// IdleSince returns when the document last became idle. ok is false while it is busy.
func (d *Document) IdleSince() (time.Time, bool) {
	return d.idleSince, !d.idleSince.IsZero()
}

// UserInfo describes a user of a document.
type UserInfo struct {
	ID     uint              `json:"id"`
	Name   string            `json:"name"`
	Status string            `json:"status"`
	Local  bool              `json:"local"`
	Extra  map[string]string `json:"extra,omitempty"`
}

// DescribeUser summarises u.
func DescribeUser(u *session.User) UserInfo {
	info := UserInfo{
		ID:     u.ID(),
		Name:   u.Name(),
		Status: u.Status().String(),
		Local:  u.IsLocal(),
	}
	for _, key := range u.ExtraKeys() {
		if info.Extra == nil {
			info.Extra = make(map[string]string)
		}
		info.Extra[key], _ = u.Extra(key)
	}
	return info
}

// Info summarises a document.
type Info struct {
	Name          string     `json:"name"`
	Status        string     `json:"status"`
	Idle          bool       `json:"idle"`
	IdleSince     *time.Time `json:"idle_since,omitempty"`
	Subscriptions int        `json:"subscriptions"`
	Users         []UserInfo `json:"users"`
}

type connState struct {
	seqID uint
	docs  []string
}

// Option configures a Directory.
type Option func(*Directory)

// WithClock overrides the clock used for idle timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) {
		if now != nil {
			d.now = now
		}
	}
}

// WithJoinPolicy installs fn on every proxy the directory creates, typically to connect
// reject-user-join predicates.
func WithJoinPolicy(fn func(*proxy.Proxy)) Option {
	return func(d *Directory) {
		d.policy = fn
	}
}

// WithLogger overrides the logger.
func WithLogger(log *zap.Logger) Option {
	return func(d *Directory) {
		if log != nil {
			d.log = log
		}
	}
}

// Directory maps document names to open documents.
type Directory struct {
	log       *zap.Logger
	now       func() time.Time
	policy    func(*proxy.Proxy)
	documents map[string]*Document
	conns     map[string]*connState
	nextSeqID uint
}

// New creates an empty directory.
func New(opts ...Option) *Directory {
	d := &Directory{
		log:       logger.WithModule("directory"),
		now:       time.Now,
		documents: make(map[string]*Document),
		conns:     make(map[string]*connState),
		nextSeqID: 1,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Len returns the number of open documents.
func (d *Directory) Len() int {
	return len(d.documents)
}

// Lookup returns the open document called name, or nil.
func (d *Directory) Lookup(name string) *Document {
	return d.documents[name]
}

// Open returns the document called name, creating an empty one if necessary.
func (d *Directory) Open(name string) (*Document, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if doc, ok := d.documents[name]; ok {
		return doc, nil
	}

	return d.register(name, document.New(name)), nil
}

// OpenFromSync creates the document called name from the state conn uploads. conn is
// subscribed right away and the document stays in synchronizing status until the
// upload completed. A failed upload closes and forgets the document.
func (d *Directory) OpenFromSync(name string, conn session.Connection) (*Document, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if _, ok := d.documents[name]; ok {
		return nil, apperrors.ErrConflict.WithMessage("Document %q is already open", name)
	}

	doc := d.register(name, document.NewFromSync(name, conn))
	st := d.state(conn)
	if err := doc.Proxy.Subscribe(conn, st.seqID, false); err != nil {
		_ = d.Release(name)
		return nil, err
	}
	st.docs = append(st.docs, name)
	return doc, nil
}

func (d *Directory) register(name string, sess *document.Session) *Document {
	group := transport.NewGroup(name)
	px := proxy.New(sess, group)
	group.SetObject(px)

	doc := &Document{
		Name:    name,
		Session: sess,
		Group:   group,
		Proxy:   px,
		Opened:  d.now(),
	}
	if px.IsIdle() {
		doc.idleSince = doc.Opened
	}

	px.IdleChanged().Connect(func(idle bool) {
		if idle {
			doc.idleSince = d.now()
		} else {
			doc.idleSince = time.Time{}
		}
	})
	// A session can close on its own, for instance when it detects an inconsistency.
	sess.Signals().Close.ConnectAfter(func(struct{}) { d.forget(doc) })
	if d.policy != nil {
		d.policy(px)
	}

	d.documents[name] = doc
	metrics.Documents.Inc()
	d.log.Info("document opened", zap.String("document", name), zap.String("status", sess.Status().String()))
	return doc
}

// ValidateName checks that name can identify a document.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return apperrors.ErrBadRequest.WithMessage("Document name is required")
	}
	if len(name) > maxNameLength || strings.ContainsAny(name, "/\\") {
		return apperrors.ErrBadRequest.WithMessage("Invalid document name %q", name)
	}
	return nil
}

// SeqID returns the seq id of conn, allocating one on first use.
func (d *Directory) SeqID(conn session.Connection) uint {
	return d.state(conn).seqID
}

func (d *Directory) state(conn session.Connection) *connState {
	st, ok := d.conns[conn.ID()]
	if !ok {
		st = &connState{seqID: d.nextSeqID}
		d.nextSeqID++
		d.conns[conn.ID()] = st
	}
	return st
}

// Subscribe subscribes conn to the document called name, opening it if needed. With
// synchronize set the document's state is sent to conn first.
func (d *Directory) Subscribe(name string, conn session.Connection, synchronize bool) (*Document, error) {
	doc, err := d.Open(name)
	if err != nil {
		return nil, err
	}

	st := d.state(conn)
	if err := doc.Proxy.Subscribe(conn, st.seqID, synchronize); err != nil {
		return nil, err
	}
	if !containsName(st.docs, name) {
		st.docs = append(st.docs, name)
	}
	return doc, nil
}

// Deliver hands msg received from conn to the document called name. Messages for
// documents that are not open are dropped.
func (d *Directory) Deliver(name string, conn session.Connection, msg *wire.Message) {
	doc, ok := d.documents[name]
	if !ok {
		d.log.Debug("dropping message for unknown document",
			zap.String("document", name),
			zap.String("conn", conn.ID()),
		)
		return
	}
	doc.Group.Deliver(conn, msg)
}

// Disconnect removes conn from every document it is a member of, as happens when the
// link drops, and forgets its seq id.
func (d *Directory) Disconnect(conn session.Connection) {
	st, ok := d.conns[conn.ID()]
	if !ok {
		return
	}
	delete(d.conns, conn.ID())

	for _, name := range st.docs {
		if doc, ok := d.documents[name]; ok && doc.Group.HasMember(conn) {
			doc.Group.RemoveMember(conn)
		}
	}
}

// JoinLocal joins a local user to the document called name, opening it if needed.
func (d *Directory) JoinLocal(name string, fields session.UserFields) (*session.User, error) {
	doc, err := d.Open(name)
	if err != nil {
		return nil, err
	}
	return doc.Proxy.JoinLocalUser(fields)
}

// Release closes the document called name. Subscribed connections are told that the
// session was closed.
func (d *Directory) Release(name string) error {
	doc, ok := d.documents[name]
	if !ok {
		return apperrors.ErrNotFound.WithMessage("Document %q is not open", name)
	}

	doc.Proxy.Close()
	d.forget(doc)
	return nil
}

func (d *Directory) forget(doc *Document) {
	if d.documents[doc.Name] != doc {
		return
	}
	delete(d.documents, doc.Name)
	doc.Proxy.Close()
	for _, st := range d.conns {
		st.docs = removeName(st.docs, doc.Name)
	}
	metrics.Documents.Dec()
	d.log.Info("document released", zap.String("document", doc.Name))
}

// ReapIdle releases every document that has been idle for at least ttl and returns
// their names.
func (d *Directory) ReapIdle(ttl time.Duration) []string {
	now := d.now()

	var expired []string
	for name, doc := range d.documents {
		since, idle := doc.IdleSince()
		if idle && doc.Proxy.IsIdle() && now.Sub(since) >= ttl {
			expired = append(expired, name)
		}
	}
	sort.Strings(expired)

	for _, name := range expired {
		_ = d.Release(name)
	}
	return expired
}

// Close releases every document.
func (d *Directory) Close() error {
	var errs error
	for _, name := range d.names() {
		errs = multierr.Append(errs, d.Release(name))
	}
	return errs
}

func (d *Directory) names() []string {
	names := make([]string, 0, len(d.documents))
	for name := range d.documents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Info describes the document called name.
func (d *Directory) Info(name string) (Info, error) {
	doc, ok := d.documents[name]
	if !ok {
		return Info{}, apperrors.ErrNotFound.WithMessage("Document %q is not open", name)
	}
	return describe(doc), nil
}

// List describes every open document, sorted by name.
func (d *Directory) List() []Info {
	out := make([]Info, 0, len(d.documents))
	for _, name := range d.names() {
		out = append(out, describe(d.documents[name]))
	}
	return out
}

func describe(doc *Document) Info {
	info := Info{
		Name:          doc.Name,
		Status:        doc.Session.Status().String(),
		Idle:          doc.Proxy.IsIdle(),
		Subscriptions: len(doc.Proxy.Subscriptions()),
		Users:         []UserInfo{},
	}
	if since, ok := doc.IdleSince(); ok {
		info.IdleSince = &since
	}
	for _, u := range doc.Session.UserTable().Users() {
		info.Users = append(info.Users, DescribeUser(u))
	}
	return info
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func removeName(names []string, name string) []string {
	for i, n := range names {
		if n == name {
			return append(names[:i:i], names[i+1:]...)
		}
	}
	return names
}
