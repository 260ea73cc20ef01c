// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// registry keeps the keys of every datacenter.  Each datacenter holds one
// persistent key and up to two temporary keys, one for regular sessions and
// one for media sessions.  Sessions claim the right to create a missing key,
// install it when done and are told through a notification channel when any
// key changes.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/companyzero/mtpcore/authkey"
	"github.com/companyzero/mtpcore/debug"
)

// Type is the kind of connection a session makes to a datacenter.
type Type int

const (
	Regular Type = iota
	MediaCluster
)

func (t Type) String() string {
	switch t {
	case Regular:
		return "regular"
	case MediaCluster:
		return "media"
	}
	return "invalid"
}

// CreatingKey is the slot a successful claim grants.
type CreatingKey int

const (
	None CreatingKey = iota
	Persistent
	TemporaryRegular
	TemporaryMediaCluster
)

func (c CreatingKey) String() string {
	switch c {
	case None:
		return "none"
	case Persistent:
		return "persistent"
	case TemporaryRegular:
		return "temporary regular"
	case TemporaryMediaCluster:
		return "temporary media"
	}
	return "invalid"
}

// slot returns the temporary key index a claim covers.  A persistent claim
// always produces a regular temporary key too.
func (c CreatingKey) slot() int {
	if c == TemporaryMediaCluster {
		return int(MediaCluster)
	}
	return int(Regular)
}

// Dc is the key state of one datacenter.
type Dc struct {
	sync.RWMutex

	id               int
	persistent       *authkey.AuthKey
	temporary        [2]*authkey.AuthKey
	creating         [2]atomic.Bool
	connectionInited bool

	changed func(id int)
}

// ID returns the datacenter id.
func (d *Dc) ID() int {
	return d.id
}

// PersistentKey returns the persistent key or nil.
func (d *Dc) PersistentKey() *authkey.AuthKey {
	d.RLock()
	defer d.RUnlock()
	return d.persistent
}

// TemporaryKey returns the temporary key used by sessions of type t or nil.
func (d *Dc) TemporaryKey(t Type) *authkey.AuthKey {
	d.RLock()
	defer d.RUnlock()
	return d.temporary[t]
}

// ConnectionInited reports whether the current temporary key has already
// announced the client to the server.
func (d *Dc) ConnectionInited() bool {
	d.RLock()
	defer d.RUnlock()
	return d.connectionInited
}

func (d *Dc) SetConnectionInited(inited bool) {
	d.Lock()
	d.connectionInited = inited
	d.Unlock()
}

// AcquireKeyCreation claims the right to run a key exchange for sessions of
// type t.  None is returned when the key already exists or somebody else is
// creating it.  Media sessions create their own temporary key only once a
// regular temporary key exists; before that they share the regular claim.
func (d *Dc) AcquireKeyCreation(t Type) CreatingKey {
	d.RLock()
	defer d.RUnlock()

	if d.temporary[t] != nil {
		return None
	}
	if t == MediaCluster && d.temporary[Regular] != nil {
		if !d.creating[MediaCluster].CompareAndSwap(false, true) {
			return None
		}
		return TemporaryMediaCluster
	}
	if !d.creating[Regular].CompareAndSwap(false, true) {
		return None
	}
	if d.persistent == nil {
		return Persistent
	}
	return TemporaryRegular
}

// ReleaseKeyCreationOnDone installs the keys created under claim c.
// persistentUsedForBind is the key the temporary key was bound to; for a
// Persistent claim it becomes the persistent key.  False is returned, and
// nothing is installed, when the persistent key changed in the meantime; the
// claim is dropped either way so the caller can start over.
func (d *Dc) ReleaseKeyCreationOnDone(c CreatingKey, temporary, persistentUsedForBind *authkey.AuthKey) bool {
	d.Lock()
	if (d.persistent != nil || c != Persistent) &&
		!d.persistent.Equal(persistentUsedForBind) {
		d.creating[c.slot()].Store(false)
		d.Unlock()
		return false
	}
	if c == Persistent {
		d.persistent = persistentUsedForBind
	}
	d.temporary[c.slot()] = temporary
	d.creating[c.slot()].Store(false)
	d.connectionInited = false
	d.Unlock()

	d.notify()
	return true
}

// ReleaseKeyCreationOnFail drops claim c without installing anything.
func (d *Dc) ReleaseKeyCreationOnFail(c CreatingKey) {
	if c == None {
		return
	}
	d.creating[c.slot()].Store(false)
}

// DestroyTemporaryKey forgets the temporary key with the given id.
func (d *Dc) DestroyTemporaryKey(keyID uint64) {
	d.Lock()
	found := false
	for i, k := range d.temporary {
		if k != nil && k.ID() == keyID {
			d.temporary[i] = nil
			d.connectionInited = false
			found = true
		}
	}
	d.Unlock()

	if found {
		d.notify()
	}
}

// DestroyConfirmedForgottenKey forgets the persistent key with the given id,
// and every temporary key bound to it, once the server confirmed it no
// longer knows it.
func (d *Dc) DestroyConfirmedForgottenKey(keyID uint64) bool {
	d.Lock()
	if d.persistent == nil || d.persistent.ID() != keyID {
		d.Unlock()
		return false
	}
	d.persistent = nil
	d.temporary = [2]*authkey.AuthKey{}
	d.connectionInited = false
	d.Unlock()

	d.notify()
	return true
}

func (d *Dc) notify() {
	if d.changed != nil {
		d.changed(d.id)
	}
}

// Registry owns the Dc objects of all datacenters.
type Registry struct {
	sync.Mutex

	dcs         map[int]*Dc
	subscribers []chan int

	log   *debug.Debug
	logID int
}

// New returns an empty registry.  log may be nil.
func New(log *debug.Debug, logID int) *Registry {
	return &Registry{
		dcs:   make(map[int]*Dc),
		log:   log,
		logID: logID,
	}
}

// Dc returns the datacenter with the given id, creating it on first use.
func (r *Registry) Dc(id int) *Dc {
	r.Lock()
	defer r.Unlock()

	d, ok := r.dcs[id]
	if !ok {
		d = &Dc{id: id, changed: r.changed}
		r.dcs[id] = d
	}
	return d
}

// AddPersistentKeys installs keys read from storage.  Keys for a datacenter
// that already has a persistent key are skipped.
func (r *Registry) AddPersistentKeys(keys []*authkey.AuthKey) {
	for _, k := range keys {
		d := r.Dc(k.DC())
		d.Lock()
		if d.persistent == nil {
			d.persistent = k
		}
		d.Unlock()
		r.log.Dbg(r.logID, "dc %v: persistent key %016x", k.DC(), k.ID())
	}
}

// PersistentKeys returns the persistent keys of all datacenters ordered by
// datacenter id.
func (r *Registry) PersistentKeys() []*authkey.AuthKey {
	r.Lock()
	ids := make([]int, 0, len(r.dcs))
	for id := range r.dcs {
		ids = append(ids, id)
	}
	r.Unlock()
	sort.Ints(ids)

	keys := make([]*authkey.AuthKey, 0, len(ids))
	for _, id := range ids {
		if k := r.Dc(id).PersistentKey(); k != nil {
			keys = append(keys, k)
		}
	}
	return keys
}

// Subscribe returns a channel that receives the id of every datacenter
// whose keys changed.  Notifications are dropped while the channel is full;
// receivers re-read the key state, so one pending id is enough.
func (r *Registry) Subscribe() <-chan int {
	c := make(chan int, 8)
	r.Lock()
	r.subscribers = append(r.subscribers, c)
	r.Unlock()
	return c
}

// Unsubscribe stops notifications on c.
func (r *Registry) Unsubscribe(c <-chan int) {
	r.Lock()
	defer r.Unlock()
	for i, s := range r.subscribers {
		if s == c {
			r.subscribers = append(r.subscribers[:i],
				r.subscribers[i+1:]...)
			return
		}
	}
}

func (r *Registry) changed(id int) {
	r.log.Dbg(r.logID, "dc %v: keys changed", id)

	r.Lock()
	defer r.Unlock()
	for _, s := range r.subscribers {
		select {
		case s <- id:
		default:
		}
	}
}
