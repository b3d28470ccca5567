// Package registry holds the tracker's view of the network: which peers are
// connected, which files they hold and whether they are free to serve.
package registry

import (
	"cmp"
	"errors"
	"slices"
	"sync"

	"github.com/WendelHime/p2pshare/internal/shared/models"
)

var (
	ErrPeerNotFound = errors.New("peer not found")
	ErrPeerBusy     = errors.New("peer busy")
	ErrFileNotHeld  = errors.New("file not held by peer")
	ErrNotOwner     = errors.New("peer registered by another session")
	ErrNotHolder    = errors.New("peer allocated by another session")
)

type entry struct {
	record models.PeerRecord
	// seq orders peers by first registration.
	seq uint64
	// owner is the session that registered the record, holder the session
	// the peer is currently serving. Both may be empty.
	owner  string
	holder string
}

// Registry is safe for concurrent use. Every exported method holds the same
// lock for its whole duration, so callers observe each transition atomically.
type Registry struct {
	mu    sync.Mutex
	peers map[models.Addr]*entry
	files map[string]map[models.Addr]struct{}
	next  uint64
}

func New() *Registry {
	return &Registry{
		peers: make(map[models.Addr]*entry),
		files: make(map[string]map[models.Addr]struct{}),
	}
}

// Register creates or overwrites the record for id and marks it IDLE. The file
// index afterwards reflects only the files given here.
func (r *Registry) Register(id models.Addr, files []models.SharedFile) {
	r.RegisterSession("", id, files)
}

// RegisterSession is Register on behalf of session, which becomes the owner of
// the record until another session registers the same identity.
func (r *Registry) RegisterSession(session string, id models.Addr, files []models.SharedFile) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.peers[id]
	if ok {
		r.unindex(id, e.record.Files)
	} else {
		e = &entry{seq: r.next}
		r.next++
		r.peers[id] = e
	}

	e.owner = session
	e.holder = ""
	e.record = models.PeerRecord{
		Addr:   id,
		Files:  slices.Clone(files),
		Status: models.PeerStatusIdle,
	}
	for _, f := range files {
		holders, ok := r.files[f.Name]
		if !ok {
			holders = make(map[models.Addr]struct{})
			r.files[f.Name] = holders
		}
		holders[id] = struct{}{}
	}
}

func (r *Registry) Unregister(id models.Addr) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.peers[id]
	if !ok {
		return ErrPeerNotFound
	}
	r.remove(id, e)
	return nil
}

// UnregisterSession removes id only while session still owns it. A peer that
// re-registered over a newer session is left alone and ErrNotOwner returned.
func (r *Registry) UnregisterSession(session string, id models.Addr) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.peers[id]
	if !ok {
		return ErrPeerNotFound
	}
	if e.owner != session {
		return ErrNotOwner
	}
	r.remove(id, e)
	return nil
}

func (r *Registry) remove(id models.Addr, e *entry) {
	r.unindex(id, e.record.Files)
	delete(r.peers, id)
}

func (r *Registry) unindex(id models.Addr, files []models.SharedFile) {
	for _, f := range files {
		holders := r.files[f.Name]
		delete(holders, id)
		if len(holders) == 0 {
			delete(r.files, f.Name)
		}
	}
}

// SelectIdlePeers returns up to n IDLE peers in registration order, skipping
// the identities in exclude.
func (r *Registry) SelectIdlePeers(n int, exclude ...models.Addr) []models.PeerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	selected := make([]models.PeerRecord, 0, max(0, min(n, len(r.peers))))
	for _, e := range r.ordered() {
		if len(selected) >= n {
			break
		}
		if e.record.Status != models.PeerStatusIdle || slices.Contains(exclude, e.record.Addr) {
			continue
		}
		selected = append(selected, copyRecord(e.record))
	}
	return selected
}

// SelectIdlePeersForFiles picks, for every requested name, the first IDLE
// holder in registration order. Names without an IDLE holder are left out.
func (r *Registry) SelectIdlePeersForFiles(names []string, exclude ...models.Addr) []models.FileMatch {
	r.mu.Lock()
	defer r.mu.Unlock()

	matches := make([]models.FileMatch, 0, len(names))
	for _, name := range names {
		holders := make([]*entry, 0, len(r.files[name]))
		for id := range r.files[name] {
			holders = append(holders, r.peers[id])
		}
		slices.SortFunc(holders, func(a, b *entry) int { return cmp.Compare(a.seq, b.seq) })

		for _, e := range holders {
			if e.record.Status != models.PeerStatusIdle || slices.Contains(exclude, e.record.Addr) {
				continue
			}
			file, _ := e.record.Holds(name)
			matches = append(matches, models.FileMatch{File: file, Peer: copyRecord(e.record)})
			break
		}
	}
	return matches
}

// Acquire marks id BUSY on behalf of session if it is IDLE and holds file. It
// is the only way a transfer source is allocated, so two racing requests never
// both succeed.
func (r *Registry) Acquire(id models.Addr, file, session string) (models.PeerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.peers[id]
	if !ok {
		return models.PeerRecord{}, ErrPeerNotFound
	}
	if err := acquirable(e, file); err != nil {
		return models.PeerRecord{}, err
	}
	return r.acquire(e, session), nil
}

// AcquireAt is Acquire for a message address. Port 0 picks the first peer on
// ip, in registration order, that is IDLE and holds file.
func (r *Registry) AcquireAt(ip string, port int, file, session string) (models.PeerRecord, error) {
	if port != 0 {
		return r.Acquire(models.Addr{IP: ip, Port: port}, file, session)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err := ErrPeerNotFound
	for _, e := range r.ordered() {
		if e.record.Addr.IP != ip {
			continue
		}
		cause := acquirable(e, file)
		if cause == nil {
			return r.acquire(e, session), nil
		}
		// busy holders are a better answer than peers without the file
		if !errors.Is(err, ErrPeerBusy) {
			err = cause
		}
	}
	return models.PeerRecord{}, err
}

func acquirable(e *entry, file string) error {
	if _, ok := e.record.Holds(file); !ok {
		return ErrFileNotHeld
	}
	if e.record.Status == models.PeerStatusBusy {
		return ErrPeerBusy
	}
	return nil
}

func (r *Registry) acquire(e *entry, session string) models.PeerRecord {
	e.record.Status = models.PeerStatusBusy
	e.holder = session
	return copyRecord(e.record)
}

// Release marks id IDLE only while session is the one it was allocated to.
func (r *Registry) Release(id models.Addr, session string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.peers[id]
	if !ok {
		return ErrPeerNotFound
	}
	if e.record.Status != models.PeerStatusBusy || e.holder != session {
		return ErrNotHolder
	}
	e.record.Status = models.PeerStatusIdle
	e.holder = ""
	return nil
}

func (r *Registry) MarkBusy(id models.Addr) error {
	return r.setStatus(id, models.PeerStatusBusy)
}

// MarkIdle frees id whoever it was allocated to.
func (r *Registry) MarkIdle(id models.Addr) error {
	return r.setStatus(id, models.PeerStatusIdle)
}

func (r *Registry) setStatus(id models.Addr, status models.PeerStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.peers[id]
	if !ok {
		return ErrPeerNotFound
	}
	e.record.Status = status
	e.holder = ""
	return nil
}

func (r *Registry) Lookup(id models.Addr) (models.PeerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.peers[id]
	if !ok {
		return models.PeerRecord{}, false
	}
	return copyRecord(e.record), true
}

// Resolve maps a message address to a registered identity. Port 0 matches the
// earliest registered peer with the same IP; callers that know more, such as
// the file or the allocation, should narrow the choice themselves.
func (r *Registry) Resolve(ip string, port int) (models.Addr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if port != 0 {
		id := models.Addr{IP: ip, Port: port}
		if _, ok := r.peers[id]; !ok {
			return models.Addr{}, ErrPeerNotFound
		}
		return id, nil
	}

	for _, e := range r.ordered() {
		if e.record.Addr.IP == ip {
			return e.record.Addr, nil
		}
	}
	return models.Addr{}, ErrPeerNotFound
}

// Peers returns every record in registration order.
func (r *Registry) Peers() []models.PeerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]models.PeerRecord, 0, len(r.peers))
	for _, e := range r.ordered() {
		records = append(records, copyRecord(e.record))
	}
	return records
}

// Holders returns the identities indexed under name in registration order.
func (r *Registry) Holders(name string) []models.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()

	holders := make([]*entry, 0, len(r.files[name]))
	for id := range r.files[name] {
		holders = append(holders, r.peers[id])
	}
	slices.SortFunc(holders, func(a, b *entry) int { return cmp.Compare(a.seq, b.seq) })

	ids := make([]models.Addr, len(holders))
	for i, e := range holders {
		ids[i] = e.record.Addr
	}
	return ids
}

// Files returns the indexed file names, sorted.
func (r *Registry) Files() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.files))
	for name := range r.files {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) ordered() []*entry {
	entries := make([]*entry, 0, len(r.peers))
	for _, e := range r.peers {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b *entry) int { return cmp.Compare(a.seq, b.seq) })
	return entries
}

func copyRecord(p models.PeerRecord) models.PeerRecord {
	p.Files = slices.Clone(p.Files)
	return p
}
