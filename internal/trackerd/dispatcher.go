package trackerd

import (
	"cmp"
	"errors"
	"log/slog"
	"slices"

	"github.com/WendelHime/p2pshare/internal/registry"
	"github.com/WendelHime/p2pshare/internal/shared/models"
)

// Session is the per-connection state the dispatcher needs. It is owned by
// the goroutine serving the connection.
type Session struct {
	ID       string
	RemoteIP string

	identity  *models.Addr
	allocated map[models.Addr]struct{}
}

func NewSession(id, remoteIP string) *Session {
	return &Session{ID: id, RemoteIP: remoteIP, allocated: make(map[models.Addr]struct{})}
}

// Identity is the peer registered over this session, if any.
func (s *Session) Identity() (models.Addr, bool) {
	if s.identity == nil {
		return models.Addr{}, false
	}
	return *s.identity, true
}

type Dispatcher struct {
	registry *registry.Registry
	log      *slog.Logger
}

func NewDispatcher(reg *registry.Registry, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{registry: reg, log: logger.With(slog.String("component", "dispatcher"))}
}

// Dispatch runs req against the registry on behalf of s. A nil response means
// nothing is written back.
func (d *Dispatcher) Dispatch(s *Session, req models.Request) *models.Response {
	log := d.log.With(slog.String("session", s.ID), slog.String("type", string(req.Kind())))

	switch r := req.(type) {
	case models.RegisterRequest:
		d.register(log, s, r)
		return nil
	case models.GetIdlePeersRequest:
		return d.getIdlePeers(s, r)
	case models.GetFileIdlePeersRequest:
		return d.getFileIdlePeers(s, r)
	case models.RequestFileRequest:
		return d.requestFile(log, s, r)
	case models.CompleteRequest:
		d.complete(log, s, r)
		return nil
	default:
		log.Warn("unhandled request")
		return nil
	}
}

func (d *Dispatcher) register(log *slog.Logger, s *Session, r models.RegisterRequest) {
	id := r.Addr
	if id.IP == "" {
		id.IP = s.RemoteIP
	}

	if prev, ok := s.Identity(); ok && prev != id {
		err := d.registry.UnregisterSession(s.ID, prev)
		if err != nil && !errors.Is(err, registry.ErrPeerNotFound) && !errors.Is(err, registry.ErrNotOwner) {
			log.Warn("failed to drop previous identity", slog.Any("error", err))
		}
	}

	d.registry.RegisterSession(s.ID, id, r.Files)
	s.identity = &id
	log.Info("peer registered", slog.String("peer", id.String()), slog.Int("files", len(r.Files)))
}

func (d *Dispatcher) requester(s *Session, addr models.Addr) []models.Addr {
	if addr.IP != "" && addr.Port != 0 {
		return []models.Addr{addr}
	}
	if id, ok := s.Identity(); ok {
		return []models.Addr{id}
	}
	return nil
}

func (d *Dispatcher) getIdlePeers(s *Session, r models.GetIdlePeersRequest) *models.Response {
	records := d.registry.SelectIdlePeers(r.Count, d.requester(s, r.Requester)...)

	peers := make([]models.PeerInfo, len(records))
	for i, p := range records {
		peers[i] = models.PeerInfo{PeerIP: p.Addr.IP, PeerPort: p.Addr.Port}
		for _, f := range p.Files {
			peers[i].Files = append(peers[i].Files, f.Name)
			peers[i].FileSizes = append(peers[i].FileSizes, f.Size)
		}
	}
	return &models.Response{Type: models.MessageTypePeersAvailable, Peers: peers}
}

func (d *Dispatcher) getFileIdlePeers(s *Session, r models.GetFileIdlePeersRequest) *models.Response {
	matches := d.registry.SelectIdlePeersForFiles(r.FileNames, d.requester(s, r.Requester)...)

	resp := &models.Response{
		Type:      models.MessageTypePeersAvailable,
		Peers:     make([]models.PeerInfo, 0, len(matches)),
		FileSizes: make([]int64, 0, len(matches)),
	}
	for _, m := range matches {
		resp.Peers = append(resp.Peers, models.PeerInfo{
			PeerIP:   m.Peer.Addr.IP,
			PeerPort: m.Peer.Addr.Port,
			FileName: m.File.Name,
			FileSize: m.File.Size,
		})
		resp.FileSizes = append(resp.FileSizes, m.File.Size)
	}
	return resp
}

func (d *Dispatcher) requestFile(log *slog.Logger, s *Session, r models.RequestFileRequest) *models.Response {
	record, err := d.registry.AcquireAt(r.Target.IP, r.Target.Port, r.FileName, s.ID)
	if err != nil {
		log.Info("peer not available", slog.String("peer", r.Target.String()), slog.String("file", r.FileName), slog.Any("error", err))
		return &models.Response{Type: models.MessageTypePeerBusy}
	}

	s.allocated[record.Addr] = struct{}{}
	log.Info("peer allocated", slog.String("peer", record.Addr.String()), slog.String("file", r.FileName))
	return &models.Response{Type: models.MessageTypePeerContact, PeerIP: record.Addr.IP, PeerPort: record.Addr.Port}
}

func (d *Dispatcher) complete(log *slog.Logger, s *Session, r models.CompleteRequest) {
	id, err := d.completed(s, r.Target)
	if err != nil {
		log.Warn("complete for unknown peer", slog.String("peer", r.Target.String()), slog.Any("error", err))
		return
	}

	if err := d.registry.MarkIdle(id); err != nil {
		log.Warn("failed to release peer", slog.String("peer", id.String()), slog.Any("error", err))
		return
	}
	delete(s.allocated, id)
	log.Info("peer released", slog.String("peer", id.String()))
}

// completed resolves the target of a COMPLETE. Without a port the peers this
// session allocated on that IP come first, lowest port first.
func (d *Dispatcher) completed(s *Session, target models.Addr) (models.Addr, error) {
	if target.Port == 0 {
		var own []models.Addr
		for id := range s.allocated {
			if id.IP == target.IP {
				own = append(own, id)
			}
		}
		if len(own) > 0 {
			return slices.MinFunc(own, func(a, b models.Addr) int { return cmp.Compare(a.Port, b.Port) }), nil
		}
	}
	return d.registry.Resolve(target.IP, target.Port)
}

// Close undoes what s left behind: peers still allocated to it go back to IDLE
// and the identity it registered is removed unless a newer session took it
// over.
func (d *Dispatcher) Close(s *Session) {
	log := d.log.With(slog.String("session", s.ID))

	for id := range s.allocated {
		err := d.registry.Release(id, s.ID)
		if err != nil && !errors.Is(err, registry.ErrPeerNotFound) && !errors.Is(err, registry.ErrNotHolder) {
			log.Warn("failed to release peer", slog.String("peer", id.String()), slog.Any("error", err))
		}
		delete(s.allocated, id)
	}

	if id, ok := s.Identity(); ok {
		switch err := d.registry.UnregisterSession(s.ID, id); {
		case err == nil:
			log.Info("peer unregistered", slog.String("peer", id.String()))
		case errors.Is(err, registry.ErrNotOwner):
			log.Info("peer re-registered by another session", slog.String("peer", id.String()))
		}
		s.identity = nil
	}
}
