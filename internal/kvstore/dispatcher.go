package kvstore

import "github.com/openr/openr/internal/wire"

// Dispatch is the entry point every transport (CmdSocket's
// per-connection goroutines, InProc's synchronous call, or a local
// caller) uses to submit a request. It never touches store state
// itself: it hands dispatchLocal to runOnLoop, which either runs it on
// Run's single owning goroutine (production, once Run is active) or
// inline (tests and callers that never start Run, where the caller is
// the only goroutine touching state anyway). This is what keeps
// concurrent KEY_SET/full-sync traffic from racing on the plain
// map[string]wire.Value backing the store (spec §5).
func (s *KVStore) Dispatch(req wire.Request, from string) wire.Response {
	var resp wire.Response
	s.runOnLoop(func() { resp = s.dispatchLocal(req, from) })
	return resp
}

// dispatchLocal matches a Request's Cmd and routes it to the
// corresponding KVStore method. This single switch is the Go-idiomatic
// counterpart to the C++ platform's thrift::KvStoreRequest handling in
// KvStore::processRequestMsg (spec §9, "Dynamic dispatch over commands"
// — replacing a polymorphic command object with one dispatcher function
// over a tagged union). It must only ever run on Run's owning goroutine
// (or, equivalently, on the caller's goroutine when Run has not
// started) — call it through Dispatch, never directly.
//
// from identifies the peer the request arrived from by its node name
// (InProc's own name, or the "node" query parameter of a CmdSocket
// connection), empty for locally-originated requests (e.g. a CLI tool talking to the
// local command socket). It is only consulted by commands whose
// semantics depend on the sender: KEY_SET (loop/flood-echo exclusion)
// and DUAL (which neighbor is advertising a distance).
func (s *KVStore) dispatchLocal(req wire.Request, from string) wire.Response {
	switch req.Cmd {
	case wire.CmdKeySet:
		return s.handleKeySet(req, from)
	case wire.CmdKeyGet:
		return s.handleKeyGet(req)
	case wire.CmdKeyDump:
		return s.handleKeyDump(req)
	case wire.CmdHashDump:
		return s.handleHashDump(req)
	case wire.CmdPeerAdd:
		return s.handlePeerAdd(req)
	case wire.CmdPeerDel:
		return s.handlePeerDel(req)
	case wire.CmdPeerDump:
		return s.handlePeerDump()
	case wire.CmdDual:
		return s.handleDual(req, from)
	case wire.CmdFloodTopoSet:
		return s.handleFloodTopoSet(req)
	case wire.CmdFloodTopoGet:
		return s.handleFloodTopoGet(req)
	case wire.CmdCountersGet:
		return s.handleCountersGet()
	default:
		return wire.Response{Err: ErrUnknownCommand.Error()}
	}
}

func (s *KVStore) handleKeySet(req wire.Request, from string) wire.Response {
	if req.KeySetParams == nil || len(req.KeySetParams.KeyVals) == 0 {
		return wire.Response{Err: ErrMissingParams.Error()}
	}
	s.counters.Count("kvstore.cmd_key_set", 1)

	keyVals := req.KeySetParams.KeyVals
	for k, v := range keyVals {
		v.EnsureHash()
		keyVals[k] = v
	}

	pub := wire.Publication{
		KeyVals:     keyVals,
		NodeIds:     req.KeySetParams.NodeIds,
		FloodRootId: req.KeySetParams.FloodRootId,
	}
	s.mergeAndFlood(pub, from)

	if req.KeySetParams.SolicitResponse {
		return wire.Response{Publication: &wire.Publication{}}
	}
	return wire.Response{}
}

func (s *KVStore) handleKeyGet(req wire.Request) wire.Response {
	if len(req.KeyGetParams) == 0 {
		return wire.Response{Err: ErrEmptyKeyList.Error()}
	}
	s.counters.Count("kvstore.cmd_key_get", 1)
	pub := wire.Publication{KeyVals: Get(s.store, req.KeyGetParams)}
	return wire.Response{Publication: &pub}
}

func (s *KVStore) handleKeyDump(req wire.Request) wire.Response {
	s.counters.Count("kvstore.cmd_key_dump", 1)
	filter := filterFromParams(req.KeyDumpParams)

	// A hash-only dump attached to the request is the first leg of
	// three-way full sync (spec §4.2): answer with the difference
	// instead of a plain dump, so the requester learns both what it's
	// missing and what it should push back.
	if req.KeyDumpParams != nil && req.KeyDumpParams.KeyValHashes != nil {
		pub := DumpDifference(Dump(s.store, filter), req.KeyDumpParams.KeyValHashes)
		return wire.Response{Publication: &pub}
	}

	pub := wire.Publication{KeyVals: Dump(s.store, filter)}
	return wire.Response{Publication: &pub}
}

func (s *KVStore) handleHashDump(req wire.Request) wire.Response {
	s.counters.Count("kvstore.cmd_hash_dump", 1)
	filter := filterFromParams(req.KeyDumpParams)
	pub := wire.Publication{KeyVals: HashDump(s.store, filter)}
	return wire.Response{Publication: &pub}
}

func (s *KVStore) handlePeerAdd(req wire.Request) wire.Response {
	if len(req.PeerAddParams) == 0 {
		return wire.Response{Err: ErrMissingParams.Error()}
	}
	s.counters.Count("kvstore.cmd_peer_add", 1)
	for name, spec := range req.PeerAddParams {
		s.peers.Add(name, spec)
		s.scheduleSync(name)
	}
	return wire.Response{Peers: s.peers.Dump()}
}

func (s *KVStore) handlePeerDel(req wire.Request) wire.Response {
	s.counters.Count("kvstore.cmd_peer_del", 1)
	for _, name := range req.PeerDelParams {
		s.peers.Delete(name)
		s.dual.PeerDown(name)
	}
	return wire.Response{Peers: s.peers.Dump()}
}

func (s *KVStore) handlePeerDump() wire.Response {
	return wire.Response{Peers: s.peers.Dump()}
}

func (s *KVStore) handleDual(req wire.Request, from string) wire.Response {
	if req.DualMessages == nil {
		return wire.Response{Err: ErrMissingParams.Error()}
	}
	for _, m := range req.DualMessages.Messages {
		s.counters.Count("kvstore.dual_messages_recv", 1)
		switch m.Kind {
		case wire.DualUpdate:
			s.applyTopoChanges(s.dual.HandleUpdate(m.DestId, from, m.Distance))
		}
	}
	return wire.Response{}
}

func (s *KVStore) handleFloodTopoSet(req wire.Request) wire.Response {
	p := req.FloodTopoSetParams
	if p == nil {
		return wire.Response{Err: ErrMissingParams.Error()}
	}
	s.dual.HandleChildSet(p.RootId, p.SrcId, p.SetChild)
	return wire.Response{}
}

func (s *KVStore) handleFloodTopoGet(req wire.Request) wire.Response {
	infos := make(map[string]wire.SptInfo)
	for _, name := range s.peers.Names() {
		dist, known := s.dual.Distance(name)
		if !known {
			continue
		}
		infos[name] = wire.SptInfo{RootId: name, Distance: dist, Children: s.dual.SptPeers(name)}
	}
	return wire.Response{SptInfos: &wire.SptInfos{
		Infos:      infos,
		FloodPeers: s.peers.Names(),
		Counters:   s.counters.Snapshot(),
	}}
}

func (s *KVStore) handleCountersGet() wire.Response {
	return wire.Response{Counters: s.counters.Snapshot()}
}

func filterFromParams(p *wire.KeyDumpParams) *Filter {
	if p == nil {
		return nil
	}
	f := &Filter{KeyPrefixes: []string{p.Prefix}}
	if len(p.OriginatorIds) > 0 {
		f.OriginatorIds = make(map[string]struct{}, len(p.OriginatorIds))
		for _, id := range p.OriginatorIds {
			f.OriginatorIds[id] = struct{}{}
		}
	}
	return f
}
