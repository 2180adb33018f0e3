package nfs4

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// LeaseSeconds is the NFSv4 lease period advertised by FATTR4_LEASE_TIME
// (§3 "NFSv4 Client lifecycle"). No idle client is expired against it:
// clients stay registered until they are explicitly destroyed.
const LeaseSeconds uint32 = 90

// SlotCount is the fixed size of a session's forward-channel slot
// table (§4.8 "slot allocation freelist").
const SlotCount = 32

// ClientOwner is the identity NFSv4 clients send in SETCLIENTID and
// EXCHANGE_ID (a verifier plus an opaque owner string); the registry
// keys on the owner string.
type ClientOwner struct {
	Verifier [8]byte
	OwnerID  []byte
}

func (o ClientOwner) key() string { return string(o.OwnerID) }

// Client is a registered NFSv4 client, keyed by both its long-lived
// owner string (SETCLIENTID/EXCHANGE_ID identity) and the short-lived
// 64-bit client id minted for it (§3 "NFSv4 Client").
type Client struct {
	ID              uint64
	Owner           ClientOwner
	Verifier        [8]byte
	ConfirmVerifier [8]byte
	Confirmed       bool
	CallbackProgram uint32
	CallbackAddr    string
	LastRenewal     time.Time

	mu         sync.Mutex
	nextSeqID  uint32
	sessions   map[SessionID]*Session
}

func (c *Client) touch() {
	c.mu.Lock()
	c.LastRenewal = time.Now()
	c.mu.Unlock()
}

func (c *Client) expired(lease time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.LastRenewal) > lease
}

// SessionID is a 16-byte NFSv4.1 sessionid4.
type SessionID [16]byte

// Slot is one entry of a forward-channel slot table: the sequence id of
// the last request the slot served, and a cached copy of that request's
// reply for exactly-once semantics (§4.8).
type Slot struct {
	SeqID    uint32
	InUse    bool
	CachedOK bool
	Reply    []byte
	Status   uint32
}

// SlotTable is a session's per-slot sequence table (RFC 8881 §2.10.6).
// Each slot records the last seqid it served and, when Complete is asked
// to cache it, that request's reply, which Check hands back on a
// retransmission. opSequence never asks for a reply to be cached, so a
// retransmitted COMPOUND is executed again.
type SlotTable struct {
	mu    sync.Mutex
	slots []Slot
}

// NewSlotTable builds a table of n slots, all initially unused with
// seqid 0 (the first legal client seqid for a slot is 1).
func NewSlotTable(n int) *SlotTable {
	return &SlotTable{slots: make([]Slot, n)}
}

func (t *SlotTable) HighestSlot() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint32(len(t.slots) - 1)
}

// Check validates a (slotid, seqid) pair against the table. A
// retransmission of the slot's last request is reported with isReplay
// set, together with the slot's cached reply when Complete stored one;
// an out-of-range slot yields ErrBadSlot, and any seqid other than
// "next" or "replay of last" yields ErrSeqMisordered.
func (t *SlotTable) Check(slotID, seqID uint32) (cached []byte, cachedStatus uint32, isReplay bool, err uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(slotID) >= len(t.slots) {
		return nil, 0, false, ErrBadSlot
	}
	s := &t.slots[slotID]

	switch {
	case seqID == s.SeqID+1:
		return nil, 0, false, OK
	case seqID == s.SeqID && s.InUse:
		if s.CachedOK {
			return s.Reply, s.Status, true, OK
		}
		return nil, 0, true, OK
	default:
		return nil, 0, false, ErrSeqMisordered
	}
}

// Complete records the outcome of a (slotid, seqid) request, caching
// the reply when the client asked SEQUENCE to (sa_cachethis).
func (t *SlotTable) Complete(slotID, seqID uint32, status uint32, cacheThis bool, reply []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(slotID) >= len(t.slots) {
		return
	}
	s := &t.slots[slotID]
	s.SeqID = seqID
	s.InUse = true
	s.CachedOK = cacheThis
	s.Status = status
	if cacheThis {
		s.Reply = reply
	} else {
		s.Reply = nil
	}
}

// Session is a registered NFSv4.1 session (§3 "NFSv4 Session").
type Session struct {
	ID       SessionID
	ClientID uint64
	Fore     *SlotTable
	Back     *SlotTable
	Flags    uint32
}

// CREATE_SESSION csa_flags bits. CreateSession builds a back-channel
// slot table when CreateSession4FlagConnBackChan (0x00000002,
// CREATE_SESSION4_FLAG_CONN_BACK_CHAN per RFC 8881 §18.36) is set.
const CreateSession4FlagConnBackChan uint32 = 0x00000002
const CreateSession4FlagConnFrontChan uint32 = 0x00000001
const CreateSession4FlagPersist uint32 = 0x00000004

// OpenFile tracks one outstanding OPEN on a file, identified by the
// stateid slot index minted for it.
type OpenFile struct {
	Slot     uint32
	ClientID uint64
	FH       []byte
	Access   uint32
	Deny     uint32
}

// Registry is the server-wide NFSv4 client/session/state table. It
// owns the slot-indexed stateid allocator described by §4.8: a stateid
// is `other[0:4]=slot index (little-endian), other[4:12]=client id`,
// so decoding a stateid is a pure function of its bytes with no lookup
// required to validate shape (only to validate liveness).
//
// Adapted from internal/protocol/nfs/v4/state/client.go and session.go
// (the registry shape: maps of clients and sessions guarded by a single
// mutex, lease-based expiry) with the stateid encoding replaced per
// DESIGN.md.
type Registry struct {
	mu         sync.Mutex
	nextClient uint64
	byOwner    map[string]*Client
	byClientID map[uint64]*Client
	sessions   map[SessionID]*Session

	slotsMu sync.Mutex
	slots   []*OpenFile
	free    []uint32
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byOwner:    make(map[string]*Client),
		byClientID: make(map[uint64]*Client),
		sessions:   make(map[SessionID]*Session),
	}
}

// SetClientID implements the NFSv4.0 SETCLIENTID handshake: returns an
// existing client id for a known owner/verifier pair (idempotent retry)
// or mints a fresh one.
func (r *Registry) SetClientID(owner ClientOwner) (id uint64, confirmVerifier [8]byte, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byOwner[owner.key()]; ok && existing.Verifier == owner.Verifier {
		return existing.ID, existing.ConfirmVerifier, nil
	}

	r.nextClient++
	id = r.nextClient
	var cv [8]byte
	if _, rerr := rand.Read(cv[:]); rerr != nil {
		return 0, cv, rerr
	}

	c := &Client{
		ID:              id,
		Owner:           owner,
		Verifier:        owner.Verifier,
		ConfirmVerifier: cv,
		LastRenewal:     time.Now(),
		sessions:        make(map[SessionID]*Session),
	}
	r.byOwner[owner.key()] = c
	r.byClientID[id] = c
	return id, cv, nil
}

// ConfirmClientID implements SETCLIENTID_CONFIRM.
func (r *Registry) ConfirmClientID(id uint64, confirmVerifier [8]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byClientID[id]
	if !ok {
		return fmt.Errorf("nfs4: stale client id")
	}
	if c.ConfirmVerifier != confirmVerifier {
		return fmt.Errorf("nfs4: client id confirm rejected, verifier mismatch")
	}
	c.Confirmed = true
	c.touch()
	return nil
}

// ExchangeID implements the NFSv4.1 EXCHANGE_ID handshake: like
// SETCLIENTID but confirmed implicitly as soon as CREATE_SESSION
// succeeds on the returned client id.
func (r *Registry) ExchangeID(owner ClientOwner) (id uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byOwner[owner.key()]; ok && existing.Verifier == owner.Verifier {
		existing.touch()
		return existing.ID, nil
	}

	r.nextClient++
	id = r.nextClient
	c := &Client{
		ID:          id,
		Owner:       owner,
		Verifier:    owner.Verifier,
		Confirmed:   true,
		LastRenewal: time.Now(),
		sessions:    make(map[SessionID]*Session),
	}
	r.byOwner[owner.key()] = c
	r.byClientID[id] = c
	return id, nil
}

// Client looks up a registered client by id.
func (r *Registry) Client(id uint64) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byClientID[id]
	return c, ok
}

// Renew refreshes a client's lease (NFSv4.0 RENEW, and implicitly every
// NFSv4.1 SEQUENCE).
func (r *Registry) Renew(id uint64) error {
	r.mu.Lock()
	c, ok := r.byClientID[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("nfs4: stale client id")
	}
	c.touch()
	return nil
}

// DestroyClientID implements DESTROY_CLIENTID: removes a confirmed,
// session-less client from the registry.
func (r *Registry) DestroyClientID(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byClientID[id]
	if !ok {
		return nil
	}
	if len(c.sessions) > 0 {
		return fmt.Errorf("nfs4: client id has associated sessions")
	}
	delete(r.byClientID, id)
	delete(r.byOwner, c.Owner.key())
	return nil
}

// randomSessionID mints a 16-byte sessionid4 from a fresh UUIDv4 (§3
// "NFSv4 Session"), rather than a raw crypto/rand fill, so session ids
// carry the same collision-resistance guarantee as everywhere else in
// this codebase that needs an opaque unique identifier.
func randomSessionID() (SessionID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return SessionID{}, err
	}
	return SessionID(u), nil
}

// CreateSession implements CREATE_SESSION, minting a session bound to
// an already-exchanged client id.
func (r *Registry) CreateSession(clientID uint64, flags uint32) (*Session, error) {
	r.mu.Lock()
	c, ok := r.byClientID[clientID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("nfs4: stale client id")
	}

	id, err := randomSessionID()
	if err != nil {
		return nil, err
	}
	sess := &Session{
		ID:       id,
		ClientID: clientID,
		Fore:     NewSlotTable(SlotCount),
		Flags:    flags,
	}
	if flags&CreateSession4FlagConnBackChan != 0 {
		sess.Back = NewSlotTable(SlotCount)
	}

	r.mu.Lock()
	c.sessions[id] = sess
	r.sessions[id] = sess
	r.mu.Unlock()
	return sess, nil
}

// Session looks up a registered session by id.
func (r *Registry) Session(id SessionID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// SessionSummary is a read-only snapshot of one registered session, for
// the admin API.
type SessionSummary struct {
	SessionID string
	ClientID  uint64
	HasBack   bool
}

// Sessions returns a snapshot of every registered session, for the
// admin API's GET /sessions endpoint.
func (r *Registry) Sessions() []SessionSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionSummary, 0, len(r.sessions))
	for id, s := range r.sessions {
		out = append(out, SessionSummary{
			SessionID: fmt.Sprintf("%x", id),
			ClientID:  s.ClientID,
			HasBack:   s.Back != nil,
		})
	}
	return out
}

// DestroySession implements DESTROY_SESSION. §4.8 notes destruction is
// swept after any in-flight request on the session's slots completes;
// this registry is single-process and synchronous per-slot, so it is
// sufficient to simply drop the table — no request can be holding a
// slot reference across this call because Compound processing holds
// the registry lock-free but completes slot bookkeeping before
// returning.
func (r *Registry) DestroySession(id SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("nfs4: bad session")
	}
	delete(r.sessions, id)
	if c, ok := r.byClientID[sess.ClientID]; ok {
		delete(c.sessions, id)
	}
	return nil
}

// Stateid4 is the NFSv4 stateid: a 4-byte seqid plus a 12-byte
// server-opaque "other". §4.8 fixes its encoding exactly:
// other[0:4] = slot index, little-endian; other[4:12] = client id.
type Stateid4 struct {
	Seqid uint32
	Other [12]byte
}

// EncodeStateid builds a stateid4 for the open state occupying slot,
// owned by clientID, at the given seqid.
func EncodeStateid(slot uint32, clientID uint64, seqid uint32) Stateid4 {
	var other [12]byte
	binary.LittleEndian.PutUint32(other[0:4], slot)
	binary.LittleEndian.PutUint64(other[4:12], clientID)
	return Stateid4{Seqid: seqid, Other: other}
}

// DecodeStateid is the exact inverse of EncodeStateid.
func DecodeStateid(s Stateid4) (slot uint32, clientID uint64) {
	slot = binary.LittleEndian.Uint32(s.Other[0:4])
	clientID = binary.LittleEndian.Uint64(s.Other[4:12])
	return slot, clientID
}

// AllocSlot reserves a free open-state slot for fh, returning the
// stateid other-bytes' slot index. Slots are drawn from a freelist so
// CLOSE can return its slot to circulation (§4.8 "slot allocation
// freelist").
func (r *Registry) AllocSlot(clientID uint64, fh []byte, access, deny uint32) uint32 {
	r.slotsMu.Lock()
	defer r.slotsMu.Unlock()

	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = uint32(len(r.slots))
		r.slots = append(r.slots, nil)
	}
	r.slots[idx] = &OpenFile{Slot: idx, ClientID: clientID, FH: fh, Access: access, Deny: deny}
	return idx
}

// Slot returns the open-state record occupying idx, or nil if free.
func (r *Registry) Slot(idx uint32) *OpenFile {
	r.slotsMu.Lock()
	defer r.slotsMu.Unlock()
	if int(idx) >= len(r.slots) {
		return nil
	}
	return r.slots[idx]
}

// FreeSlot returns a slot to the freelist (CLOSE).
func (r *Registry) FreeSlot(idx uint32) {
	r.slotsMu.Lock()
	defer r.slotsMu.Unlock()
	if int(idx) >= len(r.slots) {
		return
	}
	r.slots[idx] = nil
	r.free = append(r.free, idx)
}

// advanceSeq atomically advances and returns c's open-owner sequence
// counter. No handler calls it: OPEN, OPEN_DOWNGRADE and CLOSE do not
// check seqid ordering.
func (c *Client) advanceSeq() uint32 {
	return atomic.AddUint32(&c.nextSeqID, 1)
}
