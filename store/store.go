// Package store defines the persistence surface the messaging core needs:
// identity keys, one-time and signed prekeys, per-peer sessions, per-group
// sender keys, and the handful of account-level secrets. signalstore.go
// adapts these onto the interfaces go.mau.fi/libsignal expects from a
// session/group builder's backing store.
package store

import (
	"sync"

	"wacore/types"
)

// IdentityStore holds the account's own identity keypair/registration id and
// the pinned identity key of every peer it has ever talked to.
type IdentityStore interface {
	GetIdentityKeyPair() *types.KeyPair
	GetLocalRegistrationID() uint32

	// GetIdentity returns the pinned public identity key for addr, if any.
	GetIdentity(addr string) (key [32]byte, found bool, err error)
	// PutIdentity pins addr's public identity key, returning whether a
	// different key was previously pinned (i.e. this is a key change).
	PutIdentity(addr string, key [32]byte) (changed bool, err error)
	DeleteIdentity(addr string) error
}

// SessionStore holds the serialized Double Ratchet session state keyed by
// signal address (user.device form).
type SessionStore interface {
	ContainsSession(addr string) bool
	GetSession(addr string) ([]byte, error)
	PutSession(addr string, session []byte) error
	DeleteSession(addr string) error
	// GetSubDeviceSessions returns the device ids (not the bare user part)
	// this store has sessions for, under the given user.
	GetSubDeviceSessions(user string) ([]uint32, error)
}

// PreKeyStore holds the one-time prekeys generated for this account, removed
// once consumed by an incoming session establishment.
type PreKeyStore interface {
	LoadPreKey(id uint32) (*types.PreKey, error)
	StorePreKey(id uint32, key *types.PreKey) error
	ContainsPreKey(id uint32) bool
	RemovePreKey(id uint32) error
	// UploadedPreKeyCount reports how many unconsumed prekeys remain, so the
	// caller knows when to top up the server-side pool.
	UploadedPreKeyCount() (int, error)
}

// SignedPreKeyStore holds the medium-lived signed prekey(s) for this
// account; GetLatest is what new outgoing bundles advertise.
type SignedPreKeyStore interface {
	LoadSignedPreKey(id uint32) (*types.SignedPreKey, error)
	LoadSignedPreKeys() ([]*types.SignedPreKey, error)
	StoreSignedPreKey(id uint32, key *types.SignedPreKey) error
	ContainsSignedPreKey(id uint32) bool
	RemoveSignedPreKey(id uint32) error
	GetLatest() (*types.SignedPreKey, error)
}

// SenderKeyStore holds per-(group, sender-device) sender-key ratchet state.
type SenderKeyStore interface {
	GetSenderKey(groupID, addr string) ([]byte, error)
	PutSenderKey(groupID, addr string, senderKey []byte) error
}

// Store is the full persistence surface one device needs, plus the
// account-level constants that don't belong to any sub-store.
type Store struct {
	Identities   IdentityStore
	Sessions     SessionStore
	PreKeys      PreKeyStore
	SignedPreKeys SignedPreKeyStore
	SenderKeys   SenderKeyStore
	Chats        *ChatStore

	ID         types.JID
	NoiseKey   *types.KeyPair
	IdentityKey *types.KeyPair
}

// ContainsSession is promoted for call sites that only have a *Store and
// don't want to reach into Sessions explicitly.
func (s *Store) ContainsSession(addr string) bool {
	return s.Sessions.ContainsSession(addr)
}

// MemoryStore is an in-process implementation of every sub-store, suitable
// for tests; store/sqlstore (which the demo command uses) persists the same
// shapes durably.
type MemoryStore struct {
	mu sync.RWMutex

	identityKey    *types.KeyPair
	registrationID uint32
	identities     map[string][32]byte

	sessions map[string][]byte

	preKeys       map[uint32]*types.PreKey
	signedPreKeys map[uint32]*types.SignedPreKey
	latestSigned  uint32

	senderKeys map[string][]byte
}

// NewMemoryStore creates an in-memory store seeded with a fresh identity
// keypair and registration id.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identityKey:    types.NewKeyPair(),
		registrationID: types.GenerateRegistrationID(),
		identities:     map[string][32]byte{},
		sessions:       map[string][]byte{},
		preKeys:        map[uint32]*types.PreKey{},
		signedPreKeys:  map[uint32]*types.SignedPreKey{},
		senderKeys:     map[string][]byte{},
	}
}

func (m *MemoryStore) GetIdentityKeyPair() *types.KeyPair { return m.identityKey }
func (m *MemoryStore) GetLocalRegistrationID() uint32     { return m.registrationID }

func (m *MemoryStore) GetIdentity(addr string) ([32]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.identities[addr]
	return key, ok, nil
}

func (m *MemoryStore) PutIdentity(addr string, key [32]byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, existed := m.identities[addr]
	m.identities[addr] = key
	changed := existed && prev != key
	return changed, nil
}

func (m *MemoryStore) DeleteIdentity(addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.identities, addr)
	return nil
}

func (m *MemoryStore) ContainsSession(addr string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[addr]
	return ok
}

func (m *MemoryStore) GetSession(addr string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[addr], nil
}

func (m *MemoryStore) PutSession(addr string, session []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[addr] = session
	return nil
}

func (m *MemoryStore) DeleteSession(addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, addr)
	return nil
}

func (m *MemoryStore) GetSubDeviceSessions(user string) ([]uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []uint32
	prefix := user + "."
	for addr := range m.sessions {
		if len(addr) > len(prefix) && addr[:len(prefix)] == prefix {
			var device uint32
			for _, c := range addr[len(prefix):] {
				if c < '0' || c > '9' {
					device = 0
					break
				}
				device = device*10 + uint32(c-'0')
			}
			out = append(out, device)
		}
	}
	return out, nil
}

func (m *MemoryStore) LoadPreKey(id uint32) (*types.PreKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.preKeys[id], nil
}

func (m *MemoryStore) StorePreKey(id uint32, key *types.PreKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preKeys[id] = key
	return nil
}

func (m *MemoryStore) ContainsPreKey(id uint32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.preKeys[id]
	return ok
}

func (m *MemoryStore) RemovePreKey(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.preKeys, id)
	return nil
}

func (m *MemoryStore) UploadedPreKeyCount() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.preKeys), nil
}

func (m *MemoryStore) LoadSignedPreKey(id uint32) (*types.SignedPreKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.signedPreKeys[id], nil
}

func (m *MemoryStore) LoadSignedPreKeys() ([]*types.SignedPreKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.SignedPreKey, 0, len(m.signedPreKeys))
	for _, k := range m.signedPreKeys {
		out = append(out, k)
	}
	return out, nil
}

func (m *MemoryStore) StoreSignedPreKey(id uint32, key *types.SignedPreKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signedPreKeys[id] = key
	m.latestSigned = id
	return nil
}

func (m *MemoryStore) ContainsSignedPreKey(id uint32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.signedPreKeys[id]
	return ok
}

func (m *MemoryStore) RemoveSignedPreKey(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.signedPreKeys, id)
	return nil
}

func (m *MemoryStore) GetLatest() (*types.SignedPreKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.signedPreKeys[m.latestSigned], nil
}

func (m *MemoryStore) GetSenderKey(groupID, addr string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.senderKeys[groupID+"|"+addr], nil
}

func (m *MemoryStore) PutSenderKey(groupID, addr string, senderKey []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.senderKeys[groupID+"|"+addr] = senderKey
	return nil
}

// NewStore wires a MemoryStore's facets into a Store for the given device JID.
func NewStore(deviceJID types.JID, mem *MemoryStore) *Store {
	return &Store{
		Identities:    mem,
		Sessions:      mem,
		PreKeys:       mem,
		SignedPreKeys: mem,
		SenderKeys:    mem,
		Chats:         NewChatStore(),
		ID:            deviceJID,
		NoiseKey:      types.NewKeyPair(),
		IdentityKey:   mem.identityKey,
	}
}
