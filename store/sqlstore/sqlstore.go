// Package sqlstore is the durable counterpart to store.MemoryStore: the same
// five sub-store interfaces, backed by a SQL database opened with
// modernc.org/sqlite, grounded on the sqlstore.New(driverName, dsn, log)
// container pattern used across the pack's client-wiring code.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"wacore/store"
	"wacore/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS wacore_device (
	jid             TEXT PRIMARY KEY,
	registration_id INTEGER NOT NULL,
	noise_priv      BLOB NOT NULL,
	identity_priv   BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS wacore_identity (
	our_jid TEXT NOT NULL,
	their_address TEXT NOT NULL,
	identity BLOB NOT NULL,
	PRIMARY KEY (our_jid, their_address)
);

CREATE TABLE IF NOT EXISTS wacore_session (
	our_jid TEXT NOT NULL,
	their_address TEXT NOT NULL,
	session BLOB NOT NULL,
	PRIMARY KEY (our_jid, their_address)
);

CREATE TABLE IF NOT EXISTS wacore_prekey (
	our_jid  TEXT NOT NULL,
	key_id   INTEGER NOT NULL,
	pub      BLOB NOT NULL,
	priv     BLOB NOT NULL,
	uploaded BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (our_jid, key_id)
);

CREATE TABLE IF NOT EXISTS wacore_signed_prekey (
	our_jid   TEXT NOT NULL,
	key_id    INTEGER NOT NULL,
	pub       BLOB NOT NULL,
	priv      BLOB NOT NULL,
	signature BLOB NOT NULL,
	PRIMARY KEY (our_jid, key_id)
);

CREATE TABLE IF NOT EXISTS wacore_sender_key (
	our_jid    TEXT NOT NULL,
	group_id   TEXT NOT NULL,
	sender_id  TEXT NOT NULL,
	sender_key BLOB NOT NULL,
	PRIMARY KEY (our_jid, group_id, sender_id)
);
`

// Container owns the database connection and creates/loads per-device
// Stores out of it, the way sqlstore.Container does in the pack's client
// wiring (sqlstore.New(driverName, dsn, log) -> container.GetDevice(jid)).
type Container struct {
	db  *sql.DB
	log zerolog.Logger
}

// New opens dsn with driverName (normally "sqlite") and ensures the schema
// exists.
func New(ctx context.Context, driverName, dsn string, log zerolog.Logger) (*Container, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("sqlstore: failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("sqlstore: failed to migrate schema: %w", err)
	}
	return &Container{db: db, log: log}, nil
}

func (c *Container) Close() error {
	return c.db.Close()
}

// NewDevice creates a fresh identity/registration id and persists a new
// device row, returning the *store.Store backed by this container.
func (c *Container) NewDevice(ctx context.Context, jid types.JID) (*store.Store, error) {
	identityKey := types.NewKeyPair()
	noiseKey := types.NewKeyPair()
	registrationID := types.GenerateRegistrationID()

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO wacore_device (jid, registration_id, noise_priv, identity_priv) VALUES (?, ?, ?, ?)`,
		jid.String(), registrationID, noiseKey.Priv[:], identityKey.Priv[:])
	if err != nil {
		return nil, fmt.Errorf("sqlstore: failed to insert device: %w", err)
	}
	return c.buildStore(jid, noiseKey, identityKey, registrationID), nil
}

// GetDevice loads a previously persisted device's keys and sub-stores.
func (c *Container) GetDevice(ctx context.Context, jid types.JID) (*store.Store, error) {
	var registrationID uint32
	var noisePriv, identityPriv []byte
	row := c.db.QueryRowContext(ctx, `SELECT registration_id, noise_priv, identity_priv FROM wacore_device WHERE jid = ?`, jid.String())
	if err := row.Scan(&registrationID, &noisePriv, &identityPriv); err != nil {
		return nil, fmt.Errorf("sqlstore: failed to load device %s: %w", jid, err)
	}
	noiseKey := types.NewKeyPairFromPrivateKey([32]byte(noisePriv))
	identityKey := types.NewKeyPairFromPrivateKey([32]byte(identityPriv))
	return c.buildStore(jid, noiseKey, identityKey, registrationID), nil
}

func (c *Container) buildStore(jid types.JID, noiseKey, identityKey *types.KeyPair, registrationID uint32) *store.Store {
	sub := &sqlSubStore{db: c.db, ownJID: jid.String(), identityKey: identityKey, registrationID: registrationID}
	return &store.Store{
		Identities:    sub,
		Sessions:      sub,
		PreKeys:       sub,
		SignedPreKeys: sub,
		SenderKeys:    sub,
		// Chats (spec §3) has no durable schema yet: it's local bookkeeping
		// (unread counters, participant pre-key tracking) the device rebuilds
		// from history sync on next login, so an in-memory table is enough.
		Chats:       store.NewChatStore(),
		ID:          jid,
		NoiseKey:    noiseKey,
		IdentityKey: identityKey,
	}
}

// sqlSubStore implements every store.*Store interface against the shared
// database, scoped to one device's own JID.
type sqlSubStore struct {
	db             *sql.DB
	ownJID         string
	identityKey    *types.KeyPair
	registrationID uint32
}

func (s *sqlSubStore) GetIdentityKeyPair() *types.KeyPair { return s.identityKey }
func (s *sqlSubStore) GetLocalRegistrationID() uint32     { return s.registrationID }

func (s *sqlSubStore) GetIdentity(addr string) (key [32]byte, found bool, err error) {
	var raw []byte
	row := s.db.QueryRow(`SELECT identity FROM wacore_identity WHERE our_jid = ? AND their_address = ?`, s.ownJID, addr)
	err = row.Scan(&raw)
	if err == sql.ErrNoRows {
		return key, false, nil
	} else if err != nil {
		return key, false, err
	}
	copy(key[:], raw)
	return key, true, nil
}

func (s *sqlSubStore) PutIdentity(addr string, key [32]byte) (changed bool, err error) {
	existing, found, err := s.GetIdentity(addr)
	if err != nil {
		return false, err
	}
	changed = found && existing != key
	_, err = s.db.Exec(`INSERT INTO wacore_identity (our_jid, their_address, identity) VALUES (?, ?, ?)
		ON CONFLICT (our_jid, their_address) DO UPDATE SET identity = excluded.identity`,
		s.ownJID, addr, key[:])
	return changed, err
}

func (s *sqlSubStore) DeleteIdentity(addr string) error {
	_, err := s.db.Exec(`DELETE FROM wacore_identity WHERE our_jid = ? AND their_address = ?`, s.ownJID, addr)
	return err
}

func (s *sqlSubStore) ContainsSession(addr string) bool {
	var count int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM wacore_session WHERE our_jid = ? AND their_address = ?`, s.ownJID, addr)
	if err := row.Scan(&count); err != nil {
		return false
	}
	return count > 0
}

func (s *sqlSubStore) GetSession(addr string) ([]byte, error) {
	var raw []byte
	row := s.db.QueryRow(`SELECT session FROM wacore_session WHERE our_jid = ? AND their_address = ?`, s.ownJID, addr)
	err := row.Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return raw, err
}

func (s *sqlSubStore) PutSession(addr string, session []byte) error {
	_, err := s.db.Exec(`INSERT INTO wacore_session (our_jid, their_address, session) VALUES (?, ?, ?)
		ON CONFLICT (our_jid, their_address) DO UPDATE SET session = excluded.session`,
		s.ownJID, addr, session)
	return err
}

func (s *sqlSubStore) DeleteSession(addr string) error {
	_, err := s.db.Exec(`DELETE FROM wacore_session WHERE our_jid = ? AND their_address = ?`, s.ownJID, addr)
	return err
}

func (s *sqlSubStore) GetSubDeviceSessions(user string) ([]uint32, error) {
	rows, err := s.db.Query(`SELECT their_address FROM wacore_session WHERE our_jid = ? AND their_address LIKE ?`, s.ownJID, user+".%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uint32
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		var device uint32
		if _, err := fmt.Sscanf(addr, user+".%d", &device); err == nil {
			out = append(out, device)
		}
	}
	return out, rows.Err()
}

func (s *sqlSubStore) LoadPreKey(id uint32) (*types.PreKey, error) {
	var pub, priv []byte
	row := s.db.QueryRow(`SELECT pub, priv FROM wacore_prekey WHERE our_jid = ? AND key_id = ?`, s.ownJID, id)
	if err := row.Scan(&pub, &priv); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &types.PreKey{KeyPair: types.KeyPair{Pub: (*[32]byte)(pub), Priv: (*[32]byte)(priv)}, KeyID: id}, nil
}

func (s *sqlSubStore) StorePreKey(id uint32, key *types.PreKey) error {
	_, err := s.db.Exec(`INSERT INTO wacore_prekey (our_jid, key_id, pub, priv, uploaded) VALUES (?, ?, ?, ?, TRUE)
		ON CONFLICT (our_jid, key_id) DO UPDATE SET pub = excluded.pub, priv = excluded.priv`,
		s.ownJID, id, key.Pub[:], key.Priv[:])
	return err
}

func (s *sqlSubStore) ContainsPreKey(id uint32) bool {
	var count int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM wacore_prekey WHERE our_jid = ? AND key_id = ?`, s.ownJID, id)
	if err := row.Scan(&count); err != nil {
		return false
	}
	return count > 0
}

func (s *sqlSubStore) RemovePreKey(id uint32) error {
	_, err := s.db.Exec(`DELETE FROM wacore_prekey WHERE our_jid = ? AND key_id = ?`, s.ownJID, id)
	return err
}

func (s *sqlSubStore) UploadedPreKeyCount() (int, error) {
	var count int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM wacore_prekey WHERE our_jid = ? AND uploaded = TRUE`, s.ownJID)
	err := row.Scan(&count)
	return count, err
}

func (s *sqlSubStore) LoadSignedPreKey(id uint32) (*types.SignedPreKey, error) {
	var pub, priv, sig []byte
	row := s.db.QueryRow(`SELECT pub, priv, signature FROM wacore_signed_prekey WHERE our_jid = ? AND key_id = ?`, s.ownJID, id)
	if err := row.Scan(&pub, &priv, &sig); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return signedPreKeyFromRow(id, pub, priv, sig), nil
}

func (s *sqlSubStore) LoadSignedPreKeys() ([]*types.SignedPreKey, error) {
	rows, err := s.db.Query(`SELECT key_id, pub, priv, signature FROM wacore_signed_prekey WHERE our_jid = ?`, s.ownJID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.SignedPreKey
	for rows.Next() {
		var id uint32
		var pub, priv, sig []byte
		if err := rows.Scan(&id, &pub, &priv, &sig); err != nil {
			return nil, err
		}
		out = append(out, signedPreKeyFromRow(id, pub, priv, sig))
	}
	return out, rows.Err()
}

func (s *sqlSubStore) StoreSignedPreKey(id uint32, key *types.SignedPreKey) error {
	_, err := s.db.Exec(`INSERT INTO wacore_signed_prekey (our_jid, key_id, pub, priv, signature) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (our_jid, key_id) DO UPDATE SET pub = excluded.pub, priv = excluded.priv, signature = excluded.signature`,
		s.ownJID, id, key.Pub[:], key.Priv[:], key.Signature[:])
	return err
}

func (s *sqlSubStore) ContainsSignedPreKey(id uint32) bool {
	var count int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM wacore_signed_prekey WHERE our_jid = ? AND key_id = ?`, s.ownJID, id)
	if err := row.Scan(&count); err != nil {
		return false
	}
	return count > 0
}

func (s *sqlSubStore) RemoveSignedPreKey(id uint32) error {
	_, err := s.db.Exec(`DELETE FROM wacore_signed_prekey WHERE our_jid = ? AND key_id = ?`, s.ownJID, id)
	return err
}

func (s *sqlSubStore) GetLatest() (*types.SignedPreKey, error) {
	var id uint32
	var pub, priv, sig []byte
	row := s.db.QueryRow(`SELECT key_id, pub, priv, signature FROM wacore_signed_prekey WHERE our_jid = ? ORDER BY key_id DESC LIMIT 1`, s.ownJID)
	if err := row.Scan(&id, &pub, &priv, &sig); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("sqlstore: no signed prekey stored for %s", s.ownJID)
		}
		return nil, err
	}
	return signedPreKeyFromRow(id, pub, priv, sig), nil
}

func signedPreKeyFromRow(id uint32, pub, priv, sig []byte) *types.SignedPreKey {
	var signature [64]byte
	copy(signature[:], sig)
	return &types.SignedPreKey{
		KeyPair:   types.KeyPair{Pub: (*[32]byte)(pub), Priv: (*[32]byte)(priv)},
		KeyID:     id,
		Signature: &signature,
	}
}

func (s *sqlSubStore) GetSenderKey(groupID, addr string) ([]byte, error) {
	var raw []byte
	row := s.db.QueryRow(`SELECT sender_key FROM wacore_sender_key WHERE our_jid = ? AND group_id = ? AND sender_id = ?`, s.ownJID, groupID, addr)
	err := row.Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return raw, err
}

func (s *sqlSubStore) PutSenderKey(groupID, addr string, senderKey []byte) error {
	_, err := s.db.Exec(`INSERT INTO wacore_sender_key (our_jid, group_id, sender_id, sender_key) VALUES (?, ?, ?, ?)
		ON CONFLICT (our_jid, group_id, sender_id) DO UPDATE SET sender_key = excluded.sender_key`,
		s.ownJID, groupID, addr, senderKey)
	return err
}
