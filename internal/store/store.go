// Package store persists connections and their secret bundles in a bbolt
// database. Public connection metadata is stored as plain JSON; secret
// bundles are stored only as AES-GCM ciphertext under a process-wide
// master key kept alongside the data. The master key itself is not
// further wrapped; see the limitations note in the README.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/text/unicode/norm"

	deperr "github.com/mbaxter/depot/internal/errors"
	"github.com/mbaxter/depot/internal/models"
)

const (
	// storeDirPerm is the permission mode for the state directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt database lock.
	storeOpenTimeout = 5 * time.Second

	// idLen is the length of generated connection ids in hex characters.
	idLen = 12
)

var (
	connectionsBucket = []byte("connections")
	secretsBucket     = []byte("secrets")
	customIDsBucket   = []byte("customids")
	appBucket         = []byte("app")

	masterKeyKey = []byte("master_key")
)

// NewID derives a connection id from the display name and creation time:
// hex(SHA-256(NFKC(name) || unix-millis)) truncated to 12 characters.
// Two saves of the same name within the same millisecond collide and the
// later write wins, consistent with update semantics elsewhere.
func NewID(name string, now time.Time) string {
	input := norm.NFKC.String(name) + strconv.FormatInt(now.UnixMilli(), 10)
	h := sha256.Sum256([]byte(input))

	return hex.EncodeToString(h[:])[:idLen]
}

// Store is the encrypted credential store.
type Store struct {
	db *bolt.DB

	// mu guards cipher, which is replaced wholesale by ClearAll.
	mu     sync.RWMutex
	cipher *Cipher
}

// Open opens (creating if needed) the store at the given path. Buckets
// are created and the master key is loaded, or generated on first open.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	s := &Store{db: db}

	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// init creates buckets and ensures a master key exists, building the
// cipher from it.
func (s *Store) init() error {
	var masterKey []byte

	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{connectionsBucket, secretsBucket, customIDsBucket, appBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		app := tx.Bucket(appBucket)
		if v := app.Get(masterKeyKey); v != nil {
			masterKey = slices.Clone(v)
			return nil
		}

		key, err := NewMasterKey()
		if err != nil {
			return err
		}

		if err := app.Put(masterKeyKey, key); err != nil {
			return err
		}

		masterKey = key

		return nil
	})
	if err != nil {
		return fmt.Errorf("initializing store db: %w", err)
	}

	cipher, err := NewCipher(masterKey)
	ZeroKey(masterKey)

	if err != nil {
		return fmt.Errorf("initializing cipher: %w", err)
	}

	s.mu.Lock()
	s.cipher = cipher
	s.mu.Unlock()

	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put persists a connection and its secret bundle. A new id is generated
// when conn.ID is empty. The secret is serialized and encrypted before
// anything is written; both halves land in a single transaction so readers
// never observe a partial record.
func (s *Store) Put(conn models.Connection, secret models.SecretBundle) (string, error) {
	if !conn.AuthType.Valid() {
		return "", fmt.Errorf("unknown auth type %q", conn.AuthType)
	}

	if err := secret.Validate(conn.AuthType); err != nil {
		return "", fmt.Errorf("validating secret bundle: %w", err)
	}

	if conn.ID == "" {
		conn.ID = NewID(conn.Name, time.Now())
	}

	plaintext, err := json.Marshal(secret)
	if err != nil {
		return "", fmt.Errorf("serializing secret bundle: %w", err)
	}

	s.mu.RLock()
	blob, err := s.cipher.Encrypt(plaintext)
	s.mu.RUnlock()

	if err != nil {
		return "", fmt.Errorf("encrypting secret bundle: %w", err)
	}

	public, err := json.Marshal(conn)
	if err != nil {
		return "", fmt.Errorf("serializing connection: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(connectionsBucket).Put([]byte(conn.ID), public); err != nil {
			return err
		}

		return tx.Bucket(secretsBucket).Put([]byte(conn.ID), blob)
	})
	if err != nil {
		return "", fmt.Errorf("writing connection %s: %w", conn.ID, err)
	}

	return conn.ID, nil
}

// PutPublic persists only the public half of a connection, leaving any
// existing secret blob untouched. A record written this way with no
// prior secret reads back as ErrSecretMissing until credentials are
// re-entered. Used by metadata import.
func (s *Store) PutPublic(conn models.Connection) (string, error) {
	if !conn.AuthType.Valid() {
		return "", fmt.Errorf("unknown auth type %q", conn.AuthType)
	}

	if conn.ID == "" {
		conn.ID = NewID(conn.Name, time.Now())
	}

	public, err := json.Marshal(conn)
	if err != nil {
		return "", fmt.Errorf("serializing connection: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(connectionsBucket).Put([]byte(conn.ID), public)
	})
	if err != nil {
		return "", fmt.Errorf("writing connection %s: %w", conn.ID, err)
	}

	return conn.ID, nil
}

// Get returns the public connection record for an id.
func (s *Store) Get(id string) (models.Connection, error) {
	var conn models.Connection

	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(connectionsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		found = true

		return json.Unmarshal(v, &conn)
	})
	if err != nil {
		return models.Connection{}, fmt.Errorf("reading connection %s: %w", id, err)
	}

	if !found {
		return models.Connection{}, fmt.Errorf("connection %s: %w", id, deperr.ErrNotFound)
	}

	return conn, nil
}

// GetSecret decrypts and returns the secret bundle for an id. Fails with
// ErrNotFound for an unknown id, ErrSecretMissing when the public record
// exists without an encrypted blob, and ErrDecryptionFailed when the blob
// cannot be decrypted under the current key.
func (s *Store) GetSecret(id string) (models.SecretBundle, error) {
	var (
		blob      []byte
		hasPublic bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		hasPublic = tx.Bucket(connectionsBucket).Get([]byte(id)) != nil

		if v := tx.Bucket(secretsBucket).Get([]byte(id)); v != nil {
			blob = slices.Clone(v)
		}

		return nil
	})
	if err != nil {
		return models.SecretBundle{}, fmt.Errorf("reading secret for %s: %w", id, err)
	}

	if blob == nil {
		if hasPublic {
			return models.SecretBundle{}, fmt.Errorf("connection %s: %w", id, deperr.ErrSecretMissing)
		}

		return models.SecretBundle{}, fmt.Errorf("connection %s: %w", id, deperr.ErrNotFound)
	}

	s.mu.RLock()
	plaintext, err := s.cipher.Decrypt(blob)
	s.mu.RUnlock()

	if err != nil {
		return models.SecretBundle{}, fmt.Errorf("secret for %s: %w", id, err)
	}

	var secret models.SecretBundle
	if err := json.Unmarshal(plaintext, &secret); err != nil {
		return models.SecretBundle{}, fmt.Errorf("%w: malformed secret record for %s", deperr.ErrDecryptionFailed, id)
	}

	return secret, nil
}

// List returns all public connection records. Iteration order follows the
// bucket's key order and carries no meaning; callers wanting "most recent"
// sort by LastConnectedAt.
func (s *Store) List() ([]models.Connection, error) {
	var conns []models.Connection

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(connectionsBucket).ForEach(func(k, v []byte) error {
			var conn models.Connection
			if err := json.Unmarshal(v, &conn); err != nil {
				return err
			}

			conns = append(conns, conn)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}

	return conns, nil
}

// Delete removes the connection, its secret, and its custom id lists.
// Returns whether a record existed. Live sessions and cached tokens are
// the registry's problem; the store knows nothing about them.
func (s *Store) Delete(id string) (bool, error) {
	existed := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		key := []byte(id)

		existed = tx.Bucket(connectionsBucket).Get(key) != nil

		if err := tx.Bucket(connectionsBucket).Delete(key); err != nil {
			return err
		}

		if err := tx.Bucket(secretsBucket).Delete(key); err != nil {
			return err
		}

		return tx.Bucket(customIDsBucket).Delete(key)
	})
	if err != nil {
		return false, fmt.Errorf("deleting connection %s: %w", id, err)
	}

	return existed, nil
}

// TouchLastConnected updates the connection's last-connected timestamp.
func (s *Store) TouchLastConnected(id string, at time.Time) error {
	return s.updateConnection(id, func(conn *models.Connection) {
		conn.LastConnectedAt = at
	})
}

// SetLastLocalFolder updates the connection's local folder hint.
func (s *Store) SetLastLocalFolder(id, path string) error {
	return s.updateConnection(id, func(conn *models.Connection) {
		conn.LastLocalFolder = path
	})
}

// updateConnection applies a metadata-only mutation to a public record.
func (s *Store) updateConnection(id string, mutate func(*models.Connection)) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(connectionsBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("connection %s: %w", id, deperr.ErrNotFound)
		}

		var conn models.Connection
		if err := json.Unmarshal(v, &conn); err != nil {
			return err
		}

		mutate(&conn)

		data, err := json.Marshal(conn)
		if err != nil {
			return err
		}

		return b.Put([]byte(id), data)
	})
	if err != nil {
		return fmt.Errorf("updating connection %s: %w", id, err)
	}

	return nil
}

// CustomIDs returns the catalog/library id lists for a connection.
// Unknown ids yield empty lists, not an error.
func (s *Store) CustomIDs(id string) (models.CustomIDs, error) {
	ids := models.CustomIDs{}

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(customIDsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &ids)
	})
	if err != nil {
		return models.CustomIDs{}, fmt.Errorf("reading custom ids for %s: %w", id, err)
	}

	return ids, nil
}

// AddCatalogID appends a catalog id to the connection's list, deduplicating.
func (s *Store) AddCatalogID(id, catalogID string) error {
	return s.updateCustomIDs(id, func(ids *models.CustomIDs) {
		if !slices.Contains(ids.CatalogIDs, catalogID) {
			ids.CatalogIDs = append(ids.CatalogIDs, catalogID)
		}
	})
}

// AddLibraryID appends a library id to the connection's list, deduplicating.
func (s *Store) AddLibraryID(id, libraryID string) error {
	return s.updateCustomIDs(id, func(ids *models.CustomIDs) {
		if !slices.Contains(ids.LibraryIDs, libraryID) {
			ids.LibraryIDs = append(ids.LibraryIDs, libraryID)
		}
	})
}

// RemoveCatalogID removes a catalog id from the connection's list.
func (s *Store) RemoveCatalogID(id, catalogID string) error {
	return s.updateCustomIDs(id, func(ids *models.CustomIDs) {
		ids.CatalogIDs = slices.DeleteFunc(ids.CatalogIDs, func(v string) bool { return v == catalogID })
	})
}

// RemoveLibraryID removes a library id from the connection's list.
func (s *Store) RemoveLibraryID(id, libraryID string) error {
	return s.updateCustomIDs(id, func(ids *models.CustomIDs) {
		ids.LibraryIDs = slices.DeleteFunc(ids.LibraryIDs, func(v string) bool { return v == libraryID })
	})
}

func (s *Store) updateCustomIDs(id string, mutate func(*models.CustomIDs)) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(customIDsBucket)

		ids := models.CustomIDs{}
		if v := b.Get([]byte(id)); v != nil {
			if err := json.Unmarshal(v, &ids); err != nil {
				return err
			}
		}

		mutate(&ids)

		data, err := json.Marshal(ids)
		if err != nil {
			return err
		}

		return b.Put([]byte(id), data)
	})
	if err != nil {
		return fmt.Errorf("updating custom ids for %s: %w", id, err)
	}

	return nil
}

// ClearAll wipes every connection, every secret bundle, all custom id
// lists, and the master key itself. Irreversible: a fresh key is generated
// immediately, so any ciphertext that somehow survives becomes
// undecryptable rather than silently wrong.
func (s *Store) ClearAll() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{connectionsBucket, secretsBucket, customIDsBucket, appBucket} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("clearing store: %w", err)
	}

	return s.init()
}
