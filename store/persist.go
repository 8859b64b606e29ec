package store

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/wjorgensen/porto-zkEmail-sub001/types"
)

// Storage is the pluggable persistence backend. Writes are best-effort:
// the store never blocks a mutation on Save completing.
type Storage interface {
	Load() ([]byte, error)
	Save(data []byte) error
}

// persistVersion is the layout version embedded in the blob. Bumping it
// invalidates older blobs instead of silently mis-reading them.
const persistVersion = 1

// persistedSchema validates an untrusted blob before any field of it is
// merged over fresh defaults.
const persistedSchema = `{
  "type": "object",
  "required": ["version", "chainId", "accounts"],
  "properties": {
    "version": {"type": "integer"},
    "chainId": {"type": "integer", "minimum": 0},
    "feeToken": {"type": "string"},
    "accounts": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["address", "keys"],
        "properties": {
          "address": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
          "keys": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["publicKey", "role", "type"],
              "properties": {
                "publicKey": {"type": "string", "pattern": "^0x[0-9a-fA-F]*$"},
                "role": {"enum": ["admin", "session"]},
                "type": {"enum": ["secp256k1", "p256", "webauthn-p256", "address"]},
                "expiry": {"type": "integer", "minimum": 0}
              }
            }
          }
        }
      }
    }
  }
}`

type persistedKey struct {
	PublicKey string `json:"publicKey"`
	Role      string `json:"role"`
	Type      string `json:"type"`
	Expiry    uint64 `json:"expiry,omitempty"`
}

type persistedAccount struct {
	Address string         `json:"address"`
	Keys    []persistedKey `json:"keys"`
}

type persistedState struct {
	Version  int                `json:"version"`
	Accounts []persistedAccount `json:"accounts"`
	ChainID  uint64             `json:"chainId"`
	FeeToken string             `json:"feeToken,omitempty"`
}

// persist writes the serializable projection of st. Queue entries and key
// permissions are runtime-only and are stripped. gen orders concurrent
// writers: a snapshot that lost the race to a newer one is dropped so the
// backend never ends up holding stale state.
func (s *Store) persist(st types.State, gen uint64) {
	blob := persistedState{
		Version:  persistVersion,
		Accounts: make([]persistedAccount, 0, len(st.Accounts)),
		ChainID:  st.ChainID,
		FeeToken: st.FeeToken,
	}
	for _, a := range st.Accounts {
		pa := persistedAccount{Address: a.Address.Hex(), Keys: make([]persistedKey, 0, len(a.Keys))}
		for _, k := range a.Keys {
			pa.Keys = append(pa.Keys, persistedKey{
				PublicKey: hexutil.Encode(k.PublicKey),
				Role:      string(k.Role),
				Type:      string(k.Type),
				Expiry:    k.Expiry,
			})
		}
		blob.Accounts = append(blob.Accounts, pa)
	}
	data, err := json.Marshal(blob)
	if err != nil {
		s.log.Warn("persist: marshal failed", zap.Error(err))
		return
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if gen < s.saveGen {
		return
	}
	s.saveGen = gen
	if err := s.storage.Save(data); err != nil {
		s.log.Warn("persist: save failed", zap.Error(err))
	}
}

// rehydrate merges a persisted blob over the fresh defaults already in
// s.state. A missing, invalid, or version-mismatched blob leaves the
// defaults untouched; a stale chain id is clamped to the default chain.
func (s *Store) rehydrate() {
	data, err := s.storage.Load()
	if err != nil {
		s.log.Warn("rehydrate: load failed", zap.Error(err))
		return
	}
	if len(data) == 0 {
		return
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(persistedSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil || !result.Valid() {
		s.log.Warn("rehydrate: persisted state failed schema validation, starting fresh")
		return
	}

	var blob persistedState
	if err := json.Unmarshal(data, &blob); err != nil {
		s.log.Warn("rehydrate: unmarshal failed", zap.Error(err))
		return
	}
	if blob.Version != persistVersion {
		s.log.Warn("rehydrate: persisted layout version mismatch, starting fresh",
			zap.Int("persisted", blob.Version), zap.Int("expected", persistVersion))
		return
	}

	for _, pa := range blob.Accounts {
		if !common.IsHexAddress(pa.Address) {
			continue
		}
		addr := common.HexToAddress(pa.Address)
		account := types.Account{Address: addr}
		for _, pk := range pa.Keys {
			pub, err := hexutil.Decode(pk.PublicKey)
			if err != nil {
				continue
			}
			account.Keys = append(account.Keys, types.Key{
				PublicKey: pub,
				Role:      types.KeyRole(pk.Role),
				Type:      types.KeyType(pk.Type),
				Expiry:    pk.Expiry,
			})
		}
		s.state.Accounts = append(s.state.Accounts, account)
	}
	if s.chainConfigured(blob.ChainID) {
		s.state.ChainID = blob.ChainID
	} else {
		s.log.Warn("rehydrate: persisted chain not configured, clamping",
			zap.Uint64("persisted", blob.ChainID), zap.Uint64("current", s.state.ChainID))
	}
	if blob.FeeToken != "" {
		s.state.FeeToken = blob.FeeToken
	}
}

func (s *Store) chainConfigured(id uint64) bool {
	for _, c := range s.chains {
		if c == id {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Backends
// ---------------------------------------------------------------------------

// MemoryStorage keeps the blob in memory. Useful for tests and headless
// embedding.
type MemoryStorage struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryStorage creates an empty in-memory backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (m *MemoryStorage) Load() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...), nil
}

func (m *MemoryStorage) Save(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
	return nil
}

// FileStorage persists the blob to a single file.
type FileStorage struct {
	path string
}

// NewFileStorage creates a file-backed storage at path.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

func (f *FileStorage) Load() ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

func (f *FileStorage) Save(data []byte) error {
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
