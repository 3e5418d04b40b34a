package escrow

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"gigvault/core/types"
	"gigvault/storage"
)

const (
	keyJobSeq    = "escrow/meta/seq"
	keyConfig    = "escrow/meta/config"
	jobKeyPrefix = "escrow/job/"
	tokenPrefix  = "escrow/token/"
	acctPrefix   = "escrow/account/"
)

// Ledger is the durable job ledger: jobs keyed by sequential id, the platform
// config singleton, the token registry and account balance tables, all JSON
// encoded in a key-value store. A single mutex serializes writers; the engine
// additionally holds a per-job lock across each operation.
type Ledger struct {
	mu sync.Mutex
	db storage.Database
}

// NewLedger wraps the supplied database.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

func jobKey(id uint64) []byte {
	return []byte(jobKeyPrefix + strconv.FormatUint(id, 10))
}

func tokenKey(symbol string) []byte {
	return []byte(tokenPrefix + symbol)
}

func accountKey(addr [20]byte) []byte {
	return []byte(acctPrefix + hex.EncodeToString(addr[:]))
}

// JobPut validates and persists the job record.
func (l *Ledger) JobPut(job *Job) error {
	sanitized, err := SanitizeJob(job)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(sanitized)
	if err != nil {
		return fmt.Errorf("escrow: encode job %d: %w", sanitized.ID, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Put(jobKey(sanitized.ID), encoded)
}

// JobGet loads a job by id. The second return is false when the id was never
// assigned.
func (l *Ledger) JobGet(id uint64) (*Job, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	raw, err := l.db.Get(jobKey(id))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	job := &Job{}
	if err := json.Unmarshal(raw, job); err != nil {
		return nil, false, fmt.Errorf("escrow: decode job %d: %w", id, err)
	}
	return job, true, nil
}

// NextJobID increments and returns the sequential id counter. Ids start at 1.
func (l *Ledger) NextJobID() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var current uint64
	raw, err := l.db.Get([]byte(keyJobSeq))
	switch {
	case err == nil:
		current, err = strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("escrow: corrupt job sequence: %w", err)
		}
	case storage.IsNotFound(err):
	default:
		return 0, err
	}
	next := current + 1
	if err := l.db.Put([]byte(keyJobSeq), []byte(strconv.FormatUint(next, 10))); err != nil {
		return 0, err
	}
	return next, nil
}

// PlatformConfigGet loads the platform singleton; ok is false before the
// engine has been initialised.
func (l *Ledger) PlatformConfigGet() (PlatformConfig, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	raw, err := l.db.Get([]byte(keyConfig))
	if err != nil {
		if storage.IsNotFound(err) {
			return PlatformConfig{}, false, nil
		}
		return PlatformConfig{}, false, err
	}
	var cfg PlatformConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return PlatformConfig{}, false, fmt.Errorf("escrow: decode platform config: %w", err)
	}
	return cfg, true, nil
}

// PlatformConfigPut persists the platform singleton.
func (l *Ledger) PlatformConfigPut(cfg PlatformConfig) error {
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("escrow: encode platform config: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Put([]byte(keyConfig), encoded)
}

// TokenSupported reports current registry membership.
func (l *Ledger) TokenSupported(token string) (bool, error) {
	normalized, err := NormalizeToken(token)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	raw, err := l.db.Get(tokenKey(normalized))
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return string(raw) == "1", nil
}

// SetTokenSupported toggles registry membership.
func (l *Ledger) SetTokenSupported(token string, enabled bool) error {
	normalized, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	value := "0"
	if enabled {
		value = "1"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Put(tokenKey(normalized), []byte(value))
}

// GetAccount loads the balance table for an address. Unknown addresses read
// as empty accounts.
func (l *Ledger) GetAccount(addr [20]byte) (*types.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	raw, err := l.db.Get(accountKey(addr))
	if err != nil {
		if storage.IsNotFound(err) {
			return types.NewAccount(), nil
		}
		return nil, err
	}
	acc := types.NewAccount()
	if err := json.Unmarshal(raw, acc); err != nil {
		return nil, fmt.Errorf("escrow: decode account %x: %w", addr, err)
	}
	return acc, nil
}

// PutAccount persists the balance table for an address.
func (l *Ledger) PutAccount(addr [20]byte, acc *types.Account) error {
	if acc == nil {
		acc = types.NewAccount()
	}
	encoded, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("escrow: encode account %x: %w", addr, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Put(accountKey(addr), encoded)
}
