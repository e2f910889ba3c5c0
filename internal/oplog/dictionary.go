package oplog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// UserDictionary interns user identity strings to small integer codes so log
// lines stay fixed-width-ish and comparable. Unlike the action vocabulary
// (fixed, compiled in), the user set is open-ended and grows as new users
// write to a table; the mapping is persisted alongside the table so codes
// stay stable across reopens.
type UserDictionary struct {
	mu       sync.Mutex
	path     string
	byName   map[string]uint32
	byCode   map[uint32]string
	nextCode uint32
}

type userDictionaryFile struct {
	Entries map[string]uint32 `json:"entries"`
	Next    uint32            `json:"next"`
}

// OpenUserDictionary loads path if it exists, or starts a fresh dictionary.
func OpenUserDictionary(path string) (*UserDictionary, error) {
	d := &UserDictionary{
		path:     path,
		byName:   map[string]uint32{},
		byCode:   map[uint32]string{},
		nextCode: 1,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oplog: read user dictionary: %w", err)
	}

	var f userDictionaryFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("oplog: decode user dictionary: %w", err)
	}
	for name, code := range f.Entries {
		d.byName[name] = code
		d.byCode[code] = name
	}
	d.nextCode = f.Next
	if d.nextCode == 0 {
		d.nextCode = 1
	}
	return d, nil
}

// Encode returns user's code, registering and persisting a new entry if
// user has not been seen before.
func (d *UserDictionary) Encode(user string) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if code, ok := d.byName[user]; ok {
		return code, nil
	}
	code := d.nextCode
	d.nextCode++
	d.byName[user] = code
	d.byCode[code] = user
	if err := d.persistLocked(); err != nil {
		return 0, err
	}
	return code, nil
}

// Decode returns the user string for code, failing if code was never
// registered (treated as log corruption by callers).
func (d *UserDictionary) Decode(code uint32) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	user, ok := d.byCode[code]
	if !ok {
		return "", fmt.Errorf("unknown user code %d", code)
	}
	return user, nil
}

func (d *UserDictionary) persistLocked() error {
	f := userDictionaryFile{Entries: d.byName, Next: d.nextCode}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	tmp := d.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, d.path)
}
