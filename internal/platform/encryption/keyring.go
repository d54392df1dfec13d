package encryption

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// KeyRing holds the current master key version and the previous versions
// still needed to unwrap older data keys.
type KeyRing struct {
	mu         sync.RWMutex
	current    *gcm
	currentVer int
	previous   map[int]*gcm
}

// NewKeyRing creates a key ring whose current master key is key at version.
func NewKeyRing(key []byte, version int) (*KeyRing, error) {
	if version <= 0 {
		return nil, fmt.Errorf("key ring: version must be positive, got %d", version)
	}
	g, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("key ring: current key: %w", err)
	}
	return &KeyRing{
		current:    g,
		currentVer: version,
		previous:   make(map[int]*gcm),
	}, nil
}

// AddPreviousKey registers a retired master key for unwrapping.
func (k *KeyRing) AddPreviousKey(key []byte, version int) error {
	if version == k.CurrentVersion() {
		return fmt.Errorf("key ring: v%d is the current version", version)
	}
	g, err := newGCM(key)
	if err != nil {
		return fmt.Errorf("key ring: previous key v%d: %w", version, err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.previous[version] = g
	return nil
}

// CurrentVersion returns the version used for new wraps.
func (k *KeyRing) CurrentVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.currentVer
}

// Versions lists every version the ring can unwrap, ascending.
func (k *KeyRing) Versions() []int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	versions := []int{k.currentVer}
	for v := range k.previous {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions
}

func (k *KeyRing) wrap(dataKey []byte) ([]byte, int, error) {
	k.mu.RLock()
	g, ver := k.current, k.currentVer
	k.mu.RUnlock()

	wrapped, err := g.sealPacked(dataKey, versionAAD(ver))
	if err != nil {
		return nil, 0, err
	}
	return wrapped, ver, nil
}

func (k *KeyRing) unwrap(wrapped []byte, version int) ([]byte, error) {
	k.mu.RLock()
	g := k.previous[version]
	if version == k.currentVer {
		g = k.current
	}
	k.mu.RUnlock()

	if g == nil {
		return nil, fmt.Errorf("no key available for version %d", version)
	}
	return g.openPacked(wrapped, versionAAD(version))
}

// versionAAD binds a wrapped data key to the master key version that wrapped it.
func versionAAD(version int) []byte {
	return []byte(versionPrefix + strconv.Itoa(version))
}
