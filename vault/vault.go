package vault

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Placeholder replaces every stored secret value in masked text. It carries
// no information about the key or the value.
const Placeholder = "[redacted]"

var refRe = regexp.MustCompile(`^\$VAULT\{([A-Za-z0-9._-]+)\}$`)

// Ref returns the reference token for key. The token stands in for the
// secret in any text the rest of the system persists or transmits.
func Ref(key string) string {
	return "$VAULT{" + key + "}"
}

// Vault is an in-process store of sensitive strings. Lookups are by exact
// key only; values are never enumerable in bulk. State is process-lifetime.
type Vault struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func New() *Vault {
	return &Vault{secrets: make(map[string]string)}
}

// Store saves value under key and returns the reference token.
func (v *Vault) Store(key, value string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("vault key is empty")
	}
	if value == "" {
		return "", fmt.Errorf("vault value for %q is empty", key)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[key] = value
	return Ref(key), nil
}

// Resolve returns the secret for a reference token of the form $VAULT{key}.
func (v *Vault) Resolve(token string) (string, bool) {
	m := refRe.FindStringSubmatch(strings.TrimSpace(token))
	if m == nil {
		return "", false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.secrets[m[1]]
	return val, ok
}

func (v *Vault) Has(key string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.secrets[strings.TrimSpace(key)]
	return ok
}

func (v *Vault) Remove(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.secrets, strings.TrimSpace(key))
}

// ListKeys returns the stored key names, sorted. Values are intentionally
// not reachable through any bulk accessor.
func (v *Vault) ListKeys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := make([]string, 0, len(v.secrets))
	for k := range v.secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Mask replaces every literal occurrence of a stored secret value in text
// with Placeholder. Longer values are substituted first so overlapping
// secrets cannot leave a recoverable suffix. Safe on arbitrary untrusted
// input; masking already-masked text is a no-op.
func (v *Vault) Mask(text string) string {
	if text == "" {
		return text
	}
	v.mu.RLock()
	values := make([]string, 0, len(v.secrets))
	for _, val := range v.secrets {
		values = append(values, val)
	}
	v.mu.RUnlock()

	sort.Slice(values, func(i, j int) bool {
		if len(values[i]) != len(values[j]) {
			return len(values[i]) > len(values[j])
		}
		return values[i] < values[j]
	})

	for _, val := range values {
		if val == "" {
			continue
		}
		text = strings.ReplaceAll(text, val, Placeholder)
	}
	return text
}
