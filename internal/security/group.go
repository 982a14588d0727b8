package security

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Group identifies a set of services sharing the same security-relevant
// options. Session token material is stored per group rather than per
// service to bound session size.
type Group struct {
	ID string

	Mode                CSRFProtectionMode
	Origins             OriginPolicy
	DevSecurityDisabled bool
}

var (
	groupMu    sync.Mutex
	groupCache = make(map[string]*Group)
)

// GroupFor fingerprints the given options and returns the process-wide
// Group instance for them. serviceSalt distinguishes otherwise-equal
// predicate policies, which have no comparable identity of their own.
func GroupFor(mode CSRFProtectionMode, origins OriginPolicy, devSecurityDisabled bool, serviceSalt string) *Group {
	h := xxhash.New()
	_, _ = h.WriteString(string(mode))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(origins.ID())
	if origins.AllowFunc != nil {
		_, _ = h.WriteString("|")
		_, _ = h.WriteString(serviceSalt)
	}
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.FormatBool(devSecurityDisabled))
	id := fmt.Sprintf("%016x", h.Sum64())

	groupMu.Lock()
	defer groupMu.Unlock()
	if g, ok := groupCache[id]; ok {
		return g
	}
	g := &Group{ID: id, Mode: mode, Origins: origins, DevSecurityDisabled: devSecurityDisabled}
	groupCache[id] = g
	return g
}
