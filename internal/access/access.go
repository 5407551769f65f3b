// Package access models the caller-facing collaborators of the service:
// permission checks, the set of live users and package name resolution.
package access

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/platformbuilds/batterystatsd/internal/config"
)

// Permissions understood by the service.
const (
	UpdateDeviceStats = "UPDATE_DEVICE_STATS"
	BatteryStats      = "BATTERY_STATS"
	Dump              = "DUMP"
)

// ErrPermissionDenied is returned (wrapped) when a caller lacks a permission.
var ErrPermissionDenied = errors.New("permission denied")

// Checker enforces a permission for a caller.
type Checker interface {
	Enforce(pid, uid int, permission string) error
}

// UserInfoProvider lists the users currently present on the device.
type UserInfoProvider interface {
	UserIDs() []int
}

// PackageResolver maps a package name to its UID.
type PackageResolver interface {
	UIDForPackage(name string) (int, bool)
}

// StaticChecker grants permissions from configuration. Privileged UIDs hold
// every permission.
type StaticChecker struct {
	privileged map[int]struct{}
	grants     map[int]map[string]struct{}
}

// NewStaticChecker builds a checker from the permissions section.
func NewStaticChecker(cfg config.PermissionsCfg) *StaticChecker {
	c := &StaticChecker{
		privileged: map[int]struct{}{0: {}, 1000: {}},
		grants:     map[int]map[string]struct{}{},
	}
	for _, uid := range cfg.PrivilegedUIDs {
		c.privileged[uid] = struct{}{}
	}
	for uid, perms := range cfg.Grants {
		set := make(map[string]struct{}, len(perms))
		for _, p := range perms {
			set[strings.ToUpper(strings.TrimSpace(p))] = struct{}{}
		}
		c.grants[uid] = set
	}
	return c
}

// Enforce implements Checker.
func (c *StaticChecker) Enforce(pid, uid int, permission string) error {
	if _, ok := c.privileged[uid]; ok {
		return nil
	}
	if set, ok := c.grants[uid]; ok {
		if _, ok := set[permission]; ok {
			return nil
		}
	}
	return fmt.Errorf("uid %d pid %d lacks %s: %w", uid, pid, permission, ErrPermissionDenied)
}

// Users is a mutable UserInfoProvider seeded from configuration.
type Users struct {
	mu  sync.RWMutex
	ids map[int]struct{}
}

// NewUsers returns a provider that always includes user 0.
func NewUsers(ids []int) *Users {
	u := &Users{ids: map[int]struct{}{0: {}}}
	for _, id := range ids {
		u.ids[id] = struct{}{}
	}
	return u
}

// UserIDs implements UserInfoProvider.
func (u *Users) UserIDs() []int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]int, 0, len(u.ids))
	for id := range u.ids {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// Remove drops a user. User 0 cannot be removed.
func (u *Users) Remove(id int) bool {
	if id == 0 {
		return false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.ids[id]; !ok {
		return false
	}
	delete(u.ids, id)
	return true
}

// Packages resolves package names from a static table.
type Packages map[string]int

// UIDForPackage implements PackageResolver.
func (p Packages) UIDForPackage(name string) (int, bool) {
	uid, ok := p[name]
	return uid, ok
}
