// Package accounts enumerates the OS accounts a task may run as. The
// scheduler's core treats "account" as an opaque, already-validated
// string (spec §1's external-collaborator boundary); this package is the
// concrete POSIX implementation of that collaborator, reading /etc/group
// the way an ops tool would rather than shelling out to `getent`.
package accounts

import (
	"bufio"
	"os"
	"runtime"
	"sort"
	"strings"
)

// allowedGIDs are the group ids whose members may own a task (spec §4.5's
// privilege-resolution check: primary or supplementary group in
// {0,1000,1001}).
var allowedGIDs = map[string]struct{}{
	"0":    {},
	"1000": {},
	"1001": {},
}

// Account describes one OS account allowed to own tasks.
type Account struct {
	Name string `json:"name"`
	UID  string `json:"uid,omitempty"`
}

// List returns the accounts belonging to one of the allowed groups, read
// from /etc/group. On non-POSIX platforms (or if /etc/group can't be
// read) it returns an empty list with posixSupported=false so callers can
// surface that in response metadata rather than fail the request.
func List() (accounts []Account, posixSupported bool) {
	if runtime.GOOS == "windows" {
		return nil, false
	}
	f, err := os.Open("/etc/group")
	if err != nil {
		return nil, false
	}
	defer f.Close()

	seen := map[string]struct{}{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 4 {
			continue
		}
		gid := fields[2]
		if _, ok := allowedGIDs[gid]; !ok {
			continue
		}
		for _, member := range strings.Split(fields[3], ",") {
			member = strings.TrimSpace(member)
			if member == "" {
				continue
			}
			seen[member] = struct{}{}
		}
	}

	out := make([]Account, 0, len(seen))
	for name := range seen {
		out = append(out, Account{Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, true
}

// DefaultAccount returns the account GET /api/accounts should suggest as
// meta.default_account: the process's own effective user, so a fresh
// install can run tasks without further configuration.
func DefaultAccount() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u := os.Getenv("USERNAME"); u != "" {
		return u
	}
	return "root"
}

// IsAllowedGID reports whether gid (as a string, matching /etc/group's
// textual form) is one of the groups a task account may belong to.
func IsAllowedGID(gid string) bool {
	_, ok := allowedGIDs[gid]
	return ok
}
