package runner

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"runtime"
	"strconv"
	"syscall"

	"github.com/basket/taskscheduler/internal/accounts"
	"github.com/basket/taskscheduler/internal/apperr"
)

// ResolvePrivilege implements spec §4.5 step 4. On POSIX, a root process
// must run the script as the task's configured account and that account
// must belong to one of the allowed groups; a non-root process may only
// run tasks configured for its own effective user. Windows has no
// equivalent privilege-drop primitive reachable from os/exec without
// shelling out to a separate tool, so the account field is informational
// there and the child simply inherits the current user, per spec.
//
// Exported so internal/condition can apply the same account drop to probe
// scripts before spawning them (spec §4.3: probes run "using the task's
// account", same as the task script itself).
func ResolvePrivilege(cmd *exec.Cmd, account string) error {
	if runtime.GOOS == "windows" {
		return nil
	}

	if os.Geteuid() != 0 {
		current, err := user.Current()
		if err != nil {
			return fmt.Errorf("resolve current user: %w: %w", err, apperr.PermissionDenied)
		}
		if current.Username != account {
			return fmt.Errorf("process runs as %q, task requires account %q: %w", current.Username, account, apperr.PermissionDenied)
		}
		return nil
	}

	u, err := user.Lookup(account)
	if err != nil {
		return fmt.Errorf("lookup account %q: %w: %w", account, err, apperr.PermissionDenied)
	}
	if !accounts.IsAllowedGID(u.Gid) {
		groupIDs, err := u.GroupIds()
		if err != nil {
			return fmt.Errorf("resolve groups for %q: %w: %w", account, err, apperr.PermissionDenied)
		}
		allowed := false
		for _, gid := range groupIDs {
			if accounts.IsAllowedGID(gid) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("account %q is not a member of an allowed group: %w", account, apperr.PermissionDenied)
		}
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("parse uid %q: %w: %w", u.Uid, err, apperr.Internal)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("parse gid %q: %w: %w", u.Gid, err, apperr.Internal)
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)},
	}
	return nil
}
