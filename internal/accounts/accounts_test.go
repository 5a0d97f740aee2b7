package accounts_test

import "testing"

import "github.com/basket/taskscheduler/internal/accounts"

func TestIsAllowedGID(t *testing.T) {
	cases := map[string]bool{
		"0":    true,
		"1000": true,
		"1001": true,
		"1002": false,
		"":     false,
	}
	for gid, want := range cases {
		if got := accounts.IsAllowedGID(gid); got != want {
			t.Errorf("IsAllowedGID(%q) = %v, want %v", gid, got, want)
		}
	}
}

func TestDefaultAccount_NeverEmpty(t *testing.T) {
	if accounts.DefaultAccount() == "" {
		t.Error("DefaultAccount() returned empty string")
	}
}

func TestList_ReturnsPosixSupportFlag(t *testing.T) {
	_, posixSupported := accounts.List()
	// On a Linux CI box /etc/group should exist; this just asserts the
	// call doesn't panic and returns a determinate bool either way.
	_ = posixSupported
}
