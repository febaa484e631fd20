package gretun

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirectoryCheckAuthWhiteIP(t *testing.T) {
	d := NewDirectory()
	d.UpdateAll([]UserInfo{
		{UserID: 1, AuthType: AuthIP, WhiteIP: "203.0.113.5", Available: true},
	})

	accepted, user := d.CheckAuth("", "", "", "203.0.113.5", true)
	require.True(t, accepted)
	require.Equal(t, uint64(1), user.UserID)

	accepted, _ = d.CheckAuth("", "", "", "203.0.113.6", true)
	require.False(t, accepted)
}

func TestDirectoryCheckAuthPassword(t *testing.T) {
	d := NewDirectory()
	d.UpdateAll([]UserInfo{
		{UserID: 2, AuthType: AuthPassword, Username: "bob", Password: "secret", IPs: []string{"10.0.0.1"}, Available: true},
	})

	accepted, user := d.CheckAuth("bob", "secret", "10.0.0.1", "198.51.100.9", false)
	require.True(t, accepted)
	require.Equal(t, uint64(2), user.UserID)

	accepted, _ = d.CheckAuth("bob", "wrong", "10.0.0.1", "198.51.100.9", false)
	require.False(t, accepted)
}

func TestDirectoryCheckAuthAllowlistComposite(t *testing.T) {
	d := NewDirectory()
	d.UpdateWhiteList([]WhiteListEntry{
		{IP: "198.51.100.9", Username: "carol", Password: "pw", UserID: 3},
	})

	accepted, user := d.CheckAuth("carol", "pw", "10.0.0.1", "198.51.100.9", false)
	require.True(t, accepted)
	require.Equal(t, uint64(3), user.UserID)
}

func TestDirectoryAdminBackdoor(t *testing.T) {
	d := NewDirectory()
	require.True(t, d.AdminBackdoorEnabled)

	accepted, user := d.CheckAuth(adminUsername, adminPassword, "10.0.0.1", "198.51.100.9", false)
	require.True(t, accepted)
	require.Equal(t, uint64(0), user.UserID)

	// Once the remote ip appears in the allowlist, the backdoor is refused for it.
	d.UpdateWhiteList([]WhiteListEntry{{IP: "198.51.100.9", UserID: 9}})
	accepted, _ = d.CheckAuth(adminUsername, adminPassword, "10.0.0.1", "198.51.100.9", false)
	require.False(t, accepted)

	d.AdminBackdoorEnabled = false
	accepted, _ = d.CheckAuth(adminUsername, adminPassword, "10.0.0.1", "203.0.113.1", false)
	require.False(t, accepted)
}

func TestDirectorySetAvailable(t *testing.T) {
	d := NewDirectory()
	d.UpdateAll([]UserInfo{
		{UserID: 4, AuthType: AuthPassword, Username: "dave", Password: "pw", IPs: []string{"10.0.0.2"}, Available: true},
	})
	d.SetAvailable(4, false)

	accepted, _ := d.CheckAuth("dave", "pw", "10.0.0.2", "198.51.100.1", false)
	require.False(t, accepted)
}

func TestDirectoryUpdateUserInfoUpsert(t *testing.T) {
	d := NewDirectory()
	d.UpdateUserInfo(UserInfo{UserID: 5, AuthType: AuthPassword, Username: "erin", Password: "pw", IPs: []string{"10.0.0.3"}, Available: true})

	accepted, user := d.CheckAuth("erin", "pw", "10.0.0.3", "198.51.100.1", false)
	require.True(t, accepted)
	require.Equal(t, uint64(5), user.UserID)

	d.UpdateUserInfo(UserInfo{UserID: 5, AuthType: AuthPassword, Username: "erin", Password: "newpw", IPs: []string{"10.0.0.3"}, Available: true})
	accepted, _ = d.CheckAuth("erin", "pw", "10.0.0.3", "198.51.100.1", false)
	require.False(t, accepted)
	accepted, _ = d.CheckAuth("erin", "newpw", "10.0.0.3", "198.51.100.1", false)
	require.True(t, accepted)
}

func TestDirectoryInStock(t *testing.T) {
	d := NewDirectory()
	d.UpdateAll([]UserInfo{{UserID: 1, AuthType: AuthIP, WhiteIP: "203.0.113.5", Available: true}})
	require.True(t, d.InStock("203.0.113.5"))
	require.False(t, d.InStock("203.0.113.6"))

	d.UpdateWhiteList([]WhiteListEntry{{IP: "198.51.100.1", Username: "x", Password: "y"}})
	require.True(t, d.InStock("198.51.100.1"))
}
