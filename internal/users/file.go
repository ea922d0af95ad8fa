package users

import (
	"encoding/json"
	"os"
)

// accountsFile mirrors the JSON accounts file format of spec.md §6: three
// optional top-level arrays of user, db, and role-mapping objects.
type accountsFile struct {
	User         []fileUser `json:"user"`
	DB           []fileDB   `json:"db"`
	RolesMapping []fileRole `json:"roles_mapping"`
}

type fileUser struct {
	User                 string `json:"user"`
	Host                 string `json:"host"`
	Password             string `json:"password"`
	Plugin               string `json:"plugin"`
	AuthenticationString string `json:"authentication_string"`
	DefaultRole          string `json:"default_role"`
	SuperPriv            bool   `json:"super_priv"`
	GlobalDBPriv         bool   `json:"global_db_priv"`
	ProxyPriv            bool   `json:"proxy_priv"`
	IsRole               bool   `json:"is_role"`
}

type fileDB struct {
	User string `json:"user"`
	Host string `json:"host"`
	DB   string `json:"db"`
}

type fileRole struct {
	User string `json:"user"`
	Host string `json:"host"`
	Role string `json:"role"`
}

// loadFromFile parses the on-disk accounts file at path into a Builder.
func (m *Manager) loadFromFile(path string) (*Builder, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var parsed accountsFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}

	b := NewBuilder()
	for _, u := range parsed.User {
		hash := u.Password
		if u.AuthenticationString != "" {
			hash = u.AuthenticationString
		}
		plugin := u.Plugin
		if plugin == "" {
			plugin = AuthNativePasswordPlugin
		}
		b.AddEntry(Entry{
			Username:     u.User,
			HostPattern:  u.Host,
			PasswordHash: decodeStoredHash(hash),
			AuthPlugin:   plugin,
			IsRole:       u.IsRole,
			DefaultRole:  u.DefaultRole,
			GlobalDBPriv: u.GlobalDBPriv,
			SuperPriv:    u.SuperPriv,
			ProxyPriv:    u.ProxyPriv,
		})
	}
	for _, d := range parsed.DB {
		b.AddDatabaseWildcardGrant(d.User, d.Host, d.DB)
		b.AddDatabaseName(d.DB)
	}
	for _, r := range parsed.RolesMapping {
		b.AddRoleMapping(r.User, r.Host, r.Role)
	}
	return b, nil
}
