package domain

import "strings"

type ConnectionType string

const (
	ConnectionSSH    ConnectionType = "ssh"
	ConnectionRDP    ConnectionType = "rdp"
	ConnectionSerial ConnectionType = "serial"
	ConnectionLocal  ConnectionType = "local"
)

func (t ConnectionType) Valid() bool {
	switch t {
	case ConnectionSSH, ConnectionRDP, ConnectionSerial, ConnectionLocal:
		return true
	}
	return false
}

type OSFamily string

const (
	OSFamilyPOSIX   OSFamily = "posix"
	OSFamilyWindows OSFamily = "windows"
	OSFamilyUnknown OSFamily = "unknown"
)

var posixOS = map[string]struct{}{
	"linux":   {},
	"ubuntu":  {},
	"debian":  {},
	"centos":  {},
	"rhel":    {},
	"fedora":  {},
	"alpine":  {},
	"arch":    {},
	"suse":    {},
	"macos":   {},
	"darwin":  {},
	"freebsd": {},
	"openbsd": {},
}

// OSFamilyOf maps a free-form OS label to the family used for command dispatch.
func OSFamilyOf(osType string) OSFamily {
	os := strings.ToLower(strings.TrimSpace(osType))
	if os == "" {
		return OSFamilyUnknown
	}
	if strings.HasPrefix(os, "windows") || os == "win" {
		return OSFamilyWindows
	}
	if _, ok := posixOS[os]; ok {
		return OSFamilyPOSIX
	}
	return OSFamilyUnknown
}

// OSMatches compares an os filter with a host OS. Family names ("linux",
// "windows") match every member of the family.
func OSMatches(want, have string) bool {
	if strings.EqualFold(want, have) {
		return true
	}
	switch strings.ToLower(want) {
	case "linux", "posix", "unix":
		return OSFamilyOf(have) == OSFamilyPOSIX
	case "windows":
		return OSFamilyOf(have) == OSFamilyWindows
	}
	return false
}

// Host is a resolved execution target.
type Host struct {
	ConnectionID   uint           `json:"connection_id"`
	Name           string         `json:"name"`
	Hostname       string         `json:"hostname"`
	Port           int            `json:"port"`
	Username       string         `json:"username,omitempty"`
	OSType         string         `json:"os_type"`
	ConnectionType ConnectionType `json:"connection_type"`
	CredentialID   *uint          `json:"credential_id,omitempty"`
}

func (h Host) OSFamily() OSFamily {
	return OSFamilyOf(h.OSType)
}

// Credential material handed to an executor. Secrets are already decrypted.
type HostCredential struct {
	Username   string   `json:"-"`
	AuthType   AuthType `json:"-"`
	Password   string   `json:"-"`
	PrivateKey string   `json:"-"`
	Passphrase string   `json:"-"`
}
