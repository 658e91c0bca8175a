package profile

import (
	"errors"
	"fmt"
)

type Protocol string

const (
	ProtocolSFTP Protocol = "sftp"
	ProtocolFTP  Protocol = "ftp"
	ProtocolFTPS Protocol = "ftps"
	ProtocolS3   Protocol = "s3"
)

type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthKey      AuthMethod = "key"
	AuthAgent    AuthMethod = "agent"
)

// Profile is one named connection. Secret fields (Password, Passphrase,
// SecretAccessKey) may be stored sealed or as legacy plaintext; the store
// accepts both on load.
type Profile struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Protocol Protocol `json:"protocol"`

	Host       string     `json:"host,omitempty"`
	Port       int        `json:"port,omitempty"`
	Username   string     `json:"username,omitempty"`
	AuthMethod AuthMethod `json:"authMethod,omitempty"`
	Password   string     `json:"password,omitempty"`
	PrivateKey string     `json:"privateKey,omitempty"`
	Passphrase string     `json:"passphrase,omitempty"`

	AccessKeyID     string `json:"accessKeyId,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty"`
	Region          string `json:"region,omitempty"`
	Bucket          string `json:"bucket,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`

	Folder      string `json:"folder,omitempty"`
	Favorite    bool   `json:"favorite,omitempty"`
	InitialPath string `json:"initialPath,omitempty"`

	// StrictTLS turns certificate verification on for ftps. Defaults off
	// so profiles pointing at self-signed servers keep connecting.
	StrictTLS bool `json:"strictTls,omitempty"`
}

var ErrNotFound = errors.New("profile not found")

// DefaultPort fills the protocol default when the profile carries none.
func (p *Profile) DefaultPort() int {
	if p.Port != 0 {
		return p.Port
	}
	switch p.Protocol {
	case ProtocolFTP, ProtocolFTPS:
		return 21
	default:
		return 22
	}
}

func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	switch p.Protocol {
	case ProtocolSFTP, ProtocolFTP, ProtocolFTPS:
		if p.Host == "" {
			return fmt.Errorf("profile %q: host is required", p.Name)
		}
		if p.Port != 0 && (p.Port < 1 || p.Port > 65535) {
			return fmt.Errorf("profile %q: port %d out of range", p.Name, p.Port)
		}
		if p.AuthMethod == "" {
			return fmt.Errorf("profile %q: authentication method is required", p.Name)
		}
		if p.AuthMethod == AuthKey && p.PrivateKey == "" {
			return fmt.Errorf("profile %q: key auth needs a private key path", p.Name)
		}
	case ProtocolS3:
		if p.Bucket == "" {
			return fmt.Errorf("profile %q: bucket is required", p.Name)
		}
	default:
		return fmt.Errorf("profile %q: unknown protocol %q", p.Name, p.Protocol)
	}
	return nil
}
