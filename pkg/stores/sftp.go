package stores

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SFTPConfig configures an SFTPStateProvider.
type SFTPConfig struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port (default: 22)
	Port int

	// User is the SSH username
	User string

	// Password enables password authentication when set
	Password string

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string

	// KnownHostsPath enables host key verification when set
	KnownHostsPath string

	// Dir is the remote directory holding the documents
	Dir string

	// ConnectionTimeout is the timeout for establishing a connection
	ConnectionTimeout time.Duration
}

// Address returns the formatted SSH address (host:port).
func (c *SFTPConfig) Address() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the config.
func (c *SFTPConfig) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	if c.PrivateKeyPath != "" {
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	if c.Password != "" {
		authMethods = append(authMethods, ssh.Password(c.Password))
		// many servers prompt for the password through keyboard-interactive
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))
	}

	if len(authMethods) == 0 {
		return nil, fmt.Errorf("sftp state requires a password or a private key")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsPath != "" {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	timeout := c.ConnectionTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

// SFTPStateProvider stores one file per document in a directory on a remote host.
type SFTPStateProvider struct {
	client *sftp.Client
	conn   io.Closer
	dir    string
}

// NewSFTPStateProvider connects to the host and prepares the state directory.
func NewSFTPStateProvider(ctx context.Context, cfg SFTPConfig) (*SFTPStateProvider, error) {
	if cfg.Host == "" || cfg.User == "" {
		return nil, fmt.Errorf("sftp state requires a host and a user")
	}

	clientConfig, err := cfg.BuildSSHClientConfig()
	if err != nil {
		return nil, err
	}

	address := cfg.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	var sshClient *ssh.Client
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to connect to %s: %w", address, ctx.Err())
	case err := <-errChan:
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	case sshClient = <-connChan:
	}

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}

	p, err := NewSFTPStateProviderWithClient(client, cfg.Dir)
	if err != nil {
		_ = client.Close()
		_ = sshClient.Close()
		return nil, err
	}
	p.conn = sshClient

	log.Info().Str("address", address).Str("dir", p.dir).Msg("SFTP state connected")
	return p, nil
}

// NewSFTPStateProviderWithClient uses an existing SFTP session. dir defaults to "state".
func NewSFTPStateProviderWithClient(client *sftp.Client, dir string) (*SFTPStateProvider, error) {
	if dir == "" {
		dir = "state"
	}
	if err := client.MkdirAll(dir); err != nil {
		return nil, fmt.Errorf("failed to create remote directory %s: %w", dir, err)
	}
	return &SFTPStateProvider{client: client, dir: dir}, nil
}

// Close ends the SFTP session and the SSH connection.
func (p *SFTPStateProvider) Close() error {
	err := p.client.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (p *SFTPStateProvider) path(name string) string {
	return path.Join(p.dir, name+documentExt)
}

// GetState downloads the document, returning def when it does not exist.
func (p *SFTPStateProvider) GetState(_ context.Context, name string, def []byte) ([]byte, error) {
	f, err := p.client.Open(p.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return def, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open remote state %s: %w", name, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote state %s: %w", name, err)
	}
	return data, nil
}

// SaveState uploads to a temporary file and renames it over the document.
func (p *SFTPStateProvider) SaveState(_ context.Context, name string, data []byte) error {
	target := p.path(name)
	tmp := path.Join(p.dir, fmt.Sprintf(".%s-%d.tmp", name, time.Now().UnixNano()))

	f, err := p.client.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to create remote file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = p.client.Remove(tmp)
		return fmt.Errorf("failed to write remote state %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		_ = p.client.Remove(tmp)
		return fmt.Errorf("failed to close remote state %s: %w", name, err)
	}

	if err := p.client.PosixRename(tmp, target); err == nil {
		return nil
	}

	// servers without the posix-rename extension refuse to overwrite
	if err := p.client.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = p.client.Remove(tmp)
		return fmt.Errorf("failed to replace remote state %s: %w", name, err)
	}
	if err := p.client.Rename(tmp, target); err != nil {
		return fmt.Errorf("failed to replace remote state %s: %w", name, err)
	}
	return nil
}

// ListStates returns the sorted names of the remote documents.
func (p *SFTPStateProvider) ListStates(context.Context) ([]string, error) {
	entries, err := p.client.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote states: %w", err)
	}

	var names []string
	for _, e := range entries {
		if name, ok := documentName(e.Name()); ok && !e.IsDir() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (p *SFTPStateProvider) lockPath() string {
	return path.Join(p.dir, lockFile)
}

// Lock creates the remote lock file. A lock older than StaleLockAge is replaced.
func (p *SFTPStateProvider) Lock(context.Context) error {
	lockPath := p.lockPath()

	if info, err := p.client.Stat(lockPath); err == nil {
		if time.Since(info.ModTime()) <= StaleLockAge {
			return errLocked(lockPath)
		}
		_ = p.client.Remove(lockPath)
	}

	f, err := p.client.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		if _, serr := p.client.Stat(lockPath); serr == nil {
			return errLocked(lockPath)
		}
		return fmt.Errorf("failed to create remote lock file: %w", err)
	}
	defer f.Close()

	content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := f.Write([]byte(content)); err != nil {
		return fmt.Errorf("failed to write remote lock file: %w", err)
	}
	return nil
}

// Unlock removes the remote lock file.
func (p *SFTPStateProvider) Unlock(context.Context) error {
	if err := p.client.Remove(p.lockPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove remote lock file: %w", err)
	}
	return nil
}
