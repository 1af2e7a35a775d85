package stores

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"
)

// Backend names a state provider implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendLocal  Backend = "local"
	BackendSQLite Backend = "sqlite"
	BackendS3     Backend = "s3"
	BackendSFTP   Backend = "sftp"
)

// Config selects and configures the state backend.
type Config struct {
	Backend Backend `yaml:"backend" json:"backend" validate:"required,oneof=memory local sqlite s3 sftp"`

	// Path is the state directory for local and the database file for sqlite.
	Path string `yaml:"path,omitempty" json:"path,omitempty" validate:"required_if=Backend local,required_if=Backend sqlite"`

	S3   S3Settings   `yaml:"s3,omitempty" json:"s3,omitempty"`
	SFTP SFTPSettings `yaml:"sftp,omitempty" json:"sftp,omitempty"`

	// Encrypt wraps the backend in an EncryptedStateProvider. The passphrase is read
	// from Passphrase or, when empty, from OCTO_STATE_PASSPHRASE.
	Encrypt    bool   `yaml:"encrypt,omitempty" json:"encrypt,omitempty"`
	Passphrase string `yaml:"-" json:"-"`
}

// S3Settings are the file-level settings of the s3 backend.
type S3Settings struct {
	Bucket        string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Prefix        string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Region        string `yaml:"region,omitempty" json:"region,omitempty"`
	Profile       string `yaml:"profile,omitempty" json:"profile,omitempty"`
	DynamoDBTable string `yaml:"dynamodbTable,omitempty" json:"dynamodbTable,omitempty"`
	Encrypt       bool   `yaml:"serverSideEncryption,omitempty" json:"serverSideEncryption,omitempty"`
}

// SFTPSettings are the file-level settings of the sftp backend.
type SFTPSettings struct {
	Host           string        `yaml:"host,omitempty" json:"host,omitempty"`
	Port           int           `yaml:"port,omitempty" json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	User           string        `yaml:"user,omitempty" json:"user,omitempty"`
	PrivateKeyPath string        `yaml:"privateKeyPath,omitempty" json:"privateKeyPath,omitempty"`
	KnownHostsPath string        `yaml:"knownHostsPath,omitempty" json:"knownHostsPath,omitempty"`
	Dir            string        `yaml:"dir,omitempty" json:"dir,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Opened is a provider built by Open. Close releases connections held by the backend.
type Opened struct {
	StateProvider
	closer   io.Closer
	local    *LocalStateProvider
	recorder RunRecorder
}

// Close releases the backend.
func (o *Opened) Close() error {
	if o.closer == nil {
		return nil
	}
	return o.closer.Close()
}

// Recorder returns the run recorder of backends that record runs.
func (o *Opened) Recorder() (RunRecorder, bool) {
	return o.recorder, o.recorder != nil
}

// Lock locks the backend when it supports locking.
func (o *Opened) Lock(ctx context.Context) error {
	if l, ok := o.StateProvider.(Locker); ok {
		return l.Lock(ctx)
	}
	return nil
}

// Unlock unlocks the backend when it supports locking.
func (o *Opened) Unlock(ctx context.Context) error {
	if l, ok := o.StateProvider.(Locker); ok {
		return l.Unlock(ctx)
	}
	return nil
}

// ListStates lists the documents of the backend.
func (o *Opened) ListStates(ctx context.Context) ([]string, error) {
	if l, ok := o.StateProvider.(Lister); ok {
		return l.ListStates(ctx)
	}
	return nil, fmt.Errorf("state backend cannot list documents")
}

// Watch reports document changes of local backends.
func (o *Opened) Watch(ctx context.Context) (<-chan Change, error) {
	if o.local == nil {
		return nil, fmt.Errorf("watching is only supported by the local backend")
	}
	return o.local.Watch(ctx)
}

// Open builds the provider described by cfg.
func Open(ctx context.Context, cfg Config) (*Opened, error) {
	var (
		provider StateProvider
		opened   = &Opened{}
	)

	switch cfg.Backend {
	case BackendMemory, "":
		provider = NewMemoryStateProvider()
	case BackendLocal:
		local, err := NewLocalStateProvider(cfg.Path)
		if err != nil {
			return nil, err
		}
		provider, opened.local = local, local
	case BackendSQLite:
		store, err := OpenSQLiteStore(ctx, SQLiteConfig{Path: cfg.Path})
		if err != nil {
			return nil, err
		}
		provider, opened.closer, opened.recorder = store, store, store
	case BackendS3:
		s3p, err := NewS3StateProvider(ctx, S3Config{
			Bucket:        cfg.S3.Bucket,
			Prefix:        cfg.S3.Prefix,
			Region:        cfg.S3.Region,
			Profile:       cfg.S3.Profile,
			DynamoDBTable: cfg.S3.DynamoDBTable,
			Encrypt:       cfg.S3.Encrypt,
		})
		if err != nil {
			return nil, err
		}
		provider = s3p
	case BackendSFTP:
		sftpp, err := NewSFTPStateProvider(ctx, SFTPConfig{
			Host:              cfg.SFTP.Host,
			Port:              cfg.SFTP.Port,
			User:              cfg.SFTP.User,
			PrivateKeyPath:    cfg.SFTP.PrivateKeyPath,
			KnownHostsPath:    cfg.SFTP.KnownHostsPath,
			Dir:               cfg.SFTP.Dir,
			ConnectionTimeout: cfg.SFTP.Timeout,
		})
		if err != nil {
			return nil, err
		}
		provider, opened.closer = sftpp, sftpp
	default:
		return nil, fmt.Errorf("unknown state backend: %s", cfg.Backend)
	}

	if cfg.Encrypt {
		passphrase := cfg.Passphrase
		if passphrase == "" {
			passphrase = os.Getenv(PassphraseEnvVar)
		}
		enc, err := NewEncryptedStateProvider(provider, passphrase)
		if err != nil {
			_ = opened.Close()
			return nil, err
		}
		provider = enc
	}

	opened.StateProvider = provider
	return opened, nil
}
