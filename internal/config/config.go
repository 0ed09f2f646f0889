package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/trisync/internal/role"
)

// FileNames lists the configuration files looked up in the state directory, in order
var FileNames = []string{"config.yaml", "config.yml", "config.json", "config.toml"}

// ErrNotFound reports a state directory without a configuration file
var ErrNotFound = errors.New("no configuration file found")

// LedgerFileName is the name of the processed-commit ledger in the state directory
const LedgerFileName = "ledger.json"

// LockFileName is the name of the advisory lock file in the state directory
const LockFileName = ".trisync.lock"

// DefaultCommitMessage is used when commit.message is not configured
const DefaultCommitMessage = "trisync: propagate changes"

// Config represents the complete trisync configuration
type Config struct {
	Branches []string          `yaml:"branches" json:"branches" toml:"branches"`
	Repos    map[string]string `yaml:"repos" json:"repos" toml:"repos"`
	Auth     AuthConfig        `yaml:"auth" json:"auth" toml:"auth"`
	Commit   CommitConfig      `yaml:"commit" json:"commit" toml:"commit"`
	Serve    ServeConfig       `yaml:"serve" json:"serve" toml:"serve"`

	// StateDir is the directory the configuration was loaded from
	StateDir string `yaml:"-" json:"-" toml:"-"`
	// Path is the configuration file that was loaded
	Path string `yaml:"-" json:"-" toml:"-"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file" json:"ssh_key_file" toml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file" json:"https_token_file" toml:"https_token_file"`
}

// CommitConfig configures the commits created for propagated changes
type CommitConfig struct {
	Message     string `yaml:"message" json:"message" toml:"message"`
	AuthorName  string `yaml:"author_name" json:"author_name" toml:"author_name"`
	AuthorEmail string `yaml:"author_email" json:"author_email" toml:"author_email"`
	Push        *bool  `yaml:"push" json:"push" toml:"push"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	ListenAddr              string   `yaml:"listen_addr" json:"listen_addr" toml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file" json:"github_webhook_secret_file" toml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types" json:"allowed_event_types" toml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs" json:"allowed_refs" toml:"allowed_refs"`
}

// Load finds and parses the configuration file inside stateDir
func Load(stateDir string) (*Config, error) {
	if stateDir == "" {
		return nil, fmt.Errorf("state directory is required")
	}

	// Expand environment variables in path
	stateDir, err := filepath.Abs(os.ExpandEnv(stateDir))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve state directory: %w", err)
	}

	info, err := os.Stat(stateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to access state directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("state directory %s is not a directory", stateDir)
	}

	path, err := find(stateDir)
	if err != nil {
		return nil, err
	}

	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	cfg.StateDir = stateDir

	return cfg, nil
}

// find returns the first configuration file present in dir
func find(dir string) (string, error) {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w in %s (looked for %s)", ErrNotFound, dir, strings.Join(FileNames, ", "))
}

// LoadFile reads and parses a configuration file. The format is chosen by
// the file extension.
func LoadFile(path string) (*Config, error) {
	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".json":
		err = json.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		return nil, fmt.Errorf("unsupported config file extension %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Path = path
	cfg.StateDir = filepath.Dir(path)

	// Expand environment variables in string fields
	cfg.expandEnv()

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	for i, b := range c.Branches {
		c.Branches[i] = strings.TrimSpace(os.ExpandEnv(b))
	}
	for name, url := range c.Repos {
		c.Repos[name] = strings.TrimSpace(os.ExpandEnv(url))
	}
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Commit.Message = os.ExpandEnv(c.Commit.Message)
	c.Commit.AuthorName = os.ExpandEnv(c.Commit.AuthorName)
	c.Commit.AuthorEmail = os.ExpandEnv(c.Commit.AuthorEmail)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Commit.Message == "" {
		c.Commit.Message = DefaultCommitMessage
	}
	if c.Commit.Push == nil {
		c.Commit.Push = lo.ToPtr(true)
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = ":8080"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate branches
	if len(c.Branches) == 0 {
		return fmt.Errorf("branches must list at least one branch")
	}
	if lo.Contains(c.Branches, "") {
		return fmt.Errorf("branches must not contain empty names")
	}
	if dups := lo.FindDuplicates(c.Branches); len(dups) > 0 {
		return fmt.Errorf("branches must be unique, duplicated: %s", strings.Join(dups, ", "))
	}

	// Validate repos: the three roles are required
	var missing []string
	for _, r := range role.All() {
		if c.Repos[r.String()] == "" {
			missing = append(missing, "repos."+r.String())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s required", strings.Join(missing, ", "))
	}
	for name := range c.Repos {
		if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
			return fmt.Errorf("repos: invalid repository name %q", name)
		}
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	// Validate auth: when auth is configured, some repo URL must use the matching scheme
	urls := lo.Values(c.Repos)
	if c.Auth.SSHKeyFile != "" && !lo.ContainsBy(urls, IsSSH) {
		return fmt.Errorf("auth.ssh_key_file is set but no repo url uses an SSH scheme (git@ or ssh://)")
	}
	if c.Auth.HTTPSTokenFile != "" && !lo.ContainsBy(urls, IsHTTPS) {
		return fmt.Errorf("auth.https_token_file is set but no repo url uses the HTTPS scheme")
	}

	return nil
}

// ValidateServe checks the settings needed by the webhook server
func (c *Config) ValidateServe() error {
	if c.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr is required")
	}
	if c.Serve.GitHubWebhookSecretFile == "" {
		return fmt.Errorf("serve.github_webhook_secret_file is required")
	}
	return nil
}

// URL returns the clone URL of a role
func (c *Config) URL(r role.Role) string {
	return c.Repos[r.String()]
}

// RepoDir returns the working tree of a role
func (c *Config) RepoDir(r role.Role) string {
	return c.NamedRepoDir(r.String())
}

// NamedRepoDir returns the working tree of any configured repository
func (c *Config) NamedRepoDir(name string) string {
	return filepath.Join(c.StateDir, name)
}

// ExtraRepos returns the sorted names of configured repositories that are not one of the roles
func (c *Config) ExtraRepos() []string {
	names := lo.Filter(lo.Keys(c.Repos), func(name string, _ int) bool {
		_, err := role.Parse(name)
		return err != nil
	})
	sort.Strings(names)
	return names
}

// LedgerPath returns the path to the processed-commit ledger
func (c *Config) LedgerPath() string {
	return filepath.Join(c.StateDir, LedgerFileName)
}

// LockPath returns the path to the advisory lock file
func (c *Config) LockPath() string {
	return filepath.Join(c.StateDir, LockFileName)
}

// StateFiles returns the state directory files that are committed after a run,
// relative to the state directory
func (c *Config) StateFiles() []string {
	files := []string{LedgerFileName}
	if rel, err := filepath.Rel(c.StateDir, c.Path); err == nil && c.Path != "" && filepath.IsLocal(rel) {
		files = append(files, filepath.ToSlash(rel))
	}
	return files
}

// ShouldPush reports whether propagated commits are pushed
func (c *Config) ShouldPush() bool {
	return c.Commit.Push == nil || *c.Commit.Push
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the URL uses HTTPS
func IsHTTPS(url string) bool {
	return strings.HasPrefix(url, "https://")
}

// IsSSH returns true if the URL uses SSH
func IsSSH(url string) bool {
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}
