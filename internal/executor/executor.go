// Package executor runs validated remediation commands against a target
// host: over SSH for remote hosts, or directly (with sudo stripped) for
// the host this service itself runs on. Connections are pooled with an
// LRU cache and host keys are trusted on first use.
package executor

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/crypto/ssh"

	"github.com/potatorick/jarvis/internal/models"
)

// Target describes the host a command runs against.
type Target struct {
	Hostname       string
	Port           int
	Username       string
	Password       *string
	PrivateKey     *string // PEM-encoded key content
	PrivateKeyPath *string
	ConnectTimeout int
	CommandTimeout int
}

// cachedConn holds an SSH client with its creation time.
type cachedConn struct {
	client    *ssh.Client
	createdAt time.Time
}

const (
	connMaxAge     = 300 * time.Second
	defaultTimeout = 60
	maxCachedConns = 50
)

// knownHostsPath is where TOFU-persisted host keys are stored.
const knownHostsPath = "/var/lib/jarvis/ssh_known_hosts"

// Executor manages SSH connections and command execution, and is also
// the entry point for commands scoped to the local (self) host.
type Executor struct {
	conns      map[string]*cachedConn
	connOrder  []string
	hostKeys   map[string]ssh.PublicKey
	mu         sync.Mutex
	selfHosts  map[string]bool
}

// New creates an Executor. selfHosts names this service's own host(s),
// whose commands run locally instead of over SSH.
func New(selfHosts []string) *Executor {
	e := &Executor{
		conns:     make(map[string]*cachedConn),
		hostKeys:  make(map[string]ssh.PublicKey),
		selfHosts: make(map[string]bool),
	}
	for _, h := range selfHosts {
		e.selfHosts[h] = true
	}
	e.loadKnownHosts()
	return e
}

// isSelfHost reports whether hostname is this service's own host.
func (e *Executor) isSelfHost(hostname string) bool {
	return e.selfHosts[hostname] || hostname == "" || hostname == "localhost" || hostname == "127.0.0.1"
}

// Run executes a single command against target, retrying transient
// connection failures with exponential backoff (1s, 2s, 4s). Auth
// failures and command-level non-zero exits are not retried.
func (e *Executor) Run(ctx context.Context, target *Target, command string, timeoutSecs int) (*models.CommandResult, error) {
	if timeoutSecs <= 0 {
		timeoutSecs = defaultTimeout
	}

	op := func() (*models.CommandResult, error) {
		if e.isSelfHost(target.Hostname) {
			return e.executeLocal(ctx, command, timeoutSecs)
		}
		return e.executeRemote(ctx, target, command, timeoutSecs)
	}

	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		if isAuthError(err) {
			e.InvalidateConnection(target.Hostname)
		}
		return nil, err
	}
	return result, nil
}

// executeLocal runs command directly on this host, stripping any leading
// sudo since the service already runs with the privileges it needs.
func (e *Executor) executeLocal(ctx context.Context, command string, timeoutSecs int) (*models.CommandResult, error) {
	cmdStr := strings.TrimSpace(command)
	cmdStr = strings.TrimPrefix(cmdStr, "sudo ")

	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSecs)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", cmdStr)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("local execution timed out after %ds", timeoutSecs)
		} else {
			return nil, fmt.Errorf("run local command: %w", err)
		}
	}

	return &models.CommandResult{
		Command:  command,
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		ExitCode: exitCode,
	}, nil
}

// executeRemote runs command over SSH, base64-encoding it to sidestep
// shell quoting issues with embedded quotes or special characters.
func (e *Executor) executeRemote(ctx context.Context, target *Target, command string, timeoutSecs int) (*models.CommandResult, error) {
	client, err := e.getConnection(target)
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	encoded := base64.StdEncoding.EncodeToString([]byte(command))
	cmd := fmt.Sprintf(`bash -c "$(echo %s | base64 -d)"`, encoded)

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	timeoutDur := time.Duration(timeoutSecs) * time.Second
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled")
	case <-time.After(timeoutDur):
		return nil, fmt.Errorf("execution timed out after %ds", timeoutSecs)
	case err := <-done:
		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				return nil, fmt.Errorf("run: %w", err)
			}
		}
		return &models.CommandResult{
			Command:  command,
			Stdout:   strings.TrimSpace(stdout.String()),
			Stderr:   strings.TrimSpace(stderr.String()),
			ExitCode: exitCode,
		}, nil
	}
}

// getConnection returns a cached or new SSH connection.
func (e *Executor) getConnection(target *Target) (*ssh.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.conns[target.Hostname]; ok {
		if time.Since(cached.createdAt) < connMaxAge {
			if _, err := cached.client.NewSession(); err == nil {
				e.lruTouch(target.Hostname)
				return cached.client, nil
			}
			log.Printf("[executor] stale connection to %s, reconnecting", target.Hostname)
		}
		cached.client.Close()
		delete(e.conns, target.Hostname)
		e.lruRemove(target.Hostname)
	}

	config, err := e.buildSSHConfig(target)
	if err != nil {
		return nil, err
	}

	port := target.Port
	if port == 0 {
		port = 22
	}

	connectTimeout := time.Duration(target.ConnectTimeout) * time.Second
	if connectTimeout == 0 {
		connectTimeout = 30 * time.Second
	}

	addr := net.JoinHostPort(target.Hostname, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake %s: %w", addr, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)

	if len(e.conns) >= maxCachedConns && len(e.connOrder) > 0 {
		evictHost := e.connOrder[0]
		e.connOrder = e.connOrder[1:]
		if old, ok := e.conns[evictHost]; ok {
			old.client.Close()
			delete(e.conns, evictHost)
			log.Printf("[executor] LRU evicted connection for %s (cache full at %d)", evictHost, maxCachedConns)
		}
	}

	e.conns[target.Hostname] = &cachedConn{client: client, createdAt: time.Now()}
	e.lruTouch(target.Hostname)

	log.Printf("[executor] new connection to %s:%d as %s", target.Hostname, port, target.Username)
	return client, nil
}

func (e *Executor) lruTouch(hostname string) {
	e.lruRemove(hostname)
	e.connOrder = append(e.connOrder, hostname)
}

func (e *Executor) lruRemove(hostname string) {
	for i, h := range e.connOrder {
		if h == hostname {
			e.connOrder = append(e.connOrder[:i], e.connOrder[i+1:]...)
			return
		}
	}
}

// InvalidateConnection removes a cached connection for a host.
func (e *Executor) InvalidateConnection(hostname string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.conns[hostname]; ok {
		cached.client.Close()
		delete(e.conns, hostname)
		e.lruRemove(hostname)
	}
}

// ConnectionCount returns the number of cached connections.
func (e *Executor) ConnectionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// CloseAll closes all cached connections.
func (e *Executor) CloseAll() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for host, cached := range e.conns {
		cached.client.Close()
		delete(e.conns, host)
	}
	e.connOrder = nil
}

func (e *Executor) buildSSHConfig(target *Target) (*ssh.ClientConfig, error) {
	username := target.Username
	if username == "" {
		username = "root"
	}

	config := &ssh.ClientConfig{
		User:            username,
		HostKeyCallback: e.tofuHostKeyCallback,
		Timeout:         30 * time.Second,
	}

	if target.PrivateKey != nil && *target.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(*target.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	} else if target.Password != nil && *target.Password != "" {
		config.Auth = []ssh.AuthMethod{ssh.Password(*target.Password)}
	} else {
		return nil, fmt.Errorf("no auth method for %s (need key or password)", target.Hostname)
	}

	return config, nil
}

// tofuHostKeyCallback implements Trust On First Use: accept and persist
// new host keys, reject changed keys (potential MITM).
func (e *Executor) tofuHostKeyCallback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	host, _, err := net.SplitHostPort(hostname)
	if err != nil {
		host = hostname
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existing, known := e.hostKeys[host]
	if !known {
		e.hostKeys[host] = key
		log.Printf("[executor] TOFU: accepted new host key for %s (%s)", host, key.Type())
		e.saveKnownHosts()
		return nil
	}

	if string(existing.Marshal()) == string(key.Marshal()) {
		return nil
	}

	log.Printf("[executor] SECURITY: host key CHANGED for %s (was %s, now %s)", host, existing.Type(), key.Type())
	return fmt.Errorf("host key mismatch for %s: expected %s, got %s (remove from %s to accept new key)",
		host, ssh.FingerprintSHA256(existing), ssh.FingerprintSHA256(key), knownHostsPath)
}

func (e *Executor) loadKnownHosts() {
	f, err := os.Open(knownHostsPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	loaded := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			continue
		}
		host := parts[0]
		keyBytes, err := base64.StdEncoding.DecodeString(parts[2])
		if err != nil {
			continue
		}
		pubKey, err := ssh.ParsePublicKey(keyBytes)
		if err != nil {
			continue
		}
		e.hostKeys[host] = pubKey
		loaded++
	}
	if loaded > 0 {
		log.Printf("[executor] TOFU: loaded %d known host keys from %s", loaded, knownHostsPath)
	}
}

func (e *Executor) saveKnownHosts() {
	dir := filepath.Dir(knownHostsPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("[executor] TOFU: cannot create dir %s: %v", dir, err)
		return
	}

	var buf strings.Builder
	buf.WriteString("# SSH known hosts (TOFU)\n")
	for host, key := range e.hostKeys {
		keyBytes := key.Marshal()
		buf.WriteString(fmt.Sprintf("%s %s %s\n", host, key.Type(), base64.StdEncoding.EncodeToString(keyBytes)))
	}

	if err := os.WriteFile(knownHostsPath, []byte(buf.String()), 0o600); err != nil {
		log.Printf("[executor] TOFU: failed to save known_hosts: %v", err)
	}
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "no supported methods remain")
}
