/*
Copyright 2024 NetCockpit, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package netssh runs show commands on network devices over SSH. It is a
// thin exec-style client: one TCP connection, one session per command,
// no PTY. Credentials arrive already decrypted from the vault.
package netssh

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"

	"github.com/netcockpit/cockpit/lib/defaults"
)

// ClientConfig describes how to reach and authenticate to a device.
type ClientConfig struct {
	// Addr is the device address, host or host:port. Port defaults to 22.
	Addr string
	// Username to authenticate as.
	Username string
	// Password for password and keyboard-interactive auth. Optional when
	// PrivateKey is set.
	Password string
	// PrivateKey is a PEM-encoded private key. Optional.
	PrivateKey []byte
	// Passphrase decrypts PrivateKey when the key is encrypted.
	Passphrase string
	// ConnectTimeout bounds TCP connect plus the SSH handshake.
	ConnectTimeout time.Duration
	// CommandTimeout bounds a single command execution.
	CommandTimeout time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ClientConfig) CheckAndSetDefaults() error {
	if c.Addr == "" {
		return trace.BadParameter("missing parameter Addr")
	}
	if c.Username == "" {
		return trace.BadParameter("missing parameter Username")
	}
	if c.Password == "" && len(c.PrivateKey) == 0 {
		return trace.BadParameter("device credential has neither password nor private key")
	}
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		c.Addr = net.JoinHostPort(c.Addr, "22")
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaults.SSHConnectTimeout
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = defaults.SSHCommandTimeout
	}
	return nil
}

// Client is a connected device session factory. Safe for sequential use;
// a job task owns one client for the duration of a device.
type Client struct {
	cfg  ClientConfig
	conn *ssh.Client
}

// Dial connects and authenticates to the device.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sshConfig := &ssh.ClientConfig{
		User: cfg.Username,
		Auth: auth,
		// Device addresses come from the inventory source; host keys are
		// not pinned for network gear.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.ConnectTimeout,
	}

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "dialing %v", cfg.Addr)
	}
	sconn, chans, reqs, err := ssh.NewClientConn(tcpConn, cfg.Addr, sshConfig)
	if err != nil {
		tcpConn.Close()
		return nil, trace.ConnectionProblem(err, "ssh handshake with %v as %v", cfg.Addr, cfg.Username)
	}
	return &Client{cfg: cfg, conn: ssh.NewClient(sconn, chans, reqs)}, nil
}

// Run executes a single command and returns its combined output. The
// command is bounded by the client's CommandTimeout and the context,
// whichever fires first.
func (c *Client) Run(ctx context.Context, command string) (string, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return "", trace.ConnectionProblem(err, "opening session on %v", c.cfg.Addr)
	}
	defer session.Close()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return string(r.out), trace.Wrap(r.err, "running %q on %v", command, c.cfg.Addr)
		}
		return string(r.out), nil
	case <-ctx.Done():
		// Closing the session unblocks the goroutine's read.
		session.Close()
		return "", trace.ConnectionProblem(ctx.Err(), "command %q on %v timed out", command, c.cfg.Addr)
	}
}

// Close terminates the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func authMethods(cfg ClientConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if len(cfg.PrivateKey) != 0 {
		var signer ssh.Signer
		var err error
		if cfg.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(cfg.PrivateKey, []byte(cfg.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(cfg.PrivateKey)
		}
		if err != nil {
			return nil, trace.BadParameter("parsing device private key: %v", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
		// Network devices commonly front password auth with
		// keyboard-interactive.
		methods = append(methods, ssh.KeyboardInteractive(
			func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = cfg.Password
				}
				return answers, nil
			}))
	}
	return methods, nil
}

// BackupCommands returns the show commands used to capture a platform's
// configuration. The first command is always the running config; platforms
// with a distinct persisted config get a second command.
func BackupCommands(platform string) []string {
	switch normalizePlatform(platform) {
	case "cisco_ios", "cisco_xe", "cisco_nxos", "cisco_xr":
		return []string{"show running-config", "show startup-config"}
	case "arista_eos":
		return []string{"show running-config", "show startup-config"}
	case "juniper_junos":
		return []string{"show configuration | display set"}
	default:
		return []string{"show running-config"}
	}
}

func normalizePlatform(platform string) string {
	return strings.ToLower(strings.TrimSpace(strings.ReplaceAll(platform, "-", "_")))
}

// noiseLine matches transient lines that differ between identical
// configurations and would produce spurious git diffs.
var noisePrefixes = []string{
	"Building configuration",
	"Current configuration",
	"! Last configuration change",
	"! NVRAM config last updated",
	"!Time:",
	"Using ",
	"--More--",
}

// NormalizeOutput strips device banners, pager artifacts and
// volatile header lines from raw command output so that backups of an
// unchanged configuration are byte-identical.
func NormalizeOutput(raw string) string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")
	lines := strings.Split(raw, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if isNoise(trimmed) {
			continue
		}
		out = append(out, strings.TrimRight(line, " \t"))
	}
	// Drop leading and trailing blank lines.
	for len(out) > 0 && out[0] == "" {
		out = out[1:]
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n") + "\n"
}

func isNoise(line string) bool {
	for _, prefix := range noisePrefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

// FormatResult renders one command's captured output in the backup file
// layout: a comment header naming the command, then the output.
func FormatResult(command, output string) string {
	return fmt.Sprintf("! %s\n%s", command, NormalizeOutput(output))
}
