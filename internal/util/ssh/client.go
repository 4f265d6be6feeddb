// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

const DefaultPort = "22"

var errNoAuthMethod = errors.New("either a password or a private key is required")

// Client implements Transport over SSH. Host keys are not verified: guests are disposable and
// regenerate their keys on every boot.
type Client struct {
	User       string
	Password   string
	PrivateKey []byte
	Port       string
}

// NewClient creates a new SSH client. privateKeyPath may be empty when password is set.
func NewClient(user, password, privateKeyPath, port string) (*Client, error) {
	var key []byte
	if privateKeyPath != "" {
		var err error
		key, err = os.ReadFile(privateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("unable to read private key: %w", err)
		}
	}

	if password == "" && len(key) == 0 {
		return nil, errNoAuthMethod
	}

	if port == "" {
		port = DefaultPort
	}

	return &Client{
			User:       user,
			Password:   password,
			PrivateKey: key,
			Port:       port,
		},
		nil
}

func (c *Client) config(timeout time.Duration) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if len(c.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(c.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}
	if len(auth) == 0 {
		return nil, errNoAuthMethod
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}, nil
}

// Exec implements Transport. The whole attempt, dial included, is bounded by timeout.
func (c *Client) Exec(ctx context.Context, host, command string, timeout time.Duration) (string, error) {
	config, err := c.config(timeout)
	if err != nil {
		return "", err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	addr := net.JoinHostPort(host, c.Port)

	dialer := net.Dialer{}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("unable to connect to %s: %w", addr, err)
	}

	// Unblocks the handshake and the session when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = netConn.Close() })
	defer stop()

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		return "", fmt.Errorf("unable to establish SSH connection to %s: %w", addr, err)
	}
	conn := ssh.NewClient(sshConn, chans, reqs)
	defer runFuncAndLogErr(conn.Close)

	session, err := conn.NewSession()
	if err != nil {
		return "", fmt.Errorf("unable to create SSH session: %w", err)
	}
	defer runFuncAndLogErr(session.Close)

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	if err := session.Run(command); err != nil {
		if ctx.Err() != nil {
			err = errors.Join(err, ctx.Err())
		}
		return stdoutBuf.String(), fmt.Errorf("remote command failed (stderr=%q): %w", stderrBuf.String(), err)
	}

	return stdoutBuf.String(), nil
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Debug("error closing ssh session or connection", "err", err.Error())
	}
}
