package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

var (
	ErrSSHConnection     = errors.New("ssh: connection failed")
	ErrSSHAuthentication = errors.New("ssh: authentication failed")
	ErrSSHCommandFailed  = errors.New("ssh: command execution failed")
)

type SSHConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	PrivateKey string
	Timeout    time.Duration
	MaxRetries int
}

type SSHClient struct {
	config SSHConfig
}

// CommandResult is the outcome of a command that ran to completion, whatever its exit status.
type CommandResult struct {
	ExitStatus int
	Output     string
}

func NewSSHClient(cfg SSHConfig) *SSHClient {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &SSHClient{config: cfg}
}

func (c *SSHClient) getAuthMethods() ([]ssh.AuthMethod, error) {
	var authMethods []ssh.AuthMethod

	if c.config.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(c.config.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid private key", ErrSSHAuthentication)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	if c.config.Password != "" {
		authMethods = append(authMethods, ssh.Password(c.config.Password))
	}

	if len(authMethods) == 0 {
		return nil, fmt.Errorf("%w: no credentials provided", ErrSSHAuthentication)
	}

	return authMethods, nil
}

// Connect dials the host, retrying with a linear backoff until MaxRetries attempts are spent or
// ctx is done. Authentication failures are not retried.
func (c *SSHClient) Connect(ctx context.Context) (*ssh.Client, error) {
	authMethods, err := c.getAuthMethods()
	if err != nil {
		return nil, err
	}

	sshConfig := &ssh.ClientConfig{
		User:            c.config.User,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.config.Timeout,
		Config: ssh.Config{
			Ciphers: []string{
				"chacha20-poly1305@openssh.com",
				"aes128-gcm@openssh.com",
				"aes128-ctr",
			},
		},
	}

	addr := net.JoinHostPort(c.config.Host, fmt.Sprint(c.config.Port))
	var connectErr error

	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		dialer := net.Dialer{
			Timeout:   c.config.Timeout,
			KeepAlive: 60 * time.Second,
		}

		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			connectErr = err
		} else {
			_ = conn.SetDeadline(time.Now().Add(c.config.Timeout))

			sc, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
			if err != nil {
				conn.Close()
				if strings.Contains(err.Error(), "unable to authenticate") {
					return nil, fmt.Errorf("%w: %s: %v", ErrSSHAuthentication, addr, err)
				}
				connectErr = err
			} else {
				_ = conn.SetDeadline(time.Time{})
				return ssh.NewClient(sc, chans, reqs), nil
			}
		}

		if attempt < c.config.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %s: %v", ErrSSHConnection, addr, ctx.Err())
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}

	errType := "connection failed"
	var netErr net.Error
	if errors.Is(connectErr, context.DeadlineExceeded) || (errors.As(connectErr, &netErr) && netErr.Timeout()) {
		errType = "connection timed out"
	}

	return nil, fmt.Errorf("%w: %s: %s: %v (after %d attempts)", ErrSSHConnection, addr, errType, connectErr, c.config.MaxRetries)
}

// Execute runs cmd in a new session on client. A non-zero exit is reported in the result, not
// as an error; errors are reserved for session failures and cancellation.
func Execute(ctx context.Context, client *ssh.Client, cmd string) (CommandResult, error) {
	session, err := client.NewSession()
	if err != nil {
		return CommandResult{}, fmt.Errorf("%w: failed to create session: %v", ErrSSHConnection, err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return CommandResult{Output: out.String()}, fmt.Errorf("%w: %v", ErrSSHCommandFailed, ctx.Err())
	case err := <-done:
		if err == nil {
			return CommandResult{Output: out.String()}, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return CommandResult{ExitStatus: exitErr.ExitStatus(), Output: out.String()}, nil
		}
		return CommandResult{Output: out.String()}, fmt.Errorf("%w: %v", ErrSSHCommandFailed, err)
	}
}
