package agents

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/autonomous-butler/butler-core/internal/core"
	gssh "github.com/autonomous-butler/butler-core/internal/ssh"
)

// SSHOptions configures an SSHBackend.
type SSHOptions struct {
	Host       string
	Port       int
	User       string
	KeyPath    string
	KnownHosts string
	Timeout    time.Duration
	Retries    int

	Command        string
	Args           []string
	Env            map[string]string
	WorkDir        string
	RemoteDir      string
	FatalExitCodes []int
}

// SSHBackend runs actions on a remote host. The payload is uploaded over SFTP
// and checked by SHA-256, then the command runs with the file on stdin.
type SSHBackend struct {
	client *gssh.Client
	opts   SSHOptions
}

// NewSSHBackend loads the key and known_hosts file. Unknown or changed host
// keys are rejected.
func NewSSHBackend(o SSHOptions) (*SSHBackend, error) {
	if o.Host == "" {
		return nil, errors.New("ssh backend: host is required")
	}
	if o.Command == "" {
		return nil, errors.New("ssh backend: command is required")
	}
	if o.Port == 0 {
		o.Port = 22
	}
	if o.User == "" {
		o.User = "butler"
	}
	if o.RemoteDir == "" {
		o.RemoteDir = "/tmp/butler"
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	signer, err := gssh.LoadPrivateKeySigner(o.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh backend: %w", err)
	}
	kh, err := gssh.LoadKnownHostsCallback(o.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("ssh backend: load known hosts: %w", err)
	}
	return &SSHBackend{
		client: &gssh.Client{
			Addr:       net.JoinHostPort(o.Host, strconv.Itoa(o.Port)),
			User:       o.User,
			Signer:     signer,
			KnownHosts: kh,
			Timeout:    o.Timeout,
			Retries:    o.Retries,
			Backoff:    500 * time.Millisecond,
		},
		opts: o,
	}, nil
}

func (b *SSHBackend) Name() string { return "ssh" }

// Invoke uploads the payload, runs the command and removes the upload.
func (b *SSHBackend) Invoke(ctx context.Context, inv Invocation) ([]byte, error) {
	cli, err := b.client.Connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if gssh.IsHostKeyError(err) {
			return nil, core.Permanent(fmt.Errorf("connect %s: %w", b.client.Addr, err))
		}
		return nil, fmt.Errorf("connect %s: %w", b.client.Addr, err)
	}
	defer cli.Close()

	remote := path.Join(b.opts.RemoteDir, fmt.Sprintf("%s-%s.json", inv.Action, uuid.NewString()))
	if err := gssh.UploadVerified(ctx, cli, inv.Payload, remote); err != nil {
		return nil, fmt.Errorf("upload payload: %w", err)
	}
	defer func() {
		if err := gssh.Remove(cli, remote); err != nil {
			log.Debug().Err(err).Str("path", remote).Msg("Remote payload cleanup failed")
		}
	}()

	res, err := gssh.Run(ctx, cli, b.command(inv, remote), nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if res.ExitCode != 0 {
		xerr := &ExitError{Code: res.ExitCode, Stderr: string(res.Stderr)}
		if slices.Contains(b.opts.FatalExitCodes, res.ExitCode) {
			return nil, core.Permanent(xerr)
		}
		return nil, xerr
	}
	return res.Stdout, nil
}

func (b *SSHBackend) command(inv Invocation, payloadPath string) string {
	var sb strings.Builder
	if b.opts.WorkDir != "" {
		sb.WriteString("cd " + gssh.Quote(b.opts.WorkDir) + " && ")
	}
	keys := make([]string, 0, len(b.opts.Env))
	for k := range b.opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(k + "=" + gssh.Quote(b.opts.Env[k]) + " ")
	}
	sb.WriteString("BUTLER_AGENT_ID=" + gssh.Quote(inv.AgentID) + " ")
	sb.WriteString("BUTLER_AGENT_KIND=" + gssh.Quote(inv.Kind) + " ")
	sb.WriteString("BUTLER_ACTION=" + gssh.Quote(inv.Action) + " ")
	sb.WriteString("BUTLER_PAYLOAD=" + gssh.Quote(payloadPath) + " ")
	sb.WriteString(gssh.Quote(b.opts.Command))
	for _, a := range b.opts.Args {
		sb.WriteString(" " + gssh.Quote(a))
	}
	sb.WriteString(" < " + gssh.Quote(payloadPath))
	return sb.String()
}
