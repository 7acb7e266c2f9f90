package agents

import (
	"fmt"
	"strings"
)

// CloudInitOptions describes a host that will run butler-agent.
type CloudInitOptions struct {
	User          string
	AuthorizedKey string
	AgentURL      string
	Listen        string
	Token         string
	// Command is the local command the daemon runs for each action.
	Command string
}

// CloudInitUserData returns cloud-init YAML that:
// - creates a non-root user holding the controller's public key
// - hardens sshd
// - installs butler-agent as a systemd unit serving the exec backend
func CloudInitUserData(o CloudInitOptions) string {
	if o.User == "" {
		o.User = "butler"
	}
	if o.Listen == "" {
		o.Listen = ":8088"
	}
	execStart := fmt.Sprintf("/usr/local/bin/butler-agent serve --listen %s", o.Listen)
	if o.Command != "" {
		execStart += " --command " + o.Command
	}
	env := ""
	if o.Token != "" {
		env = fmt.Sprintf("Environment=BUTLER_AGENT_TOKEN=%s\\n", o.Token)
	}
	return fmt.Sprintf(`#cloud-config
users:
  - name: %s
    sudo: ["ALL=(ALL) NOPASSWD:ALL"]
    shell: /bin/bash
    ssh_authorized_keys:
      - %s
ssh_pwauth: false
disable_root: true
package_update: true
write_files:
  - path: /etc/ssh/sshd_config.d/99-butler.conf
    permissions: '0644'
    content: |
      PermitRootLogin no
      PasswordAuthentication no
      ChallengeResponseAuthentication no
      UsePAM yes
runcmd:
  - |
    set -euo pipefail
    cd /tmp
    curl -fsSL %s -o butler-agent
    install -m 0755 butler-agent /usr/local/bin/butler-agent
    printf '[Unit]\nDescription=Butler Agent\nAfter=network.target\n[Service]\nExecStart=%s\n%sUser=%s\nRestart=always\nRestartSec=2\n[Install]\nWantedBy=multi-user.target\n' > /etc/systemd/system/butler-agent.service
    systemctl daemon-reload
    systemctl enable --now butler-agent
`, o.User, strings.TrimSpace(o.AuthorizedKey), o.AgentURL, execStart, env, o.User)
}
