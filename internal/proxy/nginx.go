package proxy

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lobsterlabs/lobsterd/internal/errdefs"
	"github.com/lobsterlabs/lobsterd/internal/hostexec"
)

// Nginx is the config-file proxy variant: tenant server blocks are generated
// into one site file and nginx is reloaded after each change. Each block is
// fenced by marker comments carrying the tenant name, which double as the
// parse anchors for ListRoutes.
type Nginx struct {
	sitesPath string
	log       *logrus.Entry
}

func NewNginx(sitesPath string) *Nginx {
	return &Nginx{
		sitesPath: sitesPath,
		log:       logrus.WithField("component", "nginx"),
	}
}

var nginxBlock = regexp.MustCompile(`(?s)# lobsterd:([a-z0-9-]+) host=(\S+) port=(\d+)\n.*?# /lobsterd:[a-z0-9-]+\n`)

func (n *Nginx) AddRoute(name, host string, upstreamPort int) error {
	if err := n.RemoveRoute(name); err != nil {
		return err
	}
	current, err := n.read()
	if err != nil {
		return err
	}
	block := fmt.Sprintf(`# lobsterd:%s host=%s port=%d
server {
    listen 80;
    server_name %s;
    location / {
        proxy_pass http://127.0.0.1:%d;
        proxy_set_header Host $host;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
    }
}
# /lobsterd:%s
`, name, host, upstreamPort, host, upstreamPort, name)
	if err := n.write(current + block); err != nil {
		return err
	}
	n.log.WithFields(logrus.Fields{"tenant": name, "host": host}).Info("route added")
	return n.reload()
}

func (n *Nginx) RemoveRoute(name string) error {
	current, err := n.read()
	if err != nil {
		return err
	}
	next := nginxBlock.ReplaceAllStringFunc(current, func(block string) string {
		if m := nginxBlock.FindStringSubmatch(block); m != nil && m[1] == name {
			return ""
		}
		return block
	})
	if next == current {
		return nil
	}
	if err := n.write(next); err != nil {
		return err
	}
	return n.reload()
}

func (n *Nginx) HasRoute(name string) (bool, error) {
	routes, err := n.ListRoutes()
	if err != nil {
		return false, err
	}
	for _, r := range routes {
		if r.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (n *Nginx) ListRoutes() ([]Route, error) {
	current, err := n.read()
	if err != nil {
		return nil, err
	}
	var out []Route
	for _, m := range nginxBlock.FindAllStringSubmatch(current, -1) {
		port, _ := strconv.Atoi(m[3])
		out = append(out, Route{Name: m[1], Host: m[2], UpstreamPort: port})
	}
	return out, nil
}

// WriteBaseConfig resets the site file to an empty route set.
func (n *Nginx) WriteBaseConfig() error {
	if err := n.write("# managed by lobsterd, do not edit\n"); err != nil {
		return err
	}
	return n.reload()
}

func (n *Nginx) read() (string, error) {
	data, err := os.ReadFile(n.sitesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("%w: read site config: %v", errdefs.ErrProxy, err)
	}
	return string(data), nil
}

func (n *Nginx) write(content string) error {
	tmp := fmt.Sprintf("%s.tmp.%d", n.sitesPath, os.Getpid())
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return fmt.Errorf("%w: write site config: %v", errdefs.ErrProxy, err)
	}
	if err := os.Rename(tmp, n.sitesPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename site config: %v", errdefs.ErrProxy, err)
	}
	return nil
}

func (n *Nginx) reload() error {
	_, err := hostexec.Run(context.Background(), []string{"nginx", "-s", "reload"}, hostexec.Options{Timeout: 10 * time.Second})
	if err != nil {
		// nginx not running yet is tolerated during bootstrap; the config is
		// picked up when it starts.
		if strings.Contains(err.Error(), "invalid PID") ||
			strings.Contains(err.Error(), "No such file") ||
			strings.Contains(err.Error(), "executable file not found") {
			n.log.Warn("nginx not running, reload skipped")
			return nil
		}
		return fmt.Errorf("%w: reload: %v", errdefs.ErrProxy, err)
	}
	return nil
}
