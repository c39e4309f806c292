package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lobsterlabs/lobsterd/internal/errdefs"
)

const serverName = "lobsterd"

// Caddy drives routes through caddy's JSON admin API. Every tenant route is
// tagged with an "@id" so it can be read and deleted directly, without
// rewriting the whole server config.
type Caddy struct {
	adminApi string
	tls      bool
	certsDir string
	client   *http.Client
	log      *logrus.Entry
}

func NewCaddy(adminApi string, tls bool, certsDir string) *Caddy {
	return &Caddy{
		adminApi: strings.TrimRight(adminApi, "/"),
		tls:      tls,
		certsDir: certsDir,
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      logrus.WithField("component", "caddy"),
	}
}

type caddyRoute struct {
	ID    string       `json:"@id,omitempty"`
	Match []caddyMatch `json:"match,omitempty"`
	Handle []caddyHandler `json:"handle"`
}

type caddyMatch struct {
	Host []string `json:"host,omitempty"`
}

type caddyHandler struct {
	Handler   string          `json:"handler"`
	Upstreams []caddyUpstream `json:"upstreams,omitempty"`
}

type caddyUpstream struct {
	Dial string `json:"dial"`
}

func routeID(name string) string { return "lobsterd-" + name }

func (c *Caddy) AddRoute(name, host string, upstreamPort int) error {
	route := caddyRoute{
		ID:    routeID(name),
		Match: []caddyMatch{{Host: []string{host}}},
		Handle: []caddyHandler{{
			Handler:   "reverse_proxy",
			Upstreams: []caddyUpstream{{Dial: "127.0.0.1:" + strconv.Itoa(upstreamPort)}},
		}},
	}
	// Replace an existing route for the same tenant rather than stacking.
	if ok, err := c.HasRoute(name); err != nil {
		return err
	} else if ok {
		if err := c.RemoveRoute(name); err != nil {
			return err
		}
	}
	body, _ := json.Marshal(route)
	if err := c.do(http.MethodPost, "/config/apps/http/servers/"+serverName+"/routes", body, nil); err != nil {
		return err
	}
	c.log.WithFields(logrus.Fields{"tenant": name, "host": host, "port": upstreamPort}).Info("route added")
	return nil
}

func (c *Caddy) RemoveRoute(name string) error {
	err := c.do(http.MethodDelete, "/id/"+routeID(name), nil, nil)
	if err != nil && strings.Contains(err.Error(), "status 404") {
		return nil
	}
	return err
}

func (c *Caddy) HasRoute(name string) (bool, error) {
	err := c.do(http.MethodGet, "/id/"+routeID(name), nil, nil)
	if err == nil {
		return true, nil
	}
	if strings.Contains(err.Error(), "status 404") {
		return false, nil
	}
	return false, err
}

func (c *Caddy) ListRoutes() ([]Route, error) {
	var routes []caddyRoute
	if err := c.do(http.MethodGet, "/config/apps/http/servers/"+serverName+"/routes", nil, &routes); err != nil {
		return nil, err
	}
	var out []Route
	for _, r := range routes {
		if !strings.HasPrefix(r.ID, "lobsterd-") {
			continue
		}
		route := Route{Name: strings.TrimPrefix(r.ID, "lobsterd-")}
		if len(r.Match) > 0 && len(r.Match[0].Host) > 0 {
			route.Host = r.Match[0].Host[0]
		}
		if len(r.Handle) > 0 && len(r.Handle[0].Upstreams) > 0 {
			if _, portStr, ok := strings.Cut(r.Handle[0].Upstreams[0].Dial, ":"); ok {
				route.UpstreamPort, _ = strconv.Atoi(portStr)
			}
		}
		out = append(out, route)
	}
	return out, nil
}

// WriteBaseConfig loads the skeleton server into caddy: one HTTP(S) server
// named for lobsterd with an empty route list, optionally terminating TLS
// with the installed origin material. Existing tenant routes are wiped; molt
// reinstates them.
func (c *Caddy) WriteBaseConfig() error {
	listen := ":80"
	server := map[string]any{
		"listen": []string{listen},
		"routes": []any{},
	}
	cfg := map[string]any{
		"apps": map[string]any{
			"http": map[string]any{
				"servers": map[string]any{serverName: server},
			},
		},
	}
	if c.tls {
		server["listen"] = []string{":443"}
		cfg["apps"].(map[string]any)["tls"] = map[string]any{
			"certificates": map[string]any{
				"load_files": []map[string]string{{
					"certificate": c.certsDir + "/origin.pem",
					"key":         c.certsDir + "/origin.key",
				}},
			},
		}
	}
	body, _ := json.Marshal(cfg)
	if err := c.do(http.MethodPost, "/load", body, nil); err != nil {
		return err
	}
	c.log.Info("base config loaded")
	return nil
}

func (c *Caddy) do(method, path string, body []byte, out any) error {
	req, err := http.NewRequest(method, c.adminApi+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrCaddyApi, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", errdefs.ErrCaddyApi, method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s %s: status %d: %s", errdefs.ErrCaddyApi, method, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: decode %s: %v", errdefs.ErrCaddyApi, path, err)
		}
	}
	return nil
}
