// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package clusterd is a client for the cluster daemon that tracks node
// membership, stored configuration and applied manifests.
package clusterd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/google/go-querystring/query"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/canonical/maas-anvil/internal/registry"
)

var logger = loggo.GetLogger("anvil.clusterd")

// DefaultSocket is where the snap's cluster daemon listens.
const DefaultSocket = "/var/snap/maas-anvil/common/state/control.socket"

const apiVersion = "/1.0"

// response is the envelope of every clusterd reply.
type response struct {
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	StatusCode int             `json:"status_code"`
	Error      string          `json:"error"`
	ErrorCode  int             `json:"error_code"`
	Metadata   json.RawMessage `json:"metadata"`
}

// Node is a member of the cluster.
type Node struct {
	Name      string   `json:"name"`
	Roles     []string `json:"role"`
	MachineID int      `json:"machineid"`
}

// ManifestRecord is a manifest as stored in the cluster.
type ManifestRecord struct {
	ID          string `json:"manifestid"`
	AppliedDate string `json:"applieddate"`
	Data        string `json:"data"`
}

type nodesQuery struct {
	Role string `url:"role,omitempty"`
}

// Client talks to clusterd.
type Client struct {
	http *http.Client
	base string
}

// NewClient returns a Client for the daemon listening on socket.
func NewClient(socket string) *Client {
	if socket == "" {
		socket = DefaultSocket
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
	}
	return newClient(&http.Client{Transport: transport}, "http://clusterd")
}

func newClient(hc *http.Client, base string) *Client {
	return &Client{http: hc, base: strings.TrimSuffix(base, "/")}
}

// ListNodes returns the nodes holding role, or every node when role is
// empty.
func (c *Client) ListNodes(ctx context.Context, role registry.Role) ([]Node, error) {
	values, err := query.Values(nodesQuery{Role: string(role)})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var nodes []Node
	if err := c.do(ctx, http.MethodGet, "/nodes", values, nil, &nodes); err != nil {
		return nil, errors.Annotate(err, "listing nodes")
	}
	return nodes, nil
}

// ListNodesByRole returns the sorted names of the nodes holding role.
func (c *Client) ListNodesByRole(ctx context.Context, role registry.Role) ([]string, error) {
	nodes, err := c.ListNodes(ctx, role)
	if err != nil {
		return nil, errors.Trace(err)
	}
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Name)
	}
	sort.Strings(names)
	return names, nil
}

// Read returns the JSON object stored under key. It fails with a
// NotFound error if nothing is stored there.
func (c *Client) Read(ctx context.Context, key string) (map[string]any, error) {
	var encoded string
	if err := c.do(ctx, http.MethodGet, "/config/"+url.PathEscape(key), nil, nil, &encoded); err != nil {
		return nil, errors.Annotatef(err, "reading config %q", key)
	}
	var value map[string]any
	if err := json.Unmarshal([]byte(encoded), &value); err != nil {
		return nil, errors.Annotatef(err, "decoding config %q", key)
	}
	return value, nil
}

// Write stores value under key, replacing what was there.
func (c *Client) Write(ctx context.Context, key string, value map[string]any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return errors.Annotatef(err, "encoding config %q", key)
	}
	body := map[string]string{"key": key, "value": string(encoded)}
	if err := c.do(ctx, http.MethodPut, "/config/"+url.PathEscape(key), nil, body, nil); err != nil {
		return errors.Annotatef(err, "writing config %q", key)
	}
	return nil
}

// LatestManifest returns the most recently added manifest. It fails
// with a NotFound error if none was ever added.
func (c *Client) LatestManifest(ctx context.Context) (ManifestRecord, error) {
	var record ManifestRecord
	if err := c.do(ctx, http.MethodGet, "/manifests/latest", nil, nil, &record); err != nil {
		return ManifestRecord{}, errors.Annotate(err, "reading latest manifest")
	}
	return record, nil
}

// AddManifest stores data as the latest manifest.
func (c *Client) AddManifest(ctx context.Context, data []byte) error {
	body := map[string]string{"data": string(data)}
	if err := c.do(ctx, http.MethodPost, "/manifests", nil, body, nil); err != nil {
		return errors.Annotate(err, "adding manifest")
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, values url.Values, in, out any) error {
	target := c.base + apiVersion + path
	if len(values) > 0 {
		target += "?" + values.Encode()
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Trace(err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return errors.Trace(err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	logger.Tracef("%s %s", method, target)
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Annotate(err, "contacting clusterd")
	}
	defer func() { _ = resp.Body.Close() }()

	var envelope response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return errors.Annotatef(err, "decoding clusterd response (HTTP %d)", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNotFound || envelope.ErrorCode == http.StatusNotFound {
		return errors.NotFoundf("%s", strings.TrimPrefix(path, "/"))
	}
	if envelope.Type == "error" || resp.StatusCode >= http.StatusBadRequest {
		msg := envelope.Error
		if msg == "" {
			msg = resp.Status
		}
		if strings.Contains(strings.ToLower(msg), "not found") {
			return errors.NewNotFound(nil, msg)
		}
		return errors.Errorf("clusterd: %s", msg)
	}
	if out == nil || len(envelope.Metadata) == 0 || string(envelope.Metadata) == "null" {
		return nil
	}
	return errors.Annotate(json.Unmarshal(envelope.Metadata, out), "decoding clusterd metadata")
}
