package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// EndpointStatus is the liveness state reported for a ReplicaEndpoint.
type EndpointStatus string

// StatusActive marks an endpoint that registered or heartbeated recently.
const StatusActive EndpointStatus = "active"

// ReplicaEndpoint is one physical process serving a logical storage node.
type ReplicaEndpoint struct {
	LastHeartbeat time.Time      `json:"lastHeartbeat"`
	Host          string         `json:"host"`
	Status        EndpointStatus `json:"status"`
	Port          int            `json:"port"`
	Connections   int            `json:"connections"`
}

// Addr returns the endpoint as host:port.
func (e ReplicaEndpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Matches reports whether the endpoint is the process at host:port.
func (e ReplicaEndpoint) Matches(host string, port int) bool {
	return e.Host == host && e.Port == port
}

// ReplicaSet is a logical storage node backed by one or more endpoints that
// share the same ReplicaKey. Values held in a View are immutable: writers
// always Clone before changing a set.
type ReplicaSet struct {
	CreatedAt  time.Time         `json:"createdAt"`
	ID         string            `json:"id"`
	ReplicaKey string            `json:"replicaKey"`
	Endpoints  []ReplicaEndpoint `json:"endpoints"`
}

// Clone returns a deep copy of the set.
func (s *ReplicaSet) Clone() *ReplicaSet {
	out := *s
	out.Endpoints = append([]ReplicaEndpoint(nil), s.Endpoints...)
	return &out
}

// IndexOf returns the position of the endpoint at host:port, or -1.
func (s *ReplicaSet) IndexOf(host string, port int) int {
	for i, ep := range s.Endpoints {
		if ep.Matches(host, port) {
			return i
		}
	}
	return -1
}

// TotalConnections sums the connection counts of all endpoints.
func (s *ReplicaSet) TotalConnections() int {
	total := 0
	for _, ep := range s.Endpoints {
		total += ep.Connections
	}
	return total
}

// Primary returns the first endpoint of the set, which is the one clients
// are directed to. The boolean is false for a set with no endpoints.
func (s *ReplicaSet) Primary() (ReplicaEndpoint, bool) {
	if len(s.Endpoints) == 0 {
		return ReplicaEndpoint{}, false
	}
	return s.Endpoints[0], true
}

// EncodeReplicaSet serializes a set into the value stored in the
// coordination store.
func EncodeReplicaSet(s *ReplicaSet) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrapf(err, "encode replica set %s", s.ID)
	}
	return data, nil
}

// DecodeReplicaSet parses a value written by EncodeReplicaSet.
func DecodeReplicaSet(data []byte) (*ReplicaSet, error) {
	var s ReplicaSet
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "decode replica set")
	}
	if s.ID == "" {
		return nil, errors.New("decode replica set: missing id")
	}
	return &s, nil
}

// View maps ReplicaSet.ID to the set. A View returned by the membership
// tracker is a snapshot owned by the caller; the sets it points to must not
// be modified.
type View map[string]*ReplicaSet

// Role is the role recorded by a coordinator holding the election.
type Role string

// RoleActive is the only role a CoordinatorRecord is ever written with.
const RoleActive Role = "active"

// CoordinatorRecord describes the coordinator currently holding the
// election. It is the election value, so it disappears with leadership.
type CoordinatorRecord struct {
	CreatedAt     time.Time `json:"createdAt"`
	CoordinatorID string    `json:"coordinatorId"`
	Host          string    `json:"host"`
	Role          Role      `json:"role"`
	Port          int       `json:"port"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON sends body as JSON to url and decodes the response into out when
// out is non-nil. Any status >= 300 is returned as an error.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
