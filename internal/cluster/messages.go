package cluster

// Message types carried in the "type" field of requests.
const (
	TypeRegister  = "REGISTER"
	TypeHeartbeat = "HEARTBEAT"
	TypeSQL       = "SQL"
)

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// RegisterRequest announces an endpoint of the replica set named by
// ReplicaKey.
type RegisterRequest struct {
	Type       string `json:"type"`
	Host       string `json:"host"`
	ReplicaKey string `json:"replicaKey"`
	Port       int    `json:"port"`
}

// RegisterResponse carries the id of the replica set the endpoint joined.
type RegisterResponse struct {
	Status         string `json:"status"`
	RegionServerID string `json:"regionserverId,omitempty"`
	Message        string `json:"message,omitempty"`
}

// HeartbeatRequest refreshes an endpoint's liveness and load. ReplicaKey
// lets a coordinator that never saw the registration file the endpoint
// under the right key.
type HeartbeatRequest struct {
	Type           string `json:"type"`
	RegionServerID string `json:"regionserverId"`
	ReplicaKey     string `json:"replicaKey,omitempty"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Connections    int    `json:"connections"`
}

// StatusResponse is the generic ok/error reply.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SQLRequest asks the coordinator where a statement should run, or asks a
// region server to run it.
type SQLRequest struct {
	Type string `json:"type"`
	SQL  string `json:"sql"`
}

// SQLResponse is the routing directive returned by the coordinator. On
// error only Status and Message are set.
type SQLResponse struct {
	Status   string `json:"status"`
	Type     string `json:"type,omitempty"`
	RegionID string `json:"regionId,omitempty"`
	Host     string `json:"host,omitempty"`
	Message  string `json:"message,omitempty"`
	Port     int    `json:"port,omitempty"`
}
