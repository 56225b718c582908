// Package router decides which replica set a SQL statement is sent to.
//
// Statements are classified by their leading keyword. Schema changes and
// row operations are both directed to the online replica set carrying the
// fewest connections; the result type tells the caller how to treat the
// answer. A DDL_RESULT names one representative set and the caller is
// expected to apply the change to every set, while a DML_REDIRECT names the
// one set the client must connect to.
//
// The router only looks at load. Key ranges are resolved by the region
// server that receives the statement.
package router

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/sqlparse"
)

// ResultType is the kind of routing directive returned by Dispatch.
type ResultType string

const (
	ResultError       ResultType = "ERROR"
	ResultDDL         ResultType = "DDL_RESULT"
	ResultDMLRedirect ResultType = "DML_REDIRECT"
)

// NoRegionServer is the message returned when nothing is online.
const NoRegionServer = "No available RegionServer"

// Result is a routing directive. ReplicaSetID, Host and Port are set for
// DDL_RESULT and DML_REDIRECT; Message is set for ERROR.
type Result struct {
	Type         ResultType
	ReplicaSetID string
	Host         string
	Message      string
	Port         int
}

// Response converts the result to its wire form.
func (r Result) Response() cluster.SQLResponse {
	if r.Type == ResultError {
		return cluster.SQLResponse{Status: cluster.StatusError, Message: r.Message}
	}
	return cluster.SQLResponse{
		Status:   cluster.StatusOK,
		Type:     string(r.Type),
		RegionID: r.ReplicaSetID,
		Host:     r.Host,
		Port:     r.Port,
	}
}

// ViewSource supplies the online replica sets.
type ViewSource interface {
	OnlineView() cluster.View
}

// Router is the RequestRouter. It is safe for concurrent use.
type Router struct {
	view       ViewSource
	log        zerolog.Logger
	dispatches *prometheus.CounterVec
}

// New creates a router over view. Metrics are registered with reg when it
// is non-nil.
func New(view ViewSource, log zerolog.Logger, reg prometheus.Registerer) *Router {
	return &Router{
		view: view,
		log:  log,
		dispatches: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "tessera",
			Subsystem: "router",
			Name:      "dispatches_total",
			Help:      "SQL dispatch decisions by result type.",
		}, []string{"result"}),
	}
}

// Dispatch classifies sql and picks the replica set it should run on.
func (r *Router) Dispatch(sql string) Result {
	res := r.dispatch(sql)
	r.dispatches.WithLabelValues(string(res.Type)).Inc()
	ev := r.log.Debug()
	if res.Type == ResultError {
		ev = r.log.Info()
	}
	ev.Str("result", string(res.Type)).Str("replicaSet", res.ReplicaSetID).
		Str("message", res.Message).Msg("dispatch")
	return res
}

func (r *Router) dispatch(sql string) Result {
	kind, err := sqlparse.Classify(sql)
	if err != nil {
		return Result{Type: ResultError, Message: err.Error()}
	}

	set, ok := SelectLeastLoaded(r.view.OnlineView())
	if !ok {
		return Result{Type: ResultError, Message: NoRegionServer}
	}
	ep, _ := set.Primary()

	typ := ResultDMLRedirect
	if kind == sqlparse.DDL {
		typ = ResultDDL
	}
	return Result{Type: typ, ReplicaSetID: set.ID, Host: ep.Host, Port: ep.Port}
}

// SelectLeastLoaded returns the set with the fewest total connections,
// breaking ties by the smallest id. Sets without endpoints are skipped.
func SelectLeastLoaded(view cluster.View) (*cluster.ReplicaSet, bool) {
	ids := make([]string, 0, len(view))
	for id, set := range view {
		if len(set.Endpoints) > 0 {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, false
	}
	sort.Strings(ids)

	best := view[ids[0]]
	bestLoad := best.TotalConnections()
	for _, id := range ids[1:] {
		if load := view[id].TotalConnections(); load < bestLoad {
			best, bestLoad = view[id], load
		}
	}
	return best, true
}
