package schedule

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/openfleet/traffic/protocol"
)

// Query Registry and Mirror Update Engine: named saved queries, each
// with an outbound change stream and its per-subscriber high-water
// mark. The update tick drains incremental changes from the database to
// the subscribers of each query; remediation requests are serviced
// first.

type QueryRegistrySettings struct {
	// how often zero-subscriber queries are checked for collection
	CleanupPeriod time.Duration
	// how long a query may sit with zero subscribers before it is
	// erased
	GracePeriod time.Duration
}

func DefaultQueryRegistrySettings() *QueryRegistrySettings {
	return &QueryRegistrySettings{
		CleanupPeriod: 30 * time.Second,
		GracePeriod:   5 * time.Minute,
	}
}

type queryInfo struct {
	query     protocol.Query
	publisher Publisher

	lastSentVersion      *Version
	lastRegistrationTime time.Time

	// pending remediation requests; full means "send everything"
	remediationFull     bool
	remediationVersions map[Version]bool
}

type QueryRegistry struct {
	settings *QueryRegistrySettings

	publisherFactory func(QueryId) Publisher

	mutex       sync.Mutex
	queries     map[QueryId]*queryInfo
	lastQueryId QueryId
}

func NewQueryRegistry(
	publisherFactory func(QueryId) Publisher,
	settings *QueryRegistrySettings,
) *QueryRegistry {
	return &QueryRegistry{
		settings:         settings,
		publisherFactory: publisherFactory,
		queries:          map[QueryId]*queryInfo{},
	}
}

// Register returns the id of an existing query with an equal predicate,
// refreshing its registration time, or allocates a fresh id by scanning
// upward from the allocation hint.
func (self *QueryRegistry) Register(query protocol.Query) (QueryId, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for queryId, info := range self.queries {
		if info.query.Equal(query) {
			info.lastRegistrationTime = time.Now()
			glog.Infof("[q]new mirror tracking query [%d]\n", queryId)
			return queryId, nil
		}
	}

	queryId := self.lastQueryId
	attempts := uint64(0)
	for {
		queryId += 1
		attempts += 1
		if attempts == math.MaxUint64 {
			return 0, ErrQueryIdExhausted
		}
		if _, ok := self.queries[queryId]; !ok {
			break
		}
	}

	self.queries[queryId] = &queryInfo{
		query:                query,
		publisher:            self.publisherFactory(queryId),
		lastRegistrationTime: time.Now(),
		remediationVersions:  map[Version]bool{},
	}
	self.lastQueryId = queryId
	glog.Infof("[q]registered new query [%d]\n", queryId)
	return queryId, nil
}

// RequestChanges asks for a remedial resend on a query's stream: either
// a full refresh, or everything after the subscriber's known version
// when that version is behind what was already sent.
func (self *QueryRegistry) RequestChanges(queryId QueryId, version *Version, fullUpdate bool) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	info, ok := self.queries[queryId]
	if !ok {
		return fmt.Errorf("request changes [%d]: %w", queryId, ErrUnknownQuery)
	}

	if fullUpdate || version == nil {
		info.remediationFull = true
		return nil
	}
	if info.lastSentVersion != nil && *version < *info.lastSentVersion {
		info.remediationVersions[*version] = true
	}
	return nil
}

// Update is the mirror update tick: service pending remediation
// requests, then emit an incremental patch for any query behind the
// database version.
func (self *QueryRegistry) Update(database *Database, nodeVersion NodeVersion) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	latest := database.LatestVersion()
	for queryId, info := range self.queries {
		if info.remediationFull {
			self.publish(info, database, nodeVersion, nil, true)
		}
		for version := range info.remediationVersions {
			v := version
			self.publish(info, database, nodeVersion, &v, true)
		}
		info.remediationFull = false
		info.remediationVersions = map[Version]bool{}

		if info.lastSentVersion != nil && *info.lastSentVersion == latest {
			continue
		}
		self.publish(info, database, nodeVersion, info.lastSentVersion, false)
		sent := latest
		info.lastSentVersion = &sent
		glog.V(2).Infof("[q]updated query [%d] to %d\n", queryId, latest)
	}
}

func (self *QueryRegistry) publish(
	info *queryInfo,
	database *Database,
	nodeVersion NodeVersion,
	fromVersion *Version,
	isRemedial bool,
) {
	patch := database.Changes(info.query, fromVersion)
	if !isRemedial && patch.Size() == 0 && !patch.Cull {
		return
	}
	info.publisher.Publish(&protocol.MirrorUpdate{
		NodeVersion:      nodeVersion,
		DatabaseVersion:  database.LatestVersion(),
		Patch:            patch,
		IsRemedialUpdate: isRemedial,
	})
}

// Cleanup erases queries that have had zero live subscribers for longer
// than the grace period. It reports whether anything was erased so the
// caller can re-broadcast the registry.
func (self *QueryRegistry) Cleanup() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	anyErased := false
	now := time.Now()
	for queryId, info := range self.queries {
		if 0 < info.publisher.SubscriberCount() {
			continue
		}
		if self.settings.GracePeriod < now.Sub(info.lastRegistrationTime) {
			info.publisher.Close()
			delete(self.queries, queryId)
			anyErased = true
			glog.Infof("[q]erased unused query [%d]\n", queryId)
		}
	}
	return anyErased
}

// Queries snapshots the registry for broadcast, ordered by id.
func (self *QueryRegistry) Queries() ([]QueryId, []protocol.Query) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	queryIds := maps.Keys(self.queries)
	slices.Sort(queryIds)
	queries := make([]protocol.Query, 0, len(queryIds))
	for _, queryId := range queryIds {
		queries = append(queries, self.queries[queryId].query)
	}
	return queryIds, queries
}

func (self *QueryRegistry) Close() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, info := range self.queries {
		info.publisher.Close()
	}
	self.queries = map[QueryId]*queryInfo{}
}
