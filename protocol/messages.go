package protocol

import (
	"strconv"
	"time"
)

// Channel and service names shared by the schedule node and its
// writers, mirrors, and negotiation participants.
const (
	ItinerarySetTopicName    = "itinerary/set"
	ItineraryExtendTopicName = "itinerary/extend"
	ItineraryDelayTopicName  = "itinerary/delay"
	ItineraryEraseTopicName  = "itinerary/erase"
	ItineraryClearTopicName  = "itinerary/clear"

	InconsistencyTopicName    = "inconsistency"
	MirrorUpdateTopicNameBase = "mirror_update/"

	ParticipantsInfoTopicName = "participants_info"
	QueriesInfoTopicName      = "queries_info"

	NegotiationNoticeTopicName     = "conflict/notice"
	NegotiationConclusionTopicName = "conflict/conclusion"
	NegotiationAckTopicName        = "conflict/ack"
	NegotiationRefusalTopicName    = "conflict/refusal"
	NegotiationProposalTopicName   = "conflict/proposal"
	NegotiationRejectionTopicName  = "conflict/rejection"
	NegotiationForfeitTopicName    = "conflict/forfeit"

	HeartbeatTopicName = "heartbeat"
	FailOverTopicName  = "failover"

	RegisterParticipantServiceName   = "register_participant"
	UnregisterParticipantServiceName = "unregister_participant"
	RegisterQueryServiceName         = "register_query"
	RequestChangesServiceName        = "request_changes"
)

func MirrorUpdateTopicName(queryId QueryId) string {
	return MirrorUpdateTopicNameBase + strconv.FormatUint(uint64(queryId), 10)
}

type ItinerarySet struct {
	Participant      ParticipantId    `cbor:"participant"`
	Itinerary        Itinerary        `cbor:"itinerary"`
	ItineraryVersion ItineraryVersion `cbor:"itinerary_version"`
}

type ItineraryExtend struct {
	Participant      ParticipantId    `cbor:"participant"`
	Routes           Itinerary        `cbor:"routes"`
	ItineraryVersion ItineraryVersion `cbor:"itinerary_version"`
}

type ItineraryDelay struct {
	Participant      ParticipantId    `cbor:"participant"`
	Delay            time.Duration    `cbor:"delay"`
	ItineraryVersion ItineraryVersion `cbor:"itinerary_version"`
}

type ItineraryErase struct {
	Participant      ParticipantId    `cbor:"participant"`
	RouteIds         []RouteId        `cbor:"route_ids"`
	ItineraryVersion ItineraryVersion `cbor:"itinerary_version"`
}

type ItineraryClear struct {
	Participant      ParticipantId    `cbor:"participant"`
	ItineraryVersion ItineraryVersion `cbor:"itinerary_version"`
}

// ScheduleInconsistency reports the missing version ranges for one
// participant. Published whenever gaps exist after an edit.
type ScheduleInconsistency struct {
	Participant      ParticipantId    `cbor:"participant"`
	Ranges           []Range          `cbor:"ranges"`
	LastKnownVersion ItineraryVersion `cbor:"last_known_version"`
}

type MirrorUpdate struct {
	NodeVersion      NodeVersion `cbor:"node_version"`
	DatabaseVersion  Version     `cbor:"database_version"`
	Patch            Patch       `cbor:"patch"`
	IsRemedialUpdate bool        `cbor:"is_remedial_update"`
}

type ParticipantsInfo struct {
	Participants []ParticipantInfo `cbor:"participants"`
}

type ScheduleQueries struct {
	NodeVersion NodeVersion `cbor:"node_version"`
	Ids         []QueryId   `cbor:"ids"`
	Queries     []Query     `cbor:"queries"`
}

// TableKey identifies one step of an accommodation sequence: the
// participant and the proposal version they had submitted.
type TableKey struct {
	Participant ParticipantId   `cbor:"participant"`
	Version     ProposalVersion `cbor:"version"`
}

type ConflictNotice struct {
	ConflictVersion Version         `cbor:"conflict_version"`
	Participants    []ParticipantId `cbor:"participants"`
}

type ConflictConclusion struct {
	ConflictVersion Version    `cbor:"conflict_version"`
	Resolved        bool       `cbor:"resolved"`
	Table           []TableKey `cbor:"table,omitempty"`
}

type Acknowledgment struct {
	Participant      ParticipantId    `cbor:"participant"`
	Updating         bool             `cbor:"updating"`
	ItineraryVersion ItineraryVersion `cbor:"itinerary_version"`
}

type ConflictAck struct {
	ConflictVersion Version          `cbor:"conflict_version"`
	Acknowledgments []Acknowledgment `cbor:"acknowledgments"`
}

type ConflictRefusal struct {
	ConflictVersion Version `cbor:"conflict_version"`
}

type ConflictProposal struct {
	ConflictVersion Version         `cbor:"conflict_version"`
	ForParticipant  ParticipantId   `cbor:"for_participant"`
	ToAccommodate   []TableKey      `cbor:"to_accommodate"`
	Itinerary       Itinerary       `cbor:"itinerary"`
	ProposalVersion ProposalVersion `cbor:"proposal_version"`
}

type ConflictRejection struct {
	ConflictVersion Version       `cbor:"conflict_version"`
	Table           []TableKey    `cbor:"table"`
	RejectedBy      ParticipantId `cbor:"rejected_by"`
	Alternatives    []Itinerary   `cbor:"alternatives,omitempty"`
}

type ConflictForfeit struct {
	ConflictVersion Version    `cbor:"conflict_version"`
	Table           []TableKey `cbor:"table"`
}

type Heartbeat struct {
	NodeVersion NodeVersion `cbor:"node_version"`
}

// FailOverEvent is advisory: writers that receive it rebind their
// service clients to the currently-primary endpoints.
type FailOverEvent struct {
	NewNodeVersion NodeVersion `cbor:"new_node_version"`
}

type RegisterParticipantRequest struct {
	Description ParticipantDescription `cbor:"description"`
}

type RegisterParticipantResponse struct {
	ParticipantId        ParticipantId    `cbor:"participant_id"`
	LastItineraryVersion ItineraryVersion `cbor:"last_itinerary_version"`
	LastRouteId          RouteId          `cbor:"last_route_id"`
	Error                string           `cbor:"error,omitempty"`
}

type UnregisterParticipantRequest struct {
	ParticipantId ParticipantId `cbor:"participant_id"`
}

type UnregisterParticipantResponse struct {
	Confirmation bool   `cbor:"confirmation"`
	Error        string `cbor:"error,omitempty"`
}

type RegisterQueryRequest struct {
	Query Query `cbor:"query"`
}

type RegisterQueryResponse struct {
	QueryId     QueryId     `cbor:"query_id"`
	NodeVersion NodeVersion `cbor:"node_version"`
	Error       string      `cbor:"error,omitempty"`
}

const (
	RequestChangesAccepted       = 0
	RequestChangesUnknownQueryId = 1
)

type RequestChangesRequest struct {
	QueryId    QueryId `cbor:"query_id"`
	Version    Version `cbor:"version"`
	FullUpdate bool    `cbor:"full_update"`
}

type RequestChangesResponse struct {
	Result uint8  `cbor:"result"`
	Error  string `cbor:"error,omitempty"`
}
