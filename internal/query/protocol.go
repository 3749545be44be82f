package query

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

type Operation int32

const (
	OperationUnknown        Operation = 0
	OperationPing           Operation = 1
	OperationHealth         Operation = 2
	OperationFirstLastDraft Operation = 3
	OperationLastCookie     Operation = 4
	OperationStartState     Operation = 5
	OperationEligibleCount  Operation = 6
	OperationSearchCookie   Operation = 7
	OperationSearchDraft    Operation = 8
)

var operationNames = map[Operation]string{
	OperationPing:           "ping",
	OperationHealth:         "health",
	OperationFirstLastDraft: "first_last_draft",
	OperationLastCookie:     "last_cookie",
	OperationStartState:     "start_state",
	OperationEligibleCount:  "eligible_count",
	OperationSearchCookie:   "search_cookie",
	OperationSearchDraft:    "search_draft",
}

func (o Operation) String() string {
	if n, ok := operationNames[o]; ok {
		return n
	}
	return fmt.Sprintf("operation(%d)", int32(o))
}

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeOverloaded      ErrorCode = 3
	ErrorCodeInternal        ErrorCode = 4
	ErrorCodeResyncRequired  ErrorCode = 5
	ErrorCodeUnwilling       ErrorCode = 6
)

type Request struct {
	RequestId     string                `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken     string                `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation     int32                 `protobuf:"varint,3,opt,name=operation,proto3"`
	EligibleCount *EligibleCountRequest `protobuf:"bytes,4,opt,name=eligible_count,json=eligibleCount,proto3"`
	SearchCookie  *SearchCookieRequest  `protobuf:"bytes,5,opt,name=search_cookie,json=searchCookie,proto3"`
	SearchDraft   *SearchDraftRequest   `protobuf:"bytes,6,opt,name=search_draft,json=searchDraft,proto3"`
}

func (*Request) Reset()         {}
func (*Request) String() string { return "Request" }
func (*Request) ProtoMessage()  {}

type Response struct {
	RequestId    string             `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32              `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string             `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Pong         *PongResponse      `protobuf:"bytes,4,opt,name=pong,proto3"`
	Health       *HealthResponse    `protobuf:"bytes,5,opt,name=health,proto3"`
	Drafts       *FirstLastResponse `protobuf:"bytes,6,opt,name=drafts,proto3"`
	Cookie       *CookieResponse    `protobuf:"bytes,7,opt,name=cookie,proto3"`
	Count        *CountResponse     `protobuf:"bytes,8,opt,name=count,proto3"`
	Search       *SearchResponse    `protobuf:"bytes,9,opt,name=search,proto3"`
	Resync       *ResyncDetail      `protobuf:"bytes,10,opt,name=resync,proto3"`
}

func (*Response) Reset()         {}
func (*Response) String() string { return "Response" }
func (*Response) ProtoMessage()  {}

// EligibleCountRequest counts records after FromCookie and at or before
// ToCsn; an empty ToCsn means the current eligible point.
type EligibleCountRequest struct {
	FromCookie string `protobuf:"bytes,1,opt,name=from_cookie,json=fromCookie,proto3"`
	ToCsn      string `protobuf:"bytes,2,opt,name=to_csn,json=toCsn,proto3"`
}

func (*EligibleCountRequest) Reset()         {}
func (*EligibleCountRequest) String() string { return "EligibleCountRequest" }
func (*EligibleCountRequest) ProtoMessage()  {}

type SearchCookieRequest struct {
	Cookie string `protobuf:"bytes,1,opt,name=cookie,proto3"`
	Limit  int32  `protobuf:"varint,2,opt,name=limit,proto3"`
}

func (*SearchCookieRequest) Reset()         {}
func (*SearchCookieRequest) String() string { return "SearchCookieRequest" }
func (*SearchCookieRequest) ProtoMessage()  {}

// SearchDraftRequest selects by a changenumber predicate, or by Lo and Hi
// when Predicate is empty; a zero Hi is unbounded.
type SearchDraftRequest struct {
	Predicate string `protobuf:"bytes,1,opt,name=predicate,proto3"`
	Lo        int64  `protobuf:"varint,2,opt,name=lo,proto3"`
	Hi        int64  `protobuf:"varint,3,opt,name=hi,proto3"`
	Limit     int32  `protobuf:"varint,4,opt,name=limit,proto3"`
}

func (*SearchDraftRequest) Reset()         {}
func (*SearchDraftRequest) String() string { return "SearchDraftRequest" }
func (*SearchDraftRequest) ProtoMessage()  {}

type PongResponse struct {
	UnixTimeNs int64 `protobuf:"varint,1,opt,name=unix_time_ns,json=unixTimeNs,proto3"`
}

func (*PongResponse) Reset()         {}
func (*PongResponse) String() string { return "PongResponse" }
func (*PongResponse) ProtoMessage()  {}

type HealthResponse struct {
	Ok      bool     `protobuf:"varint,1,opt,name=ok,proto3"`
	Message string   `protobuf:"bytes,2,opt,name=message,proto3"`
	Domains []string `protobuf:"bytes,3,rep,name=domains,proto3"`
}

func (*HealthResponse) Reset()         {}
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

type FirstLastResponse struct {
	Found bool  `protobuf:"varint,1,opt,name=found,proto3"`
	First int64 `protobuf:"varint,2,opt,name=first,proto3"`
	Last  int64 `protobuf:"varint,3,opt,name=last,proto3"`
}

func (*FirstLastResponse) Reset()         {}
func (*FirstLastResponse) String() string { return "FirstLastResponse" }
func (*FirstLastResponse) ProtoMessage()  {}

type CookieResponse struct {
	Cookie string `protobuf:"bytes,1,opt,name=cookie,proto3"`
}

func (*CookieResponse) Reset()         {}
func (*CookieResponse) String() string { return "CookieResponse" }
func (*CookieResponse) ProtoMessage()  {}

type CountResponse struct {
	Count int64  `protobuf:"varint,1,opt,name=count,proto3"`
	ToCsn string `protobuf:"bytes,2,opt,name=to_csn,json=toCsn,proto3"`
}

func (*CountResponse) Reset()         {}
func (*CountResponse) String() string { return "CountResponse" }
func (*CountResponse) ProtoMessage()  {}

type ChangeEntry struct {
	ChangeNumber int64  `protobuf:"varint,1,opt,name=change_number,json=changeNumber,proto3"`
	Domain       string `protobuf:"bytes,2,opt,name=domain,proto3"`
	Csn          string `protobuf:"bytes,3,opt,name=csn,proto3"`
	ChangeType   string `protobuf:"bytes,4,opt,name=change_type,json=changeType,proto3"`
	TargetDn     string `protobuf:"bytes,5,opt,name=target_dn,json=targetDn,proto3"`
	EntryUuid    string `protobuf:"bytes,6,opt,name=entry_uuid,json=entryUuid,proto3"`
	ReplicaId    uint32 `protobuf:"varint,7,opt,name=replica_id,json=replicaId,proto3"`
	ChangeTimeMs int64  `protobuf:"varint,8,opt,name=change_time_ms,json=changeTimeMs,proto3"`
	Cookie       string `protobuf:"bytes,9,opt,name=cookie,proto3"`
	Changes      []byte `protobuf:"bytes,10,opt,name=changes,proto3"`
}

func (*ChangeEntry) Reset()         {}
func (*ChangeEntry) String() string { return "ChangeEntry" }
func (*ChangeEntry) ProtoMessage()  {}

type SearchResponse struct {
	Entries []*ChangeEntry `protobuf:"bytes,1,rep,name=entries,proto3"`
	Cookie  string         `protobuf:"bytes,2,opt,name=cookie,proto3"`
	// More is set when Limit cut the result short.
	More bool `protobuf:"varint,3,opt,name=more,proto3"`
}

func (*SearchResponse) Reset()         {}
func (*SearchResponse) String() string { return "SearchResponse" }
func (*SearchResponse) ProtoMessage()  {}

// ResyncDetail names what a consumer must fix to present a valid cookie.
type ResyncDetail struct {
	Reason   string `protobuf:"bytes,1,opt,name=reason,proto3"`
	Domain   string `protobuf:"bytes,2,opt,name=domain,proto3"`
	Expected string `protobuf:"bytes,3,opt,name=expected,proto3"`
}

func (*ResyncDetail) Reset()         {}
func (*ResyncDetail) String() string { return "ResyncDetail" }
func (*ResyncDetail) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalRequest(payload []byte) (*Request, error) {
	var req Request
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalResponse(payload []byte) (*Response, error) {
	var res Response
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func ValidateRequest(req *Request) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	if req.Operation == int32(OperationUnknown) {
		return fmt.Errorf("operation is required")
	}
	return nil
}
