package db

import (
	"encoding/json"
	"fmt"
	"time"
)

// Security server roles as reported in the operational data.
const (
	RoleClient   = "Client"
	RoleProducer = "Producer"
)

// Corrector statuses of a clean record.
const (
	StatusProcessing = "processing"
	StatusDone       = "done"
)

// Matching types of a clean record.
const (
	MatchingRegularPair = "regular_pair"
	MatchingOrphanPair  = "orphan_pair"
	MatchingOrphan      = "orphan"
)

// RawMessage maps corrector.raw_messages: one security server's view of one
// service call, as submitted by the collector. Business fields are nullable
// because producer and client software versions disagree on what they report.
type RawMessage struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	InsertTime time.Time `gorm:"column:insert_time;type:timestamptz;not null;default:now()" json:"-"`
	Corrected  *bool     `gorm:"column:corrected;type:boolean" json:"-"`

	SecurityServerType       *string `gorm:"column:security_server_type;type:text" json:"securityServerType"`
	SecurityServerInternalIP *string `gorm:"column:security_server_internal_ip;type:text" json:"securityServerInternalIp"`

	MonitoringDataTs *int64 `gorm:"column:monitoring_data_ts;type:bigint" json:"monitoringDataTs"`
	RequestInTs      *int64 `gorm:"column:request_in_ts;type:bigint" json:"requestInTs"`
	RequestOutTs     *int64 `gorm:"column:request_out_ts;type:bigint" json:"requestOutTs"`
	ResponseInTs     *int64 `gorm:"column:response_in_ts;type:bigint" json:"responseInTs"`
	ResponseOutTs    *int64 `gorm:"column:response_out_ts;type:bigint" json:"responseOutTs"`

	ClientXRoadInstance  *string `gorm:"column:client_xroad_instance;type:text" json:"clientXRoadInstance"`
	ClientMemberClass    *string `gorm:"column:client_member_class;type:text" json:"clientMemberClass"`
	ClientMemberCode     *string `gorm:"column:client_member_code;type:text" json:"clientMemberCode"`
	ClientSubsystemCode  *string `gorm:"column:client_subsystem_code;type:text" json:"clientSubsystemCode"`
	ServiceXRoadInstance *string `gorm:"column:service_xroad_instance;type:text" json:"serviceXRoadInstance"`
	ServiceMemberClass   *string `gorm:"column:service_member_class;type:text" json:"serviceMemberClass"`
	ServiceMemberCode    *string `gorm:"column:service_member_code;type:text" json:"serviceMemberCode"`
	ServiceSubsystemCode *string `gorm:"column:service_subsystem_code;type:text" json:"serviceSubsystemCode"`
	ServiceCode          *string `gorm:"column:service_code;type:text" json:"serviceCode"`
	ServiceVersion       *string `gorm:"column:service_version;type:text" json:"serviceVersion"`

	RepresentedPartyClass *string `gorm:"column:represented_party_class;type:text" json:"representedPartyClass"`
	RepresentedPartyCode  *string `gorm:"column:represented_party_code;type:text" json:"representedPartyCode"`

	MessageID              *string `gorm:"column:message_id;type:text" json:"messageId"`
	MessageUserID          *string `gorm:"column:message_user_id;type:text" json:"messageUserId"`
	MessageIssue           *string `gorm:"column:message_issue;type:text" json:"messageIssue"`
	MessageProtocolVersion *string `gorm:"column:message_protocol_version;type:text" json:"messageProtocolVersion"`

	ClientSecurityServerAddress  *string `gorm:"column:client_security_server_address;type:text" json:"clientSecurityServerAddress"`
	ServiceSecurityServerAddress *string `gorm:"column:service_security_server_address;type:text" json:"serviceSecurityServerAddress"`

	RequestSoapSize         *int64 `gorm:"column:request_soap_size;type:bigint" json:"requestSoapSize"`
	RequestMimeSize         *int64 `gorm:"column:request_mime_size;type:bigint" json:"requestMimeSize"`
	RequestAttachmentCount  *int64 `gorm:"column:request_attachment_count;type:bigint" json:"requestAttachmentCount"`
	ResponseSoapSize        *int64 `gorm:"column:response_soap_size;type:bigint" json:"responseSoapSize"`
	ResponseMimeSize        *int64 `gorm:"column:response_mime_size;type:bigint" json:"responseMimeSize"`
	ResponseAttachmentCount *int64 `gorm:"column:response_attachment_count;type:bigint" json:"responseAttachmentCount"`

	Succeeded       *bool   `gorm:"column:succeeded;type:boolean" json:"succeeded"`
	SoapFaultCode   *string `gorm:"column:soap_fault_code;type:text" json:"soapFaultCode"`
	SoapFaultString *string `gorm:"column:soap_fault_string;type:text" json:"soapFaultString"`
}

func (RawMessage) TableName() string { return "corrector.raw_messages" }

// BusinessFieldNames lists every documented business field, i.e. everything
// except the storage-only id, insert time and corrected marker. The order is
// not significant; hashing sorts it.
var BusinessFieldNames = []string{
	"monitoringDataTs", "securityServerInternalIp", "securityServerType",
	"requestInTs", "requestOutTs", "responseInTs", "responseOutTs",
	"clientXRoadInstance", "clientMemberClass", "clientMemberCode", "clientSubsystemCode",
	"serviceXRoadInstance", "serviceMemberClass", "serviceMemberCode", "serviceSubsystemCode",
	"serviceCode", "serviceVersion", "representedPartyClass", "representedPartyCode",
	"messageId", "messageUserId", "messageIssue", "messageProtocolVersion",
	"clientSecurityServerAddress", "serviceSecurityServerAddress",
	"requestSoapSize", "requestMimeSize", "requestAttachmentCount",
	"responseSoapSize", "responseMimeSize", "responseAttachmentCount",
	"succeeded", "soapFaultCode", "soapFaultString",
}

// Field returns the value of the named business field, or nil when the field
// is absent. Unknown names return nil so a configurable comparison list
// cannot panic the matcher.
func (m *RawMessage) Field(name string) any {
	if m == nil {
		return nil
	}
	switch name {
	case "securityServerType":
		return deref(m.SecurityServerType)
	case "securityServerInternalIp":
		return deref(m.SecurityServerInternalIP)
	case "monitoringDataTs":
		return deref(m.MonitoringDataTs)
	case "requestInTs":
		return deref(m.RequestInTs)
	case "requestOutTs":
		return deref(m.RequestOutTs)
	case "responseInTs":
		return deref(m.ResponseInTs)
	case "responseOutTs":
		return deref(m.ResponseOutTs)
	case "clientXRoadInstance":
		return deref(m.ClientXRoadInstance)
	case "clientMemberClass":
		return deref(m.ClientMemberClass)
	case "clientMemberCode":
		return deref(m.ClientMemberCode)
	case "clientSubsystemCode":
		return deref(m.ClientSubsystemCode)
	case "serviceXRoadInstance":
		return deref(m.ServiceXRoadInstance)
	case "serviceMemberClass":
		return deref(m.ServiceMemberClass)
	case "serviceMemberCode":
		return deref(m.ServiceMemberCode)
	case "serviceSubsystemCode":
		return deref(m.ServiceSubsystemCode)
	case "serviceCode":
		return deref(m.ServiceCode)
	case "serviceVersion":
		return deref(m.ServiceVersion)
	case "representedPartyClass":
		return deref(m.RepresentedPartyClass)
	case "representedPartyCode":
		return deref(m.RepresentedPartyCode)
	case "messageId":
		return deref(m.MessageID)
	case "messageUserId":
		return deref(m.MessageUserID)
	case "messageIssue":
		return deref(m.MessageIssue)
	case "messageProtocolVersion":
		return deref(m.MessageProtocolVersion)
	case "clientSecurityServerAddress":
		return deref(m.ClientSecurityServerAddress)
	case "serviceSecurityServerAddress":
		return deref(m.ServiceSecurityServerAddress)
	case "requestSoapSize":
		return deref(m.RequestSoapSize)
	case "requestMimeSize":
		return deref(m.RequestMimeSize)
	case "requestAttachmentCount":
		return deref(m.RequestAttachmentCount)
	case "responseSoapSize":
		return deref(m.ResponseSoapSize)
	case "responseMimeSize":
		return deref(m.ResponseMimeSize)
	case "responseAttachmentCount":
		return deref(m.ResponseAttachmentCount)
	case "succeeded":
		return deref(m.Succeeded)
	case "soapFaultCode":
		return deref(m.SoapFaultCode)
	case "soapFaultString":
		return deref(m.SoapFaultString)
	default:
		return nil
	}
}

// Role returns the normalized security server role and whether it is valid.
func (m *RawMessage) Role() (string, bool) {
	if m == nil || m.SecurityServerType == nil {
		return "", false
	}
	switch *m.SecurityServerType {
	case RoleClient, RoleProducer:
		return *m.SecurityServerType, true
	default:
		return "", false
	}
}

// GroupKey returns the correlation id used to partition work, with absent
// messageId folded to the empty string.
func (m *RawMessage) GroupKey() string {
	if m == nil || m.MessageID == nil {
		return ""
	}
	return *m.MessageID
}

func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

// CleanRecord maps corrector.clean_records: the reconciled unit holding the
// client and producer halves of one logical call plus derived metrics.
// The client/producer sub-documents are persisted as jsonb; their requestInTs
// values are extracted into columns so the candidate and timeout queries can
// filter without unpacking documents.
type CleanRecord struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	RecordUUID string `gorm:"column:record_uuid;type:uuid;not null;unique"`
	MessageID  string `gorm:"column:message_id;type:text;not null;index"`

	ClientJSON   json.RawMessage `gorm:"column:client;type:jsonb"`
	ProducerJSON json.RawMessage `gorm:"column:producer;type:jsonb"`

	ClientHash   *string `gorm:"column:client_hash;type:text;index"`
	ProducerHash *string `gorm:"column:producer_hash;type:text;index"`

	ClientRequestInTs   *int64 `gorm:"column:client_request_in_ts;type:bigint;index"`
	ProducerRequestInTs *int64 `gorm:"column:producer_request_in_ts;type:bigint;index"`

	CorrectorStatus string    `gorm:"column:corrector_status;type:text;not null;index"`
	MatchingType    string    `gorm:"column:matching_type;type:text;not null"`
	CorrectorTime   time.Time `gorm:"column:corrector_time;type:timestamptz;not null"`

	TotalDuration              *int32 `gorm:"column:total_duration;type:integer"`
	ClientSsRequestDuration    *int32 `gorm:"column:client_ss_request_duration;type:integer"`
	ClientSsResponseDuration   *int32 `gorm:"column:client_ss_response_duration;type:integer"`
	ProducerDurationClientView *int32 `gorm:"column:producer_duration_client_view;type:integer"`
	ProducerDurationProdView   *int32 `gorm:"column:producer_duration_producer_view;type:integer"`
	ProducerSsRequestDuration  *int32 `gorm:"column:producer_ss_request_duration;type:integer"`
	ProducerSsResponseDuration *int32 `gorm:"column:producer_ss_response_duration;type:integer"`
	ProducerIsDuration         *int32 `gorm:"column:producer_is_duration;type:integer"`
	RequestNwDuration          *int32 `gorm:"column:request_nw_duration;type:integer"`
	ResponseNwDuration         *int32 `gorm:"column:response_nw_duration;type:integer"`
	ClientRequestSize          *int32 `gorm:"column:client_request_size;type:integer"`
	ClientResponseSize         *int32 `gorm:"column:client_response_size;type:integer"`
	ProducerRequestSize        *int32 `gorm:"column:producer_request_size;type:integer"`
	ProducerResponseSize       *int32 `gorm:"column:producer_response_size;type:integer"`

	CreatedAt time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`

	// In-memory halves; kept in sync with the jsonb columns by
	// EncodeSides/DecodeSides at the store boundary.
	Client   *RawMessage `gorm:"-" json:"-"`
	Producer *RawMessage `gorm:"-" json:"-"`
}

func (CleanRecord) TableName() string { return "corrector.clean_records" }

// EncodeSides serializes the in-memory halves into the jsonb columns and
// refreshes the extracted requestInTs columns.
func (r *CleanRecord) EncodeSides() error {
	if r == nil {
		return fmt.Errorf("clean record is nil")
	}

	r.ClientJSON = nil
	r.ClientRequestInTs = nil
	if r.Client != nil {
		payload, err := json.Marshal(r.Client)
		if err != nil {
			return fmt.Errorf("marshal client document: %w", err)
		}
		r.ClientJSON = payload
		r.ClientRequestInTs = r.Client.RequestInTs
	}

	r.ProducerJSON = nil
	r.ProducerRequestInTs = nil
	if r.Producer != nil {
		payload, err := json.Marshal(r.Producer)
		if err != nil {
			return fmt.Errorf("marshal producer document: %w", err)
		}
		r.ProducerJSON = payload
		r.ProducerRequestInTs = r.Producer.RequestInTs
	}

	return nil
}

// DecodeSides rebuilds the in-memory halves from the jsonb columns.
func (r *CleanRecord) DecodeSides() error {
	if r == nil {
		return fmt.Errorf("clean record is nil")
	}

	r.Client = nil
	if len(r.ClientJSON) > 0 && string(r.ClientJSON) != "null" {
		var doc RawMessage
		if err := json.Unmarshal(r.ClientJSON, &doc); err != nil {
			return fmt.Errorf("unmarshal client document: %w", err)
		}
		r.Client = &doc
	}

	r.Producer = nil
	if len(r.ProducerJSON) > 0 && string(r.ProducerJSON) != "null" {
		var doc RawMessage
		if err := json.Unmarshal(r.ProducerJSON, &doc); err != nil {
			return fmt.Errorf("unmarshal producer document: %w", err)
		}
		r.Producer = &doc
	}

	return nil
}

// Side returns the half of the record for the given role.
func (r *CleanRecord) Side(role string) *RawMessage {
	if r == nil {
		return nil
	}
	if role == RoleProducer {
		return r.Producer
	}
	return r.Client
}
