package correct

import (
	"crypto/md5"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"horse.fit/corrector/internal/db"
	recordschema "horse.fit/corrector/schema"
)

// Transformer holds the pure matching and derivation logic: no I/O, safe for
// concurrent use.
type Transformer struct {
	windowMS         int64
	comparisonFields []string
	orphanFields     []string
	metrics          MetricOptions
	logger           zerolog.Logger
}

func NewTransformer(opts Options, logger zerolog.Logger) *Transformer {
	return &Transformer{
		windowMS:         opts.TimeWindowMS,
		comparisonFields: opts.ComparisonFields,
		orphanFields:     opts.OrphanComparisonFields,
		metrics:          opts.Metrics,
		logger:           logger,
	}
}

// Normalize converts a validated wire record into a raw message row. Every
// documented field the submitting security server omitted comes out nil, so
// heterogeneous reporter versions cannot break hashing or field access.
func Normalize(rec *recordschema.OperationalRecord) *db.RawMessage {
	if rec == nil {
		return &db.RawMessage{}
	}
	return &db.RawMessage{
		SecurityServerType:           rec.SecurityServerType,
		SecurityServerInternalIP:     rec.SecurityServerInternalIP,
		MonitoringDataTs:             rec.MonitoringDataTs,
		RequestInTs:                  rec.RequestInTs,
		RequestOutTs:                 rec.RequestOutTs,
		ResponseInTs:                 rec.ResponseInTs,
		ResponseOutTs:                rec.ResponseOutTs,
		ClientXRoadInstance:          rec.ClientXRoadInstance,
		ClientMemberClass:            rec.ClientMemberClass,
		ClientMemberCode:             rec.ClientMemberCode,
		ClientSubsystemCode:          rec.ClientSubsystemCode,
		ServiceXRoadInstance:         rec.ServiceXRoadInstance,
		ServiceMemberClass:           rec.ServiceMemberClass,
		ServiceMemberCode:            rec.ServiceMemberCode,
		ServiceSubsystemCode:         rec.ServiceSubsystemCode,
		ServiceCode:                  rec.ServiceCode,
		ServiceVersion:               rec.ServiceVersion,
		RepresentedPartyClass:        rec.RepresentedPartyClass,
		RepresentedPartyCode:         rec.RepresentedPartyCode,
		MessageID:                    rec.MessageID,
		MessageUserID:                rec.MessageUserID,
		MessageIssue:                 rec.MessageIssue,
		MessageProtocolVersion:       rec.MessageProtocolVersion,
		ClientSecurityServerAddress:  rec.ClientSecurityServerAddress,
		ServiceSecurityServerAddress: rec.ServiceSecurityServerAddress,
		RequestSoapSize:              rec.RequestSoapSize,
		RequestMimeSize:              rec.RequestMimeSize,
		RequestAttachmentCount:       rec.RequestAttachmentCount,
		ResponseSoapSize:             rec.ResponseSoapSize,
		ResponseMimeSize:             rec.ResponseMimeSize,
		ResponseAttachmentCount:      rec.ResponseAttachmentCount,
		Succeeded:                    rec.Succeeded,
		SoapFaultCode:                rec.SoapFaultCode,
		SoapFaultString:              rec.SoapFaultString,
	}
}

// ContentHash computes the dedup key: monitoringDataTs, an underscore, and
// the MD5 over the lexicographically sorted business fields. Storage-only
// fields (id, insert time, corrected marker) never participate, so
// re-ingesting the identical capture yields the identical hash.
func ContentHash(doc *db.RawMessage) string {
	names := append([]string(nil), db.BusinessFieldNames...)
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s=%v;", name, doc.Field(name))
	}

	var ts int64
	if doc != nil && doc.MonitoringDataTs != nil {
		ts = *doc.MonitoringDataTs
	}
	return fmt.Sprintf("%d_%x", ts, md5.Sum([]byte(b.String())))
}

// IsRegularMatch reports whether doc completes the clean record under the
// strict predicate: both sides present, both requestInTs set and within the
// window, and every field on the regular comparison list equal.
func (t *Transformer) IsRegularMatch(doc *db.RawMessage, rec *db.CleanRecord) bool {
	return t.matches(doc, rec, t.comparisonFields)
}

// IsOrphanMatch is the relaxed fallback predicate: identical shape, smaller
// comparison list.
func (t *Transformer) IsOrphanMatch(doc *db.RawMessage, rec *db.CleanRecord) bool {
	return t.matches(doc, rec, t.orphanFields)
}

func (t *Transformer) matches(doc *db.RawMessage, rec *db.CleanRecord, fields []string) bool {
	if doc == nil || rec == nil {
		return false
	}

	role, ok := doc.Role()
	if !ok {
		t.logger.Error().
			Str("message_id", doc.GroupKey()).
			Int64("raw_id", doc.ID).
			Msg("cannot match document with unknown security server role")
		return false
	}

	var client, producer *db.RawMessage
	if role == db.RoleClient {
		client, producer = doc, rec.Producer
	} else {
		client, producer = rec.Client, doc
	}
	if client == nil || producer == nil {
		return false
	}

	if client.RequestInTs == nil || producer.RequestInTs == nil {
		return false
	}
	delta := *client.RequestInTs - *producer.RequestInTs
	if delta < 0 {
		delta = -delta
	}
	if delta > t.windowMS {
		return false
	}

	for _, name := range fields {
		if client.Field(name) != producer.Field(name) {
			return false
		}
	}
	return true
}
