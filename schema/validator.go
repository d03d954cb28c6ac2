package recordschema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed operational_record.schema.json
var operationalRecordSchemaJSON string

// OperationalRecord is the wire shape of one security server's submission.
// Every field is optional on the wire; normalization downstream fills the
// gaps with explicit nulls.
type OperationalRecord struct {
	SecurityServerType       *string `json:"securityServerType"`
	SecurityServerInternalIP *string `json:"securityServerInternalIp"`

	MonitoringDataTs *int64 `json:"monitoringDataTs"`
	RequestInTs      *int64 `json:"requestInTs"`
	RequestOutTs     *int64 `json:"requestOutTs"`
	ResponseInTs     *int64 `json:"responseInTs"`
	ResponseOutTs    *int64 `json:"responseOutTs"`

	ClientXRoadInstance  *string `json:"clientXRoadInstance"`
	ClientMemberClass    *string `json:"clientMemberClass"`
	ClientMemberCode     *string `json:"clientMemberCode"`
	ClientSubsystemCode  *string `json:"clientSubsystemCode"`
	ServiceXRoadInstance *string `json:"serviceXRoadInstance"`
	ServiceMemberClass   *string `json:"serviceMemberClass"`
	ServiceMemberCode    *string `json:"serviceMemberCode"`
	ServiceSubsystemCode *string `json:"serviceSubsystemCode"`
	ServiceCode          *string `json:"serviceCode"`
	ServiceVersion       *string `json:"serviceVersion"`

	RepresentedPartyClass *string `json:"representedPartyClass"`
	RepresentedPartyCode  *string `json:"representedPartyCode"`

	MessageID              *string `json:"messageId"`
	MessageUserID          *string `json:"messageUserId"`
	MessageIssue           *string `json:"messageIssue"`
	MessageProtocolVersion *string `json:"messageProtocolVersion"`

	ClientSecurityServerAddress  *string `json:"clientSecurityServerAddress"`
	ServiceSecurityServerAddress *string `json:"serviceSecurityServerAddress"`

	RequestSoapSize         *int64 `json:"requestSoapSize"`
	RequestMimeSize         *int64 `json:"requestMimeSize"`
	RequestAttachmentCount  *int64 `json:"requestAttachmentCount"`
	ResponseSoapSize        *int64 `json:"responseSoapSize"`
	ResponseMimeSize        *int64 `json:"responseMimeSize"`
	ResponseAttachmentCount *int64 `json:"responseAttachmentCount"`

	Succeeded       *bool   `json:"succeeded"`
	SoapFaultCode   *string `json:"soapFaultCode"`
	SoapFaultString *string `json:"soapFaultString"`
}

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

func ValidateOperationalRecord(payload json.RawMessage) (*OperationalRecord, error) {
	value, err := decodeStrictJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload JSON: %w", err)
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	normalized, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalize payload JSON: %w", err)
	}

	var record OperationalRecord
	if err := json.Unmarshal(normalized, &record); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	if err := validateSemantics(&record); err != nil {
		return nil, err
	}

	return &record, nil
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020

		if err := compiler.AddResource("operational_record.schema.json", strings.NewReader(operationalRecordSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}

		schema, err := compiler.Compile("operational_record.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}

		compiledSchema = schema
	})

	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	if compiledSchema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return compiledSchema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("payload contains trailing content")
	}

	return value, nil
}

func validateSemantics(record *OperationalRecord) error {
	if record == nil {
		return fmt.Errorf("payload is nil")
	}

	timestamps := map[string]*int64{
		"monitoringDataTs": record.MonitoringDataTs,
		"requestInTs":      record.RequestInTs,
		"requestOutTs":     record.RequestOutTs,
		"responseInTs":     record.ResponseInTs,
		"responseOutTs":    record.ResponseOutTs,
	}
	for name, ts := range timestamps {
		if ts != nil && *ts < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	return nil
}
