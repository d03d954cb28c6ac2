package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// DefaultComparisonFields is the field list a client and a producer record
// must agree on for a regular match.
var DefaultComparisonFields = []string{
	"clientMemberClass", "requestMimeSize", "serviceSubsystemCode", "requestAttachmentCount",
	"serviceSecurityServerAddress", "messageProtocolVersion", "responseSoapSize", "succeeded",
	"clientSubsystemCode", "responseAttachmentCount", "serviceMemberClass", "messageUserId",
	"serviceMemberCode", "serviceXRoadInstance", "clientSecurityServerAddress", "clientMemberCode",
	"clientXRoadInstance", "messageIssue", "serviceVersion", "requestSoapSize", "serviceCode",
	"representedPartyClass", "representedPartyCode", "soapFaultCode", "soapFaultString",
	"responseMimeSize", "messageId",
}

// DefaultOrphanComparisonFields drops the fields a single-sided view cannot
// be expected to replicate (sizes and attachment counts).
var DefaultOrphanComparisonFields = []string{
	"clientMemberClass", "serviceSubsystemCode", "serviceSecurityServerAddress",
	"messageProtocolVersion", "succeeded", "clientSubsystemCode", "serviceMemberClass",
	"messageUserId", "serviceMemberCode", "serviceXRoadInstance", "clientSecurityServerAddress",
	"clientMemberCode", "clientXRoadInstance", "messageIssue", "serviceVersion", "serviceCode",
	"representedPartyClass", "representedPartyCode", "soapFaultCode", "soapFaultString",
	"messageId",
}

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"CORRECTOR_DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"CORRECTOR_DB_MAX_CONNS" default:"8"`

	DocumentsLimit int `envconfig:"CORRECTOR_DOCUMENTS_LIMIT" default:"20000"`
	DocumentsMin   int `envconfig:"CORRECTOR_DOCUMENTS_MIN" default:"1"`
	TimeoutDays    int `envconfig:"CORRECTOR_TIMEOUT_DAYS" default:"10"`
	WorkerCount    int `envconfig:"CORRECTOR_WORKER_COUNT" default:"4"`

	// TimeWindowMS bounds the client/producer requestInTs delta for matching.
	TimeWindowMS int64 `envconfig:"CORRECTOR_TIME_WINDOW_MS" default:"60000"`

	WaitOnDone  time.Duration `envconfig:"CORRECTOR_WAIT_ON_DONE" default:"5m"`
	WaitOnError time.Duration `envconfig:"CORRECTOR_WAIT_ON_ERROR" default:"10m"`

	HeartbeatPath string `envconfig:"CORRECTOR_HEARTBEAT_PATH" default:"heartbeat/corrector_heartbeat.json"`

	ComparisonFields       []string `envconfig:"CORRECTOR_COMPARISON_FIELDS"`
	OrphanComparisonFields []string `envconfig:"CORRECTOR_ORPHAN_COMPARISON_FIELDS"`

	CalcTotalDuration              bool `envconfig:"CORRECTOR_CALC_TOTAL_DURATION" default:"true"`
	CalcClientSsRequestDuration    bool `envconfig:"CORRECTOR_CALC_CLIENT_SS_REQUEST_DURATION" default:"true"`
	CalcClientSsResponseDuration   bool `envconfig:"CORRECTOR_CALC_CLIENT_SS_RESPONSE_DURATION" default:"true"`
	CalcProducerDurationClientView bool `envconfig:"CORRECTOR_CALC_PRODUCER_DURATION_CLIENT_VIEW" default:"true"`
	CalcProducerDurationProdView   bool `envconfig:"CORRECTOR_CALC_PRODUCER_DURATION_PRODUCER_VIEW" default:"true"`
	CalcProducerSsRequestDuration  bool `envconfig:"CORRECTOR_CALC_PRODUCER_SS_REQUEST_DURATION" default:"true"`
	CalcProducerSsResponseDuration bool `envconfig:"CORRECTOR_CALC_PRODUCER_SS_RESPONSE_DURATION" default:"true"`
	CalcProducerIsDuration         bool `envconfig:"CORRECTOR_CALC_PRODUCER_IS_DURATION" default:"true"`
	CalcRequestNwDuration          bool `envconfig:"CORRECTOR_CALC_REQUEST_NW_DURATION" default:"true"`
	CalcResponseNwDuration         bool `envconfig:"CORRECTOR_CALC_RESPONSE_NW_DURATION" default:"true"`
	CalcRequestSize                bool `envconfig:"CORRECTOR_CALC_REQUEST_SIZE" default:"true"`
	CalcResponseSize               bool `envconfig:"CORRECTOR_CALC_RESPONSE_SIZE" default:"true"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if len(cfg.ComparisonFields) == 0 {
		cfg.ComparisonFields = append([]string(nil), DefaultComparisonFields...)
	}
	if len(cfg.OrphanComparisonFields) == 0 {
		cfg.OrphanComparisonFields = append([]string(nil), DefaultOrphanComparisonFields...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("CORRECTOR_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("CORRECTOR_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("CORRECTOR_DB_MIN_CONNS (%d) cannot exceed CORRECTOR_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.DocumentsLimit < 1 {
		return fmt.Errorf("CORRECTOR_DOCUMENTS_LIMIT must be >= 1")
	}
	if c.TimeoutDays < 1 {
		return fmt.Errorf("CORRECTOR_TIMEOUT_DAYS must be >= 1")
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("CORRECTOR_WORKER_COUNT must be >= 1")
	}
	if c.TimeWindowMS < 0 {
		return fmt.Errorf("CORRECTOR_TIME_WINDOW_MS must be >= 0")
	}
	if strings.TrimSpace(c.HeartbeatPath) == "" {
		return fmt.Errorf("CORRECTOR_HEARTBEAT_PATH is required")
	}
	return nil
}
