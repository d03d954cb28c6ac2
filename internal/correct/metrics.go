package correct

import (
	"horse.fit/corrector/internal/db"
)

// The persisted metric columns are 32-bit; every derived value is clamped to
// this closed range before storage.
const (
	metricMin = -(1 << 31) + 1
	metricMax = (1 << 31) - 1
)

// MetricOptions selects which derived metrics the transformer computes.
type MetricOptions struct {
	TotalDuration              bool
	ClientSsRequestDuration    bool
	ClientSsResponseDuration   bool
	ProducerDurationClientView bool
	ProducerDurationProdView   bool
	ProducerSsRequestDuration  bool
	ProducerSsResponseDuration bool
	ProducerIsDuration         bool
	RequestNwDuration          bool
	ResponseNwDuration         bool
	RequestSize                bool
	ResponseSize               bool
}

// AllMetrics enables every derived metric.
func AllMetrics() MetricOptions {
	return MetricOptions{
		TotalDuration:              true,
		ClientSsRequestDuration:    true,
		ClientSsResponseDuration:   true,
		ProducerDurationClientView: true,
		ProducerDurationProdView:   true,
		ProducerSsRequestDuration:  true,
		ProducerSsResponseDuration: true,
		ProducerIsDuration:         true,
		RequestNwDuration:          true,
		ResponseNwDuration:         true,
		RequestSize:                true,
		ResponseSize:               true,
	}
}

// DeriveMetrics recomputes the record's derived durations and sizes from
// whichever sides are present. A missing operand always yields a nil metric,
// never an error.
func (t *Transformer) DeriveMetrics(rec *db.CleanRecord) {
	if rec == nil {
		return
	}
	client := rec.Client
	producer := rec.Producer
	m := t.metrics

	if m.TotalDuration {
		rec.TotalDuration = diffMillis(timing(client).responseOut, timing(client).requestIn)
	}
	if m.ClientSsRequestDuration {
		rec.ClientSsRequestDuration = diffMillis(timing(client).requestOut, timing(client).requestIn)
	}
	if m.ClientSsResponseDuration {
		rec.ClientSsResponseDuration = diffMillis(timing(client).responseOut, timing(client).responseIn)
	}
	if m.ProducerDurationClientView {
		rec.ProducerDurationClientView = diffMillis(timing(client).responseIn, timing(client).requestOut)
	}
	if m.ProducerDurationProdView {
		rec.ProducerDurationProdView = diffMillis(timing(producer).responseOut, timing(producer).requestIn)
	}
	if m.ProducerSsRequestDuration {
		rec.ProducerSsRequestDuration = diffMillis(timing(producer).requestOut, timing(producer).requestIn)
	}
	if m.ProducerSsResponseDuration {
		rec.ProducerSsResponseDuration = diffMillis(timing(producer).responseOut, timing(producer).responseIn)
	}
	if m.ProducerIsDuration {
		rec.ProducerIsDuration = diffMillis(timing(producer).responseIn, timing(producer).requestOut)
	}
	if m.RequestNwDuration {
		rec.RequestNwDuration = diffMillis(timing(producer).requestIn, timing(client).requestOut)
	}
	if m.ResponseNwDuration {
		rec.ResponseNwDuration = diffMillis(timing(client).responseIn, timing(producer).responseOut)
	}
	if m.RequestSize {
		rec.ClientRequestSize = payloadSize(client, requestPayload)
		rec.ProducerRequestSize = payloadSize(producer, requestPayload)
	}
	if m.ResponseSize {
		rec.ClientResponseSize = payloadSize(client, responsePayload)
		rec.ProducerResponseSize = payloadSize(producer, responsePayload)
	}
}

type sideTiming struct {
	requestIn, requestOut, responseIn, responseOut *int64
}

func timing(doc *db.RawMessage) sideTiming {
	if doc == nil {
		return sideTiming{}
	}
	return sideTiming{
		requestIn:   doc.RequestInTs,
		requestOut:  doc.RequestOutTs,
		responseIn:  doc.ResponseInTs,
		responseOut: doc.ResponseOutTs,
	}
}

type payloadKind int

const (
	requestPayload payloadKind = iota
	responsePayload
)

// payloadSize picks the SOAP size for unattached messages and the MIME size
// once attachments are involved. A negative attachment count is malformed
// and yields nil.
func payloadSize(doc *db.RawMessage, kind payloadKind) *int32 {
	if doc == nil {
		return nil
	}

	count, soap, mime := doc.RequestAttachmentCount, doc.RequestSoapSize, doc.RequestMimeSize
	if kind == responsePayload {
		count, soap, mime = doc.ResponseAttachmentCount, doc.ResponseSoapSize, doc.ResponseMimeSize
	}

	switch {
	case count == nil || *count == 0:
		return clampMetric(soap)
	case *count > 0:
		return clampMetric(mime)
	default:
		return nil
	}
}

func diffMillis(a, b *int64) *int32 {
	if a == nil || b == nil {
		return nil
	}
	v := *a - *b
	return clampValue(v)
}

func clampMetric(v *int64) *int32 {
	if v == nil {
		return nil
	}
	return clampValue(*v)
}

func clampValue(v int64) *int32 {
	if v > metricMax {
		v = metricMax
	}
	if v < metricMin {
		v = metricMin
	}
	out := int32(v)
	return &out
}
