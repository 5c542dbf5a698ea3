package ingress

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/FumingPower3925/ingress/internal/fault"
)

// Accepted describes a request whose body was fully decoded.
type Accepted struct {
	RequestID string
	Body      []byte // private copy of the decoded body
	Residual  []byte // bytes read past the end of the frame; they start the next request
}

// Rejected describes a request that was refused.
type Rejected struct {
	RequestID  string
	Reason     Kind
	Err        error
	StatusCode int
	Retryable  bool
}

// Outcome is the result of Ingest. Exactly one of Accepted and Rejected is
// set.
type Outcome struct {
	Accepted *Accepted
	Rejected *Rejected
}

// OK reports whether the request was accepted.
func (o Outcome) OK() bool { return o.Accepted != nil }

func (i *Ingester) outcome(span trace.Span, connID uint64, requestID string, body, residual []byte, err error) Outcome {
	span.SetAttributes(attribute.Int64("ingress.conn_id", int64(connID)))
	if requestID != "" {
		span.SetAttributes(attribute.String("ingress.request_id", requestID))
	}
	if err == nil {
		span.SetAttributes(
			attribute.Bool("ingress.accepted", true),
			attribute.Int("ingress.body_size", len(body)),
			attribute.Int("ingress.residual_size", len(residual)),
		)
		span.SetStatus(codes.Ok, "")
		return Outcome{Accepted: &Accepted{RequestID: requestID, Body: body, Residual: residual}}
	}

	kind := fault.KindOf(err)
	rej := &Rejected{
		RequestID:  requestID,
		Reason:     kind,
		Err:        err,
		StatusCode: kind.Status(),
		Retryable:  kind.Retryable(),
	}
	span.SetAttributes(
		attribute.Bool("ingress.accepted", false),
		attribute.String("ingress.reason", kind.String()),
		attribute.Int("http.status_code", rej.StatusCode),
	)
	span.RecordError(err)
	span.SetStatus(codes.Error, kind.String())
	return Outcome{Rejected: rej}
}

func requestAttributes(r *Request) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("ingress.request_id", r.id),
		attribute.String("ingress.framing", r.framing.Mode.String()),
		attribute.Bool("ingress.keep_alive", r.framing.KeepAlive),
	}
}
