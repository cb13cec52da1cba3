package broker

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"pkt.systems/pslog"
	"pkt.systems/saslink/core"
	"pkt.systems/saslink/schema"
)

func toPBLine(line schema.LogLine) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldType: structpb.NewStringValue(string(line.Type)),
		fieldLine: structpb.NewStringValue(strings.ToValidUTF8(line.Line, "�")),
	}}
}

func fromPBLine(msg *structpb.Struct) schema.LogLine {
	return schema.LogLine{
		Type: schema.ParseLogType(stringField(msg, fieldType)),
		Line: stringField(msg, fieldLine),
	}
}

func stringField(msg *structpb.Struct, key string) string {
	if msg == nil {
		return ""
	}
	return msg.GetFields()[key].GetStringValue()
}

func toPBOptions(options map[string]string) *structpb.Struct {
	fields := make(map[string]*structpb.Value, len(options))
	for key, value := range options {
		fields[key] = structpb.NewStringValue(strings.ToValidUTF8(value, "�"))
	}
	return &structpb.Struct{Fields: fields}
}

func fromPBOptions(msg *structpb.Struct) map[string]string {
	out := make(map[string]string, len(msg.GetFields()))
	for key, value := range msg.GetFields() {
		if s, ok := value.GetKind().(*structpb.Value_StringValue); ok {
			out[key] = s.StringValue
		}
	}
	return out
}

// statusCode maps a session failure to the code carried over the wire.
func statusCode(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, schema.ErrEmptyCode):
		return codes.InvalidArgument
	case errors.Is(err, schema.ErrSessionClosed), errors.Is(err, schema.ErrSessionFaulted), errors.Is(err, schema.ErrNotReady):
		return codes.FailedPrecondition
	}
	switch core.KindOf(err) {
	case core.ErrorAuth:
		return codes.Unauthenticated
	case core.ErrorSessionStale:
		return codes.NotFound
	case core.ErrorTimeout:
		return codes.DeadlineExceeded
	case core.ErrorCanceled:
		return codes.Canceled
	case core.ErrorTransport:
		return codes.Unavailable
	case core.ErrorExecutionFailed:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(statusCode(err), err.Error())
}

// wrapBrokerError classifies an RPC failure for the client-side session.
func wrapBrokerError(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *core.Error
	if errors.As(err, &existing) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return core.NewError(core.ErrorCanceled, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewError(core.ErrorTimeout, op, err)
	}
	st, ok := status.FromError(err)
	if !ok {
		return core.NewError(core.ErrorTransport, op, err)
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return core.NewError(core.ErrorAuth, op, err)
	case codes.NotFound:
		return core.NewError(core.ErrorSessionStale, op, err)
	case codes.DeadlineExceeded:
		return core.NewError(core.ErrorTimeout, op, err)
	case codes.Canceled:
		return core.NewError(core.ErrorCanceled, op, err)
	case codes.Unavailable:
		return core.NewError(core.ErrorTransport, op, err)
	case codes.Aborted:
		return &core.Error{Kind: core.ErrorExecutionFailed, Op: op, Message: st.Message(), Err: err}
	default:
		return core.NewError(core.ErrorUnknown, op, err)
	}
}

func logGRPCError(log pslog.Logger, msg string, err error) {
	if log == nil || err == nil {
		return
	}
	if st, ok := status.FromError(err); ok {
		log.Warn(msg, "err", err, "code", st.Code().String(), "message", st.Message())
		return
	}
	log.Warn(msg, "err", err)
}
