package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"singbox-bridge/internal/core"
)

// toValue converts any JSON-encodable Go value into a protobuf Value.
// Going through JSON lets tagged structs and typed slices cross the wire
// with the same field names the JSON API uses.
func toValue(v any) (*structpb.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("ipc: encode %T: %w", v, err)
	}
	var plain any
	if err := json.Unmarshal(data, &plain); err != nil {
		return nil, fmt.Errorf("ipc: encode %T: %w", v, err)
	}
	return structpb.NewValue(plain)
}

func toStruct(v any) (*structpb.Struct, error) {
	val, err := toValue(v)
	if err != nil {
		return nil, err
	}
	s := val.GetStructValue()
	if s == nil {
		return nil, fmt.Errorf("ipc: %T does not encode to an object", v)
	}
	return s, nil
}

func okReply(result any) (*structpb.Struct, error) {
	val, err := toValue(result)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"ok":     structpb.NewBoolValue(true),
		"result": val,
	}}, nil
}

const codeInternal = "INTERNAL"

func errorReply(err error) *structpb.Struct {
	code, message := codeInternal, err.Error()
	var alert *core.AlertError
	if errors.As(err, &alert) {
		code = alert.Kind.Code()
		message = strings.TrimPrefix(alert.Error(), alert.Kind.String()+": ")
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"ok":      structpb.NewBoolValue(false),
		"code":    structpb.NewStringValue(code),
		"message": structpb.NewStringValue(message),
	}}
}

// replyError rebuilds the error carried by a failed reply.
func replyError(resp *structpb.Struct) error {
	code := resp.GetFields()["code"].GetStringValue()
	message := resp.GetFields()["message"].GetStringValue()
	if kind, ok := core.ParseAlertCode(code); ok {
		return &core.AlertError{Kind: kind, Err: errors.New(message)}
	}
	return fmt.Errorf("ipc: %s: %s", code, message)
}

// args are the decoded arguments of a Call.
type args map[string]any

func (a args) str(key string) string {
	s, _ := a[key].(string)
	return s
}

func (a args) required(key string) (string, error) {
	s := strings.TrimSpace(a.str(key))
	if s == "" {
		return "", core.NewAlert(core.AlertInvalidArgument, "%s is required", key)
	}
	return s, nil
}

func (a args) boolean(key string) (bool, error) {
	b, ok := a[key].(bool)
	if !ok {
		return false, core.NewAlert(core.AlertInvalidArgument, "%s must be a boolean", key)
	}
	return b, nil
}

func (a args) object(key string) (map[string]any, error) {
	m, ok := a[key].(map[string]any)
	if !ok {
		return nil, core.NewAlert(core.AlertInvalidArgument, "%s is required", key)
	}
	return m, nil
}

// stringList returns nil when key is absent or not a list.
func (a args) stringList(key string) []string {
	raw, ok := a[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
