// Package osmgmt is the subset of the OS management group the CLI and tests
// drive through the request contract: echo, reset and buffer parameters.
package osmgmt

import (
	"fmt"

	"github.com/danmuck/smpctl/internal/protocol/header"
	"github.com/danmuck/smpctl/internal/protocol/message"
)

const (
	CommandEcho   uint8 = 0
	CommandReset  uint8 = 5
	CommandParams uint8 = 6
)

// Group specific return codes carried by version 1 error bodies.
const (
	CodeOK                        message.ReturnCode = 0
	CodeUnknown                   message.ReturnCode = 1
	CodeInvalidFormat             message.ReturnCode = 2
	CodeQueryYieldsNoAnswer       message.ReturnCode = 3
	CodeRTCNotSet                 message.ReturnCode = 4
	CodeRTCCommandFailed          message.ReturnCode = 5
	CodeQueryResponseValueInvalid message.ReturnCode = 6
)

var codeNames = map[message.ReturnCode]string{
	CodeOK:                        "OS_MGMT_ERR_OK",
	CodeUnknown:                   "OS_MGMT_ERR_UNKNOWN",
	CodeInvalidFormat:             "OS_MGMT_ERR_INVALID_FORMAT",
	CodeQueryYieldsNoAnswer:       "OS_MGMT_ERR_QUERY_YIELDS_NO_ANSWER",
	CodeRTCNotSet:                 "OS_MGMT_ERR_RTC_NOT_SET",
	CodeRTCCommandFailed:          "OS_MGMT_ERR_RTC_COMMAND_FAILED",
	CodeQueryResponseValueInvalid: "OS_MGMT_ERR_QUERY_RESPONSE_VALUE_NOT_VALID",
}

// ErrorV1 is the OS group flavour of the version 1 error body.
type ErrorV1 struct {
	message.ErrorV1
}

func (e ErrorV1) Flatten(h header.Header) Error {
	out := e.ErrorV1.Flatten(h)
	if name, ok := codeNames[out.RC]; ok {
		out.Reason = name
	}
	return out
}

type Error = message.Error

type EchoPayload struct {
	D string `cbor:"d"`
}

type EchoResponse struct {
	R string `cbor:"r"`
}

type EchoRequest = message.Request[EchoResponse, message.ErrorV0, ErrorV1]

// Echo asks the device to send text back.
func Echo(text string, opts ...message.RequestOption) (EchoRequest, error) {
	return message.NewRequest[EchoResponse, message.ErrorV0, ErrorV1](
		header.OpWrite, header.GroupOS, CommandEcho, EchoPayload{D: text}, opts...,
	)
}

type ResetPayload struct {
	Force bool `cbor:"force,omitempty"`
}

type ResetResponse struct{}

type ResetRequest = message.Request[ResetResponse, message.ErrorV0, ErrorV1]

// Reset asks the device to reboot. force skips the application's veto.
func Reset(force bool, opts ...message.RequestOption) (ResetRequest, error) {
	return message.NewRequest[ResetResponse, message.ErrorV0, ErrorV1](
		header.OpWrite, header.GroupOS, CommandReset, ResetPayload{Force: force}, opts...,
	)
}

type ParamsResponse struct {
	BufSize  uint32 `cbor:"buf_size"`
	BufCount uint32 `cbor:"buf_count"`
}

func (p ParamsResponse) Validate() error {
	if p.BufSize == 0 {
		return fmt.Errorf("buf_size must be positive")
	}
	return nil
}

type ParamsRequest = message.Request[ParamsResponse, message.ErrorV0, ErrorV1]

// Params reads the device's SMP buffer size and count.
func Params(opts ...message.RequestOption) (ParamsRequest, error) {
	return message.NewRequest[ParamsResponse, message.ErrorV0, ErrorV1](
		header.OpRead, header.GroupOS, CommandParams, nil, opts...,
	)
}
