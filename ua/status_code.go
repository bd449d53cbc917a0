// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import "fmt"

// StatusCode is the result of a service or operation.
type StatusCode uint32

// IsGood returns true if the StatusCode is good.
func (c StatusCode) IsGood() bool {
	return (uint32(c) & SeverityMask) == SeverityGood
}

// IsBad returns true if the StatusCode is bad.
func (c StatusCode) IsBad() bool {
	return (uint32(c) & SeverityMask) == SeverityBad
}

// IsUncertain returns true if the StatusCode is uncertain.
func (c StatusCode) IsUncertain() bool {
	return (uint32(c) & SeverityMask) == SeverityUncertain
}

// Error returns the symbolic name of the StatusCode.
func (c StatusCode) Error() string {
	if name, ok := statusCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("StatusCode(0x%08X)", uint32(c))
}

// String returns the symbolic name of the StatusCode.
func (c StatusCode) String() string {
	return c.Error()
}

// Severity of a StatusCode.
const (
	SeverityMask      uint32 = 0xC0000000
	SeverityGood      uint32 = 0x00000000
	SeverityUncertain uint32 = 0x40000000
	SeverityBad       uint32 = 0x80000000
)

// StatusCodes used by the secure channel layer.
const (
	Good                            StatusCode = 0x00000000
	BadUnexpectedError              StatusCode = 0x80010000
	BadInternalError                StatusCode = 0x80020000
	BadOutOfMemory                  StatusCode = 0x80030000
	BadCommunicationError           StatusCode = 0x80050000
	BadEncodingError                StatusCode = 0x80060000
	BadDecodingError                StatusCode = 0x80070000
	BadEncodingLimitsExceeded       StatusCode = 0x80080000
	BadUnknownResponse              StatusCode = 0x80090000
	BadTimeout                      StatusCode = 0x800A0000
	BadServiceUnsupported           StatusCode = 0x800B0000
	BadShutdown                     StatusCode = 0x800C0000
	BadServerNotConnected           StatusCode = 0x800D0000
	BadServerHalted                 StatusCode = 0x800E0000
	BadCertificateInvalid           StatusCode = 0x80120000
	BadSecurityChecksFailed         StatusCode = 0x80130000
	BadCertificateTimeInvalid       StatusCode = 0x80140000
	BadCertificateHostNameInvalid   StatusCode = 0x80160000
	BadCertificateUseNotAllowed     StatusCode = 0x80180000
	BadCertificateUntrusted         StatusCode = 0x801A0000
	BadSecureChannelIDInvalid       StatusCode = 0x80220000
	BadNonceInvalid                 StatusCode = 0x80240000
	BadSessionClosed                StatusCode = 0x80260000
	BadRequestHeaderInvalid         StatusCode = 0x802A0000
	BadSecurityModeRejected         StatusCode = 0x80540000
	BadSecurityPolicyRejected       StatusCode = 0x80550000
	BadTCPServerTooBusy             StatusCode = 0x807D0000
	BadTCPMessageTypeInvalid        StatusCode = 0x807E0000
	BadTCPSecureChannelUnknown      StatusCode = 0x807F0000
	BadTCPMessageTooLarge           StatusCode = 0x80800000
	BadTCPNotEnoughResources        StatusCode = 0x80810000
	BadTCPInternalError             StatusCode = 0x80820000
	BadTCPEndpointURLInvalid        StatusCode = 0x80830000
	BadRequestInterrupted           StatusCode = 0x80840000
	BadRequestTimeout               StatusCode = 0x80850000
	BadSecureChannelClosed          StatusCode = 0x80860000
	BadSecureChannelTokenUnknown    StatusCode = 0x80870000
	BadSequenceNumberInvalid        StatusCode = 0x80880000
	BadConnectionRejected           StatusCode = 0x80AC0000
	BadDisconnect                   StatusCode = 0x80AD0000
	BadConnectionClosed             StatusCode = 0x80AE0000
	BadInvalidState                 StatusCode = 0x80AF0000
	BadRequestTooLarge              StatusCode = 0x80B80000
	BadResponseTooLarge             StatusCode = 0x80B90000
	BadProtocolVersionUnsupported   StatusCode = 0x80BE0000
	BadCertificateChainIncomplete   StatusCode = 0x810D0000
	BadCertificatePolicyCheckFailed StatusCode = 0x81140000
)

var statusCodeNames = map[StatusCode]string{
	Good:                            "Good",
	BadUnexpectedError:              "BadUnexpectedError",
	BadInternalError:                "BadInternalError",
	BadOutOfMemory:                  "BadOutOfMemory",
	BadCommunicationError:           "BadCommunicationError",
	BadEncodingError:                "BadEncodingError",
	BadDecodingError:                "BadDecodingError",
	BadEncodingLimitsExceeded:       "BadEncodingLimitsExceeded",
	BadUnknownResponse:              "BadUnknownResponse",
	BadTimeout:                      "BadTimeout",
	BadServiceUnsupported:           "BadServiceUnsupported",
	BadShutdown:                     "BadShutdown",
	BadServerNotConnected:           "BadServerNotConnected",
	BadServerHalted:                 "BadServerHalted",
	BadCertificateInvalid:           "BadCertificateInvalid",
	BadSecurityChecksFailed:         "BadSecurityChecksFailed",
	BadCertificateTimeInvalid:       "BadCertificateTimeInvalid",
	BadCertificateHostNameInvalid:   "BadCertificateHostNameInvalid",
	BadCertificateUseNotAllowed:     "BadCertificateUseNotAllowed",
	BadCertificateUntrusted:         "BadCertificateUntrusted",
	BadSecureChannelIDInvalid:       "BadSecureChannelIdInvalid",
	BadNonceInvalid:                 "BadNonceInvalid",
	BadSessionClosed:                "BadSessionClosed",
	BadRequestHeaderInvalid:         "BadRequestHeaderInvalid",
	BadSecurityModeRejected:         "BadSecurityModeRejected",
	BadSecurityPolicyRejected:       "BadSecurityPolicyRejected",
	BadTCPServerTooBusy:             "BadTcpServerTooBusy",
	BadTCPMessageTypeInvalid:        "BadTcpMessageTypeInvalid",
	BadTCPSecureChannelUnknown:      "BadTcpSecureChannelUnknown",
	BadTCPMessageTooLarge:           "BadTcpMessageTooLarge",
	BadTCPNotEnoughResources:        "BadTcpNotEnoughResources",
	BadTCPInternalError:             "BadTcpInternalError",
	BadTCPEndpointURLInvalid:        "BadTcpEndpointUrlInvalid",
	BadRequestInterrupted:           "BadRequestInterrupted",
	BadRequestTimeout:               "BadRequestTimeout",
	BadSecureChannelClosed:          "BadSecureChannelClosed",
	BadSecureChannelTokenUnknown:    "BadSecureChannelTokenUnknown",
	BadSequenceNumberInvalid:        "BadSequenceNumberInvalid",
	BadConnectionRejected:           "BadConnectionRejected",
	BadDisconnect:                   "BadDisconnect",
	BadConnectionClosed:             "BadConnectionClosed",
	BadInvalidState:                 "BadInvalidState",
	BadRequestTooLarge:              "BadRequestTooLarge",
	BadResponseTooLarge:             "BadResponseTooLarge",
	BadProtocolVersionUnsupported:   "BadProtocolVersionUnsupported",
	BadCertificateChainIncomplete:   "BadCertificateChainIncomplete",
	BadCertificatePolicyCheckFailed: "BadCertificatePolicyCheckFailed",
}
