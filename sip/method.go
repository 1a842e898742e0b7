package sip

import "strings"

// Request methods supported by the user agent core.
const (
	MethodAck       = "ACK"
	MethodBye       = "BYE"
	MethodCancel    = "CANCEL"
	MethodInfo      = "INFO"
	MethodInvite    = "INVITE"
	MethodMessage   = "MESSAGE"
	MethodNotify    = "NOTIFY"
	MethodOptions   = "OPTIONS"
	MethodPrack     = "PRACK"
	MethodPublish   = "PUBLISH"
	MethodRefer     = "REFER"
	MethodRegister  = "REGISTER"
	MethodSubscribe = "SUBSCRIBE"
	MethodUpdate    = "UPDATE"
)

// AllowedMethods lists the methods accepted by the user agent core.
// It is used to build the Allow header.
var AllowedMethods = []string{
	MethodAck,
	MethodBye,
	MethodCancel,
	MethodInfo,
	MethodInvite,
	MethodMessage,
	MethodNotify,
	MethodOptions,
	MethodPrack,
	MethodRefer,
	MethodRegister,
	MethodSubscribe,
}

func isAllowedMethod(mtd string) bool {
	for _, m := range AllowedMethods {
		if m == mtd {
			return true
		}
	}
	return false
}

func allowHeader() string { return strings.Join(AllowedMethods, ",") }

// isTargetRefresh reports whether an accepted request of the method replaces the dialog remote target.
// RFC 3261 12.2, RFC 3311, RFC 6665 and RFC 3515.
func isTargetRefresh(mtd string) bool {
	switch mtd {
	case MethodInvite, MethodUpdate, MethodSubscribe, MethodNotify, MethodRefer:
		return true
	default:
		return false
	}
}
