package orchestrator

// hangupCauses describes the provider's hangup causes for a dialed leg
// that ended before it was answered.
var hangupCauses = map[string]string{
	"normal_clearing":          "The agent line hung up",
	"user_busy":                "The agent line was busy",
	"timeout":                  "The agent line did not answer within the timeout",
	"call_rejected":            "The agent line rejected the call",
	"unallocated_number":       "The agent number is not assigned",
	"originator_cancel":        "The dial was cancelled",
	"destination_out_of_order": "The agent line is out of order",
	"unspecified":              "The call ended without a cause",
}

// failureReason names a transfer failure from a hangup cause.
func failureReason(cause string) string {
	if cause == "" {
		return "hangup"
	}
	return cause
}

func describeCause(cause string) string {
	if d, ok := hangupCauses[cause]; ok {
		return d
	}
	return hangupCauses["unspecified"]
}
