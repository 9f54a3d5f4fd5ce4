// Package edi translates logical 277 claim status responses into claim status
// transitions and assembles logical 276 status inquiries.
package edi

import (
	"fmt"

	"github.com/drfirst/go-claims/internal/domain/claim"
)

// MaxStatusCode is the highest defined 277 status code.
const MaxStatusCode = 27

// CodeFamily groups status codes by the part of the response they come from.
type CodeFamily string

const (
	FamilyAcknowledgment CodeFamily = "acknowledgment"
	FamilySummary        CodeFamily = "summary"
	FamilyProcessing     CodeFamily = "processing"
)

// CodeInfo describes one payer status code.
type CodeInfo struct {
	Code        int          `json:"code"`
	Description string       `json:"description"`
	Family      CodeFamily   `json:"family"`
	Status      claim.Status `json:"status"`
}

// codeTable is indexed by code. Its length is fixed by MaxStatusCode, so an
// out-of-range entry does not compile.
var codeTable = [MaxStatusCode + 1]CodeInfo{
	1: {1, "Accepted for processing", FamilyAcknowledgment, claim.StatusAcknowledged},
	2: {2, "Received by payer", FamilyAcknowledgment, claim.StatusAcknowledged},
	3: {3, "Rejected, invalid or missing information", FamilyAcknowledgment, claim.StatusRejected},
	4: {4, "Rejected by clearinghouse", FamilyAcknowledgment, claim.StatusRejected},

	5: {5, "Pending adjudication", FamilySummary, claim.StatusPending},
	6: {6, "Denied", FamilySummary, claim.StatusDenied},
	7: {7, "Finalized, paid", FamilySummary, claim.StatusPaid},
	8: {8, "Finalized, partially paid", FamilySummary, claim.StatusPartiallyPaid},
	9: {9, "Pended, additional information requested", FamilySummary, claim.StatusPended},

	10: {10, "In review, medical review", FamilyProcessing, claim.StatusUnderReview},
	11: {11, "In review, coordination of benefits", FamilyProcessing, claim.StatusUnderReview},
	12: {12, "Pended, medical records requested", FamilyProcessing, claim.StatusPended},
	13: {13, "Pended, itemized bill requested", FamilyProcessing, claim.StatusPended},
	14: {14, "Pended, awaiting subscriber information", FamilyProcessing, claim.StatusPended},
	15: {15, "Pending, awaiting provider response", FamilyProcessing, claim.StatusPending},
	16: {16, "Pending, in process", FamilyProcessing, claim.StatusPending},
	17: {17, "Approved, awaiting payment cycle", FamilyProcessing, claim.StatusApprovedForPayment},
	18: {18, "Paid in full", FamilyProcessing, claim.StatusPaid},
	19: {19, "Partially paid", FamilyProcessing, claim.StatusPartiallyPaid},
	20: {20, "Denied, not a covered benefit", FamilyProcessing, claim.StatusDenied},
	21: {21, "Denied, not medically necessary", FamilyProcessing, claim.StatusDenied},
	22: {22, "Denied, patient not eligible on date of service", FamilyProcessing, claim.StatusDenied},
	23: {23, "Denied, timely filing limit exceeded", FamilyProcessing, claim.StatusDenied},
	24: {24, "Rejected, duplicate claim", FamilyProcessing, claim.StatusRejected},
	25: {25, "Rejected, invalid procedure or diagnosis code", FamilyProcessing, claim.StatusRejected},
	26: {26, "Rejected, invalid provider identifier", FamilyProcessing, claim.StatusRejected},
	27: {27, "Corrected claim received", FamilyProcessing, claim.StatusResubmitted},
}

// Translation is the internal meaning of an inbound code.
type Translation struct {
	CodeInfo
	Known bool `json:"known"`
}

// Translate maps a code to an internal status. Unknown codes map to pending.
func Translate(code int) Translation {
	if code >= 1 && code <= MaxStatusCode {
		return Translation{CodeInfo: codeTable[code], Known: true}
	}
	return Translation{
		CodeInfo: CodeInfo{
			Code:        code,
			Description: fmt.Sprintf("Unknown status code %d, defaulted to pending", code),
			Family:      FamilyProcessing,
			Status:      claim.StatusPending,
		},
	}
}

// Codes returns the defined codes in order.
func Codes() []CodeInfo {
	out := make([]CodeInfo, 0, MaxStatusCode)
	for _, c := range codeTable[1:] {
		out = append(out, c)
	}
	return out
}
