package cob

import (
	"fmt"
	"strings"
	"time"

	"github.com/drfirst/go-claims/internal/domain/claim"
)

// Rule names the coordination rule that decided an order.
type Rule string

const (
	RuleCourtOrder              Rule = "court_order"
	RuleSubscriberOverDependent Rule = "subscriber_over_dependent"
	RuleBirthday                Rule = "birthday_rule"
	RuleLongerCoverage          Rule = "longer_coverage"
	RuleDefault                 Rule = "default_order"
)

// Patient relationships to the policy subscriber.
const (
	RelationshipSelf   = "self"
	RelationshipSpouse = "spouse"
	RelationshipChild  = "child"
)

// PatientInfo carries the facts that can override the normal order. The
// patient's own age plays no part; the birthday rule compares the
// subscribers' birthdays on each Policy.
type PatientInfo struct {
	// CourtOrderedPayerID is the payer a custody or court order makes primary.
	CourtOrderedPayerID string `json:"courtOrderedPayerId,omitempty"`
}

// Policy is one insurance policy covering the patient.
type Policy struct {
	PayerID               string     `json:"payerId"`
	PayerName             string     `json:"payerName,omitempty"`
	MemberID              string     `json:"memberId,omitempty"`
	PatientRelationship   string     `json:"patientRelationship"`
	SubscriberDateOfBirth *time.Time `json:"subscriberDateOfBirth,omitempty"`
	EffectiveDate         *time.Time `json:"effectiveDate,omitempty"`
}

func (p Policy) isSubscriber() bool {
	return strings.EqualFold(p.PatientRelationship, RelationshipSelf)
}

func (p Policy) isChild() bool {
	return strings.EqualFold(p.PatientRelationship, RelationshipChild)
}

// Order is the decided payment order.
type Order struct {
	Primary     Policy `json:"primary"`
	Secondary   Policy `json:"secondary"`
	Rule        Rule   `json:"rule"`
	Explanation string `json:"explanation"`
}

// DetermineCOBOrder decides which of two policies pays first. Rules apply in
// order: court order, subscriber over dependent, birthday rule for a child on
// both parents' plans, longer coverage, then the given order.
func DetermineCOBOrder(patient PatientInfo, ins1, ins2 Policy) (*Order, error) {
	if ins1.PayerID == "" || ins2.PayerID == "" {
		return nil, claim.NewValidationError("", "payerId", "both policies need a payer id")
	}
	order := func(first, second Policy, rule Rule, format string, args ...interface{}) *Order {
		return &Order{Primary: first, Secondary: second, Rule: rule, Explanation: fmt.Sprintf(format, args...)}
	}

	if p := patient.CourtOrderedPayerID; p != "" {
		switch {
		case strings.EqualFold(ins1.PayerID, p):
			return order(ins1, ins2, RuleCourtOrder, "court order names %s as primary", ins1.PayerID), nil
		case strings.EqualFold(ins2.PayerID, p):
			return order(ins2, ins1, RuleCourtOrder, "court order names %s as primary", ins2.PayerID), nil
		}
	}

	switch {
	case ins1.isSubscriber() && !ins2.isSubscriber():
		return order(ins1, ins2, RuleSubscriberOverDependent, "patient is the subscriber on %s", ins1.PayerID), nil
	case ins2.isSubscriber() && !ins1.isSubscriber():
		return order(ins2, ins1, RuleSubscriberOverDependent, "patient is the subscriber on %s", ins2.PayerID), nil
	}

	if ins1.isChild() && ins2.isChild() && ins1.SubscriberDateOfBirth != nil && ins2.SubscriberDateOfBirth != nil {
		switch c := compareBirthday(*ins1.SubscriberDateOfBirth, *ins2.SubscriberDateOfBirth); {
		case c < 0:
			return order(ins1, ins2, RuleBirthday, "subscriber of %s has the earlier birthday in the year", ins1.PayerID), nil
		case c > 0:
			return order(ins2, ins1, RuleBirthday, "subscriber of %s has the earlier birthday in the year", ins2.PayerID), nil
		}
	}

	if ins1.EffectiveDate != nil && ins2.EffectiveDate != nil && !ins1.EffectiveDate.Equal(*ins2.EffectiveDate) {
		if ins1.EffectiveDate.Before(*ins2.EffectiveDate) {
			return order(ins1, ins2, RuleLongerCoverage, "%s has covered the patient longer", ins1.PayerID), nil
		}
		return order(ins2, ins1, RuleLongerCoverage, "%s has covered the patient longer", ins2.PayerID), nil
	}

	return order(ins1, ins2, RuleDefault, "no rule applies, keeping %s as primary", ins1.PayerID), nil
}

// compareBirthday compares month and day only; the year is ignored.
func compareBirthday(a, b time.Time) int {
	switch {
	case a.Month() != b.Month():
		return int(a.Month()) - int(b.Month())
	default:
		return a.Day() - b.Day()
	}
}
