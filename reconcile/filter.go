package reconcile

import (
	"sort"
	"strings"
	"time"
)

// Subset selects which slice of the payment set a display tab wants.
type Subset uint8

const (
	// SubsetAll applies no type or day filtering.
	SubsetAll Subset = iota

	// SubsetSending keeps only payments being sent today.
	SubsetSending

	// SubsetReceiving keeps only payments requested or being received
	// today.
	SubsetReceiving
)

// SubsetAndSort filters the supplied payments down to the requested subset
// and sorts the result by date, descending. The sort is stable, so records
// sharing a date keep their input order. SubsetAll returns the full input,
// sorted.
func (e *Engine) SubsetAndSort(payments []*Payment,
	subset Subset) []*Payment {

	var today time.Time
	if subset != SubsetAll {
		today = midnight(e.cfg.Clock.Now())
	}

	filtered := make([]*Payment, 0, len(payments))
	for _, payment := range payments {
		switch subset {
		case SubsetAll:

		case SubsetSending:
			if payment.Type != TypeSending {
				continue
			}
			if !sameDay(payment.Date, today) {
				continue
			}

		case SubsetReceiving:
			switch payment.Type {
			case TypeRequested, TypeReceiving, TypePartPaid:
			default:
				continue
			}
			if !sameDay(payment.Date, today) {
				continue
			}
		}

		filtered = append(filtered, payment)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Date.After(filtered[j].Date)
	})

	return filtered
}

// FilterByText returns the payments of the last seen set (the result of the
// most recent ListAll) whose text content matches the query,
// case-insensitively. The description and note always participate; request
// backed records additionally match on label and address, transaction
// backed ones on output addresses and raw transaction text. Filtering never
// triggers a recomputation, so callers wanting fresh data must call ListAll
// first.
func (e *Engine) FilterByText(query string) []*Payment {
	e.lastSeenMtx.Lock()
	lastSeen := e.lastSeen
	e.lastSeenMtx.Unlock()

	lowerQuery := strings.ToLower(query)

	var matches []*Payment
	for _, payment := range lastSeen {
		if paymentMatches(payment, lowerQuery) {
			matches = append(matches, payment)
		}
	}

	return matches
}

// paymentMatches reports whether any text field of the payment contains the
// lower-cased query.
func paymentMatches(payment *Payment, lowerQuery string) bool {
	contains := func(s string) bool {
		return strings.Contains(strings.ToLower(s), lowerQuery)
	}

	if contains(payment.Description) || contains(payment.Note) {
		return true
	}

	switch payment.Kind {
	case KindFromRequest:
		return contains(payment.Request.Label) ||
			contains(payment.Request.Address)

	case KindFromTransaction:
		joined := strings.Join(payment.Tx.OutputAddresses, " ")

		return contains(joined) || contains(payment.Tx.RawTx)
	}

	return false
}

// midnight truncates a time to the start of its day, in the time's own
// location.
func midnight(t time.Time) time.Time {
	year, month, day := t.Date()

	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}

// sameDay reports whether t falls on the calendar day starting at the given
// midnight. The comparison happens in midnight's location, so wallet
// timestamps carried in a different zone than the engine clock still count
// towards the clock's notion of "today".
func sameDay(t, dayStart time.Time) bool {
	return midnight(t.In(dayStart.Location())).Equal(dayStart)
}
