// Package swarmtypes holds the data model shared across the Dispatch
// Controller, Settlement Ledger, Receipt Library and Worker Agent:
// Account, Job, Epoch, Transaction, Deposit/Withdrawal, QueuedJob and
// WorkerInfo, plus the closed request/response records for each RPC.
package swarmtypes

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Amount is a 2-decimal fixed-point USD value, stored as an integer count
// of cents to avoid float drift. Internal accumulation (fee splits) keeps
// 4-decimal precision by scaling to ten-thousandths; USD amounts exposed
// on Account/Transaction round to 2 decimals.
type Amount int64 // hundredths of a cent is too fine; this is cents.

// MicroAmount carries 4-decimal precision (ten-thousandths of a dollar),
// used internally for epoch fee-split math before truncating down to
// 2-decimal USD.
type MicroAmount int64

const centsPerDollar = 100
const microPerDollar = 10000
const microPerCent = microPerDollar / centsPerDollar

// ParseAmount parses a decimal USD string ("0.10", "1", "1.005") into
// Amount, rounding to the nearest cent. It rejects strings that
// strconv.ParseFloat rejects; anything ParseFloat accepts (exponent forms
// included) is taken as-is.
func ParseAmount(s string) (Amount, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("swarmtypes: invalid amount %q: %w", s, err)
	}
	return Amount(math.Round(f * centsPerDollar)), nil
}

// String renders the amount as a fixed 2-decimal USD string.
func (a Amount) String() string {
	neg := ""
	v := int64(a)
	if v < 0 {
		neg = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", neg, v/centsPerDollar, v%centsPerDollar)
}

// MarshalJSON renders Amount as a quoted decimal string so a JSON number
// parser's float representation never touches it.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts either a quoted string or a bare JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ToMicro upscales an Amount (cents) to MicroAmount (ten-thousandths).
func (a Amount) ToMicro() MicroAmount {
	return MicroAmount(int64(a) * microPerCent)
}

// Micro builds a MicroAmount directly from a cents*microPerCent-scaled
// product; used by the fee-split arithmetic in internal/settlement.
func Micro(v int64) MicroAmount { return MicroAmount(v) }

// Truncate rounds a MicroAmount down to whole Amount cents. Truncation,
// not rounding, is deliberate: a fee split must never overpay.
func (m MicroAmount) Truncate() Amount {
	return Amount(int64(m) / microPerCent)
}

// String renders the micro amount as a 4-decimal USD string, the form
// published alongside per-job fee splits.
func (m MicroAmount) String() string {
	neg := ""
	v := int64(m)
	if v < 0 {
		neg = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%04d", neg, v/microPerDollar, v%microPerDollar)
}

func (m MicroAmount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}
