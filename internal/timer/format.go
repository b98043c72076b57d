package timer

import (
	"fmt"
	"math"
	"strconv"

	"github.com/descenders-modkit/modkit-server/internal/protocol"
)

// FormatDuration renders seconds as MM:SS.mmm. Millisecond rounding
// carries into seconds and minutes, so 59.9996 becomes 01:00.000.
func FormatDuration(secs float64) string {
	sign := ""
	if secs < 0 {
		sign = "-"
		secs = -secs
	}
	ms := int64(math.RoundToEven(secs * 1000))
	return fmt.Sprintf("%s%02d:%02d.%03d", sign, ms/60000, (ms/1000)%60, ms%1000)
}

// Ordinal renders n with its English suffix: 1st, 2nd, 3rd, 4th, 11th, 21st.
func Ordinal(n int) string {
	suffix := "th"
	if m := n % 100; m < 4 || m > 20 {
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return strconv.Itoa(n) + suffix
}

// roundDelta rounds to three decimal places and prints the shortest form,
// keeping one fractional digit for whole numbers.
func roundDelta(v float64) string {
	return protocol.FormatFloat(math.RoundToEven(v*1000) / 1000)
}

// splitMessage builds the SPLIT_TIME text for a checkpoint. A nil delta
// means there is no usable reference for that half.
func splitMessage(wrDelta, pbDelta *float64, clientTime float64) string {
	msg := deltaText(wrDelta, "WR")
	if pb := deltaText(pbDelta, "PB"); pb != "" {
		msg += "  " + pb
	}
	if msg == "" {
		return FormatDuration(clientTime)
	}
	return msg
}

func deltaText(delta *float64, label string) string {
	if delta == nil {
		return ""
	}
	d := *delta
	abs := roundDelta(math.Abs(d))
	switch {
	case d > 0:
		return fmt.Sprintf("<color=lime>-%s</color> %s", abs, label)
	case d == 0:
		return fmt.Sprintf("<color=orange>+%s</color> %s", abs, label)
	default:
		return fmt.Sprintf("<color=red>+%s</color> %s", abs, label)
	}
}
