package session

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

const idSuffixLen = 9

// NewID returns "<unix-millis>-<9 base36 chars>". The suffix is taken from a
// random UUID so ids stay unique across concurrent submissions in the same
// millisecond.
func NewID(clk clock.Clock) string {
	if clk == nil {
		clk = clock.New()
	}
	u := uuid.New()
	n := new(big.Int).SetBytes(u[:])
	suffix := n.Text(36)
	if len(suffix) < idSuffixLen {
		suffix = strings.Repeat("0", idSuffixLen-len(suffix)) + suffix
	}
	return fmt.Sprintf("%d-%s", clk.Now().UnixMilli(), suffix[len(suffix)-idSuffixLen:])
}
