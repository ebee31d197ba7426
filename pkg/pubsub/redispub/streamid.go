package redispub

import (
	"fmt"
	"math/big"
	"strings"
)

// CompareStreamIDs orders two Redis stream ids of the time-seq form
// ("1726000000000-5"). The time part dominates; the sequence part breaks
// ties. Both halves are compared as arbitrary-precision unsigned integers,
// so ids survive values beyond 64 bits. The result is a strict total order.
func CompareStreamIDs(a, b string) (int, error) {
	at, as, err := splitStreamID(a)
	if err != nil {
		return 0, err
	}
	bt, bs, err := splitStreamID(b)
	if err != nil {
		return 0, err
	}
	if c := at.Cmp(bt); c != 0 {
		return c, nil
	}
	return as.Cmp(bs), nil
}

func splitStreamID(id string) (*big.Int, *big.Int, error) {
	timePart, seqPart, ok := strings.Cut(id, "-")
	if !ok {
		// A bare number is a valid XREAD position; sequence defaults to 0.
		timePart, seqPart = id, "0"
	}
	t, ok := new(big.Int).SetString(timePart, 10)
	if !ok || t.Sign() < 0 {
		return nil, nil, fmt.Errorf("redispub: invalid stream id %q", id)
	}
	s, ok := new(big.Int).SetString(seqPart, 10)
	if !ok || s.Sign() < 0 {
		return nil, nil, fmt.Errorf("redispub: invalid stream id %q", id)
	}
	return t, s, nil
}
