package bundle

import (
	"fmt"
	"strconv"
)

// CheckoutMode selects which length a bundle reads at.
type CheckoutMode int

const (
	// CheckoutRelease reads at the drive's release pointer, or the tip when
	// nothing is released.
	CheckoutRelease CheckoutMode = iota
	// CheckoutLatest reads at the observed tip.
	CheckoutLatest
	// CheckoutLength reads at an explicit length.
	CheckoutLength
)

// Checkout is a bundle's checkout policy.
type Checkout struct {
	Mode   CheckoutMode
	Length uint64
}

// ParseCheckout accepts "release", "latest", "staged" (an alias of latest)
// or a decimal length. Empty means release.
func ParseCheckout(s string) (Checkout, error) {
	switch s {
	case "", "release":
		return Checkout{Mode: CheckoutRelease}, nil
	case "latest", "staged":
		return Checkout{Mode: CheckoutLatest}, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return Checkout{}, fmt.Errorf("invalid checkout %q", s)
	}
	return Checkout{Mode: CheckoutLength, Length: n}, nil
}

func (c Checkout) String() string {
	switch c.Mode {
	case CheckoutLatest:
		return "latest"
	case CheckoutLength:
		return strconv.FormatUint(c.Length, 10)
	default:
		return "release"
	}
}
