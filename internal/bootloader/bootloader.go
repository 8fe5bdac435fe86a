// Package bootloader abstracts the operations spec §4.4 requires of the
// platform bootloader: querying the swap verdict, requesting a test
// upgrade, confirming the running image, and reading the secondary
// bank's header. The real target this repo is named for (Zephyr +
// MCUboot) uses exactly this TEST/PERM/REVERT/FAIL vocabulary — see
// GLOSSARY in spec.md and the "Swap type" entry.
package bootloader

import (
	"context"
	"errors"
)

// SwapType is the bootloader's verdict at boot (spec §4.4, GLOSSARY).
type SwapType int

const (
	SwapNone SwapType = iota
	SwapTest
	SwapPermanent
	SwapRevert
	SwapFail
)

func (s SwapType) String() string {
	switch s {
	case SwapNone:
		return "NONE"
	case SwapTest:
		return "TEST"
	case SwapPermanent:
		return "PERM"
	case SwapRevert:
		return "REVERT"
	case SwapFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// Header is the minimal secondary-bank image header sanity-checked
// before requesting an upgrade (spec §4.6 step 6).
type Header struct {
	Magic   uint32
	Size    uint32
	Version string
}

var (
	ErrReadHeader     = errors.New("bootloader: read secondary header failed")
	ErrRequestUpgrade = errors.New("bootloader: request upgrade test failed")
	ErrConfirm        = errors.New("bootloader: confirm current image failed")
	ErrErase          = errors.New("bootloader: erase secondary failed")
)

// Adapter is the synchronous bootloader contract from spec §4.4.
type Adapter interface {
	CurrentSwapType(ctx context.Context) (SwapType, error)
	IsImageConfirmed(ctx context.Context) (bool, error)
	ConfirmCurrentImage(ctx context.Context) error
	ReadSecondaryHeader(ctx context.Context) (Header, error)
	EraseSecondary(ctx context.Context) error
	RequestUpgradeTest(ctx context.Context) error
	// RebootWarm does not return on success.
	RebootWarm(ctx context.Context) error
}
