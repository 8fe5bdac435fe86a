// Package simulated is a fully in-memory bootloader.Adapter driving the
// OTA engine's tests (spec §8 scenarios S1-S6), mirroring the teacher's
// pattern of hardware-free stand-ins for device subsystems.
package simulated

import (
	"context"
	"sync"

	"github.com/sorru94/edgehog-zephyr-device/internal/bootloader"
)

type Adapter struct {
	mu sync.Mutex

	swapType  bootloader.SwapType
	confirmed bool
	header    bootloader.Header
	hasHeader bool

	RebootCalled bool
	RebootFunc   func(ctx context.Context) error

	FailReadHeader, FailRequestUpgrade, FailConfirm, FailErase bool
}

// New returns an adapter that starts as though booted from a freshly
// confirmed image (the steady state between updates).
func New() *Adapter {
	return &Adapter{swapType: bootloader.SwapNone, confirmed: true}
}

func (a *Adapter) CurrentSwapType(ctx context.Context) (bootloader.SwapType, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.swapType, nil
}

func (a *Adapter) IsImageConfirmed(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.confirmed, nil
}

func (a *Adapter) ConfirmCurrentImage(ctx context.Context) error {
	if a.FailConfirm {
		return bootloader.ErrConfirm
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.confirmed = true
	a.swapType = bootloader.SwapPermanent
	return nil
}

func (a *Adapter) ReadSecondaryHeader(ctx context.Context) (bootloader.Header, error) {
	if a.FailReadHeader {
		return bootloader.Header{}, bootloader.ErrReadHeader
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.hasHeader {
		return bootloader.Header{}, bootloader.ErrReadHeader
	}
	return a.header, nil
}

func (a *Adapter) EraseSecondary(ctx context.Context) error {
	if a.FailErase {
		return bootloader.ErrErase
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hasHeader = false
	return nil
}

func (a *Adapter) RequestUpgradeTest(ctx context.Context) error {
	if a.FailRequestUpgrade {
		return bootloader.ErrRequestUpgrade
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.swapType = bootloader.SwapTest
	a.confirmed = false
	return nil
}

func (a *Adapter) RebootWarm(ctx context.Context) error {
	a.mu.Lock()
	a.RebootCalled = true
	fn := a.RebootFunc
	a.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

// SetSecondaryHeader lets a test simulate a successfully written image so
// ReadSecondaryHeader succeeds.
func (a *Adapter) SetSecondaryHeader(h bootloader.Header) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.header = h
	a.hasHeader = true
}

// SimulateReboot advances the simulated world across the reboot that
// follows RequestUpgradeTest: a pending, unconfirmed TEST swap becomes
// the post-swap boot state, swap type NONE with the image not yet
// confirmed. Any other state is left unchanged; a revert is produced by
// SimulateRevert, not by this method.
func (a *Adapter) SimulateReboot() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.swapType == bootloader.SwapTest && !a.confirmed {
		a.swapType = bootloader.SwapNone
		a.confirmed = false
	}
}

// SimulateRevert forces the post-reboot state a failed TBYB produces: the
// bootloader reverted to the previous image and reports REVERT.
func (a *Adapter) SimulateRevert() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.swapType = bootloader.SwapRevert
	a.confirmed = true
}
