// Package mcuboot implements bootloader.Adapter against an MCUboot-style
// image trailer: a small fixed-layout footer at the end of each flash
// bank holding the swap type, the image-ok flag, and a copy-done marker.
// This mirrors the real Zephyr/MCUboot swap bookkeeping that
// sorru94/edgehog-zephyr-device (the project this module is named for)
// runs against; it is plain sequential file I/O, the same raw-device
// rationale as internal/flash/devnode (see DESIGN.md).
package mcuboot

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/sorru94/edgehog-zephyr-device/internal/bootloader"
)

const trailerMagic = 0x96f3b83d

// trailer layout, little-endian:
//
//	[0:4]  magic
//	[4]    swap type (bootloader.SwapType)
//	[5]    image-ok (0/1)
//	[6]    copy-done (0/1)
type Adapter struct {
	// TrailerPath is the file holding the primary bank's trailer.
	TrailerPath string
	// SecondaryHeaderPath is the file holding the secondary bank's image
	// header (first bytes of the bank).
	SecondaryHeaderPath string
	// Reboot is called by RebootWarm; defaults to a no-op useful for
	// tests driving this adapter without an actual reboot capability.
	Reboot func(ctx context.Context) error
}

func New(trailerPath, secondaryHeaderPath string) *Adapter {
	return &Adapter{TrailerPath: trailerPath, SecondaryHeaderPath: secondaryHeaderPath}
}

func (a *Adapter) readTrailer() ([7]byte, error) {
	var buf [7]byte
	f, err := os.Open(a.TrailerPath)
	if err != nil {
		if os.IsNotExist(err) {
			binary.LittleEndian.PutUint32(buf[0:4], trailerMagic)
			buf[4] = byte(bootloader.SwapNone)
			return buf, nil
		}
		return buf, err
	}
	defer f.Close()
	if _, err := f.Read(buf[:]); err != nil {
		return buf, err
	}
	return buf, nil
}

func (a *Adapter) writeTrailer(buf [7]byte) error {
	return os.WriteFile(a.TrailerPath, buf[:], 0o600)
}

func (a *Adapter) CurrentSwapType(ctx context.Context) (bootloader.SwapType, error) {
	buf, err := a.readTrailer()
	if err != nil {
		return bootloader.SwapFail, fmt.Errorf("%w: %v", bootloader.ErrReadHeader, err)
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != trailerMagic {
		return bootloader.SwapFail, nil
	}
	return bootloader.SwapType(buf[4]), nil
}

func (a *Adapter) IsImageConfirmed(ctx context.Context) (bool, error) {
	buf, err := a.readTrailer()
	if err != nil {
		return false, fmt.Errorf("%w: %v", bootloader.ErrReadHeader, err)
	}
	return buf[5] == 1, nil
}

func (a *Adapter) ConfirmCurrentImage(ctx context.Context) error {
	buf, err := a.readTrailer()
	if err != nil {
		return fmt.Errorf("%w: %v", bootloader.ErrConfirm, err)
	}
	binary.LittleEndian.PutUint32(buf[0:4], trailerMagic)
	buf[4] = byte(bootloader.SwapPermanent)
	buf[5] = 1
	if err := a.writeTrailer(buf); err != nil {
		return fmt.Errorf("%w: %v", bootloader.ErrConfirm, err)
	}
	return nil
}

func (a *Adapter) ReadSecondaryHeader(ctx context.Context) (bootloader.Header, error) {
	data, err := os.ReadFile(a.SecondaryHeaderPath)
	if err != nil {
		return bootloader.Header{}, fmt.Errorf("%w: %v", bootloader.ErrReadHeader, err)
	}
	if len(data) < 8 {
		return bootloader.Header{}, fmt.Errorf("%w: header too short", bootloader.ErrReadHeader)
	}
	return bootloader.Header{
		Magic: binary.LittleEndian.Uint32(data[0:4]),
		Size:  binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

func (a *Adapter) EraseSecondary(ctx context.Context) error {
	if err := os.Remove(a.SecondaryHeaderPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", bootloader.ErrErase, err)
	}
	return nil
}

func (a *Adapter) RequestUpgradeTest(ctx context.Context) error {
	var buf [7]byte
	binary.LittleEndian.PutUint32(buf[0:4], trailerMagic)
	buf[4] = byte(bootloader.SwapTest)
	if err := a.writeTrailer(buf); err != nil {
		return fmt.Errorf("%w: %v", bootloader.ErrRequestUpgrade, err)
	}
	return nil
}

func (a *Adapter) RebootWarm(ctx context.Context) error {
	if a.Reboot != nil {
		return a.Reboot(ctx)
	}
	return nil
}
