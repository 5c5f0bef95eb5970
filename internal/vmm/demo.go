package vmm

import (
	"github.com/tinyrange/rvh/internal/asm"
	rvasm "github.com/tinyrange/rvh/internal/asm/riscv"
	"github.com/tinyrange/rvh/internal/linux/boot/riscv64"
)

// DemoResultOffset is where, relative to the guest base, the demo guest
// stores its result.
const DemoResultOffset = 0x10000

// DemoImage returns a bootable image that sums 1..n, stores the sum at
// guestBase+DemoResultOffset, keeps it in s1 and shuts down through SBI.
func DemoImage(guestBase uint64, n int64) []byte {
	code := rvasm.MustEmit(
		rvasm.MovImmediate(rvasm.T0, 0),
		rvasm.MovImmediate(rvasm.T1, n),
		asm.MarkLabel("loop"),
		rvasm.Add(rvasm.T0, rvasm.T0, rvasm.T1),
		rvasm.AddRegImm(rvasm.T1, -1),
		rvasm.Bne(rvasm.T1, rvasm.Zero, "loop"),
		rvasm.MovImmediate(rvasm.T2, int64(guestBase+DemoResultOffset)),
		rvasm.MovToMemory(rvasm.T2, rvasm.T0, 0),
		rvasm.Mov(rvasm.S1, rvasm.T0),
		rvasm.Halt(),
	)
	return riscv64.EncodeImage(code, 0)
}
