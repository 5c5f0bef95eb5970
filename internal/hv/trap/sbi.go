package trap

import "fmt"

// SBI extension IDs, passed in a7.
const (
	SBILegacySetTimer    = 0x00
	SBILegacyPutchar     = 0x01
	SBILegacyGetchar     = 0x02
	SBILegacyShutdown    = 0x08
	SBIExtBase           = 0x10
	SBIExtTime           = 0x54494D45
	SBIExtIPI            = 0x735049
	SBIExtRFence         = 0x52464E43
	SBIExtHSM            = 0x48534D
	SBIExtSRST           = 0x53525354
	SBIExtDebugConsole   = 0x4442434E
	SBISRSTSystemReset   = 0
	SBISRSTTypeShutdown  = 0
	SBISRSTTypeColdReset = 1
)

type sbiExtension struct {
	name      string
	functions map[uint64]string
}

var sbiExtensions = map[uint64]sbiExtension{
	SBILegacySetTimer: {name: "legacy", functions: map[uint64]string{0: "set_timer"}},
	SBILegacyPutchar:  {name: "legacy", functions: map[uint64]string{0: "console_putchar"}},
	SBILegacyGetchar:  {name: "legacy", functions: map[uint64]string{0: "console_getchar"}},
	SBILegacyShutdown: {name: "legacy", functions: map[uint64]string{0: "shutdown"}},
	SBIExtBase: {name: "base", functions: map[uint64]string{
		0: "get_spec_version",
		1: "get_impl_id",
		2: "get_impl_version",
		3: "probe_extension",
		4: "get_mvendorid",
		5: "get_marchid",
		6: "get_mimpid",
	}},
	SBIExtTime: {name: "time", functions: map[uint64]string{0: "set_timer"}},
	SBIExtIPI:  {name: "ipi", functions: map[uint64]string{0: "send_ipi"}},
	SBIExtRFence: {name: "rfence", functions: map[uint64]string{
		0: "remote_fence_i",
		1: "remote_sfence_vma",
		2: "remote_sfence_vma_asid",
		3: "remote_hfence_gvma_vmid",
		4: "remote_hfence_gvma",
		5: "remote_hfence_vvma_asid",
		6: "remote_hfence_vvma",
	}},
	SBIExtHSM: {name: "hsm", functions: map[uint64]string{
		0: "hart_start",
		1: "hart_stop",
		2: "hart_get_status",
		3: "hart_suspend",
	}},
	SBIExtSRST: {name: "srst", functions: map[uint64]string{SBISRSTSystemReset: "system_reset"}},
	SBIExtDebugConsole: {name: "dbcn", functions: map[uint64]string{
		0: "console_write",
		1: "console_read",
		2: "console_write_byte",
	}},
}

// SBICall names the SBI call selected by an extension ID (a7) and function
// ID (a6), e.g. "srst.system_reset". Legacy extensions ignore a6.
func SBICall(ext, fid uint64) string {
	e, ok := sbiExtensions[ext]
	if !ok {
		return fmt.Sprintf("ext %#x fid %d", ext, fid)
	}
	if ext < SBIExtBase {
		fid = 0
	}
	if fn, ok := e.functions[fid]; ok {
		return e.name + "." + fn
	}
	return fmt.Sprintf("%s fid %d", e.name, fid)
}
