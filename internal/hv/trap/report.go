package trap

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/rvh/internal/console"
	"github.com/tinyrange/rvh/internal/hv/riscv"
)

func (r *Router) report(class Class, c *Context) {
	attrs := []any{
		"class", class.String(),
		"cause", riscv.CauseName(c.Cause),
		"sepc", fmt.Sprintf("%#x", c.Sepc),
		"stval", fmt.Sprintf("%#x", c.Tval),
	}
	quiet := class == ClassHypervisorInterrupt && r.Policy == PolicyIgnore
	label := class.String()
	if !quiet {
		label = console.Alert(label)
	}
	line := fmt.Sprintf("trap: %s: %s at sepc=%#x", label, riscv.CauseName(c.Cause), c.Sepc)

	switch class {
	case ClassGuestPageFault:
		attrs = append(attrs, "gpa", fmt.Sprintf("%#x", c.GPA()))
		line += fmt.Sprintf(" gva=%#x gpa=%#x", c.Tval, c.GPA())
	case ClassGuestSupervisorCall:
		call := SBICall(c.GPR[riscv.RegA7], c.GPR[riscv.RegA6])
		attrs = append(attrs, "sbi", call)
		line += fmt.Sprintf(" sbi=%s a0=%#x a1=%#x", call, c.GPR[riscv.RegA0], c.GPR[riscv.RegA1])
	case ClassGuestException, ClassHostException:
		line += fmt.Sprintf(" stval=%#x", c.Tval)
	}

	if quiet {
		slog.Debug("trap", attrs...)
	} else {
		slog.Info("trap", attrs...)
	}
	fmt.Fprintln(r.out, line)
}

// WriteRegisters prints the captured GPRs four to a line.
func (c *Context) WriteRegisters(w io.Writer) error {
	for i := 0; i < len(c.GPR); i += 4 {
		for j := i; j < i+4; j++ {
			sep := "  "
			if j == i+3 {
				sep = "\n"
			}
			if _, err := fmt.Fprintf(w, "%-4s %#018x%s", riscv.RegName(j), c.GPR[j], sep); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintf(w, "sepc %#018x  cause %s\n", c.Sepc, riscv.CauseName(c.Cause))
	return err
}
