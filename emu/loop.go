package emu

import (
	"time"
)

// MakeNextInstructionUninterruptible suppresses the IRQ/TF checks once,
// used after MOV SS, POP SS and STI so the following instruction cannot be
// split from them by an interrupt.
func (c *CPU) MakeNextInstructionUninterruptible() {
	c.nextInstructionUninterruptible = true
}

// QueueCommand latches an external request; the main loop services it at
// its next slow-path check.
func (c *CPU) QueueCommand(cmd Command) {
	switch cmd {
	case EnterDebugger, ExitDebugger:
		c.debuggerRequest = cmd
		c.hasDebuggerReq = true
	case HardReboot:
		c.shouldHardReboot = true
	}
	c.recomputeSlowStuff()
}

// DebuggerActive reports whether an EnterDebugger request has been
// serviced; the console itself lives outside the core and polls this.
func (c *CPU) DebuggerActive() bool { return c.debuggerActive }

func (c *CPU) recomputeSlowStuff() {
	c.needsSlowStuff = c.hasDebuggerReq || c.shouldHardReboot
}

// mainLoopSlowStuff services latched commands. It is kept off the hot path
// behind a single flag check.
func (c *CPU) mainLoopSlowStuff() {
	if c.shouldHardReboot {
		c.hardReboot()
		return
	}
	if c.hasDebuggerReq {
		c.debuggerActive = c.debuggerRequest == EnterDebugger
		c.hasDebuggerReq = false
		c.recomputeSlowStuff()
	}
}

func (c *CPU) hardReboot() {
	c.log.Info("hard reboot")
	c.Reset()
	c.shouldHardReboot = false
	c.recomputeSlowStuff()
}

// fatal records a non-architectural failure and stops the core.
func (c *CPU) fatal(err error) {
	c.log.WithField("error", err).Error("fatal emulator error")
	c.fatalErr = err
	c.state = StateDead
}

// Step executes exactly one instruction, then runs the between-instruction
// checks: trap-flag single-step and PIC polling, unless the instruction just
// executed made the next one uninterruptible (MOV SS, POP SS, STI).
func (c *CPU) Step() {
	if c.needsSlowStuff {
		c.mainLoopSlowStuff()
		if c.state == StateDead {
			return
		}
	}

	c.executeOneInstruction()
	c.instructionsRun++
	if c.state == StateDead {
		return
	}

	if c.nextInstructionUninterruptible {
		c.nextInstructionUninterruptible = false
		return
	}

	if c.flagTF {
		// Single-step trap for debuggers running inside the guest.
		c.saveBaseAddress()
		if err := c.deliverDebugTrap(); err != nil {
			if e := asException(err); e != nil {
				c.raiseException(e)
			} else {
				c.fatal(err)
			}
		}
	}

	if c.pic != nil && c.pic.HasPendingIRQ() && c.flagIF {
		c.pic.ServiceIRQ(c)
	}
}

// executeOneInstruction is the fetch-decode-execute core. On an
// architectural exception the instruction pointer rewinds to the
// instruction base and the exception is delivered through the interrupt
// protocol; delivery faults escalate to #DF and triple fault.
func (c *CPU) executeOneInstruction() {
	c.saveBaseAddress()

	insn, err := c.decoder.Decode(codeFetcher{c}, c.o32Default, c.a32Default)
	if err == nil {
		err = c.execute(insn)
	}
	if err == nil {
		return
	}
	if e := asException(err); e != nil {
		c.raiseException(e)
		return
	}
	c.fatal(err)
}

// Run is the main loop: it steps until the core dies (triple fault,
// autotest shutdown, fatal error) or the instruction limit is reached.
func (c *CPU) Run() error {
	for c.state != StateDead {
		if c.maxInstructions > 0 && c.instructionsRun >= c.maxInstructions {
			break
		}
		c.Step()
	}
	return c.fatalErr
}

// haltedLoop idles after HLT at a low poll frequency, leaving only on a
// pending IRQ (with IF set), a queued hard reboot, or debugger entry. With
// no interrupt controller attached nothing can ever wake the core, so it
// dies instead of spinning forever.
func (c *CPU) haltedLoop() {
	for c.state == StateHalted {
		if c.shouldHardReboot {
			c.hardReboot()
			return
		}
		if c.hasDebuggerReq {
			c.mainLoopSlowStuff()
			if c.debuggerActive {
				return
			}
		}
		if c.pic == nil {
			c.log.Warn("halted with no interrupt controller, shutting down")
			c.state = StateDead
			return
		}
		if c.pic.HasPendingIRQ() && c.flagIF {
			c.state = StateAlive
			c.pic.ServiceIRQ(c)
			return
		}
		time.Sleep(100 * time.Microsecond)
	}
}
