package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/google/shlex"
	"github.com/marcinbor85/gohex"
	"github.com/soypat/winc1500"
	"github.com/soypat/winc1500/m2m"
)

const (
	colorRed   = "\x1b[31m"
	colorGreen = "\x1b[32m"
	colorCyan  = "\x1b[36m"
	colorReset = "\x1b[0m"

	maxDump = 64 * 1024
)

var (
	errQuit  = errors.New("quit")
	errUsage = errors.New("bad arguments")
)

// shell runs bridge commands. bus is the chip bus behind the bridge.
type shell struct {
	bus    winc1500.Bus
	out    io.Writer
	logger *slog.Logger
	closer io.Closer
	// rebaud switches the bridge and host port to a new baud rate.
	rebaud func(baud uint32) error
}

type command struct {
	args  string
	help  string
	nargs int
	run   func(sh *shell, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"peek":    {"addr", "read a chip register", 1, (*shell).peek},
		"poke":    {"addr value", "write a chip register", 2, (*shell).poke},
		"dump":    {"addr size", "hex dump chip memory", 2, (*shell).dump},
		"loadhex": {"file", "write an Intel HEX file to chip memory", 1, (*shell).loadhex},
		"chipid":  {"", "read the chip identifier", 0, (*shell).chipid},
		"info":    {"", "boot the chip firmware and print versions and MAC address", 0, (*shell).info},
		"baud":    {"rate", "change the bridge baud rate", 1, (*shell).baud},
		"help":    {"", "list commands", 0, (*shell).help},
		"quit":    {"", "exit", 0, func(*shell, []string) error { return errQuit }},
	}
}

func (sh *shell) exec(line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q, try help", args[0])
	}
	if len(args)-1 != cmd.nargs {
		return fmt.Errorf("%w: usage %s %s", errUsage, args[0], cmd.args)
	}
	return cmd.run(sh, args[1:])
}

func (sh *shell) peek(args []string) error {
	addr, err := parseUint32(args[0])
	if err != nil {
		return err
	}
	v, err := sh.bus.ReadReg(addr)
	if err != nil {
		return err
	}
	sh.printf("0x%08x: 0x%08x\n", addr, v)
	return nil
}

func (sh *shell) poke(args []string) error {
	addr, err := parseUint32(args[0])
	if err != nil {
		return err
	}
	v, err := parseUint32(args[1])
	if err != nil {
		return err
	}
	return sh.bus.WriteReg(addr, v)
}

func (sh *shell) dump(args []string) error {
	addr, err := parseUint32(args[0])
	if err != nil {
		return err
	}
	size, err := parseUint32(args[1])
	if err != nil {
		return err
	}
	if size == 0 || size > maxDump {
		return fmt.Errorf("%w: size must be in 1..%d", errUsage, maxDump)
	}
	buf := make([]byte, size)
	err = sh.bus.ReadBlock(addr, buf)
	if err != nil {
		return err
	}
	d := hex.Dumper(sh.out)
	d.Write(buf)
	return d.Close()
}

func (sh *shell) loadhex(args []string) error {
	fp, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer fp.Close()
	return sh.writeHex(fp)
}

func (sh *shell) writeHex(r io.Reader) error {
	mem := gohex.NewMemory()
	err := mem.ParseIntelHex(r)
	if err != nil {
		return err
	}
	var total int
	for _, seg := range mem.GetDataSegments() {
		err = sh.bus.WriteBlock(seg.Address, seg.Data)
		if err != nil {
			return fmt.Errorf("segment at %#x: %w", seg.Address, err)
		}
		sh.logger.Debug("wincbridge:segment", slog.Uint64("addr", uint64(seg.Address)), slog.Int("len", len(seg.Data)))
		total += len(seg.Data)
	}
	sh.printf(colorGreen+"wrote %d bytes"+colorReset+"\n", total)
	return nil
}

func (sh *shell) chipid(args []string) error {
	id, err := sh.bus.ReadReg(m2m.NMI_CHIPID)
	if err != nil {
		return err
	}
	sh.printf("chip id %#x\n", id)
	return nil
}

func (sh *shell) info(args []string) error {
	dev := winc1500.New(sh.bus, nil)
	err := dev.Init(winc1500.Config{NoIRQ: true, Logger: sh.logger})
	if err != nil && !errors.Is(err, m2m.ErrFwVerMismatch) {
		return err
	}
	if err != nil {
		sh.printErr(err)
	}
	defer dev.Deinit()
	fw, err := dev.FirmwareVersion()
	if err != nil {
		return err
	}
	mac, err := dev.MACAddress()
	if err != nil {
		return err
	}
	sh.printf("firmware %v (min driver %v)\nmac %x\n", fw.Firmware, fw.MinDriver, mac)
	return nil
}

func (sh *shell) baud(args []string) error {
	rate, err := parseUint32(args[0])
	if err != nil {
		return err
	}
	if sh.rebaud == nil {
		return errors.New("baud change not supported")
	}
	return sh.rebaud(rate)
}

func (sh *shell) help(args []string) error {
	for _, name := range []string{"peek", "poke", "dump", "loadhex", "chipid", "info", "baud", "help", "quit"} {
		c := commands[name]
		sh.printf(colorCyan+"%-8s"+colorReset+" %-12s %s\n", name, c.args, c.help)
	}
	return nil
}

func (sh *shell) close() error {
	if sh.closer != nil {
		return sh.closer.Close()
	}
	return nil
}

func (sh *shell) prompt() {
	sh.printf(colorCyan + "winc> " + colorReset)
}

func (sh *shell) printErr(err error) {
	sh.printf(colorRed+"error: %s"+colorReset+"\n", err)
}

func (sh *shell) printf(format string, args ...any) {
	fmt.Fprintf(sh.out, format, args...)
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", errUsage, err)
	}
	return uint32(v), nil
}
