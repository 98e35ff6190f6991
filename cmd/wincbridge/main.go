package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/soypat/winc1500/serialbridge"
	tarm "github.com/tarm/serial"
	bugst "go.bug.st/serial"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "wincbridge - Access a WINC1500 through the UART serial bridge firmware.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	port := flag.String("port", "/dev/ttyACM0", "Serial port the bridge is connected to.")
	baud := flag.Int("baud", 115200, "Serial baud rate.")
	list := flag.Bool("list", false, "List available serial ports and exit.")
	verbose := flag.Bool("v", false, "Log bus retries and register traffic.")
	command := flag.String("c", "", "Run a single command and exit.")
	flag.Parse()

	stdout := colorable.NewColorableStdout()
	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug - 1
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *list {
		err := listPorts(stdout)
		if err != nil {
			fatal(stdout, err)
		}
		return
	}
	sh, err := openShell(*port, *baud, logger, stdout)
	if err != nil {
		fatal(stdout, err)
	}
	defer sh.close()
	if *command != "" {
		err = sh.exec(*command)
		if err != nil {
			fatal(stdout, err)
		}
		return
	}
	sh.repl(os.Stdin)
}

func listPorts(w io.Writer) error {
	ports, err := bugst.GetPortsList()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(w, "no serial ports found")
	}
	for _, p := range ports {
		fmt.Fprintln(w, p)
	}
	return nil
}

// openPort opens the named serial port. Reads time out so a silent bridge
// surfaces as a bus error instead of a hang.
func openPort(name string, baud int) (*tarm.Port, error) {
	return tarm.OpenPort(&tarm.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: 500 * time.Millisecond,
	})
}

func openShell(name string, baud int, logger *slog.Logger, out io.Writer) (*shell, error) {
	port, err := openPort(name, baud)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	bus := serialbridge.New(port, serialbridge.Config{Baud: baud, Logger: logger})
	err = bus.Init()
	if err != nil {
		port.Close()
		return nil, err
	}
	sh := &shell{
		bus:    bus,
		out:    out,
		logger: logger,
		closer: port,
	}
	sh.rebaud = func(baud uint32) error {
		err := bus.SetBaud(baud)
		if err != nil {
			return err
		}
		port.Close()
		port, err = openPort(name, int(baud))
		if err != nil {
			return err
		}
		bus = serialbridge.New(port, serialbridge.Config{Baud: int(baud), Logger: logger})
		sh.bus = bus
		sh.closer = port
		return bus.Init()
	}
	return sh, nil
}

func (sh *shell) repl(r io.Reader) {
	scanner := bufio.NewScanner(r)
	sh.prompt()
	for scanner.Scan() {
		err := sh.exec(scanner.Text())
		if err == errQuit {
			return
		} else if err != nil {
			sh.printErr(err)
		}
		sh.prompt()
	}
}

func fatal(w io.Writer, err error) {
	fmt.Fprintf(w, colorRed+"error: %s"+colorReset+"\n", err)
	os.Exit(1)
}
